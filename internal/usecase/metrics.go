package usecase

import "github.com/prometheus/client_golang/prometheus"

var (
	mtxTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stoptrail_ticks_total",
			Help: "Price samples processed",
		},
		[]string{"symbol"},
	)

	mtxOrders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stoptrail_orders_total",
			Help: "Orders by side and outcome",
		},
		[]string{"symbol", "side", "outcome"}, // outcome: executed|rejected|failed
	)

	mtxThresholdHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stoptrail_threshold_hits_total",
			Help: "DCA ladder thresholds fired",
		},
		[]string{"symbol"},
	)

	mtxStopPrice = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stoptrail_stop_price",
			Help: "Current trailing stop level",
		},
		[]string{"symbol", "side"},
	)

	mtxHopper = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stoptrail_hopper",
			Help: "Amount staged by fired thresholds awaiting the terminal trade",
		},
		[]string{"symbol"},
	)
)

func init() {
	prometheus.MustRegister(mtxTicks, mtxOrders, mtxThresholdHits, mtxStopPrice, mtxHopper)
}
