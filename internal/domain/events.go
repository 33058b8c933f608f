package domain

import "time"

type EventType string

const (
	EventPriceUpdate   EventType = "price_update"
	EventStopUpdate    EventType = "stop_update"
	EventThresholdHit  EventType = "threshold_hit"
	EventBalanceUpdate EventType = "balance_update"
	EventTradeExecuted EventType = "trade_executed"
	EventStatusMessage EventType = "status_message"
)

// Event is the one-way payload pushed from the engine to an observer.
// Observers only pull; they must copy before touching shared render state.
type Event struct {
	Type      EventType `json:"type"`
	Time      time.Time `json:"time"`
	Symbol    string    `json:"symbol"`
	Direction Direction `json:"direction,omitempty"`

	Price          float64 `json:"price,omitempty"`
	Stop           float64 `json:"stop,omitempty"`
	ThresholdPrice float64 `json:"threshold_price,omitempty"`
	Amount         float64 `json:"amount,omitempty"`
	Hopper         float64 `json:"hopper,omitempty"`
	Balance        float64 `json:"balance,omitempty"`
	OrderID        string  `json:"order_id,omitempty"`
	Message        string  `json:"message,omitempty"`
}

// EventSink receives engine events. Absence of a sink must not change
// engine behavior, so implementations must never block the caller.
type EventSink interface {
	Emit(ev Event)
}
