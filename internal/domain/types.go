package domain

import (
	"fmt"
	"strings"
	"time"
)

// Direction is the trade direction a strategy runs in. Sell exits a long
// position as price rises past the trailing stop; Buy enters a position as
// price falls past it.
type Direction string

const (
	DirectionSell Direction = "sell"
	DirectionBuy  Direction = "buy"
)

func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sell":
		return DirectionSell, nil
	case "buy":
		return DirectionBuy, nil
	default:
		return "", Configf("invalid trade type %q: use 'buy' or 'sell'", s)
	}
}

// StopMode selects how the trailing distance is applied to the extreme.
type StopMode string

const (
	StopModePercentage StopMode = "percentage"
	StopModeAbsolute   StopMode = "absolute"
)

// Symbol is a base/quote pair, e.g. DOGE/USD.
type Symbol struct {
	Base  string
	Quote string
}

func ParseSymbol(s string) (Symbol, error) {
	parts := strings.Split(strings.ToUpper(strings.TrimSpace(s)), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Symbol{}, Configf("invalid symbol %q: expected BASE/QUOTE (e.g. DOGE/USD)", s)
	}
	return Symbol{Base: parts[0], Quote: parts[1]}, nil
}

func (s Symbol) String() string {
	return s.Base + "/" + s.Quote
}

// ProductID returns the dash form used by the broker API (DOGE-USD).
func (s Symbol) ProductID() string {
	return s.Base + "-" + s.Quote
}

// Threshold is one rung of the DCA ladder. Hit transitions false->true
// exactly once per run and never reverses.
type Threshold struct {
	ID     int64
	Symbol string
	Price  float64
	Amount float64
	Hit    bool
	HitAt  *time.Time
}

// OrderResult is the fixed value shape at the broker-client boundary.
// Internal logic depends only on this, never on a broker SDK response.
type OrderResult struct {
	ID          string
	Status      OrderStatus
	FilledSize  float64
	FilledValue float64
	Fee         float64
}

type OrderStatus string

const (
	OrderStatusFilled   OrderStatus = "filled"
	OrderStatusPending  OrderStatus = "pending"
	OrderStatusRejected OrderStatus = "rejected"
)

func (r *OrderResult) Filled() bool {
	return r != nil && r.Status == OrderStatusFilled
}

// AvgPrice returns the effective execution price, 0 if nothing filled.
func (r *OrderResult) AvgPrice() float64 {
	if r == nil || r.FilledSize == 0 {
		return 0
	}
	return r.FilledValue / r.FilledSize
}

// Fill is one entry of the broker's fill history, used to reconcile orders
// whose outcome was lost to a transport failure.
type Fill struct {
	OrderID string
	Symbol  string
	Side    Direction
	Size    float64
	Price   float64
	Time    time.Time
}

// AccountSnapshot is an advisory audit record of balance and hopper size.
// It is written, never read back to drive logic.
type AccountSnapshot struct {
	ID             int64
	Symbol         string
	AccountBalance float64
	CoinHopper     float64
}

// WinTracker carries per-symbol outcome counters, incremented only at the
// terminal trade. Reporting only, no control flow depends on it.
type WinTracker struct {
	ID             int64
	Symbol         string
	PriceAtDeposit float64
	PriceAtBuy     float64
	BuyCount       int64
	WinCount       int64
}

// InstanceLock is the durable exclusivity row for one (symbol, trade type).
type InstanceLock struct {
	Symbol    string
	TradeType Direction
	Running   bool
	PID       int
	StartedAt time.Time
	UpdatedAt time.Time
}

func (l *InstanceLock) String() string {
	return fmt.Sprintf("%s %s (pid %d, started %s)", l.Symbol, l.TradeType, l.PID, l.StartedAt.Format(time.RFC3339))
}
