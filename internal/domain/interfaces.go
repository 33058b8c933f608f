package domain

import (
	"context"
	"time"
)

// Broker defines the boundary to the exchange. The implementation owns
// transport details; callers see only the fixed value shapes in this
// package, never the broker's native response types.
type Broker interface {
	GetPrice(ctx context.Context, symbol Symbol) (float64, error)
	GetBalance(ctx context.Context, currency string) (float64, error)
	// PlaceOrder issues a market order. clientOrderID is the idempotency
	// token for this attempt; re-sending the same token must not execute
	// twice on the broker side.
	PlaceOrder(ctx context.Context, direction Direction, symbol Symbol, size float64, clientOrderID string) (*OrderResult, error)
	GetOrder(ctx context.Context, orderID string) (*OrderResult, error)
	// ListFills returns recent fills for the symbol, newest first, used to
	// reconcile attempts whose outcome was lost in transit.
	ListFills(ctx context.Context, symbol Symbol, since time.Time) ([]Fill, error)
}

// StrategyRepository defines storage for durable strategy state.
type StrategyRepository interface {
	SaveThresholds(ctx context.Context, symbol string, thresholds []*Threshold) error
	GetThresholds(ctx context.Context, symbol string) ([]*Threshold, error)
	MarkThresholdHit(ctx context.Context, id int64, at time.Time) error
	DeleteThresholds(ctx context.Context, symbol string) error

	GetHopper(ctx context.Context, symbol string) (float64, error)
	SetHopper(ctx context.Context, symbol string, amount float64) error

	SaveStopValue(ctx context.Context, symbol string, stop float64) error
	// GetStopValue reports ok=false when no stop has been persisted yet.
	GetStopValue(ctx context.Context, symbol string) (stop float64, ok bool, err error)
	DeleteStopValue(ctx context.Context, symbol string) error

	SaveFundsSnapshot(ctx context.Context, snap *AccountSnapshot) error

	GetWinTracker(ctx context.Context, symbol string) (*WinTracker, error)
	SaveWinTracker(ctx context.Context, tracker *WinTracker) error
}

// LockRepository defines storage for instance locks. Acquire must be a
// single atomic statement: two processes racing for the same row may both
// read it, but only one may end up with running=true.
type LockRepository interface {
	// AcquireLock upserts running=true for (symbol, tradeType) unless the
	// row is already running and was heartbeaten after staleBefore.
	// Returns false when the lock is held by a live owner.
	AcquireLock(ctx context.Context, symbol string, tradeType Direction, pid int, now, staleBefore time.Time) (bool, error)
	TouchLock(ctx context.Context, symbol string, tradeType Direction, pid int, now time.Time) (bool, error)
	ReleaseLock(ctx context.Context, symbol string, tradeType Direction, now time.Time) error
	GetLock(ctx context.Context, symbol string, tradeType Direction) (*InstanceLock, error)
}
