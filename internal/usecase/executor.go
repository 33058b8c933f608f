package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"stoptrail/internal/domain"
)

const (
	maxOrderAttempts = 3
	// reconcileWindow bounds how far back the fill history lookup goes
	// when an attempt's outcome was lost in transit.
	reconcileWindow = 2 * time.Minute
	// sizeTolerance matches fills against the requested size; market fills
	// can differ fractionally from the request.
	sizeTolerance = 0.001
	// confirmAttempts bounds the status polls for an accepted order that
	// has not yet reported filled.
	confirmAttempts = 5
)

// OrderExecutor issues orders with at-most-once discipline: a fresh
// idempotency token per logical attempt, and reconciliation against recent
// fills before any retry after an indeterminate failure. It never reports
// success without a confirmed OrderResult.
type OrderExecutor struct {
	broker       domain.Broker
	logger       *zap.Logger
	now          func() time.Time
	confirmDelay time.Duration
}

func NewOrderExecutor(broker domain.Broker, logger *zap.Logger) *OrderExecutor {
	return &OrderExecutor{
		broker:       broker,
		logger:       logger,
		now:          time.Now,
		confirmDelay: 250 * time.Millisecond,
	}
}

func (e *OrderExecutor) Execute(ctx context.Context, direction domain.Direction, symbol domain.Symbol, size float64) (*domain.OrderResult, error) {
	started := e.now()
	var lastErr error

	for attempt := 1; attempt <= maxOrderAttempts; attempt++ {
		token := uuid.New().String()
		res, err := e.broker.PlaceOrder(ctx, direction, symbol, size, token)
		if err == nil {
			if res.Status == domain.OrderStatusRejected {
				return nil, &domain.OrderRejectedError{Reason: "order " + res.ID + " rejected by broker"}
			}
			if res.Filled() {
				return res, nil
			}
			// Accepted but not yet confirmed filled. Poll instead of
			// retrying: re-placing could double-execute while the first
			// order is still working.
			return e.confirmFill(ctx, res)
		}

		var rejected *domain.OrderRejectedError
		if errors.As(err, &rejected) {
			// Explicit answer: do not retry, leave the caller's state
			// untouched so the condition can fire on a later tick.
			return nil, err
		}

		// Indeterminate outcome. Before retrying with a new token, check
		// whether the attempt actually went through.
		lastErr = err
		e.logger.Warn("order attempt failed, reconciling",
			zap.String("symbol", symbol.String()),
			zap.String("side", string(direction)),
			zap.Float64("size", size),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if res, ok := e.reconcile(ctx, direction, symbol, size, started); ok {
			e.logger.Info("reconciliation matched a fill, treating attempt as executed",
				zap.String("symbol", symbol.String()),
				zap.String("order_id", res.ID),
			)
			return res, nil
		}
	}

	return nil, lastErr
}

// confirmFill polls an accepted order until the broker reports a final
// status. An order that stays pending is an indeterminate outcome and comes
// back as a NetworkError, never as success.
func (e *OrderExecutor) confirmFill(ctx context.Context, accepted *domain.OrderResult) (*domain.OrderResult, error) {
	for attempt := 0; attempt < confirmAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(e.confirmDelay):
			case <-ctx.Done():
				return nil, &domain.NetworkError{Op: "confirm order", Err: ctx.Err()}
			}
		}
		res, err := e.broker.GetOrder(ctx, accepted.ID)
		if err != nil {
			e.logger.Warn("order confirmation lookup failed",
				zap.String("order_id", accepted.ID),
				zap.Error(err),
			)
			continue
		}
		if res.Status == domain.OrderStatusRejected {
			return nil, &domain.OrderRejectedError{Reason: "order " + res.ID + " canceled before filling"}
		}
		if res.Filled() {
			return res, nil
		}
	}
	return nil, &domain.NetworkError{
		Op:  "confirm order",
		Err: fmt.Errorf("order %s still pending after %d checks", accepted.ID, confirmAttempts),
	}
}

// reconcile scans recent fills for one matching this order's symbol and
// size within the lookup window, then confirms it via the order endpoint.
func (e *OrderExecutor) reconcile(ctx context.Context, direction domain.Direction, symbol domain.Symbol, size float64, since time.Time) (*domain.OrderResult, bool) {
	cutoff := since.Add(-reconcileWindow)
	fills, err := e.broker.ListFills(ctx, symbol, cutoff)
	if err != nil {
		e.logger.Warn("fill history lookup failed", zap.Error(err))
		return nil, false
	}

	for _, f := range fills {
		if f.Side != direction {
			continue
		}
		if math.Abs(f.Size-size) > size*sizeTolerance {
			continue
		}
		res, err := e.broker.GetOrder(ctx, f.OrderID)
		if err != nil || !res.Filled() {
			continue
		}
		return res, true
	}
	return nil, false
}
