package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"stoptrail/internal/domain"
)

var testSymbol = domain.Symbol{Base: "DOGE", Quote: "USD"}

func TestExecuteFillsOnFirstAttempt(t *testing.T) {
	broker := newMockBroker([]float64{10}, nil)
	exec := NewOrderExecutor(broker, zap.NewNop())

	res, err := exec.Execute(context.Background(), domain.DirectionSell, testSymbol, 100)
	require.NoError(t, err)
	require.True(t, res.Filled())
	require.InDelta(t, 100, res.FilledSize, 1e-9)

	placed := broker.placedOrders()
	require.Len(t, placed, 1)
	require.NotEmpty(t, placed[0].token)
}

func TestExecuteRejectionIsNotRetried(t *testing.T) {
	broker := newMockBroker([]float64{10}, nil)
	broker.placeErrs = []error{&domain.OrderRejectedError{Reason: "insufficient funds"}}
	exec := NewOrderExecutor(broker, zap.NewNop())

	_, err := exec.Execute(context.Background(), domain.DirectionSell, testSymbol, 100)
	require.Error(t, err)
	var rejected *domain.OrderRejectedError
	require.ErrorAs(t, err, &rejected)

	// An explicit answer from the broker: exactly one attempt.
	require.Len(t, broker.placedOrders(), 1)
}

func TestExecuteDoesNotReportPendingAsFilled(t *testing.T) {
	broker := newMockBroker([]float64{10}, nil)
	broker.placePending = true
	broker.settleAfter = 100 // never settles within the poll budget
	exec := NewOrderExecutor(broker, zap.NewNop())
	exec.confirmDelay = 0

	_, err := exec.Execute(context.Background(), domain.DirectionSell, testSymbol, 100)
	require.Error(t, err)
	var network *domain.NetworkError
	require.ErrorAs(t, err, &network)

	// The accepted order may still execute: no second placement.
	require.Len(t, broker.placedOrders(), 1)
}

func TestExecuteConfirmsPendingOrderBeforeSuccess(t *testing.T) {
	broker := newMockBroker([]float64{10}, nil)
	broker.placePending = true
	broker.settleAfter = 1 // settles on the second status lookup
	exec := NewOrderExecutor(broker, zap.NewNop())
	exec.confirmDelay = 0

	res, err := exec.Execute(context.Background(), domain.DirectionSell, testSymbol, 100)
	require.NoError(t, err)
	require.True(t, res.Filled())
	require.InDelta(t, 100, res.FilledSize, 1e-9)
	require.Len(t, broker.placedOrders(), 1)
}

func TestExecuteReconcilesLostOutcome(t *testing.T) {
	broker := newMockBroker([]float64{10}, nil)
	// The order went through but the response was lost in transit.
	broker.placeErrs = []error{&domain.NetworkError{Op: "place order", Err: context.DeadlineExceeded}}
	broker.addOrder(&domain.OrderResult{
		ID:          "order-lost",
		Status:      domain.OrderStatusFilled,
		FilledSize:  100.05,
		FilledValue: 1000.5,
	})
	broker.addFill(domain.Fill{
		OrderID: "order-lost",
		Symbol:  testSymbol.String(),
		Side:    domain.DirectionSell,
		Size:    100.05,
		Price:   10,
		Time:    time.Now(),
	})
	exec := NewOrderExecutor(broker, zap.NewNop())

	res, err := exec.Execute(context.Background(), domain.DirectionSell, testSymbol, 100)
	require.NoError(t, err)
	require.Equal(t, "order-lost", res.ID)

	// Reconciliation found the fill, so no second order was sent.
	require.Len(t, broker.placedOrders(), 1)
}

func TestExecuteIgnoresForeignFillsDuringReconcile(t *testing.T) {
	netErr := &domain.NetworkError{Op: "place order", Err: context.DeadlineExceeded}
	broker := newMockBroker([]float64{10}, nil)
	broker.placeErrs = []error{netErr, netErr, netErr}
	// Same symbol but wrong side and wrong size; neither may match.
	broker.addFill(domain.Fill{OrderID: "o1", Side: domain.DirectionBuy, Size: 100, Time: time.Now()})
	broker.addFill(domain.Fill{OrderID: "o2", Side: domain.DirectionSell, Size: 55, Time: time.Now()})
	exec := NewOrderExecutor(broker, zap.NewNop())

	_, err := exec.Execute(context.Background(), domain.DirectionSell, testSymbol, 100)
	require.Error(t, err)
	var network *domain.NetworkError
	require.ErrorAs(t, err, &network)

	placed := broker.placedOrders()
	require.Len(t, placed, 3)

	// Every attempt carries a fresh idempotency token.
	tokens := map[string]bool{}
	for _, p := range placed {
		require.NotEmpty(t, p.token)
		tokens[p.token] = true
	}
	require.Len(t, tokens, 3)
}
