package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"stoptrail/internal/domain"
)

// mockBroker scripts a price sequence and fills market orders at the
// current scripted price. Once the script runs out the last price repeats.
type mockBroker struct {
	mu        sync.Mutex
	prices    []float64
	priceIdx  int
	balances  map[string]float64
	placeErrs []error
	fills     []domain.Fill
	orders    map[string]*domain.OrderResult
	placed    []placedOrder
	nextID    int

	// placePending makes PlaceOrder return an accepted-but-pending result;
	// settleAfter is how many GetOrder lookups still report pending before
	// the order settles.
	placePending bool
	settleAfter  int
	pending      map[string]int
}

type placedOrder struct {
	direction domain.Direction
	size      float64
	token     string
}

func newMockBroker(prices []float64, balances map[string]float64) *mockBroker {
	if balances == nil {
		balances = map[string]float64{}
	}
	return &mockBroker{
		prices:   prices,
		balances: balances,
		orders:   make(map[string]*domain.OrderResult),
		pending:  make(map[string]int),
	}
}

func (m *mockBroker) GetPrice(ctx context.Context, symbol domain.Symbol) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.prices[m.priceIdx]
	if m.priceIdx < len(m.prices)-1 {
		m.priceIdx++
	}
	return p, nil
}

func (m *mockBroker) GetBalance(ctx context.Context, currency string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[currency], nil
}

func (m *mockBroker) PlaceOrder(ctx context.Context, direction domain.Direction, symbol domain.Symbol, size float64, clientOrderID string) (*domain.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.placed = append(m.placed, placedOrder{direction: direction, size: size, token: clientOrderID})
	if len(m.placeErrs) > 0 {
		err := m.placeErrs[0]
		m.placeErrs = m.placeErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	m.nextID++
	price := m.prices[m.priceIdx]
	res := &domain.OrderResult{
		ID:          fmt.Sprintf("order-%d", m.nextID),
		Status:      domain.OrderStatusFilled,
		FilledSize:  size,
		FilledValue: size * price,
	}
	m.orders[res.ID] = res
	if m.placePending {
		m.pending[res.ID] = m.settleAfter
		return &domain.OrderResult{ID: res.ID, Status: domain.OrderStatusPending}, nil
	}
	return res, nil
}

func (m *mockBroker) GetOrder(ctx context.Context, orderID string) (*domain.OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if remaining, ok := m.pending[orderID]; ok && remaining > 0 {
		m.pending[orderID] = remaining - 1
		return &domain.OrderResult{ID: orderID, Status: domain.OrderStatusPending}, nil
	}
	if res, ok := m.orders[orderID]; ok {
		return res, nil
	}
	return nil, &domain.NetworkError{Op: "get order", Err: fmt.Errorf("unknown order %s", orderID)}
}

func (m *mockBroker) ListFills(ctx context.Context, symbol domain.Symbol, since time.Time) ([]domain.Fill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Fill(nil), m.fills...), nil
}

func (m *mockBroker) placedOrders() []placedOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]placedOrder(nil), m.placed...)
}

func (m *mockBroker) addOrder(res *domain.OrderResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[res.ID] = res
}

func (m *mockBroker) addFill(f domain.Fill) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fills = append(m.fills, f)
}
