package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradeguard/internal/domain"
)

// MockClient is an in-memory Client for tests and simulation mode. Prices,
// books, balance and volumes are set by the test; orders fill immediately at
// the configured price.
type MockClient struct {
	mu         sync.RWMutex
	prices     map[string]float64
	books      map[string]*domain.OrderBook
	volumes    map[string]float64
	rules      map[string]SymbolRules
	balance    float64
	openOrders map[string][]OpenOrder
	placed     []OrderRequest
	nextID     int
	failNext   error
}

// NewMockClient creates a mock client with a default balance.
func NewMockClient() *MockClient {
	return &MockClient{
		prices:     make(map[string]float64),
		books:      make(map[string]*domain.OrderBook),
		volumes:    make(map[string]float64),
		rules:      make(map[string]SymbolRules),
		openOrders: make(map[string][]OpenOrder),
		balance:    10000,
	}
}

var _ Client = (*MockClient)(nil)

// SetPrice sets the last traded price for a symbol.
func (m *MockClient) SetPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
}

// SetBook sets the depth snapshot returned for a symbol.
func (m *MockClient) SetBook(symbol string, book *domain.OrderBook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.books[symbol] = book
}

// SetVolume sets the recent traded volume for a symbol.
func (m *MockClient) SetVolume(symbol string, volume float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.volumes[symbol] = volume
}

// SetBalance sets the account balance.
func (m *MockClient) SetBalance(balance float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balance = balance
}

// SetRules sets quantization rules for a symbol.
func (m *MockClient) SetRules(rules SymbolRules) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[rules.Symbol] = rules
}

// SetOpenOrders sets the resting orders reported for a symbol.
func (m *MockClient) SetOpenOrders(symbol string, orders []OpenOrder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openOrders[symbol] = orders
}

// FailNextOrder makes the next PlaceOrder call return err.
func (m *MockClient) FailNextOrder(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// PlacedOrders returns a copy of all submitted order requests.
func (m *MockClient) PlacedOrders() []OrderRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]OrderRequest(nil), m.placed...)
}

// GetPrice returns the configured price for a symbol.
func (m *MockClient) GetPrice(_ context.Context, symbol string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	price, ok := m.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("no price for %s", symbol)
	}
	return price, nil
}

// PlaceOrder records the request and fills it at the configured price.
func (m *MockClient) PlaceOrder(_ context.Context, req *OrderRequest) (*OrderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return nil, err
	}

	m.placed = append(m.placed, *req)
	m.nextID++

	price := req.Price
	if price == 0 {
		price = m.prices[req.Symbol]
	}

	return &OrderResult{
		OrderID: fmt.Sprintf("mock-%d", m.nextID),
		Symbol:  req.Symbol,
		Status:  "FILLED",
		Price:   price,
		Fills:   []Fill{{Qty: req.Qty, Price: price}},
	}, nil
}

// Quantize applies the configured symbol rules, or passes through when none.
func (m *MockClient) Quantize(symbol string, qty, price float64) (float64, float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rules, ok := m.rules[symbol]
	if !ok {
		return qty, price, nil
	}
	return rules.QuantizeQty(qty), rules.QuantizePrice(price), nil
}

// GetAccountBalance returns the configured balance.
func (m *MockClient) GetAccountBalance(_ context.Context) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balance, nil
}

// GetOrderBook returns the configured book, or an empty one.
func (m *MockClient) GetOrderBook(_ context.Context, symbol string, _ int) (*domain.OrderBook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	book, ok := m.books[symbol]
	if !ok {
		return &domain.OrderBook{Symbol: symbol, Timestamp: time.Now().UTC()}, nil
	}
	copy := *book
	return &copy, nil
}

// GetOpenOrders returns the configured resting orders.
func (m *MockClient) GetOpenOrders(_ context.Context, symbol string) ([]OpenOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]OpenOrder(nil), m.openOrders[symbol]...), nil
}

// GetServerTime returns the local clock.
func (m *MockClient) GetServerTime(_ context.Context) (time.Time, error) {
	return time.Now().UTC(), nil
}

// GetRecentVolume returns the configured volume for a symbol.
func (m *MockClient) GetRecentVolume(_ context.Context, symbol string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.volumes[symbol], nil
}
