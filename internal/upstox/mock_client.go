package upstox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockOrder records an order accepted by MockClient
type MockOrder struct {
	OrderID string
	Token   string
	Request OrderRequest
	Price   float64
}

// MockClient simulates the broker for dry runs and tests. Orders fill
// immediately at the instrument's configured price. Copies returned by
// WithToken share state.
type MockClient struct {
	token string
	state *mockState
}

type mockState struct {
	mu           sync.Mutex
	prices       map[string]float64
	orders       []MockOrder
	byID         map[string]*Order
	placeErr     error
	orderErr     error
	pendingFills bool
	contracts    json.RawMessage
	contractsErr error
	contractHits int
	candles      [][]interface{}
	exitCalls    int
}

// NewMockClient creates a mock broker with no prices
func NewMockClient() *MockClient {
	return &MockClient{
		state: &mockState{
			prices: make(map[string]float64),
			byID:   make(map[string]*Order),
		},
	}
}

// WithToken returns a view of the mock that records token on orders
func (m *MockClient) WithToken(token string) API {
	return &MockClient{token: token, state: m.state}
}

// SetLTP sets the price quoted and filled for instrument
func (m *MockClient) SetLTP(instrument string, price float64) {
	m.state.mu.Lock()
	defer m.state.mu.Unlock()
	m.state.prices[instrument] = price
}

// FailOrders makes PlaceOrder return err until cleared with nil
func (m *MockClient) FailOrders(err error) {
	m.state.mu.Lock()
	defer m.state.mu.Unlock()
	m.state.placeErr = err
}

// FailOrderLookups makes GetOrder return err until cleared with nil
func (m *MockClient) FailOrderLookups(err error) {
	m.state.mu.Lock()
	defer m.state.mu.Unlock()
	m.state.orderErr = err
}

// SetPendingFills leaves new orders open with no average price
func (m *MockClient) SetPendingFills(pending bool) {
	m.state.mu.Lock()
	defer m.state.mu.Unlock()
	m.state.pendingFills = pending
}

// SetContracts sets the option contract payload and error
func (m *MockClient) SetContracts(payload json.RawMessage, err error) {
	m.state.mu.Lock()
	defer m.state.mu.Unlock()
	m.state.contracts = payload
	m.state.contractsErr = err
}

// SetCandles sets the rows returned by GetHistoricalCandles
func (m *MockClient) SetCandles(rows [][]interface{}) {
	m.state.mu.Lock()
	defer m.state.mu.Unlock()
	m.state.candles = rows
}

// Orders returns every accepted order in placement order
func (m *MockClient) Orders() []MockOrder {
	m.state.mu.Lock()
	defer m.state.mu.Unlock()
	out := make([]MockOrder, len(m.state.orders))
	copy(out, m.state.orders)
	return out
}

// ContractCalls returns how many times GetOptionContracts was called
func (m *MockClient) ContractCalls() int {
	m.state.mu.Lock()
	defer m.state.mu.Unlock()
	return m.state.contractHits
}

// ExitCalls returns how many times ExitAllPositions was called
func (m *MockClient) ExitCalls() int {
	m.state.mu.Lock()
	defer m.state.mu.Unlock()
	return m.state.exitCalls
}

func (m *MockClient) Authenticate(ctx context.Context, code string) (*Token, error) {
	if code == "" {
		return nil, &APIError{Status: 400, Code: "UDAPI100057", Message: "invalid auth code"}
	}
	return &Token{AccessToken: "mock-" + code, UserID: "MOCK"}, nil
}

func (m *MockClient) GetProfile(ctx context.Context) (*Profile, error) {
	if m.token == "" {
		return nil, &APIError{Status: 401, Code: "UDAPI100050", Message: "invalid token"}
	}
	return &Profile{UserID: "MOCK", UserName: "Dry Run", Broker: "UPSTOX", IsActive: true}, nil
}

func (m *MockClient) GetHistoricalCandles(ctx context.Context, instrument, unit, interval string, to, from time.Time) ([][]interface{}, error) {
	m.state.mu.Lock()
	defer m.state.mu.Unlock()
	return m.state.candles, nil
}

func (m *MockClient) GetOptionContracts(ctx context.Context, instrument string, expiry time.Time) (json.RawMessage, error) {
	m.state.mu.Lock()
	defer m.state.mu.Unlock()
	m.state.contractHits++
	if m.state.contractsErr != nil {
		return nil, m.state.contractsErr
	}
	return m.state.contracts, nil
}

func (m *MockClient) PlaceOrder(ctx context.Context, order OrderRequest) (string, error) {
	m.state.mu.Lock()
	defer m.state.mu.Unlock()

	if m.state.placeErr != nil {
		return "", m.state.placeErr
	}
	if order.Quantity <= 0 {
		return "", fmt.Errorf("%w: quantity %d", ErrOrderRejected, order.Quantity)
	}

	id := uuid.New().String()
	price := m.state.prices[order.InstrumentKey]
	status := OrderStatusComplete
	avg := price
	if m.state.pendingFills {
		status = "open"
		avg = 0
	}

	m.state.orders = append(m.state.orders, MockOrder{OrderID: id, Token: m.token, Request: order, Price: price})
	m.state.byID[id] = &Order{
		OrderID:         id,
		Status:          status,
		InstrumentToken: order.InstrumentKey,
		TransactionType: string(order.Side),
		Quantity:        order.Quantity,
		FilledQuantity:  order.Quantity,
		AveragePrice:    avg,
	}
	return id, nil
}

func (m *MockClient) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	m.state.mu.Lock()
	defer m.state.mu.Unlock()

	if m.state.orderErr != nil {
		return nil, m.state.orderErr
	}
	o, ok := m.state.byID[orderID]
	if !ok {
		return nil, &APIError{Status: 404, Message: "order not found"}
	}
	cp := *o
	return &cp, nil
}

func (m *MockClient) GetLTP(ctx context.Context, instrument string) (float64, error) {
	m.state.mu.Lock()
	defer m.state.mu.Unlock()

	price, ok := m.state.prices[instrument]
	if !ok || price <= 0 {
		return 0, fmt.Errorf("no ltp for %s", instrument)
	}
	return price, nil
}

func (m *MockClient) ExitAllPositions(ctx context.Context, segment string) error {
	m.state.mu.Lock()
	defer m.state.mu.Unlock()
	m.state.exitCalls++
	return nil
}
