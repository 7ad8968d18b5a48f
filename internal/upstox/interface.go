package upstox

import (
	"context"
	"encoding/json"
	"time"
)

// API defines the broker REST operations the pipeline uses
type API interface {
	WithToken(token string) API
	Authenticate(ctx context.Context, code string) (*Token, error)
	GetProfile(ctx context.Context) (*Profile, error)
	GetHistoricalCandles(ctx context.Context, instrument, unit, interval string, to, from time.Time) ([][]interface{}, error)
	GetOptionContracts(ctx context.Context, instrument string, expiry time.Time) (json.RawMessage, error)
	PlaceOrder(ctx context.Context, order OrderRequest) (string, error)
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	GetLTP(ctx context.Context, instrument string) (float64, error)
	ExitAllPositions(ctx context.Context, segment string) error
}

// Ensure both Client and MockClient implement API
var _ API = (*Client)(nil)
var _ API = (*MockClient)(nil)
