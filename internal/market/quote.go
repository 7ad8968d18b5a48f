package market

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"nifty-options-bot/internal/cache"

	"github.com/shopspring/decimal"
)

// Quote is the LTP payload stored under LTP:{instrument}. The price travels
// as a decimal string; readers also accept a bare JSON number.
type Quote struct {
	LTP Price `json:"ltp"`
}

// Price decodes from either a JSON string or number and encodes as a string
type Price float64

func (p Price) MarshalJSON() ([]byte, error) {
	return json.Marshal(decimal.NewFromFloat(float64(p)).String())
}

func (p *Price) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return fmt.Errorf("ltp is null")
	}
	s = strings.Trim(s, `"`)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("ltp %q: %w", s, err)
	}
	*p = Price(v)
	return nil
}

// WriteLTP stores the last traded price for instrument
func WriteLTP(ctx context.Context, store cache.Store, instrument string, ltp float64) error {
	return store.SetJSON(ctx, cache.LTPKey(instrument), Quote{LTP: Price(ltp)}, cache.LTPTTL)
}

// ReadLTP returns the cached last traded price. A missing key returns
// cache.ErrMiss; a non-positive or undecodable price returns an error
// wrapping cache.ErrMalformed.
func ReadLTP(ctx context.Context, store cache.Store, instrument string) (float64, error) {
	var q Quote
	if err := store.GetJSON(ctx, cache.LTPKey(instrument), &q); err != nil {
		return 0, err
	}
	if q.LTP <= 0 {
		return 0, fmt.Errorf("%w: non-positive ltp %v for %s", cache.ErrMalformed, float64(q.LTP), instrument)
	}
	return float64(q.LTP), nil
}
