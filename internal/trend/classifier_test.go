package trend

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"nifty-options-bot/config"
	"nifty-options-bot/internal/cache"
	"nifty-options-bot/internal/candles"
	"nifty-options-bot/internal/indicators"
	"nifty-options-bot/internal/market"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
)

const instrument = "NSE_INDEX|Nifty 50"

var ist = time.FixedZone("IST", 5*3600+1800)

func TestClassify(t *testing.T) {
	tests := []struct {
		name                       string
		price, s10, s25, s50, s100 float64
		want                       Signal
	}{
		{"stacked bullish", 100, 95, 90, 85, 80, CallBuy},
		{"stacked bearish", 80, 85, 90, 95, 100, PutBuy},
		{"not stacked", 100, 95, 96, 85, 80, Neutral},
		{"price below fast sma", 94, 95, 90, 85, 80, Neutral},
		{"price equals sma", 95, 95, 90, 85, 80, Neutral},
		{"bearish stack but price above", 101, 85, 90, 95, 100, Neutral},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.price, tt.s10, tt.s25, tt.s50, tt.s100); got != tt.want {
				t.Errorf("Classify = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSignalSide(t *testing.T) {
	if CallBuy.Side() != "CALL" || PutBuy.Side() != "PUT" || Neutral.Side() != "" {
		t.Error("Unexpected side mapping")
	}
}

func ptr(v float64) *float64 { return &v }

func newTestClassifier(t *testing.T) (*Classifier, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := cache.NewCacheService(config.RedisConfig{Address: mr.Addr()}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	c := NewClassifier(store, &market.Session{Location: ist}, instrument, "1m", zerolog.Nop())
	c.now = func() time.Time { return time.Date(2025, 1, 7, 10, 0, 5, 0, ist) }
	return c, mr
}

func setFrame(t *testing.T, mr *miniredis.Miniredis, rows indicators.Frame) {
	t.Helper()
	data, err := json.Marshal(rows)
	if err != nil {
		t.Fatal(err)
	}
	mr.Set(cache.SMAKey(instrument, "1m"), string(data))
}

func TestClassifierWritesSignal(t *testing.T) {
	c, mr := newTestClassifier(t)
	setFrame(t, mr, indicators.Frame{{
		Candle: candles.Candle{Timestamp: candles.TS(time.Date(2025, 1, 7, 10, 0, 0, 0, ist)), Close: 99},
		SMA10:  ptr(95), SMA25: ptr(90), SMA50: ptr(85), SMA100: ptr(80),
	}})
	mr.Set(cache.LTPKey(instrument), `{"ltp":"100"}`)

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	raw, err := mr.Get(cache.TrendSignalKey(instrument))
	if err != nil {
		t.Fatalf("Expected trend key: %v", err)
	}
	var sig TrendSignal
	if err := json.Unmarshal([]byte(raw), &sig); err != nil {
		t.Fatal(err)
	}
	if sig.Signal != CallBuy {
		t.Errorf("Expected CALL_BUY, got %s", sig.Signal)
	}
	if sig.LTP != 100 {
		t.Errorf("Expected fresh LTP 100 (not candle close), got %v", sig.LTP)
	}
	if sig.ComputedAt != "2025-01-07T10:00:05+05:30" {
		t.Errorf("Unexpected computed_at %s", sig.ComputedAt)
	}
	if ttl := mr.TTL(cache.TrendSignalKey(instrument)); ttl != cache.TrendSignalTTL {
		t.Errorf("Expected TTL %v, got %v", cache.TrendSignalTTL, ttl)
	}
}

func TestClassifierSkipsIncompleteRow(t *testing.T) {
	c, mr := newTestClassifier(t)
	setFrame(t, mr, indicators.Frame{{SMA10: ptr(95), SMA25: ptr(90), SMA50: ptr(85)}})
	mr.Set(cache.LTPKey(instrument), `{"ltp":"100"}`)

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if mr.Exists(cache.TrendSignalKey(instrument)) {
		t.Error("Expected no signal with undefined sma_100")
	}
}

func TestClassifierSkipsWithoutLTP(t *testing.T) {
	c, mr := newTestClassifier(t)
	setFrame(t, mr, indicators.Frame{{SMA10: ptr(95), SMA25: ptr(90), SMA50: ptr(85), SMA100: ptr(80)}})

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if mr.Exists(cache.TrendSignalKey(instrument)) {
		t.Error("Expected no signal without LTP")
	}
}

func TestClassifierPublishesOutsideTradingWindow(t *testing.T) {
	c, mr := newTestClassifier(t)
	c.session = &market.Session{Location: ist, WindowStart: 9*60 + 30, WindowEnd: 15 * 60, Cutoff: 15*60 + 15}
	c.now = func() time.Time { return time.Date(2025, 1, 7, 15, 20, 0, 0, ist) }
	setFrame(t, mr, indicators.Frame{{SMA10: ptr(95), SMA25: ptr(90), SMA50: ptr(85), SMA100: ptr(80)}})
	mr.Set(cache.LTPKey(instrument), `{"ltp":"100"}`)

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !mr.Exists(cache.TrendSignalKey(instrument)) {
		t.Error("Expected the dashboard trend to keep updating after the entry window")
	}
}
