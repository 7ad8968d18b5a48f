// Package trend classifies the index as bullish, bearish or neutral from the
// live price and a stack of moving averages.
package trend

import (
	"context"
	"fmt"
	"time"

	"nifty-options-bot/internal/cache"
	"nifty-options-bot/internal/indicators"
	"nifty-options-bot/internal/market"

	"github.com/rs/zerolog"
)

// Signal is the trend classification
type Signal string

const (
	CallBuy Signal = "CALL_BUY"
	PutBuy  Signal = "PUT_BUY"
	Neutral Signal = "NEUTRAL"
)

// Side returns the option side an entry on this signal buys, or "" for NEUTRAL
func (s Signal) Side() string {
	switch s {
	case CallBuy:
		return "CALL"
	case PutBuy:
		return "PUT"
	}
	return ""
}

// TrendSignal is the cached classification result
type TrendSignal struct {
	Instrument string  `json:"instrument"`
	LTP        float64 `json:"ltp"`
	SMA10      float64 `json:"sma_10"`
	SMA25      float64 `json:"sma_25"`
	SMA50      float64 `json:"sma_50"`
	SMA100     float64 `json:"sma_100"`
	Signal     Signal  `json:"signal"`
	ComputedAt string  `json:"computed_at"`
}

// Classify returns CALL_BUY when price sits above every SMA and the fast SMA
// leads the others, PUT_BUY for the mirror case, NEUTRAL otherwise.
func Classify(price, sma10, sma25, sma50, sma100 float64) Signal {
	stackedBullish := sma10 > sma25 && sma10 > sma50 && sma10 > sma100
	stackedBearish := sma10 < sma25 && sma10 < sma50 && sma10 < sma100

	switch {
	case price > sma10 && price > sma25 && price > sma50 && price > sma100 && stackedBullish:
		return CallBuy
	case price < sma10 && price < sma25 && price < sma50 && price < sma100 && stackedBearish:
		return PutBuy
	default:
		return Neutral
	}
}

// Classifier publishes the trend signal for one instrument
type Classifier struct {
	store      cache.Store
	session    *market.Session
	instrument string
	interval   string
	logger     zerolog.Logger
	now        func() time.Time
}

// NewClassifier creates a trend classifier
func NewClassifier(store cache.Store, session *market.Session, instrument, interval string, logger zerolog.Logger) *Classifier {
	return &Classifier{
		store:      store,
		session:    session,
		instrument: instrument,
		interval:   interval,
		logger: logger.With().
			Str("component", "trend").
			Str("instrument_key", instrument).
			Logger(),
		now: time.Now,
	}
}

// Name identifies the job in scheduler logs
func (c *Classifier) Name() string { return "analyze_trend" }

// Run classifies the latest indicator row against a freshly read LTP.
// Incomplete indicators or a missing price produce no output. The signal is
// published at any time of day; entries are gated on the trading window by
// the order cycle.
func (c *Classifier) Run(ctx context.Context) error {
	var frame indicators.Frame
	if err := c.store.GetJSON(ctx, cache.SMAKey(c.instrument, c.interval), &frame); err != nil {
		if cache.IsMiss(err) || cache.IsMalformed(err) {
			c.logger.Debug().Err(err).Msg("No usable indicator frame")
			return nil
		}
		return fmt.Errorf("read sma frame: %w", err)
	}

	row, ok := frame.Last()
	if !ok || !row.Complete() {
		c.logger.Debug().Msg("Indicators incomplete, skipping trend check")
		return nil
	}

	price, err := market.ReadLTP(ctx, c.store, c.instrument)
	if err != nil {
		if cache.IsMiss(err) || cache.IsMalformed(err) {
			c.logger.Debug().Err(err).Msg("No usable LTP, skipping trend check")
			return nil
		}
		return fmt.Errorf("read ltp: %w", err)
	}

	sig := TrendSignal{
		Instrument: c.instrument,
		LTP:        price,
		SMA10:      *row.SMA10,
		SMA25:      *row.SMA25,
		SMA50:      *row.SMA50,
		SMA100:     *row.SMA100,
		ComputedAt: c.session.Local(c.now()).Format(time.RFC3339),
	}
	sig.Signal = Classify(price, sig.SMA10, sig.SMA25, sig.SMA50, sig.SMA100)

	if err := c.store.SetJSON(ctx, cache.TrendSignalKey(c.instrument), sig, cache.TrendSignalTTL); err != nil {
		return fmt.Errorf("write trend signal: %w", err)
	}

	c.logger.Info().
		Str("signal", string(sig.Signal)).
		Float64("ltp", price).
		Float64("sma_10", sig.SMA10).
		Float64("sma_100", sig.SMA100).
		Msg("Trend updated")
	return nil
}
