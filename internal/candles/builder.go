package candles

import (
	"context"
	"fmt"
	"time"

	"nifty-options-bot/internal/cache"
	"nifty-options-bot/internal/market"

	"github.com/rs/zerolog"
)

// Builder merges the cached LTP into the cached minute series on each run.
type Builder struct {
	store      cache.Store
	session    *market.Session
	instrument string
	interval   string
	logger     zerolog.Logger
	now        func() time.Time
}

// NewBuilder creates a candle builder for one instrument
func NewBuilder(store cache.Store, session *market.Session, instrument, interval string, logger zerolog.Logger) *Builder {
	return &Builder{
		store:      store,
		session:    session,
		instrument: instrument,
		interval:   interval,
		logger: logger.With().
			Str("component", "candle_builder").
			Str("instrument_key", instrument).
			Logger(),
		now: time.Now,
	}
}

// Name identifies the job in scheduler logs
func (b *Builder) Name() string { return "merge_candles" }

// Run performs one merge step. Missing inputs are a silent no-op.
func (b *Builder) Run(ctx context.Context) error {
	series, err := b.loadBase(ctx)
	if err != nil {
		return err
	}
	if series == nil {
		return nil
	}

	price, err := market.ReadLTP(ctx, b.store, b.instrument)
	if err != nil {
		if cache.IsMiss(err) || cache.IsMalformed(err) {
			b.logger.Debug().Err(err).Msg("No usable LTP, skipping merge")
			return nil
		}
		return fmt.Errorf("read ltp: %w", err)
	}

	barTS := b.session.BarTime(b.now())
	merged, outcome := Merge(series.InLocation(b.session.Location), price, barTS)

	if outcome == Skipped {
		last, _ := merged.Last()
		b.logger.Warn().
			Time("bar_ts", barTS).
			Time("last_ts", last.Timestamp.Time).
			Msg("LTP minute older than last candle, skipping")
	}

	if err := b.store.SetJSON(ctx, cache.MergedKey(b.instrument, b.interval), merged, cache.MergedTTL); err != nil {
		return fmt.Errorf("write merged series: %w", err)
	}

	b.logger.Debug().
		Str("outcome", outcome.String()).
		Float64("ltp", price).
		Int("candles", len(merged)).
		Msg("Merged live price")
	return nil
}

// loadBase prefers the merged series and falls back to historical candles
// when it is absent or unreadable. A nil series with nil error means there
// is nothing to build on yet.
func (b *Builder) loadBase(ctx context.Context) (Series, error) {
	var merged Series
	err := b.store.GetJSON(ctx, cache.MergedKey(b.instrument, b.interval), &merged)
	switch {
	case err == nil:
		return merged, nil
	case cache.IsMalformed(err):
		b.logger.Warn().Err(err).Msg("Merged series unreadable, falling back to historical")
	case !cache.IsMiss(err):
		return nil, fmt.Errorf("read merged series: %w", err)
	}

	var hist Series
	err = b.store.GetJSON(ctx, cache.HistoricalKey(b.instrument), &hist)
	switch {
	case err == nil:
		return hist, nil
	case cache.IsMiss(err):
		b.logger.Debug().Msg("No historical candles yet")
		return nil, nil
	case cache.IsMalformed(err):
		b.logger.Warn().Err(err).Msg("Historical candles unreadable")
		return nil, nil
	default:
		return nil, fmt.Errorf("read historical series: %w", err)
	}
}
