// Package history seeds the cache with recent one-minute candles so the
// indicator windows are filled from the first live bar of the day.
package history

import (
	"context"
	"fmt"
	"time"

	"nifty-options-bot/internal/cache"
	"nifty-options-bot/internal/candles"
	"nifty-options-bot/internal/market"
	"nifty-options-bot/internal/upstox"

	"github.com/rs/zerolog"
)

// Fetcher loads historical candles into historical_data:{instrument}
type Fetcher struct {
	store      cache.Store
	broker     upstox.API
	session    *market.Session
	instrument string
	days       int
	logger     zerolog.Logger
	now        func() time.Time
}

// NewFetcher creates a fetcher covering the last days working days
func NewFetcher(store cache.Store, broker upstox.API, session *market.Session, instrument string, days int, logger zerolog.Logger) *Fetcher {
	if days <= 0 {
		days = 1
	}
	return &Fetcher{
		store:      store,
		broker:     broker,
		session:    session,
		instrument: instrument,
		days:       days,
		logger: logger.With().
			Str("component", "history").
			Str("instrument_key", instrument).
			Logger(),
		now: time.Now,
	}
}

// Name identifies the job in scheduler logs
func (f *Fetcher) Name() string { return "fetch_hist_data" }

// Run fetches the bootstrap series unless one is already cached
func (f *Fetcher) Run(ctx context.Context) error {
	key := cache.HistoricalKey(f.instrument)
	exists, err := f.store.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("check historical cache: %w", err)
	}
	if exists {
		f.logger.Debug().Msg("Historical candles already cached")
		return nil
	}

	days := market.PreviousWorkingDays(f.session.TradeDate(f.now()), f.days)
	end, start := days[0], days[len(days)-1]

	rows, err := f.broker.GetHistoricalCandles(ctx, f.instrument, "minutes", "1", end, start)
	if err != nil {
		return fmt.Errorf("fetch historical candles: %w", err)
	}
	if len(rows) == 0 {
		f.logger.Warn().
			Str("from", start.Format(cache.TradeDateLayout)).
			Str("to", end.Format(cache.TradeDateLayout)).
			Msg("Broker returned no historical candles")
		return nil
	}

	series, err := candles.FromRows(rows)
	if err != nil {
		return fmt.Errorf("decode historical candles: %w", err)
	}
	series = series.InLocation(f.session.Location).Normalize()

	if err := f.store.SetJSON(ctx, key, series, cache.HistoricalTTL); err != nil {
		return fmt.Errorf("write historical candles: %w", err)
	}

	f.logger.Info().
		Int("candles", len(series)).
		Str("from", start.Format(cache.TradeDateLayout)).
		Str("to", end.Format(cache.TradeDateLayout)).
		Msg("Historical candles cached")
	return nil
}
