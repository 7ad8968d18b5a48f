package indicators

import (
	"context"
	"fmt"

	"nifty-options-bot/internal/cache"
	"nifty-options-bot/internal/candles"

	"github.com/rs/zerolog"
)

// Engine recomputes the indicator frame from the merged series
type Engine struct {
	store      cache.Store
	instrument string
	interval   string
	logger     zerolog.Logger
}

// NewEngine creates an indicator engine for one instrument
func NewEngine(store cache.Store, instrument, interval string, logger zerolog.Logger) *Engine {
	return &Engine{
		store:      store,
		instrument: instrument,
		interval:   interval,
		logger: logger.With().
			Str("component", "indicators").
			Str("instrument_key", instrument).
			Logger(),
	}
}

// Name identifies the job in scheduler logs
func (e *Engine) Name() string { return "compute_sma" }

// Run reads the merged series and writes the indicator frame. An absent
// series is a no-op; an unreadable one is discarded.
func (e *Engine) Run(ctx context.Context) error {
	key := cache.MergedKey(e.instrument, e.interval)

	var series candles.Series
	if err := e.store.GetJSON(ctx, key, &series); err != nil {
		switch {
		case cache.IsMiss(err):
			e.logger.Debug().Msg("No merged series yet")
			return nil
		case cache.IsMalformed(err):
			e.logger.Warn().Err(err).Msg("Discarding unreadable merged series")
			if delErr := e.store.Delete(ctx, key); delErr != nil {
				return fmt.Errorf("delete malformed merged series: %w", delErr)
			}
			return nil
		default:
			return fmt.Errorf("read merged series: %w", err)
		}
	}

	frame := Compute(series.Normalize())

	if err := e.store.SetJSON(ctx, cache.SMAKey(e.instrument, e.interval), frame, cache.SMATTL); err != nil {
		return fmt.Errorf("write sma frame: %w", err)
	}

	if last, ok := frame.Last(); ok {
		e.logger.Debug().
			Int("rows", len(frame)).
			Bool("complete", last.Complete()).
			Msg("Indicator frame updated")
	}
	return nil
}
