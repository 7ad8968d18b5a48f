package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"nifty-options-bot/config"
	"nifty-options-bot/internal/cache"
	"nifty-options-bot/internal/market"

	"github.com/rs/zerolog"
)

// Cleanup deletes every per-user dashboard snapshot once per weekday, on the
// first run at or after At. Schedule it more often than daily.
type Cleanup struct {
	store   cache.Store
	session *market.Session
	at      config.Clock
	logger  zerolog.Logger
	now     func() time.Time

	mu      sync.Mutex
	lastDay time.Time
}

// NewCleanup creates the end-of-day cleanup job
func NewCleanup(store cache.Store, session *market.Session, at config.Clock, logger zerolog.Logger) *Cleanup {
	return &Cleanup{
		store:   store,
		session: session,
		at:      at,
		logger:  logger.With().Str("component", "cleanup").Logger(),
		now:     time.Now,
	}
}

func (c *Cleanup) Name() string { return "eod_cleanup" }

// Run clears market_state_* when the daily time has passed and today has
// not been cleaned yet
func (c *Cleanup) Run(ctx context.Context) error {
	now := c.session.Local(c.now())
	if !market.IsWeekday(now) || now.Before(c.at.On(now)) {
		return nil
	}

	day := c.session.TradeDate(now)
	c.mu.Lock()
	done := c.lastDay.Equal(day)
	c.mu.Unlock()
	if done {
		return nil
	}

	n, err := c.store.DeletePattern(ctx, cache.PatternMarketState)
	if err != nil {
		return fmt.Errorf("delete dashboard snapshots: %w", err)
	}

	c.mu.Lock()
	c.lastDay = day
	c.mu.Unlock()

	c.logger.Info().Int("deleted", n).Str("day", day.Format(cache.TradeDateLayout)).Msg("End of day cleanup complete")
	return nil
}
