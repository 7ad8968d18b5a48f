// Package ingest keeps the market data feed connected and republishes the
// latest traded price of every subscribed instrument into the cache.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"nifty-options-bot/config"
	"nifty-options-bot/internal/cache"
	"nifty-options-bot/internal/market"
	"nifty-options-bot/internal/options"
	"nifty-options-bot/internal/upstox"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// ErrReconnectsExhausted is returned when the feed cannot be re-established
var ErrReconnectsExhausted = errors.New("ingest: reconnect attempts exhausted")

// Ingestor streams ticks into LTP:{instrument} keys
type Ingestor struct {
	store      cache.Store
	connector  upstox.FeedConnector
	instrument string
	cfg        config.FeedConfig
	logger     zerolog.Logger
	now        func() time.Time
}

// NewIngestor creates an ingestor that always subscribes instrument and
// follows the ATM legs published in option_chain:GLOBAL.
func NewIngestor(store cache.Store, connector upstox.FeedConnector, instrument string, cfg config.FeedConfig, logger zerolog.Logger) *Ingestor {
	return &Ingestor{
		store:      store,
		connector:  connector,
		instrument: instrument,
		cfg:        cfg,
		logger:     logger.With().Str("component", "ingest").Logger(),
		now:        time.Now,
	}
}

// Run keeps a feed session open until ctx is cancelled. Transport failures
// reconnect with exponential backoff; the backoff resets once a session has
// delivered a message. Returns nil on cancellation.
func (in *Ingestor) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = in.cfg.InitialBackoff
	policy.MaxInterval = in.cfg.MaxBackoff
	policy.MaxElapsedTime = 0
	policy.Reset()

	failures := 0
	for {
		delivered, err := in.session(ctx)
		if ctx.Err() != nil {
			in.logger.Info().Msg("Feed ingestion stopped")
			return nil
		}

		if delivered {
			policy.Reset()
			failures = 0
		}
		failures++
		if in.cfg.MaxReconnectAttempts > 0 && failures > in.cfg.MaxReconnectAttempts {
			return fmt.Errorf("%w after %d attempts: %v", ErrReconnectsExhausted, failures-1, err)
		}

		wait := policy.NextBackOff()
		in.logger.Warn().Err(err).Int("attempt", failures).Dur("retry_in", wait).Msg("Feed connection lost, reconnecting")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			in.logger.Info().Msg("Feed ingestion stopped")
			return nil
		case <-timer.C:
		}
	}
}

// Supervise runs Run until ctx is cancelled. When Run gives up on the feed
// the failure is logged and ingestion starts over after the restart
// cool-down.
func (in *Ingestor) Supervise(ctx context.Context) {
	cooldown := in.cfg.RestartCooldown
	if cooldown <= 0 {
		cooldown = time.Minute
	}

	for {
		err := in.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		in.logger.Error().Err(err).Dur("restart_in", cooldown).Msg("Feed ingestion gave up, restarting")

		timer := time.NewTimer(cooldown)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session runs one connection until it fails or ctx is done. It reports
// whether at least one message was received.
func (in *Ingestor) session(ctx context.Context) (bool, error) {
	stream, err := in.connector.Connect(ctx)
	if err != nil {
		return false, err
	}
	defer stream.Close()

	// A blocked Next only returns once the connection is closed
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			stream.Close()
		case <-done:
		}
	}()

	subscribed := make(map[string]bool)
	if err := in.refreshSubscriptions(ctx, stream, subscribed); err != nil {
		return false, err
	}
	in.logger.Info().Strs("instruments", sortedKeys(subscribed)).Msg("Feed connected")
	lastRefresh := in.now()

	delivered := false
	for {
		msg, err := stream.Next()
		if err != nil {
			return delivered, err
		}
		delivered = true

		if ctx.Err() != nil {
			return delivered, nil
		}

		in.publish(ctx, msg.Ticks)

		if in.cfg.SubscriptionRefresh > 0 && in.now().Sub(lastRefresh) >= in.cfg.SubscriptionRefresh {
			lastRefresh = in.now()
			if err := in.refreshSubscriptions(ctx, stream, subscribed); err != nil {
				return delivered, err
			}
		}
	}
}

func (in *Ingestor) publish(ctx context.Context, ticks []upstox.Tick) {
	for _, tick := range ticks {
		if tick.LTP <= 0 {
			continue
		}
		if err := market.WriteLTP(ctx, in.store, tick.InstrumentKey, tick.LTP); err != nil {
			in.logger.Error().Err(err).Str("instrument_key", tick.InstrumentKey).Msg("Failed to cache LTP")
			continue
		}
		in.logger.Debug().Str("instrument_key", tick.InstrumentKey).Float64("ltp", tick.LTP).Msg("LTP updated")
	}
}

// refreshSubscriptions subscribes any wanted instrument not yet subscribed.
// Nothing is ever unsubscribed so open trades keep their quotes.
func (in *Ingestor) refreshSubscriptions(ctx context.Context, stream upstox.FeedStream, subscribed map[string]bool) error {
	var added []string
	for _, key := range in.wanted(ctx) {
		if !subscribed[key] {
			added = append(added, key)
		}
	}
	if len(added) == 0 {
		return nil
	}
	if err := stream.Subscribe(added); err != nil {
		return err
	}
	for _, key := range added {
		subscribed[key] = true
	}
	if len(subscribed) > len(added) {
		in.logger.Info().Strs("instruments", added).Msg("Subscribed new instruments")
	}
	return nil
}

func (in *Ingestor) wanted(ctx context.Context) []string {
	keys := []string{in.instrument}
	meta, err := options.ReadChainMeta(ctx, in.store)
	if err != nil {
		if !cache.IsMiss(err) {
			in.logger.Debug().Err(err).Msg("Option chain unavailable for subscriptions")
		}
		return keys
	}
	return append(keys, meta.InstrumentKeys()...)
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
