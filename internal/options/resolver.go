package options

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nifty-options-bot/internal/cache"
	"nifty-options-bot/internal/market"
	"nifty-options-bot/internal/upstox"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// ResolverConfig holds the resolver's market parameters
type ResolverConfig struct {
	Instrument    string
	StrikeStep    int
	ExpiryWeekday time.Weekday
	Retries       int
	RetryDelay    time.Duration
}

// Resolver publishes the ATM call/put for the next weekly expiry
type Resolver struct {
	store   cache.Store
	broker  upstox.API
	session *market.Session
	cfg     ResolverConfig
	logger  zerolog.Logger
	now     func() time.Time
}

// NewResolver creates a resolver. broker must carry a token able to read
// option contracts.
func NewResolver(store cache.Store, broker upstox.API, session *market.Session, cfg ResolverConfig, logger zerolog.Logger) *Resolver {
	return &Resolver{
		store:   store,
		broker:  broker,
		session: session,
		cfg:     cfg,
		logger: logger.With().
			Str("component", "options").
			Str("instrument_key", cfg.Instrument).
			Logger(),
		now: time.Now,
	}
}

// Name identifies the job in scheduler logs
func (r *Resolver) Name() string { return "fetch_option_data" }

// Run resolves and caches the ATM contracts, retrying the whole resolution
// on any failure. When retries run out the cached value is left untouched.
func (r *Resolver) Run(ctx context.Context) error {
	var meta *ChainMeta
	attempt := 0

	operation := func() error {
		attempt++
		m, err := r.resolve(ctx)
		if err != nil {
			r.logger.Warn().Err(err).Int("attempt", attempt).Msg("Option resolution failed")
			if upstox.IsUnauthorized(err) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		meta = m
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(r.cfg.RetryDelay), uint64(r.cfg.Retries)),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		r.logger.Error().Err(err).Int("attempts", attempt).Msg("Keeping previous option chain")
		if errors.Is(err, ErrUnresolved) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrUnresolved, err)
	}

	if err := r.store.SetJSON(ctx, cache.OptionChainKey(), meta, cache.OptionChainTTL); err != nil {
		return fmt.Errorf("write option chain: %w", err)
	}

	r.logger.Info().
		Str("expiry", meta.ExpiryDate).
		Int("atm_strike", meta.ATMStrike).
		Str("call", meta.ATMCall.InstrumentKey).
		Str("put", meta.ATMPut.InstrumentKey).
		Msg("Option chain updated")
	return nil
}

func (r *Resolver) resolve(ctx context.Context) (*ChainMeta, error) {
	price, err := market.ReadLTP(ctx, r.store, r.cfg.Instrument)
	if err != nil {
		return nil, fmt.Errorf("read index ltp: %w", err)
	}

	strike := ATMStrike(price, r.cfg.StrikeStep)
	expiry := NextExpiry(r.session.TradeDate(r.now()), r.cfg.ExpiryWeekday)

	raw, err := r.broker.GetOptionContracts(ctx, r.cfg.Instrument, expiry)
	if err != nil {
		return nil, err
	}
	contracts, err := ParseContracts(raw)
	if err != nil {
		return nil, err
	}

	call, put, err := FindATM(contracts, strike)
	if err != nil {
		return nil, err
	}

	return &ChainMeta{
		ExpiryDate: expiry.Format(cache.TradeDateLayout),
		ATMStrike:  strike,
		ATMCall:    Leg{InstrumentKey: call.InstrumentKey, Type: "CALL", StrikePrice: strike},
		ATMPut:     Leg{InstrumentKey: put.InstrumentKey, Type: "PUT", StrikePrice: strike},
	}, nil
}
