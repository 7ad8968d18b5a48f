package position

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"nifty-options-bot/internal/cache"
	"nifty-options-bot/internal/logging"
	"nifty-options-bot/internal/market"
	"nifty-options-bot/internal/options"
	"nifty-options-bot/internal/trend"
	"nifty-options-bot/internal/upstox"
	"nifty-options-bot/internal/users"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Config holds the order rules applied to every user
type Config struct {
	Instrument       string
	IndexName        string
	StoplossPoints   float64
	TargetPoints     float64
	MaxTradesPerSide int
	Product          string
	LeaseTTL         time.Duration
	Workers          int
}

// UserLister supplies the users a scheduled run cycles over
type UserLister interface {
	ListTradingUsers(ctx context.Context) ([]users.User, error)
}

// Notifier pushes events to a user's connected clients
type Notifier interface {
	PublishMarketUpdate(userID string, update MarketUpdate)
	NotifyTrade(userID, message string)
}

// Manager runs the per-user order cycle
type Manager struct {
	store    cache.Store
	broker   upstox.API
	users    UserLister
	notifier Notifier
	session  *market.Session
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time
}

// NewManager creates a position manager. broker is scoped to each user's
// token with WithToken before any call.
func NewManager(store cache.Store, broker upstox.API, lister UserLister, notifier Notifier, session *market.Session, cfg Config, logger zerolog.Logger) *Manager {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = time.Minute
	}
	if cfg.Product == "" {
		cfg.Product = upstox.ProductIntraday
	}
	return &Manager{
		store:    store,
		broker:   broker,
		users:    lister,
		notifier: notifier,
		session:  session,
		cfg:      cfg,
		logger:   logger.With().Str("component", "position").Logger(),
		now:      time.Now,
	}
}

// Name identifies the job in scheduler logs
func (m *Manager) Name() string { return "manage_orders" }

// Run cycles every trading user on a bounded pool. A user's failure is
// logged and never stops the others.
func (m *Manager) Run(ctx context.Context) error {
	list, err := m.users.ListTradingUsers(ctx)
	if err != nil {
		return fmt.Errorf("list trading users: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Workers)
	for _, u := range list {
		u := u
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error().
						Str("user_id", u.ID).
						Interface("panic", r).
						Str("stack", string(debug.Stack())).
						Msg("Order cycle panicked")
				}
			}()
			if err := m.RunCycle(gctx, u); err != nil {
				m.logger.Error().Err(err).Str("user_id", u.ID).Msg("Order cycle failed")
			}
			return nil
		})
	}
	return g.Wait()
}

// cycleState is what one cycle read from the cache
type cycleState struct {
	user   users.User
	broker upstox.API
	logger zerolog.Logger
	now    time.Time
	signal *trend.TrendSignal
	meta   *options.ChainMeta
	trade  *ActiveTrade
}

// RunCycle publishes the user's snapshot, then handles at most one of:
// a square-off request, an exit check on the open trade, or a new entry.
func (m *Manager) RunCycle(ctx context.Context, user users.User) error {
	if !user.IsTradingOn || user.AccessToken == "" {
		return nil
	}

	lease, err := m.store.AcquireLease(ctx, cache.OrderLeaseKey(user.ID), m.cfg.LeaseTTL)
	if err != nil {
		if errors.Is(err, cache.ErrLeaseHeld) {
			m.logger.Debug().Str("user_id", user.ID).Msg("Previous cycle still running, skipping")
			return nil
		}
		return fmt.Errorf("acquire order lease: %w", err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			m.logger.Warn().Err(err).Str("user_id", user.ID).Msg("Failed to release order lease")
		}
	}()

	ctx, logger := logging.WithTraceContext(ctx, m.logger.With().Str("user_id", user.ID).Logger())

	cs := &cycleState{
		user:   user,
		broker: m.broker.WithToken(user.AccessToken),
		logger: logger,
		now:    m.now(),
		signal: m.readSignal(ctx, logger),
		meta:   m.readMeta(ctx, logger),
	}
	cs.trade, err = m.readTrade(ctx, user.ID, logger)
	if err != nil {
		return err
	}

	m.publish(ctx, cs)

	pending, err := m.store.Exists(ctx, cache.SquareOffKey(user.ID))
	if err != nil {
		return fmt.Errorf("read square-off flag: %w", err)
	}
	switch {
	case pending:
		return m.squareOff(ctx, cs)
	case cs.trade != nil:
		return m.manageTrade(ctx, cs)
	default:
		return m.enter(ctx, cs)
	}
}

func (m *Manager) readSignal(ctx context.Context, logger zerolog.Logger) *trend.TrendSignal {
	key := cache.TrendSignalKey(m.cfg.Instrument)
	var sig trend.TrendSignal
	if err := m.store.GetJSON(ctx, key, &sig); err != nil {
		m.handleReadError(ctx, key, err, logger)
		return nil
	}
	return &sig
}

func (m *Manager) readMeta(ctx context.Context, logger zerolog.Logger) *options.ChainMeta {
	meta, err := options.ReadChainMeta(ctx, m.store)
	if err != nil {
		m.handleReadError(ctx, cache.OptionChainKey(), err, logger)
		return nil
	}
	return meta
}

// handleReadError treats a best-effort input as absent. Malformed entries
// are discarded so the producing stage rewrites them.
func (m *Manager) handleReadError(ctx context.Context, key string, err error, logger zerolog.Logger) {
	switch {
	case cache.IsMiss(err):
	case cache.IsMalformed(err):
		logger.Warn().Err(err).Str("key", key).Msg("Discarding malformed cache entry")
		if derr := m.store.Delete(ctx, key); derr != nil {
			logger.Warn().Err(derr).Str("key", key).Msg("Failed to delete malformed entry")
		}
	default:
		logger.Warn().Err(err).Str("key", key).Msg("Cache read failed, treating as absent")
	}
}

func (m *Manager) readTrade(ctx context.Context, userID string, logger zerolog.Logger) (*ActiveTrade, error) {
	key := cache.ActiveTradeKey(userID)
	var trade ActiveTrade
	err := m.store.GetJSON(ctx, key, &trade)
	if err == nil && (trade.InstrumentKey == "" || trade.Quantity <= 0) {
		err = fmt.Errorf("%w: active trade without instrument or quantity", cache.ErrMalformed)
	}
	switch {
	case err == nil:
		return &trade, nil
	case cache.IsMiss(err):
		return nil, nil
	case cache.IsMalformed(err):
		m.handleReadError(ctx, key, err, logger)
		return nil, nil
	default:
		return nil, fmt.Errorf("read active trade: %w", err)
	}
}

func (m *Manager) publish(ctx context.Context, cs *cycleState) {
	update := BuildMarketUpdate(m.cfg.IndexName, cs.signal, cs.meta, cs.trade)
	if err := m.store.SetJSON(ctx, cache.MarketStateKey(cs.user.ID), update, cache.MarketStateTTL); err != nil {
		cs.logger.Warn().Err(err).Msg("Failed to cache market state")
	}
	if m.notifier != nil {
		m.notifier.PublishMarketUpdate(cs.user.ID, update)
	}
}

func (m *Manager) notify(userID, message string) {
	if m.notifier != nil {
		m.notifier.NotifyTrade(userID, message)
	}
}

func (m *Manager) squareOff(ctx context.Context, cs *cycleState) error {
	flag := cache.SquareOffKey(cs.user.ID)
	if err := m.store.Delete(ctx, flag); err != nil {
		return fmt.Errorf("clear square-off flag: %w", err)
	}

	machine := NewMachine(cs.trade != nil)
	if cs.trade == nil {
		fire(machine, SquareOffIdle, cs.logger)
		cs.logger.Info().Msg("Square-off requested with no open trade")
		return nil
	}

	fire(machine, SquareOff, cs.logger)
	if err := m.exit(ctx, cs, ReasonSquareOff); err != nil {
		fire(machine, ExitFailed, cs.logger)
		if rerr := m.store.Set(ctx, flag, "1", cache.SquareOffTTL); rerr != nil {
			cs.logger.Error().Err(rerr).Msg("Failed to re-arm square-off flag")
		}
		return err
	}
	fire(machine, ExitFilled, cs.logger)
	return nil
}

func (m *Manager) manageTrade(ctx context.Context, cs *cycleState) error {
	reason, ok := m.exitReason(ctx, cs)
	if !ok {
		return nil
	}

	machine := NewMachine(true)
	fire(machine, ExitTriggered, cs.logger)
	if err := m.exit(ctx, cs, reason); err != nil {
		fire(machine, ExitFailed, cs.logger)
		return err
	}
	fire(machine, ExitFilled, cs.logger)
	return nil
}

// exitReason checks the cutoff first, then stoploss, then target. A trade
// recorded without an entry price only leaves on cutoff or square-off.
func (m *Manager) exitReason(ctx context.Context, cs *cycleState) (ExitReason, bool) {
	if m.session.PastCutoff(cs.now) {
		return ReasonCutoff, true
	}
	if cs.trade.EntryPrice <= 0 {
		return "", false
	}

	price, err := m.currentPrice(ctx, cs, cs.trade.InstrumentKey)
	if err != nil {
		cs.logger.Warn().Err(err).Str("instrument_key", cs.trade.InstrumentKey).Msg("No price for open trade, holding")
		return "", false
	}

	switch {
	case price <= cs.trade.StoplossPrice:
		return ReasonStoploss, true
	case price >= cs.trade.TargetPrice:
		return ReasonTarget, true
	}
	cs.logger.Debug().
		Float64("price", price).
		Float64("stoploss", cs.trade.StoplossPrice).
		Float64("target", cs.trade.TargetPrice).
		Msg("Holding open trade")
	return "", false
}

// currentPrice reads the streamed LTP, falling back to a broker quote
func (m *Manager) currentPrice(ctx context.Context, cs *cycleState, instrument string) (float64, error) {
	price, err := market.ReadLTP(ctx, m.store, instrument)
	if err == nil {
		return price, nil
	}
	if !cache.IsMiss(err) && !cache.IsMalformed(err) {
		cs.logger.Debug().Err(err).Msg("Cached LTP unavailable, asking broker")
	}
	return cs.broker.GetLTP(ctx, instrument)
}

// exit sells the open trade and removes it
func (m *Manager) exit(ctx context.Context, cs *cycleState, reason ExitReason) error {
	trade := cs.trade
	logger := cs.logger.With().
		Str("instrument_key", trade.InstrumentKey).
		Str("reason", string(reason)).
		Logger()

	orderID, err := cs.broker.PlaceOrder(ctx, upstox.OrderRequest{
		InstrumentKey: trade.InstrumentKey,
		Quantity:      trade.Quantity,
		Side:          upstox.Sell,
		Product:       m.cfg.Product,
		OrderType:     upstox.OrderTypeMarket,
	})
	if err != nil {
		logOrderError(logger, err, "Exit order failed, keeping trade")
		return fmt.Errorf("place exit order: %w", err)
	}

	if err := m.store.Delete(ctx, cache.ActiveTradeKey(cs.user.ID)); err != nil {
		logger.Error().Err(err).Str("order_id", orderID).Msg("Exit order placed but active trade not removed")
		return fmt.Errorf("delete active trade: %w", err)
	}

	logger.Info().Str("order_id", orderID).Str("type", trade.Type).Msg("Trade exited")
	m.notify(cs.user.ID, fmt.Sprintf("Exited %s: %s", trade.Type, reason))
	return nil
}

func (m *Manager) enter(ctx context.Context, cs *cycleState) error {
	if !m.session.InWindow(cs.now) || cs.signal == nil || cs.meta == nil {
		return nil
	}
	side := cs.signal.Signal.Side()
	if side == "" {
		return nil
	}
	leg, ok := cs.meta.LegFor(side)
	if !ok {
		cs.logger.Debug().Str("side", side).Msg("No resolved contract for signal")
		return nil
	}

	countKey := cache.TradeCountKey(side, cs.user.ID, m.session.TradeDate(cs.now))
	count, err := m.store.GetInt(ctx, countKey)
	if err != nil {
		if !cache.IsMalformed(err) {
			return fmt.Errorf("read trade counter: %w", err)
		}
		m.handleReadError(ctx, countKey, err, cs.logger)
		count = 0
	}
	if count >= int64(m.cfg.MaxTradesPerSide) {
		cs.logger.Info().Str("side", side).Int64("count", count).Msg("Daily trade limit reached")
		return nil
	}

	logger := cs.logger.With().Str("instrument_key", leg.InstrumentKey).Str("side", side).Logger()
	machine := NewMachine(false)
	fire(machine, EntrySignal, logger)

	orderID, err := cs.broker.PlaceOrder(ctx, upstox.OrderRequest{
		InstrumentKey: leg.InstrumentKey,
		Quantity:      cs.user.Quantity,
		Side:          upstox.Buy,
		Product:       m.cfg.Product,
		OrderType:     upstox.OrderTypeMarket,
	})
	if err != nil {
		fire(machine, EntryFailed, logger)
		logOrderError(logger, err, "Entry order failed")
		return fmt.Errorf("place entry order: %w", err)
	}
	logger = logger.With().Str("order_id", orderID).Logger()

	entry := m.entryPrice(ctx, cs, orderID, leg.InstrumentKey, logger)
	trade := ActiveTrade{
		UserID:        cs.user.ID,
		Type:          side,
		InstrumentKey: leg.InstrumentKey,
		Quantity:      cs.user.Quantity,
		EntryPrice:    entry,
		EntryOrderID:  orderID,
		EntryTime:     m.session.Local(cs.now).Format(time.RFC3339),
	}
	if entry > 0 {
		trade.StoplossPrice = offsetPrice(entry, -m.cfg.StoplossPoints)
		trade.TargetPrice = offsetPrice(entry, m.cfg.TargetPoints)
	}

	if err := m.store.SetJSON(ctx, cache.ActiveTradeKey(cs.user.ID), trade, cache.ActiveTradeTTL); err != nil {
		logger.Error().Err(err).Msg("Entry order placed but active trade not recorded")
		return fmt.Errorf("write active trade: %w", err)
	}
	fire(machine, EntryFilled, logger)

	if _, err := m.store.Incr(ctx, countKey, cache.TradeCountTTL); err != nil {
		logger.Error().Err(err).Str("key", countKey).Msg("Failed to increment trade counter")
	}

	logger.Info().
		Float64("entry_price", trade.EntryPrice).
		Float64("stoploss", trade.StoplossPrice).
		Float64("target", trade.TargetPrice).
		Int("quantity", trade.Quantity).
		Msg("Trade entered")
	m.notify(cs.user.ID, fmt.Sprintf("%s Trade Entered!", side))
	return nil
}

// entryPrice prefers the confirmed fill and falls back to the instrument's
// current price. The fallback may differ from the real fill.
func (m *Manager) entryPrice(ctx context.Context, cs *cycleState, orderID, instrument string, logger zerolog.Logger) float64 {
	order, err := cs.broker.GetOrder(ctx, orderID)
	if err == nil {
		if price, ok := order.FillPrice(); ok {
			return price
		}
	} else {
		logger.Warn().Err(err).Msg("Order lookup failed")
	}

	price, err := m.currentPrice(ctx, cs, instrument)
	if err != nil {
		logger.Warn().Err(err).Msg("No fill or current price, recording trade without entry price")
		return 0
	}
	logger.Warn().Float64("price", price).Msg("Fill price unavailable, using current price")
	return price
}

func offsetPrice(price, points float64) float64 {
	v, _ := decimal.NewFromFloat(price).Add(decimal.NewFromFloat(points)).Round(2).Float64()
	return v
}

func fire(machine *Machine, event Event, logger zerolog.Logger) {
	from := machine.State()
	if err := machine.Fire(event); err != nil {
		logger.Error().Err(err).Msg("Unexpected position transition")
		return
	}
	logger.Debug().Str("from", from.String()).Str("to", machine.State().String()).Str("event", event.String()).Msg("Position transition")
}

func logOrderError(logger zerolog.Logger, err error, msg string) {
	ev := logger.Error().Err(err)
	var apiErr *upstox.APIError
	if errors.As(err, &apiErr) {
		ev = ev.Int("status", apiErr.Status).Str("code", apiErr.Code)
	}
	ev.Bool("rejected", errors.Is(err, upstox.ErrOrderRejected)).Msg(msg)
}
