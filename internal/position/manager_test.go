package position

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"nifty-options-bot/config"
	"nifty-options-bot/internal/cache"
	"nifty-options-bot/internal/market"
	"nifty-options-bot/internal/options"
	"nifty-options-bot/internal/trend"
	"nifty-options-bot/internal/upstox"
	"nifty-options-bot/internal/users"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
)

var ist = time.FixedZone("IST", 5*3600+1800)

const (
	testIndex = "NSE_INDEX|Nifty 50"
	callKey   = "NSE_FO|51234"
	putKey    = "NSE_FO|51235"
)

type recordingNotifier struct {
	mu       sync.Mutex
	updates  map[string][]MarketUpdate
	messages map[string][]string
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{
		updates:  make(map[string][]MarketUpdate),
		messages: make(map[string][]string),
	}
}

func (r *recordingNotifier) PublishMarketUpdate(userID string, update MarketUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates[userID] = append(r.updates[userID], update)
}

func (r *recordingNotifier) NotifyTrade(userID, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[userID] = append(r.messages[userID], message)
}

func (r *recordingNotifier) lastMessage(userID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := r.messages[userID]
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1]
}

type staticUsers []users.User

func (s staticUsers) ListTradingUsers(ctx context.Context) ([]users.User, error) {
	return s, nil
}

type testEnv struct {
	mgr      *Manager
	store    *cache.CacheService
	mr       *miniredis.Miniredis
	broker   *upstox.MockClient
	notifier *recordingNotifier
}

func newTestEnv(t *testing.T, list ...users.User) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := cache.NewCacheService(config.RedisConfig{Address: mr.Addr()}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewCacheService failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	session := &market.Session{
		Location:    ist,
		WindowStart: config.Clock(9*60 + 30),
		WindowEnd:   config.Clock(15*60 + 15),
		Cutoff:      config.Clock(15*60 + 15),
	}
	broker := upstox.NewMockClient()
	notifier := newRecordingNotifier()
	mgr := NewManager(store, broker, staticUsers(list), notifier, session, Config{
		Instrument:       testIndex,
		IndexName:        "Nifty 50",
		StoplossPoints:   15,
		TargetPoints:     30,
		MaxTradesPerSide: 4,
		LeaseTTL:         time.Minute,
		Workers:          2,
	}, zerolog.Nop())
	mgr.now = func() time.Time { return time.Date(2025, 3, 4, 10, 0, 0, 0, ist) }

	return &testEnv{mgr: mgr, store: store, mr: mr, broker: broker, notifier: notifier}
}

func (e *testEnv) at(hour, min int) {
	e.mgr.now = func() time.Time { return time.Date(2025, 3, 4, hour, min, 0, 0, ist) }
}

func (e *testEnv) seedSignal(t *testing.T, sig trend.Signal) {
	t.Helper()
	err := e.store.SetJSON(context.Background(), cache.TrendSignalKey(testIndex), trend.TrendSignal{
		Instrument: testIndex,
		LTP:        24265,
		SMA10:      24250,
		SMA25:      24240,
		SMA50:      24230,
		SMA100:     24200,
		Signal:     sig,
	}, cache.TrendSignalTTL)
	if err != nil {
		t.Fatalf("seed signal: %v", err)
	}
}

func (e *testEnv) seedMeta(t *testing.T) {
	t.Helper()
	err := e.store.SetJSON(context.Background(), cache.OptionChainKey(), options.ChainMeta{
		ExpiryDate: "2025-03-11",
		ATMStrike:  24250,
		ATMCall:    options.Leg{InstrumentKey: callKey, Type: "CALL", StrikePrice: 24250},
		ATMPut:     options.Leg{InstrumentKey: putKey, Type: "PUT", StrikePrice: 24250},
	}, cache.OptionChainTTL)
	if err != nil {
		t.Fatalf("seed meta: %v", err)
	}
}

func (e *testEnv) seedTrade(t *testing.T, userID string) {
	t.Helper()
	err := e.store.SetJSON(context.Background(), cache.ActiveTradeKey(userID), ActiveTrade{
		UserID:        userID,
		Type:          "CALL",
		InstrumentKey: callKey,
		Quantity:      75,
		EntryPrice:    120,
		StoplossPrice: 105,
		TargetPrice:   150,
		EntryOrderID:  "ord-1",
	}, cache.ActiveTradeTTL)
	if err != nil {
		t.Fatalf("seed trade: %v", err)
	}
}

func (e *testEnv) trade(t *testing.T, userID string) *ActiveTrade {
	t.Helper()
	var tr ActiveTrade
	err := e.store.GetJSON(context.Background(), cache.ActiveTradeKey(userID), &tr)
	if cache.IsMiss(err) {
		return nil
	}
	if err != nil {
		t.Fatalf("read trade: %v", err)
	}
	return &tr
}

func trader(id string) users.User {
	return users.User{ID: id, IsTradingOn: true, Quantity: 75, AccessToken: "tok-" + id}
}

func TestRunCycle_TradingOffPlacesNoOrder(t *testing.T) {
	env := newTestEnv(t)
	env.seedSignal(t, trend.CallBuy)
	env.seedMeta(t)
	env.broker.SetLTP(callKey, 120)

	off := trader("u1")
	off.IsTradingOn = false
	noToken := trader("u2")
	noToken.AccessToken = ""

	for _, u := range []users.User{off, noToken} {
		if err := env.mgr.RunCycle(context.Background(), u); err != nil {
			t.Fatalf("RunCycle failed: %v", err)
		}
	}

	if n := len(env.broker.Orders()); n != 0 {
		t.Errorf("Expected no orders, got %d", n)
	}
	if env.mr.Exists(cache.MarketStateKey("u1")) {
		t.Error("Expected no snapshot for a disabled user")
	}
}

func TestRunCycle_EntersCallWithFixedOffsets(t *testing.T) {
	env := newTestEnv(t)
	env.seedSignal(t, trend.CallBuy)
	env.seedMeta(t)
	env.broker.SetLTP(callKey, 120)

	if err := env.mgr.RunCycle(context.Background(), trader("u1")); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	orders := env.broker.Orders()
	if len(orders) != 1 {
		t.Fatalf("Expected 1 order, got %d", len(orders))
	}
	o := orders[0]
	if o.Request.Side != upstox.Buy || o.Request.InstrumentKey != callKey || o.Request.Quantity != 75 {
		t.Errorf("Unexpected order request: %+v", o.Request)
	}
	if o.Token != "tok-u1" {
		t.Errorf("Expected order placed with user token, got %q", o.Token)
	}

	tr := env.trade(t, "u1")
	if tr == nil {
		t.Fatal("Expected active trade")
	}
	if tr.EntryPrice != 120 || tr.StoplossPrice != 105 || tr.TargetPrice != 150 {
		t.Errorf("Expected 120/105/150, got %v/%v/%v", tr.EntryPrice, tr.StoplossPrice, tr.TargetPrice)
	}
	if tr.Type != "CALL" || tr.EntryOrderID != o.OrderID || tr.UserID != "u1" {
		t.Errorf("Unexpected trade: %+v", tr)
	}
	if !strings.HasSuffix(tr.EntryTime, "+05:30") {
		t.Errorf("Expected entry time in market timezone, got %s", tr.EntryTime)
	}

	countKey := "call_trade_count_u1_2025-03-04"
	if v, _ := env.mr.Get(countKey); v != "1" {
		t.Errorf("Expected counter 1, got %q", v)
	}
	if ttl := env.mr.TTL(countKey); ttl != cache.TradeCountTTL {
		t.Errorf("Expected counter TTL %v, got %v", cache.TradeCountTTL, ttl)
	}
	if ttl := env.mr.TTL(cache.ActiveTradeKey("u1")); ttl != cache.ActiveTradeTTL {
		t.Errorf("Expected trade TTL %v, got %v", cache.ActiveTradeTTL, ttl)
	}
	if msg := env.notifier.lastMessage("u1"); msg != "CALL Trade Entered!" {
		t.Errorf("Expected entry notification, got %q", msg)
	}
	if env.mr.Exists(cache.OrderLeaseKey("u1")) {
		t.Error("Expected lease to be released")
	}
}

func TestRunCycle_EntersPutOnPutSignal(t *testing.T) {
	env := newTestEnv(t)
	env.seedSignal(t, trend.PutBuy)
	env.seedMeta(t)
	env.broker.SetLTP(putKey, 90.5)

	if err := env.mgr.RunCycle(context.Background(), trader("u1")); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	tr := env.trade(t, "u1")
	if tr == nil || tr.Type != "PUT" || tr.InstrumentKey != putKey {
		t.Fatalf("Expected PUT trade, got %+v", tr)
	}
	if tr.StoplossPrice != 75.5 || tr.TargetPrice != 120.5 {
		t.Errorf("Expected 75.5/120.5, got %v/%v", tr.StoplossPrice, tr.TargetPrice)
	}
	if v, _ := env.mr.Get("put_trade_count_u1_2025-03-04"); v != "1" {
		t.Errorf("Expected put counter 1, got %q", v)
	}
}

func TestRunCycle_FifthEntrySuppressed(t *testing.T) {
	env := newTestEnv(t)
	env.seedSignal(t, trend.CallBuy)
	env.seedMeta(t)
	env.broker.SetLTP(callKey, 120)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := env.mgr.RunCycle(ctx, trader("u1")); err != nil {
			t.Fatalf("cycle %d failed: %v", i, err)
		}
		env.mr.Del(cache.ActiveTradeKey("u1"))
	}

	if n := len(env.broker.Orders()); n != 4 {
		t.Errorf("Expected 4 orders, got %d", n)
	}
	if v, _ := env.mr.Get("call_trade_count_u1_2025-03-04"); v != "4" {
		t.Errorf("Expected counter 4, got %q", v)
	}
}

func TestRunCycle_NoEntryWithoutInputs(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, env *testEnv)
	}{
		{"no signal", func(t *testing.T, env *testEnv) { env.seedMeta(t) }},
		{"no meta", func(t *testing.T, env *testEnv) { env.seedSignal(t, trend.CallBuy) }},
		{"neutral", func(t *testing.T, env *testEnv) {
			env.seedSignal(t, trend.Neutral)
			env.seedMeta(t)
		}},
		{"before window", func(t *testing.T, env *testEnv) {
			env.seedSignal(t, trend.CallBuy)
			env.seedMeta(t)
			env.at(9, 15)
		}},
		{"after window", func(t *testing.T, env *testEnv) {
			env.seedSignal(t, trend.CallBuy)
			env.seedMeta(t)
			env.at(15, 16)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.broker.SetLTP(callKey, 120)
			tt.setup(t, env)

			if err := env.mgr.RunCycle(context.Background(), trader("u1")); err != nil {
				t.Fatalf("RunCycle failed: %v", err)
			}
			if n := len(env.broker.Orders()); n != 0 {
				t.Errorf("Expected no orders, got %d", n)
			}
		})
	}
}

func TestRunCycle_PublishesSnapshotUnconditionally(t *testing.T) {
	env := newTestEnv(t)

	if err := env.mgr.RunCycle(context.Background(), trader("u1")); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	var cached MarketUpdate
	if err := env.store.GetJSON(context.Background(), cache.MarketStateKey("u1"), &cached); err != nil {
		t.Fatalf("Expected cached market state: %v", err)
	}
	if cached.OverallMarketTrend != "NEUTRAL" {
		t.Errorf("Expected NEUTRAL, got %s", cached.OverallMarketTrend)
	}
	if ttl := env.mr.TTL(cache.MarketStateKey("u1")); ttl != cache.MarketStateTTL {
		t.Errorf("Expected TTL %v, got %v", cache.MarketStateTTL, ttl)
	}
	if n := len(env.notifier.updates["u1"]); n != 1 {
		t.Errorf("Expected 1 pushed update, got %d", n)
	}
}

func TestRunCycle_SnapshotCarriesOpenTrade(t *testing.T) {
	env := newTestEnv(t)
	env.seedSignal(t, trend.CallBuy)
	env.seedMeta(t)
	env.seedTrade(t, "u1")
	env.broker.SetLTP(callKey, 130)

	if err := env.mgr.RunCycle(context.Background(), trader("u1")); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	updates := env.notifier.updates["u1"]
	if len(updates) != 1 {
		t.Fatalf("Expected 1 update, got %d", len(updates))
	}
	if updates[0].ActiveTrade == nil || updates[0].ActiveTrade.InstrumentKey != callKey {
		t.Errorf("Expected snapshot with active trade, got %+v", updates[0].ActiveTrade)
	}
	if updates[0].OverallMarketTrend != "CALL_BUY" {
		t.Errorf("Expected CALL_BUY, got %s", updates[0].OverallMarketTrend)
	}
}

func TestRunCycle_SquareOffWithTrade(t *testing.T) {
	env := newTestEnv(t)
	env.seedSignal(t, trend.CallBuy)
	env.seedMeta(t)
	env.seedTrade(t, "u1")
	env.broker.SetLTP(callKey, 130)
	env.mr.Set(cache.SquareOffKey("u1"), "1")

	if err := env.mgr.RunCycle(context.Background(), trader("u1")); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	orders := env.broker.Orders()
	if len(orders) != 1 {
		t.Fatalf("Expected exactly the exit order, got %d", len(orders))
	}
	if orders[0].Request.Side != upstox.Sell || orders[0].Request.InstrumentKey != callKey || orders[0].Request.Quantity != 75 {
		t.Errorf("Unexpected exit order: %+v", orders[0].Request)
	}
	if env.trade(t, "u1") != nil {
		t.Error("Expected active trade to be deleted")
	}
	if env.mr.Exists(cache.SquareOffKey("u1")) {
		t.Error("Expected square-off flag to be cleared")
	}
	if msg := env.notifier.lastMessage("u1"); msg != "Exited CALL: Manual Square-Off" {
		t.Errorf("Unexpected notification %q", msg)
	}
}

func TestRunCycle_SquareOffWithoutTrade(t *testing.T) {
	env := newTestEnv(t)
	env.seedSignal(t, trend.CallBuy)
	env.seedMeta(t)
	env.broker.SetLTP(callKey, 120)
	env.mr.Set(cache.SquareOffKey("u1"), "1")

	if err := env.mgr.RunCycle(context.Background(), trader("u1")); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	if n := len(env.broker.Orders()); n != 0 {
		t.Errorf("Expected no orders, got %d", n)
	}
	if env.mr.Exists(cache.SquareOffKey("u1")) {
		t.Error("Expected square-off flag to be cleared")
	}
}

func TestRunCycle_FailedSquareOffRearmsFlag(t *testing.T) {
	env := newTestEnv(t)
	env.seedTrade(t, "u1")
	env.mr.Set(cache.SquareOffKey("u1"), "1")
	env.broker.FailOrders(&upstox.APIError{Status: 503, Message: "unavailable"})

	if err := env.mgr.RunCycle(context.Background(), trader("u1")); err == nil {
		t.Fatal("Expected error from failed square-off")
	}

	if env.trade(t, "u1") == nil {
		t.Error("Expected active trade to remain")
	}
	if !env.mr.Exists(cache.SquareOffKey("u1")) {
		t.Error("Expected square-off flag to be re-armed")
	}
}

func TestRunCycle_ExitRules(t *testing.T) {
	tests := []struct {
		name       string
		hour, min  int
		price      float64
		wantExit   bool
		wantReason string
	}{
		{"hold between levels", 11, 0, 130, false, ""},
		{"stoploss touched", 11, 0, 105, true, "Stoploss Hit"},
		{"stoploss breached", 11, 0, 100, true, "Stoploss Hit"},
		{"target touched", 11, 0, 150, true, "Target Hit"},
		{"target exceeded", 11, 0, 155, true, "Target Hit"},
		{"cutoff overrides hold", 15, 15, 130, true, "Auto Square-Off"},
		{"after cutoff", 15, 20, 130, true, "Auto Square-Off"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.seedSignal(t, trend.CallBuy)
			env.seedMeta(t)
			env.seedTrade(t, "u1")
			env.at(tt.hour, tt.min)
			if err := market.WriteLTP(context.Background(), env.store, callKey, tt.price); err != nil {
				t.Fatalf("WriteLTP failed: %v", err)
			}

			if err := env.mgr.RunCycle(context.Background(), trader("u1")); err != nil {
				t.Fatalf("RunCycle failed: %v", err)
			}

			orders := env.broker.Orders()
			if !tt.wantExit {
				if len(orders) != 0 {
					t.Errorf("Expected no orders, got %d", len(orders))
				}
				if env.trade(t, "u1") == nil {
					t.Error("Expected trade to stay open")
				}
				return
			}
			if len(orders) != 1 || orders[0].Request.Side != upstox.Sell {
				t.Fatalf("Expected one SELL order, got %+v", orders)
			}
			if env.trade(t, "u1") != nil {
				t.Error("Expected active trade to be deleted")
			}
			if msg := env.notifier.lastMessage("u1"); msg != "Exited CALL: "+tt.wantReason {
				t.Errorf("Expected reason %q, got %q", tt.wantReason, msg)
			}
		})
	}
}

func TestRunCycle_ExitPriceFallsBackToBroker(t *testing.T) {
	env := newTestEnv(t)
	env.seedTrade(t, "u1")
	env.at(11, 0)
	env.broker.SetLTP(callKey, 100)

	if err := env.mgr.RunCycle(context.Background(), trader("u1")); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if env.trade(t, "u1") != nil {
		t.Error("Expected stoploss exit from broker quote")
	}
}

func TestRunCycle_NoPriceHoldsTrade(t *testing.T) {
	env := newTestEnv(t)
	env.seedTrade(t, "u1")
	env.at(11, 0)

	if err := env.mgr.RunCycle(context.Background(), trader("u1")); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if n := len(env.broker.Orders()); n != 0 {
		t.Errorf("Expected no orders, got %d", n)
	}
	if env.trade(t, "u1") == nil {
		t.Error("Expected trade to stay open")
	}
}

func TestRunCycle_FailedEntryLeavesStateUntouched(t *testing.T) {
	env := newTestEnv(t)
	env.seedSignal(t, trend.CallBuy)
	env.seedMeta(t)
	env.broker.SetLTP(callKey, 120)
	env.broker.FailOrders(&upstox.APIError{Status: 400, Code: "UDAPI1052", Message: "insufficient funds"})

	err := env.mgr.RunCycle(context.Background(), trader("u1"))
	if !errors.Is(err, upstox.ErrOrderRejected) {
		t.Fatalf("Expected ErrOrderRejected, got %v", err)
	}

	if env.trade(t, "u1") != nil {
		t.Error("Expected no active trade")
	}
	if env.mr.Exists("call_trade_count_u1_2025-03-04") {
		t.Error("Expected counter untouched")
	}
	if msg := env.notifier.lastMessage("u1"); msg != "" {
		t.Errorf("Expected no notification, got %q", msg)
	}
}

func TestRunCycle_FailedExitKeepsTrade(t *testing.T) {
	env := newTestEnv(t)
	env.seedTrade(t, "u1")
	env.at(11, 0)
	_ = market.WriteLTP(context.Background(), env.store, callKey, 100)
	env.broker.FailOrders(errors.New("connection reset"))

	if err := env.mgr.RunCycle(context.Background(), trader("u1")); err == nil {
		t.Fatal("Expected error from failed exit")
	}
	tr := env.trade(t, "u1")
	if tr == nil || tr.StoplossPrice != 105 {
		t.Errorf("Expected trade intact, got %+v", tr)
	}
}

func TestRunCycle_EntryPriceFallsBackToCurrentPrice(t *testing.T) {
	env := newTestEnv(t)
	env.seedSignal(t, trend.CallBuy)
	env.seedMeta(t)
	env.broker.SetPendingFills(true)
	_ = market.WriteLTP(context.Background(), env.store, callKey, 118)

	if err := env.mgr.RunCycle(context.Background(), trader("u1")); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	tr := env.trade(t, "u1")
	if tr == nil {
		t.Fatal("Expected active trade")
	}
	if tr.EntryPrice != 118 || tr.StoplossPrice != 103 || tr.TargetPrice != 148 {
		t.Errorf("Expected 118/103/148, got %v/%v/%v", tr.EntryPrice, tr.StoplossPrice, tr.TargetPrice)
	}
}

func TestRunCycle_EntryWithoutAnyPrice(t *testing.T) {
	env := newTestEnv(t)
	env.seedSignal(t, trend.CallBuy)
	env.seedMeta(t)
	env.broker.SetPendingFills(true)

	if err := env.mgr.RunCycle(context.Background(), trader("u1")); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	tr := env.trade(t, "u1")
	if tr == nil {
		t.Fatal("Expected active trade to be recorded")
	}
	if tr.EntryPrice != 0 || tr.StoplossPrice != 0 || tr.TargetPrice != 0 {
		t.Errorf("Expected zero prices, got %+v", tr)
	}

	env.at(11, 0)
	if err := env.mgr.RunCycle(context.Background(), trader("u1")); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if n := len(env.broker.Orders()); n != 1 {
		t.Errorf("Expected trade without price to be held, got %d orders", n)
	}
}

func TestRunCycle_LeaseHeldSkipsCycle(t *testing.T) {
	env := newTestEnv(t)
	env.seedSignal(t, trend.CallBuy)
	env.seedMeta(t)
	env.broker.SetLTP(callKey, 120)
	ctx := context.Background()

	lease, err := env.store.AcquireLease(ctx, cache.OrderLeaseKey("u1"), time.Minute)
	if err != nil {
		t.Fatalf("AcquireLease failed: %v", err)
	}

	if err := env.mgr.RunCycle(ctx, trader("u1")); err != nil {
		t.Fatalf("Expected skipped cycle without error, got %v", err)
	}
	if n := len(env.broker.Orders()); n != 0 {
		t.Errorf("Expected no orders while lease held, got %d", n)
	}

	_ = lease.Release(ctx)
	if err := env.mgr.RunCycle(ctx, trader("u1")); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if n := len(env.broker.Orders()); n != 1 {
		t.Errorf("Expected entry after release, got %d orders", n)
	}
}

func TestRunCycle_MalformedInputsDiscarded(t *testing.T) {
	env := newTestEnv(t)
	env.seedMeta(t)
	env.broker.SetLTP(callKey, 120)
	env.mr.Set(cache.TrendSignalKey(testIndex), "{not json")
	env.mr.Set(cache.ActiveTradeKey("u1"), `{"type":"CALL"}`)

	if err := env.mgr.RunCycle(context.Background(), trader("u1")); err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}

	if env.mr.Exists(cache.TrendSignalKey(testIndex)) {
		t.Error("Expected malformed signal to be deleted")
	}
	if env.mr.Exists(cache.ActiveTradeKey("u1")) {
		t.Error("Expected malformed trade to be deleted")
	}
	if n := len(env.broker.Orders()); n != 0 {
		t.Errorf("Expected no orders, got %d", n)
	}
}

func TestRun_CyclesAllUsers(t *testing.T) {
	env := newTestEnv(t, trader("u1"), trader("u2"), trader("u3"))
	env.seedSignal(t, trend.CallBuy)
	env.seedMeta(t)
	env.broker.SetLTP(callKey, 120)
	ctx := context.Background()

	if _, err := env.store.AcquireLease(ctx, cache.OrderLeaseKey("u2"), time.Minute); err != nil {
		t.Fatalf("AcquireLease failed: %v", err)
	}

	if err := env.mgr.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if n := len(env.broker.Orders()); n != 2 {
		t.Errorf("Expected 2 orders, got %d", n)
	}
	if env.trade(t, "u1") == nil || env.trade(t, "u3") == nil {
		t.Error("Expected trades for u1 and u3")
	}
	if env.trade(t, "u2") != nil {
		t.Error("Expected u2 to be skipped")
	}
}

func TestManager_Name(t *testing.T) {
	env := newTestEnv(t)
	if env.mgr.Name() != "manage_orders" {
		t.Errorf("Expected manage_orders, got %s", env.mgr.Name())
	}
}
