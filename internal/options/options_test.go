package options

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"nifty-options-bot/config"
	"nifty-options-bot/internal/cache"
	"nifty-options-bot/internal/market"
	"nifty-options-bot/internal/upstox"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
)

const instrument = "NSE_INDEX|Nifty 50"

var ist = time.FixedZone("IST", 5*3600+1800)

func TestATMStrike(t *testing.T) {
	tests := []struct {
		price float64
		step  int
		want  int
	}{
		{24265, 50, 24250},
		{24275, 50, 24300},
		{24274.99, 50, 24250},
		{24300, 50, 24300},
		{24225, 50, 24250},
		{51249, 100, 51200},
		{100, 0, 0},
	}
	for _, tt := range tests {
		if got := ATMStrike(tt.price, tt.step); got != tt.want {
			t.Errorf("ATMStrike(%v, %d) = %d, want %d", tt.price, tt.step, got, tt.want)
		}
	}
}

func TestNextExpiry(t *testing.T) {
	tests := []struct {
		name  string
		today time.Time
		want  string
	}{
		{"monday", time.Date(2025, 1, 6, 0, 0, 0, 0, ist), "2025-01-07"},
		{"tuesday skips same day", time.Date(2025, 1, 7, 0, 0, 0, 0, ist), "2025-01-14"},
		{"wednesday", time.Date(2025, 1, 8, 0, 0, 0, 0, ist), "2025-01-14"},
		{"saturday", time.Date(2025, 1, 11, 0, 0, 0, 0, ist), "2025-01-14"},
		{"month rollover", time.Date(2025, 1, 29, 0, 0, 0, 0, ist), "2025-02-04"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextExpiry(tt.today, time.Tuesday).Format("2006-01-02")
			if got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

const flatPayload = `[
	{"instrument_key":"NSE_FO|100","instrument_type":"CE","strike_price":24200},
	{"instrument_key":"NSE_FO|101","instrument_type":"CE","strike_price":24250},
	{"instrument_key":"NSE_FO|102","instrument_type":"PE","strike_price":24250},
	{"instrument_key":"NSE_FO|103","instrument_type":"FUT","strike_price":0}
]`

const groupedPayload = `[
	{"strike_price":24250,"call_options":{"instrument_key":"NSE_FO|201"},"put_options":{"instrument_key":"NSE_FO|202"}},
	{"strike_price":24300,"call_options":{"instrument_key":"NSE_FO|203"}}
]`

func TestParseContractsTagsShape(t *testing.T) {
	flat, err := ParseContracts(json.RawMessage(flatPayload))
	if err != nil {
		t.Fatalf("ParseContracts failed: %v", err)
	}
	if len(flat) != 3 {
		t.Fatalf("Expected 3 option contracts (future dropped), got %d", len(flat))
	}
	for _, c := range flat {
		if c.Shape != ShapeFlat {
			t.Errorf("Expected flat shape, got %s", c.Shape)
		}
	}

	grouped, err := ParseContracts(json.RawMessage(groupedPayload))
	if err != nil {
		t.Fatalf("ParseContracts failed: %v", err)
	}
	if len(grouped) != 3 || grouped[0].Shape != ShapeGrouped || grouped[1].Type != TypePut {
		t.Errorf("Unexpected grouped contracts %+v", grouped)
	}

	if none, err := ParseContracts(json.RawMessage("null")); err != nil || len(none) != 0 {
		t.Errorf("Expected no contracts for null payload, got %v (%v)", none, err)
	}
	if _, err := ParseContracts(json.RawMessage(`{"bad":true}`)); err == nil {
		t.Error("Expected error for non-array payload")
	}
}

func TestFindATMFlatFirst(t *testing.T) {
	contracts, _ := ParseContracts(json.RawMessage(flatPayload))
	call, put, err := FindATM(contracts, 24250)
	if err != nil {
		t.Fatalf("FindATM failed: %v", err)
	}
	if call.InstrumentKey != "NSE_FO|101" || put.InstrumentKey != "NSE_FO|102" {
		t.Errorf("Unexpected legs %s / %s", call.InstrumentKey, put.InstrumentKey)
	}
}

func TestFindATMFallsBackToGrouped(t *testing.T) {
	// Flat data only has the call at 24250, so both legs come from the grouped entry
	mixed := `[
		{"instrument_key":"NSE_FO|101","instrument_type":"CE","strike_price":24250},
		{"strike_price":24250,"call_options":{"instrument_key":"NSE_FO|201"},"put_options":{"instrument_key":"NSE_FO|202"}}
	]`
	contracts, _ := ParseContracts(json.RawMessage(mixed))
	call, put, err := FindATM(contracts, 24250)
	if err != nil {
		t.Fatalf("FindATM failed: %v", err)
	}
	if call.InstrumentKey != "NSE_FO|201" || put.InstrumentKey != "NSE_FO|202" {
		t.Errorf("Expected grouped legs, got %s / %s", call.InstrumentKey, put.InstrumentKey)
	}

	if _, _, err := FindATM(contracts, 24300); !errors.Is(err, ErrUnresolved) {
		t.Errorf("Expected ErrUnresolved, got %v", err)
	}
}

func newTestResolver(t *testing.T) (*Resolver, *miniredis.Miniredis, *upstox.MockClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := cache.NewCacheService(config.RedisConfig{Address: mr.Addr()}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	broker := upstox.NewMockClient()
	r := NewResolver(store, broker, &market.Session{Location: ist}, ResolverConfig{
		Instrument:    instrument,
		StrikeStep:    50,
		ExpiryWeekday: time.Tuesday,
		Retries:       3,
		RetryDelay:    time.Millisecond,
	}, zerolog.Nop())
	r.now = func() time.Time { return time.Date(2025, 1, 7, 10, 0, 0, 0, ist) }
	return r, mr, broker
}

func TestResolverWritesMeta(t *testing.T) {
	r, mr, broker := newTestResolver(t)
	mr.Set(cache.LTPKey(instrument), `{"ltp":"24265.4"}`)
	broker.SetContracts(json.RawMessage(flatPayload), nil)

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	raw, err := mr.Get(cache.OptionChainKey())
	if err != nil {
		t.Fatalf("Expected option chain key: %v", err)
	}
	var meta ChainMeta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		t.Fatal(err)
	}
	if meta.ExpiryDate != "2025-01-14" || meta.ATMStrike != 24250 {
		t.Errorf("Unexpected meta %+v", meta)
	}
	if meta.ATMCall.Type != "CALL" || meta.ATMCall.InstrumentKey != "NSE_FO|101" || meta.ATMCall.StrikePrice != 24250 {
		t.Errorf("Unexpected call leg %+v", meta.ATMCall)
	}
	if meta.ATMPut.Type != "PUT" || meta.ATMPut.InstrumentKey != "NSE_FO|102" {
		t.Errorf("Unexpected put leg %+v", meta.ATMPut)
	}
	if ttl := mr.TTL(cache.OptionChainKey()); ttl != cache.OptionChainTTL {
		t.Errorf("Expected TTL %v, got %v", cache.OptionChainTTL, ttl)
	}
}

func TestResolverRetriesThenKeepsPrevious(t *testing.T) {
	r, mr, broker := newTestResolver(t)
	mr.Set(cache.LTPKey(instrument), `{"ltp":"24400"}`)
	broker.SetContracts(json.RawMessage(flatPayload), nil)
	previous := `{"expiry_date":"2025-01-14","atm_strike":24250,"atm_call":{"instrument_key":"NSE_FO|101","type":"CALL","strike_price":24250},"atm_put":{"instrument_key":"NSE_FO|102","type":"PUT","strike_price":24250}}`
	mr.Set(cache.OptionChainKey(), previous)

	err := r.Run(context.Background())
	if !errors.Is(err, ErrUnresolved) {
		t.Fatalf("Expected ErrUnresolved, got %v", err)
	}
	if got := broker.ContractCalls(); got != 4 {
		t.Errorf("Expected 1 attempt plus 3 retries, got %d calls", got)
	}
	if raw, _ := mr.Get(cache.OptionChainKey()); raw != previous {
		t.Errorf("Expected previous meta untouched, got %s", raw)
	}
}

func TestResolverWithoutLTP(t *testing.T) {
	r, mr, broker := newTestResolver(t)
	broker.SetContracts(json.RawMessage(flatPayload), nil)

	if err := r.Run(context.Background()); !errors.Is(err, ErrUnresolved) {
		t.Fatalf("Expected ErrUnresolved, got %v", err)
	}
	if broker.ContractCalls() != 0 {
		t.Error("Expected no contract fetch without an index price")
	}
	if mr.Exists(cache.OptionChainKey()) {
		t.Error("Expected no option chain written")
	}
}

func TestResolverStopsOnUnauthorized(t *testing.T) {
	r, mr, broker := newTestResolver(t)
	mr.Set(cache.LTPKey(instrument), `{"ltp":"24265"}`)
	broker.SetContracts(nil, &upstox.APIError{Status: 401, Message: "expired"})

	if err := r.Run(context.Background()); err == nil {
		t.Fatal("Expected error")
	}
	if got := broker.ContractCalls(); got != 1 {
		t.Errorf("Expected no retry on unauthorized, got %d calls", got)
	}
}

func TestChainMetaLegFor(t *testing.T) {
	m := &ChainMeta{ATMCall: Leg{InstrumentKey: "C"}, ATMPut: Leg{InstrumentKey: ""}}
	if leg, ok := m.LegFor("CALL"); !ok || leg.InstrumentKey != "C" {
		t.Error("Expected call leg")
	}
	if _, ok := m.LegFor("PUT"); ok {
		t.Error("Expected missing put leg")
	}
	if keys := m.InstrumentKeys(); len(keys) != 1 {
		t.Errorf("Expected 1 key, got %v", keys)
	}
	var nilMeta *ChainMeta
	if _, ok := nilMeta.LegFor("CALL"); ok {
		t.Error("Expected no leg from nil meta")
	}
}
