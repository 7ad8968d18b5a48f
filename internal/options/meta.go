package options

import (
	"context"

	"nifty-options-bot/internal/cache"
)

// Leg is one resolved ATM contract
type Leg struct {
	InstrumentKey string `json:"instrument_key"`
	Type          string `json:"type"` // CALL or PUT
	StrikePrice   int    `json:"strike_price"`
}

// ChainMeta is the globally cached ATM resolution
type ChainMeta struct {
	ExpiryDate string `json:"expiry_date"`
	ATMStrike  int    `json:"atm_strike"`
	ATMCall    Leg    `json:"atm_call"`
	ATMPut     Leg    `json:"atm_put"`
}

// LegFor returns the leg bought for side ("CALL" or "PUT")
func (m *ChainMeta) LegFor(side string) (Leg, bool) {
	if m == nil {
		return Leg{}, false
	}
	switch side {
	case "CALL":
		return m.ATMCall, m.ATMCall.InstrumentKey != ""
	case "PUT":
		return m.ATMPut, m.ATMPut.InstrumentKey != ""
	}
	return Leg{}, false
}

// InstrumentKeys returns the non-empty leg keys
func (m *ChainMeta) InstrumentKeys() []string {
	if m == nil {
		return nil
	}
	var keys []string
	for _, k := range []string{m.ATMCall.InstrumentKey, m.ATMPut.InstrumentKey} {
		if k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// ReadChainMeta loads option_chain:GLOBAL. Errors follow cache.Store.GetJSON.
func ReadChainMeta(ctx context.Context, store cache.Store) (*ChainMeta, error) {
	var m ChainMeta
	if err := store.GetJSON(ctx, cache.OptionChainKey(), &m); err != nil {
		return nil, err
	}
	return &m, nil
}
