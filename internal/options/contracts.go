package options

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnresolved means no ATM call/put pair could be found
var ErrUnresolved = errors.New("options: atm contracts unresolved")

// OptionType is the exchange instrument type of a contract
type OptionType string

const (
	TypeCall OptionType = "CE"
	TypePut  OptionType = "PE"
)

// Shape tags which payload layout a contract was read from
type Shape int

const (
	ShapeUnknown Shape = iota
	// ShapeFlat entries are single contracts carrying instrument_type
	ShapeFlat
	// ShapeGrouped entries are strikes with nested call_options/put_options
	ShapeGrouped
)

func (s Shape) String() string {
	switch s {
	case ShapeFlat:
		return "flat"
	case ShapeGrouped:
		return "grouped"
	default:
		return "unknown"
	}
}

// Contract is one option contract in normalized form
type Contract struct {
	InstrumentKey string
	Strike        float64
	Type          OptionType
	Expiry        string
	Shape         Shape
}

type rawLeg struct {
	InstrumentKey string `json:"instrument_key"`
}

type rawEntry struct {
	InstrumentKey  string  `json:"instrument_key"`
	InstrumentType string  `json:"instrument_type"`
	StrikePrice    float64 `json:"strike_price"`
	Expiry         string  `json:"expiry"`
	CallOptions    *rawLeg `json:"call_options"`
	PutOptions     *rawLeg `json:"put_options"`
}

func (e rawEntry) shape() Shape {
	switch {
	case e.InstrumentType != "":
		return ShapeFlat
	case e.CallOptions != nil || e.PutOptions != nil:
		return ShapeGrouped
	default:
		return ShapeUnknown
	}
}

// ParseContracts normalizes a broker contract payload. Each entry is tagged
// with the shape it was read from; entries of neither shape are dropped.
// A null payload yields no contracts.
func ParseContracts(raw json.RawMessage) ([]Contract, error) {
	var entries []rawEntry
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse option contracts: %w", err)
	}

	var out []Contract
	for _, e := range entries {
		switch e.shape() {
		case ShapeFlat:
			t := OptionType(e.InstrumentType)
			if (t != TypeCall && t != TypePut) || e.InstrumentKey == "" {
				continue
			}
			out = append(out, Contract{
				InstrumentKey: e.InstrumentKey,
				Strike:        e.StrikePrice,
				Type:          t,
				Expiry:        e.Expiry,
				Shape:         ShapeFlat,
			})
		case ShapeGrouped:
			if e.CallOptions != nil && e.CallOptions.InstrumentKey != "" {
				out = append(out, Contract{InstrumentKey: e.CallOptions.InstrumentKey, Strike: e.StrikePrice, Type: TypeCall, Expiry: e.Expiry, Shape: ShapeGrouped})
			}
			if e.PutOptions != nil && e.PutOptions.InstrumentKey != "" {
				out = append(out, Contract{InstrumentKey: e.PutOptions.InstrumentKey, Strike: e.StrikePrice, Type: TypePut, Expiry: e.Expiry, Shape: ShapeGrouped})
			}
		}
	}
	return out, nil
}

// FindATM returns the call and put at strike. Flat contracts are searched
// first; when either leg is missing there, both legs come from the grouped
// contracts instead.
func FindATM(contracts []Contract, strike int) (call, put Contract, err error) {
	for _, shape := range []Shape{ShapeFlat, ShapeGrouped} {
		call, put = findLegs(contracts, strike, shape)
		if call.InstrumentKey != "" && put.InstrumentKey != "" {
			return call, put, nil
		}
	}
	return Contract{}, Contract{}, fmt.Errorf("%w: strike %d", ErrUnresolved, strike)
}

func findLegs(contracts []Contract, strike int, shape Shape) (call, put Contract) {
	for _, c := range contracts {
		if c.Shape != shape || c.Strike != float64(strike) {
			continue
		}
		switch {
		case c.Type == TypeCall && call.InstrumentKey == "":
			call = c
		case c.Type == TypePut && put.InstrumentKey == "":
			put = c
		}
		if call.InstrumentKey != "" && put.InstrumentKey != "" {
			break
		}
	}
	return call, put
}
