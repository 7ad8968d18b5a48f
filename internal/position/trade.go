package position

import (
	"nifty-options-bot/internal/options"
	"nifty-options-bot/internal/trend"
)

// ActiveTrade is a user's open position. Its presence in the cache is what
// makes the position open.
type ActiveTrade struct {
	UserID        string  `json:"user_id"`
	Type          string  `json:"type"` // CALL or PUT
	InstrumentKey string  `json:"instrument_key"`
	Quantity      int     `json:"quantity"`
	EntryPrice    float64 `json:"entry_price"`
	StoplossPrice float64 `json:"stoploss_price"`
	TargetPrice   float64 `json:"target_price"`
	EntryOrderID  string  `json:"entry_order_id"`
	EntryTime     string  `json:"entry_time"`
}

// ExitReason names why a trade was closed
type ExitReason string

const (
	ReasonSquareOff ExitReason = "Manual Square-Off"
	ReasonCutoff    ExitReason = "Auto Square-Off"
	ReasonStoploss  ExitReason = "Stoploss Hit"
	ReasonTarget    ExitReason = "Target Hit"
)

// IndexData is the dashboard view of the index trend
type IndexData struct {
	LTP    *float64 `json:"ltp,omitempty"`
	Signal string   `json:"signal,omitempty"`
	SMA10  *float64 `json:"sma_10,omitempty"`
	SMA25  *float64 `json:"sma_25,omitempty"`
	SMA50  *float64 `json:"sma_50,omitempty"`
	SMA100 *float64 `json:"sma_100,omitempty"`
}

// MarketUpdate is the composite snapshot pushed to a user every cycle
type MarketUpdate struct {
	OverallMarketTrend    string               `json:"overall_market_trend"`
	IndicesData           map[string]IndexData `json:"indices_data"`
	FinalTradeInstruments interface{}          `json:"final_trade_instruments"`
	ActiveTrade           *ActiveTrade         `json:"active_trade"`
}

// DefaultMarketUpdate is served before the first cycle has run for a user
func DefaultMarketUpdate(indexName string) MarketUpdate {
	return MarketUpdate{
		OverallMarketTrend:    "Processing...",
		IndicesData:           map[string]IndexData{indexName: {}},
		FinalTradeInstruments: map[string]interface{}{},
	}
}

// BuildMarketUpdate composes the snapshot from whatever inputs are present
func BuildMarketUpdate(indexName string, sig *trend.TrendSignal, meta *options.ChainMeta, trade *ActiveTrade) MarketUpdate {
	update := MarketUpdate{
		OverallMarketTrend:    string(trend.Neutral),
		IndicesData:           map[string]IndexData{indexName: {}},
		FinalTradeInstruments: map[string]interface{}{},
		ActiveTrade:           trade,
	}
	if sig != nil {
		update.OverallMarketTrend = string(sig.Signal)
		update.IndicesData[indexName] = IndexData{
			LTP:    floatPtr(sig.LTP),
			Signal: string(sig.Signal),
			SMA10:  floatPtr(sig.SMA10),
			SMA25:  floatPtr(sig.SMA25),
			SMA50:  floatPtr(sig.SMA50),
			SMA100: floatPtr(sig.SMA100),
		}
	}
	if meta != nil {
		update.FinalTradeInstruments = meta
	}
	return update
}

func floatPtr(v float64) *float64 { return &v }
