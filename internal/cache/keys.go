package cache

import (
	"fmt"
	"strings"
	"time"
)

// Key formats shared by all stages. Changing any of these breaks
// compatibility with running peers.
const (
	PrefixHistorical  = "historical_data:%s"
	PrefixMerged      = "merged_data:%s:%s"
	PrefixSMA         = "sma_data:%s:%s"
	PrefixTrendSignal = "trend_signal:%s"
	KeyOptionChain    = "option_chain:GLOBAL"
	PrefixActiveTrade = "active_trade_%s"
	PrefixTradeCount  = "%s_trade_count_%s_%s" // side, user, date
	PrefixSquareOff   = "square_off_request_user_%s"
	PrefixLTP         = "LTP:%s"
	PrefixMarketState = "market_state_%s"
	PrefixOrderLease  = "lease:order_manager:%s"

	// PatternMarketState matches every per-user dashboard snapshot
	PatternMarketState = "market_state_*"

	// TradeDateLayout formats the date component of trade counter keys
	TradeDateLayout = "2006-01-02"
)

// TTLs
const (
	HistoricalTTL  = 24 * time.Hour
	MergedTTL      = 300 * time.Second
	SMATTL         = 300 * time.Second
	TrendSignalTTL = 120 * time.Second
	OptionChainTTL = 600 * time.Second
	ActiveTradeTTL = 86400 * time.Second
	TradeCountTTL  = 86400 * time.Second
	SquareOffTTL   = 300 * time.Second
	LTPTTL         = 50 * time.Second
	MarketStateTTL = 120 * time.Second
)

// HistoricalKey returns the cache key for bootstrap candles.
func HistoricalKey(instrument string) string {
	return fmt.Sprintf(PrefixHistorical, instrument)
}

// MergedKey returns the cache key for the live-merged candle series.
func MergedKey(instrument, interval string) string {
	return fmt.Sprintf(PrefixMerged, instrument, interval)
}

// SMAKey returns the cache key for the indicator frame.
func SMAKey(instrument, interval string) string {
	return fmt.Sprintf(PrefixSMA, instrument, interval)
}

// TrendSignalKey returns the cache key for the latest trend classification.
func TrendSignalKey(instrument string) string {
	return fmt.Sprintf(PrefixTrendSignal, instrument)
}

// OptionChainKey returns the cache key for the resolved ATM contracts.
func OptionChainKey() string {
	return KeyOptionChain
}

// ActiveTradeKey returns the cache key for a user's open position.
func ActiveTradeKey(userID string) string {
	return fmt.Sprintf(PrefixActiveTrade, userID)
}

// TradeCountKey returns the per-side daily entry counter for a user. The
// side is lower-cased and the date is formatted in the caller's location.
func TradeCountKey(side, userID string, day time.Time) string {
	return fmt.Sprintf(PrefixTradeCount, strings.ToLower(side), userID, day.Format(TradeDateLayout))
}

// SquareOffKey returns the cache key for a pending square-off request.
func SquareOffKey(userID string) string {
	return fmt.Sprintf(PrefixSquareOff, userID)
}

// LTPKey returns the cache key for an instrument's last traded price.
func LTPKey(instrument string) string {
	return fmt.Sprintf(PrefixLTP, instrument)
}

// MarketStateKey returns the cache key for a user's dashboard snapshot.
func MarketStateKey(userID string) string {
	return fmt.Sprintf(PrefixMarketState, userID)
}

// OrderLeaseKey returns the lease key serializing a user's order cycles.
func OrderLeaseKey(userID string) string {
	return fmt.Sprintf(PrefixOrderLease, userID)
}
