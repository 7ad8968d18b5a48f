// Package indicators computes simple moving averages over the merged minute
// series.
package indicators

import (
	"nifty-options-bot/internal/candles"

	"github.com/markcheno/go-talib"
)

// Periods are the SMA windows attached to every row
var Periods = []int{10, 25, 50, 100}

// Row is a candle with its trailing SMAs. A nil SMA means fewer than N
// candles precede and include the row.
type Row struct {
	candles.Candle
	SMA10  *float64 `json:"sma_10"`
	SMA25  *float64 `json:"sma_25"`
	SMA50  *float64 `json:"sma_50"`
	SMA100 *float64 `json:"sma_100"`
}

// Frame is a series of indicator rows in candle order
type Frame []Row

// SMA returns the value for period, or nil for an unknown period
func (r Row) SMA(period int) *float64 {
	switch period {
	case 10:
		return r.SMA10
	case 25:
		return r.SMA25
	case 50:
		return r.SMA50
	case 100:
		return r.SMA100
	}
	return nil
}

// Complete reports whether every SMA is defined
func (r Row) Complete() bool {
	return r.SMA10 != nil && r.SMA25 != nil && r.SMA50 != nil && r.SMA100 != nil
}

func (r *Row) set(period int, v *float64) {
	switch period {
	case 10:
		r.SMA10 = v
	case 25:
		r.SMA25 = v
	case 50:
		r.SMA50 = v
	case 100:
		r.SMA100 = v
	}
}

// Compute recomputes every SMA over the whole series
func Compute(series candles.Series) Frame {
	frame := make(Frame, len(series))
	for i, c := range series {
		frame[i].Candle = c
	}

	closes := series.Closes()
	for _, period := range Periods {
		// talib indexes past the input when it is shorter than the period
		if len(closes) < period {
			continue
		}
		values := talib.Sma(closes, period)
		for i := period - 1; i < len(values); i++ {
			v := values[i]
			frame[i].set(period, &v)
		}
	}
	return frame
}

// Last returns the final row and whether one exists
func (f Frame) Last() (Row, bool) {
	if len(f) == 0 {
		return Row{}, false
	}
	return f[len(f)-1], true
}
