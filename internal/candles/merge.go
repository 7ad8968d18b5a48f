package candles

import "time"

// MergeOutcome reports what Merge did with a price
type MergeOutcome int

const (
	Appended MergeOutcome = iota
	Updated
	Skipped
)

func (o MergeOutcome) String() string {
	switch o {
	case Appended:
		return "appended"
	case Updated:
		return "updated"
	default:
		return "skipped"
	}
}

// Merge folds price into series at bar time barTS (already minute aligned).
// A newer minute appends a flat candle with zero volume and open interest.
// The current minute updates close and widens high/low. An older minute is
// ignored. The result is normalized either way.
func Merge(series Series, price float64, barTS time.Time) (Series, MergeOutcome) {
	series = series.Normalize()

	last, ok := series.Last()
	var outcome MergeOutcome
	switch {
	case !ok || barTS.After(last.Timestamp.Time):
		series = append(series, Candle{
			Timestamp: TS(barTS),
			Open:      price,
			High:      price,
			Low:       price,
			Close:     price,
		})
		outcome = Appended
	case barTS.Equal(last.Timestamp.Time):
		i := len(series) - 1
		series[i].Close = price
		if price > series[i].High {
			series[i].High = price
		}
		if price < series[i].Low {
			series[i].Low = price
		}
		outcome = Updated
	default:
		outcome = Skipped
	}

	return series.Normalize(), outcome
}
