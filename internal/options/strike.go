// Package options resolves the at-the-money call and put contracts for the
// index's next weekly expiry.
package options

import (
	"time"

	"github.com/shopspring/decimal"
)

// ATMStrike rounds price to the nearest multiple of step, halves rounding up
func ATMStrike(price float64, step int) int {
	if step <= 0 {
		return 0
	}
	s := decimal.NewFromInt(int64(step))
	return int(decimal.NewFromFloat(price).Div(s).Round(0).Mul(s).IntPart())
}

// NextExpiry returns the next date falling on weekday strictly after today.
// Same-day expiry is never selected.
func NextExpiry(today time.Time, weekday time.Weekday) time.Time {
	days := (int(weekday) - int(today.Weekday()) + 7) % 7
	if days == 0 {
		days = 7
	}
	y, m, d := today.Date()
	return time.Date(y, m, d+days, 0, 0, 0, 0, today.Location())
}
