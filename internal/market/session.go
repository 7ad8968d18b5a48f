// Package market holds calendar and quote helpers shared by the pipeline
// stages: the exchange timezone, the trading window, working days and the
// cached LTP format.
package market

import (
	"fmt"
	"time"

	"nifty-options-bot/config"
)

// Session describes the exchange calendar the pipeline trades in.
type Session struct {
	Location    *time.Location
	WindowStart config.Clock
	WindowEnd   config.Clock
	Cutoff      config.Clock
}

// NewSession builds a Session from validated configuration
func NewSession(mc config.MarketConfig, tc config.TradingConfig) (*Session, error) {
	loc, err := time.LoadLocation(mc.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %s: %w", mc.Timezone, err)
	}
	start, err := config.ParseClock(tc.WindowStart)
	if err != nil {
		return nil, err
	}
	end, err := config.ParseClock(tc.WindowEnd)
	if err != nil {
		return nil, err
	}
	cutoff, err := config.ParseClock(tc.SessionCutoff)
	if err != nil {
		return nil, err
	}
	return &Session{Location: loc, WindowStart: start, WindowEnd: end, Cutoff: cutoff}, nil
}

// Local converts t into the exchange timezone
func (s *Session) Local(t time.Time) time.Time {
	return t.In(s.Location)
}

// InWindow reports whether new entries are allowed at t. The window is
// inclusive at both ends.
func (s *Session) InWindow(t time.Time) bool {
	lt := s.Local(t)
	return !lt.Before(s.WindowStart.On(lt)) && !lt.After(s.WindowEnd.On(lt))
}

// PastCutoff reports whether open positions must be closed at t
func (s *Session) PastCutoff(t time.Time) bool {
	lt := s.Local(t)
	return !lt.Before(s.Cutoff.On(lt))
}

// BarTime returns t truncated to its minute in the exchange timezone
func (s *Session) BarTime(t time.Time) time.Time {
	lt := s.Local(t)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), lt.Hour(), lt.Minute(), 0, 0, s.Location)
}

// TradeDate returns the exchange calendar day of t at midnight
func (s *Session) TradeDate(t time.Time) time.Time {
	lt := s.Local(t)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, s.Location)
}

// IsWeekday reports whether t falls Monday through Friday
func IsWeekday(t time.Time) bool {
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// PreviousWorkingDays returns the n weekdays strictly before day, newest first
func PreviousWorkingDays(day time.Time, n int) []time.Time {
	days := make([]time.Time, 0, n)
	d := day
	for len(days) < n {
		d = d.AddDate(0, 0, -1)
		if IsWeekday(d) {
			days = append(days, d)
		}
	}
	return days
}
