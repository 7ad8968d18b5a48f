// Package candles turns cached last-traded prices into a one-minute OHLC
// series seeded from historical bars.
package candles

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Candle is one OHLC bar. Timestamp is the start of the bar's minute.
type Candle struct {
	Timestamp Timestamp `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	OI        float64   `json:"oi"`
}

// Series is a list of candles. After Normalize it is ascending with unique
// timestamps.
type Series []Candle

// Timestamp encodes as RFC3339 and decodes from RFC3339 strings (with or
// without fractional seconds or zone) or epoch milliseconds.
type Timestamp struct {
	time.Time
}

// TS wraps t as a Timestamp
func TS(t time.Time) Timestamp { return Timestamp{Time: t} }

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time.Format(time.RFC3339))
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == `""` {
		return fmt.Errorf("empty timestamp")
	}

	if !strings.HasPrefix(s, `"`) {
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("timestamp %s: %w", s, err)
		}
		t.Time = time.UnixMilli(ms)
		return nil
	}

	s = strings.Trim(s, `"`)
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("unrecognised timestamp %q", s)
}

// Decode parses a cached candle array
func Decode(raw []byte) (Series, error) {
	var s Series
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return s, nil
}

// FromRows converts broker candle rows [ts, o, h, l, c, v, oi] into a series.
// Rows shorter than five columns are rejected.
func FromRows(rows [][]interface{}) (Series, error) {
	out := make(Series, 0, len(rows))
	for i, row := range rows {
		if len(row) < 5 {
			return nil, fmt.Errorf("row %d: expected at least 5 columns, got %d", i, len(row))
		}
		ts, ok := row[0].(string)
		if !ok {
			return nil, fmt.Errorf("row %d: timestamp is %T", i, row[0])
		}
		parsed, err := time.Parse(time.RFC3339, ts)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		c := Candle{Timestamp: TS(parsed)}
		nums := []*float64{&c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.OI}
		for j, dst := range nums {
			if j+1 >= len(row) {
				break
			}
			v, ok := row[j+1].(float64)
			if !ok {
				return nil, fmt.Errorf("row %d col %d: expected number, got %T", i, j+1, row[j+1])
			}
			*dst = v
		}
		out = append(out, c)
	}
	return out, nil
}

// Normalize sorts ascending by timestamp and keeps the last candle for each
// timestamp. The input slice is reordered in place.
func (s Series) Normalize() Series {
	sort.SliceStable(s, func(i, j int) bool {
		return s[i].Timestamp.Before(s[j].Timestamp.Time)
	})

	out := s[:0]
	for i := range s {
		if len(out) > 0 && out[len(out)-1].Timestamp.Equal(s[i].Timestamp.Time) {
			out[len(out)-1] = s[i]
			continue
		}
		out = append(out, s[i])
	}
	return out
}

// Last returns the final candle and whether one exists
func (s Series) Last() (Candle, bool) {
	if len(s) == 0 {
		return Candle{}, false
	}
	return s[len(s)-1], true
}

// Closes returns the close prices in order
func (s Series) Closes() []float64 {
	out := make([]float64, len(s))
	for i, c := range s {
		out[i] = c.Close
	}
	return out
}

// InLocation converts every timestamp to loc
func (s Series) InLocation(loc *time.Location) Series {
	for i := range s {
		s[i].Timestamp = TS(s[i].Timestamp.In(loc))
	}
	return s
}
