package upstox

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// FeedType is the FeedResponse.type enum
type FeedType int

const (
	FeedInitial    FeedType = 0
	FeedLive       FeedType = 1
	FeedMarketInfo FeedType = 2
)

// Tick is one instrument's last-traded-price update
type Tick struct {
	InstrumentKey string
	LTP           float64
	LTT           int64 // epoch millis of the last trade
	ClosePrice    float64
}

// FeedMessage is a decoded market data frame
type FeedMessage struct {
	Type      FeedType
	CurrentTS int64
	Ticks     []Tick
}

// Field numbers of the market data feed schema
const (
	fieldResponseType  protowire.Number = 1
	fieldResponseFeeds protowire.Number = 2
	fieldResponseTS    protowire.Number = 3

	fieldMapKey   protowire.Number = 1
	fieldMapValue protowire.Number = 2

	fieldFeedLTPC       protowire.Number = 1
	fieldFeedFull       protowire.Number = 2
	fieldFeedFirstLevel protowire.Number = 3

	fieldFullMarket protowire.Number = 1
	fieldFullIndex  protowire.Number = 2

	// MarketFullFeed, IndexFullFeed and FirstLevelWithGreeks all carry LTPC at 1
	fieldNestedLTPC protowire.Number = 1

	fieldLTPCPrice protowire.Number = 1
	fieldLTPCTime  protowire.Number = 2
	fieldLTPCClose protowire.Number = 4
)

// DecodeFeed decodes a binary FeedResponse frame. Unknown fields are
// skipped; feeds without a price are omitted from Ticks.
func DecodeFeed(b []byte) (*FeedMessage, error) {
	msg := &FeedMessage{}
	err := walkFields(b, func(f field) error {
		switch f.num {
		case fieldResponseType:
			msg.Type = FeedType(f.varint)
		case fieldResponseTS:
			msg.CurrentTS = int64(f.varint)
		case fieldResponseFeeds:
			tick, ok, err := decodeFeedEntry(f.bytes)
			if err != nil {
				return fmt.Errorf("feeds entry: %w", err)
			}
			if ok {
				msg.Ticks = append(msg.Ticks, tick)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// decodeFeedEntry decodes one map<string, Feed> entry
func decodeFeedEntry(b []byte) (Tick, bool, error) {
	var tick Tick
	var found bool
	err := walkFields(b, func(f field) error {
		switch f.num {
		case fieldMapKey:
			tick.InstrumentKey = string(f.bytes)
		case fieldMapValue:
			var err error
			found, err = decodeFeed(f.bytes, &tick)
			return err
		}
		return nil
	})
	if err != nil {
		return Tick{}, false, err
	}
	return tick, found && tick.InstrumentKey != "" && tick.LTP > 0, nil
}

func decodeFeed(b []byte, tick *Tick) (bool, error) {
	var found bool
	err := walkFields(b, func(f field) error {
		var err error
		switch f.num {
		case fieldFeedLTPC:
			found, err = decodeLTPC(f.bytes, tick)
		case fieldFeedFull:
			err = walkFields(f.bytes, func(ff field) error {
				if ff.num != fieldFullMarket && ff.num != fieldFullIndex {
					return nil
				}
				var nerr error
				found, nerr = decodeNestedLTPC(ff.bytes, tick)
				return nerr
			})
		case fieldFeedFirstLevel:
			found, err = decodeNestedLTPC(f.bytes, tick)
		}
		return err
	})
	return found, err
}

func decodeNestedLTPC(b []byte, tick *Tick) (bool, error) {
	var found bool
	err := walkFields(b, func(f field) error {
		if f.num != fieldNestedLTPC || f.typ != protowire.BytesType {
			return nil
		}
		var err error
		found, err = decodeLTPC(f.bytes, tick)
		return err
	})
	return found, err
}

func decodeLTPC(b []byte, tick *Tick) (bool, error) {
	var found bool
	err := walkFields(b, func(f field) error {
		switch f.num {
		case fieldLTPCPrice:
			if f.typ == protowire.Fixed64Type {
				tick.LTP = math.Float64frombits(f.varint)
				found = true
			}
		case fieldLTPCTime:
			tick.LTT = int64(f.varint)
		case fieldLTPCClose:
			if f.typ == protowire.Fixed64Type {
				tick.ClosePrice = math.Float64frombits(f.varint)
			}
		}
		return nil
	})
	return found, err
}

// field is one decoded key/value. Fixed-width values are in varint.
type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	bytes  []byte
}

func walkFields(b []byte, visit func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			f.varint, n = protowire.ConsumeFixed64(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.varint = uint64(v)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := visit(f); err != nil {
			return err
		}
	}
	return nil
}
