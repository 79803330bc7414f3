package feed

import (
	"fmt"
	"math"
	"time"

	"github.com/tidwall/gjson"
)

// Tick is a single trade from the tick feed.
type Tick struct {
	Date      string
	Timestamp time.Time
	Ticker    string
	Price     float64
	Quantity  float64
	TradeID   string
	Ordered   string // "buy" or "sell"
}

// Volume returns the traded notional (price * quantity).
func (t Tick) Volume() float64 {
	return t.Price * t.Quantity
}

// IsBuy reports whether the aggressor side was a buyer.
func (t Tick) IsBuy() bool {
	return t.Ordered == "buy"
}

// ParseTick reads a Tick from a decoded message. Numeric fields may be sent
// as JSON numbers or numeric strings. Only price is required.
func ParseTick(m Message) (Tick, error) {
	price := m.Get("price")
	if !price.Exists() {
		return Tick{}, fmt.Errorf("%w: price", ErrMissingField)
	}

	t := Tick{
		Date:     m.Get("date").String(),
		Ticker:   m.Get("ticker").String(),
		Price:    price.Float(),
		Quantity: m.Get("quantity").Float(),
		TradeID:  m.Get("trade_id").String(),
		Ordered:  m.Get("ordered").String(),
	}

	if date := m.Get("date"); date.Exists() {
		ts, err := parseDate(date)
		if err != nil {
			return Tick{}, err
		}
		t.Timestamp = ts
	} else {
		t.Timestamp = m.ReceivedAt
	}

	return t, nil
}

// Indicators is a snapshot from the technical-analysis feed: every numeric
// top-level field keyed by name.
type Indicators struct {
	Ticker    string
	Timestamp time.Time
	Values    map[string]float64
}

// ParseIndicators reads numeric fields from a TA frame. Non-numeric fields
// other than date and ticker are ignored.
func ParseIndicators(m Message) (Indicators, error) {
	root := gjson.ParseBytes(m.Data)
	if !root.IsObject() {
		return Indicators{}, fmt.Errorf("%w: indicators frame is not an object", ErrDecode)
	}

	ind := Indicators{
		Ticker:    m.Get("ticker").String(),
		Timestamp: m.ReceivedAt,
		Values:    make(map[string]float64),
	}

	var dateErr error
	root.ForEach(func(key, value gjson.Result) bool {
		switch key.String() {
		case "ticker":
		case "date":
			ts, err := parseDate(value)
			if err != nil {
				dateErr = err
				return false
			}
			ind.Timestamp = ts
		default:
			if value.Type == gjson.Number {
				ind.Values[key.String()] = value.Float()
			}
		}
		return true
	})
	if dateErr != nil {
		return Indicators{}, dateErr
	}

	return ind, nil
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// parseDate accepts unix seconds (integer or fractional) or a timestamp string.
func parseDate(v gjson.Result) (time.Time, error) {
	if v.Type == gjson.Number {
		sec, frac := math.Modf(v.Float())
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
	}

	s := v.String()
	for _, layout := range dateLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unrecognized date %q", ErrDecode, s)
}
