package widget

import (
	"math"
	"sync"

	"github.com/rickgao/market-dashboard/internal/feed"
)

// Candle is one OHLC bar.
type Candle struct {
	Time  int64   `json:"time"` // Unix milliseconds of the bar's first tick
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
	Ticks int     `json:"ticks"`
}

// CandleSnapshot holds finished bars, oldest first, and the bar in progress.
type CandleSnapshot struct {
	TickInterval int      `json:"tick_interval"`
	Bars         []Candle `json:"bars"`
	Current      *Candle  `json:"current,omitempty"`
	Stats        Stats    `json:"stats"`
}

// CandleSeries merges ticks into bars of a fixed tick count.
type CandleSeries struct {
	*subscriber
	tickInterval int
	maxBars      int

	mu      sync.RWMutex
	bars    []Candle
	current *Candle
}

// NewCandleSeries creates a CandleSeries that closes a bar every
// tickInterval ticks (0 means 5) and keeps at most maxBars bars (0 means 500).
func NewCandleSeries(tickInterval, maxBars int, opts Options) (*CandleSeries, error) {
	if tickInterval <= 0 {
		tickInterval = 5
	}
	if maxBars <= 0 {
		maxBars = 500
	}
	c := &CandleSeries{tickInterval: tickInterval, maxBars: maxBars}
	sub, err := newSubscriber("candles", opts, c.apply)
	if err != nil {
		return nil, err
	}
	c.subscriber = sub
	return c, nil
}

func (c *CandleSeries) apply(m feed.Message) error {
	tick, err := feed.ParseTick(m)
	if err != nil {
		return err
	}
	c.Merge(tick.Price, tick.Timestamp.UnixMilli())
	return nil
}

// Merge folds one price into the current bar, starting a new bar when
// needed.
func (c *CandleSeries) Merge(price float64, timeMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil {
		c.current = &Candle{
			Time:  timeMs,
			Open:  price,
			High:  price,
			Low:   price,
			Close: price,
		}
	} else {
		c.current.Close = price
		c.current.High = math.Max(c.current.High, price)
		c.current.Low = math.Min(c.current.Low, price)
	}
	c.current.Ticks++

	if c.current.Ticks == c.tickInterval {
		c.bars = append(c.bars, *c.current)
		c.current = nil
		if over := len(c.bars) - c.maxBars; over > 0 {
			c.bars = append(c.bars[:0], c.bars[over:]...)
		}
	}
}

// Snapshot returns a copy of the series.
func (c *CandleSeries) Snapshot() CandleSnapshot {
	c.mu.RLock()
	snap := CandleSnapshot{
		TickInterval: c.tickInterval,
		Bars:         make([]Candle, len(c.bars)),
	}
	copy(snap.Bars, c.bars)
	if c.current != nil {
		cur := *c.current
		snap.Current = &cur
	}
	c.mu.RUnlock()

	snap.Stats = c.stats()
	return snap
}
