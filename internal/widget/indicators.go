package widget

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/rickgao/market-dashboard/internal/feed"
)

// IndicatorPoint is one value of one indicator.
type IndicatorPoint struct {
	Time  int64   `json:"time"` // Unix milliseconds
	Value float64 `json:"value"`
}

// IndicatorSnapshot holds the latest value and recent history per indicator.
type IndicatorSnapshot struct {
	Ticker  string                      `json:"ticker,omitempty"`
	Updated time.Time                   `json:"updated"`
	Latest  map[string]float64          `json:"latest"`
	History map[string][]IndicatorPoint `json:"history"`
	Stats   Stats                       `json:"stats"`
}

// IndicatorPanel tracks values from the technical-analysis feed. When a
// filter is given only those indicators are kept.
type IndicatorPanel struct {
	*subscriber
	filter  map[string]bool
	maxHist int

	mu      sync.RWMutex
	ticker  string
	updated time.Time
	latest  map[string]float64
	history map[string][]IndicatorPoint
}

// NewIndicatorPanel creates an IndicatorPanel. names limits the indicators
// kept (empty keeps all); maxHistory bounds points per indicator (0 means 500).
func NewIndicatorPanel(names []string, maxHistory int, opts Options) (*IndicatorPanel, error) {
	if maxHistory <= 0 {
		maxHistory = 500
	}
	p := &IndicatorPanel{
		maxHist: maxHistory,
		latest:  make(map[string]float64),
		history: make(map[string][]IndicatorPoint),
	}
	if len(names) > 0 {
		p.filter = make(map[string]bool, len(names))
		for _, n := range names {
			p.filter[n] = true
		}
	}

	sub, err := newSubscriber("indicators", opts, p.apply)
	if err != nil {
		return nil, err
	}
	p.subscriber = sub
	return p, nil
}

func (p *IndicatorPanel) apply(m feed.Message) error {
	ind, err := feed.ParseIndicators(m)
	if err != nil {
		return err
	}
	ts := ind.Timestamp.UnixMilli()

	p.mu.Lock()
	defer p.mu.Unlock()

	if ind.Ticker != "" {
		p.ticker = ind.Ticker
	}
	p.updated = ind.Timestamp
	for name, v := range ind.Values {
		if p.filter != nil && !p.filter[name] {
			continue
		}
		p.latest[name] = v
		h := append(p.history[name], IndicatorPoint{Time: ts, Value: v})
		if over := len(h) - p.maxHist; over > 0 {
			h = append(h[:0], h[over:]...)
		}
		p.history[name] = h
	}
	return nil
}

// Names returns the indicators seen so far, sorted.
func (p *IndicatorPanel) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Sorted(maps.Keys(p.latest))
}

// Snapshot returns a copy of the panel.
func (p *IndicatorPanel) Snapshot() IndicatorSnapshot {
	p.mu.RLock()
	snap := IndicatorSnapshot{
		Ticker:  p.ticker,
		Updated: p.updated,
		Latest:  maps.Clone(p.latest),
		History: make(map[string][]IndicatorPoint, len(p.history)),
	}
	for name, h := range p.history {
		snap.History[name] = slices.Clone(h)
	}
	p.mu.RUnlock()

	snap.Stats = p.stats()
	return snap
}
