package widget

import (
	"sync"

	"github.com/rickgao/market-dashboard/internal/feed"
)

// Histogram colors.
const (
	ColorUp   = "#26a69a"
	ColorDown = "#ef5350"
)

// VolumePoint is one histogram bar.
type VolumePoint struct {
	Time  int64   `json:"time"` // Unix milliseconds
	Value float64 `json:"value"`
	Color string  `json:"color"`
}

// VolumeSnapshot is the traded-volume series, oldest first.
type VolumeSnapshot struct {
	Points []VolumePoint `json:"points"`
	Stats  Stats         `json:"stats"`
}

// VolumeSeries turns ticks into signed traded volume. Sells are negative.
type VolumeSeries struct {
	*subscriber
	maxPoints int

	mu     sync.RWMutex
	points []VolumePoint
}

// NewVolumeSeries creates a VolumeSeries keeping at most maxPoints bars
// (0 means 1000).
func NewVolumeSeries(maxPoints int, opts Options) (*VolumeSeries, error) {
	if maxPoints <= 0 {
		maxPoints = 1000
	}
	v := &VolumeSeries{maxPoints: maxPoints}
	sub, err := newSubscriber("volume", opts, v.apply)
	if err != nil {
		return nil, err
	}
	v.subscriber = sub
	return v, nil
}

// VolumeOf returns the bar for a tick.
func VolumeOf(t feed.Tick) VolumePoint {
	p := VolumePoint{
		Time:  t.Timestamp.UnixMilli(),
		Value: t.Volume(),
		Color: ColorUp,
	}
	if !t.IsBuy() {
		p.Value = -p.Value
		p.Color = ColorDown
	}
	return p
}

func (v *VolumeSeries) apply(m feed.Message) error {
	tick, err := feed.ParseTick(m)
	if err != nil {
		return err
	}
	p := VolumeOf(tick)

	v.mu.Lock()
	defer v.mu.Unlock()
	v.points = append(v.points, p)
	if over := len(v.points) - v.maxPoints; over > 0 {
		v.points = append(v.points[:0], v.points[over:]...)
	}
	return nil
}

// Snapshot returns a copy of the series.
func (v *VolumeSeries) Snapshot() VolumeSnapshot {
	v.mu.RLock()
	points := make([]VolumePoint, len(v.points))
	copy(points, v.points)
	v.mu.RUnlock()

	return VolumeSnapshot{Points: points, Stats: v.stats()}
}
