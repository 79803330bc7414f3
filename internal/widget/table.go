package widget

import (
	"sync"

	"github.com/rickgao/market-dashboard/internal/feed"
)

// DefaultTableHeaders are the tick table columns in display order.
var DefaultTableHeaders = []string{"Date", "Ticker", "Price", "Quantity", "TradeId", "Ordered"}

// TickTableConfig configures a TickTable.
type TickTableConfig struct {
	MaxRecords int      // Default: 20
	Headers    []string // Default: DefaultTableHeaders
}

// TickRow is one rendered table row.
type TickRow struct {
	Date     string  `json:"date"`
	Ticker   string  `json:"ticker"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
	TradeID  string  `json:"trade_id"`
	Ordered  string  `json:"ordered"`
}

// TableSnapshot is the table as the page renders it, newest row first.
type TableSnapshot struct {
	Headers []string  `json:"headers"`
	Rows    []TickRow `json:"rows"`
	Stats   Stats     `json:"stats"`
}

// TickTable keeps the most recent ticks.
type TickTable struct {
	*subscriber
	cfg TickTableConfig

	mu   sync.RWMutex
	rows []TickRow // Newest first
}

// NewTickTable creates a TickTable and subscribes it.
func NewTickTable(cfg TickTableConfig, opts Options) (*TickTable, error) {
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = 20
	}
	if len(cfg.Headers) == 0 {
		cfg.Headers = DefaultTableHeaders
	}

	t := &TickTable{
		cfg:  cfg,
		rows: make([]TickRow, 0, cfg.MaxRecords+1),
	}
	sub, err := newSubscriber("tick_table", opts, t.apply)
	if err != nil {
		return nil, err
	}
	t.subscriber = sub
	return t, nil
}

func (t *TickTable) apply(m feed.Message) error {
	tick, err := feed.ParseTick(m)
	if err != nil {
		return err
	}
	t.AddRow(TickRow{
		Date:     tick.Date,
		Ticker:   tick.Ticker,
		Price:    tick.Price,
		Quantity: tick.Quantity,
		TradeID:  tick.TradeID,
		Ordered:  tick.Ordered,
	})
	return nil
}

// AddRow puts row at the top and drops the oldest row past MaxRecords.
func (t *TickTable) AddRow(row TickRow) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rows = append(t.rows, TickRow{})
	copy(t.rows[1:], t.rows)
	t.rows[0] = row
	if len(t.rows) > t.cfg.MaxRecords {
		t.rows = t.rows[:t.cfg.MaxRecords]
	}
}

// Snapshot returns a copy of the table.
func (t *TickTable) Snapshot() TableSnapshot {
	t.mu.RLock()
	rows := make([]TickRow, len(t.rows))
	copy(rows, t.rows)
	t.mu.RUnlock()

	return TableSnapshot{
		Headers: t.cfg.Headers,
		Rows:    rows,
		Stats:   t.stats(),
	}
}
