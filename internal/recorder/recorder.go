package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jonboulle/clockwork"

	"github.com/rickgao/market-dashboard/internal/fanout"
	"github.com/rickgao/market-dashboard/internal/feed"
	"github.com/rickgao/market-dashboard/internal/metrics"
)

// ErrAlreadyAttached is returned when Attach is called twice.
var ErrAlreadyAttached = errors.New("recorder already attached")

// Schema creates the ticks table. Safe to run repeatedly.
const Schema = `
CREATE TABLE IF NOT EXISTS ticks (
	ts          TIMESTAMPTZ      NOT NULL,
	received_at TIMESTAMPTZ      NOT NULL,
	ticker      TEXT             NOT NULL,
	price       DOUBLE PRECISION NOT NULL,
	quantity    DOUBLE PRECISION NOT NULL,
	trade_id    TEXT             NOT NULL,
	ordered     TEXT             NOT NULL,
	UNIQUE (ticker, trade_id, ts)
)`

const insertTick = `
	INSERT INTO ticks (ts, received_at, ticker, price, quantity, trade_id, ordered)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (ticker, trade_id, ts) DO NOTHING
`

// DB is the subset of *pgxpool.Pool the recorder uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Config holds recorder settings.
type Config struct {
	BatchSize     int           // Rows per insert batch. Default: 500
	FlushInterval time.Duration // Max time a row waits in the queue. Default: 1s
	BufferSize    int           // Max queued rows before new ticks are dropped. Default: 10000
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: time.Second,
		BufferSize:    10000,
	}
}

// Stats contains recorder counters.
type Stats struct {
	Received  int64      `json:"received"`
	Skipped   int64      `json:"skipped"`
	Dropped   int64      `json:"dropped"`
	Inserts   int64      `json:"inserts"`
	Conflicts int64      `json:"conflicts"`
	Errors    int64      `json:"errors"`
	Flushes   int64      `json:"flushes"`
	Queue     QueueStats `json:"queue"`
}

type tickRow struct {
	Ts         time.Time
	ReceivedAt time.Time
	Ticker     string
	Price      float64
	Quantity   float64
	TradeID    string
	Ordered    string
}

// Recorder persists ticks from a feed registry. Dispatch only enqueues;
// inserts happen on the recorder's own goroutine.
type Recorder struct {
	cfg    Config
	db     DB
	clock  clockwork.Clock
	logger *slog.Logger

	queue *Queue[tickRow]
	kick  chan struct{}

	reg *fanout.Registry
	id  fanout.ID

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	stats Stats
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock sets the clock driving periodic flushes.
func WithClock(clock clockwork.Clock) Option {
	return func(r *Recorder) {
		r.clock = clock
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) {
		r.logger = logger
	}
}

// New creates a Recorder writing to db.
func New(cfg Config, db DB, opts ...Option) *Recorder {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}

	r := &Recorder{
		cfg:   cfg,
		db:    db,
		clock: clockwork.NewRealClock(),
		queue: NewQueue[tickRow](cfg.BatchSize, cfg.BufferSize),
		kick:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "recorder")
	return r
}

// EnsureSchema creates the ticks table if it does not exist.
func (r *Recorder) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create ticks table: %w", err)
	}
	return nil
}

// Attach subscribes the recorder to reg's messages.
func (r *Recorder) Attach(reg *fanout.Registry) error {
	if r.reg != nil {
		return ErrAlreadyAttached
	}
	id, err := reg.OnMessage(r.handle)
	if err != nil {
		return fmt.Errorf("bind recorder: %w", err)
	}
	r.reg, r.id = reg, id
	return nil
}

// Start begins the flush loop.
func (r *Recorder) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)
	ticker := r.clock.NewTicker(r.cfg.FlushInterval)

	r.wg.Add(1)
	go r.flushLoop(ticker)

	r.logger.Info("recorder started",
		"batch_size", r.cfg.BatchSize,
		"flush_interval", r.cfg.FlushInterval,
		"buffer_size", r.cfg.BufferSize,
	)
	return nil
}

// Stop unbinds from the feed, stops the flush loop and writes what is left.
func (r *Recorder) Stop(ctx context.Context) error {
	r.logger.Info("stopping recorder")

	if r.reg != nil {
		r.reg.Unbind(r.id)
	}
	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("recorder stop timed out")
	}

	// Final flush
	for r.queue.Len() > 0 {
		if err := r.flush(ctx); err != nil {
			return err
		}
	}
	r.logger.Info("recorder stopped")
	return nil
}

// Stats returns current counters.
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	st := r.stats
	r.mu.Unlock()
	st.Queue = r.queue.Stats()
	return st
}

// handle queues a tick. It never fails, so the recorder stays bound.
func (r *Recorder) handle(m feed.Message) error {
	r.count(func(s *Stats) { s.Received++ })

	tick, err := feed.ParseTick(m)
	if err != nil {
		r.count(func(s *Stats) { s.Skipped++ })
		r.logger.Debug("skipping frame", "error", err)
		return nil
	}

	if !r.queue.Push(transform(tick, m.ReceivedAt)) {
		r.count(func(s *Stats) { s.Dropped++ })
		metrics.RecorderRowsTotal.WithLabelValues("dropped").Inc()
		return nil
	}
	metrics.RecorderQueueDepth.Set(float64(r.queue.Len()))

	if r.queue.Len() >= r.cfg.BatchSize {
		select {
		case r.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// transform converts a tick into a row.
func transform(t feed.Tick, receivedAt time.Time) tickRow {
	return tickRow{
		Ts:         t.Timestamp.UTC(),
		ReceivedAt: receivedAt.UTC(),
		Ticker:     t.Ticker,
		Price:      t.Price,
		Quantity:   t.Quantity,
		TradeID:    t.TradeID,
		Ordered:    t.Ordered,
	}
}

// flushLoop writes a batch on every tick of the clock or when a full batch
// is waiting.
func (r *Recorder) flushLoop(ticker clockwork.Ticker) {
	defer r.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.Chan():
		case <-r.kick:
		}
		for r.queue.Len() > 0 {
			if err := r.flush(r.ctx); err != nil {
				break
			}
		}
	}
}

// flush writes up to one batch.
func (r *Recorder) flush(ctx context.Context) error {
	rows := r.queue.Drain(r.cfg.BatchSize)
	metrics.RecorderQueueDepth.Set(float64(r.queue.Len()))
	if len(rows) == 0 {
		return nil
	}

	start := r.clock.Now()
	conflicts, err := r.batchInsert(ctx, rows)
	metrics.RecorderFlushDuration.Observe(r.clock.Since(start).Seconds())

	if err != nil {
		r.logger.Error("batch insert failed", "error", err, "count", len(rows))
		r.count(func(s *Stats) { s.Errors++ })
		metrics.RecorderRowsTotal.WithLabelValues("failed").Add(float64(len(rows)))
		return err
	}

	r.count(func(s *Stats) {
		s.Inserts += int64(len(rows) - conflicts)
		s.Conflicts += int64(conflicts)
		s.Flushes++
	})
	metrics.RecorderRowsTotal.WithLabelValues("inserted").Add(float64(len(rows) - conflicts))
	metrics.RecorderRowsTotal.WithLabelValues("conflict").Add(float64(conflicts))

	r.logger.Debug("flushed ticks", "count", len(rows), "conflicts", conflicts)
	return nil
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (r *Recorder) batchInsert(ctx context.Context, rows []tickRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(insertTick, row.Ts, row.ReceivedAt, row.Ticker, row.Price, row.Quantity, row.TradeID, row.Ordered)
	}

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}
	return conflicts, nil
}

func (r *Recorder) count(fn func(*Stats)) {
	r.mu.Lock()
	fn(&r.stats)
	r.mu.Unlock()
}
