package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jonboulle/clockwork"

	"github.com/rickgao/market-dashboard/internal/fanout"
	"github.com/rickgao/market-dashboard/internal/feed"
)

// fakeDB records batches. Rows whose trade id is "dup" report a conflict.
type fakeDB struct {
	mu      sync.Mutex
	execs   []string
	batches [][]*pgx.QueuedQuery
	err     error
}

func (f *fakeDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, sql)
	return pgconn.NewCommandTag("CREATE TABLE"), f.err
}

func (f *fakeDB) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, b.QueuedQueries)
	return &fakeResults{queries: b.QueuedQueries, err: f.err}
}

func (f *fakeDB) rows() []*pgx.QueuedQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []*pgx.QueuedQuery
	for _, b := range f.batches {
		all = append(all, b...)
	}
	return all
}

type fakeResults struct {
	queries []*pgx.QueuedQuery
	next    int
	err     error
}

func (r *fakeResults) Exec() (pgconn.CommandTag, error) {
	if r.err != nil {
		return pgconn.CommandTag{}, r.err
	}
	q := r.queries[r.next]
	r.next++
	if q.Arguments[5] == "dup" {
		return pgconn.NewCommandTag("INSERT 0 0"), nil
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (r *fakeResults) Query() (pgx.Rows, error) { return nil, errors.New("not implemented") }
func (r *fakeResults) QueryRow() pgx.Row        { return nil }
func (r *fakeResults) Close() error             { return nil }

func tick(t *testing.T, date int64, tradeID string) feed.Message {
	t.Helper()
	raw := fmt.Sprintf(`{"date":%d,"ticker":"AAPL","price":101.5,"quantity":3,"trade_id":%q,"ordered":"sell"}`, date, tradeID)
	m, err := feed.Decode([]byte(raw), time.Unix(date, 0).Add(50*time.Millisecond))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	return m
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTransform(t *testing.T) {
	receivedAt := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	ts := time.Date(2024, 1, 15, 11, 59, 59, 0, time.UTC)

	row := transform(feed.Tick{
		Timestamp: ts,
		Ticker:    "AAPL",
		Price:     189.5,
		Quantity:  10,
		TradeID:   "42",
		Ordered:   "buy",
	}, receivedAt)

	if !row.Ts.Equal(ts) {
		t.Errorf("Ts = %v, want %v", row.Ts, ts)
	}
	if !row.ReceivedAt.Equal(receivedAt) {
		t.Errorf("ReceivedAt = %v, want %v", row.ReceivedAt, receivedAt)
	}
	if row.Ticker != "AAPL" || row.Price != 189.5 || row.Quantity != 10 {
		t.Errorf("row = %+v", row)
	}
	if row.TradeID != "42" || row.Ordered != "buy" {
		t.Errorf("TradeID/Ordered = %s/%s", row.TradeID, row.Ordered)
	}
}

func TestRecorder_FlushOnInterval(t *testing.T) {
	db := &fakeDB{}
	clock := clockwork.NewFakeClock()
	reg := fanout.NewRegistry(feed.KeyTick, nil)

	r := New(Config{BatchSize: 100, FlushInterval: time.Second, BufferSize: 1000}, db, WithClock(clock))
	if err := r.Attach(reg); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer r.Stop(context.Background())

	h := reg.Handlers()
	h.OnMessage(tick(t, 1700000000, "1"))
	h.OnMessage(tick(t, 1700000001, "2"))
	h.OnMessage(tick(t, 1700000002, "dup"))

	if len(db.rows()) != 0 {
		t.Fatal("rows written before flush interval")
	}

	clock.Advance(time.Second)
	waitUntil(t, "flush", func() bool { return len(db.rows()) == 3 })

	first := db.rows()[0]
	if first.Arguments[2] != "AAPL" || first.Arguments[3] != 101.5 {
		t.Errorf("first row args = %v", first.Arguments)
	}
	if ts, ok := first.Arguments[0].(time.Time); !ok || ts.Unix() != 1700000000 {
		t.Errorf("first row ts = %v", first.Arguments[0])
	}

	waitUntil(t, "stats", func() bool { return r.Stats().Flushes == 1 })
	st := r.Stats()
	if st.Received != 3 || st.Inserts != 2 || st.Conflicts != 1 {
		t.Errorf("Stats = %+v, want received 3 inserts 2 conflicts 1", st)
	}
}

func TestRecorder_FlushOnFullBatch(t *testing.T) {
	db := &fakeDB{}
	reg := fanout.NewRegistry(feed.KeyTick, nil)

	r := New(Config{BatchSize: 2, FlushInterval: time.Hour, BufferSize: 10}, db, WithClock(clockwork.NewFakeClock()))
	r.Attach(reg)
	r.Start(context.Background())
	defer r.Stop(context.Background())

	h := reg.Handlers()
	h.OnMessage(tick(t, 1700000000, "1"))
	h.OnMessage(tick(t, 1700000001, "2"))

	waitUntil(t, "batch flush", func() bool { return len(db.rows()) == 2 })
}

func TestRecorder_SkipsAndDropsWithoutUnbinding(t *testing.T) {
	db := &fakeDB{}
	reg := fanout.NewRegistry(feed.KeyTick, nil)

	r := New(Config{BatchSize: 5, FlushInterval: time.Hour, BufferSize: 5}, db, WithClock(clockwork.NewFakeClock()))
	r.Attach(reg)

	h := reg.Handlers()
	noPrice, _ := feed.Decode([]byte(`{"ticker":"AAPL"}`), time.Now())
	h.OnMessage(noPrice)
	for i := 0; i < 7; i++ {
		h.OnMessage(tick(t, 1700000000+int64(i), fmt.Sprint(i)))
	}

	st := r.Stats()
	if st.Received != 8 || st.Skipped != 1 || st.Dropped != 2 {
		t.Errorf("Stats = %+v, want received 8 skipped 1 dropped 2", st)
	}
	if reg.Len(fanout.KindMessage) != 1 {
		t.Error("recorder was unbound")
	}

	// Stop without Start still writes what is queued and unbinds.
	if err := r.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if got := len(db.rows()); got != 5 {
		t.Errorf("rows written on stop = %d, want 5", got)
	}
	if reg.Len(fanout.KindMessage) != 0 {
		t.Error("recorder still bound after Stop")
	}
}

func TestRecorder_InsertError(t *testing.T) {
	db := &fakeDB{err: errors.New("connection refused")}
	r := New(Config{BatchSize: 10}, db)

	r.handle(tick(t, 1700000000, "1"))
	if err := r.flush(context.Background()); err == nil {
		t.Fatal("flush expected error")
	}
	if st := r.Stats(); st.Errors != 1 || st.Inserts != 0 {
		t.Errorf("Stats = %+v, want one error", st)
	}
}

func TestRecorder_AttachTwice(t *testing.T) {
	r := New(DefaultConfig(), &fakeDB{})
	reg := fanout.NewRegistry(feed.KeyTick, nil)

	if err := r.Attach(reg); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if err := r.Attach(reg); !errors.Is(err, ErrAlreadyAttached) {
		t.Errorf("second Attach error = %v, want ErrAlreadyAttached", err)
	}
}

func TestRecorder_EnsureSchema(t *testing.T) {
	db := &fakeDB{}
	r := New(DefaultConfig(), db)

	if err := r.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}
	if len(db.execs) != 1 || db.execs[0] != Schema {
		t.Errorf("execs = %v, want the schema statement", db.execs)
	}
}
