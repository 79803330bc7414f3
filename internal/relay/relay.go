package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rickgao/market-dashboard/internal/fanout"
	"github.com/rickgao/market-dashboard/internal/feed"
	"github.com/rickgao/market-dashboard/internal/metrics"
)

const (
	// DefaultPublishTimeout bounds a single publish.
	DefaultPublishTimeout = 500 * time.Millisecond
	// DefaultBufferSize is the number of frames waiting to be published
	// before new ones are dropped.
	DefaultBufferSize = 1024
)

type outbound struct {
	feedKey string
	msg     feed.Message
}

// Relay publishes every message of the registries it is attached to.
// Dispatch only enqueues; publishing happens on the relay's own goroutine.
type Relay struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
	logger  *slog.Logger

	queue    chan outbound
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu   sync.Mutex
	subs map[*fanout.Registry]fanout.ID
}

// Option configures a Relay.
type Option func(*Relay)

// WithBufferSize sets how many frames may wait for publishing.
func WithBufferSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.queue = make(chan outbound, n)
		}
	}
}

// WithPublishTimeout sets the timeout of a single publish.
func WithPublishTimeout(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// New creates a Relay. An empty prefix publishes to the bare feed key.
// Call Start to begin publishing.
func New(client redis.UniversalClient, prefix string, logger *slog.Logger, opts ...Option) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Relay{
		client:  client,
		prefix:  prefix,
		timeout: DefaultPublishTimeout,
		logger:  logger.With("component", "relay"),
		queue:   make(chan outbound, DefaultBufferSize),
		stop:    make(chan struct{}),
		subs:    make(map[*fanout.Registry]fanout.ID),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start begins the publish loop. It runs until ctx is done or Close is called.
func (r *Relay) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.publishLoop(ctx)
}

// Channel returns the Redis channel for a feed.
func (r *Relay) Channel(feedKey string) string {
	if r.prefix == "" {
		return feedKey
	}
	return r.prefix + ":" + feedKey
}

// Ping checks the Redis connection.
func (r *Relay) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Attach starts republishing reg's messages. Attaching the same registry
// twice is a no-op.
func (r *Relay) Attach(reg *fanout.Registry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subs[reg]; ok {
		return nil
	}

	key := reg.Key()
	id, err := reg.OnMessage(func(m feed.Message) error {
		r.enqueue(key, m)
		return nil
	})
	if err != nil {
		return fmt.Errorf("bind relay to %s: %w", key, err)
	}
	r.subs[reg] = id

	r.logger.Info("relay attached", "feed", key, "channel", r.Channel(key))
	return nil
}

// Publish sends one frame to the feed's channel.
func (r *Relay) Publish(ctx context.Context, feedKey string, m feed.Message) error {
	channel := r.Channel(feedKey)
	if err := r.client.Publish(ctx, channel, []byte(m.Data)).Err(); err != nil {
		metrics.RelayPublishedTotal.WithLabelValues(feedKey, "error").Inc()
		r.logger.Warn("publish failed", "feed", feedKey, "channel", channel, "error", err)
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	metrics.RelayPublishedTotal.WithLabelValues(feedKey, "ok").Inc()
	return nil
}

// enqueue never blocks. A full queue drops the frame.
func (r *Relay) enqueue(feedKey string, m feed.Message) {
	select {
	case r.queue <- outbound{feedKey: feedKey, msg: m}:
	default:
		metrics.RelayPublishedTotal.WithLabelValues(feedKey, "dropped").Inc()
		r.logger.Debug("relay queue full, dropping frame", "feed", feedKey)
	}
}

func (r *Relay) publishLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			r.drain(context.WithoutCancel(ctx))
			return
		case out := <-r.queue:
			r.publishOne(ctx, out)
		}
	}
}

// drain publishes whatever is still queued.
func (r *Relay) drain(ctx context.Context) {
	for {
		select {
		case out := <-r.queue:
			r.publishOne(ctx, out)
		default:
			return
		}
	}
}

// publishOne reports failures through metrics and logs only.
func (r *Relay) publishOne(ctx context.Context, out outbound) {
	pctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	r.Publish(pctx, out.feedKey, out.msg)
}

// Close detaches from every registry, then publishes what is queued and
// stops the publish loop. The Redis client is left open.
func (r *Relay) Close() {
	r.mu.Lock()
	for reg, id := range r.subs {
		reg.Unbind(id)
	}
	clear(r.subs)
	r.mu.Unlock()

	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
}
