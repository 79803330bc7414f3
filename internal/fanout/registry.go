package fanout

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/market-dashboard/internal/feed"
	"github.com/rickgao/market-dashboard/internal/metrics"
	"github.com/rickgao/market-dashboard/internal/transport"
)

// Link is the connection a Registry fans out. *transport.Transport
// satisfies it.
type Link interface {
	Connect()
	Send(message any)
	Close() error
	State() transport.State
	Endpoint() string
}

type subscription struct {
	id      ID
	handler Handler
}

// Registry delivers one feed's events to its subscribers.
type Registry struct {
	key    string
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[Kind][]subscription // Bind order
	index  map[ID]Kind
	nextID ID
	link   Link
	closed bool

	dispatched atomic.Int64
	failures   atomic.Int64
}

// NewRegistry creates a Registry with no link attached. Registries used by
// the dashboard come from a Hub; a bare Registry is useful for feeding
// events by hand through Dispatch.
func NewRegistry(key string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		key:    key,
		logger: logger.With("feed", key),
		subs:   make(map[Kind][]subscription, len(Kinds)),
		index:  make(map[ID]Kind),
	}
}

// Key returns the feed key.
func (r *Registry) Key() string {
	return r.key
}

// Bind registers h for events of kind and returns its id. Ids start at 0 and
// strictly increase.
func (r *Registry) Bind(kind Kind, h Handler) (ID, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrUnknownKind, int(kind))
	}
	if h == nil {
		return 0, ErrNilHandler
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, ErrRegistryClosed
	}
	id := r.nextID
	r.nextID++
	r.subs[kind] = append(r.subs[kind], subscription{id: id, handler: h})
	r.index[id] = kind
	n := len(r.subs[kind])
	r.mu.Unlock()

	metrics.FanoutSubscriptions.WithLabelValues(r.key, kind.String()).Set(float64(n))
	r.logger.Debug("subscriber bound", "id", id, "kind", kind)
	return id, nil
}

// OnOpen binds fn to the opened event.
func (r *Registry) OnOpen(fn func()) (ID, error) {
	if fn == nil {
		return 0, ErrNilHandler
	}
	return r.Bind(KindOpen, func(Event) error {
		fn()
		return nil
	})
}

// OnMessage binds fn to decoded messages.
func (r *Registry) OnMessage(fn func(feed.Message) error) (ID, error) {
	if fn == nil {
		return 0, ErrNilHandler
	}
	return r.Bind(KindMessage, func(ev Event) error {
		return fn(ev.Message)
	})
}

// OnClose binds fn to closures.
func (r *Registry) OnClose(fn func(transport.CloseEvent)) (ID, error) {
	if fn == nil {
		return 0, ErrNilHandler
	}
	return r.Bind(KindClose, func(ev Event) error {
		fn(ev.Close)
		return nil
	})
}

// OnError binds fn to transport errors.
func (r *Registry) OnError(fn func(error)) (ID, error) {
	if fn == nil {
		return 0, ErrNilHandler
	}
	return r.Bind(KindError, func(ev Event) error {
		fn(ev.Err)
		return nil
	})
}

// Unbind removes the subscription with id, whatever its kind. It reports
// whether anything was removed; unknown ids are ignored.
func (r *Registry) Unbind(id ID) bool {
	r.mu.Lock()
	kind, ok := r.index[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.index, id)
	r.subs[kind] = slices.DeleteFunc(r.subs[kind], func(s subscription) bool {
		return s.id == id
	})
	n := len(r.subs[kind])
	r.mu.Unlock()

	metrics.FanoutSubscriptions.WithLabelValues(r.key, kind.String()).Set(float64(n))
	r.logger.Debug("subscriber unbound", "id", id, "kind", kind)
	return true
}

// Len returns the number of subscriptions for kind.
func (r *Registry) Len(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[kind])
}

// Dispatch delivers ev to every subscriber of ev.Kind in bind order.
// The subscriber list is copied first, so binds and unbinds made by
// callbacks apply from the next dispatch on. Failing callbacks are unbound
// and reported in the returned error as *CallbackError values.
func (r *Registry) Dispatch(ev Event) error {
	if !ev.Kind.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownKind, int(ev.Kind))
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	r.mu.Lock()
	snapshot := slices.Clone(r.subs[ev.Kind])
	r.mu.Unlock()

	r.dispatched.Add(1)
	metrics.FanoutDispatchTotal.WithLabelValues(r.key, ev.Kind.String()).Inc()

	var errs []error
	for _, s := range snapshot {
		err := invoke(s.handler, ev)
		if err == nil {
			continue
		}

		cbErr := &CallbackError{Feed: r.key, ID: s.id, Kind: ev.Kind, Err: err}
		errs = append(errs, cbErr)

		r.failures.Add(1)
		metrics.FanoutCallbackFailures.WithLabelValues(r.key, ev.Kind.String()).Inc()
		r.logger.Error("subscriber callback failed, unbinding",
			"id", s.id,
			"kind", ev.Kind,
			"error", err,
		)
		r.Unbind(s.id)
	}

	return errors.Join(errs...)
}

// invoke runs h, turning a panic into an error.
func invoke(h Handler, ev Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrCallbackPanic, p)
		}
	}()
	return h(ev)
}

// Handlers returns transport handlers that feed this Registry.
func (r *Registry) Handlers() transport.Handlers {
	return transport.Handlers{
		OnOpen: func() {
			r.Dispatch(Event{Kind: KindOpen})
		},
		OnMessage: func(m feed.Message) {
			r.Dispatch(Event{Kind: KindMessage, Message: m, At: m.ReceivedAt})
		},
		OnClose: func(ce transport.CloseEvent) {
			r.Dispatch(Event{Kind: KindClose, Close: ce})
		},
		OnError: func(err error) {
			r.Dispatch(Event{Kind: KindError, Err: err})
		},
	}
}

// Send forwards message to the feed connection. It is dropped when the
// connection is not open or no link is attached.
func (r *Registry) Send(message any) {
	r.mu.Lock()
	link := r.link
	r.mu.Unlock()

	if link == nil {
		r.logger.Debug("send dropped, no link attached")
		return
	}
	link.Send(message)
}

// State returns the state of the feed connection.
func (r *Registry) State() transport.State {
	r.mu.Lock()
	link := r.link
	r.mu.Unlock()

	if link == nil {
		return transport.StateIdle
	}
	return link.State()
}

// Stats returns a snapshot of subscription counts and dispatch totals.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	subs := make(map[string]int, len(Kinds))
	for _, k := range Kinds {
		subs[k.String()] = len(r.subs[k])
	}
	nextID := r.nextID
	link := r.link
	r.mu.Unlock()

	st := Stats{
		Feed:          r.key,
		State:         transport.StateIdle.String(),
		Subscriptions: subs,
		Dispatched:    r.dispatched.Load(),
		Failures:      r.failures.Load(),
		NextID:        nextID,
	}
	if link != nil {
		st.Endpoint = link.Endpoint()
		st.State = link.State().String()
	}
	return st
}

// attach sets the link. Called by the Hub before Connect.
func (r *Registry) attach(link Link) {
	r.mu.Lock()
	r.link = link
	r.mu.Unlock()
}

// shutdown marks the Registry released, drops its subscribers and returns
// the link so the caller can close it outside the lock.
func (r *Registry) shutdown() Link {
	r.mu.Lock()
	r.closed = true
	link := r.link
	r.link = nil
	for _, k := range Kinds {
		r.subs[k] = nil
	}
	clear(r.index)
	r.mu.Unlock()

	for _, k := range Kinds {
		metrics.FanoutSubscriptions.WithLabelValues(r.key, k.String()).Set(0)
	}
	return link
}
