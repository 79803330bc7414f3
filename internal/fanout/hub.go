package fanout

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/rickgao/market-dashboard/internal/transport"
)

// LinkFactory builds the connection for a feed. The handlers must be wired
// to the returned link's events.
type LinkFactory func(feedKey, endpoint string, h transport.Handlers) (Link, error)

// Hub hands out one Registry per feed key and counts its users.
type Hub struct {
	logger        *slog.Logger
	factory       LinkFactory
	transportOpts []transport.Option

	mu      sync.Mutex
	entries map[string]*hubEntry
}

type hubEntry struct {
	reg      *Registry
	endpoint string
	refs     int
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithLogger sets the logger for the Hub and the registries it builds.
func WithLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) {
		h.logger = logger
	}
}

// WithTransportOptions passes opts to every Transport the Hub creates.
func WithTransportOptions(opts ...transport.Option) HubOption {
	return func(h *Hub) {
		h.transportOpts = append(h.transportOpts, opts...)
	}
}

// WithLinkFactory replaces the Transport constructor.
func WithLinkFactory(f LinkFactory) HubOption {
	return func(h *Hub) {
		h.factory = f
	}
}

// NewHub creates an empty Hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		entries: make(map[string]*hubEntry),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.factory == nil {
		h.factory = h.newTransport
	}
	return h
}

// log returns the configured logger or the current default.
func (h *Hub) log() *slog.Logger {
	if h.logger == nil {
		return slog.Default()
	}
	return h.logger
}

func (h *Hub) newTransport(feedKey, endpoint string, handlers transport.Handlers) (Link, error) {
	opts := append(slices.Clone(h.transportOpts), transport.WithLogger(h.log().With("feed", feedKey)))
	return transport.New(endpoint, handlers, opts...)
}

// Acquire returns the Registry for feedKey, building it and connecting its
// Transport on first use. The endpoint of the first call wins; later calls
// with a different endpoint get the existing Registry and a warning.
// Each successful Acquire must be paired with a Release.
func (h *Hub) Acquire(feedKey, endpoint string) (*Registry, error) {
	if strings.TrimSpace(feedKey) == "" {
		return nil, ErrEmptyFeedKey
	}

	h.mu.Lock()
	if e, ok := h.entries[feedKey]; ok {
		e.refs++
		h.mu.Unlock()
		if endpoint != "" && endpoint != e.endpoint {
			h.log().Warn("feed already bound to another endpoint, ignoring",
				"feed", feedKey,
				"endpoint", e.endpoint,
				"requested", endpoint,
			)
		}
		return e.reg, nil
	}

	reg := NewRegistry(feedKey, h.log())
	link, err := h.factory(feedKey, endpoint, reg.Handlers())
	if err != nil {
		h.mu.Unlock()
		return nil, fmt.Errorf("create link for feed %s: %w", feedKey, err)
	}
	reg.attach(link)
	h.entries[feedKey] = &hubEntry{reg: reg, endpoint: endpoint, refs: 1}
	h.mu.Unlock()

	h.log().Info("feed registry created", "feed", feedKey, "endpoint", endpoint)
	link.Connect()

	return reg, nil
}

// Release drops one reference to feedKey. When the last reference goes the
// Transport is closed and the Registry forgotten; Release reports whether
// that happened. Unknown keys are ignored.
func (h *Hub) Release(feedKey string) bool {
	h.mu.Lock()
	e, ok := h.entries[feedKey]
	if !ok {
		h.mu.Unlock()
		return false
	}
	e.refs--
	if e.refs > 0 {
		h.mu.Unlock()
		return false
	}
	delete(h.entries, feedKey)
	h.mu.Unlock()

	h.teardown(e)
	return true
}

// Refs returns the reference count for feedKey.
func (h *Hub) Refs(feedKey string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.entries[feedKey]; ok {
		return e.refs
	}
	return 0
}

// Registries returns the live registries ordered by feed key.
func (h *Hub) Registries() []*Registry {
	h.mu.Lock()
	regs := make([]*Registry, 0, len(h.entries))
	for _, e := range h.entries {
		regs = append(regs, e.reg)
	}
	h.mu.Unlock()

	slices.SortFunc(regs, func(a, b *Registry) int {
		return strings.Compare(a.Key(), b.Key())
	})
	return regs
}

// Close tears down every registry regardless of reference counts.
func (h *Hub) Close() {
	h.mu.Lock()
	entries := h.entries
	h.entries = make(map[string]*hubEntry)
	h.mu.Unlock()

	for _, e := range entries {
		h.teardown(e)
	}
}

func (h *Hub) teardown(e *hubEntry) {
	link := e.reg.shutdown()
	if link == nil {
		return
	}
	if err := link.Close(); err != nil {
		h.log().Warn("failed to close feed link", "feed", e.reg.Key(), "error", err)
	}
	h.log().Info("feed registry released", "feed", e.reg.Key())
}

var defaultHub = NewHub()

// Default returns the process-wide Hub used by GetOrCreate and Release.
func Default() *Hub {
	return defaultHub
}

// GetOrCreate acquires feedKey from the process-wide Hub.
func GetOrCreate(feedKey, endpoint string) (*Registry, error) {
	return defaultHub.Acquire(feedKey, endpoint)
}

// Release releases feedKey on the process-wide Hub.
func Release(feedKey string) bool {
	return defaultHub.Release(feedKey)
}
