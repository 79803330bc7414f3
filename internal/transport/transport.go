package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/rickgao/market-dashboard/internal/feed"
	"github.com/rickgao/market-dashboard/internal/metrics"
	"github.com/rickgao/market-dashboard/internal/version"
)

// Transport owns a single connection to one endpoint and keeps it alive.
type Transport struct {
	endpoint string
	url      string
	handlers Handlers
	cfg      Config
	clock    clockwork.Clock
	logger   *slog.Logger
	dialer   websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc

	// State
	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	gen      uint64 // Bumped on every Connect; stale goroutines compare against it
	retry    clockwork.Timer
	failures int
	shutdown bool

	// Raw socket of the handshake in progress, closed to abort it
	dialing    net.Conn
	dialingGen uint64

	// Write serialization
	writeMu sync.Mutex

	// Handler serialization
	emitMu sync.Mutex
}

// Option configures a Transport.
type Option func(*Transport)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(t *Transport) {
		t.cfg = cfg
	}
}

// WithPolicy replaces the reconnect policy.
func WithPolicy(p Policy) Option {
	return func(t *Transport) {
		t.cfg.Policy = p
	}
}

// WithClock sets the clock driving reconnect timers.
func WithClock(clock clockwork.Clock) Option {
	return func(t *Transport) {
		t.clock = clock
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// New creates a Transport for endpoint. It does not dial; call Connect.
func New(endpoint string, h Handlers, opts ...Option) (*Transport, error) {
	u, err := normalizeEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	t := &Transport{
		endpoint: endpoint,
		url:      u,
		handlers: h,
		cfg:      DefaultConfig(),
		clock:    clockwork.NewRealClock(),
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	t.logger = t.logger.With("endpoint", endpoint)

	header := http.Header{}
	for k, v := range t.cfg.Header {
		header[k] = append([]string(nil), v...)
	}
	if header.Get("User-Agent") == "" {
		header.Set("User-Agent", version.UserAgent())
	}
	t.cfg.Header = header

	t.dialer = websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: t.cfg.HandshakeTimeout,
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())

	return t, nil
}

// normalizeEndpoint maps http(s) URLs to ws(s) and rejects other schemes.
func normalizeEndpoint(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidEndpoint, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidEndpoint)
	}

	return u.String(), nil
}

// Endpoint returns the endpoint the Transport was created for.
func (t *Transport) Endpoint() string {
	return t.endpoint
}

// State returns the current state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect starts a new connection attempt in the background. Any existing
// connection is dropped without scheduling a retry for it. Outcomes are
// reported only through the handlers.
func (t *Transport) Connect() {
	t.mu.Lock()
	if t.shutdown {
		t.mu.Unlock()
		return
	}
	if t.retry != nil {
		t.retry.Stop()
		t.retry = nil
	}
	t.gen++
	gen := t.gen
	old := t.conn
	t.conn = nil
	dialing := t.takeDialing()
	t.setState(StateConnecting)
	t.mu.Unlock()

	if old != nil {
		old.Close()
	}
	if dialing != nil {
		dialing.Close()
	}

	go t.run(gen)
}

// Send serializes message as JSON and writes it if the connection is open.
// Otherwise the message is dropped. Send never reports an error; a failed
// write surfaces through the read side as a closure.
func (t *Transport) Send(message any) {
	t.mu.Lock()
	conn := t.conn
	open := t.state == StateOpen
	t.mu.Unlock()

	if !open || conn == nil {
		metrics.TransportSendsDropped.WithLabelValues(t.endpoint).Inc()
		t.logger.Debug("send dropped, transport not open")
		return
	}

	data, err := json.Marshal(message)
	if err != nil {
		t.logger.Warn("send dropped, marshal failed", "error", err)
		return
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.logger.Warn("write failed", "error", err)
	}
}

// Close stops reconnecting and closes the current connection. It is meant
// for process shutdown; a closed Transport cannot be reused.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.shutdown {
		t.mu.Unlock()
		return nil
	}
	t.shutdown = true
	if t.retry != nil {
		t.retry.Stop()
		t.retry = nil
	}
	conn := t.conn
	dialing := t.takeDialing()
	t.setState(StateStopped)
	t.mu.Unlock()

	t.cancel()

	if dialing != nil {
		dialing.Close()
	}
	if conn == nil {
		return nil
	}

	t.writeMu.Lock()
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	t.writeMu.Unlock()

	return conn.Close()
}

// run dials and, on success, reads until the connection ends.
func (t *Transport) run(gen uint64) {
	connID := uuid.New()
	logger := t.logger.With("conn_id", connID)

	dialer := t.dialer
	dialer.NetDialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		return t.dialTracked(ctx, gen, network, addr)
	}

	conn, resp, err := dialer.DialContext(t.ctx, t.url, t.cfg.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	t.mu.Lock()
	if t.dialingGen == gen {
		t.takeDialing()
	}
	t.mu.Unlock()

	if err != nil {
		current, stopped := t.status(gen)
		if !current {
			return
		}
		ev := CloseEvent{
			Code:   websocket.CloseAbnormalClosure,
			Reason: err.Error(),
			ConnID: connID,
		}
		if stopped {
			ev.Code = websocket.CloseNormalClosure
			ev.Reason = "transport closed"
		} else {
			metrics.TransportConnectsTotal.WithLabelValues(t.endpoint, "failure").Inc()
			logger.Warn("connect failed", "error", err)
			t.emitError(&DialError{Endpoint: t.endpoint, ConnID: connID, Err: err})
		}
		t.closed(gen, ev)
		return
	}

	t.mu.Lock()
	if t.gen != gen || t.shutdown {
		stopped := t.gen == gen
		t.mu.Unlock()
		conn.Close()
		if stopped {
			// Close ran between the handshake and taking ownership
			t.closed(gen, CloseEvent{
				Code:   websocket.CloseNormalClosure,
				Reason: "transport closed",
				ConnID: connID,
			})
		}
		return
	}
	t.conn = conn
	t.failures = 0
	t.setState(StateOpen)
	t.mu.Unlock()

	metrics.TransportConnectsTotal.WithLabelValues(t.endpoint, "success").Inc()
	logger.Info("websocket connected")

	if t.cfg.ReadLimit > 0 {
		conn.SetReadLimit(t.cfg.ReadLimit)
	}
	t.extendReadDeadline(conn)
	conn.SetPongHandler(func(string) error {
		t.extendReadDeadline(conn)
		return nil
	})

	done := make(chan struct{})
	if t.cfg.PingInterval > 0 {
		go t.pingLoop(conn, done, logger)
	}

	t.emitOpen(gen)
	t.readLoop(gen, conn, connID, logger)
	close(done)
}

// readLoop delivers frames until the connection fails.
func (t *Transport) readLoop(gen uint64, conn *websocket.Conn, connID uuid.UUID, logger *slog.Logger) {
	for {
		_, data, err := conn.ReadMessage()
		receivedAt := t.clock.Now()

		if err != nil {
			current, stopped := t.status(gen)
			if !current {
				// Superseded by a newer Connect
				return
			}

			ev := CloseEvent{
				Code:   websocket.CloseAbnormalClosure,
				Reason: err.Error(),
				ConnID: connID,
			}
			var ce *websocket.CloseError
			switch {
			case stopped:
				ev.Code = websocket.CloseNormalClosure
				ev.Reason = "transport closed"
			case errors.As(err, &ce):
				ev.Code = ce.Code
				ev.Reason = ce.Text
				ev.Clean = true
				logger.Info("websocket closed by peer", "code", ce.Code, "reason", ce.Text)
			default:
				logger.Warn("websocket read failed", "error", err)
				t.emitError(err)
			}

			t.closed(gen, ev)
			return
		}

		t.extendReadDeadline(conn)

		msg, err := feed.Decode(data, receivedAt)
		if err != nil {
			metrics.TransportDecodeFailures.WithLabelValues(t.endpoint).Inc()
			logger.Warn("dropping undecodable frame", "error", err, "size", len(data))
			continue
		}

		metrics.TransportMessagesReceived.WithLabelValues(t.endpoint).Inc()
		t.emitMessage(gen, msg)
	}
}

// pingLoop keeps the connection alive until done is closed.
func (t *Transport) pingLoop(conn *websocket.Conn, done <-chan struct{}, logger *slog.Logger) {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(t.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				logger.Debug("failed to send ping", "error", err)
				return
			}
		}
	}
}

func (t *Transport) extendReadDeadline(conn *websocket.Conn) {
	if t.cfg.ReadTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(t.cfg.ReadTimeout))
	}
}

// status reports whether gen is still the active attempt and whether the
// Transport has been shut down.
func (t *Transport) status(gen uint64) (current, stopped bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen == gen, t.shutdown
}

// closed records the end of attempt gen, notifies OnClose and then arms the
// single retry for it. The retry timer starts only after OnClose returns.
func (t *Transport) closed(gen uint64, ev CloseEvent) {
	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		return
	}
	t.conn = nil

	var gaveUp, retry bool
	if !t.shutdown {
		t.failures++
		limit := t.cfg.Policy.MaxAttempts
		if limit > 0 && t.failures > limit {
			gaveUp = true
			t.setState(StateStopped)
		} else {
			retry = true
			t.setState(StateClosedPendingRetry)
		}
	}
	failures := t.failures
	t.mu.Unlock()

	if gaveUp {
		t.logger.Error("giving up on reconnect", "failures", failures)
		t.emitError(fmt.Errorf("%w after %d failures", ErrGaveUp, failures))
	}

	t.emitClose(ev)

	if !retry {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	// Close or Connect may have run inside OnClose
	if t.gen != gen || t.shutdown {
		return
	}
	t.retry = t.clock.AfterFunc(t.cfg.Policy.Delay, t.Connect)
	metrics.TransportReconnectsScheduled.WithLabelValues(t.endpoint).Inc()
	t.logger.Info("attempting to reconnect", "delay", t.cfg.Policy.Delay, "code", ev.Code)
}

// dialTracked opens the raw socket for attempt gen and records it so Close
// and Connect can abort a stalled handshake.
func (t *Transport) dialTracked(ctx context.Context, gen uint64, network, addr string) (net.Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gen != gen || t.shutdown {
		c.Close()
		return nil, net.ErrClosed
	}
	t.dialing, t.dialingGen = c, gen
	return c, nil
}

// takeDialing must be called with mu held.
func (t *Transport) takeDialing() net.Conn {
	c := t.dialing
	t.dialing, t.dialingGen = nil, 0
	return c
}

// setState must be called with mu held.
func (t *Transport) setState(s State) {
	t.state = s
	metrics.TransportState.WithLabelValues(t.endpoint).Set(float64(s))
}

// emitOpen and emitMessage drop events of an attempt that a newer Connect
// has superseded.
func (t *Transport) emitOpen(gen uint64) {
	if t.handlers.OnOpen == nil {
		return
	}
	t.guard("open", func() {
		if current, _ := t.status(gen); current {
			t.handlers.OnOpen()
		}
	})
}

func (t *Transport) emitMessage(gen uint64, msg feed.Message) {
	if t.handlers.OnMessage == nil {
		return
	}
	t.guard("message", func() {
		if current, _ := t.status(gen); current {
			t.handlers.OnMessage(msg)
		}
	})
}

func (t *Transport) emitClose(ev CloseEvent) {
	if t.handlers.OnClose == nil {
		return
	}
	t.guard("close", func() { t.handlers.OnClose(ev) })
}

func (t *Transport) emitError(err error) {
	if t.handlers.OnError == nil {
		return
	}
	t.guard("error", func() { t.handlers.OnError(err) })
}

// guard runs one handler at a time and keeps a panicking handler from
// killing the connection goroutine.
func (t *Transport) guard(event string, fn func()) {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("handler panic recovered", "event", event, "panic", r)
		}
	}()
	fn()
}
