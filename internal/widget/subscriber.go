package widget

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rickgao/market-dashboard/internal/fanout"
	"github.com/rickgao/market-dashboard/internal/feed"
	"github.com/rickgao/market-dashboard/internal/transport"
)

// Errors
var (
	ErrNoSource   = errors.New("widget needs a registry or an endpoint")
	ErrMixedModes = errors.New("widget cannot use both a registry and a private endpoint")
)

// Mode says where a widget gets its events from.
type Mode int

const (
	ModeShared  Mode = iota // Bound to a fan-out Registry
	ModePrivate             // Owns its own Transport
)

func (m Mode) String() string {
	if m == ModePrivate {
		return "private"
	}
	return "shared"
}

// Options selects the event source and the caller's callbacks.
// Exactly one of Registry or Endpoint must be set.
type Options struct {
	Registry         *fanout.Registry
	Endpoint         string
	TransportOptions []transport.Option
	Logger           *slog.Logger

	// External callbacks, run after the widget's own handling
	OnMessage func(feed.Message)
	OnOpen    func()
	OnClose   func(transport.CloseEvent)
	OnError   func(error)
}

// Stats counts what a widget has processed.
type Stats struct {
	Mode     string `json:"mode"`
	Received int64  `json:"received"`
	Failed   int64  `json:"failed"`
}

// subscriber connects a widget's update function to its event source.
type subscriber struct {
	name   string
	mode   Mode
	opts   Options
	logger *slog.Logger
	update func(feed.Message) error

	reg     *fanout.Registry
	ids     []fanout.ID
	private *transport.Transport

	received atomic.Int64
	failed   atomic.Int64

	closeOnce sync.Once
}

func newSubscriber(name string, opts Options, update func(feed.Message) error) (*subscriber, error) {
	switch {
	case opts.Registry != nil && opts.Endpoint != "":
		return nil, ErrMixedModes
	case opts.Registry == nil && opts.Endpoint == "":
		return nil, ErrNoSource
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &subscriber{
		name:   name,
		opts:   opts,
		logger: logger.With("widget", name),
		update: update,
	}

	if opts.Registry != nil {
		s.mode = ModeShared
		if err := s.bindShared(opts.Registry); err != nil {
			return nil, err
		}
		return s, nil
	}

	s.mode = ModePrivate
	t, err := transport.New(opts.Endpoint, transport.Handlers{
		OnOpen:    opts.OnOpen,
		OnMessage: s.handle,
		OnClose:   opts.OnClose,
		OnError:   opts.OnError,
	}, append(slices.Clone(opts.TransportOptions), transport.WithLogger(s.logger))...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	s.private = t
	t.Connect()

	return s, nil
}

// bindShared registers the message handler and whichever external
// callbacks were supplied.
func (s *subscriber) bindShared(reg *fanout.Registry) error {
	s.reg = reg

	bind := func(id fanout.ID, err error) error {
		if err != nil {
			s.unbindAll()
			return fmt.Errorf("%s: %w", s.name, err)
		}
		s.ids = append(s.ids, id)
		return nil
	}

	if err := bind(reg.OnMessage(func(m feed.Message) error {
		s.handle(m)
		return nil
	})); err != nil {
		return err
	}
	if s.opts.OnOpen != nil {
		if err := bind(reg.OnOpen(s.opts.OnOpen)); err != nil {
			return err
		}
	}
	if s.opts.OnClose != nil {
		if err := bind(reg.OnClose(s.opts.OnClose)); err != nil {
			return err
		}
	}
	if s.opts.OnError != nil {
		if err := bind(reg.OnError(s.opts.OnError)); err != nil {
			return err
		}
	}
	return nil
}

// handle runs the widget update, then the external callback. Failures go to
// the widget's error path and never reach the dispatcher.
func (s *subscriber) handle(m feed.Message) {
	s.received.Add(1)

	if err := s.safely(func() error { return s.update(m) }); err != nil {
		s.fail(err)
		return
	}
	if s.opts.OnMessage != nil {
		if err := s.safely(func() error { s.opts.OnMessage(m); return nil }); err != nil {
			s.fail(err)
		}
	}
}

func (s *subscriber) safely(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn()
}

func (s *subscriber) fail(err error) {
	s.failed.Add(1)
	s.logger.Warn("widget update failed", "error", err)
	if s.opts.OnError != nil {
		s.safely(func() error { s.opts.OnError(err); return nil })
	}
}

func (s *subscriber) unbindAll() {
	for _, id := range s.ids {
		s.reg.Unbind(id)
	}
	s.ids = nil
}

// Mode reports whether the widget is shared or private.
func (s *subscriber) Mode() Mode {
	return s.mode
}

// Send writes message on the widget's event source.
func (s *subscriber) Send(message any) {
	if s.mode == ModeShared {
		s.reg.Send(message)
		return
	}
	s.private.Send(message)
}

// Close detaches the widget from its source. It is safe to call twice.
func (s *subscriber) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.mode == ModeShared {
			s.unbindAll()
			return
		}
		err = s.private.Close()
	})
	return err
}

func (s *subscriber) stats() Stats {
	return Stats{
		Mode:     s.mode.String(),
		Received: s.received.Load(),
		Failed:   s.failed.Load(),
	}
}
