package fanout

import (
	"errors"
	"fmt"
	"time"

	"github.com/rickgao/market-dashboard/internal/feed"
	"github.com/rickgao/market-dashboard/internal/transport"
)

// Errors
var (
	ErrUnknownKind    = errors.New("unknown event kind")
	ErrNilHandler     = errors.New("nil handler")
	ErrCallbackPanic  = errors.New("callback panicked")
	ErrEmptyFeedKey   = errors.New("empty feed key")
	ErrRegistryClosed = errors.New("registry released")
)

// Kind identifies one of the four transport events.
type Kind int

const (
	KindOpen Kind = iota + 1
	KindMessage
	KindClose
	KindError
)

// Kinds lists every valid kind in dispatch-table order.
var Kinds = []Kind{KindOpen, KindMessage, KindClose, KindError}

func (k Kind) String() string {
	switch k {
	case KindOpen:
		return "open"
	case KindMessage:
		return "message"
	case KindClose:
		return "close"
	case KindError:
		return "error"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Valid reports whether k is one of the four event kinds.
func (k Kind) Valid() bool {
	return k >= KindOpen && k <= KindError
}

// ID identifies a subscription within one Registry.
type ID int64

// Event is what a subscriber receives. Only the field matching Kind is set.
type Event struct {
	Kind    Kind
	Message feed.Message         // KindMessage
	Close   transport.CloseEvent // KindClose
	Err     error                // KindError
	At      time.Time
}

// Handler receives events of the kind it was bound for. A returned error
// unbinds the subscription.
type Handler func(Event) error

// CallbackError describes a subscriber that failed during dispatch.
type CallbackError struct {
	Feed string
	ID   ID
	Kind Kind
	Err  error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("feed %s: subscriber %d (%s): %v", e.Feed, e.ID, e.Kind, e.Err)
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}

// Stats is a point-in-time view of a Registry.
type Stats struct {
	Feed          string         `json:"feed"`
	Endpoint      string         `json:"endpoint"`
	State         string         `json:"state"`
	Subscriptions map[string]int `json:"subscriptions"`
	Dispatched    int64          `json:"dispatched"`
	Failures      int64          `json:"failures"`
	NextID        ID             `json:"next_id"`
}
