package fanout

import (
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/market-dashboard/internal/feed"
	"github.com/rickgao/market-dashboard/internal/transport"
)

func message(t *testing.T, raw string) feed.Message {
	t.Helper()
	m, err := feed.Decode([]byte(raw), time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("Decode(%s) failed: %v", raw, err)
	}
	return m
}

// recorder returns a handler that appends name to calls.
func recorder(calls *[]string, name string) Handler {
	return func(Event) error {
		*calls = append(*calls, name)
		return nil
	}
}

func TestBind_IDsStartAtZeroAndIncrease(t *testing.T) {
	r := NewRegistry("tick", nil)
	noop := func(Event) error { return nil }

	kinds := []Kind{KindMessage, KindOpen, KindMessage, KindError, KindClose, KindMessage}
	for i, k := range kinds {
		id, err := r.Bind(k, noop)
		if err != nil {
			t.Fatalf("Bind(%v) failed: %v", k, err)
		}
		if id != ID(i) {
			t.Errorf("Bind #%d returned id %d, want %d", i, id, i)
		}
	}

	// Ids are not reused after unbind.
	r.Unbind(5)
	id, _ := r.Bind(KindMessage, noop)
	if id != 6 {
		t.Errorf("Bind after Unbind returned id %d, want 6", id)
	}
}

func TestBind_Rejects(t *testing.T) {
	r := NewRegistry("tick", nil)

	tests := []struct {
		name    string
		kind    Kind
		handler Handler
		wantErr error
	}{
		{"zero kind", Kind(0), func(Event) error { return nil }, ErrUnknownKind},
		{"out of range kind", Kind(99), func(Event) error { return nil }, ErrUnknownKind},
		{"nil handler", KindMessage, nil, ErrNilHandler},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Bind(tt.kind, tt.handler)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Bind error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	// Rejected binds allocate no id.
	id, err := r.Bind(KindOpen, func(Event) error { return nil })
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if id != 0 {
		t.Errorf("first accepted id = %d, want 0", id)
	}
}

func TestUnbind(t *testing.T) {
	r := NewRegistry("tick", nil)
	id, _ := r.Bind(KindClose, func(Event) error { return nil })

	if r.Unbind(42) {
		t.Error("Unbind of unknown id reported removal")
	}
	if !r.Unbind(id) {
		t.Error("Unbind of bound id reported nothing removed")
	}
	if r.Unbind(id) {
		t.Error("second Unbind reported removal")
	}
	if r.Len(KindClose) != 0 {
		t.Errorf("Len(close) = %d, want 0", r.Len(KindClose))
	}
}

func TestDispatch_InsertionOrderAfterUnbind(t *testing.T) {
	r := NewRegistry("tick", nil)
	var calls []string

	r.Bind(KindMessage, recorder(&calls, "A"))
	idB, _ := r.Bind(KindMessage, recorder(&calls, "B"))
	r.Bind(KindMessage, recorder(&calls, "C"))

	if idB != 1 {
		t.Fatalf("B id = %d, want 1", idB)
	}
	r.Unbind(1)

	if err := r.Dispatch(Event{Kind: KindMessage, Message: message(t, `{"x":1}`)}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	if len(calls) != 2 || calls[0] != "A" || calls[1] != "C" {
		t.Errorf("calls = %v, want [A C]", calls)
	}
}

func TestDispatch_FailureIsolation(t *testing.T) {
	tests := []struct {
		name    string
		failing Handler
		wantErr error
	}{
		{
			name:    "returned error",
			failing: func(Event) error { return errors.New("boom") },
		},
		{
			name:    "panic",
			failing: func(Event) error { panic("boom") },
			wantErr: ErrCallbackPanic,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry("indicators", nil)
			var calls []string

			idA, _ := r.Bind(KindMessage, tt.failing)
			r.Bind(KindMessage, recorder(&calls, "B"))

			err := r.Dispatch(Event{Kind: KindMessage, Message: message(t, `{"rsi":40}`)})
			if err == nil {
				t.Fatal("Dispatch returned nil, want callback error")
			}

			var cbErr *CallbackError
			if !errors.As(err, &cbErr) {
				t.Fatalf("error = %T, want *CallbackError", err)
			}
			if cbErr.ID != idA || cbErr.Kind != KindMessage || cbErr.Feed != "indicators" {
				t.Errorf("CallbackError = %+v, want id %d kind message feed indicators", cbErr, idA)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}

			if len(calls) != 1 {
				t.Errorf("B invoked %d times, want 1", len(calls))
			}
			if r.Len(KindMessage) != 1 {
				t.Errorf("Len(message) = %d, want 1 (failing subscriber unbound)", r.Len(KindMessage))
			}

			if err := r.Dispatch(Event{Kind: KindMessage}); err != nil {
				t.Errorf("second Dispatch error = %v, want nil", err)
			}
			if len(calls) != 2 {
				t.Errorf("B invoked %d times after second dispatch, want 2", len(calls))
			}
		})
	}
}

func TestDispatch_OnlyFailingIDUnbound(t *testing.T) {
	r := NewRegistry("tick", nil)

	// Same function value bound twice; only the failing id goes.
	fail := true
	h := func(Event) error {
		if fail {
			fail = false
			return errors.New("first call fails")
		}
		return nil
	}
	first, _ := r.Bind(KindMessage, h)
	second, _ := r.Bind(KindMessage, h)

	err := r.Dispatch(Event{Kind: KindMessage})
	var cbErr *CallbackError
	if !errors.As(err, &cbErr) || cbErr.ID != first {
		t.Fatalf("error = %v, want CallbackError for id %d", err, first)
	}

	if r.Unbind(first) {
		t.Error("failing id should already be unbound")
	}
	if !r.Unbind(second) {
		t.Error("other id should still be bound")
	}
}

func TestDispatch_SnapshotDuringPass(t *testing.T) {
	r := NewRegistry("tick", nil)
	var calls []string

	var idC ID
	r.Bind(KindMessage, func(Event) error {
		calls = append(calls, "A")
		r.Unbind(idC)
		r.Bind(KindMessage, recorder(&calls, "D"))
		return nil
	})
	r.Bind(KindMessage, recorder(&calls, "B"))
	idC, _ = r.Bind(KindMessage, recorder(&calls, "C"))

	r.Dispatch(Event{Kind: KindMessage})
	want := []string{"A", "B", "C"}
	if !slices.Equal(calls, want) {
		t.Errorf("first pass calls = %v, want %v", calls, want)
	}

	calls = nil
	r.Dispatch(Event{Kind: KindMessage})
	want = []string{"A", "B", "D"}
	if !slices.Equal(calls, want) {
		t.Errorf("second pass calls = %v, want %v", calls, want)
	}
}

func TestDispatch_KindsAreIndependent(t *testing.T) {
	r := NewRegistry("tick", nil)
	var calls []string

	r.Bind(KindOpen, recorder(&calls, "open"))
	r.Bind(KindMessage, recorder(&calls, "message"))
	r.Bind(KindClose, recorder(&calls, "close"))
	r.Bind(KindError, recorder(&calls, "error"))

	for _, k := range []Kind{KindError, KindOpen, KindClose, KindMessage} {
		r.Dispatch(Event{Kind: k})
	}

	want := []string{"error", "open", "close", "message"}
	if !slices.Equal(calls, want) {
		t.Errorf("calls = %v, want %v", calls, want)
	}

	if err := r.Dispatch(Event{Kind: Kind(7)}); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("Dispatch(unknown) error = %v, want ErrUnknownKind", err)
	}
}

func TestDispatch_NoSubscribers(t *testing.T) {
	r := NewRegistry("tick", nil)
	if err := r.Dispatch(Event{Kind: KindMessage}); err != nil {
		t.Errorf("Dispatch error = %v, want nil", err)
	}
}

func TestConvenienceBinders(t *testing.T) {
	r := NewRegistry("tick", nil)

	var (
		opened  bool
		got     feed.Message
		closeEv transport.CloseEvent
		gotErr  error
	)

	if _, err := r.OnOpen(func() { opened = true }); err != nil {
		t.Fatalf("OnOpen failed: %v", err)
	}
	if _, err := r.OnMessage(func(m feed.Message) error { got = m; return nil }); err != nil {
		t.Fatalf("OnMessage failed: %v", err)
	}
	if _, err := r.OnClose(func(ce transport.CloseEvent) { closeEv = ce }); err != nil {
		t.Fatalf("OnClose failed: %v", err)
	}
	if _, err := r.OnError(func(err error) { gotErr = err }); err != nil {
		t.Fatalf("OnError failed: %v", err)
	}

	h := r.Handlers()
	h.OnOpen()
	msg := message(t, `{"price":10.5}`)
	h.OnMessage(msg)
	h.OnClose(transport.CloseEvent{Code: 1006})
	sentinel := errors.New("dial failed")
	h.OnError(sentinel)

	if !opened {
		t.Error("open callback not invoked")
	}
	if got.Get("price").Float() != 10.5 {
		t.Errorf("message price = %v, want 10.5", got.Get("price").Float())
	}
	if closeEv.Code != 1006 {
		t.Errorf("close code = %d, want 1006", closeEv.Code)
	}
	if !errors.Is(gotErr, sentinel) {
		t.Errorf("error = %v, want %v", gotErr, sentinel)
	}

	if _, err := r.OnMessage(nil); !errors.Is(err, ErrNilHandler) {
		t.Errorf("OnMessage(nil) error = %v, want ErrNilHandler", err)
	}
}

func TestHandlers_MessageTimestamp(t *testing.T) {
	r := NewRegistry("tick", nil)
	var at time.Time
	r.Bind(KindMessage, func(ev Event) error {
		at = ev.At
		return nil
	})

	msg := message(t, `{"price":1}`)
	r.Handlers().OnMessage(msg)

	if !at.Equal(msg.ReceivedAt) {
		t.Errorf("event time = %v, want %v", at, msg.ReceivedAt)
	}
}

func TestRegistry_StatsAndSendWithoutLink(t *testing.T) {
	r := NewRegistry("tick", nil)
	r.Bind(KindMessage, func(Event) error { return nil })
	r.Bind(KindMessage, func(Event) error { return errors.New("fail") })
	r.Bind(KindOpen, func(Event) error { return nil })

	r.Dispatch(Event{Kind: KindMessage})
	r.Send(map[string]string{"ping": "x"})

	st := r.Stats()
	if st.Feed != "tick" {
		t.Errorf("Feed = %s, want tick", st.Feed)
	}
	if st.State != "idle" {
		t.Errorf("State = %s, want idle", st.State)
	}
	if st.Subscriptions["message"] != 1 || st.Subscriptions["open"] != 1 {
		t.Errorf("Subscriptions = %v", st.Subscriptions)
	}
	if st.Dispatched != 1 || st.Failures != 1 {
		t.Errorf("Dispatched/Failures = %d/%d, want 1/1", st.Dispatched, st.Failures)
	}
	if st.NextID != 3 {
		t.Errorf("NextID = %d, want 3", st.NextID)
	}
}

func TestBind_ConcurrentIDsUnique(t *testing.T) {
	r := NewRegistry("tick", nil)

	const workers, perWorker = 8, 50
	ids := make(chan ID, workers*perWorker)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id, err := r.Bind(KindMessage, func(Event) error { return nil })
				if err != nil {
					t.Errorf("Bind failed: %v", err)
					return
				}
				ids <- id
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[ID]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("id %d allocated twice", id)
		}
		if id < 0 || id >= workers*perWorker {
			t.Errorf("id %d out of range", id)
		}
		seen[id] = true
	}
	if len(seen) != workers*perWorker {
		t.Errorf("got %d ids, want %d", len(seen), workers*perWorker)
	}
}

func TestKindString(t *testing.T) {
	tests := map[Kind]string{
		KindOpen:    "open",
		KindMessage: "message",
		KindClose:   "close",
		KindError:   "error",
		Kind(0):     "kind(0)",
	}
	for k, want := range tests {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", int(k), got, want)
		}
	}
}
