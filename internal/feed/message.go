package feed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// Feed keys used by the dashboard.
const (
	KeyTick       = "tick"
	KeyIndicators = "indicators"
)

// Errors
var (
	ErrDecode       = errors.New("decode frame")
	ErrMissingField = errors.New("missing field")
)

// Message is a decoded inbound frame.
type Message struct {
	Data       json.RawMessage // Frame bytes as received
	Value      any             // Generic decoding of Data
	ReceivedAt time.Time       // Local timestamp when the frame was read
}

// Decode parses a raw frame. Any failure wraps ErrDecode.
func Decode(data []byte, receivedAt time.Time) (Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Message{}, fmt.Errorf("%w: empty frame", ErrDecode)
	}

	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	return Message{
		Data:       json.RawMessage(trimmed),
		Value:      v,
		ReceivedAt: receivedAt,
	}, nil
}

// Get returns the value at a gjson path, e.g. "price" or "indicators.rsi".
func (m Message) Get(path string) gjson.Result {
	return gjson.GetBytes(m.Data, path)
}

// Into unmarshals the frame into v.
func (m Message) Into(v any) error {
	return json.Unmarshal(m.Data, v)
}

// Object returns the frame as a map when it is a JSON object.
func (m Message) Object() (map[string]any, bool) {
	obj, ok := m.Value.(map[string]any)
	return obj, ok
}

// String returns the raw frame text.
func (m Message) String() string {
	return string(m.Data)
}
