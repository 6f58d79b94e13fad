package realtime

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Message is the unit of communication on the wire and through the router.
// The (Feature, Type) pair determines which routes apply; ID is unique per
// message instance within the process lifetime.
type Message struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Feature   string         `json:"feature"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewMessage creates a message with a fresh ID and timestamp.
func NewMessage(feature, msgType string, payload map[string]any) *Message {
	return &Message{
		ID:        GenerateMessageID(),
		Type:      msgType,
		Feature:   feature,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// RouteKey returns the composite routing key for the message.
func (m *Message) RouteKey() string {
	return m.Feature + ":" + m.Type
}

// SetMeta sets a metadata field, allocating the map on first use.
func (m *Message) SetMeta(key string, value any) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	m.Metadata[key] = value
}

// Meta returns a metadata field.
func (m *Message) Meta(key string) (any, bool) {
	if m.Metadata == nil {
		return nil, false
	}
	v, ok := m.Metadata[key]
	return v, ok
}

// Clone returns a copy of the message with its own payload and metadata
// maps. Nested values are shared.
func (m *Message) Clone() *Message {
	cp := *m
	if m.Payload != nil {
		cp.Payload = make(map[string]any, len(m.Payload))
		for k, v := range m.Payload {
			cp.Payload[k] = v
		}
	}
	if m.Metadata != nil {
		cp.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Validate checks the fields every routed message must carry.
func (m *Message) Validate() error {
	if m.Feature == "" {
		return ErrMissingFeature
	}
	if m.Type == "" {
		return ErrMissingType
	}
	return nil
}

// JSONCodec encodes and decodes wire messages as JSON. It is stateless and
// safe for concurrent use.
type JSONCodec struct{}

// Encode converts a Message into a JSON byte slice.
func (JSONCodec) Encode(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode message")
	}
	return data, nil
}

// Decode converts a JSON byte slice back into a Message.
func (JSONCodec) Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, errors.Wrap(err, "failed to decode message")
	}
	return &msg, nil
}
