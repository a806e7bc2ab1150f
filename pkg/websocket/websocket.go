package websocket

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message is the envelope of every frame exchanged with a signaling client.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewMessage encodes data into a Message for the given event.
func NewMessage(event string, data interface{}) (*Message, error) {
	m := &Message{Event: event}
	if data == nil {
		return m, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	m.Data = b
	return m, nil
}

// Decode unmarshals the message data into v.
func (m *Message) Decode(v interface{}) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("event '%s' has no data", m.Event)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("invalid '%s' data: %v", m.Event, err)
	}
	return nil
}

func (m *Message) Validate() error {
	if strings.TrimSpace(m.Event) == "" {
		return fmt.Errorf("missing event name")
	}
	return nil
}
