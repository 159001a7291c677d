package bus

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType determines how the bus resolves recipients.
type MessageType string

const (
	TypeEvent        MessageType = "event"
	TypeBroadcast    MessageType = "broadcast"
	TypePublish      MessageType = "publish"
	TypeCommand      MessageType = "command"
	TypeNotification MessageType = "notification"
)

// IsFanout reports whether the type addresses an audience rather than
// specific agents. Fan-out messages with no audience are dropped, not
// dead-lettered.
func (t MessageType) IsFanout() bool {
	return t == TypeBroadcast || t == TypePublish
}

// Priority orders work. Higher is more important.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityNormal
	PriorityHigh
	PriorityUrgent
	PriorityCritical
)

// Clamp bounds p to [PriorityLow, PriorityCritical].
func (p Priority) Clamp() Priority {
	if p < PriorityLow {
		return PriorityLow
	}
	if p > PriorityCritical {
		return PriorityCritical
	}
	return p
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority converts a name into a Priority. Empty means normal.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	case "critical":
		return PriorityCritical, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// Message is the envelope carried by the bus. Only the bus mutates the
// retry bookkeeping and routing trail; every recipient gets its own copy.
type Message struct {
	ID      string      `json:"id"`
	Sender  string      `json:"sender"`
	Type    MessageType `json:"type"`
	Topic   string      `json:"topic,omitempty"`
	Event   string      `json:"event,omitempty"`
	Payload []byte      `json:"payload,omitempty"`

	Priority Priority `json:"priority"`
	Targets  []string `json:"targets,omitempty"`

	RetryCount  int           `json:"retry_count"`
	MaxRetries  int           `json:"max_retries"`
	Timeout     time.Duration `json:"timeout,omitempty"`
	RequiresAck bool          `json:"requires_ack,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"` // zero means never

	// RoutingPath lists the sender followed by each hop that handled the copy.
	RoutingPath []string `json:"routing_path,omitempty"`

	// ProcessingTimes records time from creation to enqueue, keyed by hop.
	ProcessingTimes map[string]time.Duration `json:"processing_times,omitempty"`
}

// Expired reports whether the message is past its expiry at now.
func (m *Message) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

// Clone returns a deep copy of the envelope. The payload is shared
// because the bus never writes to it.
func (m *Message) Clone() *Message {
	c := *m
	if m.Targets != nil {
		c.Targets = append([]string(nil), m.Targets...)
	}
	if m.RoutingPath != nil {
		c.RoutingPath = append([]string(nil), m.RoutingPath...)
	}
	if m.ProcessingTimes != nil {
		c.ProcessingTimes = make(map[string]time.Duration, len(m.ProcessingTimes))
		for k, v := range m.ProcessingTimes {
			c.ProcessingTimes[k] = v
		}
	}
	return &c
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v interface{}) error {
	return DecodePayload(m.Payload, v)
}

// EncodePayload marshals v as JSON. A []byte or nil is passed through.
func EncodePayload(v interface{}) ([]byte, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return data, nil
}

// DecodePayload unmarshals a JSON payload into v.
func DecodePayload(payload []byte, v interface{}) error {
	if len(payload) == 0 {
		return fmt.Errorf("decoding payload: empty")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decoding payload: %w", err)
	}
	return nil
}
