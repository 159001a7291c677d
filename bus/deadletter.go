package bus

import (
	"sync"
	"time"

	swarmerr "github.com/vinayprograms/swarmbus/errors"
)

// DeadLetterReason explains why a message was abandoned.
type DeadLetterReason string

const (
	ReasonNoRecipients DeadLetterReason = "no_recipients"
	ReasonQueueFull    DeadLetterReason = "queue_full"
	ReasonBusClosed    DeadLetterReason = "bus_closed"
)

// DeadLetter is an undeliverable message kept for inspection.
type DeadLetter struct {
	ID        string           `json:"id"`
	Message   *Message         `json:"message"`
	Recipient string           `json:"recipient,omitempty"` // empty for no_recipients
	Reason    DeadLetterReason `json:"reason"`
	// Err is ROUTING_FAILURE for no_recipients, RETRIES_EXHAUSTED for
	// queue_full and CLOSED for bus_closed.
	Err  *swarmerr.Error `json:"error,omitempty"`
	Time time.Time       `json:"time"`
}

// DeadLetterSink receives dead letters from the bus's processor loop.
type DeadLetterSink interface {
	HandleDeadLetter(dl DeadLetter) error
}

// DeadLetterSinkFunc adapts a function to DeadLetterSink.
type DeadLetterSinkFunc func(dl DeadLetter) error

// HandleDeadLetter calls f(dl).
func (f DeadLetterSinkFunc) HandleDeadLetter(dl DeadLetter) error {
	return f(dl)
}

// deadLetterQueue keeps a bounded history and a pending list for the
// processor. Records are visible through list immediately.
type deadLetterQueue struct {
	mu       sync.Mutex
	records  []DeadLetter
	capacity int
	pending  []DeadLetter
	signal   chan struct{}
}

func newDeadLetterQueue(capacity int) *deadLetterQueue {
	return &deadLetterQueue{
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
}

func (q *deadLetterQueue) add(dl DeadLetter) {
	q.mu.Lock()
	q.records = append(q.records, dl)
	if q.capacity > 0 && len(q.records) > q.capacity {
		q.records = append([]DeadLetter(nil), q.records[len(q.records)-q.capacity:]...)
	}
	q.pending = append(q.pending, dl)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *deadLetterQueue) takePending() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	p := q.pending
	q.pending = nil
	return p
}

func (q *deadLetterQueue) list() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetter(nil), q.records...)
}

func (q *deadLetterQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}
