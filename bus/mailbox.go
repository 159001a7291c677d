package bus

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errMailboxFull = errors.New("mailbox full")

// mailbox is a bounded FIFO queue with blocking put and get.
// Waiters block on changed, which is closed and replaced on every
// mutation so no lock is held across a wait.
type mailbox struct {
	mu       sync.Mutex
	items    []*Message
	capacity int
	closed   bool
	changed  chan struct{}
}

func newMailbox(capacity int) *mailbox {
	return &mailbox{
		items:    make([]*Message, 0, min(capacity, 64)),
		capacity: capacity,
		changed:  make(chan struct{}),
	}
}

// notifyLocked wakes every waiter. Caller holds mu.
func (m *mailbox) notifyLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

// put appends msg, waiting up to timeout for space. It returns
// errMailboxFull when the wait expires and ErrClosed after close.
func (m *mailbox) put(ctx context.Context, msg *Message, timeout time.Duration) error {
	var deadline <-chan time.Time
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return ErrClosed
		}
		if len(m.items) < m.capacity {
			m.items = append(m.items, msg)
			m.notifyLocked()
			m.mu.Unlock()
			return nil
		}
		wait := m.changed
		m.mu.Unlock()

		if timeout <= 0 {
			return errMailboxFull
		}
		if deadline == nil {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			deadline = timer.C
		}

		select {
		case <-wait:
		case <-deadline:
			return errMailboxFull
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// get pops the oldest unexpired message. timeout == 0 polls once,
// timeout < 0 waits until ctx is done. expired counts messages discarded
// on the way.
func (m *mailbox) get(ctx context.Context, timeout time.Duration) (msg *Message, expired int, err error) {
	var deadline <-chan time.Time
	for {
		m.mu.Lock()
		now := time.Now()
		for len(m.items) > 0 {
			head := m.items[0]
			m.items[0] = nil
			m.items = m.items[1:]
			if head.Expired(now) {
				expired++
				continue
			}
			msg = head
			break
		}
		if expired > 0 || msg != nil {
			m.notifyLocked()
		}
		if msg != nil {
			m.mu.Unlock()
			return msg, expired, nil
		}
		if m.closed {
			m.mu.Unlock()
			return nil, expired, ErrClosed
		}
		wait := m.changed
		m.mu.Unlock()

		if timeout == 0 {
			return nil, expired, ErrTimeout
		}
		if timeout > 0 && deadline == nil {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			deadline = timer.C
		}

		select {
		case <-wait:
		case <-deadline:
			return nil, expired, ErrTimeout
		case <-ctx.Done():
			return nil, expired, ctx.Err()
		}
	}
}

// sweep removes messages expired at now and returns how many.
func (m *mailbox) sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.items[:0]
	removed := 0
	for _, msg := range m.items {
		if msg.Expired(now) {
			removed++
			continue
		}
		kept = append(kept, msg)
	}
	for i := len(kept); i < len(m.items); i++ {
		m.items[i] = nil
	}
	m.items = kept
	if removed > 0 {
		m.notifyLocked()
	}
	return removed
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// close rejects further puts, wakes waiters and returns the number of
// queued messages discarded.
func (m *mailbox) close() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0
	}
	m.closed = true
	dropped := len(m.items)
	m.items = nil
	m.notifyLocked()
	return dropped
}
