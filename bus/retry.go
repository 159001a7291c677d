package bus

import (
	"container/heap"
	"sync"
	"time"
)

// Backoff returns the wait before retry number retry:
// min(unit * 2^retry, maxDelay).
func Backoff(retry int, unit, maxDelay time.Duration) time.Duration {
	if retry < 0 {
		retry = 0
	}
	d := unit
	for i := 0; i < retry; i++ {
		d *= 2
		if d >= maxDelay || d <= 0 {
			return maxDelay
		}
	}
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// retryItem is one pending redelivery of a message to a single recipient.
type retryItem struct {
	msg       *Message
	recipient string
	due       time.Time
	seq       uint64
}

type retryHeap []*retryItem

func (h retryHeap) Len() int { return len(h) }
func (h retryHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}
func (h retryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *retryHeap) Push(x interface{}) { *h = append(*h, x.(*retryItem)) }
func (h *retryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// retryQueue orders pending redeliveries by due time.
type retryQueue struct {
	mu   sync.Mutex
	h    retryHeap
	seq  uint64
	wake chan struct{}
}

func newRetryQueue() *retryQueue {
	return &retryQueue{wake: make(chan struct{}, 1)}
}

func (q *retryQueue) push(msg *Message, recipient string, due time.Time) {
	q.mu.Lock()
	q.seq++
	heap.Push(&q.h, &retryItem{msg: msg, recipient: recipient, due: due, seq: q.seq})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// next returns the wait until the earliest item is due, or -1 if empty.
func (q *retryQueue) next(now time.Time) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return -1
	}
	if d := q.h[0].due.Sub(now); d > 0 {
		return d
	}
	return 0
}

// popDue removes and returns every item due at or before now.
func (q *retryQueue) popDue(now time.Time) []*retryItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []*retryItem
	for len(q.h) > 0 && !q.h[0].due.After(now) {
		due = append(due, heap.Pop(&q.h).(*retryItem))
	}
	return due
}

// removeExpired drops items whose message expired at now.
func (q *retryQueue) removeExpired(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.h[:0]
	removed := 0
	for _, item := range q.h {
		if item.msg.Expired(now) {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	for i := len(kept); i < len(q.h); i++ {
		q.h[i] = nil
	}
	q.h = kept
	if removed > 0 {
		heap.Init(&q.h)
	}
	return removed
}

// drain empties the queue.
func (q *retryQueue) drain() []*retryItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := []*retryItem(q.h)
	q.h = nil
	return items
}

func (q *retryQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}
