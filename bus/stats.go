package bus

import "sync/atomic"

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	Sent         uint64 `json:"sent"`          // Publish calls accepted
	Delivered    uint64 `json:"delivered"`     // copies enqueued into a mailbox
	Failed       uint64 `json:"failed"`        // enqueue attempts that timed out
	Retried      uint64 `json:"retried"`       // redeliveries scheduled
	DeadLettered uint64 `json:"dead_lettered"` // copies moved to the dead-letter queue
	Dropped      uint64 `json:"dropped"`       // discarded without dead-lettering
	Expired      uint64 `json:"expired"`       // purged past ExpiresAt

	Agents         int `json:"agents"`
	Topics         int `json:"topics"`
	PendingRetries int `json:"pending_retries"`
	DeadLetters    int `json:"dead_letters"`
}

// SuccessRate is delivered / (delivered + failed), or 1 with no attempts.
func (s Stats) SuccessRate() float64 {
	total := s.Delivered + s.Failed
	if total == 0 {
		return 1
	}
	return float64(s.Delivered) / float64(total)
}

// counters are updated lock-free on the hot path.
// Dropped covers fan-out messages with no audience, messages queued for
// an agent when it unregisters, and retries whose recipient is gone.
type counters struct {
	sent         atomic.Uint64
	delivered    atomic.Uint64
	failed       atomic.Uint64
	retried      atomic.Uint64
	deadLettered atomic.Uint64
	dropped      atomic.Uint64
	expired      atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Sent:         c.sent.Load(),
		Delivered:    c.delivered.Load(),
		Failed:       c.failed.Load(),
		Retried:      c.retried.Load(),
		DeadLettered: c.deadLettered.Load(),
		Dropped:      c.dropped.Load(),
		Expired:      c.expired.Load(),
	}
}
