package heartbeat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/swarmbus/bus"
)

// BusSender publishes heartbeats on the bus.
type BusSender struct {
	bus         bus.MessageBus
	agentID     string
	logicalType string
	interval    time.Duration

	mu          sync.RWMutex
	status      string
	load        float64
	activeTasks int
	metadata    map[string]string

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

var _ Sender = (*BusSender)(nil)

// NewBusSender creates a new heartbeat sender.
func NewBusSender(cfg SenderConfig) (*BusSender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultSenderConfig().Interval
	}

	status := cfg.InitialStatus
	if status == "" {
		status = DefaultSenderConfig().InitialStatus
	}

	return &BusSender{
		bus:         cfg.Bus,
		agentID:     cfg.AgentID,
		logicalType: cfg.LogicalType,
		interval:    interval,
		status:      status,
		metadata:    make(map[string]string),
	}, nil
}

// Start begins sending heartbeats at the configured interval. The first
// heartbeat is sent immediately.
func (s *BusSender) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrAlreadyStarted
	}

	if ctx == nil {
		ctx = context.Background()
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.run(ctx)
	return nil
}

func (s *BusSender) run(ctx context.Context) {
	defer close(s.doneCh)

	s.Beat(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.running.Store(false)
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Beat(ctx)
		}
	}
}

// Beat publishes a heartbeat now.
func (s *BusSender) Beat(ctx context.Context) error {
	hb := s.buildHeartbeat()
	data, err := hb.Marshal()
	if err != nil {
		return err
	}
	_, err = s.bus.Publish(ctx, &bus.Message{
		Sender:   s.agentID,
		Type:     bus.TypePublish,
		Topic:    Topic,
		Event:    Event,
		Payload:  data,
		Priority: bus.PriorityLow,
	})
	return err
}

func (s *BusSender) buildHeartbeat() *Heartbeat {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hb := &Heartbeat{
		AgentID:     s.agentID,
		LogicalType: s.logicalType,
		Timestamp:   time.Now(),
		Status:      s.status,
		Load:        s.load,
		ActiveTasks: s.activeTasks,
	}

	if len(s.metadata) > 0 {
		hb.Metadata = make(map[string]string, len(s.metadata))
		for k, v := range s.metadata {
			hb.Metadata[k] = v
		}
	}

	return hb
}

// SetStatus updates the status included in heartbeats.
func (s *BusSender) SetStatus(status string) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// SetLoad updates the load metric, clamped to [0, 1].
func (s *BusSender) SetLoad(load float64) {
	s.mu.Lock()
	s.load = min(max(load, 0), 1)
	s.mu.Unlock()
}

// SetActiveTasks updates the active task count.
func (s *BusSender) SetActiveTasks(n int) {
	s.mu.Lock()
	s.activeTasks = max(n, 0)
	s.mu.Unlock()
}

// SetMetadata updates a metadata field.
func (s *BusSender) SetMetadata(key, value string) {
	s.mu.Lock()
	s.metadata[key] = value
	s.mu.Unlock()
}

// Stop stops sending heartbeats.
func (s *BusSender) Stop() error {
	if !s.running.Swap(false) {
		return ErrNotStarted
	}
	close(s.stopCh)
	<-s.doneCh
	return nil
}

// AgentID returns the sender's agent ID.
func (s *BusSender) AgentID() string {
	return s.agentID
}
