package heartbeat

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/swarmbus/bus"
	"github.com/vinayprograms/swarmbus/logging"
	"github.com/vinayprograms/swarmbus/registry"
)

// BusMonitor receives heartbeats as a bus agent subscribed to Topic.
type BusMonitor struct {
	bus           bus.MessageBus
	agentID       string
	registry      registry.Registry
	timeout       time.Duration
	checkInterval time.Duration
	logger        *logging.Logger

	mu       sync.RWMutex
	lastSeen map[string]seen
	deadCBs  []func(string)
	reported map[string]bool // already-reported dead agents

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

type seen struct {
	hb *Heartbeat
	at time.Time // local receive time
}

var _ Monitor = (*BusMonitor)(nil)

// NewBusMonitor creates a new heartbeat monitor.
func NewBusMonitor(cfg MonitorConfig) (*BusMonitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	def := DefaultMonitorConfig()

	if cfg.AgentID == "" {
		cfg.AgentID = def.AgentID
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New().WithComponent("heartbeat")
	}

	return &BusMonitor{
		bus:           cfg.Bus,
		agentID:       cfg.AgentID,
		registry:      cfg.Registry,
		timeout:       cfg.Timeout,
		checkInterval: cfg.CheckInterval,
		logger:        logger,
		lastSeen:      make(map[string]seen),
		reported:      make(map[string]bool),
	}, nil
}

// Start registers the monitor on the bus, subscribes to heartbeats and
// runs the dead-agent checker until Stop or ctx is done.
func (m *BusMonitor) Start(ctx context.Context) error {
	if m.running.Swap(true) {
		return ErrAlreadyStarted
	}

	if err := m.bus.Register(m.agentID, bus.WithHandler(m.handle)); err != nil {
		m.running.Store(false)
		return err
	}
	if err := m.bus.Subscribe(m.agentID, Topic); err != nil {
		m.bus.Unregister(m.agentID)
		m.running.Store(false)
		return err
	}

	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.run(ctx)
	return nil
}

func (m *BusMonitor) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case now := <-ticker.C:
			m.checkDeadAgents(now)
		}
	}
}

func (m *BusMonitor) handle(_ context.Context, msg *bus.Message) {
	if msg.Event != Event {
		return
	}
	hb, err := Unmarshal(msg.Payload)
	if err != nil {
		m.logger.Warn("heartbeat_malformed", map[string]interface{}{
			"sender": msg.Sender,
			"error":  err.Error(),
		})
		return
	}
	if hb.AgentID == "" {
		hb.AgentID = msg.Sender
	}
	m.Receive(hb)
}

// Receive records hb as if it had arrived on the bus.
func (m *BusMonitor) Receive(hb *Heartbeat) {
	if hb == nil || hb.AgentID == "" {
		return
	}

	m.mu.Lock()
	m.lastSeen[hb.AgentID] = seen{hb: hb, at: time.Now()}
	revived := m.reported[hb.AgentID]
	delete(m.reported, hb.AgentID)
	m.mu.Unlock()

	if revived {
		m.logger.Info("agent_revived", map[string]interface{}{"agent": hb.AgentID})
	}
	if m.registry != nil {
		// Unregistered senders (the monitor does not own registration) are
		// ignored.
		m.registry.Touch(hb.AgentID, "", hb.Load)
	}
}

// checkDeadAgents reports agents whose last heartbeat is older than the
// timeout. Each agent is reported once until it beats again.
func (m *BusMonitor) checkDeadAgents(now time.Time) {
	var dead []string

	m.mu.Lock()
	for agentID, s := range m.lastSeen {
		if now.Sub(s.at) > m.timeout && !m.reported[agentID] {
			m.reported[agentID] = true
			dead = append(dead, agentID)
		}
	}
	callbacks := make([]func(string), len(m.deadCBs))
	copy(callbacks, m.deadCBs)
	m.mu.Unlock()

	sort.Strings(dead)
	for _, agentID := range dead {
		m.logger.Warn("agent_presumed_dead", map[string]interface{}{
			"agent":   agentID,
			"timeout": m.timeout.String(),
		})
		for _, cb := range callbacks {
			cb(agentID)
		}
	}
}

// IsAlive checks if an agent has sent a heartbeat within timeout.
func (m *BusMonitor) IsAlive(agentID string, timeout time.Duration) bool {
	m.mu.RLock()
	s, ok := m.lastSeen[agentID]
	m.mu.RUnlock()

	if !ok {
		return false
	}
	return time.Since(s.at) <= timeout
}

// LastHeartbeat returns the last heartbeat from an agent.
func (m *BusMonitor) LastHeartbeat(agentID string) *Heartbeat {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.lastSeen[agentID]
	if !ok {
		return nil
	}
	return s.hb
}

// LastSeen returns when the last heartbeat from agentID arrived.
func (m *BusMonitor) LastSeen(agentID string) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.lastSeen[agentID]
	return s.at, ok
}

// Since reports whether a heartbeat from agentID arrived after t.
func (m *BusMonitor) Since(agentID string, t time.Time) bool {
	at, ok := m.LastSeen(agentID)
	return ok && at.After(t)
}

// Agents returns the ids heard from, sorted.
func (m *BusMonitor) Agents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.lastSeen))
	for id := range m.lastSeen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// OnDead registers a callback for when an agent is presumed dead.
func (m *BusMonitor) OnDead(callback func(agentID string)) {
	m.mu.Lock()
	m.deadCBs = append(m.deadCBs, callback)
	m.mu.Unlock()
}

// Forget drops everything known about agentID, typically after it was
// deliberately terminated.
func (m *BusMonitor) Forget(agentID string) {
	m.mu.Lock()
	delete(m.lastSeen, agentID)
	delete(m.reported, agentID)
	m.mu.Unlock()
}

// Stop unregisters the monitor from the bus and stops the checker.
func (m *BusMonitor) Stop() error {
	if !m.running.Swap(false) {
		return ErrNotStarted
	}

	m.bus.Unregister(m.agentID)
	close(m.stopCh)
	<-m.doneCh
	return nil
}
