package registry

import (
	"sort"
	"sync"
	"time"
)

// MemoryRegistry is an in-memory implementation of Registry.
type MemoryRegistry struct {
	mu       sync.RWMutex
	agents   map[string]AgentInfo
	watchers []chan Event
	closed   bool
	done     chan struct{}

	watchBuffer int

	// TTL for stale entry detection. Zero means no expiry.
	ttl time.Duration
}

// MemoryConfig configures the in-memory registry.
type MemoryConfig struct {
	// TTL specifies how long before an agent without updates is removed.
	// Zero means entries never expire.
	TTL time.Duration

	// WatchBuffer is the per-watcher channel capacity. Events are dropped
	// for a watcher whose buffer is full.
	// Default: 256
	WatchBuffer int
}

const defaultWatchBuffer = 256

// NewMemoryRegistry creates a new in-memory registry.
func NewMemoryRegistry(cfg MemoryConfig) *MemoryRegistry {
	if cfg.WatchBuffer <= 0 {
		cfg.WatchBuffer = defaultWatchBuffer
	}
	r := &MemoryRegistry{
		agents: make(map[string]AgentInfo),
		done:   make(chan struct{}),
		ttl:    cfg.TTL,

		watchBuffer: cfg.WatchBuffer,
	}

	if cfg.TTL > 0 {
		go r.cleanupLoop()
	}

	return r
}

// Register adds or updates an agent in the registry.
func (r *MemoryRegistry) Register(info AgentInfo) error {
	if err := ValidateAgentInfo(info); err != nil {
		return err
	}
	info = cloneInfo(info)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	now := time.Now()
	info.LastSeen = now
	if info.Status == "" {
		info.Status = StatusIdle
	}

	prev, exists := r.agents[info.ID]
	if exists {
		info.RegisteredAt = prev.RegisteredAt
	} else {
		info.RegisteredAt = now
	}
	r.agents[info.ID] = info

	eventType := EventAdded
	if exists {
		eventType = EventUpdated
	}
	r.notifyWatchers(Event{Type: eventType, Agent: cloneInfo(info)})

	return nil
}

// Deregister removes an agent from the registry.
func (r *MemoryRegistry) Deregister(id string) error {
	if id == "" {
		return ErrInvalidID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	agent, exists := r.agents[id]
	if !exists {
		return ErrNotFound
	}

	delete(r.agents, id)
	r.notifyWatchers(Event{Type: EventRemoved, Agent: agent})

	return nil
}

// Touch refreshes LastSeen and records the reported status and load.
// An empty status keeps the current one.
func (r *MemoryRegistry) Touch(id string, status Status, load float64) error {
	if id == "" {
		return ErrInvalidID
	}
	load = min(max(load, 0), 1)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	agent, exists := r.agents[id]
	if !exists {
		return ErrNotFound
	}
	agent.LastSeen = time.Now()
	agent.Load = load
	changed := false
	if status != "" && status != agent.Status {
		agent.Status = status
		changed = true
	}
	r.agents[id] = agent

	// Heartbeats arrive often; only status transitions are worth an event.
	if changed {
		r.notifyWatchers(Event{Type: EventUpdated, Agent: cloneInfo(agent)})
	}
	return nil
}

// Get retrieves a specific agent by ID.
func (r *MemoryRegistry) Get(id string) (*AgentInfo, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrClosed
	}

	agent, exists := r.agents[id]
	if !exists || r.stale(agent, time.Now()) {
		return nil, ErrNotFound
	}

	agent = cloneInfo(agent)
	return &agent, nil
}

// List returns all agents matching the filter, sorted by ID.
func (r *MemoryRegistry) List(filter *Filter) ([]AgentInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrClosed
	}

	var result []AgentInfo
	now := time.Now()

	for _, agent := range r.agents {
		if r.stale(agent, now) {
			continue
		}
		if MatchesFilter(agent, filter) {
			result = append(result, cloneInfo(agent))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ID < result[j].ID
	})

	return result, nil
}

// FindByCapabilities returns agents with every capability in caps,
// least loaded first.
func (r *MemoryRegistry) FindByCapabilities(caps []string) ([]AgentInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrClosed
	}

	var result []AgentInfo
	now := time.Now()

	for _, agent := range r.agents {
		if r.stale(agent, now) {
			continue
		}
		if HasCapabilities(agent, caps) {
			result = append(result, cloneInfo(agent))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Load != result[j].Load {
			return result[i].Load < result[j].Load
		}
		return result[i].ID < result[j].ID
	})

	return result, nil
}

// Watch returns a channel of registry events.
func (r *MemoryRegistry) Watch() (<-chan Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	ch := make(chan Event, r.watchBuffer)
	r.watchers = append(r.watchers, ch)

	return ch, nil
}

// Close shuts down the registry and closes every watch channel.
func (r *MemoryRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	r.closed = true
	close(r.done)

	for _, ch := range r.watchers {
		close(ch)
	}
	r.watchers = nil

	return nil
}

func (r *MemoryRegistry) stale(agent AgentInfo, now time.Time) bool {
	return r.ttl > 0 && now.Sub(agent.LastSeen) > r.ttl
}

// notifyWatchers sends an event to all watchers.
// Must be called with lock held.
func (r *MemoryRegistry) notifyWatchers(event Event) {
	for _, ch := range r.watchers {
		select {
		case ch <- event:
		default:
			// Channel full, skip
		}
	}
}

// cleanupLoop periodically removes stale entries.
func (r *MemoryRegistry) cleanupLoop() {
	ticker := time.NewTicker(r.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case now := <-ticker.C:
			r.removeStale(now)
		}
	}
}

func (r *MemoryRegistry) removeStale(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	for id, agent := range r.agents {
		if r.stale(agent, now) {
			delete(r.agents, id)
			r.notifyWatchers(Event{Type: EventRemoved, Agent: agent})
		}
	}
}

func cloneInfo(info AgentInfo) AgentInfo {
	if info.Capabilities != nil {
		info.Capabilities = append([]string(nil), info.Capabilities...)
	}
	if info.Metadata != nil {
		md := make(map[string]string, len(info.Metadata))
		for k, v := range info.Metadata {
			md[k] = v
		}
		info.Metadata = md
	}
	return info
}
