package orchestrator

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/swarmbus/bus"
	"github.com/vinayprograms/swarmbus/heartbeat"
	"github.com/vinayprograms/swarmbus/logging"
	"github.com/vinayprograms/swarmbus/registry"
	"github.com/vinayprograms/swarmbus/tasks"
)

func quietLogger() *logging.Logger {
	l := logging.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestBus(t *testing.T) *bus.MemoryBus {
	t.Helper()
	cfg := bus.DefaultConfig()
	cfg.EnqueueTimeout = 10 * time.Millisecond
	cfg.StatsInterval = 0
	cfg.Logger = quietLogger()
	b := bus.NewMemoryBus(cfg)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func newTestRegistry(t *testing.T) *registry.MemoryRegistry {
	t.Helper()
	reg := registry.NewMemoryRegistry(registry.MemoryConfig{})
	t.Cleanup(func() { reg.Close() })
	return reg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// fakeSpawner gives each instance a bus mailbox with no consumer, so
// backlog and pings stay observable.
type fakeSpawner struct {
	bus bus.MessageBus

	mu         sync.Mutex
	fail       bool
	spawned    []string
	terminated []string
}

func (s *fakeSpawner) Spawn(_ context.Context, pool PoolConfig, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("spawn refused")
	}
	if err := s.bus.Register(id, bus.WithLogicalType(pool.LogicalType)); err != nil {
		return err
	}
	s.spawned = append(s.spawned, id)
	return nil
}

func (s *fakeSpawner) Terminate(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bus.Unregister(id)
	s.terminated = append(s.terminated, id)
	return nil
}

func (s *fakeSpawner) setFail(v bool) {
	s.mu.Lock()
	s.fail = v
	s.mu.Unlock()
}

func (s *fakeSpawner) terminatedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.terminated...)
}

// fakeMonitor is a heartbeat.Monitor driven by the test.
type fakeMonitor struct {
	mu   sync.Mutex
	last map[string]*heartbeat.Heartbeat
	at   map[string]time.Time
}

func newFakeMonitor() *fakeMonitor {
	return &fakeMonitor{
		last: make(map[string]*heartbeat.Heartbeat),
		at:   make(map[string]time.Time),
	}
}

func (m *fakeMonitor) beat(id string, load float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last[id] = &heartbeat.Heartbeat{AgentID: id, Load: load, Timestamp: time.Now()}
	m.at[id] = time.Now()
}

func (m *fakeMonitor) IsAlive(id string, timeout time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.at[id]
	return ok && time.Since(at) < timeout
}

func (m *fakeMonitor) LastHeartbeat(id string) *heartbeat.Heartbeat {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last[id]
}

func (m *fakeMonitor) Since(id string, t time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.at[id]
	return ok && at.After(t)
}

func (m *fakeMonitor) OnDead(func(string)) {}

func (m *fakeMonitor) Forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.last, id)
	delete(m.at, id)
}

func (m *fakeMonitor) Stop() error { return nil }

type fixture struct {
	bus     *bus.MemoryBus
	reg     *registry.MemoryRegistry
	spawner *fakeSpawner
	monitor *fakeMonitor
	orch    *Orchestrator
}

// newFixture starts an orchestrator whose loops never fire on their own;
// tests drive CheckHealth and Reconcile directly.
func newFixture(t *testing.T, pool PoolConfig, mutate func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		bus:     newTestBus(t),
		reg:     newTestRegistry(t),
		monitor: newFakeMonitor(),
	}
	f.spawner = &fakeSpawner{bus: f.bus}

	cfg := DefaultConfig()
	cfg.Bus = f.bus
	cfg.Registry = f.reg
	cfg.Spawner = f.spawner
	cfg.Monitor = f.monitor
	cfg.Pools = []PoolConfig{pool}
	cfg.HealthInterval = time.Hour
	cfg.ScaleInterval = time.Hour
	cfg.Cooldown = 0
	cfg.Logger = quietLogger()
	if mutate != nil {
		mutate(&cfg)
	}

	o, err := New(cfg)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	t.Cleanup(func() { o.Stop(context.Background()) })
	f.orch = o
	return f
}

func (f *fixture) beatAll(load float64) {
	for _, id := range f.orch.Instances("calc") {
		f.monitor.beat(id, load)
	}
}

func TestConfig_Validate(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	reg := registry.NewMemoryRegistry(registry.MemoryConfig{})
	defer reg.Close()
	sp := &fakeSpawner{bus: b}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"no spawner", func(c *Config) { c.Spawner = nil }, true},
		{"no bus", func(c *Config) { c.Bus = nil }, true},
		{"inverted thresholds", func(c *Config) { c.ScaleUpThreshold, c.ScaleDownThreshold = 0.3, 0.8 }, true},
		{"up above one", func(c *Config) { c.ScaleUpThreshold = 1.5 }, true},
		{"pool without type", func(c *Config) { c.Pools = []PoolConfig{{Max: 1}} }, true},
		{"max below min", func(c *Config) { c.Pools = []PoolConfig{{LogicalType: "x", Min: 3, Max: 2}} }, true},
		{"zero max", func(c *Config) { c.Pools = []PoolConfig{{LogicalType: "x"}} }, true},
		{"duplicate pool", func(c *Config) {
			c.Pools = []PoolConfig{{LogicalType: "x", Max: 1}, {LogicalType: "x", Max: 2}}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Bus = b
			cfg.Registry = reg
			cfg.Spawner = sp
			cfg.Pools = []PoolConfig{{LogicalType: "calc", Min: 1, Max: 2}}
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestOrchestrator_StartRestoresMin(t *testing.T) {
	f := newFixture(t, PoolConfig{LogicalType: "calc", Min: 2, Max: 4, MaxLoad: 3, Capabilities: []string{"math"}}, nil)

	ids := f.orch.Instances("calc")
	if len(ids) != 2 {
		t.Fatalf("instances = %v, want 2", ids)
	}
	for _, id := range ids {
		info, err := f.reg.Get(id)
		if err != nil {
			t.Fatalf("Get(%s) error: %v", id, err)
		}
		if info.LogicalType != "calc" || info.MaxLoad != 3 || !registry.HasCapability(*info, "math") {
			t.Errorf("registered %+v", info)
		}
	}
	if got := f.bus.Pool("calc"); len(got) != 2 {
		t.Errorf("bus pool = %v, want 2 members", got)
	}
	if err := f.orch.Start(context.Background()); err != ErrAlreadyStarted {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
}

func TestOrchestrator_ScaleUpBoundedByMax(t *testing.T) {
	f := newFixture(t, PoolConfig{LogicalType: "calc", Min: 1, Max: 2}, nil)
	ctx := context.Background()

	f.beatAll(0.9)
	f.orch.Reconcile(ctx)
	if n := len(f.orch.Instances("calc")); n != 2 {
		t.Fatalf("instances = %d, want 2", n)
	}

	f.beatAll(1)
	f.orch.Reconcile(ctx)
	if n := len(f.orch.Instances("calc")); n != 2 {
		t.Errorf("instances = %d, want 2 (max)", n)
	}
}

func TestOrchestrator_ModerateLoadHolds(t *testing.T) {
	f := newFixture(t, PoolConfig{LogicalType: "calc", Min: 1, Max: 4}, nil)

	f.beatAll(0.5)
	f.orch.Reconcile(context.Background())
	if n := len(f.orch.Instances("calc")); n != 1 {
		t.Errorf("instances = %d, want 1", n)
	}
}

func TestOrchestrator_CooldownLimitsScaling(t *testing.T) {
	f := newFixture(t, PoolConfig{LogicalType: "calc", Min: 1, Max: 4}, func(c *Config) {
		c.Cooldown = time.Hour
	})
	ctx := context.Background()

	f.beatAll(0.95)
	f.orch.Reconcile(ctx)
	f.beatAll(0.95)
	f.orch.Reconcile(ctx)

	if n := len(f.orch.Instances("calc")); n != 2 {
		t.Errorf("instances = %d, want 2 (one action per cooldown)", n)
	}
}

func TestOrchestrator_ScaleDownLeastUtilized(t *testing.T) {
	f := newFixture(t, PoolConfig{LogicalType: "calc", Min: 1, Max: 3}, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		f.beatAll(0.9)
		f.orch.Reconcile(ctx)
	}
	ids := f.orch.Instances("calc")
	if len(ids) != 3 {
		t.Fatalf("instances = %d, want 3", len(ids))
	}

	f.monitor.beat(ids[0], 0.2)
	f.monitor.beat(ids[1], 0.05)
	f.monitor.beat(ids[2], 0.2)
	f.orch.Reconcile(ctx)

	got := f.spawner.terminatedIDs()
	if len(got) != 1 || got[0] != ids[1] {
		t.Fatalf("terminated = %v, want [%s]", got, ids[1])
	}
	if _, err := f.reg.Get(ids[1]); err != registry.ErrNotFound {
		t.Errorf("registry Get(%s) = %v, want ErrNotFound", ids[1], err)
	}

	f.beatAll(0)
	f.orch.Reconcile(ctx)
	f.beatAll(0)
	f.orch.Reconcile(ctx)
	if n := len(f.orch.Instances("calc")); n != 1 {
		t.Errorf("instances = %d, want 1 (min)", n)
	}
}

func TestOrchestrator_BusBacklogCountsAsLoad(t *testing.T) {
	f := newFixture(t, PoolConfig{LogicalType: "calc", Min: 1, Max: 2, MaxLoad: 2}, nil)
	ctx := context.Background()
	id := f.orch.Instances("calc")[0]

	for i := 0; i < 2; i++ {
		if _, err := f.bus.SendDirect(ctx, "test", id, "work", nil); err != nil {
			t.Fatalf("SendDirect error: %v", err)
		}
	}
	waitFor(t, "backlog", func() bool { return f.bus.Load(id) == 2 })

	u, err := f.orch.Utilization("calc")
	if err != nil || u != 1 {
		t.Fatalf("Utilization = %v, %v; want 1", u, err)
	}
	f.orch.Reconcile(ctx)
	if n := len(f.orch.Instances("calc")); n != 2 {
		t.Errorf("instances = %d, want 2", n)
	}

	if _, err := f.orch.Utilization("nope"); !errors.Is(err, ErrUnknownPool) {
		t.Errorf("Utilization(nope) = %v, want ErrUnknownPool", err)
	}
}

func TestOrchestrator_UnhealthyInstancePinged(t *testing.T) {
	f := newFixture(t, PoolConfig{LogicalType: "calc", Min: 1, Max: 1}, func(c *Config) {
		c.HealthWindow = 10 * time.Millisecond
		c.PingTimeout = time.Hour
	})
	ctx := context.Background()
	id := f.orch.Instances("calc")[0]

	time.Sleep(20 * time.Millisecond)
	f.orch.CheckHealth(ctx)

	info, err := f.reg.Get(id)
	if err != nil || info.Status != registry.StatusUnhealthy {
		t.Fatalf("registry = %+v, %v; want unhealthy", info, err)
	}
	msg, err := f.bus.GetNextMessage(ctx, id, 0)
	if err != nil {
		t.Fatalf("GetNextMessage error: %v", err)
	}
	if msg.Event != tasks.EventPing || msg.Type != bus.TypeCommand || !msg.RequiresAck {
		t.Errorf("ping = %+v", msg)
	}

	// The instance answers; no replacement follows.
	f.monitor.beat(id, 0)
	f.orch.CheckHealth(ctx)
	f.orch.CheckHealth(ctx)

	if got := f.spawner.terminatedIDs(); len(got) != 0 {
		t.Errorf("terminated = %v, want none", got)
	}
	if ids := f.orch.Instances("calc"); len(ids) != 1 || ids[0] != id {
		t.Errorf("instances = %v, want [%s]", ids, id)
	}
}

func TestOrchestrator_SilentInstanceReplaced(t *testing.T) {
	f := newFixture(t, PoolConfig{LogicalType: "calc", Min: 1, Max: 1}, func(c *Config) {
		c.HealthWindow = 10 * time.Millisecond
		c.PingTimeout = 10 * time.Millisecond
	})
	ctx := context.Background()
	id := f.orch.Instances("calc")[0]

	time.Sleep(20 * time.Millisecond)
	f.orch.CheckHealth(ctx) // ping
	time.Sleep(20 * time.Millisecond)
	f.orch.CheckHealth(ctx) // replace

	if got := f.spawner.terminatedIDs(); len(got) != 1 || got[0] != id {
		t.Fatalf("terminated = %v, want [%s]", got, id)
	}
	ids := f.orch.Instances("calc")
	if len(ids) != 1 || ids[0] == id {
		t.Fatalf("instances = %v, want one replacement", ids)
	}
	if _, err := f.reg.Get(id); err != registry.ErrNotFound {
		t.Errorf("old instance still registered: %v", err)
	}
	if _, err := f.reg.Get(ids[0]); err != nil {
		t.Errorf("replacement not registered: %v", err)
	}
}

func TestOrchestrator_FailedRecoveryRestoredToMin(t *testing.T) {
	f := newFixture(t, PoolConfig{LogicalType: "calc", Min: 1, Max: 2}, func(c *Config) {
		c.HealthWindow = 10 * time.Millisecond
		c.PingTimeout = 10 * time.Millisecond
	})
	ctx := context.Background()

	time.Sleep(20 * time.Millisecond)
	f.orch.CheckHealth(ctx)
	time.Sleep(20 * time.Millisecond)
	f.spawner.setFail(true)
	f.orch.CheckHealth(ctx)

	if n := len(f.orch.Instances("calc")); n != 0 {
		t.Fatalf("instances = %d, want 0 after failed spawn", n)
	}

	f.spawner.setFail(false)
	f.orch.Reconcile(ctx)
	if n := len(f.orch.Instances("calc")); n != 1 {
		t.Errorf("instances = %d, want 1 after reconcile", n)
	}
}

func TestOrchestrator_StopTerminatesAll(t *testing.T) {
	f := newFixture(t, PoolConfig{LogicalType: "calc", Min: 3, Max: 3}, nil)

	if err := f.orch.Stop(context.Background()); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if got := f.spawner.terminatedIDs(); len(got) != 3 {
		t.Errorf("terminated = %v, want 3", got)
	}
	if agents, _ := f.reg.List(nil); len(agents) != 0 {
		t.Errorf("registry still holds %d agents", len(agents))
	}
	if err := f.orch.Stop(context.Background()); err != ErrNotStarted {
		t.Errorf("second Stop = %v, want ErrNotStarted", err)
	}
}

func TestOrchestrator_WorkerSpawnerStaysHealthy(t *testing.T) {
	b := newTestBus(t)
	reg := newTestRegistry(t)

	handlers := func(PoolConfig, string) tasks.Handler {
		return func(ctx context.Context, task *tasks.TaskMessage) (interface{}, error) {
			return "ok", nil
		}
	}
	spawner := NewWorkerSpawner(b, handlers, 10*time.Millisecond, quietLogger())

	cfg := DefaultConfig()
	cfg.Bus = b
	cfg.Registry = reg
	cfg.Spawner = spawner
	cfg.Pools = []PoolConfig{{LogicalType: "calc", Min: 2, Max: 2, MaxLoad: 2}}
	cfg.HealthWindow = 100 * time.Millisecond
	cfg.HealthInterval = 10 * time.Millisecond
	cfg.PingTimeout = 50 * time.Millisecond
	cfg.ScaleInterval = time.Hour
	cfg.Logger = quietLogger()

	o, err := New(cfg)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	before := o.Instances("calc")
	waitFor(t, "heartbeats", func() bool {
		for _, id := range before {
			if o.monitor.LastHeartbeat(id) == nil {
				return false
			}
		}
		return true
	})
	time.Sleep(250 * time.Millisecond)

	after := o.Instances("calc")
	if len(after) != 2 || after[0] != before[0] || after[1] != before[1] {
		t.Errorf("instances changed from %v to %v", before, after)
	}
	if spawner.Len() != 2 {
		t.Errorf("workers = %d, want 2", spawner.Len())
	}

	if err := o.Stop(context.Background()); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if spawner.Len() != 0 {
		t.Errorf("workers after Stop = %d, want 0", spawner.Len())
	}
	if got := b.Pool("calc"); len(got) != 0 {
		t.Errorf("bus pool after Stop = %v", got)
	}
}
