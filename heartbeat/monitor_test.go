package heartbeat

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vinayprograms/swarmbus/bus"
	"github.com/vinayprograms/swarmbus/registry"
)

func newTestMonitor(t *testing.T, b bus.MessageBus, timeout time.Duration) *BusMonitor {
	t.Helper()
	m, err := NewBusMonitor(MonitorConfig{
		Bus:           b,
		Timeout:       timeout,
		CheckInterval: 5 * time.Millisecond,
		Logger:        quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewBusMonitor error: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	t.Cleanup(func() { m.Stop() })
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for %s", what)
		case <-time.After(2 * time.Millisecond):
		}
	}
}

// --- Unit Tests ---

func TestMonitorConfig_Validate(t *testing.T) {
	cfg := MonitorConfig{}
	if err := cfg.Validate(); err != ErrInvalidConfig {
		t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
	}

	def := DefaultMonitorConfig()
	if def.Timeout != 15*time.Second {
		t.Errorf("Timeout = %v, want 15s", def.Timeout)
	}
	if def.CheckInterval != time.Second {
		t.Errorf("CheckInterval = %v, want 1s", def.CheckInterval)
	}
	if def.AgentID != "heartbeat-monitor" {
		t.Errorf("AgentID = %q", def.AgentID)
	}
}

func TestBusMonitor_StartRegistersOnBus(t *testing.T) {
	b := newTestBus(t)
	m := newTestMonitor(t, b, time.Second)

	subs := b.Subscribers(Topic)
	if len(subs) != 1 || subs[0] != "heartbeat-monitor" {
		t.Errorf("Subscribers(%s) = %v", Topic, subs)
	}
	if err := m.Start(context.Background()); err != ErrAlreadyStarted {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}

	m.Stop()
	if len(b.Agents()) != 0 {
		t.Errorf("Agents after Stop = %v", b.Agents())
	}
	if err := m.Stop(); err != ErrNotStarted {
		t.Errorf("second Stop = %v, want ErrNotStarted", err)
	}
}

// --- Integration Tests ---

func TestBusMonitor_ReceivesHeartbeats(t *testing.T) {
	b := newTestBus(t)
	m := newTestMonitor(t, b, time.Second)

	before := time.Now()
	sender, _ := NewBusSender(SenderConfig{Bus: b, AgentID: "agent-1"})
	sender.SetLoad(0.4)
	sender.Beat(context.Background())

	waitFor(t, "heartbeat", func() bool { return m.LastHeartbeat("agent-1") != nil })

	if !m.IsAlive("agent-1", time.Second) {
		t.Error("agent-1 should be alive")
	}
	if m.IsAlive("agent-2", time.Second) {
		t.Error("agent-2 never sent a heartbeat")
	}
	if hb := m.LastHeartbeat("agent-1"); hb.Load != 0.4 {
		t.Errorf("Load = %v, want 0.4", hb.Load)
	}
	if !m.Since("agent-1", before) {
		t.Error("Since(before) should be true")
	}
	if m.Since("agent-1", time.Now()) {
		t.Error("Since(now) should be false")
	}
	if ids := m.Agents(); len(ids) != 1 || ids[0] != "agent-1" {
		t.Errorf("Agents() = %v", ids)
	}
}

func TestBusMonitor_IgnoresMalformed(t *testing.T) {
	b := newTestBus(t)
	m := newTestMonitor(t, b, time.Second)

	b.Publish(context.Background(), &bus.Message{Type: bus.TypePublish, Topic: Topic, Event: Event, Payload: []byte("{")})
	b.Publish(context.Background(), &bus.Message{Type: bus.TypePublish, Topic: Topic, Event: "other", Payload: []byte(`{"agent_id":"x"}`)})

	waitFor(t, "drain", func() bool { return b.Load("heartbeat-monitor") == 0 })
	time.Sleep(5 * time.Millisecond)
	if len(m.Agents()) != 0 {
		t.Errorf("Agents() = %v, want none", m.Agents())
	}
}

func TestBusMonitor_DeathReportedOnceAndRevival(t *testing.T) {
	b := newTestBus(t)
	m := newTestMonitor(t, b, 20*time.Millisecond)

	var mu sync.Mutex
	var dead []string
	m.OnDead(func(id string) {
		mu.Lock()
		dead = append(dead, id)
		mu.Unlock()
	})
	deaths := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(dead)
	}

	m.Receive(&Heartbeat{AgentID: "agent-1", Timestamp: time.Now()})
	waitFor(t, "first death", func() bool { return deaths() == 1 })

	time.Sleep(30 * time.Millisecond)
	if deaths() != 1 {
		t.Errorf("death reported %d times, want 1", deaths())
	}

	m.Receive(&Heartbeat{AgentID: "agent-1", Timestamp: time.Now()})
	waitFor(t, "second death", func() bool { return deaths() == 2 })
}

func TestBusMonitor_EveryDeadCallbackRuns(t *testing.T) {
	b := newTestBus(t)
	m := newTestMonitor(t, b, 20*time.Millisecond)

	var first, second, late atomic.Int32
	m.OnDead(func(string) { first.Add(1) })
	m.OnDead(func(string) {
		second.Add(1)
		// Callbacks run outside the lock, so they may register more.
		m.OnDead(func(string) { late.Add(1) })
	})

	m.Receive(&Heartbeat{AgentID: "agent-1", Timestamp: time.Now()})
	waitFor(t, "both callbacks", func() bool { return first.Load() == 1 && second.Load() == 1 })

	m.Receive(&Heartbeat{AgentID: "agent-2", Timestamp: time.Now()})
	waitFor(t, "late callback", func() bool { return late.Load() >= 1 })
}

func TestBusMonitor_Forget(t *testing.T) {
	b := newTestBus(t)
	m := newTestMonitor(t, b, time.Second)

	m.Receive(&Heartbeat{AgentID: "agent-1"})
	m.Forget("agent-1")

	if m.LastHeartbeat("agent-1") != nil {
		t.Error("Forget should drop the heartbeat")
	}
	if _, ok := m.LastSeen("agent-1"); ok {
		t.Error("Forget should drop last-seen")
	}
}

func TestBusMonitor_TouchesRegistry(t *testing.T) {
	b := newTestBus(t)
	reg := registry.NewMemoryRegistry(registry.MemoryConfig{})
	defer reg.Close()
	reg.Register(registry.AgentInfo{ID: "agent-1"})

	m, _ := NewBusMonitor(MonitorConfig{Bus: b, Registry: reg, Logger: quietLogger()})
	m.Start(context.Background())
	defer m.Stop()

	sender, _ := NewBusSender(SenderConfig{Bus: b, AgentID: "agent-1"})
	sender.SetLoad(0.7)
	sender.Beat(context.Background())

	waitFor(t, "registry load", func() bool {
		info, err := reg.Get("agent-1")
		return err == nil && info.Load == 0.7
	})
}

func TestSenderMonitor_Integration(t *testing.T) {
	b := newTestBus(t)
	m := newTestMonitor(t, b, 50*time.Millisecond)

	var mu sync.Mutex
	var dead []string
	m.OnDead(func(id string) {
		mu.Lock()
		dead = append(dead, id)
		mu.Unlock()
	})

	sender, _ := NewBusSender(SenderConfig{Bus: b, AgentID: "agent-1", Interval: 10 * time.Millisecond})
	sender.Start(context.Background())

	waitFor(t, "alive", func() bool { return m.IsAlive("agent-1", 50*time.Millisecond) })
	time.Sleep(80 * time.Millisecond)

	mu.Lock()
	if len(dead) != 0 {
		t.Errorf("beating agent reported dead: %v", dead)
	}
	mu.Unlock()

	sender.Stop()
	waitFor(t, "death", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(dead) == 1 && dead[0] == "agent-1"
	})
}
