package heartbeat

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/vinayprograms/swarmbus/bus"
	"github.com/vinayprograms/swarmbus/logging"
)

func quietLogger() *logging.Logger {
	l := logging.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestBus(t *testing.T) *bus.MemoryBus {
	t.Helper()
	cfg := bus.DefaultConfig()
	cfg.Logger = quietLogger()
	cfg.StatsInterval = 0
	b := bus.NewMemoryBus(cfg)
	b.Start(context.Background())
	t.Cleanup(func() { b.Close() })
	return b
}

// observer registers a polling agent subscribed to heartbeats.
func observer(t *testing.T, b *bus.MemoryBus) string {
	t.Helper()
	if err := b.Register("observer"); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	b.Subscribe("observer", Topic)
	return "observer"
}

func nextHeartbeat(t *testing.T, b *bus.MemoryBus, agent string) *Heartbeat {
	t.Helper()
	msg, err := b.GetNextMessage(context.Background(), agent, time.Second)
	if err != nil {
		t.Fatalf("GetNextMessage error: %v", err)
	}
	if msg.Type != bus.TypePublish || msg.Topic != Topic || msg.Event != Event {
		t.Fatalf("unexpected envelope: %+v", msg)
	}
	hb, err := Unmarshal(msg.Payload)
	if err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	return hb
}

// --- Unit Tests ---

func TestHeartbeat_Marshal(t *testing.T) {
	hb := &Heartbeat{
		AgentID:     "agent-1",
		LogicalType: "fetcher",
		Timestamp:   time.Now().Truncate(time.Millisecond),
		Status:      "busy",
		Load:        0.75,
		ActiveTasks: 3,
		Metadata:    map[string]string{"version": "1.0"},
	}

	data, err := hb.Marshal()
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	if got.AgentID != hb.AgentID || got.LogicalType != hb.LogicalType {
		t.Errorf("identity = %s/%s, want %s/%s", got.AgentID, got.LogicalType, hb.AgentID, hb.LogicalType)
	}
	if got.Load != hb.Load || got.ActiveTasks != hb.ActiveTasks {
		t.Errorf("load = %v/%d, want %v/%d", got.Load, got.ActiveTasks, hb.Load, hb.ActiveTasks)
	}
	if !got.Timestamp.Equal(hb.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, hb.Timestamp)
	}
	if got.Metadata["version"] != "1.0" {
		t.Errorf("Metadata[version] = %q, want %q", got.Metadata["version"], "1.0")
	}
}

func TestUnmarshal_Invalid(t *testing.T) {
	if _, err := Unmarshal([]byte("not json")); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestSenderConfig_Validate(t *testing.T) {
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()

	tests := []struct {
		name    string
		cfg     SenderConfig
		wantErr bool
	}{
		{"valid", SenderConfig{Bus: b, AgentID: "agent-1"}, false},
		{"missing bus", SenderConfig{AgentID: "agent-1"}, true},
		{"missing agent ID", SenderConfig{Bus: b}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// --- Integration Tests ---

func TestBusSender_StartSendsImmediately(t *testing.T) {
	b := newTestBus(t)
	p := observer(t, b)

	sender, err := NewBusSender(SenderConfig{
		Bus:         b,
		AgentID:     "agent-1",
		LogicalType: "fetcher",
		Interval:    time.Hour,
	})
	if err != nil {
		t.Fatalf("NewBusSender error: %v", err)
	}

	if err := sender.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	defer sender.Stop()

	hb := nextHeartbeat(t, b, p)
	if hb.AgentID != "agent-1" || hb.LogicalType != "fetcher" {
		t.Errorf("heartbeat = %+v", hb)
	}
	if hb.Status != "idle" {
		t.Errorf("Status = %q, want idle", hb.Status)
	}
}

func TestBusSender_DoubleStartAndStop(t *testing.T) {
	b := newTestBus(t)
	sender, _ := NewBusSender(SenderConfig{Bus: b, AgentID: "agent-1", Interval: time.Hour})

	if err := sender.Stop(); err != ErrNotStarted {
		t.Errorf("Stop before Start = %v, want ErrNotStarted", err)
	}

	sender.Start(context.Background())
	if err := sender.Start(context.Background()); err != ErrAlreadyStarted {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
	if err := sender.Stop(); err != nil {
		t.Errorf("Stop error: %v", err)
	}
}

func TestBusSender_BeatCarriesState(t *testing.T) {
	b := newTestBus(t)
	p := observer(t, b)
	sender, _ := NewBusSender(SenderConfig{Bus: b, AgentID: "agent-1"})

	sender.SetStatus("busy")
	sender.SetLoad(1.5)
	sender.SetActiveTasks(2)
	sender.SetMetadata("region", "eu")

	if err := sender.Beat(context.Background()); err != nil {
		t.Fatalf("Beat error: %v", err)
	}

	hb := nextHeartbeat(t, b, p)
	if hb.Status != "busy" {
		t.Errorf("Status = %q, want busy", hb.Status)
	}
	if hb.Load != 1 {
		t.Errorf("Load = %v, want clamped 1", hb.Load)
	}
	if hb.ActiveTasks != 2 {
		t.Errorf("ActiveTasks = %d, want 2", hb.ActiveTasks)
	}
	if hb.Metadata["region"] != "eu" {
		t.Errorf("Metadata = %v", hb.Metadata)
	}

	sender.SetLoad(-1)
	sender.Beat(context.Background())
	if hb := nextHeartbeat(t, b, p); hb.Load != 0 {
		t.Errorf("Load = %v, want clamped 0", hb.Load)
	}
}

func TestBusSender_Periodic(t *testing.T) {
	b := newTestBus(t)
	p := observer(t, b)
	sender, _ := NewBusSender(SenderConfig{Bus: b, AgentID: "agent-1", Interval: 10 * time.Millisecond})

	sender.Start(context.Background())
	defer sender.Stop()

	for i := 0; i < 3; i++ {
		nextHeartbeat(t, b, p)
	}
}

func TestBusSender_ContextCancel(t *testing.T) {
	b := newTestBus(t)
	sender, _ := NewBusSender(SenderConfig{Bus: b, AgentID: "agent-1", Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	sender.Start(ctx)
	cancel()

	deadline := time.After(time.Second)
	for sender.running.Load() {
		select {
		case <-deadline:
			t.Fatal("sender did not stop on cancel")
		case <-time.After(time.Millisecond):
		}
	}
	if err := sender.Stop(); err != ErrNotStarted {
		t.Errorf("Stop after cancel = %v, want ErrNotStarted", err)
	}
}
