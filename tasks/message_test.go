package tasks

import (
	"encoding/json"
	"testing"
	"time"
)

func TestTaskMessage_Validate(t *testing.T) {
	valid := TaskMessage{ExecutionID: "e", TaskID: "t", ReplyTo: "engine"}

	tests := []struct {
		name    string
		mutate  func(*TaskMessage)
		wantErr bool
	}{
		{"valid", func(m *TaskMessage) {}, false},
		{"missing task", func(m *TaskMessage) { m.TaskID = "" }, true},
		{"missing execution", func(m *TaskMessage) { m.ExecutionID = "" }, true},
		{"missing reply", func(m *TaskMessage) { m.ReplyTo = "" }, true},
		{"negative timeout", func(m *TaskMessage) { m.TimeoutMs = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := valid
			tt.mutate(&m)
			if err := m.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTaskMessage_RoundTrip(t *testing.T) {
	m := &TaskMessage{
		ExecutionID:  "exec-1",
		TaskID:       "fetch",
		Kind:         "sequential",
		Capabilities: []string{"http"},
		ReplyTo:      "engine",
		TimeoutMs:    1500,
		Attempt:      2,
		Payload:      json.RawMessage(`{"url":"x"}`),
		PriorOutputs: map[string]json.RawMessage{"auth": json.RawMessage(`"token"`)},
	}

	data, err := m.Marshal()
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	got, err := UnmarshalTaskMessage(data)
	if err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	if got.Timeout() != 1500*time.Millisecond {
		t.Errorf("Timeout() = %v, want 1.5s", got.Timeout())
	}
	if string(got.PriorOutputs["auth"]) != `"token"` {
		t.Errorf("PriorOutputs = %v", got.PriorOutputs)
	}
	if got.Attempt != 2 || got.Capabilities[0] != "http" {
		t.Errorf("got %+v", got)
	}
}

func TestTaskResult(t *testing.T) {
	msg := &TaskMessage{ExecutionID: "e", TaskID: "t", Attempt: 3}
	r := NewTaskResult(msg, "agent-1", ResultSuccess)
	r.DurationMs = 250

	if !r.Success() {
		t.Error("Success() = false, want true")
	}
	if r.Duration() != 250*time.Millisecond {
		t.Errorf("Duration() = %v", r.Duration())
	}
	if r.Attempt != 3 || r.ExecutionID != "e" || r.CompletedAt.IsZero() {
		t.Errorf("result = %+v", r)
	}

	data, _ := r.Marshal()
	got, err := UnmarshalTaskResult(data)
	if err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if got.AgentID != "agent-1" || got.Status != ResultSuccess {
		t.Errorf("round trip = %+v", got)
	}

	if _, err := UnmarshalTaskResult([]byte("nope")); err == nil {
		t.Error("expected error for invalid JSON")
	}
}
