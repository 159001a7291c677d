package tasks

import (
	"encoding/json"
	"time"
)

// TaskMessage is the payload of a task.execute command.
type TaskMessage struct {
	// Identity & correlation
	ExecutionID string `json:"execution_id"`
	WorkflowID  string `json:"workflow_id,omitempty"`
	TaskID      string `json:"task_id"`
	Kind        string `json:"kind,omitempty"`

	// Routing
	Capabilities []string `json:"capabilities,omitempty"` // what the assigned agent was chosen for
	ReplyTo      string   `json:"reply_to"`               // agent id that receives started/result events

	// Execution control
	TimeoutMs   int64 `json:"timeout_ms,omitempty"` // 0 = worker default
	Attempt     int   `json:"attempt"`              // 1-indexed
	MaxAttempts int   `json:"max_attempts,omitempty"`

	// Payload
	Payload json.RawMessage   `json:"payload,omitempty"`
	Params  map[string]string `json:"params,omitempty"` // execution parameters

	// Outputs of completed dependencies, keyed by task id.
	PriorOutputs map[string]json.RawMessage `json:"prior_outputs,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Timeout returns the task timeout, or zero for the worker default.
func (m *TaskMessage) Timeout() time.Duration {
	return time.Duration(m.TimeoutMs) * time.Millisecond
}

// Validate checks if the task message has required fields.
func (m *TaskMessage) Validate() error {
	if m.TaskID == "" || m.ExecutionID == "" || m.ReplyTo == "" {
		return ErrInvalidTask
	}
	if m.TimeoutMs < 0 {
		return ErrInvalidTask
	}
	return nil
}

// Marshal serializes the task message to JSON.
func (m *TaskMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalTaskMessage deserializes a task message from JSON.
func UnmarshalTaskMessage(data []byte) (*TaskMessage, error) {
	var m TaskMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// TaskStarted is the payload of a task.started event.
type TaskStarted struct {
	ExecutionID string    `json:"execution_id"`
	TaskID      string    `json:"task_id"`
	AgentID     string    `json:"agent_id"`
	Attempt     int       `json:"attempt"`
	StartedAt   time.Time `json:"started_at"`
}

// ResultStatus represents the outcome of a task.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailed  ResultStatus = "failed"
	ResultTimeout ResultStatus = "timeout"
)

// TaskResult is the payload of a task.result event.
type TaskResult struct {
	ExecutionID string `json:"execution_id"`
	TaskID      string `json:"task_id"`

	// Outcome
	Status ResultStatus    `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`

	// Execution info
	AgentID     string    `json:"agent_id"`
	Attempt     int       `json:"attempt"`
	DurationMs  int64     `json:"duration_ms"`
	CompletedAt time.Time `json:"completed_at"`
}

// Success reports whether the task succeeded.
func (r *TaskResult) Success() bool {
	return r.Status == ResultSuccess
}

// Duration returns the reported execution time.
func (r *TaskResult) Duration() time.Duration {
	return time.Duration(r.DurationMs) * time.Millisecond
}

// Marshal serializes the task result to JSON.
func (r *TaskResult) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalTaskResult deserializes a task result from JSON.
func UnmarshalTaskResult(data []byte) (*TaskResult, error) {
	var r TaskResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// NewTaskResult creates a task result for msg.
func NewTaskResult(msg *TaskMessage, agentID string, status ResultStatus) *TaskResult {
	return &TaskResult{
		ExecutionID: msg.ExecutionID,
		TaskID:      msg.TaskID,
		AgentID:     agentID,
		Attempt:     msg.Attempt,
		Status:      status,
		CompletedAt: time.Now(),
	}
}
