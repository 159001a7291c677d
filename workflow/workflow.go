package workflow

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/vinayprograms/swarmbus/bus"
)

// Common errors.
var (
	ErrAlreadyStarted  = errors.New("engine already started")
	ErrNotStarted      = errors.New("engine not started")
	ErrTaskNotInFlight = errors.New("task is not assigned or running")
)

// TaskKind describes a task's role in the graph. Kinds only affect timeout
// bounds and performance bookkeeping; control flow is always the DAG.
type TaskKind string

const (
	KindSequential  TaskKind = "sequential"
	KindParallel    TaskKind = "parallel"
	KindConditional TaskKind = "conditional"
	KindLoop        TaskKind = "loop"
	KindBranch      TaskKind = "branch"
	KindMerge       TaskKind = "merge"
)

// TaskStatus is a task's position in its lifecycle.
type TaskStatus string

const (
	TaskWaiting   TaskStatus = "waiting"
	TaskReady     TaskStatus = "ready"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
)

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskSkipped
}

// InFlight reports whether the task holds a dispatch slot.
func (s TaskStatus) InFlight() bool {
	return s == TaskAssigned || s == TaskRunning
}

// FailureStrategy decides what a permanently failed task does to its
// execution.
type FailureStrategy string

const (
	// StrategyStop aborts the execution; unfinished tasks are skipped.
	StrategyStop FailureStrategy = "stop"
	// StrategyContinue skips the failed task's dependents and keeps going.
	StrategyContinue FailureStrategy = "continue"
	// StrategyRetry restarts the whole execution, up to MaxResubmissions.
	StrategyRetry FailureStrategy = "retry"
)

// ExecutionStatus is the state of one run of a workflow.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// Task is one node of a workflow graph. The definition fields are set by
// the author; the runtime fields are owned by the engine.
type Task struct {
	ID           string          `json:"id"`
	Kind         TaskKind        `json:"kind"`
	Capabilities []string        `json:"capabilities,omitempty"`
	Dependencies []string        `json:"dependencies,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Timeout      time.Duration   `json:"timeout,omitempty"`
	MaxRetries   int             `json:"max_retries,omitempty"` // attempts before FAILED; 0 = engine default
	Priority     bus.Priority    `json:"priority,omitempty"`

	// Pool, if set, sends the task to the least-loaded instance of that
	// logical type through the bus instead of a scored registry pick.
	Pool string `json:"pool,omitempty"`

	Status        TaskStatus      `json:"status"`
	AssignedAgent string          `json:"assigned_agent,omitempty"`
	Attempts      int             `json:"attempts"`
	CreatedAt     time.Time       `json:"created_at,omitempty"`
	StartedAt     time.Time       `json:"started_at,omitempty"`
	CompletedAt   time.Time       `json:"completed_at,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
}

func (t *Task) clone() *Task {
	c := *t
	c.Capabilities = append([]string(nil), t.Capabilities...)
	c.Dependencies = append([]string(nil), t.Dependencies...)
	if t.Payload != nil {
		c.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	if t.Result != nil {
		c.Result = append(json.RawMessage(nil), t.Result...)
	}
	return &c
}

// reset returns the task to its pre-execution state.
func (t *Task) reset(now time.Time) {
	t.Status = TaskWaiting
	t.AssignedAgent = ""
	t.Attempts = 0
	t.CreatedAt = now
	t.StartedAt = time.Time{}
	t.CompletedAt = time.Time{}
	t.Result = nil
	t.Error = ""
}

// SuccessCriteria lets an execution with failed tasks still count as
// completed.
type SuccessCriteria struct {
	// RequiredTasks must all be completed.
	RequiredTasks []string `json:"required_tasks,omitempty"`

	// MinCompletionRatio is the fraction of tasks that must complete.
	MinCompletionRatio float64 `json:"min_completion_ratio,omitempty"`
}

// Met reports whether the task states satisfy the criteria.
func (c *SuccessCriteria) Met(tasks map[string]*Task) bool {
	for _, id := range c.RequiredTasks {
		t, ok := tasks[id]
		if !ok || t.Status != TaskCompleted {
			return false
		}
	}
	if len(tasks) == 0 {
		return true
	}
	done := 0
	for _, t := range tasks {
		if t.Status == TaskCompleted {
			done++
		}
	}
	return float64(done)/float64(len(tasks)) >= c.MinCompletionRatio
}

// Definition is a workflow graph plus its execution policy.
type Definition struct {
	ID               string           `json:"id"`
	Name             string           `json:"name,omitempty"`
	Tasks            map[string]*Task `json:"tasks"`
	ParallelLimit    int              `json:"parallel_limit"`
	GlobalTimeout    time.Duration    `json:"global_timeout,omitempty"` // 0 = none
	FailureStrategy  FailureStrategy  `json:"failure_strategy,omitempty"`
	SuccessCriteria  *SuccessCriteria `json:"success_criteria,omitempty"`
	MaxResubmissions int              `json:"max_resubmissions,omitempty"` // retry strategy; 0 = 1
}

func (d *Definition) clone() *Definition {
	c := *d
	c.Tasks = make(map[string]*Task, len(d.Tasks))
	for id, t := range d.Tasks {
		if t != nil {
			c.Tasks[id] = t.clone()
		} else {
			c.Tasks[id] = nil
		}
	}
	if d.SuccessCriteria != nil {
		sc := *d.SuccessCriteria
		sc.RequiredTasks = append([]string(nil), d.SuccessCriteria.RequiredTasks...)
		c.SuccessCriteria = &sc
	}
	return &c
}

// Status is a point-in-time snapshot of an execution.
type Status struct {
	ExecutionID   string            `json:"execution_id"`
	WorkflowID    string            `json:"workflow_id"`
	Name          string            `json:"name,omitempty"`
	Status        ExecutionStatus   `json:"status"`
	Tasks         map[string]Task   `json:"tasks"`
	Params        map[string]string `json:"params,omitempty"`
	StartedAt     time.Time         `json:"started_at"`
	FinishedAt    time.Time         `json:"finished_at,omitempty"`
	FailedTasks   []string          `json:"failed_tasks,omitempty"`
	Resubmissions int               `json:"resubmissions,omitempty"`
	Error         string            `json:"error,omitempty"`
}

// Count returns how many tasks are in status s.
func (s *Status) Count(status TaskStatus) int {
	n := 0
	for _, t := range s.Tasks {
		if t.Status == status {
			n++
		}
	}
	return n
}

// Terminal reports whether the execution has finished.
func (s *Status) Terminal() bool {
	return s.Status != ExecutionRunning
}

// Event is the payload of a terminal workflow event.
type Event struct {
	ExecutionID string          `json:"execution_id"`
	WorkflowID  string          `json:"workflow_id"`
	Status      ExecutionStatus `json:"status"`
	FailedTasks []string        `json:"failed_tasks,omitempty"`
	Error       string          `json:"error,omitempty"`
	DurationMs  int64           `json:"duration_ms"`
}

// Terminal event names published on Config.EventTopic.
const (
	EventCompleted = "workflow.completed"
	EventFailed    = "workflow.failed"
)
