package tasks

import "errors"

// Common errors.
var (
	// ErrInvalidTask indicates the task is invalid (missing required fields).
	ErrInvalidTask = errors.New("invalid task")

	// ErrInvalidConfig indicates the worker configuration is incomplete.
	ErrInvalidConfig = errors.New("invalid worker configuration")

	// ErrAlreadyStarted is returned by Start on a running worker.
	ErrAlreadyStarted = errors.New("worker already started")

	// ErrNotStarted is returned by Stop on a worker that is not running.
	ErrNotStarted = errors.New("worker not started")
)

// Event names carried in bus.Message.Event.
const (
	// EventExecute asks an agent to run a task. Sent by the engine.
	EventExecute = "task.execute"

	// EventStarted tells the engine an agent began a task.
	EventStarted = "task.started"

	// EventResult reports a task outcome to the engine.
	EventResult = "task.result"

	// EventPing is the health check command. Agents answer with a heartbeat.
	EventPing = "ping"
)
