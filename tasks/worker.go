package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/swarmbus/bus"
	swarmerr "github.com/vinayprograms/swarmbus/errors"
	"github.com/vinayprograms/swarmbus/heartbeat"
	"github.com/vinayprograms/swarmbus/logging"
	"github.com/vinayprograms/swarmbus/registry"
)

// Handler runs one task. The returned output is JSON-encoded into the
// result; a []byte or json.RawMessage is sent as is.
type Handler func(ctx context.Context, task *TaskMessage) (interface{}, error)

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	// Bus the worker registers on. Required.
	Bus bus.MessageBus

	// AgentID is the worker's bus and registry id. Required.
	AgentID string

	// LogicalType puts the worker in a load-balancing pool.
	LogicalType string

	// Capabilities are advertised in the registry.
	Capabilities []string

	// MaxLoad bounds concurrently running tasks.
	// Default: 1
	MaxLoad int

	// Handler executes tasks. Required.
	Handler Handler

	// Registry, if set, receives the worker's AgentInfo on Start and is
	// cleared on Stop.
	Registry registry.Registry

	// DefaultTimeout applies to tasks that carry none.
	// Default: 5m
	DefaultTimeout time.Duration

	// HeartbeatInterval between periodic heartbeats.
	// Default: 5s
	HeartbeatInterval time.Duration

	// PollTimeout bounds each GetNextMessage wait.
	// Default: 1s
	PollTimeout time.Duration

	// Logger for worker events. Defaults to component "worker".
	Logger *logging.Logger
}

// DefaultWorkerConfig returns configuration with sensible defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		MaxLoad:           1,
		DefaultTimeout:    5 * time.Minute,
		HeartbeatInterval: 5 * time.Second,
		PollTimeout:       time.Second,
	}
}

// Validate checks the configuration.
func (c *WorkerConfig) Validate() error {
	if c.Bus == nil || c.AgentID == "" || c.Handler == nil {
		return ErrInvalidConfig
	}
	if c.MaxLoad < 0 {
		return fmt.Errorf("%w: max load must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Worker is an agent loop: it polls its mailbox, runs task.execute
// commands through the Handler, reports task.started and task.result to
// the engine, answers pings with a heartbeat and heartbeats periodically
// with its load.
type Worker struct {
	config WorkerConfig
	logger *logging.Logger
	sender *heartbeat.BusSender

	slots  chan struct{}
	active atomic.Int32

	completed atomic.Uint64
	failed    atomic.Uint64

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
	tasks   sync.WaitGroup
}

// NewWorker creates a worker.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	def := DefaultWorkerConfig()
	if cfg.MaxLoad == 0 {
		cfg.MaxLoad = def.MaxLoad
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = def.PollTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New().WithComponent("worker")
	}

	sender, err := heartbeat.NewBusSender(heartbeat.SenderConfig{
		Bus:         cfg.Bus,
		AgentID:     cfg.AgentID,
		LogicalType: cfg.LogicalType,
		Interval:    cfg.HeartbeatInterval,
	})
	if err != nil {
		return nil, err
	}

	return &Worker{
		config: cfg,
		logger: logger,
		sender: sender,
		slots:  make(chan struct{}, cfg.MaxLoad),
	}, nil
}

// ID returns the worker's agent id.
func (w *Worker) ID() string {
	return w.config.AgentID
}

// Active returns the number of tasks currently running.
func (w *Worker) Active() int {
	return int(w.active.Load())
}

// Completed and Failed count finished tasks by outcome.
func (w *Worker) Completed() uint64 { return w.completed.Load() }
func (w *Worker) Failed() uint64    { return w.failed.Load() }

// Start registers the worker and begins polling.
func (w *Worker) Start(ctx context.Context) error {
	if w.running.Swap(true) {
		return ErrAlreadyStarted
	}

	if err := w.config.Bus.Register(w.config.AgentID, bus.WithLogicalType(w.config.LogicalType)); err != nil {
		w.running.Store(false)
		return err
	}
	if w.config.Registry != nil {
		err := w.config.Registry.Register(registry.AgentInfo{
			ID:           w.config.AgentID,
			LogicalType:  w.config.LogicalType,
			Capabilities: w.config.Capabilities,
			MaxLoad:      w.config.MaxLoad,
			Status:       registry.StatusIdle,
		})
		if err != nil {
			w.config.Bus.Unregister(w.config.AgentID)
			w.running.Store(false)
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	if err := w.sender.Start(runCtx); err != nil {
		w.logger.Warn("heartbeat_start_failed", map[string]interface{}{"error": err.Error()})
	}
	go w.loop(runCtx)

	w.logger.Info("worker_started", map[string]interface{}{
		"agent":    w.config.AgentID,
		"type":     w.config.LogicalType,
		"max_load": w.config.MaxLoad,
	})
	return nil
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)

	for {
		msg, err := w.config.Bus.GetNextMessage(ctx, w.config.AgentID, w.config.PollTimeout)
		if err != nil {
			if errors.Is(err, bus.ErrTimeout) {
				continue
			}
			// Canceled, closed bus or unregistered mailbox.
			return
		}
		w.dispatch(ctx, msg)
	}
}

func (w *Worker) dispatch(ctx context.Context, msg *bus.Message) {
	switch msg.Event {
	case EventExecute:
		var task TaskMessage
		if err := msg.Decode(&task); err != nil || task.Validate() != nil {
			w.logger.Warn("task_rejected", map[string]interface{}{
				"id":     msg.ID,
				"sender": msg.Sender,
			})
			return
		}
		w.tasks.Add(1)
		go w.execute(ctx, &task)

	case EventPing:
		if err := w.sender.Beat(ctx); err != nil {
			w.logger.Warn("ping_reply_failed", map[string]interface{}{"error": err.Error()})
		}

	default:
		w.logger.Debug("message_ignored", map[string]interface{}{
			"id":    msg.ID,
			"event": msg.Event,
		})
	}
}

// execute waits for a free slot and runs the task.
func (w *Worker) execute(ctx context.Context, task *TaskMessage) {
	defer w.tasks.Done()

	select {
	case w.slots <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-w.slots }()

	w.adjustLoad(1)
	defer w.adjustLoad(-1)

	w.report(ctx, task.ReplyTo, EventStarted, TaskStarted{
		ExecutionID: task.ExecutionID,
		TaskID:      task.TaskID,
		AgentID:     w.config.AgentID,
		Attempt:     task.Attempt,
		StartedAt:   time.Now(),
	})

	result := w.run(ctx, task)
	if result.Success() {
		w.completed.Add(1)
	} else {
		w.failed.Add(1)
	}
	w.report(ctx, task.ReplyTo, EventResult, result)
}

// run invokes the handler under the task timeout and converts its outcome
// into a result.
func (w *Worker) run(ctx context.Context, task *TaskMessage) *TaskResult {
	timeout := task.Timeout()
	if timeout <= 0 {
		timeout = w.config.DefaultTimeout
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	output, err := w.invoke(taskCtx, task)
	elapsed := time.Since(start)

	status := ResultSuccess
	var data []byte
	if err == nil {
		data, err = bus.EncodePayload(output)
	}
	if err != nil {
		status = ResultFailed
		if errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
			status = ResultTimeout
		}
	}

	result := NewTaskResult(task, w.config.AgentID, status)
	result.DurationMs = elapsed.Milliseconds()
	if data != nil {
		result.Output = json.RawMessage(data)
	}
	if err != nil {
		result.Error = err.Error()
	}
	return result
}

func (w *Worker) invoke(ctx context.Context, task *TaskMessage) (output interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = swarmerr.RecoverPanic(r)
			w.logger.Error("task_panic", map[string]interface{}{
				"task":  task.TaskID,
				"error": err.Error(),
			})
		}
	}()
	return w.config.Handler(ctx, task)
}

func (w *Worker) report(ctx context.Context, target, event string, payload interface{}) {
	if _, err := w.config.Bus.SendDirect(ctx, w.config.AgentID, target, event, payload); err != nil {
		w.logger.Warn("report_failed", map[string]interface{}{
			"event":  event,
			"target": target,
			"error":  err.Error(),
		})
	}
}

func (w *Worker) adjustLoad(delta int32) {
	n := w.active.Add(delta)
	w.sender.SetActiveTasks(int(n))
	w.sender.SetLoad(float64(n) / float64(w.config.MaxLoad))
	if n > 0 {
		w.sender.SetStatus(string(registry.StatusBusy))
	} else {
		w.sender.SetStatus(string(registry.StatusIdle))
	}
}

// Stop stops polling, waits for running tasks and unregisters.
func (w *Worker) Stop() error {
	if !w.running.Swap(false) {
		return ErrNotStarted
	}

	w.cancel()
	<-w.done
	w.tasks.Wait()
	w.sender.Stop()

	w.config.Bus.Unregister(w.config.AgentID)
	if w.config.Registry != nil {
		w.config.Registry.Deregister(w.config.AgentID)
	}

	w.logger.Info("worker_stopped", map[string]interface{}{
		"agent":     w.config.AgentID,
		"completed": w.completed.Load(),
		"failed":    w.failed.Load(),
	})
	return nil
}
