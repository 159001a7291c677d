package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/vinayprograms/swarmbus/archive"
	"github.com/vinayprograms/swarmbus/bus"
	swarmerr "github.com/vinayprograms/swarmbus/errors"
	"github.com/vinayprograms/swarmbus/logging"
	"github.com/vinayprograms/swarmbus/registry"
	"github.com/vinayprograms/swarmbus/tasks"
	"github.com/vinayprograms/swarmbus/telemetry"
)

// Config configures an Engine.
type Config struct {
	// Bus carries dispatches and results. Required.
	Bus bus.MessageBus

	// Registry supplies candidate agents for scored dispatch. Without it
	// only tasks with a Pool can be dispatched.
	Registry registry.Registry

	// AgentID is the engine's bus identity; results are sent here.
	// Default: "workflow-engine"
	AgentID string

	// PollInterval between scheduling passes.
	// Default: 100ms
	PollInterval time.Duration

	// DefaultMaxRetries is the attempt budget of tasks that set none.
	// Default: 3
	DefaultMaxRetries int

	// AssignTimeout is how long a ready task may wait for a capable
	// agent. Each expired wait counts as a failed attempt.
	// Default: 30s
	AssignTimeout time.Duration

	// ArchiveGrace is how long finished executions stay queryable.
	// Default: 5m
	ArchiveGrace time.Duration

	// PublishEvents sends workflow.completed / workflow.failed on
	// EventTopic when an execution ends.
	// Default: true
	PublishEvents bool

	// EventTopic for terminal events.
	// Default: "workflow.events"
	EventTopic string

	// Exporter receives lifecycle events. Defaults to a noop exporter.
	Exporter telemetry.Exporter

	// Logger for engine events. Defaults to component "workflow".
	Logger *logging.Logger
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		AgentID:           "workflow-engine",
		PollInterval:      100 * time.Millisecond,
		DefaultMaxRetries: 3,
		AssignTimeout:     30 * time.Second,
		ArchiveGrace:      5 * time.Minute,
		PublishEvents:     true,
		EventTopic:        "workflow.events",
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Bus == nil {
		return swarmerr.InvalidInput("workflow engine requires a bus")
	}
	if c.DefaultMaxRetries < 0 {
		return swarmerr.InvalidInput("default max retries must not be negative")
	}
	if c.AssignTimeout < 0 {
		return swarmerr.InvalidInput("assign timeout must not be negative")
	}
	return nil
}

// Engine schedules workflow tasks onto agents and tracks executions.
type Engine struct {
	config   Config
	logger   *logging.Logger
	exporter telemetry.Exporter
	scorer   *Scorer
	archive  *archive.Store[*Status]

	mu         sync.Mutex
	workflows  map[string]*Definition
	executions map[string]*execution
	inflight   map[string]int // agent id -> assigned tasks across executions

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ bus.DeadLetterSink = (*Engine)(nil)

// execution is one run of a definition. Guarded by Engine.mu.
type execution struct {
	id     string
	def    *Definition
	params map[string]string
	tasks  map[string]*Task

	// seq counts dispatches per task across resubmissions; results that
	// do not carry the current value are stale.
	seq map[string]int
	// counted maps task id to the agent whose in-flight slot it holds.
	counted map[string]string
	// unassigned maps ready task ids to when they first found no
	// capable agent.
	unassigned map[string]time.Time

	status        ExecutionStatus
	startedAt     time.Time
	finishedAt    time.Time
	deadline      time.Time
	resubmissions int
	failedTasks   []string
	err           string

	ctx  context.Context
	span trace.Span
	wake chan struct{}
	done chan struct{}
}

// outcome is one attempt's result as seen by the engine.
type outcome struct {
	success  bool
	output   json.RawMessage
	err      string
	agentID  string
	duration time.Duration
}

// dispatch is an assignment made under the lock and sent after it.
type dispatch struct {
	taskID   string
	kind     TaskKind
	agent    string
	pool     string
	priority bus.Priority
	attempt  int
	score    float64
	msg      *tasks.TaskMessage
}

// NewEngine creates an engine. Call Start before executing workflows.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	def := DefaultConfig()
	if cfg.AgentID == "" {
		cfg.AgentID = def.AgentID
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.DefaultMaxRetries == 0 {
		cfg.DefaultMaxRetries = def.DefaultMaxRetries
	}
	if cfg.AssignTimeout == 0 {
		cfg.AssignTimeout = def.AssignTimeout
	}
	if cfg.ArchiveGrace <= 0 {
		cfg.ArchiveGrace = def.ArchiveGrace
	}
	if cfg.EventTopic == "" {
		cfg.EventTopic = def.EventTopic
	}
	exporter := cfg.Exporter
	if exporter == nil {
		exporter = telemetry.NewNoopExporter()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New().WithComponent("workflow")
	}

	return &Engine{
		config:     cfg,
		logger:     logger,
		exporter:   exporter,
		scorer:     NewScorer(),
		archive:    archive.New[*Status](archive.Config{TTL: cfg.ArchiveGrace}),
		workflows:  make(map[string]*Definition),
		executions: make(map[string]*execution),
		inflight:   make(map[string]int),
	}, nil
}

// ID returns the engine's bus agent id.
func (e *Engine) ID() string {
	return e.config.AgentID
}

// Scorer exposes the agent performance statistics.
func (e *Engine) Scorer() *Scorer {
	return e.scorer
}

// Start registers the engine on the bus and, with a registry, watches for
// departing agents.
func (e *Engine) Start(ctx context.Context) error {
	if e.running.Swap(true) {
		return ErrAlreadyStarted
	}
	if err := e.config.Bus.Register(e.config.AgentID, bus.WithHandler(e.handle)); err != nil {
		e.running.Store(false)
		return err
	}
	e.config.Bus.AddDeadLetterSink(e)

	e.ctx, e.cancel = context.WithCancel(ctx)

	if e.config.Registry != nil {
		events, err := e.config.Registry.Watch()
		if err != nil {
			e.logger.Warn("registry_watch_failed", map[string]interface{}{"error": err.Error()})
		} else {
			e.wg.Add(1)
			go e.watchAgents(events)
		}
	}

	e.logger.Info("engine_started", map[string]interface{}{"agent": e.config.AgentID})
	return nil
}

// Stop abandons running executions as failed and unregisters from the bus.
// Finished executions are no longer queryable afterwards.
func (e *Engine) Stop() error {
	if !e.running.Swap(false) {
		return ErrNotStarted
	}
	e.cancel()
	e.wg.Wait()
	e.config.Bus.Unregister(e.config.AgentID)
	e.archive.Close()
	if err := e.exporter.Flush(); err != nil {
		e.logger.Warn("exporter_flush_failed", map[string]interface{}{"error": err.Error()})
	}
	e.logger.Info("engine_stopped")
	return nil
}

// --- Definitions ---

// CreateWorkflow validates def, normalizes a copy of it and stores it.
// An empty ID is generated.
func (e *Engine) CreateWorkflow(def *Definition) (string, error) {
	if err := Validate(def); err != nil {
		e.logger.Warn("workflow_rejected", map[string]interface{}{"error": err.Error()})
		return "", err
	}
	c := def.clone()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	normalize(c)

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.workflows[c.ID]; exists {
		return "", swarmerr.AlreadyExists("workflow "+c.ID+" already exists", swarmerr.WithMetadata("workflow_id", c.ID))
	}
	e.workflows[c.ID] = c

	e.logger.Info("workflow_created", map[string]interface{}{
		"workflow": c.ID,
		"tasks":    len(c.Tasks),
		"limit":    c.ParallelLimit,
		"strategy": c.FailureStrategy,
	})
	return c.ID, nil
}

// Workflow returns a copy of a stored definition.
func (e *Engine) Workflow(id string) (*Definition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	def, ok := e.workflows[id]
	if !ok {
		return nil, swarmerr.NotFound("workflow "+id+" not found", swarmerr.WithMetadata("workflow_id", id))
	}
	return def.clone(), nil
}

// --- Executions ---

// ExecuteWorkflow starts a run of workflowID and returns its execution id.
// The run belongs to the engine; ctx only parents its trace.
func (e *Engine) ExecuteWorkflow(ctx context.Context, workflowID string, params map[string]string) (string, error) {
	if !e.running.Load() {
		return "", ErrNotStarted
	}

	e.mu.Lock()
	def, ok := e.workflows[workflowID]
	if !ok {
		e.mu.Unlock()
		return "", swarmerr.NotFound("workflow "+workflowID+" not found", swarmerr.WithMetadata("workflow_id", workflowID))
	}

	now := time.Now()
	x := &execution{
		id:        uuid.NewString(),
		def:       def,
		params:    make(map[string]string, len(params)),
		tasks:     make(map[string]*Task, len(def.Tasks)),
		seq:       make(map[string]int),
		counted:    make(map[string]string),
		unassigned: make(map[string]time.Time),
		status:     ExecutionRunning,
		startedAt: now,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for k, v := range params {
		x.params[k] = v
	}
	for id, t := range def.Tasks {
		c := t.clone()
		c.reset(now)
		x.tasks[id] = c
	}
	if def.GlobalTimeout > 0 {
		x.deadline = now.Add(def.GlobalTimeout)
	}
	x.ctx, x.span = telemetry.GetTracer().StartExecutionSpan(context.WithoutCancel(ctx), def.ID, x.id)

	e.executions[x.id] = x
	e.wg.Add(1)
	e.mu.Unlock()

	e.logger.ExecutionStart(def.ID, x.id, len(x.tasks))
	e.exporter.LogEvent("execution_start", map[string]interface{}{
		"workflow_id":  def.ID,
		"execution_id": x.id,
		"tasks":        len(x.tasks),
	})

	go e.run(x)
	return x.id, nil
}

// GetWorkflowStatus returns a snapshot of a running or recently finished
// execution.
func (e *Engine) GetWorkflowStatus(executionID string) (*Status, error) {
	e.mu.Lock()
	if x, ok := e.executions[executionID]; ok {
		snap := x.snapshot()
		e.mu.Unlock()
		return snap, nil
	}
	e.mu.Unlock()

	snap, err := e.archive.Get(executionID)
	if err != nil {
		return nil, swarmerr.NotFound("execution "+executionID+" not found", swarmerr.WithExecutionID(executionID))
	}
	return snap, nil
}

// Wait blocks until the execution finishes or ctx is done.
func (e *Engine) Wait(ctx context.Context, executionID string) (*Status, error) {
	e.mu.Lock()
	x, ok := e.executions[executionID]
	e.mu.Unlock()

	if ok {
		select {
		case <-x.done:
		case <-ctx.Done():
			return nil, swarmerr.Wrap(ctx.Err(), "wait for execution "+executionID)
		}
	}
	return e.GetWorkflowStatus(executionID)
}

// Executions returns the ids of running executions, sorted.
func (e *Engine) Executions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.executions))
	for id := range e.executions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CancelExecution ends a running execution as failed. Outstanding
// dispatches are abandoned and their results ignored.
func (e *Engine) CancelExecution(executionID string) error {
	e.mu.Lock()
	x, ok := e.executions[executionID]
	if !ok {
		e.mu.Unlock()
		return swarmerr.NotFound("execution "+executionID+" not running", swarmerr.WithExecutionID(executionID))
	}
	snap := e.abortLocked(x, "canceled", TaskSkipped)
	e.mu.Unlock()

	e.announce(x, snap)
	return nil
}

// HandleTaskCompletion records the outcome of the current attempt of a
// task. Results normally arrive as task.result messages; this is the
// direct entry point.
func (e *Engine) HandleTaskCompletion(executionID, taskID string, result json.RawMessage, success bool) error {
	e.mu.Lock()
	x, t, err := e.lookupLocked(executionID, taskID)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if !t.Status.InFlight() {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotInFlight, taskID)
	}
	o := outcome{success: success, output: result, agentID: t.AssignedAgent}
	if !success {
		o.err = "reported failure"
		if len(result) > 0 {
			o.err = string(result)
		}
	}
	snap := e.applyLocked(x, t, o)
	e.mu.Unlock()

	e.announce(x, snap)
	return nil
}

func (e *Engine) lookupLocked(executionID, taskID string) (*execution, *Task, error) {
	x, ok := e.executions[executionID]
	if !ok {
		return nil, nil, swarmerr.NotFound("execution "+executionID+" not running", swarmerr.WithExecutionID(executionID))
	}
	t, ok := x.tasks[taskID]
	if !ok {
		return nil, nil, swarmerr.NotFound("task "+taskID+" not found", swarmerr.WithExecutionID(executionID), swarmerr.WithTaskID(taskID))
	}
	return x, t, nil
}

// --- Scheduling ---

func (e *Engine) run(x *execution) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		e.step(x)

		select {
		case <-x.done:
			return
		case <-e.ctx.Done():
			e.mu.Lock()
			snap := e.abortLocked(x, "engine stopped", TaskSkipped)
			e.mu.Unlock()
			e.announce(x, snap)
			return
		case <-ticker.C:
		case <-x.wake:
		}
	}
}

// step is one scheduling pass: deadline check, promotion, completion
// check, then assignment of ready tasks.
func (e *Engine) step(x *execution) {
	e.mu.Lock()
	if x.status != ExecutionRunning {
		e.mu.Unlock()
		return
	}
	now := time.Now()

	if !x.deadline.IsZero() && now.After(x.deadline) {
		pending := x.pendingIDs()
		werr := swarmerr.WorkflowTimeout(x.id, pending)
		reason := fmt.Sprintf("%s (pending: %s)", werr.Error(), strings.Join(pending, ", "))
		snap := e.abortLocked(x, reason, TaskFailed)
		e.mu.Unlock()
		e.announce(x, snap)
		return
	}

	x.promote()

	if x.allTerminal() {
		status, reason := x.verdict()
		snap := e.finishLocked(x, status, reason)
		e.mu.Unlock()
		e.announce(x, snap)
		return
	}

	batch, snap := e.assignLocked(x, now)
	e.mu.Unlock()
	if snap != nil {
		e.announce(x, snap)
		return
	}

	for _, d := range batch {
		e.send(x, d)
	}
}

// assignLocked moves ready tasks to ASSIGNED, highest priority first,
// while the in-flight count stays within the parallel limit. A ready task
// that finds no capable agent for AssignTimeout spends an attempt; the
// returned snapshot is set when that ends the execution.
func (e *Engine) assignLocked(x *execution, now time.Time) ([]dispatch, *Status) {
	inFlight := 0
	var ready []*Task
	for _, t := range x.tasks {
		switch {
		case t.Status.InFlight():
			inFlight++
		case t.Status == TaskReady:
			ready = append(ready, t)
		}
	}
	if inFlight >= x.def.ParallelLimit || len(ready) == 0 {
		return nil, nil
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].ID < ready[j].ID
	})

	var out []dispatch
	for _, t := range ready {
		if inFlight >= x.def.ParallelLimit {
			break
		}
		// A resubmission earlier in this pass resets every task.
		if t.Status != TaskReady {
			continue
		}

		var (
			agent string
			score float64
		)
		if t.Pool == "" {
			c, s, ok := e.pickAgentLocked(t)
			if !ok {
				if snap := e.unassignableLocked(x, t, now); snap != nil {
					return nil, snap
				}
				continue
			}
			agent, score = c.AgentID, s
			delete(x.unassigned, t.ID)
		}

		x.seq[t.ID]++
		t.Attempts++
		t.Status = TaskAssigned
		t.AssignedAgent = agent
		t.StartedAt = now
		if agent != "" {
			e.inflight[agent]++
			x.counted[t.ID] = agent
		}
		inFlight++

		out = append(out, dispatch{
			taskID:   t.ID,
			kind:     t.Kind,
			agent:    agent,
			pool:     t.Pool,
			priority: t.Priority,
			attempt:  t.Attempts,
			score:    score,
			msg:      e.taskMessage(x, t, now),
		})
	}
	return out, nil
}

// unassignableLocked records that t has no capable agent. Once the wait
// exceeds AssignTimeout it counts as a failed attempt.
func (e *Engine) unassignableLocked(x *execution, t *Task, now time.Time) *Status {
	since, waiting := x.unassigned[t.ID]
	if !waiting {
		x.unassigned[t.ID] = now
		t.Error = swarmerr.NoCapableAgent(t.ID, t.Capabilities, swarmerr.WithExecutionID(x.id)).Error()
		e.logger.Warn("no_capable_agent", map[string]interface{}{
			"execution":    x.id,
			"task":         t.ID,
			"capabilities": strings.Join(t.Capabilities, ","),
		})
		return nil
	}
	if now.Sub(since) < e.config.AssignTimeout {
		return nil
	}

	delete(x.unassigned, t.ID)
	x.seq[t.ID]++
	t.Attempts++
	t.StartedAt = since
	return e.applyLocked(x, t, outcome{err: t.Error})
}

// pickAgentLocked scores registry agents holding every capability the
// task needs and below their capacity.
func (e *Engine) pickAgentLocked(t *Task) (Candidate, float64, bool) {
	if e.config.Registry == nil {
		return Candidate{}, 0, false
	}
	infos, err := e.config.Registry.FindByCapabilities(t.Capabilities)
	if err != nil {
		return Candidate{}, 0, false
	}

	candidates := make([]Candidate, 0, len(infos))
	for _, info := range infos {
		if info.Status == registry.StatusUnhealthy || info.Status == registry.StatusStopping {
			continue
		}
		candidates = append(candidates, Candidate{
			AgentID: info.ID,
			Load:    e.inflight[info.ID],
			MaxLoad: info.Capacity(),
		})
	}
	return e.scorer.Select(t.Kind, candidates)
}

func (e *Engine) taskMessage(x *execution, t *Task, now time.Time) *tasks.TaskMessage {
	var prior map[string]json.RawMessage
	for _, dep := range t.Dependencies {
		if d := x.tasks[dep]; d != nil && d.Result != nil {
			if prior == nil {
				prior = make(map[string]json.RawMessage, len(t.Dependencies))
			}
			prior[dep] = d.Result
		}
	}
	return &tasks.TaskMessage{
		ExecutionID:  x.id,
		WorkflowID:   x.def.ID,
		TaskID:       t.ID,
		Kind:         string(t.Kind),
		Capabilities: t.Capabilities,
		ReplyTo:      e.config.AgentID,
		TimeoutMs:    t.Timeout.Milliseconds(),
		Attempt:      x.seq[t.ID],
		MaxAttempts:  e.maxRetries(t),
		Payload:      t.Payload,
		Params:       x.params,
		PriorOutputs: prior,
		CreatedAt:    now,
	}
}

// send publishes a task.execute command. Directed dispatches target the
// scored agent; pool dispatches let the bus pick the least-loaded
// instance.
func (e *Engine) send(x *execution, d dispatch) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartDispatchSpan(x.ctx, d.taskID, string(d.kind))

	payload, err := bus.EncodePayload(d.msg)
	if err == nil {
		msg := &bus.Message{
			Sender:   e.config.AgentID,
			Type:     bus.TypeCommand,
			Event:    tasks.EventExecute,
			Payload:  payload,
			Priority: d.priority,
		}
		if d.agent != "" {
			msg.Targets = []string{d.agent}
		} else {
			msg.Topic = d.pool
		}
		_, err = e.config.Bus.Publish(ctx, msg)
	}
	tracer.EndDispatchSpan(span, telemetry.DispatchSpanOptions{
		AgentID: d.agent,
		Attempt: d.attempt,
		Score:   d.score,
	}, err)

	if err != nil {
		e.attemptFailed(x.id, d.taskID, d.msg.Attempt, d.agent, "dispatch failed: "+err.Error())
		return
	}

	target := d.agent
	if target == "" {
		target = "pool:" + d.pool
	}
	e.logger.TaskDispatched(x.id, d.taskID, target, d.attempt)
}

// --- Outcomes ---

// handle consumes messages addressed to the engine.
func (e *Engine) handle(ctx context.Context, msg *bus.Message) {
	switch msg.Event {
	case tasks.EventResult:
		var res tasks.TaskResult
		if err := msg.Decode(&res); err != nil {
			e.logger.Warn("bad_result", map[string]interface{}{"id": msg.ID, "error": err.Error()})
			return
		}
		e.handleResult(&res)

	case tasks.EventStarted:
		var st tasks.TaskStarted
		if err := msg.Decode(&st); err != nil {
			e.logger.Warn("bad_started", map[string]interface{}{"id": msg.ID, "error": err.Error()})
			return
		}
		e.handleStarted(&st)

	default:
		e.logger.Debug("message_ignored", map[string]interface{}{"id": msg.ID, "event": msg.Event})
	}
}

func (e *Engine) handleResult(res *tasks.TaskResult) {
	e.mu.Lock()
	x, t, err := e.lookupLocked(res.ExecutionID, res.TaskID)
	if err != nil || res.Attempt != x.seq[res.TaskID] || !t.Status.InFlight() {
		e.mu.Unlock()
		e.logger.Debug("stale_result", map[string]interface{}{
			"execution": res.ExecutionID,
			"task":      res.TaskID,
			"attempt":   res.Attempt,
		})
		return
	}
	if t.AssignedAgent == "" {
		t.AssignedAgent = res.AgentID
	}
	o := outcome{
		success:  res.Success(),
		output:   res.Output,
		err:      res.Error,
		agentID:  res.AgentID,
		duration: res.Duration(),
	}
	if !o.success && o.err == "" {
		o.err = string(res.Status)
	}
	snap := e.applyLocked(x, t, o)
	e.mu.Unlock()

	e.announce(x, snap)
}

func (e *Engine) handleStarted(st *tasks.TaskStarted) {
	e.mu.Lock()
	defer e.mu.Unlock()

	x, t, err := e.lookupLocked(st.ExecutionID, st.TaskID)
	if err != nil || st.Attempt != x.seq[st.TaskID] || t.Status != TaskAssigned {
		return
	}
	t.Status = TaskRunning
	if !st.StartedAt.IsZero() {
		t.StartedAt = st.StartedAt
	}
	if t.AssignedAgent == "" {
		t.AssignedAgent = st.AgentID
	}
	if _, ok := x.counted[t.ID]; !ok && st.AgentID != "" {
		e.inflight[st.AgentID]++
		x.counted[t.ID] = st.AgentID
	}
}

// HandleDeadLetter turns an undeliverable task.execute from this engine
// into a failed attempt.
func (e *Engine) HandleDeadLetter(dl bus.DeadLetter) error {
	msg := dl.Message
	if msg == nil || msg.Sender != e.config.AgentID || msg.Event != tasks.EventExecute {
		return nil
	}
	var tm tasks.TaskMessage
	if err := msg.Decode(&tm); err != nil {
		return swarmerr.Internal("decode dead-lettered dispatch "+msg.ID, swarmerr.WithCause(err))
	}
	reason := "dispatch dead-lettered: " + string(dl.Reason)
	if dl.Err != nil {
		reason = "dispatch dead-lettered: " + dl.Err.Error()
	}
	e.attemptFailed(tm.ExecutionID, tm.TaskID, tm.Attempt, dl.Recipient, reason)
	return nil
}

// attemptFailed fails the given dispatch if it is still current.
func (e *Engine) attemptFailed(executionID, taskID string, seq int, agentID, reason string) {
	e.mu.Lock()
	x, t, err := e.lookupLocked(executionID, taskID)
	if err != nil || seq != x.seq[taskID] || !t.Status.InFlight() {
		e.mu.Unlock()
		return
	}
	snap := e.applyLocked(x, t, outcome{err: reason, agentID: agentID})
	e.mu.Unlock()

	e.announce(x, snap)
}

func (e *Engine) watchAgents(events <-chan registry.Event) {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type == registry.EventRemoved {
				e.agentLost(ev.Agent.ID)
			}
		}
	}
}

// agentLost fails every attempt held by a departed agent.
func (e *Engine) agentLost(agentID string) {
	type finished struct {
		x    *execution
		snap *Status
	}
	var done []finished

	e.mu.Lock()
	ids := make([]string, 0, len(e.executions))
	for id := range e.executions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		x := e.executions[id]
		for _, tid := range sortedIDs(x.tasks) {
			if x.status != ExecutionRunning {
				break
			}
			t := x.tasks[tid]
			if !t.Status.InFlight() || t.AssignedAgent != agentID {
				continue
			}
			e.logger.Warn("agent_departed", map[string]interface{}{
				"agent":     agentID,
				"execution": x.id,
				"task":      t.ID,
			})
			if snap := e.applyLocked(x, t, outcome{err: "agent departed", agentID: agentID}); snap != nil {
				done = append(done, finished{x, snap})
			}
		}
	}
	e.mu.Unlock()

	for _, f := range done {
		e.announce(f.x, f.snap)
	}
}

// applyLocked records an attempt outcome and applies the retry budget and
// failure strategy. It returns a snapshot when the execution finished.
func (e *Engine) applyLocked(x *execution, t *Task, o outcome) *Status {
	now := time.Now()
	e.releaseLocked(x, t.ID)

	d := o.duration
	if d <= 0 && !t.StartedAt.IsZero() {
		d = now.Sub(t.StartedAt)
	}
	agent := o.agentID
	if agent == "" {
		agent = t.AssignedAgent
	}
	if agent != "" {
		e.scorer.Record(agent, t.Kind, o.success, d)
	}

	status := TaskCompleted
	var ferr error
	if !o.success {
		status = TaskFailed
		ferr = swarmerr.TaskFailed(t.ID, o.err, swarmerr.WithExecutionID(x.id), swarmerr.WithAgentID(agent))
	}
	e.logger.TaskFinished(x.id, t.ID, string(status), d, ferr)
	e.exporter.LogEvent("task_finished", map[string]interface{}{
		"execution_id": x.id,
		"task_id":      t.ID,
		"agent_id":     agent,
		"attempt":      t.Attempts,
		"success":      o.success,
		"duration_ms":  d.Milliseconds(),
	})

	defer x.signal()

	if o.success {
		t.Status = TaskCompleted
		t.Result = o.output
		t.Error = ""
		t.CompletedAt = now
		return nil
	}

	t.Error = o.err
	if t.Attempts < e.maxRetries(t) {
		t.Status = TaskReady
		t.AssignedAgent = ""
		return nil
	}

	t.Status = TaskFailed
	t.CompletedAt = now

	switch x.def.FailureStrategy {
	case StrategyContinue:
		x.skipDependents(t.ID)
		return nil

	case StrategyRetry:
		if x.resubmissions < maxResubmissions(x.def) {
			e.resubmitLocked(x, t.ID)
			return nil
		}
		return e.abortLocked(x, fmt.Sprintf("task %s failed after %d resubmissions: %s", t.ID, x.resubmissions, o.err), TaskSkipped)

	default:
		return e.abortLocked(x, fmt.Sprintf("task %s failed: %s", t.ID, o.err), TaskSkipped)
	}
}

func (e *Engine) releaseLocked(x *execution, taskID string) {
	agent, ok := x.counted[taskID]
	if !ok {
		return
	}
	delete(x.counted, taskID)
	if e.inflight[agent] <= 1 {
		delete(e.inflight, agent)
	} else {
		e.inflight[agent]--
	}
}

// resubmitLocked restarts every task of the execution.
func (e *Engine) resubmitLocked(x *execution, failedTask string) {
	x.resubmissions++
	now := time.Now()
	clear(x.unassigned)
	for id, t := range x.tasks {
		e.releaseLocked(x, id)
		t.reset(now)
	}
	e.logger.Warn("execution_resubmitted", map[string]interface{}{
		"execution":     x.id,
		"failed_task":   failedTask,
		"resubmissions": x.resubmissions,
	})
}

// abortLocked ends the execution as failed. Unfinished tasks are skipped;
// in-flight ones get inFlightAs.
func (e *Engine) abortLocked(x *execution, reason string, inFlightAs TaskStatus) *Status {
	if x.status != ExecutionRunning {
		return nil
	}
	now := time.Now()
	for id, t := range x.tasks {
		if t.Status.Terminal() {
			continue
		}
		if t.Status.InFlight() && inFlightAs == TaskFailed {
			t.Status = TaskFailed
			t.Error = "abandoned: " + reason
			t.CompletedAt = now
		} else {
			t.Status = TaskSkipped
		}
		e.releaseLocked(x, id)
	}
	return e.finishLocked(x, ExecutionFailed, reason)
}

// finishLocked moves the execution to the archive and returns its final
// snapshot.
func (e *Engine) finishLocked(x *execution, status ExecutionStatus, reason string) *Status {
	if x.status != ExecutionRunning {
		return nil
	}
	x.status = status
	x.err = reason
	x.finishedAt = time.Now()
	x.failedTasks = x.idsWith(TaskFailed)
	for id := range x.tasks {
		e.releaseLocked(x, id)
	}

	delete(e.executions, x.id)
	close(x.done)

	snap := x.snapshot()
	if err := e.archive.Put(x.id, snap, e.config.ArchiveGrace); err != nil {
		e.logger.Warn("archive_failed", map[string]interface{}{"execution": x.id, "error": err.Error()})
	}
	return snap
}

// announce reports a finished execution. Called without the lock.
func (e *Engine) announce(x *execution, snap *Status) {
	if snap == nil {
		return
	}
	duration := snap.FinishedAt.Sub(snap.StartedAt)
	e.logger.ExecutionComplete(snap.WorkflowID, snap.ExecutionID, duration, string(snap.Status))

	var err error
	if snap.Status == ExecutionFailed {
		err = errors.New(snap.Error)
	}
	telemetry.GetTracer().EndExecutionSpan(x.span, telemetry.ExecutionSpanOptions{
		Status:      string(snap.Status),
		Completed:   snap.Count(TaskCompleted),
		Failed:      snap.Count(TaskFailed),
		Skipped:     snap.Count(TaskSkipped),
		FailedTasks: snap.FailedTasks,
	}, err)

	e.exporter.LogEvent("execution_complete", map[string]interface{}{
		"workflow_id":  snap.WorkflowID,
		"execution_id": snap.ExecutionID,
		"status":       string(snap.Status),
		"failed_tasks": snap.FailedTasks,
		"duration_ms":  duration.Milliseconds(),
	})

	if !e.config.PublishEvents {
		return
	}
	event := EventCompleted
	if snap.Status == ExecutionFailed {
		event = EventFailed
	}
	payload, perr := bus.EncodePayload(Event{
		ExecutionID: snap.ExecutionID,
		WorkflowID:  snap.WorkflowID,
		Status:      snap.Status,
		FailedTasks: snap.FailedTasks,
		Error:       snap.Error,
		DurationMs:  duration.Milliseconds(),
	})
	if perr == nil {
		_, perr = e.config.Bus.Publish(context.Background(), &bus.Message{
			Sender:  e.config.AgentID,
			Type:    bus.TypePublish,
			Topic:   e.config.EventTopic,
			Event:   event,
			Payload: payload,
		})
	}
	if perr != nil {
		e.logger.Warn("event_publish_failed", map[string]interface{}{"execution": snap.ExecutionID, "error": perr.Error()})
	}
}

func (e *Engine) maxRetries(t *Task) int {
	if t.MaxRetries > 0 {
		return t.MaxRetries
	}
	return e.config.DefaultMaxRetries
}

func maxResubmissions(def *Definition) int {
	if def.MaxResubmissions > 0 {
		return def.MaxResubmissions
	}
	return 1
}

// --- execution helpers (caller holds Engine.mu) ---

func (x *execution) signal() {
	select {
	case x.wake <- struct{}{}:
	default:
	}
}

// promote readies waiting tasks whose dependencies completed and skips
// those with a dependency that never will.
func (x *execution) promote() {
	for _, t := range x.tasks {
		if t.Status != TaskWaiting {
			continue
		}
		ready := true
		for _, dep := range t.Dependencies {
			switch x.tasks[dep].Status {
			case TaskCompleted:
			case TaskFailed, TaskSkipped:
				t.Status = TaskSkipped
				t.Error = "dependency " + dep + " did not complete"
				ready = false
			default:
				ready = false
			}
			if t.Status == TaskSkipped {
				break
			}
		}
		if ready {
			t.Status = TaskReady
		}
	}
}

// skipDependents skips every unfinished task that transitively depends on
// id.
func (x *execution) skipDependents(id string) {
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, t := range x.tasks {
			if t.Status.Terminal() || !contains(t.Dependencies, cur) {
				continue
			}
			t.Status = TaskSkipped
			t.Error = "dependency " + cur + " did not complete"
			queue = append(queue, t.ID)
		}
	}
}

func (x *execution) allTerminal() bool {
	for _, t := range x.tasks {
		if !t.Status.Terminal() {
			return false
		}
	}
	return true
}

// verdict decides the final status once every task is terminal.
func (x *execution) verdict() (ExecutionStatus, string) {
	failed := x.idsWith(TaskFailed)
	if len(failed) == 0 {
		return ExecutionCompleted, ""
	}
	if x.def.SuccessCriteria != nil && x.def.SuccessCriteria.Met(x.tasks) {
		return ExecutionCompleted, ""
	}
	return ExecutionFailed, fmt.Sprintf("%d task(s) failed: %s", len(failed), strings.Join(failed, ", "))
}

func (x *execution) pendingIDs() []string {
	var ids []string
	for id, t := range x.tasks {
		if !t.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (x *execution) idsWith(status TaskStatus) []string {
	var ids []string
	for id, t := range x.tasks {
		if t.Status == status {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (x *execution) snapshot() *Status {
	s := &Status{
		ExecutionID:   x.id,
		WorkflowID:    x.def.ID,
		Name:          x.def.Name,
		Status:        x.status,
		Tasks:         make(map[string]Task, len(x.tasks)),
		Params:        make(map[string]string, len(x.params)),
		StartedAt:     x.startedAt,
		FinishedAt:    x.finishedAt,
		FailedTasks:   append([]string(nil), x.failedTasks...),
		Resubmissions: x.resubmissions,
		Error:         x.err,
	}
	for id, t := range x.tasks {
		s.Tasks[id] = *t.clone()
	}
	for k, v := range x.params {
		s.Params[k] = v
	}
	return s
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
