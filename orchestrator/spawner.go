package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vinayprograms/swarmbus/bus"
	"github.com/vinayprograms/swarmbus/logging"
	"github.com/vinayprograms/swarmbus/tasks"
)

// HandlerFactory returns the task handler for a new instance of pool.
type HandlerFactory func(pool PoolConfig, id string) tasks.Handler

// WorkerSpawner runs pool instances as in-process tasks.Worker loops.
type WorkerSpawner struct {
	bus               bus.MessageBus
	handlers          HandlerFactory
	heartbeatInterval time.Duration
	logger            *logging.Logger

	mu      sync.Mutex
	workers map[string]*tasks.Worker
}

var _ Spawner = (*WorkerSpawner)(nil)

// NewWorkerSpawner creates a spawner whose workers heartbeat every
// interval (zero uses the worker default).
func NewWorkerSpawner(b bus.MessageBus, handlers HandlerFactory, interval time.Duration, logger *logging.Logger) *WorkerSpawner {
	if logger == nil {
		logger = logging.New().WithComponent("worker")
	}
	return &WorkerSpawner{
		bus:               b,
		handlers:          handlers,
		heartbeatInterval: interval,
		logger:            logger,
		workers:           make(map[string]*tasks.Worker),
	}
}

// Spawn starts a worker for pool under id. The worker outlives ctx; only
// Terminate stops it.
func (s *WorkerSpawner) Spawn(ctx context.Context, pool PoolConfig, id string) error {
	w, err := tasks.NewWorker(tasks.WorkerConfig{
		Bus:               s.bus,
		AgentID:           id,
		LogicalType:       pool.LogicalType,
		Capabilities:      pool.Capabilities,
		MaxLoad:           pool.MaxLoad,
		Handler:           s.handlers(pool, id),
		HeartbeatInterval: s.heartbeatInterval,
		Logger:            s.logger,
	})
	if err != nil {
		return err
	}
	if err := w.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	s.mu.Lock()
	s.workers[id] = w
	s.mu.Unlock()
	return nil
}

// Terminate stops the worker, waiting for its running tasks.
func (s *WorkerSpawner) Terminate(_ context.Context, id string) error {
	s.mu.Lock()
	w, ok := s.workers[id]
	delete(s.workers, id)
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	return w.Stop()
}

// Worker returns the running worker for id, if any.
func (s *WorkerSpawner) Worker(id string) (*tasks.Worker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	return w, ok
}

// Len returns the number of running workers.
func (s *WorkerSpawner) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}
