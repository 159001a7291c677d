package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/vinayprograms/swarmbus/bus"
	"github.com/vinayprograms/swarmbus/heartbeat"
	"github.com/vinayprograms/swarmbus/logging"
	"github.com/vinayprograms/swarmbus/registry"
	"github.com/vinayprograms/swarmbus/tasks"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("orchestrator already started")
	ErrNotStarted     = errors.New("orchestrator not started")
	ErrInvalidConfig  = errors.New("invalid orchestrator configuration")
	ErrUnknownPool    = errors.New("unknown pool")
	ErrUnknownAgent   = errors.New("unknown instance")
)

// Spawner owns the lifecycle of agent instances. An instance started by
// Spawn registers itself on the bus under id with the pool's logical type
// and publishes heartbeats.
type Spawner interface {
	Spawn(ctx context.Context, pool PoolConfig, id string) error
	Terminate(ctx context.Context, id string) error
}

// PoolConfig describes one logical agent type.
type PoolConfig struct {
	LogicalType  string
	Min          int
	Max          int
	MaxLoad      int // per instance; default 1
	Capabilities []string
}

func (p PoolConfig) validate() error {
	switch {
	case p.LogicalType == "":
		return fmt.Errorf("%w: pool without logical type", ErrInvalidConfig)
	case p.Min < 0:
		return fmt.Errorf("%w: pool %s: negative min", ErrInvalidConfig, p.LogicalType)
	case p.Max < 1 || p.Max < p.Min:
		return fmt.Errorf("%w: pool %s: max must be >= max(min, 1)", ErrInvalidConfig, p.LogicalType)
	case p.MaxLoad < 0:
		return fmt.Errorf("%w: pool %s: negative max load", ErrInvalidConfig, p.LogicalType)
	}
	return nil
}

// Config configures an Orchestrator.
type Config struct {
	// Bus carries pings and, through the monitor, heartbeats. Required.
	Bus bus.MessageBus

	// Registry receives every spawned instance. Required.
	Registry registry.Registry

	// Spawner starts and stops instances. Required.
	Spawner Spawner

	// Monitor supplies heartbeat state. When nil a heartbeat.BusMonitor is
	// created on the bus and started with the orchestrator.
	Monitor heartbeat.Monitor

	// Pools to manage.
	Pools []PoolConfig

	// AgentID is the sender id of pings.
	// Default: "orchestrator"
	AgentID string

	// HealthWindow without a heartbeat marks an instance unhealthy.
	// Default: 15s
	HealthWindow time.Duration

	// HealthInterval between health checks.
	// Default: 1s
	HealthInterval time.Duration

	// PingTimeout is how long an unhealthy instance has to answer a ping
	// before it is replaced.
	// Default: 5s
	PingTimeout time.Duration

	// ScaleInterval between scaling passes.
	// Default: 10s
	ScaleInterval time.Duration

	// ScaleUpThreshold and ScaleDownThreshold bound average utilisation.
	// Defaults: 0.8 and 0.3
	ScaleUpThreshold   float64
	ScaleDownThreshold float64

	// Cooldown is the minimum gap between scaling actions on one pool.
	// Zero disables the cooldown.
	// Default: 30s
	Cooldown time.Duration

	// Logger for orchestrator events. Defaults to component "orchestrator".
	Logger *logging.Logger
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		AgentID:            "orchestrator",
		HealthWindow:       15 * time.Second,
		HealthInterval:     time.Second,
		PingTimeout:        5 * time.Second,
		ScaleInterval:      10 * time.Second,
		ScaleUpThreshold:   0.8,
		ScaleDownThreshold: 0.3,
		Cooldown:           30 * time.Second,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Bus == nil || c.Registry == nil || c.Spawner == nil {
		return fmt.Errorf("%w: bus, registry and spawner are required", ErrInvalidConfig)
	}
	return c.ValidatePolicy()
}

// ValidatePolicy checks thresholds and pools without the runtime
// collaborators.
func (c *Config) ValidatePolicy() error {
	if c.ScaleDownThreshold < 0 || c.ScaleUpThreshold > 1 ||
		(c.ScaleUpThreshold > 0 && c.ScaleDownThreshold >= c.ScaleUpThreshold) {
		return fmt.Errorf("%w: thresholds must satisfy 0 <= down < up <= 1", ErrInvalidConfig)
	}
	seen := make(map[string]bool, len(c.Pools))
	for _, p := range c.Pools {
		if err := p.validate(); err != nil {
			return err
		}
		if seen[p.LogicalType] {
			return fmt.Errorf("%w: duplicate pool %s", ErrInvalidConfig, p.LogicalType)
		}
		seen[p.LogicalType] = true
	}
	return nil
}

// Orchestrator keeps every pool within its bounds, replaces instances that
// stop heartbeating and scales pools by utilisation.
type Orchestrator struct {
	config  Config
	logger  *logging.Logger
	monitor heartbeat.Monitor
	own     *heartbeat.BusMonitor // non-nil when the monitor is ours

	mu    sync.Mutex
	pools map[string]*pool
	order []string

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type pool struct {
	config    PoolConfig
	instances map[string]*instance
	cooldown  *rate.Limiter
}

type instance struct {
	id        string
	spawnedAt time.Time
	pingedAt  time.Time // zero unless a recovery ping is outstanding
}

// New creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	def := DefaultConfig()
	if cfg.AgentID == "" {
		cfg.AgentID = def.AgentID
	}
	if cfg.HealthWindow <= 0 {
		cfg.HealthWindow = def.HealthWindow
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = def.HealthInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = def.PingTimeout
	}
	if cfg.ScaleInterval <= 0 {
		cfg.ScaleInterval = def.ScaleInterval
	}
	if cfg.ScaleUpThreshold == 0 {
		cfg.ScaleUpThreshold = def.ScaleUpThreshold
	}
	if cfg.ScaleDownThreshold == 0 {
		cfg.ScaleDownThreshold = def.ScaleDownThreshold
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.New().WithComponent("orchestrator")
	}

	o := &Orchestrator{
		config:  cfg,
		logger:  logger,
		monitor: cfg.Monitor,
		pools:   make(map[string]*pool, len(cfg.Pools)),
	}

	if o.monitor == nil {
		m, err := heartbeat.NewBusMonitor(heartbeat.MonitorConfig{
			Bus:      cfg.Bus,
			AgentID:  cfg.AgentID + "-monitor",
			Registry: cfg.Registry,
			Timeout:  cfg.HealthWindow,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		o.monitor, o.own = m, m
	}

	for _, pc := range cfg.Pools {
		if pc.MaxLoad == 0 {
			pc.MaxLoad = 1
		}
		limit := rate.Inf
		if cfg.Cooldown > 0 {
			limit = rate.Every(cfg.Cooldown)
		}
		o.pools[pc.LogicalType] = &pool{
			config:    pc,
			instances: make(map[string]*instance),
			cooldown:  rate.NewLimiter(limit, 1),
		}
		o.order = append(o.order, pc.LogicalType)
	}
	return o, nil
}

// Start brings every pool up to its minimum and runs the health and
// scaling loops until Stop or ctx is done.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.running.Swap(true) {
		return ErrAlreadyStarted
	}

	if o.own != nil {
		if err := o.own.Start(ctx); err != nil {
			o.running.Store(false)
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	for _, name := range o.order {
		o.restoreMin(runCtx, name)
	}

	o.wg.Add(2)
	go o.loop(runCtx, o.config.HealthInterval, o.CheckHealth)
	go o.loop(runCtx, o.config.ScaleInterval, o.Reconcile)

	o.logger.Info("orchestrator_started", map[string]interface{}{
		"pools": o.order,
	})
	return nil
}

func (o *Orchestrator) loop(ctx context.Context, every time.Duration, fn func(context.Context)) {
	defer o.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// Stop halts the loops and terminates every managed instance.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if !o.running.Swap(false) {
		return ErrNotStarted
	}

	o.cancel()
	o.wg.Wait()

	var errs []error
	for _, name := range o.order {
		for _, id := range o.Instances(name) {
			if err := o.terminate(ctx, name, id); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if o.own != nil {
		o.own.Stop()
	}

	o.logger.Info("orchestrator_stopped")
	return errors.Join(errs...)
}

// --- Queries ---

// Pools returns the managed logical types in configuration order.
func (o *Orchestrator) Pools() []string {
	return append([]string(nil), o.order...)
}

// Instances returns the ids of a pool's live instances, sorted.
func (o *Orchestrator) Instances(logicalType string) []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	p, ok := o.pools[logicalType]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(p.instances))
	for id := range p.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Utilization returns the average utilisation of a pool, in [0, 1].
func (o *Orchestrator) Utilization(logicalType string) (float64, error) {
	o.mu.Lock()
	p, ok := o.pools[logicalType]
	o.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownPool, logicalType)
	}
	avg, _ := o.utilization(p, o.Instances(logicalType))
	return avg, nil
}

// utilization returns the pool average and each instance's share. An
// instance is as busy as the larger of its reported load and its mailbox
// backlog relative to MaxLoad.
func (o *Orchestrator) utilization(p *pool, ids []string) (float64, map[string]float64) {
	per := make(map[string]float64, len(ids))
	if len(ids) == 0 {
		return 0, per
	}
	var sum float64
	for _, id := range ids {
		u := float64(o.config.Bus.Load(id)) / float64(p.config.MaxLoad)
		if hb := o.monitor.LastHeartbeat(id); hb != nil && hb.Load > u {
			u = hb.Load
		}
		if u > 1 {
			u = 1
		}
		per[id] = u
		sum += u
	}
	return sum / float64(len(ids)), per
}

// --- Scaling ---

// Reconcile runs one scaling pass over every pool.
func (o *Orchestrator) Reconcile(ctx context.Context) {
	for _, name := range o.order {
		if ctx.Err() != nil {
			return
		}
		o.scale(ctx, name)
	}
}

func (o *Orchestrator) scale(ctx context.Context, name string) {
	o.mu.Lock()
	p := o.pools[name]
	o.mu.Unlock()

	ids := o.Instances(name)
	n := len(ids)
	if n < p.config.Min {
		o.restoreMin(ctx, name)
		return
	}

	avg, per := o.utilization(p, ids)
	switch {
	case avg > o.config.ScaleUpThreshold && n < p.config.Max:
		if !p.cooldown.Allow() {
			return
		}
		if _, err := o.spawn(ctx, name); err != nil {
			return
		}
		o.logger.PoolScaled(name, n, n+1, avg)

	case avg < o.config.ScaleDownThreshold && n > p.config.Min:
		if !p.cooldown.Allow() {
			return
		}
		victim := leastUtilized(ids, per)
		if err := o.terminate(ctx, name, victim); err != nil {
			o.logger.Warn("scale_down_failed", map[string]interface{}{
				"pool":     name,
				"instance": victim,
				"error":    err.Error(),
			})
		}
		o.logger.PoolScaled(name, n, n-1, avg)
	}
}

// leastUtilized picks the idlest instance; ids are sorted so ties go to
// the lowest id.
func leastUtilized(ids []string, per map[string]float64) string {
	best := ids[0]
	for _, id := range ids[1:] {
		if per[id] < per[best] {
			best = id
		}
	}
	return best
}

// restoreMin spawns instances until the pool reaches its minimum or a
// spawn fails.
func (o *Orchestrator) restoreMin(ctx context.Context, name string) {
	o.mu.Lock()
	p := o.pools[name]
	missing := p.config.Min - len(p.instances)
	o.mu.Unlock()

	for i := 0; i < missing; i++ {
		if _, err := o.spawn(ctx, name); err != nil {
			return
		}
	}
}

func (o *Orchestrator) spawn(ctx context.Context, name string) (string, error) {
	o.mu.Lock()
	pc := o.pools[name].config
	o.mu.Unlock()

	id := fmt.Sprintf("%s-%s", name, uuid.NewString()[:8])
	if err := o.config.Spawner.Spawn(ctx, pc, id); err != nil {
		o.logger.Error("spawn_failed", map[string]interface{}{
			"pool":  name,
			"error": err.Error(),
		})
		return "", err
	}

	err := o.config.Registry.Register(registry.AgentInfo{
		ID:           id,
		LogicalType:  name,
		Capabilities: pc.Capabilities,
		MaxLoad:      pc.MaxLoad,
		Status:       registry.StatusIdle,
		Metadata:     map[string]string{"pool": name},
	})
	if err != nil {
		o.logger.Error("register_failed", map[string]interface{}{
			"instance": id,
			"error":    err.Error(),
		})
		o.config.Spawner.Terminate(ctx, id)
		return "", err
	}

	o.mu.Lock()
	o.pools[name].instances[id] = &instance{id: id, spawnedAt: time.Now()}
	o.mu.Unlock()

	o.logger.Info("instance_spawned", map[string]interface{}{
		"pool":     name,
		"instance": id,
	})
	return id, nil
}

func (o *Orchestrator) terminate(ctx context.Context, name, id string) error {
	o.mu.Lock()
	delete(o.pools[name].instances, id)
	o.mu.Unlock()

	if err := o.config.Registry.Deregister(id); err != nil && !errors.Is(err, registry.ErrNotFound) {
		o.logger.Warn("deregister_failed", map[string]interface{}{
			"instance": id,
			"error":    err.Error(),
		})
	}
	o.monitor.Forget(id)

	if err := o.config.Spawner.Terminate(ctx, id); err != nil {
		return fmt.Errorf("terminate %s: %w", id, err)
	}
	o.logger.Info("instance_terminated", map[string]interface{}{
		"pool":     name,
		"instance": id,
	})
	return nil
}

// --- Health ---

type healthAction int

const (
	actionPing healthAction = iota
	actionReplace
)

type pending struct {
	pool   string
	id     string
	action healthAction
}

// CheckHealth runs one health pass. Instances silent for HealthWindow are
// marked unhealthy and pinged; those that stay silent for PingTimeout
// after the ping are replaced.
func (o *Orchestrator) CheckHealth(ctx context.Context) {
	now := time.Now()
	var work []pending

	o.mu.Lock()
	for _, name := range o.order {
		for id, inst := range o.pools[name].instances {
			if !inst.pingedAt.IsZero() {
				if o.monitor.Since(id, inst.pingedAt) {
					inst.pingedAt = time.Time{}
					o.logger.Info("instance_responsive", map[string]interface{}{"instance": id})
				} else if now.Sub(inst.pingedAt) >= o.config.PingTimeout {
					work = append(work, pending{name, id, actionReplace})
				}
				continue
			}
			if now.Sub(inst.spawnedAt) < o.config.HealthWindow {
				continue
			}
			if !o.monitor.IsAlive(id, o.config.HealthWindow) {
				inst.pingedAt = now
				work = append(work, pending{name, id, actionPing})
			}
		}
	}
	o.mu.Unlock()

	for _, w := range work {
		switch w.action {
		case actionPing:
			o.ping(ctx, w.id)
		case actionReplace:
			o.replace(ctx, w.pool, w.id)
		}
	}
}

func (o *Orchestrator) ping(ctx context.Context, id string) {
	if err := o.config.Registry.Touch(id, registry.StatusUnhealthy, 0); err != nil {
		o.logger.Debug("touch_failed", map[string]interface{}{
			"instance": id,
			"error":    err.Error(),
		})
	}
	o.logger.Warn("instance_unhealthy", map[string]interface{}{
		"instance": id,
		"window":   o.config.HealthWindow.String(),
	})
	_, err := o.config.Bus.SendCommand(ctx, o.config.AgentID, []string{id}, tasks.EventPing, nil, true)
	if err != nil {
		o.logger.Warn("ping_failed", map[string]interface{}{
			"instance": id,
			"error":    err.Error(),
		})
	}
}

// replace terminates a silent instance and spawns its successor. A failed
// spawn leaves the pool short until the next scaling pass restores Min.
func (o *Orchestrator) replace(ctx context.Context, name, id string) {
	if err := o.terminate(ctx, name, id); err != nil {
		o.logger.Warn("terminate_failed", map[string]interface{}{
			"instance": id,
			"error":    err.Error(),
		})
	}
	replacement, err := o.spawn(ctx, name)
	if err != nil {
		return
	}
	o.logger.AgentRecovered(name, id, replacement)
}
