package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/swarmbus/bus"
	"github.com/vinayprograms/swarmbus/config"
	"github.com/vinayprograms/swarmbus/deadletter"
	"github.com/vinayprograms/swarmbus/logging"
	"github.com/vinayprograms/swarmbus/orchestrator"
	"github.com/vinayprograms/swarmbus/registry"
	"github.com/vinayprograms/swarmbus/shutdown"
	"github.com/vinayprograms/swarmbus/telemetry"
	"github.com/vinayprograms/swarmbus/workflow"
)

var (
	configPath   string
	workflowPath string
	deadLetterQ  string
	runParams    map[string]string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a workflow on in-process demo workers",
	Long: "Starts the bus, registry, workflow engine and orchestrator, runs one workflow to " +
		"completion on demo workers and prints the final execution status as JSON.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Default()
		if configPath != "" {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
		}
		def, err := config.LoadWorkflow(workflowPath)
		if err != nil {
			return err
		}
		return runWorkflow(cmd.Context(), cfg, def, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&configPath, "config", "c", "", "swarm configuration file (TOML)")
	runCmd.Flags().StringVarP(&workflowPath, "workflow", "w", "", "workflow definition file (TOML)")
	runCmd.Flags().StringVar(&deadLetterQ, "dead-letters", "", "dead-letter query to print after the run (\"*\" for all)")
	runCmd.Flags().StringToStringVarP(&runParams, "param", "p", nil, "execution parameter key=value")
	runCmd.MarkFlagRequired("workflow")
}

// swarm is every running component of one run.
type swarm struct {
	logger   *logging.Logger
	exporter telemetry.Exporter
	bus      *bus.MemoryBus
	registry *registry.MemoryRegistry
	index    *deadletter.Index
	engine   *workflow.Engine
	orch     *orchestrator.Orchestrator
	coord    *shutdown.Coordinator
}

func runWorkflow(ctx context.Context, cfg config.Config, def *workflow.Definition, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(cfg.Orchestrator.Pools) == 0 {
		cfg.Orchestrator.Pools = derivePools(def)
	}

	s, err := startSwarm(ctx, cfg)
	if err != nil {
		return err
	}
	s.coord.HandleSignals()

	runErr := s.execute(ctx, def, out)

	if deadLetterQ != "" && s.index != nil {
		if err := printDeadLetters(out, s.index, deadLetterQ); err != nil {
			s.logger.Warn("dead_letter_query_failed", map[string]interface{}{"error": err.Error()})
		}
	}

	if err := s.coord.ShutdownWithTimeout(0); err != nil && !errors.Is(err, shutdown.ErrAlreadyShutdown) {
		s.logger.Warn("shutdown_incomplete", map[string]interface{}{"error": err.Error()})
	}
	return runErr
}

// startSwarm builds and starts the components, registering each with the
// shutdown coordinator as it comes up.
func startSwarm(ctx context.Context, cfg config.Config) (*swarm, error) {
	logger := cfg.NewLogger()
	s := &swarm{
		logger: logger.WithComponent("swarmbus"),
		coord:  shutdown.NewCoordinator(shutdown.Config{Logger: logger.WithComponent("shutdown"), ContinueOnError: true}),
	}
	fail := func(err error) (*swarm, error) {
		s.coord.ShutdownWithTimeout(0)
		return nil, err
	}

	if cfg.Telemetry.Enabled {
		provider, err := telemetry.InitProvider(ctx, cfg.ProviderConfig())
		if err != nil {
			return fail(fmt.Errorf("telemetry: %w", err))
		}
		s.coord.RegisterWithPhase("tracing", shutdown.Func(provider.Shutdown), shutdown.PhaseTelemetry)
	}

	exporter, err := cfg.NewExporter()
	if err != nil {
		return fail(err)
	}
	s.exporter = exporter
	s.coord.RegisterWithPhase("events", shutdown.Closer(exporter), shutdown.PhaseTelemetry)

	s.bus = bus.NewMemoryBus(cfg.BusConfig(logger.WithComponent("bus")))
	if err := s.bus.Start(ctx); err != nil {
		return fail(err)
	}
	s.coord.RegisterWithPhase("bus", shutdown.Closer(s.bus), shutdown.PhaseBus)

	s.bus.AddDeadLetterSink(bus.DeadLetterSinkFunc(func(dl bus.DeadLetter) error {
		event := map[string]interface{}{
			"id":         dl.ID,
			"message_id": dl.Message.ID,
			"event":      dl.Message.Event,
			"recipient":  dl.Recipient,
			"reason":     string(dl.Reason),
		}
		if dl.Err != nil {
			event["code"] = string(dl.Err.Code())
			event["error"] = dl.Err.Error()
		}
		exporter.LogEvent("dead_letter", event)
		return nil
	}))

	if cfg.DeadLetters.Index {
		idx, err := deadletter.NewIndex(cfg.DeadLetterConfig(logger.WithComponent("deadletter")))
		if err != nil {
			return fail(err)
		}
		s.index = idx
		s.bus.AddDeadLetterSink(idx)
		// After the bus, so bus_closed letters are indexed too.
		s.coord.RegisterWithPhase("dead-letter-index", shutdown.Closer(idx), shutdown.PhaseTelemetry)
	}

	s.registry = registry.NewMemoryRegistry(cfg.RegistryConfig())
	s.coord.RegisterWithPhase("registry", shutdown.Closer(s.registry), shutdown.PhaseBus)

	wcfg := cfg.WorkflowConfig(logger.WithComponent("workflow"))
	wcfg.Bus = s.bus
	wcfg.Registry = s.registry
	wcfg.Exporter = exporter
	s.engine, err = workflow.NewEngine(wcfg)
	if err != nil {
		return fail(err)
	}
	if err := s.engine.Start(ctx); err != nil {
		return fail(err)
	}
	s.coord.RegisterWithPhase("engine", shutdown.Stopper(s.engine.Stop), shutdown.PhaseEngine)

	spawner := orchestrator.NewWorkerSpawner(s.bus, demoHandlers,
		cfg.Orchestrator.HeartbeatInterval.Std(), logger.WithComponent("worker"))
	ocfg := cfg.OrchestratorConfig(logger.WithComponent("orchestrator"))
	ocfg.Bus = s.bus
	ocfg.Registry = s.registry
	ocfg.Spawner = spawner
	s.orch, err = orchestrator.New(ocfg)
	if err != nil {
		return fail(err)
	}
	if err := s.orch.Start(ctx); err != nil {
		return fail(err)
	}
	s.coord.RegisterWithPhase("orchestrator", shutdown.Func(s.orch.Stop), shutdown.PhaseOrchestrator)

	return s, nil
}

// execute runs def to a terminal state, or until a signal starts shutdown.
func (s *swarm) execute(ctx context.Context, def *workflow.Definition, out io.Writer) error {
	wfID, err := s.engine.CreateWorkflow(def)
	if err != nil {
		return err
	}
	execID, err := s.engine.ExecuteWorkflow(ctx, wfID, runParams)
	if err != nil {
		return err
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.coord.Done():
		case <-waitCtx.Done():
		}
		cancel()
	}()

	status, err := s.engine.Wait(waitCtx, execID)
	if err != nil {
		return fmt.Errorf("execution %s: %w", execID, err)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(status); err != nil {
		return err
	}

	stats := s.bus.Stats()
	s.logger.Info("run_complete", map[string]interface{}{
		"execution":     execID,
		"status":        string(status.Status),
		"sent":          stats.Sent,
		"delivered":     stats.Delivered,
		"retried":       stats.Retried,
		"dead_lettered": stats.DeadLettered,
	})

	if status.Status != workflow.ExecutionCompleted {
		return fmt.Errorf("workflow %s %s: %s", status.Name, status.Status, status.Error)
	}
	return nil
}

func printDeadLetters(out io.Writer, idx *deadletter.Index, q string) error {
	if q == "*" {
		q = ""
	}
	letters, err := idx.Search(q, 0)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "dead letters matching %q: %d\n", q, len(letters))
	for _, dl := range letters {
		code := ""
		if dl.Err != nil {
			code = string(dl.Err.Code())
		}
		fmt.Fprintf(out, "  %s %-14s %-17s event=%s recipient=%s\n",
			dl.Time.Format("15:04:05.000"), dl.Reason, code, dl.Message.Event, dl.Recipient)
	}
	return nil
}

// derivePools gives a definition without configured pools one general
// pool for scored tasks and one pool per named task pool.
func derivePools(def *workflow.Definition) []config.PoolConfig {
	general := map[string]bool{}
	named := map[string]map[string]bool{}
	for _, t := range def.Tasks {
		if t.Pool == "" {
			for _, c := range t.Capabilities {
				general[c] = true
			}
			continue
		}
		if named[t.Pool] == nil {
			named[t.Pool] = map[string]bool{}
		}
		for _, c := range t.Capabilities {
			named[t.Pool][c] = true
		}
	}

	pools := []config.PoolConfig{{
		LogicalType:  "general",
		Min:          2,
		Max:          4,
		MaxLoad:      2,
		Capabilities: sortedKeys(general),
	}}
	for _, name := range sortedKeys(named) {
		pools = append(pools, config.PoolConfig{
			LogicalType:  name,
			Min:          1,
			Max:          3,
			MaxLoad:      2,
			Capabilities: sortedKeys(named[name]),
		})
	}
	return pools
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
