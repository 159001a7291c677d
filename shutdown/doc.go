// Package shutdown stops a swarm in order.
//
// Handlers register with a phase; lower phases stop first and handlers in
// one phase stop concurrently. The swarm uses the Phase constants:
//
//	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())
//	coord.RegisterWithPhase("orchestrator", shutdown.Func(orch.Stop), shutdown.PhaseOrchestrator)
//	coord.RegisterWithPhase("engine", shutdown.Stopper(engine.Stop), shutdown.PhaseEngine)
//	coord.RegisterWithPhase("bus", shutdown.Closer(b), shutdown.PhaseBus)
//	coord.RegisterWithPhase("tracing", shutdown.Func(provider.Shutdown), shutdown.PhaseTelemetry)
//	coord.HandleSignals()
//
//	<-coord.Done()
//
// Stopping the orchestrator first means no instance is spawned or
// replaced while the engine abandons its executions. The bus closes after
// both, turning pending retries into dead letters that sinks still see.
package shutdown
