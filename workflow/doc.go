// Package workflow runs dependency-ordered task graphs on bus agents.
//
// A Definition is a DAG of tasks. CreateWorkflow validates it (known
// dependencies, no cycles, positive parallel limit), raises root task
// priority, lowers the priority of tasks gating many dependents and clamps
// each timeout to the range allowed for its kind.
//
// ExecuteWorkflow starts an execution with its own copy of the tasks. A
// scheduling loop promotes tasks whose dependencies completed, keeps at
// most ParallelLimit tasks assigned or running, and dispatches ready tasks
// in priority order as task.execute commands:
//
//	eng, _ := workflow.NewEngine(workflow.Config{Bus: b, Registry: reg})
//	eng.Start(ctx)
//	wfID, _ := eng.CreateWorkflow(def)
//	execID, _ := eng.ExecuteWorkflow(ctx, wfID, map[string]string{"symbol": "ACME"})
//	status, _ := eng.Wait(ctx, execID)
//
// # Agent selection
//
// A task with a Pool goes to the least-loaded instance of that logical
// type, chosen by the bus. Otherwise the engine scores registry agents that
// hold every required capability and have spare capacity:
//
//	0.5·successRate + 0.3·(1 − load/maxLoad) + 0.2·(1/max(avgSeconds, 1))
//
// Success rate and average duration are tracked per agent and task kind.
//
// # Failures
//
// A failed attempt goes back to ready until the task's retry budget is
// spent. A task that fails for good applies the definition's strategy:
// stop ends the execution, continue skips everything downstream of the
// task, retry restarts the execution up to MaxResubmissions times.
// Attempts also fail when the assigned agent leaves the registry or the
// dispatch is dead-lettered. An execution past its GlobalTimeout fails and
// its outstanding dispatches are abandoned.
//
// Finished executions publish workflow.completed or workflow.failed on the
// event topic and stay queryable through GetWorkflowStatus for the archive
// grace period.
package workflow
