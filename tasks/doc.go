// Package tasks defines the task wire envelopes exchanged between the
// workflow engine and agents, and a reusable agent loop.
//
// # Events
//
// The engine sends a task.execute command whose payload is a TaskMessage.
// The agent answers with task.started (TaskStarted) when it begins and
// task.result (TaskResult) when it finishes, both addressed to
// TaskMessage.ReplyTo. A "ping" command asks the agent to heartbeat now.
//
// # Worker
//
// Worker implements that protocol around a Handler:
//
//	w, _ := tasks.NewWorker(tasks.WorkerConfig{
//	    Bus:          b,
//	    AgentID:      "fetcher-1",
//	    LogicalType:  "fetcher",
//	    Capabilities: []string{"fetch"},
//	    MaxLoad:      4,
//	    Registry:     reg,
//	    Handler: func(ctx context.Context, t *tasks.TaskMessage) (interface{}, error) {
//	        return fetch(ctx, t.Payload)
//	    },
//	})
//	w.Start(ctx)
//	defer w.Stop()
//
// Each task runs under its own timeout (TaskMessage.TimeoutMs, or
// DefaultTimeout). At most MaxLoad tasks run at once; the rest wait for a
// slot. A handler panic is reported as a failed result.
package tasks
