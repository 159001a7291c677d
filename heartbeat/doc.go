// Package heartbeat provides agent liveness detection over the bus.
//
// # Overview
//
// Agents periodically publish a Heartbeat (status, load, active tasks) on
// the "agent.heartbeat" topic. A BusMonitor registers on the bus as an
// ordinary agent, subscribes to that topic and tracks when each agent was
// last heard from. When an agent stays silent longer than the timeout the
// OnDead callbacks fire once; a later heartbeat clears the report.
//
//	sender, _ := heartbeat.NewBusSender(heartbeat.SenderConfig{
//	    Bus:         b,
//	    AgentID:     "fetcher-1",
//	    LogicalType: "fetcher",
//	    Interval:    5 * time.Second,
//	})
//	sender.SetLoad(0.75)
//	sender.Start(ctx)
//
//	monitor, _ := heartbeat.NewBusMonitor(heartbeat.MonitorConfig{
//	    Bus:      b,
//	    Registry: reg, // optional: refresh LastSeen and load
//	    Timeout:  15 * time.Second,
//	})
//	monitor.OnDead(func(agentID string) { ... })
//	monitor.Start(ctx)
//
// # Probing
//
// Since(agentID, t) answers "has this agent beaten since t", which the
// orchestrator uses after sending a ping: a worker answers a ping with an
// immediate Beat.
//
// Set the timeout to 2-3x the heartbeat interval and handle OnDead
// idempotently.
package heartbeat
