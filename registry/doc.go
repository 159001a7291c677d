// Package registry tracks the agents available for work.
//
// # Overview
//
// Each entry records an agent's logical type (its pool), capabilities,
// concurrent capacity and the load it last reported. The workflow engine
// picks candidates with FindByCapabilities; the orchestrator registers
// pool instances and marks them unhealthy or stopping; heartbeats refresh
// entries through Touch.
//
//	reg := registry.NewMemoryRegistry(registry.MemoryConfig{})
//	reg.Register(registry.AgentInfo{
//	    ID:           "predictor-1",
//	    LogicalType:  "predictor",
//	    Capabilities: []string{"predict", "score"},
//	    MaxLoad:      4,
//	})
//
//	agents, _ := reg.FindByCapabilities([]string{"predict"})
//	// least loaded first
//
// # Watching
//
// Watch delivers added, updated and removed events. Touch only emits an
// event when the status changes, so steady heartbeats do not flood
// watchers. A watcher that falls behind loses events rather than blocking
// the registry.
//
//	events, _ := reg.Watch()
//	for ev := range events {
//	    if ev.Type == registry.EventRemoved {
//	        // reassign work held by ev.Agent.ID
//	    }
//	}
//
// # TTL
//
// With MemoryConfig.TTL set, entries not refreshed within the TTL are
// hidden from reads and removed by a background sweep, which emits
// EventRemoved.
package registry
