// Package orchestrator keeps agent pools sized and healthy.
//
// Each pool is a logical agent type with [Min, Max] instance bounds. The
// orchestrator starts instances through a Spawner, registers them in the
// registry and watches their heartbeats.
//
// # Health
//
// An instance with no heartbeat for HealthWindow is marked unhealthy and
// sent a ping command. If no heartbeat newer than the ping arrives within
// PingTimeout the instance is terminated and a replacement spawned.
//
// # Scaling
//
// Every ScaleInterval the average utilisation of each pool is sampled. An
// instance's utilisation is the larger of its reported heartbeat load and
// its mailbox backlog over MaxLoad. Above ScaleUpThreshold one instance is
// added; below ScaleDownThreshold the least utilised one is removed. Each
// pool allows one action per Cooldown.
//
// Usage:
//
//	spawner := orchestrator.NewWorkerSpawner(b, handlers, 5*time.Second, nil)
//	o, err := orchestrator.New(orchestrator.Config{
//	    Bus:      b,
//	    Registry: reg,
//	    Spawner:  spawner,
//	    Pools:    []orchestrator.PoolConfig{{LogicalType: "calc", Min: 2, Max: 8, MaxLoad: 4}},
//	})
//	if err != nil {
//	    return err
//	}
//	if err := o.Start(ctx); err != nil {
//	    return err
//	}
//	defer o.Stop(context.Background())
package orchestrator
