// Package ha orchestrates regional failover of a replicated dataset.
//
// # Overview
//
// One Orchestrator owns one logical dataset replicated across two or more
// regions. Exactly one region is primary at any time. The package provides:
//   - Health monitoring with multi-signal verdicts and dwell-time debouncing
//   - Replication lag tracking with unknown lag treated as infinite
//   - A single-flight failover state machine with RPO-safe target selection
//   - Scheduled drills with RTO/RPO evaluation and automatic failback
//   - RTO/RPO target tracking and SLA compliance
//
// # Architecture
//
//	┌─────────────────────────────────────────────────────────┐
//	│                     DrillScheduler                      │
//	│   (scheduled drills, failback, tickets on failure)      │
//	├─────────────────────────────────────────────────────────┤
//	│                      Orchestrator                       │
//	│  (admission, state machine worker, audit, notify)       │
//	├────────────────────────────┬────────────────────────────┤
//	│       HealthMonitor        │     ReplicationTracker     │
//	│   (probes, verdicts)       │   (lag, catch-up waits)    │
//	├────────────────────────────┴────────────────────────────┤
//	│          StorageLayer / Router / Notifier / Store        │
//	└─────────────────────────────────────────────────────────┘
//
// # State Machine
//
// Transition is a pure function; the orchestrator's worker issues the
// side effect named by each returned Action:
//
//	Healthy ──► Suspected ──► Deciding ──► Promoting ──► Routing ──► Verifying ──► Resumed
//	                │             │            │            │            │
//	                └──(cancel)───┴──► Aborted ◄┘            └──► Failed ◄┘
//
// Cancellation is accepted only before promotion starts. A failure after
// the routing layer has been told to cut over ends in Failed and pages
// on-call; it is never rolled back automatically.
//
// # Quick Start
//
//	topology, _ := ha.NewTopology("orders", []ha.Region{
//		{ID: "us-east", Role: ha.RolePrimary},
//		{ID: "us-west", Role: ha.RoleStandby},
//	})
//	monitor, _ := ha.NewHealthMonitor(nil, probes, logger, metrics)
//	tracker, _ := ha.NewReplicationTracker(nil, storage, logger, metrics)
//
//	orch, _ := ha.NewOrchestrator(nil, ha.OrchestratorDeps{
//		Topology: topology,
//		Monitor:  monitor,
//		Tracker:  tracker,
//		Storage:  storage,
//		Router:   router,
//		Notifier: dispatcher,
//		Store:    store,
//		Logger:   logger,
//	})
//
//	go monitor.Run(ctx, topology.Regions())
//	go tracker.Run(ctx, topology)
//	go orch.Run(ctx, monitor.Subscribe())
//
//	rec, err := orch.TriggerFailover(ctx, ha.FailoverRequest{Reason: "maintenance"})
//	rec, err = orch.Await(ctx, rec.ID)
//
// # Thread Safety
//
// All exported types are safe for concurrent use. Orchestrator admission
// state is owned by its Run goroutine; records are published as
// immutable snapshots.
package ha
