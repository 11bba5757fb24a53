// Package automation provides the farm rule engine for AgriLogic Core.
//
// Rules are condition→action units scoped to a farm or a block. Each
// evaluation cycle matches the eligible rules against a context snapshot
// (sensor readings, time, plant growth, weather), lets the governor admit
// or deny them, and dispatches the admitted rules' actions to devices,
// notification channels, task management, analytics, and external systems.
//
// Architecture:
//
//	┌──────────────────────────────────────────────────────────┐
//	│                    Engine (engine.go)                     │
//	│  ┌─────────────┐   ┌─────────────┐   ┌────────────────┐  │
//	│  │   Catalog   │──▶│  Evaluator  │──▶│    Governor    │  │
//	│  │(catalog.go) │   │(evaluator.go│   │ (governor.go)  │  │
//	│  └─────────────┘   └─────────────┘   └────────────────┘  │
//	│         │                                     │           │
//	│         ▼                                     ▼           │
//	│  ┌─────────────┐   ┌─────────────┐   ┌────────────────┐  │
//	│  │ Repository  │◀──│   Tracker   │◀──│   Dispatcher   │  │
//	│  │(SQLite)     │   │(tracker.go) │   │(dispatcher.go) │  │
//	│  └─────────────┘   └─────────────┘   └────────────────┘  │
//	└──────────────────────────────────────────────────────────┘
//
// # Cycle
//
//  1. Catalog.ListEligible selects enabled, active, in-scope rules by
//     priority descending, then id ascending.
//  2. Every rule is matched first, so rules depending on other rules see
//     results from the same snapshot.
//  3. In priority order the governor returns allow, deny, or stop. Rules
//     that start or stop an actuator claim it for the rest of the cycle.
//  4. Stops are dispatched synchronously. Admitted actions are dispatched
//     in the background and their completion feeds the PerformanceTracker
//     and the execution audit.
//
// # Key Types
//
//   - Rule: conditions, actions, settings, performance, and management state
//   - Snapshot: the context a cycle is evaluated against
//   - RuntimeState: per-rule timers, cooldown, and actuator state between cycles
//   - Decision: the governor's verdict with a stable reason code
//   - ChangeManager: versioned edits with re-approval of behavioural changes
//
// # Thread Safety
//
// Catalog, Dispatcher, PerformanceTracker, and Engine are safe for
// concurrent use. Evaluator and Governor hold no mutable state.
//
// # Usage
//
//	repo := automation.NewSQLiteRepository(db)
//	catalog := automation.NewCatalog(repo)
//	if err := catalog.RefreshCache(ctx); err != nil {
//	    return err
//	}
//
//	dispatcher := automation.NewDispatcher(automation.DispatcherDeps{
//	    Devices:  automation.NewMQTTDeviceController(mqttClient),
//	    Notifier: router,
//	}, 10*time.Second)
//
//	engine := automation.NewEngine(automation.EngineDeps{
//	    Catalog:    catalog,
//	    Dispatcher: dispatcher,
//	    Tracker:    automation.NewPerformanceTracker(catalog, nil),
//	    Runtime:    automation.NewMemoryRuntimeStore(),
//	    Executions: repo,
//	}, automation.EngineConfig{MaxReadingAge: 30 * time.Minute})
//
//	report, err := engine.RunCycle(ctx, snapshot)
package automation
