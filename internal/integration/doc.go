// Package integration hosts the protocol servers of one session.
//
// A Manager holds named server.Server instances (usually supervisors built
// by the adapters package) and drives them as a group:
//
//	┌──────────────────────────────────────────────┐
//	│              integration.Manager             │
//	│  Add / Get / Start / Stop / ShutdownAll      │
//	└──────────────────────────────────────────────┘
//	             │                      │
//	             ▼                      ▼
//	  ┌────────────────────┐  ┌────────────────────┐
//	  │ server.Supervisor  │  │ server.Supervisor  │
//	  │  (debugpy, DAP)    │  │  (pylsp, LSP)      │
//	  └────────────────────┘  └────────────────────┘
//	             │                      │
//	             ▼                      ▼
//	       process.Process        process.Process
//
// # Event Publishing
//
// Lifecycle events are published through the EventPublisher interface:
//
//   - server.started: name, pid, command
//   - server.stopped: name, pid
//   - server.exited: name, pid, exitCode, stderr (exit without a Stop)
//
// EventBus is an in-process EventPublisher with wildcard subscriptions.
//
// # Usage
//
//	bus := integration.NewEventBus()
//	bus.Subscribe("server.*", func(data map[string]any) { ... })
//
//	m := integration.NewManager(integration.WithEventBus(bus))
//	dap, err := adapters.NewDebugpy(ctx, adapters.WithExitHandler(m.ExitHandler("dap")))
//	if err != nil {
//	    return err
//	}
//	_ = m.Add("dap", dap)
//	proc, err := m.Start(ctx, "dap", server.Config{TargetFile: "app.py"})
//	...
//	defer m.ShutdownAll(ctx)
//
// # Thread Safety
//
// Manager and EventBus are safe for concurrent use.
package integration
