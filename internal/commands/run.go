package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/dshills/protosup/internal/config"
	"github.com/dshills/protosup/internal/integration"
	"github.com/dshills/protosup/internal/integration/environment"
	"github.com/dshills/protosup/internal/integration/server"
	"github.com/dshills/protosup/internal/integration/server/adapters"
	"github.com/dshills/protosup/internal/logger"
)

type runFlagData struct {
	waitReachable    bool
	reachableTimeout time.Duration
	shutdownTimeout  time.Duration
}

func newRunCommand(a *app) *cobra.Command {
	var flags runFlagData

	runCmd := &cobra.Command{
		Use:   "run [name...]",
		Short: "Starts configured servers and supervises them until interrupted",
		Long: `Starts the named servers from the configuration file (all of them if no name
is given), then blocks until SIGINT or SIGTERM and shuts every server down.

--wait-reachable connects to each server's port before reporting it ready.
debugpy treats the first connection as its client, so do not combine it
with debugpy servers that a real client will attach to.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), args, flags)
		},
	}

	runCmd.Flags().BoolVar(&flags.waitReachable, "wait-reachable", false, "Wait until every server accepts TCP connections.")
	runCmd.Flags().DurationVar(&flags.reachableTimeout, "reachable-timeout", 30*time.Second, "How long --wait-reachable waits per server.")
	runCmd.Flags().DurationVar(&flags.shutdownTimeout, "shutdown-timeout", 30*time.Second, "How long to wait for all servers to exit on shutdown.")

	return runCmd
}

func (a *app) run(ctx context.Context, names []string, flags runFlagData) error {
	log := a.log.WithName("run")

	if len(names) == 0 {
		names = a.cfg.ServerNames()
	}
	if len(names) == 0 {
		return errors.New("no servers configured")
	}
	for _, name := range names {
		if _, ok := a.cfg.Servers[name]; !ok {
			return fmt.Errorf("server %q is not configured", name)
		}
	}

	bus := integration.NewEventBus(integration.WithEventLogger(log))
	defer bus.Close()
	bus.Subscribe(integration.EventServerExited, func(data map[string]any) {
		logger.Warn(log, "Server exited unexpectedly", "name", data["name"], "exitCode", data["exitCode"])
	})

	m := integration.NewManager(integration.WithEventBus(bus), integration.WithManagerLogger(log))

	shutdown := func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), flags.shutdownTimeout)
		defer cancel()
		return m.ShutdownAll(shutdownCtx)
	}

	for _, name := range names {
		if err := a.startServer(ctx, m, name, a.cfg.Servers[name], flags); err != nil {
			return errors.Join(err, shutdown())
		}
	}

	log.Info("Servers running, waiting for a termination signal", "servers", m.Names())
	<-ctx.Done()

	log.Info("Shutting down servers")
	return shutdown()
}

func (a *app) startServer(ctx context.Context, m *integration.Manager, name string, s config.Server, flags runFlagData) error {
	log := a.log.WithValues("name", name)

	opts := append(a.adapterOptions(log), adapters.WithExitHandler(m.ExitHandler(name)))
	if s.Environment != "" {
		opts = append(opts, adapters.WithEnvironment(environment.FromRoot(s.Environment)))
	}

	srv, err := a.registry.Create(ctx, adapters.Kind(s.Kind), opts...)
	if err != nil {
		return fmt.Errorf("create server %s: %w", name, err)
	}
	if err := m.Add(name, srv); err != nil {
		return err
	}

	if _, err := m.Start(ctx, name, s.ServerConfig()); err != nil {
		return fmt.Errorf("start server %s: %w", name, err)
	}

	if flags.waitReachable {
		return waitReachable(ctx, log, name, srv, flags.reachableTimeout)
	}
	return nil
}

func waitReachable(ctx context.Context, log logr.Logger, name string, srv server.Server, timeout time.Duration) error {
	sup, ok := srv.(*server.Supervisor)
	if !ok {
		return nil
	}
	resolved := sup.Config()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := server.WaitReachable(waitCtx, resolved.Host, resolved.Port); err != nil {
		return fmt.Errorf("server %s: %w", name, err)
	}
	log.Info("Server is accepting connections", "address", resolved.Address())
	return nil
}
