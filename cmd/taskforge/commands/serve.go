package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskforge/taskforge/pkg/api"
	"github.com/taskforge/taskforge/pkg/config"
	"github.com/taskforge/taskforge/pkg/engine"
	"github.com/taskforge/taskforge/pkg/runner"
	"github.com/taskforge/taskforge/pkg/stores"
	"github.com/taskforge/taskforge/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration server",
		Long: `Starts the engine and the HTTP API.

Configuration comes from the environment (TASKFORGE_* variables, .env file
supported). The agent roster is read once at startup from the YAML file named
by TASKFORGE_AGENTS_FILE.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	tcfg := cfg.Telemetry()
	log, err := telemetry.NewLogger(tcfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}

	metrics, err := telemetry.NewMetrics(tcfg.Metrics)
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}

	tracer, err := telemetry.NewTracer(tcfg.Tracing, tcfg.ServiceName, tcfg.ServiceVersion, tcfg.Environment)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("tracer shutdown failed")
		}
	}()

	agents, err := config.LoadAgents(cfg.Engine.AgentsFile)
	if err != nil {
		return err
	}

	var archive *stores.SQLiteStore
	if cfg.Store.Enabled {
		archive, err = stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
		if err != nil {
			return err
		}
		if err := archive.Init(ctx); err != nil {
			return err
		}
		defer archive.Close()
		if err := archive.Migrate(ctx); err != nil {
			return err
		}
		log.Infof("task archive at %s", cfg.Store.Path)
	}

	events := engine.NewBroadcaster()
	defer events.Close()

	var archiver engine.Archiver
	if archive != nil {
		archiver = archive
	}
	registry := engine.NewRegistry(events, archiver, log)

	ops := runner.New(log)
	ops.GracePeriod = cfg.Engine.GracePeriod

	dispatcher, err := engine.NewDispatcher(engine.DispatcherConfig{
		Agents: agents,
		Table: engine.BuiltinSteps(engine.ToolPrograms{
			ConfigTool:  cfg.Engine.ConfigTool,
			ChartTool:   cfg.Engine.ChartTool,
			ClusterTool: cfg.Engine.ClusterTool,
		}),
		Runner: ops,
		Retry: runner.Policy{
			MaxAttempts: cfg.Engine.RetryMaxAttempts,
			BaseDelay:   cfg.Engine.RetryBaseDelay,
			MaxDelay:    cfg.Engine.RetryMaxDelay,
		},
		Registry: registry,
		Metrics:  metrics,
		Tracer:   tracer,
		Logger:   log,
	})
	if err != nil {
		return err
	}

	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	server := api.NewServer(cfg.Server, api.Deps{
		Dispatcher: dispatcher,
		Registry:   registry,
		Events:     events,
		Archive:    archive,
		Metrics:    metrics,
		Logger:     log,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return <-errCh
	}
}
