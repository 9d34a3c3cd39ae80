package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"edgeai/internal/di"
	"edgeai/internal/logging"
	serverhttp "edgeai/internal/server/http"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand(c *cli) *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestrator and the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.serve(ctx, debug)
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "run gin in debug mode")
	return cmd
}

func (c *cli) serve(ctx context.Context, debug bool) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	c.setupLogging(cfg)
	logger := logging.NewComponentLogger("Serve")

	container, err := di.BuildContainer(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := container.Shutdown(shutdownCtx); err != nil {
			logger.Error("Shutdown failed: %v", err)
		}
	}()
	if err := container.Start(ctx); err != nil {
		return err
	}

	srv, err := serverhttp.NewServer(serverhttp.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Debug:          debug,
	}, serverhttp.Deps{
		Tasks:     container.Orchestrator,
		Models:    container.Registry,
		Scheduler: container.Scheduler,
		Bus:       container.Bus,
		Probes:    container.HealthProbes(),
		Tracer:    container.Tracer,
		Logger:    logging.NewComponentLogger("HTTP"),
		Version:   appVersion(),
	})
	if err != nil {
		return err
	}

	c.printf("%s %s on %s:%d\n", green("edgeai"), appVersion(), cfg.Server.Host, cfg.Server.Port)
	return srv.Run(ctx)
}
