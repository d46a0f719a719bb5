package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"heliograph/internal/platform/httpserver"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the registry HTTP API",
	Long: `Serve the registry HTTP API under /registry together with /health,
/ready and /metrics.

Unless --embed-workers=false is given, the outbox forwarder and the
dead-letter router run in the same process.

Example:
  registry serve
  registry serve --addr :9000 --embed-workers=false`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "address to listen on (overrides REGISTRY_ADDR)")
	serveCmd.Flags().Bool("embed-workers", true, "run the outbox workers in this process (overrides REGISTRY_EMBED_WORKERS)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	if cmd.Flags().Changed("addr") {
		cfg.Server.Addr, _ = cmd.Flags().GetString("addr")
	}
	if cmd.Flags().Changed("embed-workers") {
		cfg.Server.EmbedWorkers, _ = cmd.Flags().GetBool("embed-workers")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	g, ctx := errgroup.WithContext(ctx)
	srv := httpserver.New(cfg.Server, a.router())
	g.Go(func() error {
		return httpserver.Run(ctx, srv, cfg.Server.ShutdownTimeout, log)
	})
	if cfg.Server.EmbedWorkers {
		startWorkers(ctx, g, a)
	}
	log.InfoContext(ctx, "document registry started",
		"addr", cfg.Server.Addr,
		"embed_workers", cfg.Server.EmbedWorkers,
		"memory_mode", a.memoryMode(),
	)
	return g.Wait()
}

func startWorkers(ctx context.Context, g *errgroup.Group, a *app) {
	forwarder := a.forwarder()
	router := a.deadLetterRouter()
	g.Go(func() error { return forwarder.Run(ctx) })
	g.Go(func() error { return router.Run(ctx) })
}
