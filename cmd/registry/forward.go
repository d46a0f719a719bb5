package main

import (
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"heliograph/internal/platform/httpserver"
)

var forwardCmd = &cobra.Command{
	Use:   "forward",
	Short: "Run the outbox forwarder and dead-letter router",
	Long: `Run only the event delivery workers against the shared database.
Several instances may run at once; rows are leased so each is delivered by
one worker at a time.

A small HTTP server exposes /health, /ready and /metrics on --addr.`,
	RunE: runForward,
}

func init() {
	forwardCmd.Flags().String("addr", ":9090", "address for probes and metrics")
}

func runForward(cmd *cobra.Command, _ []string) error {
	if cfg.Database.URL == "" {
		return errors.New("forward needs REGISTRY_DATABASE_URL; without a database run serve with embedded workers")
	}
	addr, _ := cmd.Flags().GetString("addr")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	mux := chi.NewRouter()
	a.health.Register(mux)
	mux.Method(http.MethodGet, "/metrics", a.metrics.Handler())
	serverCfg := cfg.Server
	serverCfg.Addr = addr

	g, ctx := errgroup.WithContext(ctx)
	srv := httpserver.New(serverCfg, mux)
	g.Go(func() error {
		return httpserver.Run(ctx, srv, cfg.Server.ShutdownTimeout, log)
	})
	startWorkers(ctx, g, a)
	log.InfoContext(ctx, "outbox workers started", "addr", addr, "topic", cfg.Kafka.Topic)
	return g.Wait()
}
