package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"flaccy/api/rest/handlers"
	"flaccy/api/rest/routes"
	"flaccy/core/monitoring"
	"flaccy/providers"
	"flaccy/storage"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Run the HTTP API and the artifact sweep. Unless --workers=false (or
server.embedded_workers is off) the same process also runs the download
workers.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Bool("workers", true, "Run download workers in this process")
	serveCmd.Flags().String("addr", "", "Listen address, overrides server.host and server.port")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	embedded := cfg.Server.EmbeddedWorkers
	if cmd.Flags().Changed("workers") {
		embedded, _ = cmd.Flags().GetBool("workers")
	}
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = cfg.Server.Addr()
	}

	if !embedded && cfg.Queue.Backend == "memory" {
		logger.Warn("Memory queue without embedded workers; submitted jobs will never run")
	}

	a, err := newApp(ctx, cfg, logger, embedded)
	if err != nil {
		return err
	}
	defer a.Close()

	// Setup routes
	signer := storage.NewSigner(cfg.Signing.Secret)
	r := mux.NewRouter()
	routes.SetupRoutes(r, routes.Dependencies{
		Submitter: a.dispatcher,
		Jobs:      a.jobs,
		Events:    a.eventLog,
		Artifacts: a.artifacts,
		Authorize: storage.NewAuthorizer(signer, a.index),
		Searcher:  providers.NewSearcher(a.registry, logger),
		Services:  a.registry,
		Metrics:   monitoring.NewMetricsExporter(a.jobs, a.queueLen),
		DB:        a.db,
		Queue:     a.queue,
		Stream: handlers.StreamOptions{
			PollInterval:      cfg.Stream.PollInterval,
			HeartbeatInterval: cfg.Stream.HeartbeatInterval,
		},
		Files: handlers.FileOptions{
			AccelRedirectPrefix: cfg.Artifacts.AccelRedirectPrefix,
			PublicURL:           cfg.Server.PublicURL,
			DefaultTTL:          cfg.Signing.DefaultTTL,
			MaxTTL:              cfg.Signing.MaxTTL,
		},
		Logger: logger,
	})

	// Liveness check for process supervisors
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sched, err := a.maintenance(true)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if embedded {
		g.Go(func() error {
			return a.dispatcher.Run(gctx)
		})
	}

	sched.Start(gctx)

	g.Go(func() error {
		logger.Info("Starting server", zap.String("addr", addr), zap.Bool("workers", embedded))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("Server exited")
	return err
}
