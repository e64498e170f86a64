package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/solatis/pointsflow/internal/catalog"
	"github.com/solatis/pointsflow/internal/core/api"
	"github.com/solatis/pointsflow/internal/core/auth"
	"github.com/solatis/pointsflow/internal/core/config"
	"github.com/solatis/pointsflow/internal/core/server"
	"github.com/solatis/pointsflow/internal/engine"
	"github.com/solatis/pointsflow/internal/intake"
	"github.com/solatis/pointsflow/internal/natsutil"
	"github.com/solatis/pointsflow/internal/orchestrator"
	"github.com/solatis/pointsflow/internal/outbox"
	"github.com/solatis/pointsflow/internal/validate"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run event intake, the outbox relay and the gRPC API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "gRPC server host")
	serveCmd.Flags().Int("port", 0, "gRPC server port")
	serveCmd.Flags().Bool("nats-embedded", false, "run an in-process NATS server with JetStream")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("nats-embedded") {
		cfg.NATS.Embedded, _ = cmd.Flags().GetBool("nats-embedded")
	}

	secrets, err := config.HMACSecrets()
	if err != nil {
		return fmt.Errorf("failed to load HMAC secrets: %w", err)
	}
	if len(secrets) == 0 {
		return fmt.Errorf("no HMAC secrets configured (set PF_HMAC_SECRET environment variable)")
	}

	database, store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	conn, shutdownNATS, err := connectNATS(cfg.NATS)
	if err != nil {
		return err
	}
	defer shutdownNATS()

	js, err := jetstream.New(conn)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}
	if _, err := outbox.EnsureStream(ctx, js, cfg.NATS.ActionsStream, cfg.NATS.ActionsPrefix, cfg.Outbox.DupWindow); err != nil {
		return err
	}

	cat, err := openCatalog(ctx, js, cfg.NATS)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	orch := orchestrator.New(store, store, engine.New(cat), orchestrator.Config{
		FanoutWorkers: cfg.Engine.FanoutWorkers,
		AudienceCap:   cfg.Engine.AudienceCap,
		CronTopic:     cfg.Engine.CronTopic,
		ActionsPrefix: cfg.NATS.ActionsPrefix,
	},
		orchestrator.WithLogger(logger.With("component", "orchestrator")),
		orchestrator.WithMetrics(orchestrator.NewMetrics(registry)),
	)

	service, err := api.NewRuleEngineService(orch, store, validate.New(cat), logger.With("component", "api"))
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	authenticator := auth.NewAuthenticator(secrets, store.Queries())
	grpcServer, err := server.NewGRPCServer(cfg.Server, service, authenticator, logger.With("component", "grpc"))
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	relay := outbox.NewRelay(store, outbox.NewJetStreamPublisher(js), outbox.Config{
		Interval:  cfg.Outbox.Interval,
		BatchSize: cfg.Outbox.BatchSize,
	}, logger.With("component", "outbox"))
	subscriber := intake.NewSubscriber(conn, orch, cfg.NATS.EventsSubject, cfg.NATS.QueueGroup, logger.With("component", "intake"))

	logger.Info("starting pointsflow",
		"version", Version,
		"grpc", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"events", cfg.NATS.EventsSubject,
		"catalog_remote", cat.Remote())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error { return subscriber.Run(gctx) })
	if cfg.Engine.CronEnabled {
		ticker := intake.NewTicker(orch, cfg.Engine.CronTopic, logger.With("component", "cron"))
		g.Go(func() error { return ticker.Run(gctx) })
	}
	if cfg.NATS.CatalogBucket != "" {
		g.Go(func() error { return refreshCatalog(gctx, cat, cfg.NATS.CatalogRefresh) })
	}
	if cfg.Metrics.Addr != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.Metrics.Addr, registry) })
	}
	g.Go(func() error { return grpcServer.Start(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 30*time.Second)
		defer cancel()
		return grpcServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// connectNATS dials the configured server, or starts an embedded one.
func connectNATS(cfg config.NATSConfig) (*nats.Conn, func(), error) {
	url := cfg.URL
	shutdown := func() {}
	if cfg.Embedded {
		ns, err := natsutil.StartEmbedded(cfg.StoreDir)
		if err != nil {
			return nil, nil, err
		}
		url = ns.ClientURL()
		shutdown = ns.Shutdown
		logger.Info("embedded NATS server started", "url", url)
	}
	conn, err := natsutil.Connect(url, "pointsflow")
	if err != nil {
		shutdown()
		return nil, nil, err
	}
	return conn, func() {
		if err := conn.Drain(); err != nil {
			logger.Warn("failed to drain NATS connection", "error", err)
		}
		shutdown()
	}, nil
}

// openCatalog returns the builtin catalog, or one backed by a KV bucket.
// A bucket that cannot be read falls back to the built-in entries.
func openCatalog(ctx context.Context, js jetstream.JetStream, cfg config.NATSConfig) (*catalog.Catalog, error) {
	if cfg.CatalogBucket == "" {
		return catalog.New(nil, logger.With("component", "catalog"))
	}
	source, err := catalog.OpenKVSource(ctx, js, cfg.CatalogBucket, cfg.CatalogKey)
	if err != nil {
		return nil, err
	}
	cat, err := catalog.New(source, logger.With("component", "catalog"))
	if err != nil {
		return nil, err
	}
	_ = cat.Refresh(ctx)
	return cat, nil
}

func refreshCatalog(ctx context.Context, cat *catalog.Catalog, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_ = cat.Refresh(ctx)
		}
	}
}

func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
