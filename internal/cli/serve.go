package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"custody/internal/config"
	"custody/internal/custody"
	"custody/internal/ratelimit"
	"custody/internal/server"
	"custody/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the custody HTTP API",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("http-addr", ":8080", "HTTP listen address")
	f.String("metrics-addr", ":9090", "Prometheus metrics server address; empty disables it")
	f.String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")
	f.Int64("evidence-max-bytes", 10<<20, "maximum evidence upload size in bytes")
	f.Duration("evidence-upload-timeout", 30*time.Second, "deadline for storing one evidence photo")
	f.Float64("anomaly-multiplier", custody.DefaultTravelMultiplier, "allowed factor over expected travel time")
	f.Int("default-travel-minutes", custody.DefaultTravelMinutes, "expected travel time for tasks without one")
	f.String("redis-addr", "", "Redis address for the submission rate limiter; empty disables it")
	f.Int("rate-limit", 30, "checkpoint submissions allowed per courier per window")
	f.Duration("rate-window", time.Minute, "rate limiter window")
	f.String("auth-tokens", "", "bearer tokens as token=courier pairs, comma separated")
	f.String("auth-admins", "", "comma-separated user ids allowed to read every task")

	bindFlag("http_addr", f, "http-addr")
	bindFlag("metrics_addr", f, "metrics-addr")
	bindFlag("otel_endpoint", f, "otel-endpoint")
	bindFlag("evidence_max_bytes", f, "evidence-max-bytes")
	bindFlag("evidence_upload_timeout", f, "evidence-upload-timeout")
	bindFlag("anomaly_multiplier", f, "anomaly-multiplier")
	bindFlag("default_travel_minutes", f, "default-travel-minutes")
	bindFlag("redis_addr", f, "redis-addr")
	bindFlag("rate_limit", f, "rate-limit")
	bindFlag("rate_window", f, "rate-window")
	bindFlag("auth_tokens", f, "auth-tokens")
	bindFlag("auth_admins", f, "auth-admins")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, cfg.LogFormat).With(slog.String("service", "custody"))
	logger.Info("custody tracker", slog.String("version", version))

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "custody", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	store, err := openLedger(context.Background(), cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	evidenceStore, err := openEvidence(initCtx, cfg)
	cancel()
	if err != nil {
		return err
	}

	sink, closeSink := buildAuditSink(cfg, logger)
	defer closeSink()

	recorder, err := newRecorder(cfg, store, evidenceStore, sink, logger)
	if err != nil {
		return err
	}

	var limiter ratelimit.Limiter
	if cfg.RedisAddr != "" {
		client := ratelimit.NewClient(cfg.RedisAddr)
		defer func() { _ = client.Close() }()
		limiter = ratelimit.NewSlidingWindow(client, cfg.RateLimit, cfg.RateWindow)
	}

	if len(cfg.AuthTokens) == 0 {
		logger.Warn("no auth tokens configured; every task request will be rejected")
	}

	srv := server.New(server.Options{
		Recorder:         recorder,
		Tasks:            store,
		Auth:             server.NewTokenAuthenticator(cfg.AuthTokens, cfg.AuthAdmins),
		Limiter:          limiter,
		Logger:           logger,
		MaxEvidenceBytes: cfg.EvidenceMaxBytes,
	})

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger)

	// Rows left unpublished by an earlier sink outage are flushed on start.
	if n, err := recorder.ReplayAudit(runCtx, 100); err != nil {
		logger.Warn("audit replay incomplete", slog.Int("published", n), slog.String("error", err.Error()))
	} else if n > 0 {
		logger.Info("audit replayed", slog.Int("published", n))
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting server", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped unexpectedly", slog.String("error", err.Error()))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("failed to shutdown server", slog.String("error", err.Error()))
	}

	logger.Info("server stopped")
	return nil
}
