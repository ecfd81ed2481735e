package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"custody/internal/audit"
	"custody/internal/config"
	"custody/internal/custody"
	"custody/internal/evidence"
	"custody/internal/models"
	"custody/internal/storage/postgres"
	"custody/internal/storage/sqlite"
)

// ledgerStore is what every command needs from a ledger backend.
type ledgerStore interface {
	custody.Ledger
	CreateTask(ctx context.Context, t models.Task) (models.Task, error)
	ListTasksByCourier(ctx context.Context, courierID string) ([]models.Task, error)
	ListAudit(ctx context.Context) ([]models.AuditEntry, error)
	Close() error
}

// openLedger opens the configured backend with its schema in place.
func openLedger(ctx context.Context, cfg config.Config, logger *slog.Logger) (ledgerStore, error) {
	switch cfg.DBDriver {
	case "", "sqlite":
		store, err := sqlite.Open(cfg.DBPath, logger)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		return store, nil
	case "postgres":
		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		store := postgres.New(pool)
		applied, err := store.Migrate(initCtx)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		for _, name := range applied {
			logger.Info("migration applied", slog.String("file", name))
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown db driver %q", cfg.DBDriver)
	}
}

func openEvidence(ctx context.Context, cfg config.Config) (evidence.Store, error) {
	store, err := evidence.New(ctx, evidence.Options{
		Backend:        cfg.EvidenceBackend,
		LocalDir:       cfg.EvidenceDir,
		MinIOEndpoint:  cfg.MinIOEndpoint,
		MinIOAccessKey: cfg.MinIOAccessKey,
		MinIOSecretKey: cfg.MinIOSecretKey,
		MinIOBucket:    cfg.MinIOBucket,
		MinIOUseSSL:    cfg.MinIOUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("evidence store: %w", err)
	}
	return store, nil
}

// buildAuditSink logs every entry and, when brokers are configured, also
// streams it to Kafka. The returned func closes the writer.
func buildAuditSink(cfg config.Config, logger *slog.Logger) (audit.Sink, func()) {
	sinks := audit.Multi{audit.NewLogSink(logger)}
	brokers := cfg.Brokers()
	if len(brokers) == 0 {
		return sinks, func() {}
	}
	kafkaSink := audit.NewKafkaSink(audit.NewKafkaWriter(brokers), cfg.AuditTopic)
	sinks = append(sinks, kafkaSink)
	return sinks, func() { _ = kafkaSink.Close() }
}

// newRecorder assembles a recorder over an open ledger.
func newRecorder(cfg config.Config, store ledgerStore, ev evidence.Store, sink audit.Sink, logger *slog.Logger) (*custody.Recorder, error) {
	return custody.NewRecorder(custody.Config{
		Ledger:   store,
		Evidence: ev,
		Audit:    sink,
		Logger:   logger,
		Travel: custody.TravelCheck{
			Multiplier:     cfg.AnomalyMultiplier,
			DefaultMinutes: cfg.DefaultTravelMinutes,
		},
		UploadTimeout: cfg.EvidenceUploadTimeout,
	})
}
