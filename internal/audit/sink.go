package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"custody/internal/models"
)

// LogSink writes audit entries to a structured logger. It is the sink used
// when no broker is configured.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a sink that logs every entry at info level.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With(slog.String("component", "audit"))}
}

func (s *LogSink) Log(_ context.Context, e models.AuditEntry) error {
	s.logger.Info("audit",
		slog.Int64("audit_id", e.ID),
		slog.String("action", e.Action),
		slog.String("entity_type", e.EntityType),
		slog.String("entity_id", deref(e.EntityID)),
		slog.String("actor_id", deref(e.ActorID)),
		slog.String("ip", deref(e.IPAddress)),
		slog.String("task_id", e.TaskID),
		slog.String("entry_hash", e.EntryHash),
	)
	return nil
}

// MessageWriter is the subset of *kafka.Writer used by KafkaSink.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes audit entries as JSON to a topic, keyed by task id so a
// task's trail stays on one partition.
type KafkaSink struct {
	writer MessageWriter
	topic  string
}

// NewKafkaWriter builds the writer used in production.
func NewKafkaWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            3,
		WriteTimeout:           10 * time.Second,
		AllowAutoTopicCreation: true,
	}
}

// NewKafkaSink wraps writer.
func NewKafkaSink(writer MessageWriter, topic string) *KafkaSink {
	return &KafkaSink{writer: writer, topic: topic}
}

func (s *KafkaSink) Log(ctx context.Context, e models.AuditEntry) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	err = s.writer.WriteMessages(ctx, kafka.Message{
		Topic:   s.topic,
		Key:     []byte(e.TaskID),
		Value:   value,
		Headers: traceHeaders(ctx),
		Time:    e.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("kafka publish to %s: %w", s.topic, err)
	}
	return nil
}

// traceHeaders carries the request trace to audit consumers.
func traceHeaders(ctx context.Context) []kafka.Header {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	keys := carrier.Keys()
	sort.Strings(keys)
	headers := make([]kafka.Header, 0, len(keys))
	for _, k := range keys {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(carrier.Get(k))})
	}
	return headers
}

// Close releases the underlying writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

// Sink is the audit collaborator contract.
type Sink interface {
	Log(ctx context.Context, e models.AuditEntry) error
}

// Multi delivers to every sink and joins their errors.
type Multi []Sink

func (m Multi) Log(ctx context.Context, e models.AuditEntry) error {
	var errs []error
	for _, s := range m {
		if err := s.Log(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
