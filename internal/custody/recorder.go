package custody

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"custody/internal/models"
	"custody/internal/telemetry"
)

// Audit actions written by the recorder.
const (
	ActionCheckpointRecorded  = "CHECKPOINT_RECORDED"
	ActionAnomalousTravelTime = "ANOMALOUS_TRAVEL_TIME"
	actionDeniedPrefix        = "CHECKPOINT_DENIED_"

	EntityTaskEvent = "task_event"
	EntityTask      = "task"
)

// DeniedAction is the audit action for a rejection of the given kind.
func DeniedAction(kind Kind) string {
	return actionDeniedPrefix + string(kind)
}

// EvidenceStore persists evidence blobs and returns a stable reference.
type EvidenceStore interface {
	Upload(ctx context.Context, data []byte, suggestedName, mimeType string) (string, error)
}

// AuditSink receives every security relevant action.
type AuditSink interface {
	Log(ctx context.Context, entry models.AuditEntry) error
}

// Submission is one inbound checkpoint.
type Submission struct {
	TaskID      string
	CourierID   string
	Checkpoint  string
	Evidence    []byte
	ContentType string
	Latitude    float64
	Longitude   float64
	IPAddress   string
}

// Config wires the recorder's collaborators.
type Config struct {
	Ledger        Ledger
	Evidence      EvidenceStore
	Audit         AuditSink
	Logger        *slog.Logger
	Travel        TravelCheck
	UploadTimeout time.Duration
	// Clock defaults to time.Now. Client supplied timestamps are never used.
	Clock func() time.Time
}

// Recorder records checkpoints for transport tasks.
type Recorder struct {
	ledger        Ledger
	evidence      EvidenceStore
	audit         AuditSink
	logger        *slog.Logger
	travel        TravelCheck
	uploadTimeout time.Duration
	now           func() time.Time
}

// NewRecorder validates cfg and builds a Recorder.
func NewRecorder(cfg Config) (*Recorder, error) {
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("recorder: ledger is required")
	}
	if cfg.Evidence == nil {
		return nil, fmt.Errorf("recorder: evidence store is required")
	}
	if cfg.Audit == nil {
		return nil, fmt.Errorf("recorder: audit sink is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 30 * time.Second
	}
	return &Recorder{
		ledger:        cfg.Ledger,
		evidence:      cfg.Evidence,
		audit:         cfg.Audit,
		logger:        cfg.Logger,
		travel:        cfg.Travel,
		uploadTimeout: cfg.UploadTimeout,
		now:           cfg.Clock,
	}, nil
}

// RecordCheckpoint validates, evidences and persists one checkpoint.
//
// The event, the task state change and the audit rows commit together or not
// at all. Audit rows are published to the sink after commit.
func (r *Recorder) RecordCheckpoint(ctx context.Context, sub Submission) (models.TaskEvent, error) {
	ctx, span := otel.Tracer("custody").Start(ctx, "custody.record_checkpoint")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", sub.TaskID),
		attribute.String("checkpoint.type", sub.Checkpoint),
	)

	ev, err := r.record(ctx, sub)
	if err != nil {
		kind := KindOf(err)
		if kind == "" {
			span.RecordError(err)
			span.SetStatus(codes.Error, "checkpoint failed")
			telemetry.CheckpointRejections.WithLabelValues("INTERNAL").Inc()
		} else {
			span.SetAttributes(attribute.String("rejection.kind", string(kind)))
			telemetry.CheckpointRejections.WithLabelValues(string(kind)).Inc()
		}
		return models.TaskEvent{}, err
	}
	telemetry.CheckpointsRecorded.WithLabelValues(string(ev.CheckpointType)).Inc()
	return ev, nil
}

// Authorize resolves the submission's task and checks that the caller is
// its assigned courier. Rejections are audited.
func (r *Recorder) Authorize(ctx context.Context, sub Submission) (models.Task, error) {
	task, err := r.authorize(ctx, sub)
	if kind := KindOf(err); kind != "" {
		telemetry.CheckpointRejections.WithLabelValues(string(kind)).Inc()
	}
	return task, err
}

// Deny audits a submission the transport refused before recording, such as
// an unreadable form or an oversized photo, and returns the rejection.
func (r *Recorder) Deny(ctx context.Context, sub Submission, kind Kind, cause error) error {
	cp, _ := models.ParseCheckpointType(strings.TrimSpace(sub.Checkpoint))
	telemetry.CheckpointRejections.WithLabelValues(string(kind)).Inc()
	return r.deny(ctx, sub, cp, reject(kind, sub.TaskID, cp, cause))
}

func (r *Recorder) authorize(ctx context.Context, sub Submission) (models.Task, error) {
	task, err := r.ledger.GetTask(ctx, sub.TaskID)
	if errors.Is(err, ErrTaskNotFound) {
		return models.Task{}, r.deny(ctx, sub, "", reject(KindNotFound, sub.TaskID, "", err))
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("load task %s: %w", sub.TaskID, err)
	}
	if sub.CourierID == "" || sub.CourierID != task.AssignedCourierID {
		return models.Task{}, r.deny(ctx, sub, "", reject(KindUnauthorized, task.ID, "",
			fmt.Errorf("caller is not the assigned courier")))
	}
	return task, nil
}

func (r *Recorder) record(ctx context.Context, sub Submission) (models.TaskEvent, error) {
	task, err := r.authorize(ctx, sub)
	if err != nil {
		return models.TaskEvent{}, err
	}

	if task.Stage.IsTerminal() {
		return models.TaskEvent{}, r.deny(ctx, sub, "", reject(KindTaskLocked, task.ID, "", nil))
	}

	cp, ok := models.ParseCheckpointType(strings.TrimSpace(sub.Checkpoint))
	if !ok {
		return models.TaskEvent{}, r.deny(ctx, sub, "", reject(KindInvalidCheckpointType, task.ID, "",
			fmt.Errorf("unknown checkpoint type %q", sub.Checkpoint)))
	}
	if !IsApplicable(task, cp) {
		return models.TaskEvent{}, r.deny(ctx, sub, cp, reject(KindCheckpointNotAllowed, task.ID, cp,
			fmt.Errorf("checkpoint is covered by the morning shift")))
	}

	// Advisory only: the unique index decides inside the transaction.
	exists, err := r.ledger.HasEvent(ctx, task.ID, cp)
	if err != nil {
		return models.TaskEvent{}, fmt.Errorf("check existing checkpoint: %w", err)
	}
	if exists {
		return models.TaskEvent{}, r.deny(ctx, sub, cp, reject(KindDuplicateCheckpoint, task.ID, cp, nil))
	}

	if len(sub.Evidence) == 0 {
		return models.TaskEvent{}, r.deny(ctx, sub, cp, reject(KindEvidenceRequired, task.ID, cp, nil))
	}
	if err := validateCoordinates(sub.Latitude, sub.Longitude); err != nil {
		return models.TaskEvent{}, r.deny(ctx, sub, cp, reject(KindInvalidCoordinates, task.ID, cp, err))
	}

	eventID := uuid.New().String()
	hash := HashEvidence(sub.Evidence)
	ref, err := r.upload(ctx, task.ID, cp, eventID, sub)
	if err != nil {
		return models.TaskEvent{}, r.deny(ctx, sub, cp, reject(KindEvidenceUploadFailed, task.ID, cp, err))
	}

	// Microsecond precision survives every ledger backend unchanged.
	recordedAt := r.now().UTC().Truncate(time.Microsecond)
	ev := models.TaskEvent{
		ID:                eventID,
		TaskID:            task.ID,
		CheckpointType:    cp,
		CourierID:         sub.CourierID,
		EvidenceReference: ref,
		EvidenceHash:      hash,
		EvidenceMIMEType:  sub.ContentType,
		EvidenceSize:      int64(len(sub.Evidence)),
		Latitude:          sub.Latitude,
		Longitude:         sub.Longitude,
		WithinWindow:      withinWindow(task, recordedAt),
		ServerRecordedAt:  recordedAt,
	}

	var pending []models.AuditEntry
	var anomaly *TravelAnomaly
	err = r.ledger.InTx(ctx, func(tx LedgerTx) error {
		pending = pending[:0]

		current, err := tx.LockTask(ctx, task.ID)
		if err != nil {
			return err
		}
		if current.Stage.IsTerminal() {
			return reject(KindTaskLocked, task.ID, cp, nil)
		}

		var pickup *models.TaskEvent
		if cp == models.CheckpointArrival {
			found, ok, err := tx.FindEvent(ctx, task.ID, models.CheckpointPickup)
			if err != nil {
				return err
			}
			if ok {
				pickup = &found
			}
		}

		if err := tx.InsertEvent(ctx, ev); err != nil {
			if errors.Is(err, ErrDuplicateEvent) {
				return reject(KindDuplicateCheckpoint, task.ID, cp, err)
			}
			return err
		}

		next := Next(StateOf(current), cp, ev.WithinWindow)
		anomaly = r.travel.Evaluate(current, cp, recordedAt, pickup)
		if anomaly != nil {
			next = next.Flag(models.FlagAnomalousTravelTime)
		}
		if next != StateOf(current) {
			if err := tx.UpdateTaskState(ctx, task.ID, next); err != nil {
				return err
			}
		}

		details := string(cp)
		if !ev.WithinWindow {
			details = fmt.Sprintf("%s recorded at %s outside window %s..%s", cp, recordedAt.Format(time.RFC3339),
				current.StartTime.UTC().Format(time.RFC3339), current.EndTime.UTC().Format(time.RFC3339))
		}
		entries := []models.AuditEntry{r.entry(ActionCheckpointRecorded, EntityTaskEvent, &ev.ID, sub, details)}
		if anomaly != nil {
			entries = append(entries, r.entry(ActionAnomalousTravelTime, EntityTask, &ev.TaskID, sub,
				fmt.Sprintf("pickup to arrival took %.1f minutes, limit %.1f", anomaly.ElapsedMinutes, anomaly.LimitMinutes)))
		}
		for _, e := range entries {
			stored, err := tx.AppendAudit(ctx, e)
			if err != nil {
				return fmt.Errorf("append audit %s: %w", e.Action, err)
			}
			pending = append(pending, stored)
		}
		return nil
	})
	if err != nil {
		if kind := KindOf(err); kind != "" {
			return models.TaskEvent{}, r.deny(ctx, sub, cp, err)
		}
		return models.TaskEvent{}, fmt.Errorf("commit checkpoint %s for task %s: %w", cp, task.ID, err)
	}

	if anomaly != nil {
		telemetry.TravelAnomalies.Inc()
	}
	if !ev.WithinWindow {
		telemetry.OutsideWindowCheckpoints.Inc()
	}
	r.logger.Info("checkpoint recorded",
		slog.String("task_id", ev.TaskID),
		slog.String("event_id", ev.ID),
		slog.String("checkpoint", string(cp)),
		slog.Bool("within_window", ev.WithinWindow),
		slog.Bool("travel_anomaly", anomaly != nil),
	)

	r.publish(ctx, pending...)
	return ev, nil
}

func (r *Recorder) upload(ctx context.Context, taskID string, cp models.CheckpointType, eventID string, sub Submission) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.uploadTimeout)
	defer cancel()

	start := time.Now()
	name := EvidenceObjectName(taskID, cp, eventID, sub.ContentType)
	ref, err := r.evidence.Upload(ctx, sub.Evidence, name, sub.ContentType)
	telemetry.EvidenceUploadSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		r.logger.Error("evidence upload failed",
			slog.String("task_id", taskID),
			slog.String("checkpoint", string(cp)),
			slog.String("error", err.Error()),
		)
		return "", err
	}
	if ref == "" {
		return "", fmt.Errorf("evidence store returned an empty reference")
	}
	return ref, nil
}

// deny writes the audit record for a rejected submission and returns cause.
func (r *Recorder) deny(ctx context.Context, sub Submission, cp models.CheckpointType, cause error) error {
	kind := KindOf(cause)
	details := cause.Error()
	if cp != "" {
		details = string(cp) + ": " + details
	}
	r.logger.Warn("checkpoint rejected",
		slog.String("task_id", sub.TaskID),
		slog.String("courier_id", sub.CourierID),
		slog.String("kind", string(kind)),
	)

	entityType := EntityTaskEvent
	if kind == KindNotFound {
		entityType = EntityTask
	}
	stored, err := r.ledger.AppendAudit(ctx, r.entry(DeniedAction(kind), entityType, nil, sub, details))
	if err != nil {
		r.logger.Error("audit append failed",
			slog.String("task_id", sub.TaskID),
			slog.String("action", DeniedAction(kind)),
			slog.String("error", err.Error()),
		)
		telemetry.AuditFailures.WithLabelValues("append").Inc()
		return cause
	}
	r.publish(ctx, stored)
	return cause
}

func (r *Recorder) entry(action, entityType string, entityID *string, sub Submission, details string) models.AuditEntry {
	return models.AuditEntry{
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		ActorID:    optional(sub.CourierID),
		IPAddress:  optional(sub.IPAddress),
		TaskID:     sub.TaskID,
		Details:    details,
		CreatedAt:  r.now().UTC(),
	}
}

// publish forwards committed audit rows to the sink. Rows that fail stay
// unpublished in the outbox for a later replay.
func (r *Recorder) publish(ctx context.Context, entries ...models.AuditEntry) {
	published := make([]int64, 0, len(entries))
	for _, e := range entries {
		if err := r.audit.Log(ctx, e); err != nil {
			r.logger.Error("audit publish failed",
				slog.Int64("audit_id", e.ID),
				slog.String("action", e.Action),
				slog.String("error", err.Error()),
			)
			telemetry.AuditFailures.WithLabelValues("publish").Inc()
			continue
		}
		published = append(published, e.ID)
	}
	if len(published) == 0 {
		return
	}
	if err := r.ledger.MarkAuditPublished(ctx, published...); err != nil {
		r.logger.Error("mark audit published failed", slog.String("error", err.Error()))
	}
}

// AllowedCheckpoints returns the checkpoints still open for the caller's task.
func (r *Recorder) AllowedCheckpoints(ctx context.Context, taskID string) ([]models.CheckpointType, error) {
	task, err := r.ledger.GetTask(ctx, taskID)
	if errors.Is(err, ErrTaskNotFound) {
		return nil, reject(KindNotFound, taskID, "", err)
	}
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}
	events, err := r.ledger.ListEvents(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("list events for %s: %w", taskID, err)
	}
	return AllowedCheckpoints(task, events), nil
}

// ReplayAudit republishes outbox rows that never reached the sink.
func (r *Recorder) ReplayAudit(ctx context.Context, batch int) (int, error) {
	if batch <= 0 {
		batch = 100
	}
	total := 0
	for {
		entries, err := r.ledger.ListUnpublishedAudit(ctx, batch)
		if err != nil {
			return total, fmt.Errorf("list unpublished audit: %w", err)
		}
		if len(entries) == 0 {
			return total, nil
		}
		for _, e := range entries {
			if err := r.audit.Log(ctx, e); err != nil {
				return total, fmt.Errorf("publish audit %d: %w", e.ID, err)
			}
			if err := r.ledger.MarkAuditPublished(ctx, e.ID); err != nil {
				return total, fmt.Errorf("mark audit %d: %w", e.ID, err)
			}
			total++
		}
	}
}

// EvidenceObjectName derives the storage key for a checkpoint photo. Keys
// are per event so a retried submission never collides with an orphaned
// upload from a failed attempt.
func EvidenceObjectName(taskID string, cp models.CheckpointType, eventID, mimeType string) string {
	return fmt.Sprintf("%s/%s-%s%s", taskID, strings.ToLower(string(cp)), eventID, extensionFor(mimeType))
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/heic":
		return ".heic"
	default:
		return ".bin"
	}
}

func withinWindow(task models.Task, at time.Time) bool {
	return !at.Before(task.StartTime) && !at.After(task.EndTime)
}

func validateCoordinates(lat, lon float64) error {
	if math.IsNaN(lat) || lat < -90 || lat > 90 {
		return fmt.Errorf("latitude %v out of range", lat)
	}
	if math.IsNaN(lon) || lon < -180 || lon > 180 {
		return fmt.Errorf("longitude %v out of range", lon)
	}
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
