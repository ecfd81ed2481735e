package postgres

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"custody/internal/audit"
	"custody/internal/custody"
	"custody/internal/models"
	"custody/internal/storage/postgres/migrations"
)

var _ custody.Ledger = (*Store)(nil)

// auditChainLock serialises appends to the audit hash chain.
const auditChainLock = 7_250_001

const uniqueViolation = "23505"

// Store is the PostgreSQL custody ledger.
type Store struct {
	pool *pgxpool.Pool
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// New wraps pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Migrate applies pending embedded migrations, each in its own transaction.
func (s *Store) Migrate(ctx context.Context) ([]string, error) {
	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}
	files, err := listMigrationFiles(migrations.Files)
	if err != nil {
		return nil, err
	}

	var applied []string
	for _, file := range files {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, file).Scan(&exists); err != nil {
			return applied, fmt.Errorf("check migration %s: %w", file, err)
		}
		if exists {
			continue
		}
		body, err := migrations.Files.ReadFile(file)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", file, err)
		}
		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(body)); err != nil {
				return fmt.Errorf("apply migration %s: %w", file, err)
			}
			if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, file, time.Now().UTC()); err != nil {
				return fmt.Errorf("record migration %s: %w", file, err)
			}
			return nil
		})
		if err != nil {
			return applied, err
		}
		applied = append(applied, file)
	}
	return applied, nil
}

func listMigrationFiles(migFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migFS, ".")
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const taskColumns = `id, assigned_courier_id, stage, flagged, flag_reason, start_time, end_time,
	       expected_travel_minutes, is_double_shift, shift_type, sealed_pack_code, created_at, updated_at, completed_at`

const eventColumns = `id, task_id, checkpoint_type, courier_id, evidence_reference, evidence_hash,
	       evidence_mime_type, evidence_size, latitude, longitude, within_window, server_recorded_at`

const auditColumns = `id, action, entity_type, entity_id, actor_id, ip_address, task_id, details,
	       prev_hash, entry_hash, created_at, published_at`

// CreateTask inserts a new PENDING task.
func (s *Store) CreateTask(ctx context.Context, t models.Task) (models.Task, error) {
	if strings.TrimSpace(t.AssignedCourierID) == "" {
		return models.Task{}, fmt.Errorf("assigned courier must not be empty")
	}
	if t.StartTime.IsZero() || t.EndTime.IsZero() || t.EndTime.Before(t.StartTime) {
		return models.Task{}, fmt.Errorf("task window is invalid")
	}
	if t.IsDoubleShift && t.ShiftType != models.ShiftMorning && t.ShiftType != models.ShiftAfternoon {
		return models.Task{}, fmt.Errorf("double shift task needs shift type MORNING or AFTERNOON")
	}
	if !t.IsDoubleShift {
		t.ShiftType = ""
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}

	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks
			(id, assigned_courier_id, stage, flagged, flag_reason, start_time, end_time,
			 expected_travel_minutes, is_double_shift, shift_type, sealed_pack_code, created_at, updated_at)
		VALUES
			($1, $2, $3, FALSE, '', $4, $5, $6, $7, $8, $9, $10, $10)
	`,
		t.ID, strings.TrimSpace(t.AssignedCourierID), string(models.StagePending), t.StartTime.UTC(), t.EndTime.UTC(),
		t.ExpectedTravelMinutes, t.IsDoubleShift, string(t.ShiftType), strings.TrimSpace(t.SealedPackCode), now,
	)
	if err != nil {
		return models.Task{}, fmt.Errorf("create task %s: %w", t.ID, err)
	}
	return s.GetTask(ctx, t.ID)
}

func (s *Store) GetTask(ctx context.Context, id string) (models.Task, error) {
	return getTask(ctx, s.pool, id, false)
}

func getTask(ctx context.Context, q querier, id string, forUpdate bool) (models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	t, err := scanTask(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, custody.ErrTaskNotFound
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

func (s *Store) ListTasksByCourier(ctx context.Context, courierID string) ([]models.Task, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE assigned_courier_id = $1 ORDER BY start_time ASC, id`, courierID)
	if err != nil {
		return nil, fmt.Errorf("list tasks for courier %s: %w", courierID, err)
	}
	defer rows.Close()

	tasks := []models.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *Store) ListEvents(ctx context.Context, taskID string) ([]models.TaskEvent, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+eventColumns+` FROM task_events WHERE task_id = $1 ORDER BY server_recorded_at ASC, id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list events for task %s: %w", taskID, err)
	}
	defer rows.Close()

	events := []models.TaskEvent{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *Store) HasEvent(ctx context.Context, taskID string, cp models.CheckpointType) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM task_events WHERE task_id = $1 AND checkpoint_type = $2)`, taskID, string(cp)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check event for task %s: %w", taskID, err)
	}
	return exists, nil
}

func (s *Store) AppendAudit(ctx context.Context, entry models.AuditEntry) (models.AuditEntry, error) {
	var stored models.AuditEntry
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		stored, err = appendAudit(ctx, tx, entry)
		return err
	})
	return stored, err
}

func appendAudit(ctx context.Context, q querier, entry models.AuditEntry) (models.AuditEntry, error) {
	if _, err := q.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, auditChainLock); err != nil {
		return models.AuditEntry{}, fmt.Errorf("lock audit chain: %w", err)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	// TIMESTAMPTZ keeps microseconds; hash what will be read back.
	entry.CreatedAt = entry.CreatedAt.UTC().Truncate(time.Microsecond)
	entry.PublishedAt = nil

	var prev string
	err := q.QueryRow(ctx, `SELECT entry_hash FROM audit_log ORDER BY id DESC LIMIT 1`).Scan(&prev)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return models.AuditEntry{}, fmt.Errorf("read audit head: %w", err)
	}
	entry.PrevHash = prev
	entry.EntryHash = audit.ChainHash(entry)

	err = q.QueryRow(ctx, `
		INSERT INTO audit_log
			(action, entity_type, entity_id, actor_id, ip_address, task_id, details, prev_hash, entry_hash, created_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`,
		entry.Action, entry.EntityType, entry.EntityID, entry.ActorID, entry.IPAddress,
		entry.TaskID, entry.Details, entry.PrevHash, entry.EntryHash, entry.CreatedAt,
	).Scan(&entry.ID)
	if err != nil {
		return models.AuditEntry{}, fmt.Errorf("insert audit %s: %w", entry.Action, err)
	}
	return entry, nil
}

func (s *Store) MarkAuditPublished(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `UPDATE audit_log SET published_at = $1 WHERE published_at IS NULL AND id = ANY($2)`, time.Now().UTC(), ids)
	if err != nil {
		return fmt.Errorf("mark audit published: %w", err)
	}
	return nil
}

func (s *Store) ListUnpublishedAudit(ctx context.Context, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryAudit(ctx, `SELECT `+auditColumns+` FROM audit_log WHERE published_at IS NULL ORDER BY id ASC LIMIT $1`, limit)
}

// ListAudit returns the whole audit chain in insertion order.
func (s *Store) ListAudit(ctx context.Context) ([]models.AuditEntry, error) {
	return s.queryAudit(ctx, `SELECT `+auditColumns+` FROM audit_log ORDER BY id ASC`)
}

func (s *Store) queryAudit(ctx context.Context, query string, args ...any) ([]models.AuditEntry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	entries := []models.AuditEntry{}
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) InTx(ctx context.Context, fn func(tx custody.LedgerTx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&ledgerTx{tx: tx})
	})
}

type ledgerTx struct {
	tx pgx.Tx
}

// LockTask takes a row lock on the task until commit.
func (l *ledgerTx) LockTask(ctx context.Context, id string) (models.Task, error) {
	return getTask(ctx, l.tx, id, true)
}

func (l *ledgerTx) FindEvent(ctx context.Context, taskID string, cp models.CheckpointType) (models.TaskEvent, bool, error) {
	ev, err := scanEvent(l.tx.QueryRow(ctx, `SELECT `+eventColumns+` FROM task_events WHERE task_id = $1 AND checkpoint_type = $2`, taskID, string(cp)))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.TaskEvent{}, false, nil
	}
	if err != nil {
		return models.TaskEvent{}, false, fmt.Errorf("find %s event for task %s: %w", cp, taskID, err)
	}
	return ev, true, nil
}

func (l *ledgerTx) InsertEvent(ctx context.Context, ev models.TaskEvent) error {
	_, err := l.tx.Exec(ctx, `
		INSERT INTO task_events
			(`+eventColumns+`)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		ev.ID, ev.TaskID, string(ev.CheckpointType), ev.CourierID, ev.EvidenceReference, ev.EvidenceHash,
		ev.EvidenceMIMEType, ev.EvidenceSize, ev.Latitude, ev.Longitude, ev.WithinWindow, ev.ServerRecordedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("insert %s event for task %s: %w", ev.CheckpointType, ev.TaskID, custody.ErrDuplicateEvent)
	}
	if err != nil {
		return fmt.Errorf("insert %s event for task %s: %w", ev.CheckpointType, ev.TaskID, err)
	}
	return nil
}

func (l *ledgerTx) UpdateTaskState(ctx context.Context, taskID string, st custody.State) error {
	now := time.Now().UTC()
	var completedAt *time.Time
	if st.Stage.IsTerminal() {
		completedAt = &now
	}
	tag, err := l.tx.Exec(ctx, `
		UPDATE tasks
		SET stage = $1, flagged = $2, flag_reason = $3, completed_at = $4, updated_at = $5
		WHERE id = $6 AND stage <> 'COMPLETED'
	`, string(st.Stage), st.Flagged, st.FlagReason, completedAt, now, taskID)
	if err != nil {
		return fmt.Errorf("update state for task %s: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update state for task %s: task missing or locked", taskID)
	}
	return nil
}

func (l *ledgerTx) AppendAudit(ctx context.Context, entry models.AuditEntry) (models.AuditEntry, error) {
	return appendAudit(ctx, l.tx, entry)
}

func scanTask(row pgx.Row) (models.Task, error) {
	var t models.Task
	var stage, shift string
	err := row.Scan(&t.ID, &t.AssignedCourierID, &stage, &t.Flagged, &t.FlagReason, &t.StartTime, &t.EndTime,
		&t.ExpectedTravelMinutes, &t.IsDoubleShift, &shift, &t.SealedPackCode, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt)
	if err != nil {
		return models.Task{}, err
	}
	t.Stage = models.Stage(stage)
	t.ShiftType = models.ShiftType(shift)
	return t, nil
}

func scanEvent(row pgx.Row) (models.TaskEvent, error) {
	var ev models.TaskEvent
	var cp string
	err := row.Scan(&ev.ID, &ev.TaskID, &cp, &ev.CourierID, &ev.EvidenceReference, &ev.EvidenceHash,
		&ev.EvidenceMIMEType, &ev.EvidenceSize, &ev.Latitude, &ev.Longitude, &ev.WithinWindow, &ev.ServerRecordedAt)
	if err != nil {
		return models.TaskEvent{}, err
	}
	ev.CheckpointType = models.CheckpointType(cp)
	return ev, nil
}

func scanAudit(row pgx.Row) (models.AuditEntry, error) {
	var e models.AuditEntry
	err := row.Scan(&e.ID, &e.Action, &e.EntityType, &e.EntityID, &e.ActorID, &e.IPAddress, &e.TaskID, &e.Details,
		&e.PrevHash, &e.EntryHash, &e.CreatedAt, &e.PublishedAt)
	if err != nil {
		return models.AuditEntry{}, err
	}
	return e, nil
}
