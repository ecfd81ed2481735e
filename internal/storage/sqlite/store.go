package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"custody/internal/audit"
	"custody/internal/custody"
	"custody/internal/models"
)

var _ custody.Ledger = (*Store)(nil)

// Store wraps access to the SQLite custody ledger.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open initializes a new SQLite store and runs the required migrations.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("empty database path")
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if err := ensureDir(dbPath); err != nil {
		return nil, err
	}

	// _txlock=immediate takes the write lock at BEGIN so two checkpoint
	// transactions never interleave their reads and writes.
	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=ON&_txlock=immediate", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(0)

	s := &Store{db: conn, logger: logger}
	if err := s.migrate(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return s, nil
}

// Close releases the database resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func ensureDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
            id TEXT PRIMARY KEY,
            assigned_courier_id TEXT NOT NULL,
            stage TEXT NOT NULL DEFAULT 'PENDING',
            flagged INTEGER NOT NULL DEFAULT 0,
            flag_reason TEXT NOT NULL DEFAULT '',
            start_time DATETIME NOT NULL,
            end_time DATETIME NOT NULL,
            expected_travel_minutes INTEGER NOT NULL DEFAULT 0,
            is_double_shift INTEGER NOT NULL DEFAULT 0,
            shift_type TEXT NOT NULL DEFAULT '',
            sealed_pack_code TEXT NOT NULL DEFAULT '',
            created_at DATETIME NOT NULL,
            updated_at DATETIME NOT NULL,
            completed_at DATETIME
        );`,
		`CREATE TABLE IF NOT EXISTS task_events (
            id TEXT PRIMARY KEY,
            task_id TEXT NOT NULL,
            checkpoint_type TEXT NOT NULL,
            courier_id TEXT NOT NULL,
            evidence_reference TEXT NOT NULL,
            evidence_hash TEXT NOT NULL,
            evidence_mime_type TEXT NOT NULL DEFAULT '',
            evidence_size INTEGER NOT NULL DEFAULT 0,
            latitude REAL NOT NULL,
            longitude REAL NOT NULL,
            within_window INTEGER NOT NULL,
            server_recorded_at DATETIME NOT NULL,
            FOREIGN KEY(task_id) REFERENCES tasks(id)
        );`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_task_events_task_checkpoint ON task_events(task_id, checkpoint_type);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_courier ON tasks(assigned_courier_id);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            action TEXT NOT NULL,
            entity_type TEXT NOT NULL,
            entity_id TEXT,
            actor_id TEXT,
            ip_address TEXT,
            task_id TEXT NOT NULL DEFAULT '',
            details TEXT NOT NULL DEFAULT '',
            prev_hash TEXT NOT NULL,
            entry_hash TEXT NOT NULL,
            created_at DATETIME NOT NULL,
            published_at DATETIME
        );`,
		`CREATE INDEX IF NOT EXISTS idx_audit_unpublished ON audit_log(published_at, id);`,
		`CREATE TRIGGER IF NOT EXISTS trg_task_events_immutable_update
            BEFORE UPDATE ON task_events
            BEGIN
                SELECT RAISE(ABORT, 'task_events are write-once');
            END;`,
		`CREATE TRIGGER IF NOT EXISTS trg_task_events_immutable_delete
            BEFORE DELETE ON task_events
            BEGIN
                SELECT RAISE(ABORT, 'task_events are write-once');
            END;`,
		`CREATE TRIGGER IF NOT EXISTS trg_task_events_locked_task
            BEFORE INSERT ON task_events
            WHEN (SELECT stage FROM tasks WHERE id = NEW.task_id) = 'COMPLETED'
            BEGIN
                SELECT RAISE(ABORT, 'task is locked');
            END;`,
		`CREATE TRIGGER IF NOT EXISTS trg_tasks_locked
            BEFORE UPDATE ON tasks
            WHEN OLD.stage = 'COMPLETED'
            BEGIN
                SELECT RAISE(ABORT, 'task is locked');
            END;`,
		`CREATE TRIGGER IF NOT EXISTS trg_audit_log_append_only
            BEFORE UPDATE OF action, entity_type, entity_id, actor_id, ip_address, task_id, details, prev_hash, entry_hash, created_at ON audit_log
            BEGIN
                SELECT RAISE(ABORT, 'audit_log is append-only');
            END;`,
		`CREATE TRIGGER IF NOT EXISTS trg_audit_log_no_delete
            BEFORE DELETE ON audit_log
            BEGIN
                SELECT RAISE(ABORT, 'audit_log is append-only');
            END;`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const taskColumns = `id, assigned_courier_id, stage, flagged, flag_reason, start_time, end_time,
        expected_travel_minutes, is_double_shift, shift_type, sealed_pack_code, created_at, updated_at, completed_at`

const eventColumns = `id, task_id, checkpoint_type, courier_id, evidence_reference, evidence_hash,
        evidence_mime_type, evidence_size, latitude, longitude, within_window, server_recorded_at`

const auditColumns = `id, action, entity_type, entity_id, actor_id, ip_address, task_id, details,
        prev_hash, entry_hash, created_at, published_at`

// CreateTask inserts a new PENDING task. It is the hook used by the
// scheduling process.
func (s *Store) CreateTask(ctx context.Context, t models.Task) (models.Task, error) {
	t, err := normalizeNewTask(t)
	if err != nil {
		return models.Task{}, err
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO tasks(id, assigned_courier_id, stage, flagged, flag_reason, start_time, end_time,
        expected_travel_minutes, is_double_shift, shift_type, sealed_pack_code, created_at, updated_at)
        VALUES(?, ?, ?, 0, '', ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.AssignedCourierID, string(t.Stage), t.StartTime, t.EndTime,
		t.ExpectedTravelMinutes, t.IsDoubleShift, string(t.ShiftType), t.SealedPackCode, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return models.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return s.GetTask(ctx, t.ID)
}

// normalizeNewTask validates a task about to be scheduled and fills defaults.
func normalizeNewTask(t models.Task) (models.Task, error) {
	t.AssignedCourierID = strings.TrimSpace(t.AssignedCourierID)
	if t.AssignedCourierID == "" {
		return models.Task{}, fmt.Errorf("assigned courier must not be empty")
	}
	if t.StartTime.IsZero() || t.EndTime.IsZero() || t.EndTime.Before(t.StartTime) {
		return models.Task{}, fmt.Errorf("task window is invalid")
	}
	if t.ExpectedTravelMinutes < 0 {
		return models.Task{}, fmt.Errorf("expected travel minutes must not be negative")
	}
	if t.IsDoubleShift {
		if t.ShiftType != models.ShiftMorning && t.ShiftType != models.ShiftAfternoon {
			return models.Task{}, fmt.Errorf("double shift task needs shift type MORNING or AFTERNOON")
		}
	} else {
		t.ShiftType = ""
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	t.Stage = models.StagePending
	t.Flagged = false
	t.FlagReason = ""
	t.StartTime = t.StartTime.UTC()
	t.EndTime = t.EndTime.UTC()
	t.SealedPackCode = strings.TrimSpace(t.SealedPackCode)
	t.CreatedAt = now
	t.UpdatedAt = now
	return t, nil
}

// GetTask retrieves a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (models.Task, error) {
	return getTask(ctx, s.db, id)
}

func getTask(ctx context.Context, q querier, id string) (models.Task, error) {
	t, err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Task{}, custody.ErrTaskNotFound
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasksByCourier returns the tasks assigned to a courier, earliest window first.
func (s *Store) ListTasksByCourier(ctx context.Context, courierID string) ([]models.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE assigned_courier_id = ? ORDER BY start_time ASC, id`, courierID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
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

// ListEvents returns a task's checkpoints ordered by server time.
func (s *Store) ListEvents(ctx context.Context, taskID string) ([]models.TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM task_events WHERE task_id = ? ORDER BY server_recorded_at ASC, rowid ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
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

// HasEvent reports whether a checkpoint is already recorded.
func (s *Store) HasEvent(ctx context.Context, taskID string, cp models.CheckpointType) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM task_events WHERE task_id = ? AND checkpoint_type = ?)`, taskID, string(cp)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check event: %w", err)
	}
	return exists, nil
}

// AppendAudit adds one entry to the hash chained outbox.
func (s *Store) AppendAudit(ctx context.Context, entry models.AuditEntry) (models.AuditEntry, error) {
	var stored models.AuditEntry
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		stored, err = appendAudit(ctx, tx, entry)
		return err
	})
	return stored, err
}

func appendAudit(ctx context.Context, q querier, entry models.AuditEntry) (models.AuditEntry, error) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	entry.PublishedAt = nil

	var prev string
	err := q.QueryRowContext(ctx, `SELECT entry_hash FROM audit_log ORDER BY id DESC LIMIT 1`).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return models.AuditEntry{}, fmt.Errorf("read audit head: %w", err)
	}
	entry.PrevHash = prev
	entry.EntryHash = audit.ChainHash(entry)

	res, err := q.ExecContext(ctx, `INSERT INTO audit_log(action, entity_type, entity_id, actor_id, ip_address, task_id, details, prev_hash, entry_hash, created_at)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Action, entry.EntityType, entry.EntityID, entry.ActorID, entry.IPAddress,
		entry.TaskID, entry.Details, entry.PrevHash, entry.EntryHash, entry.CreatedAt)
	if err != nil {
		return models.AuditEntry{}, fmt.Errorf("insert audit: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return models.AuditEntry{}, fmt.Errorf("audit id: %w", err)
	}
	entry.ID = id
	return entry, nil
}

// MarkAuditPublished records delivery of outbox rows to the external sink.
func (s *Store) MarkAuditPublished(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, time.Now().UTC())
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, `UPDATE audit_log SET published_at = ? WHERE published_at IS NULL AND id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("mark audit published: %w", err)
	}
	return nil
}

// ListUnpublishedAudit returns outbox rows not yet delivered, oldest first.
func (s *Store) ListUnpublishedAudit(ctx context.Context, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryAudit(ctx, `SELECT `+auditColumns+` FROM audit_log WHERE published_at IS NULL ORDER BY id ASC LIMIT ?`, limit)
}

// ListAudit returns the whole audit chain in insertion order.
func (s *Store) ListAudit(ctx context.Context) ([]models.AuditEntry, error) {
	return s.queryAudit(ctx, `SELECT `+auditColumns+` FROM audit_log ORDER BY id ASC`)
}

func (s *Store) queryAudit(ctx context.Context, query string, args ...any) ([]models.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
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

// InTx runs fn inside one IMMEDIATE transaction.
func (s *Store) InTx(ctx context.Context, fn func(tx custody.LedgerTx) error) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return fn(&ledgerTx{tx: tx})
	})
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type ledgerTx struct {
	tx *sql.Tx
}

// LockTask reads the task; the IMMEDIATE transaction already holds the
// database write lock.
func (l *ledgerTx) LockTask(ctx context.Context, id string) (models.Task, error) {
	return getTask(ctx, l.tx, id)
}

func (l *ledgerTx) FindEvent(ctx context.Context, taskID string, cp models.CheckpointType) (models.TaskEvent, bool, error) {
	ev, err := scanEvent(l.tx.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM task_events WHERE task_id = ? AND checkpoint_type = ?`, taskID, string(cp)))
	if errors.Is(err, sql.ErrNoRows) {
		return models.TaskEvent{}, false, nil
	}
	if err != nil {
		return models.TaskEvent{}, false, fmt.Errorf("find event: %w", err)
	}
	return ev, true, nil
}

func (l *ledgerTx) InsertEvent(ctx context.Context, ev models.TaskEvent) error {
	_, err := l.tx.ExecContext(ctx, `INSERT INTO task_events(`+eventColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.TaskID, string(ev.CheckpointType), ev.CourierID, ev.EvidenceReference, ev.EvidenceHash,
		ev.EvidenceMIMEType, ev.EvidenceSize, ev.Latitude, ev.Longitude, ev.WithinWindow, ev.ServerRecordedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("insert event: %w", custody.ErrDuplicateEvent)
	}
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (l *ledgerTx) UpdateTaskState(ctx context.Context, taskID string, st custody.State) error {
	now := time.Now().UTC()
	var completedAt *time.Time
	if st.Stage.IsTerminal() {
		completedAt = &now
	}
	res, err := l.tx.ExecContext(ctx, `UPDATE tasks SET stage = ?, flagged = ?, flag_reason = ?, completed_at = ?, updated_at = ?
        WHERE id = ? AND stage <> 'COMPLETED'`,
		string(st.Stage), st.Flagged, st.FlagReason, completedAt, now, taskID)
	if err != nil {
		return fmt.Errorf("update task state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("update task state: task %s missing or locked", taskID)
	}
	return nil
}

func (l *ledgerTx) AppendAudit(ctx context.Context, entry models.AuditEntry) (models.AuditEntry, error) {
	return appendAudit(ctx, l.tx, entry)
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (models.Task, error) {
	var t models.Task
	var stage, shift string
	var completedAt sql.NullTime
	err := row.Scan(&t.ID, &t.AssignedCourierID, &stage, &t.Flagged, &t.FlagReason, &t.StartTime, &t.EndTime,
		&t.ExpectedTravelMinutes, &t.IsDoubleShift, &shift, &t.SealedPackCode, &t.CreatedAt, &t.UpdatedAt, &completedAt)
	if err != nil {
		return models.Task{}, err
	}
	t.Stage = models.Stage(stage)
	t.ShiftType = models.ShiftType(shift)
	if completedAt.Valid {
		c := completedAt.Time
		t.CompletedAt = &c
	}
	return t, nil
}

func scanEvent(row scanner) (models.TaskEvent, error) {
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

func scanAudit(row scanner) (models.AuditEntry, error) {
	var e models.AuditEntry
	var entityID, actorID, ip sql.NullString
	var publishedAt sql.NullTime
	err := row.Scan(&e.ID, &e.Action, &e.EntityType, &entityID, &actorID, &ip, &e.TaskID, &e.Details,
		&e.PrevHash, &e.EntryHash, &e.CreatedAt, &publishedAt)
	if err != nil {
		return models.AuditEntry{}, err
	}
	e.EntityID = nullString(entityID)
	e.ActorID = nullString(actorID)
	e.IPAddress = nullString(ip)
	if publishedAt.Valid {
		p := publishedAt.Time
		e.PublishedAt = &p
	}
	return e, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
