package custody

import (
	"context"

	"custody/internal/models"
)

// TaskLookup loads a task by id. Implementations return ErrTaskNotFound for
// unknown ids.
type TaskLookup interface {
	GetTask(ctx context.Context, id string) (models.Task, error)
}

// EventReader reads recorded checkpoints.
type EventReader interface {
	// ListEvents returns the events of a task ordered by server_recorded_at.
	ListEvents(ctx context.Context, taskID string) ([]models.TaskEvent, error)
	HasEvent(ctx context.Context, taskID string, cp models.CheckpointType) (bool, error)
}

// AuditOutbox is the durable side of the audit trail.
type AuditOutbox interface {
	AppendAudit(ctx context.Context, entry models.AuditEntry) (models.AuditEntry, error)
	MarkAuditPublished(ctx context.Context, ids ...int64) error
	ListUnpublishedAudit(ctx context.Context, limit int) ([]models.AuditEntry, error)
}

// LedgerTx is the write capability available inside one checkpoint
// transaction.
type LedgerTx interface {
	// LockTask re-reads the task, holding a write lock until the end of the
	// transaction where the backend supports it.
	LockTask(ctx context.Context, id string) (models.Task, error)
	FindEvent(ctx context.Context, taskID string, cp models.CheckpointType) (models.TaskEvent, bool, error)
	// InsertEvent returns ErrDuplicateEvent when the (task, checkpoint)
	// uniqueness constraint rejects the row.
	InsertEvent(ctx context.Context, ev models.TaskEvent) error
	UpdateTaskState(ctx context.Context, taskID string, st State) error
	AppendAudit(ctx context.Context, entry models.AuditEntry) (models.AuditEntry, error)
}

// Ledger is everything the recorder needs from storage.
type Ledger interface {
	TaskLookup
	EventReader
	AuditOutbox
	// InTx runs fn in a single transaction, committing only when fn returns nil.
	InTx(ctx context.Context, fn func(tx LedgerTx) error) error
}
