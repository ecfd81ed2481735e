package postgres

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custody/internal/audit"
	"custody/internal/custody"
	"custody/internal/models"
)

// openTestStore connects to the database named by CUSTODY_TEST_POSTGRES_DSN.
// Tests use fresh task ids so they can run against a shared database.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("CUSTODY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("set CUSTODY_TEST_POSTGRES_DSN to run postgres integration tests")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := NewPool(ctx, dsn)
	require.NoError(t, err)
	s := New(pool)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.Migrate(ctx)
	require.NoError(t, err)
	return s
}

func newTask(t *testing.T, s *Store) models.Task {
	t.Helper()
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	task, err := s.CreateTask(context.Background(), models.Task{
		ID:                "task-" + uuid.NewString(),
		AssignedCourierID: "courier-" + uuid.NewString()[:8],
		StartTime:         start,
		EndTime:           start.Add(8 * time.Hour),
	})
	require.NoError(t, err)
	return task
}

func event(taskID string, cp models.CheckpointType, at time.Time) models.TaskEvent {
	return models.TaskEvent{
		ID:                uuid.NewString(),
		TaskID:            taskID,
		CheckpointType:    cp,
		CourierID:         "courier-1",
		EvidenceReference: "s3://custody-evidence/" + taskID + "/" + string(cp),
		EvidenceHash:      custody.HashEvidence([]byte(cp)),
		EvidenceMIMEType:  "image/jpeg",
		EvidenceSize:      int64(len(cp)),
		Latitude:          52.52,
		Longitude:         13.405,
		WithinWindow:      true,
		ServerRecordedAt:  at,
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	applied, err := s.Migrate(context.Background())
	require.NoError(t, err)
	assert.Empty(t, applied)
}

func TestListMigrationFilesSorted(t *testing.T) {
	files, err := listMigrationFiles(os.DirFS("migrations"))
	require.NoError(t, err)
	require.NotEmpty(t, files)
	assert.Equal(t, "001_custody.sql", files[0])
}

func TestGetTaskNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetTask(context.Background(), "task-"+uuid.NewString())
	assert.ErrorIs(t, err, custody.ErrTaskNotFound)
}

func TestConcurrentInsertsKeepOneEvent(t *testing.T) {
	s := openTestStore(t)
	task := newTask(t, s)
	ctx := context.Background()

	const workers = 4
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.InTx(ctx, func(tx custody.LedgerTx) error {
				if _, err := tx.LockTask(ctx, task.ID); err != nil {
					return err
				}
				return tx.InsertEvent(ctx, event(task.ID, models.CheckpointPickup, task.StartTime))
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, custody.ErrDuplicateEvent)
	}
	assert.Equal(t, 1, succeeded)

	events, err := s.ListEvents(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestCompletedTaskRejectsEvents(t *testing.T) {
	s := openTestStore(t)
	task := newTask(t, s)
	ctx := context.Background()

	err := s.InTx(ctx, func(tx custody.LedgerTx) error {
		if err := tx.InsertEvent(ctx, event(task.ID, models.CheckpointSubmission, task.StartTime)); err != nil {
			return err
		}
		return tx.UpdateTaskState(ctx, task.ID, custody.State{Stage: models.StageCompleted, Flagged: true, FlagReason: models.FlagOutsideWindow})
	})
	require.NoError(t, err)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuspicious, got.Status())
	assert.NotNil(t, got.CompletedAt)

	err = s.InTx(ctx, func(tx custody.LedgerTx) error {
		return tx.InsertEvent(ctx, event(task.ID, models.CheckpointOpeningSeal, task.StartTime))
	})
	assert.Error(t, err)
}

func TestAuditChainSurvivesRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	taskID := "task-" + uuid.NewString()

	stored, err := s.AppendAudit(ctx, models.AuditEntry{
		Action:     "CHECKPOINT_RECORDED",
		EntityType: "task_event",
		TaskID:     taskID,
		CreatedAt:  time.Date(2026, 3, 2, 9, 0, 0, 123456789, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, 123456000, stored.CreatedAt.Nanosecond())

	require.NoError(t, s.MarkAuditPublished(ctx, stored.ID))

	entries, err := s.ListAudit(ctx)
	require.NoError(t, err)
	assert.Equal(t, -1, audit.VerifyChain(entries))
}
