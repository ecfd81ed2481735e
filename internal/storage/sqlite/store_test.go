package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custody/internal/audit"
	"custody/internal/custody"
	"custody/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "ledger.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTask(t *testing.T, s *Store) models.Task {
	t.Helper()
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	task, err := s.CreateTask(context.Background(), models.Task{
		AssignedCourierID:     "courier-1",
		StartTime:             start,
		EndTime:               start.Add(8 * time.Hour),
		ExpectedTravelMinutes: 30,
	})
	require.NoError(t, err)
	return task
}

func event(taskID string, cp models.CheckpointType, at time.Time) models.TaskEvent {
	return models.TaskEvent{
		ID:                taskID + "-" + string(cp),
		TaskID:            taskID,
		CheckpointType:    cp,
		CourierID:         "courier-1",
		EvidenceReference: "file:///evidence/" + string(cp),
		EvidenceHash:      custody.HashEvidence([]byte(cp)),
		EvidenceMIMEType:  "image/jpeg",
		EvidenceSize:      int64(len(cp)),
		Latitude:          52.52,
		Longitude:         13.405,
		WithinWindow:      true,
		ServerRecordedAt:  at,
	}
}

func insert(t *testing.T, s *Store, ev models.TaskEvent) error {
	t.Helper()
	return s.InTx(context.Background(), func(tx custody.LedgerTx) error {
		return tx.InsertEvent(context.Background(), ev)
	})
}

func TestCreateTaskDefaults(t *testing.T) {
	s := openTestStore(t)
	task := newTask(t, s)

	assert.NotEmpty(t, task.ID)
	assert.Equal(t, models.StagePending, task.Stage)
	assert.False(t, task.Flagged)
	assert.Nil(t, task.CompletedAt)
	assert.Empty(t, task.ShiftType, "single shift tasks carry no shift type")
}

func TestCreateTaskValidation(t *testing.T) {
	s := openTestStore(t)
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	ctx := context.Background()

	_, err := s.CreateTask(ctx, models.Task{StartTime: start, EndTime: start.Add(time.Hour)})
	assert.Error(t, err, "courier required")

	_, err = s.CreateTask(ctx, models.Task{AssignedCourierID: "c", StartTime: start, EndTime: start.Add(-time.Hour)})
	assert.Error(t, err, "window must not be inverted")

	_, err = s.CreateTask(ctx, models.Task{AssignedCourierID: "c", StartTime: start, EndTime: start.Add(time.Hour), IsDoubleShift: true})
	assert.Error(t, err, "double shift needs a shift type")
}

func TestGetTaskNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetTask(context.Background(), "missing")
	assert.ErrorIs(t, err, custody.ErrTaskNotFound)
}

func TestUniqueCheckpointPerTask(t *testing.T) {
	s := openTestStore(t)
	task := newTask(t, s)
	at := task.StartTime.Add(time.Minute)

	require.NoError(t, insert(t, s, event(task.ID, models.CheckpointPickup, at)))

	dup := event(task.ID, models.CheckpointPickup, at.Add(time.Minute))
	dup.ID = "another-id"
	err := insert(t, s, dup)
	assert.ErrorIs(t, err, custody.ErrDuplicateEvent)

	exists, err := s.HasEvent(context.Background(), task.ID, models.CheckpointPickup)
	require.NoError(t, err)
	assert.True(t, exists)

	events, err := s.ListEvents(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestListEventsOrderedByServerTime(t *testing.T) {
	s := openTestStore(t)
	task := newTask(t, s)
	base := task.StartTime

	require.NoError(t, insert(t, s, event(task.ID, models.CheckpointArrival, base.Add(40*time.Minute))))
	require.NoError(t, insert(t, s, event(task.ID, models.CheckpointPickup, base.Add(5*time.Minute))))

	events, err := s.ListEvents(context.Background(), task.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.CheckpointPickup, events[0].CheckpointType)
	assert.Equal(t, models.CheckpointArrival, events[1].CheckpointType)
	assert.True(t, events[0].ServerRecordedAt.Equal(base.Add(5*time.Minute)))
}

func TestEventsAreWriteOnce(t *testing.T) {
	s := openTestStore(t)
	task := newTask(t, s)
	require.NoError(t, insert(t, s, event(task.ID, models.CheckpointPickup, task.StartTime)))

	_, err := s.db.Exec(`UPDATE task_events SET evidence_hash = 'forged' WHERE task_id = ?`, task.ID)
	assert.ErrorContains(t, err, "write-once")

	_, err = s.db.Exec(`DELETE FROM task_events WHERE task_id = ?`, task.ID)
	assert.ErrorContains(t, err, "write-once")
}

func TestCompletedTaskIsLocked(t *testing.T) {
	s := openTestStore(t)
	task := newTask(t, s)
	ctx := context.Background()

	err := s.InTx(ctx, func(tx custody.LedgerTx) error {
		if err := tx.InsertEvent(ctx, event(task.ID, models.CheckpointSubmission, task.StartTime)); err != nil {
			return err
		}
		return tx.UpdateTaskState(ctx, task.ID, custody.State{Stage: models.StageCompleted})
	})
	require.NoError(t, err)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageCompleted, got.Stage)
	assert.NotNil(t, got.CompletedAt)

	err = insert(t, s, event(task.ID, models.CheckpointOpeningSeal, task.StartTime))
	assert.ErrorContains(t, err, "task is locked")

	err = s.InTx(ctx, func(tx custody.LedgerTx) error {
		return tx.UpdateTaskState(ctx, task.ID, custody.State{Stage: models.StageInProgress})
	})
	assert.Error(t, err)

	_, err = s.db.Exec(`UPDATE tasks SET flagged = 1 WHERE id = ?`, task.ID)
	assert.ErrorContains(t, err, "task is locked")
}

func TestTransactionRollsBack(t *testing.T) {
	s := openTestStore(t)
	task := newTask(t, s)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx custody.LedgerTx) error {
		if err := tx.InsertEvent(ctx, event(task.ID, models.CheckpointPickup, task.StartTime)); err != nil {
			return err
		}
		if err := tx.UpdateTaskState(ctx, task.ID, custody.State{Stage: models.StageInProgress}); err != nil {
			return err
		}
		if _, err := tx.AppendAudit(ctx, models.AuditEntry{Action: "CHECKPOINT_RECORDED", EntityType: "task_event", TaskID: task.ID}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	events, err := s.ListEvents(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, events)
	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StagePending, got.Stage)
	entries, err := s.ListAudit(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAuditOutboxChain(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	actor := "courier-1"

	var ids []int64
	for _, action := range []string{"CHECKPOINT_RECORDED", "CHECKPOINT_DENIED_TASK_LOCKED", "ANOMALOUS_TRAVEL_TIME"} {
		e, err := s.AppendAudit(ctx, models.AuditEntry{
			Action:     action,
			EntityType: "task",
			ActorID:    &actor,
			TaskID:     "task-1",
			CreatedAt:  time.Date(2026, 3, 2, 9, 0, 0, 123456789, time.UTC),
		})
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}

	entries, err := s.ListAudit(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Empty(t, entries[0].PrevHash)
	assert.Equal(t, entries[0].EntryHash, entries[1].PrevHash)
	assert.Equal(t, -1, audit.VerifyChain(entries))
	assert.Nil(t, entries[0].EntityID)
	require.NotNil(t, entries[0].ActorID)
	assert.Equal(t, actor, *entries[0].ActorID)

	require.NoError(t, s.MarkAuditPublished(ctx, ids[0], ids[2]))
	pending, err := s.ListUnpublishedAudit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, ids[1], pending[0].ID)

	_, err = s.db.Exec(`UPDATE audit_log SET details = 'rewritten' WHERE id = ?`, ids[0])
	assert.ErrorContains(t, err, "append-only")
	_, err = s.db.Exec(`DELETE FROM audit_log WHERE id = ?`, ids[0])
	assert.ErrorContains(t, err, "append-only")
}

func TestListTasksByCourier(t *testing.T) {
	s := openTestStore(t)
	first := newTask(t, s)
	second := newTask(t, s)

	tasks, err := s.ListTasksByCourier(context.Background(), "courier-1")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.ElementsMatch(t, []string{first.ID, second.ID}, []string{tasks[0].ID, tasks[1].ID})

	none, err := s.ListTasksByCourier(context.Background(), "courier-9")
	require.NoError(t, err)
	assert.Empty(t, none)
}
