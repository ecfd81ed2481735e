package custody

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"custody/internal/models"
)

func TestAllowedCheckpointsAfternoonShift(t *testing.T) {
	task := models.Task{Stage: models.StagePending, IsDoubleShift: true, ShiftType: models.ShiftAfternoon}

	assert.Equal(t, []models.CheckpointType{
		models.CheckpointOpeningSeal,
		models.CheckpointSealingAnswerSheets,
		models.CheckpointSubmission,
	}, AllowedCheckpoints(task, nil))
	assert.False(t, IsApplicable(task, models.CheckpointPickup))
	assert.False(t, IsApplicable(task, models.CheckpointArrival))
}

func TestAllowedCheckpointsMorningShiftKeepsFullChain(t *testing.T) {
	task := models.Task{Stage: models.StagePending, IsDoubleShift: true, ShiftType: models.ShiftMorning}
	assert.Equal(t, models.CheckpointSequence, AllowedCheckpoints(task, nil))
}

func TestAllowedCheckpointsRemovesRecorded(t *testing.T) {
	task := models.Task{Stage: models.StageInProgress}
	events := []models.TaskEvent{
		{CheckpointType: models.CheckpointPickup},
		{CheckpointType: models.CheckpointOpeningSeal},
	}

	assert.Equal(t, []models.CheckpointType{
		models.CheckpointArrival,
		models.CheckpointSealingAnswerSheets,
		models.CheckpointSubmission,
	}, AllowedCheckpoints(task, events))
}

func TestAllowedCheckpointsEmptyWhenCompleted(t *testing.T) {
	task := models.Task{Stage: models.StageCompleted}
	got := AllowedCheckpoints(task, nil)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}
