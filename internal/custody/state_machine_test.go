package custody

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"custody/internal/models"
)

func TestNextStageTransitions(t *testing.T) {
	pending := State{Stage: models.StagePending}
	inProgress := State{Stage: models.StageInProgress}

	tests := []struct {
		name string
		cur  State
		cp   models.CheckpointType
		want State
	}{
		{"pickup starts a pending task", pending, models.CheckpointPickup, inProgress},
		{"arrival keeps the stage", inProgress, models.CheckpointArrival, inProgress},
		{"opening seal on a pending afternoon task", pending, models.CheckpointOpeningSeal, pending},
		{"submission locks the task", inProgress, models.CheckpointSubmission, State{Stage: models.StageCompleted}},
		{"submission locks a pending task", pending, models.CheckpointSubmission, State{Stage: models.StageCompleted}},
		{"pickup does not rewind progress", inProgress, models.CheckpointPickup, inProgress},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Next(tt.cur, tt.cp, true))
		})
	}
}

func TestNextOutsideWindowFlags(t *testing.T) {
	got := Next(State{Stage: models.StagePending}, models.CheckpointPickup, false)

	assert.Equal(t, models.StageInProgress, got.Stage)
	assert.True(t, got.Flagged)
	assert.Equal(t, models.FlagOutsideWindow, got.FlagReason)
	assert.Equal(t, models.StatusSuspicious, got.Status())
}

func TestLateSubmissionLocksAndFlags(t *testing.T) {
	got := Next(State{Stage: models.StageInProgress}, models.CheckpointSubmission, false)

	assert.Equal(t, models.StageCompleted, got.Stage)
	assert.True(t, got.Flagged)
	assert.Equal(t, models.StatusSuspicious, got.Status(), "a flag wins over COMPLETED")
}

func TestCompletedNeverChangesStage(t *testing.T) {
	done := State{Stage: models.StageCompleted}
	for _, cp := range models.CheckpointSequence {
		assert.Equal(t, models.StageCompleted, Next(done, cp, true).Stage, cp)
	}
}

func TestFlagKeepsFirstReason(t *testing.T) {
	s := State{Stage: models.StageInProgress}.
		Flag(models.FlagOutsideWindow).
		Flag(models.FlagAnomalousTravelTime)

	assert.Equal(t, models.FlagOutsideWindow, s.FlagReason)
	assert.Equal(t, s, Next(s, models.CheckpointArrival, true), "nothing clears a flag")
}

func TestStatusFollowsStageWhenUnflagged(t *testing.T) {
	assert.Equal(t, models.StatusPending, State{Stage: models.StagePending}.Status())
	assert.Equal(t, models.StatusInProgress, State{Stage: models.StageInProgress}.Status())
	assert.Equal(t, models.StatusCompleted, State{Stage: models.StageCompleted}.Status())
}
