package custody

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custody/internal/models"
)

func TestTravelCheck(t *testing.T) {
	pickupAt := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	pickup := &models.TaskEvent{CheckpointType: models.CheckpointPickup, ServerRecordedAt: pickupAt}
	task := models.Task{ExpectedTravelMinutes: 20}
	check := TravelCheck{Multiplier: DefaultTravelMultiplier, DefaultMinutes: DefaultTravelMinutes}

	t.Run("over the limit", func(t *testing.T) {
		got := check.Evaluate(task, models.CheckpointArrival, pickupAt.Add(35*time.Minute), pickup)
		require.NotNil(t, got)
		assert.InDelta(t, 35, got.ElapsedMinutes, 0.001)
		assert.InDelta(t, 30, got.LimitMinutes, 0.001)
	})

	t.Run("exactly at the limit", func(t *testing.T) {
		assert.Nil(t, check.Evaluate(task, models.CheckpointArrival, pickupAt.Add(30*time.Minute), pickup))
	})

	t.Run("only arrival is checked", func(t *testing.T) {
		assert.Nil(t, check.Evaluate(task, models.CheckpointOpeningSeal, pickupAt.Add(5*time.Hour), pickup))
	})

	t.Run("no pickup recorded", func(t *testing.T) {
		assert.Nil(t, check.Evaluate(task, models.CheckpointArrival, pickupAt.Add(5*time.Hour), nil))
	})

	t.Run("configured default when the task has none", func(t *testing.T) {
		noEstimate := models.Task{}
		custom := TravelCheck{Multiplier: 2, DefaultMinutes: 10}
		assert.NotNil(t, custom.Evaluate(noEstimate, models.CheckpointArrival, pickupAt.Add(21*time.Minute), pickup))
		assert.Nil(t, custom.Evaluate(noEstimate, models.CheckpointArrival, pickupAt.Add(20*time.Minute), pickup))
	})

	t.Run("zero value falls back to package defaults", func(t *testing.T) {
		var zero TravelCheck
		assert.Nil(t, zero.Evaluate(models.Task{}, models.CheckpointArrival, pickupAt.Add(90*time.Minute), pickup))
		assert.NotNil(t, zero.Evaluate(models.Task{}, models.CheckpointArrival, pickupAt.Add(91*time.Minute), pickup))
	})
}
