package custody

import (
	"time"

	"custody/internal/models"
)

const (
	// DefaultTravelMultiplier is the slack allowed on expected travel time
	// between PICKUP and ARRIVAL before the task is flagged.
	DefaultTravelMultiplier = 1.5
	// DefaultTravelMinutes is used when a task carries no expected travel time.
	DefaultTravelMinutes = 60
)

// TravelCheck is the PICKUP to ARRIVAL travel time heuristic.
type TravelCheck struct {
	Multiplier     float64
	DefaultMinutes int
}

// TravelAnomaly describes a triggered travel time check.
type TravelAnomaly struct {
	ElapsedMinutes float64
	LimitMinutes   float64
}

// Evaluate compares the ARRIVAL time against the recorded PICKUP. It only
// applies to ARRIVAL and returns nil when there is no pickup to compare with.
func (c TravelCheck) Evaluate(task models.Task, cp models.CheckpointType, arrivedAt time.Time, pickup *models.TaskEvent) *TravelAnomaly {
	if cp != models.CheckpointArrival || pickup == nil {
		return nil
	}

	multiplier := c.Multiplier
	if multiplier <= 0 {
		multiplier = DefaultTravelMultiplier
	}
	expected := task.ExpectedTravelMinutes
	if expected <= 0 {
		expected = c.DefaultMinutes
	}
	if expected <= 0 {
		expected = DefaultTravelMinutes
	}

	elapsed := arrivedAt.Sub(pickup.ServerRecordedAt).Minutes()
	limit := float64(expected) * multiplier
	if elapsed > limit {
		return &TravelAnomaly{ElapsedMinutes: elapsed, LimitMinutes: limit}
	}
	return nil
}
