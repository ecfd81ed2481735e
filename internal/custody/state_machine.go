package custody

import "custody/internal/models"

// State is the mutable part of a task as seen by the state machine.
type State struct {
	Stage      models.Stage
	Flagged    bool
	FlagReason string
}

// StateOf extracts the state machine view of a task.
func StateOf(t models.Task) State {
	return State{Stage: t.Stage, Flagged: t.Flagged, FlagReason: t.FlagReason}
}

// Status folds the state into the single client facing enum.
func (s State) Status() models.Status {
	if s.Flagged {
		return models.StatusSuspicious
	}
	return models.Status(s.Stage)
}

// Flag marks the state for review. The first reason is kept.
func (s State) Flag(reason string) State {
	if !s.Flagged {
		s.Flagged = true
		s.FlagReason = reason
	}
	return s
}

// Next computes the state after recording checkpoint cp.
//
// A checkpoint outside the task window always flags the task. Stage changes
// are independent of the flag: PICKUP starts a pending task and SUBMISSION
// locks it. Nothing leaves COMPLETED and nothing clears a flag.
func Next(cur State, cp models.CheckpointType, withinWindow bool) State {
	next := cur
	if !withinWindow {
		next = next.Flag(models.FlagOutsideWindow)
	}
	if cur.Stage.IsTerminal() {
		return next
	}
	switch {
	case cp == models.CheckpointSubmission:
		next.Stage = models.StageCompleted
	case cur.Stage == models.StagePending && cp == models.CheckpointPickup:
		next.Stage = models.StageInProgress
	}
	return next
}
