package custody

import "custody/internal/models"

// ApplicableCheckpoints returns the ordered chain a task is expected to
// record. Afternoon double-shift tasks inherit PICKUP and ARRIVAL from the
// morning shift.
func ApplicableCheckpoints(task models.Task) []models.CheckpointType {
	out := make([]models.CheckpointType, 0, len(models.CheckpointSequence))
	for _, cp := range models.CheckpointSequence {
		if task.IsAfternoonShift() && (cp == models.CheckpointPickup || cp == models.CheckpointArrival) {
			continue
		}
		out = append(out, cp)
	}
	return out
}

// IsApplicable reports whether cp may ever be recorded for task.
func IsApplicable(task models.Task, cp models.CheckpointType) bool {
	for _, allowed := range ApplicableCheckpoints(task) {
		if allowed == cp {
			return true
		}
	}
	return false
}

// AllowedCheckpoints lists the checkpoints a client should still offer for
// task given its recorded events. It is advisory only; duplicates are decided
// by the ledger at write time.
func AllowedCheckpoints(task models.Task, events []models.TaskEvent) []models.CheckpointType {
	if task.Stage.IsTerminal() {
		return []models.CheckpointType{}
	}
	recorded := make(map[models.CheckpointType]struct{}, len(events))
	for _, ev := range events {
		recorded[ev.CheckpointType] = struct{}{}
	}
	out := []models.CheckpointType{}
	for _, cp := range ApplicableCheckpoints(task) {
		if _, done := recorded[cp]; done {
			continue
		}
		out = append(out, cp)
	}
	return out
}
