package models

import "time"

// Stage is the workflow position of a transport task.
type Stage string

const (
	StagePending    Stage = "PENDING"
	StageInProgress Stage = "IN_PROGRESS"
	StageCompleted  Stage = "COMPLETED"
)

// IsTerminal reports whether the task is locked against further writes.
func (s Stage) IsTerminal() bool {
	return s == StageCompleted
}

// Status is the single-field view of a task exposed to clients.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusSuspicious Status = "SUSPICIOUS"
)

// Flag reasons recorded when a task is marked for human review.
const (
	FlagOutsideWindow       = "OUTSIDE_WINDOW"
	FlagAnomalousTravelTime = "ANOMALOUS_TRAVEL_TIME"
)

// ShiftType identifies the half of a double-shift task.
type ShiftType string

const (
	ShiftMorning   ShiftType = "MORNING"
	ShiftAfternoon ShiftType = "AFTERNOON"
)

// CheckpointType names one evidenced step of the custody chain.
type CheckpointType string

const (
	CheckpointPickup              CheckpointType = "PICKUP"
	CheckpointArrival             CheckpointType = "ARRIVAL"
	CheckpointOpeningSeal         CheckpointType = "OPENING_SEAL"
	CheckpointSealingAnswerSheets CheckpointType = "SEALING_ANSWER_SHEETS"
	CheckpointSubmission          CheckpointType = "SUBMISSION"
)

// CheckpointSequence is the full ordered chain for a single-shift task.
var CheckpointSequence = []CheckpointType{
	CheckpointPickup,
	CheckpointArrival,
	CheckpointOpeningSeal,
	CheckpointSealingAnswerSheets,
	CheckpointSubmission,
}

// ParseCheckpointType validates a client supplied checkpoint name.
func ParseCheckpointType(raw string) (CheckpointType, bool) {
	for _, cp := range CheckpointSequence {
		if string(cp) == raw {
			return cp, true
		}
	}
	return "", false
}

// Task is one physical transport assignment of sealed exam material.
type Task struct {
	ID                    string     `json:"id"`
	AssignedCourierID     string     `json:"assigned_courier_id"`
	Stage                 Stage      `json:"stage"`
	Flagged               bool       `json:"flagged"`
	FlagReason            string     `json:"flag_reason,omitempty"`
	StartTime             time.Time  `json:"start_time"`
	EndTime               time.Time  `json:"end_time"`
	ExpectedTravelMinutes int        `json:"expected_travel_minutes"`
	IsDoubleShift         bool       `json:"is_double_shift"`
	ShiftType             ShiftType  `json:"shift_type,omitempty"`
	SealedPackCode        string     `json:"sealed_pack_code"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
	CompletedAt           *time.Time `json:"completed_at,omitempty"`
}

// Status folds stage and flag into the client facing enum. A flag always wins.
func (t Task) Status() Status {
	if t.Flagged {
		return StatusSuspicious
	}
	return Status(t.Stage)
}

// IsAfternoonShift reports whether the morning checkpoints are already covered.
func (t Task) IsAfternoonShift() bool {
	return t.IsDoubleShift && t.ShiftType == ShiftAfternoon
}

// TaskEvent is one write-once checkpoint record.
type TaskEvent struct {
	ID                string         `json:"id"`
	TaskID            string         `json:"task_id"`
	CheckpointType    CheckpointType `json:"checkpoint_type"`
	CourierID         string         `json:"courier_id"`
	EvidenceReference string         `json:"evidence_reference"`
	EvidenceHash      string         `json:"evidence_hash"`
	EvidenceMIMEType  string         `json:"evidence_mime_type"`
	EvidenceSize      int64          `json:"evidence_size"`
	Latitude          float64        `json:"latitude"`
	Longitude         float64        `json:"longitude"`
	WithinWindow      bool           `json:"within_window"`
	ServerRecordedAt  time.Time      `json:"server_recorded_at"`
}

// AuditEntry is one row of the append-only audit outbox.
type AuditEntry struct {
	ID          int64      `json:"id"`
	Action      string     `json:"action"`
	EntityType  string     `json:"entity_type"`
	EntityID    *string    `json:"entity_id,omitempty"`
	ActorID     *string    `json:"actor_id,omitempty"`
	IPAddress   *string    `json:"ip_address,omitempty"`
	TaskID      string     `json:"task_id"`
	Details     string     `json:"details,omitempty"`
	PrevHash    string     `json:"prev_hash"`
	EntryHash   string     `json:"entry_hash"`
	CreatedAt   time.Time  `json:"created_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}
