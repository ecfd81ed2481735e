package custody

import (
	"errors"
	"fmt"

	"custody/internal/models"
)

// Kind classifies a rejected checkpoint submission. Kinds are stable and are
// surfaced to clients verbatim.
type Kind string

const (
	KindNotFound              Kind = "NOT_FOUND"
	KindUnauthorized          Kind = "UNAUTHORIZED"
	KindInvalidCheckpointType Kind = "INVALID_CHECKPOINT_TYPE"
	KindCheckpointNotAllowed  Kind = "CHECKPOINT_NOT_ALLOWED"
	KindInvalidCoordinates    Kind = "INVALID_COORDINATES"
	KindTaskLocked            Kind = "TASK_LOCKED"
	KindDuplicateCheckpoint   Kind = "DUPLICATE_CHECKPOINT"
	KindEvidenceRequired      Kind = "EVIDENCE_REQUIRED"
	KindEvidenceUploadFailed  Kind = "EVIDENCE_UPLOAD_FAILED"

	// Raised by the transport before a submission reaches the recorder.
	KindInvalidRequest      Kind = "INVALID_REQUEST"
	KindEvidenceTooLarge    Kind = "EVIDENCE_TOO_LARGE"
	KindUnsupportedEvidence Kind = "UNSUPPORTED_EVIDENCE"
	KindRateLimited         Kind = "RATE_LIMITED"
)

// Retryable reports whether a client may resubmit the same request unchanged.
func (k Kind) Retryable() bool {
	switch k {
	case KindEvidenceRequired, KindEvidenceUploadFailed, KindRateLimited:
		return true
	default:
		return false
	}
}

// Storage sentinels. Ledger implementations return these so the recorder can
// classify failures without knowing the driver.
var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrDuplicateEvent = errors.New("checkpoint already recorded for task")
)

// Error is returned for every rejected submission.
type Error struct {
	Kind       Kind
	TaskID     string
	Checkpoint models.CheckpointType
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: task %s", e.Kind, e.TaskID)
	if e.Checkpoint != "" {
		msg += fmt.Sprintf(" checkpoint %s", e.Checkpoint)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the rejection kind from err, or "" for infrastructure errors.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

func reject(kind Kind, taskID string, cp models.CheckpointType, err error) *Error {
	return &Error{Kind: kind, TaskID: taskID, Checkpoint: cp, Err: err}
}
