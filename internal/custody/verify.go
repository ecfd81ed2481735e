package custody

import (
	"context"
	"errors"
	"fmt"

	"custody/internal/models"
)

// EvidenceFetcher reads evidence back by reference.
type EvidenceFetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// Verification is the outcome of re-hashing one stored checkpoint photo.
type Verification struct {
	EventID      string                `json:"event_id"`
	Checkpoint   models.CheckpointType `json:"checkpoint_type"`
	StoredHash   string                `json:"stored_hash"`
	ComputedHash string                `json:"computed_hash,omitempty"`
	Match        bool                  `json:"match"`
	Error        string                `json:"error,omitempty"`
}

// Verifier recomputes evidence hashes for offline audits.
type Verifier struct {
	lookup  TaskLookup
	events  EventReader
	fetcher EvidenceFetcher
}

// NewVerifier builds a Verifier.
func NewVerifier(lookup TaskLookup, events EventReader, fetcher EvidenceFetcher) *Verifier {
	return &Verifier{lookup: lookup, events: events, fetcher: fetcher}
}

// VerifyTask checks every recorded checkpoint of a task. A fetch failure is
// reported per event and does not stop the run.
func (v *Verifier) VerifyTask(ctx context.Context, taskID string) ([]Verification, error) {
	if _, err := v.lookup.GetTask(ctx, taskID); err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return nil, reject(KindNotFound, taskID, "", err)
		}
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}
	events, err := v.events.ListEvents(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("list events for %s: %w", taskID, err)
	}

	out := make([]Verification, 0, len(events))
	for _, ev := range events {
		res := Verification{EventID: ev.ID, Checkpoint: ev.CheckpointType, StoredHash: ev.EvidenceHash}
		data, err := v.fetcher.Fetch(ctx, ev.EvidenceReference)
		if err != nil {
			res.Error = err.Error()
			out = append(out, res)
			continue
		}
		res.ComputedHash = HashEvidence(data)
		res.Match = res.ComputedHash == ev.EvidenceHash
		out = append(out, res)
	}
	return out, nil
}
