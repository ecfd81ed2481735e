package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"custody/internal/models"
)

// ChainHash computes the hash of an outbox entry linked to its predecessor
// through entry.PrevHash. Storage fills PrevHash before calling it.
func ChainHash(entry models.AuditEntry) string {
	payload := map[string]any{
		"action":      entry.Action,
		"entity_type": entry.EntityType,
		"entity_id":   deref(entry.EntityID),
		"actor_id":    deref(entry.ActorID),
		"ip_address":  deref(entry.IPAddress),
		"task_id":     entry.TaskID,
		"details":     entry.Details,
		"prev_hash":   entry.PrevHash,
		"created_at":  entry.CreatedAt.UnixNano(),
	}
	b, _ := json.Marshal(payload)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// VerifyChain returns the index of the first entry whose hash or link does
// not match, or -1 when the chain is intact. entries must be in insertion
// order.
func VerifyChain(entries []models.AuditEntry) int {
	prev := ""
	for i, e := range entries {
		if e.PrevHash != prev || ChainHash(e) != e.EntryHash {
			return i
		}
		prev = e.EntryHash
	}
	return -1
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
