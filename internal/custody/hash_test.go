package custody

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashEvidence(t *testing.T) {
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		HashEvidence(nil))
	assert.Equal(t,
		"ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		HashEvidence([]byte("abc")))
	assert.NotEqual(t, HashEvidence([]byte("abc")), HashEvidence([]byte("abd")))
}

func TestEvidenceObjectName(t *testing.T) {
	assert.Equal(t, "task-1/opening_seal-ev-9.jpg",
		EvidenceObjectName("task-1", "OPENING_SEAL", "ev-9", "image/jpeg"))
	assert.Equal(t, "task-1/pickup-ev-9.bin",
		EvidenceObjectName("task-1", "PICKUP", "ev-9", "application/pdf"))
}

func TestKindRetryable(t *testing.T) {
	assert.True(t, KindEvidenceUploadFailed.Retryable())
	assert.True(t, KindEvidenceRequired.Retryable())
	assert.False(t, KindTaskLocked.Retryable())
	assert.False(t, KindDuplicateCheckpoint.Retryable())
}
