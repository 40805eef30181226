package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBcryptHasher(t *testing.T) {
	h := NewBcryptHasher(4)

	_, err := h.Hash("short")
	assert.ErrorIs(t, err, ErrPINTooShort)

	hash, err := h.Hash("correct-horse")
	require.NoError(t, err)
	assert.NoError(t, h.Compare(hash, "correct-horse"))
	assert.ErrorIs(t, h.Compare(hash, "wrong-horse"), ErrPINMismatch)
}

func TestSignatureHash(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := SignatureFields{
		JobID:       "job",
		ApproverID:  "approver",
		SignerName:  "Dana Rph",
		SignerEmail: "dana@example.com",
		Meaning:     "reviewed_and_approved",
		SignedAt:    at,
	}

	first := SignatureHash(f)
	assert.Len(t, first, 64)
	assert.Equal(t, first, SignatureHash(f))

	f.Meaning = "verified_by"
	assert.NotEqual(t, first, SignatureHash(f))
}

func TestNewChallengeCode(t *testing.T) {
	code, err := NewChallengeCode(8)
	require.NoError(t, err)
	assert.Len(t, code, 8)
	for _, r := range code {
		assert.Contains(t, challengeAlphabet, string(r))
	}
	assert.True(t, ConstantTimeEqual(code, code))
	assert.False(t, ConstantTimeEqual(code, code+"X"))
}
