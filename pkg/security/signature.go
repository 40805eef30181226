package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// SignatureFields are the values bound into an approval signature digest.
type SignatureFields struct {
	JobID       string
	ApproverID  string
	SignerName  string
	SignerEmail string
	Meaning     string
	SignedAt    time.Time
}

// SignatureHash returns the hex SHA-256 digest over the pipe-joined fields.
func SignatureHash(f SignatureFields) string {
	payload := strings.Join([]string{
		f.JobID,
		f.ApproverID,
		f.SignerName,
		f.SignerEmail,
		f.Meaning,
		f.SignedAt.UTC().Format(time.RFC3339Nano),
	}, "|")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// challenge codes avoid characters that are easy to misread.
const challengeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// NewChallengeCode returns a random code of n characters.
func NewChallengeCode(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate challenge code: %w", err)
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = challengeAlphabet[int(b)%len(challengeAlphabet)]
	}
	return string(out), nil
}

// ConstantTimeEqual compares two strings without leaking timing.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
