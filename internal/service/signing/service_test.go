package signing

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/compounding-api/internal/model"
	"github.com/jwalitptl/compounding-api/internal/repository/memory"
	"github.com/jwalitptl/compounding-api/internal/service/audit"
	apperrors "github.com/jwalitptl/compounding-api/pkg/errors"
	"github.com/jwalitptl/compounding-api/pkg/security"
)

const goodPIN = "rx-signer-2026"

type harness struct {
	store *memory.Store
	svc   *Service
	now   time.Time
	job   model.Job
	user  uuid.UUID
}

func newHarness(t *testing.T, status model.JobStatus) *harness {
	t.Helper()
	h := &harness{
		store: memory.NewStore(),
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		user:  uuid.New(),
	}
	h.store.SetClock(func() time.Time { return h.now })
	h.job = h.store.AddJob(model.Job{Status: status})
	h.svc = NewService(
		Config{IntentTTL: 10 * time.Minute, MaxPINAttempts: 3, LockoutDuration: 15 * time.Minute},
		h.store.Jobs(),
		h.store.Signing(),
		security.NewBcryptHasher(4),
		audit.NewService(h.store.Audit(), nil),
		nil, nil,
	)
	h.svc.SetClock(func() time.Time { return h.now })
	return h
}

func (h *harness) issue(t *testing.T) *model.SigningIntent {
	t.Helper()
	intent, err := h.svc.IssueIntent(context.Background(), h.job.ID, h.user, "verified_by")
	require.NoError(t, err)
	return intent
}

func (h *harness) request(intent *model.SigningIntent, pin string) VerifyRequest {
	return VerifyRequest{
		JobID:         h.job.ID,
		UserID:        h.user,
		IntentID:      intent.ID,
		ChallengeCode: intent.ChallengeCode,
		Meaning:       intent.Meaning,
		PIN:           pin,
	}
}

func TestIssueIntent(t *testing.T) {
	h := newHarness(t, model.JobStatusVerified)
	intent := h.issue(t)

	assert.Equal(t, model.MeaningVerifiedBy, intent.Meaning)
	assert.Len(t, intent.ChallengeCode, challengeLength)
	assert.Equal(t, h.now.Add(10*time.Minute), intent.ExpiresAt)
	assert.Equal(t, model.IntentIssued, intent.State(h.now))

	queued := newHarness(t, model.JobStatusQueued)
	_, err := queued.svc.IssueIntent(context.Background(), queued.job.ID, queued.user, "")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrConflict))
}

func TestVerifyConsumesIntentOnce(t *testing.T) {
	h := newHarness(t, model.JobStatusVerified)
	ctx := context.Background()
	require.NoError(t, h.svc.SetPIN(ctx, h.user, goodPIN, goodPIN))
	intent := h.issue(t)

	check, err := h.svc.Verify(ctx, h.request(intent, goodPIN))
	require.NoError(t, err)
	assert.True(t, check.OK)

	check, err = h.svc.Verify(ctx, h.request(intent, goodPIN))
	require.NoError(t, err)
	assert.False(t, check.OK)
	assert.Equal(t, model.ReasonIntentAlreadyUsed, check.Reason)
}

func TestVerifyReasons(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(h *harness, req *VerifyRequest)
		noPIN  bool
		status model.JobStatus
		want   model.SignatureReason
	}{
		{
			name:   "job not verified",
			status: model.JobStatusNeedsReview,
			want:   model.ReasonJobNotVerified,
		},
		{
			name:  "pin not set",
			noPIN: true,
			want:  model.ReasonPINNotSet,
		},
		{
			name:  "unknown intent",
			setup: func(_ *harness, req *VerifyRequest) { req.IntentID = uuid.New() },
			want:  model.ReasonChallengeMismatch,
		},
		{
			name:  "wrong challenge",
			setup: func(_ *harness, req *VerifyRequest) { req.ChallengeCode = "ZZZZZZZZ" },
			want:  model.ReasonChallengeMismatch,
		},
		{
			name:  "meaning differs from intent",
			setup: func(_ *harness, req *VerifyRequest) { req.Meaning = model.MeaningCompoundedBy },
			want:  model.ReasonChallengeMismatch,
		},
		{
			name:  "expired",
			setup: func(h *harness, _ *VerifyRequest) { h.now = h.now.Add(11 * time.Minute) },
			want:  model.ReasonIntentExpired,
		},
		{
			name:  "wrong pin",
			setup: func(_ *harness, req *VerifyRequest) { req.PIN = "not-the-pin" },
			want:  model.ReasonChallengeMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, model.JobStatusVerified)
			if !tt.noPIN {
				require.NoError(t, h.svc.SetPIN(ctx, h.user, goodPIN, goodPIN))
			}
			intent := h.issue(t)
			req := h.request(intent, goodPIN)
			if tt.setup != nil {
				tt.setup(h, &req)
			}
			if tt.status != "" {
				require.NoError(t, h.store.Jobs().UpdateIfStatus(ctx, h.job.ID,
					[]model.JobStatus{model.JobStatusVerified}, model.JobUpdate{Status: &tt.status}))
			}

			check, err := h.svc.Verify(ctx, req)
			require.NoError(t, err)
			assert.False(t, check.OK)
			assert.Equal(t, tt.want, check.Reason)

			events, err := h.store.Audit().ListByJob(ctx, h.job.ID)
			require.NoError(t, err)
			assert.Equal(t, model.AuditSignatureRejected, events[len(events)-1].EventType)
		})
	}
}

func TestWrongPINLocksOut(t *testing.T) {
	h := newHarness(t, model.JobStatusVerified)
	ctx := context.Background()
	require.NoError(t, h.svc.SetPIN(ctx, h.user, goodPIN, goodPIN))
	intent := h.issue(t)

	for i := 0; i < 2; i++ {
		check, err := h.svc.Verify(ctx, h.request(intent, "wrong-pin-"+string(rune('a'+i))))
		require.NoError(t, err)
		assert.Equal(t, model.ReasonChallengeMismatch, check.Reason)
	}
	check, err := h.svc.Verify(ctx, h.request(intent, "wrong-pin-c"))
	require.NoError(t, err)
	assert.Equal(t, model.ReasonLocked, check.Reason)

	check, err = h.svc.Verify(ctx, h.request(intent, goodPIN))
	require.NoError(t, err)
	assert.Equal(t, model.ReasonLocked, check.Reason)

	// the lockout lapses, the intent has not been consumed
	h.now = h.now.Add(16 * time.Minute)
	fresh := h.issue(t)
	check, err = h.svc.Verify(ctx, h.request(fresh, goodPIN))
	require.NoError(t, err)
	assert.True(t, check.OK)
}

func TestSetPINValidation(t *testing.T) {
	h := newHarness(t, model.JobStatusVerified)
	ctx := context.Background()

	err := h.svc.SetPIN(ctx, h.user, "short", "short")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrBadRequest))
	assert.Equal(t, "Signature PIN must be at least 8 characters.", err.Error())

	err = h.svc.SetPIN(ctx, h.user, goodPIN, goodPIN+"x")
	require.Error(t, err)
	assert.Equal(t, "Signature PIN confirmation does not match.", err.Error())

	require.NoError(t, h.svc.SetPIN(ctx, h.user, goodPIN, goodPIN))
	pin, err := h.store.Signing().GetPIN(ctx, h.user)
	require.NoError(t, err)
	assert.NotEqual(t, goodPIN, pin.PINHash)
}
