package approval

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
	"github.com/jwalitptl/compounding-api/internal/service/signing"
	apperrors "github.com/jwalitptl/compounding-api/pkg/errors"
	"github.com/jwalitptl/compounding-api/pkg/security"
)

var approvedAt = time.Date(2026, 3, 2, 15, 30, 0, 0, time.UTC)

type harness struct {
	store    *memory.Store
	svc      *Service
	signing  *signing.Service
	job      model.Job
	report   *model.StoredReport
	amoxLot  model.InventoryLot
	approver uuid.UUID
}

func newHarness(t *testing.T, strict bool, status model.JobStatus, amoxStock float64) *harness {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()
	store.SetClock(func() time.Time { return approvedAt })

	h := &harness{store: store, approver: uuid.New()}
	patient := store.AddPatient(model.Patient{FirstName: "Ava", LastName: "Shah", WeightKg: 25, Allergies: []string{}})
	rx := store.AddPrescription(model.Prescription{
		PatientID:        patient.ID,
		MedicationName:   "Amoxicillin",
		Route:            "oral",
		DoseMgPerKg:      1,
		FrequencyPerDay:  2,
		StrengthMgPerML:  2,
		DispenseVolumeML: 100,
	})
	f := &model.Formula{
		Source:         model.FormulaSourceCompany,
		MedicationName: "Amoxicillin",
		Ingredients: []model.Ingredient{
			{Name: "Amoxicillin", Role: model.RoleAPI, Quantity: 200, Unit: model.UnitMg},
			{Name: "Ora-Blend", Role: model.RoleVehicle, Quantity: 100, Unit: model.UnitML},
		},
		IsActive: true,
	}
	require.NoError(t, store.Formulas().Create(ctx, f))
	h.job = store.AddJob(model.Job{PrescriptionID: rx.ID, Status: status, FormulaID: &f.ID})

	h.report = &model.StoredReport{
		JobID:   h.job.ID,
		Version: 1,
		Report: model.CalculationReport{
			SingleDoseMg:              25,
			DailyDoseMg:               50,
			FinalConcentrationMgPerML: 2,
			FinalVolumeML:             100,
			BudDays:                   14,
			BudDate:                   "2026-03-16",
			Ingredients: []model.IngredientRequirement{
				{Name: "Amoxicillin", RequiredAmount: 206, Unit: model.UnitMg},
				{Name: "Ora-Blend", RequiredAmount: 100, Unit: model.UnitML},
			},
		},
		OverallStatus: model.OverallPass,
	}
	require.NoError(t, store.Reports().Create(ctx, h.report))

	h.amoxLot = store.AddLot(model.InventoryLot{IngredientName: "Amoxicillin", LotNumber: "AMX-1", AvailableQuantity: amoxStock, Unit: model.UnitMg})
	store.AddLot(model.InventoryLot{IngredientName: "Ora-Blend", LotNumber: "ORA-1", AvailableQuantity: 473, Unit: model.UnitML})

	auditSvc := audit.NewService(store.Audit(), nil)
	h.signing = signing.NewService(signing.Config{}, store.Jobs(), store.Signing(), security.NewBcryptHasher(4), auditSvc, nil, nil)
	h.signing.SetClock(func() time.Time { return approvedAt })
	h.svc = NewService(Config{Strict: strict}, Dependencies{
		Jobs:      store.Jobs(),
		Reports:   store.Reports(),
		Formulas:  store.Formulas(),
		Approvals: store.Approvals(),
		Feedback:  store.Feedback(),
		Signing:   h.signing,
		Audit:     auditSvc,
		Clock:     func() time.Time { return approvedAt },
	})
	return h
}

func (h *harness) request() ApproveRequest {
	return ApproveRequest{
		JobID:       h.job.ID,
		ApproverID:  h.approver,
		SignerName:  "Dana Reyes, PharmD",
		SignerEmail: "dana@example.com",
		Attestation: true,
	}
}

func TestApproveLocksFinalOutput(t *testing.T) {
	h := newHarness(t, false, model.JobStatusVerified, 1000)
	ctx := context.Background()

	out, err := h.svc.Approve(ctx, h.request())
	require.NoError(t, err)

	assert.Equal(t, "Ava Shah", out.Label.Patient)
	assert.Equal(t, "Refrigerate. Shake well.", out.Label.Storage)
	assert.Equal(t, "2026-03-16", out.Label.BeyondUseDate)
	assert.Equal(t, 100.0, out.Label.QuantityML)
	assert.Equal(t, model.MeaningReviewedAndApproved, out.FinalReport.Signature.Meaning)
	assert.Len(t, out.FinalReport.Signature.Hash, 64)
	assert.Nil(t, out.FinalReport.Signature.IntentID)
	assert.Equal(t, 1, out.FinalReport.ReportVersion)
	assert.Len(t, out.FinalReport.InventoryConsumption, 2)

	job, err := h.store.Jobs().Get(ctx, h.job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusApproved, job.Status)
	require.NotNil(t, job.CompletedAt)

	lot, ok := h.store.Lot(h.amoxLot.ID)
	require.True(t, ok)
	assert.InDelta(t, 794, lot.AvailableQuantity, 1e-9)
	assert.True(t, h.store.ReportsFor(h.job.ID)[0].IsFinal)

	rows := h.store.FeedbackFor(h.job.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, model.DecisionApprove, rows[0].Decision)
	assert.Equal(t, "Approved by pharmacist.", rows[0].Feedback)

	events, err := h.store.Audit().ListByJob(ctx, h.job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AuditJobApproved, events[len(events)-1].EventType)

	_, err = h.svc.Approve(ctx, h.request())
	assert.True(t, apperrors.IsCode(err, apperrors.ErrConflict))
	lot, _ = h.store.Lot(h.amoxLot.ID)
	assert.InDelta(t, 794, lot.AvailableQuantity, 1e-9)
}

func TestApproveRequiresVerifiedJob(t *testing.T) {
	for _, status := range []model.JobStatus{model.JobStatusQueued, model.JobStatusNeedsReview, model.JobStatusRejected} {
		h := newHarness(t, false, status, 1000)
		_, err := h.svc.Approve(context.Background(), h.request())
		require.Error(t, err)
		assert.Equal(t, "Only verified jobs can be approved.", err.Error())
	}
}

func TestApproveValidatesSigner(t *testing.T) {
	h := newHarness(t, false, model.JobStatusVerified, 1000)
	ctx := context.Background()

	req := h.request()
	req.Attestation = false
	_, err := h.svc.Approve(ctx, req)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrBadRequest))

	req = h.request()
	req.SignerName = "  "
	_, err = h.svc.Approve(ctx, req)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrBadRequest))

	req = h.request()
	req.SignerEmail = "dana-at-example"
	_, err = h.svc.Approve(ctx, req)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrBadRequest))

	job, err := h.store.Jobs().Get(ctx, h.job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusVerified, job.Status)
}

func TestStrictApprovalVerifiesSignature(t *testing.T) {
	h := newHarness(t, true, model.JobStatusVerified, 1000)
	ctx := context.Background()
	require.NoError(t, h.signing.SetPIN(ctx, h.approver, "rx-signer-2026", "rx-signer-2026"))

	_, err := h.svc.Approve(ctx, h.request())
	assert.True(t, apperrors.IsCode(err, apperrors.ErrBadRequest))

	intent, err := h.signing.IssueIntent(ctx, h.job.ID, h.approver, "verified_by")
	require.NoError(t, err)

	req := h.request()
	req.SignatureMeaning = "verified_by"
	req.IntentID = &intent.ID
	req.ChallengeCode = intent.ChallengeCode
	req.PIN = "wrong-pin-value"
	_, err = h.svc.Approve(ctx, req)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrForbidden))
	assert.Contains(t, err.Error(), "challenge_mismatch")

	req.PIN = "rx-signer-2026"
	out, err := h.svc.Approve(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, out.FinalReport.Signature.IntentID)
	assert.Equal(t, intent.ID, *out.FinalReport.Signature.IntentID)
	assert.Equal(t, model.MeaningVerifiedBy, out.FinalReport.Signature.Meaning)
}

func TestApproveShortInventoryLeavesJobVerified(t *testing.T) {
	h := newHarness(t, false, model.JobStatusVerified, 150)
	ctx := context.Background()

	_, err := h.svc.Approve(ctx, h.request())
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrConflict))

	job, err := h.store.Jobs().Get(ctx, h.job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusVerified, job.Status)
	lot, _ := h.store.Lot(h.amoxLot.ID)
	assert.Equal(t, 150.0, lot.AvailableQuantity)
	assert.Empty(t, h.store.FeedbackFor(h.job.ID))
}

func TestReject(t *testing.T) {
	h := newHarness(t, false, model.JobStatusNeedsReview, 1000)
	ctx := context.Background()
	actor := uuid.New()

	err := h.svc.Reject(ctx, RejectRequest{JobID: h.job.ID, ActorID: actor, Feedback: "   "})
	require.Error(t, err)
	assert.Equal(t, "Rejection feedback is required.", err.Error())

	require.NoError(t, h.svc.Reject(ctx, RejectRequest{JobID: h.job.ID, ActorID: actor, Feedback: " Wrong vehicle for patient. "}))

	job, err := h.store.Jobs().Get(ctx, h.job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusRejected, job.Status)
	require.NotNil(t, job.LastError)
	assert.Equal(t, "Wrong vehicle for patient.", *job.LastError)

	rows := h.store.FeedbackFor(h.job.ID)
	require.Len(t, rows, 1)
	assert.Equal(t, model.DecisionReject, rows[0].Decision)

	lot, _ := h.store.Lot(h.amoxLot.ID)
	assert.Equal(t, 1000.0, lot.AvailableQuantity)

	err = h.svc.Reject(ctx, RejectRequest{JobID: h.job.ID, ActorID: actor, Feedback: "again"})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrConflict))
}
