package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/compounding-api/internal/config"
	"github.com/jwalitptl/compounding-api/internal/email"
	"github.com/jwalitptl/compounding-api/internal/model"
	"github.com/jwalitptl/compounding-api/internal/repository/memory"
	"github.com/jwalitptl/compounding-api/pkg/auth"
	"github.com/jwalitptl/compounding-api/pkg/logger"
)

var now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fixedClinical struct{}

func (fixedClinical) FetchClinicalSnapshot(_ context.Context, name string) model.ClinicalSnapshot {
	return model.ClinicalSnapshot{MedicationName: name, Label: model.Found(model.LabelSections{})}
}

func (fixedClinical) FetchReferenceSnapshot(_ context.Context, name string) model.ReferenceSnapshot {
	return model.ReferenceSnapshot{
		QueryName:    name,
		RxNorm:       model.Found(model.RxNormMatch{RxCUI: "723", Name: "amoxicillin"}),
		Interactions: model.Found(model.InteractionLabels{Count: 1}),
		NDC:          model.Found(model.NDCMatch{Count: 2}),
		SPL:          model.Found(model.SPLMatch{SetID: "set-1"}),
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Pipeline:  config.PipelineConfig{MaxAttempts: 3, FailClosed: true, LowStockMultiplier: 1.25},
		Review:    config.ReviewConfig{Provider: "none"},
		Signing:   config.SigningConfig{IntentTTL: 10 * time.Minute, Strict: true, MaxPINAttempts: 5, LockoutDuration: 15 * time.Minute, BcryptCost: 4},
		JWT:       config.JWTConfig{Secret: "test-secret", Issuer: "compounding-api", ExpiryHours: 1},
		RateLimit: config.RateLimitConfig{Enabled: false},
		Log:       config.LogConfig{Level: "info"},
	}
}

type client struct {
	t     *testing.T
	h     http.Handler
	token string
}

func (c *client) do(method, path string, body interface{}) (int, json.RawMessage) {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	c.h.ServeHTTP(w, req)

	if w.Code == http.StatusNoContent {
		return w.Code, nil
	}
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(c.t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env.Data
}

func TestCompoundingFlowOverHTTP(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	store.SetClock(func() time.Time { return now })

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
	job := store.AddJob(model.Job{PrescriptionID: rx.ID})
	minSingle, maxSingle, maxDaily := 0.0, 500.0, 2000.0
	require.NoError(t, store.Formulas().Create(ctx, &model.Formula{
		Source:         model.FormulaSourceCompany,
		MedicationName: "Amoxicillin",
		Ingredients: []model.Ingredient{
			{Name: "Amoxicillin", Role: model.RoleAPI, Quantity: 200, Unit: model.UnitMg},
			{Name: "Ora-Blend", Role: model.RoleVehicle, Quantity: 100, Unit: model.UnitML},
		},
		Safety: model.SafetyProfile{
			MinSingleDoseMg: &minSingle,
			MaxSingleDoseMg: &maxSingle,
			MaxDailyDoseMg:  &maxDaily,
			BudRule:         model.BudRule{Category: model.BudAqueous},
		},
		Instructions: "Levigate powder with vehicle, then qs to volume.",
		IsActive:     true,
	}))
	amox := store.AddLot(model.InventoryLot{IngredientName: "Amoxicillin", LotNumber: "AMX-1", AvailableQuantity: 5000, Unit: model.UnitMg})
	store.AddLot(model.InventoryLot{IngredientName: "Ora-Blend", LotNumber: "ORA-1", AvailableQuantity: 1000, Unit: model.UnitML})

	cfg := testConfig()
	m, reg := NewMetrics()
	svcs, err := NewServices(ctx, cfg, store.Repositories(), logger.Nop(), m, Options{
		Clinical: fixedClinical{},
		Mailer:   &email.Recorder{},
		Clock:    func() time.Time { return now },
	})
	require.NoError(t, err)
	router := NewRouter(cfg, svcs, logger.Nop(), reg, nil)

	pharmacist := uuid.New()
	token, err := svcs.JWT.GenerateAccessToken(auth.Identity{UserID: pharmacist, Name: "Dana Pharm", Email: "dana@example.com"})
	require.NoError(t, err)
	c := &client{t: t, h: router.Engine(), token: token}
	jobPath := "/api/v1/jobs/" + job.ID.String()

	status, data := c.do(http.MethodPost, jobPath+"/run", nil)
	require.Equal(t, http.StatusOK, status, string(data))
	var run struct {
		Status   string `json:"status"`
		Attempts int    `json:"attempts"`
	}
	require.NoError(t, json.Unmarshal(data, &run))
	assert.Equal(t, "verified", run.Status)
	assert.Equal(t, 1, run.Attempts)

	status, _ = c.do(http.MethodPut, "/api/v1/signature/pin", map[string]string{"pin": "84736251", "confirmPin": "84736251"})
	require.Equal(t, http.StatusNoContent, status)

	status, data = c.do(http.MethodPost, jobPath+"/signing-intents", map[string]string{"signatureMeaning": "reviewed_and_approved"})
	require.Equal(t, http.StatusCreated, status)
	var intent struct {
		IntentID      uuid.UUID `json:"intentId"`
		ChallengeCode string    `json:"challengeCode"`
	}
	require.NoError(t, json.Unmarshal(data, &intent))

	// wrong PIN is refused and the intent stays usable
	status, _ = c.do(http.MethodPost, jobPath+"/approve", map[string]interface{}{
		"attestation":   true,
		"intentId":      intent.IntentID,
		"challengeCode": intent.ChallengeCode,
		"pin":           "00000000",
	})
	assert.Equal(t, http.StatusForbidden, status)

	status, data = c.do(http.MethodPost, jobPath+"/approve", map[string]interface{}{
		"attestation":      true,
		"signatureMeaning": "reviewed_and_approved",
		"intentId":         intent.IntentID,
		"challengeCode":    intent.ChallengeCode,
		"pin":              "84736251",
	})
	require.Equal(t, http.StatusOK, status, string(data))
	var final model.FinalOutput
	require.NoError(t, json.Unmarshal(data, &final))
	assert.Equal(t, job.ID, final.JobID)
	assert.Equal(t, pharmacist, final.ApprovedBy)

	lot, ok := store.Lot(amox.ID)
	require.True(t, ok)
	assert.Less(t, lot.AvailableQuantity, 5000.0)

	status, _ = c.do(http.MethodPost, jobPath+"/run", nil)
	assert.Equal(t, http.StatusConflict, status)

	status, data = c.do(http.MethodGet, jobPath+"/audit", nil)
	require.Equal(t, http.StatusOK, status)
	var events []model.AuditEvent
	require.NoError(t, json.Unmarshal(data, &events))
	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e.EventType)
	}
	assert.Equal(t, []string{
		model.AuditPipelineStarted,
		model.AuditIterationCompleted,
		model.AuditPipelineVerified,
		model.AuditSigningIntentIssued,
		model.AuditSignatureRejected,
		model.AuditJobApproved,
	}, types)
}

func TestRoutesRequireToken(t *testing.T) {
	store := memory.NewStore()
	m, reg := NewMetrics()
	svcs, err := NewServices(context.Background(), testConfig(), store.Repositories(), logger.Nop(), m, Options{Clinical: fixedClinical{}})
	require.NoError(t, err)
	r := NewRouter(testConfig(), svcs, logger.Nop(), reg, nil).Engine()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/calculations/dose", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestNewReasoner(t *testing.T) {
	r, err := NewReasoner(context.Background(), config.ReviewConfig{Provider: "none"}, nil)
	require.NoError(t, err)
	assert.Nil(t, r)

	_, err = NewReasoner(context.Background(), config.ReviewConfig{Provider: "openai"}, nil)
	assert.Error(t, err)

	r, err = NewReasoner(context.Background(), config.ReviewConfig{Provider: "openai", OpenAIAPIKey: "k"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "openai", r.Name())
}
