package compounding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/compounding-api/internal/middleware"
	"github.com/jwalitptl/compounding-api/internal/model"
	"github.com/jwalitptl/compounding-api/internal/service/approval"
	"github.com/jwalitptl/compounding-api/internal/service/pipeline"
	apperrors "github.com/jwalitptl/compounding-api/pkg/errors"
)

type stubServices struct {
	runReq     pipeline.RunRequest
	runResult  *pipeline.RunResult
	runErr     error
	approveReq approval.ApproveRequest
	approveErr error
	rejectReq  approval.RejectRequest
	rejectErr  error
	intent     *model.SigningIntent
	events     []*model.AuditEvent
}

func (s *stubServices) Run(_ context.Context, req pipeline.RunRequest) (*pipeline.RunResult, error) {
	s.runReq = req
	return s.runResult, s.runErr
}

func (s *stubServices) Approve(_ context.Context, req approval.ApproveRequest) (*model.FinalOutput, error) {
	s.approveReq = req
	if s.approveErr != nil {
		return nil, s.approveErr
	}
	return &model.FinalOutput{JobID: req.JobID}, nil
}

func (s *stubServices) Reject(_ context.Context, req approval.RejectRequest) error {
	s.rejectReq = req
	return s.rejectErr
}

func (s *stubServices) IssueIntent(_ context.Context, jobID, userID uuid.UUID, meaning string) (*model.SigningIntent, error) {
	s.intent = &model.SigningIntent{
		ID:            uuid.New(),
		JobID:         jobID,
		IssuedTo:      userID,
		ChallengeCode: "ABCD2345",
		Meaning:       model.NormalizeSignatureMeaning(meaning),
		ExpiresAt:     time.Date(2026, 3, 2, 9, 10, 0, 0, time.UTC),
	}
	return s.intent, nil
}

func (s *stubServices) ListByJob(context.Context, uuid.UUID) ([]*model.AuditEvent, error) {
	return s.events, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func setup(t *testing.T) (*gin.Engine, *stubServices, uuid.UUID) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	stub := &stubServices{}
	userID := uuid.New()

	r := gin.New()
	api := r.Group("/api/v1", func(c *gin.Context) {
		c.Set(middleware.ContextUserID, userID.String())
		c.Set(middleware.ContextUserName, "Dana Pharm")
		c.Set(middleware.ContextUserEmail, "dana@example.com")
		c.Next()
	})
	NewHandler(stub, stub, stub, stub).RegisterRoutes(api)
	return r, stub, userID
}

func call(t *testing.T, r http.Handler, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w, env
}

func TestRun(t *testing.T) {
	r, stub, userID := setup(t)
	jobID := uuid.New()
	stub.runResult = &pipeline.RunResult{
		Status:         model.JobStatusVerified,
		Attempts:       1,
		BlockingIssues: []string{},
		Warnings:       []string{"AI review skipped"},
	}

	w, env := call(t, r, http.MethodPost, "/api/v1/jobs/"+jobID.String()+"/run", `{"pharmacistFeedback":"use 5 mL syringes"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, env.Success)
	assert.JSONEq(t, `{"status":"verified","attempts":1,"blockingIssues":[],"warnings":["AI review skipped"]}`, string(env.Data))

	assert.Equal(t, jobID, stub.runReq.JobID)
	require.NotNil(t, stub.runReq.ActorID)
	assert.Equal(t, userID, *stub.runReq.ActorID)
	assert.Equal(t, "use 5 mL syringes", stub.runReq.PharmacistFeedback)

	// body is optional
	w, _ = call(t, r, http.MethodPost, "/api/v1/jobs/"+jobID.String()+"/run", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, stub.runReq.PharmacistFeedback)
}

func TestRunMapsServiceErrors(t *testing.T) {
	r, stub, _ := setup(t)
	stub.runErr = apperrors.NewConflict("Job is already in progress.", nil)

	w, env := call(t, r, http.MethodPost, "/api/v1/jobs/"+uuid.NewString()+"/run", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "Job is already in progress.", env.Error.Message)

	w, _ = call(t, r, http.MethodPost, "/api/v1/jobs/not-a-uuid/run", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIssueSigningIntent(t *testing.T) {
	r, stub, userID := setup(t)
	jobID := uuid.New()

	w, env := call(t, r, http.MethodPost, "/api/v1/jobs/"+jobID.String()+"/signing-intents", `{"signatureMeaning":"verified_by"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, stub.intent.ID.String(), got["intentId"])
	assert.Equal(t, "ABCD2345", got["challengeCode"])
	assert.Equal(t, "verified_by", got["signatureMeaning"])
	assert.Equal(t, "2026-03-02T09:10:00Z", got["expiresAt"])
	assert.Equal(t, userID, stub.intent.IssuedTo)
}

func TestApprove(t *testing.T) {
	r, stub, userID := setup(t)
	jobID := uuid.New()
	intentID := uuid.New()

	body := `{"attestation":true,"signatureMeaning":"reviewed_and_approved","intentId":"` + intentID.String() + `","challengeCode":"ABCD2345","pin":"12345678"}`
	w, env := call(t, r, http.MethodPost, "/api/v1/jobs/"+jobID.String()+"/approve", body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, env.Success)

	req := stub.approveReq
	assert.Equal(t, jobID, req.JobID)
	assert.Equal(t, userID, req.ApproverID)
	assert.Equal(t, "Dana Pharm", req.SignerName)
	assert.Equal(t, "dana@example.com", req.SignerEmail)
	assert.True(t, req.Attestation)
	require.NotNil(t, req.IntentID)
	assert.Equal(t, intentID, *req.IntentID)
	assert.Equal(t, "12345678", req.PIN)

	stub.approveErr = apperrors.NewForbidden("Signature verification failed: challenge_mismatch.", nil)
	w, env = call(t, r, http.MethodPost, "/api/v1/jobs/"+jobID.String()+"/approve", `{"attestation":true}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, env.Error.Message, "challenge_mismatch")

	w, _ = call(t, r, http.MethodPost, "/api/v1/jobs/"+jobID.String()+"/approve", `{`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRejectAndAudit(t *testing.T) {
	r, stub, userID := setup(t)
	jobID := uuid.New()

	w, _ := call(t, r, http.MethodPost, "/api/v1/jobs/"+jobID.String()+"/reject", `{"feedback":"Wrong vehicle."}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, approval.RejectRequest{JobID: jobID, ActorID: userID, Feedback: "Wrong vehicle."}, stub.rejectReq)

	stub.events = []*model.AuditEvent{{ID: uuid.New(), JobID: &jobID, EventType: model.AuditJobRejected, Payload: json.RawMessage(`{}`)}}
	w, env := call(t, r, http.MethodGet, "/api/v1/jobs/"+jobID.String()+"/audit", "")
	require.Equal(t, http.StatusOK, w.Code)

	var events []model.AuditEvent
	require.NoError(t, json.Unmarshal(env.Data, &events))
	require.Len(t, events, 1)
	assert.Equal(t, model.AuditJobRejected, events[0].EventType)
}
