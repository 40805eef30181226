package compounding

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/compounding-api/internal/middleware"
	"github.com/jwalitptl/compounding-api/internal/model"
	"github.com/jwalitptl/compounding-api/internal/service/approval"
	"github.com/jwalitptl/compounding-api/internal/service/pipeline"
	apperrors "github.com/jwalitptl/compounding-api/pkg/errors"
	"github.com/jwalitptl/compounding-api/pkg/httputil"
)

type Runner interface {
	Run(ctx context.Context, req pipeline.RunRequest) (*pipeline.RunResult, error)
}

type Approver interface {
	Approve(ctx context.Context, req approval.ApproveRequest) (*model.FinalOutput, error)
	Reject(ctx context.Context, req approval.RejectRequest) error
}

type IntentIssuer interface {
	IssueIntent(ctx context.Context, jobID, userID uuid.UUID, meaning string) (*model.SigningIntent, error)
}

type AuditLister interface {
	ListByJob(ctx context.Context, jobID uuid.UUID) ([]*model.AuditEvent, error)
}

type Handler struct {
	runner   Runner
	approver Approver
	intents  IntentIssuer
	audit    AuditLister
}

func NewHandler(runner Runner, approver Approver, intents IntentIssuer, audit AuditLister) *Handler {
	return &Handler{
		runner:   runner,
		approver: approver,
		intents:  intents,
		audit:    audit,
	}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	jobs := r.Group("/jobs")
	{
		jobs.POST("/:id/run", h.Run)
		jobs.POST("/:id/signing-intents", h.IssueSigningIntent)
		jobs.POST("/:id/approve", h.Approve)
		jobs.POST("/:id/reject", h.Reject)
		jobs.GET("/:id/audit", h.ListAudit)
	}
}

type runRequest struct {
	PharmacistFeedback string `json:"pharmacistFeedback"`
}

type signingIntentRequest struct {
	SignatureMeaning string `json:"signatureMeaning"`
}

type signingIntentResponse struct {
	IntentID         uuid.UUID              `json:"intentId"`
	ChallengeCode    string                 `json:"challengeCode"`
	SignatureMeaning model.SignatureMeaning `json:"signatureMeaning"`
	ExpiresAt        string                 `json:"expiresAt"`
}

type approveRequest struct {
	SignerName       string     `json:"signerName"`
	SignerEmail      string     `json:"signerEmail"`
	SignatureMeaning string     `json:"signatureMeaning"`
	Attestation      bool       `json:"attestation"`
	IntentID         *uuid.UUID `json:"intentId"`
	ChallengeCode    string     `json:"challengeCode"`
	PIN              string     `json:"pin"`
	Note             string     `json:"note"`
}

type rejectRequest struct {
	Feedback string `json:"feedback"`
}

func (h *Handler) Run(c *gin.Context) {
	jobID, userID, ok := h.identify(c)
	if !ok {
		return
	}

	var req runRequest
	if !bindOptional(c, &req) {
		return
	}

	result, err := h.runner.Run(c.Request.Context(), pipeline.RunRequest{
		JobID:              jobID,
		ActorID:            &userID,
		PharmacistFeedback: req.PharmacistFeedback,
	})
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	httputil.RespondWithSuccess(c, result)
}

func (h *Handler) IssueSigningIntent(c *gin.Context) {
	jobID, userID, ok := h.identify(c)
	if !ok {
		return
	}

	var req signingIntentRequest
	if !bindOptional(c, &req) {
		return
	}

	intent, err := h.intents.IssueIntent(c.Request.Context(), jobID, userID, req.SignatureMeaning)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	httputil.RespondWithStatus(c, http.StatusCreated, signingIntentResponse{
		IntentID:         intent.ID,
		ChallengeCode:    intent.ChallengeCode,
		SignatureMeaning: intent.Meaning,
		ExpiresAt:        intent.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (h *Handler) Approve(c *gin.Context) {
	jobID, userID, ok := h.identify(c)
	if !ok {
		return
	}

	var req approveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondWithError(c, apperrors.NewBadRequest("invalid request body", err))
		return
	}

	// signer details default to the token identity
	if req.SignerName == "" {
		req.SignerName = c.GetString(middleware.ContextUserName)
	}
	if req.SignerEmail == "" {
		req.SignerEmail = c.GetString(middleware.ContextUserEmail)
	}

	out, err := h.approver.Approve(c.Request.Context(), approval.ApproveRequest{
		JobID:            jobID,
		ApproverID:       userID,
		SignerName:       req.SignerName,
		SignerEmail:      req.SignerEmail,
		SignatureMeaning: req.SignatureMeaning,
		Attestation:      req.Attestation,
		IntentID:         req.IntentID,
		ChallengeCode:    req.ChallengeCode,
		PIN:              req.PIN,
		Note:             req.Note,
	})
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	httputil.RespondWithSuccess(c, out)
}

func (h *Handler) Reject(c *gin.Context) {
	jobID, userID, ok := h.identify(c)
	if !ok {
		return
	}

	var req rejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondWithError(c, apperrors.NewBadRequest("invalid request body", err))
		return
	}

	err := h.approver.Reject(c.Request.Context(), approval.RejectRequest{
		JobID:    jobID,
		ActorID:  userID,
		Feedback: req.Feedback,
	})
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	httputil.RespondWithSuccess(c, gin.H{"status": model.JobStatusRejected})
}

func (h *Handler) ListAudit(c *gin.Context) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httputil.RespondWithError(c, apperrors.NewBadRequest("invalid job id", err))
		return
	}

	events, err := h.audit.ListByJob(c.Request.Context(), jobID)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	httputil.RespondWithSuccess(c, events)
}

// identify parses the job id path param and the authenticated user.
func (h *Handler) identify(c *gin.Context) (jobID, userID uuid.UUID, ok bool) {
	jobID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httputil.RespondWithError(c, apperrors.NewBadRequest("invalid job id", err))
		return uuid.Nil, uuid.Nil, false
	}
	userID, ok = middleware.UserID(c)
	if !ok {
		httputil.RespondWithError(c, apperrors.Unauthorized(nil))
		return uuid.Nil, uuid.Nil, false
	}
	return jobID, userID, true
}

// bindOptional binds a JSON body when one is present.
func bindOptional(c *gin.Context, dst interface{}) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		httputil.RespondWithError(c, apperrors.NewBadRequest("invalid request body", err))
		return false
	}
	return true
}
