package signature

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/compounding-api/internal/middleware"
	apperrors "github.com/jwalitptl/compounding-api/pkg/errors"
	"github.com/jwalitptl/compounding-api/pkg/httputil"
)

type PINSetter interface {
	SetPIN(ctx context.Context, userID uuid.UUID, pin, confirm string) error
}

type Handler struct {
	pins PINSetter
}

func NewHandler(pins PINSetter) *Handler {
	return &Handler{pins: pins}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.PUT("/signature/pin", h.SetPIN)
}

type setPINRequest struct {
	PIN        string `json:"pin"`
	ConfirmPIN string `json:"confirmPin"`
}

// SetPIN sets or replaces the caller's signature PIN.
func (h *Handler) SetPIN(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		httputil.RespondWithError(c, apperrors.Unauthorized(nil))
		return
	}

	var req setPINRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondWithError(c, apperrors.NewBadRequest("invalid request body", err))
		return
	}

	if err := h.pins.SetPIN(c.Request.Context(), userID, req.PIN, req.ConfirmPIN); err != nil {
		httputil.RespondWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
