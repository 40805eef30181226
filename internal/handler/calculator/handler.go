// Package calculator exposes the pharmacy calculation engine over HTTP.
package calculator

import (
	"errors"
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/compounding-api/internal/model"
	"github.com/jwalitptl/compounding-api/internal/service/calculation"
	apperrors "github.com/jwalitptl/compounding-api/pkg/errors"
	"github.com/jwalitptl/compounding-api/pkg/httputil"
)

type Handler struct {
	now func() time.Time
}

func NewHandler() *Handler {
	return &Handler{now: time.Now}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	calc := r.Group("/calculations")
	{
		calc.POST("/alligation", h.Alligation)
		calc.POST("/dilution", h.Dilution)
		calc.POST("/dose", h.Dose)
		calc.POST("/bud", h.Bud)
	}
}

type alligationRequest struct {
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	Desired       float64 `json:"desired"`
	TotalQuantity float64 `json:"totalQuantity" binding:"gt=0"`
}

type doseRequest struct {
	MgPerKg         float64 `json:"mgPerKg" binding:"gt=0"`
	WeightKg        float64 `json:"weightKg" binding:"gt=0"`
	FrequencyPerDay float64 `json:"frequencyPerDay" binding:"gt=0"`
}

type budRequest struct {
	Category         model.BudCategory `json:"category" binding:"omitempty,oneof=aqueous non_aqueous"`
	HasStabilityData bool              `json:"hasStabilityData"`
	StabilityDays    int               `json:"stabilityDays" binding:"gte=0"`
}

type budResponse struct {
	Days    int    `json:"days"`
	BudDate string `json:"budDate"`
}

func (h *Handler) Alligation(c *gin.Context) {
	var req alligationRequest
	if !bind(c, &req) {
		return
	}
	res, err := calculation.Alligation(req.High, req.Low, req.Desired, req.TotalQuantity)
	if err != nil {
		httputil.RespondWithError(c, apperrors.NewBadRequest(err.Error(), nil))
		return
	}
	httputil.RespondWithSuccess(c, res)
}

func (h *Handler) Dilution(c *gin.Context) {
	var req calculation.DilutionInput
	if !bind(c, &req) {
		return
	}
	res, err := calculation.Dilution(req)
	if err != nil {
		httputil.RespondWithError(c, apperrors.NewBadRequest(err.Error(), nil))
		return
	}
	httputil.RespondWithSuccess(c, res)
}

func (h *Handler) Dose(c *gin.Context) {
	var req doseRequest
	if !bind(c, &req) {
		return
	}
	httputil.RespondWithSuccess(c, calculation.DoseByWeight(req.MgPerKg, req.WeightKg, req.FrequencyPerDay))
}

func (h *Handler) Bud(c *gin.Context) {
	var req budRequest
	if !bind(c, &req) {
		return
	}
	if req.Category == "" {
		req.Category = model.BudAqueous
	}
	days := calculation.AssignBud(req.Category, req.HasStabilityData, req.StabilityDays)
	httputil.RespondWithSuccess(c, budResponse{
		Days:    days,
		BudDate: calculation.BudDate(h.now(), days),
	})
}

func bind(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		msg := "invalid request body"
		if errors.Is(err, io.EOF) {
			msg = "request body is required"
		}
		httputil.RespondWithError(c, apperrors.NewBadRequest(msg, err))
		return false
	}
	return true
}
