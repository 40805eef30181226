package citation

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/compounding-api/internal/model"
	apperrors "github.com/jwalitptl/compounding-api/pkg/errors"
	"github.com/jwalitptl/compounding-api/pkg/httputil"
)

type Extractor interface {
	ExtractCitationTable(ctx context.Context, source model.CitationSource, rawURL string) model.CitationTable
}

type Handler struct {
	extractor Extractor
}

func NewHandler(extractor Extractor) *Handler {
	return &Handler{extractor: extractor}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/citations", h.Extract)
}

// Extract returns the verification-relevant fields of a cited source.
// Fetch failures come back as warnings on a 200 response.
func (h *Handler) Extract(c *gin.Context) {
	source := model.CitationSource(strings.ToLower(strings.TrimSpace(c.Query("source"))))
	switch source {
	case model.CitationRxNav, model.CitationOpenFDA, model.CitationDailyMed:
	default:
		httputil.RespondWithError(c, apperrors.NewBadRequest("source must be one of rxnav, openfda, dailymed", nil))
		return
	}

	table := h.extractor.ExtractCitationTable(c.Request.Context(), source, c.Query("url"))
	httputil.RespondWithSuccess(c, table)
}
