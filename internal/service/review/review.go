package review

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jwalitptl/compounding-api/internal/model"
	"github.com/jwalitptl/compounding-api/pkg/logger"
	"github.com/jwalitptl/compounding-api/pkg/metrics"
)

const (
	systemPrompt = "You are a pharmaceutical compounding safety reviewer. Return strict JSON with keys " +
		"clinicalReasonableness, preparationCompleteness, overall. Never do arithmetic."

	minCompleteSteps = 5
	defaultTimeout   = 20 * time.Second
)

// Reasoner sends one system + user prompt to a language model and returns
// the raw completion text.
type Reasoner interface {
	Name() string
	Complete(ctx context.Context, system, prompt string) (string, error)
}

type Input struct {
	MedicationName string
	Route          string
	Report         model.CalculationReport
	HardChecks     model.HardCheckSummary
	References     model.ReferenceSnapshot
}

type Config struct {
	Timeout time.Duration
}

type Reviewer struct {
	reasoner Reasoner
	cfg      Config
	logger   *logger.Logger
	metrics  *metrics.Metrics
}

// NewReviewer builds a reviewer. A nil reasoner means every review uses the
// deterministic fallback.
func NewReviewer(reasoner Reasoner, cfg Config, log *logger.Logger, m *metrics.Metrics) *Reviewer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if log == nil {
		log = logger.Nop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Reviewer{reasoner: reasoner, cfg: cfg, logger: log, metrics: m}
}

// Review produces the AI review for one attempt. It never returns an error:
// any reasoner problem degrades to the deterministic fallback.
func (r *Reviewer) Review(ctx context.Context, in Input) model.AIReview {
	res := r.review(ctx, in)
	r.metrics.ReviewOutcomes.WithLabelValues(string(res.Source), string(res.Overall)).Inc()
	return res
}

func (r *Reviewer) review(ctx context.Context, in Input) model.AIReview {
	if in.HardChecks.Blocked() {
		return skipped(in)
	}
	if r.reasoner == nil {
		return fallback(in)
	}

	prompt, err := buildPrompt(in)
	if err != nil {
		r.logger.Error(err, "Failed to build review prompt")
		return fallback(in)
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	text, err := r.reasoner.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		r.logger.Warn("AI review call failed, using fallback", "reasoner", r.reasoner.Name(), "error", err.Error())
		return fallback(in)
	}

	parsed, ok := parseVerdict(text)
	if !ok {
		r.logger.Warn("AI review returned no parsable JSON, using fallback", "reasoner", r.reasoner.Name())
		return fallback(in)
	}
	return parsed.toReview(in)
}

// NormalizeStatus maps a model status onto the check vocabulary.
func NormalizeStatus(status string) model.CheckStatus {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "FAIL":
		return model.CheckFail
	case "WARN", "NEEDS_REVIEW":
		return model.CheckWarn
	default:
		return model.CheckPass
	}
}

// CitationQuality is derived from which reference lookups succeeded, never
// from the reasoner.
func CitationQuality(ref model.ReferenceSnapshot) model.CheckResult {
	rx, hasRx := ref.RxNorm.Value()
	hasRx = hasRx && rx.RxCUI != ""
	labels, hasLabels := ref.Interactions.Value()
	hasLabels = hasLabels && labels.Count > 0
	ndc, hasNDC := ref.NDC.Value()
	hasNDC = hasNDC && ndc.Count > 0
	spl, hasSPL := ref.SPL.Value()
	hasSPL = hasSPL && spl.SetID != ""

	var parts []string
	if hasRx {
		name := rx.Name
		if name == "" {
			name = ref.QueryName
		}
		parts = append(parts, fmt.Sprintf("RxNav normalized to %s (RxCUI %s).", name, rx.RxCUI))
	} else {
		parts = append(parts, "RxNav did not return an RxCUI match.")
	}

	switch {
	case hasLabels:
		parts = append(parts, fmt.Sprintf("openFDA returned %d label(s) with drug interaction sections.", labels.Count))
	case ref.Interactions.Failed():
		parts = append(parts, "openFDA interaction lookup failed.")
	default:
		parts = append(parts, "openFDA returned no matching interaction label records.")
	}

	switch {
	case hasNDC:
		parts = append(parts, fmt.Sprintf("openFDA NDC directory returned %d result(s).", ndc.Count))
	case ref.NDC.Failed():
		parts = append(parts, "openFDA NDC directory lookup failed.")
	default:
		parts = append(parts, "openFDA NDC directory returned no matching records.")
	}

	switch {
	case hasSPL:
		parts = append(parts, fmt.Sprintf("DailyMed resolved SPL %s.", spl.SetID))
	case ref.SPL.Failed():
		parts = append(parts, "DailyMed lookup failed.")
	default:
		parts = append(parts, "DailyMed returned no SPL match.")
	}

	if len(ref.Warnings) > 0 {
		parts = append(parts, "Notes: "+strings.Join(ref.Warnings, " "))
	}

	status := model.CheckWarn
	if hasRx && hasLabels && hasNDC && hasSPL {
		status = model.CheckPass
	}
	return model.CheckResult{Status: status, Detail: strings.Join(parts, " ")}
}

func withReferences(res model.AIReview, ref model.ReferenceSnapshot) model.AIReview {
	res.CitationQuality = CitationQuality(ref)
	res.Citations = ref.Citations
	if res.Citations == nil {
		res.Citations = []model.Citation{}
	}
	res.ExternalWarnings = ref.Warnings
	if res.ExternalWarnings == nil {
		res.ExternalWarnings = []string{}
	}
	return res
}

func skipped(in Input) model.AIReview {
	return withReferences(model.AIReview{
		ClinicalReasonableness:  model.Fail("Hard safety checks failed, clinical reasonableness cannot pass."),
		PreparationCompleteness: model.Warn("AI review skipped because hard safety checks are blocking."),
		Overall:                 model.VerdictFail,
		Source:                  model.ReviewSourceSkipped,
	}, in.References)
}

func fallback(in Input) model.AIReview {
	res := model.AIReview{
		ClinicalReasonableness:  model.Pass("Dose, concentration, and route appear clinically coherent for MVP validation."),
		PreparationCompleteness: model.Pass("Preparation instructions include core compounding sequence and QC step."),
		Overall:                 model.VerdictPass,
		Source:                  model.ReviewSourceFallback,
	}
	if in.HardChecks.Blocked() {
		res.ClinicalReasonableness = model.Fail("Hard safety checks failed, clinical reasonableness cannot pass.")
		res.Overall = model.VerdictFail
	}
	if len(in.Report.Steps) < minCompleteSteps {
		res.PreparationCompleteness = model.Warn("Preparation steps are minimal. Add order-of-addition and QC checkpoints.")
		if res.Overall == model.VerdictPass {
			res.Overall = model.VerdictNeedsReview
		}
	}
	return withReferences(res, in.References)
}

type referenceSummary struct {
	RxNormStatus      model.LookupStatus `json:"rxNormStatus"`
	RxNormID          string             `json:"rxNormId,omitempty"`
	RxNormName        string             `json:"rxNormName,omitempty"`
	OpenFDAStatus     model.LookupStatus `json:"openFdaStatus"`
	InteractionLabels int                `json:"openFdaInteractionLabelCount"`
	NDCStatus         model.LookupStatus `json:"openFdaNdcStatus"`
	NDCCount          int                `json:"openFdaNdcCount"`
	ProductNDC        string             `json:"openFdaNdcProductNdc,omitempty"`
	DailyMedStatus    model.LookupStatus `json:"dailyMedStatus"`
	DailyMedSetID     string             `json:"dailyMedSetId,omitempty"`
	Citations         []model.Citation   `json:"citations"`
	Warnings          []string           `json:"warnings"`
}

func summarizeReferences(ref model.ReferenceSnapshot) referenceSummary {
	s := referenceSummary{
		RxNormStatus:   ref.RxNorm.Status(),
		OpenFDAStatus:  ref.Interactions.Status(),
		NDCStatus:      ref.NDC.Status(),
		DailyMedStatus: ref.SPL.Status(),
		Citations:      ref.Citations,
		Warnings:       ref.Warnings,
	}
	if rx, ok := ref.RxNorm.Value(); ok {
		s.RxNormID, s.RxNormName = rx.RxCUI, rx.Name
	}
	if labels, ok := ref.Interactions.Value(); ok {
		s.InteractionLabels = labels.Count
	}
	if ndc, ok := ref.NDC.Value(); ok {
		s.NDCCount, s.ProductNDC = ndc.Count, ndc.SampleProductNDC
	}
	if spl, ok := ref.SPL.Value(); ok {
		s.DailyMedSetID = spl.SetID
	}
	return s
}

func buildPrompt(in Input) (string, error) {
	report, err := json.Marshal(in.Report)
	if err != nil {
		return "", fmt.Errorf("failed to encode report: %w", err)
	}
	checks, err := json.Marshal(in.HardChecks.Checks)
	if err != nil {
		return "", fmt.Errorf("failed to encode hard checks: %w", err)
	}
	refs, err := json.Marshal(summarizeReferences(in.References))
	if err != nil {
		return "", fmt.Errorf("failed to encode references: %w", err)
	}

	var b strings.Builder
	b.WriteString("Review this report for clinical coherence and completeness.\n")
	fmt.Fprintf(&b, "Medication: %s\n", in.MedicationName)
	fmt.Fprintf(&b, "Route: %s\n", in.Route)
	fmt.Fprintf(&b, "Report: %s\n", report)
	fmt.Fprintf(&b, "Hard checks: %s\n", checks)
	fmt.Fprintf(&b, "External references summary: %s", refs)
	return b.String(), nil
}

type verdictField struct {
	Status *string `json:"status"`
	Detail *string `json:"detail"`
}

type verdict struct {
	ClinicalReasonableness  *verdictField `json:"clinicalReasonableness"`
	PreparationCompleteness *verdictField `json:"preparationCompleteness"`
	Overall                 *string       `json:"overall"`
}

// parseVerdict decodes the outermost JSON object in text, tolerating prose
// or code fences around it.
func parseVerdict(text string) (verdict, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		return verdict{}, false
	}
	var v verdict
	if err := json.Unmarshal([]byte(text[start:end+1]), &v); err != nil {
		return verdict{}, false
	}
	return v, true
}

func (f *verdictField) result(missingDetail string) model.CheckResult {
	status, detail := "WARN", missingDetail
	if f != nil && f.Status != nil {
		status = *f.Status
	}
	if f != nil && f.Detail != nil {
		detail = *f.Detail
	}
	return model.CheckResult{Status: NormalizeStatus(status), Detail: detail}
}

func (v verdict) toReview(in Input) model.AIReview {
	overall := model.VerdictNeedsReview
	if v.Overall != nil {
		switch strings.ToUpper(strings.TrimSpace(*v.Overall)) {
		case "PASS":
			overall = model.VerdictPass
		case "FAIL":
			overall = model.VerdictFail
		}
	}
	return withReferences(model.AIReview{
		ClinicalReasonableness:  v.ClinicalReasonableness.result("LLM review returned no detail for clinical reasonableness."),
		PreparationCompleteness: v.PreparationCompleteness.result("LLM review returned no detail for preparation completeness."),
		Overall:                 overall,
		Source:                  model.ReviewSourceModel,
	}, in.References)
}
