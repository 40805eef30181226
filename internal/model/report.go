package model

import (
	"time"

	"github.com/google/uuid"
)

type IngredientRequirement struct {
	Name           string  `json:"name"`
	RequiredAmount float64 `json:"required_amount"`
	Unit           Unit    `json:"unit"`
}

// CalculationReport is the deterministic output of one calculation attempt.
type CalculationReport struct {
	SingleDoseMg              float64                 `json:"single_dose_mg"`
	DailyDoseMg               float64                 `json:"daily_dose_mg"`
	FinalConcentrationMgPerML float64                 `json:"final_concentration_mg_per_ml"`
	FinalVolumeML             float64                 `json:"final_volume_ml"`
	BudDays                   int                     `json:"bud_days"`
	BudDate                   string                  `json:"bud_date"`
	Ingredients               []IngredientRequirement `json:"ingredients"`
	Steps                     []string                `json:"steps"`
	Notes                     []string                `json:"notes"`
}

type CheckStatus string

const (
	CheckPass CheckStatus = "PASS"
	CheckFail CheckStatus = "FAIL"
	CheckWarn CheckStatus = "WARN"
)

type CheckResult struct {
	Status CheckStatus `json:"status"`
	Detail string      `json:"detail"`
}

func Pass(detail string) CheckResult { return CheckResult{Status: CheckPass, Detail: detail} }
func Fail(detail string) CheckResult { return CheckResult{Status: CheckFail, Detail: detail} }
func Warn(detail string) CheckResult { return CheckResult{Status: CheckWarn, Detail: detail} }

// HardChecks is the fixed hard safety check set, in evaluation order.
type HardChecks struct {
	DoseRange               CheckResult `json:"dose_range"`
	AllergyCrosscheck       CheckResult `json:"allergy_crosscheck"`
	UnitsConsistency        CheckResult `json:"units_consistency"`
	BudValidity             CheckResult `json:"bud_validity"`
	InventoryAvailability   CheckResult `json:"inventory_availability"`
	LotExpiry               CheckResult `json:"lot_expiry"`
	Incompatibilities       CheckResult `json:"incompatibilities"`
	DrugInteractions        CheckResult `json:"drug_interactions"`
	ExternalDoseRange       CheckResult `json:"external_dose_range"`
	AllergyCrossSensitivity CheckResult `json:"allergy_cross_sensitivity"`
}

// NamedCheck pairs a check name with its result.
type NamedCheck struct {
	Name   string
	Result CheckResult
}

// Ordered lists the checks in evaluation order.
func (h HardChecks) Ordered() []NamedCheck {
	return []NamedCheck{
		{"doseRange", h.DoseRange},
		{"allergyCrosscheck", h.AllergyCrosscheck},
		{"unitsConsistency", h.UnitsConsistency},
		{"budValidity", h.BudValidity},
		{"inventoryAvailability", h.InventoryAvailability},
		{"lotExpiry", h.LotExpiry},
		{"incompatibilities", h.Incompatibilities},
		{"drugInteractions", h.DrugInteractions},
		{"externalDoseRange", h.ExternalDoseRange},
		{"allergyCrossSensitivity", h.AllergyCrossSensitivity},
	}
}

// DoseConstraints are ceilings extracted from external label text.
type DoseConstraints struct {
	MaxSingleDoseMg        *float64 `json:"max_single_dose_mg,omitempty"`
	MaxDailyDoseMg         *float64 `json:"max_daily_dose_mg,omitempty"`
	MaxDailyDoseMgPerKgDay *float64 `json:"max_daily_dose_mg_per_kg_day,omitempty"`
}

// Empty reports whether no constraint was extracted.
func (d DoseConstraints) Empty() bool {
	return d.MaxSingleDoseMg == nil && d.MaxDailyDoseMg == nil && d.MaxDailyDoseMgPerKgDay == nil
}

type HardCheckSummary struct {
	Checks          HardChecks      `json:"checks"`
	DoseConstraints DoseConstraints `json:"dose_constraints"`
	BlockingIssues  []string        `json:"blocking_issues"`
	Warnings        []string        `json:"warnings"`
}

// Blocked reports whether the summary carries any blocking issue.
func (s HardCheckSummary) Blocked() bool {
	return len(s.BlockingIssues) > 0
}

type ReviewVerdict string

const (
	VerdictPass        ReviewVerdict = "PASS"
	VerdictFail        ReviewVerdict = "FAIL"
	VerdictNeedsReview ReviewVerdict = "NEEDS_REVIEW"
)

type ReviewSource string

const (
	ReviewSourceSkipped  ReviewSource = "skipped"
	ReviewSourceFallback ReviewSource = "fallback"
	ReviewSourceModel    ReviewSource = "model"
)

type AIReview struct {
	ClinicalReasonableness  CheckResult   `json:"clinical_reasonableness"`
	PreparationCompleteness CheckResult   `json:"preparation_completeness"`
	CitationQuality         CheckResult   `json:"citation_quality"`
	Overall                 ReviewVerdict `json:"overall"`
	Source                  ReviewSource  `json:"source"`
	Citations               []Citation    `json:"citations"`
	ExternalWarnings        []string      `json:"external_warnings"`
}

type OverallStatus string

const (
	OverallPass        OverallStatus = "pass"
	OverallFail        OverallStatus = "fail"
	OverallNeedsReview OverallStatus = "needs_review"
)

// ReportContext records the inputs an attempt was evaluated against.
type ReportContext struct {
	Attempt            int                 `json:"attempt"`
	FormulaID          uuid.UUID           `json:"formula_id"`
	FormulaSource      FormulaSource       `json:"formula_source"`
	Prescription       WorkingPrescription `json:"prescription"`
	PharmacistFeedback string              `json:"pharmacist_feedback,omitempty"`
	ClinicalStatus     LookupStatus        `json:"clinical_status"`
	FailClosed         bool                `json:"fail_closed"`
}

// StoredReport is the persisted, immutable record of one attempt.
type StoredReport struct {
	ID            uuid.UUID         `json:"id" db:"id"`
	JobID         uuid.UUID         `json:"job_id" db:"job_id"`
	Version       int               `json:"version" db:"version"`
	Context       ReportContext     `json:"context" db:"-"`
	Report        CalculationReport `json:"report" db:"-"`
	HardChecks    HardCheckSummary  `json:"hard_checks" db:"-"`
	AIReview      AIReview          `json:"ai_review" db:"-"`
	OverallStatus OverallStatus     `json:"overall_status" db:"overall_status"`
	IsFinal       bool              `json:"is_final" db:"is_final"`
	CreatedAt     time.Time         `json:"created_at" db:"created_at"`
}
