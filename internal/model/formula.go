package model

import (
	"strings"

	"github.com/google/uuid"
)

// FormulaSource is the provenance tier of a master formulation record.
type FormulaSource string

const (
	FormulaSourcePatient   FormulaSource = "patient"
	FormulaSourceCompany   FormulaSource = "company"
	FormulaSourceGenerated FormulaSource = "generated"
)

type IngredientRole string

const (
	RoleAPI       IngredientRole = "api"
	RoleVehicle   IngredientRole = "vehicle"
	RoleExcipient IngredientRole = "excipient"
)

type Unit string

const (
	UnitMg Unit = "mg"
	UnitG  Unit = "g"
	UnitML Unit = "mL"
)

type Ingredient struct {
	Name                 string         `json:"name"`
	Role                 IngredientRole `json:"role"`
	Quantity             float64        `json:"quantity"`
	Unit                 Unit           `json:"unit"`
	ConcentrationMgPerML *float64       `json:"concentration_mg_per_ml,omitempty"`
	NDC                  string         `json:"ndc,omitempty"`
}

type BudCategory string

const (
	BudAqueous    BudCategory = "aqueous"
	BudNonAqueous BudCategory = "non_aqueous"
)

type BudRule struct {
	Category         BudCategory `json:"category"`
	HasStabilityData bool        `json:"has_stability_data"`
	StabilityDays    int         `json:"stability_days,omitempty"`
}

// SafetyProfile holds the formula's dose bounds and ingredient rules.
// Unset bounds are nil so preflight can tell missing from zero.
type SafetyProfile struct {
	MinSingleDoseMg                       *float64           `json:"min_single_dose_mg,omitempty"`
	MaxSingleDoseMg                       *float64           `json:"max_single_dose_mg,omitempty"`
	MaxDailyDoseMg                        *float64           `json:"max_daily_dose_mg,omitempty"`
	ContraindicatedIngredients            []string           `json:"contraindicated_ingredients,omitempty"`
	Incompatibilities                     [][]string         `json:"incompatibilities,omitempty"`
	LowStockWarningMultiplier             *float64           `json:"low_stock_warning_multiplier,omitempty"`
	LowStockWarningMultiplierByIngredient map[string]float64 `json:"low_stock_warning_multiplier_by_ingredient,omitempty"`
	BudRule                               BudRule            `json:"bud_rule"`
}

type FormulaReference struct {
	Source string `json:"source"`
	Detail string `json:"detail"`
	URL    string `json:"url,omitempty"`
}

// Formula is a master formulation record.
type Formula struct {
	Base
	Source               FormulaSource      `json:"source" db:"source"`
	Name                 string             `json:"name" db:"name"`
	MedicationName       string             `json:"medication_name" db:"medication_name"`
	PatientID            *uuid.UUID         `json:"patient_id,omitempty" db:"patient_id"`
	Ingredients          []Ingredient       `json:"ingredients" db:"-"`
	Safety               SafetyProfile      `json:"safety" db:"-"`
	Instructions         string             `json:"instructions" db:"instructions"`
	Equipment            []string           `json:"equipment" db:"-"`
	QualityControl       []string           `json:"quality_control" db:"-"`
	ContainerClosure     string             `json:"container_closure" db:"container_closure"`
	LabelingRequirements string             `json:"labeling_requirements" db:"labeling_requirements"`
	BudRationale         string             `json:"bud_rationale" db:"bud_rationale"`
	References           []FormulaReference `json:"references" db:"-"`
	IsActive             bool               `json:"is_active" db:"is_active"`
}

// HasRole reports whether any ingredient carries role.
func (f Formula) HasRole(role IngredientRole) bool {
	for _, ing := range f.Ingredients {
		if ing.Role == role {
			return true
		}
	}
	return false
}

// NormalizeName lowercases and trims a medication or ingredient name.
func NormalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
