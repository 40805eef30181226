package calculation

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/jwalitptl/compounding-api/internal/model"
)

// MaxBudDays is the ceiling on any assigned beyond-use date.
const MaxBudDays = 180

// OverfillFactor is applied to the active ingredient mass.
const OverfillFactor = 1.03

var (
	ErrHighNotAboveLow    = errors.New("High concentration must be greater than low concentration.")
	ErrDesiredOutOfRange  = errors.New("Desired concentration must fall between low and high concentrations.")
	ErrDilutionValueCount = errors.New("Provide exactly 3 values for C1V1=C2V2.")
	ErrDilutionUnsolvable = errors.New("Dilution has no finite solution for the supplied values.")
)

// Round rounds half up at the given number of decimals.
func Round(v float64, decimals int) float64 {
	f := math.Pow(10, float64(decimals))
	return math.Floor(v*f+0.5) / f
}

type AlligationResult struct {
	HighQty float64 `json:"high_qty"`
	LowQty  float64 `json:"low_qty"`
}

// Alligation splits totalQty between a high and a low concentration so the
// mixture lands on desired.
func Alligation(high, low, desired, totalQty float64) (AlligationResult, error) {
	if high <= low {
		return AlligationResult{}, ErrHighNotAboveLow
	}
	if desired <= low || desired >= high {
		return AlligationResult{}, ErrDesiredOutOfRange
	}

	partsHigh := desired - low
	partsLow := high - desired
	total := partsHigh + partsLow

	return AlligationResult{
		HighQty: Round(partsHigh/total*totalQty, 4),
		LowQty:  Round(partsLow/total*totalQty, 4),
	}, nil
}

// DilutionInput holds C1V1=C2V2 terms. Exactly one must be nil.
type DilutionInput struct {
	C1 *float64 `json:"c1,omitempty"`
	V1 *float64 `json:"v1,omitempty"`
	C2 *float64 `json:"c2,omitempty"`
	V2 *float64 `json:"v2,omitempty"`
}

type DilutionResult struct {
	C1 float64 `json:"c1"`
	V1 float64 `json:"v1"`
	C2 float64 `json:"c2"`
	V2 float64 `json:"v2"`
}

// Dilution solves the missing term of C1V1=C2V2.
func Dilution(in DilutionInput) (DilutionResult, error) {
	supplied := 0
	for _, v := range []*float64{in.C1, in.V1, in.C2, in.V2} {
		if v != nil {
			supplied++
		}
	}
	if supplied != 3 {
		return DilutionResult{}, ErrDilutionValueCount
	}

	var c1, v1, c2, v2 float64
	if in.C1 != nil {
		c1 = *in.C1
	}
	if in.V1 != nil {
		v1 = *in.V1
	}
	if in.C2 != nil {
		c2 = *in.C2
	}
	if in.V2 != nil {
		v2 = *in.V2
	}

	switch {
	case in.C1 == nil:
		c1 = Round(c2*v2/v1, 6)
	case in.V1 == nil:
		v1 = Round(c2*v2/c1, 6)
	case in.C2 == nil:
		c2 = Round(c1*v1/v2, 6)
	default:
		v2 = Round(c1*v1/c2, 6)
	}
	out := DilutionResult{C1: c1, V1: v1, C2: c2, V2: v2}
	for _, v := range []float64{out.C1, out.V1, out.C2, out.V2} {
		if math.IsInf(v, 0) || math.IsNaN(v) {
			return DilutionResult{}, ErrDilutionUnsolvable
		}
	}
	return out, nil
}

type DoseResult struct {
	SingleDoseMg float64 `json:"single_dose_mg"`
	DailyDoseMg  float64 `json:"daily_dose_mg"`
}

func DoseByWeight(mgPerKg, weightKg, frequencyPerDay float64) DoseResult {
	single := Round(mgPerKg*weightKg, 4)
	return DoseResult{
		SingleDoseMg: single,
		DailyDoseMg:  Round(single*frequencyPerDay, 4),
	}
}

// AssignBud returns the beyond-use date in days. Stability data wins when
// present but never exceeds MaxBudDays.
func AssignBud(category model.BudCategory, hasStabilityData bool, stabilityDays int) int {
	if hasStabilityData && stabilityDays > 0 {
		if stabilityDays > MaxBudDays {
			return MaxBudDays
		}
		return stabilityDays
	}
	if category == model.BudNonAqueous {
		return 90
	}
	return 14
}

// BudDate formats now (UTC) plus days as YYYY-MM-DD.
func BudDate(now time.Time, days int) string {
	return now.UTC().AddDate(0, 0, days).Format(model.DateLayout)
}

type ReportInput struct {
	MedicationName     string
	PatientWeightKg    float64
	DoseMgPerKg        float64
	FrequencyPerDay    float64
	StrengthMgPerML    float64
	DispenseVolumeML   float64
	Ingredients        []model.Ingredient
	BudRule            model.BudRule
	PharmacistFeedback string
}

// InputFor assembles report input from a working prescription and formula.
func InputFor(p model.WorkingPrescription, weightKg float64, f model.Formula, feedback string) ReportInput {
	return ReportInput{
		MedicationName:     p.MedicationName,
		PatientWeightKg:    weightKg,
		DoseMgPerKg:        p.DoseMgPerKg,
		FrequencyPerDay:    p.FrequencyPerDay,
		StrengthMgPerML:    p.StrengthMgPerML,
		DispenseVolumeML:   p.DispenseVolumeML,
		Ingredients:        f.Ingredients,
		BudRule:            f.Safety.BudRule,
		PharmacistFeedback: feedback,
	}
}

// BuildReport computes the full calculation report for one attempt.
func BuildReport(in ReportInput, now time.Time) model.CalculationReport {
	weight := math.Max(in.PatientWeightKg, 1)
	conc := math.Max(in.StrengthMgPerML, 1)
	volume := math.Max(in.DispenseVolumeML, 30)
	doseMgPerKg := math.Max(in.DoseMgPerKg, 0.001)
	frequency := in.FrequencyPerDay
	if frequency < 1 {
		frequency = 1
	}

	dose := DoseByWeight(doseMgPerKg, weight, frequency)
	totalAPIMg := Round(conc*volume, 4)

	apiIndex := -1
	for i, ing := range in.Ingredients {
		if ing.Role == model.RoleAPI {
			apiIndex = i
			break
		}
	}
	if apiIndex < 0 && len(in.Ingredients) > 0 {
		apiIndex = 0
	}

	requirements := make([]model.IngredientRequirement, 0, len(in.Ingredients))
	for i, ing := range in.Ingredients {
		switch {
		case i == apiIndex && ing.Unit == model.UnitG:
			requirements = append(requirements, model.IngredientRequirement{
				Name: ing.Name, RequiredAmount: Round(totalAPIMg*OverfillFactor/1000, 4), Unit: model.UnitG,
			})
		case i == apiIndex:
			requirements = append(requirements, model.IngredientRequirement{
				Name: ing.Name, RequiredAmount: Round(totalAPIMg*OverfillFactor, 3), Unit: model.UnitMg,
			})
		case ing.Role == model.RoleVehicle:
			requirements = append(requirements, model.IngredientRequirement{
				Name: ing.Name, RequiredAmount: Round(volume, 3), Unit: model.UnitML,
			})
		default:
			requirements = append(requirements, model.IngredientRequirement{
				Name: ing.Name, RequiredAmount: Round(math.Max(ing.Quantity, 0), 3), Unit: ing.Unit,
			})
		}
	}

	budDays := AssignBud(in.BudRule.Category, in.BudRule.HasStabilityData, in.BudRule.StabilityDays)
	budDate := BudDate(now, budDays)

	firstAmount, firstUnit := "0", "units"
	if len(requirements) > 0 {
		firstAmount = formatFloat(requirements[0].RequiredAmount)
		firstUnit = string(requirements[0].Unit)
	}

	steps := []string{
		fmt.Sprintf("Prepare a calibrated vessel for %s.", in.MedicationName),
		fmt.Sprintf("Weigh/measure active ingredient to %s %s.", firstAmount, firstUnit),
		fmt.Sprintf("Levigate active ingredient and gradually qs with vehicle to %s mL.", formatFloat(Round(volume, 2))),
		"Homogenize for 90 seconds and perform visual particulate inspection.",
		fmt.Sprintf("Dispense with storage instructions. Assigned BUD: %s.", budDate),
	}

	notes := []string{
		fmt.Sprintf("Single dose: %s mg (%s mL at %s mg/mL).",
			formatFloat(dose.SingleDoseMg), formatFloat(Round(dose.SingleDoseMg/conc, 4)), formatFloat(conc)),
		fmt.Sprintf("Daily dose: %s mg across %s doses.", formatFloat(dose.DailyDoseMg), formatFloat(frequency)),
	}
	if in.PharmacistFeedback != "" {
		notes = append(notes, fmt.Sprintf("Pharmacist context considered: %s", in.PharmacistFeedback))
	}

	return model.CalculationReport{
		SingleDoseMg:              dose.SingleDoseMg,
		DailyDoseMg:               dose.DailyDoseMg,
		FinalConcentrationMgPerML: Round(conc, 4),
		FinalVolumeML:             Round(volume, 3),
		BudDays:                   budDays,
		BudDate:                   budDate,
		Ingredients:               requirements,
		Steps:                     steps,
		Notes:                     notes,
	}
}

// formatFloat prints the shortest decimal representation of v.
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
