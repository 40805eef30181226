package safety

import (
	"testing"
	"time"

	"github.com/jwalitptl/compounding-api/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fptr(v float64) *float64 { return &v }

func date(s string) *time.Time {
	t, err := time.Parse(model.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func cleanInput() Input {
	return Input{
		MedicationName: "amoxicillin",
		Report: model.CalculationReport{
			SingleDoseMg: 25,
			DailyDoseMg:  50,
			BudDays:      14,
			BudDate:      "2026-01-24",
			Ingredients: []model.IngredientRequirement{
				{Name: "Amoxicillin", RequiredAmount: 0.25, Unit: model.UnitG},
				{Name: "Ora-Plus", RequiredAmount: 100, Unit: model.UnitML},
			},
			Steps: []string{"a", "b", "c", "d", "e"},
		},
		Safety: model.SafetyProfile{
			MaxSingleDoseMg: fptr(500),
			MaxDailyDoseMg:  fptr(2000),
			BudRule:         model.BudRule{Category: model.BudAqueous},
		},
		Ingredients:     []string{"Amoxicillin", "Ora-Plus"},
		Allergies:       []string{},
		PatientWeightKg: 25,
		Lots: []model.InventoryLot{
			{IngredientName: "amoxicillin", AvailableQuantity: 10, Unit: model.UnitG, ExpiresOn: date("2027-06-01")},
			{IngredientName: "Ora-Plus", AvailableQuantity: 1000, Unit: model.UnitML, ExpiresOn: date("2027-01-01")},
		},
		Clinical: model.ClinicalSnapshot{
			MedicationName: "amoxicillin",
			Label: model.Found(model.LabelSections{
				DoseText:         "Maximum 500 mg/dose. Do not exceed 1750 mg/day.",
				InteractionsText: "Probenecid decreases renal tubular secretion of amoxicillin.",
			}),
		},
		FailClosed: true,
	}
}

func TestEvaluateCleanInputPasses(t *testing.T) {
	sum := NewEvaluator(Config{}, nil).Evaluate(cleanInput())

	for _, c := range sum.Checks.Ordered() {
		assert.Equal(t, model.CheckPass, c.Result.Status, c.Name)
	}
	assert.Empty(t, sum.BlockingIssues)
	assert.Empty(t, sum.Warnings)
	require.NotNil(t, sum.DoseConstraints.MaxSingleDoseMg)
	assert.Equal(t, 500.0, *sum.DoseConstraints.MaxSingleDoseMg)
	assert.Equal(t, "Dose within configured bounds (0-500 mg single dose).", sum.Checks.DoseRange.Detail)
	assert.Equal(t, "External dose checks passed against extracted limits: max single 500 mg, max daily 1750 mg/day.",
		sum.Checks.ExternalDoseRange.Detail)
}

func TestDoseAboveMaximumFails(t *testing.T) {
	in := cleanInput()
	in.Report.SingleDoseMg = 600
	in.Report.DailyDoseMg = 1200

	sum := NewEvaluator(Config{}, nil).Evaluate(in)

	assert.Equal(t, model.CheckFail, sum.Checks.DoseRange.Status)
	assert.Contains(t, sum.BlockingIssues, "Dose out of bounds: single 600 mg (range 0-500), daily 1200 mg (max 2000).")
	assert.Equal(t, model.CheckFail, sum.Checks.ExternalDoseRange.Status)
}

func TestDefaultDoseBounds(t *testing.T) {
	in := cleanInput()
	in.Safety = model.SafetyProfile{}
	in.Report.DailyDoseMg = 4001

	sum := NewEvaluator(Config{}, nil).Evaluate(in)
	assert.Equal(t, "Dose out of bounds: single 25 mg (range 0-1000), daily 4001 mg (max 4000).", sum.Checks.DoseRange.Detail)
}

func TestBlockingIssuesFollowCheckOrder(t *testing.T) {
	in := cleanInput()
	in.Report.SingleDoseMg = 600
	in.Allergies = []string{"ora"}
	in.Report.BudDays = 200
	in.Safety.Incompatibilities = [][]string{{"amoxicillin", "ora-plus"}}

	sum := NewEvaluator(Config{}, nil).Evaluate(in)

	require.Len(t, sum.BlockingIssues, 6)
	assert.Equal(t, sum.Checks.DoseRange.Detail, sum.BlockingIssues[0])
	assert.Equal(t, "Potential allergy crossmatch detected: ora.", sum.BlockingIssues[1])
	assert.Equal(t, "Assigned BUD 200 days is outside supported bounds (1-180).", sum.BlockingIssues[2])
	assert.Equal(t, "Known incompatibility detected in ingredient combination.", sum.BlockingIssues[3])
	assert.Equal(t, sum.Checks.ExternalDoseRange.Detail, sum.BlockingIssues[4])
	assert.Equal(t, "Potential cross-sensitivity detected from external label data: ora -> ora.", sum.BlockingIssues[5])
}

func TestInventoryThresholds(t *testing.T) {
	cases := []struct {
		name      string
		available float64
		unit      model.Unit
		status    model.CheckStatus
		lowStock  bool
	}{
		{"exact", 250, model.UnitMg, model.CheckPass, true},
		{"one under", 249, model.UnitMg, model.CheckFail, false},
		{"within multiplier", 300, model.UnitMg, model.CheckPass, true},
		{"comfortable", 1, model.UnitG, model.CheckPass, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := cleanInput()
			in.Lots[0].AvailableQuantity = tc.available
			in.Lots[0].Unit = tc.unit

			sum := NewEvaluator(Config{}, nil).Evaluate(in)

			assert.Equal(t, tc.status, sum.Checks.InventoryAvailability.Status)
			if tc.lowStock {
				assert.Contains(t, sum.Warnings, "Inventory is low for Amoxicillin; replenish soon.")
			} else {
				assert.NotContains(t, sum.Warnings, "Inventory is low for Amoxicillin; replenish soon.")
			}
			if tc.status == model.CheckFail {
				assert.Contains(t, sum.BlockingIssues, "Inventory shortage on 1 required ingredient(s).")
			}
		})
	}
}

func TestInventoryVolumeIgnoresMassLots(t *testing.T) {
	in := cleanInput()
	in.Lots[1].Unit = model.UnitMg

	sum := NewEvaluator(Config{}, nil).Evaluate(in)
	assert.Equal(t, model.CheckFail, sum.Checks.InventoryAvailability.Status)
}

func TestLowStockMultiplierPrecedence(t *testing.T) {
	in := cleanInput()
	in.Lots[1].AvailableQuantity = 140
	warning := "Inventory is low for Ora-Plus; replenish soon."

	sum := NewEvaluator(Config{LowStockMultiplier: 1.5}, nil).Evaluate(in)
	assert.Contains(t, sum.Warnings, warning)

	in.Safety.LowStockWarningMultiplier = fptr(1.1)
	sum = NewEvaluator(Config{LowStockMultiplier: 1.5}, nil).Evaluate(in)
	assert.NotContains(t, sum.Warnings, warning)

	in.Safety.LowStockWarningMultiplierByIngredient = map[string]float64{" ORA-PLUS ": 2}
	sum = NewEvaluator(Config{LowStockMultiplier: 1.5}, nil).Evaluate(in)
	assert.Contains(t, sum.Warnings, warning)

	// invalid multipliers fall back to 1.25
	in.Safety.LowStockWarningMultiplierByIngredient = map[string]float64{"ora-plus": 0.5}
	sum = NewEvaluator(Config{}, nil).Evaluate(in)
	assert.NotContains(t, sum.Warnings, warning)
	in.Lots[1].AvailableQuantity = 120
	sum = NewEvaluator(Config{}, nil).Evaluate(in)
	assert.Contains(t, sum.Warnings, warning)
}

func TestLotExpiryBeforeBud(t *testing.T) {
	in := cleanInput()
	in.Lots = append(in.Lots, model.InventoryLot{
		IngredientName: "Amoxicillin", AvailableQuantity: 1, Unit: model.UnitG, ExpiresOn: date("2026-01-23"),
	})

	sum := NewEvaluator(Config{}, nil).Evaluate(in)
	assert.Equal(t, model.CheckFail, sum.Checks.LotExpiry.Status)
	assert.Contains(t, sum.BlockingIssues, "Lot expiry occurs before BUD for 1 ingredient(s).")

	in.Lots[2].ExpiresOn = date("2026-01-24")
	sum = NewEvaluator(Config{}, nil).Evaluate(in)
	assert.Equal(t, model.CheckPass, sum.Checks.LotExpiry.Status)
}

func TestUnitsConsistency(t *testing.T) {
	in := cleanInput()
	in.Report.Ingredients[1].RequiredAmount = 0

	sum := NewEvaluator(Config{}, nil).Evaluate(in)
	assert.Equal(t, model.CheckFail, sum.Checks.UnitsConsistency.Status)
}

func TestSparseStepsWarning(t *testing.T) {
	in := cleanInput()
	in.Report.Steps = []string{"a", "b", "c"}

	sum := NewEvaluator(Config{}, nil).Evaluate(in)
	assert.Empty(t, sum.BlockingIssues)
	assert.Equal(t, []string{"Preparation instructions are sparse; verify compounding technique details."}, sum.Warnings)
}
