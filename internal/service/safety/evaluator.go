package safety

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/jwalitptl/compounding-api/internal/model"
	"github.com/jwalitptl/compounding-api/pkg/metrics"
)

const (
	defaultMinSingleDoseMg = 0
	defaultMaxSingleDoseMg = 1000
	defaultMaxDailyDoseMg  = 4000

	defaultLowStockMultiplier = 1.25
	maxBudDays                = 180
	minPreparationSteps       = 4
	mgPerGram                 = 1000
)

type Config struct {
	// LowStockMultiplier applies when the formula sets none. Values <= 1
	// fall back to 1.25.
	LowStockMultiplier float64
}

// Input is everything one attempt's hard checks are evaluated against.
type Input struct {
	MedicationName     string
	Report             model.CalculationReport
	Safety             model.SafetyProfile
	Ingredients        []string
	Allergies          []string
	CurrentMedications []string
	PatientWeightKg    float64
	Lots               []model.InventoryLot
	Clinical           model.ClinicalSnapshot
	FailClosed         bool
}

type Evaluator struct {
	cfg     Config
	metrics *metrics.Metrics
}

func NewEvaluator(cfg Config, m *metrics.Metrics) *Evaluator {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Evaluator{cfg: cfg, metrics: m}
}

// Evaluate runs the fixed hard check set. Blocking issues are the FAIL
// details in check order followed by extraction warnings when fail-closed.
func (e *Evaluator) Evaluate(in Input) model.HardCheckSummary {
	if in.MedicationName == "" {
		in.MedicationName = "unknown"
		if len(in.Ingredients) > 0 {
			in.MedicationName = in.Ingredients[0]
		}
	}

	var warnings []string
	checks := model.HardChecks{
		DoseRange:         doseRange(in.Report, in.Safety),
		AllergyCrosscheck: allergyCrosscheck(in.Allergies, in.Ingredients),
		UnitsConsistency:  unitsConsistency(in.Report),
		BudValidity:       budValidity(in.Report),
	}

	inventory, lowStock := e.inventoryAvailability(in.Report, in.Safety, in.Lots)
	checks.InventoryAvailability = inventory
	if len(lowStock) > 0 {
		warnings = append(warnings, fmt.Sprintf("Inventory is low for %s; replenish soon.", strings.Join(lowStock, ", ")))
	}
	checks.LotExpiry = lotExpiry(in.Report, in.Lots)
	checks.Incompatibilities = incompatibilities(in.Safety, in.Ingredients)
	if len(in.Report.Steps) < minPreparationSteps {
		warnings = append(warnings, "Preparation instructions are sparse; verify compounding technique details.")
	}

	ext := evaluateExternal(in)
	checks.DrugInteractions = ext.drugInteractions
	checks.ExternalDoseRange = ext.doseRange
	checks.AllergyCrossSensitivity = ext.crossSensitivity

	var blocking []string
	for _, c := range checks.Ordered() {
		e.metrics.CheckResults.WithLabelValues(c.Name, string(c.Result.Status)).Inc()
		switch c.Result.Status {
		case model.CheckFail:
			blocking = append(blocking, c.Result.Detail)
		case model.CheckWarn:
			if isExternal(c.Name) {
				warnings = append(warnings, c.Result.Detail)
			}
		}
	}

	for _, w := range in.Clinical.ExtractionWarnings {
		if strings.TrimSpace(w) == "" {
			continue
		}
		if in.FailClosed {
			blocking = append(blocking, w)
		} else {
			warnings = append(warnings, w)
		}
	}

	if blocking == nil {
		blocking = []string{}
	}
	if warnings == nil {
		warnings = []string{}
	}
	return model.HardCheckSummary{
		Checks:          checks,
		DoseConstraints: ext.constraints,
		BlockingIssues:  blocking,
		Warnings:        warnings,
	}
}

func isExternal(name string) bool {
	return name == "drugInteractions" || name == "externalDoseRange" || name == "allergyCrossSensitivity"
}

func normalize(s string) string {
	return model.NormalizeName(s)
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func orDefault(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func doseRange(r model.CalculationReport, p model.SafetyProfile) model.CheckResult {
	minSingle := orDefault(p.MinSingleDoseMg, defaultMinSingleDoseMg)
	maxSingle := orDefault(p.MaxSingleDoseMg, defaultMaxSingleDoseMg)
	maxDaily := orDefault(p.MaxDailyDoseMg, defaultMaxDailyDoseMg)

	if r.SingleDoseMg >= minSingle && r.SingleDoseMg <= maxSingle && r.DailyDoseMg <= maxDaily {
		return model.Pass(fmt.Sprintf("Dose within configured bounds (%s-%s mg single dose).", num(minSingle), num(maxSingle)))
	}
	return model.Fail(fmt.Sprintf("Dose out of bounds: single %s mg (range %s-%s), daily %s mg (max %s).",
		num(r.SingleDoseMg), num(minSingle), num(maxSingle), num(r.DailyDoseMg), num(maxDaily)))
}

func allergyCrosscheck(allergies, ingredients []string) model.CheckResult {
	var matches []string
	for _, allergy := range allergies {
		token := normalize(allergy)
		for _, name := range ingredients {
			if strings.Contains(normalize(name), token) {
				matches = append(matches, allergy)
				break
			}
		}
	}
	if len(matches) > 0 {
		return model.Fail(fmt.Sprintf("Potential allergy crossmatch detected: %s.", strings.Join(matches, ", ")))
	}
	return model.Pass("No patient allergy conflict detected against ingredients.")
}

func unitsConsistency(r model.CalculationReport) model.CheckResult {
	for _, ing := range r.Ingredients {
		if math.IsNaN(ing.RequiredAmount) || math.IsInf(ing.RequiredAmount, 0) || ing.RequiredAmount <= 0 {
			return model.Fail("Unit consistency failed: at least one ingredient quantity is invalid.")
		}
	}
	return model.Pass("All ingredient quantities are finite and positive.")
}

func budValidity(r model.CalculationReport) model.CheckResult {
	if r.BudDays <= 0 || r.BudDays > maxBudDays {
		return model.Fail(fmt.Sprintf("Assigned BUD %d days is outside supported bounds (1-%d).", r.BudDays, maxBudDays))
	}
	return model.Pass(fmt.Sprintf("BUD %d days assigned through deterministic rules.", r.BudDays))
}

func toMg(qty float64, unit model.Unit) float64 {
	if unit == model.UnitG {
		return qty * mgPerGram
	}
	return qty
}

func isMass(unit model.Unit) bool {
	return unit == model.UnitMg || unit == model.UnitG
}

// lowStockMultiplier resolves per-ingredient > formula > configured default.
func (e *Evaluator) lowStockMultiplier(p model.SafetyProfile, ingredient string) float64 {
	configured := e.cfg.LowStockMultiplier
	if p.LowStockWarningMultiplier != nil {
		configured = *p.LowStockWarningMultiplier
	}
	want := normalize(ingredient)
	for name, v := range p.LowStockWarningMultiplierByIngredient {
		if normalize(name) == want {
			configured = v
			break
		}
	}
	if math.IsNaN(configured) || math.IsInf(configured, 0) || configured <= 1 {
		return defaultLowStockMultiplier
	}
	return configured
}

func (e *Evaluator) inventoryAvailability(r model.CalculationReport, p model.SafetyProfile, lots []model.InventoryLot) (model.CheckResult, []string) {
	type requirement struct {
		name string
		qty  float64
		unit model.Unit
	}
	// later entries for the same ingredient replace earlier ones
	var order []string
	required := make(map[string]requirement)
	for _, ing := range r.Ingredients {
		key := normalize(ing.Name)
		if _, seen := required[key]; !seen {
			order = append(order, key)
		}
		required[key] = requirement{name: ing.Name, qty: ing.RequiredAmount, unit: ing.Unit}
	}

	shortages := 0
	var low []string
	seenLow := make(map[string]bool)
	for _, key := range order {
		req := required[key]

		var matching []model.InventoryLot
		for _, lot := range lots {
			if normalize(lot.IngredientName) == key {
				matching = append(matching, lot)
			}
		}
		if len(matching) == 0 {
			shortages++
			continue
		}

		needed := req.qty
		available := 0.0
		if req.unit == model.UnitML {
			for _, lot := range matching {
				if lot.Unit == model.UnitML {
					available += lot.AvailableQuantity
				}
			}
		} else {
			needed = toMg(req.qty, req.unit)
			for _, lot := range matching {
				if isMass(lot.Unit) {
					available += toMg(lot.AvailableQuantity, lot.Unit)
				}
			}
		}

		switch {
		case available < needed:
			shortages++
		case available < needed*e.lowStockMultiplier(p, req.name):
			if !seenLow[req.name] {
				seenLow[req.name] = true
				low = append(low, req.name)
			}
		}
	}

	if shortages > 0 {
		return model.Fail(fmt.Sprintf("Inventory shortage on %d required ingredient(s).", shortages)), low
	}
	return model.Pass("Inventory can satisfy calculated requirements."), low
}

func lotExpiry(r model.CalculationReport, lots []model.InventoryLot) model.CheckResult {
	bud, err := time.Parse(model.DateLayout, r.BudDate)
	if err != nil {
		return model.Pass("All lots are valid through assigned BUD.")
	}

	issues := 0
	for _, ing := range r.Ingredients {
		key := normalize(ing.Name)
		var earliest *time.Time
		for i := range lots {
			lot := lots[i]
			if lot.ExpiresOn == nil || normalize(lot.IngredientName) != key {
				continue
			}
			if earliest == nil || lot.ExpiresOn.Before(*earliest) {
				earliest = lot.ExpiresOn
			}
		}
		if earliest != nil && earliest.Before(bud) {
			issues++
		}
	}
	if issues > 0 {
		return model.Fail(fmt.Sprintf("Lot expiry occurs before BUD for %d ingredient(s).", issues))
	}
	return model.Pass("All lots are valid through assigned BUD.")
}

func incompatibilities(p model.SafetyProfile, ingredients []string) model.CheckResult {
	present := func(token string) bool {
		for _, name := range ingredients {
			if strings.Contains(normalize(name), token) {
				return true
			}
		}
		return false
	}
	for _, pair := range p.Incompatibilities {
		if len(pair) < 2 {
			continue
		}
		if present(normalize(pair[0])) && present(normalize(pair[1])) {
			return model.Fail("Known incompatibility detected in ingredient combination.")
		}
	}
	return model.Pass("No known incompatibility pair matched.")
}
