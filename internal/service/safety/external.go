package safety

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/jwalitptl/compounding-api/internal/model"
	"github.com/jwalitptl/compounding-api/internal/service/clinical"
)

var crossSensitivity = map[string][]string{
	"sulfa":         {"sulfonamide", "sulfamethoxazole", "sulfadiazine", "sulfacetamide", "sulfisoxazole"},
	"penicillin":    {"penicillin", "amoxicillin", "ampicillin", "dicloxacillin", "nafcillin", "cephalexin", "cefazolin", "ceftriaxone"},
	"cephalosporin": {"cephalexin", "cefazolin", "cefuroxime", "ceftriaxone"},
	"aspirin":       {"acetylsalicylic", "salicylate", "ibuprofen", "naproxen", "ketorolac"},
	"nsaid":         {"ibuprofen", "naproxen", "ketorolac", "diclofenac", "indomethacin"},
	"peanut":        {"peanut", "arachis"},
	"soy":           {"soy", "lecithin"},
	"egg":           {"egg", "ovalbumin"},
	"lactose":       {"lactose"},
}

var medicationStopwords = map[string]bool{
	"and": true, "with": true, "for": true,
	"tablet": true, "tablets": true, "capsule": true, "capsules": true,
	"oral": true, "solution": true, "suspension": true,
	"extended": true, "release": true, "delayed": true,
	"injectable": true, "powder": true, "mg": true, "ml": true,
}

var nonAlphanumeric = regexp.MustCompile(`[^a-z0-9]+`)

type externalResult struct {
	drugInteractions model.CheckResult
	doseRange        model.CheckResult
	crossSensitivity model.CheckResult
	constraints      model.DoseConstraints
}

func evaluateExternal(in Input) externalResult {
	label, _ := in.Clinical.Label.Value()
	failed := in.Clinical.Label.Failed()

	res := externalResult{
		drugInteractions: drugInteractions(label, failed, in.CurrentMedications, in.FailClosed),
		crossSensitivity: allergyCrossSensitivity(label, failed, in.MedicationName, in.Ingredients, in.Allergies, in.FailClosed),
	}
	res.doseRange, res.constraints = externalDoseRange(label, failed, in.Report, in.PatientWeightKg, in.FailClosed)
	return res
}

func lookupFailure(detail string, failClosed bool) model.CheckResult {
	if failClosed {
		return model.Fail(detail)
	}
	return model.Warn(detail)
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := values[:0:0]
	for _, v := range values {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func medicationAliases(name string) []string {
	normalized := clinical.NormalizeToken(name)
	if normalized == "" {
		return nil
	}
	aliases := []string{normalized}
	for _, token := range nonAlphanumeric.Split(normalized, -1) {
		if len(token) >= 4 && !medicationStopwords[token] {
			aliases = append(aliases, token)
		}
	}
	return dedupe(aliases)
}

func drugInteractions(label model.LabelSections, failed bool, currentMeds []string, failClosed bool) model.CheckResult {
	if len(currentMeds) == 0 {
		return model.Pass("No concurrent medications on record for DDI screening.")
	}
	if failed {
		return lookupFailure("External DDI label lookup failed.", failClosed)
	}

	text := clinical.NormalizeToken(label.InteractionsText)
	if text == "" {
		return model.Warn("No interaction text available from external references.")
	}

	var matched []string
	for _, med := range currentMeds {
		for _, alias := range medicationAliases(med) {
			if strings.Contains(text, alias) {
				matched = append(matched, med)
				break
			}
		}
	}
	if matched = dedupe(matched); len(matched) > 0 {
		return model.Fail(fmt.Sprintf("External interaction section references concurrent medication(s): %s.", strings.Join(matched, ", ")))
	}
	return model.Pass("No concurrent medication terms were detected in external interaction sections.")
}

func formatNumber(v float64) string {
	if v == math.Trunc(v) {
		return fmt.Sprintf("%.0f", v)
	}
	return fmt.Sprintf("%.2f", v)
}

func externalDoseRange(label model.LabelSections, failed bool, r model.CalculationReport, weightKg float64, failClosed bool) (model.CheckResult, model.DoseConstraints) {
	if failed {
		return lookupFailure("External dose-range lookup failed.", failClosed), model.DoseConstraints{}
	}

	text := clinical.NormalizeWhitespace(label.DoseText + " " + label.PediatricText)
	if text == "" {
		return model.Warn("No dosage text available in external labels."), model.DoseConstraints{}
	}

	c := clinical.ExtractDoseConstraints(text)
	if c.Empty() {
		return model.Warn("No deterministic numeric max dose constraints were extracted from external labels."), c
	}

	var violations []string
	if c.MaxSingleDoseMg != nil && r.SingleDoseMg > *c.MaxSingleDoseMg {
		violations = append(violations, fmt.Sprintf("single dose %s mg > max %s mg",
			formatNumber(r.SingleDoseMg), formatNumber(*c.MaxSingleDoseMg)))
	}
	if c.MaxDailyDoseMg != nil && r.DailyDoseMg > *c.MaxDailyDoseMg {
		violations = append(violations, fmt.Sprintf("daily dose %s mg > max %s mg/day",
			formatNumber(r.DailyDoseMg), formatNumber(*c.MaxDailyDoseMg)))
	}
	if c.MaxDailyDoseMgPerKgDay != nil && weightKg > 0 {
		if perKg := r.DailyDoseMg / weightKg; perKg > *c.MaxDailyDoseMgPerKgDay {
			violations = append(violations, fmt.Sprintf("daily dose %s mg/kg/day > max %s mg/kg/day",
				formatNumber(perKg), formatNumber(*c.MaxDailyDoseMgPerKgDay)))
		}
	}
	if len(violations) > 0 {
		return model.Fail(fmt.Sprintf("External dose-range violation: %s.", strings.Join(violations, "; "))), c
	}

	var limits []string
	if c.MaxSingleDoseMg != nil {
		limits = append(limits, fmt.Sprintf("max single %s mg", formatNumber(*c.MaxSingleDoseMg)))
	}
	if c.MaxDailyDoseMg != nil {
		limits = append(limits, fmt.Sprintf("max daily %s mg/day", formatNumber(*c.MaxDailyDoseMg)))
	}
	if c.MaxDailyDoseMgPerKgDay != nil {
		limits = append(limits, fmt.Sprintf("max daily %s mg/kg/day", formatNumber(*c.MaxDailyDoseMgPerKgDay)))
	}
	return model.Pass(fmt.Sprintf("External dose checks passed against extracted limits: %s.", strings.Join(limits, ", "))), c
}

func crossSensitivityTokens(allergy string) []string {
	normalized := clinical.NormalizeToken(allergy)
	if normalized == "" {
		return nil
	}
	var tokens []string
	for _, t := range append([]string{normalized}, crossSensitivity[normalized]...) {
		if len(t) >= 3 {
			tokens = append(tokens, t)
		}
	}
	return dedupe(tokens)
}

func allergyCrossSensitivity(label model.LabelSections, failed bool, medication string, ingredients, allergies []string, failClosed bool) model.CheckResult {
	if len(allergies) == 0 {
		return model.Pass("No patient allergies recorded for cross-sensitivity screening.")
	}
	if failed {
		return lookupFailure("External allergy cross-sensitivity lookup failed.", failClosed)
	}

	parts := append([]string{medication}, ingredients...)
	parts = append(parts, label.Contraindications, label.WarningsText)
	corpus := clinical.NormalizeToken(strings.Join(parts, " "))

	var matches []string
	for _, allergy := range allergies {
		for _, token := range crossSensitivityTokens(allergy) {
			if strings.Contains(corpus, token) {
				matches = append(matches, allergy+" -> "+token)
			}
		}
	}
	if len(matches) > 0 {
		return model.Fail(fmt.Sprintf("Potential cross-sensitivity detected from external label data: %s.", strings.Join(dedupe(matches), ", ")))
	}
	return model.Pass("No external cross-sensitivity term match detected.")
}
