package clinical

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/jwalitptl/compounding-api/internal/model"
)

const ceilingPrefix = `(?:maximum|max|not to exceed|do not exceed|up to)\s+(\d+(?:\.\d+)?)\s*(?:mg)`

var (
	singleCeiling   = regexp.MustCompile(ceilingPrefix + `\s*/\s*dose`)
	singlePhrase    = regexp.MustCompile(`(?:single dose(?: of)?|per dose(?: of)?).{0,24}?(\d+(?:\.\d+)?)\s*mg`)
	dailyCeiling    = regexp.MustCompile(ceilingPrefix + `\s*/\s*day`)
	perKgCeiling    = regexp.MustCompile(ceilingPrefix + `\s*/\s*kg\s*/\s*day`)
	perKgRangeUpper = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*(?:to|-|–)\s*(\d+(?:\.\d+)?)\s*mg\s*/\s*kg\s*/\s*day`)
)

// ExtractDoseConstraints pulls numeric dose ceilings out of label text.
// Single and daily ceilings take the smallest candidate; the per-kg/day
// ceiling takes the largest, since range forms already express an upper
// tolerance.
func ExtractDoseConstraints(text string) model.DoseConstraints {
	normalized := NormalizeToken(text)

	var single, daily, perKg []float64
	single = collect(normalized, singleCeiling, single)
	single = collect(normalized, singlePhrase, single)
	daily = collect(normalized, dailyCeiling, daily)
	perKg = collect(normalized, perKgCeiling, perKg)
	perKg = collect(normalized, perKgRangeUpper, perKg)

	return model.DoseConstraints{
		MaxSingleDoseMg:        minOf(single),
		MaxDailyDoseMg:         minOf(daily),
		MaxDailyDoseMgPerKgDay: maxOf(perKg),
	}
}

func collect(text string, re *regexp.Regexp, into []float64) []float64 {
	for _, m := range re.FindAllStringSubmatch(text, -1) {
		var upper, first *float64
		if len(m) > 2 {
			upper = parsePositive(m[2])
		}
		if len(m) > 1 {
			first = parsePositive(m[1])
		}
		switch {
		case upper != nil:
			into = append(into, *upper)
		case first != nil:
			into = append(into, *first)
		}
	}
	return into
}

func parsePositive(s string) *float64 {
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil || math.IsInf(v, 0) || math.IsNaN(v) || v <= 0 {
		return nil
	}
	return &v
}

func minOf(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	m := values[0]
	for _, v := range values[1:] {
		m = math.Min(m, v)
	}
	return &m
}

func maxOf(values []float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	m := values[0]
	for _, v := range values[1:] {
		m = math.Max(m, v)
	}
	return &m
}
