package calculation

import (
	"math"
	"strings"

	"github.com/jwalitptl/compounding-api/internal/model"
)

// Corrector derives the next attempt's prescription from the previous
// attempt's issues. Implementations only ever contract dose, volume or
// strength.
type Corrector interface {
	Correct(p model.WorkingPrescription, issues []string) model.WorkingPrescription
}

// KeywordCorrector routes issues by substring: "dose", "inventory" or
// "shortage", and "incompatib".
type KeywordCorrector struct{}

func NewKeywordCorrector() *KeywordCorrector {
	return &KeywordCorrector{}
}

func (KeywordCorrector) Correct(p model.WorkingPrescription, issues []string) model.WorkingPrescription {
	text := strings.ToLower(strings.Join(issues, " "))
	next := p

	if strings.Contains(text, "dose") {
		next.DoseMgPerKg = attenuate(p.DoseMgPerKg, 0.9, 0.01, 4)
	}
	if strings.Contains(text, "inventory") || strings.Contains(text, "shortage") {
		next.DispenseVolumeML = attenuate(p.DispenseVolumeML, 0.85, 15, 2)
	}
	if strings.Contains(text, "incompatib") {
		next.StrengthMgPerML = attenuate(p.StrengthMgPerML, 0.95, 1, 3)
	}

	return next
}

// attenuate scales v down to no less than floor. Values already at or below
// floor are returned unchanged.
func attenuate(v, factor, floor float64, decimals int) float64 {
	if v <= floor {
		return v
	}
	return Round(math.Max(v*factor, floor), decimals)
}
