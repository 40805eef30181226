package clinical

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/jwalitptl/compounding-api/internal/model"
)

// MaxSectionLength caps each stored label section.
const MaxSectionLength = 24000

var whitespace = regexp.MustCompile(`\s+`)

// NormalizeWhitespace collapses runs of whitespace and trims.
func NormalizeWhitespace(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}

// NormalizeToken is NormalizeWhitespace lowercased.
func NormalizeToken(s string) string {
	return strings.ToLower(NormalizeWhitespace(s))
}

func truncate(s string) string {
	if len(s) <= MaxSectionLength {
		return s
	}
	cut := MaxSectionLength
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func labelValue(parts []string) string {
	if len(parts) == 0 {
		return ""
	}
	return truncate(NormalizeWhitespace(strings.Join(parts, " ")))
}

func openFDATerm(s string) string {
	return strings.ReplaceAll(s, `"`, `\"`)
}

type openFDAError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type openFDAMeta struct {
	Results struct {
		Total int `json:"total"`
	} `json:"results"`
}

type labelRecord struct {
	SetID                   string   `json:"set_id"`
	DosageAndAdministration []string `json:"dosage_and_administration"`
	PediatricUse            []string `json:"pediatric_use"`
	DrugInteractions        []string `json:"drug_interactions"`
	Contraindications       []string `json:"contraindications"`
	WarningsAndCautions     []string `json:"warnings_and_cautions"`
	Warnings                []string `json:"warnings"`
}

type labelResponse struct {
	Meta    *openFDAMeta  `json:"meta"`
	Results []labelRecord `json:"results"`
	Error   *openFDAError `json:"error"`
}

func (s *Service) openFDAURL(path, search string) string {
	q := url.Values{}
	q.Set("search", search)
	q.Set("limit", "1")
	if s.cfg.OpenFDAAPIKey != "" {
		q.Set("api_key", s.cfg.OpenFDAAPIKey)
	}
	return s.cfg.OpenFDABaseURL + path + "?" + q.Encode()
}

// FetchClinicalSnapshot retrieves label sections for the medication's generic
// name. It never returns an error: failures are recorded in the snapshot.
func (s *Service) FetchClinicalSnapshot(ctx context.Context, medicationName string) model.ClinicalSnapshot {
	name := NormalizeWhitespace(medicationName)
	if name == "" {
		return model.ClinicalSnapshot{
			MedicationName:     medicationName,
			Label:              model.Missing[model.LabelSections]("empty medication name"),
			ExtractionWarnings: []string{"Medication name is empty; external clinical safety lookup skipped."},
		}
	}

	endpoint := s.openFDAURL("/drug/label.json", fmt.Sprintf(`openfda.generic_name:"%s"`, openFDATerm(name)))

	var payload labelResponse
	status, err := s.getJSON(ctx, sourceOpenFDA, endpoint, &payload)
	if err != nil {
		s.logger.Warn("Clinical label lookup failed", "medication", name, "error", err.Error())
		return model.ClinicalSnapshot{
			MedicationName:     name,
			SourceURL:          endpoint,
			Label:              model.Failed[model.LabelSections](err.Error()),
			ExtractionWarnings: []string{"openFDA clinical label lookup failed or timed out."},
		}
	}

	if payload.Error != nil || len(payload.Results) == 0 {
		warning := fmt.Sprintf("openFDA returned no clinical label records for %q.", name)
		if payload.Error != nil && payload.Error.Message != "" {
			warning = "openFDA clinical label lookup returned: " + payload.Error.Message
		}
		return model.ClinicalSnapshot{
			MedicationName:     name,
			SourceURL:          endpoint,
			Label:              model.Missing[model.LabelSections](fmt.Sprintf("no label records (HTTP %d)", status)),
			ExtractionWarnings: []string{warning},
		}
	}

	rec := payload.Results[0]
	warnings := rec.WarningsAndCautions
	if len(warnings) == 0 {
		warnings = rec.Warnings
	}
	return model.ClinicalSnapshot{
		MedicationName: name,
		SourceURL:      endpoint,
		Label: model.Found(model.LabelSections{
			SetID:             rec.SetID,
			DoseText:          labelValue(rec.DosageAndAdministration),
			PediatricText:     labelValue(rec.PediatricUse),
			InteractionsText:  labelValue(rec.DrugInteractions),
			Contraindications: labelValue(rec.Contraindications),
			WarningsText:      labelValue(warnings),
		}),
		ExtractionWarnings: []string{},
	}
}
