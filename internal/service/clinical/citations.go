package clinical

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"strings"

	"github.com/jwalitptl/compounding-api/internal/model"
)

const notAvailable = "N/A"

// ExtractCitationTable fetches a citation's JSON payload and flattens the
// fields relevant to verification into rows. Failures are reported as
// warnings on the table, never as errors.
func (s *Service) ExtractCitationTable(ctx context.Context, source model.CitationSource, rawURL string) model.CitationTable {
	source = model.CitationSource(strings.ToLower(string(source)))
	table := model.CitationTable{Source: source, URL: rawURL, Rows: []model.CitationRow{}, Warnings: []string{}}

	if strings.TrimSpace(rawURL) == "" {
		table.Warnings = append(table.Warnings, "Citation URL is missing.")
		return table
	}

	attempts := []string{rawURL}
	if source == model.CitationDailyMed {
		attempts = append(attempts, s.dailyMedFallbacks(rawURL)...)
	}

	var (
		payload map[string]interface{}
		lastErr error
	)
	for _, u := range attempts {
		payload, lastErr = s.fetchCitation(ctx, string(source), u)
		if lastErr == nil {
			break
		}
	}
	if payload == nil {
		msg := "unknown error"
		if lastErr != nil {
			msg = lastErr.Error()
		}
		table.Warnings = append(table.Warnings, "Unable to fetch citation payload: "+msg)
		return table
	}

	var path string
	if parsed, err := url.Parse(rawURL); err == nil {
		path = parsed.Path
	}

	var rows rowBuilder
	switch {
	case source == model.CitationRxNav:
		rows.rxNav(payload)
	case source == model.CitationOpenFDA && strings.Contains(path, "/drug/ndc"):
		rows.openFDANDC(payload)
	case source == model.CitationOpenFDA:
		rows.openFDALabel(payload)
	case source == model.CitationDailyMed:
		rows.dailyMed(payload)
	}
	table.Rows = append(table.Rows, rows...)

	if len(table.Rows) == 0 {
		table.Warnings = append(table.Warnings, "No structured fields were extracted for this citation.")
	}
	for _, r := range table.Rows {
		if r.UsedInCalculation && r.Value == notAvailable {
			table.Warnings = append(table.Warnings, "Some fields are unavailable in this API response.")
			break
		}
	}
	return table
}

func (s *Service) dailyMedFallbacks(rawURL string) []string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	setID := parsed.Query().Get("setid")
	if setID == "" {
		return nil
	}
	return []string{
		s.cfg.DailyMedBaseURL + "/spls.json?setid=" + url.QueryEscape(setID),
		s.cfg.DailyMedBaseURL + "/spls/" + url.PathEscape(setID) + ".json",
	}
}

func (s *Service) fetchCitation(ctx context.Context, source, rawURL string) (map[string]interface{}, error) {
	resp, err := s.fetch(ctx, source, rawURL, s.cfg.CitationTimeout)
	if err != nil {
		return nil, err
	}
	if resp.status < 200 || resp.status >= 300 {
		return nil, &StatusError{Code: resp.status}
	}
	if !strings.Contains(strings.ToLower(resp.contentType), "json") {
		return nil, errNotJSON
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(resp.body, &payload); err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, errors.New("empty JSON payload")
	}
	return payload, nil
}

type rowBuilder []model.CitationRow

func (b *rowBuilder) add(field, value string, used bool) {
	if strings.TrimSpace(value) == "" {
		value = notAvailable
	}
	*b = append(*b, model.CitationRow{Field: field, Value: value, UsedInCalculation: used})
}

func (b *rowBuilder) rxNav(payload map[string]interface{}) {
	p := record(payload["properties"])
	b.add("RXCUI", str(p["rxcui"]), true)
	b.add("NORMALIZED_NAME", str(p["name"]), true)
	b.add("SYNONYM", str(p["synonym"]), false)
	b.add("TERM_TYPE", str(p["tty"]), false)
	b.add("LANGUAGE", str(p["language"]), false)
	b.add("SUPPRESSED", str(p["suppress"]), false)
	b.add("UMLS_CUI", str(p["umlscui"]), false)
}

func (b *rowBuilder) openFDANDC(payload map[string]interface{}) {
	r := firstRecord(payload["results"])
	ofda := record(r["openfda"])

	b.add("PRODUCT_NDC", str(r["product_ndc"]), false)
	b.add("GENERIC_NAME", str(r["generic_name"]), true)
	b.add("BRAND_NAME_BASE", str(r["brand_name"]), false)
	b.add("LABELER_NAME", str(r["labeler_name"]), false)
	b.add("DOSAGE_FORM", str(r["dosage_form"]), true)
	b.add("ROUTE", summarize(strs(r["route"])), true)
	b.add("PRODUCT_TYPE", str(r["product_type"]), false)
	b.add("MARKETING_CATEGORY", str(r["marketing_category"]), false)
	b.add("APPLICATION_NUMBER", str(r["application_number"]), false)
	b.add("MARKETING_START_DATE", str(r["marketing_start_date"]), false)
	b.add("LISTING_EXPIRATION_DATE", str(r["listing_expiration_date"]), false)
	b.add("FINISHED", strconv.FormatBool(truthy(r["finished"])), false)

	var names, strengths []string
	for _, item := range list(r["active_ingredients"]) {
		ing := record(item)
		names = append(names, str(ing["name"]))
		strengths = append(strengths, str(ing["strength"]))
	}
	b.add("ACTIVE_INGREDIENTS", summarize(names), true)
	b.add("ACTIVE_INGREDIENT_STRENGTHS", summarize(strengths), true)
	b.add("PHARM_CLASS_EPC", summarize(strs(ofda["pharm_class_epc"])), false)
	b.add("PHARM_CLASS_MOA", summarize(strs(ofda["pharm_class_moa"])), false)
	b.add("RXCUI", summarize(strs(ofda["rxcui"])), true)
	b.add("UPC", summarize(strs(r["upc"])), false)
	b.add("IS_ORIGINAL_PACKAGER", strconv.FormatBool(truthy(r["is_original_packager"])), false)

	var packaging []string
	for _, item := range list(r["packaging"]) {
		pkg := record(item)
		var parts []string
		for _, p := range []string{str(pkg["package_ndc"]), str(pkg["description"])} {
			if p != "" {
				parts = append(parts, p)
			}
		}
		packaging = append(packaging, strings.Join(parts, " - "))
	}
	b.add("PACKAGING", summarize(packaging), false)
}

func (b *rowBuilder) openFDALabel(payload map[string]interface{}) {
	r := firstRecord(payload["results"])
	ofda := record(r["openfda"])

	b.add("GENERIC_NAME", summarize(strs(ofda["generic_name"])), true)
	b.add("BRAND_NAME", summarize(strs(ofda["brand_name"])), false)
	b.add("ROUTE", summarize(strs(ofda["route"])), true)
	b.add("DOSAGE_FORM", summarize(strs(ofda["dosage_form"])), true)
	b.add("SUBSTANCE_NAME", summarize(strs(ofda["substance_name"])), true)
	b.add("PRODUCT_TYPE", summarize(strs(ofda["product_type"])), false)
	b.add("RXCUI", summarize(strs(ofda["rxcui"])), true)
	b.add("SPL_SET_ID", summarize(strs(ofda["spl_set_id"])), false)
	b.add("DOSAGE_AND_ADMINISTRATION", summarizeText(r["dosage_and_administration"]), true)
	b.add("DRUG_INTERACTIONS", summarizeText(r["drug_interactions"]), true)
	b.add("CONTRAINDICATIONS", summarizeText(r["contraindications"]), true)
	b.add("WARNINGS", summarizeText(r["warnings"]), true)
	b.add("PEDIATRIC_USE", summarizeText(r["pediatric_use"]), true)
}

func (b *rowBuilder) dailyMed(payload map[string]interface{}) {
	item := firstRecord(payload["data"])
	b.add("SETID", str(item["setid"]), false)
	b.add("TITLE", str(item["title"]), true)
	b.add("PUBLISHED_DATE", str(item["published_date"]), false)
}

func record(v interface{}) map[string]interface{} {
	if m, ok := v.(map[string]interface{}); ok {
		return m
	}
	return map[string]interface{}{}
}

func list(v interface{}) []interface{} {
	if l, ok := v.([]interface{}); ok {
		return l
	}
	return nil
}

func firstRecord(v interface{}) map[string]interface{} {
	l := list(v)
	if len(l) == 0 {
		return map[string]interface{}{}
	}
	return record(l[0])
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}

func strs(v interface{}) []string {
	var out []string
	for _, item := range list(v) {
		out = append(out, str(item))
	}
	return out
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case nil:
		return false
	default:
		return true
	}
}

// summarize joins the first four non-empty values.
func summarize(values []string) string {
	items := make([]string, 0, 4)
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		items = append(items, v)
		if len(items) == 4 {
			break
		}
	}
	if len(items) == 0 {
		return notAvailable
	}
	return strings.Join(items, ", ")
}

func summarizeText(v interface{}) string {
	var compact []string
	for _, s := range strs(v) {
		s = NormalizeWhitespace(s)
		if s == "" {
			s = notAvailable
		}
		compact = append(compact, s)
	}
	return summarize(compact)
}
