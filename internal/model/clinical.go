package model

import (
	"encoding/json"
)

type LookupStatus string

const (
	LookupOK      LookupStatus = "ok"
	LookupMissing LookupStatus = "missing"
	LookupError   LookupStatus = "error"
)

// Outcome is the result of one external lookup: found with a value, missing
// with a reason, or failed with a detail. The value is only reachable
// through Value, which reports false unless the lookup succeeded.
type Outcome[T any] struct {
	status LookupStatus
	value  T
	reason string
}

func Found[T any](v T) Outcome[T] {
	return Outcome[T]{status: LookupOK, value: v}
}

func Missing[T any](reason string) Outcome[T] {
	return Outcome[T]{status: LookupMissing, reason: reason}
}

func Failed[T any](detail string) Outcome[T] {
	return Outcome[T]{status: LookupError, reason: detail}
}

// Status returns ok, missing or error. The zero Outcome is missing.
func (o Outcome[T]) Status() LookupStatus {
	if o.status == "" {
		return LookupMissing
	}
	return o.status
}

func (o Outcome[T]) Value() (T, bool) {
	return o.value, o.status == LookupOK
}

// Reason is the missing reason or failure detail.
func (o Outcome[T]) Reason() string {
	return o.reason
}

func (o Outcome[T]) OK() bool     { return o.status == LookupOK }
func (o Outcome[T]) Failed() bool { return o.status == LookupError }

type outcomeJSON[T any] struct {
	Status LookupStatus `json:"status"`
	Value  *T           `json:"value,omitempty"`
	Reason string       `json:"reason,omitempty"`
}

func (o Outcome[T]) MarshalJSON() ([]byte, error) {
	out := outcomeJSON[T]{Status: o.Status(), Reason: o.reason}
	if o.status == LookupOK {
		v := o.value
		out.Value = &v
	}
	return json.Marshal(out)
}

func (o *Outcome[T]) UnmarshalJSON(data []byte) error {
	var in outcomeJSON[T]
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	switch in.Status {
	case LookupOK:
		var v T
		if in.Value != nil {
			v = *in.Value
		}
		*o = Found(v)
	case LookupError:
		*o = Failed[T](in.Reason)
	default:
		*o = Missing[T](in.Reason)
	}
	return nil
}

// LabelSections is normalized clinical label text for one medication.
type LabelSections struct {
	SetID             string `json:"set_id,omitempty"`
	DoseText          string `json:"dose_text"`
	PediatricText     string `json:"pediatric_text"`
	InteractionsText  string `json:"interactions_text"`
	Contraindications string `json:"contraindications_text"`
	WarningsText      string `json:"warnings_text"`
}

// ClinicalSnapshot is fetched once per pipeline run and shared by all attempts.
type ClinicalSnapshot struct {
	MedicationName     string                 `json:"medication_name"`
	SourceURL          string                 `json:"source_url,omitempty"`
	Label              Outcome[LabelSections] `json:"label"`
	ExtractionWarnings []string               `json:"extraction_warnings"`
}

type RxNormMatch struct {
	RxCUI string `json:"rxcui"`
	Name  string `json:"name"`
}

type InteractionLabels struct {
	Count       int    `json:"count"`
	SampleSetID string `json:"sample_set_id,omitempty"`
}

type NDCMatch struct {
	Count            int    `json:"count"`
	SampleProductNDC string `json:"sample_product_ndc,omitempty"`
}

type SPLMatch struct {
	SetID     string `json:"set_id"`
	Title     string `json:"title,omitempty"`
	Published string `json:"published,omitempty"`
}

type CitationSource string

const (
	CitationRxNav    CitationSource = "rxnav"
	CitationOpenFDA  CitationSource = "openfda"
	CitationDailyMed CitationSource = "dailymed"
)

type Citation struct {
	Source CitationSource `json:"source"`
	Title  string         `json:"title"`
	URL    string         `json:"url"`
	Detail string         `json:"detail"`
}

// ReferenceSnapshot is the medication reference lookup used for citations.
type ReferenceSnapshot struct {
	QueryName    string                     `json:"query_name"`
	RxNorm       Outcome[RxNormMatch]       `json:"rxnorm"`
	Interactions Outcome[InteractionLabels] `json:"interactions"`
	NDC          Outcome[NDCMatch]          `json:"ndc"`
	SPL          Outcome[SPLMatch]          `json:"spl"`
	Citations    []Citation                 `json:"citations"`
	Warnings     []string                   `json:"warnings"`
}

// Statuses lists every lookup status in the snapshot.
func (r ReferenceSnapshot) Statuses() []LookupStatus {
	return []LookupStatus{r.RxNorm.Status(), r.Interactions.Status(), r.NDC.Status(), r.SPL.Status()}
}

type CitationRow struct {
	Field             string `json:"field"`
	Value             string `json:"value"`
	UsedInCalculation bool   `json:"used_in_calculation"`
}

type CitationTable struct {
	Source   CitationSource `json:"source"`
	URL      string         `json:"url"`
	Rows     []CitationRow  `json:"rows"`
	Warnings []string       `json:"warnings"`
}
