package clinical

import (
	"context"
	"fmt"
	"net/url"

	"github.com/jwalitptl/compounding-api/internal/model"
	"golang.org/x/sync/errgroup"
)

type rxcuiResponse struct {
	IDGroup struct {
		RxNormID []string `json:"rxnormId"`
	} `json:"idGroup"`
}

type rxPropertiesResponse struct {
	Properties *struct {
		RxCUI string `json:"rxcui"`
		Name  string `json:"name"`
	} `json:"properties"`
}

type ndcResponse struct {
	Meta    *openFDAMeta `json:"meta"`
	Results []struct {
		ProductNDC  string `json:"product_ndc"`
		GenericName string `json:"generic_name"`
		BrandName   string `json:"brand_name"`
	} `json:"results"`
	Error *openFDAError `json:"error"`
}

type splResponse struct {
	Data []struct {
		SetID         string `json:"setid"`
		Title         string `json:"title"`
		PublishedDate string `json:"published_date"`
	} `json:"data"`
}

type lookup[T any] struct {
	outcome  model.Outcome[T]
	citation *model.Citation
	warning  string
}

// FetchReferenceSnapshot normalizes the medication through RxNav, then looks
// up interaction labels, NDC directory entries and DailyMed SPLs concurrently
// under the normalized name.
func (s *Service) FetchReferenceSnapshot(ctx context.Context, medicationName string) model.ReferenceSnapshot {
	name := NormalizeWhitespace(medicationName)
	if name == "" {
		const reason = "empty medication name"
		return model.ReferenceSnapshot{
			QueryName:    medicationName,
			RxNorm:       model.Missing[model.RxNormMatch](reason),
			Interactions: model.Missing[model.InteractionLabels](reason),
			NDC:          model.Missing[model.NDCMatch](reason),
			SPL:          model.Missing[model.SPLMatch](reason),
			Citations:    []model.Citation{},
			Warnings:     []string{"Medication name is empty; external reference lookup skipped."},
		}
	}

	rx := s.lookupRxNorm(ctx, name)
	lookupName := name
	if match, ok := rx.outcome.Value(); ok && match.Name != "" {
		lookupName = match.Name
	}

	var (
		interactions lookup[model.InteractionLabels]
		ndc          lookup[model.NDCMatch]
		spl          lookup[model.SPLMatch]
	)
	// each lookup records its own failure; the group never returns an error
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		interactions = s.lookupInteractionLabels(gctx, lookupName)
		return nil
	})
	g.Go(func() error {
		ndc = s.lookupNDC(gctx, lookupName)
		return nil
	})
	g.Go(func() error {
		spl = s.lookupSPL(gctx, lookupName)
		return nil
	})
	_ = g.Wait()

	snap := model.ReferenceSnapshot{
		QueryName:    name,
		RxNorm:       rx.outcome,
		Interactions: interactions.outcome,
		NDC:          ndc.outcome,
		SPL:          spl.outcome,
		Citations:    []model.Citation{},
		Warnings:     []string{},
	}
	for _, c := range []*model.Citation{rx.citation, interactions.citation, ndc.citation, spl.citation} {
		if c != nil {
			snap.Citations = append(snap.Citations, *c)
		}
	}
	for _, w := range []string{rx.warning, interactions.warning, ndc.warning, spl.warning} {
		if w != "" {
			snap.Warnings = append(snap.Warnings, w)
		}
	}
	return snap
}

func (s *Service) lookupRxNorm(ctx context.Context, name string) lookup[model.RxNormMatch] {
	lookupURL := s.cfg.RxNavBaseURL + "/rxcui.json?name=" + url.QueryEscape(name)

	var ids rxcuiResponse
	status, err := s.getJSON(ctx, sourceRxNav, lookupURL, &ids)
	if err != nil || status == 404 {
		return lookup[model.RxNormMatch]{
			outcome: model.Failed[model.RxNormMatch](errDetail(err, status)),
			warning: "RxNav lookup failed or timed out.",
		}
	}
	if len(ids.IDGroup.RxNormID) == 0 || ids.IDGroup.RxNormID[0] == "" {
		return lookup[model.RxNormMatch]{
			outcome: model.Missing[model.RxNormMatch]("no rxcui"),
			warning: fmt.Sprintf("RxNav could not normalize %q to an RxCUI.", name),
		}
	}

	id := ids.IDGroup.RxNormID[0]
	propsURL := fmt.Sprintf("%s/rxcui/%s/properties.json", s.cfg.RxNavBaseURL, url.PathEscape(id))
	normalized := name
	var props rxPropertiesResponse
	if _, err := s.getJSON(ctx, sourceRxNav, propsURL, &props); err == nil && props.Properties != nil && props.Properties.Name != "" {
		normalized = props.Properties.Name
	}

	return lookup[model.RxNormMatch]{
		outcome: model.Found(model.RxNormMatch{RxCUI: id, Name: normalized}),
		citation: &model.Citation{
			Source: model.CitationRxNav,
			Title:  "RxNav RxCUI " + id,
			URL:    propsURL,
			Detail: fmt.Sprintf("Normalized name: %s.", normalized),
		},
	}
}

func (s *Service) lookupInteractionLabels(ctx context.Context, name string) lookup[model.InteractionLabels] {
	endpoint := s.openFDAURL("/drug/label.json",
		fmt.Sprintf(`openfda.generic_name:"%s" AND _exists_:drug_interactions`, openFDATerm(name)))

	var payload labelResponse
	status, err := s.getJSON(ctx, sourceOpenFDA, endpoint, &payload)
	if err != nil {
		return lookup[model.InteractionLabels]{
			outcome: model.Failed[model.InteractionLabels](errDetail(err, status)),
			warning: "openFDA lookup failed or timed out.",
		}
	}
	if payload.Error != nil {
		warning := "openFDA returned no matching label records."
		if payload.Error.Message != "" {
			warning = "openFDA lookup returned: " + payload.Error.Message
		}
		return lookup[model.InteractionLabels]{
			outcome: model.Missing[model.InteractionLabels](warning),
			warning: warning,
		}
	}

	count := 0
	if payload.Meta != nil {
		count = payload.Meta.Results.Total
	}
	if count <= 0 {
		return lookup[model.InteractionLabels]{
			outcome: model.Missing[model.InteractionLabels]("no interaction labels"),
			warning: fmt.Sprintf("openFDA found no interaction labels for %q.", name),
		}
	}

	match := model.InteractionLabels{Count: count}
	if len(payload.Results) > 0 {
		match.SampleSetID = payload.Results[0].SetID
	}
	c := &model.Citation{
		Source: model.CitationOpenFDA,
		Title:  fmt.Sprintf("openFDA interaction labels (%d)", count),
		URL:    endpoint,
	}
	if match.SampleSetID != "" {
		c.Detail = fmt.Sprintf("Sample set_id: %s.", match.SampleSetID)
	}
	return lookup[model.InteractionLabels]{outcome: model.Found(match), citation: c}
}

func (s *Service) lookupNDC(ctx context.Context, name string) lookup[model.NDCMatch] {
	endpoint := s.openFDAURL("/drug/ndc.json", fmt.Sprintf(`generic_name:"%s"`, openFDATerm(name)))

	var payload ndcResponse
	status, err := s.getJSON(ctx, sourceOpenFDA, endpoint, &payload)
	if err != nil {
		return lookup[model.NDCMatch]{
			outcome: model.Failed[model.NDCMatch](errDetail(err, status)),
			warning: "openFDA NDC lookup failed or timed out.",
		}
	}
	if payload.Error != nil {
		warning := "openFDA NDC returned no matching records."
		if payload.Error.Message != "" {
			warning = "openFDA NDC lookup returned: " + payload.Error.Message
		}
		return lookup[model.NDCMatch]{
			outcome: model.Missing[model.NDCMatch](warning),
			warning: warning,
		}
	}

	count := 0
	if payload.Meta != nil {
		count = payload.Meta.Results.Total
	}
	if count <= 0 {
		return lookup[model.NDCMatch]{
			outcome: model.Missing[model.NDCMatch]("no ndc records"),
			warning: fmt.Sprintf("openFDA NDC found no records for %q.", name),
		}
	}

	match := model.NDCMatch{Count: count}
	if len(payload.Results) > 0 {
		match.SampleProductNDC = payload.Results[0].ProductNDC
	}
	c := &model.Citation{
		Source: model.CitationOpenFDA,
		Title:  fmt.Sprintf("openFDA NDC directory match (%d)", count),
		URL:    endpoint,
	}
	if match.SampleProductNDC != "" {
		c.Detail = fmt.Sprintf("Sample product_ndc: %s.", match.SampleProductNDC)
	}
	return lookup[model.NDCMatch]{outcome: model.Found(match), citation: c}
}

func (s *Service) lookupSPL(ctx context.Context, name string) lookup[model.SPLMatch] {
	endpoint := fmt.Sprintf("%s/spls.json?drug_name=%s&pagesize=1", s.cfg.DailyMedBaseURL, url.QueryEscape(name))

	var payload splResponse
	status, err := s.getJSON(ctx, sourceDailyMed, endpoint, &payload)
	if err != nil || status == 404 {
		return lookup[model.SPLMatch]{
			outcome: model.Failed[model.SPLMatch](errDetail(err, status)),
			warning: "DailyMed lookup failed or timed out.",
		}
	}
	if len(payload.Data) == 0 || payload.Data[0].SetID == "" {
		return lookup[model.SPLMatch]{
			outcome: model.Missing[model.SPLMatch]("no spl"),
			warning: fmt.Sprintf("DailyMed found no SPL record for %q.", name),
		}
	}

	item := payload.Data[0]
	title := item.Title
	if title == "" {
		title = "DailyMed SPL " + item.SetID
	}
	c := &model.Citation{
		Source: model.CitationDailyMed,
		Title:  title,
		URL:    s.cfg.DailyMedPublicURL + "?setid=" + url.QueryEscape(item.SetID),
	}
	if item.PublishedDate != "" {
		c.Detail = fmt.Sprintf("Published: %s.", item.PublishedDate)
	}
	return lookup[model.SPLMatch]{
		outcome:  model.Found(model.SPLMatch{SetID: item.SetID, Title: item.Title, Published: item.PublishedDate}),
		citation: c,
	}
}

func errDetail(err error, status int) string {
	if err != nil {
		return err.Error()
	}
	return fmt.Sprintf("HTTP %d", status)
}
