package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/cenkalti/backoff/v4"

	"deckforge/internal/cache"
	"deckforge/internal/core/domain"
	"deckforge/internal/core/ports"
)

// Transient collaborator errors are retried inside the producer so the
// executor only ever sees a settled outcome.
const producerMaxRetries = 3

// Fixed category slides every deck carries; custom ones come from the
// affinity ranking, bounded by the job's custom_count option.
var fixedCategories = []string{"restaurants", "athleisure", "finance", "travel"}

const fallbackInsight = "Demographic insights are unavailable for this community at the moment."

type deckProducers struct {
	logger    *slog.Logger
	teams     TeamDirectory
	warehouse Warehouse
	insights  InsightWriter
	logos     LogoFetcher
	builder   DeckBuilder
	artifacts ports.ArtifactStore
}

// Merchant is one entry on the fan wheel.
type Merchant struct {
	Name    string  `json:"name"`
	Index   float64 `json:"index"`
	LogoURL string  `json:"logo_url,omitempty"`
}

type FanWheelData struct {
	Merchants []Merchant `json:"merchants"`
}

type CategoryAnalysis struct {
	Key    string       `json:"key"`
	Custom bool         `json:"custom,omitempty"`
	Result *QueryResult `json:"result"`
}

type CategoryData struct {
	Categories []CategoryAnalysis `json:"categories"`
}

func (p *deckProducers) teamConfig(ctx context.Context, tc *domain.TaskContext) (any, error) {
	raw, err := tc.Cache.GetOrCompute(ctx, cache.NamespaceTeamConfig, tc.SubjectKey, func(ctx context.Context) ([]byte, error) {
		team, err := retry(ctx, func(ctx context.Context) (*TeamConfig, error) {
			return p.teams.Get(ctx, tc.SubjectKey)
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(team)
	})
	if err != nil {
		return nil, err
	}

	var team TeamConfig
	if err := json.Unmarshal(raw, &team); err != nil {
		return nil, fmt.Errorf("corrupt team config cache entry: %w", err)
	}
	return &team, nil
}

func (p *deckProducers) demographics(ctx context.Context, tc *domain.TaskContext) (any, error) {
	team, err := teamFrom(tc)
	if err != nil {
		return nil, err
	}

	res, err := p.queryCached(ctx, tc.Cache, team.ViewPrefix+"_community_demographics", map[string]string{
		"comparison_population": team.ComparisonPopulation,
	})
	if err != nil {
		return nil, err
	}
	if len(res.Rows) == 0 {
		return nil, fmt.Errorf("no demographic rows for %s: %w", team.Key, domain.ErrDataUnavailable)
	}
	return res, nil
}

func (p *deckProducers) fanWheel(ctx context.Context, tc *domain.TaskContext) (any, error) {
	team, err := teamFrom(tc)
	if err != nil {
		return nil, err
	}

	res, err := p.queryCached(ctx, tc.Cache, team.ViewPrefix+"_community_merchants", map[string]string{
		"comparison_population": team.ComparisonPopulation,
	})
	if err != nil {
		return nil, err
	}
	if len(res.Rows) == 0 {
		return nil, fmt.Errorf("no community merchants for %s: %w", team.Key, domain.ErrDataUnavailable)
	}

	data := &FanWheelData{}
	for _, row := range res.Rows {
		m := merchantFromRow(res.Columns, row)
		if m.Name == "" {
			continue
		}
		m.LogoURL = p.logoFor(ctx, tc.Cache, m.Name)
		data.Merchants = append(data.Merchants, m)
	}
	return data, nil
}

// logoFor is best effort: a missing or failing logo lookup never degrades
// the fan wheel, the slide just renders without that mark.
func (p *deckProducers) logoFor(ctx context.Context, c domain.Cache, merchant string) string {
	raw, err := c.GetOrCompute(ctx, cache.NamespaceLogo, merchant, func(ctx context.Context) ([]byte, error) {
		url, err := retry(ctx, func(ctx context.Context) (string, error) {
			return p.logos.Fetch(ctx, merchant)
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(url)
	})
	if err != nil {
		p.logger.Warn("logo lookup failed", "merchant", merchant, "error", err)
		return ""
	}
	var url string
	if err := json.Unmarshal(raw, &url); err != nil {
		return ""
	}
	return url
}

func (p *deckProducers) behaviors(ctx context.Context, tc *domain.TaskContext) (any, error) {
	team, err := teamFrom(tc)
	if err != nil {
		return nil, err
	}

	res, err := p.queryCached(ctx, tc.Cache, team.ViewPrefix+"_fan_behaviors", map[string]string{
		"comparison_population": team.ComparisonPopulation,
	})
	if err != nil {
		return nil, err
	}
	if len(res.Rows) == 0 {
		return nil, fmt.Errorf("no behavior rankings for %s: %w", team.Key, domain.ErrDataUnavailable)
	}
	return res, nil
}

func (p *deckProducers) categories(ctx context.Context, tc *domain.TaskContext) (any, error) {
	team, err := teamFrom(tc)
	if err != nil {
		return nil, err
	}

	data := &CategoryData{}
	for _, key := range fixedCategories {
		res, err := p.queryCached(ctx, tc.Cache, team.ViewPrefix+"_category_index", map[string]string{"category": key})
		if err != nil {
			return nil, fmt.Errorf("category %s: %w", key, err)
		}
		if len(res.Rows) == 0 {
			continue
		}
		data.Categories = append(data.Categories, CategoryAnalysis{Key: key, Result: res})
	}

	if !tc.Options.SkipCustom && tc.Options.CustomCount > 0 {
		res, err := p.queryCached(ctx, tc.Cache, team.ViewPrefix+"_category_affinity", map[string]string{
			"top": fmt.Sprintf("%d", tc.Options.CustomCount),
		})
		if err != nil {
			return nil, fmt.Errorf("custom categories: %w", err)
		}
		for i, row := range res.Rows {
			if i >= tc.Options.CustomCount || len(row) == 0 {
				break
			}
			key := fmt.Sprintf("%v", row[0])
			data.Categories = append(data.Categories, CategoryAnalysis{
				Key:    key,
				Custom: true,
				Result: &QueryResult{Columns: res.Columns, Rows: [][]any{row}},
			})
		}
	}

	if len(data.Categories) == 0 {
		return nil, fmt.Errorf("no category data for %s: %w", team.Key, domain.ErrDataUnavailable)
	}
	return data, nil
}

func (p *deckProducers) demographicInsights(ctx context.Context, tc *domain.TaskContext) (any, error) {
	demo, err := tc.Output("demographics")
	if err != nil || demo == nil {
		return fallbackInsight, fmt.Errorf("demographics missing: %w", domain.ErrDataUnavailable)
	}
	res, ok := demo.(*QueryResult)
	if !ok || len(res.Rows) == 0 {
		return fallbackInsight, fmt.Errorf("demographics empty: %w", domain.ErrDataUnavailable)
	}

	cacheKey := tc.SubjectKey + ":demographic-insights"
	raw, err := tc.Cache.GetOrCompute(ctx, cache.NamespaceAIInsight, cacheKey, func(ctx context.Context) ([]byte, error) {
		text, err := retry(ctx, func(ctx context.Context) (string, error) {
			return p.insights.Write(ctx, "demographic-insights", map[string]any{
				"subject": tc.SubjectKey,
				"columns": res.Columns,
				"rows":    res.Rows,
			})
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(text)
	})
	if err != nil {
		// AI text is decoration on top of real data. Ship the
		// placeholder narrative instead of failing the section chain.
		p.logger.Warn("insight generation failed, using fallback", "subject", tc.SubjectKey, "error", err)
		return fallbackInsight, fmt.Errorf("insight writer: %w", domain.ErrDataUnavailable)
	}

	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return fallbackInsight, fmt.Errorf("corrupt insight cache entry: %w", domain.ErrDataUnavailable)
	}
	return text, nil
}

var sectionTitles = map[string]string{
	"demographics":         "Community Demographics",
	"fan-wheel":            "Community Fan Wheel",
	"behaviors":            "Fan Behaviors",
	"category-analysis":    "Category Analysis",
	"demographic-insights": "Demographic Insights",
}

func (p *deckProducers) assemble(ctx context.Context, tc *domain.TaskContext) (any, error) {
	team, err := teamFrom(tc)
	if err != nil {
		return nil, err
	}

	deck := &Deck{Team: *team}
	sectionStatus := make(map[string]string)
	var degradedNames []string

	for _, name := range sectionOrder {
		res, ok := tc.Dep(name)
		if !ok {
			continue
		}
		sectionStatus[name] = string(res.Status)

		section := Section{Name: name, Title: sectionTitles[name]}
		if res.Status == domain.TaskStatusFailed || res.Output == nil {
			section.Unavailable = true
		} else {
			section.Body = res.Output
			if res.Status == domain.TaskStatusDegraded {
				degradedNames = append(degradedNames, name)
			}
		}
		if section.Unavailable {
			degradedNames = append(degradedNames, name)
		}
		deck.Sections = append(deck.Sections, section)
	}
	sectionStatus["assemble"] = string(domain.TaskStatusSuccess)

	built, err := retry(ctx, func(ctx context.Context) (deckFile, error) {
		data, filename, err := p.builder.Build(ctx, deck)
		return deckFile{data: data, filename: filename}, err
	})
	if err != nil {
		return nil, fmt.Errorf("deck build: %w", err)
	}

	ref, err := p.artifacts.Save(ctx, tc.JobID, built.filename, built.data)
	if err != nil {
		return nil, fmt.Errorf("artifact save: %w", err)
	}

	sort.Strings(degradedNames)
	return &domain.JobResult{
		ArtifactRef: ref,
		Filename:    built.filename,
		Sections:    sectionStatus,
		Degraded:    degradedNames,
	}, nil
}

type deckFile struct {
	data     []byte
	filename string
}

func (p *deckProducers) queryCached(ctx context.Context, c domain.Cache, view string, params map[string]string) (*QueryResult, error) {
	raw, err := c.GetOrCompute(ctx, cache.NamespaceWarehouse, queryKey(view, params), func(ctx context.Context) ([]byte, error) {
		res, err := retry(ctx, func(ctx context.Context) (*QueryResult, error) {
			return p.warehouse.Query(ctx, view, params)
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	})
	if err != nil {
		return nil, err
	}

	var res QueryResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("corrupt warehouse cache entry for %s: %w", view, err)
	}
	return &res, nil
}

// queryKey encodes view and params into a stable cache key.
func queryKey(view string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(view)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}

func teamFrom(tc *domain.TaskContext) (*TeamConfig, error) {
	out, err := tc.Output("team-config")
	if err != nil {
		return nil, err
	}
	team, ok := out.(*TeamConfig)
	if !ok {
		return nil, fmt.Errorf("team-config produced %T", out)
	}
	return team, nil
}

func merchantFromRow(columns []string, row []any) Merchant {
	var m Merchant
	for i, col := range columns {
		if i >= len(row) {
			break
		}
		switch col {
		case "merchant", "merchant_name":
			m.Name = fmt.Sprintf("%v", row[i])
		case "index", "composite_index":
			if f, ok := row[i].(float64); ok {
				m.Index = f
			}
		}
	}
	return m
}

// retry wraps a collaborator call with bounded exponential backoff.
// Data-missing and configuration errors are permanent; everything else is
// treated as transient.
func retry[T any](ctx context.Context, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	attempt := func() error {
		v, err := op(ctx)
		if err != nil {
			if errors.Is(err, domain.ErrDataUnavailable) || errors.Is(err, ErrUnknownTeam) {
				return backoff.Permanent(err)
			}
			return err
		}
		out = v
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	if err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(b, producerMaxRetries), ctx)); err != nil {
		return out, err
	}
	return out, nil
}
