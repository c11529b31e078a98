package schema

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/ragadmin/backend/internal/calc"
	"github.com/ragadmin/backend/internal/llm"
	"github.com/ragadmin/backend/internal/vector"
	"github.com/ragadmin/backend/pkg/logger"
)

// Varied seed queries spread the sample across semantic clusters. A single
// fixed query would bias sampling toward one region of the index.
var seedQueries = []string{
	"수수료 내역",
	"직원 월별 실적",
	"계약 정보",
	"소득 현황",
	"달성 목표",
}

type DiscovererOptions struct {
	SampleSize   int
	MinFrequency float64
	MaxExamples  int
}

// Discoverer samples a namespace's vector metadata and infers its schema at
// runtime. There is no statically declared schema anywhere in the pipeline.
type Discoverer struct {
	store        vector.Store
	embedder     llm.Embedder
	sampleSize   int
	minFrequency float64
	maxExamples  int
}

func NewDiscoverer(store vector.Store, embedder llm.Embedder, opts DiscovererOptions) *Discoverer {
	if opts.SampleSize <= 0 {
		opts.SampleSize = 100
	}
	if opts.MinFrequency <= 0 {
		opts.MinFrequency = 0.10
	}
	if opts.MaxExamples <= 0 {
		opts.MaxExamples = 5
	}

	return &Discoverer{
		store:        store,
		embedder:     embedder,
		sampleSize:   opts.SampleSize,
		minFrequency: opts.MinFrequency,
		maxExamples:  opts.MaxExamples,
	}
}

// DiscoverNamespace samples up to sampleSize vectors and aggregates their
// metadata into a DynamicSchema. Returns nil for an empty namespace.
func (d *Discoverer) DiscoverNamespace(ctx context.Context, namespace string) (*DynamicSchema, error) {
	stats, err := d.store.NamespaceStats(ctx, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch namespace stats: %w", err)
	}
	if stats.VectorCount == 0 {
		logger.Debug("Namespace is empty, skipping discovery", zap.String("namespace", namespace))
		return nil, nil
	}

	samples, err := d.sample(ctx, namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to sample namespace: %w", err)
	}
	if len(samples) == 0 {
		return nil, nil
	}

	fields := d.aggregateFields(samples)
	templateType, confidence, reason := inferTemplateType(fields)

	now := time.Now()
	schema := &DynamicSchema{
		TemplateType:       templateType,
		TemplateConfidence: confidence,
		TemplateReason:     reason,
		Namespace:          namespace,
		Fields:             fields,
		Calculations:       buildCalculations(),
		Examples:           exampleQueries(templateType, d.maxExamples),
		VectorCount:        stats.VectorCount,
		LastUpdated:        now,
		LastDiscoveredAt:   now,
	}
	schema.RecomputeAvailability()

	logger.Info("Namespace schema discovered",
		zap.String("namespace", namespace),
		zap.String("template_type", templateType),
		zap.Int("fields", len(fields)),
		zap.Int("samples", len(samples)),
	)

	return schema, nil
}

// DiscoverAll discovers every namespace independently. A failure in one
// namespace is logged and excluded; the rest of the batch proceeds.
func (d *Discoverer) DiscoverAll(ctx context.Context, namespaces []string) map[string]*DynamicSchema {
	schemas := make(map[string]*DynamicSchema)

	for _, ns := range namespaces {
		schema, err := d.DiscoverNamespace(ctx, ns)
		if err != nil {
			logger.Warn("Schema discovery failed for namespace",
				zap.String("namespace", ns),
				zap.Error(err),
			)
			continue
		}
		if schema != nil {
			schemas[ns] = schema
		}
	}

	return schemas
}

func (d *Discoverer) sample(ctx context.Context, namespace string) ([]vector.Match, error) {
	perSeed := d.sampleSize/len(seedQueries) + 1

	seen := make(map[string]bool)
	samples := make([]vector.Match, 0, d.sampleSize)

	var lastErr error
	for _, seed := range seedQueries {
		if len(samples) >= d.sampleSize {
			break
		}

		embedding, err := d.embedder.Embed(ctx, seed)
		if err != nil {
			lastErr = err
			logger.Warn("Failed to embed seed query", zap.String("seed", seed), zap.Error(err))
			continue
		}

		matches, err := d.store.Query(ctx, namespace, embedding, vector.QueryParams{
			TopK:            perSeed,
			IncludeMetadata: true,
		})
		if err != nil {
			lastErr = err
			logger.Warn("Seed query search failed", zap.String("seed", seed), zap.Error(err))
			continue
		}

		for _, m := range matches {
			if seen[m.ID] || len(samples) >= d.sampleSize {
				continue
			}
			seen[m.ID] = true
			samples = append(samples, m)
		}
	}

	if len(samples) == 0 && lastErr != nil {
		return nil, lastErr
	}

	return samples, nil
}

type fieldStats struct {
	types    []FieldType
	examples []string
	count    int
	periodic int
}

func (d *Discoverer) aggregateFields(samples []vector.Match) []DiscoveredField {
	stats := make(map[string]*fieldStats)

	for _, sample := range samples {
		for name, raw := range sample.Metadata {
			value := FromRaw(raw)
			if value.IsNull() {
				continue
			}

			fs, ok := stats[name]
			if !ok {
				fs = &fieldStats{}
				stats[name] = fs
			}

			fs.count++
			fs.types = append(fs.types, InferType(raw))
			if IsPeriodShaped(value.String()) {
				fs.periodic++
			}

			example := value.String()
			if len(fs.examples) < d.maxExamples && !contains(fs.examples, example) {
				fs.examples = append(fs.examples, example)
			}
		}
	}

	total := float64(len(samples))
	fields := make([]DiscoveredField, 0, len(stats))

	for name, fs := range stats {
		frequency := float64(fs.count) / total
		if frequency < d.minFrequency {
			continue
		}

		resolved := ResolveTypes(fs.types)
		category := inferCategory(name, fs)

		fields = append(fields, DiscoveredField{
			Name:        name,
			Type:        resolved,
			Category:    category,
			Description: fmt.Sprintf("%s field present in %.0f%% of sampled records", resolved, frequency*100),
			DisplayName: displayName(name),
			Examples:    fs.examples,
			Frequency:   frequency,
		})
	}

	sort.Slice(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })

	return fields
}

func inferCategory(name string, fs *fieldStats) string {
	lower := strings.ToLower(name)

	// Period-shaped values win over name heuristics so "202511" never lands
	// in a numeric category.
	if fs.count > 0 && fs.periodic*2 >= fs.count {
		return "period"
	}

	switch {
	case strings.Contains(lower, "period") || strings.Contains(lower, "기간"):
		return "period"
	case strings.Contains(lower, "employee") || strings.Contains(lower, "사번"):
		return "employee_id"
	case strings.Contains(lower, "commission") || strings.Contains(lower, "수수료") || strings.Contains(lower, "override") || strings.Contains(lower, "incentive"):
		return "commission"
	case strings.Contains(lower, "fyc"):
		return "fyc"
	case strings.Contains(lower, "agi") || strings.Contains(lower, "income") || strings.Contains(lower, "소득"):
		return "income"
	case strings.Contains(lower, "mdrt") || strings.Contains(lower, "cot") || strings.Contains(lower, "tot"):
		return "mdrt"
	case strings.Contains(lower, "contract") || strings.Contains(lower, "계약"):
		return "contract"
	case strings.Contains(lower, "name") || strings.Contains(lower, "이름") || strings.Contains(lower, "성명"):
		return "name"
	case strings.Contains(lower, "date") || strings.Contains(lower, "일자"):
		return "date"
	default:
		return "general"
	}
}

// inferTemplateType is a best-effort classifier over field names. The result
// carries its confidence and reasoning so an explicit document-template
// association can override it.
func inferTemplateType(fields []DiscoveredField) (string, float64, string) {
	compensationKeywords := []string{"commission", "override", "incentive", "수수료", "환수"}
	mdrtKeywords := []string{"fyc", "agi", "mdrt", "cot", "tot"}

	var compensationHits, mdrtHits []string
	for _, f := range fields {
		lower := strings.ToLower(f.Name)
		for _, kw := range compensationKeywords {
			if strings.Contains(lower, kw) {
				compensationHits = append(compensationHits, f.Name)
				break
			}
		}
		for _, kw := range mdrtKeywords {
			if strings.Contains(lower, kw) {
				mdrtHits = append(mdrtHits, f.Name)
				break
			}
		}
	}

	switch {
	case len(mdrtHits) > 0 && len(mdrtHits) >= len(compensationHits):
		confidence := capConfidence(0.5 + 0.1*float64(len(mdrtHits)))
		return "mdrt", confidence, fmt.Sprintf("fields %s match MDRT indicators", strings.Join(mdrtHits, ", "))
	case len(compensationHits) > 0:
		confidence := capConfidence(0.5 + 0.1*float64(len(compensationHits)))
		return "compensation", confidence, fmt.Sprintf("fields %s match compensation indicators", strings.Join(compensationHits, ", "))
	default:
		return "general", 0.3, "no template indicator fields found"
	}
}

func capConfidence(c float64) float64 {
	if c > 0.9 {
		return 0.9
	}
	return c
}

func buildCalculations() []DiscoveredCalculation {
	defs := calc.Definitions()
	calculations := make([]DiscoveredCalculation, 0, len(defs))
	for _, def := range defs {
		calculations = append(calculations, DiscoveredCalculation{
			Type:           def.Type,
			Name:           def.Name,
			Description:    def.Description,
			RequiredFields: def.RequiredFields,
		})
	}
	return calculations
}

var templateExamples = map[string][]string{
	"compensation": {
		"이번달 수수료 얼마야?",
		"지난달 환수 내역 알려줘",
		"오버라이드 수수료 합계는?",
		"11월 인센티브 확인해줘",
		"올해 수수료 총액 알려줘",
	},
	"mdrt": {
		"MDRT까지 얼마 남았어?",
		"올해 FYC 얼마야?",
		"COT 기준 달성률 알려줘",
		"AGI 현황 확인해줘",
		"TOT까지 필요한 금액은?",
	},
	"general": {
		"계약 현황 알려줘",
		"이번달 실적 요약해줘",
		"등록된 문서에서 목표 찾아줘",
	},
}

func exampleQueries(templateType string, max int) []string {
	examples, ok := templateExamples[templateType]
	if !ok {
		examples = templateExamples["general"]
	}
	if len(examples) > max {
		examples = examples[:max]
	}
	out := make([]string, len(examples))
	copy(out, examples)
	return out
}

func displayName(name string) string {
	var words []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			words = append(words, current.String())
			current.Reset()
		}
	}

	for _, r := range name {
		switch {
		case r == '_' || r == '-' || r == ' ':
			flush()
		case unicode.IsUpper(r):
			flush()
			current.WriteRune(unicode.ToLower(r))
		default:
			current.WriteRune(r)
		}
	}
	flush()

	for i, w := range words {
		if len(w) > 0 {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}

	return strings.Join(words, " ")
}

func contains(items []string, target string) bool {
	for _, item := range items {
		if item == target {
			return true
		}
	}
	return false
}
