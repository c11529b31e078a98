package query

import (
	"strings"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ragadmin/backend/internal/calc"
	"github.com/ragadmin/backend/internal/metrics"
	"github.com/ragadmin/backend/internal/pipeline"
	"github.com/ragadmin/backend/internal/schema"
	"github.com/ragadmin/backend/pkg/logger"
)

type Intent string

const (
	IntentDirectLookup Intent = "direct_lookup"
	IntentCalculation  Intent = "calculation"
	IntentComparison   Intent = "comparison"
	IntentAggregation  Intent = "aggregation"
	IntentGeneralQA    Intent = "general_qa"
)

type Filters struct {
	Period       string            `json:"period,omitempty"`
	Year         string            `json:"year,omitempty"`
	MetadataType string            `json:"metadataType,omitempty"`
	ChunkType    string            `json:"chunkType,omitempty"`
	Custom       map[string]string `json:"customFilter,omitempty"`
}

type SemanticSearch struct {
	Enabled bool   `json:"enabled"`
	Query   string `json:"query,omitempty"`
	TopK    int    `json:"topK"`
}

type CalculationSpec struct {
	Type   string      `json:"type"`
	Params calc.Params `json:"params"`
}

// QueryIntent is the structured analysis of one query. Transient: produced
// per query and recorded for metrics, never cached.
type QueryIntent struct {
	Intent            Intent            `json:"intent"`
	Template          string            `json:"template"`
	Fields            []string          `json:"fields"`
	Calculation       *CalculationSpec  `json:"calculation,omitempty"`
	Filters           Filters           `json:"filters"`
	SemanticSearch    SemanticSearch    `json:"semanticSearch"`
	Confidence        float64           `json:"confidence"`
	ExtractedEntities map[string]string `json:"extractedEntities,omitempty"`
}

// Analyzer turns a routed query into a QueryIntent against the currently
// cached schemas. It consults the coordinator's gate before reading any
// schema so understanding never runs against a snapshot mid-replacement.
type Analyzer struct {
	coordinator *pipeline.Coordinator
	clock       clockwork.Clock
}

func NewAnalyzer(coordinator *pipeline.Coordinator, clock clockwork.Clock) *Analyzer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Analyzer{coordinator: coordinator, clock: clock}
}

// AnalyzeQuery classifies the query for the given namespaces. When any
// namespace is mid-update the blocked status is returned instead of an
// intent; blocking is not an error.
func (a *Analyzer) AnalyzeQuery(query string, namespaces []string) (*QueryIntent, *pipeline.PipelineStatus) {
	status := a.coordinator.CheckPipelineStatus(namespaces)
	if status.Blocked {
		logger.Info("Query blocked by pipeline update",
			zap.Strings("namespaces", status.BlockedNamespaces),
			zap.Int64("estimated_wait_ms", status.EstimatedWaitMs),
		)
		return nil, &status
	}

	intent := a.analyze(query, a.schemaFor(namespaces))

	metrics.IntentTotal.WithLabelValues(string(intent.Intent)).Inc()
	metrics.IntentConfidence.Observe(intent.Confidence)

	logger.Debug("Query analyzed",
		zap.String("intent", string(intent.Intent)),
		zap.String("template", intent.Template),
		zap.Strings("fields", intent.Fields),
		zap.Float64("confidence", intent.Confidence),
	)

	return intent, nil
}

// schemaFor picks the richest available schema among the query's namespaces.
func (a *Analyzer) schemaFor(namespaces []string) *schema.DynamicSchema {
	var best *schema.DynamicSchema
	for _, ns := range namespaces {
		s, ok := a.coordinator.Schema(ns)
		if !ok {
			continue
		}
		if best == nil || len(s.Fields) > len(best.Fields) {
			best = s
		}
	}
	return best
}

var (
	comparisonWords  = []string{"비교", "대비", "보다", "차이", "vs", "비해"}
	aggregationWords = []string{"합계", "총액", "총 ", "전체", "평균", "몇 건", "건수", "모두", "다 합"}
	gapWords         = []string{"까지 얼마", "얼마 남", "남았", "부족", "더 필요", "모자라"}
	taxWords         = []string{"세전", "세후", "실수령", "원천징수"}
	lookupWords      = []string{"얼마", "알려줘", "확인", "조회", "보여줘", "몇"}
)

func (a *Analyzer) analyze(query string, s *schema.DynamicSchema) *QueryIntent {
	lower := strings.ToLower(query)
	period := ExtractPeriod(query, a.clock.Now())

	fields, entities := matchFields(lower, s)
	template := "general"
	if s != nil {
		template = s.TemplateType
	}

	intent := &QueryIntent{
		Template:          template,
		Fields:            fields,
		Filters:           Filters{Period: period.Period, Year: period.Year},
		ExtractedEntities: entities,
	}

	switch {
	case containsAny(lower, gapWords) && containsAny(lower, []string{"mdrt", "cot", "tot"}):
		intent.Intent = IntentCalculation
		intent.Template = "mdrt"
		intent.Confidence = 0.9
		intent.Calculation = &CalculationSpec{
			Type:   calc.TypeMDRTGap,
			Params: calc.Params{Standard: mdrtStandard(lower)},
		}
		intent.Fields = union(intent.Fields, []string{"totalCommission"})
		intent.SemanticSearch = SemanticSearch{Enabled: true, Query: query, TopK: 5}

	case containsAny(lower, taxWords):
		intent.Intent = IntentCalculation
		intent.Confidence = 0.85
		intent.Calculation = &CalculationSpec{Type: calc.TypeTaxReverse}
		intent.SemanticSearch = SemanticSearch{Enabled: true, Query: query, TopK: 5}

	case containsAny(lower, comparisonWords):
		intent.Intent = IntentComparison
		intent.Confidence = 0.8
		if field := firstField(fields); field != "" {
			intent.Calculation = &CalculationSpec{
				Type:   calc.TypePeriodDiff,
				Params: calc.Params{Field: field},
			}
		}
		intent.SemanticSearch = SemanticSearch{Enabled: true, Query: query, TopK: 8}

	case containsAny(lower, aggregationWords):
		intent.Intent = IntentAggregation
		intent.Confidence = 0.8
		calcType := calc.TypeSum
		if strings.Contains(lower, "평균") {
			calcType = calc.TypeAverage
		} else if strings.Contains(lower, "건수") || strings.Contains(lower, "몇 건") {
			calcType = calc.TypeCount
		}
		intent.Calculation = &CalculationSpec{Type: calcType, Params: calc.Params{Field: firstField(fields)}}
		intent.SemanticSearch = SemanticSearch{Enabled: true, Query: query, TopK: 15}

	case len(fields) > 0 && containsAny(lower, lookupWords):
		intent.Intent = IntentDirectLookup
		intent.Confidence = 0.85
		// Fully resolved lookups are served by metadata filters alone.
		intent.SemanticSearch = SemanticSearch{Enabled: false, TopK: 3}

	default:
		intent.Intent = IntentGeneralQA
		intent.Confidence = 0.5
		intent.SemanticSearch = SemanticSearch{Enabled: true, Query: query, TopK: 8}
	}

	return intent
}

func mdrtStandard(lower string) string {
	switch {
	case strings.Contains(lower, "tot"):
		return "fycTot"
	case strings.Contains(lower, "cot"):
		return "fycCot"
	default:
		return "fycMdrt"
	}
}

// matchFields resolves query terms to discovered schema fields via their
// names, display names and domain categories.
func matchFields(lower string, s *schema.DynamicSchema) ([]string, map[string]string) {
	if s == nil {
		return nil, nil
	}

	categoryTerms := map[string][]string{
		"commission": {"수수료", "커미션", "commission", "오버라이드", "인센티브"},
		"fyc":        {"fyc"},
		"income":     {"소득", "agi", "income"},
		"mdrt":       {"mdrt", "cot", "tot"},
		"contract":   {"계약", "contract"},
	}

	var fields []string
	entities := make(map[string]string)

	for _, f := range s.Fields {
		nameLower := strings.ToLower(f.Name)
		if strings.Contains(lower, nameLower) || (f.DisplayName != "" && strings.Contains(lower, strings.ToLower(f.DisplayName))) {
			fields = append(fields, f.Name)
			entities[f.Name] = f.Category
			continue
		}

		for _, term := range categoryTerms[f.Category] {
			if strings.Contains(lower, term) {
				fields = append(fields, f.Name)
				entities[f.Name] = f.Category
				break
			}
		}
	}

	if len(entities) == 0 {
		entities = nil
	}
	return fields, entities
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func firstField(fields []string) string {
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func union(a, b []string) []string {
	out := append([]string{}, a...)
	for _, item := range b {
		found := false
		for _, existing := range out {
			if existing == item {
				found = true
				break
			}
		}
		if !found {
			out = append(out, item)
		}
	}
	return out
}
