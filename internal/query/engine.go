package query

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ragadmin/backend/internal/accuracy"
	"github.com/ragadmin/backend/internal/calc"
	"github.com/ragadmin/backend/internal/cache/redis"
	"github.com/ragadmin/backend/internal/llm"
	"github.com/ragadmin/backend/internal/metrics"
	"github.com/ragadmin/backend/internal/pipeline"
	"github.com/ragadmin/backend/internal/schema"
	"github.com/ragadmin/backend/internal/storage/models"
	"github.com/ragadmin/backend/internal/vector"
	"github.com/ragadmin/backend/pkg/logger"
	"github.com/ragadmin/backend/pkg/utils"
)

const (
	embeddingCacheTTL = 24 * time.Hour
	responseCacheTTL  = 10 * time.Minute

	pipelineWaitTimeout = 30 * time.Second
)

// MetricStore persists per-query records for dashboards.
type MetricStore interface {
	InsertQueryMetric(m *models.QueryMetricRecord) error
}

// Engine runs the full query path: triage, the pipeline gate, intent
// analysis, filtered retrieval, calculation and answer generation with the
// cached schema prompt.
type Engine struct {
	router      *Router
	analyzer    *Analyzer
	coordinator *pipeline.Coordinator
	store       vector.Store
	embedder    llm.Embedder
	generator   llm.Generator
	cache       *redis.Client
	calculator  *calc.Engine
	settings    *pipeline.RetrievalSettings
	metricStore MetricStore
}

type EngineOptions struct {
	Cache       *redis.Client
	Settings    *pipeline.RetrievalSettings
	MetricStore MetricStore
}

func NewEngine(
	router *Router,
	analyzer *Analyzer,
	coordinator *pipeline.Coordinator,
	store vector.Store,
	embedder llm.Embedder,
	generator llm.Generator,
	opts EngineOptions,
) *Engine {
	settings := opts.Settings
	if settings == nil {
		settings = &pipeline.RetrievalSettings{}
	}
	return &Engine{
		router:      router,
		analyzer:    analyzer,
		coordinator: coordinator,
		store:       store,
		embedder:    embedder,
		generator:   generator,
		cache:       opts.Cache,
		calculator:  calc.NewEngine(),
		settings:    settings,
		metricStore: opts.MetricStore,
	}
}

type QueryRequest struct {
	Query      string   `json:"query"`
	Namespaces []string `json:"namespaces"`
	SessionID  string   `json:"sessionId,omitempty"`
	// WaitForPipeline makes a blocked query wait for the in-flight schema
	// update instead of returning a wait message.
	WaitForPipeline bool `json:"waitForPipeline,omitempty"`
}

type Source struct {
	ID       string                 `json:"id"`
	Score    float32                `json:"score"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

type QueryResponse struct {
	Answer           string            `json:"answer"`
	Route            Route             `json:"route"`
	Intent           *QueryIntent      `json:"intent,omitempty"`
	Blocked          bool              `json:"blocked"`
	EstimatedWaitMs  int64             `json:"estimatedWaitMs,omitempty"`
	Sources          []Source          `json:"sources,omitempty"`
	Calculation      *calc.Result      `json:"calculation,omitempty"`
	FieldValues      map[string]string `json:"fieldValues,omitempty"`
	Confidence       float64           `json:"confidence"`
	Cached           bool              `json:"cached"`
	ProcessingTimeMs int64             `json:"processingTimeMs"`
}

const (
	noResultsAnswer = "문서에서 관련 내용을 찾지 못했어요. 기간이나 항목 이름을 바꿔서 다시 질문해 주세요."
	fallbackAnswer  = "등록된 문서와 관련된 질문만 답변드릴 수 있어요. 수수료, 실적, MDRT 현황 등을 물어봐 주세요."
)

func blockedAnswer(waitMs int64) string {
	seconds := (waitMs + 999) / 1000
	return fmt.Sprintf("데이터를 갱신하는 중이에요. 약 %d초 후에 다시 질문해 주세요.", seconds)
}

func (e *Engine) ProcessQuery(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	start := time.Now()
	stages := map[string]int64{}

	routeStart := time.Now()
	routed := e.router.Route(req.Query)
	stages["route"] = time.Since(routeStart).Milliseconds()
	metrics.QueryDuration.WithLabelValues("route").Observe(time.Since(routeStart).Seconds())

	switch routed.Route {
	case RouteInstant:
		resp := &QueryResponse{Answer: routed.Response, Route: routed.Route, Confidence: routed.Confidence}
		e.finish(req, resp, nil, start, stages, "instant")
		return resp, nil
	case RouteClarify:
		resp := &QueryResponse{Answer: routed.ClarifyQuestion, Route: routed.Route, Confidence: routed.Confidence}
		e.finish(req, resp, nil, start, stages, "clarify")
		return resp, nil
	case RouteFallback:
		resp := &QueryResponse{Answer: fallbackAnswer, Route: routed.Route, Confidence: routed.Confidence}
		e.finish(req, resp, nil, start, stages, "fallback")
		return resp, nil
	}

	understandStart := time.Now()
	intent, status := e.analyzer.AnalyzeQuery(req.Query, req.Namespaces)
	if status != nil && status.Blocked {
		if req.WaitForPipeline {
			for _, ns := range status.BlockedNamespaces {
				e.coordinator.WaitForUpdate(ns, pipelineWaitTimeout)
			}
			intent, status = e.analyzer.AnalyzeQuery(req.Query, req.Namespaces)
		}
		if status != nil && status.Blocked {
			resp := &QueryResponse{
				Answer:          blockedAnswer(status.EstimatedWaitMs),
				Route:           routed.Route,
				Blocked:         true,
				EstimatedWaitMs: status.EstimatedWaitMs,
			}
			e.finish(req, resp, nil, start, stages, "blocked")
			return resp, nil
		}
	}
	stages["understand"] = time.Since(understandStart).Milliseconds()
	metrics.QueryDuration.WithLabelValues("understand").Observe(time.Since(understandStart).Seconds())

	queryHash := utils.HashString(req.Query)
	cacheNS := cacheNamespace(req.Namespaces)
	if e.cache != nil {
		var cached QueryResponse
		if hit, err := e.cache.GetResponse(ctx, cacheNS, queryHash, &cached); err == nil && hit {
			cached.Cached = true
			cached.ProcessingTimeMs = time.Since(start).Milliseconds()
			e.finish(req, &cached, intent, start, stages, "cached")
			return &cached, nil
		}
	}

	retrieveStart := time.Now()
	matches, err := e.retrieve(ctx, req, intent)
	if err != nil {
		e.recordMetric(req, nil, intent, start, stages)
		metrics.QueryTotal.WithLabelValues(string(routed.Route), "error").Inc()
		return nil, fmt.Errorf("retrieval failed: %w", err)
	}
	stages["retrieve"] = time.Since(retrieveStart).Milliseconds()
	metrics.QueryDuration.WithLabelValues("retrieve").Observe(time.Since(retrieveStart).Seconds())

	if len(matches) == 0 {
		resp := &QueryResponse{
			Answer:     noResultsAnswer,
			Route:      routed.Route,
			Intent:     intent,
			Confidence: 0.3,
		}
		e.finish(req, resp, intent, start, stages, "no_results")
		return resp, nil
	}

	fieldValues, numericFields := resolveFields(intent, matches)

	var calcResult *calc.Result
	if intent.Calculation != nil {
		calcStart := time.Now()
		calcResult, err = e.calculator.Evaluate(intent.Calculation.Type, numericFields, intent.Calculation.Params)
		if err != nil {
			// Missing inputs degrade to a plain generated answer; the
			// error is surfaced to the model as context.
			logger.Debug("Calculation skipped",
				zap.String("type", intent.Calculation.Type),
				zap.Error(err),
			)
			calcResult = nil
		}
		stages["calculate"] = time.Since(calcStart).Milliseconds()
	}

	generateStart := time.Now()
	answer, err := e.generate(ctx, req.Query, intent, matches, calcResult)
	if err != nil {
		e.recordMetric(req, nil, intent, start, stages)
		metrics.QueryTotal.WithLabelValues(string(routed.Route), "error").Inc()
		return nil, fmt.Errorf("generation failed: %w", err)
	}
	stages["generate"] = time.Since(generateStart).Milliseconds()
	metrics.QueryDuration.WithLabelValues("generate").Observe(time.Since(generateStart).Seconds())

	resp := &QueryResponse{
		Answer:      answer,
		Route:       routed.Route,
		Intent:      intent,
		Sources:     toSources(matches),
		Calculation: calcResult,
		FieldValues: fieldValues,
		Confidence:  responseConfidence(intent, matches),
	}

	if e.cache != nil {
		if err := e.cache.SetResponse(ctx, cacheNS, queryHash, resp, responseCacheTTL); err != nil {
			logger.Debug("Response cache write failed", zap.Error(err))
		}
	}

	e.finish(req, resp, intent, start, stages, "success")
	return resp, nil
}

func (e *Engine) retrieve(ctx context.Context, req QueryRequest, intent *QueryIntent) ([]vector.Match, error) {
	filters := map[string]string{}
	if intent.Filters.Period != "" {
		filters["period"] = intent.Filters.Period
	} else if intent.Filters.Year != "" && e.settings.StrictFilters() {
		filters["year"] = intent.Filters.Year
	}
	for k, v := range intent.Filters.Custom {
		filters[k] = v
	}

	// Direct lookups with concrete filters skip the embedding round trip;
	// the metadata filter alone identifies the rows. A nil embedding makes
	// the store run a filter-only scan.
	var embedding []float32
	var err error
	if intent.SemanticSearch.Enabled || len(filters) == 0 {
		embedding, err = e.embedQuery(ctx, req.Query)
		if err != nil {
			return nil, err
		}
	}

	topK := intent.SemanticSearch.TopK
	if topK <= 0 {
		topK = 8
	}
	topK += e.settings.TopKBoost()

	var all []vector.Match
	for _, ns := range req.Namespaces {
		matches, qerr := e.store.Query(ctx, ns, embedding, vector.QueryParams{
			TopK:            topK,
			Filters:         filters,
			IncludeMetadata: true,
		})
		if qerr != nil {
			return nil, qerr
		}
		all = append(all, matches...)
	}

	// Strict filters came from the optimizer after wrong-period answers;
	// when they return nothing the period filter is dropped, not the query.
	if len(all) == 0 && len(filters) > 0 && !e.settings.StrictFilters() {
		if embedding == nil {
			embedding, err = e.embedQuery(ctx, req.Query)
			if err != nil {
				return nil, err
			}
		}
		for _, ns := range req.Namespaces {
			matches, qerr := e.store.Query(ctx, ns, embedding, vector.QueryParams{
				TopK:            topK,
				IncludeMetadata: true,
			})
			if qerr != nil {
				return nil, qerr
			}
			all = append(all, matches...)
		}
	}

	return all, nil
}

func (e *Engine) embedQuery(ctx context.Context, query string) ([]float32, error) {
	hash := utils.HashString(query)

	if e.cache != nil {
		if embedding, hit, err := e.cache.GetEmbedding(ctx, hash); err == nil && hit {
			return embedding, nil
		}
	}

	embedding, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	if e.cache != nil {
		if err := e.cache.SetEmbedding(ctx, hash, embedding, embeddingCacheTTL); err != nil {
			logger.Debug("Embedding cache write failed", zap.Error(err))
		}
	}
	return embedding, nil
}

// resolveFields pulls the intent's fields out of match metadata, keeping
// both display strings and numeric values for calculation.
func resolveFields(intent *QueryIntent, matches []vector.Match) (map[string]string, map[string]float64) {
	display := map[string]string{}
	numeric := map[string]float64{}

	for _, field := range intent.Fields {
		for _, match := range matches {
			raw, ok := match.Metadata[field]
			if !ok {
				continue
			}
			value := schema.FromRaw(raw)
			if value.IsNull() {
				continue
			}
			if _, seen := display[field]; !seen {
				display[field] = value.String()
			}
			if n, isNum := value.AsNumber(); isNum {
				if _, seen := numeric[field]; !seen {
					numeric[field] = n
				}
				// period_diff reads values per period under field@period.
				if p, pok := match.Metadata["period"]; pok {
					key := field + "@" + schema.FromRaw(p).String()
					if _, seen := numeric[key]; !seen {
						numeric[key] = n
					}
				}
			}
			break
		}
	}

	if len(display) == 0 {
		display = nil
	}
	return display, numeric
}

func (e *Engine) generate(ctx context.Context, query string, intent *QueryIntent, matches []vector.Match, calcResult *calc.Result) (string, error) {
	var sb strings.Builder

	sb.WriteString("관련 문서 내용:\n")
	for i, match := range matches {
		if i >= 10 {
			break
		}
		sb.WriteString(fmt.Sprintf("- %s\n", formatMetadata(match.Metadata)))
	}

	if calcResult != nil {
		sb.WriteString(fmt.Sprintf("\n계산 결과: %.0f\n", calcResult.Value))
		for name, v := range calcResult.Breakdown {
			sb.WriteString(fmt.Sprintf("  %s: %.0f\n", name, v))
		}
	}

	sb.WriteString("\n질문: ")
	sb.WriteString(query)

	return e.generator.Generate(ctx, e.coordinator.Prompt(), sb.String(), llm.GenerateOptions{})
}

func formatMetadata(metadata map[string]interface{}) string {
	if text, ok := metadata["text"].(string); ok && text != "" {
		return text
	}

	var parts []string
	for k, raw := range metadata {
		value := schema.FromRaw(raw)
		if value.IsNull() {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%s", k, value.String()))
	}
	return strings.Join(parts, ", ")
}

func responseConfidence(intent *QueryIntent, matches []vector.Match) float64 {
	confidence := intent.Confidence
	if len(matches) >= 3 {
		confidence += 0.05
	}
	if confidence > 0.99 {
		confidence = 0.99
	}
	return confidence
}

func toSources(matches []vector.Match) []Source {
	sources := make([]Source, 0, len(matches))
	for _, match := range matches {
		sources = append(sources, Source{ID: match.ID, Score: match.Score, Metadata: match.Metadata})
	}
	return sources
}

func cacheNamespace(namespaces []string) string {
	if len(namespaces) == 0 {
		return "default"
	}
	return strings.Join(namespaces, ",")
}

func (e *Engine) finish(req QueryRequest, resp *QueryResponse, intent *QueryIntent, start time.Time, stages map[string]int64, status string) {
	if resp.ProcessingTimeMs == 0 {
		resp.ProcessingTimeMs = time.Since(start).Milliseconds()
	}
	metrics.QueryTotal.WithLabelValues(string(resp.Route), status).Inc()
	e.recordMetric(req, resp, intent, start, stages)
}

func (e *Engine) recordMetric(req QueryRequest, resp *QueryResponse, intent *QueryIntent, start time.Time, stages map[string]int64) {
	if e.metricStore == nil {
		return
	}

	record := &models.QueryMetricRecord{
		ID:        uuid.New().String(),
		Namespace: cacheNamespace(req.Namespaces),
		QueryText: req.Query,
		LatencyMS: int(time.Since(start).Milliseconds()),
		CreatedAt: time.Now(),
	}
	if resp != nil {
		record.Route = string(resp.Route)
		record.Blocked = resp.Blocked
		record.Confidence = resp.Confidence
	}
	if intent != nil {
		record.Intent = string(intent.Intent)
	}
	record.StagesJSON = marshalStages(stages)

	if err := e.metricStore.InsertQueryMetric(record); err != nil {
		logger.Debug("Query metric persist failed", zap.Error(err))
	}
}

func marshalStages(stages map[string]int64) string {
	if len(stages) == 0 {
		return "{}"
	}
	var sb strings.Builder
	sb.WriteString("{")
	first := true
	for name, ms := range stages {
		if !first {
			sb.WriteString(",")
		}
		first = false
		sb.WriteString(fmt.Sprintf("%q:%d", name, ms))
	}
	sb.WriteString("}")
	return sb.String()
}

// Execute adapts the engine to the accuracy tester: the answer plus the
// resolved field values become the execution under test.
func (e *Engine) Execute(ctx context.Context, query string, target map[string]string) (*accuracy.Execution, error) {
	namespaces := e.coordinator.Namespaces()
	if ns, ok := target["namespace"]; ok && ns != "" {
		namespaces = []string{ns}
	}

	resp, err := e.ProcessQuery(ctx, QueryRequest{
		Query:           query,
		Namespaces:      namespaces,
		WaitForPipeline: true,
	})
	if err != nil {
		return nil, err
	}
	if resp.Blocked {
		return nil, fmt.Errorf("pipeline still blocked after wait")
	}

	return &accuracy.Execution{Answer: resp.Answer, Fields: resp.FieldValues}, nil
}

var _ accuracy.RagQueryExecutor = (*Engine)(nil)
