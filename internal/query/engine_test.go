package query

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/ragadmin/backend/internal/calc"
	"github.com/ragadmin/backend/internal/llm"
	"github.com/ragadmin/backend/internal/pipeline"
	"github.com/ragadmin/backend/internal/schema"
	"github.com/ragadmin/backend/internal/vector"
)

type stubVectorStore struct {
	matches   map[string][]vector.Match
	lastQuery vector.QueryParams
	queries   int
}

func (s *stubVectorStore) Upsert(ctx context.Context, namespace string, vectors []vector.Vector) error {
	return nil
}

func (s *stubVectorStore) Query(ctx context.Context, namespace string, embedding []float32, params vector.QueryParams) ([]vector.Match, error) {
	s.queries++
	s.lastQuery = params
	if len(params.Filters) > 0 {
		var filtered []vector.Match
		for _, m := range s.matches[namespace] {
			ok := true
			for k, v := range params.Filters {
				if schema.FromRaw(m.Metadata[k]).String() != v {
					ok = false
					break
				}
			}
			if ok {
				filtered = append(filtered, m)
			}
		}
		return filtered, nil
	}
	return s.matches[namespace], nil
}

func (s *stubVectorStore) NamespaceStats(ctx context.Context, namespace string) (vector.Stats, error) {
	return vector.Stats{VectorCount: int64(len(s.matches[namespace]))}, nil
}

func (s *stubVectorStore) DeleteNamespace(ctx context.Context, namespace string) error {
	delete(s.matches, namespace)
	return nil
}

type stubLLM struct {
	embeds int
}

func (s *stubLLM) Embed(ctx context.Context, text string) ([]float32, error) {
	s.embeds++
	return []float32{0.1, 0.2, 0.3}, nil
}

func (s *stubLLM) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

type recordingGenerator struct {
	answer     string
	lastSystem string
	lastUser   string
	calls      int
}

func (g *recordingGenerator) Generate(ctx context.Context, systemPrompt, userPrompt string, opts llm.GenerateOptions) (string, error) {
	g.calls++
	g.lastSystem = systemPrompt
	g.lastUser = userPrompt
	return g.answer, nil
}

func newTestEngine(t *testing.T, store *stubVectorStore, generator *recordingGenerator) (*Engine, *pipeline.Coordinator) {
	t.Helper()

	coordinator := pipeline.NewCoordinator(nil, pipeline.CoordinatorOptions{})
	coordinator.RestoreSchemas(map[string]*schema.DynamicSchema{
		"ns_sales": compensationSchema(),
	})

	clock := clockwork.NewFakeClockAt(time.Date(2025, 11, 15, 9, 0, 0, 0, time.UTC))
	analyzer := NewAnalyzer(coordinator, clock)

	engine := NewEngine(NewRouter(), analyzer, coordinator, store, &stubLLM{}, generator, EngineOptions{})
	return engine, coordinator
}

func salesMatches() []vector.Match {
	return []vector.Match{
		{
			ID:    "doc1_row_0",
			Score: 0.92,
			Metadata: map[string]interface{}{
				"employeeId":      "EMP001",
				"period":          "202511",
				"totalCommission": 1000000.0,
				"fycAmount":       26000000.0,
				"text":            "EMP001 2025년 11월 수수료 1,000,000원",
			},
		},
		{
			ID:    "doc1_row_1",
			Score: 0.88,
			Metadata: map[string]interface{}{
				"employeeId":      "EMP001",
				"period":          "202510",
				"totalCommission": 900000.0,
			},
		},
	}
}

func TestProcessQueryInstantSkipsRetrieval(t *testing.T) {
	store := &stubVectorStore{}
	gen := &recordingGenerator{answer: "unused"}
	engine, _ := newTestEngine(t, store, gen)

	resp, err := engine.ProcessQuery(context.Background(), QueryRequest{
		Query:      "안녕하세요",
		Namespaces: []string{"ns_sales"},
	})
	require.NoError(t, err)

	require.Equal(t, RouteInstant, resp.Route)
	require.NotEmpty(t, resp.Answer)
	require.Zero(t, store.queries)
	require.Zero(t, gen.calls)
}

func TestProcessQueryDirectLookup(t *testing.T) {
	store := &stubVectorStore{matches: map[string][]vector.Match{"ns_sales": salesMatches()}}
	gen := &recordingGenerator{answer: "2025년 11월 수수료는 1,000,000원입니다."}
	engine, _ := newTestEngine(t, store, gen)

	resp, err := engine.ProcessQuery(context.Background(), QueryRequest{
		Query:      "11월 수수료 얼마야?",
		Namespaces: []string{"ns_sales"},
	})
	require.NoError(t, err)

	require.Equal(t, RouteRAG, resp.Route)
	require.Equal(t, IntentDirectLookup, resp.Intent.Intent)
	require.Equal(t, "1000000", resp.FieldValues["totalCommission"])
	require.Len(t, resp.Sources, 1)
	require.Equal(t, "202511", store.lastQuery.Filters["period"])
	require.Contains(t, gen.lastUser, "관련 문서 내용")
	require.Contains(t, gen.lastUser, "11월 수수료 얼마야?")
}

func TestDirectLookupSkipsEmbedding(t *testing.T) {
	store := &stubVectorStore{matches: map[string][]vector.Match{"ns_sales": salesMatches()}}
	gen := &recordingGenerator{answer: "1,000,000원입니다."}

	coordinator := pipeline.NewCoordinator(nil, pipeline.CoordinatorOptions{})
	coordinator.RestoreSchemas(map[string]*schema.DynamicSchema{
		"ns_sales": compensationSchema(),
	})
	clock := clockwork.NewFakeClockAt(time.Date(2025, 11, 15, 9, 0, 0, 0, time.UTC))
	embedder := &stubLLM{}
	engine := NewEngine(NewRouter(), NewAnalyzer(coordinator, clock), coordinator, store, embedder, gen, EngineOptions{})

	// The period filter alone identifies the rows; no semantic ranking.
	resp, err := engine.ProcessQuery(context.Background(), QueryRequest{
		Query:      "11월 수수료 얼마야?",
		Namespaces: []string{"ns_sales"},
	})
	require.NoError(t, err)
	require.Equal(t, IntentDirectLookup, resp.Intent.Intent)
	require.False(t, resp.Intent.SemanticSearch.Enabled)
	require.Len(t, resp.Sources, 1)
	require.Zero(t, embedder.embeds)

	// An aggregation needs semantic recall, so it embeds.
	resp, err = engine.ProcessQuery(context.Background(), QueryRequest{
		Query:      "이번달 수수료 평균 알려줘",
		Namespaces: []string{"ns_sales"},
	})
	require.NoError(t, err)
	require.Equal(t, IntentAggregation, resp.Intent.Intent)
	require.Equal(t, 1, embedder.embeds)
}

func TestProcessQueryNoResults(t *testing.T) {
	store := &stubVectorStore{matches: map[string][]vector.Match{}}
	gen := &recordingGenerator{}
	engine, _ := newTestEngine(t, store, gen)

	resp, err := engine.ProcessQuery(context.Background(), QueryRequest{
		Query:      "3월 수수료 알려줘",
		Namespaces: []string{"ns_sales"},
	})
	require.NoError(t, err)

	require.Equal(t, noResultsAnswer, resp.Answer)
	require.Zero(t, gen.calls)
	// One filtered pass plus one unfiltered fallback pass.
	require.Equal(t, 2, store.queries)
}

func TestProcessQueryUnfilteredFallback(t *testing.T) {
	// Data only has 202511 but the query asks for March; the period filter
	// finds nothing and retrieval retries without it.
	store := &stubVectorStore{matches: map[string][]vector.Match{"ns_sales": salesMatches()}}
	gen := &recordingGenerator{answer: "3월 데이터가 없어 최근 데이터를 보여드려요."}
	engine, _ := newTestEngine(t, store, gen)

	resp, err := engine.ProcessQuery(context.Background(), QueryRequest{
		Query:      "3월 수수료 보여줘",
		Namespaces: []string{"ns_sales"},
	})
	require.NoError(t, err)

	require.Len(t, resp.Sources, 2)
	require.Equal(t, 2, store.queries)
}

func TestProcessQueryStrictFiltersDisableFallback(t *testing.T) {
	store := &stubVectorStore{matches: map[string][]vector.Match{"ns_sales": salesMatches()}}
	gen := &recordingGenerator{}
	engine, _ := newTestEngine(t, store, gen)
	engine.settings.SetStrictFilters(true)

	resp, err := engine.ProcessQuery(context.Background(), QueryRequest{
		Query:      "3월 수수료 보여줘",
		Namespaces: []string{"ns_sales"},
	})
	require.NoError(t, err)

	require.Equal(t, noResultsAnswer, resp.Answer)
	require.Equal(t, 1, store.queries)
}

func TestProcessQueryCalculationPath(t *testing.T) {
	store := &stubVectorStore{matches: map[string][]vector.Match{"ns_sales": salesMatches()}}
	gen := &recordingGenerator{answer: "MDRT까지 14,000,000원 남았습니다."}
	engine, _ := newTestEngine(t, store, gen)

	resp, err := engine.ProcessQuery(context.Background(), QueryRequest{
		Query:      "2025년 11월 기준 MDRT까지 얼마 남았어?",
		Namespaces: []string{"ns_sales"},
	})
	require.NoError(t, err)

	require.Equal(t, IntentCalculation, resp.Intent.Intent)
	require.Equal(t, calc.TypeMDRTGap, resp.Intent.Calculation.Type)
	require.NotNil(t, resp.Calculation)
	require.InDelta(t, 53000000, resp.Calculation.Value, 0.01)
	require.InDelta(t, 54000000, resp.Calculation.Breakdown["threshold"], 0.01)
	require.Contains(t, gen.lastUser, "계산 결과")
}

func TestProcessQueryBlockedMessage(t *testing.T) {
	store := &stubVectorStore{}
	gen := &recordingGenerator{}
	engine, coordinator := newTestEngine(t, store, gen)
	coordinator.SetGlobalLock(true)

	resp, err := engine.ProcessQuery(context.Background(), QueryRequest{
		Query:      "11월 수수료 얼마야?",
		Namespaces: []string{"ns_sales"},
	})
	require.NoError(t, err)

	require.True(t, resp.Blocked)
	require.Equal(t, int64(60000), resp.EstimatedWaitMs)
	require.Contains(t, resp.Answer, "약 60초 후에")
	require.Zero(t, store.queries)
}

func TestExecuteAdaptsToAccuracyTester(t *testing.T) {
	store := &stubVectorStore{matches: map[string][]vector.Match{"ns_sales": salesMatches()}}
	gen := &recordingGenerator{answer: "수수료는 1,000,000원입니다."}
	engine, _ := newTestEngine(t, store, gen)

	execution, err := engine.Execute(context.Background(), "11월 수수료 얼마야?", map[string]string{
		"entityId":  "EMP001",
		"namespace": "ns_sales",
	})
	require.NoError(t, err)

	require.Equal(t, "수수료는 1,000,000원입니다.", execution.Answer)
	require.Equal(t, "1000000", execution.Fields["totalCommission"])
}

func TestResolveFieldsPeriodKeys(t *testing.T) {
	intent := &QueryIntent{Fields: []string{"totalCommission"}}

	display, numeric := resolveFields(intent, salesMatches())
	require.Equal(t, "1000000", display["totalCommission"])
	require.InDelta(t, 1000000, numeric["totalCommission"], 0.01)
	require.InDelta(t, 1000000, numeric["totalCommission@202511"], 0.01)

	// Only the first match per field feeds the plain key; per-period keys
	// still come from that same match.
	_, hasOld := numeric["totalCommission@202510"]
	require.False(t, hasOld)
}

func TestBlockedAnswerRoundsUp(t *testing.T) {
	require.True(t, strings.Contains(blockedAnswer(5001), "약 6초"))
	require.True(t, strings.Contains(blockedAnswer(5000), "약 5초"))
}
