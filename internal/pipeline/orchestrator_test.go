package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ragadmin/backend/internal/accuracy"
	"github.com/ragadmin/backend/internal/groundtruth"
	"github.com/ragadmin/backend/internal/storage/models"
)

type memoryRunStore struct {
	mu            sync.Mutex
	runs          map[string]*models.PipelineRun
	groundTruth   []*models.GroundTruthRecord
	tests         []*models.AccuracyTest
	results       []*models.AccuracyResult
	actions       []*models.OptimizationAction
	accuracyAfter map[string]float64
	statuses      []string
}

func newMemoryRunStore() *memoryRunStore {
	return &memoryRunStore{
		runs:          map[string]*models.PipelineRun{},
		accuracyAfter: map[string]float64{},
	}
}

func (s *memoryRunStore) InsertPipelineRun(r *models.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *r
	s.runs[r.ID] = &copied
	s.statuses = append(s.statuses, r.Status)
	return nil
}

func (s *memoryRunStore) UpdatePipelineRun(r *models.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *r
	s.runs[r.ID] = &copied
	s.statuses = append(s.statuses, r.Status)
	return nil
}

func (s *memoryRunStore) InsertGroundTruth(r *models.GroundTruthRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groundTruth = append(s.groundTruth, r)
	return nil
}

func (s *memoryRunStore) InsertAccuracyTest(t *models.AccuracyTest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tests = append(s.tests, t)
	return nil
}

func (s *memoryRunStore) InsertAccuracyResult(r *models.AccuracyResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
	return nil
}

func (s *memoryRunStore) InsertOptimizationAction(a *models.OptimizationAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions = append(s.actions, a)
	return nil
}

func (s *memoryRunStore) UpdateActionAccuracyAfter(actionID string, accuracyAfter float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accuracyAfter[actionID] = accuracyAfter
	return nil
}

// stubExecutor returns the same field map for every query until an applied
// optimization swaps it out.
type stubExecutor struct {
	mu     sync.Mutex
	fields map[string]string
}

func (e *stubExecutor) Execute(ctx context.Context, query string, target map[string]string) (*accuracy.Execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return &accuracy.Execution{
		Answer: "조회된 값입니다.",
		Fields: e.fields,
	}, nil
}

func (e *stubExecutor) setFields(fields map[string]string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fields = fields
}

// swapApplier swaps the executor's field map on apply and restores the old
// one on rollback.
type swapApplier struct {
	executor *stubExecutor
	onApply  map[string]string
	applied  int
	rolled   int
}

func (a *swapApplier) Apply(ctx context.Context, action *accuracy.Action) (string, error) {
	a.applied++
	a.executor.setFields(a.onApply)
	return "previous", nil
}

func (a *swapApplier) Rollback(ctx context.Context, action *accuracy.Action) error {
	a.rolled++
	a.executor.setFields(map[string]string{"totalCommission": "1000000"})
	return nil
}

func commissionTests() []accuracy.Test {
	return []accuracy.Test{{
		ID:             "t1",
		Query:          "직원 EMP001의 총 수수료는 얼마인가요?",
		Category:       "commission",
		TargetEntity:   map[string]string{"entityId": "EMP001", "namespace": "ns_sales"},
		ExpectedFields: []string{"totalCommission"},
		ExpectedValues: map[string]accuracy.ExpectedValue{
			"totalCommission": {Value: "1,000,000", Number: 1000000, IsNumeric: true, Type: "number"},
		},
	}}
}

func newTestOrchestrator(t *testing.T, executor accuracy.RagQueryExecutor, applier accuracy.ActionApplier, store RunStore, cfg OrchestratorConfig) (*Orchestrator, *Coordinator) {
	t.Helper()

	disc := &fakeDiscoverer{schema: testSchema("ns_sales")}
	// Real clock with a tiny debounce keeps discovery waits short.
	coordinator := NewCoordinator(disc, CoordinatorOptions{
		Debounce:    time.Millisecond,
		SettleDelay: time.Millisecond,
	})

	// The optimizer shares the orchestrator's dry-run flag, as in cmd/api.
	orch := NewOrchestrator(
		coordinator,
		groundtruth.NewExtractor(0.5, true),
		accuracy.NewTester(executor),
		accuracy.NewOptimizer(applier, accuracy.OptimizerConfig{DryRun: cfg.DryRun}),
		store,
		cfg,
	)
	return orch, coordinator
}

func TestRunReachesTargetAfterOptimization(t *testing.T) {
	executor := &stubExecutor{fields: map[string]string{"totalCommission": "2000000"}}
	applier := &swapApplier{
		executor: executor,
		onApply:  map[string]string{"totalCommission": "1000000"},
	}
	store := newMemoryRunStore()
	orch, _ := newTestOrchestrator(t, executor, applier, store, OrchestratorConfig{
		MaxIterations:  3,
		TargetAccuracy: 0.95,
	})

	report, err := orch.Run(context.Background(), RunOptions{
		Namespaces: []string{"ns_sales"},
		Tests:      commissionTests(),
	})
	require.NoError(t, err)

	require.Equal(t, RunStatusCompleted, report.Status)
	require.True(t, report.TargetReached)
	require.Equal(t, 2, report.Iterations)
	require.Equal(t, []float64{0, 1}, report.AccuracyHistory)
	require.Equal(t, 1.0, report.FinalAccuracy)
	require.NotEmpty(t, report.Actions)
	require.GreaterOrEqual(t, applier.applied, 1)

	stored := store.runs[report.ID]
	require.NotNil(t, stored)
	require.Equal(t, RunStatusCompleted, stored.Status)
	require.NotNil(t, stored.CompletedAt)
	require.Equal(t, "[0,1]", stored.AccuracyJSON)

	require.NotEmpty(t, store.tests)
	require.NotEmpty(t, store.results)
	require.NotEmpty(t, store.actions)

	// The second iteration's suite closes out the first iteration's actions.
	for _, action := range report.Actions {
		got, ok := store.accuracyAfter[action.ID]
		require.True(t, ok, "action %s missing accuracyAfter", action.ID)
		require.Equal(t, 1.0, got)
	}
}

func TestRunRollsBackWhenAccuracyWorsens(t *testing.T) {
	// Starts passing one of two fields; the "optimization" wipes both.
	executor := &stubExecutor{fields: map[string]string{"totalCommission": "1000000"}}
	applier := &swapApplier{
		executor: executor,
		onApply:  map[string]string{},
	}

	tests := commissionTests()
	tests[0].ExpectedFields = append(tests[0].ExpectedFields, "fycAmount")
	tests[0].ExpectedValues["fycAmount"] = accuracy.ExpectedValue{
		Value: "500,000", Number: 500000, IsNumeric: true, Type: "number",
	}

	store := newMemoryRunStore()
	orch, _ := newTestOrchestrator(t, executor, applier, store, OrchestratorConfig{
		MaxIterations:  3,
		TargetAccuracy: 0.95,
	})

	report, err := orch.Run(context.Background(), RunOptions{
		Namespaces: []string{"ns_sales"},
		Tests:      tests,
	})
	require.NoError(t, err)

	require.Equal(t, RunStatusCompleted, report.Status)
	require.False(t, report.TargetReached)
	require.GreaterOrEqual(t, applier.rolled, 1)

	// Iteration 2 dropped below iteration 1 and was unwound.
	require.Len(t, report.AccuracyHistory, 3)
	require.InDelta(t, 0.5, report.AccuracyHistory[0], 1e-9)
	require.Less(t, report.AccuracyHistory[1], report.AccuracyHistory[0])

	var rolledBack int
	for _, action := range report.Actions {
		if action.RolledBack {
			rolledBack++
		}
	}
	require.GreaterOrEqual(t, rolledBack, 1)

	// The regressed suite's accuracy is still recorded against the actions
	// that caused it.
	for _, action := range report.Actions {
		require.Contains(t, store.accuracyAfter, action.ID)
		require.Less(t, store.accuracyAfter[action.ID], report.AccuracyHistory[0])
	}
}

func TestRunDryRunAppliesNothing(t *testing.T) {
	executor := &stubExecutor{fields: map[string]string{"totalCommission": "2000000"}}
	applier := &swapApplier{
		executor: executor,
		onApply:  map[string]string{"totalCommission": "1000000"},
	}
	store := newMemoryRunStore()
	orch, _ := newTestOrchestrator(t, executor, applier, store, OrchestratorConfig{
		MaxIterations:  2,
		TargetAccuracy: 0.95,
		DryRun:         true,
	})

	report, err := orch.Run(context.Background(), RunOptions{
		Namespaces: []string{"ns_sales"},
		Tests:      commissionTests(),
	})
	require.NoError(t, err)

	require.Equal(t, RunStatusCompleted, report.Status)
	require.Zero(t, applier.applied)
	require.Zero(t, applier.rolled)
	for _, action := range report.Actions {
		require.Contains(t, action.Description, "[dry-run]")
	}
	require.True(t, store.runs[report.ID].DryRun)
}

func TestRunGeneratesTestsFromSourceRows(t *testing.T) {
	executor := &stubExecutor{fields: map[string]string{}}
	store := newMemoryRunStore()
	orch, _ := newTestOrchestrator(t, executor, &swapApplier{executor: executor}, store, OrchestratorConfig{
		MaxIterations:  1,
		TargetAccuracy: 0.95,
	})

	report, err := orch.Run(context.Background(), RunOptions{
		Namespaces: []string{"ns_sales"},
		SourceRows: []groundtruth.SourceRow{
			{Sheet: "수수료", Index: 1, Cells: map[string]interface{}{
				"사번":     "EMP001",
				"마감년월":   "2025-11",
				"수수료합계":  1000000.0,
				"FYC금액": 500000.0,
			}},
		},
		ExtractConfig: groundtruth.ExtractConfig{
			KeyColumn:    "사번",
			PeriodColumn: "마감년월",
			SkipNullKeys: true,
			SourceDocID:  "doc-1",
		},
	})
	require.NoError(t, err)

	require.Equal(t, RunStatusCompleted, report.Status)
	require.NotEmpty(t, store.groundTruth)
	require.Equal(t, "EMP001", store.groundTruth[0].EmployeeID)
	require.Equal(t, "202511", store.groundTruth[0].Period)
	require.NotEmpty(t, store.tests)
	require.NotEmpty(t, report.AccuracyHistory)
}

func TestRunRejectsConcurrentRuns(t *testing.T) {
	executor := &stubExecutor{fields: map[string]string{"totalCommission": "1000000"}}
	store := newMemoryRunStore()
	orch, _ := newTestOrchestrator(t, executor, &swapApplier{executor: executor}, store, OrchestratorConfig{
		MaxIterations: 1,
	})

	orch.mu.Lock()
	orch.running = true
	orch.mu.Unlock()

	_, err := orch.Run(context.Background(), RunOptions{
		Namespaces: []string{"ns_sales"},
		Tests:      commissionTests(),
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "already in progress")
}

func TestRunFailsWithoutTests(t *testing.T) {
	executor := &stubExecutor{}
	store := newMemoryRunStore()
	orch, _ := newTestOrchestrator(t, executor, &swapApplier{executor: executor}, store, OrchestratorConfig{})

	report, err := orch.Run(context.Background(), RunOptions{Namespaces: []string{"ns_sales"}})
	require.Error(t, err)
	require.Equal(t, RunStatusFailed, report.Status)
	require.NotEmpty(t, report.Error)
	require.Equal(t, RunStatusFailed, store.runs[report.ID].Status)
}
