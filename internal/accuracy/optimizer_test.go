package accuracy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func suiteWith(results ...Result) *SuiteResult {
	return &SuiteResult{SchemaID: "run-1", Results: results}
}

func TestAnalyzeFailuresBuckets(t *testing.T) {
	suite := suiteWith(
		Result{Status: StatusFailed, Discrepancies: []Discrepancy{
			{Field: "totalCommission", Type: DiscrepancyMissing},
			{Field: "fycAmount", Type: DiscrepancyMissing},
		}},
		Result{Status: StatusFailed, Discrepancies: []Discrepancy{
			{Field: "totalCommission", Type: DiscrepancyMissing},
			{Field: "period", Type: DiscrepancyWrongValue},
		}},
		// Error-status results say nothing about schema quality and are
		// bucketed as execution problems only.
		Result{Status: StatusError, Error: "timeout"},
	)

	patterns := AnalyzeFailures(suite)
	require.Len(t, patterns, 3)

	require.Equal(t, PatternMissingField, patterns[0].Type)
	require.Equal(t, 3, patterns[0].Count)
	require.ElementsMatch(t, []string{"totalCommission", "fycAmount"}, patterns[0].Fields)

	// Count ties break on type name.
	require.Equal(t, PatternFilterMismatch, patterns[1].Type)
	require.Equal(t, 1, patterns[1].Count)
	require.Equal(t, PatternParsingError, patterns[2].Type)
}

func TestAnalyzeFailuresIgnoresAllowedDiscrepancies(t *testing.T) {
	suite := suiteWith(
		Result{Status: StatusPassed, Discrepancies: []Discrepancy{
			{Field: "totalCommission", Type: DiscrepancyWithinTolerance},
		}},
	)
	require.Empty(t, AnalyzeFailures(suite))
}

func TestProposeActionsRankedAndCapped(t *testing.T) {
	opt := NewOptimizer(nil, OptimizerConfig{})

	patterns := []FailurePattern{
		{Type: PatternMissingField, Count: 6, Fields: []string{"fycAmount"}},
		{Type: PatternFilterMismatch, Count: 3},
		{Type: PatternParsingError, Count: 1},
		{Type: PatternLowRelevance, Count: 1},
	}

	actions := opt.ProposeActions(patterns, 10)
	require.Len(t, actions, 3)

	// schema_refresh at weight 0.6 scores 0.71, filter_adjust at 0.3
	// scores 0.62, prompt_rebuild at 0.1 scores 0.33; embedding_refresh
	// falls off the cap.
	require.Equal(t, ActionSchemaRefresh, actions[0].Type)
	require.InDelta(t, 0.71, actions[0].Confidence, 1e-9)
	require.Equal(t, "fycAmount", actions[0].Target)

	require.Equal(t, ActionFilterAdjust, actions[1].Type)
	require.InDelta(t, 0.62, actions[1].Confidence, 1e-9)

	require.Equal(t, ActionPromptRebuild, actions[2].Type)

	for _, a := range actions {
		require.NotEmpty(t, a.ID)
		require.True(t, a.CanRollback)
	}
}

func TestProposeActionsEmbeddingRefreshNotRollbackable(t *testing.T) {
	opt := NewOptimizer(nil, OptimizerConfig{})

	actions := opt.ProposeActions([]FailurePattern{{Type: PatternLowRelevance, Count: 2}}, 2)
	require.Len(t, actions, 1)
	require.Equal(t, ActionEmbeddingRefresh, actions[0].Type)
	require.False(t, actions[0].CanRollback)
}

type fakeApplier struct {
	applied    []ActionType
	rolledBack []ActionType
	failOn     ActionType
}

func (f *fakeApplier) Apply(ctx context.Context, action *Action) (string, error) {
	if action.Type == f.failOn {
		return "", errors.New("apply refused")
	}
	f.applied = append(f.applied, action.Type)
	return "snapshot:" + string(action.Type), nil
}

func (f *fakeApplier) Rollback(ctx context.Context, action *Action) error {
	f.rolledBack = append(f.rolledBack, action.Type)
	return nil
}

func TestApplyActions(t *testing.T) {
	applier := &fakeApplier{failOn: ActionFilterAdjust}
	opt := NewOptimizer(applier, OptimizerConfig{})

	applied := opt.ApplyActions(context.Background(), []Action{
		{ID: "a1", Type: ActionSchemaRefresh, CanRollback: true},
		{ID: "a2", Type: ActionFilterAdjust, CanRollback: true},
	})

	require.True(t, applied[0].Success)
	require.Equal(t, "snapshot:schema_refresh", applied[0].PreviousState)
	require.False(t, applied[0].AppliedAt.IsZero())

	require.True(t, applied[1].Applied)
	require.False(t, applied[1].Success)
	require.Contains(t, applied[1].Error, "apply refused")
}

func TestApplyActionsDryRun(t *testing.T) {
	applier := &fakeApplier{}
	opt := NewOptimizer(applier, OptimizerConfig{DryRun: true})

	applied := opt.ApplyActions(context.Background(), []Action{
		{ID: "a1", Type: ActionSchemaRefresh, Description: "re-discover schema"},
	})

	require.Empty(t, applier.applied)
	require.False(t, applied[0].Applied)
	require.Equal(t, "[dry-run] re-discover schema", applied[0].Description)
}

func TestRollbackActionsReverseOrderSkipsIneligible(t *testing.T) {
	applier := &fakeApplier{}
	opt := NewOptimizer(applier, OptimizerConfig{})

	rolled := opt.RollbackActions(context.Background(), []Action{
		{ID: "a1", Type: ActionSchemaRefresh, Applied: true, Success: true, CanRollback: true},
		{ID: "a2", Type: ActionEmbeddingRefresh, Applied: true, Success: true, CanRollback: false},
		{ID: "a3", Type: ActionFilterAdjust, Applied: true, Success: false, CanRollback: true},
		{ID: "a4", Type: ActionPromptRebuild, Applied: true, Success: true, CanRollback: true},
	})

	require.Equal(t, []ActionType{ActionPromptRebuild, ActionSchemaRefresh}, applier.rolledBack)
	require.True(t, rolled[0].RolledBack)
	require.False(t, rolled[1].RolledBack)
	require.False(t, rolled[2].RolledBack)
	require.True(t, rolled[3].RolledBack)
}
