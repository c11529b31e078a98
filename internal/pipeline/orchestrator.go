package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ragadmin/backend/internal/accuracy"
	"github.com/ragadmin/backend/internal/evaluation"
	"github.com/ragadmin/backend/internal/groundtruth"
	"github.com/ragadmin/backend/internal/storage/models"
	"github.com/ragadmin/backend/pkg/logger"
)

const (
	RunStatusAnalyzing   = "analyzing"
	RunStatusDiscovering = "discovering_schema"
	RunStatusGroundTruth = "extracting_ground_truth"
	RunStatusTesting     = "testing"
	RunStatusOptimizing  = "optimizing"
	RunStatusCompleted   = "completed"
	RunStatusFailed      = "failed"
)

// RunStore persists pipeline runs and their artifacts.
type RunStore interface {
	InsertPipelineRun(r *models.PipelineRun) error
	UpdatePipelineRun(r *models.PipelineRun) error
	InsertGroundTruth(r *models.GroundTruthRecord) error
	InsertAccuracyTest(t *models.AccuracyTest) error
	InsertAccuracyResult(r *models.AccuracyResult) error
	InsertOptimizationAction(a *models.OptimizationAction) error
	UpdateActionAccuracyAfter(actionID string, accuracyAfter float64) error
}

type OrchestratorConfig struct {
	MaxIterations  int
	TargetAccuracy float64
	DryRun         bool
}

type RunOptions struct {
	Namespaces []string
	// SourceRows, when present, feed a fresh ground-truth extraction before
	// testing. Otherwise Tests must be supplied.
	SourceRows    []groundtruth.SourceRow
	ExtractConfig groundtruth.ExtractConfig
	Tests         []accuracy.Test
	DryRun        bool
}

type RunReport struct {
	ID              string                `json:"id"`
	Status          string                `json:"status"`
	Iterations      int                   `json:"iterations"`
	AccuracyHistory []float64             `json:"accuracyHistory"`
	FinalAccuracy   float64               `json:"finalAccuracy"`
	TargetAccuracy  float64               `json:"targetAccuracy"`
	TargetReached   bool                  `json:"targetReached"`
	Actions         []accuracy.Action     `json:"actions"`
	Suites          []*accuracy.SuiteResult `json:"suites"`
	Error           string                `json:"error,omitempty"`
	StartedAt       time.Time             `json:"startedAt"`
	CompletedAt     time.Time             `json:"completedAt"`
}

// Orchestrator drives the full closed loop: schema discovery, ground-truth
// extraction, accuracy testing and optimization, iterating until the target
// accuracy is reached or the iteration budget runs out. One run at a time;
// queries are blocked while schemas are being replaced, unblocked for the
// test phases that need the live query path.
type Orchestrator struct {
	coordinator *Coordinator
	extractor   *groundtruth.Extractor
	tester      *accuracy.Tester
	optimizer   *accuracy.Optimizer
	store       RunStore
	relevance   *evaluation.Evaluator
	cfg         OrchestratorConfig

	mu      sync.Mutex
	running bool
	current *RunReport
}

func NewOrchestrator(
	coordinator *Coordinator,
	extractor *groundtruth.Extractor,
	tester *accuracy.Tester,
	optimizer *accuracy.Optimizer,
	store RunStore,
	cfg OrchestratorConfig,
) *Orchestrator {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 5
	}
	if cfg.TargetAccuracy <= 0 {
		cfg.TargetAccuracy = 0.95
	}
	return &Orchestrator{
		coordinator: coordinator,
		extractor:   extractor,
		tester:      tester,
		optimizer:   optimizer,
		store:       store,
		cfg:         cfg,
	}
}

// SetRelevanceEvaluator enables LLM-judged relevance scoring of failed
// answers, which can surface retrieval problems that value comparison
// alone misclassifies.
func (o *Orchestrator) SetRelevanceEvaluator(evaluator *evaluation.Evaluator) {
	o.relevance = evaluator
}

// CurrentRun returns a copy of the in-progress or last finished run report.
func (o *Orchestrator) CurrentRun() (*RunReport, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return nil, false
	}
	copied := *o.current
	return &copied, true
}

// Run executes the full pipeline. Returns an error immediately if a run is
// already in progress.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (*RunReport, error) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil, fmt.Errorf("a pipeline run is already in progress")
	}
	o.running = true
	report := &RunReport{
		ID:             uuid.New().String(),
		Status:         RunStatusAnalyzing,
		TargetAccuracy: o.cfg.TargetAccuracy,
		StartedAt:      time.Now(),
	}
	o.current = report
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	run := &models.PipelineRun{
		ID:             report.ID,
		Status:         report.Status,
		TargetAccuracy: o.cfg.TargetAccuracy,
		DryRun:         opts.DryRun || o.cfg.DryRun,
		StartedAt:      report.StartedAt,
	}
	if err := o.store.InsertPipelineRun(run); err != nil {
		return nil, fmt.Errorf("persist pipeline run: %w", err)
	}

	err := o.execute(ctx, opts, report, run)
	if err != nil {
		report.Status = RunStatusFailed
		report.Error = err.Error()
	}
	report.CompletedAt = time.Now()

	run.Status = report.Status
	run.Iterations = report.Iterations
	run.Error = report.Error
	run.AccuracyJSON = marshalHistory(report.AccuracyHistory)
	run.CompletedAt = &report.CompletedAt
	if uerr := o.store.UpdatePipelineRun(run); uerr != nil {
		logger.Error("Failed to persist pipeline run result",
			zap.String("run_id", run.ID),
			zap.Error(uerr),
		)
	}

	if err != nil {
		return report, err
	}
	return report, nil
}

func (o *Orchestrator) execute(ctx context.Context, opts RunOptions, report *RunReport, run *models.PipelineRun) error {
	namespaces := opts.Namespaces
	if len(namespaces) == 0 {
		namespaces = o.coordinator.Namespaces()
	}
	if len(namespaces) == 0 {
		return fmt.Errorf("no namespaces to run against")
	}

	o.transition(report, run, RunStatusDiscovering)
	if err := o.discoverAll(namespaces); err != nil {
		return err
	}

	tests := opts.Tests
	if len(opts.SourceRows) > 0 {
		o.transition(report, run, RunStatusGroundTruth)
		generated, err := o.extractGroundTruth(opts)
		if err != nil {
			return err
		}
		if len(tests) == 0 {
			tests = generated
		}
	}
	if len(tests) == 0 {
		return fmt.Errorf("no accuracy tests available; supply tests or source rows")
	}
	o.persistTests(tests)

	dryRun := opts.DryRun || o.cfg.DryRun

	var previousAccuracy float64
	var lastApplied []accuracy.Action

	for iteration := 1; iteration <= o.cfg.MaxIterations; iteration++ {
		report.Iterations = iteration

		o.transition(report, run, RunStatusTesting)
		suite, err := o.tester.RunTestSuite(ctx, report.ID, tests)
		if err != nil {
			return fmt.Errorf("iteration %d: %w", iteration, err)
		}
		report.Suites = append(report.Suites, suite)
		report.AccuracyHistory = append(report.AccuracyHistory, suite.Accuracy)
		report.FinalAccuracy = suite.Accuracy
		o.persistResults(report.ID, suite)

		// This suite measured the previous iteration's actions; close out
		// their accuracyAfter before deciding whether to keep them.
		o.recordAccuracyAfter(lastApplied, suite.Accuracy)

		logger.Info("Pipeline iteration tested",
			zap.String("run_id", report.ID),
			zap.Int("iteration", iteration),
			zap.Float64("accuracy", suite.Accuracy),
			zap.Float64("target", o.cfg.TargetAccuracy),
		)

		// An iteration that made things worse gets unwound before anything
		// else happens.
		if iteration > 1 && suite.Accuracy < previousAccuracy && len(lastApplied) > 0 && !dryRun {
			o.transition(report, run, RunStatusOptimizing)
			rolled := o.optimizer.RollbackActions(ctx, lastApplied)
			o.recordRollbacks(report, rolled)
			lastApplied = nil
			previousAccuracy = suite.Accuracy
			continue
		}
		previousAccuracy = suite.Accuracy

		if suite.Accuracy >= o.cfg.TargetAccuracy {
			report.TargetReached = true
			o.transition(report, run, RunStatusCompleted)
			return nil
		}
		if iteration == o.cfg.MaxIterations {
			break
		}

		o.transition(report, run, RunStatusOptimizing)
		patterns := accuracy.AnalyzeFailures(suite)
		if p := o.relevancePattern(ctx, tests, suite); p != nil {
			patterns = append(patterns, *p)
		}
		if len(patterns) == 0 {
			break
		}
		actions := o.optimizer.ProposeActions(patterns, totalDiscrepancies(suite))
		if len(actions) == 0 {
			break
		}

		applied := o.optimizer.ApplyActions(ctx, actions)
		lastApplied = applied
		report.Actions = append(report.Actions, applied...)
		o.persistActions(report.ID, applied, suite.Accuracy)
	}

	// Budget exhausted below target still counts as a finished run; the
	// report carries the shortfall.
	o.transition(report, run, RunStatusCompleted)
	return nil
}

// relevancePattern grades a handful of failed answers against their
// expected values. Wrong numbers with off-topic answers point at retrieval
// rather than filtering.
func (o *Orchestrator) relevancePattern(ctx context.Context, tests []accuracy.Test, suite *accuracy.SuiteResult) *accuracy.FailurePattern {
	if o.relevance == nil {
		return nil
	}

	byID := make(map[string]accuracy.Test, len(tests))
	for _, test := range tests {
		byID[test.ID] = test
	}

	const sampleLimit = 3
	var lowRelevance int
	sampled := 0

	for _, result := range suite.Results {
		if result.Status != accuracy.StatusFailed || result.Answer == "" || sampled >= sampleLimit {
			continue
		}
		test, ok := byID[result.TestID]
		if !ok {
			continue
		}
		sampled++

		scores, err := o.relevance.EvaluateAnswer(ctx, test.Query, result.Answer, expectedText(test))
		if err != nil {
			logger.Debug("Relevance evaluation failed",
				zap.String("test_id", result.TestID),
				zap.Error(err),
			)
			continue
		}
		if evaluation.LowRelevance(scores) {
			lowRelevance++
		}
	}

	if lowRelevance == 0 {
		return nil
	}
	return &accuracy.FailurePattern{
		Type:        accuracy.PatternLowRelevance,
		Count:       lowRelevance,
		Description: "failed answers judged off-topic against ground truth",
	}
}

func expectedText(test accuracy.Test) string {
	var sb strings.Builder
	for _, field := range test.ExpectedFields {
		if expected, ok := test.ExpectedValues[field]; ok {
			sb.WriteString(fmt.Sprintf("%s: %s\n", field, expected.Value))
		}
	}
	return sb.String()
}

func (o *Orchestrator) discoverAll(namespaces []string) error {
	// Schemas are mid-replacement here, so the query path stays blocked
	// until discovery settles.
	o.coordinator.SetGlobalLock(true)
	defer o.coordinator.SetGlobalLock(false)

	for _, ns := range namespaces {
		o.coordinator.RequestUpdate(ns, "pipeline_run", "")
	}
	for _, ns := range namespaces {
		if !o.coordinator.WaitForUpdate(ns, discoveryTimeout) {
			return fmt.Errorf("schema discovery timed out for namespace %s", ns)
		}
	}
	return nil
}

func (o *Orchestrator) extractGroundTruth(opts RunOptions) ([]accuracy.Test, error) {
	records, err := o.extractor.Extract(opts.SourceRows, opts.ExtractConfig)
	if err != nil {
		return nil, fmt.Errorf("ground truth extraction: %w", err)
	}

	for _, record := range records {
		fieldsJSON, merr := groundtruth.MarshalFields(record)
		if merr != nil {
			continue
		}
		stored := &models.GroundTruthRecord{
			ID:              uuid.New().String(),
			EmployeeID:      record.EntityID,
			Period:          record.Period,
			FieldValuesJSON: fieldsJSON,
			Confidence:      record.Confidence,
			IsValid:         true,
			SourceDocID:     record.SourceDocID,
			ExtractedAt:     record.ExtractedAt,
		}
		if serr := o.store.InsertGroundTruth(stored); serr != nil {
			logger.Warn("Failed to persist ground truth record",
				zap.String("entity_id", record.EntityID),
				zap.Error(serr),
			)
		}
	}

	return groundtruth.GenerateTests(records, groundtruth.TestGenConfig{
		ValueTolerance: accuracy.DefaultValueTolerance,
	}), nil
}

func (o *Orchestrator) persistTests(tests []accuracy.Test) {
	for _, test := range tests {
		targetJSON, _ := json.Marshal(test.TargetEntity)
		expectedJSON, _ := json.Marshal(test.ExpectedValues)
		stored := &models.AccuracyTest{
			ID:             test.ID,
			Query:          test.Query,
			Category:       test.Category,
			TargetJSON:     string(targetJSON),
			ExpectedJSON:   string(expectedJSON),
			ValueTolerance: test.ValueTolerance,
			CreatedAt:      time.Now(),
		}
		if err := o.store.InsertAccuracyTest(stored); err != nil {
			logger.Warn("Failed to persist accuracy test",
				zap.String("test_id", test.ID),
				zap.Error(err),
			)
		}
	}
}

func (o *Orchestrator) persistResults(runID string, suite *accuracy.SuiteResult) {
	for _, result := range suite.Results {
		discrepanciesJSON, _ := json.Marshal(result.Discrepancies)
		stored := &models.AccuracyResult{
			ID:                uuid.New().String(),
			TestID:            result.TestID,
			RunID:             runID,
			Status:            result.Status,
			Accuracy:          result.Accuracy,
			DiscrepanciesJSON: string(discrepanciesJSON),
			CreatedAt:         time.Now(),
		}
		if err := o.store.InsertAccuracyResult(stored); err != nil {
			logger.Warn("Failed to persist accuracy result",
				zap.String("test_id", result.TestID),
				zap.Error(err),
			)
		}
	}
}

func (o *Orchestrator) persistActions(runID string, actions []accuracy.Action, accuracyBefore float64) {
	for _, action := range actions {
		stored := &models.OptimizationAction{
			ID:             action.ID,
			RunID:          runID,
			ActionType:     string(action.Type),
			Target:         action.Target,
			ChangeJSON:     accuracy.MarshalActions([]accuracy.Action{action}),
			Confidence:     action.Confidence,
			AccuracyBefore: accuracyBefore,
			CanRollback:    action.CanRollback,
			RolledBack:     action.RolledBack,
			PreviousJSON:   action.PreviousState,
			Success:        action.Success,
			Error:          action.Error,
			CreatedAt:      time.Now(),
		}
		if err := o.store.InsertOptimizationAction(stored); err != nil {
			logger.Warn("Failed to persist optimization action",
				zap.String("action_id", action.ID),
				zap.Error(err),
			)
		}
	}
}

func (o *Orchestrator) recordAccuracyAfter(applied []accuracy.Action, accuracyAfter float64) {
	for _, action := range applied {
		if !action.Applied {
			continue
		}
		if err := o.store.UpdateActionAccuracyAfter(action.ID, accuracyAfter); err != nil {
			logger.Warn("Failed to record action accuracy",
				zap.String("action_id", action.ID),
				zap.Error(err),
			)
		}
	}
}

func (o *Orchestrator) recordRollbacks(report *RunReport, rolled []accuracy.Action) {
	for _, action := range rolled {
		if !action.RolledBack {
			continue
		}
		for i := range report.Actions {
			if report.Actions[i].ID == action.ID {
				report.Actions[i].RolledBack = true
			}
		}
		if marker, ok := o.store.(interface{ MarkActionRolledBack(string) error }); ok {
			if err := marker.MarkActionRolledBack(action.ID); err != nil {
				logger.Warn("Failed to mark action rolled back",
					zap.String("action_id", action.ID),
					zap.Error(err),
				)
			}
		}
	}
}

func (o *Orchestrator) transition(report *RunReport, run *models.PipelineRun, status string) {
	o.mu.Lock()
	report.Status = status
	o.mu.Unlock()

	run.Status = status
	run.Iterations = report.Iterations
	run.AccuracyJSON = marshalHistory(report.AccuracyHistory)
	if err := o.store.UpdatePipelineRun(run); err != nil {
		logger.Debug("Pipeline run status persist failed",
			zap.String("run_id", run.ID),
			zap.String("status", status),
			zap.Error(err),
		)
	}

	logger.Info("Pipeline run state",
		zap.String("run_id", run.ID),
		zap.String("status", status),
	)
}

func totalDiscrepancies(suite *accuracy.SuiteResult) int {
	var total int
	for _, result := range suite.Results {
		total += len(result.Discrepancies)
	}
	return total
}

func marshalHistory(history []float64) string {
	b, err := json.Marshal(history)
	if err != nil {
		return "[]"
	}
	return string(b)
}
