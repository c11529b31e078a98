package accuracy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ragadmin/backend/internal/metrics"
	"github.com/ragadmin/backend/pkg/logger"
)

type FailurePatternType string

const (
	PatternFilterMismatch FailurePatternType = "filter_mismatch"
	PatternLowRelevance   FailurePatternType = "low_relevance"
	PatternMissingField   FailurePatternType = "missing_field"
	PatternTypeMismatch   FailurePatternType = "type_mismatch"
	PatternParsingError   FailurePatternType = "parsing_error"
)

type FailurePattern struct {
	Type        FailurePatternType `json:"type"`
	Count       int                `json:"count"`
	Fields      []string           `json:"fields,omitempty"`
	Description string             `json:"description"`
}

type ActionType string

const (
	ActionSchemaRefresh    ActionType = "schema_refresh"
	ActionFilterAdjust     ActionType = "filter_adjust"
	ActionFieldMapping     ActionType = "field_mapping"
	ActionEmbeddingRefresh ActionType = "embedding_refresh"
	ActionPromptRebuild    ActionType = "prompt_rebuild"
)

type Action struct {
	ID            string             `json:"id"`
	Type          ActionType         `json:"type"`
	Pattern       FailurePatternType `json:"pattern"`
	Target        string             `json:"target,omitempty"`
	Description   string             `json:"description"`
	Confidence    float64            `json:"confidence"`
	CanRollback   bool               `json:"canRollback"`
	RolledBack    bool               `json:"rolledBack"`
	PreviousState string             `json:"previousState,omitempty"`
	Applied       bool               `json:"applied"`
	Success       bool               `json:"success"`
	Error         string             `json:"error,omitempty"`
	AppliedAt     time.Time          `json:"appliedAt,omitempty"`
}

// ActionApplier mutates live pipeline state for an action and can restore
// the snapshot it returned from Apply. The optimizer itself never touches
// schemas or prompts directly.
type ActionApplier interface {
	Apply(ctx context.Context, action *Action) (previousState string, err error)
	Rollback(ctx context.Context, action *Action) error
}

type OptimizerConfig struct {
	MaxActionsPerIteration int
	DryRun                 bool
}

type Optimizer struct {
	applier ActionApplier
	cfg     OptimizerConfig
}

func NewOptimizer(applier ActionApplier, cfg OptimizerConfig) *Optimizer {
	if cfg.MaxActionsPerIteration <= 0 {
		cfg.MaxActionsPerIteration = 3
	}
	return &Optimizer{applier: applier, cfg: cfg}
}

// AnalyzeFailures buckets a suite's discrepancies into failure patterns.
// Error-status tests are skipped: an execution error says nothing about
// schema quality.
func AnalyzeFailures(suite *SuiteResult) []FailurePattern {
	counts := map[FailurePatternType]*FailurePattern{}

	record := func(t FailurePatternType, field, description string) {
		p, ok := counts[t]
		if !ok {
			p = &FailurePattern{Type: t, Description: description}
			counts[t] = p
		}
		p.Count++
		if field != "" && !containsString(p.Fields, field) {
			p.Fields = append(p.Fields, field)
		}
	}

	for _, result := range suite.Results {
		if result.Status == StatusError {
			record(PatternParsingError, "", "test queries failed to execute")
			continue
		}
		for _, d := range result.Discrepancies {
			switch d.Type {
			case DiscrepancyMissing:
				record(PatternMissingField, d.Field, "expected fields absent from responses")
			case DiscrepancyWrongValue:
				// Wrong numbers with a correct entity almost always mean
				// retrieval pulled the wrong period or namespace slice.
				record(PatternFilterMismatch, d.Field, "retrieved values do not match ground truth")
			case DiscrepancyTypeMismatch:
				record(PatternTypeMismatch, d.Field, "response field types disagree with schema")
			case DiscrepancyFormatMismatch:
				record(PatternParsingError, d.Field, "values match after normalization only")
			}
		}
	}

	patterns := make([]FailurePattern, 0, len(counts))
	for _, p := range counts {
		patterns = append(patterns, *p)
	}
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Count != patterns[j].Count {
			return patterns[i].Count > patterns[j].Count
		}
		return patterns[i].Type < patterns[j].Type
	})
	return patterns
}

// ProposeActions maps failure patterns to ranked corrective actions,
// capped at the per-iteration limit.
func (o *Optimizer) ProposeActions(patterns []FailurePattern, totalDiscrepancies int) []Action {
	var actions []Action

	for _, pattern := range patterns {
		action := actionFor(pattern, totalDiscrepancies)
		if action == nil {
			continue
		}
		actions = append(actions, *action)
	}

	sort.Slice(actions, func(i, j int) bool {
		return actions[i].Confidence > actions[j].Confidence
	})

	if len(actions) > o.cfg.MaxActionsPerIteration {
		actions = actions[:o.cfg.MaxActionsPerIteration]
	}
	return actions
}

func actionFor(pattern FailurePattern, total int) *Action {
	weight := 1.0
	if total > 0 {
		weight = float64(pattern.Count) / float64(total)
	}

	base := Action{
		ID:          uuid.New().String(),
		Pattern:     pattern.Type,
		CanRollback: true,
	}

	switch pattern.Type {
	case PatternFilterMismatch:
		base.Type = ActionFilterAdjust
		base.Description = "tighten period and namespace filters on retrieval"
		base.Confidence = 0.5 + 0.4*weight
	case PatternMissingField:
		base.Type = ActionSchemaRefresh
		base.Target = joinFields(pattern.Fields)
		base.Description = "re-discover schema; expected fields missing from cached schema"
		base.Confidence = 0.5 + 0.35*weight
	case PatternTypeMismatch:
		base.Type = ActionFieldMapping
		base.Target = joinFields(pattern.Fields)
		base.Description = "re-infer field types for mismatched fields"
		base.Confidence = 0.4 + 0.35*weight
	case PatternParsingError:
		base.Type = ActionPromptRebuild
		base.Description = "rebuild generation prompt with explicit formatting rules"
		base.Confidence = 0.3 + 0.3*weight
		base.CanRollback = true
	case PatternLowRelevance:
		base.Type = ActionEmbeddingRefresh
		base.Description = "re-embed namespace documents"
		base.Confidence = 0.3 + 0.2*weight
		// Re-embedding overwrites vectors in place; there is no snapshot
		// to restore.
		base.CanRollback = false
	default:
		return nil
	}

	return &base
}

// ApplyActions executes actions in rank order. In dry-run mode the actions
// are returned annotated but nothing is applied.
func (o *Optimizer) ApplyActions(ctx context.Context, actions []Action) []Action {
	applied := make([]Action, len(actions))
	copy(applied, actions)

	for i := range applied {
		action := &applied[i]

		if o.cfg.DryRun {
			action.Description = "[dry-run] " + action.Description
			continue
		}

		previous, err := o.applier.Apply(ctx, action)
		action.Applied = true
		action.AppliedAt = time.Now()
		if err != nil {
			action.Success = false
			action.Error = err.Error()
			logger.Warn("Optimization action failed",
				zap.String("action_id", action.ID),
				zap.String("type", string(action.Type)),
				zap.Error(err),
			)
			continue
		}

		action.Success = true
		action.PreviousState = previous
		metrics.OptimizationActions.WithLabelValues(string(action.Type), "applied").Inc()

		logger.Info("Optimization action applied",
			zap.String("action_id", action.ID),
			zap.String("type", string(action.Type)),
			zap.Float64("confidence", action.Confidence),
		)
	}

	return applied
}

// RollbackActions undoes successfully applied actions in reverse order.
// Used when an iteration made accuracy worse.
func (o *Optimizer) RollbackActions(ctx context.Context, actions []Action) []Action {
	rolled := make([]Action, len(actions))
	copy(rolled, actions)

	for i := len(rolled) - 1; i >= 0; i-- {
		action := &rolled[i]
		if !action.Applied || !action.Success || !action.CanRollback || action.RolledBack {
			continue
		}
		if err := o.applier.Rollback(ctx, action); err != nil {
			logger.Error("Rollback failed",
				zap.String("action_id", action.ID),
				zap.String("type", string(action.Type)),
				zap.Error(err),
			)
			continue
		}
		action.RolledBack = true
	}

	return rolled
}

func MarshalActions(actions []Action) string {
	b, err := json.Marshal(actions)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func joinFields(fields []string) string {
	if len(fields) == 0 {
		return ""
	}
	out := fields[0]
	for _, f := range fields[1:] {
		out = fmt.Sprintf("%s,%s", out, f)
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
