package models

import "time"

// SchemaSnapshot persists one discovered schema version for audit and for
// seeding the cache on restart.
type SchemaSnapshot struct {
	ID           string
	Namespace    string
	TemplateType string
	SchemaJSON   string
	VectorCount  int64
	CreatedAt    time.Time
}

// GroundTruthRecord is a verified set of field values for one entity,
// extracted straight from a source document. Superseded records are
// invalidated, never deleted, preserving the audit trail.
type GroundTruthRecord struct {
	ID              string
	EmployeeID      string
	Period          string
	FieldValuesJSON string
	Confidence      float64
	IsValid         bool
	SourceDocID     string
	ExtractedAt     time.Time
	InvalidatedAt   *time.Time
}

type AccuracyTest struct {
	ID             string
	SchemaID       string
	Query          string
	Category       string
	TargetJSON     string
	ExpectedJSON   string
	ValueTolerance float64
	CreatedAt      time.Time
}

type AccuracyResult struct {
	ID                string
	TestID            string
	RunID             string
	Status            string
	Accuracy          float64
	DiscrepanciesJSON string
	CreatedAt         time.Time
}

type OptimizationAction struct {
	ID             string
	RunID          string
	ActionType     string
	Target         string
	ChangeJSON     string
	Confidence     float64
	AccuracyBefore float64
	AccuracyAfter  float64
	CanRollback    bool
	RolledBack     bool
	PreviousJSON   string
	Success        bool
	Error          string
	CreatedAt      time.Time
}

type PipelineRun struct {
	ID              string
	Status          string
	Iterations      int
	AccuracyJSON    string
	TargetAccuracy  float64
	DryRun          bool
	Error           string
	StartedAt       time.Time
	CompletedAt     *time.Time
}

// QueryMetricRecord is the structured per-query record emitted for external
// dashboards.
type QueryMetricRecord struct {
	ID          string
	Namespace   string
	QueryText   string
	Route       string
	Intent      string
	Confidence  float64
	Blocked     bool
	LatencyMS   int
	StagesJSON  string
	CreatedAt   time.Time
}
