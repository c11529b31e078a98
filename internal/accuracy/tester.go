package accuracy

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ragadmin/backend/internal/metrics"
	"github.com/ragadmin/backend/internal/schema"
	"github.com/ragadmin/backend/pkg/logger"
)

type DiscrepancyType string

const (
	DiscrepancyMissing         DiscrepancyType = "missing"
	DiscrepancyWrongValue      DiscrepancyType = "wrong_value"
	DiscrepancyFormatMismatch  DiscrepancyType = "format_mismatch"
	DiscrepancyTypeMismatch    DiscrepancyType = "type_mismatch"
	DiscrepancyWithinTolerance DiscrepancyType = "within_tolerance"
)

const DefaultValueTolerance = 0.02

type ExpectedValue struct {
	Value     string  `json:"value"`
	Number    float64 `json:"number,omitempty"`
	IsNumeric bool    `json:"isNumeric"`
	Type      string  `json:"type"`
	Tolerance float64 `json:"tolerance,omitempty"`
}

// Test is one generated accuracy check: a natural-language query plus the
// ground-truth values the pipeline's answer must contain.
type Test struct {
	ID                   string                   `json:"id"`
	Query                string                   `json:"query"`
	Category             string                   `json:"category"`
	TargetEntity         map[string]string        `json:"targetEntity"`
	ExpectedFields       []string                 `json:"expectedFields"`
	ExpectedValues       map[string]ExpectedValue `json:"expectedValues"`
	ValueTolerance       float64                  `json:"valueTolerance"`
	AllowedDiscrepancies []DiscrepancyType        `json:"allowedDiscrepancies"`
}

type Discrepancy struct {
	Field    string          `json:"field"`
	Type     DiscrepancyType `json:"type"`
	Expected string          `json:"expected"`
	Actual   string          `json:"actual"`
	Delta    float64         `json:"delta,omitempty"`
}

const (
	StatusPassed = "passed"
	StatusFailed = "failed"
	StatusError  = "error"
)

type Result struct {
	TestID        string        `json:"testId"`
	Answer        string        `json:"answer,omitempty"`
	Status        string        `json:"status"`
	Passed        bool          `json:"passed"`
	Accuracy      float64       `json:"accuracy"`
	Discrepancies []Discrepancy `json:"discrepancies"`
	Error         string        `json:"error,omitempty"`
	LatencyMS     int           `json:"latencyMs"`
}

type SuiteResult struct {
	SchemaID     string    `json:"schemaId"`
	Accuracy     float64   `json:"accuracy"`
	TestsRun     int       `json:"testsRun"`
	TestsPassed  int       `json:"testsPassed"`
	TestsFailed  int       `json:"testsFailed"`
	TestsErrored int       `json:"testsErrored"`
	Results      []Result  `json:"results"`
	CompletedAt  time.Time `json:"completedAt"`
}

// Execution is what the live pipeline produced for a test query: the answer
// text and the field values it surfaced.
type Execution struct {
	Answer string
	Fields map[string]string
}

// RagQueryExecutor runs a query through the live pipeline
// (route → understand → retrieve → generate). The tester never calls the
// LLM itself.
type RagQueryExecutor interface {
	Execute(ctx context.Context, query string, target map[string]string) (*Execution, error)
}

type Tester struct {
	executor RagQueryExecutor
}

func NewTester(executor RagQueryExecutor) *Tester {
	return &Tester{executor: executor}
}

// RunTestSuite executes every test against the live pipeline. Execution
// errors are recorded per test as status "error" and excluded from the
// accuracy denominator; they are not failures.
func (t *Tester) RunTestSuite(ctx context.Context, schemaID string, tests []Test) (*SuiteResult, error) {
	if len(tests) == 0 {
		return nil, fmt.Errorf("no tests to run for schema %s", schemaID)
	}

	suite := &SuiteResult{SchemaID: schemaID}

	var accuracySum float64
	var scored int

	for _, test := range tests {
		result := t.runOne(ctx, test)
		suite.Results = append(suite.Results, result)
		suite.TestsRun++

		switch result.Status {
		case StatusError:
			suite.TestsErrored++
			continue
		case StatusPassed:
			suite.TestsPassed++
		case StatusFailed:
			suite.TestsFailed++
		}

		accuracySum += result.Accuracy
		scored++

		for _, d := range result.Discrepancies {
			metrics.DiscrepancyTotal.WithLabelValues(string(d.Type)).Inc()
		}
	}

	if scored > 0 {
		suite.Accuracy = accuracySum / float64(scored)
	}
	suite.CompletedAt = time.Now()

	metrics.AccuracyScore.WithLabelValues(schemaID).Set(suite.Accuracy)

	logger.Info("Accuracy test suite completed",
		zap.String("schema_id", schemaID),
		zap.Int("tests_run", suite.TestsRun),
		zap.Int("tests_passed", suite.TestsPassed),
		zap.Int("tests_errored", suite.TestsErrored),
		zap.Float64("accuracy", suite.Accuracy),
	)

	return suite, nil
}

func (t *Tester) runOne(ctx context.Context, test Test) Result {
	start := time.Now()

	execution, err := t.executor.Execute(ctx, test.Query, test.TargetEntity)
	if err != nil {
		logger.Warn("Test execution failed",
			zap.String("test_id", test.ID),
			zap.Error(err),
		)
		return Result{
			TestID:    test.ID,
			Status:    StatusError,
			Error:     err.Error(),
			LatencyMS: int(time.Since(start).Milliseconds()),
		}
	}

	result := Evaluate(test, execution)
	result.LatencyMS = int(time.Since(start).Milliseconds())
	return result
}

// Evaluate diffs an execution against a test's expected values and
// classifies every mismatch.
func Evaluate(test Test, execution *Execution) Result {
	result := Result{TestID: test.ID, Answer: execution.Answer}

	allowed := test.AllowedDiscrepancies
	if len(allowed) == 0 {
		allowed = []DiscrepancyType{DiscrepancyWithinTolerance}
	}

	tolerance := test.ValueTolerance
	if tolerance == 0 {
		tolerance = DefaultValueTolerance
	}

	var ok int
	passed := true

	for _, field := range test.ExpectedFields {
		expected, hasExpected := test.ExpectedValues[field]
		if !hasExpected {
			continue
		}

		d := classify(field, expected, execution, tolerance)
		result.Discrepancies = append(result.Discrepancies, d)

		if discrepancyAllowed(d.Type, allowed) {
			ok++
		} else {
			passed = false
		}
	}

	total := len(result.Discrepancies)
	if total > 0 {
		result.Accuracy = float64(ok) / float64(total)
	}

	result.Passed = passed
	if passed {
		result.Status = StatusPassed
	} else {
		result.Status = StatusFailed
	}

	return result
}

func classify(field string, expected ExpectedValue, execution *Execution, defaultTolerance float64) Discrepancy {
	d := Discrepancy{Field: field, Expected: expected.Value}

	actual, ok := execution.Fields[field]
	if !ok || strings.TrimSpace(actual) == "" {
		d.Type = DiscrepancyMissing
		return d
	}
	d.Actual = actual

	tolerance := expected.Tolerance
	if tolerance == 0 {
		tolerance = defaultTolerance
	}

	if expected.IsNumeric {
		actualNum, numeric := schema.ParseNumber(actual)
		if !numeric {
			d.Type = DiscrepancyTypeMismatch
			return d
		}

		d.Delta = actualNum - expected.Number
		if expected.Number == 0 {
			if actualNum == 0 {
				d.Type = DiscrepancyWithinTolerance
			} else {
				d.Type = DiscrepancyWrongValue
			}
			return d
		}

		relative := math.Abs(d.Delta) / math.Abs(expected.Number)
		if relative <= tolerance {
			d.Type = DiscrepancyWithinTolerance
		} else {
			d.Type = DiscrepancyWrongValue
		}
		return d
	}

	if actual == expected.Value {
		d.Type = DiscrepancyWithinTolerance
		return d
	}
	if normalize(actual) == normalize(expected.Value) {
		d.Type = DiscrepancyFormatMismatch
		return d
	}

	d.Type = DiscrepancyWrongValue
	return d
}

func normalize(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	for _, junk := range []string{",", " ", "원", "₩"} {
		s = strings.ReplaceAll(s, junk, "")
	}
	return s
}

func discrepancyAllowed(t DiscrepancyType, allowed []DiscrepancyType) bool {
	for _, a := range allowed {
		if a == t {
			return true
		}
	}
	return false
}
