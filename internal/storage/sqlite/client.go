package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/ragadmin/backend/internal/storage/models"
	"github.com/ragadmin/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_snapshots (
		id TEXT PRIMARY KEY,
		namespace TEXT NOT NULL,
		template_type TEXT,
		schema_json TEXT NOT NULL,
		vector_count INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_namespace ON schema_snapshots(namespace, created_at);

	CREATE TABLE IF NOT EXISTS ground_truth (
		id TEXT PRIMARY KEY,
		employee_id TEXT NOT NULL,
		period TEXT,
		field_values_json TEXT NOT NULL,
		confidence REAL,
		is_valid INTEGER NOT NULL DEFAULT 1,
		source_doc_id TEXT,
		extracted_at INTEGER NOT NULL,
		invalidated_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_ground_truth_entity ON ground_truth(employee_id, period);
	CREATE INDEX IF NOT EXISTS idx_ground_truth_doc ON ground_truth(source_doc_id);

	CREATE TABLE IF NOT EXISTS accuracy_tests (
		id TEXT PRIMARY KEY,
		schema_id TEXT NOT NULL,
		query TEXT NOT NULL,
		category TEXT,
		target_json TEXT,
		expected_json TEXT NOT NULL,
		value_tolerance REAL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tests_schema ON accuracy_tests(schema_id);

	CREATE TABLE IF NOT EXISTS accuracy_results (
		id TEXT PRIMARY KEY,
		test_id TEXT NOT NULL,
		run_id TEXT,
		status TEXT NOT NULL,
		accuracy REAL,
		discrepancies_json TEXT,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (test_id) REFERENCES accuracy_tests(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_results_run ON accuracy_results(run_id);

	CREATE TABLE IF NOT EXISTS optimization_actions (
		id TEXT PRIMARY KEY,
		run_id TEXT,
		action_type TEXT NOT NULL,
		target TEXT,
		change_json TEXT,
		confidence REAL,
		accuracy_before REAL,
		accuracy_after REAL,
		can_rollback INTEGER NOT NULL DEFAULT 0,
		rolled_back INTEGER NOT NULL DEFAULT 0,
		previous_json TEXT,
		success INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_actions_run ON optimization_actions(run_id);

	CREATE TABLE IF NOT EXISTS pipeline_runs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		iterations INTEGER,
		accuracy_json TEXT,
		target_accuracy REAL,
		dry_run INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		started_at INTEGER NOT NULL,
		completed_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS query_metrics (
		id TEXT PRIMARY KEY,
		namespace TEXT,
		query_text TEXT NOT NULL,
		route TEXT,
		intent TEXT,
		confidence REAL,
		blocked INTEGER NOT NULL DEFAULT 0,
		latency_ms INTEGER,
		stages_json TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_query_metrics_created ON query_metrics(created_at);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("Database schema initialized")
	return nil
}

func (c *Client) InsertSchemaSnapshot(s *models.SchemaSnapshot) error {
	_, err := c.db.Exec(
		`INSERT INTO schema_snapshots (id, namespace, template_type, schema_json, vector_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, s.Namespace, s.TemplateType, s.SchemaJSON, s.VectorCount, s.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert schema snapshot: %w", err)
	}
	return nil
}

// LatestSchemaSnapshots returns the most recent snapshot of every namespace,
// used to seed the schema cache on startup.
func (c *Client) LatestSchemaSnapshots() ([]*models.SchemaSnapshot, error) {
	rows, err := c.db.Query(
		`SELECT s.id, s.namespace, s.template_type, s.schema_json, s.vector_count, s.created_at
		 FROM schema_snapshots s
		 JOIN (SELECT namespace, MAX(created_at) AS created_at
		       FROM schema_snapshots GROUP BY namespace) latest
		   ON s.namespace = latest.namespace AND s.created_at = latest.created_at
		 GROUP BY s.namespace`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query schema snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []*models.SchemaSnapshot
	for rows.Next() {
		var s models.SchemaSnapshot
		var createdAt int64
		if err := rows.Scan(&s.ID, &s.Namespace, &s.TemplateType, &s.SchemaJSON, &s.VectorCount, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan schema snapshot: %w", err)
		}
		s.CreatedAt = time.Unix(createdAt, 0)
		snapshots = append(snapshots, &s)
	}
	return snapshots, rows.Err()
}

func (c *Client) InsertGroundTruth(r *models.GroundTruthRecord) error {
	_, err := c.db.Exec(
		`INSERT INTO ground_truth (id, employee_id, period, field_values_json, confidence, is_valid, source_doc_id, extracted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.EmployeeID, r.Period, r.FieldValuesJSON, r.Confidence, boolToInt(r.IsValid), r.SourceDocID, r.ExtractedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert ground truth: %w", err)
	}
	return nil
}

// InvalidateGroundTruthByDocument marks records from a superseded document
// invalid without deleting them.
func (c *Client) InvalidateGroundTruthByDocument(sourceDocID string, at time.Time) error {
	_, err := c.db.Exec(
		`UPDATE ground_truth SET is_valid = 0, invalidated_at = ? WHERE source_doc_id = ? AND is_valid = 1`,
		at.Unix(), sourceDocID,
	)
	if err != nil {
		return fmt.Errorf("failed to invalidate ground truth: %w", err)
	}
	return nil
}

func (c *Client) ValidGroundTruth(employeeID string) ([]*models.GroundTruthRecord, error) {
	rows, err := c.db.Query(
		`SELECT id, employee_id, period, field_values_json, confidence, is_valid, source_doc_id, extracted_at, invalidated_at
		 FROM ground_truth WHERE employee_id = ? AND is_valid = 1 ORDER BY extracted_at DESC`,
		employeeID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query ground truth: %w", err)
	}
	defer rows.Close()

	var records []*models.GroundTruthRecord
	for rows.Next() {
		var r models.GroundTruthRecord
		var isValid int
		var extractedAt int64
		var invalidatedAt sql.NullInt64

		err := rows.Scan(&r.ID, &r.EmployeeID, &r.Period, &r.FieldValuesJSON, &r.Confidence, &isValid, &r.SourceDocID, &extractedAt, &invalidatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ground truth row: %w", err)
		}

		r.IsValid = isValid == 1
		r.ExtractedAt = time.Unix(extractedAt, 0)
		if invalidatedAt.Valid {
			t := time.Unix(invalidatedAt.Int64, 0)
			r.InvalidatedAt = &t
		}
		records = append(records, &r)
	}

	return records, rows.Err()
}

func (c *Client) InsertAccuracyTest(t *models.AccuracyTest) error {
	_, err := c.db.Exec(
		`INSERT INTO accuracy_tests (id, schema_id, query, category, target_json, expected_json, value_tolerance, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SchemaID, t.Query, t.Category, t.TargetJSON, t.ExpectedJSON, t.ValueTolerance, t.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert accuracy test: %w", err)
	}
	return nil
}

func (c *Client) InsertAccuracyResult(r *models.AccuracyResult) error {
	_, err := c.db.Exec(
		`INSERT INTO accuracy_results (id, test_id, run_id, status, accuracy, discrepancies_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TestID, r.RunID, r.Status, r.Accuracy, r.DiscrepanciesJSON, r.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert accuracy result: %w", err)
	}
	return nil
}

func (c *Client) InsertOptimizationAction(a *models.OptimizationAction) error {
	_, err := c.db.Exec(
		`INSERT INTO optimization_actions (id, run_id, action_type, target, change_json, confidence,
		 accuracy_before, accuracy_after, can_rollback, rolled_back, previous_json, success, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.RunID, a.ActionType, a.Target, a.ChangeJSON, a.Confidence,
		a.AccuracyBefore, a.AccuracyAfter, boolToInt(a.CanRollback), boolToInt(a.RolledBack),
		a.PreviousJSON, boolToInt(a.Success), a.Error, a.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert optimization action: %w", err)
	}
	return nil
}

// UpdateActionAccuracyAfter records the suite accuracy measured after an
// action took effect, filled in by the following iteration's test run.
func (c *Client) UpdateActionAccuracyAfter(actionID string, accuracyAfter float64) error {
	_, err := c.db.Exec(
		`UPDATE optimization_actions SET accuracy_after = ? WHERE id = ?`,
		accuracyAfter, actionID,
	)
	if err != nil {
		return fmt.Errorf("failed to update action accuracy: %w", err)
	}
	return nil
}

func (c *Client) MarkActionRolledBack(actionID string) error {
	_, err := c.db.Exec(
		`UPDATE optimization_actions SET rolled_back = 1 WHERE id = ?`,
		actionID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark action rolled back: %w", err)
	}
	return nil
}

func (c *Client) InsertPipelineRun(r *models.PipelineRun) error {
	_, err := c.db.Exec(
		`INSERT INTO pipeline_runs (id, status, iterations, accuracy_json, target_accuracy, dry_run, error, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Status, r.Iterations, r.AccuracyJSON, r.TargetAccuracy, boolToInt(r.DryRun), r.Error, r.StartedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert pipeline run: %w", err)
	}
	return nil
}

func (c *Client) UpdatePipelineRun(r *models.PipelineRun) error {
	var completedAt interface{}
	if r.CompletedAt != nil {
		completedAt = r.CompletedAt.Unix()
	}

	_, err := c.db.Exec(
		`UPDATE pipeline_runs SET status = ?, iterations = ?, accuracy_json = ?, error = ?, completed_at = ? WHERE id = ?`,
		r.Status, r.Iterations, r.AccuracyJSON, r.Error, completedAt, r.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update pipeline run: %w", err)
	}
	return nil
}

func (c *Client) InsertQueryMetric(m *models.QueryMetricRecord) error {
	_, err := c.db.Exec(
		`INSERT INTO query_metrics (id, namespace, query_text, route, intent, confidence, blocked, latency_ms, stages_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Namespace, m.QueryText, m.Route, m.Intent, m.Confidence, boolToInt(m.Blocked), m.LatencyMS, m.StagesJSON, m.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert query metric: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
