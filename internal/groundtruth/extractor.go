package groundtruth

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ragadmin/backend/internal/schema"
	"github.com/ragadmin/backend/pkg/logger"
)

// SourceRow is one raw tabular row from an admin-verified source document,
// with cell values keyed by column name.
type SourceRow struct {
	Sheet string
	Index int
	Cells map[string]interface{}
}

type ExtractConfig struct {
	// KeyColumn names the column whose value identifies the entity
	// (typically an employee id or name).
	KeyColumn string
	// PeriodColumn names the column carrying the reporting period, if any.
	PeriodColumn string
	// ConfidenceFloor drops individual field values scored below it.
	ConfidenceFloor float64
	// SkipNullKeys drops rows whose key column is empty or null.
	SkipNullKeys bool
	// SourceDocID is recorded on every extracted record for invalidation
	// when the document is later deleted.
	SourceDocID string
}

type FieldValue struct {
	Value      schema.Value
	Confidence float64
}

// Record is ground truth for one entity in one period: the trusted field
// values every accuracy test for that entity compares against.
type Record struct {
	EntityID    string
	Period      string
	Fields      map[string]FieldValue
	Confidence  float64
	SourceDocID string
	SourceSheet string
	SourceRow   int
	ExtractedAt time.Time
}

type Extractor struct {
	confidenceFloor float64
	skipNullKeys    bool
}

func NewExtractor(confidenceFloor float64, skipNullKeys bool) *Extractor {
	if confidenceFloor <= 0 {
		confidenceFloor = 0.5
	}
	return &Extractor{confidenceFloor: confidenceFloor, skipNullKeys: skipNullKeys}
}

// Extract converts verified source rows into ground-truth records. Rows
// without a usable key are skipped when SkipNullKeys is set; field values
// below the confidence floor are dropped but the row survives. Record
// confidence is the minimum surviving field confidence.
func (e *Extractor) Extract(rows []SourceRow, cfg ExtractConfig) ([]Record, error) {
	if cfg.KeyColumn == "" {
		return nil, fmt.Errorf("key column is required")
	}

	floor := cfg.ConfidenceFloor
	if floor == 0 {
		floor = e.confidenceFloor
	}

	var records []Record
	var skipped int

	for _, row := range rows {
		entityID := cellString(row.Cells[cfg.KeyColumn])
		if entityID == "" {
			if cfg.SkipNullKeys || e.skipNullKeys {
				skipped++
				continue
			}
			entityID = fmt.Sprintf("%s:%d", row.Sheet, row.Index)
		}

		record := Record{
			EntityID:    entityID,
			Fields:      map[string]FieldValue{},
			Confidence:  1.0,
			SourceDocID: cfg.SourceDocID,
			SourceSheet: row.Sheet,
			SourceRow:   row.Index,
			ExtractedAt: time.Now(),
		}

		if cfg.PeriodColumn != "" {
			record.Period = NormalizePeriod(cellString(row.Cells[cfg.PeriodColumn]))
		}

		for column, raw := range row.Cells {
			if column == cfg.KeyColumn || column == cfg.PeriodColumn {
				continue
			}
			value := schema.FromRaw(raw)
			confidence := schema.ValueConfidence(value)
			if confidence < floor {
				continue
			}
			record.Fields[column] = FieldValue{Value: value, Confidence: confidence}
			if confidence < record.Confidence {
				record.Confidence = confidence
			}
		}

		if len(record.Fields) == 0 {
			skipped++
			continue
		}

		records = append(records, record)
	}

	logger.Info("Ground truth extracted",
		zap.String("source_doc", cfg.SourceDocID),
		zap.Int("rows", len(rows)),
		zap.Int("records", len(records)),
		zap.Int("skipped", skipped),
	)

	return records, nil
}

var (
	periodDashPattern   = regexp.MustCompile(`^(\d{4})[-./](\d{1,2})$`)
	periodKoreanPattern = regexp.MustCompile(`^(\d{4})\s*년\s*(\d{1,2})\s*월$`)
)

// NormalizePeriod canonicalizes period spellings to YYYYMM. Unrecognized
// inputs pass through unchanged so they still match documents that use the
// same spelling.
func NormalizePeriod(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if schema.IsPeriodShaped(s) {
		return s
	}
	for _, pattern := range []*regexp.Regexp{periodDashPattern, periodKoreanPattern} {
		if m := pattern.FindStringSubmatch(s); m != nil {
			return m[1] + padMonth(m[2])
		}
	}
	return s
}

func padMonth(m string) string {
	if len(m) == 1 {
		return "0" + m
	}
	return m
}

func cellString(raw interface{}) string {
	if raw == nil {
		return ""
	}
	v := schema.FromRaw(raw)
	if v.IsNull() {
		return ""
	}
	return strings.TrimSpace(v.String())
}

// MarshalFields serializes a record's field values for persistence.
func MarshalFields(record Record) (string, error) {
	out := make(map[string]interface{}, len(record.Fields))
	for name, fv := range record.Fields {
		if n, ok := fv.Value.AsNumber(); ok {
			out[name] = n
			continue
		}
		out[name] = fv.Value.String()
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("marshal ground truth fields: %w", err)
	}
	return string(b), nil
}
