package groundtruth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleRows() []SourceRow {
	return []SourceRow{
		{Sheet: "수수료", Index: 1, Cells: map[string]interface{}{
			"사번":    "EMP001",
			"마감년월":  "2025년 11월",
			"수수료합계": 1250000.0,
			"소속":    "강남지점",
		}},
		{Sheet: "수수료", Index: 2, Cells: map[string]interface{}{
			"사번":    nil,
			"마감년월":  "2025년 11월",
			"수수료합계": 980000.0,
		}},
	}
}

func TestExtractBasicRecord(t *testing.T) {
	e := NewExtractor(0.5, true)

	records, err := e.Extract(sampleRows(), ExtractConfig{
		KeyColumn:    "사번",
		PeriodColumn: "마감년월",
		SourceDocID:  "doc-1",
	})
	require.NoError(t, err)
	require.Len(t, records, 1)

	r := records[0]
	require.Equal(t, "EMP001", r.EntityID)
	require.Equal(t, "202511", r.Period)
	require.Equal(t, "doc-1", r.SourceDocID)
	require.Equal(t, "수수료", r.SourceSheet)
	require.Equal(t, 1, r.SourceRow)

	// Key and period columns are not data fields.
	require.Len(t, r.Fields, 2)
	n, ok := r.Fields["수수료합계"].Value.AsNumber()
	require.True(t, ok)
	require.Equal(t, 1250000.0, n)
	require.Equal(t, "강남지점", r.Fields["소속"].Value.String())

	// Record confidence is the minimum surviving field confidence; the
	// string field scores lower than the number.
	require.InDelta(t, 0.8, r.Confidence, 1e-9)
}

func TestExtractNullKeySkipped(t *testing.T) {
	e := NewExtractor(0.5, true)

	records, err := e.Extract(sampleRows(), ExtractConfig{
		KeyColumn:    "사번",
		PeriodColumn: "마감년월",
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "EMP001", records[0].EntityID)
}

func TestExtractNullKeyGetsSyntheticID(t *testing.T) {
	e := NewExtractor(0.5, false)

	records, err := e.Extract(sampleRows(), ExtractConfig{
		KeyColumn:    "사번",
		PeriodColumn: "마감년월",
	})
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "수수료:2", records[1].EntityID)
}

func TestExtractConfidenceFloorDropsFields(t *testing.T) {
	e := NewExtractor(0.5, true)

	records, err := e.Extract(sampleRows(), ExtractConfig{
		KeyColumn:       "사번",
		PeriodColumn:    "마감년월",
		ConfidenceFloor: 0.9,
	})
	require.NoError(t, err)
	require.Len(t, records, 1)

	// The string field falls below the floor; the numeric one survives.
	r := records[0]
	require.Len(t, r.Fields, 1)
	require.Contains(t, r.Fields, "수수료합계")
	require.InDelta(t, 0.95, r.Confidence, 1e-9)
}

func TestExtractRowWithNoSurvivingFieldsSkipped(t *testing.T) {
	e := NewExtractor(0.5, true)

	rows := []SourceRow{
		{Sheet: "s", Index: 1, Cells: map[string]interface{}{
			"사번": "EMP001",
			"비고": nil,
		}},
	}

	records, err := e.Extract(rows, ExtractConfig{KeyColumn: "사번"})
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestExtractRequiresKeyColumn(t *testing.T) {
	e := NewExtractor(0.5, true)
	_, err := e.Extract(sampleRows(), ExtractConfig{})
	require.Error(t, err)
}

func TestNormalizePeriod(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"202511", "202511"},
		{"2025-11", "202511"},
		{"2025-3", "202503"},
		{"2025.07", "202507"},
		{"2025/11", "202511"},
		{"2025년 11월", "202511"},
		{"2025년3월", "202503"},
		{"  202511  ", "202511"},
		{"", ""},
		{"상반기", "상반기"},
		{"11월", "11월"},
	}

	for _, tt := range tests {
		require.Equal(t, tt.want, NormalizePeriod(tt.in), tt.in)
	}
}

func TestMarshalFields(t *testing.T) {
	e := NewExtractor(0.5, true)
	records, err := e.Extract(sampleRows(), ExtractConfig{
		KeyColumn:    "사번",
		PeriodColumn: "마감년월",
	})
	require.NoError(t, err)

	out, err := MarshalFields(records[0])
	require.NoError(t, err)
	require.Contains(t, out, `"수수료합계":1250000`)
	require.Contains(t, out, `"소속":"강남지점"`)
}
