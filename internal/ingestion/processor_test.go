package ingestion

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const commissionTableHTML = `
<html><body>
<table>
  <caption>수수료 정산</caption>
  <tr><th>사번</th><th>마감년월</th><th>수수료합계</th></tr>
  <tr><td>EMP001</td><td>202511</td><td>1,250,000</td></tr>
  <tr><td>EMP002</td><td>202511</td><td>980,000</td></tr>
</table>
</body></html>`

func TestExtractTableRows(t *testing.T) {
	rows, err := ExtractTableRows(commissionTableHTML)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	require.Equal(t, "수수료 정산", rows[0].Sheet)
	require.Equal(t, 0, rows[0].Index)
	require.Equal(t, "EMP001", rows[0].Cells["사번"])
	require.Equal(t, "202511", rows[0].Cells["마감년월"])
	require.Equal(t, "1,250,000", rows[0].Cells["수수료합계"])

	require.Equal(t, "EMP002", rows[1].Cells["사번"])
	require.Equal(t, 1, rows[1].Index)
}

func TestExtractTableRowsSheetNameFallbacks(t *testing.T) {
	html := `
<table id="fyc_summary">
  <tr><th>사번</th></tr>
  <tr><td>EMP001</td></tr>
</table>
<table>
  <tr><th>사번</th></tr>
  <tr><td>EMP002</td></tr>
</table>`

	rows, err := ExtractTableRows(html)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	require.Equal(t, "fyc_summary", rows[0].Sheet)
	require.Equal(t, "table_1", rows[1].Sheet)

	// Row index keeps counting across tables.
	require.Equal(t, 0, rows[0].Index)
	require.Equal(t, 1, rows[1].Index)
}

func TestExtractTableRowsNormalizesWhitespace(t *testing.T) {
	html := `
<table>
  <tr><th>  사번 </th><th>소속
  지점</th></tr>
  <tr><td> EMP001 </td><td>강남
  1팀</td></tr>
</table>`

	rows, err := ExtractTableRows(html)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "EMP001", rows[0].Cells["사번"])
	require.Equal(t, "강남 1팀", rows[0].Cells["소속 지점"])
}

func TestExtractTableRowsExtraCellsIgnored(t *testing.T) {
	html := `
<table>
  <tr><th>사번</th><th>수수료합계</th></tr>
  <tr><td>EMP001</td><td>1000</td><td>overflow</td></tr>
</table>`

	rows, err := ExtractTableRows(html)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Len(t, rows[0].Cells, 2)
}

func TestExtractTableRowsNoTables(t *testing.T) {
	rows, err := ExtractTableRows("<p>수수료 안내문</p>")
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestDocumentIDDeterministic(t *testing.T) {
	a := DocumentID(commissionTableHTML)
	b := DocumentID(commissionTableHTML)
	require.Equal(t, a, b)
	require.NotEqual(t, a, DocumentID(commissionTableHTML+" "))
	require.NotEmpty(t, a)
}
