package audit

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func sampleRecords() []Record {
	return []Record{
		{
			ID:            1,
			TableName:     "clients",
			Operation:     OperationInsert,
			RecordID:      "c1",
			NewValues:     map[string]interface{}{"name": "Acme, \"Inc\"", "seats": float64(12)},
			ChangedFields: []string{"name", "seats"},
			SubjectID:     strPtr("11111111-1111-1111-1111-111111111111"),
			SubjectEmail:  strPtr("editor@example.com"),
			Timestamp:     time.Date(2026, 1, 2, 3, 4, 5, 123456000, time.UTC),
			SessionID:     strPtr("sess-1"),
			RequestID:     strPtr("req-1"),
			Description:   strPtr("line one\nline two"),
			Tags:          []string{"import", "ünïcode"},
		},
		{
			ID:            2,
			TableName:     "clients",
			Operation:     OperationUpdate,
			RecordID:      "c1",
			OldValues:     map[string]interface{}{"name": "A", "meta": map[string]interface{}{"x": []interface{}{float64(1)}}},
			NewValues:     map[string]interface{}{"name": "B", "meta": map[string]interface{}{"x": []interface{}{float64(1)}}},
			ChangedFields: []string{"name"},
			Timestamp:     time.Date(2026, 1, 2, 3, 4, 6, 0, time.UTC),
			Tags:          []string{},
		},
		{
			ID:            3,
			TableName:     "versions",
			Operation:     OperationDelete,
			RecordID:      "v9",
			OldValues:     map[string]interface{}{},
			ChangedFields: []string{},
			Timestamp:     time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC),
			Tags:          []string{},
		},
	}
}

func encode(t *testing.T, format Format, records []Record) []byte {
	var buf bytes.Buffer
	w, err := NewRecordWriter(&buf, format)
	require.NoError(t, err)
	for i := range records {
		require.NoError(t, w.Write(&records[i]))
	}
	require.NoError(t, w.Flush())
	return buf.Bytes()
}

func TestExport_CSVRoundTrip(t *testing.T) {
	records := sampleRecords()
	data := encode(t, FormatCSV, records)

	parsed, err := ParseCSV(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, records, parsed)
}

func TestExport_NDJSONRoundTrip(t *testing.T) {
	records := sampleRecords()
	data := encode(t, FormatNDJSON, records)
	assert.Equal(t, len(records), strings.Count(string(data), "\n"))

	parsed, err := ParseNDJSON(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, records, parsed)
}

func TestExport_EmptyCSVHasHeader(t *testing.T) {
	data := encode(t, FormatCSV, nil)
	assert.Equal(t, strings.Join(csvHeader, ",")+"\n", string(data))

	parsed, err := ParseCSV(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Empty(t, parsed)
}

func TestParseCSV_Rejects(t *testing.T) {
	_, err := ParseCSV(strings.NewReader("a,b\n1,2\n"))
	assert.Error(t, err)

	data := encode(t, FormatCSV, sampleRecords()[:1])
	broken := strings.Replace(string(data), ",INSERT,", ",UPSERT,", 1)
	_, err = ParseCSV(strings.NewReader(broken))
	assert.Error(t, err)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, f)

	f, err = ParseFormat("NDJSON")
	require.NoError(t, err)
	assert.Equal(t, FormatNDJSON, f)
	assert.Equal(t, "application/x-ndjson", f.ContentType())

	_, err = ParseFormat("xml")
	assert.Error(t, err)
}
