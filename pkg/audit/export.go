package audit

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/releasegate/pkg/apperrors"
)

// Format is an export encoding
type Format string

const (
	FormatCSV    Format = "csv"
	FormatNDJSON Format = "ndjson"
)

// ParseFormat parses an export format name; empty means CSV
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatNDJSON:
		return FormatNDJSON, nil
	}
	return "", fmt.Errorf("unsupported export format %q: %w", s, apperrors.ErrInvalidInput)
}

// ContentType returns the HTTP content type of the format
func (f Format) ContentType() string {
	if f == FormatNDJSON {
		return "application/x-ndjson"
	}
	return "text/csv"
}

// csvHeader is the column order of CSV exports
var csvHeader = []string{
	"id", "table_name", "operation_type", "record_id",
	"old_values", "new_values", "changed_fields",
	"subject_id", "subject_email", "timestamp",
	"session_id", "request_id", "description", "tags",
}

// RecordWriter encodes records one at a time
type RecordWriter interface {
	Write(rec *Record) error
	Flush() error
}

// NewRecordWriter returns a writer for format
func NewRecordWriter(w io.Writer, format Format) (RecordWriter, error) {
	switch format {
	case FormatCSV:
		return newCSVWriter(w), nil
	case FormatNDJSON:
		return &ndjsonWriter{w: bufio.NewWriter(w)}, nil
	}
	return nil, fmt.Errorf("unsupported export format %q: %w", format, apperrors.ErrInvalidInput)
}

type csvWriter struct {
	w             *csv.Writer
	headerWritten bool
}

func newCSVWriter(w io.Writer) *csvWriter {
	return &csvWriter{w: csv.NewWriter(w)}
}

func (c *csvWriter) Write(rec *Record) error {
	if !c.headerWritten {
		if err := c.w.Write(csvHeader); err != nil {
			return err
		}
		c.headerWritten = true
	}

	oldValues, err := encodeJSONField(rec.OldValues)
	if err != nil {
		return err
	}
	newValues, err := encodeJSONField(rec.NewValues)
	if err != nil {
		return err
	}
	changed, err := json.Marshal(nonNilStrings(rec.ChangedFields))
	if err != nil {
		return err
	}
	tags, err := json.Marshal(nonNilStrings(rec.Tags))
	if err != nil {
		return err
	}

	return c.w.Write([]string{
		strconv.FormatInt(rec.ID, 10),
		rec.TableName,
		string(rec.Operation),
		rec.RecordID,
		oldValues,
		newValues,
		string(changed),
		derefString(rec.SubjectID),
		derefString(rec.SubjectEmail),
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
		derefString(rec.SessionID),
		derefString(rec.RequestID),
		derefString(rec.Description),
		string(tags),
	})
}

func (c *csvWriter) Flush() error {
	if !c.headerWritten {
		if err := c.w.Write(csvHeader); err != nil {
			return err
		}
		c.headerWritten = true
	}
	c.w.Flush()
	return c.w.Error()
}

type ndjsonWriter struct {
	w *bufio.Writer
}

func (n *ndjsonWriter) Write(rec *Record) error {
	out := *rec
	out.Timestamp = rec.Timestamp.UTC()
	out.ChangedFields = nonNilStrings(rec.ChangedFields)
	out.Tags = nonNilStrings(rec.Tags)

	data, err := json.Marshal(out)
	if err != nil {
		return err
	}
	if _, err := n.w.Write(data); err != nil {
		return err
	}
	return n.w.WriteByte('\n')
}

func (n *ndjsonWriter) Flush() error {
	return n.w.Flush()
}

// ParseCSV decodes a CSV export
func ParseCSV(r io.Reader) ([]Record, error) {
	reader := csv.NewReader(r)
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("missing CSV header: %w", apperrors.ErrInvalidInput)
	}
	if strings.Join(rows[0], ",") != strings.Join(csvHeader, ",") {
		return nil, fmt.Errorf("unexpected CSV header: %w", apperrors.ErrInvalidInput)
	}

	records := make([]Record, 0, len(rows)-1)
	for i, row := range rows[1:] {
		rec, err := parseCSVRow(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		records = append(records, *rec)
	}
	return records, nil
}

func parseCSVRow(row []string) (*Record, error) {
	if len(row) != len(csvHeader) {
		return nil, fmt.Errorf("expected %d columns, got %d: %w", len(csvHeader), len(row), apperrors.ErrInvalidInput)
	}

	id, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid id: %w", err)
	}
	op, ok := ParseOperation(row[2])
	if !ok {
		return nil, fmt.Errorf("invalid operation %q: %w", row[2], apperrors.ErrInvalidInput)
	}
	ts, err := time.Parse(time.RFC3339Nano, row[9])
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}

	rec := &Record{
		ID:           id,
		TableName:    row[1],
		Operation:    op,
		RecordID:     row[3],
		SubjectID:    nonEmpty(row[7]),
		SubjectEmail: nonEmpty(row[8]),
		Timestamp:    ts.UTC(),
		SessionID:    nonEmpty(row[10]),
		RequestID:    nonEmpty(row[11]),
		Description:  nonEmpty(row[12]),
	}
	if rec.OldValues, err = decodeJSONField(row[4]); err != nil {
		return nil, fmt.Errorf("invalid old_values: %w", err)
	}
	if rec.NewValues, err = decodeJSONField(row[5]); err != nil {
		return nil, fmt.Errorf("invalid new_values: %w", err)
	}
	if err := json.Unmarshal([]byte(row[6]), &rec.ChangedFields); err != nil {
		return nil, fmt.Errorf("invalid changed_fields: %w", err)
	}
	if err := json.Unmarshal([]byte(row[13]), &rec.Tags); err != nil {
		return nil, fmt.Errorf("invalid tags: %w", err)
	}
	rec.ChangedFields = nonNilStrings(rec.ChangedFields)
	rec.Tags = nonNilStrings(rec.Tags)
	return rec, nil
}

// ParseNDJSON decodes an NDJSON export
func ParseNDJSON(r io.Reader) ([]Record, error) {
	var records []Record
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		rec.Timestamp = rec.Timestamp.UTC()
		rec.ChangedFields = nonNilStrings(rec.ChangedFields)
		rec.Tags = nonNilStrings(rec.Tags)
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read NDJSON: %w", err)
	}
	return records, nil
}

// encodeJSONField writes a nil map as an empty cell
func encodeJSONField(values map[string]interface{}) (string, error) {
	if values == nil {
		return "", nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeJSONField(s string) (map[string]interface{}, error) {
	if s == "" {
		return nil, nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
