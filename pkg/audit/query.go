package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/releasegate/pkg/apperrors"
	"github.com/platinummonkey/releasegate/pkg/observability"
	"github.com/platinummonkey/releasegate/pkg/rbac"
	"github.com/platinummonkey/releasegate/pkg/reqctx"
)

// Authorizer gates audit reads
type Authorizer interface {
	Require(ctx context.Context, rc *reqctx.Context, resource rbac.Resource, action rbac.Action) error
}

// recordColumns is the select list matching scanRecord
const recordColumns = `id, table_name, operation_type, record_id, old_values, new_values,
	changed_fields, subject_id, subject_email, timestamp, session_id, request_id,
	description, tags`

// Service answers audit queries. It reads from db, which may be a replica.
type Service struct {
	db            *sql.DB
	authz         Authorizer
	stats         *StatsCache
	exportMaxRows int
}

// NewService creates an audit query service. stats may be nil, in which case
// Stats is computed directly from SQL on every call.
func NewService(db *sql.DB, authz Authorizer, stats *StatsCache, exportMaxRows int) *Service {
	if stats == nil {
		stats = NewStatsCache(db, nil, 0, nil, nil)
	}
	return &Service{
		db:            db,
		authz:         authz,
		stats:         stats,
		exportMaxRows: exportMaxRows,
	}
}

// List returns one page of records matching filter, newest first
func (s *Service) List(ctx context.Context, rc *reqctx.Context, filter Filter, page Page) (*ListResult, error) {
	if err := s.authz.Require(ctx, rc, rbac.ResourceAudit, rbac.ActionRead); err != nil {
		return nil, err
	}

	ctx, span := observability.StartSpan(ctx, "audit.List")
	defer span.End()

	page = page.Normalize()
	where, args := buildWhere(filter)

	var total int64
	countQuery := "SELECT COUNT(*) FROM audit_logs" + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count audit records: %w", err)
	}

	query := fmt.Sprintf("SELECT %s FROM audit_logs%s ORDER BY timestamp DESC, id DESC LIMIT $%d OFFSET $%d",
		recordColumns, where, len(args)+1, len(args)+2)
	args = append(args, page.PerPage, page.Offset())

	records, err := s.queryRecords(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int64("releasegate.audit.total", total), attribute.Int("releasegate.audit.returned", len(records)))
	return &ListResult{
		Data:       records,
		Pagination: NewPagination(page, total),
	}, nil
}

// History returns every record of one row in commit order
func (s *Service) History(ctx context.Context, rc *reqctx.Context, tableName, recordID string) ([]Record, error) {
	if err := s.authz.Require(ctx, rc, rbac.ResourceAudit, rbac.ActionRead); err != nil {
		return nil, err
	}

	ctx, span := observability.StartSpan(ctx, "audit.History")
	defer span.End()

	query := "SELECT " + recordColumns + `
		FROM audit_logs
		WHERE table_name = $1 AND record_id = $2
		ORDER BY timestamp ASC, id ASC`

	return s.queryRecords(ctx, query, tableName, recordID)
}

// Stats returns the materialized audit summary
func (s *Service) Stats(ctx context.Context, rc *reqctx.Context) (*Stats, error) {
	if err := s.authz.Require(ctx, rc, rbac.ResourceAudit, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.stats.Get(ctx)
}

// Export streams every record matching filter to w in commit order. When
// more than the configured maximum match, nothing is written and an input
// error asks the caller to narrow the filter; an export is never partial.
func (s *Service) Export(ctx context.Context, rc *reqctx.Context, filter Filter, format Format, w io.Writer) error {
	if err := s.authz.Require(ctx, rc, rbac.ResourceAudit, rbac.ActionExport); err != nil {
		return err
	}

	ctx, span := observability.StartSpan(ctx, "audit.Export", observability.AttrAuditFormat.String(string(format)))
	defer span.End()

	writer, err := NewRecordWriter(w, format)
	if err != nil {
		return err
	}

	// The count and the rows come from one snapshot.
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return fmt.Errorf("failed to begin export: %w", err)
	}
	defer tx.Rollback()

	where, args := buildWhere(filter)
	if s.exportMaxRows > 0 {
		var total int64
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_logs"+where, args...).Scan(&total); err != nil {
			return fmt.Errorf("failed to count audit records: %w", err)
		}
		span.SetAttributes(observability.AttrAuditRecords.Int64(total))
		if total > int64(s.exportMaxRows) {
			return fmt.Errorf("export matches %d records, more than the limit of %d; narrow the filter: %w",
				total, s.exportMaxRows, apperrors.ErrInvalidInput)
		}
	}

	rows, err := tx.QueryContext(ctx, "SELECT "+recordColumns+" FROM audit_logs"+where+" ORDER BY timestamp ASC, id ASC", args...)
	if err != nil {
		return fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return err
		}
		if err := writer.Write(rec); err != nil {
			return fmt.Errorf("failed to write export: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate audit records: %w", err)
	}
	if err := writer.Flush(); err != nil {
		return err
	}
	return tx.Commit()
}

// authorize checks action on audit for rc. Handlers call it before parsing
// input so an unauthorized caller only ever sees the generic denial.
func (s *Service) authorize(ctx context.Context, rc *reqctx.Context, action rbac.Action) error {
	return s.authz.Require(ctx, rc, rbac.ResourceAudit, action)
}

func (s *Service) queryRecords(ctx context.Context, query string, args ...interface{}) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit records: %w", err)
	}
	return records, nil
}

// buildWhere renders filter as a WHERE clause with positional args
func buildWhere(f Filter) (string, []interface{}) {
	var conditions []string
	var args []interface{}

	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}

	if f.TableName != "" {
		add("table_name = $%d", f.TableName)
	}
	if f.Operation != "" {
		add("operation_type = $%d", string(f.Operation))
	}
	if f.RecordID != "" {
		add("record_id = $%d", f.RecordID)
	}
	if f.SubjectID != "" {
		add("subject_id = $%d", f.SubjectID)
	}
	if f.From != nil {
		add("timestamp >= $%d", *f.From)
	}
	if f.To != nil {
		add("timestamp <= $%d", *f.To)
	}
	if search := strings.TrimSpace(f.Search); search != "" {
		args = append(args, "%"+escapeLike(search)+"%")
		n := len(args)
		conditions = append(conditions, fmt.Sprintf("(description ILIKE $%d OR subject_email ILIKE $%d)", n, n))
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(scanner rowScanner) (*Record, error) {
	var (
		rec           Record
		op            string
		oldValues     []byte
		newValues     []byte
		changedFields pq.StringArray
		tags          pq.StringArray
		subjectID     sql.NullString
		subjectEmail  sql.NullString
		sessionID     sql.NullString
		requestID     sql.NullString
		description   sql.NullString
	)

	err := scanner.Scan(
		&rec.ID, &rec.TableName, &op, &rec.RecordID, &oldValues, &newValues,
		&changedFields, &subjectID, &subjectEmail, &rec.Timestamp, &sessionID, &requestID,
		&description, &tags,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit record: %w", err)
	}

	rec.Operation = Operation(op)
	if len(oldValues) > 0 {
		if err := json.Unmarshal(oldValues, &rec.OldValues); err != nil {
			return nil, fmt.Errorf("failed to decode old_values of audit record %d: %w", rec.ID, err)
		}
	}
	if len(newValues) > 0 {
		if err := json.Unmarshal(newValues, &rec.NewValues); err != nil {
			return nil, fmt.Errorf("failed to decode new_values of audit record %d: %w", rec.ID, err)
		}
	}
	rec.ChangedFields = nonNilStrings(changedFields)
	rec.Tags = nonNilStrings(tags)
	rec.SubjectID = nullString(subjectID)
	rec.SubjectEmail = nullString(subjectEmail)
	rec.SessionID = nullString(sessionID)
	rec.RequestID = nullString(requestID)
	rec.Description = nullString(description)
	rec.Timestamp = rec.Timestamp.UTC()

	return &rec, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	s := ns.String
	return &s
}
