package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel/codes"

	"github.com/platinummonkey/releasegate/pkg/apperrors"
	"github.com/platinummonkey/releasegate/pkg/observability"
	"github.com/platinummonkey/releasegate/pkg/reqctx"
)

// Recorder is the only writer of audit_logs. It writes through the caller's
// transaction so the record commits or rolls back with the mutation.
type Recorder struct {
	metrics *observability.Metrics
}

// NewRecorder creates an audit recorder. metrics may be nil.
func NewRecorder(metrics *observability.Metrics) *Recorder {
	return &Recorder{
		metrics: metrics,
	}
}

// Record inserts one audit row for entry inside tx. Subject, session and
// request identifiers come from rc; a nil rc records a system change. Any
// failure wraps apperrors.ErrAuditWriteFailed and must abort tx.
func (r *Recorder) Record(ctx context.Context, tx *sql.Tx, rc *reqctx.Context, entry Entry) (*Record, error) {
	ctx, span := observability.StartSpan(ctx, "audit.Record",
		observability.AttrAuditTable.String(entry.TableName),
		observability.AttrAuditOperation.String(string(entry.Operation)),
	)
	defer span.End()

	rec, err := r.record(ctx, tx, rc, entry)
	r.metrics.RecordAuditWrite(entry.TableName, string(entry.Operation), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "audit write failed")
		return nil, err
	}
	span.SetAttributes(observability.AttrAuditID.Int64(rec.ID))
	return rec, nil
}

func (r *Recorder) record(ctx context.Context, tx *sql.Tx, rc *reqctx.Context, entry Entry) (*Record, error) {
	if tx == nil {
		return nil, fmt.Errorf("%w: no transaction", apperrors.ErrAuditWriteFailed)
	}
	if !entry.Operation.Valid() || entry.TableName == "" || entry.RecordID == "" {
		return nil, fmt.Errorf("%w: incomplete entry for %s %s", apperrors.ErrAuditWriteFailed, entry.Operation, entry.TableName)
	}

	rec := &Record{
		TableName:    entry.TableName,
		Operation:    entry.Operation,
		RecordID:     entry.RecordID,
		OldValues:    entry.OldValues,
		NewValues:    entry.NewValues,
		SubjectID:    rc.SubjectID(),
		SubjectEmail: nonEmpty(derefString(rc.SubjectEmail())),
		Description:  nonEmpty(entry.Description),
		Tags:         entry.Tags,
	}
	if rec.Tags == nil {
		rec.Tags = []string{}
	}
	if entry.Bulk {
		rec.ChangedFields = []string{BulkSentinel}
	} else {
		rec.ChangedFields = ChangedFields(entry.Operation, entry.OldValues, entry.NewValues)
	}
	if rc != nil {
		rec.SessionID = nonEmpty(rc.SessionID)
		rec.RequestID = nonEmpty(rc.RequestID)
	}

	oldJSON, err := marshalValues(entry.OldValues)
	if err != nil {
		return nil, fmt.Errorf("%w: old values: %w", apperrors.ErrAuditWriteFailed, err)
	}
	newJSON, err := marshalValues(entry.NewValues)
	if err != nil {
		return nil, fmt.Errorf("%w: new values: %w", apperrors.ErrAuditWriteFailed, err)
	}

	query := `
		INSERT INTO audit_logs (
			table_name, operation_type, record_id,
			old_values, new_values, changed_fields,
			subject_id, subject_email, session_id, request_id,
			description, tags
		) VALUES (
			$1, $2, $3,
			$4, $5, $6,
			$7, $8, $9, $10,
			$11, $12
		) RETURNING id, timestamp
	`

	err = tx.QueryRowContext(ctx, query,
		rec.TableName, string(rec.Operation), rec.RecordID,
		oldJSON, newJSON, pq.Array(rec.ChangedFields),
		rec.SubjectID, rec.SubjectEmail, rec.SessionID, rec.RequestID,
		rec.Description, pq.Array(rec.Tags),
	).Scan(&rec.ID, &rec.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrAuditWriteFailed, err)
	}

	return rec, nil
}

// marshalValues encodes a JSONB column; nil stays SQL NULL
func marshalValues(values map[string]interface{}) (interface{}, error) {
	if values == nil {
		return nil, nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
