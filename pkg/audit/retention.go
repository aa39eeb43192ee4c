package audit

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/platinummonkey/releasegate/pkg/observability"
)

const defaultRetentionBatchSize = 5000

// Archiver stores a copy of records before retention deletes them
type Archiver interface {
	PutObject(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// Retention deletes audit records older than a cutoff. It is the only path
// that removes audit rows.
type Retention struct {
	db        *sql.DB
	archiver  Archiver
	logger    *observability.Logger
	metrics   *observability.Metrics
	batchSize int
	now       func() time.Time
}

// NewRetention creates a retention job. archiver, logger and metrics may be nil.
func NewRetention(db *sql.DB, archiver Archiver, logger *observability.Logger, metrics *observability.Metrics) *Retention {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Retention{
		db:        db,
		archiver:  archiver,
		logger:    logger,
		metrics:   metrics,
		batchSize: defaultRetentionBatchSize,
		now:       time.Now,
	}
}

// WithBatchSize sets how many records are archived into one object and
// deleted in one transaction. Non-positive sizes keep the default.
func (r *Retention) WithBatchSize(n int) *Retention {
	if n > 0 {
		r.batchSize = n
	}
	return r
}

// CleanupOlderThan deletes records with timestamp before now - age and returns
// how many it removed. Running it again, or concurrently, removes nothing twice.
// With an archiver the doomed rows are uploaded first, one object per batch;
// an upload failure leaves that batch in place and stops the run, and the
// count of rows already removed is returned with the error.
func (r *Retention) CleanupOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	if age <= 0 {
		return 0, fmt.Errorf("retention age must be positive, got %s", age)
	}
	cutoff := r.now().UTC().Add(-age)

	var (
		deleted int64
		err     error
	)
	if r.archiver == nil {
		deleted, err = r.deleteBefore(ctx, cutoff)
	} else {
		deleted, err = r.archiveAndDelete(ctx, cutoff)
	}
	r.metrics.AddRetentionDeleted(deleted)
	if err != nil {
		return deleted, err
	}

	r.logger.WithFields(map[string]interface{}{
		"cutoff":  cutoff.Format(time.RFC3339),
		"deleted": deleted,
	}).Info("Audit retention cleanup complete")
	return deleted, nil
}

func (r *Retention) deleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, "DELETE FROM audit_logs WHERE timestamp < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete audit records: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted audit records: %w", err)
	}
	return n, nil
}

func (r *Retention) archiveAndDelete(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for {
		n, err := r.archiveBatch(ctx, cutoff)
		total += n
		if err != nil || n == 0 {
			return total, err
		}
	}
}

// archiveBatch archives and deletes up to batchSize of the oldest expired
// records in one transaction. Rows locked by a concurrent run are skipped.
func (r *Retention) archiveBatch(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin retention transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, "SELECT "+recordColumns+`
		FROM audit_logs
		WHERE timestamp < $1
		ORDER BY timestamp ASC, id ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, cutoff, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to select expired audit records: %w", err)
	}

	var buf bytes.Buffer
	writer, _ := NewRecordWriter(&buf, FormatNDJSON)
	var ids []int64
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return 0, err
		}
		if err := writer.Write(rec); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to encode archive: %w", err)
		}
		ids = append(ids, rec.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to iterate expired audit records: %w", err)
	}
	if len(ids) == 0 {
		return 0, tx.Commit()
	}
	if err := writer.Flush(); err != nil {
		return 0, fmt.Errorf("failed to encode archive: %w", err)
	}

	key := ArchiveKey(cutoff, uuid.NewString())
	location, err := r.archiver.PutObject(ctx, key, buf.Bytes(), FormatNDJSON.ContentType())
	if err != nil {
		return 0, fmt.Errorf("failed to archive audit records: %w", err)
	}
	r.logger.WithFields(map[string]interface{}{
		"object":  location,
		"records": len(ids),
	}).Info("Archived expired audit records")

	result, err := tx.ExecContext(ctx, "DELETE FROM audit_logs WHERE id = ANY($1)", pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("failed to delete audit records: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted audit records: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit retention: %w", err)
	}
	return n, nil
}

// ArchiveKey returns the object key of one archived batch
func ArchiveKey(cutoff time.Time, runID string) string {
	return path.Join("audit", cutoff.UTC().Format("2006-01-02"), runID+".ndjson")
}
