package audit

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeArchiver struct {
	objects map[string][]byte
	err     error
}

func (f *fakeArchiver) PutObject(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[key] = data
	return "s3://archive/" + key, nil
}

var retentionNow = time.Date(2026, 6, 30, 3, 0, 0, 0, time.UTC)

func newRetention(t *testing.T, archiver Archiver) (*Retention, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	r := NewRetention(db, archiver, nil, nil)
	r.now = func() time.Time { return retentionNow }
	return r, mock
}

func TestRetention_DeleteWithoutArchive(t *testing.T) {
	r, mock := newRetention(t, nil)
	cutoff := retentionNow.Add(-90 * 24 * time.Hour)

	mock.ExpectExec(`DELETE FROM audit_logs WHERE timestamp < \$1`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 7))
	mock.ExpectExec(`DELETE FROM audit_logs WHERE timestamp < \$1`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 0))

	n, err := r.CleanupOlderThan(context.Background(), 90*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	n, err = r.CleanupOlderThan(context.Background(), 90*24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetention_ArchivesBeforeDelete(t *testing.T) {
	archiver := &fakeArchiver{}
	r, mock := newRetention(t, archiver)

	records := sampleRecords()[:2]
	rows := sqlmock.NewRows(recordColumnNames)
	for _, rec := range records {
		addRecordRow(rows, rec)
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM audit_logs WHERE timestamp < \$1 ORDER BY timestamp ASC, id ASC LIMIT \$2 FOR UPDATE SKIP LOCKED`).
		WithArgs(sqlmock.AnyArg(), defaultRetentionBatchSize).
		WillReturnRows(rows)
	mock.ExpectExec(`DELETE FROM audit_logs WHERE id = ANY\(\$1\)`).
		WithArgs(pq.Array([]int64{1, 2})).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).WillReturnRows(sqlmock.NewRows(recordColumnNames))
	mock.ExpectCommit()

	n, err := r.CleanupOlderThan(context.Background(), 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, archiver.objects, 1)
	for key, data := range archiver.objects {
		assert.True(t, strings.HasPrefix(key, "audit/2026-05-31/"), key)
		assert.True(t, strings.HasSuffix(key, ".ndjson"), key)

		archived, err := ParseNDJSON(bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, records, archived)
	}
}

func TestRetention_ArchivesOneObjectPerBatch(t *testing.T) {
	archiver := &fakeArchiver{}
	r, mock := newRetention(t, archiver)
	r.WithBatchSize(1)

	records := sampleRecords()[:2]
	for _, rec := range records {
		rows := sqlmock.NewRows(recordColumnNames)
		addRecordRow(rows, rec)

		mock.ExpectBegin()
		mock.ExpectQuery(`LIMIT \$2 FOR UPDATE SKIP LOCKED`).
			WithArgs(sqlmock.AnyArg(), 1).
			WillReturnRows(rows)
		mock.ExpectExec(`DELETE FROM audit_logs WHERE id = ANY\(\$1\)`).
			WithArgs(pq.Array([]int64{rec.ID})).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
	}
	mock.ExpectBegin()
	mock.ExpectQuery(`LIMIT \$2 FOR UPDATE SKIP LOCKED`).WillReturnRows(sqlmock.NewRows(recordColumnNames))
	mock.ExpectCommit()

	n, err := r.CleanupOlderThan(context.Background(), 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Len(t, archiver.objects, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetention_LaterBatchFailureReportsProgress(t *testing.T) {
	archiver := &fakeArchiver{}
	r, mock := newRetention(t, archiver)
	r.WithBatchSize(1)

	rows := sqlmock.NewRows(recordColumnNames)
	addRecordRow(rows, sampleRecords()[0])
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).WillReturnRows(rows)
	mock.ExpectExec(`DELETE FROM audit_logs`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	n, err := r.CleanupOlderThan(context.Background(), 30*24*time.Hour)
	assert.ErrorContains(t, err, "connection reset")
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetention_ArchiveFailureKeepsRows(t *testing.T) {
	r, mock := newRetention(t, &fakeArchiver{err: errors.New("bucket gone")})

	rows := sqlmock.NewRows(recordColumnNames)
	addRecordRow(rows, sampleRecords()[0])

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).WillReturnRows(rows)
	mock.ExpectRollback()

	_, err := r.CleanupOlderThan(context.Background(), 24*time.Hour)
	assert.ErrorContains(t, err, "bucket gone")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetention_NothingExpired(t *testing.T) {
	archiver := &fakeArchiver{}
	r, mock := newRetention(t, archiver)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).WillReturnRows(sqlmock.NewRows(recordColumnNames))
	mock.ExpectCommit()

	n, err := r.CleanupOlderThan(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, archiver.objects)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetention_RejectsNonPositiveAge(t *testing.T) {
	r, _ := newRetention(t, nil)
	_, err := r.CleanupOlderThan(context.Background(), 0)
	assert.Error(t, err)
}

func TestArchiveKey(t *testing.T) {
	key := ArchiveKey(time.Date(2026, 2, 3, 23, 0, 0, 0, time.FixedZone("X", -5*3600)), "run-1")
	assert.Equal(t, "audit/2026-02-04/run-1.ndjson", key)
}
