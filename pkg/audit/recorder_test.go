package audit

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/releasegate/pkg/apperrors"
	"github.com/platinummonkey/releasegate/pkg/profile"
	"github.com/platinummonkey/releasegate/pkg/reqctx"
)

func editorContext() *reqctx.Context {
	return reqctx.New(&profile.Subject{
		ID:       "11111111-1111-1111-1111-111111111111",
		Email:    "editor@example.com",
		Role:     profile.RoleEditor,
		IsActive: true,
	}, "sess-1", "req-1")
}

func TestRecorder_Record(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO audit_logs`).
		WithArgs(
			"clients", "UPDATE", "c1",
			[]byte(`{"name":"A"}`), []byte(`{"name":"B"}`), pq.Array([]string{"name"}),
			"11111111-1111-1111-1111-111111111111", "editor@example.com", "sess-1", "req-1",
			"rename", pq.Array([]string{}),
		).
		WillReturnRows(sqlmock.NewRows([]string{"id", "timestamp"}).AddRow(int64(42), ts))
	mock.ExpectCommit()

	tx, err := db.Begin()
	require.NoError(t, err)

	rec, err := NewRecorder(nil).Record(context.Background(), tx, editorContext(), Entry{
		Operation:   OperationUpdate,
		TableName:   "clients",
		RecordID:    "c1",
		OldValues:   map[string]interface{}{"name": "A"},
		NewValues:   map[string]interface{}{"name": "B"},
		Description: "rename",
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.Equal(t, int64(42), rec.ID)
	assert.Equal(t, ts, rec.Timestamp)
	assert.Equal(t, []string{"name"}, rec.ChangedFields)
	require.NotNil(t, rec.SubjectEmail)
	assert.Equal(t, "editor@example.com", *rec.SubjectEmail)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecorder_SystemChangeAndBulk(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO audit_logs`).
		WithArgs(
			"versions", "UPDATE", "*",
			nil, []byte(`{"channel":"stable"}`), pq.Array([]string{BulkSentinel}),
			nil, nil, nil, sqlmock.AnyArg(),
			nil, pq.Array([]string{"bulk"}),
		).
		WillReturnRows(sqlmock.NewRows([]string{"id", "timestamp"}).AddRow(int64(1), time.Now()))
	mock.ExpectCommit()

	tx, err := db.Begin()
	require.NoError(t, err)
	rec, err := NewRecorder(nil).Record(context.Background(), tx, reqctx.System(), Entry{
		Operation: OperationUpdate,
		TableName: "versions",
		RecordID:  "*",
		NewValues: map[string]interface{}{"channel": "stable"},
		Tags:      []string{"bulk"},
		Bulk:      true,
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.Nil(t, rec.SubjectID)
	assert.Nil(t, rec.SessionID)
	assert.NotNil(t, rec.RequestID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecorder_FailureWrapsSentinel(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO audit_logs`).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	tx, err := db.Begin()
	require.NoError(t, err)
	_, err = NewRecorder(nil).Record(context.Background(), tx, editorContext(), Entry{
		Operation: OperationDelete,
		TableName: "modules",
		RecordID:  "m1",
		OldValues: map[string]interface{}{"name": "core"},
	})
	assert.ErrorIs(t, err, apperrors.ErrAuditWriteFailed)
	assert.Contains(t, err.Error(), "disk full")
	require.NoError(t, tx.Rollback())

	_, err = NewRecorder(nil).Record(context.Background(), nil, editorContext(), Entry{
		Operation: OperationDelete, TableName: "modules", RecordID: "m1",
	})
	assert.ErrorIs(t, err, apperrors.ErrAuditWriteFailed)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecorder_RejectsIncompleteEntry(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	tx, err := db.Begin()
	require.NoError(t, err)

	_, err = NewRecorder(nil).Record(context.Background(), tx, editorContext(), Entry{
		Operation: Operation("MERGE"), TableName: "modules", RecordID: "m1",
	})
	assert.ErrorIs(t, err, apperrors.ErrAuditWriteFailed)

	_, err = NewRecorder(nil).Record(context.Background(), tx, editorContext(), Entry{
		Operation: OperationInsert, TableName: "modules",
	})
	assert.ErrorIs(t, err, apperrors.ErrAuditWriteFailed)
}

func TestUnitOfWork_Commit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE clients`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = NewUnitOfWork(db, time.Second, nil).Do(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE clients SET data = '{}'`)
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnitOfWork_RollbackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err = NewUnitOfWork(db, time.Second, nil).Do(context.Background(), func(tx *sql.Tx) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnitOfWork_RollbackOnPanic(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	assert.PanicsWithValue(t, "kaboom", func() {
		_ = NewUnitOfWork(db, time.Second, nil).Do(context.Background(), func(tx *sql.Tx) error {
			panic("kaboom")
		})
	})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnitOfWork_TimeoutPreventsCommit(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	err = NewUnitOfWork(db, 10*time.Millisecond, nil).Do(context.Background(), func(tx *sql.Tx) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Eventually(t, func() bool {
		return mock.ExpectationsWereMet() == nil
	}, time.Second, 10*time.Millisecond)
}
