package audit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/releasegate/pkg/rbac"
	"github.com/platinummonkey/releasegate/pkg/reqctx"
)

func newTestRouter(t *testing.T, authz Authorizer) (*mux.Router, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	router := mux.NewRouter()
	NewHandlers(NewService(db, authz, nil, 0)).RegisterRoutes(router)
	return router, mock
}

func serve(router http.Handler, rc *reqctx.Context, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if rc != nil {
		req = req.WithContext(reqctx.WithContext(req.Context(), rc))
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestHandlers_ListLogs(t *testing.T) {
	router, mock := newTestRouter(t, &fakeAuthz{})

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM audit_logs WHERE operation_type = \$1`).
		WithArgs("DELETE").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(1)))
	rows := sqlmock.NewRows(recordColumnNames)
	addRecordRow(rows, sampleRecords()[2])
	mock.ExpectQuery(`ORDER BY timestamp DESC, id DESC LIMIT \$2 OFFSET \$3`).
		WithArgs("DELETE", 10, 0).
		WillReturnRows(rows)

	rr := serve(router, editorContext(), "/audit/logs?operation=delete&per_page=10")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var result ListResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
	require.Len(t, result.Data, 1)
	assert.Equal(t, "v9", result.Data[0].RecordID)
	assert.Equal(t, int64(1), result.Pagination.Total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandlers_Denials(t *testing.T) {
	router, mock := newTestRouter(t, &fakeAuthz{deny: map[rbac.Action]bool{rbac.ActionRead: true, rbac.ActionExport: true}})

	for _, target := range []string{"/audit/logs", "/audit/logs/clients/c1", "/audit/stats", "/audit/export?format=ndjson"} {
		rr := serve(router, editorContext(), target)
		assert.Equal(t, http.StatusForbidden, rr.Code, target)
		assert.JSONEq(t, `{"error":"not permitted"}`, rr.Body.String(), target)

		rr = serve(router, nil, target)
		assert.Equal(t, http.StatusUnauthorized, rr.Code, target)
		assert.JSONEq(t, `{"error":"not permitted"}`, rr.Body.String(), target)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandlers_DenialBeforeInputValidation(t *testing.T) {
	router, mock := newTestRouter(t, &fakeAuthz{deny: map[rbac.Action]bool{rbac.ActionRead: true, rbac.ActionExport: true}})

	for _, target := range []string{"/audit/logs?operation=merge", "/audit/logs?from=yesterday", "/audit/export?format=xml"} {
		rr := serve(router, editorContext(), target)
		assert.Equal(t, http.StatusForbidden, rr.Code, target)
		assert.JSONEq(t, `{"error":"not permitted"}`, rr.Body.String(), target)
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandlers_ExportTooLarge(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	router := mux.NewRouter()
	NewHandlers(NewService(db, &fakeAuthz{}, nil, 1)).RegisterRoutes(router)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM audit_logs`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(2)))
	mock.ExpectRollback()

	rr := serve(router, editorContext(), "/audit/export?format=ndjson")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Body.String(), "narrow the filter")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHandlers_BadInput(t *testing.T) {
	router, _ := newTestRouter(t, &fakeAuthz{})

	assert.Equal(t, http.StatusBadRequest, serve(router, editorContext(), "/audit/logs?operation=merge").Code)
	assert.Equal(t, http.StatusBadRequest, serve(router, editorContext(), "/audit/logs?from=yesterday").Code)
	assert.Equal(t, http.StatusBadRequest, serve(router, editorContext(), "/audit/export?format=xml").Code)
}

func TestHandlers_ExportCSV(t *testing.T) {
	router, mock := newTestRouter(t, &fakeAuthz{})

	rows := sqlmock.NewRows(recordColumnNames)
	addRecordRow(rows, sampleRecords()[0])
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM audit_logs WHERE table_name = \$1 ORDER BY timestamp ASC, id ASC`).
		WithArgs("clients").
		WillReturnRows(rows)
	mock.ExpectCommit()

	rr := serve(router, editorContext(), "/audit/export?format=csv&table_name=clients")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/csv", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Header().Get("Content-Disposition"), "attachment")

	parsed, err := ParseCSV(rr.Body)
	require.NoError(t, err)
	assert.Equal(t, sampleRecords()[:1], parsed)
	assert.NoError(t, mock.ExpectationsWereMet())
}
