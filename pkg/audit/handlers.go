package audit

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/releasegate/pkg/apperrors"
	"github.com/platinummonkey/releasegate/pkg/httputil"
	"github.com/platinummonkey/releasegate/pkg/rbac"
	"github.com/platinummonkey/releasegate/pkg/reqctx"
)

// Handlers provides HTTP handlers for audit queries
type Handlers struct {
	service     *Service
	exportGuard []mux.MiddlewareFunc
}

// NewHandlers creates new audit handlers. exportGuard wraps only the export
// route, outermost first.
func NewHandlers(service *Service, exportGuard ...mux.MiddlewareFunc) *Handlers {
	return &Handlers{service: service, exportGuard: exportGuard}
}

// RegisterRoutes registers audit routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/audit/logs", h.listLogs).Methods("GET")
	router.HandleFunc("/audit/logs/{table}/{record_id}", h.getHistory).Methods("GET")
	router.HandleFunc("/audit/stats", h.getStats).Methods("GET")

	var export http.Handler = http.HandlerFunc(h.export)
	for i := len(h.exportGuard) - 1; i >= 0; i-- {
		export = h.exportGuard[i](export)
	}
	router.Handle("/audit/export", export).Methods("GET")
}

// listLogs handles GET /audit/logs
func (h *Handlers) listLogs(w http.ResponseWriter, r *http.Request) {
	if err := h.service.authorize(r.Context(), reqctx.FromContext(r.Context()), rbac.ActionRead); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	page, err := httputil.ParseQueryInt(r, "page", 1)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	perPage, err := httputil.ParseQueryInt(r, "per_page", DefaultPerPage)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	result, err := h.service.List(r.Context(), reqctx.FromContext(r.Context()), filter, Page{Page: page, PerPage: perPage})
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// getHistory handles GET /audit/logs/{table}/{record_id}
func (h *Handlers) getHistory(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	records, err := h.service.History(r.Context(), reqctx.FromContext(r.Context()), vars["table"], vars["record_id"])
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"data": records})
}

// getStats handles GET /audit/stats
func (h *Handlers) getStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context(), reqctx.FromContext(r.Context()))
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, stats)
}

// export handles GET /audit/export?format=csv|ndjson
func (h *Handlers) export(w http.ResponseWriter, r *http.Request) {
	if err := h.service.authorize(r.Context(), reqctx.FromContext(r.Context()), rbac.ActionExport); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	format, err := ParseFormat(httputil.ParseQueryString(r, "format", string(FormatCSV)))
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	out := &exportResponse{w: w, format: format}
	err = h.service.Export(r.Context(), reqctx.FromContext(r.Context()), filter, format, out)
	if err != nil && !out.started {
		httputil.WriteAppError(w, r, err)
	}
}

// exportResponse defers headers until the first byte so a denial can still
// be answered with a JSON error.
type exportResponse struct {
	w       http.ResponseWriter
	format  Format
	started bool
}

func (e *exportResponse) Write(p []byte) (int, error) {
	if !e.started {
		e.started = true
		filename := fmt.Sprintf("audit-%s.%s", time.Now().UTC().Format("20060102-150405"), e.format)
		e.w.Header().Set("Content-Type", e.format.ContentType())
		e.w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
		e.w.WriteHeader(http.StatusOK)
	}
	return e.w.Write(p)
}

func parseFilter(r *http.Request) (Filter, error) {
	filter := Filter{
		TableName: httputil.ParseQueryString(r, "table_name", ""),
		Search:    httputil.ParseQueryString(r, "search", ""),
		RecordID:  httputil.ParseQueryString(r, "record_id", ""),
		SubjectID: httputil.ParseQueryString(r, "subject_id", ""),
	}

	if raw := httputil.ParseQueryString(r, "operation", ""); raw != "" {
		op, ok := ParseOperation(raw)
		if !ok {
			return Filter{}, fmt.Errorf("invalid operation %q: %w", raw, apperrors.ErrInvalidInput)
		}
		filter.Operation = op
	}

	var err error
	if filter.From, err = httputil.ParseQueryTime(r, "from"); err != nil {
		return Filter{}, err
	}
	if filter.To, err = httputil.ParseQueryTime(r, "to"); err != nil {
		return Filter{}, err
	}
	return filter, nil
}
