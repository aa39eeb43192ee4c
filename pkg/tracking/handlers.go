package tracking

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/releasegate/pkg/audit"
	"github.com/platinummonkey/releasegate/pkg/httputil"
	"github.com/platinummonkey/releasegate/pkg/reqctx"
)

// Handlers provides HTTP handlers for the tracked tables
type Handlers struct {
	service *Service
}

// NewHandlers creates new tracking handlers
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes registers tracking routes for every tracked table
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	names := make([]string, len(Tables))
	for i, t := range Tables {
		names[i] = string(t)
	}
	prefix := "/{table:" + strings.Join(names, "|") + "}"

	router.HandleFunc(prefix, h.list).Methods("GET")
	router.HandleFunc(prefix, h.create).Methods("POST")
	router.HandleFunc(prefix+"/bulk-patch", h.bulkPatch).Methods("POST")
	router.HandleFunc(prefix+"/{id}", h.get).Methods("GET")
	router.HandleFunc(prefix+"/{id}", h.update).Methods("PUT")
	router.HandleFunc(prefix+"/{id}", h.delete).Methods("DELETE")
}

// CreateRequest is the body of POST /{table}
type CreateRequest struct {
	ID   string                 `json:"id,omitempty"`
	Data map[string]interface{} `json:"data"`
}

// UpdateRequest is the body of PUT /{table}/{id}
type UpdateRequest struct {
	Data map[string]interface{} `json:"data"`
}

// BulkPatchRequest is the body of POST /{table}/bulk-patch
type BulkPatchRequest struct {
	IDs   []string               `json:"ids"`
	Patch map[string]interface{} `json:"patch"`
}

func tableOf(r *http.Request) Table {
	return Table(mux.Vars(r)["table"])
}

// list handles GET /{table}
func (h *Handlers) list(w http.ResponseWriter, r *http.Request) {
	page, err := httputil.ParseQueryInt(r, "page", 1)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	perPage, err := httputil.ParseQueryInt(r, "per_page", audit.DefaultPerPage)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	rows, err := h.service.List(r.Context(), reqctx.FromContext(r.Context()), tableOf(r), audit.Page{Page: page, PerPage: perPage})
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"data": rows})
}

// create handles POST /{table}
func (h *Handlers) create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	row, err := h.service.Create(r.Context(), reqctx.FromContext(r.Context()), tableOf(r), req.ID, req.Data)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	httputil.WriteCreated(w, row)
}

// get handles GET /{table}/{id}
func (h *Handlers) get(w http.ResponseWriter, r *http.Request) {
	row, err := h.service.Get(r.Context(), reqctx.FromContext(r.Context()), tableOf(r), mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, row)
}

// update handles PUT /{table}/{id}
func (h *Handlers) update(w http.ResponseWriter, r *http.Request) {
	var req UpdateRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	row, err := h.service.Update(r.Context(), reqctx.FromContext(r.Context()), tableOf(r), mux.Vars(r)["id"], req.Data)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, row)
}

// delete handles DELETE /{table}/{id}
func (h *Handlers) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), reqctx.FromContext(r.Context()), tableOf(r), mux.Vars(r)["id"]); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// bulkPatch handles POST /{table}/bulk-patch
func (h *Handlers) bulkPatch(w http.ResponseWriter, r *http.Request) {
	var req BulkPatchRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	n, err := h.service.BulkPatch(r.Context(), reqctx.FromContext(r.Context()), tableOf(r), req.IDs, req.Patch)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"updated": n})
}
