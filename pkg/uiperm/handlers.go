package uiperm

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/releasegate/pkg/httputil"
	"github.com/platinummonkey/releasegate/pkg/reqctx"
)

// Handlers provides HTTP handlers for UI permission hints
type Handlers struct {
	resolver *Resolver
}

// NewHandlers creates new UI permission handlers
func NewHandlers(resolver *Resolver) *Handlers {
	return &Handlers{resolver: resolver}
}

// RegisterRoutes registers UI permission routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/ui/permissions", h.listPermissions).Methods("GET")
	router.HandleFunc("/ui/permissions/{key}", h.getPermission).Methods("GET")
}

// listPermissions handles GET /ui/permissions
func (h *Handlers) listPermissions(w http.ResponseWriter, r *http.Request) {
	rc := reqctx.FromContext(r.Context())
	if rc.Anonymous() {
		httputil.WriteNotPermitted(w, false)
		return
	}

	results := h.resolver.ResolveAll(r.Context(), rc)
	degraded := false
	for _, res := range results {
		degraded = degraded || res.Degraded
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"elements": results,
		"degraded": degraded,
	})
}

// getPermission handles GET /ui/permissions/{key}
func (h *Handlers) getPermission(w http.ResponseWriter, r *http.Request) {
	rc := reqctx.FromContext(r.Context())
	if rc.Anonymous() {
		httputil.WriteNotPermitted(w, false)
		return
	}

	key, err := httputil.ParsePathString(r, "key")
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	httputil.WriteSuccess(w, h.resolver.Resolve(r.Context(), rc, key))
}
