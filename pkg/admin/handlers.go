package admin

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/releasegate/pkg/apperrors"
	"github.com/platinummonkey/releasegate/pkg/httputil"
	"github.com/platinummonkey/releasegate/pkg/profile"
	"github.com/platinummonkey/releasegate/pkg/rbac"
	"github.com/platinummonkey/releasegate/pkg/reqctx"
)

// Handlers provides HTTP handlers for user administration
type Handlers struct {
	service *Service
}

// NewHandlers creates new admin handlers
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes registers admin routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/me", h.me).Methods("GET")
	router.HandleFunc("/users", h.listUsers).Methods("GET")
	router.HandleFunc("/users/{id}/permissions", h.effectivePermissions).Methods("GET")
	router.HandleFunc("/users/{id}/overrides", h.listOverrides).Methods("GET")
	router.HandleFunc("/users/{id}/permissions/{resource}/{action}", h.setOverride).Methods("PUT")
	router.HandleFunc("/users/{id}/permissions/{resource}/{action}", h.resetOverride).Methods("DELETE")
	router.HandleFunc("/users/{id}/ui-overrides/{key}", h.setUIOverride).Methods("PUT")
	router.HandleFunc("/users/{id}/ui-overrides/{key}", h.resetUIOverride).Methods("DELETE")
	router.HandleFunc("/users/{id}/role", h.setRole).Methods("PUT")
	router.HandleFunc("/users/{id}/active", h.setActive).Methods("PUT")
}

// SetOverrideRequest is the body of PUT /users/{id}/permissions/{resource}/{action}
type SetOverrideRequest struct {
	Allowed *bool `json:"allowed"`
}

// SetUIOverrideRequest is the body of PUT /users/{id}/ui-overrides/{key}
type SetUIOverrideRequest struct {
	Visible bool `json:"visible"`
	Enabled bool `json:"enabled"`
}

// SetRoleRequest is the body of PUT /users/{id}/role
type SetRoleRequest struct {
	Role string `json:"role"`
}

// SetActiveRequest is the body of PUT /users/{id}/active
type SetActiveRequest struct {
	Active *bool `json:"active"`
}

// me handles GET /me
func (h *Handlers) me(w http.ResponseWriter, r *http.Request) {
	rc := reqctx.FromContext(r.Context())
	if rc.Anonymous() {
		httputil.WriteNotPermitted(w, false)
		return
	}
	httputil.WriteSuccess(w, rc.Subject)
}

// listUsers handles GET /users
func (h *Handlers) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.service.ListUsers(r.Context(), reqctx.FromContext(r.Context()))
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"data": users})
}

// effectivePermissions handles GET /users/{id}/permissions
func (h *Handlers) effectivePermissions(w http.ResponseWriter, r *http.Request) {
	decisions, err := h.service.EffectivePermissions(r.Context(), reqctx.FromContext(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"data": decisions})
}

// listOverrides handles GET /users/{id}/overrides
func (h *Handlers) listOverrides(w http.ResponseWriter, r *http.Request) {
	overrides, err := h.service.ListOverrides(r.Context(), reqctx.FromContext(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"data": overrides})
}

// setOverride handles PUT /users/{id}/permissions/{resource}/{action}
func (h *Handlers) setOverride(w http.ResponseWriter, r *http.Request) {
	var req SetOverrideRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	if req.Allowed == nil {
		httputil.WriteBadRequest(w, "allowed is required")
		return
	}

	vars := mux.Vars(r)
	p := rbac.Permission{Resource: rbac.Resource(vars["resource"]), Action: rbac.Action(vars["action"])}
	o, err := h.service.SetOverride(r.Context(), reqctx.FromContext(r.Context()), vars["id"], p, *req.Allowed)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, o)
}

// resetOverride handles DELETE /users/{id}/permissions/{resource}/{action}
func (h *Handlers) resetOverride(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p := rbac.Permission{Resource: rbac.Resource(vars["resource"]), Action: rbac.Action(vars["action"])}
	if _, err := h.service.ResetOverride(r.Context(), reqctx.FromContext(r.Context()), vars["id"], p); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// setUIOverride handles PUT /users/{id}/ui-overrides/{key}
func (h *Handlers) setUIOverride(w http.ResponseWriter, r *http.Request) {
	var req SetUIOverrideRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	vars := mux.Vars(r)
	o, err := h.service.SetUIOverride(r.Context(), reqctx.FromContext(r.Context()), vars["id"], vars["key"], req.Visible, req.Enabled)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, o)
}

// resetUIOverride handles DELETE /users/{id}/ui-overrides/{key}
func (h *Handlers) resetUIOverride(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if _, err := h.service.ResetUIOverride(r.Context(), reqctx.FromContext(r.Context()), vars["id"], vars["key"]); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	httputil.WriteNoContent(w)
}

// setRole handles PUT /users/{id}/role
func (h *Handlers) setRole(w http.ResponseWriter, r *http.Request) {
	var req SetRoleRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	role, ok := profile.ParseRole(req.Role)
	if !ok {
		httputil.WriteAppError(w, r, fmt.Errorf("unknown role %q: %w", req.Role, apperrors.ErrInvalidInput))
		return
	}

	subject, err := h.service.SetRole(r.Context(), reqctx.FromContext(r.Context()), mux.Vars(r)["id"], role)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, subject)
}

// setActive handles PUT /users/{id}/active
func (h *Handlers) setActive(w http.ResponseWriter, r *http.Request) {
	var req SetActiveRequest
	if err := httputil.ParseJSON(r, &req); err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	if req.Active == nil {
		httputil.WriteBadRequest(w, "active is required")
		return
	}

	subject, err := h.service.SetActive(r.Context(), reqctx.FromContext(r.Context()), mux.Vars(r)["id"], *req.Active)
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, subject)
}
