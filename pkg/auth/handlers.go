package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/releasegate/pkg/httputil"
)

const (
	stateCookie     = "releasegate_oidc_state"
	returnURLCookie = "releasegate_return_url"
	loginCookieAge  = 600
)

// CodeExchanger runs the authorization code flow
type CodeExchanger interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*Session, error)
}

// Handlers provides the sign-in endpoints
type Handlers struct {
	exchanger     CodeExchanger
	sessionCookie string
}

// NewHandlers creates sign-in handlers that store the session token in
// sessionCookie
func NewHandlers(exchanger CodeExchanger, sessionCookie string) *Handlers {
	return &Handlers{exchanger: exchanger, sessionCookie: sessionCookie}
}

// RegisterRoutes registers auth routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/auth/login", h.login).Methods("GET")
	router.HandleFunc("/auth/callback", h.callback).Methods("GET")
	router.HandleFunc("/auth/logout", h.logout).Methods("POST")
}

// login handles GET /auth/login
func (h *Handlers) login(w http.ResponseWriter, r *http.Request) {
	stateBytes := make([]byte, 32)
	if _, err := rand.Read(stateBytes); err != nil {
		httputil.WriteTryAgain(w)
		return
	}
	state := base64.RawURLEncoding.EncodeToString(stateBytes)

	setTemporaryCookie(w, stateCookie, state)
	if returnURL := r.URL.Query().Get("return_url"); safeReturnURL(returnURL) {
		setTemporaryCookie(w, returnURLCookie, returnURL)
	}

	http.Redirect(w, r, h.exchanger.AuthCodeURL(state), http.StatusFound)
}

// callback handles GET /auth/callback
func (h *Handlers) callback(w http.ResponseWriter, r *http.Request) {
	state, err := r.Cookie(stateCookie)
	if err != nil || state.Value == "" || r.URL.Query().Get("state") != state.Value {
		httputil.WriteBadRequest(w, "invalid state parameter")
		return
	}

	session, err := h.exchanger.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		httputil.WriteAppError(w, r, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     h.sessionCookie,
		Value:    session.Token,
		Path:     "/",
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
	clearCookie(w, stateCookie)

	returnURL := "/"
	if c, err := r.Cookie(returnURLCookie); err == nil && safeReturnURL(c.Value) {
		returnURL = c.Value
		clearCookie(w, returnURLCookie)
	}
	http.Redirect(w, r, returnURL, http.StatusFound)
}

// logout handles POST /auth/logout
func (h *Handlers) logout(w http.ResponseWriter, r *http.Request) {
	clearCookie(w, h.sessionCookie)
	httputil.WriteNoContent(w)
}

func setTemporaryCookie(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   loginCookieAge,
	})
}

func clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{Name: name, Path: "/", MaxAge: -1})
}

// safeReturnURL accepts only same-origin absolute paths
func safeReturnURL(u string) bool {
	return strings.HasPrefix(u, "/") && !strings.HasPrefix(u, "//") && !strings.Contains(u, `\`)
}
