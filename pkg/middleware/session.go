package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/platinummonkey/releasegate/pkg/auth"
	"github.com/platinummonkey/releasegate/pkg/contextkeys"
	"github.com/platinummonkey/releasegate/pkg/httputil"
	"github.com/platinummonkey/releasegate/pkg/observability"
	"github.com/platinummonkey/releasegate/pkg/profile"
	"github.com/platinummonkey/releasegate/pkg/reqctx"
)

// SubjectResolver resolves a session token to a subject
type SubjectResolver interface {
	GetSubject(ctx context.Context, token string) (*profile.Subject, error)
}

// SessionMiddleware creates the request-scoped access context
type SessionMiddleware struct {
	sessions   SubjectResolver
	cookieName string
	logger     *observability.Logger
}

// NewSessionMiddleware creates a session middleware. logger may be nil.
func NewSessionMiddleware(sessions SubjectResolver, cookieName string, logger *observability.Logger) *SessionMiddleware {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &SessionMiddleware{sessions: sessions, cookieName: cookieName, logger: logger}
}

// Handler wraps an HTTP handler with session resolution
func (m *SessionMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		token, ok := m.token(r)
		if !ok {
			httputil.WriteNotPermitted(w, false)
			return
		}

		subject, err := m.sessions.GetSubject(ctx, token)
		if err != nil {
			m.logger.WithError(err).WithField("request_id", contextkeys.GetRequestID(ctx)).
				Error("Failed to resolve session subject")
			httputil.WriteTryAgain(w)
			return
		}

		rc := reqctx.New(subject, auth.SessionID(token), contextkeys.GetRequestID(ctx))
		next.ServeHTTP(w, r.WithContext(reqctx.WithContext(ctx, rc)))
	})
}

// token extracts the session token. A malformed Authorization header is
// rejected rather than treated as anonymous.
func (m *SessionMiddleware) token(r *http.Request) (string, bool) {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
			return "", false
		}
		return strings.TrimSpace(parts[1]), true
	}
	if m.cookieName != "" {
		if c, err := r.Cookie(m.cookieName); err == nil {
			return c.Value, true
		}
	}
	return "", true
}
