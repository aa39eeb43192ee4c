package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/releasegate/pkg/apperrors"
	"github.com/platinummonkey/releasegate/pkg/profile"
)

type fakeProvider struct {
	identities map[string]*profile.Identity
	err        error
}

func (p *fakeProvider) Verify(ctx context.Context, token string) (*profile.Identity, error) {
	if p.err != nil {
		return nil, p.err
	}
	identity, ok := p.identities[token]
	if !ok {
		return nil, fmt.Errorf("unknown token: %w", apperrors.ErrUnauthenticated)
	}
	return identity, nil
}

type fakeProfiles struct {
	subjects map[string]*profile.Subject
	ensured  int
	touched  []string
	err      error
}

func (f *fakeProfiles) EnsureFromIdentity(ctx context.Context, identity *profile.Identity) (*profile.Subject, bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	f.ensured++
	if s, ok := f.subjects[identity.Subject]; ok {
		return s, false, nil
	}
	s := &profile.Subject{ID: "p-" + identity.Subject, Email: identity.Email, Role: profile.RoleViewer, IsActive: true}
	f.subjects[identity.Subject] = s
	return s, true, nil
}

func (f *fakeProfiles) TouchLastLogin(ctx context.Context, id string) error {
	f.touched = append(f.touched, id)
	return nil
}

func newTestSessions() (*Sessions, *fakeProfiles) {
	provider := &fakeProvider{identities: map[string]*profile.Identity{
		"good-token": {Subject: "idp|1", Email: "ana@example.com"},
	}}
	profiles := &fakeProfiles{subjects: map[string]*profile.Subject{}}
	return NewSessions(provider, profiles, nil), profiles
}

func TestSessions_GetSubject(t *testing.T) {
	sessions, profiles := newTestSessions()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	sessions.now = func() time.Time { return now }
	ctx := context.Background()

	subject, err := sessions.GetSubject(ctx, "good-token")
	require.NoError(t, err)
	require.NotNil(t, subject)
	assert.Equal(t, "p-idp|1", subject.ID)
	assert.Equal(t, profile.RoleViewer, subject.Role)
	assert.Equal(t, []string{"p-idp|1"}, profiles.touched, "first sign-in records the login")

	// Within the touch interval the login is not rewritten.
	now = now.Add(time.Minute)
	_, err = sessions.GetSubject(ctx, "good-token")
	require.NoError(t, err)
	assert.Len(t, profiles.touched, 1)

	now = now.Add(loginTouchInterval)
	_, err = sessions.GetSubject(ctx, "good-token")
	require.NoError(t, err)
	assert.Len(t, profiles.touched, 2)
	assert.Equal(t, 3, profiles.ensured)
}

func TestSessions_InvalidTokenIsAnonymous(t *testing.T) {
	sessions, profiles := newTestSessions()
	ctx := context.Background()

	for _, token := range []string{"", "expired-token"} {
		subject, err := sessions.GetSubject(ctx, token)
		assert.NoError(t, err)
		assert.Nil(t, subject)
	}
	assert.Zero(t, profiles.ensured)

	sessions.provider = &fakeProvider{err: errors.New("jwks fetch: connection refused")}
	subject, err := sessions.GetSubject(ctx, "good-token")
	assert.NoError(t, err)
	assert.Nil(t, subject)
}

func TestSessions_ProfileStoreFailureIsAnError(t *testing.T) {
	sessions, profiles := newTestSessions()
	profiles.err = errors.New("connection refused")

	subject, err := sessions.GetSubject(context.Background(), "good-token")
	assert.Error(t, err)
	assert.Nil(t, subject)
}

func TestSessionID(t *testing.T) {
	assert.Empty(t, SessionID(""))
	assert.Len(t, SessionID("token"), 32)
	assert.Equal(t, SessionID("token"), SessionID("token"))
	assert.NotEqual(t, SessionID("token"), SessionID("other"))
}

type fakeExchanger struct {
	codes map[string]*Session
}

func (f *fakeExchanger) AuthCodeURL(state string) string {
	return "https://id.example.com/authorize?state=" + state
}

func (f *fakeExchanger) Exchange(ctx context.Context, code string) (*Session, error) {
	s, ok := f.codes[code]
	if !ok {
		return nil, fmt.Errorf("bad code: %w", apperrors.ErrUnauthenticated)
	}
	return s, nil
}

func cookieNamed(rr *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rr.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestHandlers_LoginCallback(t *testing.T) {
	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	router := mux.NewRouter()
	NewHandlers(&fakeExchanger{codes: map[string]*Session{
		"code-1": {Token: "id-token", ExpiresAt: expires},
	}}, "rg_session").RegisterRoutes(router)

	login := httptest.NewRecorder()
	router.ServeHTTP(login, httptest.NewRequest(http.MethodGet, "/auth/login?return_url=/versions", nil))
	require.Equal(t, http.StatusFound, login.Code)
	state := cookieNamed(login, stateCookie)
	require.NotNil(t, state)
	assert.Contains(t, login.Header().Get("Location"), "state="+state.Value)
	assert.NotNil(t, cookieNamed(login, returnURLCookie))

	callback := func(query string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/auth/callback?"+query, nil)
		for _, c := range cookies {
			req.AddCookie(c)
		}
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}

	t.Run("state mismatch", func(t *testing.T) {
		rr := callback("code=code-1&state=forged", state)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Nil(t, cookieNamed(rr, "rg_session"))
	})

	t.Run("bad code", func(t *testing.T) {
		rr := callback("code=nope&state="+state.Value, state)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("success", func(t *testing.T) {
		rr := callback("code=code-1&state="+state.Value, state, &http.Cookie{Name: returnURLCookie, Value: "/versions"})
		require.Equal(t, http.StatusFound, rr.Code)
		assert.Equal(t, "/versions", rr.Header().Get("Location"))

		session := cookieNamed(rr, "rg_session")
		require.NotNil(t, session)
		assert.Equal(t, "id-token", session.Value)
		assert.True(t, session.HttpOnly)
		assert.True(t, expires.Equal(session.Expires))
	})

	t.Run("logout", func(t *testing.T) {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/auth/logout", nil))
		assert.Equal(t, http.StatusNoContent, rr.Code)
		assert.Equal(t, -1, cookieNamed(rr, "rg_session").MaxAge)
	})
}

func TestSafeReturnURL(t *testing.T) {
	assert.True(t, safeReturnURL("/versions?tab=2"))
	assert.False(t, safeReturnURL("https://evil.example.com"))
	assert.False(t, safeReturnURL("//evil.example.com"))
	assert.False(t, safeReturnURL(`/\evil.example.com`))
	assert.False(t, safeReturnURL(""))
}
