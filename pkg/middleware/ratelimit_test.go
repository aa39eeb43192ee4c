package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/releasegate/pkg/profile"
	"github.com/platinummonkey/releasegate/pkg/reqctx"
)

func newTestLimiter(t *testing.T, limit int) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })

	return NewRateLimiter(client, RateLimitConfig{RequestsPerWindow: limit, WindowDuration: time.Minute}, "test", nil), mr
}

func TestRateLimiter_Allow(t *testing.T) {
	limiter, mr := newTestLimiter(t, 2)
	ctx := context.Background()

	d, err := limiter.Allow(ctx, "subject:a")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)
	assert.Equal(t, time.Minute, mr.TTL("test:subject:a"))

	d, err = limiter.Allow(ctx, "subject:a")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)

	d, err = limiter.Allow(ctx, "subject:a")
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	// Other keys have their own window.
	d, err = limiter.Allow(ctx, "subject:b")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	mr.FastForward(time.Minute + time.Second)
	d, err = limiter.Allow(ctx, "subject:a")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "a new window starts after expiry")
}

func TestRateLimiter_CounterWithoutTTLRecovers(t *testing.T) {
	limiter, mr := newTestLimiter(t, 2)
	ctx := context.Background()

	// A counter left behind with no expiry.
	require.NoError(t, mr.Set("test:subject:a", "5"))
	assert.Zero(t, mr.TTL("test:subject:a"))

	d, err := limiter.Allow(ctx, "subject:a")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Minute, mr.TTL("test:subject:a"))
	assert.Equal(t, time.Minute, d.ResetIn)

	// A running window is not extended by later requests.
	mr.FastForward(30 * time.Second)
	_, err = limiter.Allow(ctx, "subject:a")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, mr.TTL("test:subject:a"))

	mr.FastForward(31 * time.Second)
	d, err = limiter.Allow(ctx, "subject:a")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRateLimiter_Middleware(t *testing.T) {
	limiter, mr := newTestLimiter(t, 1)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	handler := limiter.Middleware()(next)

	rc := reqctx.New(&profile.Subject{ID: "u-1", Role: profile.RoleAdmin, IsActive: true}, "", "")
	serve := func(rc *reqctx.Context) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/audit/export", nil)
		if rc != nil {
			req = req.WithContext(reqctx.WithContext(req.Context(), rc))
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	first := serve(rc)
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", first.Header().Get("X-RateLimit-Remaining"))

	second := serve(rc)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "60", second.Header().Get("Retry-After"))

	// Anonymous requests are left to the permission check.
	assert.Equal(t, http.StatusOK, serve(nil).Code)

	// Redis down fails open.
	mr.Close()
	assert.Equal(t, http.StatusOK, serve(rc).Code)
}
