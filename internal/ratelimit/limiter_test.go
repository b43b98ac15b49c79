package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowBurstThenReject(t *testing.T) {
	l := New("test", 0.001, 2)

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))

	// Keys are independent.
	assert.True(t, l.Allow("b"))
}

func TestCleanupRemovesIdleKeys(t *testing.T) {
	l := New("test", 1, 1)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.Allow("old")
	now = now.Add(5 * time.Minute)
	l.Allow("fresh")

	l.Cleanup()
	assert.Equal(t, 1, l.Len())
}

func TestMiddlewareUsesKeyFunc(t *testing.T) {
	l := New("test", 0.001, 1)
	h := l.Middleware(func(r *http.Request) string { return r.Header.Get("X-Owner") })(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusAccepted) }),
	)

	do := func(owner string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/runs", nil)
		req.Header.Set("X-Owner", owner)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusAccepted, do("alice").Code)
	rec := do("alice")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusAccepted, do("bob").Code)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:5123"
	assert.Equal(t, "10.0.0.7", ClientIP(req))

	req.RemoteAddr = "[::1]"
	assert.Equal(t, "::1", ClientIP(req))
}
