package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vynthen/chatgate/internal/admission"
	"github.com/vynthen/chatgate/internal/observability"
)

type stubStrategy struct {
	dec *admission.Decision
	err error
}

func (s *stubStrategy) Check(_ context.Context, _ string, _ admission.WindowConfig) (*admission.Decision, error) {
	return s.dec, s.err
}
func (s *stubStrategy) Name() string { return "stub" }
func (s *stubStrategy) Close() error { return nil }

func newTestGate(t *testing.T, s admission.Strategy) *Gate {
	t.Helper()
	return NewGate(s,
		observability.NewMetrics(prometheus.NewRegistry()),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func okHandler(called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func TestGateAllow(t *testing.T) {
	reset := time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC)
	g := newTestGate(t, &stubStrategy{dec: &admission.Decision{
		Allowed:   true,
		Limit:     30,
		Remaining: 29,
		ResetAt:   reset,
	}})

	var called bool
	h := g.Limit(admission.ClassChat, okHandler(&called))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("POST", "/v1/chat/completions", nil))

	assert.True(t, called)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "30", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "29", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, strconv.FormatInt(reset.Unix(), 10), w.Header().Get("X-RateLimit-Reset"))
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))
}

func TestGateDeny(t *testing.T) {
	g := newTestGate(t, &stubStrategy{dec: &admission.Decision{
		Allowed:    false,
		Limit:      30,
		Remaining:  0,
		ResetAt:    time.Now().Add(20 * time.Second),
		RetryAfter: 20 * time.Second,
	}})

	var called bool
	h := g.Limit(admission.ClassChat, okHandler(&called))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("POST", "/v1/chat/completions", nil))

	assert.False(t, called, "handler must not run on a denied request")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "20", w.Header().Get("Retry-After"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body jsonErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "rate_limited", body.Error)
	assert.NotEmpty(t, body.Message)
	assert.EqualValues(t, 20, body.RetryAfter)
}

func TestGateRetryAfterFloor(t *testing.T) {
	g := newTestGate(t, &stubStrategy{dec: &admission.Decision{
		Allowed:    false,
		Limit:      5,
		RetryAfter: 200 * time.Millisecond,
	}})

	var called bool
	h := g.Limit(admission.ClassAuth, okHandler(&called))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("POST", "/login", nil))
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestGateFailOpen(t *testing.T) {
	g := newTestGate(t, &stubStrategy{err: errors.New("connection refused")})

	var called bool
	h := g.Limit(admission.ClassChat, okHandler(&called))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("POST", "/v1/chat/completions", nil))

	assert.True(t, called, "store failure must not block requests")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "30", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "29", w.Header().Get("X-RateLimit-Remaining"))
}

func TestGateRequestID(t *testing.T) {
	g := newTestGate(t, &stubStrategy{dec: &admission.Decision{Allowed: true, Limit: 30, Remaining: 29}})
	h := g.Limit(admission.ClassChat, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))

	t.Run("generates when absent", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest("POST", "/", nil))
		assert.Len(t, w.Header().Get("X-Request-Id"), 32)
	})

	t.Run("propagates valid client id", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/", nil)
		r.Header.Set("X-Request-Id", "client-id-123")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		assert.Equal(t, "client-id-123", w.Header().Get("X-Request-Id"))
	})

	t.Run("replaces invalid client id", func(t *testing.T) {
		r := httptest.NewRequest("POST", "/", nil)
		r.Header.Set("X-Request-Id", "bad\r\nid")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		assert.NotEqual(t, "bad\r\nid", w.Header().Get("X-Request-Id"))
		assert.Len(t, w.Header().Get("X-Request-Id"), 32)
	})
}

func TestGateUnknownClassPanics(t *testing.T) {
	g := newTestGate(t, &stubStrategy{})
	assert.Panics(t, func() {
		g.Limit(admission.Class("bogus"), http.NotFoundHandler())
	})
}

// End-to-end admission over a real counting strategy: request 31 in a chat
// window is the first one rejected.
func TestGateChatQuotaEndToEnd(t *testing.T) {
	mem, err := admission.NewMemory("test:")
	require.NoError(t, err)
	defer mem.Close()

	g := newTestGate(t, mem)
	var handled int
	h := g.Limit(admission.ClassChat, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		handled++
		w.WriteHeader(http.StatusOK)
	}))

	for i := 1; i <= 31; i++ {
		r := httptest.NewRequest("POST", "/v1/chat/completions", nil)
		r.Header.Set("X-Real-IP", "192.0.2.50")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)

		if i <= 30 {
			require.Equal(t, http.StatusOK, w.Code, "request %d", i)
		} else {
			require.Equal(t, http.StatusTooManyRequests, w.Code, "request %d", i)
		}
	}
	assert.Equal(t, 30, handled)
}

func TestValidRequestID(t *testing.T) {
	assert.True(t, validRequestID("abc-123_x.y:z"))
	assert.False(t, validRequestID(""))
	assert.False(t, validRequestID("has space"))
	assert.False(t, validRequestID("crlf\r\n"))
	long := make([]byte, maxRequestIDLen+1)
	for i := range long {
		long[i] = 'a'
	}
	assert.False(t, validRequestID(string(long)))
}
