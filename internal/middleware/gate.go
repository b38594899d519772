// Package middleware implements the admission gate wrapped around every
// rate-limited handler: identity extraction → quota check → headers →
// handler or structured 429.
package middleware

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/vynthen/chatgate/internal/admission"
	"github.com/vynthen/chatgate/internal/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("chatgate.middleware")

// requestIDHeader is the canonical HTTP header for request correlation.
const requestIDHeader = "X-Request-Id"

// maxRequestIDLen is the maximum allowed length for a client-supplied
// X-Request-Id.
const maxRequestIDLen = 128

// requestIDRng is a per-goroutine-safe CSPRNG seeded from crypto/rand.
// ChaCha8 avoids a syscall per ID (unlike crypto/rand.Read), which reduces
// latency under high concurrency.
var requestIDRng = func() *rand.ChaCha8 {
	var seed [32]byte
	if _, err := cryptorand.Read(seed[:]); err != nil {
		panic("failed to seed ChaCha8: " + err.Error())
	}
	return rand.NewChaCha8(seed)
}()

// generateRequestID creates a 16-byte hex-encoded random ID (128 bits).
func generateRequestID() string {
	var buf [16]byte
	for i := 0; i < len(buf); i += 8 {
		v := requestIDRng.Uint64()
		binary.LittleEndian.PutUint64(buf[i:], v)
	}
	return hex.EncodeToString(buf[:])
}

// validRequestID checks that a client-supplied request ID is safe to
// propagate. Rejects IDs that are too long or contain non-printable /
// injection characters. Allowed: alphanumeric, hyphens, underscores, dots,
// colons.
func validRequestID(s string) bool {
	if len(s) == 0 || len(s) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == ':':
		default:
			return false
		}
	}
	return true
}

// jsonErrorResponse is the structured error body returned by chatgate.
type jsonErrorResponse struct {
	Error      string  `json:"error"`
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after,omitempty"`
	RequestID  string  `json:"request_id,omitempty"`
}

// writeJSONError writes a structured JSON error response. Any rate-limit
// headers already set on w are preserved.
func writeJSONError(w http.ResponseWriter, code int, errType, message string, retryAfter float64) {
	resp := jsonErrorResponse{
		Error:      errType,
		Message:    message,
		RetryAfter: retryAfter,
		RequestID:  w.Header().Get(requestIDHeader),
	}
	body, _ := json.Marshal(resp)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

// statusWriter captures the HTTP status code written by downstream handlers.
type statusWriter struct {
	http.ResponseWriter
	code    int
	written bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.code = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.code = http.StatusOK
		sw.written = true
	}
	return sw.ResponseWriter.Write(b)
}

// Unwrap supports http.ResponseController and middleware that check for
// underlying interfaces (http.Hijacker, http.Flusher, etc.).
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// Flush implements http.Flusher so that streamed AI responses work even with
// handlers that assert w.(http.Flusher) directly instead of using Unwrap().
func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// statusWriterPool amortizes statusWriter allocations on the hot path.
var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{} },
}

// Gate applies per-class admission control to HTTP handlers. One Gate is
// shared by all routes; the class is bound per route via Limit.
type Gate struct {
	strategy admission.Strategy
	logger   *slog.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// NewGate creates an admission gate over the given strategy.
func NewGate(strategy admission.Strategy, metrics *observability.Metrics, logger *slog.Logger) *Gate {
	return &Gate{
		strategy: strategy,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Limit wraps next with admission control for the given endpoint class.
// Unknown classes panic at wiring time rather than admitting silently.
func (g *Gate) Limit(class admission.Class, next http.Handler) http.Handler {
	cfg, err := admission.ConfigFor(class)
	if err != nil {
		panic(err)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := g.now()
		sw := statusWriterPool.Get().(*statusWriter)
		sw.ResponseWriter = w
		sw.code = http.StatusOK
		sw.written = false

		// Propagate or generate X-Request-Id for request correlation.
		// Validate client-supplied IDs to prevent CRLF injection and log
		// pollution.
		reqID := r.Header.Get(requestIDHeader)
		if !validRequestID(reqID) {
			reqID = generateRequestID()
			r.Header.Set(requestIDHeader, reqID)
		}
		sw.Header().Set(requestIDHeader, reqID)

		defer func() {
			duration := time.Since(start).Seconds()
			g.metrics.PromRequestDuration.WithLabelValues(
				r.Method,
				strconv.Itoa(sw.code),
			).Observe(duration)
			sw.ResponseWriter = nil // prevent dangling reference
			statusWriterPool.Put(sw)
		}()

		ip := admission.ClientIP(r)
		if ip == admission.UnknownIP {
			g.metrics.IncUnknownIdentity()
		}
		identity := class.String() + ":" + ip

		ctx, span := tracer.Start(r.Context(), "chatgate.admission")
		span.SetAttributes(
			attribute.String("admission.class", class.String()),
			attribute.String("admission.strategy", g.strategy.Name()),
		)
		dec, err := g.strategy.Check(ctx, identity, cfg)
		span.End()
		r = r.WithContext(ctx)

		if err != nil {
			// Counter store failure: admit rather than block the product
			// on rate-limiting infrastructure.
			g.metrics.IncStoreErrors()
			g.metrics.IncFailOpen()
			g.logger.Error("CounterStoreUnavailable, admitting without count",
				"class", class.String(),
				"error", err,
				"request_id", reqID)
			setRateLimitHeaders(sw, &admission.Decision{
				Limit:     cfg.Max,
				Remaining: cfg.Max - 1,
				ResetAt:   g.now().Truncate(cfg.Window).Add(cfg.Window),
			})
			next.ServeHTTP(sw, r)
			return
		}

		setRateLimitHeaders(sw, dec)
		g.metrics.ObserveRemaining(dec.Remaining)

		if !dec.Allowed {
			g.metrics.IncLimited(class.String())
			g.serveRateLimited(sw, dec)
			return
		}

		g.metrics.IncAllowed(class.String())
		next.ServeHTTP(sw, r)
	})
}

// setRateLimitHeaders writes standard rate-limit headers to every response,
// allowed and denied alike.
// See https://datatracker.ietf.org/doc/draft-ietf-httpapi-ratelimit-headers/
func setRateLimitHeaders(w http.ResponseWriter, dec *admission.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(dec.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(dec.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(dec.ResetAt.Unix(), 10))
}

func (g *Gate) serveRateLimited(w http.ResponseWriter, dec *admission.Decision) {
	retrySeconds := math.Ceil(dec.RetryAfter.Seconds())
	if retrySeconds < 1 {
		retrySeconds = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(int64(retrySeconds), 10))
	w.Header().Set("X-RateLimit-Remaining", "0")
	writeJSONError(w, http.StatusTooManyRequests, "rate_limited",
		"Too many requests, please try again later.", retrySeconds)
}
