package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/vynthen/chatgate/internal/keypool"
	"github.com/vynthen/chatgate/internal/upstream"
)

// maxRelayBodyBytes caps inbound request bodies. Chat payloads with long
// histories fit comfortably; this is an abuse bound, not a product limit.
const maxRelayBodyBytes = 10 << 20 // 10 MiB

// handlers holds the HTTP handlers behind the admission gate plus the admin
// key status endpoint.
type handlers struct {
	relay  *upstream.Client
	pool   *keypool.Pool
	logger *slog.Logger
}

func newHandlers(relay *upstream.Client, pool *keypool.Pool, logger *slog.Logger) *handlers {
	return &handlers{relay: relay, pool: pool, logger: logger}
}

// chatCompletions relays a chat request to the provider.
func (h *handlers) chatCompletions(w http.ResponseWriter, r *http.Request) {
	h.relayRequest(w, r, "/v1/chat/completions")
}

// imageGenerations relays an image generation request to the provider.
func (h *handlers) imageGenerations(w http.ResponseWriter, r *http.Request) {
	h.relayRequest(w, r, "/v1/images/generations")
}

func (h *handlers) relayRequest(w http.ResponseWriter, r *http.Request, path string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRelayBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body too large")
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}

	err = h.relay.Relay(r.Context(), w, path, body, contentType)
	if err == nil {
		return
	}

	reqID := r.Header.Get("X-Request-Id")

	switch {
	case errors.Is(err, upstream.ErrStreamInterrupted):
		// Headers and part of the body already went out; nothing useful
		// can be written now.
		h.logger.Warn("relay stream interrupted", "path", path, "request_id", reqID, "error", err)

	case errors.Is(err, keypool.ErrNoCredentials):
		h.logger.Error("relay rejected, no upstream credentials", "path", path, "request_id", reqID)
		writeError(w, http.StatusServiceUnavailable, "no_credentials",
			"service is not configured with upstream credentials")

	case errors.Is(err, upstream.ErrUpstreamRateLimited):
		h.logger.Warn("upstream rate limited on all keys", "path", path, "request_id", reqID)
		writeError(w, http.StatusTooManyRequests, "upstream_rate_limited",
			"the AI provider is rate limiting requests, please retry later")

	default:
		h.logger.Error("relay failed", "path", path, "request_id", reqID, "error", err)
		writeError(w, http.StatusBadGateway, "upstream_error",
			"the AI provider request failed")
	}
}

// keyStatusResponse is the admin view of the key pool. Credential values are
// never included.
type keyStatusResponse struct {
	TotalKeys    int    `json:"totalKeys"`
	ActiveKeys   int    `json:"activeKeys"`
	CurrentIndex int    `json:"currentIndex"`
	LastReset    string `json:"lastReset"`
}

// keyStatus reports the key pool rotation state on the admin server.
func (h *handlers) keyStatus(w http.ResponseWriter, _ *http.Request) {
	st := h.pool.Status()
	resp := keyStatusResponse{
		TotalKeys:    st.TotalKeys,
		ActiveKeys:   st.ActiveKeys,
		CurrentIndex: st.CurrentIndex,
		LastReset:    st.LastReset.UTC().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// errorResponse mirrors the middleware's rejection body shape so clients see
// one error format everywhere.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, code int, errType, message string) {
	body, _ := json.Marshal(errorResponse{Error: errType, Message: message})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}
