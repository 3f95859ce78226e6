// Package relay implements the CORS relay in front of the agent gateway.
// The gateway rejects browser origins and the API keys must not ship to
// the client, so the UI posts {apiUrl, apiKey, payload} here and the relay
// forwards the payload with the Bearer credential attached.
package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ForwardRequest is the body the relay accepts.
type ForwardRequest struct {
	APIURL  string          `json:"apiUrl"`
	APIKey  string          `json:"apiKey"`
	Payload json.RawMessage `json:"payload"`
}

// Handler forwards relay requests to the agent gateway.
type Handler struct {
	upstream *http.Client
	log      *zap.Logger
}

// NewHandler creates a relay handler. The upstream client carries no
// timeout of its own; the caller's connection lifetime bounds the forward.
func NewHandler(log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		upstream: &http.Client{},
		log:      log,
	}
}

// ServeHTTP handles POST relay requests. Upstream errors pass through with
// the upstream status so the client's retry logic sees the real failure.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req ForwardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.APIURL == "" || req.APIKey == "" || len(req.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "missing required fields: apiUrl, apiKey, payload")
		return
	}

	targetURL := strings.TrimSuffix(req.APIURL, "/") + "/chat-messages"
	h.log.Info("forwarding agent request",
		zap.String("target", targetURL),
		zap.Int("payload_bytes", len(req.Payload)))

	upReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, targetURL, bytes.NewReader(req.Payload))
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to build upstream request: %v", err))
		return
	}
	upReq.Header.Set("Content-Type", "application/json")
	upReq.Header.Set("Accept", "application/json")
	upReq.Header.Set("Authorization", "Bearer "+req.APIKey)

	start := time.Now()
	resp, err := h.upstream.Do(upReq)
	if err != nil {
		h.log.Error("upstream request failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, fmt.Sprintf("upstream request failed: %v", err))
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		writeError(w, http.StatusBadGateway, fmt.Sprintf("failed to read upstream response: %v", err))
		return
	}

	h.log.Info("upstream responded",
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		writeError(w, resp.StatusCode, fmt.Sprintf("upstream returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
