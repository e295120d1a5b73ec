package admin

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/goodtune/pricefleet/internal/budget"
)

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// HealthResponse is served by the unauthenticated /health endpoint.
type HealthResponse struct {
	Status   string      `json:"status"`
	Tier     budget.Tier `json:"tier"`
	Sessions int         `json:"sessions"`
	Uptime   string      `json:"uptime"`
}

// Config holds the admin server configuration.
type Config struct {
	ListenAddr      string
	APIToken        string // empty disables authentication
	RateLimit       int    // requests per minute per client
	RateLimitWindow time.Duration
	WriteTimeout    time.Duration // must cover the longest search, batching included
}

// WriteJSON writes a JSON response.
func WriteJSON(w http.ResponseWriter, statusCode int, data any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"Internal Server Error","message":"Failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

// WriteError writes an error response.
func WriteError(w http.ResponseWriter, statusCode int, message string) {
	WriteJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}
