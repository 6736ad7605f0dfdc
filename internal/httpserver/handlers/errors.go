package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hestia-gateway/hestia/internal/domain"
	"github.com/hestia-gateway/hestia/internal/httpserver/deps"
	"github.com/hestia-gateway/hestia/internal/logger"
)

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps engine errors to the gateway's status codes.
func writeError(w http.ResponseWriter, d deps.Deps, err error) {
	var startupErr *domain.StartupError

	switch {
	case errors.Is(err, domain.ErrUnknownService):
		writeJSONError(w, http.StatusNotFound, "unknown service")
	case errors.Is(err, domain.ErrQueueFull):
		writeJSONError(w, http.StatusServiceUnavailable, "request queue is full")
	case errors.Is(err, domain.ErrNoHealthyUpstream):
		writeJSONError(w, http.StatusServiceUnavailable, "no healthy upstream available")
	case errors.Is(err, domain.ErrShutdownInProgress):
		w.Header().Set("Retry-After", "1")
		writeJSONError(w, http.StatusServiceUnavailable, "gateway is shutting down")
	case errors.Is(err, domain.ErrQueueTimeout):
		writeJSONError(w, http.StatusGatewayTimeout, "timed out waiting for service readiness")
	case errors.As(err, &startupErr):
		writeJSONError(w, http.StatusBadGateway, startupErr.Error())
	default:
		d.Logger.Warn("upstream exchange failed", logger.Error(err))
		writeJSONError(w, http.StatusBadGateway, "upstream unavailable")
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
