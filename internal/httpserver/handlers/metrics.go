package handlers

import (
	"net/http"

	"github.com/hestia-gateway/hestia/internal/httpserver/deps"
)

// Metrics handles GET /v1/metrics.
func Metrics(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.Metrics.Snapshot())
	}
}
