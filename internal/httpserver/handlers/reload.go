package handlers

import (
	"net/http"

	"github.com/hestia-gateway/hestia/internal/httpserver/deps"
	"github.com/hestia-gateway/hestia/internal/logger"
)

// Reload handles POST /v1/reload: re-reads the config file. A rejected
// config keeps the old one in place.
func Reload(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Reload == nil {
			writeJSONError(w, http.StatusNotImplemented, "reload not available")
			return
		}
		if err := d.Reload(); err != nil {
			d.Logger.Warn("config reload rejected", logger.Error(err))
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		d.Logger.Info("config reloaded", logger.String("remote_ip", r.RemoteAddr))
		writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
	}
}
