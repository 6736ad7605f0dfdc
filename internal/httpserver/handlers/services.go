package handlers

import (
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/hestia-gateway/hestia/internal/httpserver/deps"
)

// Status handles GET /v1/services/{serviceID}/status.
func Status(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := d.Gateway.Status(r.Context(), chi.URLParam(r, "serviceID"))
		if err != nil {
			writeError(w, d, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

// Start handles POST /v1/services/{serviceID}/start: proactive warmup.
func Start(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := d.Gateway.Warmup(r.Context(), chi.URLParam(r, "serviceID"))
		if err != nil {
			writeError(w, d, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

// Stop handles POST /v1/services/{serviceID}/stop.
func Stop(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := d.Gateway.Stop(r.Context(), chi.URLParam(r, "serviceID"))
		if err != nil {
			writeError(w, d, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

// ListServices handles GET /v1/services.
func ListServices(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries := d.Gateway.Registry().List()

		ids := make([]string, 0, len(entries))
		for id := range entries {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		views := make([]any, 0, len(ids))
		for _, id := range ids {
			e := entries[id]
			st := e.State()
			cfg := e.Config()
			views = append(views, map[string]any{
				"serviceId":    id,
				"state":        st.Lifecycle,
				"readiness":    st.Readiness,
				"queuePending": e.Queue().Len(),
				"baseUrl":      cfg.BaseURL,
				"strategy":     cfg.Strategy,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"services": views})
	}
}
