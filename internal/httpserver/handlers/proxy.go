package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hestia-gateway/hestia/internal/httpserver/deps"
)

// TransparentProxy handles /services/{serviceID}/* for any method. The
// rest of the path and the query string pass through verbatim.
func TransparentProxy(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serviceID := chi.URLParam(r, "serviceID")
		rest := chi.URLParam(r, "*")

		if err := d.Gateway.Handle(w, r, serviceID, rest); err != nil {
			writeError(w, d, err)
		}
	}
}
