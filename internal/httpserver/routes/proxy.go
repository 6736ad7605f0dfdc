package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/hestia-gateway/hestia/internal/httpserver/deps"
	"github.com/hestia-gateway/hestia/internal/httpserver/handlers"
	"github.com/hestia-gateway/hestia/internal/httpserver/mw"
)

func init() { Register(registerProxy) }

func registerProxy(r chi.Router, d deps.Deps) {
	r.With(mw.APIKey(d.Auth, d.Store, d.Logger)).
		Handle("/services/{serviceID}/*", handlers.TransparentProxy(d))
}
