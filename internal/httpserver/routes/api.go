package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/hestia-gateway/hestia/internal/httpserver/deps"
	"github.com/hestia-gateway/hestia/internal/httpserver/handlers"
	"github.com/hestia-gateway/hestia/internal/httpserver/mw"
)

func init() { Register(registerAPI) }

func registerAPI(r chi.Router, d deps.Deps) {
	r.Route("/v1", func(api chi.Router) {
		api.Use(mw.APIKey(d.Auth, d.Store, d.Logger))

		api.Post("/requests", handlers.Dispatch(d))
		api.Get("/services", handlers.ListServices(d))
		api.Get("/services/{serviceID}/status", handlers.Status(d))
		api.Post("/services/{serviceID}/start", handlers.Start(d))
		api.Post("/services/{serviceID}/stop", handlers.Stop(d))
		api.Get("/metrics", handlers.Metrics(d))
		api.Get("/strategies", handlers.Strategies(d))
		api.Post("/reload", handlers.Reload(d))
	})
}
