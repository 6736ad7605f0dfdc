package handlers

import (
	"net/http"
	"sort"

	"github.com/hestia-gateway/hestia/internal/httpserver/deps"
)

// Strategies handles GET /v1/strategies: lists loaded strategies and each
// service's routing configuration.
func Strategies(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		names := d.Gateway.Strategies().Names()
		sort.Strings(names)

		entries := d.Gateway.Registry().List()
		ids := make([]string, 0, len(entries))
		for id := range entries {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		services := make([]any, 0, len(ids))
		for _, id := range ids {
			cfg := entries[id].Config()
			services = append(services, map[string]any{
				"serviceId": id,
				"strategy":  cfg.Strategy,
				"instances": len(cfg.Instances),
				"modelKey":  cfg.Routing.ModelKey,
				"mappings":  len(cfg.Routing.ByModel),
			})
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"strategies": names,
			"services":   services,
		})
	}
}
