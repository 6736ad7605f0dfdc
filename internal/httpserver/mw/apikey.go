package mw

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/hestia-gateway/hestia/internal/config"
	"github.com/hestia-gateway/hestia/internal/logger"
	redisstore "github.com/hestia-gateway/hestia/internal/store/redis"
)

// APIKey rejects requests without a valid X-API-Key when auth is enabled.
// Keys come from the static config list, with the persisted key set
// consulted as a fallback. Disabled auth is a passthrough.
func APIKey(auth config.AuthConfig, store *redisstore.Store, log logger.Logger) func(http.Handler) http.Handler {
	if !auth.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				http.Error(w, "missing API key", http.StatusUnauthorized)
				return
			}

			for _, known := range auth.APIKeys {
				if subtle.ConstantTimeCompare([]byte(key), []byte(known)) == 1 {
					next.ServeHTTP(w, r)
					return
				}
			}

			if store != nil {
				ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
				ok, err := store.IsAPIKey(ctx, key)
				cancel()
				if err != nil {
					log.Warn("api key lookup failed", logger.Error(err))
				} else if ok {
					next.ServeHTTP(w, r)
					return
				}
			}

			http.Error(w, "invalid API key", http.StatusUnauthorized)
		})
	}
}
