package deps

import (
	"time"

	"github.com/hestia-gateway/hestia/internal/config"
	"github.com/hestia-gateway/hestia/internal/gateway"
	"github.com/hestia-gateway/hestia/internal/logger"
	"github.com/hestia-gateway/hestia/internal/metrics"
	redisstore "github.com/hestia-gateway/hestia/internal/store/redis"
)

type Deps struct {
	Logger    logger.Logger
	StartTime time.Time
	Version   string
	Commit    string
	BuildDate string
	GoVersion string

	Gateway *gateway.Gateway
	Metrics *metrics.Collector
	Store   *redisstore.Store // nil when no metadata store is configured

	Auth config.AuthConfig

	// Reload re-reads the config file and applies it; returns the
	// ConfigError on rejection (old config retained).
	Reload func() error
}
