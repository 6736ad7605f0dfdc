package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/hestia-gateway/hestia/internal/config"
	"github.com/hestia-gateway/hestia/internal/executor"
	"github.com/hestia-gateway/hestia/internal/gateway"
	"github.com/hestia-gateway/hestia/internal/httpserver"
	"github.com/hestia-gateway/hestia/internal/httpserver/deps"
	"github.com/hestia-gateway/hestia/internal/logger"
	"github.com/hestia-gateway/hestia/internal/metrics"
	"github.com/hestia-gateway/hestia/internal/orchestrator"
	"github.com/hestia-gateway/hestia/internal/probe"
	"github.com/hestia-gateway/hestia/internal/proxy"
	"github.com/hestia-gateway/hestia/internal/redis"
	"github.com/hestia-gateway/hestia/internal/registry"
	"github.com/hestia-gateway/hestia/internal/scheduler"
	redisstore "github.com/hestia-gateway/hestia/internal/store/redis"
	"github.com/hestia-gateway/hestia/internal/strategy"
	"github.com/hestia-gateway/hestia/internal/version"
)

type App struct {
	cfg         *config.Config
	cfgPath     string
	logger      logger.Logger
	server      *httpserver.Server
	redisClient *goredis.Client
	registry    *registry.Registry
	gateway     *gateway.Gateway
	idleMonitor *scheduler.IdleMonitor
	flusher     *scheduler.ActivityFlusher
}

func New() (*App, error) {
	cfgPath := os.Getenv("HESTIA_CONFIG")
	if cfgPath == "" {
		cfgPath = config.DefaultPath
	}

	cfg, err := config.LoadFile(cfgPath)
	if err != nil {
		return nil, err
	}

	loggerClient := logger.New(cfg.LogLevel, cfg.PrettyLog)

	// Metadata store is optional: no redis address means the gateway runs
	// stateless.
	var redisClient *goredis.Client
	var store *redisstore.Store
	if cfg.Redis.Addr != "" {
		redisClient, err = redis.New(redis.ConnectOptions{
			Addr:     cfg.Redis.Addr,
			User:     cfg.Redis.Username,
			Password: cfg.Redis.Password,
			RedisDB:  cfg.Redis.DB,
		}, loggerClient)
		if err != nil {
			loggerClient.Errorf("Failed to connect to Redis: %v", err)
			return nil, err
		}
		store = redisstore.NewStore(redisClient)
		loggerClient.Info("metadata store initialized", logger.String("addr", cfg.Redis.Addr))
	} else {
		loggerClient.Info("no redis configured, metadata store disabled")
	}

	collector := metrics.NewCollector()

	tracker := strategy.NewHealthTracker(strategy.DefaultUnhealthyThreshold)
	lb := strategy.NewLoadBalancer(tracker)
	strategies := strategy.NewRegistry()
	if err := strategies.Register(lb); err != nil {
		return nil, err
	}
	if err := strategies.Register(strategy.NewModelRouter(lb)); err != nil {
		return nil, err
	}

	var execClient executor.Client
	if cfg.Executor.BaseURL != "" {
		execClient = executor.NewSemaphoreClient(
			cfg.Executor.BaseURL,
			cfg.Executor.ProjectID,
			cfg.Executor.Timeout.Std(),
			loggerClient,
		)
		loggerClient.Info("remote executor configured",
			logger.String("base_url", cfg.Executor.BaseURL))
	}

	prober := probe.New(nil)
	orch := orchestrator.New(prober, execClient, loggerClient, collector)

	reg := registry.New()
	reg.Apply(cfg.Services, cfg.DefaultService)
	loggerClient.Info("service registry loaded", logger.Int("services", len(cfg.Services)))

	px := proxy.New(nil, tracker, loggerClient, collector)
	gw := gateway.New(reg, strategies, lb, orch, px, prober, store, loggerClient, collector)

	idleMonitor := scheduler.NewIdleMonitor(reg, orch, loggerClient, scheduler.DefaultSweepInterval)

	var flusher *scheduler.ActivityFlusher
	if store != nil {
		flusher = scheduler.NewActivityFlusher(store, reg, loggerClient, scheduler.DefaultFlushInterval)
	}

	a := &App{
		cfg:         cfg,
		cfgPath:     cfgPath,
		logger:      loggerClient,
		redisClient: redisClient,
		registry:    reg,
		gateway:     gw,
		idleMonitor: idleMonitor,
		flusher:     flusher,
	}

	d := deps.Deps{
		Logger:    loggerClient,
		StartTime: time.Now(),
		Version:   version.Version,
		Commit:    version.Commit,
		BuildDate: version.BuildDate,
		GoVersion: version.GoVersion,
		Gateway:   gw,
		Metrics:   collector,
		Store:     store,
		Auth:      cfg.Auth,
		Reload:    a.reload,
	}
	a.server = httpserver.New(cfg, loggerClient, d)

	return a, nil
}

// reload re-reads the config file and applies the service set. A rejected
// config leaves everything as it was. Global settings (listen address,
// redis, executor) need a restart.
func (a *App) reload() error {
	cfg, err := config.LoadFile(a.cfgPath)
	if err != nil {
		return err
	}
	a.registry.Apply(cfg.Services, cfg.DefaultService)
	a.cfg.Services = cfg.Services
	a.cfg.DefaultService = cfg.DefaultService
	a.logger.Info("service configuration applied",
		logger.Int("services", len(cfg.Services)))
	return nil
}

func (a *App) Run() error {
	a.logger.Infof("🚀 Starting Hestia v%s on %s", version.Version, a.cfg.Listen)
	a.logger.Infof("Hestia %s (commit=%s, built=%s, go=%s)",
		version.Version, version.Commit, version.BuildDate, version.GoVersion)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.idleMonitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start idle monitor: %w", err)
	}
	a.logger.Info("idle monitor started",
		logger.Duration("interval", scheduler.DefaultSweepInterval))

	if a.flusher != nil {
		if err := a.flusher.Start(ctx); err != nil {
			return fmt.Errorf("failed to start activity flusher: %w", err)
		}
		a.logger.Info("activity flusher started",
			logger.Duration("interval", scheduler.DefaultFlushInterval))
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.Start(); err != nil {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("⏳ Shutting down gracefully...")
	case err := <-errCh:
		return err
	}

	// Reject new work and release every parked request first, then give
	// in-flight proxies the grace period to flush.
	a.gateway.Shutdown()

	a.idleMonitor.Stop()
	if a.flusher != nil {
		a.flusher.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout.Std())
	defer cancel()
	if err := a.server.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("failed to stop server: %w", err)
	}

	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warnf("failed to close redis: %v", err)
		} else {
			a.logger.Info("✅ Redis closed cleanly")
		}
	}

	a.logger.Info("✅ Hestia stopped cleanly")
	return nil
}
