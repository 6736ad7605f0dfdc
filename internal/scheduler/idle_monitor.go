package scheduler

import (
	"context"
	"time"

	"github.com/hestia-gateway/hestia/internal/domain"
	"github.com/hestia-gateway/hestia/internal/logger"
	"github.com/hestia-gateway/hestia/internal/orchestrator"
	"github.com/hestia-gateway/hestia/internal/registry"
)

// DefaultSweepInterval is the idle-monitor cadence.
const DefaultSweepInterval = time.Second

// IdleMonitor sweeps all services and demotes the ones that have been hot
// with no traffic for longer than their idle timeout.
type IdleMonitor struct {
	registry *registry.Registry
	orch     *orchestrator.Orchestrator
	logger   logger.Logger
	interval time.Duration
	stopCh   chan struct{}
}

func NewIdleMonitor(
	reg *registry.Registry,
	orch *orchestrator.Orchestrator,
	log logger.Logger,
	interval time.Duration,
) *IdleMonitor {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &IdleMonitor{
		registry: reg,
		orch:     orch,
		logger:   log,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic sweep.
func (m *IdleMonitor) Start(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Sweep(ctx)
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop stops the monitor.
func (m *IdleMonitor) Stop() {
	close(m.stopCh)
}

// Sweep demotes every hot service whose idle window has elapsed.
func (m *IdleMonitor) Sweep(ctx context.Context) {
	now := time.Now()
	for id, e := range m.registry.List() {
		cfg := e.Config()
		if cfg.IdleTimeoutMs <= 0 {
			continue
		}

		st := e.State()
		if st.Lifecycle != domain.LifecycleHot {
			continue
		}
		idle := now.Sub(st.LastActivity)
		if idle < cfg.IdleTimeout() {
			continue
		}

		m.logger.Info("idle timeout elapsed, shutting service down",
			logger.String("service_id", id),
			logger.Duration("idle", idle))
		m.orch.ShutdownService(ctx, e)
	}
}
