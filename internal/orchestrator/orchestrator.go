// Package orchestrator drives the cold-start and shutdown edges of the
// per-service state machine.
package orchestrator

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/hestia-gateway/hestia/internal/domain"
	"github.com/hestia-gateway/hestia/internal/executor"
	"github.com/hestia-gateway/hestia/internal/logger"
	"github.com/hestia-gateway/hestia/internal/metrics"
	"github.com/hestia-gateway/hestia/internal/probe"
	"github.com/hestia-gateway/hestia/internal/queue"
	"github.com/hestia-gateway/hestia/internal/registry"
)

// Orchestrator serializes startup per service and applies the
// retry → fallback → terminal-failure policy.
type Orchestrator struct {
	prober  *probe.Prober
	exec    executor.Client // nil when remote execution is not configured
	logger  logger.Logger
	metrics *metrics.Collector
}

func New(prober *probe.Prober, exec executor.Client, log logger.Logger, collector *metrics.Collector) *Orchestrator {
	return &Orchestrator{
		prober:  prober,
		exec:    exec,
		logger:  log,
		metrics: collector,
	}
}

// Trigger initiates a cold start for the entry unless one is already in
// flight. Returns true when this call claimed the startup. The COLD check
// and the STARTING transition are a single step under the entry lock, so
// at most one startup per service can ever be in progress.
func (o *Orchestrator) Trigger(ctx context.Context, e *registry.Entry) bool {
	var (
		claimed bool
		epoch   uint64
	)
	e.Update(func(_ *domain.ServiceConfig, st *domain.ServiceState) {
		if st.Lifecycle != domain.LifecycleCold {
			return
		}
		st.Lifecycle = domain.LifecycleStarting
		st.Readiness = domain.NotReady
		st.StartupEpoch++
		st.StartupError = ""
		st.ActiveBaseURL = ""
		claimed = true
		epoch = st.StartupEpoch
	})
	if !claimed {
		return false
	}

	cfg := e.Config()
	o.logger.Info("startup triggered",
		logger.String("service_id", cfg.ID),
		logger.Int64("epoch", int64(epoch)))
	o.metrics.IncService(cfg.ID, "startups_triggered")

	go o.run(ctx, e, cfg, epoch)
	return true
}

func (o *Orchestrator) run(ctx context.Context, e *registry.Entry, cfg *domain.ServiceConfig, epoch uint64) {
	started := time.Now()

	var firstErr, lastErr error
	attempts := cfg.RetryCount
	if attempts < 1 {
		attempts = 1
	}

	for i := 0; i < attempts; i++ {
		if i > 0 {
			if !sleepCancellable(ctx, cfg.RetryDelay()) {
				o.fail(e, cfg, epoch, context.Cause(ctx))
				return
			}
		}
		if err := o.attempt(ctx, cfg, cfg.BaseURL, cfg.HealthURL); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			lastErr = err
			o.logger.Warn("startup attempt failed",
				logger.String("service_id", cfg.ID),
				logger.Int("attempt", i+1),
				logger.Error(err))
			continue
		}
		o.succeed(e, cfg, epoch, "", started)
		return
	}

	if cfg.FallbackURL != "" {
		o.logger.Info("primary attempts exhausted, trying fallback",
			logger.String("service_id", cfg.ID),
			logger.String("fallback_url", cfg.FallbackURL))
		healthURL := rebaseHealthURL(cfg.HealthURL, cfg.FallbackURL)
		if err := o.attempt(ctx, cfg, cfg.FallbackURL, healthURL); err != nil {
			lastErr = err
		} else {
			o.succeed(e, cfg, epoch, cfg.FallbackURL, started)
			return
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("service %s never became ready", cfg.ID)
	}
	if firstErr != nil && firstErr != lastErr {
		o.logger.Debug("first startup failure",
			logger.String("service_id", cfg.ID),
			logger.Error(firstErr))
	}
	o.fail(e, cfg, epoch, lastErr)
}

// attempt performs one startup attempt against target: optionally fires
// the remote start template, then waits for readiness.
func (o *Orchestrator) attempt(ctx context.Context, cfg *domain.ServiceConfig, target, healthURL string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if cfg.Remote.Enabled && o.exec != nil {
		handle, err := o.exec.Start(ctx, cfg.ID, cfg.Remote.MachineID, cfg.Remote.StartTemplateID, nil)
		if err != nil {
			return err
		}
		res, err := executor.WaitForCompletion(ctx, o.exec, handle,
			time.Duration(cfg.Remote.TaskTimeoutS)*time.Second,
			time.Duration(cfg.Remote.PollIntervalS)*time.Second)
		if err != nil {
			return err
		}
		if res.Status != executor.TaskSuccess {
			return &domain.ExecutorError{Op: "start", Detail: res.Reason}
		}
	}

	deadline := time.Now().Add(cfg.RequestTimeout())
	if !o.prober.WaitReady(ctx, healthURL, cfg.Warmup(), deadline) {
		if healthURL != "" {
			return fmt.Errorf("health probe of %s did not succeed before deadline", healthURL)
		}
		return fmt.Errorf("warm-up of %s interrupted", target)
	}
	return nil
}

// succeed applies the HOT transition under the epoch fence and releases the
// queue in FIFO order.
func (o *Orchestrator) succeed(e *registry.Entry, cfg *domain.ServiceConfig, epoch uint64, activeBase string, started time.Time) {
	applied := false
	e.Update(func(_ *domain.ServiceConfig, st *domain.ServiceState) {
		if st.StartupEpoch != epoch || st.Lifecycle != domain.LifecycleStarting {
			return
		}
		st.Lifecycle = domain.LifecycleHot
		st.Readiness = domain.Ready
		st.ActiveBaseURL = activeBase
		st.StartupError = ""
		st.Touch(time.Now())
		applied = true
	})
	if !applied {
		o.logger.Warn("discarding stale startup completion",
			logger.String("service_id", cfg.ID),
			logger.Int64("epoch", int64(epoch)))
		return
	}

	released := e.Queue().DrainAll(queue.Signal{Kind: queue.Proceed})
	o.metrics.IncService(cfg.ID, "startups_succeeded")
	o.metrics.ObserveService(cfg.ID, "startup_duration", time.Since(started))
	o.logger.Info("service is hot",
		logger.String("service_id", cfg.ID),
		logger.Bool("via_fallback", activeBase != ""),
		logger.Int("released", released),
		logger.Duration("startup_duration", time.Since(started)))
}

// fail applies the terminal COLD transition under the epoch fence and
// drains the queue with the startup error.
func (o *Orchestrator) fail(e *registry.Entry, cfg *domain.ServiceConfig, epoch uint64, cause error) {
	reason := "unknown"
	if cause != nil {
		reason = cause.Error()
	}

	applied := false
	e.Update(func(_ *domain.ServiceConfig, st *domain.ServiceState) {
		if st.StartupEpoch != epoch || st.Lifecycle != domain.LifecycleStarting {
			return
		}
		st.Lifecycle = domain.LifecycleCold
		st.Readiness = domain.NotReady
		st.StartupError = reason
		applied = true
	})
	if !applied {
		return
	}

	drained := e.Queue().DrainAll(queue.Signal{
		Kind: queue.StartupFailed,
		Err:  &domain.StartupError{ServiceID: cfg.ID, Reason: reason},
	})
	o.metrics.IncService(cfg.ID, "startups_failed")
	o.logger.Error("startup failed terminally",
		logger.String("service_id", cfg.ID),
		logger.String("reason", reason),
		logger.Int("drained", drained))
}

// ShutdownService performs the HOT → STOPPING → COLD transition used by the
// idle monitor and the manual stop endpoint. The remote stop template is
// best-effort. Requests that arrived while STOPPING are parked; if any are
// waiting once the service is COLD, a fresh startup is triggered for them.
func (o *Orchestrator) ShutdownService(ctx context.Context, e *registry.Entry) bool {
	var claimed bool
	e.Update(func(_ *domain.ServiceConfig, st *domain.ServiceState) {
		if st.Lifecycle != domain.LifecycleHot {
			return
		}
		st.Lifecycle = domain.LifecycleStopping
		st.Readiness = domain.NotReady
		claimed = true
	})
	if !claimed {
		return false
	}

	cfg := e.Config()
	o.logger.Info("stopping service", logger.String("service_id", cfg.ID))

	if cfg.Remote.Enabled && o.exec != nil {
		handle, err := o.exec.Stop(ctx, cfg.ID, cfg.Remote.MachineID, cfg.Remote.StopTemplateID, nil)
		if err != nil {
			o.logger.Warn("remote stop failed",
				logger.String("service_id", cfg.ID),
				logger.Error(err))
		} else if _, err := executor.WaitForCompletion(ctx, o.exec, handle,
			time.Duration(cfg.Remote.TaskTimeoutS)*time.Second,
			time.Duration(cfg.Remote.PollIntervalS)*time.Second); err != nil {
			o.logger.Warn("remote stop did not complete",
				logger.String("service_id", cfg.ID),
				logger.Error(err))
		}
	}

	e.Update(func(_ *domain.ServiceConfig, st *domain.ServiceState) {
		st.Lifecycle = domain.LifecycleCold
		st.Readiness = domain.NotReady
		st.ActiveBaseURL = ""
	})
	o.metrics.IncService(cfg.ID, "idle_shutdowns")

	// A request that raced the shutdown is parked in the queue; restart
	// for it rather than leaving it to time out.
	if e.Queue().Len() > 0 {
		o.Trigger(ctx, e)
	}
	return true
}

// MarkHot promotes a COLD service directly to HOT/READY. Used by the status
// endpoint's opportunistic probe when the upstream is observably alive.
func (o *Orchestrator) MarkHot(e *registry.Entry) bool {
	promoted := false
	e.Update(func(_ *domain.ServiceConfig, st *domain.ServiceState) {
		if st.Lifecycle != domain.LifecycleCold {
			return
		}
		st.Lifecycle = domain.LifecycleHot
		st.Readiness = domain.Ready
		st.Touch(time.Now())
		promoted = true
	})
	if promoted {
		e.Queue().DrainAll(queue.Signal{Kind: queue.Proceed})
	}
	return promoted
}

// rebaseHealthURL points the health path at a different base, so the
// fallback attempt probes the fallback host with the same path.
func rebaseHealthURL(healthURL, base string) string {
	if healthURL == "" {
		return ""
	}
	h, err := url.Parse(healthURL)
	if err != nil {
		return healthURL
	}
	b, err := url.Parse(base)
	if err != nil {
		return healthURL
	}
	h.Scheme = b.Scheme
	h.Host = b.Host
	return h.String()
}

func sleepCancellable(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
