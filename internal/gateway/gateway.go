// Package gateway ties the registry, queue, orchestrator, strategies and
// proxy into the request lifecycle engine.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hestia-gateway/hestia/internal/domain"
	"github.com/hestia-gateway/hestia/internal/logger"
	"github.com/hestia-gateway/hestia/internal/metrics"
	"github.com/hestia-gateway/hestia/internal/orchestrator"
	"github.com/hestia-gateway/hestia/internal/probe"
	"github.com/hestia-gateway/hestia/internal/proxy"
	"github.com/hestia-gateway/hestia/internal/queue"
	"github.com/hestia-gateway/hestia/internal/registry"
	redisstore "github.com/hestia-gateway/hestia/internal/store/redis"
	"github.com/hestia-gateway/hestia/internal/strategy"
)

// maxBodyPeek bounds how much of a JSON body is parsed for routing.
const maxBodyPeek = 64 << 10

// Gateway is the request lifecycle engine behind the HTTP front.
type Gateway struct {
	registry   *registry.Registry
	strategies *strategy.Registry
	lb         *strategy.LoadBalancer
	orch       *orchestrator.Orchestrator
	proxy      *proxy.Proxy
	prober     *probe.Prober
	store      *redisstore.Store // nil when no metadata store is configured
	logger     logger.Logger
	metrics    *metrics.Collector

	shuttingDown atomic.Bool
}

func New(
	reg *registry.Registry,
	strategies *strategy.Registry,
	lb *strategy.LoadBalancer,
	orch *orchestrator.Orchestrator,
	px *proxy.Proxy,
	prober *probe.Prober,
	store *redisstore.Store,
	log logger.Logger,
	collector *metrics.Collector,
) *Gateway {
	return &Gateway{
		registry:   reg,
		strategies: strategies,
		lb:         lb,
		orch:       orch,
		proxy:      px,
		prober:     prober,
		store:      store,
		logger:     log,
		metrics:    collector,
	}
}

// Registry exposes the service registry to the HTTP handlers.
func (g *Gateway) Registry() *registry.Registry { return g.registry }

// Strategies exposes the strategy registry to the HTTP handlers.
func (g *Gateway) Strategies() *strategy.Registry { return g.strategies }

// Handle runs one request through admission, resolution and proxying.
// restPath and rawQuery are passed to the upstream verbatim. A returned
// error is one of the domain sentinels, a *domain.StartupError, or an error
// from reaching the upstream (an unparsable upstream URL or a transport
// failure); the handlers map them to status codes. A nil error means the
// response has been written.
func (g *Gateway) Handle(w http.ResponseWriter, r *http.Request, serviceID, restPath string) error {
	if g.shuttingDown.Load() {
		return domain.ErrShutdownInProgress
	}

	e, ok := g.registry.Resolve(serviceID)
	if !ok {
		return domain.ErrUnknownService
	}
	cfg := e.Config()

	if err := g.admit(r.Context(), e, cfg); err != nil {
		return err
	}

	now := time.Now()
	e.Touch(now)
	g.recordActivity(serviceID, "request", r.Method+" "+restPath, now)
	g.metrics.IncService(serviceID, "requests_admitted")

	reqCtx := g.buildRequestContext(r, restPath)
	upstream, reason, err := g.resolveUpstream(e, cfg, reqCtx)
	if err != nil {
		return err
	}

	target, err := joinTarget(upstream, restPath, r.URL.RawQuery)
	if err != nil {
		return err
	}

	g.logger.Debug("upstream resolved",
		logger.String("service_id", serviceID),
		logger.String("upstream", upstream),
		logger.String("reason", string(reason)))

	var next func(exclude string) (*url.URL, bool)
	if cfg.RetryCount > 0 && len(cfg.Instances) > 1 {
		next = func(exclude string) (*url.URL, bool) {
			alt, ok := g.lb.Next(serviceID, cfg, exclude)
			if !ok {
				return nil, false
			}
			u, err := url.Parse(alt)
			if err != nil {
				return nil, false
			}
			return u, true
		}
	}

	status, err := g.proxy.Forward(w, r, serviceID, target, cfg.RequestTimeout(), next)
	if err != nil {
		g.metrics.IncService(serviceID, "proxy_failures")
		return err
	}

	e.Touch(time.Now())
	g.metrics.IncService(serviceID, "responses_"+statusClass(status))
	return nil
}

// admit lets the request through immediately when the service is hot and
// ready; otherwise it parks the request, triggers startup when cold, and
// waits for its signal or deadline.
func (g *Gateway) admit(ctx context.Context, e *registry.Entry, cfg *domain.ServiceConfig) error {
	st := e.State()
	if st.Lifecycle == domain.LifecycleHot && st.Readiness == domain.Ready {
		return nil
	}

	entry, ok := e.Queue().Enqueue(time.Now())
	if !ok {
		g.metrics.IncService(cfg.ID, "queue_rejections")
		return domain.ErrQueueFull
	}
	g.metrics.IncService(cfg.ID, "queue_admissions")

	g.orch.Trigger(context.WithoutCancel(ctx), e)

	// The readiness edge may have raced the enqueue; if the service is
	// already serving, abandon the slot and proceed.
	st = e.State()
	if st.Lifecycle == domain.LifecycleHot && st.Readiness == domain.Ready {
		select {
		case sig := <-entry.Done:
			return g.signalError(cfg.ID, sig)
		default:
			entry.Expire()
			return nil
		}
	}

	timer := time.NewTimer(cfg.RequestTimeout())
	defer timer.Stop()

	select {
	case sig := <-entry.Done:
		return g.signalError(cfg.ID, sig)
	case <-timer.C:
		entry.Expire()
		g.metrics.IncService(cfg.ID, "queue_timeouts")
		return domain.ErrQueueTimeout
	case <-ctx.Done():
		entry.Expire()
		return domain.ErrQueueTimeout
	}
}

func (g *Gateway) signalError(serviceID string, sig queue.Signal) error {
	switch sig.Kind {
	case queue.Proceed:
		return nil
	case queue.StartupFailed:
		if sig.Err != nil {
			return sig.Err
		}
		return &domain.StartupError{ServiceID: serviceID, Reason: "startup failed"}
	case queue.Rejected:
		return domain.ErrQueueFull
	default:
		return domain.ErrShutdownInProgress
	}
}

// resolveUpstream consults the configured strategy, falling back to the
// effective base URL (which is the fallback URL while serving from
// fallback).
func (g *Gateway) resolveUpstream(e *registry.Entry, cfg *domain.ServiceConfig, reqCtx *strategy.RequestContext) (string, strategy.Reason, error) {
	st := e.State()
	base := st.EffectiveBaseURL(cfg)

	if cfg.Strategy == "" {
		return base, strategy.FallbackBaseURL, nil
	}
	s, ok := g.strategies.Get(cfg.Strategy)
	if !ok {
		g.logger.Warn("configured strategy not registered, using base url",
			logger.String("service_id", cfg.ID),
			logger.String("strategy", cfg.Strategy))
		return base, strategy.FallbackBaseURL, nil
	}

	upstream, reason, err := s.Resolve(cfg.ID, reqCtx, cfg)
	if err != nil {
		return "", reason, err
	}
	if upstream == "" {
		return base, strategy.FallbackBaseURL, nil
	}
	return upstream, reason, nil
}

// buildRequestContext snapshots the request for strategies, peeking a
// small JSON body without losing it for forwarding. A fully-buffered peek
// also makes the body replayable for the proxy's retry.
func (g *Gateway) buildRequestContext(r *http.Request, restPath string) *strategy.RequestContext {
	reqCtx := &strategy.RequestContext{
		Method: r.Method,
		Path:   restPath,
		Query:  r.URL.Query(),
		Header: r.Header,
	}

	ct := r.Header.Get("Content-Type")
	if r.Body == nil || !strings.Contains(ct, "application/json") {
		return reqCtx
	}
	if r.ContentLength < 0 || r.ContentLength > maxBodyPeek {
		return reqCtx
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyPeek+1))
	if err != nil || len(data) > maxBodyPeek {
		r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(data), r.Body))
		return reqCtx
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}

	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err == nil {
		reqCtx.Body = parsed
	}
	return reqCtx
}

// StatusView is what the status endpoint reports.
type StatusView struct {
	ServiceID    string    `json:"serviceId"`
	State        string    `json:"state"`
	Readiness    string    `json:"readiness"`
	QueuePending int       `json:"queuePending"`
	MachineID    string    `json:"machineId,omitempty"`
	StartupError string    `json:"startupError,omitempty"`
	LastActivity time.Time `json:"lastActivityAt,omitzero"`
}

// Status reports a service's state, opportunistically probing a cold
// service's health endpoint and promoting it when the upstream is alive.
func (g *Gateway) Status(ctx context.Context, serviceID string) (*StatusView, error) {
	e, ok := g.registry.Get(serviceID)
	if !ok {
		return nil, domain.ErrUnknownService
	}
	cfg := e.Config()
	st := e.State()

	if st.Lifecycle == domain.LifecycleCold && cfg.HealthURL != "" {
		probeCtx, cancel := context.WithTimeout(ctx, probe.DefaultProbeTimeout)
		alive := g.prober.Check(probeCtx, cfg.HealthURL)
		cancel()
		if alive && g.orch.MarkHot(e) {
			g.logger.Info("status probe found service alive, promoting",
				logger.String("service_id", serviceID))
			st = e.State()
		}
	}

	return &StatusView{
		ServiceID:    serviceID,
		State:        string(st.Lifecycle),
		Readiness:    string(st.Readiness),
		QueuePending: e.Queue().Len(),
		MachineID:    cfg.Remote.MachineID,
		StartupError: st.StartupError,
		LastActivity: st.LastActivity,
	}, nil
}

// Warmup proactively triggers a cold start. Calling it while STARTING is a
// no-op; the current state is always returned.
func (g *Gateway) Warmup(ctx context.Context, serviceID string) (*StatusView, error) {
	e, ok := g.registry.Get(serviceID)
	if !ok {
		return nil, domain.ErrUnknownService
	}
	if g.orch.Trigger(context.WithoutCancel(ctx), e) {
		g.recordActivity(serviceID, "startup", "manual warmup", time.Now())
	}
	st := e.State()
	cfg := e.Config()
	return &StatusView{
		ServiceID:    serviceID,
		State:        string(st.Lifecycle),
		Readiness:    string(st.Readiness),
		QueuePending: e.Queue().Len(),
		MachineID:    cfg.Remote.MachineID,
		StartupError: st.StartupError,
		LastActivity: st.LastActivity,
	}, nil
}

// Stop requests the idle-shutdown path for a hot service.
func (g *Gateway) Stop(ctx context.Context, serviceID string) (*StatusView, error) {
	e, ok := g.registry.Get(serviceID)
	if !ok {
		return nil, domain.ErrUnknownService
	}
	if g.orch.ShutdownService(context.WithoutCancel(ctx), e) {
		g.recordActivity(serviceID, "shutdown", "manual stop", time.Now())
	}
	return g.Status(ctx, serviceID)
}

// Shutdown rejects new work and drains every queue.
func (g *Gateway) Shutdown() {
	g.shuttingDown.Store(true)
	g.registry.Shutdown()
}

func (g *Gateway) recordActivity(serviceID, kind, detail string, at time.Time) {
	if g.store == nil {
		return
	}
	ev := &redisstore.ActivityEvent{ServiceID: serviceID, Kind: kind, Detail: detail, At: at}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := g.store.RecordActivity(ctx, ev); err != nil {
			g.logger.Debug("failed to record activity", logger.Error(err))
		}
	}()
}

// joinTarget combines an upstream base URL with the request's rest path
// and query string.
func joinTarget(upstream, restPath, rawQuery string) (*url.URL, error) {
	u, err := url.Parse(upstream)
	if err != nil {
		return nil, err
	}
	basePath := strings.TrimSuffix(u.Path, "/")
	rest := restPath
	if rest != "" && !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	u.Path = basePath + rest
	u.RawQuery = rawQuery
	return u, nil
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
