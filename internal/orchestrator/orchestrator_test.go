package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hestia-gateway/hestia/internal/domain"
	"github.com/hestia-gateway/hestia/internal/executor"
	"github.com/hestia-gateway/hestia/internal/logger"
	"github.com/hestia-gateway/hestia/internal/metrics"
	"github.com/hestia-gateway/hestia/internal/probe"
	"github.com/hestia-gateway/hestia/internal/queue"
	"github.com/hestia-gateway/hestia/internal/registry"
)

func newTestOrchestrator(client *http.Client, exec executor.Client, pollInterval time.Duration) *Orchestrator {
	p := probe.New(client).WithPollInterval(pollInterval)
	return New(p, exec, logger.Nop(), metrics.NewCollector())
}

func applyService(t *testing.T, cfg *domain.ServiceConfig) (*registry.Registry, *registry.Entry) {
	t.Helper()
	r := registry.New()
	r.Apply(map[string]*domain.ServiceConfig{cfg.ID: cfg}, "")
	e, ok := r.Get(cfg.ID)
	if !ok {
		t.Fatalf("service %s missing from registry", cfg.ID)
	}
	return r, e
}

func waitForLifecycle(t *testing.T, e *registry.Entry, want domain.Lifecycle) domain.ServiceState {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		st := e.State()
		if st.Lifecycle == want {
			return st
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("service never reached %v (now %v)", want, e.State().Lifecycle)
	return domain.ServiceState{}
}

func TestStartupSuccessDrainsQueue(t *testing.T) {
	var probes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if probes.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := &domain.ServiceConfig{
		ID:                    "svc-a",
		BaseURL:               srv.URL,
		HealthURL:             srv.URL + "/health",
		QueueSize:             10,
		RetryCount:            1,
		RequestTimeoutSeconds: 5,
	}
	_, e := applyService(t, cfg)

	e1, _ := e.Queue().Enqueue(time.Now())
	e2, _ := e.Queue().Enqueue(time.Now())

	o := newTestOrchestrator(srv.Client(), nil, 5*time.Millisecond)
	if !o.Trigger(context.Background(), e) {
		t.Fatal("Trigger() should claim the startup")
	}

	st := waitForLifecycle(t, e, domain.LifecycleHot)
	if st.Readiness != domain.Ready {
		t.Errorf("readiness = %v, want ready", st.Readiness)
	}
	if st.LastActivity.IsZero() {
		t.Error("last activity should be set on the readiness edge")
	}

	for i, entry := range []*queue.Entry{e1, e2} {
		select {
		case sig := <-entry.Done:
			if sig.Kind != queue.Proceed {
				t.Errorf("entry %d signal = %v, want Proceed", i, sig.Kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("entry %d never released", i)
		}
	}
}

func TestSingleFlight(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(20 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := &domain.ServiceConfig{
		ID:                    "svc-a",
		BaseURL:               srv.URL,
		HealthURL:             srv.URL,
		QueueSize:             4,
		RequestTimeoutSeconds: 5,
	}
	_, e := applyService(t, cfg)

	o := newTestOrchestrator(srv.Client(), nil, 5*time.Millisecond)
	first := o.Trigger(context.Background(), e)
	second := o.Trigger(context.Background(), e)

	if !first {
		t.Error("first trigger should claim the startup")
	}
	if second {
		t.Error("second trigger while STARTING should be a no-op")
	}

	st := waitForLifecycle(t, e, domain.LifecycleHot)
	if st.StartupEpoch != 1 {
		t.Errorf("epoch = %d, want exactly one startup", st.StartupEpoch)
	}
}

func TestRetryThenFallback(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer primary.Close()
	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer fallback.Close()

	cfg := &domain.ServiceConfig{
		ID:                    "svc-a",
		BaseURL:               primary.URL,
		FallbackURL:           fallback.URL,
		HealthURL:             primary.URL + "/health",
		QueueSize:             4,
		RetryCount:            2,
		RetryDelayMs:          10,
		RequestTimeoutSeconds: 1,
	}
	_, e := applyService(t, cfg)

	// A poll interval longer than the attempt deadline means one probe per attempt.
	o := newTestOrchestrator(http.DefaultClient, nil, 2*time.Second)
	o.Trigger(context.Background(), e)

	st := waitForLifecycle(t, e, domain.LifecycleHot)
	if st.ActiveBaseURL != fallback.URL {
		t.Errorf("active base url = %q, want fallback %q", st.ActiveBaseURL, fallback.URL)
	}
	if st.StartupError != "" {
		t.Errorf("startup error = %q, want empty after fallback success", st.StartupError)
	}
	if got := st.EffectiveBaseURL(cfg); got != fallback.URL {
		t.Errorf("effective base url = %q, want fallback", got)
	}
}

func TestTerminalFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := &domain.ServiceConfig{
		ID:                    "svc-a",
		BaseURL:               srv.URL,
		HealthURL:             srv.URL + "/health",
		QueueSize:             4,
		RetryCount:            1,
		RequestTimeoutSeconds: 1,
	}
	_, e := applyService(t, cfg)

	parked, _ := e.Queue().Enqueue(time.Now())

	o := newTestOrchestrator(http.DefaultClient, nil, 2*time.Second)
	o.Trigger(context.Background(), e)

	st := waitForLifecycle(t, e, domain.LifecycleCold)
	if st.StartupError == "" {
		t.Error("terminal failure should retain a startup error")
	}

	select {
	case sig := <-parked.Done:
		if sig.Kind != queue.StartupFailed {
			t.Errorf("signal = %v, want StartupFailed", sig.Kind)
		}
		var startupErr *domain.StartupError
		if sig.Err == nil {
			t.Error("StartupFailed signal should carry the error")
		} else if !asStartupError(sig.Err, &startupErr) {
			t.Errorf("signal error = %T, want *domain.StartupError", sig.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("parked entry never drained")
	}

	// A fresh trigger starts a new epoch.
	o.Trigger(context.Background(), e)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.State().StartupEpoch == 2 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("epoch = %d, want 2 after re-trigger", e.State().StartupEpoch)
}

func asStartupError(err error, target **domain.StartupError) bool {
	se, ok := err.(*domain.StartupError)
	if ok {
		*target = se
	}
	return ok
}

func TestWarmupOnlyReadiness(t *testing.T) {
	cfg := &domain.ServiceConfig{
		ID:                    "svc-a",
		BaseURL:               "http://svc-a:8000",
		QueueSize:             4,
		RequestTimeoutSeconds: 5,
		// No health URL, zero warm-up: ready after one scheduler tick.
	}
	_, e := applyService(t, cfg)

	o := newTestOrchestrator(http.DefaultClient, nil, 5*time.Millisecond)
	o.Trigger(context.Background(), e)

	waitForLifecycle(t, e, domain.LifecycleHot)
}

func TestZeroRetryCountStillAttemptsOnce(t *testing.T) {
	var probes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		probes.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := &domain.ServiceConfig{
		ID:                    "svc-a",
		BaseURL:               srv.URL,
		HealthURL:             srv.URL + "/health",
		QueueSize:             4,
		RetryCount:            0,
		RequestTimeoutSeconds: 1,
	}
	_, e := applyService(t, cfg)

	o := newTestOrchestrator(http.DefaultClient, nil, 2*time.Second)
	o.Trigger(context.Background(), e)

	st := waitForLifecycle(t, e, domain.LifecycleCold)
	if st.StartupError == "" {
		t.Error("single failed probe should yield a startup error")
	}
	if probes.Load() != 1 {
		t.Errorf("probe count = %d, want exactly 1", probes.Load())
	}
}

func TestShutdownService(t *testing.T) {
	cfg := &domain.ServiceConfig{
		ID:                    "svc-a",
		BaseURL:               "http://svc-a:8000",
		QueueSize:             4,
		RequestTimeoutSeconds: 5,
	}
	_, e := applyService(t, cfg)

	o := newTestOrchestrator(http.DefaultClient, nil, 5*time.Millisecond)

	// Not hot: nothing to do.
	if o.ShutdownService(context.Background(), e) {
		t.Fatal("shutdown of a cold service should be a no-op")
	}

	e.Update(func(_ *domain.ServiceConfig, st *domain.ServiceState) {
		st.Lifecycle = domain.LifecycleHot
		st.Readiness = domain.Ready
	})
	if !o.ShutdownService(context.Background(), e) {
		t.Fatal("shutdown of a hot service should proceed")
	}

	st := e.State()
	if st.Lifecycle != domain.LifecycleCold || st.Readiness != domain.NotReady {
		t.Errorf("state after shutdown = %v/%v, want cold/not_ready", st.Lifecycle, st.Readiness)
	}
}

func TestShutdownRetriggersForParkedRequests(t *testing.T) {
	cfg := &domain.ServiceConfig{
		ID:                    "svc-a",
		BaseURL:               "http://svc-a:8000",
		QueueSize:             4,
		RequestTimeoutSeconds: 5,
		// Warm-up readiness so the re-triggered startup completes.
	}
	_, e := applyService(t, cfg)

	e.Update(func(_ *domain.ServiceConfig, st *domain.ServiceState) {
		st.Lifecycle = domain.LifecycleHot
		st.Readiness = domain.Ready
	})

	parked, _ := e.Queue().Enqueue(time.Now())

	o := newTestOrchestrator(http.DefaultClient, nil, 5*time.Millisecond)
	o.ShutdownService(context.Background(), e)

	select {
	case sig := <-parked.Done:
		if sig.Kind != queue.Proceed {
			t.Errorf("signal = %v, want Proceed from the re-triggered startup", sig.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("parked request never released after stop/start cycle")
	}
}

func TestMarkHot(t *testing.T) {
	cfg := &domain.ServiceConfig{
		ID:                    "svc-a",
		BaseURL:               "http://svc-a:8000",
		QueueSize:             4,
		RequestTimeoutSeconds: 5,
	}
	_, e := applyService(t, cfg)

	o := newTestOrchestrator(http.DefaultClient, nil, 5*time.Millisecond)
	if !o.MarkHot(e) {
		t.Fatal("MarkHot() should promote a cold service")
	}
	if o.MarkHot(e) {
		t.Fatal("MarkHot() on a hot service should be a no-op")
	}
	st := e.State()
	if st.Lifecycle != domain.LifecycleHot || st.Readiness != domain.Ready {
		t.Errorf("state = %v/%v, want hot/ready", st.Lifecycle, st.Readiness)
	}
}

func TestEpochFencing(t *testing.T) {
	cfg := &domain.ServiceConfig{
		ID:                    "svc-a",
		BaseURL:               "http://svc-a:8000",
		QueueSize:             4,
		RequestTimeoutSeconds: 5,
	}
	_, e := applyService(t, cfg)

	o := newTestOrchestrator(http.DefaultClient, nil, 5*time.Millisecond)

	// Epoch 1 is in flight, then the service fails back to cold and a new
	// startup claims epoch 2.
	e.Update(func(_ *domain.ServiceConfig, st *domain.ServiceState) {
		st.Lifecycle = domain.LifecycleStarting
		st.StartupEpoch = 2
	})

	// A completion from the stale epoch 1 must be discarded.
	o.succeed(e, cfg, 1, "", time.Now())
	if st := e.State(); st.Lifecycle != domain.LifecycleStarting {
		t.Fatalf("stale completion was applied: lifecycle = %v", st.Lifecycle)
	}

	// A stale terminal failure is discarded too.
	o.fail(e, cfg, 1, domain.ErrQueueTimeout)
	if st := e.State(); st.Lifecycle != domain.LifecycleStarting {
		t.Fatalf("stale failure was applied: lifecycle = %v", st.Lifecycle)
	}

	// The current epoch applies normally.
	o.succeed(e, cfg, 2, "", time.Now())
	if st := e.State(); st.Lifecycle != domain.LifecycleHot || st.Readiness != domain.Ready {
		t.Fatalf("current-epoch completion not applied: %v/%v", st.Lifecycle, st.Readiness)
	}
}

// fakeExecutor scripts the remote automation outcomes.
type fakeExecutor struct {
	startCalls atomic.Int32
	stopCalls  atomic.Int32
	result     executor.TaskResult
	startErr   error
}

func (f *fakeExecutor) Start(_ context.Context, _, _ string, _ int, _ map[string]string) (executor.TaskHandle, error) {
	f.startCalls.Add(1)
	if f.startErr != nil {
		return executor.TaskHandle{}, f.startErr
	}
	return executor.TaskHandle{ID: "task-1"}, nil
}

func (f *fakeExecutor) Stop(_ context.Context, _, _ string, _ int, _ map[string]string) (executor.TaskHandle, error) {
	f.stopCalls.Add(1)
	return executor.TaskHandle{ID: "task-2"}, nil
}

func (f *fakeExecutor) Poll(_ context.Context, _ executor.TaskHandle) (executor.TaskResult, error) {
	return f.result, nil
}

func remoteConfig(id, baseURL string) *domain.ServiceConfig {
	return &domain.ServiceConfig{
		ID:                    id,
		BaseURL:               baseURL,
		QueueSize:             4,
		RequestTimeoutSeconds: 5,
		Remote: domain.Remote{
			Enabled:         true,
			MachineID:       "m1",
			StartTemplateID: 1,
			StopTemplateID:  2,
			TaskTimeoutS:    5,
			PollIntervalS:   1,
		},
	}
}

func TestRemoteStartSuccess(t *testing.T) {
	exec := &fakeExecutor{result: executor.TaskResult{Status: executor.TaskSuccess}}
	cfg := remoteConfig("svc-a", "http://svc-a:8000")
	_, e := applyService(t, cfg)

	o := newTestOrchestrator(http.DefaultClient, exec, 5*time.Millisecond)
	o.Trigger(context.Background(), e)

	waitForLifecycle(t, e, domain.LifecycleHot)
	if exec.startCalls.Load() != 1 {
		t.Errorf("start calls = %d, want 1", exec.startCalls.Load())
	}
}

func TestRemoteTaskFailureCountsAsAttemptFailure(t *testing.T) {
	exec := &fakeExecutor{result: executor.TaskResult{Status: executor.TaskFailed, Reason: "playbook exploded"}}
	cfg := remoteConfig("svc-a", "http://svc-a:8000")
	_, e := applyService(t, cfg)

	o := newTestOrchestrator(http.DefaultClient, exec, 5*time.Millisecond)
	o.Trigger(context.Background(), e)

	st := waitForLifecycle(t, e, domain.LifecycleCold)
	if st.StartupError == "" {
		t.Fatal("task failure should surface in the startup error")
	}
}

func TestRemoteStopFiredOnShutdown(t *testing.T) {
	exec := &fakeExecutor{result: executor.TaskResult{Status: executor.TaskSuccess}}
	cfg := remoteConfig("svc-a", "http://svc-a:8000")
	_, e := applyService(t, cfg)

	e.Update(func(_ *domain.ServiceConfig, st *domain.ServiceState) {
		st.Lifecycle = domain.LifecycleHot
		st.Readiness = domain.Ready
	})

	o := newTestOrchestrator(http.DefaultClient, exec, 5*time.Millisecond)
	o.ShutdownService(context.Background(), e)

	if exec.stopCalls.Load() != 1 {
		t.Errorf("stop calls = %d, want 1", exec.stopCalls.Load())
	}
	if got := e.State().Lifecycle; got != domain.LifecycleCold {
		t.Errorf("lifecycle = %v, want cold", got)
	}
}
