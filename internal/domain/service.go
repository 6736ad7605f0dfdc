package domain

import (
	"time"
)

// Lifecycle is the operational state of a managed service.
type Lifecycle string

const (
	LifecycleCold     Lifecycle = "cold"
	LifecycleStarting Lifecycle = "starting"
	LifecycleHot      Lifecycle = "hot"
	LifecycleStopping Lifecycle = "stopping"
)

// Readiness reports whether a hot service is believed to accept traffic.
type Readiness string

const (
	NotReady Readiness = "not_ready"
	Ready    Readiness = "ready"
)

// Instance is one concrete upstream behind a service.
type Instance struct {
	URL    string   `yaml:"url" json:"url"`
	Weight int      `yaml:"weight" json:"weight,omitempty"`
	Region string   `yaml:"region" json:"region,omitempty"`
	Tags   []string `yaml:"tags" json:"tags,omitempty"`
}

// Routing holds strategy-specific configuration.
type Routing struct {
	ModelKey string            `yaml:"model_key" json:"modelKey,omitempty"`
	ByModel  map[string]string `yaml:"by_model" json:"byModel,omitempty"`
}

// Remote configures start/stop through the remote executor.
type Remote struct {
	Enabled         bool   `yaml:"enabled" json:"enabled"`
	MachineID       string `yaml:"machine_id" json:"machineId,omitempty"`
	StartTemplateID int    `yaml:"start_template_id" json:"startTemplateId,omitempty"`
	StopTemplateID  int    `yaml:"stop_template_id" json:"stopTemplateId,omitempty"`
	TaskTimeoutS    int    `yaml:"task_timeout_s" json:"taskTimeoutS,omitempty"`
	PollIntervalS   int    `yaml:"poll_interval_s" json:"pollIntervalS,omitempty"`
}

// ServiceConfig is the immutable per-reload configuration of one service.
type ServiceConfig struct {
	ID                    string     `yaml:"-" json:"serviceId"`
	BaseURL               string     `yaml:"base_url" json:"baseUrl"`
	FallbackURL           string     `yaml:"fallback_url" json:"fallbackUrl,omitempty"`
	HealthURL             string     `yaml:"health_url" json:"healthUrl,omitempty"`
	WarmupMs              int        `yaml:"warmup_ms" json:"warmupMs"`
	IdleTimeoutMs         int        `yaml:"idle_timeout_ms" json:"idleTimeoutMs"`
	RetryCount            int        `yaml:"retry_count" json:"retryCount"`
	RetryDelayMs          int        `yaml:"retry_delay_ms" json:"retryDelayMs"`
	QueueSize             int        `yaml:"queue_size" json:"queueSize"`
	RequestTimeoutSeconds int        `yaml:"request_timeout_seconds" json:"requestTimeoutSeconds"`
	Strategy              string     `yaml:"strategy" json:"strategy,omitempty"`
	Instances             []Instance `yaml:"instances" json:"instances,omitempty"`
	Routing               Routing    `yaml:"routing" json:"routing,omitempty"`
	Remote                Remote     `yaml:"remote" json:"remote,omitempty"`
}

// Warmup returns the warm-up duration used when no health URL is set.
func (c *ServiceConfig) Warmup() time.Duration {
	return time.Duration(c.WarmupMs) * time.Millisecond
}

// IdleTimeout returns the inactivity window, or 0 when auto-shutdown is disabled.
func (c *ServiceConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMs) * time.Millisecond
}

// RetryDelay returns the pause between primary startup attempts.
func (c *ServiceConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

// RequestTimeout returns the per-request (and per-attempt readiness) deadline.
func (c *ServiceConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// ServiceState is the mutable in-memory state of one service. It is only
// touched under the owning registry entry's lock.
type ServiceState struct {
	Lifecycle     Lifecycle
	Readiness     Readiness
	LastActivity  time.Time
	StartupEpoch  uint64
	StartupError  string
	ActiveBaseURL string // fallback_url while serving from fallback, "" otherwise
}

// EffectiveBaseURL is the URL proxied to when no strategy selects an instance.
func (s *ServiceState) EffectiveBaseURL(cfg *ServiceConfig) string {
	if s.ActiveBaseURL != "" {
		return s.ActiveBaseURL
	}
	return cfg.BaseURL
}

// Touch advances the activity timestamp, never moving it backwards.
func (s *ServiceState) Touch(now time.Time) {
	if now.After(s.LastActivity) {
		s.LastActivity = now
	}
}
