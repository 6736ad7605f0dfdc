package config

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hestia-gateway/hestia/internal/domain"
)

// DefaultPath is used when HESTIA_CONFIG is not set.
const DefaultPath = "./hestia_config.yml"

// Duration parses YAML scalars like "10s" or bare integers (seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if n, err := strconv.Atoi(value.Value); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// AuthConfig enables optional API-key authentication on the public surface.
type AuthConfig struct {
	Enabled bool     `yaml:"enabled"`
	APIKeys []string `yaml:"api_keys"`
}

// RedisConfig configures the optional metadata store. Empty Addr disables it.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ExecutorConfig configures the remote automation server used to start and
// stop services on target machines. Empty BaseURL disables remote execution.
type ExecutorConfig struct {
	BaseURL   string   `yaml:"base_url"`
	ProjectID int      `yaml:"project_id"`
	Timeout   Duration `yaml:"timeout"`
}

// Config is the root configuration of the gateway.
type Config struct {
	Listen          string   `yaml:"listen"`
	LogLevel        string   `yaml:"log_level"`
	PrettyLog       bool     `yaml:"pretty_log"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`

	// DefaultService namespaces transparent-proxy requests for unknown ids.
	// Empty means unknown ids get 404.
	DefaultService string `yaml:"default_service"`

	Auth     AuthConfig     `yaml:"auth"`
	Redis    RedisConfig    `yaml:"redis"`
	Executor ExecutorConfig `yaml:"executor"`

	Services map[string]*domain.ServiceConfig `yaml:"services"`
}

// Load reads the config file named by HESTIA_CONFIG (or DefaultPath),
// applies environment overrides, and validates the result.
func Load() (*Config, error) {
	return LoadFile(getenv("HESTIA_CONFIG", DefaultPath))
}

// LoadFile reads and validates a specific config file.
func LoadFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &domain.ConfigError{Detail: fmt.Sprintf("read %s: %v", path, err)}
	}

	cfg := defaults()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, &domain.ConfigError{Detail: fmt.Sprintf("parse %s: %v", path, err)}
	}

	applyGlobalEnv(cfg)

	for id, svc := range cfg.Services {
		if svc == nil {
			svc = &domain.ServiceConfig{}
			cfg.Services[id] = svc
		}
		svc.ID = id
		applyServiceDefaults(svc)
		applyServiceEnv(id, svc)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Listen:          ":8080",
		LogLevel:        "info",
		ShutdownTimeout: Duration(10 * time.Second),
		Executor: ExecutorConfig{
			ProjectID: 1,
			Timeout:   Duration(30 * time.Second),
		},
		Services: map[string]*domain.ServiceConfig{},
	}
}

func applyServiceDefaults(svc *domain.ServiceConfig) {
	if svc.QueueSize == 0 {
		svc.QueueSize = 100
	}
	if svc.RequestTimeoutSeconds == 0 {
		svc.RequestTimeoutSeconds = 60
	}
	if svc.Remote.TaskTimeoutS == 0 {
		svc.Remote.TaskTimeoutS = 300
	}
	if svc.Remote.PollIntervalS == 0 {
		svc.Remote.PollIntervalS = 2
	}
	if svc.Routing.ModelKey == "" {
		svc.Routing.ModelKey = "model"
	}
}

// ServiceIDs returns the configured ids in stable order.
func (c *Config) ServiceIDs() []string {
	ids := make([]string, 0, len(c.Services))
	for id := range c.Services {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate checks the whole configuration. The first problem found is
// returned as a ConfigError.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return &domain.ConfigError{Field: "listen", Detail: "must not be empty"}
	}
	if c.DefaultService != "" {
		if _, ok := c.Services[c.DefaultService]; !ok {
			return &domain.ConfigError{Field: "default_service", Detail: fmt.Sprintf("references unknown service %q", c.DefaultService)}
		}
	}
	for _, id := range c.ServiceIDs() {
		if err := validateService(c, c.Services[id]); err != nil {
			return err
		}
	}
	return nil
}

func validateService(c *Config, svc *domain.ServiceConfig) error {
	field := func(f string) string { return fmt.Sprintf("services.%s.%s", svc.ID, f) }

	if svc.BaseURL == "" {
		return &domain.ConfigError{Field: field("base_url"), Detail: "required"}
	}
	for f, raw := range map[string]string{
		"base_url":     svc.BaseURL,
		"fallback_url": svc.FallbackURL,
		"health_url":   svc.HealthURL,
	} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return &domain.ConfigError{Field: field(f), Detail: fmt.Sprintf("invalid URL %q", raw)}
		}
	}
	if svc.QueueSize < 1 {
		return &domain.ConfigError{Field: field("queue_size"), Detail: "must be >= 1"}
	}
	if svc.RequestTimeoutSeconds < 1 {
		return &domain.ConfigError{Field: field("request_timeout_seconds"), Detail: "must be >= 1"}
	}
	for f, v := range map[string]int{
		"warmup_ms":       svc.WarmupMs,
		"idle_timeout_ms": svc.IdleTimeoutMs,
		"retry_count":     svc.RetryCount,
		"retry_delay_ms":  svc.RetryDelayMs,
	} {
		if v < 0 {
			return &domain.ConfigError{Field: field(f), Detail: "must not be negative"}
		}
	}
	switch svc.Strategy {
	case "", "model_router", "load_balancer":
	default:
		return &domain.ConfigError{Field: field("strategy"), Detail: fmt.Sprintf("unknown strategy %q", svc.Strategy)}
	}
	for i, inst := range svc.Instances {
		u, err := url.Parse(inst.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return &domain.ConfigError{Field: field(fmt.Sprintf("instances[%d].url", i)), Detail: fmt.Sprintf("invalid URL %q", inst.URL)}
		}
	}
	if svc.Remote.Enabled {
		if c.Executor.BaseURL == "" {
			return &domain.ConfigError{Field: field("remote.enabled"), Detail: "requires executor.base_url"}
		}
		if svc.Remote.StartTemplateID == 0 || svc.Remote.StopTemplateID == 0 {
			return &domain.ConfigError{Field: field("remote"), Detail: "start_template_id and stop_template_id are required"}
		}
		if svc.Remote.MachineID == "" {
			return &domain.ConfigError{Field: field("remote.machine_id"), Detail: "required"}
		}
	}
	return nil
}

func applyGlobalEnv(cfg *Config) {
	if v := os.Getenv("HESTIA_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("HESTIA_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("HESTIA_DEFAULT_SERVICE"); v != "" {
		cfg.DefaultService = v
	}
	if v := os.Getenv("HESTIA_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("HESTIA_EXECUTOR_URL"); v != "" {
		cfg.Executor.BaseURL = v
	}
}

// applyServiceEnv overrides a service's fields from <UPPER_ID>_<FIELD>
// variables, hyphens in the id mapped to underscores.
func applyServiceEnv(id string, svc *domain.ServiceConfig) {
	prefix := strings.ToUpper(strings.ReplaceAll(id, "-", "_")) + "_"

	setStr := func(field string, dst *string) {
		if v := os.Getenv(prefix + field); v != "" {
			*dst = v
		}
	}
	setInt := func(field string, dst *int) {
		if v := os.Getenv(prefix + field); v != "" {
			if i, err := strconv.Atoi(v); err == nil {
				*dst = i
			}
		}
	}

	setStr("BASE_URL", &svc.BaseURL)
	setStr("FALLBACK_URL", &svc.FallbackURL)
	setStr("HEALTH_URL", &svc.HealthURL)
	setStr("STRATEGY", &svc.Strategy)
	setInt("WARMUP_MS", &svc.WarmupMs)
	setInt("IDLE_TIMEOUT_MS", &svc.IdleTimeoutMs)
	setInt("RETRY_COUNT", &svc.RetryCount)
	setInt("RETRY_DELAY_MS", &svc.RetryDelayMs)
	setInt("QUEUE_SIZE", &svc.QueueSize)
	setInt("REQUEST_TIMEOUT_SECONDS", &svc.RequestTimeoutSeconds)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
