package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	RateLimits         RateLimitsConfig  `mapstructure:"rate_limits"`
	Stealth            StealthConfig     `mapstructure:"stealth"`
	ProxyConfiguration ProxyConfig       `mapstructure:"proxy_configuration"`
	Credentials        CredentialsConfig `mapstructure:"credentials"`
	Dispatcher         DispatcherConfig  `mapstructure:"dispatcher"`
	API                APIConfig         `mapstructure:"api"`
	Storage            StorageConfig     `mapstructure:"storage"`
	Metrics            MetricsConfig     `mapstructure:"metrics"`
	Logging            LoggingConfig     `mapstructure:"logging"`

	filePath string
}

type RateLimitsConfig struct {
	RequestsPerHour        int `mapstructure:"requests_per_hour"`
	RequestsPerSession     int `mapstructure:"requests_per_session"`
	SessionDurationMinutes int `mapstructure:"session_duration_minutes"`
}

type StealthConfig struct {
	MinDelay            float64 `mapstructure:"min_delay"`
	MaxDelay            float64 `mapstructure:"max_delay"`
	ThinkingPauseChance float64 `mapstructure:"thinking_pause_chance"`
	ThinkingPauseMin    float64 `mapstructure:"thinking_pause_min"`
	ThinkingPauseMax    float64 `mapstructure:"thinking_pause_max"`
	BurstDelay          float64 `mapstructure:"burst_delay"`
	BurstThreshold      float64 `mapstructure:"burst_threshold"`
	DelayJitter         float64 `mapstructure:"delay_jitter"`
	RandomizeUserAgents bool    `mapstructure:"randomize_user_agents"`
}

type ProxyConfig struct {
	Proxies             []string `mapstructure:"proxies"`
	ProxyFiles          []string `mapstructure:"proxy_files"`
	ProxySources        []string `mapstructure:"proxy_sources"`
	RotationStrategy    string   `mapstructure:"rotation_strategy"` // "round_robin" or "weighted"
	HealthCheckInterval int      `mapstructure:"health_check_interval"`
	MaxFailuresPerProxy int      `mapstructure:"max_failures_per_proxy"`
	MinSampleSize       int      `mapstructure:"min_sample_size"`
	ProbeMode           string   `mapstructure:"probe_mode"` // "connect-only" or "full-http"
	ProbeURL            string   `mapstructure:"probe_url"`
	ProbeTimeoutMs      int      `mapstructure:"probe_timeout_ms"`
	ProbeConcurrency    int      `mapstructure:"probe_concurrency"`
}

type CredentialsConfig struct {
	File          string `mapstructure:"file"`
	MaxAgeMinutes int    `mapstructure:"max_age_minutes"`
	PrimaryKind   string `mapstructure:"primary_kind"`
}

type DispatcherConfig struct {
	MaxAttempts      int    `mapstructure:"max_attempts"`
	RequestTimeoutMs int    `mapstructure:"request_timeout_ms"`
	Workers          int    `mapstructure:"workers"`
	SlotTimeoutMs    int    `mapstructure:"slot_timeout_ms"`
	ClientProfile    string `mapstructure:"client_profile"`
}

type APIConfig struct {
	Addr               string `mapstructure:"addr"`
	APIKeyEnv          string `mapstructure:"api_key_env"`
	RateLimitPerMinute int    `mapstructure:"rate_limit_per_minute"`
	EnableAPIKeyAuth   bool   `mapstructure:"enable_api_key_auth"`
	EnableIPRateLimit  bool   `mapstructure:"enable_ip_rate_limit"`
}

type StorageConfig struct {
	Type                   string `mapstructure:"type"` // "file", "sqlite", "redis"
	Path                   string `mapstructure:"path"`
	PersistIntervalSeconds int    `mapstructure:"persist_interval_seconds"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	Namespace string `mapstructure:"namespace"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("rate_limits.requests_per_hour", 50)
	v.SetDefault("rate_limits.requests_per_session", 100)
	v.SetDefault("rate_limits.session_duration_minutes", 30)

	v.SetDefault("stealth.min_delay", 3.0)
	v.SetDefault("stealth.max_delay", 12.0)
	v.SetDefault("stealth.thinking_pause_chance", 0.15)
	v.SetDefault("stealth.thinking_pause_min", 5.0)
	v.SetDefault("stealth.thinking_pause_max", 15.0)
	v.SetDefault("stealth.burst_delay", 30.0)
	v.SetDefault("stealth.burst_threshold", 0.1)
	v.SetDefault("stealth.delay_jitter", 0.0)
	v.SetDefault("stealth.randomize_user_agents", true)

	v.SetDefault("proxy_configuration.proxies", []string{})
	v.SetDefault("proxy_configuration.proxy_files", []string{})
	v.SetDefault("proxy_configuration.proxy_sources", []string{})
	v.SetDefault("proxy_configuration.rotation_strategy", "round_robin")
	v.SetDefault("proxy_configuration.health_check_interval", 60)
	v.SetDefault("proxy_configuration.max_failures_per_proxy", 5)
	v.SetDefault("proxy_configuration.min_sample_size", 5)
	v.SetDefault("proxy_configuration.probe_mode", "full-http")
	v.SetDefault("proxy_configuration.probe_url", "https://httpbin.org/ip")
	v.SetDefault("proxy_configuration.probe_timeout_ms", 10000)
	v.SetDefault("proxy_configuration.probe_concurrency", 8)

	v.SetDefault("credentials.file", "tokens.json")
	v.SetDefault("credentials.max_age_minutes", 0)
	v.SetDefault("credentials.primary_kind", "msToken")

	v.SetDefault("dispatcher.max_attempts", 3)
	v.SetDefault("dispatcher.request_timeout_ms", 30000)
	v.SetDefault("dispatcher.workers", 2)
	v.SetDefault("dispatcher.slot_timeout_ms", 0)
	v.SetDefault("dispatcher.client_profile", "chrome_120")

	v.SetDefault("api.addr", ":8083")
	v.SetDefault("api.api_key_env", "STEALTHD_API_KEY")
	v.SetDefault("api.rate_limit_per_minute", 120)
	v.SetDefault("api.enable_api_key_auth", false)
	v.SetDefault("api.enable_ip_rate_limit", true)

	v.SetDefault("storage.type", "file")
	v.SetDefault("storage.path", "data/snapshot.json")
	v.SetDefault("storage.persist_interval_seconds", 300)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.endpoint", "/metrics")
	v.SetDefault("metrics.namespace", "stealthd")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads configuration from a JSON, YAML or TOML file plus STEALTHD_* environment
// variables. An empty filePath uses defaults and environment only. Unknown keys are rejected.
func Load(filePath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("STEALTHD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if filePath != "" {
		if _, err := os.Stat(filePath); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		v.SetConfigFile(filePath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.filePath = filePath

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// FilePath returns the file the config was loaded from, if any
func (c *Config) FilePath() string {
	return c.filePath
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	rl := c.RateLimits
	check(rl.RequestsPerHour >= 1, "rate_limits.requests_per_hour must be at least 1")
	check(rl.RequestsPerSession >= 1, "rate_limits.requests_per_session must be at least 1")
	check(rl.SessionDurationMinutes >= 1, "rate_limits.session_duration_minutes must be at least 1")

	st := c.Stealth
	check(st.MinDelay >= 0 && st.MinDelay <= st.MaxDelay, "stealth.min_delay must be between 0 and stealth.max_delay")
	check(st.ThinkingPauseChance >= 0 && st.ThinkingPauseChance <= 1, "stealth.thinking_pause_chance must be between 0 and 1")
	check(st.ThinkingPauseMin >= 0 && st.ThinkingPauseMin <= st.ThinkingPauseMax, "stealth.thinking_pause_min must be between 0 and stealth.thinking_pause_max")
	check(st.BurstDelay >= 0, "stealth.burst_delay must not be negative")
	check(st.BurstThreshold > 0 && st.BurstThreshold <= 1, "stealth.burst_threshold must be in (0, 1]")
	check(st.DelayJitter >= 0 && st.DelayJitter < 1, "stealth.delay_jitter must be in [0, 1)")

	pc := c.ProxyConfiguration
	check(pc.RotationStrategy == "round_robin" || pc.RotationStrategy == "weighted", "proxy_configuration.rotation_strategy must be 'round_robin' or 'weighted'")
	check(pc.HealthCheckInterval >= 0, "proxy_configuration.health_check_interval must not be negative")
	check(pc.MaxFailuresPerProxy >= 1, "proxy_configuration.max_failures_per_proxy must be at least 1")
	check(pc.MinSampleSize >= 0, "proxy_configuration.min_sample_size must not be negative")
	check(pc.ProbeMode == "connect-only" || pc.ProbeMode == "full-http", "proxy_configuration.probe_mode must be 'connect-only' or 'full-http'")
	check(pc.ProbeTimeoutMs >= 100 && pc.ProbeTimeoutMs <= 300000, "proxy_configuration.probe_timeout_ms must be between 100 and 300000")
	check(pc.ProbeConcurrency >= 1, "proxy_configuration.probe_concurrency must be at least 1")
	check(pc.ProbeMode != "full-http" || pc.ProbeURL != "", "proxy_configuration.probe_url is required in full-http mode")

	cc := c.Credentials
	check(cc.MaxAgeMinutes >= 0, "credentials.max_age_minutes must not be negative")
	check(cc.PrimaryKind != "", "credentials.primary_kind is required")

	dc := c.Dispatcher
	check(dc.MaxAttempts >= 1 && dc.MaxAttempts <= 10, "dispatcher.max_attempts must be between 1 and 10")
	check(dc.RequestTimeoutMs >= 100, "dispatcher.request_timeout_ms must be at least 100")
	check(dc.Workers >= 1, "dispatcher.workers must be at least 1")
	check(dc.SlotTimeoutMs >= 0, "dispatcher.slot_timeout_ms must not be negative")

	check(c.Storage.Type == "file" || c.Storage.Type == "sqlite" || c.Storage.Type == "redis", "storage.type must be 'file', 'sqlite', or 'redis'")
	check(c.Logging.Format == "json" || c.Logging.Format == "text", "logging.format must be 'json' or 'text'")

	return errors.Join(errs...)
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

func (s StealthConfig) MinDelayDuration() time.Duration      { return seconds(s.MinDelay) }
func (s StealthConfig) MaxDelayDuration() time.Duration      { return seconds(s.MaxDelay) }
func (s StealthConfig) ThinkingMinDuration() time.Duration   { return seconds(s.ThinkingPauseMin) }
func (s StealthConfig) ThinkingMaxDuration() time.Duration   { return seconds(s.ThinkingPauseMax) }
func (s StealthConfig) BurstDelayDuration() time.Duration    { return seconds(s.BurstDelay) }
func (r RateLimitsConfig) SessionDuration() time.Duration    { return time.Duration(r.SessionDurationMinutes) * time.Minute }
func (p ProxyConfig) HealthCheckIntervalDuration() time.Duration {
	return time.Duration(p.HealthCheckInterval) * time.Second
}
func (p ProxyConfig) ProbeTimeout() time.Duration { return time.Duration(p.ProbeTimeoutMs) * time.Millisecond }
func (c CredentialsConfig) MaxAge() time.Duration  { return time.Duration(c.MaxAgeMinutes) * time.Minute }
func (d DispatcherConfig) RequestTimeout() time.Duration {
	return time.Duration(d.RequestTimeoutMs) * time.Millisecond
}
func (d DispatcherConfig) SlotTimeout() time.Duration {
	return time.Duration(d.SlotTimeoutMs) * time.Millisecond
}
