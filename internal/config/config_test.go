package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.RateLimits.RequestsPerHour)
	assert.Equal(t, 100, cfg.RateLimits.RequestsPerSession)
	assert.Equal(t, 30*time.Minute, cfg.RateLimits.SessionDuration())
	assert.Equal(t, 3*time.Second, cfg.Stealth.MinDelayDuration())
	assert.Equal(t, 12*time.Second, cfg.Stealth.MaxDelayDuration())
	assert.Equal(t, 30*time.Second, cfg.Stealth.BurstDelayDuration())
	assert.Equal(t, "round_robin", cfg.ProxyConfiguration.RotationStrategy)
	assert.Equal(t, 5, cfg.ProxyConfiguration.MaxFailuresPerProxy)
	assert.Equal(t, time.Minute, cfg.ProxyConfiguration.HealthCheckIntervalDuration())
	assert.Equal(t, "msToken", cfg.Credentials.PrimaryKind)
	assert.Equal(t, 3, cfg.Dispatcher.MaxAttempts)
	assert.Equal(t, "chrome_120", cfg.Dispatcher.ClientProfile)
	assert.Equal(t, "", cfg.FilePath())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"rate_limits": {"requests_per_hour": 10, "requests_per_session": 5, "session_duration_minutes": 15},
		"stealth": {"min_delay": 0.5, "max_delay": 1.5},
		"proxy_configuration": {"proxies": ["10.0.0.1:8080"], "rotation_strategy": "weighted"}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.RateLimits.RequestsPerHour)
	assert.Equal(t, 500*time.Millisecond, cfg.Stealth.MinDelayDuration())
	assert.Equal(t, []string{"10.0.0.1:8080"}, cfg.ProxyConfiguration.Proxies)
	assert.Equal(t, "weighted", cfg.ProxyConfiguration.RotationStrategy)
	assert.Equal(t, 0.15, cfg.Stealth.ThinkingPauseChance, "unset keys keep defaults")
	assert.Equal(t, path, cfg.FilePath())
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", "dispatcher:\n  max_attempts: 5\n  workers: 4\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Dispatcher.MaxAttempts)
	assert.Equal(t, 4, cfg.Dispatcher.Workers)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("STEALTHD_RATE_LIMITS_REQUESTS_PER_HOUR", "7")
	t.Setenv("STEALTHD_LOGGING_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.RateLimits.RequestsPerHour)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestUnknownKeyRejected(t *testing.T) {
	path := writeConfig(t, "config.json", `{"rate_limits": {"requests_per_day": 10}}`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requests_per_day")
}

func TestMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestValidateNamesOffendingKeys(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		expect string
	}{
		{"zero rate", `{"rate_limits": {"requests_per_hour": 0}}`, "rate_limits.requests_per_hour"},
		{"inverted delays", `{"stealth": {"min_delay": 5, "max_delay": 1}}`, "stealth.min_delay"},
		{"chance above one", `{"stealth": {"thinking_pause_chance": 1.5}}`, "stealth.thinking_pause_chance"},
		{"bad strategy", `{"proxy_configuration": {"rotation_strategy": "random"}}`, "proxy_configuration.rotation_strategy"},
		{"bad probe mode", `{"proxy_configuration": {"probe_mode": "ping"}}`, "proxy_configuration.probe_mode"},
		{"too many attempts", `{"dispatcher": {"max_attempts": 11}}`, "dispatcher.max_attempts"},
		{"bad storage", `{"storage": {"type": "s3"}}`, "storage.type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "config.json", tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expect)
		})
	}
}

func TestValidateReportsAllErrors(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.RateLimits.RequestsPerHour = 0
	cfg.Dispatcher.Workers = 0

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate_limits.requests_per_hour")
	assert.Contains(t, err.Error(), "dispatcher.workers")
}
