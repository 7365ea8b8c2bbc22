package types

import "time"

// EndpointState is the health classification of a proxy endpoint
type EndpointState string

const (
	StateHealthy  EndpointState = "healthy"
	StateDegraded EndpointState = "degraded"
	StateBanned   EndpointState = "banned"
)

// FailureKind classifies a failed attempt for retry and health purposes
type FailureKind string

const (
	FailureNone              FailureKind = ""
	FailureProxyConnection   FailureKind = "proxy_connection"
	FailureAuthInvalid       FailureKind = "auth_invalid"
	FailureTargetRateLimited FailureKind = "target_rate_limited"
	FailureOther             FailureKind = "other"
)

// ProxyLevel reports whether the failure is evidence against the proxy itself.
func (k FailureKind) ProxyLevel() bool {
	return k == FailureProxyConnection
}

// AttemptRecord is the per-attempt audit record published by the dispatcher
type AttemptRecord struct {
	RequestID      string        `json:"request_id"`
	AttemptID      string        `json:"attempt_id"`
	Attempt        int           `json:"attempt"`
	Timestamp      time.Time     `json:"timestamp"`
	Endpoint       string        `json:"endpoint"`
	CredentialSet  string        `json:"credential_set,omitempty"`
	CredentialKind string        `json:"credential_kind,omitempty"`
	Session        int64         `json:"session"`
	Latency        time.Duration `json:"latency"`
	StatusCode     int           `json:"status_code,omitempty"`
	Outcome        string        `json:"outcome"` // "succeeded", "failed", "canceled"
	FailureKind    FailureKind   `json:"failure_kind,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// EndpointStats is a read-only view of one proxy endpoint
type EndpointStats struct {
	Address             string        `json:"address"`
	State               EndpointState `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	TotalUses           int64         `json:"total_uses"`
	TotalFailures       int64         `json:"total_failures"`
	SuccessRatio        float64       `json:"success_ratio"`
	LastCheckedAt       time.Time     `json:"last_checked_at,omitempty"`
	LastUsedAt          time.Time     `json:"last_used_at,omitempty"`
}

// CredentialStats is a read-only view of one credential inside a set
type CredentialStats struct {
	Kind       string    `json:"kind"`
	Status     string    `json:"status"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// CredentialSetStats is a read-only view of one credential set
type CredentialSetStats struct {
	ID          string            `json:"id"`
	Current     bool              `json:"current"`
	Expired     bool              `json:"expired"`
	Credentials []CredentialStats `json:"credentials"`
}

// SchedulerStats holds pacing counters
type SchedulerStats struct {
	WindowCount      int       `json:"window_count"`
	WindowLimit      int       `json:"window_limit"`
	WindowStart      time.Time `json:"window_start,omitempty"`
	Session          int64     `json:"session"`
	SessionStartedAt time.Time `json:"session_started_at"`
	SessionRequests  int       `json:"session_requests"`
	SessionLimit     int       `json:"session_limit"`
	SessionsRotated  int64     `json:"sessions_rotated"`
	NextAdmissible   time.Time `json:"next_admissible,omitempty"`
}

// Totals holds dispatch counters over the life of the process
type Totals struct {
	Attempts   int64   `json:"attempts"`
	Succeeded  int64   `json:"succeeded"`
	Failed     int64   `json:"failed"`
	Canceled   int64   `json:"canceled"`
	AvgLatency float64 `json:"avg_latency_ms"`
}

// Snapshot represents a point-in-time view of the dispatcher state
type Snapshot struct {
	Endpoints   []EndpointStats      `json:"endpoints"`
	Credentials []CredentialSetStats `json:"credentials"`
	Scheduler   SchedulerStats       `json:"scheduler"`
	Attempts    []AttemptRecord      `json:"attempts"`
	Totals      Totals               `json:"totals"`
	Updated     time.Time            `json:"updated"`
}
