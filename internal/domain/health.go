package domain

import "time"

// HealthStatus represents the readiness of a dependency or of the service overall.
type HealthStatus string

const (
	HealthStatusOK       HealthStatus = "ok"
	HealthStatusDegraded HealthStatus = "degraded"
	HealthStatusError    HealthStatus = "error"
)

// DependencyHealth captures the outcome of probing a single dependency.
type DependencyHealth struct {
	Status    HealthStatus
	Critical  bool
	Detail    string
	Latency   time.Duration
	CheckedAt time.Time
}

// ReadinessReport aggregates dependency probes for the readiness endpoint.
type ReadinessReport struct {
	Status       HealthStatus
	Dependencies map[string]DependencyHealth
	GeneratedAt  time.Time
}

// Ready reports whether the service should receive traffic.
func (r ReadinessReport) Ready() bool {
	return r.Status != HealthStatusError
}
