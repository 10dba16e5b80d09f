package healthcheck

import (
	"context"
	"fmt"
	"time"

	"github.com/meridian-io/meridian/pkg/types"
)

// CheckType represents the type of health check
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
)

// Result represents the outcome of a single probe against a registered
// instance.
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker is the interface every active prober implements. Unlike a
// generic container liveness probe, Check is handed the instance
// itself: the probed address (and, for HTTP, the path) is derived from
// the instance's own registration data (types.Instance.Key /
// HealthCheckTarget), not fixed on the Checker at construction time,
// so one Checker can be reused across every durable instance of a
// given check type.
type Checker interface {
	// Check probes inst and returns the outcome.
	Check(ctx context.Context, inst *types.Instance) Result

	// Type returns the type of health check
	Type() CheckType
}

// checkTarget resolves the address a checker should probe: the
// instance's explicit HealthCheckTarget override, or its registered
// ip:port.
func checkTarget(inst *types.Instance) string {
	if inst.HealthCheckTarget != "" {
		return inst.HealthCheckTarget
	}
	return fmt.Sprintf("%s:%d", inst.Key.IP, inst.Key.Port)
}

// Config contains common configuration for all health checks
type Config struct {
	// Interval is the time between health checks
	Interval time.Duration

	// Timeout is the maximum time to wait for a health check to complete
	Timeout time.Duration

	// Retries is the number of consecutive failures before marking as unhealthy
	Retries int

	// StartPeriod is the grace period before starting health checks.
	// Used to allow a recently-registered instance to finish starting up.
	StartPeriod time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		Retries:     3,
		StartPeriod: 0,
	}
}

// Status tracks the current health status of a durable service instance
type Status struct {
	// ConsecutiveFailures tracks the number of consecutive failed checks
	ConsecutiveFailures int

	// ConsecutiveSuccesses tracks the number of consecutive successful checks
	ConsecutiveSuccesses int

	// LastCheck is the timestamp of the last health check
	LastCheck time.Time

	// LastResult is the result of the last health check
	LastResult Result

	// Healthy indicates if the instance is currently considered healthy
	Healthy bool

	// StartedAt is when health monitoring started for this instance
	StartedAt time.Time
}

// NewStatus creates a new Status with default values
func NewStatus() *Status {
	return &Status{
		Healthy:   true, // Assume healthy until proven otherwise
		StartedAt: time.Now(),
	}
}

// Update updates the status based on a new health check result
func (s *Status) Update(result Result, config Config) {
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0

		// Mark as healthy after first success
		s.Healthy = true
	} else {
		s.ConsecutiveFailures++
		s.ConsecutiveSuccesses = 0

		// Mark as unhealthy after reaching retry threshold
		if s.ConsecutiveFailures >= config.Retries {
			s.Healthy = false
		}
	}
}

// InStartPeriod returns true if we're still in the startup grace period
func (s *Status) InStartPeriod(config Config) bool {
	if config.StartPeriod == 0 {
		return false
	}
	return time.Since(s.StartedAt) < config.StartPeriod
}
