package healthcheck

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/meridian-io/meridian/pkg/types"
)

// TCPChecker probes a durable instance by dialing its registered (or
// HealthCheckTarget-overridden) address; a successful connect is
// treated as healthy.
type TCPChecker struct {
	// Timeout bounds a single dial attempt.
	Timeout time.Duration
}

// NewTCPChecker creates a TCP checker with the given per-dial timeout.
// A non-positive timeout falls back to 5s.
func NewTCPChecker(timeout time.Duration) *TCPChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &TCPChecker{Timeout: timeout}
}

// Check dials inst's address and reports whether the connection
// succeeded.
func (t *TCPChecker) Check(ctx context.Context, inst *types.Instance) Result {
	start := time.Now()
	addr := checkTarget(inst)

	dialer := &net.Dialer{Timeout: t.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("%s: tcp dial %s failed: %v", inst.Key.Service.Name, addr, err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	defer conn.Close()

	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("%s: tcp dial %s ok", inst.Key.Service.Name, addr),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (t *TCPChecker) Type() CheckType {
	return CheckTypeTCP
}
