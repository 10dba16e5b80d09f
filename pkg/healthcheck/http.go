package healthcheck

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/meridian-io/meridian/pkg/types"
)

// HTTPChecker probes a durable instance over HTTP. The request target
// is built from the instance's address (or HealthCheckTarget
// override) plus Path; an instance whose HealthCheckTarget is already
// a full URL is used as-is.
type HTTPChecker struct {
	// Path is appended to the instance's address when HealthCheckTarget
	// isn't itself a full URL (default: "/").
	Path string

	// ExpectedStatusMin/Max bound the acceptable HTTP status range
	// (default: 200-399).
	ExpectedStatusMin int
	ExpectedStatusMax int

	// Client is the HTTP client used for every probe.
	Client *http.Client
}

// NewHTTPChecker creates an HTTP checker probing path with the given
// per-request timeout. A non-positive timeout falls back to 10s; an
// empty path falls back to "/".
func NewHTTPChecker(path string, timeout time.Duration) *HTTPChecker {
	if path == "" {
		path = "/"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPChecker{
		Path:              path,
		ExpectedStatusMin: 200,
		ExpectedStatusMax: 399,
		Client:            &http.Client{Timeout: timeout},
	}
}

func (h *HTTPChecker) urlFor(inst *types.Instance) string {
	target := checkTarget(inst)
	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		return target
	}
	return "http://" + target + h.Path
}

// Check issues an HTTP GET against inst and reports whether the
// response status fell within the configured range.
func (h *HTTPChecker) Check(ctx context.Context, inst *types.Instance) Result {
	start := time.Now()
	url := h.urlFor(inst)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("%s: build request for %s: %v", inst.Key.Service.Name, url, err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("%s: request to %s failed: %v", inst.Key.Service.Name, url, err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode >= h.ExpectedStatusMin && resp.StatusCode <= h.ExpectedStatusMax
	message := fmt.Sprintf("%s: HTTP %d %s", inst.Key.Service.Name, resp.StatusCode, http.StatusText(resp.StatusCode))
	if !healthy {
		message = fmt.Sprintf("%s (expected %d-%d)", message, h.ExpectedStatusMin, h.ExpectedStatusMax)
	}

	return Result{
		Healthy:   healthy,
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (h *HTTPChecker) Type() CheckType {
	return CheckTypeHTTP
}
