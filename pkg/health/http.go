package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sentinel-zero/sentinel/pkg/types"
)

// HTTPChecker probes an HTTP endpoint; 2xx-3xx responses are healthy
type HTTPChecker struct {
	URL string

	// Client overrides the default client when set
	Client *http.Client
}

// Check performs the HTTP probe
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("bad probe URL: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("probe request failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode >= 200 && resp.StatusCode <= 399
	message := fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))

	return Result{
		Healthy:   healthy,
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the probe type
func (h *HTTPChecker) Type() types.HealthCheckType {
	return types.HealthCheckHTTP
}
