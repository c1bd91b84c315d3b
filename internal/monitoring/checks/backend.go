package checks

import (
	"context"
	"net/http"
	"time"

	"github.com/ziqrishahab/pelaris-edge/internal/monitoring"
)

const defaultBackendTimeout = 3 * time.Second

// Backend returns a probe that checks reachability of the central backend.
// An unreachable backend is degraded: the agent is built to ride it out.
func Backend(client *http.Client, baseURL string, timeout time.Duration) monitoring.Check {
	if client == nil {
		client = http.DefaultClient
	}
	return monitoring.NewCheck("backend", func(ctx context.Context) monitoring.ProbeResult {
		start := time.Now()
		if baseURL == "" {
			return monitoring.ProbeResult{
				Status:   monitoring.StatusDegraded,
				Details:  "backend not configured",
				Duration: time.Since(start),
			}
		}

		probeCtx, cancel := context.WithTimeout(ctx, chooseTimeout(timeout, defaultBackendTimeout))
		defer cancel()

		req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, baseURL, nil)
		if err != nil {
			return monitoring.ResultFromError("backend", err, time.Since(start))
		}

		resp, err := client.Do(req)
		if err != nil {
			return monitoring.ProbeResult{
				Status:   monitoring.StatusDegraded,
				Details:  "unreachable: " + err.Error(),
				Duration: time.Since(start),
			}
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusInternalServerError {
			return monitoring.ProbeResult{
				Status:   monitoring.StatusDegraded,
				Details:  resp.Status,
				Duration: time.Since(start),
			}
		}

		return monitoring.ProbeResult{
			Status:   monitoring.StatusUp,
			Duration: time.Since(start),
		}
	})
}
