package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Build metadata, set with -ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// Check states reported by the readiness endpoint.
const (
	CheckOK       = "ok"
	CheckDegraded = "degraded"
	CheckError    = "error"
)

const checkTimeout = 2 * time.Second

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the readiness payload.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the outcome of one readiness check.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
	Depth     *int   `json:"depth,omitempty"`
}

// HealthChecker can verify its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ReadinessChecks are the agent dependencies probed by /readyz. Storage is
// always checked; the others only when set.
type ReadinessChecks struct {
	Storage           HealthChecker
	DefinitionsLoaded func() int
	Online            func() bool
	QueueDepth        func(ctx context.Context) (int, error)
}

// HandleHealth serves the liveness endpoint.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeHealthJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: Version, Commit: Commit})
	}
}

// HandleReady serves the readiness endpoint. The agent is unready only when
// a check errors. An unreachable survey service is "degraded": writes keep
// queueing locally until it returns.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := checks.run(r.Context())

		status, code := "ready", http.StatusOK
		for _, res := range results {
			if res.Status == CheckError {
				status, code = "not_ready", http.StatusServiceUnavailable
				break
			}
		}
		writeHealthJSON(w, code, ReadinessResponse{Status: status, Checks: results})
	}
}

func (c ReadinessChecks) run(ctx context.Context) map[string]CheckResult {
	var (
		mu      sync.Mutex
		results = make(map[string]CheckResult, 4)
		g       errgroup.Group
	)
	add := func(name string, check func(context.Context) CheckResult) {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			start := time.Now()
			res := check(cctx)
			res.LatencyMs = time.Since(start).Milliseconds()
			mu.Lock()
			results[name] = res
			mu.Unlock()
			return nil
		})
	}

	add("storage", func(ctx context.Context) CheckResult {
		if c.Storage == nil {
			return CheckResult{Status: CheckError, Error: "no storage configured"}
		}
		return resultOf(c.Storage.HealthCheck(ctx))
	})
	if c.DefinitionsLoaded != nil {
		add("definitions", func(context.Context) CheckResult {
			if c.DefinitionsLoaded() == 0 {
				return CheckResult{Status: CheckError, Error: "no local definitions loaded"}
			}
			return CheckResult{Status: CheckOK}
		})
	}
	if c.Online != nil {
		add("connectivity", func(context.Context) CheckResult {
			if !c.Online() {
				return CheckResult{Status: CheckDegraded, Error: "survey service unreachable"}
			}
			return CheckResult{Status: CheckOK}
		})
	}
	if c.QueueDepth != nil {
		add("offline_queue", func(ctx context.Context) CheckResult {
			n, err := c.QueueDepth(ctx)
			res := resultOf(err)
			if err == nil {
				res.Depth = &n
			}
			return res
		})
	}

	_ = g.Wait()
	return results
}

func resultOf(err error) CheckResult {
	if err != nil {
		return CheckResult{Status: CheckError, Error: err.Error()}
	}
	return CheckResult{Status: CheckOK}
}

func writeHealthJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
