// Package health aggregates dependency checks into a single status.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/benchwarmers/marketplace/internal/httpx"
	"github.com/benchwarmers/marketplace/internal/logging"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// DefaultTimeout bounds a full round of dependency checks.
const DefaultTimeout = 2 * time.Second

type Dependency struct {
	Name     string
	Critical bool
	Check    func(ctx context.Context) error
}

type ComponentCheck struct {
	Status    string `json:"status"`
	Critical  bool   `json:"critical"`
	LatencyMS int64  `json:"latencyMs"`
	Error     string `json:"error,omitempty"`
}

type Report struct {
	Status    string                    `json:"status"`
	Checks    map[string]ComponentCheck `json:"checks"`
	Timestamp time.Time                 `json:"timestamp"`
}

type Checker struct {
	deps    []Dependency
	timeout time.Duration
	now     func() time.Time
}

func NewChecker(timeout time.Duration, deps ...Dependency) *Checker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Checker{deps: deps, timeout: timeout, now: time.Now}
}

// Check runs every dependency check concurrently. A failing critical dependency makes the
// report unhealthy; a failing non-critical dependency only degrades it.
func (c *Checker) Check(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var mu sync.Mutex
	checks := make(map[string]ComponentCheck, len(c.deps))

	// Dependency errors are recorded, never returned, so one failure does not
	// cancel the others.
	var g errgroup.Group
	for _, p := range c.deps {
		g.Go(func() error {
			start := time.Now()
			err := p.Check(ctx)
			cc := ComponentCheck{
				Status:    StatusHealthy,
				Critical:  p.Critical,
				LatencyMS: time.Since(start).Milliseconds(),
			}
			if err != nil {
				cc.Status = StatusUnhealthy
				cc.Error = err.Error()
			}
			mu.Lock()
			checks[p.Name] = cc
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return Report{Status: Aggregate(checks), Checks: checks, Timestamp: c.now().UTC()}
}

func Aggregate(checks map[string]ComponentCheck) string {
	status := StatusHealthy
	for _, cc := range checks {
		if cc.Status == StatusHealthy {
			continue
		}
		if cc.Critical {
			return StatusUnhealthy
		}
		status = StatusDegraded
	}
	return status
}

// Handler serves GET /api/health. Unhealthy maps to 503.
func (c *Checker) Handler(w http.ResponseWriter, r *http.Request) {
	report := c.Check(r.Context())
	code := http.StatusOK
	if report.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
		logging.FromContext(r.Context()).Error("health check failed", "checks", report.Checks)
	}
	httpx.WriteJSON(w, code, report)
}
