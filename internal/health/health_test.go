package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func ok(context.Context) error   { return nil }
func fail(context.Context) error { return errors.New("connection refused") }

func TestChecker_Aggregation(t *testing.T) {
	cases := []struct {
		name string
		deps []Dependency
		want string
		code int
	}{
		{"all healthy", []Dependency{{"database", true, ok}, {"redis", false, ok}, {"payments", false, ok}}, StatusHealthy, 200},
		{"non-critical down", []Dependency{{"database", true, ok}, {"redis", false, fail}, {"payments", false, ok}}, StatusDegraded, 200},
		{"critical down", []Dependency{{"database", true, fail}, {"redis", false, ok}}, StatusUnhealthy, 503},
		{"everything down", []Dependency{{"database", true, fail}, {"redis", false, fail}}, StatusUnhealthy, 503},
		{"no dependencies", nil, StatusHealthy, 200},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := NewChecker(time.Second, tc.deps...)
			rec := httptest.NewRecorder()
			c.Handler(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
			if rec.Code != tc.code {
				t.Fatalf("expected %d, got %d", tc.code, rec.Code)
			}
			var report Report
			if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
				t.Fatal(err)
			}
			if report.Status != tc.want || len(report.Checks) != len(tc.deps) {
				t.Fatalf("unexpected report %+v", report)
			}
		})
	}
}

func TestChecker_ErrorReported(t *testing.T) {
	c := NewChecker(time.Second, Dependency{Name: "redis", Check: fail})
	report := c.Check(context.Background())
	if got := report.Checks["redis"]; got.Status != StatusUnhealthy || got.Error != "connection refused" {
		t.Fatalf("unexpected check %+v", got)
	}
}

func TestChecker_Deadline(t *testing.T) {
	hang := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	c := NewChecker(50*time.Millisecond, Dependency{Name: "database", Critical: true, Check: hang}, Dependency{Name: "redis", Check: ok})

	start := time.Now()
	report := c.Check(context.Background())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("checks not bounded by deadline: %s", elapsed)
	}
	if report.Status != StatusUnhealthy || report.Checks["redis"].Status != StatusHealthy {
		t.Fatalf("unexpected report %+v", report)
	}
}
