package handlers

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/storefront/api/internal/repositories"
)

func TestHealthz(t *testing.T) {
	started := time.Date(2024, time.May, 1, 12, 0, 0, 0, time.UTC)
	now := started.Add(90 * time.Second)
	health := NewHealthHandlers(
		WithHealthBuildInfo(BuildInfo{Version: "1.4.0", CommitSHA: "abc123", StartedAt: started}),
		WithHealthClock(func() time.Time { return now }),
	)
	api := newTestAPI(t, WithHealthHandlers(health))

	rr := api.do(t, http.MethodGet, "/healthz", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["status"] != "ok" || body["version"] != "1.4.0" || body["uptime"] != "1m30s" {
		t.Fatalf("unexpected healthz payload %v", body)
	}
}

func TestReadyz(t *testing.T) {
	healthy := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("connection refused") }

	cases := []struct {
		name     string
		checks   []repositories.DependencyCheck
		status   int
		overall  string
		depState map[string]string
	}{
		{
			name: "all healthy",
			checks: []repositories.DependencyCheck{
				{Name: "orders", Critical: true, Check: healthy},
				{Name: "redis", Check: healthy},
			},
			status:   http.StatusOK,
			overall:  "ok",
			depState: map[string]string{"orders": "ok", "redis": "ok"},
		},
		{
			name: "optional dependency down",
			checks: []repositories.DependencyCheck{
				{Name: "orders", Critical: true, Check: healthy},
				{Name: "redis", Check: down},
			},
			status:   http.StatusOK,
			overall:  "degraded",
			depState: map[string]string{"orders": "ok", "redis": "error"},
		},
		{
			name: "critical dependency down",
			checks: []repositories.DependencyCheck{
				{Name: "orders", Critical: true, Check: down},
			},
			status:   http.StatusServiceUnavailable,
			overall:  "error",
			depState: map[string]string{"orders": "error"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo, err := repositories.NewDependencyHealthRepository(tc.checks)
			if err != nil {
				t.Fatalf("NewDependencyHealthRepository: %v", err)
			}
			api := newTestAPI(t, WithHealthHandlers(NewHealthHandlers(WithHealthRepository(repo))))

			rr := api.do(t, http.MethodGet, "/readyz", "", "")
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d (%s)", tc.status, rr.Code, rr.Body.String())
			}
			body := decodeBody(t, rr)
			if body["status"] != tc.overall {
				t.Fatalf("expected overall %s, got %v", tc.overall, body["status"])
			}
			deps := body["dependencies"].(map[string]any)
			for name, want := range tc.depState {
				dep := deps[name].(map[string]any)
				if dep["status"] != want {
					t.Fatalf("dependency %s: expected %s, got %v", name, want, dep["status"])
				}
			}
		})
	}
}

func TestReadyz_WithoutRepository(t *testing.T) {
	api := newTestAPI(t)
	if rr := api.do(t, http.MethodGet, "/readyz", "", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}
