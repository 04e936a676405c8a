package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/voiceswitch/voiceswitch/internal/health"
	"github.com/voiceswitch/voiceswitch/internal/registry"
	"github.com/voiceswitch/voiceswitch/pkg/types"
)

type response struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func doRequest(t *testing.T, h *health.Handler, path string) (int, response) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var resp response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return rec.Code, resp
}

func TestHealthz_AlwaysOK(t *testing.T) {
	t.Parallel()
	h := health.New(health.Checker{
		Name:  "broken",
		Check: func(context.Context) error { return errors.New("down") },
	})
	code, resp := doRequest(t, h, "/healthz")
	if code != http.StatusOK || resp.Status != "ok" {
		t.Errorf("healthz = %d %+v", code, resp)
	}
}

func TestReadyz_AllPass(t *testing.T) {
	t.Parallel()
	h := health.New(
		health.Checker{Name: "a", Check: func(context.Context) error { return nil }},
		health.Checker{Name: "b", Check: func(context.Context) error { return nil }},
	)
	code, resp := doRequest(t, h, "/readyz")
	if code != http.StatusOK || resp.Status != "ok" {
		t.Fatalf("readyz = %d %+v", code, resp)
	}
	if resp.Checks["a"] != "ok" || resp.Checks["b"] != "ok" {
		t.Errorf("checks = %v", resp.Checks)
	}
}

func TestReadyz_OneFailure(t *testing.T) {
	t.Parallel()
	h := health.New(
		health.Checker{Name: "good", Check: func(context.Context) error { return nil }},
		health.Checker{Name: "bad", Check: func(context.Context) error { return errors.New("unreachable") }},
	)
	code, resp := doRequest(t, h, "/readyz")
	if code != http.StatusServiceUnavailable || resp.Status != "fail" {
		t.Fatalf("readyz = %d %+v", code, resp)
	}
	if !strings.HasPrefix(resp.Checks["bad"], "fail:") {
		t.Errorf("failed check = %q", resp.Checks["bad"])
	}
	if resp.Checks["good"] != "ok" {
		t.Errorf("passing check = %q", resp.Checks["good"])
	}
}

func TestRoutingAgentChecker(t *testing.T) {
	t.Parallel()
	reg := registry.New(15 * time.Second)
	check := health.RoutingAgentChecker(reg)

	if err := check.Check(context.Background()); err == nil {
		t.Error("empty registry must fail the routing check")
	}

	if err := reg.Register(types.AgentInfo{
		ID:           "routing",
		Endpoint:     "ws://localhost:9000/session",
		Capabilities: types.AgentCapabilities{Routing: true},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := check.Check(context.Background()); err != nil {
		t.Errorf("routing check = %v; want nil with a live routing agent", err)
	}
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestArchiveChecker(t *testing.T) {
	t.Parallel()
	if err := health.ArchiveChecker(fakePinger{}).Check(context.Background()); err != nil {
		t.Errorf("reachable archive = %v", err)
	}
	want := errors.New("connection refused")
	if err := health.ArchiveChecker(fakePinger{err: want}).Check(context.Background()); !errors.Is(err, want) {
		t.Errorf("unreachable archive = %v", err)
	}
}
