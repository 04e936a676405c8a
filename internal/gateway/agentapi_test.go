package gateway_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/voiceswitch/voiceswitch/internal/gateway"
	"github.com/voiceswitch/voiceswitch/internal/memory"
	"github.com/voiceswitch/voiceswitch/internal/registry"
	"github.com/voiceswitch/voiceswitch/internal/resilience"
	"github.com/voiceswitch/voiceswitch/pkg/types"
)

func newAPIFixture(t *testing.T) (*registry.Registry, *httptest.Server) {
	t.Helper()
	reg := registry.New(15 * time.Second)
	gw, err := gateway.New(gateway.Config{
		Registry: reg,
		Memory:   memory.NewStore(),
		Breaker:  resilience.New(resilience.Config{}),
	})
	if err != nil {
		t.Fatalf("gateway.New: %v", err)
	}
	mux := http.NewServeMux()
	gw.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return reg, srv
}

func postAgent(t *testing.T, srv *httptest.Server, info types.AgentInfo) int {
	t.Helper()
	body, err := json.Marshal(info)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(srv.URL+"/v1/agents", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/agents: %v", err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestAgentAPI_RegisterAndRefresh(t *testing.T) {
	t.Parallel()
	reg, srv := newAPIFixture(t)

	info := types.AgentInfo{
		ID:           "banking",
		Endpoint:     "ws://agents:9001/session",
		WorkflowID:   "banking",
		Capabilities: types.AgentCapabilities{ToolScopes: []string{"check_"}},
	}
	if code := postAgent(t, srv, info); code != http.StatusCreated {
		t.Errorf("first registration = %d; want 201", code)
	}

	// Re-registration with the same id refreshes the record.
	info.Endpoint = "ws://agents:9002/session"
	if code := postAgent(t, srv, info); code != http.StatusOK {
		t.Errorf("re-registration = %d; want 200", code)
	}
	got, err := reg.Resolve("banking", true)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Endpoint != "ws://agents:9002/session" {
		t.Errorf("endpoint = %q; want the refreshed value", got.Endpoint)
	}
}

func TestAgentAPI_RegisterRejectsIncompleteRecord(t *testing.T) {
	t.Parallel()
	_, srv := newAPIFixture(t)
	if code := postAgent(t, srv, types.AgentInfo{ID: "no-endpoint"}); code != http.StatusBadRequest {
		t.Errorf("registration without endpoint = %d; want 400", code)
	}
}

func TestAgentAPI_Heartbeat(t *testing.T) {
	t.Parallel()
	_, srv := newAPIFixture(t)
	postAgent(t, srv, types.AgentInfo{ID: "routing", Endpoint: "ws://agents:9000/session"})

	resp, err := http.Post(srv.URL+"/v1/agents/routing/heartbeat", "application/json", nil)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("heartbeat = %d; want 204", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/v1/agents/ghost/heartbeat", "application/json", nil)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown-agent heartbeat = %d; want 404 so the agent re-registers", resp.StatusCode)
	}
}

func TestAgentAPI_Deregister(t *testing.T) {
	t.Parallel()
	reg, srv := newAPIFixture(t)
	postAgent(t, srv, types.AgentInfo{ID: "idv", Endpoint: "ws://agents:9003/session"})

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/v1/agents/idv", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("deregister = %d; want 204", resp.StatusCode)
	}
	if _, err := reg.Resolve("idv", true); err == nil {
		t.Error("agent still resolvable after deregistration")
	}
}

func TestAgentAPI_List(t *testing.T) {
	t.Parallel()
	_, srv := newAPIFixture(t)
	postAgent(t, srv, types.AgentInfo{ID: "routing", Endpoint: "ws://agents:9000/session",
		Capabilities: types.AgentCapabilities{Routing: true}})
	postAgent(t, srv, types.AgentInfo{ID: "banking", Endpoint: "ws://agents:9001/session"})

	resp, err := http.Get(srv.URL + "/v1/agents")
	if err != nil {
		t.Fatalf("GET /v1/agents: %v", err)
	}
	defer resp.Body.Close()

	var agents []types.AgentInfo
	if err := json.NewDecoder(resp.Body).Decode(&agents); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("agents = %d; want 2", len(agents))
	}
	byID := make(map[string]types.AgentInfo, len(agents))
	for _, a := range agents {
		byID[a.ID] = a
	}
	if !byID["routing"].Capabilities.Routing {
		t.Error("routing capability lost in the listing")
	}
}
