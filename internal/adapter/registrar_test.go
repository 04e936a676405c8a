package adapter_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/voiceswitch/voiceswitch/internal/adapter"
	"github.com/voiceswitch/voiceswitch/pkg/types"
)

// gatewayStub records registration API calls and scripts heartbeat answers.
type gatewayStub struct {
	mu         sync.Mutex
	registered []types.AgentInfo
	heartbeats int
	deletes    int

	// heartbeatStatus is the status returned to heartbeats (default 204).
	heartbeatStatus int
}

func (g *gatewayStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/agents", func(w http.ResponseWriter, r *http.Request) {
		var info types.AgentInfo
		if err := json.NewDecoder(r.Body).Decode(&info); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		g.mu.Lock()
		g.registered = append(g.registered, info)
		g.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("POST /v1/agents/{id}/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.heartbeats++
		status := g.heartbeatStatus
		g.mu.Unlock()
		if status == 0 {
			status = http.StatusNoContent
		}
		w.WriteHeader(status)
	})
	mux.HandleFunc("DELETE /v1/agents/{id}", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		g.deletes++
		g.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func (g *gatewayStub) counts() (registered, heartbeats, deletes int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.registered), g.heartbeats, g.deletes
}

func agentInfo() types.AgentInfo {
	return types.AgentInfo{
		ID:       "banking",
		Endpoint: "ws://localhost:9001/session",
		Capabilities: types.AgentCapabilities{
			VerificationRequired: true,
			ToolScopes:           []string{"check_"},
		},
		WorkflowID: "banking",
	}
}

func TestNewRegistrar_Validation(t *testing.T) {
	t.Parallel()
	if _, err := adapter.NewRegistrar("", agentInfo(), time.Second); err == nil {
		t.Error("empty gateway URL accepted")
	}
	if _, err := adapter.NewRegistrar("http://gw", types.AgentInfo{}, time.Second); err == nil {
		t.Error("empty agent identity accepted")
	}
	if _, err := adapter.NewRegistrar("http://gw", agentInfo(), 0); err == nil {
		t.Error("zero heartbeat period accepted")
	}
}

func TestRegistrar_RegistersAndHeartbeats(t *testing.T) {
	t.Parallel()
	stub := &gatewayStub{}
	ts := httptest.NewServer(stub.handler())
	defer ts.Close()

	reg, err := adapter.NewRegistrar(ts.URL, agentInfo(), 10*time.Millisecond)
	if err != nil {
		t.Fatalf("NewRegistrar: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reg.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, hb, _ := stub.counts(); hb >= 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v; want context.Canceled", err)
	}

	registered, heartbeats, deletes := stub.counts()
	if registered != 1 {
		t.Errorf("registrations = %d; want 1", registered)
	}
	if heartbeats < 3 {
		t.Errorf("heartbeats = %d; want at least 3", heartbeats)
	}
	if deletes != 1 {
		t.Errorf("deregistrations = %d; want 1", deletes)
	}

	stub.mu.Lock()
	info := stub.registered[0]
	stub.mu.Unlock()
	if info.ID != "banking" || info.Endpoint != "ws://localhost:9001/session" {
		t.Errorf("registered info = %+v", info)
	}
}

func TestRegistrar_ReRegistersOnLostEntry(t *testing.T) {
	t.Parallel()
	stub := &gatewayStub{heartbeatStatus: http.StatusNotFound}
	ts := httptest.NewServer(stub.handler())
	defer ts.Close()

	reg, err := adapter.NewRegistrar(ts.URL, agentInfo(), 10*time.Millisecond)
	if err != nil {
		t.Fatalf("NewRegistrar: %v", err)
	}

	ctx := context.Background()
	if err := reg.Register(ctx); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Heartbeat(ctx); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	registered, _, _ := stub.counts()
	if registered != 2 {
		t.Errorf("registrations = %d; a 404 heartbeat must re-register", registered)
	}
}

func TestRegistrar_RegisterFailure(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "full", http.StatusInternalServerError)
	}))
	defer ts.Close()

	reg, err := adapter.NewRegistrar(ts.URL, agentInfo(), 10*time.Millisecond)
	if err != nil {
		t.Fatalf("NewRegistrar: %v", err)
	}
	if err := reg.Run(context.Background()); err == nil {
		t.Error("Run must fail when registration is rejected")
	}
}
