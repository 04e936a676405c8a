package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/voiceswitch/voiceswitch/internal/registry"
	"github.com/voiceswitch/voiceswitch/pkg/types"
)

// registerAgentAPI mounts the HTTP surface agent processes use to announce
// themselves. The paths match what the agent-side registrar speaks:
//
//	POST   /v1/agents                registration (idempotent by id)
//	POST   /v1/agents/{id}/heartbeat liveness refresh; 404 when unknown
//	DELETE /v1/agents/{id}           graceful deregistration
//	GET    /v1/agents                directory listing
func (s *Server) registerAgentAPI(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/agents", s.handleAgentRegister)
	mux.HandleFunc("POST /v1/agents/{id}/heartbeat", s.handleAgentHeartbeat)
	mux.HandleFunc("DELETE /v1/agents/{id}", s.handleAgentDeregister)
	mux.HandleFunc("GET /v1/agents", s.handleAgentList)
}

func (s *Server) handleAgentRegister(w http.ResponseWriter, r *http.Request) {
	var info types.AgentInfo
	if err := json.NewDecoder(r.Body).Decode(&info); err != nil {
		http.Error(w, "malformed agent record: "+err.Error(), http.StatusBadRequest)
		return
	}

	_, lookupErr := s.cfg.Registry.Resolve(info.ID, true)
	isNew := errors.Is(lookupErr, registry.ErrNotFound)

	if err := s.cfg.Registry.Register(info); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if isNew {
		s.metrics.RegisteredAgents.Add(r.Context(), 1)
		w.WriteHeader(http.StatusCreated)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.cfg.Registry.Heartbeat(id, time.Now()); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			// The entry was garbage-collected; the agent re-registers.
			http.Error(w, "unknown agent", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAgentDeregister(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.cfg.Registry.Resolve(id, true); err == nil {
		s.metrics.RegisteredAgents.Add(r.Context(), -1)
	}
	s.cfg.Registry.Deregister(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAgentList(w http.ResponseWriter, _ *http.Request) {
	agents := s.cfg.Registry.List()
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(agents); err != nil {
		slog.Warn("agent list encode failed", "err", err)
	}
}
