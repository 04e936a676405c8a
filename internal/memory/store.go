// Package memory implements the per-session memory store.
//
// The store is the gateway's single source of truth for what is known about a
// live session: verification state, pending user intent, the owning agent, and
// handoff progress. Agents never mutate it directly; they receive snapshots in
// session_init frames and propose changes through update_memory frames and
// handoff requests, which the gateway applies here under the intent-lifecycle
// rules.
//
// Updates to a single session are serialized through a per-session lock;
// updates across sessions proceed concurrently.
package memory

import (
	"errors"
	"sync"
	"time"

	"github.com/voiceswitch/voiceswitch/pkg/types"
)

// ErrNotFound is returned when the session id is unknown to the store.
var ErrNotFound = errors.New("memory: session not found")

// Store holds SessionMemory records keyed by session id.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry
}

type entry struct {
	mu  sync.Mutex
	mem types.SessionMemory
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*entry)}
}

// Create initialises memory for a new session owned by agentID. Creating an
// id that already exists resets its record.
func (s *Store) Create(sessionID, agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = &entry{mem: types.SessionMemory{CurrentAgentID: agentID}}
}

// Get returns a copy of the session's memory.
func (s *Store) Get(sessionID string) (types.SessionMemory, error) {
	e, ok := s.lookup(sessionID)
	if !ok {
		return types.SessionMemory{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyMemory(e.mem), nil
}

// Snapshot returns an immutable deep copy for handoff payloads. It is Get
// under a clearer name at call sites that build session_init frames.
func (s *Store) Snapshot(sessionID string) (types.SessionMemory, error) {
	return s.Get(sessionID)
}

// Update applies mutator under exclusive access on the session's record.
// The mutator receives the current memory and may modify it in place. Used by
// the gateway for fields it owns outright (currentAgentId, handoffInFlight,
// summary).
func (s *Store) Update(sessionID string, mutator func(*types.SessionMemory)) error {
	e, ok := s.lookup(sessionID)
	if !ok {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	mutator(&e.mem)
	normalize(&e.mem)
	return nil
}

// ApplyPatch applies an agent-proposed partial update under the
// intent-lifecycle rules. fromRouting reports whether the proposing agent
// carries the routing capability.
//
// Rules enforced:
//   - userIntent may be overwritten only by the routing agent; a non-routing
//     set is rejected (existing value preserved) whenever a value is present.
//   - An empty VerifiedUser record clears both verifiedUser and verified;
//     a populated one sets both.
func (s *Store) ApplyPatch(sessionID string, patch *types.MemoryPatch, fromRouting bool) error {
	if patch == nil {
		return nil
	}
	e, ok := s.lookup(sessionID)
	if !ok {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if patch.VerifiedUser != nil {
		if isZeroUser(patch.VerifiedUser) {
			e.mem.VerifiedUser = nil
			e.mem.Verified = false
		} else {
			vu := *patch.VerifiedUser
			if vu.VerifiedAt.IsZero() {
				vu.VerifiedAt = time.Now()
			}
			e.mem.VerifiedUser = &vu
			e.mem.Verified = true
		}
	}

	if patch.UserIntent != nil {
		next := *patch.UserIntent
		switch {
		case fromRouting:
			e.mem.UserIntent = next
		case next == "":
			// Non-routing agents may clear.
			e.mem.UserIntent = ""
		case e.mem.UserIntent == "":
			e.mem.UserIntent = next
		default:
			// Non-routing overwrite of an existing intent: preserve.
		}
	}

	if patch.TaskSummary != nil {
		e.mem.TaskSummary = *patch.TaskSummary
	}
	if patch.Summary != nil {
		e.mem.Summary = *patch.Summary
	}

	normalize(&e.mem)
	return nil
}

// ApplyHandoff applies the memory effects of a handoff request from the
// current agent. fromRouting reports whether the requesting agent carries the
// routing capability.
//
// The request's reason becomes the new userIntent only when routing-agent
// initiated. isReturn clears the intent and records taskSummary atomically.
// Inherited verification state is merged upward, never downgraded.
func (s *Store) ApplyHandoff(sessionID string, req *types.HandoffRequest, fromRouting bool) error {
	e, ok := s.lookup(sessionID)
	if !ok {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if req.IsReturn {
		e.mem.UserIntent = ""
		e.mem.TaskSummary = req.TaskCompleted
	} else if fromRouting && req.Reason != "" {
		e.mem.UserIntent = req.Reason
	}

	if inh := req.InheritedMemory; inh != nil {
		if inh.Verified && inh.VerifiedUser != nil && e.mem.VerifiedUser == nil {
			vu := *inh.VerifiedUser
			e.mem.VerifiedUser = &vu
			e.mem.Verified = true
		}
		if !req.IsReturn && e.mem.UserIntent == "" && inh.UserIntent != "" {
			e.mem.UserIntent = inh.UserIntent
		}
	}

	normalize(&e.mem)
	return nil
}

// Delete removes the session's record. Deleting an unknown id is a no-op.
func (s *Store) Delete(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// Len returns the number of live session records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Store) lookup(sessionID string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[sessionID]
	return e, ok
}

// normalize restores the verified/verifiedUser coupling after any mutation.
func normalize(mem *types.SessionMemory) {
	if mem.VerifiedUser == nil {
		mem.Verified = false
	} else {
		mem.Verified = true
	}
}

func copyMemory(mem types.SessionMemory) types.SessionMemory {
	out := mem
	if mem.VerifiedUser != nil {
		vu := *mem.VerifiedUser
		out.VerifiedUser = &vu
	}
	return out
}

func isZeroUser(u *types.VerifiedUser) bool {
	return u.CustomerName == "" && u.AccountID == "" && u.SortCode == ""
}
