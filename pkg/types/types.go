// Package types defines the shared types used across all voiceswitch packages.
//
// These types form the lingua franca between the gateway, the agent runtime,
// the workflow engine, and the tool dispatcher. They are intentionally minimal —
// each package defines its own domain types, but cross-cutting data structures
// live here to avoid circular imports.
package types

import "time"

// IOMode selects how an agent process exchanges utterances with its users.
type IOMode string

const (
	// ModeVoice exchanges binary PCM16 audio frames with the client.
	ModeVoice IOMode = "voice"

	// ModeText exchanges only text frames; no audio flows in either direction.
	ModeText IOMode = "text"

	// ModeHybrid is voice I/O plus a text fast-path: the voice adapter also
	// accepts text-input frames. Exactly one adapter runs regardless of mode.
	ModeHybrid IOMode = "hybrid"
)

// IsValid reports whether m is a recognised I/O mode.
func (m IOMode) IsValid() bool {
	switch m {
	case ModeVoice, ModeText, ModeHybrid:
		return true
	}
	return false
}

// VerifiedUser is the identity record established by a successful
// identity-verification tool call. It is only ever written as a whole.
type VerifiedUser struct {
	// CustomerName is the verified customer's display name.
	CustomerName string `json:"customerName"`

	// AccountID is the customer's account number.
	AccountID string `json:"accountId"`

	// SortCode is the branch sort code associated with the account.
	SortCode string `json:"sortCode"`

	// VerifiedAt is when the IDV check succeeded.
	VerifiedAt time.Time `json:"verifiedAt"`
}

// SessionMemory is the per-session record that survives handoffs. The gateway
// is the sole authority over it; agents receive snapshots in session_init and
// propose changes through update_memory frames and handoff requests.
type SessionMemory struct {
	// Verified reports whether the user has passed an IDV check.
	// Invariant: VerifiedUser != nil implies Verified == true, and clearing
	// either clears both.
	Verified bool `json:"verified"`

	// VerifiedUser holds the identity details when Verified is true.
	VerifiedUser *VerifiedUser `json:"verifiedUser,omitempty"`

	// UserIntent is the pending user goal as free text. Owned by the routing
	// agent: only it may set or overwrite the value; specialist agents either
	// preserve it or clear it on task completion.
	UserIntent string `json:"userIntent,omitempty"`

	// CurrentAgentID identifies the agent presently owning the session.
	CurrentAgentID string `json:"currentAgentId,omitempty"`

	// TaskSummary records the last completed task, shown by the routing agent
	// when the user returns. Written atomically with clearing UserIntent.
	TaskSummary string `json:"taskSummary,omitempty"`

	// Summary is a rolling conversation summary maintained by the gateway's
	// summariser. Injected into the context block on the next session_init.
	Summary string `json:"summary,omitempty"`

	// HandoffInFlight is true only between the start of the handoff state
	// machine and its resolution.
	HandoffInFlight bool `json:"handoffInFlight,omitempty"`
}

// MemoryPatch is a partial SessionMemory update proposed by an agent through
// an update_memory frame. Nil pointer fields are left untouched.
type MemoryPatch struct {
	// VerifiedUser, when non-nil, establishes the verified identity. An empty
	// record (all zero fields) clears both VerifiedUser and Verified.
	VerifiedUser *VerifiedUser `json:"verifiedUser,omitempty"`

	// UserIntent, when non-nil, proposes a new intent value. Subject to the
	// routing-agent ownership rule enforced by the memory store.
	UserIntent *string `json:"userIntent,omitempty"`

	// TaskSummary, when non-nil, records a completed task.
	TaskSummary *string `json:"taskSummary,omitempty"`

	// Summary, when non-nil, replaces the rolling conversation summary.
	Summary *string `json:"summary,omitempty"`
}

// AgentCapabilities are the capability flags an agent declares at registration.
type AgentCapabilities struct {
	// Routing marks the single agent that owns user intent and is the return
	// target for completed tasks. Exactly one live agent must carry it.
	Routing bool `json:"routing,omitempty"`

	// VerificationRequired indicates the agent refuses to act for unverified
	// users; the routing agent sends such users through IDV first.
	VerificationRequired bool `json:"verificationRequired,omitempty"`

	// ToolScopes lists the tool-name prefixes this agent may invoke.
	ToolScopes []string `json:"toolScopes,omitempty"`
}

// AgentInfo is the registry record for a live agent process.
type AgentInfo struct {
	// ID is the stable agent identifier (e.g. "routing", "idv", "banking").
	ID string `json:"id"`

	// Endpoint is the agent's reachable WebSocket URL.
	Endpoint string `json:"endpoint"`

	// Capabilities are the declared capability flags.
	Capabilities AgentCapabilities `json:"capabilities"`

	// WorkflowID names the workflow graph this agent executes.
	WorkflowID string `json:"workflowId"`

	// VoicePreset selects the S2S voice for this agent's persona.
	VoicePreset string `json:"voicePreset,omitempty"`

	// RegisteredAt is when the agent first registered.
	RegisteredAt time.Time `json:"registeredAt"`

	// LastHeartbeat is the most recent heartbeat timestamp.
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// ToolDefinition describes a tool offered to the S2S model.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string `json:"name"`

	// Description explains what the tool does (included in model prompts).
	Description string `json:"description,omitempty"`

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any `json:"parameters,omitempty"`

	// Cacheable marks data tools whose results may be served from the
	// per-session cache on repeated identical calls.
	Cacheable bool `json:"cacheable,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	// CallID is the provider-assigned identifier for this invocation.
	CallID string `json:"callId"`

	// Name is the tool name.
	Name string `json:"name"`

	// Arguments is the JSON-encoded arguments string.
	Arguments string `json:"arguments"`
}

// ErrorKind classifies failures across the gateway/agent boundary.
type ErrorKind string

const (
	ErrKindConfig            ErrorKind = "Config"
	ErrKindNetwork           ErrorKind = "Network"
	ErrKindTimeout           ErrorKind = "Timeout"
	ErrKindProtocolViolation ErrorKind = "ProtocolViolation"
	ErrKindUnknownSession    ErrorKind = "UnknownSession"
	ErrKindUnknownAgent      ErrorKind = "UnknownAgent"
	ErrKindUnhealthyAgent    ErrorKind = "UnhealthyAgent"
	ErrKindToolFailure       ErrorKind = "ToolFailure"
	ErrKindInvalidTransition ErrorKind = "WorkflowInvalidTransition"
	ErrKindHandoffFailed     ErrorKind = "HandoffFailed"
	ErrKindCircuitBreaker    ErrorKind = "CircuitBreakerTripped"
	ErrKindFatalInternal     ErrorKind = "FatalInternal"
)

// ToolResult is the outcome of a dispatched tool call.
type ToolResult struct {
	// CallID matches the originating ToolCall.
	CallID string `json:"callId"`

	// Success reports whether the tool executed without error.
	Success bool `json:"success"`

	// Payload is the tool's output when Success is true, typically a JSON
	// string ready for injection into the model context.
	Payload string `json:"payload,omitempty"`

	// ErrorKind classifies the failure when Success is false.
	ErrorKind ErrorKind `json:"errorKind,omitempty"`

	// ErrorMessage is the human-readable failure description.
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// HandoffRequest is emitted by an agent toward the gateway to switch the
// session to a different agent without disconnecting the client.
type HandoffRequest struct {
	// TargetAgentID is the agent the session should move to.
	TargetAgentID string `json:"targetAgentId"`

	// Reason is free text describing why. When the source is the routing
	// agent it becomes the new user intent.
	Reason string `json:"reason,omitempty"`

	// IsReturn is true when returning to the routing agent after a task.
	IsReturn bool `json:"isReturn"`

	// TaskCompleted describes the finished task. Required when IsReturn is
	// true; it becomes the session's TaskSummary.
	TaskCompleted string `json:"taskCompleted,omitempty"`

	// InheritedMemory is the snapshot of SessionMemory the source agent
	// believes should propagate. VerifiedUser fields are merged, never
	// downgraded.
	InheritedMemory *SessionMemory `json:"inheritedMemory,omitempty"`
}
