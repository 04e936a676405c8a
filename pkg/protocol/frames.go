// Package protocol defines the framed wire protocol spoken on both WebSocket
// hops: client ↔ gateway and gateway ↔ agent.
//
// Two frame kinds exist. JSON text frames carry a "type" discriminator plus
// type-specific fields; binary frames carry raw PCM 16-bit little-endian
// audio and pass through the gateway untouched apart from the even-length
// rule enforced by [PadPCM]. Both hops share the binary conventions; the
// gateway ↔ agent hop adds the session control frames (session_init,
// session_ack, session_end, handoff_request, update_memory).
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/voiceswitch/voiceswitch/pkg/types"
)

// Frame type discriminators, client → gateway.
const (
	TypeSelectWorkflow = "select_workflow"
	TypeUserInput      = "user_input"
	TypeEndAudio       = "end_audio"
	TypePing           = "ping"
)

// Frame type discriminators, gateway → client.
const (
	TypeConnected      = "connected"
	TypeTranscript     = "transcript"
	TypeWorkflowUpdate = "workflow_update"
	TypeToolUse        = "tool_use"
	TypeDecisionMade   = "decision_made"
	TypeHandoff        = "handoff"
	TypeError          = "error"
	TypeUsage          = "usage"
)

// Frame type discriminators, gateway ↔ agent only.
const (
	TypeSessionInit    = "session_init"
	TypeSessionAck     = "session_ack"
	TypeSessionEnd     = "session_end"
	TypeHandoffRequest = "handoff_request"
	TypeUpdateMemory   = "update_memory"
)

// Frame is the union of all JSON frame payloads. The Type field selects which
// of the optional fields are meaningful; unused fields marshal away under
// omitempty. A single fat struct keeps decoding to one pass, mirroring how
// the Realtime-style event streams are handled elsewhere in the codebase.
type Frame struct {
	Type string `json:"type"`

	// select_workflow
	WorkflowID string `json:"workflowId,omitempty"`

	// user_input / transcript
	Text string `json:"text,omitempty"`

	// transcript
	Role  string `json:"role,omitempty"`
	Final bool   `json:"final,omitempty"`

	// ping
	TS int64 `json:"ts,omitempty"`

	// connected / session_init / session_ack / session_end
	SessionID string `json:"sessionId,omitempty"`

	// session_init
	InheritedMemory *types.SessionMemory `json:"inheritedMemory,omitempty"`
	TraceID         string               `json:"traceId,omitempty"`

	// session_ack / handoff
	AgentID string `json:"agentId,omitempty"`

	// workflow_update / decision_made
	CurrentNodeID   string   `json:"currentNodeId,omitempty"`
	NodeType        string   `json:"nodeType,omitempty"`
	NextNodes       []string `json:"nextNodes,omitempty"`
	ValidTransition *bool    `json:"validTransition,omitempty"`
	NodeID          string   `json:"nodeId,omitempty"`
	ChosenEdge      string   `json:"chosenEdge,omitempty"`
	Reasoning       string   `json:"reasoning,omitempty"`

	// tool_use
	ToolName   string `json:"toolName,omitempty"`
	ToolCallID string `json:"toolCallId,omitempty"`
	Arguments  string `json:"arguments,omitempty"`

	// handoff / handoff_request
	FromAgentID   string                `json:"fromAgentId,omitempty"`
	ToAgentID     string                `json:"toAgentId,omitempty"`
	Reason        string                `json:"reason,omitempty"`
	IsReturn      bool                  `json:"isReturn,omitempty"`
	TargetAgentID string                `json:"targetAgentId,omitempty"`
	TaskCompleted string                `json:"taskCompleted,omitempty"`
	Handoff       *types.HandoffRequest `json:"handoff,omitempty"`

	// update_memory
	Memory *types.MemoryPatch `json:"memory,omitempty"`

	// error
	Message   string `json:"message,omitempty"`
	ErrorKind string `json:"errorKind,omitempty"`
	Fatal     bool   `json:"fatal,omitempty"`

	// usage
	InputTokens  int64 `json:"inputTokens,omitempty"`
	OutputTokens int64 `json:"outputTokens,omitempty"`
	AudioMs      int64 `json:"audioMs,omitempty"`
}

// Marshal encodes f as a JSON text frame payload.
func Marshal(f *Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s frame: %w", f.Type, err)
	}
	return data, nil
}

// Unmarshal decodes a JSON text frame payload. A missing or empty "type"
// field is a protocol violation.
func Unmarshal(data []byte) (*Frame, error) {
	f := &Frame{}
	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("protocol: decode frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("protocol: frame has no type")
	}
	return f, nil
}

// PadPCM enforces the binary-frame convention: PCM16 payloads must be a
// multiple of 2 bytes. An odd-length payload is padded with one zero byte
// before forwarding; even-length payloads are returned unchanged.
func PadPCM(payload []byte) []byte {
	if len(payload)%2 == 0 {
		return payload
	}
	return append(payload, 0)
}
