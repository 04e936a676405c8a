// Package agentcore implements the voice-agnostic business logic of one
// agent process.
//
// The core owns one S2S model session per connected user and drives it from
// user utterances, delivering outbound events (assistant text and audio,
// tool activity, handoff requests, workflow progress, memory updates) to the
// adapter through the [EmitFunc] registered at construction. The adapter owns
// framing; the core owns everything else. Operations produce identical
// workflow and memory effects under voice, text and hybrid adapters.
package agentcore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/voiceswitch/voiceswitch/internal/config"
	"github.com/voiceswitch/voiceswitch/internal/dispatch"
	"github.com/voiceswitch/voiceswitch/internal/workflow"
	"github.com/voiceswitch/voiceswitch/pkg/provider/s2s"
	"github.com/voiceswitch/voiceswitch/pkg/types"
)

// Sentinel errors returned by session operations.
var (
	// ErrUnknownSession is returned when no session with the given id exists.
	ErrUnknownSession = errors.New("agentcore: unknown session")

	// ErrSessionClosed is returned when the session is closing or closed.
	ErrSessionClosed = errors.New("agentcore: session closed")
)

// Phase is the per-session lifecycle phase.
type Phase int

const (
	// PhaseUninitialized is the zero phase before the model session opens.
	PhaseUninitialized Phase = iota

	// PhaseInitialized means the model session is open but no event has
	// flowed yet.
	PhaseInitialized

	// PhaseActive means at least one user or assistant event has occurred.
	// Handoff requests are emitted from this phase; the session stays active
	// until the gateway tears it down via EndSession.
	PhaseActive

	// PhaseClosing means EndSession has begun.
	PhaseClosing

	// PhaseClosed is terminal.
	PhaseClosed
)

// String returns the human-readable phase name.
func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseInitialized:
		return "initialized"
	case PhaseActive:
		return "active"
	case PhaseClosing:
		return "closing"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// OutboundKind discriminates events delivered to the adapter.
type OutboundKind int

const (
	// OutAssistantText carries assistant text (a transcript of the spoken
	// reply, or the reply itself in text mode).
	OutAssistantText OutboundKind = iota

	// OutAssistantAudio carries a synthesised PCM16 chunk.
	OutAssistantAudio

	// OutUserTranscript carries the transcription of user speech.
	OutUserTranscript

	// OutToolUse announces a tool invocation requested by the model.
	OutToolUse

	// OutHandoff carries a handoff request for the gateway.
	OutHandoff

	// OutWorkflowUpdate announces the workflow position: a node change, or a
	// rejected transition when Valid is false.
	OutWorkflowUpdate

	// OutDecision announces the resolution of a decision node.
	OutDecision

	// OutMemoryUpdate proposes a session-memory patch to the gateway.
	OutMemoryUpdate

	// OutUsage relays a model usage report.
	OutUsage

	// OutInterruption signals that the user barged in.
	OutInterruption

	// OutError carries an error. Fatal errors terminate the session.
	OutError
)

// Outbound is one event for the adapter. Only the fields relevant to Kind
// are populated.
type Outbound struct {
	Kind      OutboundKind
	SessionID string

	// Text is set for OutAssistantText and OutUserTranscript. Final reports
	// whether the text is authoritative rather than a rolling delta.
	Text  string
	Final bool

	// Audio is set for OutAssistantAudio.
	Audio []byte

	// Tool is set for OutToolUse.
	Tool *types.ToolCall

	// Handoff is set for OutHandoff.
	Handoff *types.HandoffRequest

	// Patch is set for OutMemoryUpdate.
	Patch *types.MemoryPatch

	// NodeID is set for OutWorkflowUpdate (the current node) and OutDecision
	// (the resolved decision node). NodeType, NextNodes and Valid complete
	// the workflow-update picture: Valid is false when a transition was
	// rejected and the node is unchanged.
	NodeID    string
	NodeType  string
	NextNodes []string
	Valid     bool

	// ChosenEdge and Reasoning are set for OutDecision: the target the
	// decision resolved to and the guard that selected it.
	ChosenEdge string
	Reasoning  string

	// Usage is set for OutUsage.
	Usage *s2s.Usage

	// Err and Fatal are set for OutError. ErrKind classifies the error for
	// the gateway's taxonomy when known.
	Err     error
	ErrKind types.ErrorKind
	Fatal   bool
}

// EmitFunc receives outbound events. It must not block; the adapter is
// expected to hand frames to its write loop and return.
type EmitFunc func(Outbound)

// Config holds the dependencies and identity of one agent core.
type Config struct {
	// AgentID is this agent's stable identifier.
	AgentID string

	// Routing marks the routing agent, which owns user intent.
	Routing bool

	// ToolScopes filters the executor catalogue offered to the model
	// (prefix match; empty admits everything).
	ToolScopes []string

	// AutoTrigger enables the one-shot synthetic first utterance when a
	// session arrives with an inherited intent.
	AutoTrigger bool

	// Persona is the agent's persona document.
	Persona config.Persona

	// VoicePreset is the S2S voice, unless the persona overrides it.
	VoicePreset string

	// Workflow is the agent's validated workflow graph.
	Workflow *workflow.Graph

	// S2S opens model sessions.
	S2S s2s.Client

	// Dispatcher routes tool calls.
	Dispatcher *dispatch.Dispatcher

	// Tools is the executor's tool catalogue, filtered by ToolScopes before
	// being offered to the model.
	Tools []types.ToolDefinition
}

// session is the per-user state owned by the core.
type session struct {
	mu     sync.Mutex
	id     string
	phase  Phase
	handle s2s.SessionHandle
	memory types.SessionMemory
	wf     workflow.State

	// lastTool is the decoded payload of the most recent successful tool
	// result, used as guard context.
	lastTool map[string]any

	// triggered guards the auto-trigger: once per session, surviving
	// re-initialisation on reconnect.
	triggered bool
}

// Core drives S2S sessions for one agent process. Safe for concurrent use;
// operations on distinct sessions proceed in parallel, operations on the
// same session are serialised.
type Core struct {
	cfg  Config
	emit EmitFunc

	mu       sync.Mutex
	sessions map[string]*session
}

// New validates cfg and creates a Core delivering outbound events to emit.
func New(cfg Config, emit EmitFunc) (*Core, error) {
	if cfg.AgentID == "" {
		return nil, errors.New("agentcore: AgentID must not be empty")
	}
	if cfg.Workflow == nil {
		return nil, errors.New("agentcore: Workflow must not be nil")
	}
	if cfg.S2S == nil {
		return nil, errors.New("agentcore: S2S client must not be nil")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("agentcore: Dispatcher must not be nil")
	}
	if emit == nil {
		return nil, errors.New("agentcore: emit func must not be nil")
	}
	return &Core{
		cfg:      cfg,
		emit:     emit,
		sessions: make(map[string]*session),
	}, nil
}

// InitSession opens the model session for sessionID, assembling the system
// prompt from the inherited memory snapshot, the persona, the handoff
// instructions, and the workflow rendering, in that order.
//
// Re-initialising an existing session id (reconnect) closes the previous
// model session and carries over the auto-trigger guard, so the synthetic
// first utterance fires at most once per session lifetime.
func (c *Core) InitSession(ctx context.Context, sessionID string, inherited *types.SessionMemory) error {
	if sessionID == "" {
		return errors.New("agentcore: session id must not be empty")
	}

	var mem types.SessionMemory
	if inherited != nil {
		mem = *inherited
	}

	sess := &session{id: sessionID, memory: mem}

	c.mu.Lock()
	if old, ok := c.sessions[sessionID]; ok {
		sess.triggered = old.triggered
		if old.handle != nil {
			_ = old.handle.Close()
		}
	}
	c.sessions[sessionID] = sess
	c.mu.Unlock()

	voice := c.cfg.VoicePreset
	if c.cfg.Persona.VoicePreset != "" {
		voice = c.cfg.Persona.VoicePreset
	}
	scfg := s2s.SessionConfig{
		Instructions: c.assemblePrompt(mem),
		Tools:        c.toolCatalog(),
		VoicePreset:  voice,
	}

	handle, err := c.cfg.S2S.Open(ctx, scfg, func(evt s2s.Event) {
		c.OnAssistantEvent(sessionID, evt)
	})
	if err != nil {
		c.mu.Lock()
		delete(c.sessions, sessionID)
		c.mu.Unlock()
		return fmt.Errorf("agentcore: open model session: %w", err)
	}

	sess.mu.Lock()
	sess.handle = handle
	sess.phase = PhaseInitialized
	sess.wf = c.cfg.Workflow.Init()
	trigger := c.cfg.AutoTrigger && !c.cfg.Routing && mem.UserIntent != "" && !sess.triggered
	if trigger {
		sess.triggered = true
		sess.phase = PhaseActive
	}
	sess.mu.Unlock()

	slog.Info("session initialised",
		"agent_id", c.cfg.AgentID, "session_id", sessionID,
		"verified", mem.Verified, "intent", mem.UserIntent != "")

	if trigger {
		utterance := fmt.Sprintf("Hello, I was transferred to you. I need help with the following: %s", mem.UserIntent)
		if err := handle.SendUserText(utterance); err != nil {
			slog.Warn("auto-trigger send failed", "session_id", sessionID, "err", err)
		}
	}
	return nil
}

// HandleUserInput forwards a user text utterance to the model session.
func (c *Core) HandleUserInput(sessionID, text string) error {
	sess, err := c.lookup(sessionID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	if sess.phase >= PhaseClosing {
		sess.mu.Unlock()
		return ErrSessionClosed
	}
	sess.phase = PhaseActive
	handle := sess.handle
	sess.mu.Unlock()

	if err := handle.SendUserText(text); err != nil {
		return fmt.Errorf("agentcore: send user text: %w", err)
	}
	return nil
}

// HandleUserAudio forwards a raw PCM16 chunk to the model session.
func (c *Core) HandleUserAudio(sessionID string, chunk []byte) error {
	sess, err := c.lookup(sessionID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	if sess.phase >= PhaseClosing {
		sess.mu.Unlock()
		return ErrSessionClosed
	}
	handle := sess.handle
	sess.mu.Unlock()

	if err := handle.SendUserAudio(chunk); err != nil {
		return fmt.Errorf("agentcore: send user audio: %w", err)
	}
	return nil
}

// HandleEndAudio marks the end of the current user utterance, committing the
// model's buffered input audio so it responds without waiting for more.
func (c *Core) HandleEndAudio(sessionID string) error {
	sess, err := c.lookup(sessionID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	if sess.phase >= PhaseClosing {
		sess.mu.Unlock()
		return ErrSessionClosed
	}
	handle := sess.handle
	sess.mu.Unlock()

	if err := handle.CommitAudio(); err != nil {
		return fmt.Errorf("agentcore: commit audio: %w", err)
	}
	return nil
}

// OnToolCall routes one model tool call through the dispatcher, returns the
// result to the model, and advances the workflow when the current node is a
// toolcall node matching the executed tool.
func (c *Core) OnToolCall(ctx context.Context, sessionID string, call types.ToolCall) {
	sess, err := c.lookup(sessionID)
	if err != nil {
		slog.Warn("tool call for unknown session", "session_id", sessionID, "tool", call.Name)
		return
	}

	c.emit(Outbound{Kind: OutToolUse, SessionID: sessionID, Tool: &call})

	outcome := c.cfg.Dispatcher.Dispatch(ctx, sessionID, call)

	sess.mu.Lock()
	handle := sess.handle
	if outcome.Handoff != nil {
		sess.memory.HandoffInFlight = true
	}
	if outcome.MemoryPatch != nil && outcome.MemoryPatch.VerifiedUser != nil {
		vu := *outcome.MemoryPatch.VerifiedUser
		sess.memory.VerifiedUser = &vu
		sess.memory.Verified = true
	}
	sess.mu.Unlock()

	if handle != nil {
		if err := handle.SubmitToolResult(call.CallID, resultPayload(outcome.Result)); err != nil {
			slog.Warn("submit tool result failed", "session_id", sessionID, "tool", call.Name, "err", err)
		}
	}

	if outcome.MemoryPatch != nil {
		c.emit(Outbound{Kind: OutMemoryUpdate, SessionID: sessionID, Patch: outcome.MemoryPatch})
	}
	if outcome.Handoff != nil {
		c.emit(Outbound{Kind: OutHandoff, SessionID: sessionID, Handoff: outcome.Handoff})
		return
	}

	if !outcome.Result.Success {
		// The model already holds the failure payload and recovers in
		// dialogue; the gateway still needs the error for the session's
		// budget.
		kind := outcome.Result.ErrorKind
		if kind == "" {
			kind = types.ErrKindToolFailure
		}
		c.emit(Outbound{
			Kind:      OutError,
			SessionID: sessionID,
			Err:       fmt.Errorf("tool %s failed: %s", call.Name, outcome.Result.ErrorMessage),
			ErrKind:   kind,
		})
		return
	}
	c.advanceAfterTool(sess, call.Name, outcome.Result.Payload)
}

// OnAssistantEvent handles one model-session event. It is registered as the
// event handler at Open time; adapters may also invoke it directly in tests.
func (c *Core) OnAssistantEvent(sessionID string, evt s2s.Event) {
	sess, err := c.lookup(sessionID)
	if err != nil {
		return
	}

	switch evt.Kind {
	case s2s.EventAssistantText:
		c.markActive(sess)
		c.emit(Outbound{Kind: OutAssistantText, SessionID: sessionID, Text: evt.Text, Final: evt.Final})
		if evt.Final {
			c.autoAdvance(sess)
		}
	case s2s.EventAssistantAudio:
		c.markActive(sess)
		c.emit(Outbound{Kind: OutAssistantAudio, SessionID: sessionID, Audio: evt.Audio})
	case s2s.EventUserTranscript:
		c.markActive(sess)
		c.emit(Outbound{Kind: OutUserTranscript, SessionID: sessionID, Text: evt.Text, Final: evt.Final})
	case s2s.EventToolCall:
		if evt.Tool != nil {
			// Tool execution can take seconds; never block the session's
			// event goroutine on it.
			go c.OnToolCall(context.Background(), sessionID, *evt.Tool)
		}
	case s2s.EventUsage:
		c.emit(Outbound{Kind: OutUsage, SessionID: sessionID, Usage: evt.Usage})
	case s2s.EventInterruption:
		// Barge-in: cancel the in-flight response so the model stops
		// producing audio the user is talking over.
		sess.mu.Lock()
		handle := sess.handle
		sess.mu.Unlock()
		if handle != nil {
			if err := handle.Interrupt(); err != nil {
				slog.Warn("response cancel failed", "session_id", sessionID, "err", err)
			}
		}
		c.emit(Outbound{Kind: OutInterruption, SessionID: sessionID})
	case s2s.EventError:
		c.onSessionError(sess, evt.Err)
	}
}

// EndSession closes the model session and clears per-session workflow and
// dispatcher state. Session memory is owned by the gateway and untouched.
func (c *Core) EndSession(sessionID string) error {
	c.mu.Lock()
	sess, ok := c.sessions[sessionID]
	if ok {
		delete(c.sessions, sessionID)
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}

	sess.mu.Lock()
	sess.phase = PhaseClosing
	handle := sess.handle
	sess.mu.Unlock()

	c.cfg.Dispatcher.EndSession(sessionID)
	if handle != nil {
		if err := handle.Close(); err != nil {
			slog.Warn("model session close failed", "session_id", sessionID, "err", err)
		}
	}

	sess.mu.Lock()
	sess.phase = PhaseClosed
	sess.mu.Unlock()

	slog.Info("session ended", "agent_id", c.cfg.AgentID, "session_id", sessionID)
	return nil
}

// Phase returns the lifecycle phase of sessionID.
func (c *Core) Phase(sessionID string) (Phase, error) {
	sess, err := c.lookup(sessionID)
	if err != nil {
		return PhaseClosed, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.phase, nil
}

func (c *Core) lookup(sessionID string) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return sess, nil
}

func (c *Core) markActive(sess *session) {
	sess.mu.Lock()
	if sess.phase == PhaseInitialized {
		sess.phase = PhaseActive
	}
	sess.mu.Unlock()
}

// onSessionError surfaces a model-side error to the adapter. The error is
// fatal only when the session handle itself has terminated.
func (c *Core) onSessionError(sess *session, err error) {
	sess.mu.Lock()
	fatal := sess.handle != nil && sess.handle.Err() != nil
	if fatal {
		sess.phase = PhaseClosed
	}
	sess.mu.Unlock()

	if fatal {
		slog.Error("model session terminated", "agent_id", c.cfg.AgentID, "session_id", sess.id, "err", err)
	} else {
		slog.Warn("model session error", "agent_id", c.cfg.AgentID, "session_id", sess.id, "err", err)
	}
	c.emit(Outbound{Kind: OutError, SessionID: sess.id, Err: err, Fatal: fatal})
}

// advanceAfterTool advances the workflow when the current node is a toolcall
// node for the just-executed tool, then follows any satisfied decision nodes.
func (c *Core) advanceAfterTool(sess *session, toolName, payload string) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	var decoded map[string]any
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &decoded); err == nil {
			sess.lastTool = decoded
		}
	}

	node, ok := c.cfg.Workflow.Node(sess.wf.CurrentNodeID)
	if !ok || node.Type != workflow.NodeToolCall || node.Tool != toolName {
		return
	}
	c.stepLocked(sess)
	c.followDecisionsLocked(sess)
}

// autoAdvance moves the workflow past start and decision nodes once the
// assistant has produced a complete reply. Called with sess.mu not held.
func (c *Core) autoAdvance(sess *session) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	node, ok := c.cfg.Workflow.Node(sess.wf.CurrentNodeID)
	if !ok || (node.Type != workflow.NodeStart && node.Type != workflow.NodeDecision) {
		return
	}
	c.stepLocked(sess)
	c.followDecisionsLocked(sess)
}

// followDecisionsLocked keeps advancing while the current node is a decision
// with a satisfied edge. Bounded by the graph size so a cyclic graph cannot
// spin. Must be called with sess.mu held.
func (c *Core) followDecisionsLocked(sess *session) {
	for range len(c.cfg.Workflow.Nodes) {
		node, ok := c.cfg.Workflow.Node(sess.wf.CurrentNodeID)
		if !ok || node.Type != workflow.NodeDecision {
			return
		}
		if !c.stepLocked(sess) {
			return
		}
	}
}

// stepLocked performs one workflow step from the current node. A successful
// step emits a workflow update for the new node (preceded by a decision
// event when the step resolved a decision node); a dead end or rejected
// transition emits an update for the unchanged node with Valid false. Must
// be called with sess.mu held.
func (c *Core) stepLocked(sess *session) bool {
	wfctx := workflow.Context{Memory: sess.memory, ToolResult: sess.lastTool}
	tr, err := c.cfg.Workflow.Decide(sess.wf, wfctx)
	if err != nil {
		// A dead end keeps the session open; the model recovers in dialogue.
		slog.Warn("workflow dead end",
			"agent_id", c.cfg.AgentID, "session_id", sess.id,
			"node", sess.wf.CurrentNodeID, "err", err)
		c.emitWorkflowState(sess, sess.wf, wfctx, false)
		return false
	}
	next, err := c.cfg.Workflow.Advance(sess.wf, tr.NodeID, wfctx)
	if err != nil {
		c.emitWorkflowState(sess, sess.wf, wfctx, false)
		return false
	}
	if from, ok := c.cfg.Workflow.Node(sess.wf.CurrentNodeID); ok && from.Type == workflow.NodeDecision {
		c.emit(Outbound{
			Kind:       OutDecision,
			SessionID:  sess.id,
			NodeID:     from.ID,
			ChosenEdge: tr.NodeID,
			Reasoning:  tr.Edge.Guard,
		})
	}
	sess.wf = next
	c.emitWorkflowState(sess, next, wfctx, true)
	return true
}

// emitWorkflowState emits one workflow update describing state's current
// node. valid reports whether the step that led here was accepted.
func (c *Core) emitWorkflowState(sess *session, state workflow.State, wfctx workflow.Context, valid bool) {
	node, _ := c.cfg.Workflow.Node(state.CurrentNodeID)
	c.emit(Outbound{
		Kind:      OutWorkflowUpdate,
		SessionID: sess.id,
		NodeID:    state.CurrentNodeID,
		NodeType:  string(node.Type),
		NextNodes: c.cfg.Workflow.NextNodeIDs(state, wfctx),
		Valid:     valid,
	})
}

// resultPayload renders a tool result for injection into the model context.
func resultPayload(res types.ToolResult) string {
	if res.Success {
		if res.Payload == "" {
			return "{}"
		}
		return res.Payload
	}
	data, err := json.Marshal(map[string]any{
		"success":      false,
		"errorKind":    string(res.ErrorKind),
		"errorMessage": res.ErrorMessage,
	})
	if err != nil {
		return `{"success":false}`
	}
	return string(data)
}
