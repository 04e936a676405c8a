// Package adapter bridges the framed wire protocol to agent core operations.
//
// The adapter owns framing and nothing else: inbound frames become core
// calls, outbound core events become frames. One adapter connection serves
// exactly one session; the gateway dials a fresh WebSocket per session, and
// a second session_init with a different id on the same connection is a
// protocol violation.
//
// All three I/O modes run through the same server. In voice and hybrid modes
// binary PCM frames are accepted and synthesised audio flows back as binary;
// text injection works in every mode, so hybrid is simply the voice adapter
// with the text fast-path exercised.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/voiceswitch/voiceswitch/internal/agentcore"
	"github.com/voiceswitch/voiceswitch/pkg/protocol"
	"github.com/voiceswitch/voiceswitch/pkg/types"
)

// ServerConfig holds the adapter's identity and mode.
type ServerConfig struct {
	// AgentID is echoed in session_ack frames.
	AgentID string

	// Mode selects which inbound frame kinds are accepted.
	Mode types.IOMode
}

// Server is the agent-side WebSocket endpoint the gateway dials. Create with
// [NewServer], then [Server.Bind] the core before serving.
type Server struct {
	cfg  ServerConfig
	core *agentcore.Core

	mu    sync.Mutex
	conns map[string]*wsConn // session id → connection
}

// NewServer creates an unbound adapter server.
func NewServer(cfg ServerConfig) *Server {
	return &Server{
		cfg:   cfg,
		conns: make(map[string]*wsConn),
	}
}

// Bind attaches the agent core. The core must be constructed with
// [Server.Emit] as its emit func so outbound events find their connection.
func (s *Server) Bind(core *agentcore.Core) { s.core = core }

// ServeHTTP accepts one gateway connection and runs its read loop until the
// connection or the request context ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.core == nil {
		http.Error(w, "adapter not bound", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "agent_id", s.cfg.AgentID, "err", err)
		return
	}

	wc := &wsConn{conn: conn}
	defer s.teardown(r.Context(), wc)

	s.readLoop(r.Context(), wc)
}

// Emit routes one core event to its session's connection. Registered as the
// core's emit func.
func (s *Server) Emit(o agentcore.Outbound) {
	s.mu.Lock()
	wc := s.conns[o.SessionID]
	s.mu.Unlock()
	if wc == nil {
		return
	}

	ctx := context.Background()
	var err error
	switch o.Kind {
	case agentcore.OutAssistantText:
		err = wc.writeFrame(ctx, &protocol.Frame{
			Type: protocol.TypeTranscript, Role: "assistant", Text: o.Text, Final: o.Final,
		})
	case agentcore.OutUserTranscript:
		err = wc.writeFrame(ctx, &protocol.Frame{
			Type: protocol.TypeTranscript, Role: "user", Text: o.Text, Final: o.Final,
		})
	case agentcore.OutAssistantAudio:
		if s.cfg.Mode != types.ModeText {
			err = wc.writeBinary(ctx, protocol.PadPCM(o.Audio))
		}
	case agentcore.OutToolUse:
		err = wc.writeFrame(ctx, &protocol.Frame{
			Type: protocol.TypeToolUse, ToolName: o.Tool.Name,
			ToolCallID: o.Tool.CallID, Arguments: o.Tool.Arguments,
		})
	case agentcore.OutHandoff:
		err = wc.writeFrame(ctx, &protocol.Frame{
			Type: protocol.TypeHandoffRequest, FromAgentID: s.cfg.AgentID, Handoff: o.Handoff,
		})
	case agentcore.OutWorkflowUpdate:
		valid := o.Valid
		err = wc.writeFrame(ctx, &protocol.Frame{
			Type: protocol.TypeWorkflowUpdate, CurrentNodeID: o.NodeID,
			NodeType: o.NodeType, NextNodes: o.NextNodes, ValidTransition: &valid,
		})
	case agentcore.OutDecision:
		err = wc.writeFrame(ctx, &protocol.Frame{
			Type: protocol.TypeDecisionMade, NodeID: o.NodeID,
			ChosenEdge: o.ChosenEdge, Reasoning: o.Reasoning,
		})
	case agentcore.OutMemoryUpdate:
		err = wc.writeFrame(ctx, &protocol.Frame{
			Type: protocol.TypeUpdateMemory, Memory: o.Patch,
		})
	case agentcore.OutUsage:
		err = wc.writeFrame(ctx, &protocol.Frame{
			Type: protocol.TypeUsage, InputTokens: o.Usage.InputTokens,
			OutputTokens: o.Usage.OutputTokens, AudioMs: o.Usage.AudioMs,
		})
	case agentcore.OutInterruption:
		// The client observes interruptions through the audio stream itself.
	case agentcore.OutError:
		err = wc.writeFrame(ctx, &protocol.Frame{
			Type: protocol.TypeError, Message: o.Err.Error(),
			ErrorKind: string(o.ErrKind), Fatal: o.Fatal,
		})
	}
	if err != nil {
		slog.Warn("outbound frame write failed",
			"agent_id", s.cfg.AgentID, "session_id", o.SessionID, "err", err)
	}
}

func (s *Server) readLoop(ctx context.Context, wc *wsConn) {
	for {
		msgType, data, err := wc.conn.Read(ctx)
		if err != nil {
			return
		}
		switch msgType {
		case websocket.MessageBinary:
			s.onAudio(wc, data)
		case websocket.MessageText:
			frame, err := protocol.Unmarshal(data)
			if err != nil {
				slog.Warn("malformed frame", "agent_id", s.cfg.AgentID, "err", err)
				continue
			}
			if done := s.onFrame(ctx, wc, frame); done {
				return
			}
		}
	}
}

// onFrame handles one inbound JSON frame. It returns true when the
// connection should close.
func (s *Server) onFrame(ctx context.Context, wc *wsConn, f *protocol.Frame) bool {
	switch f.Type {
	case protocol.TypeSessionInit:
		s.onSessionInit(ctx, wc, f)
	case protocol.TypeUserInput:
		if id := wc.session(); id != "" {
			if err := s.core.HandleUserInput(id, f.Text); err != nil {
				slog.Warn("user input rejected", "session_id", id, "err", err)
			}
		}
	case protocol.TypeEndAudio:
		if s.cfg.Mode == types.ModeText {
			return false
		}
		if id := wc.session(); id != "" {
			if err := s.core.HandleEndAudio(id); err != nil {
				slog.Warn("audio commit rejected", "session_id", id, "err", err)
			}
		}
	case protocol.TypeSessionEnd:
		if id := wc.session(); id != "" {
			_ = s.core.EndSession(id)
			s.unbind(id)
			wc.bind("")
		}
		return true
	case protocol.TypePing:
		_ = wc.writeFrame(ctx, &protocol.Frame{Type: protocol.TypePing, TS: f.TS})
	default:
		slog.Warn("unexpected frame", "agent_id", s.cfg.AgentID, "frame_type", f.Type)
	}
	return false
}

func (s *Server) onSessionInit(ctx context.Context, wc *wsConn, f *protocol.Frame) {
	if f.SessionID == "" {
		_ = wc.writeFrame(ctx, &protocol.Frame{
			Type: protocol.TypeError, Message: "session_init without session id", Fatal: true,
		})
		return
	}
	if bound := wc.session(); bound != "" && bound != f.SessionID {
		_ = wc.writeFrame(ctx, &protocol.Frame{
			Type:    protocol.TypeError,
			Message: fmt.Sprintf("connection already bound to session %s", bound),
			Fatal:   true,
		})
		return
	}

	wc.bind(f.SessionID)
	s.mu.Lock()
	s.conns[f.SessionID] = wc
	s.mu.Unlock()

	if err := s.core.InitSession(ctx, f.SessionID, f.InheritedMemory); err != nil {
		slog.Error("session init failed", "agent_id", s.cfg.AgentID, "session_id", f.SessionID, "err", err)
		_ = wc.writeFrame(ctx, &protocol.Frame{
			Type: protocol.TypeError, Message: "session initialisation failed", Fatal: true,
		})
		s.unbind(f.SessionID)
		wc.bind("")
		return
	}
	_ = wc.writeFrame(ctx, &protocol.Frame{
		Type: protocol.TypeSessionAck, SessionID: f.SessionID, AgentID: s.cfg.AgentID,
	})
}

func (s *Server) onAudio(wc *wsConn, data []byte) {
	if s.cfg.Mode == types.ModeText {
		return
	}
	id := wc.session()
	if id == "" {
		return
	}
	if err := s.core.HandleUserAudio(id, protocol.PadPCM(data)); err != nil &&
		!errors.Is(err, agentcore.ErrSessionClosed) {
		slog.Warn("audio rejected", "session_id", id, "err", err)
	}
}

// teardown releases the connection's session when the gateway vanished
// without a session_end.
func (s *Server) teardown(_ context.Context, wc *wsConn) {
	if id := wc.session(); id != "" {
		s.unbind(id)
		_ = s.core.EndSession(id)
	}
	wc.conn.Close(websocket.StatusNormalClosure, "connection closed")
}

func (s *Server) unbind(sessionID string) {
	s.mu.Lock()
	delete(s.conns, sessionID)
	s.mu.Unlock()
}

// wsConn is one gateway connection with serialised writes.
type wsConn struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
}

func (w *wsConn) bind(id string) {
	w.mu.Lock()
	w.sessionID = id
	w.mu.Unlock()
}

func (w *wsConn) session() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sessionID
}

func (w *wsConn) writeFrame(ctx context.Context, f *protocol.Frame) error {
	data, err := protocol.Marshal(f)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) writeBinary(ctx context.Context, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.Write(ctx, websocket.MessageBinary, data)
}
