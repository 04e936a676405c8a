// Package gateway implements the session gateway: the front door that owns
// the client WebSocket, selects the initial agent, proxies frames to the
// agent process, and performs mid-session handoffs.
//
// One client connection is one session. After the connected frame the
// gateway waits a bounded window for a select_workflow frame, falling back
// to the routing agent, then dials the chosen agent and becomes a
// transparent bidirectional proxy. Only two upstream frame types are
// intercepted: handoff_request enters the handoff state machine (handoff.go)
// and update_memory is applied to the session memory store. The gateway is
// the sole authority over SessionMemory; agents only ever see snapshots.
//
// Within one session all state transitions are serialised: the upstream read
// loop executes intercepts inline, and client frames either forward directly
// or land in the handoff buffer. Across sessions everything proceeds in
// parallel.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/voiceswitch/voiceswitch/internal/archive"
	"github.com/voiceswitch/voiceswitch/internal/memory"
	"github.com/voiceswitch/voiceswitch/internal/observe"
	"github.com/voiceswitch/voiceswitch/internal/registry"
	"github.com/voiceswitch/voiceswitch/internal/resilience"
	"github.com/voiceswitch/voiceswitch/internal/summary"
	"github.com/voiceswitch/voiceswitch/pkg/protocol"
	"github.com/voiceswitch/voiceswitch/pkg/types"
)

// maxFrameBytes bounds a single WebSocket message on both hops.
const maxFrameBytes = 1 << 20

// defaultDialTimeout bounds the TCP+WS handshake when dialing an agent.
const defaultDialTimeout = 5 * time.Second

// Config wires the gateway's collaborators and tuning knobs.
type Config struct {
	// Registry resolves agent ids and workflow ids to live endpoints. Required.
	Registry *registry.Registry

	// Memory is the session memory store. Required.
	Memory *memory.Store

	// Breaker is the per-session error budget. Required.
	Breaker *resilience.Breaker

	// Metrics receives gateway instrumentation. Defaults to
	// [observe.DefaultMetrics] when nil.
	Metrics *observe.Metrics

	// Summary maintains the rolling conversation summary. Optional.
	Summary *summary.Updater

	// Archive persists transcripts and completed tasks. Optional.
	Archive *archive.Writer

	// SelectWindow bounds the wait for a select_workflow frame after connect.
	SelectWindow time.Duration

	// DisconnectGrace is how long session memory survives a client
	// disconnect, allowing a reconnect to resume.
	DisconnectGrace time.Duration

	// AckTimeout bounds the wait for session_ack after session_init.
	AckTimeout time.Duration

	// DialTimeout bounds the upstream WebSocket handshake.
	DialTimeout time.Duration

	// BufferMaxFrames and BufferMaxAudioBytes bound the handoff buffer.
	BufferMaxFrames     int
	BufferMaxAudioBytes int
}

// Server is the gateway process core. Create with [New], mount with
// [Server.Register], and stop with [Server.Shutdown].
type Server struct {
	cfg     Config
	metrics *observe.Metrics

	mu       sync.Mutex
	sessions map[string]*session
	graces   map[string]*time.Timer
	closed   bool
}

// New creates a gateway server. Registry, memory store, and breaker are
// required; zero durations take the package defaults.
func New(cfg Config) (*Server, error) {
	var errs []error
	if cfg.Registry == nil {
		errs = append(errs, fmt.Errorf("gateway: registry must not be nil"))
	}
	if cfg.Memory == nil {
		errs = append(errs, fmt.Errorf("gateway: memory store must not be nil"))
	}
	if cfg.Breaker == nil {
		errs = append(errs, fmt.Errorf("gateway: breaker must not be nil"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.SelectWindow <= 0 {
		cfg.SelectWindow = 10 * time.Second
	}
	if cfg.DisconnectGrace <= 0 {
		cfg.DisconnectGrace = 30 * time.Second
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 5 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.BufferMaxFrames <= 0 {
		cfg.BufferMaxFrames = 256
	}
	if cfg.BufferMaxAudioBytes <= 0 {
		cfg.BufferMaxAudioBytes = 2 << 20
	}

	return &Server{
		cfg:      cfg,
		metrics:  cfg.Metrics,
		sessions: make(map[string]*session),
		graces:   make(map[string]*time.Timer),
	}, nil
}

// Register mounts the client session endpoint and the agent registration API
// on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/session", s.handleClient)
	s.registerAgentAPI(mux)
}

// SessionCount returns the number of live client sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Shutdown terminates every live session with a fatal error frame, cancels
// pending grace timers, and releases all session state.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	live := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	for id, t := range s.graces {
		t.Stop()
		delete(s.graces, id)
		s.cfg.Memory.Delete(id)
	}
	s.mu.Unlock()

	for _, sess := range live {
		s.fatal(ctx, sess, "gateway shutting down")
	}
	if s.cfg.Archive != nil {
		return s.cfg.Archive.Close(ctx)
	}
	return nil
}

// session is the per-client connection state. The client link lives for the
// whole session; the upstream link is replaced on handoff.
type session struct {
	id      string
	traceID string

	client *link

	mu       sync.Mutex
	agent    types.AgentInfo
	upstream *link
	buffer   *frameBuffer // non-nil while a handoff is in flight
	closed   bool
}

// currentUpstream returns the live upstream link, or nil while handing off
// or after close.
func (sess *session) currentUpstream() *link {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.upstream
}

func (sess *session) isClosed() bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.closed
}

// handleClient runs one client session from WebSocket accept to teardown.
func (s *Server) handleClient(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("client accept failed", "err", err)
		return
	}
	conn.SetReadLimit(maxFrameBytes)
	client := &link{conn: conn}

	ctx, span := observe.StartSpan(r.Context(), "session")
	defer span.End()

	sess, resumed, err := s.adoptSession(r.URL.Query().Get("session"), client, observe.TraceID(ctx))
	if err != nil {
		_ = client.writeFrame(ctx, &protocol.Frame{
			Type: protocol.TypeError, Message: err.Error(), Fatal: true,
		})
		client.close()
		return
	}
	defer s.teardown(sess)

	if err := client.writeFrame(ctx, &protocol.Frame{
		Type: protocol.TypeConnected, SessionID: sess.id,
	}); err != nil {
		return
	}

	// All client reads flow through one channel: a timeout context on
	// Conn.Read would close the socket, and the selection wait must not.
	msgCh := make(chan clientMsg)
	go func() {
		defer close(msgCh)
		for {
			msgType, data, err := client.conn.Read(ctx)
			if err != nil {
				return
			}
			select {
			case msgCh <- clientMsg{kind: msgType, data: data}:
			case <-ctx.Done():
				return
			}
		}
	}()

	agent, pending, err := s.selectAgent(ctx, sess, msgCh, resumed)
	if err != nil {
		if !errors.Is(err, errClientGone) {
			_ = client.writeFrame(ctx, &protocol.Frame{
				Type: protocol.TypeError, Message: err.Error(), Fatal: true,
			})
		}
		return
	}

	if !resumed {
		s.cfg.Memory.Create(sess.id, agent.ID)
	}
	sess.mu.Lock()
	sess.agent = agent
	sess.mu.Unlock()

	up, err := s.dialAgent(ctx, sess, agent)
	if err != nil {
		slog.Error("initial agent dial failed", "session_id", sess.id, "agent_id", agent.ID, "err", err)
		_ = client.writeFrame(ctx, &protocol.Frame{
			Type: protocol.TypeError, Message: "could not reach agent " + agent.ID, Fatal: true,
		})
		return
	}
	sess.mu.Lock()
	sess.upstream = up
	sess.mu.Unlock()
	_ = s.cfg.Memory.Update(sess.id, func(m *types.SessionMemory) {
		m.CurrentAgentID = agent.ID
	})

	s.metrics.ActiveSessions.Add(ctx, 1)
	defer s.metrics.ActiveSessions.Add(context.Background(), -1)

	slog.Info("session established",
		"session_id", sess.id, "agent_id", agent.ID, "resumed", resumed)

	if pending != nil {
		s.forwardToAgent(ctx, sess, *pending)
	}

	go s.upstreamLoop(ctx, sess, up, agent)
	s.clientLoop(ctx, sess, msgCh)
}

// clientMsg is one raw message read off the client socket.
type clientMsg struct {
	kind websocket.MessageType
	data []byte
}

// adoptSession allocates a new session or resumes one within its disconnect
// grace window. A session id that is still attached to a live connection is
// rejected.
func (s *Server) adoptSession(requested string, client *link, traceID string) (*session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false, fmt.Errorf("gateway shutting down")
	}

	resumed := false
	id := requested
	if id != "" {
		if _, live := s.sessions[id]; live {
			return nil, false, fmt.Errorf("session %s is already connected", id)
		}
		if t, ok := s.graces[id]; ok {
			t.Stop()
			delete(s.graces, id)
		}
		if _, err := s.cfg.Memory.Get(id); err == nil {
			resumed = true
		} else {
			// Unknown or expired id: issue a fresh session instead.
			id = ""
		}
	}
	if id == "" {
		id = uuid.NewString()
	}

	sess := &session{id: id, traceID: traceID, client: client}
	s.sessions[id] = sess
	return sess, resumed, nil
}

// errClientGone distinguishes a vanished client from a selection failure.
var errClientGone = errors.New("gateway: client disconnected")

// selectAgent resolves the session's first agent. New sessions wait up to
// SelectWindow for a select_workflow frame and fall back to the routing
// agent; a resumed session goes straight back to its recorded agent. The
// returned message, if any, is a non-selection frame that arrived first and
// must be replayed upstream after the dial.
func (s *Server) selectAgent(ctx context.Context, sess *session, msgCh <-chan clientMsg, resumed bool) (types.AgentInfo, *bufferedMsg, error) {
	if resumed {
		mem, err := s.cfg.Memory.Get(sess.id)
		if err == nil && mem.CurrentAgentID != "" {
			if agent, err := s.cfg.Registry.Resolve(mem.CurrentAgentID, false); err == nil {
				return agent, nil, nil
			}
			slog.Warn("recorded agent unavailable on resume, falling back to routing",
				"session_id", sess.id, "agent_id", mem.CurrentAgentID)
		}
		agent, err := s.cfg.Registry.Routing()
		if err != nil {
			return types.AgentInfo{}, nil, fmt.Errorf("no agent available: %w", err)
		}
		return agent, nil, nil
	}

	timer := time.NewTimer(s.cfg.SelectWindow)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			// Window expired without a selection.
			return s.routingFallback(sess, nil)
		case msg, ok := <-msgCh:
			if !ok {
				return types.AgentInfo{}, nil, errClientGone
			}
			if msg.kind == websocket.MessageBinary {
				pending := bufferedMsg{kind: websocket.MessageBinary, data: protocol.PadPCM(msg.data)}
				return s.routingFallback(sess, &pending)
			}

			frame, err := protocol.Unmarshal(msg.data)
			if err != nil {
				slog.Warn("malformed frame during selection", "session_id", sess.id, "err", err)
				continue
			}
			switch frame.Type {
			case protocol.TypePing:
				_ = sess.client.writeFrame(ctx, &protocol.Frame{Type: protocol.TypePing, TS: frame.TS})
			case protocol.TypeSelectWorkflow:
				agent, err := s.resolveWorkflow(frame.WorkflowID)
				if err != nil {
					slog.Warn("workflow selection failed, falling back to routing",
						"session_id", sess.id, "workflow_id", frame.WorkflowID, "err", err)
					return s.routingFallback(sess, nil)
				}
				return agent, nil, nil
			default:
				// The client started talking without selecting: route it and
				// replay the frame.
				pending := bufferedMsg{kind: websocket.MessageText, data: msg.data}
				return s.routingFallback(sess, &pending)
			}
		}
	}
}

func (s *Server) routingFallback(sess *session, pending *bufferedMsg) (types.AgentInfo, *bufferedMsg, error) {
	agent, err := s.cfg.Registry.Routing()
	if err != nil {
		return types.AgentInfo{}, nil, fmt.Errorf("no routing agent available: %w", err)
	}
	return agent, pending, nil
}

// resolveWorkflow finds the healthy agent executing the named workflow.
func (s *Server) resolveWorkflow(workflowID string) (types.AgentInfo, error) {
	if workflowID == "" {
		return types.AgentInfo{}, fmt.Errorf("gateway: empty workflow id")
	}
	for _, agent := range s.cfg.Registry.List() {
		if agent.WorkflowID != workflowID {
			continue
		}
		resolved, err := s.cfg.Registry.Resolve(agent.ID, false)
		if err != nil {
			return types.AgentInfo{}, fmt.Errorf("gateway: workflow %s: %w", workflowID, err)
		}
		return resolved, nil
	}
	return types.AgentInfo{}, fmt.Errorf("gateway: workflow %s: %w", workflowID, registry.ErrNotFound)
}

// dialAgent opens the upstream WebSocket, sends session_init with a memory
// snapshot, and waits for the agent's session_ack.
func (s *Server) dialAgent(ctx context.Context, sess *session, agent types.AgentInfo) (*link, error) {
	start := time.Now()

	snapshot, err := s.cfg.Memory.Snapshot(sess.id)
	if err != nil && !errors.Is(err, memory.ErrNotFound) {
		return nil, fmt.Errorf("gateway: snapshot %s: %w", sess.id, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, agent.Endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("gateway: dial %s: %w", agent.ID, err)
	}
	conn.SetReadLimit(maxFrameBytes)
	up := &link{conn: conn}

	if err := up.writeFrame(dialCtx, &protocol.Frame{
		Type:            protocol.TypeSessionInit,
		SessionID:       sess.id,
		InheritedMemory: &snapshot,
		TraceID:         sess.traceID,
	}); err != nil {
		up.close()
		return nil, fmt.Errorf("gateway: session_init to %s: %w", agent.ID, err)
	}

	ackCtx, cancelAck := context.WithTimeout(ctx, s.cfg.AckTimeout)
	defer cancelAck()
	for {
		msgType, data, err := conn.Read(ackCtx)
		if err != nil {
			up.close()
			return nil, fmt.Errorf("gateway: await session_ack from %s: %w", agent.ID, err)
		}
		if msgType != websocket.MessageText {
			continue
		}
		frame, err := protocol.Unmarshal(data)
		if err != nil {
			continue
		}
		switch frame.Type {
		case protocol.TypeSessionAck:
			if frame.SessionID != sess.id {
				up.close()
				return nil, fmt.Errorf("gateway: agent %s acked session %s, want %s",
					agent.ID, frame.SessionID, sess.id)
			}
			s.metrics.SessionDialDuration.Record(ctx, time.Since(start).Seconds())
			return up, nil
		case protocol.TypeError:
			if frame.Fatal {
				up.close()
				return nil, fmt.Errorf("gateway: agent %s rejected session: %s", agent.ID, frame.Message)
			}
		}
	}
}

// clientLoop reads client frames until the connection drops. Everything the
// client sends passes through to the agent except ping (answered locally)
// and mid-session select_workflow (ignored).
func (s *Server) clientLoop(ctx context.Context, sess *session, msgCh <-chan clientMsg) {
	for msg := range msgCh {
		switch msg.kind {
		case websocket.MessageBinary:
			s.metrics.RecordFrame(ctx, "inbound", "binary")
			s.forwardToAgent(ctx, sess, bufferedMsg{
				kind: websocket.MessageBinary, data: protocol.PadPCM(msg.data),
			})
		case websocket.MessageText:
			s.metrics.RecordFrame(ctx, "inbound", "text")
			frame, err := protocol.Unmarshal(msg.data)
			if err != nil {
				slog.Warn("malformed client frame", "session_id", sess.id, "err", err)
				continue
			}
			switch frame.Type {
			case protocol.TypePing:
				_ = sess.client.writeFrame(ctx, &protocol.Frame{Type: protocol.TypePing, TS: frame.TS})
			case protocol.TypeSelectWorkflow:
				slog.Debug("mid-session select_workflow ignored", "session_id", sess.id)
			default:
				s.forwardToAgent(ctx, sess, bufferedMsg{kind: websocket.MessageText, data: msg.data})
			}
		}
	}
}

// forwardToAgent delivers one client message upstream, or into the handoff
// buffer while a handoff is in flight.
func (s *Server) forwardToAgent(ctx context.Context, sess *session, msg bufferedMsg) {
	sess.mu.Lock()
	if sess.buffer != nil {
		ok := sess.buffer.push(msg)
		sess.mu.Unlock()
		if !ok {
			slog.Warn("handoff buffer overflow", "session_id", sess.id)
		}
		return
	}
	up := sess.upstream
	sess.mu.Unlock()

	if up == nil {
		return
	}
	if err := up.write(ctx, msg); err != nil {
		slog.Warn("upstream write failed", "session_id", sess.id, "err", err)
		s.sessionError(ctx, sess, types.ErrKindNetwork)
	}
}

// upstreamLoop reads agent frames and relays them to the client, applying
// the two gateway intercepts. It exits when the session hands off (the
// successor loop is started by the handoff), the session closes, or the
// upstream connection fails.
func (s *Server) upstreamLoop(ctx context.Context, sess *session, up *link, agent types.AgentInfo) {
	for {
		msgType, data, err := up.conn.Read(ctx)
		if err != nil {
			if sess.isClosed() || sess.currentUpstream() != up {
				return
			}
			slog.Error("agent connection lost", "session_id", sess.id, "agent_id", agent.ID, "err", err)
			s.fatal(ctx, sess, "agent connection lost")
			return
		}
		if sess.currentUpstream() != up {
			// A frame from a replaced upstream: discard.
			continue
		}

		if msgType == websocket.MessageBinary {
			s.metrics.RecordFrame(ctx, "outbound", "binary")
			_ = sess.client.writeBinary(ctx, data)
			continue
		}

		frame, err := protocol.Unmarshal(data)
		if err != nil {
			slog.Warn("malformed agent frame", "session_id", sess.id, "agent_id", agent.ID, "err", err)
			s.sessionError(ctx, sess, types.ErrKindProtocolViolation)
			continue
		}

		switch frame.Type {
		case protocol.TypeHandoffRequest:
			if done := s.runHandoff(ctx, sess, up, agent, frame); done {
				return
			}
		case protocol.TypeUpdateMemory:
			if err := s.cfg.Memory.ApplyPatch(sess.id, frame.Memory, agent.Capabilities.Routing); err != nil {
				slog.Warn("memory patch rejected", "session_id", sess.id, "err", err)
			}
		case protocol.TypeTranscript:
			s.metrics.RecordFrame(ctx, "outbound", "text")
			_ = sess.client.writeRaw(ctx, data)
			if frame.Final || frame.Role == "user" {
				s.observeTranscript(sess, agent.ID, frame)
			}
		case protocol.TypeUsage:
			s.metrics.RecordFrame(ctx, "outbound", "text")
			s.metrics.RecordUsage(ctx, frame.InputTokens, frame.OutputTokens, frame.AudioMs)
			_ = sess.client.writeRaw(ctx, data)
		case protocol.TypeError:
			s.metrics.RecordFrame(ctx, "outbound", "text")
			_ = sess.client.writeRaw(ctx, data)
			if frame.Fatal {
				slog.Error("agent reported fatal error",
					"session_id", sess.id, "agent_id", agent.ID, "message", frame.Message)
				s.closeSession(ctx, sess)
				return
			}
			kind := types.ErrorKind(frame.ErrorKind)
			if kind == "" {
				kind = types.ErrorKind("agent")
			}
			s.sessionError(ctx, sess, kind)
		default:
			// tool_use, workflow_update, decision_made and future additions
			// pass through untouched.
			s.metrics.RecordFrame(ctx, "outbound", "text")
			_ = sess.client.writeRaw(ctx, data)
		}
	}
}

// observeTranscript feeds one finalised transcript line to the summariser
// and the archive.
func (s *Server) observeTranscript(sess *session, agentID string, frame *protocol.Frame) {
	if frame.Text == "" {
		return
	}
	if s.cfg.Summary != nil {
		s.cfg.Summary.Observe(sess.id, frame.Role, frame.Text)
	}
	if s.cfg.Archive != nil {
		s.cfg.Archive.Transcript(archive.TranscriptRecord{
			SessionID: sess.id,
			AgentID:   agentID,
			Role:      frame.Role,
			Text:      frame.Text,
		})
	}
}

// sessionError charges one error against the session's budget and
// terminates the session when the breaker trips.
func (s *Server) sessionError(ctx context.Context, sess *session, kind types.ErrorKind) {
	s.metrics.RecordSessionError(ctx, string(kind))
	if err := s.cfg.Breaker.Record(sess.id); errors.Is(err, resilience.ErrTripped) {
		s.fatal(ctx, sess, "session error budget exhausted")
	}
}

// fatal sends a fatal error frame to the client and closes the session.
func (s *Server) fatal(ctx context.Context, sess *session, message string) {
	_ = sess.client.writeFrame(ctx, &protocol.Frame{
		Type: protocol.TypeError, Message: message, Fatal: true,
	})
	s.closeSession(ctx, sess)
}

// closeSession tears the session's connections down. Memory release is
// deferred to the grace timer in teardown.
func (s *Server) closeSession(_ context.Context, sess *session) {
	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		return
	}
	sess.closed = true
	up := sess.upstream
	sess.upstream = nil
	sess.buffer = nil
	sess.mu.Unlock()

	if up != nil {
		endCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = up.writeFrame(endCtx, &protocol.Frame{Type: protocol.TypeSessionEnd, SessionID: sess.id})
		cancel()
		up.close()
	}
	sess.client.close()
}

// teardown runs when the client handler returns. It closes the upstream and
// schedules memory deletion after the disconnect grace window so a prompt
// reconnect can resume.
func (s *Server) teardown(sess *session) {
	s.closeSession(context.Background(), sess)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess.id)
	if s.closed {
		s.releaseSession(sess.id)
		return
	}
	s.graces[sess.id] = time.AfterFunc(s.cfg.DisconnectGrace, func() {
		s.mu.Lock()
		delete(s.graces, sess.id)
		s.mu.Unlock()
		s.releaseSession(sess.id)
		slog.Info("session memory released", "session_id", sess.id)
	})
}

// releaseSession drops every trace of the session.
func (s *Server) releaseSession(sessionID string) {
	s.cfg.Memory.Delete(sessionID)
	s.cfg.Breaker.Release(sessionID)
	if s.cfg.Summary != nil {
		s.cfg.Summary.Drop(sessionID)
	}
}

// link is one WebSocket connection with serialised writes.
type link struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (l *link) writeFrame(ctx context.Context, f *protocol.Frame) error {
	data, err := protocol.Marshal(f)
	if err != nil {
		return err
	}
	return l.writeRaw(ctx, data)
}

func (l *link) writeRaw(ctx context.Context, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn.Write(ctx, websocket.MessageText, data)
}

func (l *link) writeBinary(ctx context.Context, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn.Write(ctx, websocket.MessageBinary, data)
}

func (l *link) write(ctx context.Context, msg bufferedMsg) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn.Write(ctx, msg.kind, msg.data)
}

func (l *link) close() {
	_ = l.conn.Close(websocket.StatusNormalClosure, "session closed")
}
