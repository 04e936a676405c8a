package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voiceswitch/voiceswitch/internal/archive"
	"github.com/voiceswitch/voiceswitch/pkg/protocol"
	"github.com/voiceswitch/voiceswitch/pkg/types"
)

// runHandoff executes the handoff state machine for one handoff_request
// frame from the session's current agent. It runs on the upstream read
// goroutine, so no other upstream frame is processed while it is in
// progress; client frames accumulate in the session's buffer.
//
// The return value tells the calling read loop whether to exit: true after a
// completed handoff (a fresh loop now owns the new upstream) and after a
// fatal failure; false when the handoff aborted and the prior agent remains
// active.
func (s *Server) runHandoff(ctx context.Context, sess *session, up *link, from types.AgentInfo, f *protocol.Frame) bool {
	req := f.Handoff
	if req == nil || req.TargetAgentID == "" {
		slog.Warn("malformed handoff_request", "session_id", sess.id, "agent_id", from.ID)
		s.sessionError(ctx, sess, types.ErrKindProtocolViolation)
		return false
	}
	start := time.Now()
	slog.Info("handoff requested",
		"session_id", sess.id, "from", from.ID, "to", req.TargetAgentID, "is_return", req.IsReturn)

	// Buffer inbound client frames for the duration of the switch.
	buf := newFrameBuffer(s.cfg.BufferMaxFrames, s.cfg.BufferMaxAudioBytes)
	sess.mu.Lock()
	if sess.closed || sess.buffer != nil {
		closed := sess.closed
		sess.mu.Unlock()
		return closed
	}
	sess.buffer = buf
	sess.mu.Unlock()
	_ = s.cfg.Memory.Update(sess.id, func(m *types.SessionMemory) {
		m.HandoffInFlight = true
	})

	// Fold the departing segment into the rolling summary before the memory
	// snapshot is taken for the new agent.
	if s.cfg.Summary != nil {
		_ = s.cfg.Summary.Flush(ctx, sess.id)
	}

	// Apply the request's memory effects atomically.
	if err := s.cfg.Memory.ApplyHandoff(sess.id, req, from.Capabilities.Routing); err != nil {
		return s.abortHandoff(ctx, sess, up, buf, req, start,
			fmt.Errorf("memory update failed: %w", err))
	}
	if req.IsReturn && req.TaskCompleted != "" && s.cfg.Archive != nil {
		s.cfg.Archive.Task(archive.TaskRecord{
			SessionID: sess.id, AgentID: from.ID, Summary: req.TaskCompleted,
		})
	}

	// Resolve the target. Unknown or unhealthy targets abort with the prior
	// agent still live.
	target, err := s.cfg.Registry.Resolve(req.TargetAgentID, false)
	if err != nil {
		return s.abortHandoff(ctx, sess, up, buf, req, start, err)
	}
	if buf.overflowed() {
		return s.abortHandoff(ctx, sess, up, buf, req, start,
			fmt.Errorf("handoff buffer overflow"))
	}

	// Point of no return: end the old agent's session.
	endCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	_ = up.writeFrame(endCtx, &protocol.Frame{Type: protocol.TypeSessionEnd, SessionID: sess.id})
	cancel()
	up.close()

	newUp, err := s.dialAgent(ctx, sess, target)
	if err != nil {
		// The old upstream is gone; the session cannot be preserved.
		slog.Error("handoff dial failed", "session_id", sess.id, "target", target.ID, "err", err)
		_ = s.cfg.Memory.Update(sess.id, func(m *types.SessionMemory) {
			m.HandoffInFlight = false
		})
		s.metrics.RecordHandoff(ctx, req.TargetAgentID, "failed", time.Since(start).Seconds())
		s.fatal(ctx, sess, "handoff to "+req.TargetAgentID+" failed")
		return true
	}

	// Flush buffered client frames in arrival order, then swap the upstream
	// under the session lock so nothing interleaves with the tail of the
	// buffer.
	for {
		msgs := buf.drain()
		if len(msgs) == 0 {
			break
		}
		for _, m := range msgs {
			_ = newUp.write(ctx, m)
		}
	}
	sess.mu.Lock()
	for _, m := range buf.drain() {
		_ = newUp.write(ctx, m)
	}
	if sess.closed {
		sess.mu.Unlock()
		newUp.close()
		return true
	}
	sess.buffer = nil
	sess.upstream = newUp
	sess.agent = target
	sess.mu.Unlock()

	_ = s.cfg.Memory.Update(sess.id, func(m *types.SessionMemory) {
		m.HandoffInFlight = false
		m.CurrentAgentID = target.ID
	})

	_ = sess.client.writeFrame(ctx, &protocol.Frame{
		Type:        protocol.TypeHandoff,
		FromAgentID: from.ID,
		ToAgentID:   target.ID,
		Reason:      req.Reason,
		IsReturn:    req.IsReturn,
	})
	s.metrics.RecordHandoff(ctx, target.ID, "ok", time.Since(start).Seconds())
	slog.Info("handoff completed",
		"session_id", sess.id, "from", from.ID, "to", target.ID,
		"duration_ms", time.Since(start).Milliseconds())

	go s.upstreamLoop(ctx, sess, newUp, target)
	return true
}

// abortHandoff unwinds a handoff whose old upstream is still open: buffered
// client frames drain back to the prior agent and the client learns through
// a non-fatal error frame.
func (s *Server) abortHandoff(ctx context.Context, sess *session, up *link, buf *frameBuffer, req *types.HandoffRequest, start time.Time, cause error) bool {
	slog.Warn("handoff aborted",
		"session_id", sess.id, "target", req.TargetAgentID, "err", cause)

	sess.mu.Lock()
	for _, m := range buf.drain() {
		_ = up.write(ctx, m)
	}
	sess.buffer = nil
	closed := sess.closed
	sess.mu.Unlock()

	_ = s.cfg.Memory.Update(sess.id, func(m *types.SessionMemory) {
		m.HandoffInFlight = false
	})
	_ = sess.client.writeFrame(ctx, &protocol.Frame{
		Type:    protocol.TypeError,
		Message: fmt.Sprintf("handoff to %s aborted: %v", req.TargetAgentID, cause),
	})
	s.metrics.RecordHandoff(ctx, req.TargetAgentID, "aborted", time.Since(start).Seconds())
	return closed
}

// bufferedMsg is one client message held while a handoff is in flight.
type bufferedMsg struct {
	kind websocket.MessageType
	data []byte
}

// frameBuffer is the bounded FIFO used during a handoff. Overflow is sticky:
// once either bound is hit, further messages are dropped and the handoff is
// expected to abort.
type frameBuffer struct {
	mu         sync.Mutex
	maxFrames  int
	maxAudio   int
	audioBytes int
	msgs       []bufferedMsg
	dropped    bool
}

func newFrameBuffer(maxFrames, maxAudioBytes int) *frameBuffer {
	return &frameBuffer{maxFrames: maxFrames, maxAudio: maxAudioBytes}
}

// push appends msg, reporting false on overflow.
func (b *frameBuffer) push(msg bufferedMsg) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dropped || len(b.msgs) >= b.maxFrames {
		b.dropped = true
		return false
	}
	if msg.kind == websocket.MessageBinary {
		if b.audioBytes+len(msg.data) > b.maxAudio {
			b.dropped = true
			return false
		}
		b.audioBytes += len(msg.data)
	}
	b.msgs = append(b.msgs, msg)
	return true
}

// drain removes and returns everything buffered so far, in arrival order.
func (b *frameBuffer) drain() []bufferedMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.msgs
	b.msgs = nil
	b.audioBytes = 0
	return msgs
}

// overflowed reports whether any message was dropped.
func (b *frameBuffer) overflowed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
