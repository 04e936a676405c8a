package adapter_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voiceswitch/voiceswitch/internal/adapter"
	"github.com/voiceswitch/voiceswitch/internal/agentcore"
	"github.com/voiceswitch/voiceswitch/internal/config"
	"github.com/voiceswitch/voiceswitch/internal/dispatch"
	dispatchmock "github.com/voiceswitch/voiceswitch/internal/dispatch/mock"
	"github.com/voiceswitch/voiceswitch/internal/workflow"
	"github.com/voiceswitch/voiceswitch/pkg/protocol"
	"github.com/voiceswitch/voiceswitch/pkg/provider/s2s"
	s2smock "github.com/voiceswitch/voiceswitch/pkg/provider/s2s/mock"
	"github.com/voiceswitch/voiceswitch/pkg/types"
)

const adapterGraphYAML = `
id: banking
nodes:
  - id: welcome
    type: start
    prompt: Greet the customer.
  - id: assist
    type: action
    prompt: Help the customer with their banking needs.
  - id: escalate
    type: handoff
    prompt: Send the customer to identity verification.
    target: idv
edges:
  - from: welcome
    to: assist
  - from: assist
    to: escalate
    guard: verified == false
`

type fixture struct {
	server *adapter.Server
	core   *agentcore.Core
	s2s    *s2smock.Client
	ts     *httptest.Server
}

func newFixture(t *testing.T, mode types.IOMode) *fixture {
	t.Helper()

	graph, err := workflow.Parse([]byte(adapterGraphYAML))
	if err != nil {
		t.Fatalf("parse graph: %v", err)
	}

	f := &fixture{s2s: &s2smock.Client{}}
	f.server = adapter.NewServer(adapter.ServerConfig{AgentID: "banking", Mode: mode})

	core, err := agentcore.New(agentcore.Config{
		AgentID:    "banking",
		Persona:    config.Persona{Name: "Ben", Prompt: "You are Ben, a banking assistant."},
		Workflow:   graph,
		S2S:        f.s2s,
		Dispatcher: dispatch.New(&dispatchmock.Executor{}),
	}, f.server.Emit)
	if err != nil {
		t.Fatalf("agentcore.New: %v", err)
	}
	f.core = core
	f.server.Bind(core)

	f.ts = httptest.NewServer(f.server)
	t.Cleanup(f.ts.Close)
	return f
}

func dial(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, f *protocol.Frame) {
	t.Helper()
	data, err := protocol.Marshal(f)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// readFrame reads JSON frames until one of the wanted type arrives.
func readFrame(t *testing.T, conn *websocket.Conn, wantType string) *protocol.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read while waiting for %s frame: %v", wantType, err)
		}
		if msgType != websocket.MessageText {
			continue
		}
		frame, err := protocol.Unmarshal(data)
		if err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		if frame.Type == wantType {
			return frame
		}
	}
}

// readBinary reads messages until a binary frame arrives.
func readBinary(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read while waiting for binary frame: %v", err)
		}
		if msgType == websocket.MessageBinary {
			return data
		}
	}
}

func initSession(t *testing.T, f *fixture, conn *websocket.Conn, sessionID string) {
	t.Helper()
	writeFrame(t, conn, &protocol.Frame{Type: protocol.TypeSessionInit, SessionID: sessionID})
	ack := readFrame(t, conn, protocol.TypeSessionAck)
	if ack.SessionID != sessionID || ack.AgentID != "banking" {
		t.Fatalf("ack = %+v", ack)
	}
}

// poll retries cond until it returns true or the deadline passes.
func poll(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSessionInit_AckCarriesIdentity(t *testing.T) {
	t.Parallel()
	f := newFixture(t, types.ModeVoice)
	conn := dial(t, f)

	writeFrame(t, conn, &protocol.Frame{
		Type:      protocol.TypeSessionInit,
		SessionID: "s1",
		InheritedMemory: &types.SessionMemory{
			UserIntent: "check my balance",
		},
	})
	ack := readFrame(t, conn, protocol.TypeSessionAck)
	if ack.SessionID != "s1" || ack.AgentID != "banking" {
		t.Errorf("ack = %+v", ack)
	}

	if got := len(f.s2s.OpenCalls); got != 1 {
		t.Fatalf("model sessions opened = %d; want 1", got)
	}
	if !strings.Contains(f.s2s.LastConfig().Instructions, "check my balance") {
		t.Error("inherited intent missing from the system prompt")
	}
}

func TestSessionInit_WithoutID(t *testing.T) {
	t.Parallel()
	f := newFixture(t, types.ModeVoice)
	conn := dial(t, f)

	writeFrame(t, conn, &protocol.Frame{Type: protocol.TypeSessionInit})
	errFrame := readFrame(t, conn, protocol.TypeError)
	if !errFrame.Fatal {
		t.Errorf("missing session id must be fatal, got %+v", errFrame)
	}
}

func TestSessionInit_ModelOpenFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, types.ModeVoice)
	f.s2s.OpenErr = errors.New("realtime unavailable")
	conn := dial(t, f)

	writeFrame(t, conn, &protocol.Frame{Type: protocol.TypeSessionInit, SessionID: "s1"})
	errFrame := readFrame(t, conn, protocol.TypeError)
	if !errFrame.Fatal {
		t.Errorf("open failure must surface as a fatal error frame, got %+v", errFrame)
	}
}

func TestSessionInit_SecondSessionOnSameConnection(t *testing.T) {
	t.Parallel()
	f := newFixture(t, types.ModeVoice)
	conn := dial(t, f)
	initSession(t, f, conn, "s1")

	writeFrame(t, conn, &protocol.Frame{Type: protocol.TypeSessionInit, SessionID: "s2"})
	errFrame := readFrame(t, conn, protocol.TypeError)
	if !errFrame.Fatal || !strings.Contains(errFrame.Message, "already bound") {
		t.Errorf("error frame = %+v", errFrame)
	}
}

func TestUserInput_Forwarded(t *testing.T) {
	t.Parallel()
	f := newFixture(t, types.ModeText)
	conn := dial(t, f)
	initSession(t, f, conn, "s1")

	writeFrame(t, conn, &protocol.Frame{Type: protocol.TypeUserInput, Text: "what's my balance?"})
	poll(t, func() bool {
		texts := f.s2s.Session.Texts()
		return len(texts) == 1 && texts[0] == "what's my balance?"
	}, "user input never reached the model session")
}

func TestAudio_ForwardedInVoiceMode(t *testing.T) {
	t.Parallel()
	f := newFixture(t, types.ModeVoice)
	conn := dial(t, f)
	initSession(t, f, conn, "s1")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, []byte{1, 2, 3}); err != nil {
		t.Fatalf("write audio: %v", err)
	}

	poll(t, func() bool { return len(f.s2s.Session.Audio()) == 1 }, "audio never reached the model session")
	// Odd-length payloads are padded to the PCM16 frame boundary.
	if got := f.s2s.Session.Audio()[0]; len(got)%2 != 0 {
		t.Errorf("audio chunk length = %d; want even", len(got))
	}
}

func TestAudio_DroppedInTextMode(t *testing.T) {
	t.Parallel()
	f := newFixture(t, types.ModeText)
	conn := dial(t, f)
	initSession(t, f, conn, "s1")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageBinary, []byte{1, 2}); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	// Exercise the text path afterwards to prove the connection survived.
	writeFrame(t, conn, &protocol.Frame{Type: protocol.TypeUserInput, Text: "hello"})
	poll(t, func() bool { return len(f.s2s.Session.Texts()) == 1 }, "text path broken")

	if got := len(f.s2s.Session.Audio()); got != 0 {
		t.Errorf("audio chunks = %d; text mode must drop audio", got)
	}
}

func TestEndAudio_CommitsUtterance(t *testing.T) {
	t.Parallel()
	f := newFixture(t, types.ModeVoice)
	conn := dial(t, f)
	initSession(t, f, conn, "s1")

	writeFrame(t, conn, &protocol.Frame{Type: protocol.TypeEndAudio})
	poll(t, func() bool { return f.s2s.Session.Commits() == 1 },
		"utterance end never committed to the model session")
}

func TestEndAudio_IgnoredInTextMode(t *testing.T) {
	t.Parallel()
	f := newFixture(t, types.ModeText)
	conn := dial(t, f)
	initSession(t, f, conn, "s1")

	writeFrame(t, conn, &protocol.Frame{Type: protocol.TypeEndAudio})
	// Exercise the text path afterwards to prove the connection survived.
	writeFrame(t, conn, &protocol.Frame{Type: protocol.TypeUserInput, Text: "hello"})
	poll(t, func() bool { return len(f.s2s.Session.Texts()) == 1 }, "text path broken")

	if got := f.s2s.Session.Commits(); got != 0 {
		t.Errorf("commit calls = %d; text mode has no audio buffer", got)
	}
}

func TestOutbound_TranscriptAndAudio(t *testing.T) {
	t.Parallel()
	f := newFixture(t, types.ModeVoice)
	conn := dial(t, f)
	initSession(t, f, conn, "s1")

	f.s2s.Emit(s2s.Event{Kind: s2s.EventAssistantText, Text: "Hello!", Final: true})
	frame := readFrame(t, conn, protocol.TypeTranscript)
	if frame.Role != "assistant" || frame.Text != "Hello!" || !frame.Final {
		t.Errorf("transcript frame = %+v", frame)
	}

	f.s2s.Emit(s2s.Event{Kind: s2s.EventAssistantAudio, Audio: []byte{5, 5, 5}})
	audio := readBinary(t, conn)
	if len(audio) != 4 {
		t.Errorf("audio frame length = %d; want padded to 4", len(audio))
	}
}

func TestOutbound_ToolUseAndUsage(t *testing.T) {
	t.Parallel()
	f := newFixture(t, types.ModeVoice)
	conn := dial(t, f)
	initSession(t, f, conn, "s1")

	f.s2s.Emit(s2s.Event{Kind: s2s.EventToolCall, Tool: &types.ToolCall{
		CallID: "c1", Name: "check_balance", Arguments: `{}`,
	}})
	toolUse := readFrame(t, conn, protocol.TypeToolUse)
	if toolUse.ToolName != "check_balance" || toolUse.ToolCallID != "c1" {
		t.Errorf("tool_use frame = %+v", toolUse)
	}

	f.s2s.Emit(s2s.Event{Kind: s2s.EventUsage, Usage: &s2s.Usage{InputTokens: 120, OutputTokens: 45, AudioMs: 900}})
	usage := readFrame(t, conn, protocol.TypeUsage)
	if usage.InputTokens != 120 || usage.OutputTokens != 45 || usage.AudioMs != 900 {
		t.Errorf("usage frame = %+v", usage)
	}
}

func TestOutbound_HandoffRequest(t *testing.T) {
	t.Parallel()
	f := newFixture(t, types.ModeVoice)
	conn := dial(t, f)
	initSession(t, f, conn, "s1")

	f.s2s.Emit(s2s.Event{Kind: s2s.EventToolCall, Tool: &types.ToolCall{
		CallID: "c1", Name: "transfer_to_idv", Arguments: `{"reason":"needs verification"}`,
	}})

	frame := readFrame(t, conn, protocol.TypeHandoffRequest)
	if frame.FromAgentID != "banking" {
		t.Errorf("fromAgentId = %q", frame.FromAgentID)
	}
	if frame.Handoff == nil || frame.Handoff.TargetAgentID != "idv" || frame.Handoff.Reason != "needs verification" {
		t.Errorf("handoff = %+v", frame.Handoff)
	}
}

func TestOutbound_WorkflowUpdateDescribesNode(t *testing.T) {
	t.Parallel()
	f := newFixture(t, types.ModeVoice)
	conn := dial(t, f)
	initSession(t, f, conn, "s1")

	f.s2s.Emit(s2s.Event{Kind: s2s.EventAssistantText, Text: "Hello!", Final: true})

	frame := readFrame(t, conn, protocol.TypeWorkflowUpdate)
	if frame.CurrentNodeID != "assist" || frame.NodeType != "action" {
		t.Errorf("workflow_update frame = %+v", frame)
	}
	if len(frame.NextNodes) != 1 || frame.NextNodes[0] != "escalate" {
		t.Errorf("nextNodes = %v; want the satisfied edges", frame.NextNodes)
	}
	if frame.ValidTransition == nil || !*frame.ValidTransition {
		t.Errorf("validTransition = %v; want true", frame.ValidTransition)
	}
}

func TestOutbound_DecisionMade(t *testing.T) {
	t.Parallel()
	f := newFixture(t, types.ModeVoice)
	conn := dial(t, f)
	initSession(t, f, conn, "s1")

	f.server.Emit(agentcore.Outbound{
		Kind: agentcore.OutDecision, SessionID: "s1",
		NodeID: "assist", ChosenEdge: "escalate", Reasoning: "verified == false",
	})

	frame := readFrame(t, conn, protocol.TypeDecisionMade)
	if frame.NodeID != "assist" || frame.ChosenEdge != "escalate" || frame.Reasoning != "verified == false" {
		t.Errorf("decision_made frame = %+v", frame)
	}
}

func TestOutbound_ErrorCarriesKind(t *testing.T) {
	t.Parallel()
	f := newFixture(t, types.ModeVoice)
	conn := dial(t, f)
	initSession(t, f, conn, "s1")

	f.server.Emit(agentcore.Outbound{
		Kind: agentcore.OutError, SessionID: "s1",
		Err:     errors.New("tool check_balance failed: backend down"),
		ErrKind: types.ErrKindToolFailure,
	})

	frame := readFrame(t, conn, protocol.TypeError)
	if frame.ErrorKind != string(types.ErrKindToolFailure) {
		t.Errorf("errorKind = %q; want %q", frame.ErrorKind, types.ErrKindToolFailure)
	}
	if frame.Fatal {
		t.Error("tool failure must not close the session")
	}
	if !strings.Contains(frame.Message, "check_balance") {
		t.Errorf("message = %q; must name the failed tool", frame.Message)
	}
}

func TestPing_Echoed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, types.ModeVoice)
	conn := dial(t, f)

	writeFrame(t, conn, &protocol.Frame{Type: protocol.TypePing, TS: 12345})
	pong := readFrame(t, conn, protocol.TypePing)
	if pong.TS != 12345 {
		t.Errorf("pong ts = %d", pong.TS)
	}
}

func TestSessionEnd_TearsDownSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, types.ModeVoice)
	conn := dial(t, f)
	initSession(t, f, conn, "s1")

	writeFrame(t, conn, &protocol.Frame{Type: protocol.TypeSessionEnd, SessionID: "s1"})

	poll(t, func() bool {
		_, err := f.core.Phase("s1")
		return errors.Is(err, agentcore.ErrUnknownSession)
	}, "session survived session_end")
	poll(t, func() bool { return f.s2s.Session.Closes() >= 1 }, "model session not closed")
}

func TestGatewayDisconnect_TearsDownSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, types.ModeVoice)
	conn := dial(t, f)
	initSession(t, f, conn, "s1")

	conn.CloseNow()

	poll(t, func() bool {
		_, err := f.core.Phase("s1")
		return errors.Is(err, agentcore.ErrUnknownSession)
	}, "session survived gateway disconnect")
}
