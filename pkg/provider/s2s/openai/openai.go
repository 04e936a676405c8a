// Package openai implements the s2s.Client interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the Realtime endpoint
// and exchanges JSON events according to the Realtime API protocol. Audio is
// transmitted as base64-encoded PCM16 chunks; tool calls, transcripts, usage
// reports, and barge-in notifications are surfaced as [s2s.Event] values
// through the handler registered at Open time.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/voiceswitch/voiceswitch/pkg/provider/s2s"
	"github.com/voiceswitch/voiceswitch/pkg/types"
)

// Compile-time assertions that Client and session satisfy the s2s interfaces.
var _ s2s.Client = (*Client)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// ── Client ─────────────────────────────────────────────────────────────────────

// Client implements s2s.Client for OpenAI's Realtime API.
type Client struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new OpenAI Realtime Client with the given API key and options.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Open establishes a new Realtime session. The returned handle is ready to
// accept audio immediately after the session.update message is sent.
func (c *Client) Open(ctx context.Context, cfg s2s.SessionConfig, onEvent s2s.EventHandler) (s2s.SessionHandle, error) {
	wsURL := fmt.Sprintf("%s?model=%s", c.baseURL, c.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + c.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:    conn,
		onEvent: onEvent,
		ctx:     sessCtx,
		cancel:  sessCancel,
	}

	if err := sess.sendSessionUpdate(cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice             string    `json:"voice,omitempty"`
	Instructions      string    `json:"instructions,omitempty"`
	Tools             []oaiTool `json:"tools,omitempty"`
	InputAudioFormat  string    `json:"input_audio_format"`
	OutputAudioFormat string    `json:"output_audio_format"`
}

type oaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
	CallID  string             `json:"call_id,omitempty"`
	Output  string             `json:"output,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail represents the nested error object in a Realtime error
// event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type serverResponse struct {
	Usage *serverUsage `json:"usage,omitempty"`
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// response.done
	Response *serverResponse `json:"response,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn    *websocket.Conn
	onEvent s2s.EventHandler

	mu     sync.Mutex
	errVal error
	closed bool

	// currentTxText accumulates response.audio_transcript.delta events until
	// response.audio_transcript.done is received.
	currentTxText string

	ctx    context.Context
	cancel context.CancelFunc
}

// sendSessionUpdate sends a session.update event configuring voice,
// instructions, tools, and audio formats.
func (s *session) sendSessionUpdate(cfg s2s.SessionConfig) error {
	params := sessionParams{
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}
	if cfg.VoicePreset != "" {
		params.Voice = cfg.VoicePreset
	}
	if cfg.Instructions != "" {
		params.Instructions = cfg.Instructions
	}
	if len(cfg.Tools) > 0 {
		params.Tools = toOAITools(cfg.Tools)
	}
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them to the
// event handler until the connection drops or the session is closed.
func (s *session) receiveLoop() {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(err)
			s.emit(s2s.Event{Kind: s2s.EventError, Err: fmt.Errorf("openai: read: %w", err)})
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		s.handleServerEvent(&evt)
	}
}

func (s *session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		audioData, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(audioData) == 0 {
			return
		}
		s.emit(s2s.Event{Kind: s2s.EventAssistantAudio, Audio: audioData})

	case "response.audio_transcript.delta", "response.text.delta":
		if evt.Delta == "" {
			return
		}
		s.mu.Lock()
		s.currentTxText += evt.Delta
		s.mu.Unlock()
		s.emit(s2s.Event{Kind: s2s.EventAssistantText, Text: evt.Delta})

	case "response.audio_transcript.done", "response.text.done":
		s.mu.Lock()
		text := s.currentTxText
		s.currentTxText = ""
		s.mu.Unlock()
		if text == "" {
			return
		}
		s.emit(s2s.Event{Kind: s2s.EventAssistantText, Text: text, Final: true})

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return
		}
		s.emit(s2s.Event{Kind: s2s.EventUserTranscript, Text: evt.Transcript, Final: true})

	case "response.function_call_arguments.done":
		s.emit(s2s.Event{Kind: s2s.EventToolCall, Tool: &types.ToolCall{
			CallID:    evt.CallID,
			Name:      evt.Name,
			Arguments: evt.Arguments,
		}})

	case "input_audio_buffer.speech_started":
		// The user barged in; the model abandons its in-flight response.
		s.emit(s2s.Event{Kind: s2s.EventInterruption})

	case "response.done":
		if evt.Response == nil || evt.Response.Usage == nil {
			return
		}
		s.emit(s2s.Event{Kind: s2s.EventUsage, Usage: &s2s.Usage{
			InputTokens:  evt.Response.Usage.InputTokens,
			OutputTokens: evt.Response.Usage.OutputTokens,
		}})

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		s.emit(s2s.Event{Kind: s2s.EventError, Err: fmt.Errorf("openai: %s", msg)})
	}
}

func (s *session) emit(evt s2s.Event) {
	if s.onEvent == nil {
		return
	}
	s.onEvent(evt)
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// toOAITools converts the shared ToolDefinition slice to the Realtime format.
func toOAITools(tools []types.ToolDefinition) []oaiTool {
	out := make([]oaiTool, len(tools))
	for i, t := range tools {
		out[i] = oaiTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		}
	}
	return out
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendUserText injects a user message and requests the next model response.
func (s *session) SendUserText(text string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	msg := createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type: "message",
			Role: "user",
			Content: []conversationPart{
				{Type: "input_text", Text: text},
			},
		},
	}
	if err := s.writeJSON(msg); err != nil {
		return err
	}
	return s.writeJSON(map[string]string{"type": "response.create"})
}

// SendUserAudio delivers a raw PCM16 audio chunk to the model.
func (s *session) SendUserAudio(chunk []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	encoded := base64.StdEncoding.EncodeToString(chunk)
	return s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: encoded,
	})
}

// CommitAudio signals the end of the current user utterance.
func (s *session) CommitAudio() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.writeJSON(map[string]string{"type": "input_audio_buffer.commit"})
}

// SubmitToolResult returns a tool outcome to the model and triggers the next
// response.
func (s *session) SubmitToolResult(callID string, output string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.writeJSON(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	}); err != nil {
		return err
	}
	return s.writeJSON(map[string]string{"type": "response.create"})
}

// Interrupt sends a response.cancel event to stop the current model response.
func (s *session) Interrupt() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.writeJSON(map[string]string{"type": "response.cancel"})
}

// Err returns the first non-nil error that terminated the session.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// checkOpen returns an error if the session has been closed.
func (s *session) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("openai: session closed")
	}
	return nil
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
