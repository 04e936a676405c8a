// Package mock provides test doubles for the s2s package interfaces.
//
// Use Client to verify Open calls and feed controlled sessions. Use Session
// to inspect what the agent core sent to the model and to emit scripted
// events back through the handler captured at Open time.
//
// Example:
//
//	client := &mock.Client{}
//	handle, _ := client.Open(ctx, cfg, onEvent)
//	client.Emit(s2s.Event{Kind: s2s.EventToolCall, Tool: &call})
package mock

import (
	"context"
	"sync"

	"github.com/voiceswitch/voiceswitch/pkg/provider/s2s"
)

// OpenCall records a single invocation of Client.Open.
type OpenCall struct {
	// Cfg is the SessionConfig passed to Open.
	Cfg s2s.SessionConfig
}

// Client is a mock implementation of s2s.Client.
type Client struct {
	mu sync.Mutex

	// Session is the handle returned by Open. If nil, Open creates and
	// retains a new default Session.
	Session *Session

	// OpenErr, if non-nil, is returned as the error from Open.
	OpenErr error

	// OpenCalls records every call to Open in order.
	OpenCalls []OpenCall

	// handler is the EventHandler captured by the most recent Open.
	handler s2s.EventHandler
}

// Open records the call, captures onEvent, and returns Session or OpenErr.
func (c *Client) Open(_ context.Context, cfg s2s.SessionConfig, onEvent s2s.EventHandler) (s2s.SessionHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.OpenCalls = append(c.OpenCalls, OpenCall{Cfg: cfg})
	if c.OpenErr != nil {
		return nil, c.OpenErr
	}
	c.handler = onEvent
	if c.Session == nil {
		c.Session = &Session{}
	}
	return c.Session, nil
}

// Emit delivers an event through the handler captured at Open time.
// It is a no-op when Open has not been called yet.
func (c *Client) Emit(evt s2s.Event) {
	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()
	if handler != nil {
		handler(evt)
	}
}

// LastConfig returns the SessionConfig of the most recent Open call.
func (c *Client) LastConfig() s2s.SessionConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.OpenCalls) == 0 {
		return s2s.SessionConfig{}
	}
	return c.OpenCalls[len(c.OpenCalls)-1].Cfg
}

// Ensure Client implements s2s.Client at compile time.
var _ s2s.Client = (*Client)(nil)

// ToolResultCall records a single invocation of Session.SubmitToolResult.
type ToolResultCall struct {
	CallID string
	Output string
}

// Session is a mock implementation of s2s.SessionHandle that records every
// method call.
type Session struct {
	mu sync.Mutex

	// --- Configurable errors ---

	// SendTextErr, if non-nil, is returned by every SendUserText call.
	SendTextErr error

	// SendAudioErr, if non-nil, is returned by every SendUserAudio call.
	SendAudioErr error

	// SubmitErr, if non-nil, is returned by every SubmitToolResult call.
	SubmitErr error

	// ErrVal is returned by Err.
	ErrVal error

	// --- Call records ---

	// TextInputs records the text passed to each SendUserText call.
	TextInputs []string

	// AudioChunks records a copy of each SendUserAudio chunk.
	AudioChunks [][]byte

	// ToolResults records every SubmitToolResult call in order.
	ToolResults []ToolResultCall

	// CommitCount is the number of CommitAudio calls.
	CommitCount int

	// InterruptCount is the number of Interrupt calls.
	InterruptCount int

	// CloseCount is the number of Close calls.
	CloseCount int
}

// SendUserText records the call and returns SendTextErr.
func (s *Session) SendUserText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TextInputs = append(s.TextInputs, text)
	return s.SendTextErr
}

// SendUserAudio records a copy of chunk and returns SendAudioErr.
func (s *Session) SendUserAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.AudioChunks = append(s.AudioChunks, cp)
	return s.SendAudioErr
}

// CommitAudio records the call.
func (s *Session) CommitAudio() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CommitCount++
	return nil
}

// SubmitToolResult records the call and returns SubmitErr.
func (s *Session) SubmitToolResult(callID string, output string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ToolResults = append(s.ToolResults, ToolResultCall{CallID: callID, Output: output})
	return s.SubmitErr
}

// Interrupt records the call.
func (s *Session) Interrupt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.InterruptCount++
	return nil
}

// Err returns ErrVal.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrVal
}

// Close records the call.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCount++
	return nil
}

// Texts returns a copy of the recorded SendUserText inputs. Thread-safe.
func (s *Session) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.TextInputs))
	copy(out, s.TextInputs)
	return out
}

// Audio returns a copy of the recorded SendUserAudio chunks. Thread-safe.
func (s *Session) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.AudioChunks))
	copy(out, s.AudioChunks)
	return out
}

// Results returns a copy of the recorded SubmitToolResult calls. Thread-safe.
func (s *Session) Results() []ToolResultCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ToolResultCall, len(s.ToolResults))
	copy(out, s.ToolResults)
	return out
}

// Commits returns the number of CommitAudio calls. Thread-safe.
func (s *Session) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CommitCount
}

// Interrupts returns the number of Interrupt calls. Thread-safe.
func (s *Session) Interrupts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.InterruptCount
}

// Closes returns the number of Close calls. Thread-safe.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCount
}

// Ensure Session implements s2s.SessionHandle at compile time.
var _ s2s.SessionHandle = (*Session)(nil)
