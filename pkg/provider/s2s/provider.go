// Package s2s defines the client abstraction over Speech-to-Speech (S2S)
// model backends.
//
// An S2S provider wraps a real-time voice model that accepts raw audio (and
// injected text) and returns synthesised audio, transcripts, and tool calls
// in a single stateful session. The central abstraction is [SessionHandle]:
// a long-lived bidirectional exchange opened once per connected user and kept
// alive for the lifetime of that user's stay on the agent.
//
// Events flow to the consumer through the [EventHandler] registered at Open
// time rather than through per-kind channels, so the agent core observes a
// single serialised event stream per session.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"

	"github.com/voiceswitch/voiceswitch/pkg/types"
)

// EventKind discriminates the events delivered to an [EventHandler].
type EventKind int

const (
	// EventAssistantText carries generated assistant text (a transcript of
	// the spoken reply, or the reply itself in text-only operation).
	EventAssistantText EventKind = iota

	// EventAssistantAudio carries a chunk of synthesised PCM16 audio.
	EventAssistantAudio

	// EventUserTranscript carries the model's transcription of user speech.
	EventUserTranscript

	// EventToolCall carries a tool invocation requested by the model.
	EventToolCall

	// EventUsage carries a periodic usage report.
	EventUsage

	// EventInterruption signals that the user barged in and the model
	// abandoned its current response.
	EventInterruption

	// EventError carries a non-fatal model-side error.
	EventError
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventAssistantText:
		return "assistant_text"
	case EventAssistantAudio:
		return "assistant_audio"
	case EventUserTranscript:
		return "user_transcript"
	case EventToolCall:
		return "tool_call"
	case EventUsage:
		return "usage"
	case EventInterruption:
		return "interruption"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Usage is a periodic usage report from the provider.
type Usage struct {
	// InputTokens and OutputTokens count tokens consumed and produced since
	// the previous report.
	InputTokens  int64
	OutputTokens int64

	// AudioMs is the milliseconds of audio processed since the previous report.
	AudioMs int64
}

// Event is a single occurrence on the S2S session, delivered to the handler
// registered at Open time. Only the fields relevant to Kind are populated.
type Event struct {
	Kind EventKind

	// Text is set for EventAssistantText and EventUserTranscript. Final
	// reports whether the text is authoritative rather than a rolling delta.
	Text  string
	Final bool

	// Audio is set for EventAssistantAudio: a raw PCM16 chunk.
	Audio []byte

	// Tool is set for EventToolCall.
	Tool *types.ToolCall

	// Usage is set for EventUsage.
	Usage *Usage

	// Err is set for EventError.
	Err error
}

// EventHandler receives session events. Handlers are invoked from the
// session's receive goroutine in arrival order and must not call blocking
// session methods, to avoid deadlocks.
type EventHandler func(Event)

// SessionConfig is the initial configuration for a new S2S session.
type SessionConfig struct {
	// Instructions is the fully assembled system prompt: inherited context,
	// persona, handoff instructions, and rendered workflow, in that order.
	Instructions string

	// Tools is the catalogue offered to the model, already filtered by the
	// agent's declared tool scopes and extended with the handoff tools.
	Tools []types.ToolDefinition

	// VoicePreset selects the synthesised voice (provider-specific id).
	VoicePreset string
}

// SessionHandle is an open S2S session. It is the hot path of the voice
// pipeline — every method must return quickly. All methods are safe for
// concurrent use. Callers must call Close when the session is no longer
// needed.
type SessionHandle interface {
	// SendUserText injects a user text utterance and requests a response.
	SendUserText(text string) error

	// SendUserAudio delivers a raw PCM16 audio chunk to the model.
	SendUserAudio(chunk []byte) error

	// CommitAudio marks the end of the current user audio utterance, for
	// providers that buffer input until told a turn is complete.
	CommitAudio() error

	// SubmitToolResult returns a tool outcome to the model and requests the
	// next response. The callID must match the originating tool-call event.
	SubmitToolResult(callID string, output string) error

	// Interrupt asks the model to stop generating the current response and
	// discard buffered audio.
	Interrupt() error

	// Err returns the fatal error that terminated the session, or nil while
	// the session is healthy or after a clean close.
	Err() error

	// Close terminates the session and releases all resources. Safe to call
	// more than once.
	Close() error
}

// Client is the abstraction over any S2S backend. One Client serves an agent
// process; it opens one session per connected user.
//
// Implementations must be safe for concurrent use.
type Client interface {
	// Open establishes a new S2S session. Events are delivered to onEvent
	// from a session-owned goroutine until Close. The returned handle is
	// ready to accept audio immediately.
	Open(ctx context.Context, cfg SessionConfig, onEvent EventHandler) (SessionHandle, error)
}
