// Package summary maintains the rolling conversation summary for live
// sessions.
//
// The gateway observes transcript frames as they pass through the proxy and
// feeds them into an [Updater]. Every few completed assistant turns the
// updater condenses the accumulated lines through a [Summariser] and writes
// the result into the session's memory record, where it is carried across
// handoffs and injected into the next agent's context block.
//
// All exported types are safe for concurrent use.
package summary

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/voiceswitch/voiceswitch/internal/memory"
	"github.com/voiceswitch/voiceswitch/pkg/provider/llm"
	"github.com/voiceswitch/voiceswitch/pkg/types"
)

// summarisationPrompt is the system prompt sent to the LLM when condensing a
// conversation segment.
const summarisationPrompt = `Summarise the following customer service phone conversation.
Preserve: what the customer asked for, which checks or verifications took place,
account details that were discussed, actions the assistant performed or promised,
and anything still unresolved. Be concise; write in the past tense.`

// Summariser condenses a conversation segment into a short running summary.
type Summariser interface {
	// Summarise folds lines into prior and returns the updated summary.
	// prior may be empty for the first segment of a session.
	Summarise(ctx context.Context, prior string, lines []llm.Message) (string, error)
}

// LLMSummariser implements [Summariser] on top of a completion backend.
type LLMSummariser struct {
	llm llm.Provider
}

// NewLLMSummariser creates an [LLMSummariser] backed by the given provider.
func NewLLMSummariser(provider llm.Provider) *LLMSummariser {
	return &LLMSummariser{llm: provider}
}

// Summarise formats the prior summary and the new lines into a single user
// message and asks the model for an updated summary. With no new lines the
// prior summary is returned unchanged.
func (s *LLMSummariser) Summarise(ctx context.Context, prior string, lines []llm.Message) (string, error) {
	if len(lines) == 0 {
		return prior, nil
	}

	var sb strings.Builder
	if prior != "" {
		fmt.Fprintf(&sb, "Summary of the conversation so far: %s\n\nNew lines since then:\n", prior)
	}
	for _, m := range lines {
		fmt.Fprintf(&sb, "[%s]: %s\n", m.Role, m.Content)
	}

	resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: summarisationPrompt,
		Messages: []llm.Message{
			{Role: "user", Content: sb.String()},
		},
		Temperature: 0.3,
		MaxTokens:   300,
	})
	if err != nil {
		return "", fmt.Errorf("summary: summarise: %w", err)
	}
	return resp.Content, nil
}

var _ Summariser = (*LLMSummariser)(nil)

// defaultIntervalTurns is how many completed assistant turns pass between
// summarisation runs when the config leaves the cadence unset.
const defaultIntervalTurns = 6

// UpdaterConfig configures an [Updater].
type UpdaterConfig struct {
	// Summariser condenses accumulated lines. Required.
	Summariser Summariser

	// Store is the session memory store the summary is written to. Required.
	Store *memory.Store

	// IntervalTurns is how many assistant turns accumulate before a run.
	// Defaults to 6 when zero or negative.
	IntervalTurns int
}

// Updater accumulates transcript lines per session and periodically rewrites
// the session's memory summary. Runs happen in a background goroutine so the
// proxy path never waits on the model; [Updater.Flush] forces a synchronous
// run, used just before a handoff snapshot is taken.
type Updater struct {
	summariser Summariser
	store      *memory.Store
	interval   int

	mu       sync.Mutex
	sessions map[string]*track
}

// track is the per-session accumulation state. Guarded by Updater.mu.
type track struct {
	lines   []llm.Message
	turns   int
	running bool
}

// NewUpdater creates an [Updater]. It returns an error when the summariser or
// store is missing.
func NewUpdater(cfg UpdaterConfig) (*Updater, error) {
	if cfg.Summariser == nil {
		return nil, fmt.Errorf("summary: summariser must not be nil")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("summary: store must not be nil")
	}
	interval := cfg.IntervalTurns
	if interval <= 0 {
		interval = defaultIntervalTurns
	}
	return &Updater{
		summariser: cfg.Summariser,
		store:      cfg.Store,
		interval:   interval,
		sessions:   make(map[string]*track),
	}, nil
}

// Observe records one transcript line for the session. Assistant lines count
// as completed turns; when enough have accumulated a summarisation run starts
// in the background. At most one run per session is in flight at a time.
func (u *Updater) Observe(sessionID, role, text string) {
	if text == "" {
		return
	}

	u.mu.Lock()
	tr, ok := u.sessions[sessionID]
	if !ok {
		tr = &track{}
		u.sessions[sessionID] = tr
	}
	tr.lines = append(tr.lines, llm.Message{Role: role, Content: text})
	if role == "assistant" {
		tr.turns++
	}

	var batch []llm.Message
	if tr.turns >= u.interval && !tr.running {
		batch = tr.lines
		tr.lines = nil
		tr.turns = 0
		tr.running = true
	}
	u.mu.Unlock()

	if batch != nil {
		go u.run(context.Background(), sessionID, batch)
	}
}

// Flush performs an immediate synchronous summarisation of any accumulated
// lines. Called before a handoff so the departing segment is folded into the
// memory snapshot the next agent receives.
func (u *Updater) Flush(ctx context.Context, sessionID string) error {
	u.mu.Lock()
	tr, ok := u.sessions[sessionID]
	if !ok || len(tr.lines) == 0 || tr.running {
		u.mu.Unlock()
		return nil
	}
	batch := tr.lines
	tr.lines = nil
	tr.turns = 0
	tr.running = true
	u.mu.Unlock()

	return u.run(ctx, sessionID, batch)
}

// Drop discards the session's accumulated lines. Called when the session's
// memory record is deleted.
func (u *Updater) Drop(sessionID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.sessions, sessionID)
}

// run condenses batch into the stored summary. On failure the batch is put
// back at the front of the accumulation so the lines are retried on the next
// run rather than lost.
func (u *Updater) run(ctx context.Context, sessionID string, batch []llm.Message) error {
	prior := ""
	if mem, err := u.store.Get(sessionID); err == nil {
		prior = mem.Summary
	}

	text, err := u.summariser.Summarise(ctx, prior, batch)

	u.mu.Lock()
	if tr, ok := u.sessions[sessionID]; ok {
		tr.running = false
		if err != nil {
			tr.lines = append(batch, tr.lines...)
		}
	}
	u.mu.Unlock()

	if err != nil {
		slog.Warn("conversation summarisation failed", "session_id", sessionID, "err", err)
		return fmt.Errorf("summary: run: %w", err)
	}

	if err := u.store.Update(sessionID, func(mem *types.SessionMemory) {
		mem.Summary = text
	}); err != nil {
		slog.Warn("summary write failed", "session_id", sessionID, "err", err)
		return fmt.Errorf("summary: store: %w", err)
	}
	return nil
}
