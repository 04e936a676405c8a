package summary_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/voiceswitch/voiceswitch/internal/memory"
	"github.com/voiceswitch/voiceswitch/internal/summary"
	"github.com/voiceswitch/voiceswitch/pkg/provider/llm"
	llmmock "github.com/voiceswitch/voiceswitch/pkg/provider/llm/mock"
)

func TestLLMSummariser_FormatsTranscript(t *testing.T) {
	t.Parallel()
	provider := &llmmock.Provider{
		Response: &llm.CompletionResponse{Content: "Customer asked about their balance."},
	}
	s := summary.NewLLMSummariser(provider)

	got, err := s.Summarise(context.Background(), "", []llm.Message{
		{Role: "user", Content: "What's my balance?"},
		{Role: "assistant", Content: "Your balance is 2,145.50."},
	})
	if err != nil {
		t.Fatalf("Summarise: %v", err)
	}
	if got != "Customer asked about their balance." {
		t.Errorf("summary = %q", got)
	}

	if provider.CallCount() != 1 {
		t.Fatalf("Complete calls = %d; want 1", provider.CallCount())
	}
	req := provider.Requests[0]
	if len(req.Messages) != 1 {
		t.Fatalf("messages = %d; want a single formatted transcript", len(req.Messages))
	}
	body := req.Messages[0].Content
	if !strings.Contains(body, "[user]: What's my balance?") ||
		!strings.Contains(body, "[assistant]: Your balance is 2,145.50.") {
		t.Errorf("transcript body = %q", body)
	}
}

func TestLLMSummariser_EmptyLinesReturnPrior(t *testing.T) {
	t.Parallel()
	provider := &llmmock.Provider{}
	s := summary.NewLLMSummariser(provider)

	got, err := s.Summarise(context.Background(), "earlier summary", nil)
	if err != nil {
		t.Fatalf("Summarise: %v", err)
	}
	if got != "earlier summary" {
		t.Errorf("summary = %q; want the prior summary unchanged", got)
	}
	if provider.CallCount() != 0 {
		t.Errorf("Complete calls = %d; want 0", provider.CallCount())
	}
}

func TestLLMSummariser_CarriesPriorSummary(t *testing.T) {
	t.Parallel()
	provider := &llmmock.Provider{
		Response: &llm.CompletionResponse{Content: "updated"},
	}
	s := summary.NewLLMSummariser(provider)

	if _, err := s.Summarise(context.Background(), "customer was verified earlier", []llm.Message{
		{Role: "user", Content: "Now I want to transfer money."},
	}); err != nil {
		t.Fatalf("Summarise: %v", err)
	}
	body := provider.Requests[0].Messages[0].Content
	if !strings.Contains(body, "customer was verified earlier") {
		t.Errorf("prior summary missing from request: %q", body)
	}
}

func TestLLMSummariser_ProviderError(t *testing.T) {
	t.Parallel()
	wantErr := errors.New("rate limited")
	s := summary.NewLLMSummariser(&llmmock.Provider{CompleteErr: wantErr})

	_, err := s.Summarise(context.Background(), "", []llm.Message{{Role: "user", Content: "hi"}})
	if !errors.Is(err, wantErr) {
		t.Errorf("Summarise err = %v; want wrapped %v", err, wantErr)
	}
}

// recordingSummariser is a deterministic Summariser for Updater tests.
type recordingSummariser struct {
	err   error
	calls [][]llm.Message
}

func (r *recordingSummariser) Summarise(_ context.Context, prior string, lines []llm.Message) (string, error) {
	r.calls = append(r.calls, lines)
	if r.err != nil {
		return "", r.err
	}
	var sb strings.Builder
	if prior != "" {
		sb.WriteString(prior)
		sb.WriteString(" | ")
	}
	for i, m := range lines {
		if i > 0 {
			sb.WriteString("; ")
		}
		sb.WriteString(m.Content)
	}
	return sb.String(), nil
}

func newUpdater(t *testing.T, s summary.Summariser, interval int) (*summary.Updater, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	store.Create("sess-1", "routing")
	u, err := summary.NewUpdater(summary.UpdaterConfig{
		Summariser:    s,
		Store:         store,
		IntervalTurns: interval,
	})
	if err != nil {
		t.Fatalf("NewUpdater: %v", err)
	}
	return u, store
}

func waitForSummary(t *testing.T, store *memory.Store, sessionID string) string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mem, err := store.Get(sessionID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if mem.Summary != "" {
			return mem.Summary
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("summary was never written")
	return ""
}

func TestNewUpdater_Validation(t *testing.T) {
	t.Parallel()
	if _, err := summary.NewUpdater(summary.UpdaterConfig{Store: memory.NewStore()}); err == nil {
		t.Error("missing summariser must fail")
	}
	if _, err := summary.NewUpdater(summary.UpdaterConfig{Summariser: &recordingSummariser{}}); err == nil {
		t.Error("missing store must fail")
	}
}

func TestUpdater_RunsAfterIntervalTurns(t *testing.T) {
	t.Parallel()
	rec := &recordingSummariser{}
	u, store := newUpdater(t, rec, 2)

	u.Observe("sess-1", "user", "hello")
	u.Observe("sess-1", "assistant", "hi, how can I help?")
	u.Observe("sess-1", "user", "check my balance")

	if mem, _ := store.Get("sess-1"); mem.Summary != "" {
		t.Fatalf("summary written after one assistant turn: %q", mem.Summary)
	}

	u.Observe("sess-1", "assistant", "your balance is 2,145.50")

	got := waitForSummary(t, store, "sess-1")
	if !strings.Contains(got, "hello") || !strings.Contains(got, "your balance is 2,145.50") {
		t.Errorf("summary = %q; want all four lines folded in", got)
	}
}

func TestUpdater_UserTurnsDoNotTrigger(t *testing.T) {
	t.Parallel()
	rec := &recordingSummariser{}
	u, store := newUpdater(t, rec, 1)

	for range 5 {
		u.Observe("sess-1", "user", "are you there?")
	}
	time.Sleep(20 * time.Millisecond)
	if mem, _ := store.Get("sess-1"); mem.Summary != "" {
		t.Errorf("summary = %q; user lines alone must not trigger a run", mem.Summary)
	}
}

func TestUpdater_FlushWritesPendingLines(t *testing.T) {
	t.Parallel()
	rec := &recordingSummariser{}
	u, store := newUpdater(t, rec, 100)

	u.Observe("sess-1", "user", "I lost my card")
	u.Observe("sess-1", "assistant", "I can block it for you")

	if err := u.Flush(context.Background(), "sess-1"); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	mem, _ := store.Get("sess-1")
	if !strings.Contains(mem.Summary, "I lost my card") {
		t.Errorf("summary = %q", mem.Summary)
	}

	// A second flush has nothing pending and must not call the model again.
	if err := u.Flush(context.Background(), "sess-1"); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	if len(rec.calls) != 1 {
		t.Errorf("summariser calls = %d; want 1", len(rec.calls))
	}
}

func TestUpdater_FlushFoldsIntoPriorSummary(t *testing.T) {
	t.Parallel()
	rec := &recordingSummariser{}
	u, store := newUpdater(t, rec, 100)

	u.Observe("sess-1", "user", "first segment")
	if err := u.Flush(context.Background(), "sess-1"); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	u.Observe("sess-1", "user", "second segment")
	if err := u.Flush(context.Background(), "sess-1"); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	mem, _ := store.Get("sess-1")
	if !strings.Contains(mem.Summary, "first segment") || !strings.Contains(mem.Summary, "second segment") {
		t.Errorf("summary = %q; want both segments", mem.Summary)
	}
}

func TestUpdater_FailureRetainsLines(t *testing.T) {
	t.Parallel()
	rec := &recordingSummariser{err: errors.New("model down")}
	u, store := newUpdater(t, rec, 100)

	u.Observe("sess-1", "user", "remember this")
	if err := u.Flush(context.Background(), "sess-1"); err == nil {
		t.Fatal("Flush must surface the summariser error")
	}

	// The failed batch is retried on the next flush.
	rec.err = nil
	if err := u.Flush(context.Background(), "sess-1"); err != nil {
		t.Fatalf("retry Flush: %v", err)
	}
	mem, _ := store.Get("sess-1")
	if !strings.Contains(mem.Summary, "remember this") {
		t.Errorf("summary = %q; failed lines were lost", mem.Summary)
	}
}

func TestUpdater_DropDiscardsState(t *testing.T) {
	t.Parallel()
	rec := &recordingSummariser{}
	u, store := newUpdater(t, rec, 100)

	u.Observe("sess-1", "user", "soon gone")
	u.Drop("sess-1")

	if err := u.Flush(context.Background(), "sess-1"); err != nil {
		t.Fatalf("Flush after Drop: %v", err)
	}
	if mem, _ := store.Get("sess-1"); mem.Summary != "" {
		t.Errorf("summary = %q; want empty after Drop", mem.Summary)
	}
	if len(rec.calls) != 0 {
		t.Errorf("summariser calls = %d; want 0", len(rec.calls))
	}
}
