// Package dispatch implements the tool dispatcher.
//
// Every tool call the model emits passes through here. Calls are classified
// by name in priority order: handoff tools (transfer_to_* / return_to_*) are
// never executed but answered with a synthetic pending result while the
// handoff request bubbles up to the gateway; identity-verification tools run
// on the external executor and, on a VERIFIED outcome, additionally produce a
// memory patch establishing the verified user; everything else is a data tool
// routed straight to the executor.
//
// Tool failures never kill the session at this layer. The model receives a
// ToolResult with success=false and is expected to recover.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voiceswitch/voiceswitch/pkg/types"
)

// Kind classifies a tool call by name.
type Kind int

const (
	// KindData is a regular tool routed to the external executor.
	KindData Kind = iota

	// KindHandoff is a transfer_to_* or return_to_* pseudo-tool.
	KindHandoff

	// KindIDV is an identity-verification tool.
	KindIDV
)

// String returns the human-readable classification name.
func (k Kind) String() string {
	switch k {
	case KindHandoff:
		return "handoff"
	case KindIDV:
		return "idv"
	default:
		return "data"
	}
}

// Handoff tool name prefixes. The suffix is the target agent id.
const (
	TransferPrefix = "transfer_to_"
	ReturnPrefix   = "return_to_"
)

// defaultIDVTools is the built-in identity-verification tool set.
var defaultIDVTools = []string{"perform_idv_check"}

// Executor runs tools on external servers.
type Executor interface {
	// Execute runs the named tool with JSON-encoded args and returns its
	// output payload. Application-level tool errors are returned as errors.
	Execute(ctx context.Context, name, args string) (string, error)

	// Catalog lists the tools the executor can run.
	Catalog() []types.ToolDefinition
}

// Outcome is the full result of dispatching one tool call. Result always
// carries the answer for the model; Handoff and MemoryPatch are side channels
// populated only for the corresponding classifications.
type Outcome struct {
	Result types.ToolResult

	// Handoff is set for handoff-classified calls and must be forwarded to
	// the gateway.
	Handoff *types.HandoffRequest

	// MemoryPatch is set when an IDV tool verified the user and must be
	// forwarded to the gateway as an update_memory frame.
	MemoryPatch *types.MemoryPatch
}

// Option is a functional option for Dispatcher.
type Option func(*Dispatcher)

// WithTimeout sets the per-call execution bound.
func WithTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.timeout = d }
}

// WithIDVTools replaces the identity-verification tool name set.
func WithIDVTools(names ...string) Option {
	return func(disp *Dispatcher) {
		disp.idv = make(map[string]bool, len(names))
		for _, n := range names {
			disp.idv[n] = true
		}
	}
}

// Dispatcher classifies and routes tool calls. Safe for concurrent use.
type Dispatcher struct {
	exec    Executor
	timeout time.Duration
	idv     map[string]bool

	mu        sync.Mutex
	cacheable map[string]bool
	// cache holds successful data-tool results per session, keyed by
	// (name, arguments). Handoff and IDV results are never cached.
	cache map[string]map[string]types.ToolResult
}

// New creates a Dispatcher over the given executor.
func New(exec Executor, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		exec:    exec,
		timeout: 10 * time.Second,
		idv:     make(map[string]bool),
		cache:   make(map[string]map[string]types.ToolResult),
	}
	for _, n := range defaultIDVTools {
		d.idv[n] = true
	}
	for _, o := range opts {
		o(d)
	}
	d.cacheable = make(map[string]bool)
	for _, def := range exec.Catalog() {
		if def.Cacheable {
			d.cacheable[def.Name] = true
		}
	}
	return d
}

// Classify returns the classification for a tool name.
func (d *Dispatcher) Classify(name string) Kind {
	if strings.HasPrefix(name, TransferPrefix) || strings.HasPrefix(name, ReturnPrefix) {
		return KindHandoff
	}
	if d.idv[name] {
		return KindIDV
	}
	return KindData
}

// Dispatch routes one tool call and returns its outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID string, call types.ToolCall) Outcome {
	switch d.Classify(call.Name) {
	case KindHandoff:
		return d.dispatchHandoff(call)
	case KindIDV:
		return d.dispatchIDV(ctx, call)
	default:
		return d.dispatchData(ctx, sessionID, call)
	}
}

// EndSession drops the session's tool-result cache.
func (d *Dispatcher) EndSession(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.cache, sessionID)
}

// handoffArgs is the argument schema of the handoff pseudo-tools.
type handoffArgs struct {
	Reason        string `json:"reason"`
	TaskCompleted string `json:"taskCompleted"`
	// task_completed is accepted as an alias since models are inconsistent
	// about casing.
	TaskCompletedSnake string `json:"task_completed"`
}

func (d *Dispatcher) dispatchHandoff(call types.ToolCall) Outcome {
	var args handoffArgs
	if call.Arguments != "" {
		// Malformed arguments still produce a handoff; the reason is just lost.
		_ = json.Unmarshal([]byte(call.Arguments), &args)
	}
	if args.TaskCompleted == "" {
		args.TaskCompleted = args.TaskCompletedSnake
	}

	req := &types.HandoffRequest{Reason: args.Reason}
	if target, ok := strings.CutPrefix(call.Name, TransferPrefix); ok {
		req.TargetAgentID = target
	} else if target, ok := strings.CutPrefix(call.Name, ReturnPrefix); ok {
		req.TargetAgentID = target
		req.IsReturn = true
		req.TaskCompleted = args.TaskCompleted
	}

	return Outcome{
		Result: types.ToolResult{
			CallID:  call.CallID,
			Success: true,
			Payload: `{"status":"handoff pending"}`,
		},
		Handoff: req,
	}
}

// idvResult is the payload schema of the identity-verification tools.
type idvResult struct {
	AuthStatus   string `json:"auth_status"`
	CustomerName string `json:"customer_name"`
	Account      string `json:"account"`
	SortCode     string `json:"sortCode"`
}

func (d *Dispatcher) dispatchIDV(ctx context.Context, call types.ToolCall) Outcome {
	result := d.execute(ctx, call)
	out := Outcome{Result: result}
	if !result.Success {
		return out
	}

	var idv idvResult
	if err := json.Unmarshal([]byte(result.Payload), &idv); err != nil {
		slog.Warn("idv result payload is not valid JSON", "tool", call.Name, "err", err)
		return out
	}
	if idv.AuthStatus == "VERIFIED" {
		out.MemoryPatch = &types.MemoryPatch{
			VerifiedUser: &types.VerifiedUser{
				CustomerName: idv.CustomerName,
				AccountID:    idv.Account,
				SortCode:     idv.SortCode,
				VerifiedAt:   time.Now(),
			},
		}
	}
	return out
}

func (d *Dispatcher) dispatchData(ctx context.Context, sessionID string, call types.ToolCall) Outcome {
	key := call.Name + "\x00" + call.Arguments
	if d.cacheable[call.Name] {
		d.mu.Lock()
		if cached, ok := d.cache[sessionID][key]; ok {
			d.mu.Unlock()
			cached.CallID = call.CallID
			return Outcome{Result: cached}
		}
		d.mu.Unlock()
	}

	result := d.execute(ctx, call)

	if result.Success && d.cacheable[call.Name] {
		d.mu.Lock()
		if d.cache[sessionID] == nil {
			d.cache[sessionID] = make(map[string]types.ToolResult)
		}
		d.cache[sessionID][key] = result
		d.mu.Unlock()
	}
	return Outcome{Result: result}
}

// execute runs a tool on the executor under the per-call timeout and maps
// failures into the error taxonomy.
func (d *Dispatcher) execute(ctx context.Context, call types.ToolCall) types.ToolResult {
	execCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	payload, err := d.exec.Execute(execCtx, call.Name, call.Arguments)
	if err != nil {
		kind := types.ErrKindToolFailure
		if errors.Is(err, context.DeadlineExceeded) {
			kind = types.ErrKindTimeout
		}
		slog.Warn("tool execution failed", "tool", call.Name, "kind", string(kind), "err", err)
		return types.ToolResult{
			CallID:       call.CallID,
			Success:      false,
			ErrorKind:    kind,
			ErrorMessage: fmt.Sprintf("tool %s failed: %v", call.Name, err),
		}
	}
	return types.ToolResult{
		CallID:  call.CallID,
		Success: true,
		Payload: payload,
	}
}
