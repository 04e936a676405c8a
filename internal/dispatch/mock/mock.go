// Package mock provides a test double for the dispatch.Executor interface.
package mock

import (
	"context"
	"sync"

	"github.com/voiceswitch/voiceswitch/internal/dispatch"
	"github.com/voiceswitch/voiceswitch/pkg/types"
)

// ExecuteCall records a single invocation of Executor.Execute.
type ExecuteCall struct {
	Name string
	Args string
}

// Executor is a mock dispatch.Executor that records calls and returns
// scripted results per tool name.
type Executor struct {
	mu sync.Mutex

	// Results maps tool name to the payload returned by Execute.
	Results map[string]string

	// Errs maps tool name to the error returned by Execute.
	Errs map[string]error

	// Blocking, when set, makes Execute wait for ctx cancellation before
	// returning ctx.Err(). Used to exercise timeouts.
	Blocking map[string]bool

	// Defs is returned by Catalog.
	Defs []types.ToolDefinition

	// Calls records every Execute invocation in order.
	Calls []ExecuteCall
}

// Execute records the call and returns the scripted payload or error.
func (e *Executor) Execute(ctx context.Context, name, args string) (string, error) {
	e.mu.Lock()
	e.Calls = append(e.Calls, ExecuteCall{Name: name, Args: args})
	blocking := e.Blocking[name]
	err := e.Errs[name]
	payload := e.Results[name]
	e.mu.Unlock()

	if blocking {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if err != nil {
		return "", err
	}
	return payload, nil
}

// Catalog returns the scripted tool definitions.
func (e *Executor) Catalog() []types.ToolDefinition {
	return e.Defs
}

// CallCount returns the number of Execute invocations for the named tool.
func (e *Executor) CallCount(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.Calls {
		if c.Name == name {
			n++
		}
	}
	return n
}

var _ dispatch.Executor = (*Executor)(nil)
