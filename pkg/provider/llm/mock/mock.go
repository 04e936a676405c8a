// Package mock provides a test double for the llm.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/voiceswitch/voiceswitch/pkg/provider/llm"
)

// Provider is a mock llm.Provider that records every Complete call and
// returns a scripted response.
type Provider struct {
	mu sync.Mutex

	// Response is returned by Complete when CompleteErr is nil. A nil
	// Response yields an empty CompletionResponse.
	Response *llm.CompletionResponse

	// CompleteErr, if non-nil, is returned as the error from Complete.
	CompleteErr error

	// Requests records every CompletionRequest in order.
	Requests []llm.CompletionRequest
}

// Complete records the call and returns Response or CompleteErr.
func (p *Provider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Requests = append(p.Requests, req)
	if p.CompleteErr != nil {
		return nil, p.CompleteErr
	}
	if p.Response == nil {
		return &llm.CompletionResponse{}, nil
	}
	return p.Response, nil
}

// CallCount returns the number of Complete invocations so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Requests)
}

var _ llm.Provider = (*Provider)(nil)
