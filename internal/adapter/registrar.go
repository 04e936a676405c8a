package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/voiceswitch/voiceswitch/pkg/types"
)

// Registrar announces an agent to the gateway and keeps it alive with
// periodic heartbeats. A heartbeat answered with 404 means the gateway
// garbage-collected the entry (or restarted); the registrar re-registers and
// carries on.
type Registrar struct {
	gatewayURL string
	info       types.AgentInfo
	period     time.Duration
	client     *http.Client
}

// RegistrarOption configures a [Registrar].
type RegistrarOption func(*Registrar)

// WithHTTPClient replaces the HTTP client used for gateway calls.
func WithHTTPClient(c *http.Client) RegistrarOption {
	return func(r *Registrar) { r.client = c }
}

// NewRegistrar creates a Registrar for the given agent identity.
func NewRegistrar(gatewayURL string, info types.AgentInfo, period time.Duration, opts ...RegistrarOption) (*Registrar, error) {
	if gatewayURL == "" {
		return nil, errors.New("adapter: gateway URL must not be empty")
	}
	if info.ID == "" || info.Endpoint == "" {
		return nil, errors.New("adapter: agent id and endpoint must not be empty")
	}
	if period <= 0 {
		return nil, fmt.Errorf("adapter: heartbeat period must be positive, got %v", period)
	}
	r := &Registrar{
		gatewayURL: gatewayURL,
		info:       info,
		period:     period,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run registers the agent, then heartbeats every period until ctx ends.
// On shutdown it deregisters on a best-effort basis.
func (r *Registrar) Run(ctx context.Context) error {
	if err := r.Register(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(r.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.deregister()
			return ctx.Err()
		case <-ticker.C:
			if err := r.Heartbeat(ctx); err != nil {
				slog.Warn("heartbeat failed", "agent_id", r.info.ID, "err", err)
			}
		}
	}
}

// Register announces the agent to the gateway.
func (r *Registrar) Register(ctx context.Context) error {
	body, err := json.Marshal(r.info)
	if err != nil {
		return fmt.Errorf("adapter: marshal registration: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.gatewayURL+"/v1/agents", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("adapter: build registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("adapter: register with gateway: %w", err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("adapter: register with gateway: unexpected status %d", resp.StatusCode)
	}
	slog.Info("registered with gateway", "agent_id", r.info.ID, "endpoint", r.info.Endpoint)
	return nil
}

// Heartbeat refreshes the agent's liveness, re-registering if the gateway
// no longer knows the agent.
func (r *Registrar) Heartbeat(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/v1/agents/%s/heartbeat", r.gatewayURL, r.info.ID), nil)
	if err != nil {
		return fmt.Errorf("adapter: build heartbeat request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("adapter: heartbeat: %w", err)
	}
	defer drain(resp)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		slog.Info("gateway lost registration, re-registering", "agent_id", r.info.ID)
		return r.Register(ctx)
	default:
		return fmt.Errorf("adapter: heartbeat: unexpected status %d", resp.StatusCode)
	}
}

// deregister removes the agent from the registry during shutdown. Uses its
// own short-lived context because the run context is already cancelled.
func (r *Registrar) deregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		fmt.Sprintf("%s/v1/agents/%s", r.gatewayURL, r.info.ID), nil)
	if err != nil {
		return
	}
	resp, err := r.client.Do(req)
	if err != nil {
		slog.Warn("deregister failed", "agent_id", r.info.ID, "err", err)
		return
	}
	drain(resp)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
