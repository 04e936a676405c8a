// Package mcpexec implements dispatch.Executor over Model Context Protocol
// servers.
//
// It connects to the MCP servers declared in the agent's tool configuration
// via stdio or streamable-HTTP transports using the official MCP Go SDK,
// imports their tool catalogues, and routes executions to the owning server
// session.
package mcpexec

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/voiceswitch/voiceswitch/internal/config"
	"github.com/voiceswitch/voiceswitch/internal/dispatch"
	"github.com/voiceswitch/voiceswitch/pkg/types"
)

// Compile-time check: Host must implement dispatch.Executor.
var _ dispatch.Executor = (*Host)(nil)

// toolEntry binds a discovered tool to its owning server.
type toolEntry struct {
	def        types.ToolDefinition
	serverName string
}

// Host holds live MCP server sessions and the merged tool catalogue.
//
// The zero value is not usable; create instances with [New].
type Host struct {
	mu      sync.RWMutex
	tools   map[string]toolEntry
	servers map[string]*mcpsdk.ClientSession

	// client is reused across all server connections; the SDK allows one
	// Client to manage multiple sessions concurrently.
	client *mcpsdk.Client
}

// New creates an empty Host.
func New() *Host {
	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "voiceswitch-agent", Version: "1.0.0"},
		nil,
	)
	return &Host{
		tools:   make(map[string]toolEntry),
		servers: make(map[string]*mcpsdk.ClientSession),
		client:  client,
	}
}

// RegisterServer connects to the MCP server described by cfg and imports its
// tool catalogue. Re-registering a name closes and replaces the old
// connection.
func (h *Host) RegisterServer(ctx context.Context, cfg config.MCPServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("mcpexec: server config must have a non-empty name")
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case config.TransportStdio:
		if cfg.Command == "" {
			return fmt.Errorf("mcpexec: stdio server %q requires a command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
		transport = &mcpsdk.CommandTransport{Command: cmd}
	case config.TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("mcpexec: streamable-http server %q requires a url", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	default:
		return fmt.Errorf("mcpexec: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcpexec: connect to server %q: %w", cfg.Name, err)
	}

	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("mcpexec: list tools for server %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, *tool)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.servers[cfg.Name]; ok {
		_ = old.Close()
		for name, t := range h.tools {
			if t.serverName == cfg.Name {
				delete(h.tools, name)
			}
		}
	}
	h.servers[cfg.Name] = session

	for _, tool := range discovered {
		h.tools[tool.Name] = toolEntry{
			def: types.ToolDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaToMap(tool.InputSchema),
				Cacheable:   cacheableFromSchema(tool.InputSchema),
			},
			serverName: cfg.Name,
		}
	}
	return nil
}

// Catalog implements dispatch.Executor.
func (h *Host) Catalog() []types.ToolDefinition {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]types.ToolDefinition, 0, len(h.tools))
	for _, e := range h.tools {
		out = append(out, e.def)
	}
	return out
}

// Execute implements dispatch.Executor.
func (h *Host) Execute(ctx context.Context, name, args string) (string, error) {
	h.mu.RLock()
	entry, ok := h.tools[name]
	var session *mcpsdk.ClientSession
	if ok {
		session = h.servers[entry.serverName]
	}
	h.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("mcpexec: tool %q not found", name)
	}
	if session == nil {
		return "", fmt.Errorf("mcpexec: server %q not connected for tool %q", entry.serverName, name)
	}

	var argsMap map[string]any
	if args != "" && args != "{}" {
		if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
			return "", fmt.Errorf("mcpexec: invalid args JSON for tool %q: %w", name, err)
		}
	}

	result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: argsMap,
	})
	if err != nil {
		return "", fmt.Errorf("mcpexec: call tool %q: %w", name, err)
	}

	var sb strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	if result.IsError {
		return "", fmt.Errorf("mcpexec: tool %q reported error: %s", name, sb.String())
	}
	return sb.String(), nil
}

// Close shuts down all server connections.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var firstErr error
	for name, session := range h.servers {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcpexec: close server %q: %w", name, err)
		}
		delete(h.servers, name)
	}
	h.tools = make(map[string]toolEntry)
	return firstErr
}

// schemaToMap converts any schema value to a map[string]any.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// cacheableFromSchema reads the optional x-cacheable annotation some servers
// attach to side-effect-free tools.
func cacheableFromSchema(schema any) bool {
	m := schemaToMap(schema)
	v, ok := m["x-cacheable"].(bool)
	return ok && v
}
