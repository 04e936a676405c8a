package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/voiceswitch/voiceswitch/pkg/types"
)

// LoadGateway reads the gateway YAML configuration at path, applies
// environment overrides, and validates the result.
func LoadGateway(path string) (*GatewayConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadGatewayFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadGatewayFromReader decodes a gateway YAML config from r, applies
// environment overrides, and validates the result. Useful in tests where
// configs are constructed from string literals.
func LoadGatewayFromReader(r io.Reader) (*GatewayConfig, error) {
	cfg := &GatewayConfig{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyGatewayEnv(cfg)
	if err := ValidateGateway(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadAgent reads the agent YAML configuration at path, applies environment
// overrides, and validates the result.
func LoadAgent(path string) (*AgentConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadAgentFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadAgentFromReader decodes an agent YAML config from r, applies
// environment overrides, and validates the result.
func LoadAgentFromReader(r io.Reader) (*AgentConfig, error) {
	cfg := &AgentConfig{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyAgentEnv(cfg)
	if err := ValidateAgent(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadPersona reads a persona YAML document.
func LoadPersona(path string) (*Persona, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open persona %q: %w", path, err)
	}
	defer f.Close()

	p := &Persona{}
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("config: decode persona %q: %w", path, err)
	}
	if p.Prompt == "" {
		return nil, fmt.Errorf("config: persona %q: prompt is required", path)
	}
	return p, nil
}

// applyGatewayEnv overrides gateway file values from the environment.
func applyGatewayEnv(cfg *GatewayConfig) {
	if v, ok := envInt("HANDOFF_BUFFER_MAX_FRAMES"); ok {
		cfg.Handoff.BufferMaxFrames = v
	}
	if v, ok := envInt("MAX_SESSION_ERRORS"); ok {
		cfg.Breaker.MaxSessionErrors = v
	}
	if v, ok := envInt("ERROR_WINDOW_MS"); ok {
		cfg.Breaker.ErrorWindowMS = v
	}
	if v, ok := envInt("HEARTBEAT_PERIOD_MS"); ok {
		cfg.Registry.HeartbeatPeriodMS = v
	}
}

// applyAgentEnv overrides agent file values from the environment.
func applyAgentEnv(cfg *AgentConfig) {
	if v := os.Getenv("MODE"); v != "" {
		cfg.Mode = v
	}
	if v := os.Getenv("AGENT_ID"); v != "" {
		cfg.AgentID = v
	}
	if v := os.Getenv("WORKFLOW_FILE"); v != "" {
		cfg.WorkflowFile = v
	}
	if v := os.Getenv("PERSONA_FILE"); v != "" {
		cfg.PersonaFile = v
	}
	if v, ok := envInt("HEARTBEAT_PERIOD_MS"); ok {
		cfg.HeartbeatPeriodMS = v
	}
	if v := os.Getenv("AUTO_TRIGGER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AutoTrigger = b
		}
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ValidateGateway checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func ValidateGateway(cfg *GatewayConfig) error {
	var errs []error

	if cfg.Server.ListenAddr == "" {
		errs = append(errs, fmt.Errorf("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Handoff.BufferMaxFrames < 0 {
		errs = append(errs, fmt.Errorf("handoff.buffer_max_frames must not be negative"))
	}
	if cfg.Handoff.BufferMaxAudioBytes < 0 {
		errs = append(errs, fmt.Errorf("handoff.buffer_max_audio_bytes must not be negative"))
	}
	if cfg.Breaker.MaxSessionErrors < 0 {
		errs = append(errs, fmt.Errorf("breaker.max_session_errors must not be negative"))
	}
	if cfg.Summary.APIKey != "" && cfg.Summary.Model == "" {
		errs = append(errs, fmt.Errorf("summary.model is required when summary.api_key is set"))
	}

	// Apply defaults for zero values.
	if cfg.Handoff.BufferMaxFrames == 0 {
		cfg.Handoff.BufferMaxFrames = DefaultBufferMaxFrames
	}
	if cfg.Handoff.BufferMaxAudioBytes == 0 {
		cfg.Handoff.BufferMaxAudioBytes = DefaultBufferMaxAudio
	}
	if cfg.Breaker.MaxSessionErrors == 0 {
		cfg.Breaker.MaxSessionErrors = DefaultMaxSessionErrors
	}

	return errors.Join(errs...)
}

// ValidateAgent checks that cfg contains a coherent set of values.
func ValidateAgent(cfg *AgentConfig) error {
	var errs []error

	if cfg.AgentID == "" {
		errs = append(errs, fmt.Errorf("agent_id is required"))
	}
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, fmt.Errorf("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Mode == "" {
		cfg.Mode = string(types.ModeVoice)
	}
	if !types.IOMode(cfg.Mode).IsValid() {
		errs = append(errs, fmt.Errorf("mode %q is invalid; valid values: voice, text, hybrid", cfg.Mode))
	}
	if cfg.GatewayURL == "" {
		errs = append(errs, fmt.Errorf("gateway_url is required"))
	}
	if cfg.Endpoint == "" {
		errs = append(errs, fmt.Errorf("endpoint is required"))
	}
	if cfg.PersonaFile == "" {
		errs = append(errs, fmt.Errorf("persona_file is required"))
	}
	if cfg.WorkflowFile == "" {
		errs = append(errs, fmt.Errorf("workflow_file is required"))
	}

	for i, srv := range cfg.Tools.Servers {
		prefix := fmt.Sprintf("tools.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}
