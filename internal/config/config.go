// Package config loads and validates the rtlagent configuration. Files are
// YAML (or JSON5 by extension), may pull in fragments via $include, and have
// ${ENV} references expanded before parsing. Unknown fields are rejected.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	LLM       LLMConfig       `yaml:"llm"`
	Agent     AgentConfig     `yaml:"agent"`
	Synthesis SynthesisConfig `yaml:"synthesis"`
	Tools     ToolsConfig     `yaml:"tools"`
	Retention RetentionConfig `yaml:"retention"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig controls the HTTP listener (REST + WebSocket) and the MCP
// endpoint.
type ServerConfig struct {
	Host     string    `yaml:"host"`
	HTTPPort int       `yaml:"http_port"`
	MCP      MCPConfig `yaml:"mcp"`
}

// MCPConfig selects the MCP transport. Port applies to sse and http.
type MCPConfig struct {
	Transport string `yaml:"transport"`
	Port      int    `yaml:"port"`
}

// DatabaseConfig points at the session database file.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// WorkspaceConfig controls per-session workspace directories.
type WorkspaceConfig struct {
	Root         string `yaml:"root"`
	MaxFileBytes int64  `yaml:"max_file_bytes"`
}

// LLMConfig selects the model provider. One provider is active at a time.
type LLMConfig struct {
	Provider   string                  `yaml:"provider"`
	Model      string                  `yaml:"model"`
	APIKey     string                  `yaml:"api_key"`
	BaseURL    string                  `yaml:"base_url"`
	MaxTokens  int                     `yaml:"max_tokens"`
	MaxRetries int                     `yaml:"max_retries"`
	Pricing    map[string]ModelPricing `yaml:"pricing"`
}

// ModelPricing is the per-model cost table in dollars per million tokens.
type ModelPricing struct {
	InputPerMTok  float64 `yaml:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok"`
}

// AgentConfig bounds the agent loop.
type AgentConfig struct {
	MaxIterations int           `yaml:"max_iterations"`
	TurnTimeout   time.Duration `yaml:"turn_timeout"`
	SystemPrompt  string        `yaml:"system_prompt"`
}

// SynthesisConfig controls the physical-design flow runs.
type SynthesisConfig struct {
	Image         string        `yaml:"image"`
	Platform      string        `yaml:"platform"`
	Stages        []string      `yaml:"stages"`
	HardTimeout   time.Duration `yaml:"hard_timeout"`
	StuckAfter    time.Duration `yaml:"stuck_after"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	Utilization   int           `yaml:"utilization"`
	AspectRatio   float64       `yaml:"aspect_ratio"`
	CoreMargin    float64       `yaml:"core_margin"`
	MaxConcurrent int           `yaml:"max_concurrent"`
}

// ToolsConfig sets the default visibility filter and subprocess budgets.
type ToolsConfig struct {
	Filter      string        `yaml:"filter"`
	Categories  []string      `yaml:"categories"`
	ExecTimeout time.Duration `yaml:"exec_timeout"`
	ExecGrace   time.Duration `yaml:"exec_grace"`
}

// RetentionConfig schedules background pruning of finished jobs.
type RetentionConfig struct {
	Schedule  string        `yaml:"schedule"`
	JobMaxAge time.Duration `yaml:"job_max_age"`
}

// LoggingConfig controls the default logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultStages is the flow stage order used when none is configured.
// Stage names double as log keywords for progress inference.
func DefaultStages() []string {
	return []string{"synth", "floorplan", "place", "cts", "route", "final"}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.MCP.Transport == "" {
		cfg.Server.MCP.Transport = "stdio"
	}
	if cfg.Server.MCP.Port == 0 {
		cfg.Server.MCP.Port = 3333
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "data/sessions.db"
	}
	if cfg.Workspace.Root == "" {
		cfg.Workspace.Root = "workspaces"
	}
	if cfg.Workspace.MaxFileBytes == 0 {
		cfg.Workspace.MaxFileBytes = 16 << 20
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gemini-2.5-flash"
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 4096
	}
	if cfg.LLM.MaxRetries == 0 {
		cfg.LLM.MaxRetries = 3
	}
	if cfg.Agent.MaxIterations == 0 {
		cfg.Agent.MaxIterations = 40
	}
	if cfg.Agent.TurnTimeout == 0 {
		cfg.Agent.TurnTimeout = 10 * time.Minute
	}
	if cfg.Synthesis.Image == "" {
		cfg.Synthesis.Image = "openroad/orfs:latest"
	}
	if cfg.Synthesis.Platform == "" {
		cfg.Synthesis.Platform = "sky130hd"
	}
	if len(cfg.Synthesis.Stages) == 0 {
		cfg.Synthesis.Stages = DefaultStages()
	}
	if cfg.Synthesis.HardTimeout == 0 {
		cfg.Synthesis.HardTimeout = 30 * time.Minute
	}
	if cfg.Synthesis.StuckAfter == 0 {
		cfg.Synthesis.StuckAfter = 5 * time.Minute
	}
	if cfg.Synthesis.PollInterval == 0 {
		cfg.Synthesis.PollInterval = time.Second
	}
	if cfg.Synthesis.Utilization == 0 {
		cfg.Synthesis.Utilization = 5
	}
	if cfg.Synthesis.AspectRatio == 0 {
		cfg.Synthesis.AspectRatio = 1.0
	}
	if cfg.Synthesis.CoreMargin == 0 {
		cfg.Synthesis.CoreMargin = 2.0
	}
	if cfg.Synthesis.MaxConcurrent == 0 {
		cfg.Synthesis.MaxConcurrent = 2
	}
	if cfg.Tools.Filter == "" {
		cfg.Tools.Filter = "all"
	}
	if cfg.Tools.ExecTimeout == 0 {
		cfg.Tools.ExecTimeout = 2 * time.Minute
	}
	if cfg.Tools.ExecGrace == 0 {
		cfg.Tools.ExecGrace = 15 * time.Second
	}
	if cfg.Retention.Schedule == "" {
		cfg.Retention.Schedule = "@hourly"
	}
	if cfg.Retention.JobMaxAge == 0 {
		cfg.Retention.JobMaxAge = 24 * time.Hour
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate rejects values the runtime cannot act on.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "anthropic", "openai", "google":
	default:
		return fmt.Errorf("llm.provider must be one of anthropic, openai, google; got %q", c.LLM.Provider)
	}
	switch c.Tools.Filter {
	case "all", "essential", "custom":
	default:
		return fmt.Errorf("tools.filter must be one of all, essential, custom; got %q", c.Tools.Filter)
	}
	switch c.Server.MCP.Transport {
	case "stdio", "sse", "http":
	default:
		return fmt.Errorf("server.mcp.transport must be one of stdio, sse, http; got %q", c.Server.MCP.Transport)
	}
	if c.Server.HTTPPort < 1 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port out of range: %d", c.Server.HTTPPort)
	}
	if c.Workspace.MaxFileBytes < 1 {
		return fmt.Errorf("workspace.max_file_bytes must be positive")
	}
	if c.Agent.MaxIterations < 1 {
		return fmt.Errorf("agent.max_iterations must be positive")
	}
	return nil
}

// Default returns a configuration with every default applied, suitable for
// running without a config file.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}
