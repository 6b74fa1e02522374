// Package config provides configuration management for the ACP bridge.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration sections for the bridge.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Bridge   BridgeConfig   `mapstructure:"bridge"`
	Worktree WorktreeConfig `mapstructure:"worktree"`
	Logging  LoggingConfig  `mapstructure:"logging"`

	// Agents is the registry of configured ACP agents, resolved by
	// loadAgents after the viper sections are unmarshaled.
	Agents []AgentSpec `mapstructure:"-"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// BridgeConfig holds the core bridge settings.
type BridgeConfig struct {
	// DataDir is where bare repositories and worktrees live.
	DataDir string `mapstructure:"dataDir"`

	// PersistencePath is the session store JSON file. Defaults to
	// <dataDir>/sessions.json when empty.
	PersistencePath string `mapstructure:"persistencePath"`

	// EnabledServices is the comma-separated list of service adapters to
	// start (linear, slack, github).
	EnabledServices string `mapstructure:"enabledServices"`

	// DebounceSeconds is the update router's coalescing window.
	DebounceSeconds float64 `mapstructure:"debounceSeconds"`

	// GitHubRepo is the default "owner/name" repository sessions work in.
	GitHubRepo string `mapstructure:"githubRepo"`
}

// WorktreeConfig holds the stale-worktree cleanup settings.
type WorktreeConfig struct {
	CleanupInterval int `mapstructure:"cleanupInterval"` // in minutes, 0 disables
	MaxAgeHours     int `mapstructure:"maxAgeHours"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// AgentSpec describes one configured ACP agent.
type AgentSpec struct {
	Name    string   `json:"name" yaml:"name"`
	Command []string `json:"command" yaml:"command"`
	Default bool     `json:"default" yaml:"default"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// DebounceDuration returns the router debounce window as a time.Duration.
func (b *BridgeConfig) DebounceDuration() time.Duration {
	return time.Duration(b.DebounceSeconds * float64(time.Second))
}

// Services returns the enabled service names, trimmed and lowercased.
func (b *BridgeConfig) Services() []string {
	var out []string
	for _, s := range strings.Split(b.EnabledServices, ",") {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// StorePath returns the persistence file path, defaulting under the data dir.
func (b *BridgeConfig) StorePath() string {
	if b.PersistencePath != "" {
		return b.PersistencePath
	}
	return filepath.Join(b.DataDir, "sessions.json")
}

// CleanupIntervalDuration returns the sweep interval as a time.Duration.
func (w *WorktreeConfig) CleanupIntervalDuration() time.Duration {
	return time.Duration(w.CleanupInterval) * time.Minute
}

// MaxAge returns the worktree max age as a time.Duration.
func (w *WorktreeConfig) MaxAge() time.Duration {
	return time.Duration(w.MaxAgeHours) * time.Hour
}

// DefaultAgent returns the registry's default agent. The first entry is the
// default when none is marked.
func (c *Config) DefaultAgent() AgentSpec {
	for _, a := range c.Agents {
		if a.Default {
			return a
		}
	}
	return c.Agents[0]
}

// AgentByName looks up an agent spec by name.
func (c *Config) AgentByName(name string) (AgentSpec, bool) {
	for _, a := range c.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return AgentSpec{}, false
}

// GetServiceCredential resolves a credential env var for a specific agent.
// Non-default agents read <VAR>__<AGENT> (agent name uppercased, dashes to
// underscores); any agent falls back to the unqualified variable.
func GetServiceCredential(varName, agentName string) string {
	if agentName != "" {
		suffix := strings.ToUpper(strings.ReplaceAll(agentName, "-", "_"))
		if v := os.Getenv(varName + "__" + suffix); v != "" {
			return v
		}
	}
	return os.Getenv(varName)
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("ACPBRIDGE_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	// Bridge defaults
	v.SetDefault("bridge.dataDir", "/data")
	v.SetDefault("bridge.persistencePath", "")
	v.SetDefault("bridge.enabledServices", "linear")
	v.SetDefault("bridge.debounceSeconds", 2.0)
	v.SetDefault("bridge.githubRepo", "")

	// Worktree cleanup defaults
	v.SetDefault("worktree.cleanupInterval", 60)
	v.SetDefault("worktree.maxAgeHours", 72)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ACPBRIDGE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/acpbridge/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("ACPBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("bridge.dataDir", "ACPBRIDGE_DATA_DIR")
	_ = v.BindEnv("bridge.persistencePath", "ACPBRIDGE_PERSISTENCE_PATH")
	_ = v.BindEnv("bridge.enabledServices", "ACPBRIDGE_ENABLED_SERVICES", "ENABLED_SERVICES")
	_ = v.BindEnv("bridge.debounceSeconds", "ACPBRIDGE_DEBOUNCE_SECONDS")
	_ = v.BindEnv("bridge.githubRepo", "GITHUB_REPO")
	_ = v.BindEnv("worktree.cleanupInterval", "ACPBRIDGE_WORKTREE_CLEANUP_INTERVAL")
	_ = v.BindEnv("worktree.maxAgeHours", "ACPBRIDGE_WORKTREE_MAX_AGE_HOURS")
	_ = v.BindEnv("nats.url", "ACPBRIDGE_NATS_URL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/acpbridge/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	agents, err := loadAgents(configPath)
	if err != nil {
		return nil, fmt.Errorf("error loading agent registry: %w", err)
	}
	cfg.Agents = agents

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadAgents resolves the agent registry: AGENTS_JSON env var first, then an
// agents.yaml file, then a single-agent fallback built from ACP_AGENT_COMMAND.
func loadAgents(configPath string) ([]AgentSpec, error) {
	if raw := os.Getenv("AGENTS_JSON"); raw != "" {
		agents, err := parseAgentsJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid AGENTS_JSON: %w", err)
		}
		return normalizeAgents(agents)
	}

	paths := []string{"agents.yaml", "/etc/acpbridge/agents.yaml"}
	if configPath != "" {
		paths = append([]string{filepath.Join(configPath, "agents.yaml")}, paths...)
	}
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var doc struct {
			Agents []AgentSpec `yaml:"agents"`
		}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", p, err)
		}
		return normalizeAgents(doc.Agents)
	}

	command := os.Getenv("ACP_AGENT_COMMAND")
	if command == "" {
		command = "claude-code-acp"
	}
	return []AgentSpec{{
		Name:    "claude",
		Command: strings.Fields(command),
		Default: true,
	}}, nil
}

// parseAgentsJSON decodes the registry from its map form,
// {"name": {"command": [...], "default": true}}, or from an array of named
// entries. Map entries are sorted by name so the implicit default (first
// entry when none is marked) stays stable across runs.
func parseAgentsJSON(raw string) ([]AgentSpec, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "[") {
		var agents []AgentSpec
		if err := json.Unmarshal([]byte(trimmed), &agents); err != nil {
			return nil, err
		}
		return agents, nil
	}

	var byName map[string]AgentSpec
	if err := json.Unmarshal([]byte(trimmed), &byName); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	agents := make([]AgentSpec, 0, len(names))
	for _, name := range names {
		spec := byName[name]
		spec.Name = name
		agents = append(agents, spec)
	}
	return agents, nil
}

func normalizeAgents(agents []AgentSpec) ([]AgentSpec, error) {
	if len(agents) == 0 {
		return nil, fmt.Errorf("agent registry is empty")
	}
	defaults := 0
	for i, a := range agents {
		if a.Name == "" {
			return nil, fmt.Errorf("agent %d has no name", i)
		}
		if len(a.Command) == 0 {
			return nil, fmt.Errorf("agent %q has no command", a.Name)
		}
		if a.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return nil, fmt.Errorf("more than one agent marked default")
	}
	if defaults == 0 {
		agents[0].Default = true
	}
	return agents, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Bridge.DataDir == "" {
		errs = append(errs, "bridge.dataDir is required")
	}
	if cfg.Bridge.DebounceSeconds < 0 {
		errs = append(errs, "bridge.debounceSeconds must not be negative")
	}

	known := map[string]bool{"linear": true, "slack": true, "github": true}
	for _, s := range cfg.Bridge.Services() {
		if !known[s] {
			errs = append(errs, fmt.Sprintf("unknown service %q in bridge.enabledServices", s))
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
