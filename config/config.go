package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/m4xw311/acprelay/errors"
)

var envReplacer = strings.NewReplacer(".", "_")

// DirName is the per-user and per-project configuration directory.
const DirName = ".acprelay"

type FilesystemAccess struct {
	Hidden   []string `mapstructure:"hidden" yaml:"hidden"`
	ReadOnly []string `mapstructure:"read_only" yaml:"read_only"`
}

type MCPServer struct {
	Name    string   `mapstructure:"name" yaml:"name"`
	Command string   `mapstructure:"command" yaml:"command"`
	Args    []string `mapstructure:"args" yaml:"args"`
}

type Toolset struct {
	Name  string   `mapstructure:"name" yaml:"name"`
	Tools []string `mapstructure:"tools" yaml:"tools"`
}

type Sessions struct {
	// Store is one of "memory", "file" or "sqlite".
	Store       string        `mapstructure:"store" yaml:"store"`
	Dir         string        `mapstructure:"dir" yaml:"dir"`
	DBPath      string        `mapstructure:"db_path" yaml:"db_path"`
	MaxSessions int           `mapstructure:"max_sessions" yaml:"max_sessions"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

type Permissions struct {
	// Default applies when no client is available to ask: "allow" or "reject".
	Default string        `mapstructure:"default" yaml:"default"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type Agent struct {
	DefaultMode     string `mapstructure:"default_mode" yaml:"default_mode"`
	MaxTurnRequests int    `mapstructure:"max_turn_requests" yaml:"max_turn_requests"`
	MaxTokens       int    `mapstructure:"max_tokens" yaml:"max_tokens"`
}

type Log struct {
	Level     string `mapstructure:"level" yaml:"level"`
	Trace     bool   `mapstructure:"trace" yaml:"trace"`
	TracePath string `mapstructure:"trace_path" yaml:"trace_path"`
}

type Server struct {
	WebSocketAddr string        `mapstructure:"ws_addr" yaml:"ws_addr"`
	MetricsAddr   string        `mapstructure:"metrics_addr" yaml:"metrics_addr"`
	ToolCallGrace time.Duration `mapstructure:"tool_call_grace" yaml:"tool_call_grace"`
}

type Config struct {
	LLMClient            string           `mapstructure:"llm" yaml:"llm"`
	Model                string           `mapstructure:"model" yaml:"model"`
	Toolset              string           `mapstructure:"toolset" yaml:"toolset"`
	Toolsets             []Toolset        `mapstructure:"toolsets" yaml:"toolsets"`
	AdditionalMCPServers []MCPServer      `mapstructure:"additional_mcp_servers" yaml:"additional_mcp_servers"`
	AllowedCommands      []string         `mapstructure:"allowed_commands" yaml:"allowed_commands"`
	FilesystemAccess     FilesystemAccess `mapstructure:"filesystem_access" yaml:"filesystem_access"`
	Sessions             Sessions         `mapstructure:"sessions" yaml:"sessions"`
	Permissions          Permissions      `mapstructure:"permissions" yaml:"permissions"`
	Agent                Agent            `mapstructure:"agent" yaml:"agent"`
	Log                  Log              `mapstructure:"log" yaml:"log"`
	Server               Server           `mapstructure:"server" yaml:"server"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("llm", "mock")
	v.SetDefault("model", "")
	v.SetDefault("toolset", "default")
	v.SetDefault("allowed_commands", []string{})
	v.SetDefault("filesystem_access.hidden", []string{DirName, DirName + "/**"})
	v.SetDefault("filesystem_access.read_only", []string{})

	v.SetDefault("sessions.store", "file")
	v.SetDefault("sessions.dir", filepath.Join(DirName, "sessions"))
	v.SetDefault("sessions.db_path", filepath.Join(DirName, "sessions.db"))
	v.SetDefault("sessions.max_sessions", 100)
	v.SetDefault("sessions.idle_timeout", 2*time.Hour)

	v.SetDefault("permissions.default", "allow")
	v.SetDefault("permissions.timeout", 90*time.Second)

	v.SetDefault("agent.default_mode", "code")
	v.SetDefault("agent.max_turn_requests", 25)
	v.SetDefault("agent.max_tokens", 4096)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.trace", false)
	v.SetDefault("log.trace_path", "acp.trace")

	v.SetDefault("server.ws_addr", "")
	v.SetDefault("server.metrics_addr", "")
	v.SetDefault("server.tool_call_grace", 30*time.Second)
}

// NewViper returns a viper instance with defaults and ACPRELAY_ environment
// binding applied.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("ACPRELAY")
	v.SetEnvKeyReplacer(envReplacer)
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load reads the user-level config and then merges the project-level config
// over it, the latter taking precedence. Missing files are skipped.
func Load(v *viper.Viper) (*Config, error) {
	if home, err := os.UserHomeDir(); err == nil {
		if err := mergeFile(v, filepath.Join(home, DirName, "config.yaml")); err != nil {
			return nil, errors.Wrapf(err, "error loading user config")
		}
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	if err := mergeFile(v, filepath.Join(wd, DirName, "config.yaml")); err != nil {
		return nil, errors.Wrapf(err, "error loading project config")
	}

	return Decode(v)
}

// LoadFile merges a single explicit config file.
func LoadFile(v *viper.Viper, path string) (*Config, error) {
	if err := mergeFile(v, path); err != nil {
		return nil, errors.Wrapf(err, "error loading config %s", path)
	}
	return Decode(v)
}

// Decode unmarshals the current viper state.
func Decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrapf(err, "decode configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func mergeFile(v *viper.Viper, path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	return v.MergeConfig(f)
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	switch c.Sessions.Store {
	case "memory", "file", "sqlite":
	default:
		return errors.New("sessions.store must be memory, file or sqlite, got %q", c.Sessions.Store)
	}
	switch c.Permissions.Default {
	case "allow", "reject":
	default:
		return errors.New("permissions.default must be allow or reject, got %q", c.Permissions.Default)
	}
	if c.Sessions.MaxSessions < 0 {
		return errors.New("sessions.max_sessions must not be negative")
	}
	return nil
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// GetToolset finds a toolset by name. Returns the "default" toolset if the
// named one is not found or if an empty name is provided. With no toolsets
// configured at all, it returns nil and the caller exposes every tool.
func (c *Config) GetToolset(name string) (*Toolset, error) {
	if len(c.Toolsets) == 0 {
		return nil, nil
	}
	if name == "" {
		name = "default"
	}
	for i := range c.Toolsets {
		if c.Toolsets[i].Name == name {
			return &c.Toolsets[i], nil
		}
	}
	if name == "default" {
		return nil, errors.New("mandatory 'default' toolset not found in configuration")
	}
	return c.GetToolset("default")
}
