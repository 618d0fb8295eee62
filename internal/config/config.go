// Package config holds the runtime configuration for the ccmux server.
// Values are resolved once at startup: defaults, then the optional
// ~/.ccmux/config.yaml, then environment variables, then CLI flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

const (
	// DefaultPort is the HTTP listen port when PORT/--port is unset
	DefaultPort = 3456

	// DefaultGatewayPortStart is the first port handed to terminal gateways
	DefaultGatewayPortStart = 7681
	// DefaultGatewayPortMax is the last port handed to terminal gateways
	DefaultGatewayPortMax = 7781
)

// FileConfig is the shape of ~/.ccmux/config.yaml. All fields are optional.
type FileConfig struct {
	Port           int      `yaml:"port"`
	Remote         bool     `yaml:"remote"`
	Repos          []string `yaml:"repos"`
	DataDir        string   `yaml:"data_dir"`
	AgentCommand   string   `yaml:"agent_command"`
	TerminalTheme  string   `yaml:"terminal_theme"`
	TunnelName     string   `yaml:"tunnel_name"`
	TunnelHostname string   `yaml:"tunnel_hostname"`
}

// Config is the resolved runtime configuration
type Config struct {
	// Port is the HTTP listen port
	Port int
	// Remote exposes the server through a cloudflared tunnel and enables
	// token auth for non-local requests
	Remote bool
	// Repos is the allow-list of absolute repository paths clients may select
	Repos []string

	// DataDir holds sessions.db; LogsDir holds out.log and error.log
	DataDir string
	LogsDir string

	// GatewayPortStart/GatewayPortMax bound the gateway port allocator
	GatewayPortStart int
	GatewayPortMax   int

	// Binary overrides, mostly for tests and exotic installs
	TmuxBin        string
	TtydBin        string
	CloudflaredBin string

	// AgentCommand is the CLI launched inside each new terminal window
	AgentCommand string
	// TerminalTheme is passed to ttyd as -t theme=... when non-empty
	TerminalTheme string

	// TunnelName/TunnelHostname select a named cloudflared tunnel; when
	// empty a quick tunnel is used
	TunnelName     string
	TunnelHostname string
}

// Load resolves the configuration from the config file and environment.
// CLI flags are applied by the caller on top of the returned value.
func Load() (*Config, error) {
	cfg := &Config{
		Port:             DefaultPort,
		GatewayPortStart: DefaultGatewayPortStart,
		GatewayPortMax:   DefaultGatewayPortMax,
		TmuxBin:          "tmux",
		TtydBin:          "ttyd",
		CloudflaredBin:   "cloudflared",
		AgentCommand:     "claude",
	}

	if home, err := os.UserHomeDir(); err == nil {
		cfg.DataDir = filepath.Join(home, ".ccmux", "data")
		cfg.LogsDir = filepath.Join(home, ".ccmux", "logs")
		if fc, err := loadFile(filepath.Join(home, ".ccmux", "config.yaml")); err != nil {
			return nil, err
		} else if fc != nil {
			cfg.applyFile(fc)
		}
	} else {
		cfg.DataDir = filepath.Join("data")
		cfg.LogsDir = filepath.Join("logs")
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &fc, nil
}

func (c *Config) applyFile(fc *FileConfig) {
	if fc.Port > 0 {
		c.Port = fc.Port
	}
	if fc.Remote {
		c.Remote = true
	}
	if len(fc.Repos) > 0 {
		c.Repos = append(c.Repos, fc.Repos...)
	}
	if fc.DataDir != "" {
		c.DataDir = fc.DataDir
	}
	if fc.AgentCommand != "" {
		c.AgentCommand = fc.AgentCommand
	}
	if fc.TerminalTheme != "" {
		c.TerminalTheme = fc.TerminalTheme
	}
	if fc.TunnelName != "" {
		c.TunnelName = fc.TunnelName
	}
	if fc.TunnelHostname != "" {
		c.TunnelHostname = fc.TunnelHostname
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 && p < 65536 {
			c.Port = p
		}
	}
	if v := os.Getenv("CCMUX_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("CCMUX_LOGS_DIR"); v != "" {
		c.LogsDir = v
	}
	if v := os.Getenv("CCMUX_TMUX_BIN"); v != "" {
		c.TmuxBin = v
	}
	if v := os.Getenv("CCMUX_TTYD_BIN"); v != "" {
		c.TtydBin = v
	}
	if v := os.Getenv("CCMUX_CLOUDFLARED_BIN"); v != "" {
		c.CloudflaredBin = v
	}
	if v := os.Getenv("CCMUX_AGENT_COMMAND"); v != "" {
		c.AgentCommand = v
	}
	if v := os.Getenv("CCMUX_REPOS"); v != "" {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				c.Repos = append(c.Repos, p)
			}
		}
	}
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.GatewayPortStart <= 0 || c.GatewayPortMax < c.GatewayPortStart {
		return fmt.Errorf("invalid gateway port range [%d, %d]", c.GatewayPortStart, c.GatewayPortMax)
	}
	return nil
}

// EnsureDirs creates DataDir and LogsDir if missing
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.DataDir, c.LogsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath is the sqlite file backing the session registry
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "sessions.db")
}

// AllowsRepo reports whether path is acceptable under the repo
// allow-list. An empty allow-list permits any path.
func (c *Config) AllowsRepo(path string) bool {
	if len(c.Repos) == 0 {
		return true
	}
	cleaned := filepath.Clean(path)
	for _, p := range c.Repos {
		if filepath.Clean(p) == cleaned {
			return true
		}
	}
	return false
}
