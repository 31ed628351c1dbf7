// Package config loads peerchat settings from defaults, a YAML file,
// the environment (optionally seeded from .env) and command-line flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
	"go.uber.org/zap/zapcore"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

const (
	DefaultServerURL = "ws://localhost:8765"
	DefaultRelayAddr = "localhost:8765"
	DefaultTransport = "gobwas"
	DefaultLogLevel  = "info"
)

// Transports lists the accepted values for Config.Transport.
var Transports = []string{"gobwas", "nhooyr"}

type Config struct {
	ServerURL   string `yaml:"server_url" json:"server_url"`
	DataDir     string `yaml:"data_dir" json:"data_dir"`
	Transport   string `yaml:"transport" json:"transport"`
	LogLevel    string `yaml:"log_level" json:"log_level"`
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`
	RelayAddr   string `yaml:"relay_addr" json:"relay_addr"`
}

// Default returns the built-in settings.
func Default() *Config {
	dataDir := "peerchat"
	if dir, err := os.UserConfigDir(); err == nil {
		dataDir = filepath.Join(dir, "peerchat")
	}
	return &Config{
		ServerURL: DefaultServerURL,
		DataDir:   dataDir,
		Transport: DefaultTransport,
		LogLevel:  DefaultLogLevel,
		RelayAddr: DefaultRelayAddr,
	}
}

// DefaultPath is the config file consulted when no path is given.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "peerchat", "config.yaml")
}

// Load resolves settings in order: defaults, YAML file, environment.
// An empty path falls back to DefaultPath, which may be absent.
func Load(path string) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		fileCfg, err := LoadFromFile(path)
		switch {
		case err == nil:
			cfg.merge(fileCfg)
		case explicit || !errors.Is(err, os.ErrNotExist):
			return nil, err
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// LoadFromFile reads a YAML config file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &cfg, nil
}

// SaveToFile writes cfg as YAML.
func SaveToFile(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func (c *Config) merge(o *Config) {
	if o.ServerURL != "" {
		c.ServerURL = o.ServerURL
	}
	if o.DataDir != "" {
		c.DataDir = o.DataDir
	}
	if o.Transport != "" {
		c.Transport = o.Transport
	}
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
	if o.MetricsAddr != "" {
		c.MetricsAddr = o.MetricsAddr
	}
	if o.RelayAddr != "" {
		c.RelayAddr = o.RelayAddr
	}
}

func (c *Config) applyEnv() {
	c.merge(&Config{
		ServerURL:   os.Getenv("PEERCHAT_SERVER_URL"),
		DataDir:     os.Getenv("PEERCHAT_DATA_DIR"),
		Transport:   strings.ToLower(os.Getenv("PEERCHAT_TRANSPORT")),
		LogLevel:    strings.ToLower(os.Getenv("PEERCHAT_LOG_LEVEL")),
		MetricsAddr: os.Getenv("PEERCHAT_METRICS_ADDR"),
		RelayAddr:   os.Getenv("PEERCHAT_RELAY_ADDR"),
	})
}

// Validate checks the fields a chat session depends on.
func (c *Config) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("%w: server_url: %v", ErrInvalid, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: server_url must use ws or wss, got %q", ErrInvalid, c.ServerURL)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: server_url has no host", ErrInvalid)
	}

	known := false
	for _, t := range Transports {
		if c.Transport == t {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("%w: transport %q (want one of %s)", ErrInvalid, c.Transport, strings.Join(Transports, ", "))
	}

	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level %q", ErrInvalid, c.LogLevel)
	}

	if c.DataDir == "" {
		return fmt.Errorf("%w: data_dir is empty", ErrInvalid)
	}

	return nil
}

// StorePath is the Pebble directory holding durable identity state.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "state")
}

// LogPath is the log file used while the terminal UI owns the screen.
func (c *Config) LogPath() string {
	return filepath.Join(c.DataDir, "peerchat.log")
}
