package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Window      WindowConfig      `yaml:"window"`
	Relay       RelayConfig       `yaml:"relay"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Mock        MockConfig        `yaml:"mock"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AuthToken      string   `yaml:"auth_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	// ContentDir is served at "/" as the page loaded into windows.
	ContentDir string `yaml:"content_dir"`
}

type WindowConfig struct {
	Width          int           `yaml:"width"`
	Height         int           `yaml:"height"`
	Title          string        `yaml:"title"`
	Frame          bool          `yaml:"frame"`
	WorkArea       WorkArea      `yaml:"work_area"`
	UseWS          bool          `yaml:"use_ws"`
	ContentURL     string        `yaml:"content_url"`
	LoadTimeout    time.Duration `yaml:"load_timeout"`
	ReconnectGrace time.Duration `yaml:"reconnect_grace"`
}

// WorkArea is the screen area windows are sized against.
type WorkArea struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

type RelayConfig struct {
	StatusThrottle time.Duration `yaml:"status_throttle"`
	TraceCommands  bool          `yaml:"trace_commands"`
	Hordes         []string      `yaml:"hordes"`
}

type DiagnosticsConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Interval         time.Duration `yaml:"interval"`
	LagThreshold     time.Duration `yaml:"lag_threshold"`
	OverlayThreshold time.Duration `yaml:"overlay_threshold"`
	Horde            string        `yaml:"horde"`
}

// MockConfig drives the demo state generator.
type MockConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Branches []string      `yaml:"branches"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Window: WindowConfig{
			Title:          "wmd",
			Frame:          true,
			WorkArea:       WorkArea{Width: 1920, Height: 1080},
			ReconnectGrace: 10 * time.Second,
		},
		Relay: RelayConfig{
			StatusThrottle: 250 * time.Millisecond,
			Hordes:         []string{"local"},
		},
		Diagnostics: DiagnosticsConfig{
			Enabled:          true,
			Interval:         5 * time.Second,
			LagThreshold:     200 * time.Millisecond,
			OverlayThreshold: 2 * time.Second,
			Horde:            "local",
		},
		Mock: MockConfig{
			Interval: time.Second,
			Branches: []string{"clock", "counter", "tasks"},
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads path, falling back to the defaults when path is
// empty or the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return defaultConfig(), nil
	}
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Window.WorkArea.Width <= 0 || c.Window.WorkArea.Height <= 0 {
		return fmt.Errorf("window.work_area must be positive, got %dx%d",
			c.Window.WorkArea.Width, c.Window.WorkArea.Height)
	}
	for name, d := range map[string]time.Duration{
		"window.load_timeout":           c.Window.LoadTimeout,
		"window.reconnect_grace":        c.Window.ReconnectGrace,
		"relay.status_throttle":         c.Relay.StatusThrottle,
		"diagnostics.lag_threshold":     c.Diagnostics.LagThreshold,
		"diagnostics.overlay_threshold": c.Diagnostics.OverlayThreshold,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.Diagnostics.Enabled && c.Diagnostics.Interval <= 0 {
		return fmt.Errorf("diagnostics.interval must be positive")
	}
	if c.Mock.Enabled && c.Mock.Interval <= 0 {
		return fmt.Errorf("mock.interval must be positive")
	}
	return nil
}

// Addr is the listen address of the server.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// ContentURL is the page windows load. Unless configured it is the root
// of the server itself.
func (c *Config) ContentURL() string {
	if c.Window.ContentURL != "" {
		return c.Window.ContentURL
	}
	return "http://" + c.publicAddr() + "/"
}

// SocketURL is the websocket endpoint handed to remote windows.
func (c *Config) SocketURL() string {
	return "ws://" + c.publicAddr() + "/ws"
}

func (c *Config) publicAddr() string {
	host := c.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(c.Server.Port))
}

// GenerateToken returns a random hex token for server.auth_token.
func GenerateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
