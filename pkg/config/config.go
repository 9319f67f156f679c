// Package config loads client settings from a YAML file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lightforgemedia/go-wslink/pkg/client"
	"github.com/lightforgemedia/go-wslink/pkg/transport"
	"github.com/lightforgemedia/go-wslink/pkg/transport/coderws"
	"github.com/lightforgemedia/go-wslink/pkg/transport/gorillaws"
	"gopkg.in/yaml.v3"
)

// Transport names accepted in the transport field.
const (
	TransportCoder   = "coder"
	TransportGorilla = "gorilla"
)

// Duration is a time.Duration written as a Go duration string ("3s") or a
// bare number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	if parsed, err := time.ParseDuration(node.Value); err == nil {
		*d = Duration(parsed)
		return nil
	}
	var secs float64
	if err := node.Decode(&secs); err != nil {
		return fmt.Errorf("line %d: invalid duration %q", node.Line, node.Value)
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Reconnect holds the reconnect policy.
type Reconnect struct {
	Enabled         bool     `yaml:"enabled"`
	Interval        Duration `yaml:"interval"`
	MaxAttempts     int      `yaml:"max_attempts"`
	OnNormalClosure bool     `yaml:"on_normal_closure"`
}

// Heartbeat holds the liveness probe settings.
type Heartbeat struct {
	Interval Duration `yaml:"interval"`
	Timeout  Duration `yaml:"timeout"`
}

// Config holds the wslink configuration.
type Config struct {
	URL            string    `yaml:"url"`
	Token          string    `yaml:"token"`
	Transport      string    `yaml:"transport"`
	LogLevel       string    `yaml:"log_level"`
	ConnectTimeout Duration  `yaml:"connect_timeout"`
	WriteTimeout   Duration  `yaml:"write_timeout"`
	RequestTimeout Duration  `yaml:"request_timeout"`
	Reconnect      Reconnect `yaml:"reconnect"`
	Heartbeat      Heartbeat `yaml:"heartbeat"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		URL:            client.DefaultURL,
		Transport:      TransportCoder,
		LogLevel:       "info",
		ConnectTimeout: Duration(5 * time.Second),
		WriteTimeout:   Duration(5 * time.Second),
		RequestTimeout: Duration(10 * time.Second),
		Reconnect: Reconnect{
			Enabled:     true,
			Interval:    Duration(3 * time.Second),
			MaxAttempts: 5,
		},
		Heartbeat: Heartbeat{
			Interval: Duration(30 * time.Second),
			Timeout:  Duration(10 * time.Second),
		},
	}
}

// DefaultPath returns the default config file path: ~/.wslink/config.yaml
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".wslink", "config.yaml")
	}
	return filepath.Join(home, ".wslink", "config.yaml")
}

// Load reads the configuration from path on top of the defaults.
// A missing file yields the defaults with no error.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := Parse(data, cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, keeping fields the document leaves out, then validates.
func Parse(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	return cfg.Validate()
}

// Validate checks the fields that have a closed set of values.
func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("url is required")
	}
	if !strings.HasPrefix(c.URL, "ws://") && !strings.HasPrefix(c.URL, "wss://") {
		return fmt.Errorf("url %q must use ws:// or wss://", c.URL)
	}
	switch c.Transport {
	case "", TransportCoder, TransportGorilla:
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts must not be negative")
	}
	return nil
}

// Dialer returns the transport named by the config.
func (c *Config) Dialer() transport.Dialer {
	if c.Transport == TransportGorilla {
		return &gorillaws.Dialer{}
	}
	return &coderws.Dialer{}
}

// Options converts the config into client options.
func (c *Config) Options(logger *slog.Logger) client.Options {
	opts := client.DefaultOptions()
	opts.Logger = logger
	opts.Dialer = c.Dialer()
	opts.Token = c.Token
	opts.ConnectTimeout = c.ConnectTimeout.Std()
	opts.WriteTimeout = c.WriteTimeout.Std()
	opts.RequestTimeout = c.RequestTimeout.Std()
	opts.AutoReconnect = c.Reconnect.Enabled && c.Reconnect.MaxAttempts > 0
	opts.ReconnectInterval = c.Reconnect.Interval.Std()
	opts.MaxReconnectAttempts = c.Reconnect.MaxAttempts
	opts.ReconnectOnNormalClosure = c.Reconnect.OnNormalClosure
	opts.HeartbeatInterval = c.Heartbeat.Interval.Std()
	opts.HeartbeatTimeout = c.Heartbeat.Timeout.Std()
	return opts
}

// ParseLevel maps a level name to a slog level. Empty means info.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", name)
	}
}
