// Package config loads the daemon configuration from YAML and fills in
// defaults. Every field has a working default so an empty file (or no file
// at all) yields a runnable configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jaschadub/Meshling/internal/conn"
	"github.com/jaschadub/Meshling/internal/retry"
	"github.com/jaschadub/Meshling/internal/transport"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// EndpointConfig names one connection candidate.
type EndpointConfig struct {
	Serial string `yaml:"serial,omitempty"` // device path
	Host   string `yaml:"host,omitempty"`   // network host
	Port   int    `yaml:"port,omitempty"`   // network port, 0 = default
}

// Config is the full daemon configuration.
type Config struct {
	Log struct {
		Level  string `yaml:"level"`  // debug|info|warn|error
		Format string `yaml:"format"` // json|console
	} `yaml:"log"`

	Gateway struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"gateway"`

	Connection struct {
		AutoConnect  bool             `yaml:"auto_connect"`
		ProbeTimeout Duration         `yaml:"probe_timeout"`
		Heartbeat    Duration         `yaml:"heartbeat"`
		Endpoints    []EndpointConfig `yaml:"endpoints"`
	} `yaml:"connection"`

	Backoff struct {
		Base        Duration `yaml:"base"`
		Ceiling     Duration `yaml:"ceiling"`
		MaxAttempts int      `yaml:"max_attempts"`
	} `yaml:"backoff"`

	History struct {
		Packets  int `yaml:"packets"`  // packet ring capacity
		Messages int `yaml:"messages"` // per-thread message limit
	} `yaml:"history"`

	Nodes struct {
		StaleAfter Duration `yaml:"stale_after"`
	} `yaml:"nodes"`
}

// Default returns the configuration used when fields are absent.
func Default() *Config {
	cfg := &Config{}
	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	cfg.Gateway.ListenAddr = ":8080"
	cfg.Connection.AutoConnect = true
	cfg.Connection.ProbeTimeout = Duration(conn.DefaultProbeTimeout)
	cfg.Connection.Heartbeat = Duration(conn.DefaultHeartbeat)
	cfg.Backoff.Base = Duration(2 * time.Second)
	cfg.Backoff.Ceiling = Duration(60 * time.Second)
	cfg.Backoff.MaxAttempts = 10
	cfg.History.Packets = 1024
	cfg.History.Messages = 200
	cfg.Nodes.StaleAfter = Duration(2 * time.Hour)
	return cfg
}

// Load reads path and overlays it on the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	if c.Gateway.ListenAddr == "" {
		return fmt.Errorf("config: gateway.listen_addr must not be empty")
	}
	if c.Backoff.MaxAttempts < 1 {
		return fmt.Errorf("config: backoff.max_attempts must be at least 1")
	}
	if c.Backoff.Base.Std() <= 0 || c.Backoff.Ceiling.Std() < c.Backoff.Base.Std() {
		return fmt.Errorf("config: backoff base/ceiling out of order")
	}
	if c.History.Packets < 1 || c.History.Messages < 1 {
		return fmt.Errorf("config: history sizes must be positive")
	}
	for i, ep := range c.Connection.Endpoints {
		if ep.Serial == "" && ep.Host == "" {
			return fmt.Errorf("config: endpoint %d needs serial or host", i)
		}
		if ep.Serial != "" && ep.Host != "" {
			return fmt.Errorf("config: endpoint %d is both serial and tcp", i)
		}
	}
	return nil
}

// Endpoints converts the configured candidates to transport endpoints.
func (c *Config) Endpoints() []transport.Endpoint {
	out := make([]transport.Endpoint, 0, len(c.Connection.Endpoints))
	for _, ep := range c.Connection.Endpoints {
		if ep.Serial != "" {
			out = append(out, transport.SerialEndpoint(ep.Serial))
			continue
		}
		out = append(out, transport.TCPEndpoint(ep.Host, ep.Port))
	}
	return out
}

// BackoffConfig translates the backoff section for the retry package.
func (c *Config) BackoffConfig() retry.Config {
	return retry.Config{
		MaxAttempts: c.Backoff.MaxAttempts,
		BaseDelay:   c.Backoff.Base.Std(),
		MaxDelay:    c.Backoff.Ceiling.Std(),
		Multiplier:  2.0,
		Jitter:      true,
	}
}
