// Package config loads the cloudagent configuration from YAML or TOML with
// ${VAR} environment expansion.
package config

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/holon-run/cloudagent/pkg/ingest"
	"github.com/holon-run/cloudagent/pkg/lifecycle"
	"github.com/holon-run/cloudagent/pkg/log"
	"github.com/holon-run/cloudagent/pkg/redact"
	"github.com/holon-run/cloudagent/pkg/session"
	"github.com/holon-run/cloudagent/pkg/telemetry"
	"github.com/holon-run/cloudagent/pkg/wrapper"
)

// Sandbox drivers.
const (
	DriverLocal  = "local"
	DriverDocker = "docker"
)

// Config is the complete cloudagent configuration.
type Config struct {
	Log          log.Config         `yaml:"log" toml:"log"`
	Sandbox      SandboxConfig      `yaml:"sandbox" toml:"sandbox"`
	Lifecycle    LifecycleConfig    `yaml:"lifecycle" toml:"lifecycle"`
	ControlPlane ControlPlaneConfig `yaml:"control_plane" toml:"control_plane"`
	Ingest       IngestConfig       `yaml:"ingest" toml:"ingest"`
	Tracing      telemetry.Config   `yaml:"tracing" toml:"tracing"`
	Redact       redact.Config      `yaml:"redact" toml:"redact"`
}

// SandboxConfig selects where workers run.
type SandboxConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	// Container, Image and Workspace apply to the docker driver.
	Container      string   `yaml:"container" toml:"container"`
	Image          string   `yaml:"image" toml:"image"`
	Workspace      string   `yaml:"workspace" toml:"workspace"`
	WorkerPath     string   `yaml:"worker_path" toml:"worker_path"`
	WorkerArgs     []string `yaml:"worker_args" toml:"worker_args"`
	PortRangeStart int      `yaml:"port_range_start" toml:"port_range_start"`
	PortRangeEnd   int      `yaml:"port_range_end" toml:"port_range_end"`
	MaxWait        Duration `yaml:"max_wait" toml:"max_wait"`
	PollInterval   Duration `yaml:"poll_interval" toml:"poll_interval"`
}

// LifecycleConfig holds session timer thresholds.
type LifecycleConfig struct {
	InflightSweep      Duration `yaml:"inflight_sweep" toml:"inflight_sweep"`
	IdleSweep          Duration `yaml:"idle_sweep" toml:"idle_sweep"`
	MaxRuntime         Duration `yaml:"max_runtime" toml:"max_runtime"`
	IdleTimeout        Duration `yaml:"idle_timeout" toml:"idle_timeout"`
	InitialStreamGrace Duration `yaml:"initial_stream_grace" toml:"initial_stream_grace"`
	InactivityTimeout  Duration `yaml:"inactivity_timeout" toml:"inactivity_timeout"`
	DrainGrace         Duration `yaml:"drain_grace" toml:"drain_grace"`
	HookTimeout        Duration `yaml:"hook_timeout" toml:"hook_timeout"`
	HeartbeatInterval  Duration `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
}

// ControlPlaneConfig configures the execution store and reaper.
type ControlPlaneConfig struct {
	Database     string `yaml:"database" toml:"database"`
	ReapSchedule string `yaml:"reap_schedule" toml:"reap_schedule"`
}

// IngestConfig configures the downstream channel.
type IngestConfig struct {
	// URL is a ws:// or wss:// endpoint. Empty writes NDJSON to stdout.
	URL             string            `yaml:"url" toml:"url"`
	Headers         map[string]string `yaml:"headers" toml:"headers"`
	Buffer          int               `yaml:"buffer" toml:"buffer"`
	BreakerFailures uint32            `yaml:"breaker_failures" toml:"breaker_failures"`
	BreakerTimeout  Duration          `yaml:"breaker_timeout" toml:"breaker_timeout"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log: log.DefaultConfig(),
		Sandbox: SandboxConfig{
			Driver:         DriverLocal,
			Container:      "cloudagent-sandbox",
			Workspace:      ".",
			WorkerPath:     "cloudagent-worker",
			PortRangeStart: wrapper.DefaultPortRangeStart,
			PortRangeEnd:   wrapper.DefaultPortRangeEnd,
			MaxWait:        Duration(wrapper.DefaultMaxWait),
			PollInterval:   Duration(wrapper.DefaultPollInterval),
		},
		Lifecycle: LifecycleConfig{
			InflightSweep:      Duration(lifecycle.DefaultInflightSweepInterval),
			IdleSweep:          Duration(lifecycle.DefaultIdleSweepInterval),
			MaxRuntime:         Duration(session.DefaultMaxRuntime),
			IdleTimeout:        Duration(lifecycle.DefaultIdleTimeout),
			InitialStreamGrace: Duration(lifecycle.DefaultInitialStreamGrace),
			InactivityTimeout:  Duration(lifecycle.DefaultInactivityTimeout),
			DrainGrace:         Duration(lifecycle.DefaultDrainGrace),
			HookTimeout:        Duration(lifecycle.DefaultHookTimeout),
			HeartbeatInterval:  Duration(session.DefaultHeartbeatInterval),
		},
		ControlPlane: ControlPlaneConfig{
			Database:     "cloudagent.db",
			ReapSchedule: "@every 1m",
		},
		Ingest:  IngestConfig{Buffer: 256},
		Tracing: telemetry.Config{Exporter: "stdout"},
		Redact:  redact.Config{Mode: redact.ModeBasic},
	}
}

// Load reads path over the defaults. The format follows the extension:
// .yaml/.yml or .toml.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	expanded := expandEnvVars(string(data))

	cfg := Default()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case ".toml":
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with the environment value, or "" when unset.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarRe.FindStringSubmatch(match)[1])
	})
}

// Validate returns the first invalid setting.
func (c *Config) Validate() error {
	if _, err := log.ParseLevel(string(c.Log.Level)); err != nil {
		return err
	}
	switch c.Sandbox.Driver {
	case DriverLocal:
	case DriverDocker:
		if c.Sandbox.Container == "" {
			return fmt.Errorf("sandbox.container is required for the docker driver")
		}
	default:
		return fmt.Errorf("sandbox.driver must be %q or %q, got %q", DriverLocal, DriverDocker, c.Sandbox.Driver)
	}
	if c.Sandbox.WorkerPath == "" {
		return fmt.Errorf("sandbox.worker_path is required")
	}
	if c.Sandbox.PortRangeStart <= 0 || c.Sandbox.PortRangeEnd < c.Sandbox.PortRangeStart || c.Sandbox.PortRangeEnd > 65535 {
		return fmt.Errorf("sandbox port range %d-%d is invalid", c.Sandbox.PortRangeStart, c.Sandbox.PortRangeEnd)
	}
	if c.Ingest.URL != "" && !strings.HasPrefix(c.Ingest.URL, "ws://") && !strings.HasPrefix(c.Ingest.URL, "wss://") {
		return fmt.Errorf("ingest.url must be a ws:// or wss:// url")
	}
	switch c.Redact.Mode {
	case "", redact.ModeOff, redact.ModeBasic, redact.ModeAggressive:
	default:
		return fmt.Errorf("redact.mode %q is invalid", c.Redact.Mode)
	}
	switch c.Tracing.Exporter {
	case "", "stdout", "noop":
	default:
		return fmt.Errorf("tracing.exporter %q is invalid", c.Tracing.Exporter)
	}
	return nil
}

// SupervisorConfig returns the worker supervisor settings.
func (c *Config) SupervisorConfig() wrapper.Config {
	return wrapper.Config{
		WorkerPath:     c.Sandbox.WorkerPath,
		WorkerArgs:     c.Sandbox.WorkerArgs,
		PortRangeStart: c.Sandbox.PortRangeStart,
		PortRangeEnd:   c.Sandbox.PortRangeEnd,
		MaxWait:        c.Sandbox.MaxWait.Std(),
		PollInterval:   c.Sandbox.PollInterval.Std(),
	}
}

// SessionConfig returns the session and lifecycle settings.
func (c *Config) SessionConfig() session.Config {
	l := c.Lifecycle
	return session.Config{
		MaxRuntime:        l.MaxRuntime.Std(),
		HeartbeatInterval: l.HeartbeatInterval.Std(),
		Lifecycle: lifecycle.Config{
			InflightSweepInterval: l.InflightSweep.Std(),
			IdleSweepInterval:     l.IdleSweep.Std(),
			IdleTimeout:           l.IdleTimeout.Std(),
			InitialStreamGrace:    l.InitialStreamGrace.Std(),
			InactivityTimeout:     l.InactivityTimeout.Std(),
			DrainGrace:            l.DrainGrace.Std(),
			HookTimeout:           l.HookTimeout.Std(),
		},
	}
}

// DialerConfig returns the ingest dialer settings.
func (c *Config) DialerConfig() ingest.DialerConfig {
	header := http.Header{}
	for k, v := range c.Ingest.Headers {
		header.Set(k, v)
	}
	return ingest.DialerConfig{
		Header:      header,
		Buffer:      c.Ingest.Buffer,
		MaxFailures: c.Ingest.BreakerFailures,
		OpenTimeout: c.Ingest.BreakerTimeout.Std(),
	}
}

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalText parses a duration string; TOML decoding uses it.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", string(text), err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.UnmarshalText([]byte(value.Value))
}
