// Package config loads swarm configuration and workflow definitions from
// TOML files.
//
// Every section starts from its component's DefaultConfig, so a file only
// needs to name what it changes:
//
//	[logging]
//	level = "debug"
//
//	[bus]
//	mailbox_size = 500
//	enqueue_timeout = "250ms"
//
//	[[orchestrator.pools]]
//	logical_type = "calc"
//	min = 2
//	max = 8
//	max_load = 4
//	capabilities = ["math"]
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/vinayprograms/swarmbus/bus"
	"github.com/vinayprograms/swarmbus/deadletter"
	"github.com/vinayprograms/swarmbus/logging"
	"github.com/vinayprograms/swarmbus/orchestrator"
	"github.com/vinayprograms/swarmbus/registry"
	"github.com/vinayprograms/swarmbus/telemetry"
	"github.com/vinayprograms/swarmbus/workflow"
)

// Duration is a time.Duration written as a Go duration string ("1m30s").
type Duration time.Duration

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the whole swarm configuration.
type Config struct {
	Logging      LoggingConfig      `toml:"logging"`
	Bus          BusConfig          `toml:"bus"`
	Registry     RegistryConfig     `toml:"registry"`
	Workflow     WorkflowConfig     `toml:"workflow"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	DeadLetters  DeadLetterConfig   `toml:"dead_letters"`
	Telemetry    TelemetryConfig    `toml:"telemetry"`

	// Path is the resolved file the config was read from.
	Path string `toml:"-"`
}

// LoggingConfig configures the root logger.
type LoggingConfig struct {
	Level string `toml:"level"`
}

// BusConfig mirrors bus.Config.
type BusConfig struct {
	MailboxSize         int      `toml:"mailbox_size"`
	EnqueueTimeout      Duration `toml:"enqueue_timeout"`
	MaxRetries          int      `toml:"max_retries"`
	BackoffUnit         Duration `toml:"backoff_unit"`
	MaxBackoff          Duration `toml:"max_backoff"`
	DeadLetterCapacity  int      `toml:"dead_letter_capacity"`
	ExpirySweepInterval Duration `toml:"expiry_sweep_interval"`
	StatsInterval       Duration `toml:"stats_interval"`
}

// RegistryConfig mirrors registry.MemoryConfig.
type RegistryConfig struct {
	TTL         Duration `toml:"ttl"`
	WatchBuffer int      `toml:"watch_buffer"`
}

// WorkflowConfig mirrors workflow.Config.
type WorkflowConfig struct {
	AgentID           string   `toml:"agent_id"`
	PollInterval      Duration `toml:"poll_interval"`
	DefaultMaxRetries int      `toml:"default_max_retries"`
	AssignTimeout     Duration `toml:"assign_timeout"`
	ArchiveGrace      Duration `toml:"archive_grace"`
	PublishEvents     bool     `toml:"publish_events"`
	EventTopic        string   `toml:"event_topic"`
}

// OrchestratorConfig mirrors orchestrator.Config.
type OrchestratorConfig struct {
	AgentID            string       `toml:"agent_id"`
	HealthWindow       Duration     `toml:"health_window"`
	HealthInterval     Duration     `toml:"health_interval"`
	PingTimeout        Duration     `toml:"ping_timeout"`
	ScaleInterval      Duration     `toml:"scale_interval"`
	ScaleUpThreshold   float64      `toml:"scale_up_threshold"`
	ScaleDownThreshold float64      `toml:"scale_down_threshold"`
	Cooldown           Duration     `toml:"cooldown"`
	HeartbeatInterval  Duration     `toml:"heartbeat_interval"` // for in-process workers
	Pools              []PoolConfig `toml:"pools"`
}

// PoolConfig mirrors orchestrator.PoolConfig.
type PoolConfig struct {
	LogicalType  string   `toml:"logical_type"`
	Min          int      `toml:"min"`
	Max          int      `toml:"max"`
	MaxLoad      int      `toml:"max_load"`
	Capabilities []string `toml:"capabilities"`
}

// DeadLetterConfig mirrors deadletter.Config.
type DeadLetterConfig struct {
	Index          bool `toml:"index"`
	MaxPayloadText int  `toml:"max_payload_text"`
}

// TelemetryConfig configures tracing and the lifecycle event exporter.
type TelemetryConfig struct {
	Enabled     bool   `toml:"enabled"`
	Endpoint    string `toml:"endpoint"`
	Protocol    string `toml:"protocol"` // grpc or http
	Insecure    bool   `toml:"insecure"`
	ServiceName string `toml:"service_name"`
	Debug       bool   `toml:"debug"`

	// Events selects the lifecycle event exporter: "http", "file" or
	// "noop".
	Events         string `toml:"events"`
	EventsEndpoint string `toml:"events_endpoint"`
}

// Default returns the configuration every component would use on its own.
func Default() Config {
	b := bus.DefaultConfig()
	w := workflow.DefaultConfig()
	o := orchestrator.DefaultConfig()
	d := deadletter.DefaultConfig()
	return Config{
		Logging: LoggingConfig{Level: "info"},
		Bus: BusConfig{
			MailboxSize:         b.MailboxSize,
			EnqueueTimeout:      Duration(b.EnqueueTimeout),
			MaxRetries:          b.MaxRetries,
			BackoffUnit:         Duration(b.BackoffUnit),
			MaxBackoff:          Duration(b.MaxBackoff),
			DeadLetterCapacity:  b.DeadLetterCapacity,
			ExpirySweepInterval: Duration(b.ExpirySweepInterval),
			StatsInterval:       Duration(b.StatsInterval),
		},
		Registry: RegistryConfig{WatchBuffer: 256},
		Workflow: WorkflowConfig{
			AgentID:           w.AgentID,
			PollInterval:      Duration(w.PollInterval),
			DefaultMaxRetries: w.DefaultMaxRetries,
			AssignTimeout:     Duration(w.AssignTimeout),
			ArchiveGrace:      Duration(w.ArchiveGrace),
			PublishEvents:     w.PublishEvents,
			EventTopic:        w.EventTopic,
		},
		Orchestrator: OrchestratorConfig{
			AgentID:            o.AgentID,
			HealthWindow:       Duration(o.HealthWindow),
			HealthInterval:     Duration(o.HealthInterval),
			PingTimeout:        Duration(o.PingTimeout),
			ScaleInterval:      Duration(o.ScaleInterval),
			ScaleUpThreshold:   o.ScaleUpThreshold,
			ScaleDownThreshold: o.ScaleDownThreshold,
			Cooldown:           Duration(o.Cooldown),
			HeartbeatInterval:  Duration(5 * time.Second),
		},
		DeadLetters: DeadLetterConfig{Index: true, MaxPayloadText: d.MaxPayloadText},
		Telemetry:   TelemetryConfig{Protocol: "grpc", ServiceName: "swarmbus", Events: "noop"},
	}
}

// Load reads the file at path over Default. A leading ~ is expanded to
// the home directory.
func Load(path string) (Config, error) {
	resolved, err := expandHome(path)
	if err != nil {
		return Config{}, err
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	cfg, err := Parse(string(data))
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", resolved, err)
	}
	cfg.Path = resolved
	return cfg, nil
}

// Parse decodes TOML text over Default and validates the result.
func Parse(text string) (Config, error) {
	cfg := Default()
	md, err := toml.Decode(text, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every section through its component's validation.
func (c Config) Validate() error {
	var errs []error
	if err := c.BusConfig(nil).Validate(); err != nil {
		errs = append(errs, fmt.Errorf("bus: %w", err))
	}
	if c.Registry.TTL < 0 || c.Registry.WatchBuffer < 0 {
		errs = append(errs, errors.New("registry: ttl and watch_buffer must not be negative"))
	}
	if c.Workflow.DefaultMaxRetries < 0 {
		errs = append(errs, errors.New("workflow: default_max_retries must not be negative"))
	}
	if c.Workflow.AssignTimeout < 0 {
		errs = append(errs, errors.New("workflow: assign_timeout must not be negative"))
	}
	if err := c.validateOrchestrator(); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator: %w", err))
	}
	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		errs = append(errs, fmt.Errorf("telemetry: unknown protocol %q", c.Telemetry.Protocol))
	}
	switch c.Telemetry.Events {
	case "", "noop":
	case "http", "file":
		if c.Telemetry.EventsEndpoint == "" {
			errs = append(errs, fmt.Errorf("telemetry: events %q needs events_endpoint", c.Telemetry.Events))
		}
	default:
		errs = append(errs, fmt.Errorf("telemetry: unknown events exporter %q", c.Telemetry.Events))
	}
	return errors.Join(errs...)
}

func (c Config) validateOrchestrator() error {
	oc := c.OrchestratorConfig(nil)
	return oc.ValidatePolicy()
}

// --- Conversions ---

// NewLogger returns a root logger at the configured level.
func (c Config) NewLogger() *logging.Logger {
	l := logging.New()
	l.SetLevel(logging.ParseLevel(c.Logging.Level))
	return l
}

// BusConfig converts the [bus] section.
func (c Config) BusConfig(logger *logging.Logger) bus.Config {
	return bus.Config{
		MailboxSize:         c.Bus.MailboxSize,
		EnqueueTimeout:      c.Bus.EnqueueTimeout.Std(),
		MaxRetries:          c.Bus.MaxRetries,
		BackoffUnit:         c.Bus.BackoffUnit.Std(),
		MaxBackoff:          c.Bus.MaxBackoff.Std(),
		DeadLetterCapacity:  c.Bus.DeadLetterCapacity,
		ExpirySweepInterval: c.Bus.ExpirySweepInterval.Std(),
		StatsInterval:       c.Bus.StatsInterval.Std(),
		Logger:              logger,
	}
}

// RegistryConfig converts the [registry] section.
func (c Config) RegistryConfig() registry.MemoryConfig {
	return registry.MemoryConfig{
		TTL:         c.Registry.TTL.Std(),
		WatchBuffer: c.Registry.WatchBuffer,
	}
}

// WorkflowConfig converts the [workflow] section. Bus and Registry are
// left for the caller.
func (c Config) WorkflowConfig(logger *logging.Logger) workflow.Config {
	return workflow.Config{
		AgentID:           c.Workflow.AgentID,
		PollInterval:      c.Workflow.PollInterval.Std(),
		DefaultMaxRetries: c.Workflow.DefaultMaxRetries,
		AssignTimeout:     c.Workflow.AssignTimeout.Std(),
		ArchiveGrace:      c.Workflow.ArchiveGrace.Std(),
		PublishEvents:     c.Workflow.PublishEvents,
		EventTopic:        c.Workflow.EventTopic,
		Logger:            logger,
	}
}

// OrchestratorConfig converts the [orchestrator] section. Bus, Registry
// and Spawner are left for the caller.
func (c Config) OrchestratorConfig(logger *logging.Logger) orchestrator.Config {
	pools := make([]orchestrator.PoolConfig, len(c.Orchestrator.Pools))
	for i, p := range c.Orchestrator.Pools {
		pools[i] = orchestrator.PoolConfig{
			LogicalType:  p.LogicalType,
			Min:          p.Min,
			Max:          p.Max,
			MaxLoad:      p.MaxLoad,
			Capabilities: p.Capabilities,
		}
	}
	return orchestrator.Config{
		Pools:              pools,
		AgentID:            c.Orchestrator.AgentID,
		HealthWindow:       c.Orchestrator.HealthWindow.Std(),
		HealthInterval:     c.Orchestrator.HealthInterval.Std(),
		PingTimeout:        c.Orchestrator.PingTimeout.Std(),
		ScaleInterval:      c.Orchestrator.ScaleInterval.Std(),
		ScaleUpThreshold:   c.Orchestrator.ScaleUpThreshold,
		ScaleDownThreshold: c.Orchestrator.ScaleDownThreshold,
		Cooldown:           c.Orchestrator.Cooldown.Std(),
		Logger:             logger,
	}
}

// DeadLetterConfig converts the [dead_letters] section.
func (c Config) DeadLetterConfig(logger *logging.Logger) deadletter.Config {
	return deadletter.Config{
		MaxPayloadText: c.DeadLetters.MaxPayloadText,
		Logger:         logger,
	}
}

// ProviderConfig converts the [telemetry] section for InitProvider.
func (c Config) ProviderConfig() telemetry.ProviderConfig {
	return telemetry.ProviderConfig{
		ServiceName: c.Telemetry.ServiceName,
		Endpoint:    c.Telemetry.Endpoint,
		Protocol:    c.Telemetry.Protocol,
		Insecure:    c.Telemetry.Insecure,
		Debug:       c.Telemetry.Debug,
	}
}

// NewExporter builds the lifecycle event exporter.
func (c Config) NewExporter() (telemetry.Exporter, error) {
	return telemetry.NewExporter(c.Telemetry.Events, c.Telemetry.EventsEndpoint)
}

func expandHome(path string) (string, error) {
	if path == "" {
		return "", errors.New("config path is empty")
	}
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(path, "~")
		trimmed = strings.TrimPrefix(trimmed, "/")
		path = filepath.Join(home, trimmed)
	}
	return filepath.Clean(path), nil
}
