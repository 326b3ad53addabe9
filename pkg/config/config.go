// Package config loads agentbus configuration from YAML or TOML files.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/aixgo-dev/agentbus/internal/agent"
	"github.com/aixgo-dev/agentbus/internal/ident"
)

// Environment variables that override file settings.
const (
	EnvLogLevel    = "AGENTBUS_LOG_LEVEL"
	EnvMetricsPort = "AGENTBUS_METRICS_PORT"
)

// ErrInvalidConfig wraps every validation failure
var ErrInvalidConfig = errors.New("invalid configuration")

// Config represents the application configuration
type Config struct {
	Runtime       RuntimeConfig       `yaml:"runtime" toml:"runtime"`
	Selection     SelectionConfig     `yaml:"selection" toml:"selection"`
	Swarm         SwarmConfig         `yaml:"swarm" toml:"swarm"`
	GroupChat     GroupChatConfig     `yaml:"group_chat" toml:"group_chat"`
	Agents        []agent.AgentDef    `yaml:"agents" toml:"agents"`
	Logging       LoggingConfig       `yaml:"logging" toml:"logging"`
	Observability ObservabilityConfig `yaml:"observability" toml:"observability"`
}

// RuntimeConfig holds message bus settings
type RuntimeConfig struct {
	ChannelBufferSize int     `yaml:"channel_buffer_size" toml:"channel_buffer_size"`
	RateLimit         float64 `yaml:"rate_limit" toml:"rate_limit"`
	RateBurst         int     `yaml:"rate_burst" toml:"rate_burst"`
	EnableMetrics     bool    `yaml:"enable_metrics" toml:"enable_metrics"`
}

// SelectionConfig picks and tunes the speaker-selection strategy
type SelectionConfig struct {
	// Strategy is one of round_robin, random, manual, constrained, auto
	Strategy string `yaml:"strategy" toml:"strategy"`

	// Seed makes the random strategy reproducible (0 = clock)
	Seed uint64 `yaml:"seed,omitempty" toml:"seed,omitempty"`

	// Allowed and Inner configure the constrained strategy
	Allowed []string `yaml:"allowed,omitempty" toml:"allowed,omitempty"`
	Inner   string   `yaml:"inner,omitempty" toml:"inner,omitempty"`

	// Selector, Window and FullHistory configure the auto strategy
	Selector    string `yaml:"selector,omitempty" toml:"selector,omitempty"`
	Window      int    `yaml:"window,omitempty" toml:"window,omitempty"`
	FullHistory bool   `yaml:"full_history,omitempty" toml:"full_history,omitempty"`
}

// SwarmConfig holds task engine limits
type SwarmConfig struct {
	MaxRoundsPerTask  int    `yaml:"max_rounds_per_task" toml:"max_rounds_per_task"`
	MaxTotalRounds    int    `yaml:"max_total_rounds" toml:"max_total_rounds"`
	DynamicMembership bool   `yaml:"dynamic_membership" toml:"dynamic_membership"`
	EventsTopic       string `yaml:"events_topic,omitempty" toml:"events_topic,omitempty"`
}

// GroupChatConfig holds group chat limits
type GroupChatConfig struct {
	MaxRounds          int    `yaml:"max_rounds" toml:"max_rounds"`
	TerminationKeyword string `yaml:"termination_keyword" toml:"termination_keyword"`
}

// LoggingConfig configures the process logger
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// ObservabilityConfig configures metrics and tracing
type ObservabilityConfig struct {
	MetricsPort   int    `yaml:"metrics_port" toml:"metrics_port"`
	TraceExporter string `yaml:"trace_exporter" toml:"trace_exporter"`
	OTLPEndpoint  string `yaml:"otlp_endpoint,omitempty" toml:"otlp_endpoint,omitempty"`
	ServiceName   string `yaml:"service_name" toml:"service_name"`
}

// Default returns the configuration used for any field a file leaves out
func Default() Config {
	return Config{
		Runtime: RuntimeConfig{
			ChannelBufferSize: 100,
			RateBurst:         1,
			EnableMetrics:     true,
		},
		Selection: SelectionConfig{
			Strategy: "round_robin",
			Inner:    "round_robin",
			Window:   10,
		},
		Swarm: SwarmConfig{
			MaxRoundsPerTask: 10,
			MaxTotalRounds:   100,
		},
		GroupChat: GroupChatConfig{
			MaxRounds:          10,
			TerminationKeyword: "TERMINATE",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Observability: ObservabilityConfig{
			TraceExporter: "none",
			ServiceName:   "agentbus",
		},
	}
}

var (
	strategies = []string{"round_robin", "random", "manual", "constrained", "auto"}
	inners     = []string{"round_robin", "random", "manual"}
	levels     = []string{"debug", "info", "warn", "error"}
	formats    = []string{"text", "json"}
	exporters  = []string{"none", "stdout", "otlp"}
)

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	names := make(map[string]bool, len(c.Agents))
	for i, def := range c.Agents {
		switch {
		case def.Name == "":
			fail("agents[%d]: name is required", i)
		case names[def.Name]:
			fail("agents[%d]: duplicate agent name %q", i, def.Name)
		default:
			if _, err := ident.NewAgentID(def.Name, def.Key); err != nil {
				fail("agents[%d]: %v", i, err)
			}
			names[def.Name] = true
		}
		if def.Role == "" {
			fail("agents[%d]: role is required", i)
		}
	}

	sel := c.Selection
	if !slices.Contains(strategies, sel.Strategy) {
		fail("selection.strategy %q must be one of %s", sel.Strategy, strings.Join(strategies, ", "))
	}
	switch sel.Strategy {
	case "constrained":
		if len(sel.Allowed) == 0 {
			fail("selection.allowed must list at least one agent for the constrained strategy")
		}
		if !slices.Contains(inners, sel.Inner) {
			fail("selection.inner %q must be one of %s", sel.Inner, strings.Join(inners, ", "))
		}
	case "auto":
		if sel.Selector == "" {
			fail("selection.selector is required for the auto strategy")
		} else if !names[sel.Selector] {
			fail("selection.selector %q is not a configured agent", sel.Selector)
		}
	}
	for _, name := range sel.Allowed {
		if !names[name] {
			fail("selection.allowed: %q is not a configured agent", name)
		}
	}
	if sel.Window < 0 {
		fail("selection.window must not be negative")
	}

	if c.Swarm.MaxRoundsPerTask <= 0 {
		fail("swarm.max_rounds_per_task must be positive")
	}
	if c.Swarm.MaxTotalRounds <= 0 {
		fail("swarm.max_total_rounds must be positive")
	}
	if c.Swarm.EventsTopic != "" {
		if _, err := ident.ParseTopicID(c.Swarm.EventsTopic); err != nil {
			fail("swarm.events_topic: %v", err)
		}
	}
	if c.GroupChat.MaxRounds <= 0 {
		fail("group_chat.max_rounds must be positive")
	}

	if c.Runtime.ChannelBufferSize <= 0 {
		fail("runtime.channel_buffer_size must be positive")
	}
	if c.Runtime.RateLimit < 0 {
		fail("runtime.rate_limit must not be negative")
	}

	if !slices.Contains(levels, strings.ToLower(c.Logging.Level)) {
		fail("logging.level %q must be one of %s", c.Logging.Level, strings.Join(levels, ", "))
	}
	if !slices.Contains(formats, c.Logging.Format) {
		fail("logging.format %q must be one of %s", c.Logging.Format, strings.Join(formats, ", "))
	}
	if p := c.Observability.MetricsPort; p < 0 || p > 65535 {
		fail("observability.metrics_port %d out of range", p)
	}
	if !slices.Contains(exporters, c.Observability.TraceExporter) {
		fail("observability.trace_exporter %q must be one of %s", c.Observability.TraceExporter, strings.Join(exporters, ", "))
	}

	return errors.Join(errs...)
}

// ApplyEnv overrides settings from AGENTBUS_* environment variables
func (c *Config) ApplyEnv() error {
	if level := os.Getenv(EnvLogLevel); level != "" {
		c.Logging.Level = level
	}
	if port := os.Getenv(EnvMetricsPort); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMetricsPort, err)
		}
		c.Observability.MetricsPort = p
	}
	return nil
}

// Agent returns the definition with the given name
func (c *Config) Agent(name string) (agent.AgentDef, bool) {
	for _, def := range c.Agents {
		if def.Name == name {
			return def, true
		}
	}
	return agent.AgentDef{}, false
}

// NewLogger builds a slog logger writing to w in the configured format
func (l LoggingConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
