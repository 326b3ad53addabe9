// Package runtime implements the in-process agent message bus.
//
// LocalRuntime owns an agent registry (concrete instances and lazy
// factories keyed by agent type), a subscription table, and one ordered
// mailbox per recipient. SendMessage is request/response; PublishMessage
// fans a message out to every subscriber of a topic without a response.
package runtime

import (
	"errors"
	"log/slog"
)

var (
	// ErrAgentNotFound is returned when an address resolves to no instance and no factory
	ErrAgentNotFound = errors.New("agent not found")

	// ErrAgentAlreadyRegistered is returned when trying to register an agent with a duplicate address
	ErrAgentAlreadyRegistered = errors.New("agent already registered")

	// ErrFactoryAlreadyRegistered is returned when a type already has a factory
	ErrFactoryAlreadyRegistered = errors.New("agent factory already registered")

	// ErrSubscriptionNotFound is returned when removing an unknown subscription
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrSubscriptionExists is returned when adding a subscription whose ID is taken
	ErrSubscriptionExists = errors.New("subscription already exists")

	// ErrReentrantSend is returned when a handler sends a request to an agent
	// that is itself waiting, directly or transitively, on that handler
	ErrReentrantSend = errors.New("request would wait on a busy agent")

	// ErrRuntimeNotStarted is returned when trying to use a runtime that hasn't been started
	ErrRuntimeNotStarted = errors.New("runtime not started")

	// ErrRuntimeAlreadyStarted is returned when trying to start an already running runtime
	ErrRuntimeAlreadyStarted = errors.New("runtime already started")

	// ErrRuntimeStopped is returned for deliveries abandoned by Stop
	ErrRuntimeStopped = errors.New("runtime stopped")
)

// RuntimeConfig contains configuration options for creating a runtime
type RuntimeConfig struct {
	// ChannelBufferSize is the mailbox backlog above which the runtime
	// logs a warning. Mailboxes themselves are unbounded.
	// Default: 100
	ChannelBufferSize int

	// RateLimit caps send and publish admissions per second (0 = unlimited).
	RateLimit float64

	// RateBurst is the burst size used with RateLimit.
	// Default: 1
	RateBurst int

	// EnableMetrics enables Prometheus metrics and span timing attributes
	// Default: true
	EnableMetrics bool

	// Logger receives runtime diagnostics.
	// Default: slog.Default()
	Logger *slog.Logger
}

// DefaultConfig returns a RuntimeConfig with sensible defaults
func DefaultConfig() *RuntimeConfig {
	return &RuntimeConfig{
		ChannelBufferSize: 100,
		RateBurst:         1,
		EnableMetrics:     true,
		Logger:            slog.Default(),
	}
}

// Option is a functional option for configuring a runtime
type Option func(*RuntimeConfig)

// WithChannelBufferSize sets the mailbox backlog warning threshold
func WithChannelBufferSize(size int) Option {
	return func(cfg *RuntimeConfig) {
		cfg.ChannelBufferSize = size
	}
}

// WithRateLimit limits send/publish admissions to rps with the given burst
func WithRateLimit(rps float64, burst int) Option {
	return func(cfg *RuntimeConfig) {
		cfg.RateLimit = rps
		cfg.RateBurst = burst
	}
}

// WithMetrics enables or disables metrics collection
func WithMetrics(enabled bool) Option {
	return func(cfg *RuntimeConfig) {
		cfg.EnableMetrics = enabled
	}
}

// WithLogger sets the runtime logger
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *RuntimeConfig) {
		if logger != nil {
			cfg.Logger = logger
		}
	}
}
