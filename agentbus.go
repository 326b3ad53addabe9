// Package agentbus assembles a running agent bus from configuration: it
// builds the configured agents, registers them on a LocalRuntime and
// exposes the swarm and group chat orchestrators over proxies to them.
package agentbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/aixgo-dev/agentbus/internal/agent"
	"github.com/aixgo-dev/agentbus/internal/ident"
	"github.com/aixgo-dev/agentbus/internal/observability"
	"github.com/aixgo-dev/agentbus/internal/orchestration"
	"github.com/aixgo-dev/agentbus/internal/runtime"
	"github.com/aixgo-dev/agentbus/internal/selection"
	"github.com/aixgo-dev/agentbus/pkg/config"
	"gopkg.in/yaml.v3"
)

// Version is reported by the CLI and the health endpoint.
var Version = "dev"

// System is a started runtime with the configured agents registered on it.
type System struct {
	cfg     *config.Config
	logger  *slog.Logger
	rt      *runtime.LocalRuntime
	prompt  selection.PromptFunc
	agents  []agent.Agent
	proxies map[string]*runtime.Proxy
}

type options struct {
	registry agent.Registry
	prompt   selection.PromptFunc
	logger   *slog.Logger
	extra    []agent.Agent
}

// Option configures New
type Option func(*options)

// WithRegistry builds agents from registry instead of the default one
func WithRegistry(r agent.Registry) Option {
	return func(o *options) {
		o.registry = r
	}
}

// WithPrompt sets the operator prompt used by the manual strategy
func WithPrompt(fn selection.PromptFunc) Option {
	return func(o *options) {
		o.prompt = fn
	}
}

// WithLogger overrides the logger built from the logging section
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithAgents registers extra agents after the configured ones
func WithAgents(agents ...agent.Agent) Option {
	return func(o *options) {
		o.extra = append(o.extra, agents...)
	}
}

// Load reads a configuration file and builds a System from it
func Load(ctx context.Context, path string, opts ...Option) (*System, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg, opts...)
}

// New starts a runtime for cfg and registers every configured agent on it.
// Agents are addressed as name/key.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*System, error) {
	if cfg == nil {
		return nil, errors.New("agentbus: nil config")
	}
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	logger := o.logger
	if logger == nil {
		var err error
		if logger, err = cfg.Logging.NewLogger(os.Stderr); err != nil {
			return nil, err
		}
	}

	rt := runtime.NewLocalRuntime(
		runtime.WithChannelBufferSize(cfg.Runtime.ChannelBufferSize),
		runtime.WithRateLimit(cfg.Runtime.RateLimit, cfg.Runtime.RateBurst),
		runtime.WithMetrics(cfg.Runtime.EnableMetrics),
		runtime.WithLogger(logger),
	)
	if err := rt.Start(ctx); err != nil {
		return nil, err
	}

	s := &System{
		cfg:     cfg,
		logger:  logger,
		rt:      rt,
		prompt:  o.prompt,
		proxies: make(map[string]*runtime.Proxy),
	}

	register := func(a agent.Agent, key string) error {
		id, err := ident.NewAgentID(a.Name(), key)
		if err != nil {
			return err
		}
		if err := rt.RegisterAgentInstance(ctx, a, id); err != nil {
			return fmt.Errorf("failed to register agent %s: %w", a.Name(), err)
		}
		p := rt.Proxy(id)
		s.proxies[a.Name()] = p
		s.agents = append(s.agents, p)
		logger.Debug("agent registered", "agent", id.String())
		return nil
	}

	for _, def := range cfg.Agents {
		var (
			a   agent.Agent
			err error
		)
		if o.registry != nil {
			a, err = agent.CreateAgentWithRegistry(def, o.registry)
		} else {
			a, err = agent.CreateAgent(def)
		}
		if err == nil {
			err = register(a, def.Key)
		}
		if err != nil {
			_ = rt.Stop(context.WithoutCancel(ctx))
			return nil, fmt.Errorf("failed to create agent %s: %w", def.Name, err)
		}
	}
	for _, a := range o.extra {
		if err := register(a, ""); err != nil {
			_ = rt.Stop(context.WithoutCancel(ctx))
			return nil, err
		}
	}

	logger.Info("agent bus started", "agents", len(s.agents), "strategy", cfg.Selection.Strategy)
	return s, nil
}

// Runtime returns the underlying bus
func (s *System) Runtime() *runtime.LocalRuntime { return s.rt }

// Config returns the configuration the system was built from
func (s *System) Config() *config.Config { return s.cfg }

// Agent returns the proxy for the named agent
func (s *System) Agent(name string) (*runtime.Proxy, bool) {
	p, ok := s.proxies[name]
	return p, ok
}

// Participants returns proxies for every agent that takes turns. Under the
// auto strategy the selector agent only chooses speakers and is excluded.
func (s *System) Participants() []agent.Agent {
	out := make([]agent.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		if s.cfg.Selection.Strategy == selection.StrategyAuto && a.Name() == s.cfg.Selection.Selector {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Selector builds a fresh selector for the configured strategy
func (s *System) Selector() (selection.Selector, error) {
	sc := s.cfg.Selection
	switch sc.Strategy {
	case selection.StrategyConstrained:
		inner, err := s.basicSelector(sc.Inner)
		if err != nil {
			return nil, err
		}
		return selection.NewConstrained(inner, sc.Allowed...), nil
	case selection.StrategyAuto:
		judge, ok := s.proxies[sc.Selector]
		if !ok {
			return nil, fmt.Errorf("%w: %s", selection.ErrAgentNotFound, sc.Selector)
		}
		opts := []selection.AutoOption{
			selection.WithWindow(sc.Window),
			selection.WithLogger(s.logger),
		}
		if sc.FullHistory {
			opts = append(opts, selection.WithFullHistory())
		}
		return selection.NewAuto(judge, opts...), nil
	default:
		return s.basicSelector(sc.Strategy)
	}
}

func (s *System) basicSelector(strategy string) (selection.Selector, error) {
	switch strategy {
	case selection.StrategyRoundRobin, "":
		return selection.NewRoundRobin(), nil
	case selection.StrategyRandom:
		return selection.NewRandom(s.cfg.Selection.Seed), nil
	case selection.StrategyManual:
		var opts []selection.ManualOption
		if s.prompt != nil {
			opts = append(opts, selection.WithPrompt(s.prompt))
		}
		return selection.NewManual(opts...), nil
	default:
		return nil, fmt.Errorf("unknown selection strategy %q", strategy)
	}
}

// Swarm builds a swarm over the participants. Lifecycle events are
// published when swarm.events_topic is set.
func (s *System) Swarm(name string) (*orchestration.Swarm, error) {
	sel, err := s.Selector()
	if err != nil {
		return nil, err
	}
	sc := s.cfg.Swarm
	opts := []orchestration.SwarmOption{
		orchestration.WithSelector(sel),
		orchestration.WithMaxRoundsPerTask(sc.MaxRoundsPerTask),
		orchestration.WithMaxTotalRounds(sc.MaxTotalRounds),
		orchestration.WithDynamicMembership(sc.DynamicMembership),
		orchestration.WithSwarmLogger(s.logger),
	}
	if sc.EventsTopic != "" {
		topic, err := ident.ParseTopicID(sc.EventsTopic)
		if err != nil {
			return nil, err
		}
		opts = append(opts, orchestration.WithEvents(s.rt, topic))
	}
	return orchestration.NewSwarm(name, s.Participants(), opts...), nil
}

// GroupChat builds a group chat over the participants
func (s *System) GroupChat(name string) (*orchestration.GroupChat, error) {
	sel, err := s.Selector()
	if err != nil {
		return nil, err
	}
	gc := s.cfg.GroupChat
	return orchestration.NewGroupChat(name, s.Participants(),
		orchestration.WithChatSelector(sel),
		orchestration.WithMaxRounds(gc.MaxRounds),
		orchestration.WithTerminationKeyword(gc.TerminationKeyword),
		orchestration.WithChatLogger(s.logger),
	), nil
}

// RunTasks runs descriptions through a swarm and waits for published
// events to be delivered.
func (s *System) RunTasks(ctx context.Context, descriptions []string) (*orchestration.SwarmResult, error) {
	sw, err := s.Swarm("swarm")
	if err != nil {
		return nil, err
	}
	res, err := sw.Run(ctx, descriptions)
	if idleErr := s.rt.WaitIdle(ctx); idleErr != nil && err == nil {
		err = idleErr
	}
	return res, err
}

// Chat runs a group chat seeded with prompt
func (s *System) Chat(ctx context.Context, prompt string) (*orchestration.ChatResult, error) {
	gc, err := s.GroupChat("chat")
	if err != nil {
		return nil, err
	}
	return gc.Run(ctx, agent.NewMessage(agent.TypeText, "user", prompt))
}

// SaveState writes a YAML snapshot of the runtime to w
func (s *System) SaveState(ctx context.Context, w io.Writer) error {
	state, err := s.rt.SaveState(ctx)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(state); err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	return enc.Close()
}

// LoadState restores a YAML snapshot written by SaveState
func (s *System) LoadState(ctx context.Context, r io.Reader) error {
	var state runtime.State
	if err := yaml.NewDecoder(r).Decode(&state); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("failed to decode state: %w", err)
	}
	return s.rt.LoadState(ctx, &state)
}

// Close stops the runtime
func (s *System) Close(ctx context.Context) error {
	return s.rt.Stop(ctx)
}

// InitTracing installs the tracer provider described by cfg
func InitTracing(cfg config.ObservabilityConfig, logger *slog.Logger) error {
	return observability.Init(observability.Config{
		ServiceName:  cfg.ServiceName,
		Enabled:      cfg.TraceExporter != "" && cfg.TraceExporter != "none",
		ExporterType: cfg.TraceExporter,
		OTLPEndpoint: cfg.OTLPEndpoint,
		Logger:       logger,
	})
}
