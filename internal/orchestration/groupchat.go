package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aixgo-dev/agentbus/internal/agent"
	"github.com/aixgo-dev/agentbus/internal/observability"
	"github.com/aixgo-dev/agentbus/internal/selection"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Reasons a group chat stops.
const (
	StopTermination = "termination"
	StopMaxRounds   = "max_rounds"
)

// DefaultTerminationKeyword ends a group chat when a reply contains it.
const DefaultTerminationKeyword = "TERMINATE"

// ChatResult is the outcome of a group chat run
type ChatResult struct {
	Messages    []*agent.Message `json:"messages" yaml:"messages"`
	Rounds      int              `json:"rounds" yaml:"rounds"`
	StopReason  string           `json:"stop_reason" yaml:"stop_reason"`
	LastSpeaker string           `json:"last_speaker,omitempty" yaml:"last_speaker,omitempty"`
}

// GroupChat runs a shared conversation. Each round the selector picks a
// speaker, who replies to the whole transcript.
type GroupChat struct {
	*BaseOrchestrator
	agents             []agent.Agent
	selector           selection.Selector
	maxRounds          int
	terminationKeyword string
	logger             *slog.Logger
}

// GroupChatOption configures a GroupChat
type GroupChatOption func(*GroupChat)

// WithChatSelector sets the speaker-selection policy (round-robin by default)
func WithChatSelector(sel selection.Selector) GroupChatOption {
	return func(g *GroupChat) {
		if sel != nil {
			g.selector = sel
		}
	}
}

// WithMaxRounds caps the number of replies
func WithMaxRounds(n int) GroupChatOption {
	return func(g *GroupChat) {
		if n > 0 {
			g.maxRounds = n
		}
	}
}

// WithTerminationKeyword sets the keyword that ends the chat
func WithTerminationKeyword(keyword string) GroupChatOption {
	return func(g *GroupChat) {
		g.terminationKeyword = keyword
	}
}

// WithChatLogger sets the group chat logger
func WithChatLogger(logger *slog.Logger) GroupChatOption {
	return func(g *GroupChat) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGroupChat creates a group chat among agents
func NewGroupChat(name string, agents []agent.Agent, opts ...GroupChatOption) *GroupChat {
	g := &GroupChat{
		BaseOrchestrator:   NewBaseOrchestrator(name, "group_chat"),
		agents:             append([]agent.Agent(nil), agents...),
		selector:           selection.NewRoundRobin(),
		maxRounds:          10,
		terminationKeyword: DefaultTerminationKeyword,
		logger:             slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("group_chat", name)
	return g
}

// Run plays the conversation starting from initial. On error the partial
// transcript is still returned.
func (g *GroupChat) Run(ctx context.Context, initial *agent.Message) (*ChatResult, error) {
	if initial == nil {
		return nil, errors.New("group chat: nil initial message")
	}
	if err := g.checkReady(); err != nil {
		return nil, err
	}

	ctx, span := observability.StartSpanWithOtel(ctx, fmt.Sprintf("orchestration.group_chat.%s", g.name),
		trace.WithAttributes(
			attribute.String("orchestration.pattern", "group_chat"),
			attribute.Int("orchestration.agents", len(g.agents)),
			attribute.Int("orchestration.max_rounds", g.maxRounds),
		),
	)
	var err error
	defer func() { observability.EndSpan(span, err) }()

	res := &ChatResult{Messages: []*agent.Message{initial}, StopReason: StopMaxRounds}
	var last agent.Agent

	for res.Rounds < g.maxRounds {
		if err = ctx.Err(); err != nil {
			return res, err
		}

		var speaker agent.Agent
		speaker, err = g.selector.SelectSpeaker(ctx, g.agents, res.Messages, last)
		if err != nil {
			err = fmt.Errorf("speaker selection failed: %w", err)
			return res, err
		}

		var reply *agent.Message
		reply, err = speaker.GenerateReply(ctx, append([]*agent.Message(nil), res.Messages...), nil)
		if err != nil {
			err = fmt.Errorf("agent %s failed: %w", speaker.Name(), err)
			return res, err
		}
		if reply == nil {
			reply = agent.NewMessage(agent.TypeText, speaker.Name(), "")
		}
		if reply.Source == "" {
			reply.Source = speaker.Name()
		}

		res.Messages = append(res.Messages, reply)
		res.Rounds++
		res.LastSpeaker = speaker.Name()
		last = speaker
		g.logger.Debug("group chat turn", "round", res.Rounds, "speaker", speaker.Name())

		if g.terminates(reply) {
			res.StopReason = StopTermination
			break
		}
	}

	span.SetAttributes(
		attribute.Int("orchestration.rounds", res.Rounds),
		attribute.String("orchestration.stop_reason", res.StopReason),
	)
	return res, nil
}

// Execute runs a chat from input and returns the final message
func (g *GroupChat) Execute(ctx context.Context, input *agent.Message) (*agent.Message, error) {
	res, err := g.Run(ctx, input)
	if err != nil {
		return nil, err
	}
	return res.Messages[len(res.Messages)-1], nil
}

func (g *GroupChat) terminates(msg *agent.Message) bool {
	if g.terminationKeyword == "" {
		return false
	}
	return strings.Contains(strings.ToLower(msg.Content), strings.ToLower(g.terminationKeyword))
}
