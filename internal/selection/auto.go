package selection

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aixgo-dev/agentbus/internal/agent"
)

// DefaultWindow is how many recent messages Auto shows the selector agent.
const DefaultWindow = 10

// Auto delegates the choice to a selector agent, typically one backed by a
// language model. Selection never fails because of the selector: errors
// and unrecognised answers fall back to the first candidate.
type Auto struct {
	selector    agent.Agent
	window      int
	fullHistory bool
	logger      *slog.Logger
}

// AutoOption configures an Auto selector
type AutoOption func(*Auto)

// WithWindow sets how many recent messages are included in the prompt
func WithWindow(n int) AutoOption {
	return func(a *Auto) {
		if n > 0 {
			a.window = n
		}
	}
}

// WithFullHistory includes the whole history instead of a window
func WithFullHistory() AutoOption {
	return func(a *Auto) {
		a.fullHistory = true
	}
}

// WithLogger sets the logger used for fallback warnings
func WithLogger(logger *slog.Logger) AutoOption {
	return func(a *Auto) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewAuto creates a selector that asks selector who should speak next.
// A nil selector always falls back to the first candidate.
func NewAuto(selector agent.Agent, opts ...AutoOption) *Auto {
	a := &Auto{
		selector: selector,
		window:   DefaultWindow,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SelectSpeaker implements Selector
func (a *Auto) SelectSpeaker(ctx context.Context, candidates []agent.Agent, history []*agent.Message, _ agent.Agent) (agent.Agent, error) {
	return observe(ctx, StrategyAuto, candidates, func(ctx context.Context) (agent.Agent, error) {
		if chosen, done, err := trivial(candidates); done {
			return chosen, err
		}

		if a.selector == nil {
			a.logger.Warn("no speaker selector configured, using first candidate", "fallback", candidates[0].Name())
			return candidates[0], nil
		}

		reply, err := a.ask(ctx, candidates, history)
		if err != nil {
			a.logger.Warn("speaker selector failed, using first candidate",
				"selector", a.selector.Name(), "fallback", candidates[0].Name(), "error", err)
			return candidates[0], nil
		}

		answer := ""
		if reply != nil {
			answer = reply.Content
		}
		if chosen, ok := MatchName(candidates, answer); ok {
			return chosen, nil
		}
		a.logger.Warn("speaker selector named no candidate, using first candidate",
			"selector", a.selector.Name(), "answer", answer, "fallback", candidates[0].Name())
		return candidates[0], nil
	})
}

// ask turns a panicking selector into an error.
func (a *Auto) ask(ctx context.Context, candidates []agent.Agent, history []*agent.Message) (reply *agent.Message, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("selector panicked: %v", p)
		}
	}()
	prompt := agent.NewMessage(agent.TypeText, "selector", a.buildPrompt(candidates, history))
	return a.selector.GenerateReply(ctx, []*agent.Message{prompt}, nil)
}

func (a *Auto) buildPrompt(candidates []agent.Agent, history []*agent.Message) string {
	var b strings.Builder
	b.WriteString("You are coordinating a conversation. Available participants:\n")
	for _, c := range candidates {
		if desc := agent.Describe(c); desc != "" {
			fmt.Fprintf(&b, "- %s: %s\n", c.Name(), desc)
		} else {
			fmt.Fprintf(&b, "- %s\n", c.Name())
		}
	}

	recent := history
	if !a.fullHistory && len(recent) > a.window {
		recent = recent[len(recent)-a.window:]
	}
	if len(recent) > 0 {
		b.WriteString("\nConversation so far:\n")
		for _, m := range recent {
			fmt.Fprintf(&b, "%s: %s\n", m.Source, m.Content)
		}
	}

	fmt.Fprintf(&b, "\nReply with only the name of the next speaker, one of: %s.", strings.Join(Names(candidates), ", "))
	return b.String()
}

// MatchName resolves a free-form answer to a candidate: an exact name
// match first, then a candidate whose name contains the answer or is
// contained in it. Comparisons ignore case.
func MatchName(candidates []agent.Agent, answer string) (agent.Agent, bool) {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return nil, false
	}
	if chosen, ok := FindByName(candidates, answer); ok {
		return chosen, true
	}

	lower := strings.ToLower(answer)
	for _, c := range candidates {
		name := strings.ToLower(c.Name())
		if strings.Contains(lower, name) || strings.Contains(name, lower) {
			return c, true
		}
	}
	return nil, false
}
