package selection

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/aixgo-dev/agentbus/internal/agent"
)

// PromptFunc asks an operator for the next speaker's name.
type PromptFunc func(ctx context.Context, candidates []agent.Agent) (string, error)

// Manual picks the speaker named by SetNext. The primed name is used for
// one selection only; with nothing primed it asks its PromptFunc, if any,
// and otherwise picks the first candidate.
type Manual struct {
	mu     sync.Mutex
	next   string
	prompt PromptFunc
}

// ManualOption configures a Manual selector
type ManualOption func(*Manual)

// WithPrompt installs an interactive fallback used when nothing is primed.
func WithPrompt(fn PromptFunc) ManualOption {
	return func(m *Manual) {
		m.prompt = fn
	}
}

// NewManual creates a manual selector
func NewManual(opts ...ManualOption) *Manual {
	m := &Manual{}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetNext primes the name returned by the next selection.
func (m *Manual) SetNext(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next = strings.TrimSpace(name)
}

// SelectSpeaker implements Selector
func (m *Manual) SelectSpeaker(ctx context.Context, candidates []agent.Agent, _ []*agent.Message, _ agent.Agent) (agent.Agent, error) {
	return observe(ctx, StrategyManual, candidates, func(ctx context.Context) (agent.Agent, error) {
		if chosen, done, err := trivial(candidates); done {
			return chosen, err
		}

		m.mu.Lock()
		name := m.next
		m.next = ""
		prompt := m.prompt
		m.mu.Unlock()

		if name == "" && prompt != nil {
			answer, err := prompt(ctx, candidates)
			if err != nil {
				return nil, fmt.Errorf("manual selection prompt: %w", err)
			}
			name = strings.TrimSpace(answer)
		}
		if name == "" {
			return candidates[0], nil
		}

		chosen, ok := FindByName(candidates, name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, name)
		}
		return chosen, nil
	})
}
