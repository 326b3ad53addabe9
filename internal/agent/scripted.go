package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/aixgo-dev/agentbus/internal/ident"
)

func init() {
	Register("scripted", func(d AgentDef) (Agent, error) {
		if len(d.Replies) == 0 {
			return nil, fmt.Errorf("scripted agent %s needs at least one reply", d.Name)
		}
		return NewScripted(d.Name, d.Description, d.Replies...), nil
	})
	Register("echo", func(d AgentDef) (Agent, error) {
		return NewEcho(d.Name, d.Description), nil
	})
}

// Scripted replies with a fixed sequence, repeating the last entry once
// the sequence is exhausted. Its position survives SaveState/LoadState.
type Scripted struct {
	name        string
	description string
	replies     []string

	mu   sync.Mutex
	turn int
}

// NewScripted returns a scripted agent.
func NewScripted(name, description string, replies ...string) *Scripted {
	return &Scripted{name: name, description: description, replies: replies}
}

func (s *Scripted) Name() string        { return s.name }
func (s *Scripted) Description() string { return s.description }

// Turns reports how many replies have been produced.
func (s *Scripted) Turns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn
}

func (s *Scripted) GenerateReply(ctx context.Context, _ []*Message, _ *ident.AgentID) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	idx := s.turn
	if idx >= len(s.replies) {
		idx = len(s.replies) - 1
	}
	s.turn++
	s.mu.Unlock()
	return NewMessage(TypeText, s.name, s.replies[idx]), nil
}

func (s *Scripted) SaveState(context.Context) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{"turn": s.turn}, nil
}

func (s *Scripted) LoadState(_ context.Context, state map[string]any) error {
	turn, err := intValue(state["turn"])
	if err != nil {
		return fmt.Errorf("load %s state: %w", s.name, err)
	}
	s.mu.Lock()
	s.turn = turn
	s.mu.Unlock()
	return nil
}

// Echo repeats the content of the last message it was given.
type Echo struct {
	name        string
	description string
}

// NewEcho returns an echo agent.
func NewEcho(name, description string) *Echo {
	return &Echo{name: name, description: description}
}

func (e *Echo) Name() string        { return e.name }
func (e *Echo) Description() string { return e.description }

func (e *Echo) GenerateReply(_ context.Context, messages []*Message, _ *ident.AgentID) (*Message, error) {
	content := ""
	if n := len(messages); n > 0 && messages[n-1] != nil {
		content = messages[n-1].Content
	}
	return NewMessage(TypeText, e.name, content), nil
}

// ReplyFunc adapts a function to the Replier contract.
type ReplyFunc func(ctx context.Context, messages []*Message, sender *ident.AgentID) (*Message, error)

type funcAgent struct {
	name string
	fn   ReplyFunc
}

// NewFunc wraps fn as a named agent.
func NewFunc(name string, fn ReplyFunc) Agent {
	return &funcAgent{name: name, fn: fn}
}

func (f *funcAgent) Name() string { return f.name }

func (f *funcAgent) GenerateReply(ctx context.Context, messages []*Message, sender *ident.AgentID) (*Message, error) {
	return f.fn(ctx, messages, sender)
}

// intValue accepts the numeric shapes produced by JSON, YAML and Go maps.
func intValue(v any) (int, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("unexpected numeric type %T", v)
	}
}
