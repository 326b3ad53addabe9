// Package orchestration drives conversations among agents: a Swarm works
// through a list of tasks under round budgets, and a GroupChat lets a
// speaker-selection policy pick who talks next.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aixgo-dev/agentbus/internal/agent"
)

// ErrNotReady is returned by Run after the orchestrator has been stopped
var ErrNotReady = errors.New("orchestrator is not ready")

// Orchestrator is a named conversation pattern that turns one input
// message into one result.
type Orchestrator interface {
	Name() string

	// Pattern is "swarm" or "group_chat"
	Pattern() string

	Execute(ctx context.Context, input *agent.Message) (*agent.Message, error)

	// Start makes the orchestrator accept runs again after Stop
	Start(ctx context.Context) error

	// Stop rejects further runs with ErrNotReady
	Stop(ctx context.Context) error

	Ready() bool
}

var (
	_ Orchestrator = (*Swarm)(nil)
	_ Orchestrator = (*GroupChat)(nil)
)

// BaseOrchestrator holds the name, pattern and ready flag shared by orchestrators
type BaseOrchestrator struct {
	name    string
	pattern string

	mu    sync.RWMutex
	ready bool
}

// NewBaseOrchestrator returns a base that starts out ready
func NewBaseOrchestrator(name, pattern string) *BaseOrchestrator {
	return &BaseOrchestrator{name: name, pattern: pattern, ready: true}
}

func (b *BaseOrchestrator) Name() string    { return b.name }
func (b *BaseOrchestrator) Pattern() string { return b.pattern }

func (b *BaseOrchestrator) Ready() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ready
}

func (b *BaseOrchestrator) setReady(ready bool) {
	b.mu.Lock()
	b.ready = ready
	b.mu.Unlock()
}

func (b *BaseOrchestrator) Start(context.Context) error {
	b.setReady(true)
	return nil
}

func (b *BaseOrchestrator) Stop(context.Context) error {
	b.setReady(false)
	return nil
}

// checkReady is called at the top of every run.
func (b *BaseOrchestrator) checkReady() error {
	if !b.Ready() {
		return fmt.Errorf("%w: %s %s", ErrNotReady, b.pattern, b.name)
	}
	return nil
}
