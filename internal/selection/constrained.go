package selection

import (
	"context"
	"slices"
	"sync"

	"github.com/aixgo-dev/agentbus/internal/agent"
)

// Constrained restricts an inner selector to an allow-set of agent names.
// The set may be changed between selections.
type Constrained struct {
	inner   Selector
	mu      sync.RWMutex
	allowed map[string]struct{}
}

// NewConstrained wraps inner (round-robin when nil) with an allow-set.
func NewConstrained(inner Selector, allowed ...string) *Constrained {
	if inner == nil {
		inner = NewRoundRobin()
	}
	c := &Constrained{inner: inner, allowed: make(map[string]struct{})}
	c.Allow(allowed...)
	return c
}

// Allow adds names to the allow-set
func (c *Constrained) Allow(names ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range names {
		c.allowed[n] = struct{}{}
	}
}

// Disallow removes names from the allow-set
func (c *Constrained) Disallow(names ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range names {
		delete(c.allowed, n)
	}
}

// SetAllowed replaces the allow-set
func (c *Constrained) SetAllowed(names ...string) {
	c.mu.Lock()
	c.allowed = make(map[string]struct{}, len(names))
	c.mu.Unlock()
	c.Allow(names...)
}

// Allowed returns the allow-set, sorted
func (c *Constrained) Allowed() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.allowed))
	for n := range c.allowed {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

// SelectSpeaker implements Selector
func (c *Constrained) SelectSpeaker(ctx context.Context, candidates []agent.Agent, history []*agent.Message, last agent.Agent) (agent.Agent, error) {
	return observe(ctx, StrategyConstrained, candidates, func(ctx context.Context) (agent.Agent, error) {
		if len(candidates) == 0 {
			return nil, ErrNoAgentsAvailable
		}

		c.mu.RLock()
		filtered := make([]agent.Agent, 0, len(candidates))
		for _, cand := range candidates {
			if _, ok := c.allowed[cand.Name()]; ok {
				filtered = append(filtered, cand)
			}
		}
		c.mu.RUnlock()

		if len(filtered) == 0 {
			return nil, ErrNoAllowedAgents
		}
		return c.inner.SelectSpeaker(ctx, filtered, history, last)
	})
}
