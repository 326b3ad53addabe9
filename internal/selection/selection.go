// Package selection implements speaker-selection policies: given the
// candidates of a conversation, its history and the previous speaker, a
// Selector decides who acts next.
package selection

import (
	"context"
	"errors"
	"strings"

	"github.com/aixgo-dev/agentbus/internal/agent"
	"github.com/aixgo-dev/agentbus/internal/ident"
	"github.com/aixgo-dev/agentbus/internal/observability"
	metrics "github.com/aixgo-dev/agentbus/pkg/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrAgentNotFound is returned when a requested speaker is not a candidate
	ErrAgentNotFound = errors.New("agent not found among candidates")

	// ErrNoAgentsAvailable is returned for an empty candidate set
	ErrNoAgentsAvailable = errors.New("no agents available for selection")

	// ErrNoAllowedAgents is returned when an allow-set filters out every candidate
	ErrNoAllowedAgents = errors.New("no allowed agents available")
)

// Strategy names as used in configuration.
const (
	StrategyRoundRobin  = "round_robin"
	StrategyRandom      = "random"
	StrategyManual      = "manual"
	StrategyConstrained = "constrained"
	StrategyAuto        = "auto"
)

// Selector chooses the next speaker. last is nil for the first turn.
type Selector interface {
	SelectSpeaker(ctx context.Context, candidates []agent.Agent, history []*agent.Message, last agent.Agent) (agent.Agent, error)
}

// addressed is implemented by agents bound to a bus address, such as runtime proxies.
type addressed interface {
	ID() ident.AgentID
}

// SameAgent reports whether a and b denote the same agent: by bus address
// when both have one, otherwise by name.
func SameAgent(a, b agent.Agent) bool {
	if a == nil || b == nil {
		return false
	}
	aa, aok := a.(addressed)
	ba, bok := b.(addressed)
	if aok && bok {
		return aa.ID().Equal(ba.ID())
	}
	return a.Name() == b.Name()
}

// IndexOf returns the position of target in candidates, or -1.
func IndexOf(candidates []agent.Agent, target agent.Agent) int {
	for i, c := range candidates {
		if SameAgent(c, target) {
			return i
		}
	}
	return -1
}

// FindByName returns the candidate whose name equals name, ignoring case.
func FindByName(candidates []agent.Agent, name string) (agent.Agent, bool) {
	for _, c := range candidates {
		if strings.EqualFold(c.Name(), name) {
			return c, true
		}
	}
	return nil, false
}

// Names lists candidate names in order.
func Names(candidates []agent.Agent) []string {
	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = c.Name()
	}
	return names
}

// trivial handles the cases every strategy shares: no candidates is an
// error and a single candidate is chosen without consulting the strategy.
func trivial(candidates []agent.Agent) (agent.Agent, bool, error) {
	switch len(candidates) {
	case 0:
		return nil, true, ErrNoAgentsAvailable
	case 1:
		return candidates[0], true, nil
	}
	return nil, false, nil
}

// observe wraps a selection in a span and records its outcome.
func observe(ctx context.Context, strategy string, candidates []agent.Agent, fn func(context.Context) (agent.Agent, error)) (agent.Agent, error) {
	ctx, span := observability.StartSpanWithOtel(ctx, "selection."+strategy,
		trace.WithAttributes(
			attribute.String("selection.strategy", strategy),
			attribute.Int("selection.candidates", len(candidates)),
		),
	)

	chosen, err := fn(ctx)
	status := "ok"
	if err != nil {
		status = "error"
	} else {
		span.SetAttributes(attribute.String("selection.chosen", chosen.Name()))
	}
	observability.EndSpan(span, err)
	metrics.RecordSelection(strategy, status)
	return chosen, err
}
