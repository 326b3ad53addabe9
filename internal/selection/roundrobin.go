package selection

import (
	"context"

	"github.com/aixgo-dev/agentbus/internal/agent"
)

// RoundRobin picks the candidate after the last speaker, wrapping around.
// It keeps no state of its own, so the rotation follows whatever last
// speaker the caller reports.
type RoundRobin struct{}

// NewRoundRobin creates a round-robin selector
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

// SelectSpeaker implements Selector
func (r *RoundRobin) SelectSpeaker(ctx context.Context, candidates []agent.Agent, _ []*agent.Message, last agent.Agent) (agent.Agent, error) {
	return observe(ctx, StrategyRoundRobin, candidates, func(context.Context) (agent.Agent, error) {
		if chosen, done, err := trivial(candidates); done {
			return chosen, err
		}
		if last == nil {
			return candidates[0], nil
		}
		idx := IndexOf(candidates, last)
		// A last speaker that is no longer a candidate restarts the rotation.
		return candidates[(idx+1)%len(candidates)], nil
	})
}
