package selection

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/aixgo-dev/agentbus/internal/agent"
)

// Random picks uniformly, avoiding an immediate repeat of the last speaker
// when there is anyone else to pick.
type Random struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandom creates a random selector. A zero seed draws one from the clock.
func NewRandom(seed uint64) *Random {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &Random{rng: rand.New(rand.NewPCG(seed, seed>>1|1))}
}

// SelectSpeaker implements Selector
func (r *Random) SelectSpeaker(ctx context.Context, candidates []agent.Agent, _ []*agent.Message, last agent.Agent) (agent.Agent, error) {
	return observe(ctx, StrategyRandom, candidates, func(context.Context) (agent.Agent, error) {
		if chosen, done, err := trivial(candidates); done {
			return chosen, err
		}

		pool := candidates
		if last != nil {
			others := make([]agent.Agent, 0, len(candidates))
			for _, c := range candidates {
				if !SameAgent(c, last) {
					others = append(others, c)
				}
			}
			if len(others) > 0 {
				pool = others
			}
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		return pool[r.rng.IntN(len(pool))], nil
	})
}
