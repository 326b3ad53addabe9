package runtime

import (
	"context"
	"fmt"

	"github.com/aixgo-dev/agentbus/internal/agent"
	"github.com/aixgo-dev/agentbus/internal/ident"
)

// AgentMetadata describes the agent at id, instantiating it if a factory exists.
func (r *LocalRuntime) AgentMetadata(ctx context.Context, id ident.AgentID) (agent.Metadata, error) {
	reg, err := r.resolve(ctx, id, true)
	if err != nil {
		return agent.Metadata{}, err
	}
	return reg.metadata, nil
}

// AgentSaveState snapshots one agent. Agents that keep no state yield an empty map.
func (r *LocalRuntime) AgentSaveState(ctx context.Context, id ident.AgentID) (map[string]any, error) {
	reg, err := r.resolve(ctx, id, true)
	if err != nil {
		return nil, err
	}
	return saveFrom(ctx, reg)
}

// AgentLoadState restores one agent from a snapshot taken by AgentSaveState.
func (r *LocalRuntime) AgentLoadState(ctx context.Context, id ident.AgentID, state map[string]any) error {
	reg, err := r.resolve(ctx, id, true)
	if err != nil {
		return err
	}
	return loadInto(ctx, reg, state)
}

// SaveState snapshots every instantiated agent and the subscription table.
func (r *LocalRuntime) SaveState(ctx context.Context) (*State, error) {
	r.mu.RLock()
	regs := make([]*registration, 0, len(r.order))
	for _, id := range r.order {
		regs = append(regs, r.agents[id])
	}
	subs := append([]Subscription(nil), r.subscriptions...)
	r.mu.RUnlock()

	state := &State{
		Agents:        make(map[string]map[string]any, len(regs)),
		Subscriptions: subs,
	}
	for _, reg := range regs {
		blob, err := saveFrom(ctx, reg)
		if err != nil {
			return nil, fmt.Errorf("failed to save state for %s: %w", reg.id, err)
		}
		state.Agents[reg.id.String()] = blob
	}
	return state, nil
}

// LoadState restores a snapshot additively. Subscriptions whose ID is
// already present are kept as they are. Blobs for agents that are not yet
// instantiated are held and applied when the address is first registered
// or built by its factory.
func (r *LocalRuntime) LoadState(ctx context.Context, state *State) error {
	if state == nil {
		return nil
	}

	for _, sub := range state.Subscriptions {
		if _, err := r.AddSubscription(sub); err != nil && !isExists(err) {
			return err
		}
	}

	for key, blob := range state.Agents {
		id, err := ident.ParseAgentID(key)
		if err != nil {
			return fmt.Errorf("invalid agent address in state: %w", err)
		}

		r.mu.Lock()
		reg, ok := r.agents[id]
		if !ok {
			r.pendingState[id] = blob
		}
		r.mu.Unlock()

		if !ok {
			r.logger.Debug("state held for agent not yet instantiated", "agent", key)
			continue
		}
		if err := loadInto(ctx, reg, blob); err != nil {
			return fmt.Errorf("failed to load state for %s: %w", id, err)
		}
	}
	return nil
}

func saveFrom(ctx context.Context, reg *registration) (map[string]any, error) {
	stateful, ok := reg.instance.(agent.Stateful)
	if !ok {
		return map[string]any{}, nil
	}
	state, err := stateful.SaveState(ctx)
	if err != nil {
		return nil, err
	}
	if state == nil {
		state = map[string]any{}
	}
	return state, nil
}

func loadInto(ctx context.Context, reg *registration, state map[string]any) error {
	stateful, ok := reg.instance.(agent.Stateful)
	if !ok {
		return nil
	}
	return stateful.LoadState(ctx, state)
}
