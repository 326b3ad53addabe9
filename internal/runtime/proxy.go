package runtime

import (
	"context"
	"errors"

	"github.com/aixgo-dev/agentbus/internal/agent"
	"github.com/aixgo-dev/agentbus/internal/ident"
)

// Proxy is an agent.Agent that forwards GenerateReply to the agent at an
// address through the bus, so selectors and orchestrators can drive
// registered agents without holding their instances.
type Proxy struct {
	rt *LocalRuntime
	id ident.AgentID
}

// Proxy returns a handle for the agent at id.
func (r *LocalRuntime) Proxy(id ident.AgentID) *Proxy {
	return &Proxy{rt: r, id: id}
}

// Name returns the agent type, which is how orchestrators address speakers.
func (p *Proxy) Name() string { return p.id.Type }

// ID returns the proxied address.
func (p *Proxy) ID() ident.AgentID { return p.id }

// Description returns the proxied agent's description, or "" when it cannot be resolved.
func (p *Proxy) Description() string {
	md, err := p.rt.AgentMetadata(context.Background(), p.id)
	if err != nil {
		return ""
	}
	return md.Description
}

// GenerateReply sends the newest message to the proxied agent, with the
// messages before it as history.
func (p *Proxy) GenerateReply(ctx context.Context, messages []*agent.Message, sender *ident.AgentID) (*agent.Message, error) {
	if len(messages) == 0 {
		return nil, errors.New("proxy: no message to forward")
	}
	last := len(messages) - 1
	opts := []SendOption{WithHistory(messages[:last])}
	if sender != nil {
		opts = append(opts, WithSender(*sender))
	}
	reply, err := p.rt.SendMessage(ctx, messages[last], p.id, opts...)
	if err != nil {
		return nil, err
	}
	if reply == nil {
		reply = agent.NewMessage(agent.TypeText, p.id.Type, "")
	}
	return reply, nil
}
