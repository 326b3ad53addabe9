package runtime

import (
	"github.com/aixgo-dev/agentbus/internal/agent"
	"github.com/aixgo-dev/agentbus/internal/cancel"
	"github.com/aixgo-dev/agentbus/internal/ident"
	"github.com/google/uuid"
)

// SendOption configures a single SendMessage or PublishMessage call
type SendOption func(*sendOptions)

type sendOptions struct {
	sender    *ident.AgentID
	token     *cancel.Token
	messageID string
	history   []*agent.Message
}

// WithSender records the sending agent in the recipient's MessageContext
func WithSender(id ident.AgentID) SendOption {
	return func(o *sendOptions) {
		o.sender = &id
	}
}

// WithCancellationToken attaches a cooperative cancellation token
func WithCancellationToken(token *cancel.Token) SendOption {
	return func(o *sendOptions) {
		o.token = token
	}
}

// WithMessageID overrides the generated message ID
func WithMessageID(id string) SendOption {
	return func(o *sendOptions) {
		o.messageID = id
	}
}

// WithHistory carries the messages that preceded the one being sent.
// Repliers receive them ahead of it; handlers find them in MessageContext.History.
func WithHistory(messages []*agent.Message) SendOption {
	return func(o *sendOptions) {
		o.history = messages
	}
}

func applySendOptions(opts []SendOption) *sendOptions {
	o := &sendOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// cloneHistory copies the history so a queued delivery is unaffected by
// later changes to the caller's slice.
func (o *sendOptions) cloneHistory() []*agent.Message {
	if len(o.history) == 0 {
		return nil
	}
	out := make([]*agent.Message, 0, len(o.history))
	for _, m := range o.history {
		if m != nil {
			out = append(out, m.Clone())
		}
	}
	return out
}

func (o *sendOptions) messageIDOrNew() string {
	if o.messageID != "" {
		return o.messageID
	}
	return uuid.New().String()
}
