package runtime

import (
	"errors"

	"github.com/aixgo-dev/agentbus/internal/agent"
	"github.com/aixgo-dev/agentbus/internal/ident"
	"github.com/google/uuid"
)

// Subscription binds a topic to an agent address.
type Subscription struct {
	ID      string        `json:"id" yaml:"id"`
	TopicID ident.TopicID `json:"topic_id" yaml:"topic_id"`
	AgentID ident.AgentID `json:"agent_id" yaml:"agent_id"`

	// MessageType, when set, restricts delivery to messages of that type.
	MessageType string `json:"message_type,omitempty" yaml:"message_type,omitempty"`
}

// NewSubscription returns a subscription with a generated ID.
func NewSubscription(topic ident.TopicID, id ident.AgentID) Subscription {
	return Subscription{
		ID:      uuid.New().String(),
		TopicID: topic,
		AgentID: id,
	}
}

// ForType returns a copy restricted to messages of msgType.
func (s Subscription) ForType(msgType string) Subscription {
	s.MessageType = msgType
	return s
}

// Matches reports whether msg published on topic should reach this subscription.
func (s Subscription) Matches(topic ident.TopicID, msg *agent.Message) bool {
	if !s.TopicID.Equal(topic) {
		return false
	}
	if s.MessageType == "" {
		return true
	}
	return msg != nil && msg.Type == s.MessageType
}

// State is the transport-agnostic snapshot produced by SaveState.
// Agent blobs are keyed by the canonical "type/key" address.
type State struct {
	Agents        map[string]map[string]any `json:"agents" yaml:"agents"`
	Subscriptions []Subscription            `json:"subscriptions" yaml:"subscriptions"`
}

func isExists(err error) bool {
	return errors.Is(err, ErrSubscriptionExists)
}
