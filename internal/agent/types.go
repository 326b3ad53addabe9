package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/aixgo-dev/agentbus/internal/cancel"
	"github.com/aixgo-dev/agentbus/internal/ident"
	"github.com/google/uuid"
)

// Well-known message types.
const (
	TypeText  = "text"
	TypeTask  = "task"
	TypeAck   = "ack"
	TypeEvent = "event"
)

// Message is the unit exchanged between agents, both over the bus and
// inside orchestrated conversations.
type Message struct {
	// ID is unique per message; NewMessage fills it with a UUID.
	ID string `json:"id" yaml:"id"`

	// Type routes the message (see the Type* constants). Subscriptions
	// with a message type only receive matching messages.
	Type string `json:"type,omitempty" yaml:"type,omitempty"`

	// Source is the name of the speaker that produced the message.
	Source string `json:"source,omitempty" yaml:"source,omitempty"`

	Content   string         `json:"content" yaml:"content"`
	Timestamp string         `json:"timestamp,omitempty" yaml:"timestamp,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// NewMessage creates a message with a fresh ID and an RFC 3339 timestamp.
func NewMessage(msgType, source, content string) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Source:    source,
		Content:   content,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// WithMetadata sets a metadata key and returns m for chaining.
func (m *Message) WithMetadata(key string, value any) *Message {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	m.Metadata[key] = value
	return m
}

// GetMetadataString returns a string metadata value or def.
func (m *Message) GetMetadataString(key, def string) string {
	if m == nil || m.Metadata == nil {
		return def
	}
	if s, ok := m.Metadata[key].(string); ok {
		return s
	}
	return def
}

// Clone returns a copy with its own metadata map.
func (m *Message) Clone() *Message {
	clone := *m
	if m.Metadata != nil {
		clone.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

func (m *Message) String() string {
	return fmt.Sprintf("Message{ID:%s, Type:%s, Source:%s}", m.ID, m.Type, m.Source)
}

// MessageContext describes how a message reached a handler.
type MessageContext struct {
	// Sender is nil when the message was sent from outside any agent.
	Sender *ident.AgentID

	// Topic is set for messages delivered through a subscription.
	Topic *ident.TopicID

	MessageID string
	Token     *cancel.Token

	// History holds the conversation that preceded the message, oldest first.
	History []*Message

	// IsRPC is true for SendMessage deliveries, where the reply is
	// returned to the caller.
	IsRPC bool
}

// Handler is the primary bus contract: handle one message addressed to
// this agent and optionally produce a response.
type Handler interface {
	HandleMessage(ctx context.Context, msg *Message, mctx MessageContext) (*Message, error)
}

// Replier is the conversational contract consumed by orchestrators:
// given an ordered message list, produce one response.
type Replier interface {
	GenerateReply(ctx context.Context, messages []*Message, sender *ident.AgentID) (*Message, error)
}

// Agent is a named conversational participant.
type Agent interface {
	Name() string
	Replier
}

// Describer is implemented by agents that can describe themselves to a
// selector.
type Describer interface {
	Description() string
}

// Stateful is implemented by agents whose state can be saved into and
// restored from a runtime snapshot.
type Stateful interface {
	SaveState(ctx context.Context) (map[string]any, error)
	LoadState(ctx context.Context, state map[string]any) error
}

// Metadata is returned by the runtime for a registered agent.
type Metadata struct {
	Type        string `json:"type" yaml:"type"`
	Key         string `json:"key" yaml:"key"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Capability tags how the runtime delivers messages to an instance. It is
// computed once at registration.
type Capability int

const (
	// CapabilityAck instances expose no handler; the runtime acknowledges
	// deliveries on their behalf.
	CapabilityAck Capability = iota

	// CapabilityReplier instances receive the single message as a
	// one-element conversation.
	CapabilityReplier

	// CapabilityHandler instances implement Handler.
	CapabilityHandler
)

func (c Capability) String() string {
	switch c {
	case CapabilityHandler:
		return "handler"
	case CapabilityReplier:
		return "replier"
	default:
		return "ack"
	}
}

// CapabilityOf inspects an instance. Handler wins over Replier.
func CapabilityOf(instance any) Capability {
	switch instance.(type) {
	case Handler:
		return CapabilityHandler
	case Replier:
		return CapabilityReplier
	default:
		return CapabilityAck
	}
}

// Describe returns the instance's description or "".
func Describe(instance any) string {
	if d, ok := instance.(Describer); ok {
		return d.Description()
	}
	return ""
}
