package agent

import (
	"context"
	"testing"

	"github.com/aixgo-dev/agentbus/internal/ident"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handlerOnly struct{}

func (handlerOnly) HandleMessage(context.Context, *Message, MessageContext) (*Message, error) {
	return nil, nil
}

type both struct{ handlerOnly }

func (both) GenerateReply(context.Context, []*Message, *ident.AgentID) (*Message, error) {
	return nil, nil
}

func TestCapabilityOf(t *testing.T) {
	tests := []struct {
		name     string
		instance any
		want     Capability
	}{
		{"handler", handlerOnly{}, CapabilityHandler},
		{"handler wins over replier", both{}, CapabilityHandler},
		{"replier", NewEcho("echo", ""), CapabilityReplier},
		{"plain value", struct{}{}, CapabilityAck},
		{"nil", nil, CapabilityAck},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CapabilityOf(tt.instance))
		})
	}
}

func TestNewMessage(t *testing.T) {
	m := NewMessage(TypeText, "writer", "hello")
	assert.NotEmpty(t, m.ID)
	assert.NotEmpty(t, m.Timestamp)
	assert.Equal(t, "writer", m.Source)

	other := NewMessage(TypeText, "writer", "hello")
	assert.NotEqual(t, m.ID, other.ID)
}

func TestMessage_CloneIsolatesMetadata(t *testing.T) {
	m := NewMessage(TypeText, "a", "b").WithMetadata("k", "v")
	clone := m.Clone()
	clone.Metadata["k"] = "changed"

	assert.Equal(t, "v", m.GetMetadataString("k", ""))
	assert.Equal(t, "changed", clone.GetMetadataString("k", ""))
	assert.Equal(t, "fallback", m.GetMetadataString("missing", "fallback"))
}

func TestScripted_RepliesInOrderThenRepeatsLast(t *testing.T) {
	ctx := context.Background()
	s := NewScripted("writer", "writes", "one", "two")

	var got []string
	for i := 0; i < 3; i++ {
		reply, err := s.GenerateReply(ctx, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, "writer", reply.Source)
		got = append(got, reply.Content)
	}
	assert.Equal(t, []string{"one", "two", "two"}, got)
	assert.Equal(t, 3, s.Turns())
}

func TestScripted_StateRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewScripted("writer", "", "one", "two", "three")
	_, _ = s.GenerateReply(ctx, nil, nil)

	state, err := s.SaveState(ctx)
	require.NoError(t, err)

	restored := NewScripted("writer", "", "one", "two", "three")
	require.NoError(t, restored.LoadState(ctx, map[string]any{"turn": float64(1)}))
	require.NoError(t, restored.LoadState(ctx, state))

	reply, err := restored.GenerateReply(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "two", reply.Content)
}

func TestEcho(t *testing.T) {
	e := NewEcho("parrot", "")
	reply, err := e.GenerateReply(context.Background(), []*Message{
		NewMessage(TypeText, "user", "first"),
		NewMessage(TypeText, "user", "second"),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "second", reply.Content)
	assert.Equal(t, "parrot", reply.Source)
}

func TestCreateAgentWithRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.Register("echo", func(d AgentDef) (Agent, error) { return NewEcho(d.Name, d.Description), nil })

	a, err := CreateAgentWithRegistry(AgentDef{Name: "e", Role: "echo"}, reg)
	require.NoError(t, err)
	assert.Equal(t, "e", a.Name())

	_, err = CreateAgentWithRegistry(AgentDef{Name: "x", Role: "unknown"}, reg)
	assert.ErrorContains(t, err, "unknown role")

	_, err = CreateAgentWithRegistry(AgentDef{Role: "echo"}, reg)
	assert.Error(t, err)

	assert.Equal(t, []string{"echo"}, reg.Roles())
}

func TestDefaultRegistry_BuiltinRoles(t *testing.T) {
	_, err := CreateAgent(AgentDef{Name: "s", Role: "scripted"})
	assert.Error(t, err, "scripted agents need replies")

	a, err := CreateAgent(AgentDef{Name: "s", Role: "scripted", Replies: []string{"hi"}})
	require.NoError(t, err)
	assert.Equal(t, "s", a.Name())
}
