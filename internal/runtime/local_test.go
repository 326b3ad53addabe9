package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aixgo-dev/agentbus/internal/agent"
	"github.com/aixgo-dev/agentbus/internal/cancel"
	"github.com/aixgo-dev/agentbus/internal/ident"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handlerFunc func(ctx context.Context, msg *agent.Message, mctx agent.MessageContext) (*agent.Message, error)

func (f handlerFunc) HandleMessage(ctx context.Context, msg *agent.Message, mctx agent.MessageContext) (*agent.Message, error) {
	return f(ctx, msg, mctx)
}

type recorder struct {
	mu       sync.Mutex
	received []*agent.Message
	contexts []agent.MessageContext
	err      error
}

func (r *recorder) HandleMessage(_ context.Context, msg *agent.Message, mctx agent.MessageContext) (*agent.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, msg)
	r.contexts = append(r.contexts, mctx)
	if r.err != nil {
		return nil, r.err
	}
	return agent.NewMessage(agent.TypeText, "recorder", "re: "+msg.Content), nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.received)
}

func (r *recorder) contents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.received))
	for _, m := range r.received {
		out = append(out, m.Content)
	}
	return out
}

type silent struct{}

func newTestRuntime(t *testing.T, opts ...Option) *LocalRuntime {
	t.Helper()
	opts = append([]Option{
		WithMetrics(false),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	rt := NewLocalRuntime(opts...)
	require.NoError(t, rt.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = rt.Stop(ctx)
	})
	return rt
}

func text(content string) *agent.Message {
	return agent.NewMessage(agent.TypeText, "test", content)
}

func TestLocalRuntime_Lifecycle(t *testing.T) {
	rt := NewLocalRuntime(WithMetrics(false))

	_, err := rt.SendMessage(context.Background(), text("hi"), ident.MustAgentID("a", ""))
	assert.ErrorIs(t, err, ErrRuntimeNotStarted)
	assert.ErrorIs(t, rt.PublishMessage(context.Background(), text("hi"), ident.MustTopicID("t", "s")), ErrRuntimeNotStarted)
	assert.ErrorIs(t, rt.Stop(context.Background()), ErrRuntimeNotStarted)

	require.NoError(t, rt.Start(context.Background()))
	assert.ErrorIs(t, rt.Start(context.Background()), ErrRuntimeAlreadyStarted)
	require.NoError(t, rt.Stop(context.Background()))

	// Restart after stop
	require.NoError(t, rt.Start(context.Background()))
	require.NoError(t, rt.RegisterAgentInstance(context.Background(), &recorder{}, ident.MustAgentID("a", "")))
	_, err = rt.SendMessage(context.Background(), text("hi"), ident.MustAgentID("a", ""))
	assert.NoError(t, err)
	require.NoError(t, rt.Stop(context.Background()))
}

func TestLocalRuntime_RegisterDuplicate(t *testing.T) {
	rt := newTestRuntime(t)
	id := ident.MustAgentID("writer", "")

	require.NoError(t, rt.RegisterAgentInstance(context.Background(), &recorder{}, id))
	err := rt.RegisterAgentInstance(context.Background(), &recorder{}, id)
	assert.ErrorIs(t, err, ErrAgentAlreadyRegistered)

	// Same type, different key is a different address.
	assert.NoError(t, rt.RegisterAgentInstance(context.Background(), &recorder{}, ident.MustAgentID("writer", "b")))
	assert.Equal(t, []ident.AgentID{id, ident.MustAgentID("writer", "b")}, rt.List())

	assert.Error(t, rt.RegisterAgentInstance(context.Background(), nil, ident.MustAgentID("x", "")))
	assert.ErrorIs(t, rt.RegisterAgentInstance(context.Background(), &recorder{}, ident.AgentID{Type: "bad type", Key: "k"}), ident.ErrInvalidType)
}

func TestLocalRuntime_RegisterFactoryDuplicate(t *testing.T) {
	rt := newTestRuntime(t)
	f := func(context.Context, ident.AgentID) (any, error) { return &recorder{}, nil }

	require.NoError(t, rt.RegisterFactory("worker", f))
	assert.ErrorIs(t, rt.RegisterFactory("worker", f), ErrFactoryAlreadyRegistered)
	assert.Error(t, rt.RegisterFactory("worker", nil))
}

func TestLocalRuntime_SendUnknownRecipient(t *testing.T) {
	rt := newTestRuntime(t)

	_, err := rt.SendMessage(context.Background(), text("hi"), ident.MustAgentID("ghost", ""))
	assert.ErrorIs(t, err, ErrAgentNotFound)

	_, err = rt.Get(context.Background(), "ghost", "", true)
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestLocalRuntime_SendCancelledBeforeSchedule(t *testing.T) {
	rt := newTestRuntime(t)
	rec := &recorder{}
	id := ident.MustAgentID("writer", "")
	require.NoError(t, rt.RegisterAgentInstance(context.Background(), rec, id))

	token := cancel.New()
	token.Cancel()

	_, err := rt.SendMessage(context.Background(), text("hi"), id, WithCancellationToken(token))
	assert.ErrorIs(t, err, cancel.ErrCancelled)

	err = rt.PublishMessage(context.Background(), text("hi"), ident.MustTopicID("news", "x"), WithCancellationToken(token))
	assert.ErrorIs(t, err, cancel.ErrCancelled)

	require.NoError(t, rt.WaitIdle(context.Background()))
	assert.Equal(t, 0, rec.count())
}

func TestLocalRuntime_CancelWhileHandling(t *testing.T) {
	rt := newTestRuntime(t)
	started := make(chan struct{})
	id := ident.MustAgentID("slow", "")
	require.NoError(t, rt.RegisterAgentInstance(context.Background(), handlerFunc(
		func(ctx context.Context, _ *agent.Message, _ agent.MessageContext) (*agent.Message, error) {
			close(started)
			<-ctx.Done()
			return nil, context.Cause(ctx)
		}), id))

	token := cancel.New()
	errCh := make(chan error, 1)
	go func() {
		_, err := rt.SendMessage(context.Background(), text("work"), id, WithCancellationToken(token))
		errCh <- err
	}()

	<-started
	token.Cancel()
	assert.ErrorIs(t, <-errCh, cancel.ErrCancelled)
	require.NoError(t, rt.WaitIdle(context.Background()))
}

func TestLocalRuntime_SendContextDeadline(t *testing.T) {
	rt := newTestRuntime(t)
	id := ident.MustAgentID("slow", "")
	require.NoError(t, rt.RegisterAgentInstance(context.Background(), handlerFunc(
		func(ctx context.Context, _ *agent.Message, _ agent.MessageContext) (*agent.Message, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}), id))

	ctx, cancelCtx := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelCtx()
	_, err := rt.SendMessage(ctx, text("work"), id)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The handler observes the caller's deadline and the runtime drains.
	require.NoError(t, rt.WaitIdle(context.Background()))
}

func TestLocalRuntime_Capabilities(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	rec := &recorder{}
	require.NoError(t, rt.RegisterAgentInstance(ctx, rec, ident.MustAgentID("handler", "")))
	require.NoError(t, rt.RegisterAgentInstance(ctx, agent.NewScripted("replier", "", "scripted answer"), ident.MustAgentID("replier", "")))
	require.NoError(t, rt.RegisterAgentInstance(ctx, silent{}, ident.MustAgentID("silent", "")))

	sender := ident.MustAgentID("caller", "")

	reply, err := rt.SendMessage(ctx, text("ping"), ident.MustAgentID("handler", ""), WithSender(sender), WithMessageID("m-1"))
	require.NoError(t, err)
	assert.Equal(t, "re: ping", reply.Content)
	require.Len(t, rec.contexts, 1)
	assert.True(t, rec.contexts[0].IsRPC)
	assert.Equal(t, "m-1", rec.contexts[0].MessageID)
	require.NotNil(t, rec.contexts[0].Sender)
	assert.Equal(t, sender, *rec.contexts[0].Sender)
	assert.Nil(t, rec.contexts[0].Topic)

	reply, err = rt.SendMessage(ctx, text("ping"), ident.MustAgentID("replier", ""))
	require.NoError(t, err)
	assert.Equal(t, "scripted answer", reply.Content)

	reply, err = rt.SendMessage(ctx, text("ping"), ident.MustAgentID("silent", ""), WithMessageID("m-2"))
	require.NoError(t, err)
	assert.Equal(t, agent.TypeAck, reply.Type)
	assert.Equal(t, "m-2", reply.GetMetadataString("ack_for", ""))
}

func TestLocalRuntime_HandlerErrorAndPanic(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()
	boom := errors.New("boom")

	require.NoError(t, rt.RegisterAgentInstance(ctx, &recorder{err: boom}, ident.MustAgentID("failing", "")))
	require.NoError(t, rt.RegisterAgentInstance(ctx, handlerFunc(
		func(context.Context, *agent.Message, agent.MessageContext) (*agent.Message, error) {
			panic("kaboom")
		}), ident.MustAgentID("panicky", "")))

	_, err := rt.SendMessage(ctx, text("x"), ident.MustAgentID("failing", ""))
	assert.ErrorIs(t, err, boom)

	_, err = rt.SendMessage(ctx, text("x"), ident.MustAgentID("panicky", ""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")

	// The mailbox keeps working after a panic.
	_, err = rt.SendMessage(ctx, text("y"), ident.MustAgentID("panicky", ""))
	assert.Error(t, err)
}

func TestLocalRuntime_LazyFactory(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()
	var built atomic.Int32
	recorders := sync.Map{}

	require.NoError(t, rt.RegisterFactory("worker", func(_ context.Context, id ident.AgentID) (any, error) {
		built.Add(1)
		rec := &recorder{}
		recorders.Store(id.Key, rec)
		return rec, nil
	}))

	assert.Empty(t, rt.List())

	for i := 0; i < 3; i++ {
		_, err := rt.SendMessage(ctx, text(fmt.Sprint(i)), ident.MustAgentID("worker", "a"))
		require.NoError(t, err)
	}
	_, err := rt.SendMessage(ctx, text("b"), ident.MustAgentID("worker", "b"))
	require.NoError(t, err)

	assert.Equal(t, int32(2), built.Load())
	assert.Len(t, rt.List(), 2)

	inst, err := rt.Get(ctx, "worker", "a", false)
	require.NoError(t, err)
	stored, _ := recorders.Load("a")
	assert.Same(t, stored, inst)
	assert.Equal(t, []string{"0", "1", "2"}, inst.(*recorder).contents())

	_, err = rt.Get(ctx, "worker", "c", false)
	assert.ErrorIs(t, err, ErrAgentNotFound)
	_, err = rt.Get(ctx, "worker", "c", true)
	assert.NoError(t, err)
	assert.Equal(t, int32(3), built.Load())
}

func TestLocalRuntime_FactoryError(t *testing.T) {
	rt := newTestRuntime(t)
	require.NoError(t, rt.RegisterFactory("broken", func(context.Context, ident.AgentID) (any, error) {
		return nil, errors.New("no model configured")
	}))

	_, err := rt.SendMessage(context.Background(), text("x"), ident.MustAgentID("broken", ""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no model configured")
	assert.Empty(t, rt.List())
}

func TestLocalRuntime_NestedAndReentrantSends(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()
	a := ident.MustAgentID("a", "")
	b := ident.MustAgentID("b", "")

	var nestedErr error
	require.NoError(t, rt.RegisterAgentInstance(ctx, handlerFunc(
		func(ctx context.Context, msg *agent.Message, _ agent.MessageContext) (*agent.Message, error) {
			switch msg.Content {
			case "self":
				return rt.SendMessage(ctx, text("loop"), a)
			case "via-b":
				return rt.SendMessage(ctx, text("call-back"), b, WithSender(a))
			default:
				return text("a saw " + msg.Content), nil
			}
		}), a))
	require.NoError(t, rt.RegisterAgentInstance(ctx, handlerFunc(
		func(ctx context.Context, msg *agent.Message, _ agent.MessageContext) (*agent.Message, error) {
			if msg.Content == "call-back" {
				_, nestedErr = rt.SendMessage(ctx, text("back"), a)
				return text("b done"), nil
			}
			return rt.SendMessage(ctx, text("from-b"), a)
		}), b))

	_, err := rt.SendMessage(ctx, text("self"), a)
	assert.ErrorIs(t, err, ErrReentrantSend)

	// b -> a is fine when a is not waiting.
	reply, err := rt.SendMessage(ctx, text("go"), b)
	require.NoError(t, err)
	assert.Equal(t, "a saw from-b", reply.Content)

	// a -> b -> a would deadlock.
	reply, err = rt.SendMessage(ctx, text("via-b"), a)
	require.NoError(t, err)
	assert.Equal(t, "b done", reply.Content)
	assert.ErrorIs(t, nestedErr, ErrReentrantSend)
}

func TestLocalRuntime_PerRecipientOrder(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()
	rec := &recorder{}
	topic := ident.MustTopicID("events", "src")
	require.NoError(t, rt.RegisterAgentInstance(ctx, rec, ident.MustAgentID("sink", "")))
	_, err := rt.AddSubscription(NewSubscription(topic, ident.MustAgentID("sink", "")))
	require.NoError(t, err)

	var want []string
	for i := 0; i < 50; i++ {
		want = append(want, fmt.Sprint(i))
		require.NoError(t, rt.PublishMessage(ctx, text(fmt.Sprint(i)), topic))
	}
	require.NoError(t, rt.WaitIdle(ctx))
	assert.Equal(t, want, rec.contents())
}

func TestLocalRuntime_PublishIsolation(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()
	topic := ident.MustTopicID("news", "wire")

	first, failing, last := &recorder{}, &recorder{err: errors.New("subscriber down")}, &recorder{}
	for name, inst := range map[string]*recorder{"first": first, "failing": failing, "last": last} {
		id := ident.MustAgentID(name, "")
		require.NoError(t, rt.RegisterAgentInstance(ctx, inst, id))
		_, err := rt.AddSubscription(NewSubscription(topic, id))
		require.NoError(t, err)
	}
	// A subscription pointing at nothing is skipped.
	_, err := rt.AddSubscription(NewSubscription(topic, ident.MustAgentID("ghost", "")))
	require.NoError(t, err)

	require.NoError(t, rt.PublishMessage(ctx, text("headline"), topic))
	require.NoError(t, rt.WaitIdle(ctx))

	assert.Equal(t, 1, first.count())
	assert.Equal(t, 1, failing.count())
	assert.Equal(t, 1, last.count())

	mctx := first.contexts[0]
	assert.False(t, mctx.IsRPC)
	require.NotNil(t, mctx.Topic)
	assert.Equal(t, topic, *mctx.Topic)

	// Other topics are not delivered.
	require.NoError(t, rt.PublishMessage(ctx, text("other"), ident.MustTopicID("sports", "wire")))
	require.NoError(t, rt.WaitIdle(ctx))
	assert.Equal(t, 1, first.count())
}

func TestLocalRuntime_PublishMessageTypeFilter(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()
	topic := ident.MustTopicID("work", "queue")

	tasks, everything := &recorder{}, &recorder{}
	require.NoError(t, rt.RegisterAgentInstance(ctx, tasks, ident.MustAgentID("tasks", "")))
	require.NoError(t, rt.RegisterAgentInstance(ctx, everything, ident.MustAgentID("all", "")))
	_, err := rt.AddSubscription(NewSubscription(topic, ident.MustAgentID("tasks", "")).ForType(agent.TypeTask))
	require.NoError(t, err)
	_, err = rt.AddSubscription(NewSubscription(topic, ident.MustAgentID("all", "")))
	require.NoError(t, err)

	require.NoError(t, rt.PublishMessage(ctx, agent.NewMessage(agent.TypeTask, "x", "do it"), topic))
	require.NoError(t, rt.PublishMessage(ctx, agent.NewMessage(agent.TypeEvent, "x", "fyi"), topic))
	require.NoError(t, rt.WaitIdle(ctx))

	assert.Equal(t, []string{"do it"}, tasks.contents())
	assert.Equal(t, []string{"do it", "fyi"}, everything.contents())
}

func TestLocalRuntime_PublishOncePerSubscription(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()
	topic := ident.MustTopicID("news", "default")
	alice, bob := &recorder{}, &recorder{}
	aliceID, bobID := ident.MustAgentID("alice", ""), ident.MustAgentID("bob", "")

	require.NoError(t, rt.RegisterAgentInstance(ctx, alice, aliceID))
	require.NoError(t, rt.RegisterAgentInstance(ctx, bob, bobID))
	for _, id := range []ident.AgentID{aliceID, aliceID, bobID} {
		_, err := rt.AddSubscription(NewSubscription(topic, id))
		require.NoError(t, err)
	}

	require.NoError(t, rt.PublishMessage(ctx, text("hello"), topic, WithSender(aliceID)))
	require.NoError(t, rt.WaitIdle(ctx))

	assert.Equal(t, 2, alice.count())
	assert.Equal(t, 1, bob.count())
	require.NotNil(t, alice.contexts[0].Sender)
	assert.Equal(t, aliceID, *alice.contexts[0].Sender)
}

func TestLocalRuntime_PublishCarriesHistory(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()
	topic := ident.MustTopicID("news", "default")
	first, second := &recorder{}, &recorder{}
	for name, inst := range map[string]*recorder{"first": first, "second": second} {
		id := ident.MustAgentID(name, "")
		require.NoError(t, rt.RegisterAgentInstance(ctx, inst, id))
		_, err := rt.AddSubscription(NewSubscription(topic, id))
		require.NoError(t, err)
	}

	earlier := []*agent.Message{text("one"), text("two")}
	require.NoError(t, rt.PublishMessage(ctx, text("three"), topic, WithHistory(earlier)))
	require.NoError(t, rt.WaitIdle(ctx))

	for _, r := range []*recorder{first, second} {
		require.Len(t, r.contexts, 1)
		h := r.contexts[0].History
		require.Len(t, h, 2)
		assert.Equal(t, "one", h[0].Content)
		assert.Equal(t, "two", h[1].Content)
	}
	assert.NotSame(t, first.contexts[0].History[0], second.contexts[0].History[0])
}

func TestLocalRuntime_Subscriptions(t *testing.T) {
	rt := newTestRuntime(t)
	sub := NewSubscription(ident.MustTopicID("t", "s"), ident.MustAgentID("a", ""))

	id, err := rt.AddSubscription(sub)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, id)

	_, err = rt.AddSubscription(sub)
	assert.ErrorIs(t, err, ErrSubscriptionExists)

	generated, err := rt.AddSubscription(Subscription{TopicID: sub.TopicID, AgentID: sub.AgentID})
	require.NoError(t, err)
	assert.NotEmpty(t, generated)
	assert.Len(t, rt.Subscriptions(), 2)

	require.NoError(t, rt.RemoveSubscription(id))
	assert.ErrorIs(t, rt.RemoveSubscription(id), ErrSubscriptionNotFound)
	assert.Len(t, rt.Subscriptions(), 1)
}

func TestLocalRuntime_StateRoundTrip(t *testing.T) {
	ctx := context.Background()
	rt := newTestRuntime(t)
	id := ident.MustAgentID("writer", "")
	topic := ident.MustTopicID("drafts", "desk")

	writer := agent.NewScripted("writer", "", "one", "two", "three")
	require.NoError(t, rt.RegisterAgentInstance(ctx, writer, id))
	require.NoError(t, rt.RegisterAgentInstance(ctx, silent{}, ident.MustAgentID("silent", "")))
	_, err := rt.AddSubscription(NewSubscription(topic, id))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := rt.SendMessage(ctx, text("go"), id)
		require.NoError(t, err)
	}

	state, err := rt.SaveState(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, state.Agents["silent/default"])
	assert.Len(t, state.Subscriptions, 1)

	one, err := rt.AgentSaveState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, state.Agents["writer/default"], one)

	// Load into a fresh runtime before the agent exists.
	restored := newTestRuntime(t)
	require.NoError(t, restored.LoadState(ctx, state))
	fresh := agent.NewScripted("writer", "", "one", "two", "three")
	require.NoError(t, restored.RegisterAgentInstance(ctx, fresh, id))
	assert.Equal(t, 2, fresh.Turns())

	reply, err := restored.SendMessage(ctx, text("go"), id)
	require.NoError(t, err)
	assert.Equal(t, "three", reply.Content)

	assert.Equal(t, state.Subscriptions, restored.Subscriptions())

	// Loading again is additive and does not duplicate subscriptions.
	require.NoError(t, restored.LoadState(ctx, state))
	assert.Len(t, restored.Subscriptions(), 1)
	assert.Equal(t, 2, fresh.Turns())
}

func TestLocalRuntime_PendingStateAppliedByFactory(t *testing.T) {
	ctx := context.Background()
	rt := newTestRuntime(t)
	var made *agent.Scripted
	require.NoError(t, rt.RegisterFactory("critic", func(context.Context, ident.AgentID) (any, error) {
		made = agent.NewScripted("critic", "", "a", "b")
		return made, nil
	}))

	require.NoError(t, rt.LoadState(ctx, &State{Agents: map[string]map[string]any{
		"critic/default": {"turn": 1},
	}}))

	md, err := rt.AgentMetadata(ctx, ident.MustAgentID("critic", ""))
	require.NoError(t, err)
	assert.Equal(t, "critic", md.Type)
	assert.Equal(t, ident.DefaultKey, md.Key)
	require.NotNil(t, made)
	assert.Equal(t, 1, made.Turns())

	assert.Error(t, rt.LoadState(ctx, &State{Agents: map[string]map[string]any{"no-separator": {}}}))
}

func TestLocalRuntime_StopAbandonsQueued(t *testing.T) {
	rt := NewLocalRuntime(WithMetrics(false), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, rt.Start(context.Background()))
	ctx := context.Background()
	id := ident.MustAgentID("slow", "")
	started := make(chan struct{}, 1)

	require.NoError(t, rt.RegisterAgentInstance(ctx, handlerFunc(
		func(ctx context.Context, _ *agent.Message, _ agent.MessageContext) (*agent.Message, error) {
			started <- struct{}{}
			<-ctx.Done()
			return nil, ctx.Err()
		}), id))

	errs := make(chan error, 2)
	go func() {
		_, err := rt.SendMessage(ctx, text("first"), id)
		errs <- err
	}()
	<-started
	go func() {
		_, err := rt.SendMessage(ctx, text("second"), id)
		errs <- err
	}()
	require.Eventually(t, func() bool {
		rt.idleMu.Lock()
		defer rt.idleMu.Unlock()
		return rt.inflight == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, rt.Stop(ctx))

	got := []error{<-errs, <-errs}
	assert.Condition(t, func() bool {
		for _, err := range got {
			if errors.Is(err, ErrRuntimeStopped) {
				return true
			}
		}
		return false
	})
	assert.NoError(t, rt.WaitIdle(ctx))
}

func TestLocalRuntime_Proxy(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()
	id := ident.MustAgentID("echo", "")
	require.NoError(t, rt.RegisterAgentInstance(ctx, agent.NewEcho("echo", "repeats things"), id))

	p := rt.Proxy(id)
	assert.Equal(t, "echo", p.Name())
	assert.Equal(t, "repeats things", p.Description())

	reply, err := p.GenerateReply(ctx, []*agent.Message{text("first"), text("latest")}, nil)
	require.NoError(t, err)
	assert.Equal(t, "latest", reply.Content)

	var seen []string
	counterID := ident.MustAgentID("counter", "")
	counter := agent.NewFunc("counter", func(_ context.Context, msgs []*agent.Message, _ *ident.AgentID) (*agent.Message, error) {
		for _, m := range msgs {
			seen = append(seen, m.Content)
		}
		return agent.NewMessage(agent.TypeText, "counter", fmt.Sprint(len(msgs))), nil
	})
	require.NoError(t, rt.RegisterAgentInstance(ctx, counter, counterID))
	history := []*agent.Message{text("a"), text("b"), text("c")}
	reply, err = rt.Proxy(counterID).GenerateReply(ctx, history, nil)
	require.NoError(t, err)
	assert.Equal(t, "3", reply.Content)
	assert.Equal(t, []string{"a", "b", "c"}, seen)

	_, err = p.GenerateReply(ctx, nil, nil)
	assert.Error(t, err)

	assert.Equal(t, "", rt.Proxy(ident.MustAgentID("ghost", "")).Description())
}

func TestLocalRuntime_RateLimit(t *testing.T) {
	rt := newTestRuntime(t, WithRateLimit(1000, 5))
	ctx := context.Background()
	require.NoError(t, rt.RegisterAgentInstance(ctx, &recorder{}, ident.MustAgentID("a", "")))

	for i := 0; i < 10; i++ {
		_, err := rt.SendMessage(ctx, text("x"), ident.MustAgentID("a", ""))
		require.NoError(t, err)
	}

	expired, cancelCtx := context.WithCancel(ctx)
	cancelCtx()
	limited := newTestRuntime(t, WithRateLimit(0.001, 1))
	require.NoError(t, limited.RegisterAgentInstance(ctx, &recorder{}, ident.MustAgentID("a", "")))
	_, err := limited.SendMessage(ctx, text("x"), ident.MustAgentID("a", ""))
	require.NoError(t, err)
	_, err = limited.SendMessage(expired, text("x"), ident.MustAgentID("a", ""))
	assert.Error(t, err)
}
