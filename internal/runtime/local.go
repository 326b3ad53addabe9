package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aixgo-dev/agentbus/internal/agent"
	"github.com/aixgo-dev/agentbus/internal/cancel"
	"github.com/aixgo-dev/agentbus/internal/ident"
	"github.com/aixgo-dev/agentbus/internal/observability"
	metrics "github.com/aixgo-dev/agentbus/pkg/observability"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Factory constructs the instance bound to id the first time the address
// is resolved. The returned value is classified like a registered instance.
type Factory func(ctx context.Context, id ident.AgentID) (any, error)

type registration struct {
	id         ident.AgentID
	instance   any
	capability agent.Capability
	metadata   agent.Metadata
}

type deliveryKey struct{}

// callChain lists the agents blocked on synchronous sends leading to the
// handler running under ctx, outermost first.
func callChain(ctx context.Context) []ident.AgentID {
	chain, _ := ctx.Value(deliveryKey{}).([]ident.AgentID)
	return chain
}

// LocalRuntime is the single-process message bus.
type LocalRuntime struct {
	config  *RuntimeConfig
	logger  *slog.Logger
	limiter *rate.Limiter

	mu            sync.RWMutex
	agents        map[ident.AgentID]*registration
	order         []ident.AgentID
	factories     map[string]Factory
	subscriptions []Subscription
	pendingState  map[ident.AgentID]map[string]any
	mailboxes     map[ident.AgentID]*mailbox
	started       bool
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup

	idleMu   sync.Mutex
	inflight int
	idle     chan struct{}
}

// NewLocalRuntime creates a runtime. Call Start before sending.
func NewLocalRuntime(opts ...Option) *LocalRuntime {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(config)
	}
	if config.ChannelBufferSize <= 0 {
		config.ChannelBufferSize = 100
	}
	if config.EnableMetrics {
		metrics.InitMetrics()
	}

	r := &LocalRuntime{
		config:       config,
		logger:       config.Logger.With("component", "runtime"),
		agents:       make(map[ident.AgentID]*registration),
		factories:    make(map[string]Factory),
		pendingState: make(map[ident.AgentID]map[string]any),
		mailboxes:    make(map[ident.AgentID]*mailbox),
	}
	if config.RateLimit > 0 {
		burst := config.RateBurst
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}
	return r
}

// Start begins delivering messages. Cancelling ctx stops delivery the same way Stop does.
func (r *LocalRuntime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrRuntimeAlreadyStarted
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.started = true
	r.logger.Info("runtime started", "agents", len(r.agents), "factories", len(r.factories))
	return nil
}

// Stop cancels in-flight handlers and fails every queued delivery with
// ErrRuntimeStopped. It waits for mailbox workers until ctx is done.
func (r *LocalRuntime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return ErrRuntimeNotStarted
	}
	r.started = false
	r.cancel()
	r.mailboxes = make(map[ident.AgentID]*mailbox)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.logger.Info("runtime stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitIdle blocks until no delivery is queued or running.
func (r *LocalRuntime) WaitIdle(ctx context.Context) error {
	for {
		r.idleMu.Lock()
		if r.inflight == 0 {
			r.idleMu.Unlock()
			return nil
		}
		ch := r.idle
		r.idleMu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *LocalRuntime) trackStart() {
	r.idleMu.Lock()
	if r.inflight == 0 {
		r.idle = make(chan struct{})
	}
	r.inflight++
	r.idleMu.Unlock()
}

func (r *LocalRuntime) trackDone() {
	r.idleMu.Lock()
	r.inflight--
	if r.inflight == 0 {
		close(r.idle)
	}
	r.idleMu.Unlock()
}

// RegisterAgentInstance binds a concrete instance to id. Instances may
// implement agent.Handler, agent.Replier, both, or neither; the most
// specific capability wins.
func (r *LocalRuntime) RegisterAgentInstance(ctx context.Context, instance any, id ident.AgentID) error {
	if instance == nil {
		return fmt.Errorf("cannot register nil instance for %s", id)
	}
	id, err := ident.NewAgentID(id.Type, id.Key)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if _, exists := r.agents[id]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentAlreadyRegistered, id)
	}
	reg := r.bindLocked(id, instance)
	pending := r.takePendingLocked(id)
	r.mu.Unlock()

	r.logger.Debug("agent registered", "agent", id.String(), "capability", reg.capability.String())
	return r.applyPending(ctx, reg, pending)
}

// RegisterFactory installs a lazy constructor for every key of agentType.
func (r *LocalRuntime) RegisterFactory(agentType string, factory Factory) error {
	if factory == nil {
		return fmt.Errorf("nil factory for agent type %q", agentType)
	}
	if _, err := ident.NewAgentID(agentType, ident.DefaultKey); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[agentType]; exists {
		return fmt.Errorf("%w: %s", ErrFactoryAlreadyRegistered, agentType)
	}
	r.factories[agentType] = factory
	r.logger.Debug("factory registered", "type", agentType)
	return nil
}

// Get resolves an address to its instance. With lazy set, a missing
// instance is built from the type's factory. An empty key means the default key.
func (r *LocalRuntime) Get(ctx context.Context, agentType, key string, lazy bool) (any, error) {
	if key == "" {
		key = ident.DefaultKey
	}
	id, err := ident.NewAgentID(agentType, key)
	if err != nil {
		return nil, err
	}
	reg, err := r.resolve(ctx, id, lazy)
	if err != nil {
		return nil, err
	}
	return reg.instance, nil
}

// List returns the instantiated agent addresses in registration order.
func (r *LocalRuntime) List() []ident.AgentID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ident.AgentID(nil), r.order...)
}

func (r *LocalRuntime) bindLocked(id ident.AgentID, instance any) *registration {
	reg := &registration{
		id:         id,
		instance:   instance,
		capability: agent.CapabilityOf(instance),
		metadata: agent.Metadata{
			Type:        id.Type,
			Key:         id.Key,
			Description: agent.Describe(instance),
		},
	}
	r.agents[id] = reg
	r.order = append(r.order, id)
	return reg
}

func (r *LocalRuntime) takePendingLocked(id ident.AgentID) map[string]any {
	state, ok := r.pendingState[id]
	if ok {
		delete(r.pendingState, id)
	}
	return state
}

func (r *LocalRuntime) applyPending(ctx context.Context, reg *registration, state map[string]any) error {
	if state == nil {
		return nil
	}
	if err := loadInto(ctx, reg, state); err != nil {
		return fmt.Errorf("failed to restore state for %s: %w", reg.id, err)
	}
	return nil
}

func (r *LocalRuntime) resolve(ctx context.Context, id ident.AgentID, lazy bool) (*registration, error) {
	r.mu.RLock()
	reg, ok := r.agents[id]
	factory, hasFactory := r.factories[id.Type]
	r.mu.RUnlock()
	if ok {
		return reg, nil
	}
	if !lazy || !hasFactory {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}

	instance, err := factory(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate agent %s: %w", id, err)
	}
	if instance == nil {
		return nil, fmt.Errorf("factory for %s returned no instance", id.Type)
	}

	r.mu.Lock()
	if existing, ok := r.agents[id]; ok {
		// Lost a race with a concurrent resolve.
		r.mu.Unlock()
		return existing, nil
	}
	reg = r.bindLocked(id, instance)
	pending := r.takePendingLocked(id)
	r.mu.Unlock()

	r.logger.Debug("agent instantiated", "agent", id.String(), "capability", reg.capability.String())
	if err := r.applyPending(ctx, reg, pending); err != nil {
		return nil, err
	}
	return reg, nil
}

func (r *LocalRuntime) isStarted() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.started
}

func (r *LocalRuntime) admit(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	return r.limiter.Wait(ctx)
}

// SendMessage delivers msg to recipient and waits for the handler's
// response. The call fails fast when the recipient is unknown or the
// token is already cancelled; neither case invokes a handler.
func (r *LocalRuntime) SendMessage(ctx context.Context, msg *agent.Message, recipient ident.AgentID, opts ...SendOption) (reply *agent.Message, err error) {
	o := applySendOptions(opts)
	if !r.isStarted() {
		return nil, ErrRuntimeNotStarted
	}
	for _, busy := range callChain(ctx) {
		if busy.Equal(recipient) {
			return nil, fmt.Errorf("%w: %s", ErrReentrantSend, recipient)
		}
	}
	if o.token != nil && o.token.IsCancelled() {
		return nil, cancel.ErrCancelled
	}

	ctx, span := observability.StartSpanWithOtel(ctx, "runtime.send",
		trace.WithAttributes(
			attribute.String("recipient", recipient.String()),
			attribute.String("message.type", msg.Type),
		),
	)
	defer func() { observability.EndSpan(span, err) }()

	reg, err := r.resolve(ctx, recipient, true)
	if err != nil {
		return nil, err
	}
	if err := r.admit(ctx); err != nil {
		return nil, err
	}

	env := &envelope{
		msg: msg.Clone(),
		reg: reg,
		mctx: agent.MessageContext{
			Sender:    o.sender,
			MessageID: o.messageIDOrNew(),
			Token:     o.token,
			IsRPC:     true,
			History:   o.cloneHistory(),
		},
		caller:   ctx,
		response: make(chan result, 1),
		enqueued: time.Now(),
	}
	if err := r.enqueue(env); err != nil {
		return nil, err
	}

	var tokenDone <-chan struct{}
	if o.token != nil {
		tokenDone = o.token.Done()
	}
	select {
	case res := <-env.response:
		return res.msg, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tokenDone:
		return nil, cancel.ErrCancelled
	}
}

// PublishMessage enqueues msg for every subscriber of topic whose
// subscription accepts the message type. It returns once deliveries are
// queued; handler failures are logged and never reach the publisher.
// Each matching subscription is one delivery, so an agent subscribed
// twice receives the message twice, the sender included.
func (r *LocalRuntime) PublishMessage(ctx context.Context, msg *agent.Message, topic ident.TopicID, opts ...SendOption) (err error) {
	o := applySendOptions(opts)
	if !r.isStarted() {
		return ErrRuntimeNotStarted
	}
	if o.token != nil && o.token.IsCancelled() {
		return cancel.ErrCancelled
	}

	ctx, span := observability.StartSpanWithOtel(ctx, "runtime.publish",
		trace.WithAttributes(
			attribute.String("topic", topic.String()),
			attribute.String("message.type", msg.Type),
		),
	)
	defer func() { observability.EndSpan(span, err) }()

	if err := r.admit(ctx); err != nil {
		return err
	}

	r.mu.RLock()
	var recipients []ident.AgentID
	for _, sub := range r.subscriptions {
		if sub.Matches(topic, msg) {
			recipients = append(recipients, sub.AgentID)
		}
	}
	r.mu.RUnlock()

	messageID := o.messageIDOrNew()
	delivered := 0
	for _, id := range recipients {
		reg, err := r.resolve(ctx, id, true)
		if err != nil {
			r.logger.Warn("publish recipient unavailable", "topic", topic.String(), "agent", id.String(), "error", err)
			continue
		}
		env := &envelope{
			msg: msg.Clone(),
			reg: reg,
			mctx: agent.MessageContext{
				Sender:    o.sender,
				Topic:     &topic,
				MessageID: messageID,
				Token:     o.token,
				History:   o.cloneHistory(),
			},
			caller:   ctx,
			enqueued: time.Now(),
		}
		if err := r.enqueue(env); err != nil {
			return err
		}
		delivered++
	}

	span.SetAttributes(attribute.Int("recipients", delivered))
	if r.config.EnableMetrics {
		metrics.RecordPublishFanout(delivered)
	}
	return nil
}

func (r *LocalRuntime) enqueue(env *envelope) error {
	id := env.reg.id

	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return ErrRuntimeNotStarted
	}
	mb, ok := r.mailboxes[id]
	if !ok {
		mb = newMailbox(id, r.config.ChannelBufferSize)
		r.mailboxes[id] = mb
		r.wg.Add(1)
		go r.runMailbox(r.ctx, mb)
	}
	r.trackStart()
	backlog := mb.push(env)
	r.mu.Unlock()

	if backlog > r.config.ChannelBufferSize {
		r.logger.Warn("mailbox backlog above threshold", "agent", id.String(), "backlog", backlog, "threshold", r.config.ChannelBufferSize)
	}
	if r.config.EnableMetrics {
		metrics.SetMailboxBacklog(id.Type, backlog)
	}
	return nil
}

func (r *LocalRuntime) runMailbox(ctx context.Context, mb *mailbox) {
	defer r.wg.Done()
	for {
		env, backlog, ok := mb.pop()
		if !ok {
			select {
			case <-mb.notify:
				continue
			case <-ctx.Done():
				r.abandon(mb.drain())
				return
			}
		}
		if ctx.Err() != nil {
			r.abandon(append([]*envelope{env}, mb.drain()...))
			return
		}
		if r.config.EnableMetrics {
			metrics.SetMailboxBacklog(mb.id.Type, backlog)
		}
		r.deliver(ctx, env)
	}
}

func (r *LocalRuntime) abandon(envs []*envelope) {
	for _, env := range envs {
		env.reply(nil, ErrRuntimeStopped)
		r.trackDone()
	}
	if len(envs) > 0 {
		r.logger.Warn("queued deliveries abandoned", "count", len(envs))
	}
}

func (r *LocalRuntime) deliver(base context.Context, env *envelope) {
	defer r.trackDone()
	reg := env.reg

	ctx := trace.ContextWithSpanContext(base, trace.SpanContextFromContext(env.caller))
	chain := []ident.AgentID{reg.id}
	if env.response != nil {
		parent := callChain(env.caller)
		chain = append(parent[:len(parent):len(parent)], reg.id)
	}
	ctx = context.WithValue(ctx, deliveryKey{}, chain)
	if env.response != nil {
		var cancelCtx context.CancelCauseFunc
		ctx, cancelCtx = context.WithCancelCause(ctx)
		stop := context.AfterFunc(env.caller, func() { cancelCtx(context.Cause(env.caller)) })
		defer stop()
		defer cancelCtx(nil)
	}
	if env.mctx.Token != nil {
		var release context.CancelFunc
		ctx, release = env.mctx.Token.Context(ctx)
		defer release()
	}

	ctx, span := observability.StartSpanWithOtel(ctx, "runtime.deliver",
		trace.WithAttributes(
			attribute.String("agent", reg.id.String()),
			attribute.String("kind", env.kind()),
			attribute.String("capability", reg.capability.String()),
		),
	)
	start := time.Now()
	reply, err := invoke(ctx, reg, env)
	duration := time.Since(start)
	observability.EndSpan(span, err)

	status := "ok"
	if err != nil {
		status = "error"
		if env.response == nil {
			r.logger.Warn("publish delivery failed",
				"agent", reg.id.String(),
				"topic", env.mctx.Topic.String(),
				"message_id", env.mctx.MessageID,
				"error", err)
		}
	}
	if r.config.EnableMetrics {
		metrics.RecordDelivery(env.kind(), reg.id.Type, status, duration)
	}
	env.reply(reply, err)
}

func invoke(ctx context.Context, reg *registration, env *envelope) (reply *agent.Message, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("agent %s panicked: %v", reg.id, p)
		}
	}()

	switch reg.capability {
	case agent.CapabilityHandler:
		return reg.instance.(agent.Handler).HandleMessage(ctx, env.msg, env.mctx)
	case agent.CapabilityReplier:
		conversation := append(env.mctx.History[:len(env.mctx.History):len(env.mctx.History)], env.msg)
		return reg.instance.(agent.Replier).GenerateReply(ctx, conversation, env.mctx.Sender)
	default:
		ack := agent.NewMessage(agent.TypeAck, reg.id.String(), "")
		return ack.WithMetadata("ack_for", env.mctx.MessageID), nil
	}
}

// AddSubscription registers sub. An empty ID is filled with a generated one.
func (r *LocalRuntime) AddSubscription(sub Subscription) (string, error) {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.subscriptions {
		if existing.ID == sub.ID {
			return "", fmt.Errorf("%w: %s", ErrSubscriptionExists, sub.ID)
		}
	}
	r.subscriptions = append(r.subscriptions, sub)
	r.logger.Debug("subscription added", "id", sub.ID, "topic", sub.TopicID.String(), "agent", sub.AgentID.String())
	return sub.ID, nil
}

// RemoveSubscription deletes the subscription with the given ID.
func (r *LocalRuntime) RemoveSubscription(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, sub := range r.subscriptions {
		if sub.ID == id {
			r.subscriptions = append(r.subscriptions[:i], r.subscriptions[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
}

// Subscriptions returns a copy of the subscription table.
func (r *LocalRuntime) Subscriptions() []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Subscription(nil), r.subscriptions...)
}
