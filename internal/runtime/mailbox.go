package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/aixgo-dev/agentbus/internal/agent"
	"github.com/aixgo-dev/agentbus/internal/ident"
)

// envelope is one queued delivery. Sends carry a response channel,
// publishes do not.
type envelope struct {
	msg      *agent.Message
	reg      *registration
	mctx     agent.MessageContext
	caller   context.Context
	response chan result
	enqueued time.Time
}

type result struct {
	msg *agent.Message
	err error
}

func (e *envelope) kind() string {
	if e.response != nil {
		return "send"
	}
	return "publish"
}

func (e *envelope) reply(msg *agent.Message, err error) {
	if e.response != nil {
		e.response <- result{msg: msg, err: err}
	}
}

// mailbox is an unbounded FIFO drained by a single goroutine, so deliveries
// to one agent never overlap and keep enqueue order.
type mailbox struct {
	id     ident.AgentID
	mu     sync.Mutex
	queue  []*envelope
	notify chan struct{}
}

func newMailbox(id ident.AgentID, capacity int) *mailbox {
	return &mailbox{
		id:     id,
		queue:  make([]*envelope, 0, capacity),
		notify: make(chan struct{}, 1),
	}
}

// push appends env and returns the resulting backlog.
func (m *mailbox) push(env *envelope) int {
	m.mu.Lock()
	m.queue = append(m.queue, env)
	n := len(m.queue)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return n
}

func (m *mailbox) pop() (*envelope, int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return nil, 0, false
	}
	env := m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]
	return env, len(m.queue), true
}

// drain removes everything still queued.
func (m *mailbox) drain() []*envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	rest := m.queue
	m.queue = nil
	return rest
}
