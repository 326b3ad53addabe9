// Package cancel provides a one-shot cooperative cancellation token.
//
// A Token starts live and moves to cancelled exactly once. Observers
// registered with OnCancelled run once when that happens, or immediately
// if the token is already cancelled. Tokens bridge to and from
// context.Context so cancellation composes with the rest of the Go
// ecosystem.
package cancel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrCancelled is returned by Err once the token has been cancelled.
var ErrCancelled = errors.New("operation cancelled")

// Token is a one-shot cancellation signal. The zero value is not usable;
// create tokens with New.
type Token struct {
	mu        sync.Mutex
	cancelled bool
	callbacks []func()
	done      chan struct{}
	logger    *slog.Logger
}

// Option configures a Token.
type Option func(*Token)

// WithLogger sets the logger used to report failing observers.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Token) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// New returns a live token.
func New(opts ...Option) *Token {
	t := &Token{
		done:   make(chan struct{}),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Cancel moves the token to the cancelled state and runs pending observers.
// Calling Cancel more than once has no further effect.
func (t *Token) Cancel() {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return
	}
	t.cancelled = true
	callbacks := t.callbacks
	t.callbacks = nil
	close(t.done)
	t.mu.Unlock()

	for _, cb := range callbacks {
		t.run(cb)
	}
}

// IsCancelled reports whether Cancel has been called.
func (t *Token) IsCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Done returns a channel closed on cancellation.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Err returns ErrCancelled once cancelled, nil otherwise.
func (t *Token) Err() error {
	if t.IsCancelled() {
		return ErrCancelled
	}
	return nil
}

// OnCancelled registers a one-shot observer. If the token is already
// cancelled the callback runs synchronously and is not retained.
func (t *Token) OnCancelled(cb func()) {
	if cb == nil {
		return
	}
	t.mu.Lock()
	if !t.cancelled {
		t.callbacks = append(t.callbacks, cb)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	t.run(cb)
}

// run isolates one observer so a panic cannot stop delivery to the others.
func (t *Token) run(cb func()) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("cancellation observer failed", "panic", r)
		}
	}()
	cb()
}

// Context derives a context that is cancelled when either parent is done
// or the token is cancelled. The returned CancelFunc releases resources and
// must be called.
func (t *Token) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancelCtx := context.WithCancelCause(parent)
	go func() {
		select {
		case <-t.done:
			cancelCtx(ErrCancelled)
		case <-ctx.Done():
		}
	}()
	return ctx, func() { cancelCtx(context.Canceled) }
}

// FromContext returns a token that is cancelled when ctx is done.
func FromContext(ctx context.Context) *Token {
	t := New()
	if ctx.Done() == nil {
		return t
	}
	context.AfterFunc(ctx, t.Cancel)
	return t
}
