// Package stopper provides a graceful-shutdown-aware context. A
// [Context] tracks goroutines spawned through [Context.Go] and
// distinguishes "start draining" (Stopping) from "hard cancel" (Done),
// matching the two-phase shutdown the coordinator needs: in-flight
// sync cycles should finish, but no new cycle should start.
package stopper

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// A Context wraps a context.Context with goroutine supervision and a
// two-phase shutdown signal.
type Context struct {
	context.Context

	mu        sync.Mutex
	wg        sync.WaitGroup
	firstErr  error
	stopping  chan struct{}
	stopOnce  sync.Once
	cancelCtx func()
}

// WithContext creates a root stopper.Context derived from parent. The
// returned cancel function performs a hard cancellation; callers
// should normally prefer calling Stop to begin a graceful drain.
func WithContext(parent context.Context) (*Context, func()) {
	inner, cancel := context.WithCancel(parent)
	ret := &Context{
		Context:   inner,
		stopping:  make(chan struct{}),
		cancelCtx: cancel,
	}
	return ret, func() {
		ret.Stop()
		cancel()
	}
}

// Go runs fn in a supervised goroutine. The Context will not be
// considered Done (via Wait) until fn returns. If fn returns a
// non-nil error, it is recorded and returned by Wait.
func (c *Context) Go(fn func() error) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := fn(); err != nil {
			c.mu.Lock()
			if c.firstErr == nil {
				c.firstErr = err
			}
			c.mu.Unlock()
		}
	}()
}

// Stopping returns a channel that is closed once Stop has been called.
// Long-running loops should select on this channel to know when to
// stop accepting new work while finishing work already in flight.
func (c *Context) Stopping() <-chan struct{} {
	return c.stopping
}

// Stop begins a graceful drain: Stopping() closes, but Done() does not
// fire until the outer cancel function (returned by WithContext) is
// also invoked.
func (c *Context) Stop() {
	c.stopOnce.Do(func() { close(c.stopping) })
}

// Wait blocks until every goroutine started with Go has returned and
// reports the first non-nil error, if any.
func (c *Context) Wait() error {
	c.wg.Wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.firstErr
}

// ErrStopping is the error for an operation that refuses to start new
// work because the Context is draining. Nothing in this package
// returns it; Go and Stop do not check for draining.
var ErrStopping = errors.New("stopper: context is draining")
