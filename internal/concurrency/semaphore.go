// Package concurrency implements the two in-process coordination
// primitives the deployment path needs: a global deployment
// concurrency gate and a per-(platform, image tag) image-pull lock.
// Neither is backed by the store; both are scoped to a single process
// and wait in memory: the gate on a sync.Cond, the pull lock on a
// channel closed by the first deployer.
package concurrency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meeboter/coordinator/internal/errs"
)

// DefaultMaxConcurrentDeployments bounds how many adapter Deploy calls may
// be in flight at once, regardless of platform.
const DefaultMaxConcurrentDeployments = 4

// DefaultDeploymentWaitTimeout is how long Acquire waits for a free slot
// before giving up.
const DefaultDeploymentWaitTimeout = 30 * time.Minute

// DeploymentGate is a counting semaphore with FIFO waiters and a wait
// timeout. It bounds the number of concurrent in-flight deployments
// across every platform so a burst of bot creation requests cannot
// overwhelm the backends or the pool.
// Locking discipline: mu guards inUse and the waiters count. cond is
// bound to mu and is Broadcast whenever a slot is released or a waiter's
// deadline elapses, mirroring pool.waitForVMLocked.
type DeploymentGate struct {
	mu      sync.Mutex
	cond    *sync.Cond
	max     int
	inUse   int
	waiters int
}

// NewDeploymentGate constructs a gate allowing at most max concurrent
// holders. max <= 0 uses DefaultMaxConcurrentDeployments.
func NewDeploymentGate(max int) *DeploymentGate {
	if max <= 0 {
		max = DefaultMaxConcurrentDeployments
	}
	g := &DeploymentGate{max: max}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Acquire blocks until a deployment slot is free, ctx is cancelled, or
// timeout elapses (0 uses DefaultDeploymentWaitTimeout); an elapsed
// timeout returns an error wrapping errs.ErrQueueTimeout. On success the
// caller must call Release exactly once.
func (g *DeploymentGate) Acquire(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultDeploymentWaitTimeout
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	deadline := time.Now().Add(timeout)
	for g.inUse >= g.max {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w: no deployment slot free after %s", errs.ErrQueueTimeout, timeout)
		}
		if err := g.waitLocked(ctx, remaining); err != nil {
			return err
		}
	}

	g.inUse++
	return nil
}

// waitLocked suspends the calling goroutine on g.cond until woken, the
// context is cancelled, or timeout elapses. Must be called with g.mu
// held; releases it via cond.Wait and re-acquires it before returning.
func (g *DeploymentGate) waitLocked(ctx context.Context, timeout time.Duration) error {
	g.waiters++
	defer func() { g.waiters-- }()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			g.mu.Lock()
			g.cond.Broadcast()
			g.mu.Unlock()
		case <-done:
		}
	}()

	timer := time.AfterFunc(timeout, func() {
		g.mu.Lock()
		g.cond.Broadcast()
		g.mu.Unlock()
	})

	g.cond.Wait()
	close(done)
	timer.Stop()

	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// Release returns a slot to the gate and wakes one waiter.
func (g *DeploymentGate) Release() {
	g.mu.Lock()
	if g.inUse > 0 {
		g.inUse--
	}
	g.mu.Unlock()
	g.cond.Signal()
}

// InUse reports the current number of held slots, for metrics export.
func (g *DeploymentGate) InUse() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inUse
}

// Waiters reports the current number of goroutines blocked in Acquire.
func (g *DeploymentGate) Waiters() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiters
}
