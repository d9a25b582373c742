package concurrency

import (
	"sync"
)

// PullOutcome is recorded by the first deployer and replayed to every
// follower waiting on the same (platform, image tag) key.
type PullOutcome struct {
	Err error
}

// pullEntry tracks one in-flight (or most recently completed) image pull.
// done is closed exactly once, by the first deployer, when the pull
// either succeeds or fails; followers block on done and then read
// outcome (set before the close, so no further synchronization is
// needed to read it after <-done returns).
type pullEntry struct {
	done    chan struct{}
	outcome PullOutcome
}

// PullCoordinator deduplicates concurrent first-time image pulls for the
// same (platform, image tag): only the first caller for a key actually
// starts the pull; every other concurrent caller waits for that result
// instead of racing an identical pull ("first deployer" semantics).
// A failed pull is broadcast to every waiter and the entry is discarded so
// the next deploy attempt tries again from scratch. Shaped like
// golang.org/x/sync/singleflight's Group, generalized to per-platform
// image pulls instead of a single keyed function call.
type PullCoordinator struct {
	mu      sync.Mutex
	inFlight map[string]*pullEntry
}

// NewPullCoordinator returns a ready-to-use coordinator.
func NewPullCoordinator() *PullCoordinator {
	return &PullCoordinator{inFlight: make(map[string]*pullEntry)}
}

// Do runs pull for key if no pull for that key is currently in flight,
// otherwise it waits for the in-flight pull's result. Exactly one call
// per key actually invokes pull; every concurrent caller observes the
// same outcome.
func (c *PullCoordinator) Do(key string, pull func() error) error {
	c.mu.Lock()
	if entry, ok := c.inFlight[key]; ok {
		c.mu.Unlock()
		<-entry.done
		return entry.outcome.Err
	}

	entry := &pullEntry{done: make(chan struct{})}
	c.inFlight[key] = entry
	c.mu.Unlock()

	err := pull()

	entry.outcome = PullOutcome{Err: err}
	close(entry.done)

	c.mu.Lock()
	// Only the owner of this exact entry clears it; a slow straggler
	// must never delete a newer entry installed after a failure.
	if c.inFlight[key] == entry {
		delete(c.inFlight, key)
	}
	c.mu.Unlock()

	return err
}
