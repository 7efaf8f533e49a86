package stats

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// maxReaders bounds concurrent snapshot holders. A writer takes the full
// weight, which excludes every reader and every other writer.
const maxReaders = 1 << 30

// guard is a readers-writer lock with bounded acquisition.
// Waiters are served in FIFO order, so a queued writer is not starved
// by a steady stream of readers.
type guard struct {
	sem *semaphore.Weighted
}

func newGuard() *guard {
	return &guard{sem: semaphore.NewWeighted(maxReaders)}
}

// lock acquires exclusive access. A timeout of zero waits until ctx is done.
// The returned release func is safe to call more than once.
func (g *guard) lock(ctx context.Context, timeout time.Duration) (func(), error) {
	return g.acquire(ctx, timeout, maxReaders)
}

// rlock acquires shared access.
func (g *guard) rlock(ctx context.Context, timeout time.Duration) (func(), error) {
	return g.acquire(ctx, timeout, 1)
}

func (g *guard) acquire(
	ctx context.Context,
	timeout time.Duration,
	weight int64,
) (func(), error) {
	if g.sem.TryAcquire(weight) {
		return g.releaser(weight), nil
	}

	if timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := g.sem.Acquire(ctx, weight); err != nil {
		return nil, err
	}

	return g.releaser(weight), nil
}

func (g *guard) releaser(weight int64) func() {
	var once sync.Once

	return func() {
		once.Do(func() { g.sem.Release(weight) })
	}
}
