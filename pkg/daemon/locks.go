package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/aoindustries/aoserv-master-sub002/pkg/master"
)

// DefaultLockTimeout bounds waits for a per-host exclusive lock.
const DefaultLockTimeout = 15 * time.Second

// HostLocks serializes expensive single-flight daemon operations per host,
// such as system report generation. Waits are bounded: after the timeout the
// caller gets master.LockTimeoutError rather than blocking indefinitely, and
// a canceled context propagates as-is.
type HostLocks struct {
	timeout time.Duration

	mu    sync.Mutex
	locks map[master.HostID]*semaphore.Weighted
}

// NewHostLocks creates a lock set. A non-positive timeout uses
// DefaultLockTimeout.
func NewHostLocks(timeout time.Duration) *HostLocks {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	return &HostLocks{
		timeout: timeout,
		locks:   make(map[master.HostID]*semaphore.Weighted),
	}
}

// Acquire takes the host's exclusive lock, waiting at most the configured
// timeout. The returned release function must be called exactly once.
func (h *HostLocks) Acquire(ctx context.Context, host master.HostID) (release func(), err error) {
	h.mu.Lock()
	sem, ok := h.locks[host]
	if !ok {
		sem = semaphore.NewWeighted(1)
		h.locks[host] = sem
	}
	h.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	if err := sem.Acquire(waitCtx, 1); err != nil {
		if errors.Is(waitCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &master.LockTimeoutError{
				Resource: fmt.Sprintf("host %d exclusive lock", host),
				Timeout:  h.timeout,
			}
		}
		// Interrupted wait: surface the caller's cancellation directly.
		return nil, err
	}

	return func() { sem.Release(1) }, nil
}
