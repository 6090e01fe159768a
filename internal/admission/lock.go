package admission

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/khanhnv2901/urlinspect/internal/shared/constants"
	ierr "github.com/khanhnv2901/urlinspect/internal/shared/errors"
)

// lockEntry is one held named lock. The done channel closes on release so
// every waiter wakes at once.
type lockEntry struct {
	holder  string
	expires time.Time
	done    chan struct{}
}

// lockTable hands out named advisory locks with a hard expiry. A lock never
// outlives its expiry: the owner either releases it or the sweeper does.
type lockTable struct {
	mu     sync.Mutex
	locks  map[string]*lockEntry
	now    func() time.Time
	logger *zap.Logger
}

func newLockTable(now func() time.Time, logger *zap.Logger) *lockTable {
	return &lockTable{
		locks:  make(map[string]*lockEntry),
		now:    now,
		logger: logger,
	}
}

// acquire takes the named lock, waiting up to the bounded waiter timeout if
// another holder has it. The requested timeout is clamped to the hard cap so
// no caller can park a lock indefinitely.
func (t *lockTable) acquire(name, holder string, timeout time.Duration) error {
	if timeout <= 0 || timeout > constants.LockHardCap {
		timeout = constants.LockHardCap
	}
	wait := timeout
	if wait > constants.LockWaitCap {
		wait = constants.LockWaitCap
	}
	deadline := t.now().Add(wait)

	for {
		t.mu.Lock()
		entry, held := t.locks[name]
		if held && !entry.expires.After(t.now()) {
			// Expired in place; treat as free.
			close(entry.done)
			delete(t.locks, name)
			held = false
			t.logger.Warn("reclaimed expired lock on acquire",
				zap.String("lock", name), zap.String("stale_holder", entry.holder))
		}
		if !held {
			t.locks[name] = &lockEntry{
				holder:  holder,
				expires: t.now().Add(timeout),
				done:    make(chan struct{}),
			}
			t.mu.Unlock()
			return nil
		}
		done := entry.done
		expires := entry.expires
		t.mu.Unlock()

		remaining := deadline.Sub(t.now())
		if remaining <= 0 {
			return ierr.ErrLockWaitTimeout
		}
		// Wake no later than the holder's expiry so an abandoned lock is
		// reclaimed on the next pass instead of after the full wait.
		slice := remaining
		if untilExpiry := expires.Sub(t.now()); untilExpiry > 0 && untilExpiry < slice {
			slice = untilExpiry
		}
		timer := time.NewTimer(slice)
		select {
		case <-done:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// release drops the named lock if the caller still holds it. Returns
// ErrLockExpired when the sweeper already forced it out.
func (t *lockTable) release(name, holder string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, held := t.locks[name]
	if !held || entry.holder != holder {
		return ierr.ErrLockExpired
	}
	close(entry.done)
	delete(t.locks, name)
	return nil
}

// sweep force-releases every expired lock. Called periodically by the store.
func (t *lockTable) sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	released := 0
	for name, entry := range t.locks {
		if !entry.expires.After(now) {
			close(entry.done)
			delete(t.locks, name)
			released++
			t.logger.Warn("force-released expired lock",
				zap.String("lock", name), zap.String("holder", entry.holder))
		}
	}
	return released
}

func (t *lockTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
