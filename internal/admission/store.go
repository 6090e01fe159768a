// Package admission enforces per-identity quotas, concurrency ceilings and
// named locks for the inspection service. All state lives in process memory;
// windows use lazy rollover so no timer fires per identity.
package admission

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/khanhnv2901/urlinspect/internal/config"
	ierr "github.com/khanhnv2901/urlinspect/internal/shared/errors"
)

// window is one sliding quota window. Rollover happens lazily on the next
// hit after reset, so count starts at 1 for the new window.
type window struct {
	count int
	reset time.Time
}

func (w *window) hit(now time.Time, span time.Duration) int {
	if now.After(w.reset) {
		w.count = 1
		w.reset = now.Add(span)
		return w.count
	}
	w.count++
	return w.count
}

// record tracks admission state for one identity.
type record struct {
	tier       string
	minute     window
	daily      window
	burst      window
	concurrent int
	lastSeen   time.Time
}

// Decision is the outcome of an admission check. RetryAfter is set only
// when Allowed is false and waiting can help.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

// Store is the in-memory admission controller. Safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	records map[string]*record
	cfg     config.AdmissionConfig
	locks   *lockTable
	now     func() time.Time
	logger  *zap.Logger
	stop    chan struct{}
	wg      sync.WaitGroup
}

// Option customizes a Store, mainly for tests.
type Option func(*Store)

// WithClock replaces the wall clock. Tests use this to drive window
// rollover without sleeping.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore builds an admission store and starts its background sweepers.
// Call Close to stop them.
func NewStore(cfg config.AdmissionConfig, logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		records: make(map[string]*record),
		cfg:     cfg,
		now:     time.Now,
		logger:  logger,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.locks = newLockTable(s.now, logger)

	if cfg.CleanupInterval > 0 {
		s.wg.Add(1)
		go s.sweepLoop(cfg.CleanupInterval, s.cleanupStale)
	}
	if cfg.MemorySweepInterval > 0 {
		s.wg.Add(1)
		go s.sweepLoop(cfg.MemorySweepInterval, s.memorySweep)
	}
	return s
}

func (s *Store) sweepLoop(interval time.Duration, fn func()) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn()
			s.locks.sweep()
		case <-s.stop:
			return
		}
	}
}

// Close stops the background sweepers. The store remains usable but no
// longer self-cleans.
func (s *Store) Close() {
	close(s.stop)
	s.wg.Wait()
}

// freeFallback covers a config whose tier table omits "free". A zero-valued
// fallback would have ConcurrentLimit 0 and reject every request.
var freeFallback = config.TierLimits{RequestsPerMinute: 10, DailyLimit: 100, BurstLimit: 3, ConcurrentLimit: 2}

func (s *Store) limitsFor(tier string) (config.TierLimits, string) {
	if limits, ok := s.cfg.Tiers[tier]; ok {
		return limits, tier
	}
	// Unknown tiers get the most restrictive ceilings.
	if limits, ok := s.cfg.Tiers["free"]; ok {
		return limits, "free"
	}
	return freeFallback, "free"
}

// admissionLock names the per-identity lock guarding counter mutation.
func admissionLock(identity string) string {
	return "admission:" + identity
}

// CheckAndReserve admits one request for the identity or rejects it with a
// reason. On admit it reserves a concurrency slot that the caller must give
// back with Release, even when inspection fails. Counter mutation happens
// under the identity's named lock; a bounded-wait failure on that lock
// surfaces as a resource error, not a quota rejection.
func (s *Store) CheckAndReserve(identity, tier string) (Decision, error) {
	var decision Decision
	err := s.WithLock(admissionLock(identity), uuid.NewString(), s.cfg.LockTimeout, func() error {
		decision = s.reserve(identity, tier)
		return nil
	})
	if err != nil {
		return Decision{}, err
	}
	return decision, nil
}

func (s *Store) reserve(identity, tier string) Decision {
	limits, tier := s.limitsFor(tier)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[identity]
	if !ok {
		rec = &record{tier: tier}
		s.records[identity] = rec
	}
	rec.tier = tier
	rec.lastSeen = now

	if rec.concurrent >= limits.ConcurrentLimit {
		s.logger.Warn("concurrency ceiling reached",
			zap.String("identity", identity), zap.String("tier", tier),
			zap.Int("in_flight", rec.concurrent))
		return Decision{
			Reason:     fmt.Sprintf("concurrent request limit of %d reached", limits.ConcurrentLimit),
			RetryAfter: time.Second,
		}
	}

	// Windows are examined before any of them is hit, so a rejected
	// request consumes no quota.
	if rec.burst.count >= limits.BurstLimit && now.Before(rec.burst.reset) {
		return Decision{
			Reason:     "burst limit exceeded, slow down",
			RetryAfter: rec.burst.reset.Sub(now),
		}
	}
	if rec.minute.count >= limits.RequestsPerMinute && now.Before(rec.minute.reset) {
		return Decision{
			Reason:     fmt.Sprintf("rate limit of %d requests per minute exceeded", limits.RequestsPerMinute),
			RetryAfter: rec.minute.reset.Sub(now),
		}
	}
	if rec.daily.count >= limits.DailyLimit && now.Before(rec.daily.reset) {
		return Decision{
			Reason:     fmt.Sprintf("daily limit of %d requests exceeded", limits.DailyLimit),
			RetryAfter: rec.daily.reset.Sub(now),
		}
	}

	rec.burst.hit(now, s.cfg.BurstWindow)
	rec.minute.hit(now, time.Minute)
	rec.daily.hit(now, 24*time.Hour)
	rec.concurrent++
	return Decision{Allowed: true}
}

// Release gives back the concurrency slot reserved by CheckAndReserve.
// Releasing an unknown identity is a no-op.
func (s *Store) Release(identity string) {
	err := s.WithLock(admissionLock(identity), uuid.NewString(), s.cfg.LockTimeout, func() error {
		s.release(identity)
		return nil
	})
	if err != nil {
		// A reserved slot must come back on every exit path, or the
		// identity stays throttled forever.
		s.logger.Warn("released without the admission lock",
			zap.String("identity", identity), zap.Error(err))
		s.release(identity)
	}
}

func (s *Store) release(identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[identity]
	if !ok || rec.concurrent == 0 {
		return
	}
	rec.concurrent--
}

// InFlight reports the current concurrency for an identity.
func (s *Store) InFlight(identity string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.records[identity]; ok {
		return rec.concurrent
	}
	return 0
}

// WithLock runs fn while holding the named lock. The lock is released when
// fn returns; if fn outlives the lock hard cap the sweeper has already
// released it and the stale release is reported.
func (s *Store) WithLock(name, holder string, timeout time.Duration, fn func() error) error {
	if err := s.locks.acquire(name, holder, timeout); err != nil {
		return ierr.Resource("could not acquire lock "+name, err)
	}
	fnErr := fn()
	if relErr := s.locks.release(name, holder); relErr != nil {
		s.logger.Warn("lock expired before release",
			zap.String("lock", name), zap.String("holder", holder))
	}
	return fnErr
}

// Size reports how many identities the store currently tracks.
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// cleanupStale drops identities idle past a full day; their windows have
// all rolled over so nothing useful remains.
func (s *Store) cleanupStale() {
	cutoff := s.now().Add(-24 * time.Hour)
	s.mu.Lock()
	defer s.mu.Unlock()
	for identity, rec := range s.records {
		if rec.lastSeen.Before(cutoff) && rec.concurrent == 0 {
			delete(s.records, identity)
		}
	}
}

// memorySweep evicts the least recently seen idle identities when the
// table grows past the configured threshold.
func (s *Store) memorySweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.records) <= s.cfg.MemoryThreshold {
		return
	}
	target := s.cfg.MemoryThreshold / 2
	evicted := 0
	for len(s.records) > target {
		oldest := ""
		var oldestSeen time.Time
		for identity, rec := range s.records {
			if rec.concurrent > 0 {
				continue
			}
			if oldest == "" || rec.lastSeen.Before(oldestSeen) {
				oldest = identity
				oldestSeen = rec.lastSeen
			}
		}
		if oldest == "" {
			break
		}
		delete(s.records, oldest)
		evicted++
	}
	if evicted > 0 {
		s.logger.Warn("memory pressure sweep evicted identities",
			zap.Int("evicted", evicted), zap.Int("remaining", len(s.records)))
	}
}
