package sessions

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrLockTimeout is returned when acquiring a lock times out.
	ErrLockTimeout = errors.New("sessions: lock acquisition timeout")
)

type sessionLock struct {
	holder   string
	acquired time.Time
	mu       sync.Mutex
	cond     *sync.Cond
	locked   bool
}

// LockManager hands out per-session write locks. A turn holds the lock for
// its whole lifetime, so two turns on the same session never interleave
// while turns on different sessions proceed in parallel.
//
// Thread Safety:
// LockManager is safe for concurrent use.
type LockManager struct {
	locks      map[string]*sessionLock
	mu         sync.RWMutex
	defaultTTL time.Duration
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewLockManager creates a lock manager whose Acquire waits up to defaultTTL
// when no explicit timeout is given.
func NewLockManager(defaultTTL time.Duration) *LockManager {
	if defaultTTL <= 0 {
		defaultTTL = 30 * time.Second
	}

	mgr := &LockManager{
		locks:      make(map[string]*sessionLock),
		defaultTTL: defaultTTL,
		stop:       make(chan struct{}),
	}

	go mgr.cleanupLoop()

	return mgr
}

// Close stops the background cleanup goroutine.
func (m *LockManager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *LockManager) lockFor(sessionID string) *sessionLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[sessionID]
	if !ok {
		lock = &sessionLock{}
		lock.cond = sync.NewCond(&lock.mu)
		m.locks[sessionID] = lock
	}
	return lock
}

// Acquire attempts to take the write lock for the session.
// If the lock is already held, it waits up to timeout.
// Returns a release function that must be called when done.
func (m *LockManager) Acquire(ctx context.Context, sessionID, holder string, timeout time.Duration) (func(), error) {
	if timeout <= 0 {
		timeout = m.defaultTTL
	}

	lock := m.lockFor(sessionID)

	lock.mu.Lock()
	defer lock.mu.Unlock()

	deadline := time.Now().Add(timeout)

	for lock.locked {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrLockTimeout
		}

		// Wait for unlock with timeout.
		done := make(chan struct{})
		go func() {
			lock.cond.Wait()
			close(done)
		}()

		select {
		case <-done:
			// Released; loop and retry.
		case <-time.After(remaining):
			return nil, ErrLockTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	lock.locked = true
	lock.holder = holder
	lock.acquired = time.Now()

	return func() { lock.release() }, nil
}

// TryAcquire attempts to take the write lock without waiting.
// Returns false if the lock is already held.
func (m *LockManager) TryAcquire(sessionID, holder string) (func(), bool) {
	lock := m.lockFor(sessionID)

	lock.mu.Lock()
	defer lock.mu.Unlock()

	if lock.locked {
		return nil, false
	}

	lock.locked = true
	lock.holder = holder
	lock.acquired = time.Now()

	return func() { lock.release() }, true
}

func (l *sessionLock) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.locked = false
	l.holder = ""
	l.cond.Broadcast()
}

// IsLocked reports whether the session is currently locked.
func (m *LockManager) IsLocked(sessionID string) bool {
	m.mu.RLock()
	lock, ok := m.locks[sessionID]
	m.mu.RUnlock()

	if !ok {
		return false
	}

	lock.mu.Lock()
	defer lock.mu.Unlock()
	return lock.locked
}

// LockInfo returns the current holder of the session lock, if any.
func (m *LockManager) LockInfo(sessionID string) (holder string, since time.Time, locked bool) {
	m.mu.RLock()
	lock, ok := m.locks[sessionID]
	m.mu.RUnlock()

	if !ok {
		return "", time.Time{}, false
	}

	lock.mu.Lock()
	defer lock.mu.Unlock()
	return lock.holder, lock.acquired, lock.locked
}

// cleanupLoop periodically removes stale lock entries.
func (m *LockManager) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanup()
		case <-m.stop:
			return
		}
	}
}

// cleanup removes unlocked entries that haven't been used recently.
func (m *LockManager) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-10 * time.Minute)

	for id, lock := range m.locks {
		lock.mu.Lock()
		if !lock.locked && lock.acquired.Before(cutoff) {
			delete(m.locks, id)
		}
		lock.mu.Unlock()
	}
}
