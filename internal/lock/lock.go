// Package lock provides the kernel's test-and-set spinlock and the
// Mutex[T] built on top of it. Every kernel data structure shared across
// traps is guarded by one of these rather than by anything from the
// standard sync package: sync.Mutex can put a goroutine to sleep and wake
// it later on the Go scheduler, which doesn't exist at this layer — there
// is no scheduler underneath a trap handler to sleep on.
package lock

import (
	"sync/atomic"

	"github.com/GeraldLeeDoesThings/EepyOS/internal/kconfig"
	"github.com/GeraldLeeDoesThings/EepyOS/internal/kpanic"
)

// Lock is a single atomic boolean claimed with compare-and-swap.
type Lock struct {
	claimed atomic.Bool
}

// New returns an unclaimed Lock.
func New() *Lock {
	return &Lock{}
}

// Claim attempts to transition the lock from unclaimed to claimed. It
// reports whether the attempt succeeded.
func (l *Lock) Claim() bool {
	return l.claimed.CompareAndSwap(false, true)
}

// Release attempts to transition the lock from claimed to unclaimed. It
// reports whether the attempt succeeded.
func (l *Lock) Release() bool {
	return l.claimed.CompareAndSwap(true, false)
}

// IsHeld reports whether the lock is currently claimed.
func (l *Lock) IsHeld() bool {
	return l.claimed.Load()
}

// ClaimBlocking spins on Claim up to kconfig.MaxLockAcquireCycles times and
// panics via kpanic if it never succeeds.
func (l *Lock) ClaimBlocking() {
	for attempts := 0; attempts < kconfig.MaxLockAcquireCycles; attempts++ {
		if l.Claim() {
			return
		}
	}
	kpanic.Panic("Failed to acquire lock in time.")
}

// MutexLockError reports that a Mutex was already held when Lock was
// attempted.
type MutexLockError struct{}

func (MutexLockError) Error() string {
	return "Mutex is already held."
}

// Mutex composes a Lock with interior access to a guarded value of type T.
// The zero value is an unlocked Mutex guarding T's zero value; NewMutex
// builds one guarding a given value.
type Mutex[T any] struct {
	guarded T
	gate    Lock
}

// NewMutex returns a Mutex guarding val.
func NewMutex[T any](val T) *Mutex[T] {
	return &Mutex[T]{guarded: val}
}

// Guard is the handle returned by a successful lock acquisition.
// Exclusive and shared acquisition are not distinguished by the lock
// itself: both produce the same guard shape, and it is the caller's
// discipline that decides what capability to use it for.
type Guard[T any] struct {
	mutex    *Mutex[T]
	released bool
}

// Lock attempts to claim m's gate, returning a Guard on success or a
// MutexLockError if the mutex was already held.
func (m *Mutex[T]) Lock() (*Guard[T], error) {
	if !m.gate.Claim() {
		return nil, MutexLockError{}
	}
	return &Guard[T]{mutex: m}, nil
}

// LockBlocking claims m's gate, spinning per Lock.ClaimBlocking, and
// panics rather than ever returning an unclaimed guard.
func (m *Mutex[T]) LockBlocking() *Guard[T] {
	m.gate.ClaimBlocking()
	return &Guard[T]{mutex: m}
}

// IsHeld reports whether m is currently locked.
func (m *Mutex[T]) IsHeld() bool {
	return m.gate.IsHeld()
}

// Get returns a pointer to the guarded value. Using it after Release has
// been called is a caller bug; don't retain the pointer past Release.
func (g *Guard[T]) Get() *T {
	return &g.mutex.guarded
}

// Release gives up the mutex. Releasing an already-released guard is a
// no-op; failing to release a held guard's lock is a fatal invariant
// violation.
func (g *Guard[T]) Release() {
	if g.released {
		return
	}
	g.released = true
	if !g.mutex.gate.Release() {
		kpanic.Panic("Mutex lock failed to release.")
	}
}
