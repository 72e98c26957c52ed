package cmdslot

import (
	"context"

	"github.com/piwi3910/mptpass/pkg/pterrors"
)

// Mode selects how a caller waits for the exclusive lock.
type Mode uint8

// Acquisition modes.
const (
	// Blocking waits until the lock is free.
	Blocking Mode = iota
	// NonBlocking fails with pterrors.ErrBusy if the lock is held.
	NonBlocking
	// Interruptible waits until the lock is free or the context is done, in
	// which case it fails with pterrors.ErrInterrupted.
	Interruptible
)

func (m Mode) String() string {
	switch m {
	case Blocking:
		return "blocking"
	case NonBlocking:
		return "nonblocking"
	case Interruptible:
		return "interruptible"
	default:
		return "unknown"
	}
}

// Lock is a mutual exclusion lock supporting try, blocking and cancellable
// acquisition.
type Lock struct {
	ch chan struct{}
}

// NewLock returns an unlocked Lock.
func NewLock() *Lock {
	return &Lock{ch: make(chan struct{}, 1)}
}

// TryLock acquires the lock if it is free and reports whether it did.
func (l *Lock) TryLock() bool {
	select {
	case l.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// Lock blocks until the lock is acquired.
func (l *Lock) Lock() {
	l.ch <- struct{}{}
}

// LockContext blocks until the lock is acquired or ctx is done.
func (l *Lock) LockContext(ctx context.Context) error {
	select {
	case l.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unlock releases the lock. Unlocking an unlocked Lock panics.
func (l *Lock) Unlock() {
	select {
	case <-l.ch:
	default:
		panic("cmdslot: unlock of unlocked lock")
	}
}

// Acquire takes the lock using mode.
func (l *Lock) Acquire(ctx context.Context, mode Mode) error {
	switch mode {
	case NonBlocking:
		if !l.TryLock() {
			return pterrors.ErrBusy
		}

		return nil
	case Interruptible:
		if err := l.LockContext(ctx); err != nil {
			return pterrors.Wrap(pterrors.ErrInterrupted, "%v", err)
		}

		return nil
	default:
		l.Lock()
		return nil
	}
}
