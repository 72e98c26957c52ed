// Package cmdslot implements the single-outstanding-command slot used for each
// command class of an adapter.
//
// A Slot moves through Free -> Pending -> {Complete, Reset} -> Free. Callers
// acquire it (Slot.Acquire), submit one frame, wait for the completion with a
// deadline and release it on every exit path. A deadline expiry disables
// further completion delivery for the waiter and asks the Recoverer for a full
// controller recovery before Wait returns pterrors.ErrTimeout.
package cmdslot

import (
	"context"
	"sync"
	"time"

	"github.com/piwi3910/mptpass/pkg/pterrors"
)

// State of a slot.
type State uint8

// Slot states.
const (
	StateFree State = iota
	StatePending
	StateComplete
	StateReset
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StatePending:
		return "pending"
	case StateComplete:
		return "complete"
	case StateReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Cause tags a recovery request.
type Cause string

// Recovery causes.
const (
	CausePassthroughTimeout Cause = "passthrough_timeout"
	CausePELAbortTimeout    Cause = "pel_abort_timeout"
	CauseUserSoftReset      Cause = "user_soft_reset"
	CauseUserDiagFault      Cause = "user_diag_fault"
)

// Submitter enqueues a frame to the firmware.
type Submitter interface {
	Submit(frame []byte) error
}

// SubmitFunc adapts a function to Submitter.
type SubmitFunc func(frame []byte) error

// Submit calls f(frame).
func (f SubmitFunc) Submit(frame []byte) error { return f(frame) }

// Recoverer triggers a full controller recovery.
type Recoverer interface {
	RequestRecovery(cause Cause)
}

// RecoverFunc adapts a function to Recoverer.
type RecoverFunc func(cause Cause)

// RequestRecovery calls f(cause).
func (f RecoverFunc) RequestRecovery(cause Cause) { f(cause) }

// Completion is what the firmware posts for a command.
type Completion struct {
	// Reply is the full reply frame, nil when only a status was posted.
	Reply      []byte
	Sense      []byte
	IOCLogInfo uint32
	IOCStatus  uint16
}

// Outcome is the captured result of a completed command.
type Outcome struct {
	Reply      []byte
	IOCLogInfo uint32
	IOCStatus  uint16
	ReplyValid bool
	SenseValid bool
}

// Slot is the per-class command slot.
type Slot struct {
	lock       *Lock
	done       chan struct{}
	reply      []byte
	sense      []byte
	name       string
	logInfo    uint32
	status     uint16
	hostTag    uint16
	state      State
	waiting    bool
	replyValid bool
	senseValid bool
	mu         sync.Mutex
}

// New creates a free slot for the class name whose completions carry hostTag.
func New(name string, hostTag uint16) *Slot {
	return &Slot{
		lock:    NewLock(),
		name:    name,
		hostTag: hostTag,
	}
}

// Name returns the class name.
func (s *Slot) Name() string { return s.name }

// HostTag returns the correlation tag of the class.
func (s *Slot) HostTag() uint16 { return s.hostTag }

// State returns the current state.
func (s *Slot) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Waiting reports whether a waiter still accepts a completion.
func (s *Slot) Waiting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.waiting
}

// Acquire takes the slot's lock according to mode. gate, when non-nil, runs
// with the lock held and vetoes the acquisition (typically with
// pterrors.ErrUnavailable while a recovery is running).
func (s *Slot) Acquire(ctx context.Context, mode Mode, gate func() error) (*Command, error) {
	if err := s.lock.Acquire(ctx, mode); err != nil {
		return nil, err
	}

	if s.State() == StatePending {
		s.lock.Unlock()
		return nil, pterrors.Wrap(pterrors.ErrBusy, "%s command pending", s.name)
	}

	if gate != nil {
		if err := gate(); err != nil {
			s.lock.Unlock()
			return nil, err
		}
	}

	return &Command{slot: s}, nil
}

// Exclusive runs fn while holding the slot's lock, without entering Pending.
func (s *Slot) Exclusive(ctx context.Context, mode Mode, fn func() error) error {
	if err := s.lock.Acquire(ctx, mode); err != nil {
		return err
	}
	defer s.lock.Unlock()

	return fn()
}

// Complete delivers a completion. It returns false when nobody is waiting for
// it (the command timed out, was flushed, or was never submitted).
func (s *Slot) Complete(c Completion) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StatePending || !s.waiting {
		return false
	}

	s.status = c.IOCStatus
	s.logInfo = c.IOCLogInfo

	if c.Reply != nil {
		s.reply = append([]byte(nil), c.Reply...)
		s.replyValid = true
	}

	if len(c.Sense) > 0 && len(s.sense) > 0 {
		copy(s.sense, c.Sense)
		s.senseValid = true
	}

	s.state = StateComplete
	close(s.done)

	return true
}

// Flush terminates a pending command because the controller is being reset.
func (s *Slot) Flush() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StatePending {
		return false
	}

	s.state = StateReset
	close(s.done)

	return true
}

// Command is an acquired slot. Release must be called exactly once the caller
// is done; further calls are no-ops.
type Command struct {
	slot     *Slot
	released bool
}

// AttachSense registers buf as the destination of sense data for the next
// submission.
func (c *Command) AttachSense(buf []byte) {
	c.slot.mu.Lock()
	c.slot.sense = buf
	c.slot.mu.Unlock()
}

// Submit moves the slot to Pending and hands frame to sub. A rejected
// submission returns the slot to Free and fails with
// pterrors.ErrTransientFailure.
func (c *Command) Submit(frame []byte, sub Submitter) error {
	s := c.slot

	s.mu.Lock()
	s.state = StatePending
	s.waiting = true
	s.replyValid = false
	s.senseValid = false
	s.reply = nil
	s.status = 0
	s.logInfo = 0
	s.done = make(chan struct{})
	s.mu.Unlock()

	if err := sub.Submit(frame); err != nil {
		s.mu.Lock()
		s.state = StateFree
		s.waiting = false
		s.mu.Unlock()

		return pterrors.Wrap(pterrors.ErrTransientFailure, "%s submit: %v", s.name, err)
	}

	return nil
}

// Wait blocks until the submitted command completes or timeout elapses. On
// expiry the waiter stops accepting completions, rec is asked for a recovery
// tagged with cause, and pterrors.ErrTimeout is returned.
func (c *Command) Wait(timeout time.Duration, rec Recoverer, cause Cause) (Outcome, error) {
	s := c.slot

	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
	}

	s.mu.Lock()

	switch s.state {
	case StateComplete:
		out := Outcome{
			Reply:      s.reply,
			IOCLogInfo: s.logInfo,
			IOCStatus:  s.status,
			ReplyValid: s.replyValid,
			SenseValid: s.senseValid,
		}
		s.waiting = false
		s.mu.Unlock()

		return out, nil
	case StateReset:
		s.waiting = false
		s.mu.Unlock()

		return Outcome{}, pterrors.Wrap(pterrors.ErrUnavailable, "%s command flushed by controller reset", s.name)
	default:
		s.waiting = false
		s.state = StateReset
		s.mu.Unlock()

		if rec != nil {
			rec.RequestRecovery(cause)
		}

		return Outcome{}, pterrors.Wrap(pterrors.ErrTimeout, "%s command not completed within %s", s.name, timeout)
	}
}

// Release returns the slot to Free and unlocks it.
func (c *Command) Release() {
	if c.released {
		return
	}

	c.released = true

	s := c.slot
	s.mu.Lock()
	s.state = StateFree
	s.waiting = false
	s.sense = nil
	s.reply = nil
	s.done = nil
	s.mu.Unlock()

	s.lock.Unlock()
}
