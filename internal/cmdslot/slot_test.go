package cmdslot

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/mptpass/pkg/pterrors"
)

type recorder struct {
	causes []Cause
	mu     sync.Mutex
}

func (r *recorder) RequestRecovery(cause Cause) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.causes = append(r.causes, cause)
}

func (r *recorder) Causes() []Cause {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Cause(nil), r.causes...)
}

func TestLockModes(t *testing.T) {
	l := NewLock()

	require.True(t, l.TryLock())
	assert.False(t, l.TryLock())
	assert.ErrorIs(t, l.Acquire(context.Background(), NonBlocking), pterrors.ErrBusy)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Acquire(ctx, Interruptible), pterrors.ErrInterrupted)

	l.Unlock()
	assert.NoError(t, l.Acquire(context.Background(), Interruptible))
	l.Unlock()
	assert.Panics(t, func() { l.Unlock() })
}

func TestCompletedCommand(t *testing.T) {
	s := New("passthrough", 2)

	cmd, err := s.Acquire(context.Background(), Blocking, nil)
	require.NoError(t, err)
	defer cmd.Release()

	sense := make([]byte, 32)
	cmd.AttachSense(sense)

	reply := []byte{0xAA, 0xBB}
	err = cmd.Submit([]byte("frame"), SubmitFunc(func([]byte) error {
		go s.Complete(Completion{Reply: reply, Sense: []byte{0x70, 0x00, 0x05}, IOCStatus: 0x0004, IOCLogInfo: 9})
		return nil
	}))
	require.NoError(t, err)

	rec := &recorder{}
	out, err := cmd.Wait(time.Second, rec, CausePassthroughTimeout)
	require.NoError(t, err)

	assert.True(t, out.ReplyValid)
	assert.Equal(t, reply, out.Reply)
	assert.True(t, out.SenseValid)
	assert.Equal(t, []byte{0x70, 0x00, 0x05}, sense[:3])
	assert.Equal(t, uint16(0x0004), out.IOCStatus)
	assert.Equal(t, uint32(9), out.IOCLogInfo)
	assert.Equal(t, StateComplete, s.State())
	assert.Empty(t, rec.Causes())
}

func TestStatusOnlyCompletion(t *testing.T) {
	s := New("passthrough", 2)

	cmd, err := s.Acquire(context.Background(), Blocking, nil)
	require.NoError(t, err)
	defer cmd.Release()

	require.NoError(t, cmd.Submit(nil, SubmitFunc(func([]byte) error {
		assert.True(t, s.Complete(Completion{}))
		return nil
	})))

	out, err := cmd.Wait(time.Second, nil, CausePassthroughTimeout)
	require.NoError(t, err)
	assert.False(t, out.ReplyValid)
	assert.False(t, out.SenseValid)
}

func TestSubmitFailureFreesSlot(t *testing.T) {
	s := New("passthrough", 2)

	cmd, err := s.Acquire(context.Background(), Blocking, nil)
	require.NoError(t, err)

	err = cmd.Submit(nil, SubmitFunc(func([]byte) error { return errors.New("queue full") }))
	assert.ErrorIs(t, err, pterrors.ErrTransientFailure)
	assert.Equal(t, StateFree, s.State())
	assert.False(t, s.Waiting())

	cmd.Release()
}

func TestTimeoutEscalatesOnce(t *testing.T) {
	s := New("passthrough", 2)
	rec := &recorder{}
	timeout := 50 * time.Millisecond

	cmd, err := s.Acquire(context.Background(), Blocking, nil)
	require.NoError(t, err)

	require.NoError(t, cmd.Submit(nil, SubmitFunc(func([]byte) error { return nil })))

	start := time.Now()
	_, err = cmd.Wait(timeout, rec, CausePassthroughTimeout)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, pterrors.ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Equal(t, []Cause{CausePassthroughTimeout}, rec.Causes())
	assert.False(t, s.Waiting())

	assert.False(t, s.Complete(Completion{IOCStatus: 0}), "late completion must be dropped")

	cmd.Release()
	assert.Equal(t, StateFree, s.State())
	assert.Equal(t, []Cause{CausePassthroughTimeout}, rec.Causes())
}

func TestFlushDoesNotEscalate(t *testing.T) {
	s := New("passthrough", 2)
	rec := &recorder{}

	cmd, err := s.Acquire(context.Background(), Blocking, nil)
	require.NoError(t, err)
	defer cmd.Release()

	require.NoError(t, cmd.Submit(nil, SubmitFunc(func([]byte) error {
		go s.Flush()
		return nil
	})))

	_, err = cmd.Wait(time.Second, rec, CausePassthroughTimeout)
	assert.ErrorIs(t, err, pterrors.ErrUnavailable)
	assert.Empty(t, rec.Causes())
}

func TestGateVetoReleasesLock(t *testing.T) {
	s := New("passthrough", 2)

	_, err := s.Acquire(context.Background(), NonBlocking, func() error {
		return pterrors.ErrUnavailable.WithMessage("reset in progress")
	})
	assert.ErrorIs(t, err, pterrors.ErrUnavailable)
	assert.Equal(t, StateFree, s.State())

	cmd, err := s.Acquire(context.Background(), NonBlocking, nil)
	require.NoError(t, err)
	cmd.Release()
}

func TestReleaseIsIdempotent(t *testing.T) {
	s := New("passthrough", 2)

	for i := 0; i < 3; i++ {
		cmd, err := s.Acquire(context.Background(), NonBlocking, nil)
		require.NoError(t, err, "iteration %d", i)

		require.NoError(t, cmd.Submit(nil, SubmitFunc(func([]byte) error {
			s.Complete(Completion{})
			return nil
		})))
		_, err = cmd.Wait(time.Second, nil, CausePassthroughTimeout)
		require.NoError(t, err)

		cmd.Release()
		cmd.Release()
		assert.Equal(t, StateFree, s.State())
	}
}

func TestConcurrentNonBlockingIsBusy(t *testing.T) {
	s := New("passthrough", 2)

	first, err := s.Acquire(context.Background(), NonBlocking, nil)
	require.NoError(t, err)

	_, err = s.Acquire(context.Background(), NonBlocking, nil)
	assert.ErrorIs(t, err, pterrors.ErrBusy)

	first.Release()
}

func TestConcurrentBlockingWaitsForRelease(t *testing.T) {
	s := New("passthrough", 2)

	first, err := s.Acquire(context.Background(), Blocking, nil)
	require.NoError(t, err)
	require.NoError(t, first.Submit(nil, SubmitFunc(func([]byte) error { return nil })))

	var acquired atomic.Bool
	stateAtAcquire := make(chan State, 1)

	go func() {
		second, err := s.Acquire(context.Background(), Blocking, nil)
		if err != nil {
			return
		}

		stateAtAcquire <- s.State()
		acquired.Store(true)
		second.Release()
	}()

	time.Sleep(30 * time.Millisecond)
	assert.False(t, acquired.Load(), "second acquire must block while first is pending")
	assert.Equal(t, StatePending, s.State())

	require.True(t, s.Complete(Completion{}))
	_, err = first.Wait(time.Second, nil, CausePassthroughTimeout)
	require.NoError(t, err)
	first.Release()

	select {
	case st := <-stateAtAcquire:
		assert.Equal(t, StateFree, st)
	case <-time.After(time.Second):
		t.Fatal("second acquire never completed")
	}
}

func TestExclusive(t *testing.T) {
	s := New("passthrough", 2)

	held, err := s.Acquire(context.Background(), NonBlocking, nil)
	require.NoError(t, err)

	err = s.Exclusive(context.Background(), NonBlocking, func() error { return nil })
	assert.ErrorIs(t, err, pterrors.ErrBusy)

	held.Release()

	called := false
	require.NoError(t, s.Exclusive(context.Background(), NonBlocking, func() error {
		called = true
		return nil
	}))
	assert.True(t, called)
}
