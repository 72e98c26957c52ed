// Package passthrough executes application-supplied MPI commands on an
// adapter.
//
// An invocation runs the same pipeline every time:
//
//  1. classify the caller's buffer list
//  2. map each buffer into device memory and stage outbound payloads
//  3. encode the generic SGL, or for encapsulated NVMe commands the PRP chain
//     or inline SGL descriptor
//  4. acquire the passthrough command slot, submit, wait
//  5. drain the reply, sense data and inbound buffers back to the caller
//
// Every device region and the slot itself are released on every exit path.
package passthrough

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/mptpass/internal/cmdslot"
	"github.com/piwi3910/mptpass/internal/dma"
	"github.com/piwi3910/mptpass/internal/metrics"
	"github.com/piwi3910/mptpass/internal/mpi"
	"github.com/piwi3910/mptpass/pkg/pterrors"
)

// DefaultMinTimeout is the shortest deadline a passthrough command gets.
const DefaultMinTimeout = 10 * time.Second

// Controller is what the engine needs from an adapter.
type Controller interface {
	cmdslot.Submitter
	cmdslot.Recoverer
	PageSizer

	Allocator() dma.Allocator
	AddressModifier() mpi.AddressModifier
	ReplySize() int
	// Available fails with pterrors.ErrUnavailable while the adapter is
	// resetting or blocked.
	Available() error
}

// Options tune an Engine.
type Options struct {
	MinTimeout time.Duration
}

// Engine runs passthrough commands for one adapter.
type Engine struct {
	ctrl       Controller
	slot       *cmdslot.Slot
	name       string
	minTimeout time.Duration
}

// NewEngine creates an engine submitting through slot on ctrl. name labels
// logs and metrics.
func NewEngine(name string, ctrl Controller, slot *cmdslot.Slot, opts Options) *Engine {
	if opts.MinTimeout <= 0 {
		opts.MinTimeout = DefaultMinTimeout
	}

	return &Engine{
		ctrl:       ctrl,
		slot:       slot,
		name:       name,
		minTimeout: opts.MinTimeout,
	}
}

type requestIDKey struct{}

// ContextWithRequestID tags the invocations run with ctx with id in logs.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok && id != "" {
		return id
	}

	return uuid.NewString()
}

// Slot returns the command slot the engine submits through.
func (e *Engine) Slot() *cmdslot.Slot {
	return e.slot
}

// Execute runs req to completion. A non-success IOC status is not an error:
// it is reported in the Result. Result is also returned alongside a
// pterrors.ErrFault when some result bytes could not be copied back.
func (e *Engine) Execute(ctx context.Context, req *Request) (res *Result, err error) {
	start := time.Now()
	logger := log.With().
		Str("request_id", requestID(ctx)).
		Str("adapter", e.name).
		Logger()

	var fn uint8

	defer func() {
		code, _ := pterrors.CodeOf(err)
		metrics.RecordCommand(e.name, fn, metrics.Result(string(code), err), time.Since(start))
	}()

	if err := validateCommand(req.Command); err != nil {
		return nil, err
	}

	frame := mpi.NewFrame()
	copy(frame, req.Command)
	fn = frame.Function()

	cls, err := classify(req.Buffers, len(req.Command))
	if err != nil {
		logger.Debug().Err(err).Msg("Rejected buffer list")
		return nil, err
	}

	ts, err := mapBuffers(e.ctrl.Allocator(), cls)
	if err != nil {
		return nil, err
	}

	defer func() {
		if rerr := ts.Release(); rerr != nil {
			logger.Error().Err(rerr).Msg("Failed to release transfer buffers")
		}
	}()

	nvme := fn == mpi.FunctionNVMeEncapsulated
	if !nvme {
		if err := buildSGL(frame, cls, len(req.Command), ts); err != nil {
			return nil, err
		}
	}

	cmd, err := e.slot.Acquire(ctx, req.Mode, e.ctrl.Available)
	if err != nil {
		code, _ := pterrors.CodeOf(err)
		metrics.RecordSlotContention(e.name, e.slot.Name(), string(code))

		return nil, err
	}
	defer cmd.Release()

	if nvme {
		if err := transcodeNVMe(frame, ts, e.ctrl, e.ctrl.AddressModifier()); err != nil {
			return nil, err
		}
	}

	if ts.sense != nil {
		cmd.AttachSense(ts.sense.Bytes())
	}

	frame.SetHostTag(e.slot.HostTag())

	timeout := max(req.Timeout, e.minTimeout)

	if err := cmd.Submit(frame, e.ctrl); err != nil {
		logger.Warn().Err(err).Msg("Firmware rejected passthrough command")
		return nil, err
	}

	out, err := cmd.Wait(timeout, e.ctrl, cmdslot.CausePassthroughTimeout)
	if err != nil {
		if code, _ := pterrors.CodeOf(err); code == pterrors.CodeTimeout {
			metrics.RecordTimeout(e.name, e.slot.Name())
			logger.Error().
				Str("function", metrics.FunctionLabel(fn)).
				Dur("timeout", timeout).
				Msg("Passthrough command timed out, controller recovery requested")
		}

		return nil, err
	}

	logStatus(logger, fn, out)

	res, err = drain(ts, cls, out, e.ctrl.ReplySize())
	if err != nil {
		metrics.RecordDrainFault(e.name)
		logger.Warn().Err(err).Msg("Failed to copy some results to caller")
	}

	return res, err
}

func validateCommand(cmd []byte) error {
	switch {
	case len(cmd) == 0:
		return pterrors.Wrap(pterrors.ErrInvalidArgument, "empty request")
	case len(cmd) > mpi.AdminReqFrameSize:
		return pterrors.Wrap(pterrors.ErrInvalidArgument, "request of %d bytes exceeds %d byte frame", len(cmd), mpi.AdminReqFrameSize)
	case len(cmd)%4 != 0:
		return pterrors.Wrap(pterrors.ErrInvalidArgument, "request length %d is not a whole number of dwords", len(cmd))
	}

	return nil
}

func logStatus(logger zerolog.Logger, fn uint8, out cmdslot.Outcome) {
	if out.IOCStatus&mpi.IOCStatusMask == mpi.IOCStatusSuccess {
		return
	}

	logger.Debug().
		Str("function", metrics.FunctionLabel(fn)).
		Uint16("ioc_status", out.IOCStatus).
		Uint32("ioc_loginfo", out.IOCLogInfo).
		Msg("Passthrough command completed with non-success status")
}
