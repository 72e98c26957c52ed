// Package dispatch is the request-record front door: it resolves the target
// adapter, runs the passthrough or driver command and lays driver command
// results out as binary records in the caller's buffer.
package dispatch

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/mptpass/internal/adapter"
	"github.com/piwi3910/mptpass/internal/cmdslot"
	"github.com/piwi3910/mptpass/internal/mpi"
	"github.com/piwi3910/mptpass/internal/passthrough"
	"github.com/piwi3910/mptpass/pkg/pterrors"
)

// PassthroughRequest addresses a passthrough command to an adapter.
type PassthroughRequest struct {
	passthrough.Request
	AdapterID int
}

// DriverRequest is a driver command record. DataOut carries the input record
// (reset type, PEL class and locale), DataIn receives the output record.
type DriverRequest struct {
	DataIn    []byte
	DataOut   []byte
	AdapterID int
	Mode      cmdslot.Mode
	Opcode    uint8
}

// Dispatcher routes request records to adapters.
type Dispatcher struct {
	adapters *adapter.Registry
}

// New creates a dispatcher over reg.
func New(reg *adapter.Registry) *Dispatcher {
	return &Dispatcher{adapters: reg}
}

// Passthrough runs a passthrough command.
func (d *Dispatcher) Passthrough(ctx context.Context, req *PassthroughRequest) (*passthrough.Result, error) {
	a, err := d.adapters.Get(req.AdapterID)
	if err != nil {
		return nil, err
	}

	return a.Execute(ctx, &req.Request)
}

// Driver runs a driver command and returns how many bytes of req.DataIn were
// written.
func (d *Dispatcher) Driver(ctx context.Context, req *DriverRequest) (int, error) {
	a, err := d.adapters.Get(req.AdapterID)
	if err != nil {
		return 0, err
	}

	out, err := d.driver(ctx, a, req)
	if err != nil {
		log.Debug().Err(err).Int("adapter_id", req.AdapterID).Uint8("opcode", req.Opcode).Msg("Driver command rejected")
		return 0, err
	}

	return copy(req.DataIn, out), nil
}

func (d *Dispatcher) driver(ctx context.Context, a *adapter.Adapter, req *DriverRequest) ([]byte, error) {
	switch req.Opcode {
	case adapter.OpcodeInfo:
		rec, err := a.Info(ctx, req.Mode)
		if err != nil {
			return nil, err
		}

		return mpi.Encode(&rec)
	case adapter.OpcodeAllTargetInfo:
		recs, err := a.TargetRecords(ctx, req.Mode)
		if err != nil {
			return nil, err
		}

		return adapter.EncodeTargetRecords(recs, len(req.DataIn))
	case adapter.OpcodeChangeCount:
		cc, err := a.ChangeCount(ctx, req.Mode)
		if err != nil {
			return nil, err
		}

		return mpi.Encode(&adapter.ChangeCountRecord{ChangeCount: cc})
	case adapter.OpcodeLogDataEnable:
		rec, err := a.EnableLogData(ctx, req.Mode)
		if err != nil {
			return nil, err
		}

		return mpi.Encode(&rec)
	case adapter.OpcodeGetLogData:
		return a.LogData(ctx, req.Mode, len(req.DataIn))
	case adapter.OpcodeReset:
		var rec adapter.ResetRecord
		if err := mpi.Decode(req.DataOut, &rec); err != nil {
			return nil, pterrors.Wrap(pterrors.ErrInvalidArgument, "reset record: %v", err)
		}

		return nil, a.Reset(ctx, req.Mode, rec.ResetType)
	case adapter.OpcodePELEnable:
		var rec adapter.PELEnableRecord
		if err := mpi.Decode(req.DataOut, &rec); err != nil {
			return nil, pterrors.Wrap(pterrors.ErrInvalidArgument, "PEL enable record: %v", err)
		}

		return nil, a.EnablePEL(ctx, req.Mode, rec.Class, rec.Locale)
	default:
		return nil, pterrors.Wrap(pterrors.ErrInvalidArgument, "unknown driver opcode %d", req.Opcode)
	}
}

// Status maps the outcome of a dispatched command to its signed status code.
func Status(err error) int {
	return pterrors.Errno(err)
}
