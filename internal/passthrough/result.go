package passthrough

import (
	"errors"

	"github.com/piwi3910/mptpass/internal/cmdslot"
	"github.com/piwi3910/mptpass/internal/mpi"
	"github.com/piwi3910/mptpass/pkg/pterrors"
)

// drain copies the reply staging record, sense data and every FromDevice
// region back to the caller. A failed copy is recorded and draining continues;
// the failures come back joined under pterrors.ErrFault.
func drain(ts *transferSet, cls *classification, out cmdslot.Outcome, replySize int) (*Result, error) {
	res := &Result{
		Copied:     make([]int, len(ts.bufs)),
		IOCLogInfo: out.IOCLogInfo,
		IOCStatus:  out.IOCStatus,
		ReplyValid: out.ReplyValid,
		SenseValid: out.SenseValid,
	}

	var errs []error

	if cls.replyIdx >= 0 && cls.entries[cls.replyIdx].Length > 0 {
		var reply []byte
		if out.ReplyValid {
			reply = out.Reply
		}

		rec, err := mpi.BuildReplyStaging(replySize, reply, out.IOCStatus, out.IOCLogInfo)
		if err != nil {
			return nil, err
		}

		if err := copyOut(res, cls.entries[cls.replyIdx].BufferEntry, cls.replyIdx, rec); err != nil {
			errs = append(errs, err)
		}
	}

	if cls.errIdx >= 0 && out.SenseValid && ts.sense != nil {
		if err := copyOut(res, cls.entries[cls.errIdx].BufferEntry, cls.errIdx, ts.sense.Bytes()); err != nil {
			errs = append(errs, err)
		}
	}

	for i := range ts.bufs {
		b := &ts.bufs[i]
		if b.dir != FromDevice || b.region == nil {
			continue
		}

		if err := copyOut(res, b.BufferEntry, i, b.region.Bytes()); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return res, errors.Join(append([]error{pterrors.ErrFault}, errs...)...)
	}

	return res, nil
}

// copyOut writes min(len(src), e.Length) bytes of src to the caller.
func copyOut(res *Result, e BufferEntry, idx int, src []byte) error {
	n := min(len(src), int(e.Length))
	if n == 0 {
		return nil
	}

	written, err := e.Region.WriteAt(src[:n], 0)
	res.Copied[idx] = written

	if err != nil || written < n {
		return pterrors.Wrap(pterrors.ErrFault, "copy out buffer %d (%s): %d of %d bytes: %v", idx, e.Type, written, n, err)
	}

	return nil
}
