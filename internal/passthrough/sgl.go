package passthrough

import (
	"github.com/piwi3910/mptpass/internal/mpi"
	"github.com/piwi3910/mptpass/pkg/pterrors"
)

// buildSGL encodes the generic SGL of a non-NVMe request. In management mode
// the command and response buffers take the two fixed SGE slots and the data
// SGL goes into the headroom behind the command payload; otherwise the data
// SGL follows the request inside the frame.
func buildSGL(frame mpi.Frame, cls *classification, cmdLen int, ts *transferSet) error {
	var (
		sgl   []byte
		first int
	)

	if cls.mgmtCmd {
		cmd := &ts.bufs[0]
		if err := putSGE(frame[mpi.MgmtCommandSGLOffset:], mpi.SGEFlagsLast, cmd); err != nil {
			return err
		}

		first = 1

		if cls.mgmtResp {
			if err := putSGE(frame[mpi.MgmtResponseSGLOffset:], mpi.SGEFlagsLast, &ts.bufs[1]); err != nil {
				return err
			}

			first = 2
		} else if err := putTerminator(frame[mpi.MgmtResponseSGLOffset:]); err != nil {
			return err
		}

		if cmd.region != nil {
			sgl = cmd.region.Bytes()[cmd.Length:]
		}
	} else {
		frame.SetSGLOffset(cmdLen)
		sgl = frame[cmdLen:]
	}

	remaining := 0
	for _, b := range ts.bufs[first:] {
		if b.dir != Bidirectional {
			remaining++
		}
	}

	if remaining == 0 {
		if len(sgl) < mpi.SGESize {
			return nil
		}

		return putTerminator(sgl)
	}

	off := 0

	for i := first; i < len(ts.bufs); i++ {
		b := &ts.bufs[i]
		if b.dir == Bidirectional {
			continue
		}

		flags := mpi.SGEFlagsDefault
		if remaining == 1 {
			flags = mpi.SGEFlagsLast
		}

		if err := putSGE(sgl[off:], flags, b); err != nil {
			return err
		}

		off += mpi.SGESize
		remaining--
	}

	return nil
}

func putSGE(dst []byte, flags uint8, b *mappedBuffer) error {
	err := mpi.SGE{
		Address: b.addr(),
		Length:  uint32(b.size()),
		Flags:   flags,
	}.Put(dst)
	if err != nil {
		return pterrors.Wrap(pterrors.ErrInvalidArgument, "SGL: %v", err)
	}

	return nil
}

func putTerminator(dst []byte) error {
	if err := mpi.ZeroLengthSGE().Put(dst); err != nil {
		return pterrors.Wrap(pterrors.ErrInvalidArgument, "SGL terminator: %v", err)
	}

	return nil
}
