package passthrough

import (
	"github.com/piwi3910/mptpass/internal/mpi"
	"github.com/piwi3910/mptpass/pkg/pterrors"
)

// maxBufferEntries is the largest list the request record can describe.
const maxBufferEntries = 255

type classified struct {
	BufferEntry
	dir Direction
}

type classification struct {
	entries  []classified
	dataIn   int
	dataOut  int
	replyIdx int
	errIdx   int
	mgmtCmd  bool
	mgmtResp bool
}

// dataCount is the number of DataIn and DataOut buffers.
func (c *classification) dataCount() int {
	return c.dataIn + c.dataOut
}

func directionOf(t BufferType) Direction {
	switch t {
	case BufferCommandMgmt, BufferDataOut:
		return ToDevice
	case BufferResponseMgmt, BufferDataIn:
		return FromDevice
	case BufferReplyStaging, BufferErrorStaging:
		return Bidirectional
	default:
		return DirNone
	}
}

// classify validates the buffer list against the positional and cardinality
// rules and tags each entry with its transfer direction. cmdLen is the size of
// the encoded request, used for the inline SGL capacity check.
func classify(bufs []BufferEntry, cmdLen int) (*classification, error) {
	if len(bufs) == 0 {
		return nil, pterrors.Wrap(pterrors.ErrInvalidArgument, "empty buffer list")
	}

	if len(bufs) > maxBufferEntries {
		return nil, pterrors.Wrap(pterrors.ErrInvalidArgument, "%d buffer entries, at most %d", len(bufs), maxBufferEntries)
	}

	c := &classification{
		entries:  make([]classified, len(bufs)),
		replyIdx: -1,
		errIdx:   -1,
	}

	for i, b := range bufs {
		if b.Length > 0 && b.Region == nil {
			return nil, pterrors.Wrap(pterrors.ErrInvalidArgument, "buffer %d (%s) has no region", i, b.Type)
		}

		switch b.Type {
		case BufferCommandMgmt:
			if i != 0 {
				return nil, pterrors.Wrap(pterrors.ErrInvalidArgument, "management command buffer at position %d", i)
			}

			c.mgmtCmd = true
		case BufferResponseMgmt:
			if i != 1 || !c.mgmtCmd {
				return nil, pterrors.Wrap(pterrors.ErrInvalidArgument, "management response buffer at position %d without command", i)
			}

			c.mgmtResp = true
		case BufferDataIn:
			c.dataIn++
			if c.dataIn > 1 && !c.mgmtCmd {
				return nil, pterrors.Wrap(pterrors.ErrInvalidArgument, "more than one data-in buffer")
			}
		case BufferDataOut:
			c.dataOut++
			if c.dataOut > 1 && !c.mgmtCmd {
				return nil, pterrors.Wrap(pterrors.ErrInvalidArgument, "more than one data-out buffer")
			}
		case BufferReplyStaging:
			if c.replyIdx >= 0 {
				return nil, pterrors.Wrap(pterrors.ErrInvalidArgument, "duplicate reply buffer at position %d", i)
			}

			c.replyIdx = i
		case BufferErrorStaging:
			if c.errIdx >= 0 {
				return nil, pterrors.Wrap(pterrors.ErrInvalidArgument, "duplicate error buffer at position %d", i)
			}

			c.errIdx = i
		default:
			return nil, pterrors.Wrap(pterrors.ErrInvalidArgument, "buffer %d has unknown type %d", i, uint8(b.Type))
		}

		c.entries[i] = classified{BufferEntry: b, dir: directionOf(b.Type)}
	}

	if !c.mgmtCmd && cmdLen+c.dataCount()*mpi.SGESize > mpi.AdminReqFrameSize {
		return nil, pterrors.Wrap(pterrors.ErrInvalidArgument,
			"request of %d bytes plus %d SGEs exceeds the %d byte frame", cmdLen, c.dataCount(), mpi.AdminReqFrameSize)
	}

	return c, nil
}
