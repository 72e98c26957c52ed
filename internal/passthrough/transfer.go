package passthrough

import (
	"errors"
	"fmt"

	"github.com/piwi3910/mptpass/internal/dma"
	"github.com/piwi3910/mptpass/internal/mpi"
	"github.com/piwi3910/mptpass/pkg/pterrors"
)

type mappedBuffer struct {
	classified
	// region is nil for staging buffers and zero-length entries.
	region *dma.Region
}

// addr returns the device address, 0 when nothing is mapped.
func (m *mappedBuffer) addr() uint64 {
	if m.region == nil {
		return 0
	}

	return m.region.Addr()
}

// size returns the device-visible length.
func (m *mappedBuffer) size() int {
	if m.region == nil {
		return 0
	}

	return m.region.Len()
}

// transferSet owns every device region of one invocation.
type transferSet struct {
	alloc    dma.Allocator
	bufs     []mappedBuffer
	sense    *dma.Region
	extra    []*dma.Region
	released bool
}

// mapBuffers allocates a region per classified buffer and stages outbound
// payloads. On failure everything allocated so far is released.
func mapBuffers(alloc dma.Allocator, cls *classification) (_ *transferSet, err error) {
	ts := &transferSet{
		alloc: alloc,
		bufs:  make([]mappedBuffer, len(cls.entries)),
	}

	defer func() {
		if err != nil {
			_ = ts.Release()
		}
	}()

	if cls.errIdx >= 0 {
		if ts.sense, err = ts.allocate(mpi.SenseBufferSize, 0); err != nil {
			return nil, err
		}
	}

	for i, e := range cls.entries {
		ts.bufs[i].classified = e

		if e.dir == Bidirectional {
			continue
		}

		size := int(e.Length)
		if i == 0 && cls.mgmtCmd {
			size += cls.dataCount() * mpi.SGESize
		}

		if size == 0 {
			continue
		}

		r, err := ts.allocate(size, 0)
		if err != nil {
			return nil, err
		}

		ts.bufs[i].region = r

		if e.dir != ToDevice || e.Length == 0 {
			continue
		}

		payload := r.Bytes()[:e.Length]
		if n, rerr := e.Region.ReadAt(payload, 0); n < len(payload) {
			return nil, pterrors.Wrap(pterrors.ErrFault, "copy in buffer %d (%s): %d of %d bytes: %v", i, e.Type, n, len(payload), rerr)
		}
	}

	return ts, nil
}

// allocate takes a region owned by the set.
func (ts *transferSet) allocate(size, align int) (*dma.Region, error) {
	r, err := ts.alloc.Alloc(size, align)
	if err != nil {
		return nil, pterrors.Wrap(pterrors.ErrResourceExhausted, "allocate %d byte region: %v", size, err)
	}

	ts.extra = append(ts.extra, r)

	return r, nil
}

// dataBuffer returns the first mapped ToDevice or FromDevice buffer.
func (ts *transferSet) dataBuffer() *mappedBuffer {
	for i := range ts.bufs {
		b := &ts.bufs[i]
		if b.dir == ToDevice || b.dir == FromDevice {
			return b
		}
	}

	return nil
}

// Release frees every region exactly once; later calls do nothing.
func (ts *transferSet) Release() error {
	if ts.released {
		return nil
	}

	ts.released = true

	var errs []error

	for _, r := range ts.extra {
		if err := ts.alloc.Free(r); err != nil {
			errs = append(errs, fmt.Errorf("free region 0x%x: %w", r.Addr(), err))
		}
	}

	ts.extra = nil
	ts.sense = nil

	for i := range ts.bufs {
		ts.bufs[i].region = nil
	}

	return errors.Join(errs...)
}
