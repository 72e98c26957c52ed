package passthrough

import (
	"github.com/piwi3910/mptpass/internal/dma"
	"github.com/piwi3910/mptpass/internal/mpi"
	"github.com/piwi3910/mptpass/pkg/pterrors"
)

// PageSizer resolves the page size of an attached NVMe device.
type PageSizer interface {
	DevicePageSize(handle uint16) (uint32, bool)
}

type prpStage uint8

const (
	stagePRP1 prpStage = iota
	stagePRP2
	stageList
)

// transcodeNVMe fills the data pointer of an encapsulated NVMe command
// according to the format selected in CDW0.
func transcodeNVMe(frame mpi.Frame, ts *transferSet, pages PageSizer, mod mpi.AddressModifier) error {
	cmd := frame.NVMeCommand()

	switch format := mpi.NVMeDataFormat(cmd); format {
	case mpi.NVMeFormatPRP:
		return mapPRP(cmd, frame.DevHandle(), ts, pages, mod)
	case mpi.NVMeFormatSGL1, mpi.NVMeFormatSGL2:
		return mapNVMeSGL(cmd, ts, mod)
	default:
		return pterrors.Wrap(pterrors.ErrInvalidArgument, "invalid NVMe data format %d", format)
	}
}

func mapNVMeSGL(cmd []byte, ts *transferSet, mod mpi.AddressModifier) error {
	data := ts.dataBuffer()
	if data == nil || data.region == nil {
		return nil
	}

	addr, err := mod.Stamp(data.addr())
	if err != nil {
		return pterrors.Wrap(pterrors.ErrInvalidState, "NVMe SGL: %v", err)
	}

	if err := mpi.PutNVMeSGL(cmd, mpi.NVMeSGLDescriptor{
		Address: addr,
		Length:  uint32(data.size()),
	}); err != nil {
		return pterrors.Wrap(pterrors.ErrInvalidArgument, "NVMe SGL: %v", err)
	}

	return nil
}

func mapPRP(cmd []byte, handle uint16, ts *transferSet, pages PageSizer, mod mpi.AddressModifier) error {
	data := ts.dataBuffer()
	if data == nil || data.region == nil {
		return nil
	}

	pageSize, ok := pages.DevicePageSize(handle)
	if !ok || pageSize == 0 {
		return pterrors.Wrap(pterrors.ErrInvalidState, "page size unknown for device handle 0x%04x", handle)
	}

	scratch, err := ts.allocate(int(pageSize), int(pageSize))
	if err != nil {
		return err
	}

	return buildPRP(cmd, data.addr(), uint64(data.size()), pageSize, scratch, mod)
}

// buildPRP walks [addr, addr+length) one device page at a time, filling PRP1,
// PRP2 and, when more than two pages are needed, the PRP list held in scratch
// with PRP2 pointing at it.
func buildPRP(cmd []byte, addr, length uint64, pageSize uint32, scratch *dma.Region, mod mpi.AddressModifier) error {
	pgsz := uint64(pageSize)
	pageMask := pgsz - 1

	if scratch.Addr()&pageMask != 0 {
		return pterrors.Wrap(pterrors.ErrInvalidState, "PRP list 0x%x not aligned to %d byte page", scratch.Addr(), pgsz)
	}

	list := scratch.Bytes()
	listAddr := scratch.Addr()
	entry := 0
	stage := stagePRP1

	stamp := func(v uint64) (uint64, error) {
		s, err := mod.Stamp(v)
		if err != nil {
			return 0, pterrors.Wrap(pterrors.ErrInvalidState, "PRP: %v", err)
		}

		return s, nil
	}

	for length > 0 {
		cursor := listAddr + uint64(entry)*mpi.NVMePRPEntrySize
		if (cursor+mpi.NVMePRPEntrySize)&pageMask == 0 && length > pgsz {
			return pterrors.Wrap(pterrors.ErrInvalidState, "transfer needs more than one PRP list page")
		}

		entryLen := pgsz - (addr & pageMask)

		switch stage {
		case stagePRP1:
			v, err := stamp(addr)
			if err != nil {
				return err
			}

			mpi.PutU64(cmd, mpi.NVMePRP1Offset, v)
			stage = stagePRP2
		case stagePRP2:
			if length > pgsz {
				v, err := stamp(listAddr)
				if err != nil {
					return err
				}

				mpi.PutU64(cmd, mpi.NVMePRP2Offset, v)
				stage = stageList

				continue
			}

			v, err := stamp(addr)
			if err != nil {
				return err
			}

			mpi.PutU64(cmd, mpi.NVMePRP2Offset, v)
			stage = stageList
		default:
			v, err := stamp(addr)
			if err != nil {
				return err
			}

			mpi.PutU64(list, entry*mpi.NVMePRPEntrySize, v)
			entry++
		}

		addr += entryLen
		if entryLen > length {
			length = 0
		} else {
			length -= entryLen
		}
	}

	return nil
}
