package firmware

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/mptpass/internal/mpi"
)

// handleNVMe runs a block read or write against the per-device namespace.
// Other opcodes complete successfully without moving data.
func (s *Simulator) handleNVMe(f mpi.Frame) uint16 {
	cmd := f.NVMeCommand()
	op := mpi.NVMeOpcode(cmd)

	if op != mpi.NVMeOpcodeWrite && op != mpi.NVMeOpcodeRead {
		return mpi.IOCStatusSuccess
	}

	offset, length := mpi.NVMeExtent(cmd)

	segs, err := s.nvmeSegments(cmd, f.DevHandle(), length)
	if err != nil {
		log.Debug().Err(err).Uint16("dev_handle", f.DevHandle()).Msg("Simulated NVMe data pointer rejected")
		return mpi.IOCStatusInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ns := s.namespaces[f.DevHandle()]

	for _, seg := range segs {
		switch op {
		case mpi.NVMeOpcodeWrite:
			if end := offset + uint64(len(seg)); end > uint64(len(ns)) {
				ns = append(ns, make([]byte, end-uint64(len(ns)))...)
			}

			copy(ns[offset:], seg)
		default:
			n := 0
			if offset < uint64(len(ns)) {
				n = copy(seg, ns[offset:])
			}

			clear(seg[n:])
		}

		offset += uint64(len(seg))
	}

	s.namespaces[f.DevHandle()] = ns

	return mpi.IOCStatusSuccess
}

// NamespaceBytes returns a copy of what has been written to handle's
// namespace.
func (s *Simulator) NamespaceBytes(handle uint16) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]byte(nil), s.namespaces[handle]...)
}

func (s *Simulator) nvmeSegments(cmd []byte, handle uint16, length uint64) ([][]byte, error) {
	switch format := mpi.NVMeDataFormat(cmd); format {
	case mpi.NVMeFormatPRP:
		return s.prpSegments(cmd, handle, length)
	case mpi.NVMeFormatSGL1, mpi.NVMeFormatSGL2:
		d, err := mpi.NVMeSGL(cmd)
		if err != nil {
			return nil, err
		}

		n := min(uint64(d.Length), length)
		if n == 0 {
			return nil, nil
		}

		b, err := s.mem.Resolve(s.cfg.Modifier.Strip(d.Address), int(n))
		if err != nil {
			return nil, err
		}

		return [][]byte{b}, nil
	default:
		return nil, fmt.Errorf("invalid data format %d", format)
	}
}

// prpSegments follows PRP1, PRP2 and the PRP list the way the controller
// does: PRP2 is a data page when the remainder fits one page, a list pointer
// otherwise.
func (s *Simulator) prpSegments(cmd []byte, handle uint16, length uint64) ([][]byte, error) {
	pageSize, ok := s.cfg.PageSizes(handle)
	if !ok || pageSize == 0 {
		return nil, fmt.Errorf("no page size for device handle 0x%04x", handle)
	}

	pgsz := uint64(pageSize)
	strip := s.cfg.Modifier.Strip

	var segs [][]byte

	take := func(addr, n uint64) error {
		b, err := s.mem.Resolve(addr, int(n))
		if err != nil {
			return err
		}

		segs = append(segs, b)

		return nil
	}

	prp1 := strip(mpi.U64(cmd, mpi.NVMePRP1Offset))
	first := min(pgsz-(prp1&(pgsz-1)), length)

	if err := take(prp1, first); err != nil {
		return nil, err
	}

	length -= first
	if length == 0 {
		return segs, nil
	}

	prp2 := strip(mpi.U64(cmd, mpi.NVMePRP2Offset))
	if length <= pgsz {
		return segs, take(prp2, length)
	}

	list, err := s.mem.Resolve(prp2, int(pgsz))
	if err != nil {
		return nil, fmt.Errorf("PRP list: %w", err)
	}

	for off := 0; length > 0; off += mpi.NVMePRPEntrySize {
		if off+mpi.NVMePRPEntrySize > len(list) {
			return nil, fmt.Errorf("PRP list overflows one page")
		}

		n := min(pgsz, length)
		if err := take(strip(mpi.U64(list, off)), n); err != nil {
			return nil, err
		}

		length -= n
	}

	return segs, nil
}
