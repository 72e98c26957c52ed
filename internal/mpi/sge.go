package mpi

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/HewlettPackard/structex"
)

// SGESize is the encoded size of a generic SGE.
const SGESize = 16

// SGE flag bits.
const (
	SGEFlagsElementTypeSimple uint8 = 0x00
	SGEFlagsDLASSystem        uint8 = 0x00
	SGEFlagsEndOfBuffer       uint8 = 0x04
	SGEFlagsEndOfList         uint8 = 0x08
)

// SGEFlagsDefault marks a simple, system-addressed element ending its buffer.
const SGEFlagsDefault = SGEFlagsElementTypeSimple | SGEFlagsDLASSystem | SGEFlagsEndOfBuffer

// SGEFlagsLast is SGEFlagsDefault plus end-of-list.
const SGEFlagsLast = SGEFlagsDefault | SGEFlagsEndOfList

// ZeroLengthAddress is the address carried by a zero-length terminator.
const ZeroLengthAddress = ^uint64(0)

var errShortSGE = errors.New("mpi: buffer too small for SGE")

// SGE is a generic scatter-gather element.
type SGE struct {
	Address  uint64
	Length   uint32
	Reserved [3]uint8
	Flags    uint8
}

// ZeroLengthSGE returns the terminator element written when a list is empty.
func ZeroLengthSGE() SGE {
	return SGE{Address: ZeroLengthAddress, Flags: SGEFlagsEndOfList}
}

// sgeWire is the structex layout of SGE and NVMeSGLDescriptor. structex
// rejects 64-bit fields with bit 63 set, so the address travels as two
// 32-bit halves.
type sgeWire struct {
	AddressLow  uint32
	AddressHigh uint32
	Length      uint32
	Reserved    [3]uint8
	Flags       uint8
}

func encodeWire(dst []byte, w sgeWire) error {
	buf := structex.NewBuffer(&w)
	if buf == nil {
		return fmt.Errorf("mpi: cannot size SGE")
	}

	if err := structex.Encode(buf, &w); err != nil {
		return fmt.Errorf("mpi: encode SGE: %w", err)
	}

	copy(dst[:SGESize], buf.Bytes())

	return nil
}

func decodeWire(src []byte) (sgeWire, error) {
	var w sgeWire

	if err := structex.DecodeByteBuffer(bytes.NewBuffer(src[:SGESize]), &w); err != nil {
		return w, fmt.Errorf("mpi: decode SGE: %w", err)
	}

	return w, nil
}

func splitAddress(addr uint64) (lo, hi uint32) {
	return uint32(addr), uint32(addr >> 32)
}

func joinAddress(lo, hi uint32) uint64 {
	return uint64(hi)<<32 | uint64(lo)
}

// Put encodes the element at dst[0:SGESize].
func (s SGE) Put(dst []byte) error {
	if len(dst) < SGESize {
		return errShortSGE
	}

	lo, hi := splitAddress(s.Address)

	return encodeWire(dst, sgeWire{AddressLow: lo, AddressHigh: hi, Length: s.Length, Reserved: s.Reserved, Flags: s.Flags})
}

// IsLast reports whether the element terminates its list.
func (s SGE) IsLast() bool {
	return s.Flags&SGEFlagsEndOfList != 0
}

// IsZeroLength reports whether the element is a terminator carrying no data.
func (s SGE) IsZeroLength() bool {
	return s.Length == 0 && s.Address == ZeroLengthAddress
}

// DecodeSGE reads one element from src.
func DecodeSGE(src []byte) (SGE, error) {
	if len(src) < SGESize {
		return SGE{}, errShortSGE
	}

	w, err := decodeWire(src)
	if err != nil {
		return SGE{}, err
	}

	return SGE{Address: joinAddress(w.AddressLow, w.AddressHigh), Length: w.Length, Reserved: w.Reserved, Flags: w.Flags}, nil
}

// DecodeSGL reads elements from src until one carries end-of-list or src is
// exhausted.
func DecodeSGL(src []byte) ([]SGE, error) {
	var out []SGE

	for off := 0; off+SGESize <= len(src); off += SGESize {
		s, err := DecodeSGE(src[off:])
		if err != nil {
			return nil, err
		}

		out = append(out, s)

		if s.IsLast() {
			break
		}
	}

	return out, nil
}

// NVMeSGLDescriptor is the inline SGL data block descriptor of an NVMe command.
type NVMeSGLDescriptor struct {
	Address  uint64
	Length   uint32
	Reserved [3]uint8
	Type     uint8
}

// PutNVMeSGL encodes d at the SGL slot of the NVMe command cmd.
func PutNVMeSGL(cmd []byte, d NVMeSGLDescriptor) error {
	if len(cmd) < NVMeSGLOffset+NVMeSGLDescSize {
		return errShortSGE
	}

	lo, hi := splitAddress(d.Address)

	return encodeWire(cmd[NVMeSGLOffset:], sgeWire{AddressLow: lo, AddressHigh: hi, Length: d.Length, Reserved: d.Reserved, Flags: d.Type})
}

// NVMeSGL decodes the inline SGL descriptor of the NVMe command cmd.
func NVMeSGL(cmd []byte) (NVMeSGLDescriptor, error) {
	if len(cmd) < NVMeSGLOffset+NVMeSGLDescSize {
		return NVMeSGLDescriptor{}, errShortSGE
	}

	w, err := decodeWire(cmd[NVMeSGLOffset:])
	if err != nil {
		return NVMeSGLDescriptor{}, err
	}

	return NVMeSGLDescriptor{Address: joinAddress(w.AddressLow, w.AddressHigh), Length: w.Length, Reserved: w.Reserved, Type: w.Flags}, nil
}
