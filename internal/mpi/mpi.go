// Package mpi describes the little-endian wire structures exchanged with the
// controller firmware: the request frame header, generic scatter-gather
// elements (SGEs), the encapsulated NVMe command envelope, reply frames and
// the reply staging record handed back to passthrough callers.
//
// Layout summary (byte offsets):
//
//	Request header     host tag u16 @0, function u8 @3, change count u16 @8
//	Mgmt passthrough   command SGE @32, response SGE @48
//	NVMe encapsulated  device handle u16 @10, NVMe command (64 bytes) @32
//	NVMe command       CDW0 u32 @0, PRP1 u64 @24, PRP2 u64 @32, SGL descriptor @24
//	Reply frame        host tag u16 @0, function u8 @3, IOC status u16 @10, log info u32 @12
//
// Structures with a fixed shape are encoded with structex; single header fields
// are read and written in place with encoding/binary.
package mpi

import "encoding/binary"

// AdminReqFrameSize is the capacity of a request frame.
const AdminReqFrameSize = 128

// Function codes.
const (
	FunctionPersistentEventLog uint8 = 0x09
	FunctionMgmtPassthrough    uint8 = 0x0A
	FunctionNVMeEncapsulated   uint8 = 0x24
)

// Host tags identify the command class a completion belongs to.
const (
	HostTagInvalid     uint16 = 0
	HostTagInitCmds    uint16 = 1
	HostTagPassthrough uint16 = 2
	HostTagPELAbort    uint16 = 3
	HostTagPELWait     uint16 = 4
)

// Request header offsets.
const (
	offHostTag     = 0
	offSGLOffset   = 2
	offFunction    = 3
	offChangeCount = 8
	offDevHandle   = 10
)

// Management passthrough SGE slots.
const (
	MgmtCommandSGLOffset  = 32
	MgmtResponseSGLOffset = 48
)

// GenericSGLOffset is where the firmware expects the SGL of a generic request
// whose header carries no SGL offset: behind a 32 byte request body.
const GenericSGLOffset = 32

// Encapsulated NVMe layout.
const (
	NVMeCommandOffset   = 32
	NVMeCommandSize     = 64
	NVMePRP1Offset      = 24
	NVMePRP2Offset      = 32
	NVMeSGLOffset       = 24
	NVMePRPEntrySize    = 8
	NVMeSGLDescSize     = 16
	NVMeCDW10Offset     = 40
	NVMeCDW12Offset     = 48
	NVMeBlockSize       = 512
	nvmeDataFormatMask  = 0xC000
	nvmeDataFormatShift = 14
)

// NVMe data pointer formats carried in CDW0 bits 14-15.
const (
	NVMeFormatPRP  uint8 = 0
	NVMeFormatSGL1 uint8 = 1
	NVMeFormatSGL2 uint8 = 2
)

// NVMe opcodes interpreted by the simulated namespace.
const (
	NVMeOpcodeWrite uint8 = 0x01
	NVMeOpcodeRead  uint8 = 0x02
)

// IOC status.
const (
	IOCStatusMask     uint16 = 0x7FFF
	IOCStatusSuccess  uint16 = 0x0000
	IOCStatusInvalid  uint16 = 0x0002
	IOCStatusInternal uint16 = 0x0004
)

// SenseBufferSize is the capacity of the sense staging area.
const SenseBufferSize = 256

// DefaultReplySize is the reply frame size advertised by the firmware facts
// when nothing else is configured.
const DefaultReplySize = 128

// Frame is an outgoing request frame.
type Frame []byte

// NewFrame returns a zeroed admin-sized request frame.
func NewFrame() Frame {
	return make(Frame, AdminReqFrameSize)
}

// HostTag returns the correlation tag.
func (f Frame) HostTag() uint16 {
	return binary.LittleEndian.Uint16(f[offHostTag:])
}

// SetHostTag stores the correlation tag.
func (f Frame) SetHostTag(tag uint16) {
	binary.LittleEndian.PutUint16(f[offHostTag:], tag)
}

// Function returns the function code.
func (f Frame) Function() uint8 {
	return f[offFunction]
}

// SetFunction stores the function code.
func (f Frame) SetFunction(fn uint8) {
	f[offFunction] = fn
}

// SGLOffset returns the byte offset of the generic SGL, or 0 if the header
// does not carry one. The field counts dwords.
func (f Frame) SGLOffset() int {
	return int(f[offSGLOffset]) * 4
}

// SetSGLOffset stores the byte offset of the generic SGL. off must be a
// whole number of dwords.
func (f Frame) SetSGLOffset(off int) {
	f[offSGLOffset] = uint8(off / 4)
}

// ChangeCount returns the change count field.
func (f Frame) ChangeCount() uint16 {
	return binary.LittleEndian.Uint16(f[offChangeCount:])
}

// DevHandle returns the target device handle of an encapsulated NVMe request.
func (f Frame) DevHandle() uint16 {
	return binary.LittleEndian.Uint16(f[offDevHandle:])
}

// SetDevHandle stores the target device handle of an encapsulated NVMe request.
func (f Frame) SetDevHandle(handle uint16) {
	binary.LittleEndian.PutUint16(f[offDevHandle:], handle)
}

// NVMeCommand returns the encapsulated NVMe command area.
func (f Frame) NVMeCommand() []byte {
	return f[NVMeCommandOffset : NVMeCommandOffset+NVMeCommandSize]
}

// NVMeOpcode returns the opcode byte of an encapsulated NVMe command.
func NVMeOpcode(cmd []byte) uint8 {
	return cmd[0]
}

// NVMeDataFormat extracts the data pointer format from CDW0.
func NVMeDataFormat(cmd []byte) uint8 {
	cdw0 := binary.LittleEndian.Uint32(cmd)
	return uint8((cdw0 & nvmeDataFormatMask) >> nvmeDataFormatShift)
}

// PutU64 stores a little-endian 64-bit value at off.
func PutU64(b []byte, off int, v uint64) {
	binary.LittleEndian.PutUint64(b[off:], v)
}

// U64 loads a little-endian 64-bit value at off.
func U64(b []byte, off int) uint64 {
	return binary.LittleEndian.Uint64(b[off:])
}

// NVMeExtent returns the byte offset and length of a block read or write:
// starting LBA in CDW10-11, zero-based block count in CDW12 bits 0-15.
func NVMeExtent(cmd []byte) (offset, length uint64) {
	lba := binary.LittleEndian.Uint64(cmd[NVMeCDW10Offset:])
	nlb := uint64(binary.LittleEndian.Uint16(cmd[NVMeCDW12Offset:])) + 1

	return lba * NVMeBlockSize, nlb * NVMeBlockSize
}

// SetNVMeExtent stores a block extent in CDW10-12.
func SetNVMeExtent(cmd []byte, lba uint64, blocks uint16) {
	binary.LittleEndian.PutUint64(cmd[NVMeCDW10Offset:], lba)
	binary.LittleEndian.PutUint16(cmd[NVMeCDW12Offset:], blocks-1)
}
