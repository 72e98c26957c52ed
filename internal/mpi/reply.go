package mpi

import (
	"bytes"
	"fmt"

	"github.com/HewlettPackard/structex"
)

// Reply staging record discriminants.
const (
	ReplyBufTypeStatus  uint8 = 0
	ReplyBufTypeAddress uint8 = 1
)

// ReplyStagingHeaderSize is the size of the staging record header.
const ReplyStagingHeaderSize = 4

// ReplyHeader is the common prefix of every reply frame.
type ReplyHeader struct {
	HostTag      uint16
	IOCUseOnly02 uint8
	Function     uint8
	IOCUseOnly04 uint16
	IOCUseOnly06 uint8
	MsgFlags     uint8
	IOCUseOnly08 uint16
	IOCStatus    uint16
	IOCLogInfo   uint32
}

// PELReplySize is the encoded size of PELReply. Event data follows it.
const PELReplySize = 24

// PELReply is the reply to a persistent event log request.
type PELReply struct {
	HostTag        uint16
	IOCUseOnly02   uint8
	Function       uint8
	IOCUseOnly04   uint16
	IOCUseOnly06   uint8
	MsgFlags       uint8
	IOCUseOnly08   uint16
	IOCStatus      uint16
	IOCLogInfo     uint32
	PELogStatus    uint16
	Reserved12     uint16
	TransferLength uint32
}

// PEL actions and classes.
const (
	PELActionGetSeqNum uint8 = 0x01
	PELActionAbort     uint8 = 0x05

	PELClassFault uint8 = 0x05

	PELStatusSuccess uint16 = 0x00
	PELStatusAborted uint16 = 0x02
)

// PELRequest carries both the sequence-number wait and the abort actions.
type PELRequest struct {
	HostTag          uint16
	IOCUseOnly02     uint8
	Function         uint8
	IOCUseOnly04     uint16
	IOCUseOnly06     uint8
	MsgFlags         uint8
	ChangeCount      uint16
	Reserved0A       uint16
	Action           uint8
	Reserved0D       uint8
	AbortHostTag     uint16
	StartingSequence uint32
	Locale           uint16
	Class            uint8
	Reserved17       uint8
}

// StatusDescriptor is the compact form of a completion used when no reply
// frame was posted.
type StatusDescriptor struct {
	IOCStatus  uint16
	Reserved   uint16
	IOCLogInfo uint32
}

// Encode serializes a fixed-shape structure with structex.
func Encode(v any) ([]byte, error) {
	buf := structex.NewBuffer(v)
	if buf == nil {
		return nil, fmt.Errorf("mpi: cannot size %T", v)
	}

	if err := structex.Encode(buf, v); err != nil {
		return nil, fmt.Errorf("mpi: encode %T: %w", v, err)
	}

	return buf.Bytes(), nil
}

// EncodeFrame serializes a request structure into a zero padded request
// frame.
func EncodeFrame(v any) (Frame, error) {
	b, err := Encode(v)
	if err != nil {
		return nil, err
	}

	if len(b) > AdminReqFrameSize {
		return nil, fmt.Errorf("mpi: %T is %d bytes, frame holds %d", v, len(b), AdminReqFrameSize)
	}

	f := NewFrame()
	copy(f, b)

	return f, nil
}

// Decode deserializes a fixed-shape structure from src.
func Decode(src []byte, v any) error {
	sz, err := structex.Size(v)
	if err != nil {
		return fmt.Errorf("mpi: size %T: %w", v, err)
	}

	if len(src) < int(sz) {
		return fmt.Errorf("mpi: %d bytes too short for %T (%d)", len(src), v, sz)
	}

	if err := structex.DecodeByteBuffer(bytes.NewBuffer(src[:sz]), v); err != nil {
		return fmt.Errorf("mpi: decode %T: %w", v, err)
	}

	return nil
}

// BuildReplyStaging assembles the record returned through a reply staging
// buffer. When reply is non-nil it is copied in full (truncated or zero padded
// to replySize); otherwise the status descriptor is written.
func BuildReplyStaging(replySize int, reply []byte, status uint16, logInfo uint32) ([]byte, error) {
	rec := make([]byte, ReplyStagingHeaderSize+replySize)

	if reply != nil {
		rec[0] = ReplyBufTypeAddress
		copy(rec[ReplyStagingHeaderSize:], reply)

		return rec, nil
	}

	rec[0] = ReplyBufTypeStatus

	desc, err := Encode(&StatusDescriptor{IOCStatus: status, IOCLogInfo: logInfo})
	if err != nil {
		return nil, err
	}

	copy(rec[ReplyStagingHeaderSize:], desc)

	return rec, nil
}
