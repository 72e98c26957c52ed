package passthrough

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/piwi3910/mptpass/internal/cmdslot"
)

// BufferType tags a caller buffer with its role.
type BufferType uint8

// Buffer types, numbered as in the request record.
const (
	BufferUnknown      BufferType = 0
	BufferCommandMgmt  BufferType = 1
	BufferResponseMgmt BufferType = 2
	BufferDataIn       BufferType = 3
	BufferDataOut      BufferType = 4
	BufferReplyStaging BufferType = 5
	BufferErrorStaging BufferType = 6
)

var bufferTypeNames = map[BufferType]string{
	BufferCommandMgmt:  "command_mgmt",
	BufferResponseMgmt: "response_mgmt",
	BufferDataIn:       "data_in",
	BufferDataOut:      "data_out",
	BufferReplyStaging: "reply",
	BufferErrorStaging: "error",
}

func (t BufferType) String() string {
	if name, ok := bufferTypeNames[t]; ok {
		return name
	}

	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// ParseBufferType resolves a buffer type name as printed by String.
func ParseBufferType(s string) (BufferType, error) {
	for t, name := range bufferTypeNames {
		if strings.EqualFold(s, name) {
			return t, nil
		}
	}

	return BufferUnknown, fmt.Errorf("unknown buffer type %q", s)
}

// Direction is the transfer direction of a classified buffer.
type Direction uint8

// Directions.
const (
	DirNone Direction = iota
	ToDevice
	FromDevice
	// Bidirectional marks host-only staging buffers that are never mapped.
	Bidirectional
)

func (d Direction) String() string {
	switch d {
	case ToDevice:
		return "to_device"
	case FromDevice:
		return "from_device"
	case Bidirectional:
		return "bidirectional"
	default:
		return "none"
	}
}

// UserRegion is the caller-owned memory behind a buffer entry.
type UserRegion interface {
	io.ReaderAt
	io.WriterAt
}

// Bytes is a UserRegion over a byte slice.
type Bytes []byte

// ReadAt implements io.ReaderAt.
func (b Bytes) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(b)) {
		return 0, io.EOF
	}

	n := copy(p, b[off:])
	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

// WriteAt implements io.WriterAt. Writes past the end are truncated and
// reported as io.ErrShortWrite.
func (b Bytes) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(b)) {
		return 0, io.ErrShortWrite
	}

	n := copy(b[off:], p)
	if n < len(p) {
		return n, io.ErrShortWrite
	}

	return n, nil
}

// BufferEntry is one caller buffer of a request.
type BufferEntry struct {
	Region UserRegion
	Length uint32
	Type   BufferType
}

// Request is a passthrough request record.
type Request struct {
	// Command is the encoded MPI request frame prefix.
	Command []byte
	Buffers []BufferEntry
	Timeout time.Duration
	Mode    cmdslot.Mode
}

// Result is what a completed command returns besides the drained buffers.
type Result struct {
	// Copied holds the bytes written back to each buffer entry, by position.
	Copied     []int
	IOCLogInfo uint32
	IOCStatus  uint16
	ReplyValid bool
	SenseValid bool
}
