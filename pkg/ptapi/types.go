// Package ptapi defines the JSON documents exchanged with the mptpass admin API
// and a client for it.
//
// Byte fields ([]byte) travel as standard base64 strings.
package ptapi

import "time"

// Buffer is one caller buffer of a passthrough request.
type Buffer struct {
	// Type is a buffer type name: command_mgmt, response_mgmt, data_in,
	// data_out, reply or error.
	Type   string `json:"type"`
	Data   []byte `json:"data,omitempty"`
	Length uint32 `json:"length"`
}

// PassthroughRequest is a passthrough command for one adapter.
type PassthroughRequest struct {
	Command []byte   `json:"command"`
	Buffers []Buffer `json:"buffers,omitempty"`
	// Timeout is raised to the daemon's minimum timeout.
	Timeout     Duration `json:"timeout,omitempty"`
	NonBlocking bool     `json:"non_blocking,omitempty"`
}

// BufferResult is the content copied back into a buffer.
type BufferResult struct {
	Type   string `json:"type"`
	Data   []byte `json:"data,omitempty"`
	Copied int    `json:"copied"`
}

// PassthroughResponse reports a completed passthrough command. Status is the
// signed status code; a non-zero Status alongside buffers means some result
// bytes could not be copied back.
type PassthroughResponse struct {
	Error      string         `json:"error,omitempty"`
	Buffers    []BufferResult `json:"buffers"`
	Status     int            `json:"status"`
	IOCLogInfo uint32         `json:"ioc_log_info"`
	IOCStatus  uint16         `json:"ioc_status"`
	ReplyValid bool           `json:"reply_valid"`
	SenseValid bool           `json:"sense_valid"`
}

// DriverRequest is a raw driver command record.
type DriverRequest struct {
	DataOut      []byte `json:"data_out,omitempty"`
	DataInLength int    `json:"data_in_length"`
	Opcode       uint8  `json:"opcode"`
	NonBlocking  bool   `json:"non_blocking,omitempty"`
}

// DriverResponse carries the output record of a driver command.
type DriverResponse struct {
	DataIn []byte `json:"data_in"`
	Status int    `json:"status"`
}

// Target describes a device attached to an adapter.
type Target struct {
	Handle       uint16 `json:"handle"`
	PersistentID uint16 `json:"persistent_id"`
	TargetID     uint32 `json:"target_id"`
	BusID        uint8  `json:"bus_id"`
	Exposed      bool   `json:"exposed"`
	PageSize     uint32 `json:"page_size,omitempty"`
}

// PELState is the persistent event log subscription of an adapter.
type PELState struct {
	Enabled bool   `json:"enabled"`
	Class   uint8  `json:"class"`
	Locale  uint16 `json:"locale"`
}

// FirmwareStats mirrors the simulated firmware counters.
type FirmwareStats struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Stalled   int64 `json:"stalled"`
	Dropped   int64 `json:"dropped"`
	Resets    int64 `json:"resets"`
}

// Adapter summarizes an adapter.
type Adapter struct {
	Recoveries  map[string]int64 `json:"recoveries,omitempty"`
	Name        string           `json:"name"`
	PEL         PELState         `json:"pel"`
	Firmware    FirmwareStats    `json:"firmware"`
	DMABytes    int64            `json:"dma_bytes_in_use"`
	DMALimit    int64            `json:"dma_bytes_limit"`
	ID          int              `json:"id"`
	ReplySize   int              `json:"reply_size"`
	Targets     int              `json:"targets"`
	Blocked     bool             `json:"blocked"`
	Resetting   bool             `json:"resetting"`
}

// ChangeCount is the topology change counter of an adapter.
type ChangeCount struct {
	ChangeCount uint16 `json:"change_count"`
}

// LogData is the cached log data of an adapter: whole entries of EntrySize
// bytes, oldest first.
type LogData struct {
	Data       []byte `json:"data"`
	Entries    int    `json:"entries"`
	EntrySize  int    `json:"entry_size"`
	MaxEntries int    `json:"max_entries"`
}

// PELRequest enables persistent event log delivery.
type PELRequest struct {
	Class  uint8  `json:"class"`
	Locale uint16 `json:"locale"`
}

// ResetRequest asks for an adapter reset. Type is "soft" or "diag_fault".
type ResetRequest struct {
	Type string `json:"type"`
}

// Reset types.
const (
	ResetSoft      = "soft"
	ResetDiagFault = "diag_fault"
)

// Fault is a one-shot firmware fault for the next command.
type Fault struct {
	Sense      []byte `json:"sense,omitempty"`
	IOCLogInfo uint32 `json:"ioc_log_info,omitempty"`
	IOCStatus  uint16 `json:"ioc_status,omitempty"`
	Stall      bool   `json:"stall,omitempty"`
	Reject     bool   `json:"reject,omitempty"`
	StatusOnly bool   `json:"status_only,omitempty"`
}

// Event is a firmware event raised against a pending PEL wait.
type Event struct {
	Data   []byte `json:"data,omitempty"`
	Locale uint16 `json:"locale"`
	Class  uint8  `json:"class"`
}

// EventResult reports whether a PEL wait consumed the event.
type EventResult struct {
	Delivered bool `json:"delivered"`
}

// Error is the body of every failed request.
type Error struct {
	Error  string `json:"error"`
	Code   string `json:"code,omitempty"`
	Status int    `json:"status,omitempty"`
}

// Duration is a time.Duration that reads and writes as a Go duration string.
type Duration time.Duration
