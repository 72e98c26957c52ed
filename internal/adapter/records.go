package adapter

import (
	"github.com/piwi3910/mptpass/internal/mpi"
	"github.com/piwi3910/mptpass/pkg/pterrors"
)

// Driver command opcodes.
const (
	OpcodeInfo          uint8 = 1
	OpcodeReset         uint8 = 2
	OpcodeAllTargetInfo uint8 = 4
	OpcodeChangeCount   uint8 = 5
	OpcodeLogDataEnable uint8 = 6
	OpcodePELEnable     uint8 = 7
	OpcodeGetLogData    uint8 = 8
)

// Reset types.
const (
	ResetSoft      uint8 = 1
	ResetDiagFault uint8 = 2
)

// AdapterTypeAvgFamily identifies the controller family in InfoRecord.
const AdapterTypeAvgFamily uint32 = 2

// DriverAPIVersion is reported in InfoRecord.
const DriverAPIVersion uint32 = 1

// InfoRecord is the adapter information returned by OpcodeInfo.
type InfoRecord struct {
	AdapterType       uint32
	Reserved04        uint32
	PCIDeviceID       uint32
	PCIRevision       uint32
	SubsystemDeviceID uint32
	SubsystemVendorID uint32
	PCIDevice         uint8
	PCIFunction       uint8
	PCIBus            uint8
	Reserved1B        uint8
	PCISegment        uint32
	APIVersion        uint32
	ReplySize         uint32
	DriverName        [32]uint8
}

// TargetRecordsHeader precedes the entries of OpcodeAllTargetInfo.
type TargetRecordsHeader struct {
	NumDevices uint16
	Reserved   uint16
}

// TargetRecord describes one target. Targets not exposed to the host report
// all-ones bus and target ids.
type TargetRecord struct {
	Handle       uint16
	PersistentID uint16
	TargetID     uint32
	BusID        uint8
	Reserved     [3]uint8
}

// Ids reported for targets not exposed to the host.
const (
	TargetIDUnexposed = ^uint32(0)
	BusIDUnexposed    = uint8(0xFF)
)

// Record sizes.
const (
	targetRecordsHeaderSize = 4
	targetRecordSize        = 12
)

// LogDataEnableRecord is returned by OpcodeLogDataEnable.
type LogDataEnableRecord struct {
	MaxEntries uint16
	EntrySize  uint16
}

// ChangeCountRecord is returned by OpcodeChangeCount.
type ChangeCountRecord struct {
	ChangeCount uint16
	Reserved    uint16
}

// PELEnableRecord is the input of OpcodePELEnable.
type PELEnableRecord struct {
	Locale   uint16
	Class    uint8
	Reserved uint8
}

// ResetRecord is the input of OpcodeReset.
type ResetRecord struct {
	ResetType uint8
	Reserved  [3]uint8
}

// EncodeTargetRecords lays out the target table into a buffer of capacity
// bytes: the header always, then as many whole entries as fit. It fails with
// pterrors.ErrInvalidArgument when even the header does not fit.
func EncodeTargetRecords(recs []TargetRecord, capacity int) ([]byte, error) {
	if capacity < targetRecordsHeaderSize {
		return nil, pterrors.Wrap(pterrors.ErrInvalidArgument, "target info buffer of %d bytes", capacity)
	}

	hdr, err := mpi.Encode(&TargetRecordsHeader{NumDevices: uint16(len(recs))})
	if err != nil {
		return nil, err
	}

	fit := (capacity - targetRecordsHeaderSize) / targetRecordSize
	out := hdr

	for i := 0; i < len(recs) && i < fit; i++ {
		b, err := mpi.Encode(&recs[i])
		if err != nil {
			return nil, err
		}

		out = append(out, b...)
	}

	return out, nil
}
