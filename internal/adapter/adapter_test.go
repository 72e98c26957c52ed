package adapter

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/mptpass/internal/cmdslot"
	"github.com/piwi3910/mptpass/internal/dma"
	"github.com/piwi3910/mptpass/internal/firmware"
	"github.com/piwi3910/mptpass/internal/mpi"
	"github.com/piwi3910/mptpass/internal/passthrough"
	"github.com/piwi3910/mptpass/pkg/pterrors"
)

const nvmeHandle = 0x11

func newAdapter(t *testing.T) *Adapter {
	t.Helper()

	a, err := New(Config{
		ID:        7,
		Name:      t.Name(),
		ReplySize: 64,
		PCI:       PCIInfo{DeviceID: 0x00A5, Bus: 3, Device: 1, Function: 2, Segment: 1},
		Targets: []Target{
			{Handle: 0x10, PersistentID: 1, BusID: 0, TargetID: 4, Exposed: true},
			{Handle: nvmeHandle, PersistentID: 2, PageSizeExp: 12},
		},
	}, Options{
		DMA:             dma.Config{BaseAddress: 0x2_0000_0000, MaxBytes: 8 << 20, Alignment: 64},
		MinTimeout:      100 * time.Millisecond,
		PELAbortTimeout: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	return a
}

func TestExecuteManagementEcho(t *testing.T) {
	a := newAdapter(t)

	payload := []byte("management payload")
	resp := make(passthrough.Bytes, 32)
	reply := make(passthrough.Bytes, mpi.ReplyStagingHeaderSize+64)

	cmd := make([]byte, 64)
	cmd[3] = mpi.FunctionMgmtPassthrough

	res, err := a.Execute(context.Background(), &passthrough.Request{
		Command: cmd,
		Buffers: []passthrough.BufferEntry{
			{Type: passthrough.BufferCommandMgmt, Region: passthrough.Bytes(payload), Length: uint32(len(payload))},
			{Type: passthrough.BufferResponseMgmt, Region: resp, Length: uint32(len(resp))},
			{Type: passthrough.BufferReplyStaging, Region: reply, Length: uint32(len(reply))},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, mpi.IOCStatusSuccess, res.IOCStatus)
	assert.True(t, res.ReplyValid)
	assert.Equal(t, payload, []byte(resp[:len(payload)]))
	assert.Equal(t, mpi.ReplyBufTypeAddress, reply[0])
	assert.Equal(t, mpi.FunctionMgmtPassthrough, reply[mpi.ReplyStagingHeaderSize+3])
	assert.Zero(t, a.Pool().Stats().Regions)
}

func TestExecuteGenericCopy(t *testing.T) {
	a := newAdapter(t)

	out := bytes.Repeat([]byte{0xC3}, 100)
	in := make(passthrough.Bytes, 100)

	cmd := make([]byte, mpi.GenericSGLOffset)
	cmd[3] = 0x20

	res, err := a.Execute(context.Background(), &passthrough.Request{
		Command: cmd,
		Buffers: []passthrough.BufferEntry{
			{Type: passthrough.BufferDataOut, Region: passthrough.Bytes(out), Length: 100},
			{Type: passthrough.BufferDataIn, Region: in, Length: 100},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, mpi.IOCStatusSuccess, res.IOCStatus)
	assert.Equal(t, out, []byte(in))
}

func nvmeCommand(op, format uint8, blocks uint16) []byte {
	f := mpi.NewFrame()
	f.SetFunction(mpi.FunctionNVMeEncapsulated)
	f.SetDevHandle(nvmeHandle)

	cmd := f.NVMeCommand()
	cmd[0] = op
	cmd[1] = format << 6
	mpi.SetNVMeExtent(cmd, 0, blocks)

	return f[:mpi.NVMeCommandOffset+mpi.NVMeCommandSize]
}

func TestExecuteNVMeWriteRead(t *testing.T) {
	for _, format := range []uint8{mpi.NVMeFormatPRP, mpi.NVMeFormatSGL1} {
		a := newAdapter(t)

		const size = 3 * 4096
		data := make([]byte, size)
		for i := range data {
			data[i] = byte(i * 7)
		}

		res, err := a.Execute(context.Background(), &passthrough.Request{
			Command: nvmeCommand(mpi.NVMeOpcodeWrite, format, size/mpi.NVMeBlockSize),
			Buffers: []passthrough.BufferEntry{{Type: passthrough.BufferDataOut, Region: passthrough.Bytes(data), Length: size}},
		})
		require.NoError(t, err, "format %d", format)
		require.Equal(t, mpi.IOCStatusSuccess, res.IOCStatus, "format %d", format)

		got := make(passthrough.Bytes, size)
		res, err = a.Execute(context.Background(), &passthrough.Request{
			Command: nvmeCommand(mpi.NVMeOpcodeRead, format, size/mpi.NVMeBlockSize),
			Buffers: []passthrough.BufferEntry{{Type: passthrough.BufferDataIn, Region: got, Length: size}},
		})
		require.NoError(t, err)
		require.Equal(t, mpi.IOCStatusSuccess, res.IOCStatus)
		assert.Equal(t, data, []byte(got), "format %d", format)
	}
}

// replyOnly is the smallest valid buffer list: a single reply staging area.
func replyOnly() []passthrough.BufferEntry {
	n := mpi.ReplyStagingHeaderSize + 64

	return []passthrough.BufferEntry{{Type: passthrough.BufferReplyStaging, Region: make(passthrough.Bytes, n), Length: uint32(n)}}
}

func TestExecuteTimeoutRecovers(t *testing.T) {
	a := newAdapter(t)
	a.Firmware().Inject(firmware.Fault{Stall: true})

	cmd := make([]byte, mpi.GenericSGLOffset)
	cmd[3] = 0x20

	_, err := a.Execute(context.Background(), &passthrough.Request{Command: cmd, Buffers: replyOnly()})
	require.ErrorIs(t, err, pterrors.ErrTimeout)

	assert.Equal(t, int64(1), a.Recoveries()[cmdslot.CausePassthroughTimeout])
	assert.False(t, a.Resetting())

	cc, err := a.ChangeCount(context.Background(), cmdslot.Blocking)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), cc)

	res, err := a.Execute(context.Background(), &passthrough.Request{Command: cmd, Buffers: replyOnly()})
	require.NoError(t, err)
	assert.Equal(t, mpi.IOCStatusSuccess, res.IOCStatus)
}

func TestBlockedAdapterIsUnavailable(t *testing.T) {
	a := newAdapter(t)
	a.Block()

	_, err := a.Execute(context.Background(), &passthrough.Request{Command: make([]byte, 32), Buffers: replyOnly()})
	assert.ErrorIs(t, err, pterrors.ErrUnavailable)

	a.Unblock()

	_, err = a.Execute(context.Background(), &passthrough.Request{Command: make([]byte, 32), Buffers: replyOnly()})
	assert.NoError(t, err)
}

func TestInfoAndTargets(t *testing.T) {
	a := newAdapter(t)
	ctx := context.Background()

	info, err := a.Info(ctx, cmdslot.Blocking)
	require.NoError(t, err)
	assert.Equal(t, AdapterTypeAvgFamily, info.AdapterType)
	assert.Equal(t, uint32(0x00A5), info.PCIDeviceID)
	assert.Equal(t, uint8(3), info.PCIBus)
	assert.Equal(t, uint32(1), info.PCISegment)
	assert.Equal(t, driverName, string(bytes.TrimRight(info.DriverName[:], "\x00")))

	recs, err := a.TargetRecords(ctx, cmdslot.Blocking)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, uint32(4), recs[0].TargetID)
	assert.Equal(t, ^uint32(0), recs[1].TargetID, "unexposed targets report all ones")
	assert.Equal(t, uint8(0xFF), recs[1].BusID)

	b, err := EncodeTargetRecords(recs, targetRecordsHeaderSize+targetRecordSize+5)
	require.NoError(t, err)
	require.Len(t, b, targetRecordsHeaderSize+targetRecordSize, "only whole entries")
	assert.Equal(t, uint16(2), binary.LittleEndian.Uint16(b), "count reports every target")
	assert.Equal(t, uint16(0x10), binary.LittleEndian.Uint16(b[targetRecordsHeaderSize:]))

	_, err = EncodeTargetRecords(recs, 3)
	assert.ErrorIs(t, err, pterrors.ErrInvalidArgument)
}

func TestDriverCommandNonBlockingBusy(t *testing.T) {
	a := newAdapter(t)
	ctx := context.Background()

	err := a.passthrough.Exclusive(ctx, cmdslot.Blocking, func() error {
		_, err := a.ChangeCount(ctx, cmdslot.NonBlocking)
		return err
	})
	assert.ErrorIs(t, err, pterrors.ErrBusy)
}

func TestReset(t *testing.T) {
	a := newAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.Reset(ctx, cmdslot.Blocking, ResetSoft))
	require.NoError(t, a.Reset(ctx, cmdslot.Blocking, ResetDiagFault))
	assert.ErrorIs(t, a.Reset(ctx, cmdslot.Blocking, 9), pterrors.ErrInvalidArgument)

	rec := a.Recoveries()
	assert.Equal(t, int64(1), rec[cmdslot.CauseUserSoftReset])
	assert.Equal(t, int64(1), rec[cmdslot.CauseUserDiagFault])
	assert.Equal(t, int64(2), a.Firmware().Stats().Resets)
}

func TestLogDataRequiresEnable(t *testing.T) {
	a := newAdapter(t)
	ctx := context.Background()

	_, err := a.LogData(ctx, cmdslot.Blocking, 4096)
	assert.ErrorIs(t, err, pterrors.ErrInvalidArgument)

	rec, err := a.EnableLogData(ctx, cmdslot.Blocking)
	require.NoError(t, err)
	assert.Equal(t, uint16(400), rec.MaxEntries)
	assert.Equal(t, uint16(64-24+4), rec.EntrySize)

	_, err = a.LogData(ctx, cmdslot.Blocking, int(rec.EntrySize)-1)
	assert.ErrorIs(t, err, pterrors.ErrInvalidArgument)

	b, err := a.LogData(ctx, cmdslot.Blocking, 4096)
	require.NoError(t, err)
	assert.Empty(t, b)
}

func TestPELEventsBecomeLogData(t *testing.T) {
	a := newAdapter(t)
	ctx := context.Background()

	_, err := a.EnableLogData(ctx, cmdslot.Blocking)
	require.NoError(t, err)

	assert.ErrorIs(t, a.EnablePEL(ctx, cmdslot.Blocking, mpi.PELClassFault+1, 1), pterrors.ErrInvalidArgument)

	require.NoError(t, a.EnablePEL(ctx, cmdslot.Blocking, 2, 0x0001))
	require.Eventually(t, a.Firmware().PELWaitPending, time.Second, time.Millisecond)

	require.True(t, a.Firmware().RaiseEvent(3, 0x0001, []byte("first")))
	require.Eventually(t, a.Firmware().PELWaitPending, time.Second, time.Millisecond, "wait reposted")
	require.True(t, a.Firmware().RaiseEvent(3, 0x0001, []byte("second")))

	size := a.LogDataEntrySize()

	require.Eventually(t, func() bool {
		b, err := a.LogData(ctx, cmdslot.Blocking, 10*size)
		return err == nil && len(b) == 2*size
	}, time.Second, time.Millisecond)

	b, err := a.LogData(ctx, cmdslot.Blocking, size+1)
	require.NoError(t, err)
	require.Len(t, b, size, "one whole entry fits")
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(b))
	assert.Equal(t, []byte("first"), b[logDataHeaderSize:logDataHeaderSize+5])

	b, err = a.LogData(ctx, cmdslot.Blocking, 2*size)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(b[size:]))
}

func TestEnablePELMergesAndAborts(t *testing.T) {
	a := newAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.EnablePEL(ctx, cmdslot.Blocking, 3, 0x0001))
	require.Eventually(t, a.Firmware().PELWaitPending, time.Second, time.Millisecond)

	completed := a.Firmware().Stats().Completed

	// Covered: higher class, subset locale.
	require.NoError(t, a.EnablePEL(ctx, cmdslot.Blocking, 4, 0x0001))
	assert.Equal(t, completed, a.Firmware().Stats().Completed, "no abort issued")

	require.NoError(t, a.EnablePEL(ctx, cmdslot.Blocking, 4, 0x0002))

	enabled, class, locale := a.PELState()
	assert.True(t, enabled)
	assert.Equal(t, uint8(3), class, "lower class kept")
	assert.Equal(t, uint16(0x0003), locale, "locales merged")
	assert.Equal(t, completed+2, a.Firmware().Stats().Completed, "aborted wait and abort acknowledgement")
	require.Eventually(t, a.Firmware().PELWaitPending, time.Second, time.Millisecond)
}

func TestEnablePELUnavailableWhileBlocked(t *testing.T) {
	a := newAdapter(t)
	ctx := context.Background()

	require.NoError(t, a.EnablePEL(ctx, cmdslot.Blocking, 3, 0x0001))
	a.Block()

	assert.ErrorIs(t, a.EnablePEL(ctx, cmdslot.Blocking, 1, 0x0001), pterrors.ErrUnavailable)

	_, class, _ := a.PELState()
	assert.Equal(t, uint8(3), class)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a := newAdapter(t)

	require.NoError(t, r.Add(a))
	assert.ErrorIs(t, r.Add(a), pterrors.ErrInvalidArgument)

	got, err := r.Get(7)
	require.NoError(t, err)
	assert.Same(t, a, got)

	_, err = r.Get(8)
	assert.ErrorIs(t, err, pterrors.ErrNoDevice)
	assert.Equal(t, -19, pterrors.Errno(err))

	assert.Len(t, r.List(), 1)

	r.BlockAll()
	assert.True(t, a.Blocked())

	require.NoError(t, r.Close())
	assert.Empty(t, r.List())
}

func TestNewRejectsDuplicateTargets(t *testing.T) {
	_, err := New(Config{Targets: []Target{{Handle: 1}, {Handle: 1}}}, Options{})
	assert.Error(t, err)
}
