package passthrough

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/mptpass/internal/mpi"
)

func mapForTest(t *testing.T, bufs []BufferEntry, cmdLen int) (*classification, *transferSet) {
	t.Helper()

	cls, err := classify(bufs, cmdLen)
	require.NoError(t, err)

	ts, err := mapBuffers(newPool(t, 1<<20), cls)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ts.Release() })

	return cls, ts
}

func decodeAt(t *testing.T, b []byte) mpi.SGE {
	t.Helper()

	s, err := mpi.DecodeSGE(b)
	require.NoError(t, err)

	return s
}

func TestBuildSGLInFrame(t *testing.T) {
	cls, ts := mapForTest(t, []BufferEntry{
		entry(BufferDataOut, 100),
		entry(BufferReplyStaging, 132),
		entry(BufferDataIn, 200),
	}, 32)

	frame := mpi.NewFrame()
	require.NoError(t, buildSGL(frame, cls, 32, ts))

	first := decodeAt(t, frame[32:])
	assert.Equal(t, ts.bufs[0].addr(), first.Address)
	assert.Equal(t, uint32(100), first.Length)
	assert.Equal(t, mpi.SGEFlagsDefault, first.Flags)

	second := decodeAt(t, frame[48:])
	assert.Equal(t, ts.bufs[2].addr(), second.Address)
	assert.Equal(t, uint32(200), second.Length)
	assert.Equal(t, mpi.SGEFlagsLast, second.Flags)

	assert.Equal(t, make([]byte, mpi.SGESize), []byte(frame[64:80]))
}

func TestBuildSGLNoDataWritesTerminator(t *testing.T) {
	cls, ts := mapForTest(t, []BufferEntry{entry(BufferReplyStaging, 132)}, 40)

	frame := mpi.NewFrame()
	require.NoError(t, buildSGL(frame, cls, 40, ts))

	assert.True(t, decodeAt(t, frame[40:]).IsZeroLength())
	assert.Equal(t, 40, frame.SGLOffset())
}

func TestBuildSGLFullFrameSkipsTerminator(t *testing.T) {
	cls, ts := mapForTest(t, []BufferEntry{entry(BufferReplyStaging, 132)}, mpi.AdminReqFrameSize)

	frame := mpi.NewFrame()
	assert.NoError(t, buildSGL(frame, cls, mpi.AdminReqFrameSize, ts))
}

func TestBuildSGLManagement(t *testing.T) {
	cls, ts := mapForTest(t, []BufferEntry{
		entry(BufferCommandMgmt, 40),
		entry(BufferResponseMgmt, 64),
		entry(BufferDataOut, 16),
		entry(BufferErrorStaging, 256),
		entry(BufferDataIn, 24),
	}, 32)

	frame := mpi.NewFrame()
	require.NoError(t, buildSGL(frame, cls, 32, ts))

	cmd := decodeAt(t, frame[mpi.MgmtCommandSGLOffset:])
	assert.Equal(t, ts.bufs[0].addr(), cmd.Address)
	assert.Equal(t, uint32(40+2*mpi.SGESize), cmd.Length)
	assert.Equal(t, mpi.SGEFlagsLast, cmd.Flags)

	resp := decodeAt(t, frame[mpi.MgmtResponseSGLOffset:])
	assert.Equal(t, ts.bufs[1].addr(), resp.Address)
	assert.Equal(t, uint32(64), resp.Length)
	assert.Equal(t, mpi.SGEFlagsLast, resp.Flags)

	tail := ts.bufs[0].region.Bytes()[40:]
	sgl, err := mpi.DecodeSGL(tail)
	require.NoError(t, err)
	require.Len(t, sgl, 2)
	assert.Equal(t, ts.bufs[2].addr(), sgl[0].Address)
	assert.Equal(t, mpi.SGEFlagsDefault, sgl[0].Flags)
	assert.Equal(t, ts.bufs[4].addr(), sgl[1].Address)
	assert.Equal(t, uint32(24), sgl[1].Length)
	assert.Equal(t, mpi.SGEFlagsLast, sgl[1].Flags)
}

func TestBuildSGLManagementWithoutResponse(t *testing.T) {
	cls, ts := mapForTest(t, []BufferEntry{
		entry(BufferCommandMgmt, 40),
		entry(BufferDataIn, 24),
	}, 32)

	frame := mpi.NewFrame()
	require.NoError(t, buildSGL(frame, cls, 32, ts))

	assert.True(t, decodeAt(t, frame[mpi.MgmtResponseSGLOffset:]).IsZeroLength())

	data := decodeAt(t, ts.bufs[0].region.Bytes()[40:])
	assert.Equal(t, ts.bufs[1].addr(), data.Address)
	assert.Equal(t, mpi.SGEFlagsLast, data.Flags)
}
