package passthrough

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/mptpass/pkg/pterrors"
)

func entry(t BufferType, n int) BufferEntry {
	return BufferEntry{Type: t, Region: make(Bytes, n), Length: uint32(n)}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		bufs    []BufferEntry
		cmdLen  int
		wantErr bool
	}{
		{name: "empty list", bufs: nil, cmdLen: 32, wantErr: true},
		{name: "single data out", bufs: []BufferEntry{entry(BufferDataOut, 16)}, cmdLen: 32},
		{
			name:   "data in out with staging",
			bufs:   []BufferEntry{entry(BufferDataOut, 16), entry(BufferDataIn, 16), entry(BufferReplyStaging, 132), entry(BufferErrorStaging, 256)},
			cmdLen: 32,
		},
		{name: "response without command", bufs: []BufferEntry{entry(BufferResponseMgmt, 8)}, cmdLen: 32, wantErr: true},
		{
			name:    "response after data",
			bufs:    []BufferEntry{entry(BufferDataOut, 8), entry(BufferResponseMgmt, 8)},
			cmdLen:  32,
			wantErr: true,
		},
		{
			name:    "command not first",
			bufs:    []BufferEntry{entry(BufferDataIn, 8), entry(BufferCommandMgmt, 8)},
			cmdLen:  32,
			wantErr: true,
		},
		{
			name:    "response not second",
			bufs:    []BufferEntry{entry(BufferCommandMgmt, 8), entry(BufferDataIn, 8), entry(BufferResponseMgmt, 8)},
			cmdLen:  32,
			wantErr: true,
		},
		{
			name:    "two data in without management",
			bufs:    []BufferEntry{entry(BufferDataIn, 8), entry(BufferDataIn, 8)},
			cmdLen:  32,
			wantErr: true,
		},
		{
			name:    "two data out without management",
			bufs:    []BufferEntry{entry(BufferDataOut, 8), entry(BufferDataOut, 8)},
			cmdLen:  32,
			wantErr: true,
		},
		{
			name: "several data buffers in management mode",
			bufs: []BufferEntry{
				entry(BufferCommandMgmt, 64), entry(BufferResponseMgmt, 64),
				entry(BufferDataIn, 8), entry(BufferDataIn, 8), entry(BufferDataOut, 8), entry(BufferDataOut, 8),
			},
			cmdLen: 32,
		},
		{
			name:    "duplicate reply",
			bufs:    []BufferEntry{entry(BufferReplyStaging, 8), entry(BufferReplyStaging, 8)},
			cmdLen:  32,
			wantErr: true,
		},
		{
			name:    "duplicate error",
			bufs:    []BufferEntry{entry(BufferErrorStaging, 8), entry(BufferErrorStaging, 8)},
			cmdLen:  32,
			wantErr: true,
		},
		{name: "unknown type", bufs: []BufferEntry{entry(BufferType(9), 8)}, cmdLen: 32, wantErr: true},
		{
			name:   "frame exactly full",
			bufs:   []BufferEntry{entry(BufferDataOut, 8), entry(BufferDataIn, 8)},
			cmdLen: 96,
		},
		{
			name:    "frame overflow",
			bufs:    []BufferEntry{entry(BufferDataOut, 8), entry(BufferDataIn, 8)},
			cmdLen:  100,
			wantErr: true,
		},
		{
			name:   "management ignores frame capacity",
			bufs:   []BufferEntry{entry(BufferCommandMgmt, 8), entry(BufferDataOut, 8), entry(BufferDataIn, 8)},
			cmdLen: 128,
		},
		{
			name:    "length without region",
			bufs:    []BufferEntry{{Type: BufferDataIn, Length: 8}},
			cmdLen:  32,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := classify(tt.bufs, tt.cmdLen)
			if tt.wantErr {
				assert.ErrorIs(t, err, pterrors.ErrInvalidArgument)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestClassifyDirections(t *testing.T) {
	cls, err := classify([]BufferEntry{
		entry(BufferCommandMgmt, 8),
		entry(BufferResponseMgmt, 8),
		entry(BufferDataOut, 8),
		entry(BufferDataIn, 8),
		entry(BufferReplyStaging, 8),
		entry(BufferErrorStaging, 8),
	}, 32)
	require.NoError(t, err)

	want := []Direction{ToDevice, FromDevice, ToDevice, FromDevice, Bidirectional, Bidirectional}
	for i, e := range cls.entries {
		assert.Equal(t, want[i], e.dir, "entry %d", i)
	}

	assert.True(t, cls.mgmtCmd)
	assert.True(t, cls.mgmtResp)
	assert.Equal(t, 2, cls.dataCount())
	assert.Equal(t, 4, cls.replyIdx)
	assert.Equal(t, 5, cls.errIdx)
}

func TestClassifyResponseRequiresCommandForAllShortLists(t *testing.T) {
	types := []BufferType{
		BufferCommandMgmt, BufferResponseMgmt, BufferDataIn,
		BufferDataOut, BufferReplyStaging, BufferErrorStaging,
	}

	var lists [][]BufferType
	for _, a := range types {
		lists = append(lists, []BufferType{a})
		for _, b := range types {
			lists = append(lists, []BufferType{a, b})
			for _, c := range types {
				lists = append(lists, []BufferType{a, b, c})
			}
		}
	}

	for _, l := range lists {
		hasResp := false
		for _, bt := range l {
			hasResp = hasResp || bt == BufferResponseMgmt
		}

		if !hasResp || l[0] == BufferCommandMgmt {
			continue
		}

		bufs := make([]BufferEntry, len(l))
		for i, bt := range l {
			bufs[i] = entry(bt, 8)
		}

		_, err := classify(bufs, 32)
		assert.ErrorIs(t, err, pterrors.ErrInvalidArgument, "list %v", l)
	}
}

func TestParseBufferType(t *testing.T) {
	for _, bt := range []BufferType{BufferCommandMgmt, BufferResponseMgmt, BufferDataIn, BufferDataOut, BufferReplyStaging, BufferErrorStaging} {
		got, err := ParseBufferType(bt.String())
		require.NoError(t, err)
		assert.Equal(t, bt, got)
	}

	_, err := ParseBufferType("bogus")
	assert.Error(t, err)
}
