package pterrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrno(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: 0},
		{name: "invalid argument", err: ErrInvalidArgument, want: -22},
		{name: "wrapped busy", err: Wrap(ErrBusy, "slot %d", 2), want: -11},
		{name: "timeout", err: fmt.Errorf("outer: %w", ErrTimeout), want: -110},
		{name: "interrupted", err: ErrInterrupted, want: -512},
		{name: "no memory", err: ErrResourceExhausted, want: -12},
		{name: "fault joined", err: errors.Join(errors.New("short copy"), ErrFault), want: -14},
		{name: "unclassified", err: errors.New("boom"), want: -5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Errno(tt.err))
		})
	}
}

func TestWrapMatchesSentinel(t *testing.T) {
	err := Wrap(ErrInvalidState, "device page size unset for handle 0x%04x", 7)

	assert.ErrorIs(t, err, ErrInvalidState)
	assert.NotErrorIs(t, err, ErrInvalidArgument)
	assert.Contains(t, err.Error(), "handle 0x0007")

	code, ok := CodeOf(err)
	assert.True(t, ok)
	assert.Equal(t, CodeInvalidState, code)
}

func TestWithMessageKeepsCode(t *testing.T) {
	err := ErrUnavailable.WithMessage("controller reset in progress")

	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, "controller reset in progress", err.Error())
}
