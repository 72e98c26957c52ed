// Package testutil provides adapter fixtures and assertions shared by the
// tests of packages built on top of internal/adapter.
//
// Usage:
//
//	func TestSomething(t *testing.T) {
//		reg := testutil.NewRegistry(t, testutil.AdapterConfig(0))
//		a := testutil.MustAdapter(t, reg, 0)
//		...
//	}
package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/mptpass/internal/adapter"
	"github.com/piwi3910/mptpass/pkg/pterrors"
)

// Test timing defaults, short enough to keep timeout paths fast.
const (
	MinTimeout      = 100 * time.Millisecond
	PELAbortTimeout = time.Second
)

// Options returns adapter options tuned for tests.
func Options() adapter.Options {
	return adapter.Options{MinTimeout: MinTimeout, PELAbortTimeout: PELAbortTimeout}
}

// AdapterConfig returns a small adapter with one exposed and one hidden
// target.
func AdapterConfig(id int) adapter.Config {
	return adapter.Config{
		ID:        id,
		Name:      fmt.Sprintf("test%d", id),
		ReplySize: 64,
		Targets: []adapter.Target{
			{Handle: 0x10, PersistentID: 1, TargetID: 5, Exposed: true},
			{Handle: 0x11, PersistentID: 2, PageSizeExp: 12},
		},
	}
}

// NewRegistry starts one adapter per config and closes them when the test
// ends. Adapter names are prefixed with the test name so metrics series do
// not collide between tests.
func NewRegistry(t *testing.T, cfgs ...adapter.Config) *adapter.Registry {
	t.Helper()

	reg := adapter.NewRegistry()
	t.Cleanup(func() { _ = reg.Close() })

	for _, cfg := range cfgs {
		cfg.Name = t.Name() + "/" + cfg.Name

		a, err := adapter.New(cfg, Options())
		require.NoError(t, err)
		require.NoError(t, reg.Add(a))
	}

	return reg
}

// MustAdapter returns adapter id from reg.
func MustAdapter(t *testing.T, reg *adapter.Registry, id int) *adapter.Adapter {
	t.Helper()

	a, err := reg.Get(id)
	require.NoError(t, err)

	return a
}

// AssertCode asserts that err carries the given error code.
func AssertCode(t *testing.T, expected pterrors.PassthroughError, actual error) {
	t.Helper()

	require.Error(t, actual, "expected an error")
	assert.ErrorIs(t, actual, expected, "error code should match")
}

// AssertErrno asserts the signed status an error maps to.
func AssertErrno(t *testing.T, expected int, actual error) {
	t.Helper()

	assert.Equal(t, expected, pterrors.Errno(actual), "status of %v", actual)
}
