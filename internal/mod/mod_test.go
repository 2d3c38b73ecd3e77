package mod

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coscene-io/coscout/internal/api"
	"github.com/coscene-io/coscout/internal/codelimit"
)

// fakeMod stubs device discovery for registry tests.
type fakeMod struct {
	device    *api.RawDeviceState
	deviceErr error

	deviceCalls int
}

func (m *fakeMod) Name() string { return "fake" }

func (m *fakeMod) Device() (*api.RawDeviceState, error) {
	m.deviceCalls++

	return m.device, m.deviceErr
}

func (m *fakeMod) ConvertCode([]byte) codelimit.Table { return codelimit.Table{} }

func (m *fakeMod) Sweep(context.Context) error { return nil }

func (m *fakeMod) RunStreams(context.Context) error { return nil }

func TestResolve(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "default", Resolve("", "https://openapi.coscene.cn"))
	assert.Equal(t, "agi", Resolve("agi", "https://openapi.coscene.cn"))
	assert.Equal(t, "gs", Resolve("default", "https://robot.gaussianrobotics.com"))
	assert.Equal(t, "gs", Resolve("", "https://robot.gaussianrobotics.com"))
}

func TestNames_ContainsBuiltins(t *testing.T) {
	t.Parallel()

	names := Names()
	assert.Contains(t, names, "default")
	assert.Contains(t, names, "gs")
	assert.IsNonDecreasing(t, names)
}

func TestNew_UnknownMod(t *testing.T) {
	t.Parallel()

	_, err := New("no-such-mod", "https://openapi.coscene.cn", Options{})
	assert.Error(t, err)
}

func TestCachedDevice(t *testing.T) {
	t.Parallel()

	statePath := filepath.Join(t.TempDir(), "raw_device.state.json")
	m := &fakeMod{device: &api.RawDeviceState{SerialNumber: "SN-1", DisplayName: "robot@SN-1"}}

	dev, err := CachedDevice(statePath, m)
	require.NoError(t, err)
	assert.Equal(t, "SN-1", dev.SerialNumber)
	assert.Equal(t, 1, m.deviceCalls)

	// The second lookup is served from the state file, even when the
	// hardware source is gone.
	m.deviceErr = errors.New("hardware file removed")

	dev, err = CachedDevice(statePath, m)
	require.NoError(t, err)
	assert.Equal(t, "SN-1", dev.SerialNumber)
	assert.Equal(t, 1, m.deviceCalls)
}

func TestCachedDevice_DiscoveryFailure(t *testing.T) {
	t.Parallel()

	statePath := filepath.Join(t.TempDir(), "raw_device.state.json")

	m := &fakeMod{deviceErr: ErrDeviceNotFound}
	_, err := CachedDevice(statePath, m)
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	m = &fakeMod{device: &api.RawDeviceState{}}
	_, err = CachedDevice(statePath, m)
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}
