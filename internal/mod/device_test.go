package mod

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoverDevice_TxtFile(t *testing.T) {
	t.Parallel()

	snFile := filepath.Join(t.TempDir(), "sn.txt")
	require.NoError(t, os.WriteFile(snFile, []byte("  SN-12345\n"), 0o644))

	dev, err := discoverDevice(snFile, "", filepath.Join(t.TempDir(), "fallback.txt"))
	require.NoError(t, err)

	assert.Equal(t, "SN-12345", dev.SerialNumber)
	assert.Equal(t, "SN-12345", dev.DisplayName)
	assert.Equal(t, "SN-12345", dev.Description)
}

func TestDiscoverDevice_YAMLField(t *testing.T) {
	t.Parallel()

	snFile := filepath.Join(t.TempDir(), "device.yaml")
	content := `
robot:
  info:
    serial: ROBOT-7
  sensors:
    - name: lidar
    - name: imu
`
	require.NoError(t, os.WriteFile(snFile, []byte(content), 0o644))

	dev, err := discoverDevice(snFile, "robot.info.serial", "")
	require.NoError(t, err)
	assert.Equal(t, "ROBOT-7", dev.SerialNumber)

	// List entries are addressed by index.
	dev, err = discoverDevice(snFile, "robot.sensors.1.name", "")
	require.NoError(t, err)
	assert.Equal(t, "imu", dev.SerialNumber)
}

func TestDiscoverDevice_JSONField(t *testing.T) {
	t.Parallel()

	snFile := filepath.Join(t.TempDir(), "device.json")
	require.NoError(t, os.WriteFile(snFile, []byte(`{"sn": "J-1"}`), 0o644))

	dev, err := discoverDevice(snFile, "sn", "")
	require.NoError(t, err)
	assert.Equal(t, "J-1", dev.SerialNumber)
}

func TestDiscoverDevice_MissingField(t *testing.T) {
	t.Parallel()

	snFile := filepath.Join(t.TempDir(), "device.yaml")
	require.NoError(t, os.WriteFile(snFile, []byte("robot:\n  serial: X\n"), 0o644))

	_, err := discoverDevice(snFile, "robot.nope", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestDiscoverDevice_GeneratedFallback(t *testing.T) {
	t.Parallel()

	fallback := filepath.Join(t.TempDir(), "sn.txt")

	dev, err := discoverDevice("", "", fallback)
	require.NoError(t, err)

	require.NotEmpty(t, dev.SerialNumber)
	assert.Len(t, dev.SerialNumber, 32)
	assert.NotContains(t, dev.SerialNumber, "-")
	assert.Contains(t, dev.DisplayName, "@"+dev.SerialNumber)
	assert.Contains(t, dev.Description, "sn: "+dev.SerialNumber)

	// The generated serial number is persisted and stable.
	again, err := discoverDevice("", "", fallback)
	require.NoError(t, err)
	assert.Equal(t, dev.SerialNumber, again.SerialNumber)
}

func TestDiscoverDevice_MissingSourceFallsBack(t *testing.T) {
	t.Parallel()

	fallback := filepath.Join(t.TempDir(), "sn.txt")

	dev, err := discoverDevice(filepath.Join(t.TempDir(), "nope.yaml"), "sn", fallback)
	require.NoError(t, err)
	assert.NotEmpty(t, dev.SerialNumber)
}

func TestFlatten(t *testing.T) {
	t.Parallel()

	out := map[string]string{}
	flatten("", map[string]any{
		"a": map[string]any{"b": "x"},
		"list": []any{
			map[string]any{"k": 1},
			"plain",
		},
		"n":    42,
		"null": nil,
	}, out)

	assert.Equal(t, map[string]string{
		"a.b":      "x",
		"list.0.k": "1",
		"list.1":   "plain",
		"n":        "42",
	}, out)
}
