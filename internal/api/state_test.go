package api

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientState_IsAuthed(t *testing.T) {
	t.Parallel()

	st := &ClientState{}
	assert.False(t, st.IsAuthed())

	st.APIKey = "token"
	assert.True(t, st.IsAuthed())

	st.APIKeyExpiresAt = time.Now().Add(time.Hour).Unix()
	assert.True(t, st.IsAuthed())

	st.APIKeyExpiresAt = time.Now().Add(-time.Hour).Unix()
	assert.False(t, st.IsAuthed())
}

func TestClientState_ExpiresSoon(t *testing.T) {
	t.Parallel()

	st := &ClientState{APIKey: "token"}
	assert.False(t, st.ExpiresSoon(time.Hour))

	st.APIKeyExpiresAt = time.Now().Add(30 * time.Minute).Unix()
	assert.True(t, st.ExpiresSoon(time.Hour))
	assert.False(t, st.ExpiresSoon(time.Minute))
}

func TestStateRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "client.state.json")

	in := &ClientState{
		APIKey:  "secret",
		OrgName: "organizations/o1",
		Device:  &Device{Name: "devices/d1", SerialNumber: "SN-1"},
	}
	require.NoError(t, SaveState(path, in))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	out := &ClientState{}
	require.NoError(t, LoadState(path, out))
	assert.Equal(t, in, out)
}

func TestLoadState_MissingFileIsNoop(t *testing.T) {
	t.Parallel()

	out := &RawDeviceState{SerialNumber: "keep"}
	require.NoError(t, LoadState(filepath.Join(t.TempDir(), "missing.json"), out))
	assert.Equal(t, "keep", out.SerialNumber)
}

func TestLoadState_CorruptFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))

	assert.Error(t, LoadState(path, &RawDeviceState{}))
}
