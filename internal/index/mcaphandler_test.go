package index

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/foxglove/mcap/go/mcap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coscene-io/coscout/internal/rule"
)

// writeTestMcap builds a chunked mcap with one JSON channel and two
// messages at 100s and 200s.
func writeTestMcap(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "session.mcap")

	f, err := os.Create(path)
	require.NoError(t, err)

	w, err := mcap.NewWriter(f, &mcap.WriterOptions{
		Chunked:     true,
		ChunkSize:   4096,
		Compression: mcap.CompressionNone,
	})
	require.NoError(t, err)

	require.NoError(t, w.WriteHeader(&mcap.Header{}))
	require.NoError(t, w.WriteSchema(&mcap.Schema{
		ID:       1,
		Name:     "sensor_msgs/msg/BatteryState",
		Encoding: "jsonschema",
		Data:     []byte("{}"),
	}))
	require.NoError(t, w.WriteChannel(&mcap.Channel{
		ID:              0,
		SchemaID:        1,
		Topic:           "/battery",
		MessageEncoding: "json",
	}))

	require.NoError(t, w.WriteMessage(&mcap.Message{
		ChannelID:   0,
		LogTime:     100e9,
		PublishTime: 100e9,
		Data:        []byte(`{"voltage": 42}`),
	}))
	require.NoError(t, w.WriteMessage(&mcap.Message{
		ChannelID:   0,
		Sequence:    1,
		LogTime:     200e9,
		PublishTime: 200e9,
		Data:        []byte(`{"voltage": 41}`),
	}))

	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	return path
}

func TestMcapHandler_Matches(t *testing.T) {
	t.Parallel()

	h := McapHandler{}

	path := writeTestMcap(t)
	assert.True(t, h.Matches(path))

	assert.False(t, h.Matches(filepath.Join(t.TempDir(), "missing.mcap")))
	assert.False(t, h.Matches(t.TempDir()))

	plain := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(plain, []byte("x"), 0o644))
	assert.False(t, h.Matches(plain))
}

func TestMcapHandler_ComputeState(t *testing.T) {
	t.Parallel()

	path := writeTestMcap(t)

	state, err := McapHandler{}.ComputeState(path)
	require.NoError(t, err)

	assert.Equal(t, int64(100), state.StartTime)
	assert.Equal(t, int64(200), state.EndTime)
	assert.Positive(t, state.Size)
	assert.False(t, state.IsDir)
}

func TestMcapHandler_ComputeState_NotMcap(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bad.mcap")
	require.NoError(t, os.WriteFile(path, []byte("not an mcap"), 0o644))

	_, err := McapHandler{}.ComputeState(path)
	assert.Error(t, err)
}

func TestMcapHandler_Messages(t *testing.T) {
	t.Parallel()

	path := writeTestMcap(t)

	var items []rule.Item

	err := McapHandler{}.Messages(context.Background(), path, func(item rule.Item) bool {
		items = append(items, item)

		return true
	})
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "/battery", items[0].Topic)
	assert.Equal(t, "sensor_msgs/msg/BatteryState", items[0].Msgtype)
	assert.Equal(t, int64(100), items[0].Ts)

	// JSON payloads arrive decoded so field predicates can match.
	msg, ok := items[0].Msg.(map[string]any)
	require.True(t, ok)
	assert.InDelta(t, 42, msg["voltage"], 0)

	assert.Equal(t, int64(200), items[1].Ts)
}

func TestMcapHandler_MessagesStopsOnEmitFalse(t *testing.T) {
	t.Parallel()

	path := writeTestMcap(t)

	count := 0

	err := McapHandler{}.Messages(context.Background(), path, func(rule.Item) bool {
		count++

		return false
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
