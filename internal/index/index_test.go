package index

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coscene-io/coscout/internal/rule"
)

// fakeHandler indexes .dat files with a fixed time span and counts
// ComputeState calls.
type fakeHandler struct {
	start, end int64
	static     bool

	computeCalls int
	computeErr   error
	sizeErr      error
	messages     []rule.Item
}

func (h *fakeHandler) Name() string { return "fake" }

func (h *fakeHandler) SupportsStatic() bool { return h.static }

func (h *fakeHandler) Matches(path string) bool {
	return strings.HasSuffix(path, ".dat")
}

func (h *fakeHandler) Size(path string) (int64, error) {
	if h.sizeErr != nil {
		return 0, h.sizeErr
	}

	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}

	return info.Size(), nil
}

func (h *fakeHandler) ComputeState(path string) (FileState, error) {
	h.computeCalls++

	if h.computeErr != nil {
		return FileState{}, h.computeErr
	}

	size, err := h.Size(path)
	if err != nil {
		return FileState{}, err
	}

	return FileState{Size: size, StartTime: h.start, EndTime: h.end}, nil
}

func (h *fakeHandler) Messages(_ context.Context, _ string, emit func(rule.Item) bool) error {
	for _, item := range h.messages {
		if !emit(item) {
			return nil
		}
	}

	return nil
}

func newTestIndex(t *testing.T, handlers ...Handler) *Index {
	t.Helper()

	idx, err := NewIndex(
		filepath.Join(t.TempDir(), "file.state.json"),
		handlers,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	require.NoError(t, err)

	return idx
}

func TestUpdateDir_IndexesAndSkipsUnchanged(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "a.dat")
	require.NoError(t, os.WriteFile(path, []byte("1234"), 0o644))

	h := &fakeHandler{start: 10, end: 20}
	idx := newTestIndex(t, h)

	idx.UpdateDir(dir)

	st, ok := idx.Get(path)
	require.True(t, ok)
	assert.Equal(t, int64(4), st.Size)
	assert.Equal(t, int64(10), st.StartTime)
	assert.Equal(t, 1, h.computeCalls)

	// Unchanged size: no recompute.
	idx.UpdateDir(dir)
	assert.Equal(t, 1, h.computeCalls)

	// Grown file: recomputed.
	require.NoError(t, os.WriteFile(path, []byte("123456"), 0o644))
	idx.UpdateDir(dir)
	assert.Equal(t, 2, h.computeCalls)
}

func TestUpdateDir_MarksUnsupported(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "broken.dat")
	require.NoError(t, os.WriteFile(path, []byte("xx"), 0o644))

	h := &fakeHandler{computeErr: errors.New("cannot parse")}
	idx := newTestIndex(t, h)

	idx.UpdateDir(dir)

	st, ok := idx.Get(path)
	require.True(t, ok)
	assert.True(t, st.Unsupported)

	// Unsupported entries are not retried while the size is unchanged.
	idx.UpdateDir(dir)
	assert.Equal(t, 1, h.computeCalls)
}

func TestUpdateDir_SizeErrorMarksUnsupported(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "locked.dat")
	require.NoError(t, os.WriteFile(path, []byte("xx"), 0o644))

	h := &fakeHandler{sizeErr: errors.New("permission denied")}
	idx := newTestIndex(t, h)

	idx.UpdateDir(dir)

	st, ok := idx.Get(path)
	require.True(t, ok)
	assert.True(t, st.Unsupported)
	assert.Zero(t, h.computeCalls)

	// Unsized files never show up as cut sources.
	assert.Empty(t, idx.GetFiles(dir, 0, 1<<40, false))

	// Once readable again, the entry recovers.
	h.sizeErr = nil
	h.start, h.end = 10, 20

	idx.UpdateDir(dir)

	st, ok = idx.Get(path)
	require.True(t, ok)
	assert.False(t, st.Unsupported)
	assert.Equal(t, int64(10), st.StartTime)
	assert.Equal(t, 1, h.computeCalls)
}

func TestUpdateDir_PrunesDeleted(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "gone.dat")
	require.NoError(t, os.WriteFile(path, []byte("1"), 0o644))

	idx := newTestIndex(t, &fakeHandler{})
	idx.UpdateDir(dir)

	_, ok := idx.Get(path)
	require.True(t, ok)

	require.NoError(t, os.Remove(path))
	idx.UpdateDir(dir)

	_, ok = idx.Get(path)
	assert.False(t, ok)
}

func TestIndex_PersistsAcrossReload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "a.dat")
	require.NoError(t, os.WriteFile(path, []byte("1234"), 0o644))

	statePath := filepath.Join(t.TempDir(), "file.state.json")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	idx, err := NewIndex(statePath, []Handler{&fakeHandler{start: 1, end: 2}}, logger)
	require.NoError(t, err)
	idx.UpdateDir(dir)

	h2 := &fakeHandler{start: 1, end: 2}

	idx2, err := NewIndex(statePath, []Handler{h2}, logger)
	require.NoError(t, err)

	st, ok := idx2.Get(path)
	require.True(t, ok)
	assert.Equal(t, int64(1), st.StartTime)

	// The reloaded index still skips unchanged files.
	idx2.UpdateDir(dir)
	assert.Zero(t, h2.computeCalls)
}

func TestGetFiles_TimeOverlapAndKind(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	idx := newTestIndex(t)

	inRange := filepath.Join(dir, "in.dat")
	before := filepath.Join(dir, "before.dat")
	after := filepath.Join(dir, "after.dat")
	subdir := filepath.Join(dir, "bagdir")
	unsupported := filepath.Join(dir, "bad.dat")

	idx.set(inRange, FileState{StartTime: 100, EndTime: 200})
	idx.set(before, FileState{StartTime: 10, EndTime: 20})
	idx.set(after, FileState{StartTime: 900, EndTime: 950})
	idx.set(subdir, FileState{StartTime: 150, EndTime: 160, IsDir: true})
	idx.set(unsupported, FileState{Unsupported: true})
	idx.set(filepath.Join(dir, "nested", "deep.dat"), FileState{StartTime: 100, EndTime: 200})

	files := idx.GetFiles(dir, 150, 300, false)
	assert.Equal(t, []string{inRange}, files)

	dirs := idx.GetFiles(dir, 150, 300, true)
	assert.Equal(t, []string{subdir}, dirs)

	// Window edges touch the span.
	assert.Len(t, idx.GetFiles(dir, 200, 300, false), 1)
	assert.Len(t, idx.GetFiles(dir, 50, 100, false), 1)
	assert.Empty(t, idx.GetFiles(dir, 201, 300, false))
}

func TestStaticFileDiagnosis_RunsOnce(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "a.dat")
	require.NoError(t, os.WriteFile(path, []byte("1234"), 0o644))

	h := &fakeHandler{
		start:  1,
		end:    2,
		static: true,
		messages: []rule.Item{
			{Topic: "/imu", Ts: 1},
			{Topic: "/imu", Ts: 2},
		},
	}
	idx := newTestIndex(t, h)
	idx.UpdateDir(dir)

	var got []rule.Item
	collect := func(item rule.Item) bool {
		got = append(got, item)

		return true
	}

	idx.StaticFileDiagnosis(context.Background(), path, collect)
	assert.Len(t, got, 2)

	// Already processed at the same size: nothing replays.
	idx.StaticFileDiagnosis(context.Background(), path, collect)
	assert.Len(t, got, 2)

	// A size change reopens the file for diagnosis.
	require.NoError(t, os.WriteFile(path, []byte("123456"), 0o644))
	idx.StaticFileDiagnosis(context.Background(), path, collect)
	assert.Len(t, got, 4)
}

func TestStaticFileDiagnosis_SkipsNonStaticHandlers(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "a.dat")
	require.NoError(t, os.WriteFile(path, []byte("1234"), 0o644))

	h := &fakeHandler{static: false, messages: []rule.Item{{Topic: "/x"}}}
	idx := newTestIndex(t, h)
	idx.UpdateDir(dir)

	var called bool

	idx.StaticFileDiagnosis(context.Background(), path, func(rule.Item) bool {
		called = true

		return true
	})
	assert.False(t, called)
}
