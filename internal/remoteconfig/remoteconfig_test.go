package remoteconfig

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	key        string
	version    int64
	versionErr error
	value      json.RawMessage
	fetchErr   error

	versionCalls int
	fetchCalls   int
}

func (s *fakeSource) CacheKey() string { return s.key }

func (s *fakeSource) Version(context.Context) (int64, error) {
	s.versionCalls++

	return s.version, s.versionErr
}

func (s *fakeSource) Fetch(context.Context) (json.RawMessage, error) {
	s.fetchCalls++

	return s.value, s.fetchErr
}

func testCache(t *testing.T, enabled bool) *Cache {
	t.Helper()

	return NewCache(t.TempDir(), enabled, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRead_FetchesAndCaches(t *testing.T) {
	t.Parallel()

	cache := testCache(t, true)
	src := &fakeSource{key: "p1/diagnosisRules", version: 3, value: json.RawMessage(`{"a":1}`)}

	got := cache.Read(context.Background(), src)
	assert.JSONEq(t, `{"a":1}`, string(got))
	assert.Equal(t, 1, src.fetchCalls)

	// Same version on the next read serves the cached copy.
	got = cache.Read(context.Background(), src)
	assert.JSONEq(t, `{"a":1}`, string(got))
	assert.Equal(t, 1, src.fetchCalls)
	assert.Equal(t, 2, src.versionCalls)
}

func TestRead_RefetchesOnNewVersion(t *testing.T) {
	t.Parallel()

	cache := testCache(t, true)
	src := &fakeSource{key: "rules", version: 1, value: json.RawMessage(`"old"`)}

	_ = cache.Read(context.Background(), src)

	src.version = 2
	src.value = json.RawMessage(`"new"`)

	got := cache.Read(context.Background(), src)
	assert.JSONEq(t, `"new"`, string(got))
	assert.Equal(t, 2, src.fetchCalls)
}

func TestRead_VersionErrorServesCache(t *testing.T) {
	t.Parallel()

	cache := testCache(t, true)
	src := &fakeSource{key: "rules", version: 1, value: json.RawMessage(`"v1"`)}

	_ = cache.Read(context.Background(), src)

	src.versionErr = errors.New("offline")

	got := cache.Read(context.Background(), src)
	assert.JSONEq(t, `"v1"`, string(got))
	assert.Equal(t, 1, src.fetchCalls)
}

func TestRead_FetchErrorServesCache(t *testing.T) {
	t.Parallel()

	cache := testCache(t, true)
	src := &fakeSource{key: "rules", version: 1, value: json.RawMessage(`"v1"`)}

	_ = cache.Read(context.Background(), src)

	src.version = 2
	src.fetchErr = errors.New("offline")

	got := cache.Read(context.Background(), src)
	assert.JSONEq(t, `"v1"`, string(got))
}

func TestRead_NothingCachedAndOffline(t *testing.T) {
	t.Parallel()

	cache := testCache(t, true)
	src := &fakeSource{key: "rules", versionErr: errors.New("offline")}

	assert.Nil(t, cache.Read(context.Background(), src))
}

func TestRead_Disabled(t *testing.T) {
	t.Parallel()

	cache := testCache(t, false)
	src := &fakeSource{key: "rules", value: json.RawMessage(`"live"`)}

	got := cache.Read(context.Background(), src)
	assert.JSONEq(t, `"live"`, string(got))
	assert.Zero(t, src.versionCalls)

	src.fetchErr = errors.New("offline")
	assert.Nil(t, cache.Read(context.Background(), src))
}

func TestRead_KeyCreatesSubdirectories(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cache := NewCache(dir, true, slog.New(slog.NewTextHandler(io.Discard, nil)))
	src := &fakeSource{key: "warehouses/w1/projects/p1/diagnosisRules", version: 1, value: json.RawMessage(`{}`)}

	_ = cache.Read(context.Background(), src)

	_, err := os.Stat(filepath.Join(dir, "warehouses/w1/projects/p1/diagnosisRules.json"))
	assert.NoError(t, err)
}

func TestRead_CorruptCacheRefetches(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cache := NewCache(dir, true, slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "rules.json"), []byte("{oops"), 0o644))

	src := &fakeSource{key: "rules", version: 1, value: json.RawMessage(`"fresh"`)}

	got := cache.Read(context.Background(), src)
	assert.JSONEq(t, `"fresh"`, string(got))
	assert.Equal(t, 1, src.fetchCalls)
}
