package rule

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCutRequest_WindowMath(t *testing.T) {
	t.Parallel()

	req := NewCutRequest(UploadAction{
		ProjectName: "projects/p1",
		Title:       "fault",
		Before:      2,
		After:       1,
		TriggerTs:   1000,
	})

	assert.False(t, req.Flag)
	assert.Equal(t, "projects/p1", req.ProjectName)
	assert.Equal(t, int64(880), req.Cut.Start)
	assert.Equal(t, int64(1060), req.Cut.End)
}

func TestCutWriter_SpoolsRequestFiles(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "spool")
	w := NewCutWriter(dir)

	action := UploadAction{
		ProjectName: "projects/p1",
		Title:       "fault",
		Labels:      []string{"auto"},
		ExtraFiles:  []string{"/etc/version"},
		TriggerTs:   500,
	}

	require.NoError(t, w.Write(context.Background(), action))
	require.NoError(t, w.Write(context.Background(), action))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	for _, entry := range entries {
		assert.True(t, strings.HasSuffix(entry.Name(), ".json"))
	}

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)

	var req CutRequest

	require.NoError(t, json.Unmarshal(data, &req))
	assert.False(t, req.Flag)
	assert.Equal(t, "fault", req.Record.Title)
	assert.Equal(t, []string{"/etc/version"}, req.Cut.ExtraFiles)
	assert.Equal(t, int64(500), req.Cut.Start)
	assert.Equal(t, int64(500), req.Cut.End)
}
