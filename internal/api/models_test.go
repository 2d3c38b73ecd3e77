package api

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInt64String_Unmarshal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want int64
	}{
		{`42`, 42},
		{`"42"`, 42},
		{`"-7"`, -7},
		{`null`, 0},
		{`""`, 0},
	}

	for _, tt := range tests {
		var n Int64String

		require.NoError(t, json.Unmarshal([]byte(tt.in), &n), tt.in)
		assert.Equal(t, tt.want, int64(n), tt.in)
	}

	var n Int64String

	assert.Error(t, json.Unmarshal([]byte(`"abc"`), &n))
}

func TestInt64String_MarshalsAsNumber(t *testing.T) {
	t.Parallel()

	out, err := json.Marshal(Int64String(99))
	require.NoError(t, err)
	assert.Equal(t, "99", string(out))
}

func TestConfigMapMetadata_ProtoJSON(t *testing.T) {
	t.Parallel()

	var md ConfigMapMetadata

	require.NoError(t, json.Unmarshal([]byte(`{"name":"cm","currentVersion":"12"}`), &md))
	assert.Equal(t, Int64String(12), md.CurrentVersion)
}
