package version

import (
	"encoding/json"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestString_IncludesBuildInfo(t *testing.T) {
	// Given: injected build values
	defer func(v, c, d string) { Version, Commit, Date = v, c, d }(Version, Commit, Date)
	Version, Commit, Date = "1.4.0", "abc1234", "2026-10-01T00:00:00Z"

	// When
	s := String()

	// Then
	assert.Equal(t, "scoresync 1.4.0 (commit: abc1234, built: 2026-10-01T00:00:00Z, go: "+runtime.Version()+")", s)
	assert.Equal(t, "1.4.0", Short())
}

func TestGetInfo_JSON(t *testing.T) {
	data, err := json.Marshal(GetInfo())
	require.NoError(t, err)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, Version, decoded["version"])
	assert.Equal(t, runtime.GOOS, decoded["os"])
	assert.Equal(t, runtime.GOARCH, decoded["arch"])
	assert.Contains(t, decoded, "go_version")
}
