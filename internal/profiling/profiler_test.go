package profiling

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptions_Enabled(t *testing.T) {
	assert.False(t, Options{}.Enabled())
	assert.True(t, Options{Heap: "heap.out"}.Enabled())
}

func TestSession_WritesRequestedProfiles(t *testing.T) {
	// Given: CPU, heap and trace paths
	dir := t.TempDir()
	opts := Options{
		CPU:   filepath.Join(dir, "cpu.out"),
		Heap:  filepath.Join(dir, "heap.out"),
		Trace: filepath.Join(dir, "trace.out"),
	}

	// When: a session runs and stops
	s, err := Start(opts)
	require.NoError(t, err)
	sum := 0
	for i := range 100000 {
		sum += i
	}
	require.NoError(t, s.Stop())

	// Then: every file exists and is not empty
	for _, path := range []string{opts.CPU, opts.Heap, opts.Trace} {
		info, err := os.Stat(path)
		require.NoError(t, err, path)
		assert.Positive(t, info.Size(), path)
	}
	assert.Positive(t, sum)
}

func TestSession_StopIsIdempotentForStreams(t *testing.T) {
	s, err := Start(Options{CPU: filepath.Join(t.TempDir(), "cpu.out")})
	require.NoError(t, err)

	require.NoError(t, s.Stop())
	assert.NoError(t, s.Stop())
}

func TestStart_BadPath(t *testing.T) {
	_, err := Start(Options{CPU: filepath.Join(t.TempDir(), "missing", "cpu.out")})
	assert.Error(t, err)
}
