package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLogPath(t *testing.T) {
	path := DefaultLogPath()

	assert.True(t, strings.HasSuffix(path, filepath.Join(".scoresync", "logs", "scoresync.log")))
	assert.Equal(t, DefaultLogDir(), filepath.Dir(path))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, 10, cfg.MaxSizeMB)
	assert.Equal(t, 5, cfg.MaxFiles)
	assert.True(t, cfg.WriteToStderr)
	assert.Equal(t, "debug", DebugConfig().Level)
}

func TestSetup_WritesJSONToFile(t *testing.T) {
	// Given: a file-only config
	path := filepath.Join(t.TempDir(), "nested", "worker.log")
	cfg := Config{Level: "info", FilePath: path, MaxSizeMB: 1, MaxFiles: 2}

	// When: logging one info and one debug line
	logger, cleanup, err := Setup(cfg)
	require.NoError(t, err)
	logger.Info("reindex_started", slog.String("schema", "v2"))
	logger.Debug("hidden")
	cleanup()

	// Then: only the info line is written, as JSON
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "reindex_started", entry["msg"])
	assert.Equal(t, "v2", entry["schema"])
}

func TestForWorker_TagsRecords(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	ForWorker(base, "w-1", "v3").Info("tick")

	assert.Contains(t, buf.String(), `"worker_id":"w-1"`)
	assert.Contains(t, buf.String(), `"schema":"v3"`)
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in), in)
	}
}

func TestRotatingWriter_Rotation(t *testing.T) {
	// Given: a writer with a tiny limit
	path := filepath.Join(t.TempDir(), "r.log")
	w, err := NewRotatingWriter(path, 1, 2)
	require.NoError(t, err)
	w.maxSize = 64
	defer w.Close()

	// When: writing more than three files' worth
	line := []byte(strings.Repeat("x", 40) + "\n")
	for i := 0; i < 8; i++ {
		_, err := w.Write(line)
		require.NoError(t, err)
	}

	// Then: current plus at most two backups exist
	_, err = os.Stat(path + ".1")
	assert.NoError(t, err)
	_, err = os.Stat(path + ".2")
	assert.NoError(t, err)
	_, err = os.Stat(path + ".3")
	assert.True(t, os.IsNotExist(err))
}

func TestRotatingWriter_WriteAfterClose(t *testing.T) {
	w, err := NewRotatingWriter(filepath.Join(t.TempDir(), "c.log"), 1, 1)
	require.NoError(t, err)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	_, err = w.Write([]byte("late"))
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestRotatingWriter_ConcurrentWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cc.log")
	w, err := NewRotatingWriter(path, 1, 3)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, _ = fmt.Fprintf(w, "g%d-%d\n", g, i)
			}
		}(g)
	}
	wg.Wait()
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(data)), "\n"), 400)
}
