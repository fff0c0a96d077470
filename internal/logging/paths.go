package logging

import (
	"os"
	"path/filepath"
)

// DefaultLogDir returns the default log directory (~/.scoresync/logs/).
// Falls back to temp directory if home directory is unavailable.
func DefaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".scoresync", "logs")
	}
	return filepath.Join(home, ".scoresync", "logs")
}

// DefaultLogPath returns the default worker log path.
func DefaultLogPath() string {
	return filepath.Join(DefaultLogDir(), "scoresync.log")
}
