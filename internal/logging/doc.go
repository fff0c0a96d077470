// Package logging sets up structured slog output for scoresync workers.
// Records are JSON, one per line, written to a size-rotated file under
// ~/.scoresync/logs/ and, unless disabled, mirrored to stderr.
package logging
