// Package ui renders reindex progress and deployment status on the terminal.
package ui

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
)

// Stage is a phase of a reindex run.
type Stage int

const (
	// StagePreparing covers index discovery and schema registration.
	StagePreparing Stage = iota
	// StageReading is the cursor scan feeding the dispatch pipeline.
	StageReading
	// StageDraining waits for in-flight batches after the scan ended.
	StageDraining
	// StageComplete indicates the run is over.
	StageComplete
)

// String returns the human-readable stage name.
func (s Stage) String() string {
	switch s {
	case StagePreparing:
		return "Preparing"
	case StageReading:
		return "Reading"
	case StageDraining:
		return "Draining"
	case StageComplete:
		return "Complete"
	default:
		return "Unknown"
	}
}

// Icon returns the short stage tag for plain text output.
func (s Stage) Icon() string {
	switch s {
	case StagePreparing:
		return "PREP"
	case StageReading:
		return "READ"
	case StageDraining:
		return "DRAIN"
	case StageComplete:
		return "DONE"
	default:
		return "???"
	}
}

// ProgressEvent is a progress update. Progress through a scan is measured
// in cursor space: Cursor out of MaxCursor.
type ProgressEvent struct {
	Stage     Stage
	Cursor    int64
	MaxCursor int64
	Documents int
	Message   string
}

// ErrorEvent is a problem worth showing to the operator.
type ErrorEvent struct {
	Batch  uint64
	Err    error
	IsWarn bool
}

// Run outcomes.
const (
	OutcomeCompleted   = "completed"
	OutcomeSkipped     = "skipped"
	OutcomeInterrupted = "interrupted"
	OutcomeEvicted     = "evicted"
	OutcomeFailed      = "failed"
)

// CompletionStats summarizes a finished run.
type CompletionStats struct {
	Index      string
	Schema     string
	Outcome    string
	Reason     string
	Batches    int
	Indexed    int
	Deleted    int
	Failed     int
	LastCursor *int64
	Duration   time.Duration
}

// Renderer displays run progress.
type Renderer interface {
	// Start initializes the renderer.
	Start(ctx context.Context) error

	// UpdateProgress updates the progress display.
	UpdateProgress(event ProgressEvent)

	// AddError records a warning or error.
	AddError(event ErrorEvent)

	// Complete shows the run summary.
	Complete(stats CompletionStats)

	// Stop stops the renderer and cleans up.
	Stop() error
}

// Config configures a renderer.
type Config struct {
	Output     io.Writer
	ForcePlain bool
	NoColor    bool
	// Title is shown in the TUI header, typically alias and schema.
	Title string
}

// ConfigOption modifies a Config.
type ConfigOption func(*Config)

// WithForcePlain forces plain text output.
func WithForcePlain(force bool) ConfigOption {
	return func(c *Config) { c.ForcePlain = force }
}

// WithNoColor disables color output.
func WithNoColor(noColor bool) ConfigOption {
	return func(c *Config) { c.NoColor = noColor }
}

// WithTitle sets the TUI header title.
func WithTitle(title string) ConfigOption {
	return func(c *Config) { c.Title = title }
}

// NewConfig creates a Config writing to output.
func NewConfig(output io.Writer, opts ...ConfigOption) Config {
	cfg := Config{Output: output}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// NewRenderer returns a TUI renderer for interactive terminals and a plain
// renderer for pipes, CI, or when plain output is forced.
func NewRenderer(cfg Config) Renderer {
	if cfg.ForcePlain || !IsTTY(cfg.Output) || DetectCI() {
		return NewPlainRenderer(cfg)
	}
	tui, err := NewTUIRenderer(cfg)
	if err != nil {
		return NewPlainRenderer(cfg)
	}
	return tui
}

// IsTTY checks if output is a terminal.
func IsTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok || f == nil {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// DetectNoColor checks if the NO_COLOR environment variable is set.
func DetectNoColor() bool {
	_, exists := os.LookupEnv("NO_COLOR")
	return exists
}

// DetectCI checks if running in a CI environment.
func DetectCI() bool {
	for _, v := range []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI", "JENKINS_URL", "BUILDKITE"} {
		if _, exists := os.LookupEnv(v); exists {
			return true
		}
	}
	return false
}

// FormatDuration formats a duration for humans.
func FormatDuration(d time.Duration) string {
	if d >= time.Hour {
		return d.Truncate(time.Minute).String()
	}
	return d.Round(time.Second).String()
}
