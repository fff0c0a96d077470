package ui

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// PlainRenderer writes one line per event (for CI, pipes and log capture).
type PlainRenderer struct {
	mu    sync.Mutex
	out   io.Writer
	every time.Duration
	last  time.Time
	stage Stage
}

// NewPlainRenderer creates a plain text renderer. Progress lines within a
// stage are written at most once per second.
func NewPlainRenderer(cfg Config) *PlainRenderer {
	return &PlainRenderer{out: cfg.Output, every: time.Second, stage: -1}
}

// Start implements Renderer.
func (r *PlainRenderer) Start(ctx context.Context) error {
	return nil
}

// UpdateProgress implements Renderer.
func (r *PlainRenderer) UpdateProgress(event ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if event.Stage == r.stage && now.Sub(r.last) < r.every {
		return
	}
	r.stage = event.Stage
	r.last = now

	switch {
	case event.MaxCursor > 0:
		_, _ = fmt.Fprintf(r.out, "[%s] cursor %d/%d, %d documents", event.Stage.Icon(), event.Cursor, event.MaxCursor, event.Documents)
		if event.Message != "" {
			_, _ = fmt.Fprintf(r.out, " - %s", event.Message)
		}
		_, _ = fmt.Fprintln(r.out)
	case event.Message != "":
		_, _ = fmt.Fprintf(r.out, "[%s] %s\n", event.Stage.Icon(), event.Message)
	}
}

// AddError implements Renderer.
func (r *PlainRenderer) AddError(event ErrorEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prefix := "ERROR"
	if event.IsWarn {
		prefix = "WARN"
	}
	if event.Batch > 0 {
		_, _ = fmt.Fprintf(r.out, "%s: batch %d: %v\n", prefix, event.Batch, event.Err)
		return
	}
	_, _ = fmt.Fprintf(r.out, "%s: %v\n", prefix, event.Err)
}

// Complete implements Renderer.
func (r *PlainRenderer) Complete(stats CompletionStats) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, _ = fmt.Fprintf(r.out, "%s %s: %d batches, %d indexed, %d deleted in %s",
		stats.Index, stats.Outcome, stats.Batches, stats.Indexed, stats.Deleted, FormatDuration(stats.Duration))
	if stats.Failed > 0 {
		_, _ = fmt.Fprintf(r.out, " (%d failed)", stats.Failed)
	}
	_, _ = fmt.Fprintln(r.out)

	if stats.LastCursor != nil {
		_, _ = fmt.Fprintf(r.out, "Checkpoint: %d\n", *stats.LastCursor)
	}
	if stats.Reason != "" {
		_, _ = fmt.Fprintf(r.out, "Reason: %s\n", stats.Reason)
	}
}

// Stop implements Renderer.
func (r *PlainRenderer) Stop() error {
	return nil
}

var _ Renderer = (*PlainRenderer)(nil)
