package ui

import (
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
)

func newTestModel() *runModel {
	m := newRunModel(NewTracker(10), "products")
	m.styles = NoColorStyles()
	return m
}

func TestRunModel_ViewReading(t *testing.T) {
	// Given: a model tracking a scan half way through
	m := newTestModel()
	m.tracker.Update(ProgressEvent{Stage: StageReading, Cursor: 500, MaxCursor: 1000, Documents: 420})

	// When: the view is rendered
	view := m.View()

	// Then: the title, cursor position and stage trail are shown
	assert.Contains(t, view, "products")
	assert.Contains(t, view, "cursor 500 / 1000")
	assert.Contains(t, view, "420 documents")
	assert.Contains(t, view, "● Preparing")
	assert.Contains(t, view, "○ Draining")
}

func TestRunModel_ErrorsShownInStatusLine(t *testing.T) {
	m := newTestModel()
	ev := ErrorEvent{Batch: 2, Err: errors.New("mapper_parsing_exception"), IsWarn: true}
	m.tracker.AddError(ev)

	_, _ = m.Update(errorMsg(ev))

	view := m.View()
	assert.Contains(t, view, "1 warnings, 0 errors")
	assert.Contains(t, view, "mapper_parsing_exception")
}

func TestRunModel_CompleteQuits(t *testing.T) {
	// Given: a running model
	m := newTestModel()

	// When: the run completes
	_, cmd := m.Update(completeMsg(CompletionStats{Index: "products-v2-1", Outcome: OutcomeCompleted, Indexed: 10, Duration: time.Second}))

	// Then: the summary is shown and the program quits
	assert.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
	view := m.View()
	assert.Contains(t, view, "Reindex completed")
	assert.Contains(t, view, "products-v2-1")
}

func TestRunModel_FailedSummary(t *testing.T) {
	m := newTestModel()
	_, _ = m.Update(completeMsg(CompletionStats{Index: "products-v2-1", Outcome: OutcomeFailed, Reason: "index closed"}))

	view := m.View()
	assert.Contains(t, view, "Reindex failed")
	assert.Contains(t, view, "index closed")
}

func TestRunModel_WindowResize(t *testing.T) {
	m := newTestModel()
	_, _ = m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})

	assert.Equal(t, 120, m.width)
	assert.Equal(t, 100, m.bar.Width)
}
