package ui

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// TUIRenderer draws a live progress panel with bubbletea.
type TUIRenderer struct {
	mu      sync.Mutex
	cfg     Config
	program *tea.Program
	model   *runModel
	tracker *Tracker
	started bool
	done    chan struct{}
}

// NewTUIRenderer creates a TUI renderer. It fails when the output is not a terminal.
func NewTUIRenderer(cfg Config) (*TUIRenderer, error) {
	if !IsTTY(cfg.Output) {
		return nil, fmt.Errorf("output is not a TTY")
	}
	tracker := NewTracker(120)
	model := newRunModel(tracker, cfg.Title)
	if cfg.NoColor || DetectNoColor() {
		model.styles = NoColorStyles()
	}
	return &TUIRenderer{cfg: cfg, tracker: tracker, model: model, done: make(chan struct{})}, nil
}

// Start implements Renderer.
func (r *TUIRenderer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}

	opts := []tea.ProgramOption{tea.WithContext(ctx), tea.WithoutSignalHandler()}
	if f, ok := r.cfg.Output.(*os.File); ok {
		opts = append(opts, tea.WithOutput(f))
	}
	r.program = tea.NewProgram(r.model, opts...)
	r.started = true

	go func() {
		defer close(r.done)
		_, _ = r.program.Run()
	}()
	return nil
}

// UpdateProgress implements Renderer.
func (r *TUIRenderer) UpdateProgress(event ProgressEvent) {
	r.tracker.Update(event)
}

// AddError implements Renderer.
func (r *TUIRenderer) AddError(event ErrorEvent) {
	r.tracker.AddError(event)
	r.send(errorMsg(event))
}

// Complete implements Renderer.
func (r *TUIRenderer) Complete(stats CompletionStats) {
	r.tracker.Update(ProgressEvent{Stage: StageComplete})
	r.send(completeMsg(stats))
}

// Stop implements Renderer.
func (r *TUIRenderer) Stop() error {
	r.mu.Lock()
	program := r.program
	r.mu.Unlock()
	if program == nil {
		return nil
	}

	program.Quit()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
	}
	return nil
}

func (r *TUIRenderer) send(msg tea.Msg) {
	r.mu.Lock()
	program := r.program
	r.mu.Unlock()
	if program != nil {
		program.Send(msg)
	}
}

type errorMsg ErrorEvent
type completeMsg CompletionStats
type tickMsg time.Time

// runModel is the bubbletea model of a reindex run.
type runModel struct {
	tracker  *Tracker
	title    string
	width    int
	complete bool
	stats    CompletionStats
	lastErr  string
	spinner  spinner.Model
	bar      progress.Model
	styles   Styles
}

func newRunModel(tracker *Tracker, title string) *runModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color(ColorLime))

	if title == "" {
		title = "scoresync"
	}
	return &runModel{
		tracker: tracker,
		title:   title,
		width:   80,
		spinner: s,
		bar:     progress.New(progress.WithSolidFill(ColorLime), progress.WithWidth(50), progress.WithoutPercentage()),
		styles:  DefaultStyles(),
	}
}

// Init implements tea.Model.
func (m *runModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tick())
}

func tick() tea.Cmd {
	return tea.Tick(200*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Update implements tea.Model.
func (m *runModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" {
			// Hides the panel only; the run continues.
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = max(msg.Width-20, 20)
	case errorMsg:
		m.lastErr = fmt.Sprint(msg.Err)
	case completeMsg:
		m.complete = true
		m.stats = CompletionStats(msg)
		return m, tea.Quit
	case tickMsg:
		return m, tick()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model.
func (m *runModel) View() string {
	if m.complete {
		return m.viewComplete()
	}

	st := m.tracker.Stats()
	width := max(m.width-4, 40)
	divider := m.styles.Dim.Render(strings.Repeat("─", width))

	lines := []string{
		m.viewStages(st.Stage),
		divider,
	}
	if st.MaxCursor > 0 {
		lines = append(lines,
			fmt.Sprintf("%s  %s", m.bar.ViewAs(st.Fraction), m.styles.Active.Render(fmt.Sprintf("%3.0f%%", st.Fraction*100))),
			m.styles.Label.Render(fmt.Sprintf("cursor %d / %d  •  %d documents", st.Cursor, st.MaxCursor, st.Documents)))
	} else {
		lines = append(lines, fmt.Sprintf("%s %s", m.spinner.View(), st.Stage))
	}

	speed := fmt.Sprintf("Speed: %.0f docs/s", st.Speed.Current)
	if st.Speed.Avg > 0 {
		speed += fmt.Sprintf(" (avg %.0f, peak %.0f)", st.Speed.Avg, st.Speed.Peak)
	}
	if st.ETA > 0 {
		speed += "  •  ETA " + FormatDuration(st.ETA)
	}
	lines = append(lines, m.styles.Label.Render(speed), divider,
		m.styles.Success.Render(m.tracker.Sparkline(width-12))+" "+m.styles.Dim.Render("throughput"))

	if st.Message != "" {
		lines = append(lines, m.styles.Dim.Render(st.Message))
	}

	panel := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color(ColorDarkGray)).
		Padding(0, 1).
		Width(width).
		Render(strings.Join(lines, "\n"))

	status := m.styles.Dim.Render("q hides this panel")
	if st.WarnCount > 0 || st.ErrorCount > 0 {
		status = m.styles.Warning.Render(fmt.Sprintf("%d warnings, %d errors", st.WarnCount, st.ErrorCount))
		if m.lastErr != "" {
			status += m.styles.Dim.Render("  │  " + m.lastErr)
		}
	}
	return m.styles.Header.Render(m.title) + "\n" + panel + "\n" + status
}

func (m *runModel) viewStages(current Stage) string {
	var parts []string
	for _, s := range []Stage{StagePreparing, StageReading, StageDraining} {
		switch {
		case s < current:
			parts = append(parts, m.styles.Success.Render("● "+s.String()))
		case s == current:
			parts = append(parts, m.styles.Active.Render(m.spinner.View()+" "+s.String()))
		default:
			parts = append(parts, m.styles.Dim.Render("○ "+s.String()))
		}
	}
	return strings.Join(parts, m.styles.Dim.Render(" → "))
}

func (m *runModel) viewComplete() string {
	header, border := m.styles.Success.Render("✓ Reindex "+m.stats.Outcome), ColorLime
	if m.stats.Outcome == OutcomeFailed {
		header, border = m.styles.Error.Render("✗ Reindex failed"), ColorRed
	}

	lines := []string{
		header,
		"",
		fmt.Sprintf("%s %s", m.styles.Label.Render("Index:   "), m.stats.Index),
		fmt.Sprintf("%s %d", m.styles.Label.Render("Batches: "), m.stats.Batches),
		fmt.Sprintf("%s %d", m.styles.Label.Render("Indexed: "), m.stats.Indexed),
		fmt.Sprintf("%s %d", m.styles.Label.Render("Deleted: "), m.stats.Deleted),
		fmt.Sprintf("%s %s", m.styles.Label.Render("Duration:"), FormatDuration(m.stats.Duration)),
	}
	if m.stats.Failed > 0 {
		lines = append(lines, m.styles.Warning.Render(fmt.Sprintf("%d documents failed", m.stats.Failed)))
	}
	if m.stats.Reason != "" {
		lines = append(lines, "", m.styles.Dim.Render(m.stats.Reason))
	}

	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color(border)).
		Padding(1, 2).
		Width(max(m.width-4, 40)).
		Render(strings.Join(lines, "\n")) + "\n"
}

var _ Renderer = (*TUIRenderer)(nil)
