package ui

import (
	"strings"
	"sync"
	"time"
)

// speedInterval is the minimum spacing between throughput samples.
const speedInterval = 500 * time.Millisecond

// etaSmoothing weights a new ETA estimate against the previous one.
const etaSmoothing = 0.3

// SpeedStats is document throughput in documents per second.
type SpeedStats struct {
	Current float64
	Avg     float64
	Peak    float64
}

// ProgressStats is a snapshot of a Tracker.
type ProgressStats struct {
	Stage      Stage
	Cursor     int64
	MaxCursor  int64
	Fraction   float64
	Documents  int
	ETA        time.Duration
	Elapsed    time.Duration
	Message    string
	ErrorCount int
	WarnCount  int
	Speed      SpeedStats
}

// Tracker accumulates progress events. It is safe for concurrent use.
type Tracker struct {
	mu sync.Mutex

	stage     Stage
	cursor    int64
	maxCursor int64
	documents int
	message   string
	started   time.Time
	errors    int
	warnings  int

	lastDocs  int
	lastCalc  time.Time
	speed     SpeedStats
	samples   int
	lastETA   time.Duration
	history   []float64
	historyAt int
}

// NewTracker creates a Tracker keeping historySize throughput samples.
func NewTracker(historySize int) *Tracker {
	if historySize <= 0 {
		historySize = 60
	}
	now := time.Now()
	return &Tracker{started: now, lastCalc: now, history: make([]float64, 0, historySize)}
}

// Update applies a progress event.
func (t *Tracker) Update(ev ProgressEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stage = ev.Stage
	if ev.MaxCursor > 0 {
		t.maxCursor = ev.MaxCursor
	}
	if ev.Cursor > t.cursor {
		t.cursor = ev.Cursor
	}
	if ev.Documents > t.documents {
		t.documents = ev.Documents
	}
	if ev.Message != "" {
		t.message = ev.Message
	}

	now := time.Now()
	elapsed := now.Sub(t.lastCalc)
	if elapsed < speedInterval {
		return
	}
	if delta := t.documents - t.lastDocs; delta > 0 {
		s := float64(delta) / elapsed.Seconds()
		t.speed.Current = s
		t.samples++
		if t.samples == 1 {
			t.speed.Avg = s
		} else {
			t.speed.Avg = 0.2*s + 0.8*t.speed.Avg
		}
		t.speed.Peak = max(t.speed.Peak, s)
		t.record(s)
	}
	t.lastDocs = t.documents
	t.lastCalc = now
}

func (t *Tracker) record(s float64) {
	if len(t.history) < cap(t.history) {
		t.history = append(t.history, s)
		return
	}
	t.history[t.historyAt] = s
	t.historyAt = (t.historyAt + 1) % len(t.history)
}

// AddError counts an error or warning.
func (t *Tracker) AddError(ev ErrorEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ev.IsWarn {
		t.warnings++
	} else {
		t.errors++
	}
}

// Stats returns a snapshot.
func (t *Tracker) Stats() ProgressStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	return ProgressStats{
		Stage:      t.stage,
		Cursor:     t.cursor,
		MaxCursor:  t.maxCursor,
		Fraction:   t.fraction(),
		Documents:  t.documents,
		ETA:        t.eta(),
		Elapsed:    time.Since(t.started),
		Message:    t.message,
		ErrorCount: t.errors,
		WarnCount:  t.warnings,
		Speed:      t.speed,
	}
}

func (t *Tracker) fraction() float64 {
	if t.maxCursor <= 0 {
		return 0
	}
	return min(float64(t.cursor)/float64(t.maxCursor), 1)
}

// eta is smoothed so uneven batch latencies do not make it jump around.
func (t *Tracker) eta() time.Duration {
	f := t.fraction()
	if f <= 0 || f >= 1 {
		return 0
	}
	elapsed := time.Since(t.started)
	raw := time.Duration(float64(elapsed)/f) - elapsed
	if raw < 0 {
		return 0
	}
	if t.lastETA == 0 {
		t.lastETA = raw
		return raw
	}
	t.lastETA = time.Duration(etaSmoothing*float64(raw) + (1-etaSmoothing)*float64(t.lastETA))
	return t.lastETA
}

var sparkChars = []rune{'▁', '▂', '▃', '▄', '▅', '▆', '▇', '█'}

// Sparkline renders the most recent throughput samples, oldest first, as
// width block characters.
func (t *Tracker) Sparkline(width int) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ordered := make([]float64, 0, len(t.history))
	ordered = append(ordered, t.history[t.historyAt:]...)
	ordered = append(ordered, t.history[:t.historyAt]...)
	if len(ordered) > width {
		ordered = ordered[len(ordered)-width:]
	}

	peak := 0.0
	for _, v := range ordered {
		peak = max(peak, v)
	}

	var sb strings.Builder
	for _, v := range ordered {
		idx := 0
		if peak > 0 {
			idx = int(v / peak * float64(len(sparkChars)-1))
		}
		sb.WriteRune(sparkChars[idx])
	}
	if pad := width - len(ordered); pad > 0 {
		sb.WriteString(strings.Repeat(" ", pad))
	}
	return sb.String()
}
