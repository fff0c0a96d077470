package ui

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// StatusInfo describes a deployment: the alias, the coordination state and
// every physical index under the alias.
type StatusInfo struct {
	Alias       string        `json:"alias"`
	AliasTarget string        `json:"alias_target,omitempty"`
	Current     string        `json:"current_schema,omitempty"`
	Active      []string      `json:"active_schemas"`
	Indices     []IndexStatus `json:"indices"`
	Findings    []FindingInfo `json:"findings,omitempty"`
}

// IndexStatus is one physical index.
type IndexStatus struct {
	Name       string    `json:"name"`
	Schema     string    `json:"schema"`
	State      string    `json:"state"`
	LastCursor int64     `json:"last_cursor"`
	HasCursor  bool      `json:"has_cursor"`
	Docs       uint64    `json:"docs"`
	Closed     bool      `json:"closed"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// FindingInfo is an audit finding.
type FindingInfo struct {
	Type     string `json:"type"`
	Blocking bool   `json:"blocking"`
	Details  string `json:"details"`
}

// StatusRenderer displays deployment status.
type StatusRenderer struct {
	out    io.Writer
	styles Styles
}

// NewStatusRenderer creates a status renderer.
func NewStatusRenderer(out io.Writer, noColor bool) *StatusRenderer {
	return &StatusRenderer{out: out, styles: GetStyles(noColor)}
}

// Render writes status info for a terminal.
func (r *StatusRenderer) Render(info StatusInfo) error {
	_, _ = fmt.Fprintf(r.out, "%s\n\n", r.styles.Header.Render("Deployment: "+info.Alias))

	target := info.AliasTarget
	if target == "" {
		target = r.styles.Warning.Render("(unassigned)")
	}
	current := info.Current
	if current == "" {
		current = r.styles.Warning.Render("(none)")
	}
	active := strings.Join(info.Active, ", ")
	if active == "" {
		active = "(none)"
	}
	_, _ = fmt.Fprintf(r.out, "  Alias target:   %s\n", target)
	_, _ = fmt.Fprintf(r.out, "  Current schema: %s\n", current)
	_, _ = fmt.Fprintf(r.out, "  Active schemas: %s\n\n", active)

	if len(info.Indices) == 0 {
		_, _ = fmt.Fprintln(r.out, "  No indices.")
	} else {
		_, _ = fmt.Fprintln(r.out, "  Indices:")
		for _, ix := range info.Indices {
			cursor := "-"
			if ix.HasCursor {
				cursor = fmt.Sprint(ix.LastCursor)
			}
			line := fmt.Sprintf("    %-44s %-10s %-10s docs=%-8d cursor=%s", ix.Name, ix.Schema, r.renderState(ix.State, ix.Closed), ix.Docs, cursor)
			if !ix.UpdatedAt.IsZero() {
				line += r.styles.Dim.Render("  " + formatTime(ix.UpdatedAt))
			}
			_, _ = fmt.Fprintln(r.out, line)
		}
	}

	if len(info.Findings) > 0 {
		_, _ = fmt.Fprintln(r.out)
		_, _ = fmt.Fprintln(r.out, "  Findings:")
		for _, f := range info.Findings {
			label := r.styles.Warning.Render("warn ")
			if f.Blocking {
				label = r.styles.Error.Render("error")
			}
			_, _ = fmt.Fprintf(r.out, "    %s %s: %s\n", label, f.Type, f.Details)
		}
	}
	return nil
}

// RenderJSON writes status as JSON.
func (r *StatusRenderer) RenderJSON(info StatusInfo) error {
	encoder := json.NewEncoder(r.out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(info)
}

func (r *StatusRenderer) renderState(state string, closed bool) string {
	if closed {
		return r.styles.Dim.Render("closed")
	}
	switch state {
	case "current":
		return r.styles.Success.Render(state)
	case "active":
		return r.styles.Active.Render(state)
	case "outdated":
		return r.styles.Dim.Render(state)
	default:
		return r.styles.Warning.Render(state)
	}
}

// formatTime formats a time relative to now.
func formatTime(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return plural(int(diff.Minutes()), "minute") + " ago"
	case diff < 24*time.Hour:
		return plural(int(diff.Hours()), "hour") + " ago"
	case diff < 7*24*time.Hour:
		return plural(int(diff.Hours()/24), "day") + " ago"
	default:
		return t.Format("2006-01-02 15:04")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
