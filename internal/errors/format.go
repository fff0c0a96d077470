package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
)

// asSync returns err as a *SyncError, wrapping plain errors as internal ones.
func asSync(err error) *SyncError {
	var se *SyncError
	if stderrors.As(err, &se) {
		return se
	}
	return Wrap(ErrCodeInternal, err)
}

// FormatForCLI renders err for a terminal: message, hint and code, plus the
// cause and details when verbose.
func FormatForCLI(err error, verbose bool) string {
	if err == nil {
		return ""
	}
	se := asSync(err)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Error: %s\n", se.Message)
	if se.Suggestion != "" {
		fmt.Fprintf(&sb, "  Hint: %s\n", se.Suggestion)
	}
	if verbose {
		if se.Cause != nil && se.Cause.Error() != se.Message {
			fmt.Fprintf(&sb, "  Cause: %s\n", se.Cause)
		}
		for _, k := range slices.Sorted(maps.Keys(se.Details)) {
			fmt.Fprintf(&sb, "  %s: %s\n", k, se.Details[k])
		}
	}
	fmt.Fprintf(&sb, "  Code: %s\n", se.Code)
	return sb.String()
}

type jsonError struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Category   Category          `json:"category"`
	Severity   Severity          `json:"severity"`
	Retryable  bool              `json:"retryable"`
	Details    map[string]string `json:"details,omitempty"`
	Suggestion string            `json:"suggestion,omitempty"`
	Cause      string            `json:"cause,omitempty"`
}

// FormatJSON renders err as one JSON object for scripts driving the CLI.
func FormatJSON(err error) ([]byte, error) {
	if err == nil {
		return []byte("null"), nil
	}
	se := asSync(err)
	je := jsonError{
		Code:       se.Code,
		Message:    se.Message,
		Category:   se.Category,
		Severity:   se.Severity,
		Retryable:  se.Retryable,
		Details:    se.Details,
		Suggestion: se.Suggestion,
	}
	if se.Cause != nil {
		je.Cause = se.Cause.Error()
	}
	return json.Marshal(je)
}

// LogAttrs returns err as slog attributes. Details are grouped under "details".
func LogAttrs(err error) []any {
	if err == nil {
		return nil
	}
	var se *SyncError
	if !stderrors.As(err, &se) {
		return []any{slog.String("error", err.Error())}
	}

	attrs := []any{
		slog.String("error_code", se.Code),
		slog.String("error", se.Message),
		slog.String("category", string(se.Category)),
		slog.Bool("retryable", se.Retryable),
	}
	if se.Cause != nil {
		attrs = append(attrs, slog.String("cause", se.Cause.Error()))
	}
	if len(se.Details) > 0 {
		var details []any
		for _, k := range slices.Sorted(maps.Keys(se.Details)) {
			details = append(details, slog.String(k, se.Details[k]))
		}
		attrs = append(attrs, slog.Group("details", details...))
	}
	return attrs
}
