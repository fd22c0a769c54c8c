// Package tools defines the contract between tool handlers and the
// dispatcher: every handler returns a Markdown body, an explicit error
// flag, and the counters the body renders. The shared formatting
// helpers keep failure rendering uniform across tools.
package tools

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/haasonsaas/scout/internal/faults"
)

// ErrorSentinel prefixes every whole-response error body. The IsError
// flag on Response is what the dispatcher trusts; the sentinel exists
// for readers of the rendered text.
const ErrorSentinel = "# ❌"

// Stats mirrors the counters a handler renders into its body. Items is
// tool-specific: result links for searches, comments for post fetches,
// pages for scrapes, answers for research.
type Stats struct {
	Requested     int `json:"requested"`
	Succeeded     int `json:"succeeded"`
	Failed        int `json:"failed"`
	Degraded      int `json:"degraded,omitempty"`
	Items         int `json:"items,omitempty"`
	Attempts      int `json:"attempts,omitempty"`
	Retries       int `json:"retries,omitempty"`
	RateLimitHits int `json:"rate_limit_hits,omitempty"`
	TokensUsed    int `json:"tokens_used,omitempty"`
	CreditsUsed   int `json:"credits_used,omitempty"`
}

// RecordSuccess folds one cleanly completed item into the counters.
func (s *Stats) RecordSuccess(attempts int) {
	s.Succeeded++
	s.AddAttempts(attempts)
}

// RecordFailure folds one failed item into the counters.
func (s *Stats) RecordFailure(attempts int, f *faults.Fault) {
	s.Failed++
	s.AddAttempts(attempts)
	s.recordKind(f)
}

// RecordDegraded folds in one item that failed but still produced
// usable fallback output.
func (s *Stats) RecordDegraded(attempts int, f *faults.Fault) {
	s.Degraded++
	s.AddAttempts(attempts)
	s.recordKind(f)
}

// AddAttempts folds in the attempt count of one provider operation
// without touching the outcome counters. Multi-stage handlers use it
// for the stages preceding the one they record the outcome against.
func (s *Stats) AddAttempts(attempts int) {
	s.Attempts += attempts
	if attempts > 1 {
		s.Retries += attempts - 1
	}
}

func (s *Stats) recordKind(f *faults.Fault) {
	if f != nil && f.Kind == faults.KindRateLimited {
		s.RateLimitHits++
	}
}

// Response is one handler's reply to the dispatcher.
type Response struct {
	Body    string
	IsError bool
	Stats   Stats
}

// Text builds a successful response.
func Text(body string, stats Stats) *Response {
	return &Response{Body: body, Stats: stats}
}

// Fail builds the response for a whole-tool failure.
func Fail(title string, f *faults.Fault, envVars []string, stats Stats) *Response {
	return &Response{Body: ErrorBody(title, f, envVars), IsError: true, Stats: stats}
}

// Invalidf builds the response for arguments that failed a handler
// bounds check. The schema enforces the same bounds first; this path
// covers direct handler calls and keeps the check visible.
func Invalidf(format string, args ...any) *Response {
	return &Response{
		Body:    fmt.Sprintf("%s Invalid arguments\n\n%s\n", ErrorSentinel, fmt.Sprintf(format, args...)),
		IsError: true,
	}
}

// ErrorBody renders a whole-response failure: what failed, the fault
// kind and message, a hint when the kind is worth retrying, and a
// pointer at the credentials behind auth and quota failures.
func ErrorBody(title string, f *faults.Fault, envVars []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n\n", ErrorSentinel, title)
	fmt.Fprintf(&b, "**Error (%s):** %s\n", f.Kind, f.Message)
	if f.Retryable {
		b.WriteString("\nNote: this error may be temporary; retrying the request may succeed.\n")
	}
	if hint := EnvHint(f, envVars); hint != "" {
		b.WriteString("\n" + hint + "\n")
	}
	return b.String()
}

// FailLine renders one failed item of a batch.
func FailLine(item string, f *faults.Fault) string {
	if f.Retryable {
		return fmt.Sprintf("❌ Failed: %s (%s: %s; this error may be temporary)", item, f.Kind, f.Message)
	}
	return fmt.Sprintf("❌ Failed: %s (%s: %s)", item, f.Kind, f.Message)
}

// EnvHint points authentication and quota failures at the environment
// variables that credential the provider. Other kinds need no pointer.
func EnvHint(f *faults.Fault, envVars []string) string {
	if f == nil || len(envVars) == 0 {
		return ""
	}
	switch f.Kind {
	case faults.KindAuth, faults.KindQuotaExceeded:
	default:
		return ""
	}
	noun, verb := "variable", "is"
	if len(envVars) > 1 {
		noun, verb = "variables", "are"
	}
	return fmt.Sprintf("This usually means the %s environment %s %s missing or invalid.",
		strings.Join(envVars, " and "), noun, verb)
}

// Window maps the time_window parameter onto a lookback duration.
// Empty or unrecognized values mean no window.
func Window(name string) time.Duration {
	switch name {
	case "day":
		return 24 * time.Hour
	case "week":
		return 7 * 24 * time.Hour
	case "month":
		return 30 * 24 * time.Hour
	case "year":
		return 365 * 24 * time.Hour
	}
	return 0
}

// Excerpt cuts s at a rune boundary after at most max runes, collapsing
// newlines so the excerpt stays on one line. Cut text gets an ellipsis.
func Excerpt(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "…"
}

// Truncate cuts s at a rune boundary after at most max bytes, keeping
// the original whitespace. Cut text gets a truncation marker.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "… [truncated]"
}
