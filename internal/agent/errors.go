package agent

import "strings"

// errorClass is the §7 error taxonomy, reduced to the classes a Decision
// Loop iteration can itself observe and act on (authentication/store/
// connection-loss classes are the Supervisor's concern, not the loop's).
type errorClass string

const (
	classTransient  errorClass = "transient"   // selector not ready, navigation timeout: retry once
	classArgument   errorClass = "tool_argument" // bad tool input: step fails, loop continues
	classCaptcha    errorClass = "captcha_unsolvable"
	classUnknown    errorClass = "unknown"
)

// classify categorizes a tool-dispatch error for the loop's retry decision,
// adapted from the teacher's analyzeError (same substring-matching style,
// collapsed onto the taxonomy's coarser classes).
func classify(err error) errorClass {
	if err == nil {
		return ""
	}
	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "captcha"):
		return classCaptcha
	case strings.Contains(s, "required"), strings.Contains(s, "is not absolute"), strings.Contains(s, "must be string"), strings.Contains(s, "empty"):
		return classArgument
	case strings.Contains(s, "timeout"), strings.Contains(s, "not found"), strings.Contains(s, "not visible"),
		strings.Contains(s, "not clickable"), strings.Contains(s, "not interactable"),
		strings.Contains(s, "stale"), strings.Contains(s, "detached"):
		return classTransient
	default:
		return classUnknown
	}
}

// retryable reports whether the loop should attempt the same dispatch again
// after a short backoff before giving up and recording a failed step.
func (c errorClass) retryable() bool {
	return c == classTransient
}
