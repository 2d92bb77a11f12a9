// Package status holds the service check status model and result types.
package status

import (
	"fmt"
	"strings"
	"time"
)

// Status is the outcome classification of a service check. The zero value is
// the empty string, which is not a valid status; Precedence weighs it like
// Unknown so an unset value never reads as healthy.
type Status string

const (
	Ok       Status = "ok"
	Pending  Status = "pending"
	Disabled Status = "disabled"
	Unknown  Status = "unknown"
	Warning  Status = "warning"
	Critical Status = "critical"
	Error    Status = "error"
)

// All lists every valid status, in precedence order (lowest first).
var All = []Status{Ok, Pending, Disabled, Unknown, Warning, Critical, Error}

// MaxResultTextBytes caps result_text before it hits the database.
const MaxResultTextBytes = 64 * 1024

// Precedence returns the rollup weight of a status. Higher wins when
// aggregating: a host with one Critical check is Critical overall.
func (s Status) Precedence() int {
	switch s {
	case Ok:
		return 0
	case Pending:
		return 1
	case Disabled:
		return 2
	case Unknown:
		return 3
	case Warning:
		return 4
	case Critical:
		return 5
	case Error:
		return 6
	}
	return 3
}

// Valid reports whether s is a member of the closed status set.
func (s Status) Valid() bool {
	switch s {
	case Ok, Pending, Disabled, Unknown, Warning, Critical, Error:
		return true
	}
	return false
}

// Parse converts a stored string back into a Status.
func Parse(s string) (Status, error) {
	v := Status(strings.ToLower(strings.TrimSpace(s)))
	if !v.Valid() {
		return Unknown, fmt.Errorf("invalid status %q", s)
	}
	return v, nil
}

// FromExitCode maps the Nagios plugin exit-code convention onto a Status.
func FromExitCode(code int) Status {
	switch code {
	case 0:
		return Ok
	case 1:
		return Warning
	case 2:
		return Critical
	case 3:
		return Unknown
	default:
		return Error
	}
}

// ExitCode maps a Status back onto the Nagios convention, for the oneshot
// subcommand's process exit code.
func (s Status) ExitCode() int {
	switch s {
	case Ok, Pending, Disabled:
		return 0
	case Warning:
		return 1
	case Critical:
		return 2
	case Unknown:
		return 3
	default:
		return 4
	}
}

// BackgroundClass returns the bootstrap background class for the status.
func (s Status) BackgroundClass() string {
	switch s {
	case Ok:
		return "success"
	case Critical, Error:
		return "danger"
	case Warning:
		return "warning"
	default:
		return "secondary"
	}
}

// TextClass returns the bootstrap text class for the status.
func (s Status) TextClass() string {
	switch s {
	case Ok, Warning:
		return "light"
	default:
		return "dark"
	}
}

// CheckResult is what a probe executor hands back: a status, how long the
// probe took, and human-readable output.
type CheckResult struct {
	Status     Status
	Elapsed    time.Duration
	ResultText string
}

// NewResult builds a CheckResult with the text trimmed and truncated to the
// persistence cap.
func NewResult(s Status, elapsed time.Duration, text string) CheckResult {
	text = strings.TrimSpace(text)
	if len(text) > MaxResultTextBytes {
		text = text[:MaxResultTextBytes]
	}
	return CheckResult{Status: s, Elapsed: elapsed, ResultText: text}
}
