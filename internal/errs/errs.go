// Package errs defines the error taxonomy shared by every component:
// configuration problems, protocol violations, driver exits, duplicate
// metric ownership, timeouts, and the aggregate failure that carries full
// per-driver diagnostics.
package errs

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"
)

// ErrCancelled marks a run that was interrupted by an external
// termination request. The CLI maps it to the cancellation exit code.
var ErrCancelled = errors.New("run cancelled")

// ConfigError reports a fatal configuration problem: a malformed
// configuration file or an unusable driver directory.
type ConfigError struct {
	Message string
	Cause   error
}

func (e *ConfigError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("configuration error: %s", e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// ProtocolError reports a driver stdout line that matched neither the
// progress shape nor a JSON result object.
type ProtocolError struct {
	Driver string
	Line   string
	Cause  error
}

func (e *ProtocolError) Error() string {
	if e.Line == "" {
		return fmt.Sprintf("driver %s: protocol violation: %v", e.Driver, e.Cause)
	}
	return fmt.Sprintf("driver %s: protocol violation in line %q: %v", e.Driver, truncate(e.Line, 120), e.Cause)
}

func (e *ProtocolError) Unwrap() error {
	return e.Cause
}

// ExitError reports a driver that exited nonzero, or whose exit status
// could not be determined at all.
type ExitError struct {
	Driver string
	Code   int
	Exited bool
}

func (e *ExitError) Error() string {
	if !e.Exited {
		return fmt.Sprintf("driver %s: exit status unknown", e.Driver)
	}
	return fmt.Sprintf("driver %s: exit status %d", e.Driver, e.Code)
}

// DuplicateMetricError reports a metric name claimed by more than one
// driver during description mode.
type DuplicateMetricError struct {
	Metric  string
	Drivers []string
}

func (e *DuplicateMetricError) Error() string {
	return fmt.Sprintf("metric %q claimed by multiple drivers: %s", e.Metric, strings.Join(e.Drivers, ", "))
}

// TimeoutError reports that a run exceeded its computed deadline.
type TimeoutError struct {
	Message string
}

func (e *TimeoutError) Error() string {
	return e.Message
}

// DriverDiagnostic captures one driver's observable state at failure
// time. Err is nil for drivers that succeeded; their presence still
// matters, so a failure report shows what was collected.
type DriverDiagnostic struct {
	Driver   string
	ExitCode int
	Exited   bool
	Stdout   string
	Stderr   string
	Err      error
}

// AggregateFailure wraps the per-driver errors of one run together with
// the diagnostics of every participating driver. Cause, when non-nil, is
// the run-level trigger (for example a TimeoutError).
type AggregateFailure struct {
	Cause       error
	Diagnostics []DriverDiagnostic
	err         error
}

// NewAggregateFailure combines cause and every diagnostic error into one
// failure, with cause first in the chain.
func NewAggregateFailure(diags []DriverDiagnostic, cause error) *AggregateFailure {
	combined := cause
	for _, d := range diags {
		combined = multierr.Append(combined, d.Err)
	}
	return &AggregateFailure{Cause: cause, Diagnostics: diags, err: combined}
}

func (e *AggregateFailure) Error() string {
	failed := 0
	var collected []string
	for _, d := range e.Diagnostics {
		if d.Err != nil {
			failed++
		} else {
			collected = append(collected, d.Driver)
		}
	}

	var b strings.Builder
	switch {
	case e.Cause != nil:
		fmt.Fprintf(&b, "run failed: %v", e.Cause)
	default:
		fmt.Fprintf(&b, "%d of %d drivers failed", failed, len(e.Diagnostics))
	}
	for _, d := range e.Diagnostics {
		if d.Err == nil {
			continue
		}
		fmt.Fprintf(&b, "\n  %s: %v", d.Driver, d.Err)
		if d.Stdout != "" {
			fmt.Fprintf(&b, "\n    stdout: %s", truncate(d.Stdout, 200))
		}
		if d.Stderr != "" {
			fmt.Fprintf(&b, "\n    stderr: %s", truncate(strings.TrimSpace(d.Stderr), 200))
		}
	}
	if len(collected) > 0 {
		fmt.Fprintf(&b, "\n  results collected from: %s", strings.Join(collected, ", "))
	}
	return b.String()
}

// Unwrap exposes the combined error chain so errors.Is and errors.As
// reach every per-driver error and the run-level cause.
func (e *AggregateFailure) Unwrap() error {
	return e.err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
