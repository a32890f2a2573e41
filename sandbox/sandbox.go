// Package sandbox runs model-proposed payloads in isolated child processes.
// A payload executes as an independent OS process rooted at the session
// workspace, with a hard wall-clock budget and a headless environment, so a
// crashing or runaway payload cannot corrupt or hang the engine. Uncaught
// interpreter failures are parsed into structured detail pointing at the
// failing payload line.
package sandbox

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Runner executes one payload at a time in an isolated child process.
type Runner interface {
	// Run executes payload with workdir as the working directory, enforcing
	// timeout as a hard wall-clock budget. Payload failures and timeouts are
	// reported in the Result, not as errors; a non-nil error means the
	// execution substrate itself failed (payload could not be staged or the
	// interpreter could not start) or ctx was canceled.
	Run(ctx context.Context, payload, workdir string, timeout time.Duration) (Result, error)
}

// FailureDetail describes an uncaught failure inside a payload.
type FailureDetail struct {
	// Kind is the exception type name, e.g. "ZeroDivisionError".
	Kind string `json:"kind"`
	// Message is the exception message, possibly empty.
	Message string `json:"message"`
	// Line is the 1-indexed line within the payload where the failure
	// originated, or 0 if no payload frame could be located.
	Line int `json:"line,omitempty"`
	// Source is the literal payload source line at Line.
	Source string `json:"source,omitempty"`
}

// Result is the outcome of one payload execution. Immutable once produced.
type Result struct {
	// Output is the combined stdout+stderr text.
	Output string `json:"output"`
	// Failed is set when the payload raised an uncaught error or exited
	// non-zero.
	Failed bool `json:"failed"`
	// TimedOut is set when the child exceeded the wall-clock budget and was
	// forcibly terminated. Output is best effort in that case.
	TimedOut bool `json:"timed_out"`
	// ExitCode is the child's exit status when Failed is set.
	ExitCode int `json:"exit_code,omitempty"`
	// Duration is the observed wall-clock execution time.
	Duration time.Duration `json:"duration"`
	// Failure holds parsed traceback detail when Failed is set and the
	// output carried a recognizable traceback.
	Failure *FailureDetail `json:"failure,omitempty"`
}

// Observation renders the result as the text fed back to the model. Failures
// keep the raw interpreter output and append a pointer mapping the scratch
// file location back to the payload line, which is what lets the model see
// exactly which statement to fix.
func (r Result) Observation() string {
	out := strings.TrimRight(r.Output, "\n")
	switch {
	case r.TimedOut:
		note := fmt.Sprintf("execution timed out after %s; the process was terminated", r.Duration.Round(time.Second))
		if out == "" {
			return note
		}
		return out + "\n" + note
	case r.Failed:
		if r.Failure != nil && r.Failure.Line > 0 {
			return out + fmt.Sprintf("\nfailing payload line %d: %s", r.Failure.Line, r.Failure.Source)
		}
		if out == "" {
			return fmt.Sprintf("execution failed with exit status %d and no output", r.ExitCode)
		}
		return out
	case out == "":
		return "(no output)"
	}
	return out
}
