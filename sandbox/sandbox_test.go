package sandbox

import (
	"testing"
	"time"
)

func TestObservationPlainOutput(t *testing.T) {
	r := Result{Output: "rows: 120\n"}
	if got := r.Observation(); got != "rows: 120" {
		t.Fatalf("unexpected observation: %q", got)
	}
}

func TestObservationEmptySuccess(t *testing.T) {
	r := Result{Output: ""}
	if got := r.Observation(); got != "(no output)" {
		t.Fatalf("unexpected observation: %q", got)
	}
}

func TestObservationTimeout(t *testing.T) {
	r := Result{Output: "loading...\n", TimedOut: true, Duration: 2 * time.Second}
	want := "loading...\nexecution timed out after 2s; the process was terminated"
	if got := r.Observation(); got != want {
		t.Fatalf("unexpected observation:\n got %q\nwant %q", got, want)
	}
}

func TestObservationTimeoutNoOutput(t *testing.T) {
	r := Result{TimedOut: true, Duration: 30 * time.Second}
	want := "execution timed out after 30s; the process was terminated"
	if got := r.Observation(); got != want {
		t.Fatalf("unexpected observation: %q", got)
	}
}

func TestObservationFailureKeepsTracebackAndAppendsPointer(t *testing.T) {
	out := "Traceback (most recent call last):\n" +
		"  File \"/tmp/autolyst-payload-1.py\", line 2, in <module>\n" +
		"    result = x / 0\n" +
		"ZeroDivisionError: division by zero\n"
	r := Result{
		Output:   out,
		Failed:   true,
		ExitCode: 1,
		Failure:  &FailureDetail{Kind: "ZeroDivisionError", Message: "division by zero", Line: 2, Source: "result = x / 0"},
	}
	got := r.Observation()
	want := "Traceback (most recent call last):\n" +
		"  File \"/tmp/autolyst-payload-1.py\", line 2, in <module>\n" +
		"    result = x / 0\n" +
		"ZeroDivisionError: division by zero\n" +
		"failing payload line 2: result = x / 0"
	if got != want {
		t.Fatalf("unexpected observation:\n got %q\nwant %q", got, want)
	}
}

func TestObservationFailureWithoutDetail(t *testing.T) {
	r := Result{Output: "killed by signal\n", Failed: true, ExitCode: 137}
	if got := r.Observation(); got != "killed by signal" {
		t.Fatalf("unexpected observation: %q", got)
	}
}

func TestObservationSilentFailure(t *testing.T) {
	r := Result{Failed: true, ExitCode: 3}
	if got := r.Observation(); got != "execution failed with exit status 3 and no output" {
		t.Fatalf("unexpected observation: %q", got)
	}
}
