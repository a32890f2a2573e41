package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// PythonRunner executes payloads with a Python interpreter.
type PythonRunner struct {
	// Python is the interpreter binary to invoke (default "python3").
	Python string

	// StagingDir is where payload scratch files are written. It must lie
	// outside any session workspace so the workspace tracker never sees
	// them. Empty means the system temp directory.
	StagingDir string
}

// NewPythonRunner returns a runner using the default python3 interpreter.
func NewPythonRunner() *PythonRunner {
	return &PythonRunner{Python: "python3"}
}

// Run stages the payload to a scratch file, executes it in its own process
// group rooted at workdir, and enforces timeout by force-killing the group.
// The scratch file is removed regardless of outcome.
func (r *PythonRunner) Run(ctx context.Context, payload, workdir string, timeout time.Duration) (Result, error) {
	staging := r.StagingDir
	if staging == "" {
		staging = os.TempDir()
	}
	scratch, err := os.CreateTemp(staging, "autolyst-payload-*.py")
	if err != nil {
		return Result{}, fmt.Errorf("staging payload: %w", err)
	}
	scratchPath := scratch.Name()
	defer os.Remove(scratchPath)

	if _, err := scratch.WriteString(payload); err != nil {
		scratch.Close()
		return Result{}, fmt.Errorf("writing payload: %w", err)
	}
	if err := scratch.Close(); err != nil {
		return Result{}, fmt.Errorf("writing payload: %w", err)
	}

	python := r.Python
	if python == "" {
		python = "python3"
	}

	cmd := exec.Command(python, scratchPath)
	cmd.Dir = workdir
	cmd.Env = headlessEnv(os.Environ())
	setProcGroup(cmd)

	// One buffer for both streams keeps interleaving close to what a
	// terminal would show; os/exec serializes writes to a shared writer.
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("starting interpreter: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-done:
	case <-timer.C:
		timedOut = true
		killProcessGroup(cmd)
		<-done
	case <-ctx.Done():
		killProcessGroup(cmd)
		<-done
		return Result{}, ctx.Err()
	}

	res := Result{
		Output:   buf.String(),
		Duration: time.Since(start),
		TimedOut: timedOut,
	}
	if timedOut {
		return res, nil
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return Result{}, fmt.Errorf("waiting for interpreter: %w", waitErr)
		}
		res.Failed = true
		res.ExitCode = exitErr.ExitCode()
		res.Failure = ParseTraceback(res.Output, scratchPath, payload)
	}
	return res, nil
}

// headlessEnv returns base with display targets removed and non-interactive
// rendering forced, so plotting calls save files instead of opening windows.
func headlessEnv(base []string) []string {
	env := make([]string, 0, len(base)+3)
	for _, kv := range base {
		if strings.HasPrefix(kv, "DISPLAY=") || strings.HasPrefix(kv, "WAYLAND_DISPLAY=") {
			continue
		}
		env = append(env, kv)
	}
	return append(env,
		"MPLBACKEND=Agg",
		"QT_QPA_PLATFORM=offscreen",
		"PYTHONUNBUFFERED=1",
	)
}
