//go:build !windows

package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"
)

func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

func TestPythonRunnerTimeoutKillsProcessGroup(t *testing.T) {
	requirePython(t)
	r := NewPythonRunner()
	workdir := t.TempDir()
	// The payload spawns a grandchild, records both pids, then hangs. The
	// timeout kill must take down the whole group, not just the interpreter.
	payload := `import os, subprocess, time
child = subprocess.Popen(["sleep", "60"])
with open("pids.txt", "w") as f:
    f.write(f"{os.getpid()} {child.pid}")
print("spawned", flush=True)
time.sleep(60)`

	res, err := r.Run(context.Background(), payload, workdir, time.Second)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !res.TimedOut {
		t.Fatal("expected timeout")
	}

	data, err := os.ReadFile(filepath.Join(workdir, "pids.txt"))
	if err != nil {
		t.Fatalf("payload never recorded pids: %v", err)
	}
	fields := strings.Fields(string(data))
	if len(fields) != 2 {
		t.Fatalf("unexpected pid file content: %q", data)
	}
	for _, f := range fields {
		pid, err := strconv.Atoi(f)
		if err != nil {
			t.Fatalf("bad pid %q: %v", f, err)
		}
		deadline := time.Now().Add(3 * time.Second)
		for processAlive(pid) {
			if time.Now().After(deadline) {
				t.Fatalf("process %d still alive after group kill", pid)
			}
			time.Sleep(50 * time.Millisecond)
		}
	}
}
