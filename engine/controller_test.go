package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/autolyst-dev/autolyst/gateway"
	"github.com/autolyst-dev/autolyst/model"
	"github.com/autolyst-dev/autolyst/protocol"
	"github.com/autolyst-dev/autolyst/sandbox"
)

// scriptedGateway replays canned completions in order. Once the script is
// exhausted it repeats the last entry, so a script of one Code response
// models a model that never stops proposing code.
type scriptedGateway struct {
	mu       sync.Mutex
	script   []gateway.Completion
	calls    [][]gateway.Message
	stops    [][]string
	err      error
	blockCtx bool
}

func (g *scriptedGateway) Complete(ctx context.Context, msgs []gateway.Message, _ gateway.Sampling, stop []string) (gateway.Completion, error) {
	if g.blockCtx {
		<-ctx.Done()
		return gateway.Completion{}, ctx.Err()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return gateway.Completion{}, g.err
	}
	i := len(g.calls)
	if i >= len(g.script) {
		i = len(g.script) - 1
	}
	g.calls = append(g.calls, msgs)
	g.stops = append(g.stops, stop)
	return g.script[i], nil
}

func (g *scriptedGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

// stubRunner returns a fixed result and can mutate the workdir to simulate
// payloads that produce files.
type stubRunner struct {
	mu       sync.Mutex
	payloads []string
	result   sandbox.Result
	err      error
	onRun    func(workdir string)
}

func (r *stubRunner) Run(_ context.Context, payload, workdir string, _ time.Duration) (sandbox.Result, error) {
	r.mu.Lock()
	r.payloads = append(r.payloads, payload)
	r.mu.Unlock()
	if r.err != nil {
		return sandbox.Result{}, r.err
	}
	if r.onRun != nil {
		r.onRun(workdir)
	}
	return r.result, nil
}

func (r *stubRunner) runCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func newTestController(gw gateway.Gateway, runner sandbox.Runner) *Controller {
	return &Controller{
		Gateway:   gw,
		Runner:    runner,
		MaxRounds: 10,
		Timeout:   5 * time.Second,
		System:    defaultSystemPrompt,
	}
}

func TestControllerAnswerCompletesSession(t *testing.T) {
	gw := &scriptedGateway{script: []gateway.Completion{
		{Text: "<Analyze>\nNothing to compute.\n</Analyze>\n<Answer>\nThe dataset has 42 rows.\n</Answer>"},
	}}
	runner := &stubRunner{}
	ctrl := newTestController(gw, runner)

	out, err := ctrl.Run(context.Background(), "How many rows?", t.TempDir())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Status != model.StatusDone {
		t.Errorf("Status = %q, want %q", out.Status, model.StatusDone)
	}
	if out.Answer != "The dataset has 42 rows." {
		t.Errorf("Answer = %q", out.Answer)
	}
	if runner.runCount() != 0 {
		t.Errorf("runner ran %d times, want 0", runner.runCount())
	}
	if len(out.Turns) != 2 {
		t.Fatalf("got %d turns, want 2", len(out.Turns))
	}
	if out.Turns[0].Role != model.RoleUser || out.Turns[1].Role != model.RoleAssistant {
		t.Errorf("turn roles = %q, %q", out.Turns[0].Role, out.Turns[1].Role)
	}
}

func TestControllerAnswerSuppressesExecution(t *testing.T) {
	// Both segments present: the answer must win and the code must not run.
	gw := &scriptedGateway{script: []gateway.Completion{
		{Text: "<Answer>\ndone early\n</Answer>\n<Code>\nprint('never')\n</Code>"},
	}}
	runner := &stubRunner{}
	ctrl := newTestController(gw, runner)

	out, err := ctrl.Run(context.Background(), "task", t.TempDir())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Status != model.StatusDone {
		t.Errorf("Status = %q, want %q", out.Status, model.StatusDone)
	}
	if out.Answer != "done early" {
		t.Errorf("Answer = %q", out.Answer)
	}
	if runner.runCount() != 0 {
		t.Errorf("runner ran %d times, want 0", runner.runCount())
	}
}

func TestControllerIdleResponseCompletes(t *testing.T) {
	gw := &scriptedGateway{script: []gateway.Completion{
		{Text: "I am not sure how to proceed with this task."},
	}}
	runner := &stubRunner{}
	ctrl := newTestController(gw, runner)

	out, err := ctrl.Run(context.Background(), "task", t.TempDir())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Status != model.StatusDone {
		t.Errorf("Status = %q, want %q", out.Status, model.StatusDone)
	}
	if out.Answer != "" {
		t.Errorf("Answer = %q, want empty", out.Answer)
	}
	if runner.runCount() != 0 {
		t.Errorf("runner ran %d times, want 0", runner.runCount())
	}
}

func TestControllerEmptyPayloadDoesNotExecute(t *testing.T) {
	gw := &scriptedGateway{script: []gateway.Completion{
		{Text: "<Code>\n```python\n```\n</Code>"},
	}}
	runner := &stubRunner{}
	ctrl := newTestController(gw, runner)

	out, err := ctrl.Run(context.Background(), "task", t.TempDir())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Status != model.StatusDone {
		t.Errorf("Status = %q, want %q", out.Status, model.StatusDone)
	}
	if runner.runCount() != 0 {
		t.Errorf("runner ran %d times, want 0", runner.runCount())
	}
}

func TestControllerRoundBudgetAborts(t *testing.T) {
	// A model that always proposes code must be cut off after exactly
	// MaxRounds executions, without one more gateway call.
	gw := &scriptedGateway{script: []gateway.Completion{
		{Text: "<Code>\nprint('again')\n</Code>"},
	}}
	runner := &stubRunner{result: sandbox.Result{Output: "again"}}
	ctrl := newTestController(gw, runner)
	ctrl.MaxRounds = 3

	out, err := ctrl.Run(context.Background(), "task", t.TempDir())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Status != model.StatusAborted {
		t.Errorf("Status = %q, want %q", out.Status, model.StatusAborted)
	}
	if out.Rounds != 3 {
		t.Errorf("Rounds = %d, want 3", out.Rounds)
	}
	if got := runner.runCount(); got != 3 {
		t.Errorf("runner ran %d times, want 3", got)
	}
	if got := gw.callCount(); got != 3 {
		t.Errorf("gateway called %d times, want 3", got)
	}
	// Task turn plus assistant and observation per round.
	if len(out.Turns) != 7 {
		t.Errorf("got %d turns, want 7", len(out.Turns))
	}
}

func TestControllerFeedsObservationBack(t *testing.T) {
	gw := &scriptedGateway{script: []gateway.Completion{
		{Text: "<Code>\nprint(len(df))\n", StoppedOnSequence: true},
		{Text: "<Answer>\n42 rows\n</Answer>"},
	}}
	runner := &stubRunner{result: sandbox.Result{Output: "42\n"}}
	ctrl := newTestController(gw, runner)

	out, err := ctrl.Run(context.Background(), "count rows", t.TempDir())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Status != model.StatusDone || out.Answer != "42 rows" {
		t.Fatalf("Status = %q, Answer = %q", out.Status, out.Answer)
	}
	if got := runner.runCount(); got != 1 {
		t.Fatalf("runner ran %d times, want 1", got)
	}
	if runner.payloads[0] != "print(len(df))" {
		t.Errorf("payload = %q", runner.payloads[0])
	}

	second := gw.calls[1]
	last := second[len(second)-1]
	if last.Role != gateway.RoleUser {
		t.Errorf("observation role = %q, want %q", last.Role, gateway.RoleUser)
	}
	want := "<Execute>\n42\n</Execute>"
	if last.Content != want {
		t.Errorf("observation = %q, want %q", last.Content, want)
	}
}

func TestControllerExecutionFailureIsObserved(t *testing.T) {
	// A payload failure is not fatal; its traceback summary goes back to
	// the model, which gets to try again.
	gw := &scriptedGateway{script: []gateway.Completion{
		{Text: "<Code>\nresult = 1 / 0\n</Code>"},
		{Text: "<Answer>\ncannot divide by zero\n</Answer>"},
	}}
	runner := &stubRunner{result: sandbox.Result{
		Output:   "Traceback (most recent call last):\nZeroDivisionError: division by zero\n",
		Failed:   true,
		ExitCode: 1,
		Failure:  &sandbox.FailureDetail{Kind: "ZeroDivisionError", Message: "division by zero", Line: 1, Source: "result = 1 / 0"},
	}}
	ctrl := newTestController(gw, runner)

	out, err := ctrl.Run(context.Background(), "task", t.TempDir())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Status != model.StatusDone {
		t.Errorf("Status = %q, want %q", out.Status, model.StatusDone)
	}
	if out.Rounds != 1 {
		t.Errorf("Rounds = %d, want 1", out.Rounds)
	}
	obs := out.Turns[2]
	if obs.Role != model.RoleObservation {
		t.Fatalf("turn 2 role = %q, want observation", obs.Role)
	}
	if !strings.Contains(obs.Content, "failing payload line 1: result = 1 / 0") {
		t.Errorf("observation missing failing line pointer: %q", obs.Content)
	}
}

func TestControllerGatewayErrorIsFatal(t *testing.T) {
	gw := &scriptedGateway{err: errors.New("connection refused")}
	runner := &stubRunner{}
	ctrl := newTestController(gw, runner)

	out, err := ctrl.Run(context.Background(), "task", t.TempDir())
	if err == nil {
		t.Fatal("Run() error = nil, want gateway failure")
	}
	if !strings.Contains(err.Error(), "requesting completion") {
		t.Errorf("error = %v", err)
	}
	if runner.runCount() != 0 {
		t.Errorf("runner ran %d times, want 0", runner.runCount())
	}
	if len(out.Turns) != 1 {
		t.Errorf("got %d turns, want just the task turn", len(out.Turns))
	}
}

func TestControllerRunnerSubstrateErrorIsFatal(t *testing.T) {
	gw := &scriptedGateway{script: []gateway.Completion{
		{Text: "<Code>\nprint('hi')\n</Code>"},
	}}
	runner := &stubRunner{err: errors.New("interpreter not found")}
	ctrl := newTestController(gw, runner)

	_, err := ctrl.Run(context.Background(), "task", t.TempDir())
	if err == nil {
		t.Fatal("Run() error = nil, want substrate failure")
	}
	if !strings.Contains(err.Error(), "executing payload") {
		t.Errorf("error = %v", err)
	}
}

func TestControllerRecordsArtifacts(t *testing.T) {
	gw := &scriptedGateway{script: []gateway.Completion{
		{Text: "<Code>\nplot()\n</Code>"},
		{Text: "<Answer>\nsaved\n</Answer>"},
	}}
	runner := &stubRunner{
		result: sandbox.Result{Output: "saved plot"},
		onRun: func(workdir string) {
			dir := filepath.Join(workdir, "generated")
			if err := os.MkdirAll(dir, 0o755); err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(filepath.Join(dir, "plot.png"), []byte("png-bytes"), 0o644); err != nil {
				t.Fatal(err)
			}
		},
	}
	ctrl := newTestController(gw, runner)

	out, err := ctrl.Run(context.Background(), "task", t.TempDir())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(out.Artifacts) != 1 {
		t.Fatalf("got %d artifacts, want 1", len(out.Artifacts))
	}
	a := out.Artifacts[0]
	if a.Path != "generated/plot.png" {
		t.Errorf("artifact path = %q", a.Path)
	}
	if a.Round != 1 {
		t.Errorf("artifact round = %d, want 1", a.Round)
	}
	if a.Change != model.ChangeAdded {
		t.Errorf("artifact change = %q, want %q", a.Change, model.ChangeAdded)
	}
}

func TestControllerCancellation(t *testing.T) {
	gw := &scriptedGateway{blockCtx: true}
	runner := &stubRunner{}
	ctrl := newTestController(gw, runner)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := ctrl.Run(ctx, "task", t.TempDir())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
}

func TestControllerWireFormat(t *testing.T) {
	gw := &scriptedGateway{script: []gateway.Completion{
		{Text: "<Answer>\nok\n</Answer>"},
	}}
	ctrl := newTestController(gw, &stubRunner{})
	ctrl.System = "custom system prompt"

	if _, err := ctrl.Run(context.Background(), "the task", t.TempDir()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	msgs := gw.calls[0]
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != gateway.RoleSystem || msgs[0].Content != "custom system prompt" {
		t.Errorf("system message = %+v", msgs[0])
	}
	if msgs[1].Role != gateway.RoleUser || msgs[1].Content != "the task" {
		t.Errorf("task message = %+v", msgs[1])
	}
	if len(gw.stops[0]) != 1 || gw.stops[0][0] != protocol.StopSequence {
		t.Errorf("stop sequences = %v, want [%q]", gw.stops[0], protocol.StopSequence)
	}
}

func TestControllerZeroBudgetAbortsImmediately(t *testing.T) {
	gw := &scriptedGateway{script: []gateway.Completion{{Text: "<Answer>\nnever reached\n</Answer>"}}}
	ctrl := newTestController(gw, &stubRunner{})
	ctrl.MaxRounds = 0

	out, err := ctrl.Run(context.Background(), "task", t.TempDir())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Status != model.StatusAborted {
		t.Errorf("Status = %q, want %q", out.Status, model.StatusAborted)
	}
	if gw.callCount() != 0 {
		t.Errorf("gateway called %d times, want 0", gw.callCount())
	}
}
