package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"autoanalysis/internal/executor"
)

type fakeRunner struct {
	mu       sync.Mutex
	seen     map[string]int
	inFlight int32
	maxSeen  int32
	delay    time.Duration
}

func newFakeRunner(delay time.Duration) *fakeRunner {
	return &fakeRunner{seen: make(map[string]int), delay: delay}
}

func (f *fakeRunner) Run(ctx context.Context, cmd executor.Command) (*executor.Result, error) {
	cur := atomic.AddInt32(&f.inFlight, 1)
	for {
		prev := atomic.LoadInt32(&f.maxSeen)
		if cur <= prev || atomic.CompareAndSwapInt32(&f.maxSeen, prev, cur) {
			break
		}
	}
	time.Sleep(f.delay)
	atomic.AddInt32(&f.inFlight, -1)

	f.mu.Lock()
	f.seen[cmd.String()]++
	f.mu.Unlock()

	res := &executor.Result{Command: cmd.String(), Attempts: 1}
	if cmd.Args[0] == "fail" {
		res.ExitCode = 1
		res.Failed = true
		return res, errors.New("exit 1")
	}
	return res, nil
}

func commands(names ...string) []executor.Command {
	cmds := make([]executor.Command, len(names))
	for i, n := range names {
		cmds[i] = executor.Argv(n)
	}
	return cmds
}

func TestDispatch_NoCommands(t *testing.T) {
	runner := newFakeRunner(0)
	report, err := NewPool(runner, 4).Dispatch(context.Background(), "empty", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(report.Workers) != 0 || len(runner.seen) != 0 {
		t.Fatalf("expected no workers, got %d", len(report.Workers))
	}
}

func TestDispatch_SpawnsMinOfMaxAndQueueLength(t *testing.T) {
	report, err := NewPool(newFakeRunner(0), 4).Dispatch(context.Background(), "copy", commands("a", "b"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(report.Workers) != 2 {
		t.Fatalf("workers = %d, want 2", len(report.Workers))
	}
	if len(report.Results()) != 2 {
		t.Fatalf("results = %d, want 2", len(report.Results()))
	}
}

func TestDispatch_BoundsConcurrencyAndRunsEachCommandOnce(t *testing.T) {
	runner := newFakeRunner(2 * time.Millisecond)
	var names []string
	for i := 0; i < 60; i++ {
		names = append(names, fmt.Sprintf("cmd-%02d", i))
	}

	report, err := NewPool(runner, 5).Dispatch(context.Background(), "bulk", commands(names...))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if max := atomic.LoadInt32(&runner.maxSeen); max > 5 {
		t.Fatalf("max in flight = %d, want <= 5", max)
	}
	for _, n := range names {
		if runner.seen[n] != 1 {
			t.Fatalf("%s ran %d times", n, runner.seen[n])
		}
	}
	if report.Failed() || report.Unstarted != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestDispatch_FailedWorkerStopsPulling(t *testing.T) {
	runner := newFakeRunner(0)
	report, err := NewPool(runner, 1).Dispatch(context.Background(), "serial", commands("a", "fail", "c"))
	if err == nil {
		t.Fatal("expected phase failure")
	}
	if runner.seen["c"] != 0 {
		t.Fatal("failed worker should not pull further commands")
	}
	if report.Unstarted != 1 {
		t.Fatalf("unstarted = %d, want 1", report.Unstarted)
	}
	if !report.Workers[0].Failed || report.Workers[0].Failure == nil {
		t.Fatalf("worker should be marked failed: %+v", report.Workers[0])
	}
}

func TestDispatch_SiblingsKeepDraining(t *testing.T) {
	runner := newFakeRunner(time.Millisecond)
	report, err := NewPool(runner, 2).Dispatch(context.Background(), "mixed", commands("fail", "b", "c", "d"))
	if err == nil {
		t.Fatal("expected phase failure")
	}
	for _, n := range []string{"b", "c", "d"} {
		if runner.seen[n] != 1 {
			t.Fatalf("%s ran %d times, sibling should drain the queue", n, runner.seen[n])
		}
	}
	if len(report.Results()) != 3 || report.Unstarted != 0 {
		t.Fatalf("results=%d unstarted=%d", len(report.Results()), report.Unstarted)
	}
}

func TestCommandQueue_PopUntilEmpty(t *testing.T) {
	q := NewCommandQueue(commands("a", "b"))
	for _, want := range []string{"a", "b"} {
		cmd, ok := q.Pop()
		if !ok || cmd.String() != want {
			t.Fatalf("pop = %q %v, want %q", cmd.String(), ok, want)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("expected empty queue")
	}
}
