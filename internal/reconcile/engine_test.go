package reconcile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"autoanalysis/internal/executor"
	"autoanalysis/internal/jobdir"
	"autoanalysis/internal/slurm"
	"autoanalysis/internal/submit"
	"autoanalysis/internal/transfer"
	"autoanalysis/internal/workerpool"
)

const queueHeader = "JOBID PARTITION NAME USER ST TIME NODES NODELIST"

// fakeRunner answers the single-shot commands of a tick.
type fakeRunner struct {
	queue    []string
	listing  []string
	queueErr error
	listErr  error
	purgeErr error

	purges []executor.Command
	lists  int
}

func (f *fakeRunner) Run(ctx context.Context, cmd executor.Command) (*executor.Result, error) {
	res := &executor.Result{Command: cmd.String(), Attempts: 1}
	switch {
	case cmd.Kind == executor.KindScript:
		f.purges = append(f.purges, cmd)
		return res, f.purgeErr
	case cmd.Args[0] == "squeue":
		res.Output = f.queue
		return res, f.queueErr
	case cmd.Args[0] == "ssh":
		f.lists++
		res.Output = f.listing
		return res, f.listErr
	}
	return res, errors.New("unexpected command " + cmd.String())
}

// fakePool records dispatched phases and stands in for rsync on copy-in.
type fakePool struct {
	mu        sync.Mutex
	phases    map[string][]executor.Command
	fail      map[string]bool
	failPull  map[string]bool
	localRoot string
	remote    map[string]string
}

func (p *fakePool) Dispatch(ctx context.Context, phase string, cmds []executor.Command) (*workerpool.Report, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.phases == nil {
		p.phases = make(map[string][]executor.Command)
	}
	p.phases[phase] = append(p.phases[phase], cmds...)
	rep := &workerpool.Report{Phase: phase}
	if p.fail[phase] {
		return rep, errors.New(phase + ": 1 worker(s) failed")
	}

	wr := &workerpool.WorkerReport{ID: phase + "-1"}
	rep.Workers = []*workerpool.WorkerReport{wr}
	var failures int
	for _, cmd := range cmds {
		res := &executor.Result{Command: cmd.String(), Attempts: 1}
		if phase == PhaseTransfer {
			name := filepath.Base(strings.TrimSuffix(cmd.Args[len(cmd.Args)-1], "/"))
			dir := filepath.Join(p.localRoot, name)
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, err
			}
			if p.failPull[name] {
				failures++
				continue
			}
			if err := os.WriteFile(filepath.Join(dir, jobdir.DescriptorName), []byte(p.remote[name]), 0644); err != nil {
				return nil, err
			}
		}
		wr.Completed = append(wr.Completed, res)
	}
	if failures > 0 {
		return rep, fmt.Errorf("%s: %d worker(s) failed", phase, failures)
	}
	return rep, nil
}

type fixture struct {
	local    string
	workflow string
	runner   *fakeRunner
	pool     *fakePool
	engine   *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	local := t.TempDir()
	workflow := filepath.Join(t.TempDir(), "wf")
	if err := os.MkdirAll(workflow, 0755); err != nil {
		t.Fatal(err)
	}
	for _, f := range []string{"run.sh", "params.txt"} {
		if err := os.WriteFile(filepath.Join(workflow, f), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	runner := &fakeRunner{queue: []string{queueHeader}}
	pool := &fakePool{localRoot: local, fail: map[string]bool{}, failPull: map[string]bool{}, remote: map[string]string{}}
	engine := NewEngine(Options{
		Runner:     runner,
		Dispatcher: pool,
		Monitor:    slurm.NewMonitor(runner, "squeue", "hci-rw", "alice"),
		Classifier: jobdir.NewClassifier(local, 30),
		Remote:     transfer.NewRemote("svc@submit", "/data/jobs"),
		Assembler:  submit.NewAssembler("sbatch", 10000, false),
		LocalRoot:  local,
	})
	return &fixture{local: local, workflow: workflow, runner: runner, pool: pool, engine: engine}
}

func (f *fixture) job(t *testing.T, name string, files ...string) string {
	t.Helper()
	dir := filepath.Join(f.local, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	for _, file := range files {
		if err := os.WriteFile(filepath.Join(dir, file), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func (f *fixture) remoteJob(name string, complete bool) {
	f.runner.listing = append(f.runner.listing, "/data/jobs/"+name, "/data/jobs/"+name+"/RUNME")
	if complete {
		f.runner.listing = append(f.runner.listing, "/data/jobs/"+name+"/COMPLETE")
	}
	f.pool.remote[name] = "workflowPaths\t" + "WORKFLOW" + "\n"
}

func (f *fixture) descriptors() {
	for name, body := range f.pool.remote {
		f.pool.remote[name] = strings.ReplaceAll(body, "WORKFLOW", f.workflow)
	}
}

func TestTick_FullPass(t *testing.T) {
	f := newFixture(t)
	f.runner.queue = append(f.runner.queue, "101 hci-rw J_run alice R 1:00:00 1 n1")
	done := f.job(t, "J_done", "COMPLETE", "STARTED", "slurm-99.out")
	f.job(t, "J_run", "STARTED", "slurm-101.out")
	f.remoteJob("J_new", false)
	f.remoteJob("J_old", true)
	f.remoteJob("J_run", false)
	f.descriptors()

	rep, err := f.engine.Tick(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rep.Messages) != 0 {
		t.Fatalf("unexpected messages %v", rep.Messages)
	}
	if len(f.runner.purges) != 1 || !strings.Contains(f.runner.purges[0].String(), "rm -rf '/data/jobs/J_done'/*") {
		t.Fatalf("purges = %v", f.runner.purges)
	}
	if got := f.pool.phases[PhaseReturn]; len(got) != 1 || !strings.Contains(got[0].String(), "J_done/ svc@submit:/data/jobs/J_done/") {
		t.Fatalf("copy back = %v", got)
	}
	if _, err := os.Stat(done); !os.IsNotExist(err) {
		t.Fatalf("completed job should be deleted locally: %v", err)
	}
	if rep.Completed != 1 || !reflect.DeepEqual(rep.Returned, []string{"J_done"}) {
		t.Fatalf("completed=%d returned=%v", rep.Completed, rep.Returned)
	}
	if !reflect.DeepEqual(rep.Discovered, []string{"J_new"}) {
		t.Fatalf("discovered = %v", rep.Discovered)
	}
	if !reflect.DeepEqual(rep.Submitted, []string{"J_new"}) {
		t.Fatalf("submitted = %v", rep.Submitted)
	}
	sub := f.pool.phases[PhaseSubmit]
	if len(sub) != 1 || !strings.Contains(sub[0].String(), "sbatch --nice=10000 -J 'J_new_AutoAnalysis' 'run.sh'") {
		t.Fatalf("submit = %v", sub)
	}
	if _, err := os.Stat(filepath.Join(f.local, "J_new", "run.sh")); err != nil {
		t.Fatalf("workflow not staged: %v", err)
	}
	for _, j := range rep.Jobs {
		if j.Name == "J_run" && (j.Status != "RUNNING" || j.RuntimeSeconds != 3600) {
			t.Fatalf("unexpected summary for running job %+v", j)
		}
	}
}

func TestTick_PurgeIsOneInvocationForManyJobs(t *testing.T) {
	f := newFixture(t)
	for _, n := range []string{"A", "B", "C", "D"} {
		f.job(t, n, "COMPLETE")
	}
	rep, err := f.engine.Tick(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.runner.purges) != 1 {
		t.Fatalf("purge invocations = %d, want 1", len(f.runner.purges))
	}
	if c := strings.Count(f.runner.purges[0].String(), "rm -rf "); c != 4 {
		t.Fatalf("rm lines = %d", c)
	}
	if rep.Completed != 4 {
		t.Fatalf("completed = %d", rep.Completed)
	}
}

func TestTick_NoCompletedJobsNoPurge(t *testing.T) {
	f := newFixture(t)
	f.job(t, "Q", "QUEUED")
	f.runner.queue = append(f.runner.queue, "1 hci-rw x bob R 1:00 1 n1")
	if _, err := f.engine.Tick(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.runner.purges) != 0 || len(f.pool.phases[PhaseReturn]) != 0 {
		t.Fatalf("nothing should be returned: purges=%d", len(f.runner.purges))
	}
}

func TestTick_PurgeFailureSkipsCopyBack(t *testing.T) {
	f := newFixture(t)
	done := f.job(t, "J1", "COMPLETE")
	f.runner.purgeErr = errors.New("ssh: connect to host refused")

	rep, err := f.engine.Tick(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.pool.phases[PhaseReturn]) != 0 {
		t.Fatal("copy back should be skipped")
	}
	if _, err := os.Stat(done); err != nil {
		t.Fatalf("local copy must survive: %v", err)
	}
	if rep.Completed != 0 || len(rep.Messages) != 1 {
		t.Fatalf("completed=%d messages=%v", rep.Completed, rep.Messages)
	}
	if f.runner.lists != 1 {
		t.Fatal("discovery should still run after a transfer-back failure")
	}
}

func TestTick_CopyBackFailureKeepsLocalCopies(t *testing.T) {
	f := newFixture(t)
	done := f.job(t, "J1", "COMPLETE")
	f.pool.fail[PhaseReturn] = true

	rep, err := f.engine.Tick(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(done); err != nil {
		t.Fatalf("local copy must survive: %v", err)
	}
	if rep.Completed != 0 || len(rep.Messages) != 1 {
		t.Fatalf("completed=%d messages=%v", rep.Completed, rep.Messages)
	}
}

func TestTick_MissingWorkflowPathsOnlyFailsThatJob(t *testing.T) {
	f := newFixture(t)
	f.remoteJob("GOOD", false)
	f.remoteJob("BAD", false)
	f.descriptors()
	f.pool.remote["BAD"] = "requester\talice@example.org\n"

	rep, err := f.engine.Tick(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(rep.Submitted, []string{"GOOD"}) {
		t.Fatalf("submitted = %v", rep.Submitted)
	}
	if len(rep.Messages) != 1 || !strings.Contains(rep.Messages[0], "BAD") || !strings.Contains(rep.Messages[0], "workflowPaths") {
		t.Fatalf("messages = %v", rep.Messages)
	}
	if len(f.pool.phases[PhaseSubmit]) != 1 {
		t.Fatalf("submit commands = %d", len(f.pool.phases[PhaseSubmit]))
	}
}

func TestTick_CopyInFailureSkipsSubmission(t *testing.T) {
	f := newFixture(t)
	f.remoteJob("J1", false)
	f.descriptors()
	f.pool.fail[PhaseTransfer] = true

	rep, err := f.engine.Tick(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.pool.phases[PhaseSubmit]) != 0 || len(rep.Submitted) != 0 {
		t.Fatal("submission should be skipped")
	}
	if len(rep.Messages) != 1 {
		t.Fatalf("messages = %v", rep.Messages)
	}
}

func TestTick_PartialCopyInSubmitsArrivedJobs(t *testing.T) {
	f := newFixture(t)
	f.remoteJob("J1", false)
	f.remoteJob("J2", false)
	f.descriptors()
	f.pool.failPull["J2"] = true

	rep, err := f.engine.Tick(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(rep.Submitted, []string{"J1"}) {
		t.Fatalf("submitted = %v", rep.Submitted)
	}
	if len(rep.Messages) != 1 || !strings.Contains(rep.Messages[0], "J2") {
		t.Fatalf("messages = %v", rep.Messages)
	}
	if _, err := os.Stat(filepath.Join(f.local, "J2")); !os.IsNotExist(err) {
		t.Fatalf("partial copy of J2 should be removed: %v", err)
	}

	// The next tick picks J2 up again and leaves the submitted J1 alone.
	f.pool.failPull["J2"] = false
	f.job(t, "J1", "QUEUED")
	f.pool.phases = nil
	rep, err = f.engine.Tick(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(rep.Discovered, []string{"J2"}) || !reflect.DeepEqual(rep.Submitted, []string{"J2"}) {
		t.Fatalf("discovered=%v submitted=%v", rep.Discovered, rep.Submitted)
	}
}

func TestTick_QueueFailureAbortsTick(t *testing.T) {
	f := newFixture(t)
	f.job(t, "J1", "COMPLETE")
	f.runner.queue = []string{"slurm_load_jobs error: Unable to contact slurm controller"}

	rep, err := f.engine.Tick(context.Background())
	if err != nil {
		t.Fatalf("queue failures are not fatal: %v", err)
	}
	if !rep.Aborted || len(rep.Messages) != 1 {
		t.Fatalf("aborted=%v messages=%v", rep.Aborted, rep.Messages)
	}
	if len(f.runner.purges) != 0 || f.runner.lists != 0 {
		t.Fatal("no further phases should run")
	}
}

func TestTick_ListingFailureSkipsTransferIn(t *testing.T) {
	f := newFixture(t)
	f.runner.listErr = errors.New("exit 255")

	rep, err := f.engine.Tick(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.pool.phases[PhaseTransfer]) != 0 {
		t.Fatal("copy in should be skipped")
	}
	if len(rep.Messages) != 1 {
		t.Fatalf("messages = %v", rep.Messages)
	}
}

func TestTick_ClassificationMessagesCollected(t *testing.T) {
	f := newFixture(t)
	f.runner.queue = append(f.runner.queue, "101 hci-rw job1 alice R 2-03:10:00 1 n1")
	dir := f.job(t, "J1", "STARTED", "slurm-202.out")
	f.job(t, "J2", "RUNME")

	rep, err := f.engine.Tick(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rep.Messages) != 3 {
		t.Fatalf("messages = %v", rep.Messages)
	}
	found := false
	for _, m := range rep.Messages {
		if strings.Contains(m, dir) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a message naming %s: %v", dir, rep.Messages)
	}
}

func TestTick_DryRunKeepsLocalCopies(t *testing.T) {
	f := newFixture(t)
	f.engine.dryRun = true
	done := f.job(t, "J1", "COMPLETE")

	rep, err := f.engine.Tick(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(done); err != nil {
		t.Fatalf("dry run must not delete: %v", err)
	}
	if !rep.DryRun {
		t.Fatal("report should be marked dry run")
	}
}
