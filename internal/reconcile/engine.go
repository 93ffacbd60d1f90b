package reconcile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"autoanalysis/internal/executor"
	"autoanalysis/internal/jobdir"
	"autoanalysis/internal/report"
	"autoanalysis/internal/slurm"
	"autoanalysis/internal/submit"
	"autoanalysis/internal/transfer"
	"autoanalysis/internal/workerpool"

	"github.com/rs/zerolog/log"
)

// Phase names as they appear in tick reports.
const (
	PhaseQueue    = "queue"
	PhaseClassify = "classify"
	PhasePurge    = "purge-remote"
	PhaseReturn   = "copy-back"
	PhaseCleanup  = "delete-local"
	PhaseDiscover = "discover"
	PhaseTransfer = "copy-in"
	PhaseAssemble = "assemble"
	PhaseSubmit   = "submit"
)

const roleName = "execution"

// Runner executes one command.
type Runner interface {
	Run(ctx context.Context, cmd executor.Command) (*executor.Result, error)
}

// Dispatcher runs a batch of independent commands and joins them.
type Dispatcher interface {
	Dispatch(ctx context.Context, phase string, cmds []executor.Command) (*workerpool.Report, error)
}

// Options wires an Engine.
type Options struct {
	Runner     Runner
	Dispatcher Dispatcher
	Monitor    *slurm.Monitor
	Classifier *jobdir.Classifier
	Remote     transfer.Remote
	Assembler  *submit.Assembler
	LocalRoot  string
	DryRun     bool
}

// Engine runs one execution-side reconciliation pass per Tick call.
type Engine struct {
	runner     Runner
	pool       Dispatcher
	monitor    *slurm.Monitor
	classifier *jobdir.Classifier
	remote     transfer.Remote
	assembler  *submit.Assembler
	localRoot  string
	dryRun     bool

	removeAll func(string) error
}

// NewEngine creates an engine.
func NewEngine(opts Options) *Engine {
	return &Engine{
		runner:     opts.Runner,
		pool:       opts.Dispatcher,
		monitor:    opts.Monitor,
		classifier: opts.Classifier,
		remote:     opts.Remote,
		assembler:  opts.Assembler,
		localRoot:  opts.LocalRoot,
		dryRun:     opts.DryRun,
		removeAll:  os.RemoveAll,
	}
}

// Tick runs the phases in order: queue check, classification, transfer-back,
// discovery, then transfer-in and submission. Phase failures are recorded in the
// report and skip only the steps that depend on them. The returned error is fatal.
func (e *Engine) Tick(ctx context.Context) (*report.Tick, error) {
	rep := report.New(roleName, e.dryRun)
	defer rep.Finish()

	snap, err := e.monitor.Check(ctx)
	rep.Phase(PhaseQueue, 1, err)
	if err != nil {
		rep.AddMessage("ERROR: " + err.Error())
		rep.Aborted = true
		return rep, nil
	}
	rep.Queue = &report.QueueSummary{PartitionJobs: snap.PartitionJobs, UserJobs: snap.Runtimes}
	rep.AddMessage(snap.Warnings...)

	classified, err := e.classifier.Classify(snap)
	rep.Phase(PhaseClassify, 0, err)
	if err != nil {
		return rep, err
	}
	for _, j := range classified.Jobs {
		js := report.JobSummary{Name: j.Name, Status: string(j.Status), SchedulerID: j.SchedulerID, Runtime: j.Runtime}
		if j.Runtime != "" {
			if d, err := slurm.ParseElapsed(j.Runtime); err == nil {
				js.RuntimeSeconds = int64(d.Seconds())
			} else {
				log.Debug().Err(err).Str("job", j.Name).Msg("unparsed runtime")
			}
		}
		rep.Jobs = append(rep.Jobs, js)
	}
	rep.AddMessage(classified.Messages...)

	if len(classified.ToReturn) > 0 {
		e.transferBack(ctx, rep, classified.ToReturn)
	}

	names, err := e.discover(ctx, rep)
	if err != nil {
		return rep, nil
	}
	if len(names) > 0 {
		e.transferIn(ctx, rep, names)
	}
	return rep, nil
}

// transferBack empties the remote copies in one ssh call, copies the finished jobs
// back, then deletes them locally.
func (e *Engine) transferBack(ctx context.Context, rep *report.Tick, jobs []jobdir.JobDirectory) {
	names := make([]string, len(jobs))
	for i, j := range jobs {
		names[i] = j.Name
	}

	log.Info().Msgf("Deleting the contents of %d completed jobs on the remote host...", len(jobs))
	if purge, ok := e.remote.PurgeCommand(names); ok {
		_, err := e.runner.Run(ctx, purge)
		rep.Phase(PhasePurge, 1, err)
		if err != nil {
			log.Error().Err(err).Msg("remote purge failed")
			rep.AddMessage(fmt.Sprintf("ERROR: failed deleting the remote contents of %s, copy back skipped:\n%v",
				strings.Join(names, ", "), err))
			return
		}
	}

	log.Info().Msg("Copying back completed jobs...")
	cmds := e.remote.PushCommands(jobs)
	_, err := e.pool.Dispatch(ctx, PhaseReturn, cmds)
	rep.Phase(PhaseReturn, len(cmds), err)
	if err != nil {
		rep.AddMessage(fmt.Sprintf("ERROR: failed copying back completed jobs, local copies kept:\n%v", err))
		return
	}

	log.Info().Msg("Deleting completed jobs locally...")
	var cleanupErr error
	for _, j := range jobs {
		if e.dryRun {
			log.Info().Msgf("DryRunExec rm -rf %s", j.Path)
		} else if err := e.removeAll(j.Path); err != nil {
			cleanupErr = errors.Join(cleanupErr, err)
			rep.AddMessage(fmt.Sprintf("ERROR: failed deleting local copy %s: %v", j.Path, err))
			continue
		}
		log.Debug().Msgf("\t%s", j.Path)
		rep.Returned = append(rep.Returned, j.Name)
	}
	rep.Phase(PhaseCleanup, len(jobs), cleanupErr)
	rep.Completed = len(jobs)
}

// discover lists the remote root once and returns the new job names.
func (e *Engine) discover(ctx context.Context, rep *report.Tick) ([]string, error) {
	log.Info().Msg("Checking for new jobs on the remote host...")
	res, err := e.runner.Run(ctx, e.remote.ListCommand())
	if err == nil {
		var names []string
		names, err = transfer.Discover(res.Output, e.localRoot)
		if err == nil {
			rep.Phase(PhaseDiscover, 1, nil)
			rep.Discovered = names
			return names, nil
		}
	}
	rep.Phase(PhaseDiscover, 1, err)
	rep.AddMessage(fmt.Sprintf("ERROR: failed listing new jobs on the remote host, skipping transfer-in:\n%v", err))
	return nil, err
}

// transferIn copies new jobs over, stages their workflows and submits them.
// Only the jobs that arrived move on. A job whose descriptor cannot be assembled
// is reported and left for inspection; the other jobs still go out.
func (e *Engine) transferIn(ctx context.Context, rep *report.Tick, names []string) {
	log.Info().Msgf("Copying %d new jobs from the remote host...", len(names))
	pulls := e.remote.PullCommands(names, e.localRoot)
	pullReport, err := e.pool.Dispatch(ctx, PhaseTransfer, pulls)
	rep.Phase(PhaseTransfer, len(pulls), err)
	if err != nil {
		var failed []string
		names, failed = splitPulled(names, pulls, pullReport)
		rep.AddMessage(fmt.Sprintf("ERROR: failed copying new jobs %s, they will be retried next tick:\n%v",
			strings.Join(failed, ", "), err))
		e.discardPartial(rep, failed)
		if len(names) == 0 {
			return
		}
	}

	log.Info().Msg("Launching new jobs...")
	var (
		cmds        []executor.Command
		submitted   []string
		assembleErr error
	)
	for _, name := range names {
		dir := filepath.Join(e.localRoot, name)
		if e.dryRun {
			if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
				log.Info().Msgf("DryRunExec submit %s", name)
				continue
			}
		}
		job, err := e.assembler.Prepare(dir)
		if err != nil {
			assembleErr = errors.Join(assembleErr, err)
			rep.AddMessage(fmt.Sprintf("ERROR: failed assembling job %s: %v", name, err))
			continue
		}
		cmds = append(cmds, e.assembler.Command(job))
		submitted = append(submitted, name)
	}
	rep.Phase(PhaseAssemble, len(names), assembleErr)
	if len(cmds) == 0 {
		return
	}

	_, err = e.pool.Dispatch(ctx, PhaseSubmit, cmds)
	rep.Phase(PhaseSubmit, len(cmds), err)
	if err != nil {
		rep.AddMessage(fmt.Sprintf("ERROR: failed submitting new jobs:\n%v", err))
		return
	}
	rep.Submitted = submitted
}

// splitPulled separates the jobs whose pull command completed from the rest.
func splitPulled(names []string, pulls []executor.Command, pr *workerpool.Report) (done, failed []string) {
	ok := make(map[string]bool)
	if pr != nil {
		for _, res := range pr.Results() {
			ok[res.Command] = true
		}
	}
	for i, name := range names {
		if ok[pulls[i].String()] {
			done = append(done, name)
		} else {
			failed = append(failed, name)
		}
	}
	return done, failed
}

// discardPartial removes what a failed pull left behind so discovery picks the job up again.
func (e *Engine) discardPartial(rep *report.Tick, names []string) {
	for _, name := range names {
		dir := filepath.Join(e.localRoot, name)
		if e.dryRun {
			log.Info().Msgf("DryRunExec rm -rf %s", dir)
			continue
		}
		if err := e.removeAll(dir); err != nil {
			rep.AddMessage(fmt.Sprintf("ERROR: failed removing partial copy %s, remove it by hand: %v", dir, err))
		}
	}
}
