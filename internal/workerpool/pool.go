package workerpool

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"autoanalysis/internal/executor"

	"github.com/rs/zerolog/log"
)

// Runner executes a single command with its own retry policy.
type Runner interface {
	Run(ctx context.Context, cmd executor.Command) (*executor.Result, error)
}

// Pool drains a phase's commands with a bounded number of workers.
type Pool struct {
	runner      Runner
	workerCount int
}

// WorkerReport is what one worker did during a phase.
type WorkerReport struct {
	ID        string             `json:"id"`
	Completed []*executor.Result `json:"completed,omitempty"`
	Failed    bool               `json:"failed"`
	Failure   *executor.Result   `json:"failure,omitempty"`
	Err       error              `json:"-"`
}

// Report aggregates every worker of a phase after the join.
type Report struct {
	Phase   string          `json:"phase"`
	Workers []*WorkerReport `json:"workers"`
	// Unstarted counts commands left in the queue because every worker had failed.
	Unstarted int `json:"unstarted"`
}

// NewPool creates a pool that runs at most workerCount commands at once.
func NewPool(runner Runner, workerCount int) *Pool {
	if workerCount < 1 {
		workerCount = 1
	}
	return &Pool{runner: runner, workerCount: workerCount}
}

// Dispatch runs cmds through min(workerCount, len(cmds)) workers and blocks until all exit.
// A worker that hits a failed command stops pulling work; its siblings carry on.
// The returned error is non-nil when any worker failed.
func (p *Pool) Dispatch(ctx context.Context, phase string, cmds []executor.Command) (*Report, error) {
	report := &Report{Phase: phase}
	if len(cmds) == 0 {
		return report, nil
	}

	queue := NewCommandQueue(cmds)
	n := p.workerCount
	if len(cmds) < n {
		n = len(cmds)
	}

	report.Workers = make([]*WorkerReport, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wr := &WorkerReport{ID: fmt.Sprintf("%s-%d", phase, i+1)}
		report.Workers[i] = wr
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.workerLoop(ctx, queue, wr)
		}()
	}
	wg.Wait()

	report.Unstarted = queue.Size()
	return report, report.Err()
}

func (p *Pool) workerLoop(ctx context.Context, queue *CommandQueue, wr *WorkerReport) {
	for {
		cmd, ok := queue.Pop()
		if !ok {
			return
		}
		res, err := p.runner.Run(ctx, cmd)
		if err != nil {
			wr.Failed = true
			wr.Failure = res
			wr.Err = err
			log.Error().Str("worker", wr.ID).Err(err).Msg("command failed, shutting down worker")
			return
		}
		wr.Completed = append(wr.Completed, res)
	}
}

// Failed reports whether any worker failed.
func (r *Report) Failed() bool {
	for _, w := range r.Workers {
		if w.Failed {
			return true
		}
	}
	return false
}

// Results returns every successful command result across workers.
func (r *Report) Results() []*executor.Result {
	var out []*executor.Result
	for _, w := range r.Workers {
		out = append(out, w.Completed...)
	}
	return out
}

// Err joins the failures of every worker, or returns nil.
func (r *Report) Err() error {
	var msgs []string
	for _, w := range r.Workers {
		if w.Failed && w.Err != nil {
			msgs = append(msgs, fmt.Sprintf("%s: %v", w.ID, w.Err))
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	return fmt.Errorf("%s: %d worker(s) failed:\n%s", r.Phase, len(msgs), strings.Join(msgs, "\n"))
}
