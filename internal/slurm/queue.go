package slurm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"autoanalysis/internal/executor"

	"github.com/rs/zerolog/log"
)

// HeaderToken starts the first line of squeue output.
const HeaderToken = "JOBID"

// ErrBadHeader means the queue command did not print the expected header.
var ErrBadHeader = errors.New("failed to fetch slurm jobs: unexpected queue header")

// JobRecord is one squeue row. Rebuilt every tick, never persisted.
type JobRecord struct {
	JobID     string `json:"job_id"`
	Partition string `json:"partition"`
	Name      string `json:"name"`
	User      string `json:"user"`
	State     string `json:"state"`
	Elapsed   string `json:"elapsed"`
	Nodes     string `json:"nodes"`
	NodeList  string `json:"node_list"`
}

// Snapshot is the parsed queue for one tick.
type Snapshot struct {
	Records []JobRecord `json:"records"`
	// Runtimes maps job id to elapsed runtime for jobs owned by the configured user in the partition.
	Runtimes map[string]string `json:"runtimes"`
	// PartitionJobs counts every record in the configured partition regardless of owner.
	PartitionJobs int      `json:"partition_jobs"`
	Warnings      []string `json:"warnings,omitempty"`
}

// Has reports whether jobID is one of the user's jobs in the partition.
func (s *Snapshot) Has(jobID string) bool {
	if s == nil {
		return false
	}
	_, ok := s.Runtimes[jobID]
	return ok
}

// Runner executes a single command.
type Runner interface {
	Run(ctx context.Context, cmd executor.Command) (*executor.Result, error)
}

// Monitor queries the batch scheduler once per tick.
type Monitor struct {
	runner    Runner
	command   string
	partition string
	user      string
}

// NewMonitor creates a monitor for jobs owned by user in partition.
func NewMonitor(runner Runner, command, partition, user string) *Monitor {
	if command == "" {
		command = "squeue"
	}
	return &Monitor{runner: runner, command: command, partition: partition, user: user}
}

// Check runs the queue command and parses its output.
func (m *Monitor) Check(ctx context.Context) (*Snapshot, error) {
	log.Info().Msg("Checking slurm jobs...")
	res, err := m.runner.Run(ctx, executor.Argv(m.command).AsReadOnly())
	if err != nil {
		return nil, fmt.Errorf("failed to list slurm queue: %w", err)
	}
	snap, err := Parse(res.Output, m.partition, m.user)
	if err != nil {
		return nil, err
	}
	log.Debug().Msgf("Parsed Slurm Jobs (ID=RunTime): %v", snap.Runtimes)
	return snap, nil
}

// Parse reads squeue lines. The first line must start with HeaderToken.
// Fields: JOBID PARTITION NAME USER ST TIME NODES NODELIST(REASON).
func Parse(lines []string, partition, user string) (*Snapshot, error) {
	if len(lines) == 0 || !strings.HasPrefix(strings.TrimSpace(lines[0]), HeaderToken) {
		return nil, fmt.Errorf("%w:\n%s", ErrBadHeader, strings.Join(lines, "\n"))
	}

	snap := &Snapshot{Runtimes: make(map[string]string)}
	for i, line := range lines[1:] {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 6 {
			return nil, fmt.Errorf("malformed squeue line %d: %q", i+2, line)
		}
		rec := JobRecord{
			JobID:     fields[0],
			Partition: fields[1],
			Name:      fields[2],
			User:      fields[3],
			State:     fields[4],
			Elapsed:   fields[5],
		}
		if len(fields) > 6 {
			rec.Nodes = fields[6]
		}
		if len(fields) > 7 {
			rec.NodeList = strings.Join(fields[7:], " ")
		}
		snap.Records = append(snap.Records, rec)

		if rec.Partition != partition {
			continue
		}
		snap.PartitionJobs++
		if rec.User != user {
			continue
		}
		snap.Runtimes[rec.JobID] = rec.Elapsed
		if OverADay(rec.Elapsed) {
			msg := fmt.Sprintf("WARNING: the following job has run for more than a day ->\t%s\t%s", rec.JobID, rec.Elapsed)
			log.Warn().Msg(msg)
			snap.Warnings = append(snap.Warnings, msg)
		}
	}
	return snap, nil
}
