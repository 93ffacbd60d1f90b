package jobdir

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"autoanalysis/internal/slurm"

	"github.com/rs/zerolog/log"
)

// DefaultAvailableNodes is the partition capacity below which a QUEUED job is suspicious.
const DefaultAvailableNodes = 30

var (
	jobDirName     = regexp.MustCompile(`^\w`)
	schedulerJobID = regexp.MustCompile(`^slurm-(\d+)\.out$`)
)

// JobDirectory is one unit of work on the execution side.
type JobDirectory struct {
	Path        string `json:"path"`
	Name        string `json:"name"`
	Status      Status `json:"status"`
	SchedulerID string `json:"scheduler_id,omitempty"`
	Runtime     string `json:"runtime,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Result is the classification of every job directory in one tick.
type Result struct {
	Jobs []JobDirectory `json:"jobs"`
	// ToReturn holds the COMPLETE jobs, ready to be copied back.
	ToReturn []JobDirectory `json:"to_return"`
	Messages []string       `json:"messages,omitempty"`
}

// Counts tallies jobs per status.
func (r *Result) Counts() map[Status]int {
	counts := make(map[Status]int)
	for _, j := range r.Jobs {
		counts[j.Status]++
	}
	return counts
}

// Classifier scans the execution-side job root.
type Classifier struct {
	root           string
	availableNodes int

	readDir func(string) ([]os.DirEntry, error)
}

// NewClassifier creates a classifier over root.
func NewClassifier(root string, availableNodes int) *Classifier {
	if availableNodes <= 0 {
		availableNodes = DefaultAvailableNodes
	}
	return &Classifier{root: root, availableNodes: availableNodes, readDir: os.ReadDir}
}

// Classify inspects every top-level job directory against the current queue snapshot.
// A missing root yields an empty result. Only an unreadable root is returned as an error;
// a job directory that cannot be listed is reported as UNKNOWN.
func (c *Classifier) Classify(snap *slurm.Snapshot) (*Result, error) {
	log.Info().Str("root", c.root).Msg("Checking job directories for status markers...")
	entries, err := c.readDir(c.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Result{}, nil
		}
		return nil, fmt.Errorf("failed to read job directory %s: %w", c.root, err)
	}

	partitionJobs := 0
	if snap != nil {
		partitionJobs = snap.PartitionJobs
	}

	res := &Result{}
	for _, entry := range entries {
		if !entry.IsDir() || !jobDirName.MatchString(entry.Name()) {
			continue
		}
		job, err := c.Inspect(filepath.Join(c.root, entry.Name()), snap, partitionJobs)
		if err != nil {
			job.Status = StatusUnknown
			job.Error = fmt.Sprintf("ERROR: %v, see -> %s", err, job.Path)
			log.Error().Msg(job.Error)
		}
		res.Jobs = append(res.Jobs, job)
		if job.Status == StatusComplete {
			res.ToReturn = append(res.ToReturn, job)
		}
		if job.Error != "" {
			res.Messages = append(res.Messages, job.Error)
		}
	}
	return res, nil
}

// Inspect classifies a single job directory.
func (c *Classifier) Inspect(dir string, snap *slurm.Snapshot, partitionJobs int) (JobDirectory, error) {
	job := JobDirectory{Path: dir, Name: filepath.Base(dir)}
	names, err := c.fileNames(dir)
	if err != nil {
		return job, err
	}

	job.Status = FromMarkers(names)
	switch job.Status {
	case StatusComplete:
		log.Info().Msgf("\tCOMPLETE ->\t%s", dir)

	case StatusFailed:
		job.Error = fmt.Sprintf("FAILED ->\t%s", dir)
		log.Warn().Msg(job.Error)

	case StatusStarted:
		c.checkStarted(&job, names, snap)

	case StatusQueued:
		if partitionJobs < c.availableNodes {
			job.Error = fmt.Sprintf("WARNING: job is QUEUED but has not started while nodes are available (%d/%d in use), see -> %s",
				partitionJobs, c.availableNodes, dir)
			log.Warn().Msg(job.Error)
		} else {
			log.Debug().Msgf("\tQUEUED ->\t%s", dir)
		}

	default:
		job.Error = fmt.Sprintf("ERROR: no job status marker found, see -> %s", dir)
		log.Error().Msg(job.Error)
	}
	return job, nil
}

func (c *Classifier) checkStarted(job *JobDirectory, names map[string]bool, snap *slurm.Snapshot) {
	var outputs []string
	for name := range names {
		if schedulerJobID.MatchString(name) {
			outputs = append(outputs, name)
		}
	}
	sort.Strings(outputs)

	switch {
	case len(outputs) == 0:
		job.Error = fmt.Sprintf("ERROR: job STARTED but no %sxxx.out file was found, see -> %s", SchedulerPrefix, job.Path)
	case len(outputs) > 1:
		job.Error = fmt.Sprintf("ERROR: job STARTED with more than one %sxxx.out file (%s), see -> %s",
			SchedulerPrefix, strings.Join(outputs, ", "), job.Path)
	default:
		m := schedulerJobID.FindStringSubmatch(outputs[0])
		job.SchedulerID = m[1]
		// Absent covers both a queue that lags the job start and a job that died.
		if !snap.Has(m[1]) {
			job.Error = fmt.Sprintf("ERROR: job STARTED, found %s but its job id is not in the scheduler queue, see -> %s",
				outputs[0], job.Path)
			break
		}
		job.Status = StatusRunning
		job.Runtime = snap.Runtimes[m[1]]
		log.Info().Msgf("\tRUNNING ->\t%s\t%s", job.Runtime, job.Path)
	}

	if job.Error != "" {
		log.Error().Msg(job.Error)
	}
}

// fileNames lists the immediate entries of dir.
func (c *Classifier) fileNames(dir string) (map[string]bool, error) {
	entries, err := c.readDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	names := make(map[string]bool, len(entries))
	for _, e := range entries {
		names[e.Name()] = true
	}
	return names, nil
}
