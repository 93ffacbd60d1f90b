package report

import (
	"time"

	"github.com/google/uuid"
)

// PhaseOutcome records whether one phase of a tick succeeded.
type PhaseOutcome struct {
	Name     string `json:"name"`
	Commands int    `json:"commands"`
	Failed   bool   `json:"failed"`
	Error    string `json:"error,omitempty"`
}

// QueueSummary is the part of the scheduler queue the daemon cares about.
type QueueSummary struct {
	PartitionJobs int               `json:"partition_jobs"`
	UserJobs      map[string]string `json:"user_jobs"`
}

// JobSummary is one job directory as classified during a tick.
type JobSummary struct {
	Name           string `json:"name"`
	Status         string `json:"status"`
	SchedulerID    string `json:"scheduler_id,omitempty"`
	Runtime        string `json:"runtime,omitempty"`
	RuntimeSeconds int64  `json:"runtime_seconds,omitempty"`
}

// Tick is built fresh for every reconciliation pass and handed on by value once finished.
type Tick struct {
	ID         string        `json:"id"`
	Role       string        `json:"role"`
	DryRun     bool          `json:"dry_run,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Queue      *QueueSummary `json:"queue,omitempty"`
	Jobs       []JobSummary  `json:"jobs,omitempty"`

	Returned   []string `json:"returned,omitempty"`
	Discovered []string `json:"discovered,omitempty"`
	Submitted  []string `json:"submitted,omitempty"`

	Phases   []PhaseOutcome `json:"phases,omitempty"`
	Messages []string       `json:"messages,omitempty"`
	// Completed counts jobs whose round trip finished this tick.
	Completed int `json:"completed"`
	// Aborted is set when a phase failure stopped the rest of the tick.
	Aborted bool `json:"aborted,omitempty"`
}

// New starts a report for role.
func New(role string, dryRun bool) *Tick {
	return &Tick{ID: uuid.NewString(), Role: role, DryRun: dryRun, StartedAt: time.Now()}
}

// AddMessage queues a line for the end-of-tick notification.
func (t *Tick) AddMessage(msgs ...string) {
	t.Messages = append(t.Messages, msgs...)
}

// Phase records a phase outcome. err may be nil.
func (t *Tick) Phase(name string, commands int, err error) {
	p := PhaseOutcome{Name: name, Commands: commands}
	if err != nil {
		p.Failed = true
		p.Error = err.Error()
	}
	t.Phases = append(t.Phases, p)
}

// Finish stamps the end time.
func (t *Tick) Finish() *Tick {
	t.FinishedAt = time.Now()
	return t
}

// Duration is how long the tick ran.
func (t *Tick) Duration() time.Duration {
	if t.FinishedAt.IsZero() {
		return time.Since(t.StartedAt)
	}
	return t.FinishedAt.Sub(t.StartedAt)
}
