package intake

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"autoanalysis/internal/jobdir"
	"autoanalysis/internal/models"
	"autoanalysis/internal/notify"
	"autoanalysis/internal/report"

	"github.com/rs/zerolog/log"
)

const roleName = "submission"

// Job names become directory names on both hosts and must be picked up by the classifier.
var validJobName = regexp.MustCompile(`^\w[\w.-]*$`)

type Options struct {
	Source           Source
	Root             string
	Notifier         notify.Notifier
	AdminEmail       string
	NotifyRequesters bool
	Title            string
	DryRun           bool
}

// Collector turns pending requests into job directories and closes out finished ones.
type Collector struct {
	source           Source
	root             string
	notifier         notify.Notifier
	admin            string
	notifyRequesters bool
	title            string
	dryRun           bool
}

func NewCollector(opts Options) *Collector {
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}
	return &Collector{
		source:           opts.Source,
		root:             opts.Root,
		notifier:         notifier,
		admin:            opts.AdminEmail,
		notifyRequesters: opts.NotifyRequesters,
		title:            opts.Title,
		dryRun:           opts.DryRun,
	}
}

// Tick writes descriptors for pending requests, then completes requests whose
// job directory has come back with a COMPLETE marker.
func (c *Collector) Tick(ctx context.Context) (*report.Tick, error) {
	rep := report.New(roleName, c.dryRun)
	defer rep.Finish()

	log.Info().Msg("Checking for new analysis requests...")
	pending, err := c.source.Pending(ctx)
	rep.Phase("pending", len(pending), err)
	if err != nil {
		rep.AddMessage("ERROR: " + err.Error())
		rep.Aborted = true
		return rep, nil
	}
	for _, req := range pending {
		if err := c.stage(ctx, req); err != nil {
			rep.AddMessage(fmt.Sprintf("ERROR: failed staging request %s (%s): %v", req.ID, req.JobName, err))
			continue
		}
		rep.Submitted = append(rep.Submitted, req.JobName)
	}

	log.Info().Msg("Checking for completed jobs...")
	submitted, err := c.source.Submitted(ctx)
	rep.Phase("completed", len(submitted), err)
	if err != nil {
		rep.AddMessage("ERROR: " + err.Error())
		return rep, nil
	}
	for _, req := range submitted {
		done, err := c.isComplete(req)
		if err != nil {
			rep.AddMessage(fmt.Sprintf("ERROR: failed checking job %s: %v", req.JobName, err))
			continue
		}
		if !done {
			continue
		}
		if c.dryRun {
			log.Info().Msgf("DryRunExec complete request %s (%s)", req.ID, req.JobName)
		} else if err := c.source.MarkComplete(ctx, req.ID); err != nil {
			rep.AddMessage("ERROR: " + err.Error())
			continue
		}
		rep.Returned = append(rep.Returned, req.JobName)
		rep.Completed++
		c.announce(ctx, req)
	}
	return rep, nil
}

// stage creates the job directory and its descriptor. An existing descriptor is kept.
func (c *Collector) stage(ctx context.Context, req models.AnalysisRequest) error {
	if !validJobName.MatchString(req.JobName) {
		return fmt.Errorf("invalid job name %q", req.JobName)
	}
	if strings.TrimSpace(req.WorkflowPaths) == "" {
		return errors.New("no workflow paths")
	}

	dir := filepath.Join(c.root, req.JobName)
	descriptor := filepath.Join(dir, jobdir.DescriptorName)
	if c.dryRun {
		log.Info().Msgf("DryRunExec write %s", descriptor)
		return nil
	}

	if _, err := os.Stat(descriptor); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(dir, 0775); err != nil {
			return fmt.Errorf("failed to create job directory: %w", err)
		}
		if err := writeDescriptor(descriptor, req); err != nil {
			return err
		}
		log.Info().Msgf("\tNew job ->\t%s", dir)
	} else if err != nil {
		return fmt.Errorf("failed to check descriptor: %w", err)
	} else {
		log.Debug().Msgf("\tDescriptor already present, keeping %s", descriptor)
	}
	return c.source.MarkSubmitted(ctx, req.ID)
}

func (c *Collector) isComplete(req models.AnalysisRequest) (bool, error) {
	_, err := os.Stat(filepath.Join(c.root, req.JobName, jobdir.MarkerComplete))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

func (c *Collector) announce(ctx context.Context, req models.AnalysisRequest) {
	to := c.admin
	if c.notifyRequesters && req.Requester != "" {
		to = req.Requester
	}
	subject := fmt.Sprintf("%s job complete: %s", c.title, req.JobName)
	body := fmt.Sprintf("Analysis %s for request %s is complete.\nResults: %s\n",
		req.JobName, req.ID, filepath.Join(c.root, req.JobName))
	if err := c.notifier.Notify(ctx, to, subject, body); err != nil {
		log.Error().Err(err).Str("job", req.JobName).Msg("failed to send completion notice")
	}
}

// writeDescriptor renders the tab-separated RUNME file, replacing it atomically.
func writeDescriptor(path string, req models.AnalysisRequest) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Written %s\n", time.Now().Format(time.RFC3339))
	for _, kv := range [][2]string{
		{"requestId", req.ID},
		{"jobName", req.JobName},
		{"workflowPaths", req.WorkflowPaths},
		{"requester", req.Requester},
		{"created", req.CreatedAt.Format(time.RFC3339)},
	} {
		fmt.Fprintf(&sb, "%s\t%s\n", kv[0], oneLine(kv[1]))
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".RUNME_*")
	if err != nil {
		return fmt.Errorf("failed to create descriptor: %w", err)
	}
	if _, err := tmp.WriteString(sb.String()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write descriptor: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write descriptor: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0664); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write descriptor: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write descriptor: %w", err)
	}
	return nil
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
