package transfer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"autoanalysis/internal/executor"
	"autoanalysis/internal/jobdir"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Remote is the submission side as seen from the execution host.
type Remote struct {
	// Host is the ssh/rsync target, usually user@host.
	Host string
	// Root is the submission-side job root, always ending in "/".
	Root string
}

// NewRemote normalises root to end in a slash.
func NewRemote(host, root string) Remote {
	if !strings.HasSuffix(root, "/") {
		root += "/"
	}
	return Remote{Host: host, Root: root}
}

// JobPath is the submission-side directory for a job name.
func (r Remote) JobPath(name string) string {
	return r.Root + name
}

// ListCommand enumerates one level below every job directory on the remote root.
// An empty root makes find exit non-zero, hence the trailing "|| true".
// It costs an ssh login, so a dry run only prints it.
func (r Remote) ListCommand() executor.Command {
	return executor.Argv("ssh", r.Host, "find", "-L", r.Root+"*", "-maxdepth", "1", "||", "true")
}

// PullCommands copies each remote job into localRoot, following symlinks.
func (r Remote) PullCommands(names []string, localRoot string) []executor.Command {
	cmds := make([]executor.Command, 0, len(names))
	for _, name := range names {
		cmds = append(cmds, executor.Argv("rsync", "-rLt", "--size-only",
			r.Host+":"+r.JobPath(name)+"/",
			filepath.Join(localRoot, name)+"/"))
	}
	return cmds
}

// PushCommands copies each local job directory back over its remote counterpart.
func (r Remote) PushCommands(jobs []jobdir.JobDirectory) []executor.Command {
	cmds := make([]executor.Command, 0, len(jobs))
	for _, job := range jobs {
		cmds = append(cmds, executor.Argv("rsync", "-rt", "--size-only",
			strings.TrimSuffix(job.Path, "/")+"/",
			r.Host+":"+r.JobPath(job.Name)+"/"))
	}
	return cmds
}

// PurgeCommand empties every named remote job directory through a single ssh session.
// The remote host locks out bursts of ssh logins, so the deletes are never split per job.
// It returns false when there is nothing to purge.
func (r Remote) PurgeCommand(names []string) (executor.Command, bool) {
	if len(names) == 0 {
		return executor.Command{}, false
	}
	delim := "PURGE_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	lines := []string{fmt.Sprintf("ssh -T %s /bin/bash <<'%s'", executor.Quote(r.Host), delim)}
	for _, name := range names {
		lines = append(lines, fmt.Sprintf("rm -rf %s/*", executor.Quote(r.JobPath(name))))
	}
	lines = append(lines, delim)
	return executor.Script(lines...), true
}

// Discover picks the new jobs out of the remote listing: descriptors without a sibling
// COMPLETE marker whose name is not already present under localRoot.
func Discover(lines []string, localRoot string) ([]string, error) {
	complete := make(map[string]bool)
	var descriptors []string
	for _, l := range lines {
		l = strings.TrimSpace(l)
		switch {
		case strings.HasSuffix(l, jobdir.MarkerComplete):
			complete[l] = true
		case strings.HasSuffix(l, jobdir.DescriptorName):
			descriptors = append(descriptors, l)
		}
	}

	seen := make(map[string]bool)
	var names []string
	for _, path := range descriptors {
		marker := strings.TrimSuffix(path, jobdir.DescriptorName) + jobdir.MarkerComplete
		if complete[marker] {
			continue
		}
		segments := strings.Split(path, "/")
		if len(segments) < 2 {
			continue
		}
		name := segments[len(segments)-2]
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		log.Debug().Msgf("\tRemote job\t%s", path)

		_, err := os.Stat(filepath.Join(localRoot, name))
		switch {
		case err == nil:
			log.Debug().Msgf("\t\tAlready exists, skipping %s", name)
		case errors.Is(err, os.ErrNotExist):
			log.Debug().Msgf("\t\tNew job for transfer %s", name)
			names = append(names, name)
		default:
			return nil, fmt.Errorf("failed to check local job %s: %w", name, err)
		}
	}
	return names, nil
}
