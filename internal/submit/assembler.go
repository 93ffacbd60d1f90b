package submit

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"autoanalysis/internal/executor"
	"autoanalysis/internal/jobdir"

	"github.com/rs/zerolog/log"
)

// DefaultNice is the scheduler priority modifier applied to every submission.
const DefaultNice = 10000

// Job is a transferred job ready to be handed to the scheduler.
type Job struct {
	Name   string   `json:"name"`
	Dir    string   `json:"dir"`
	Files  []string `json:"files"`
	Script string   `json:"script"`
}

// Assembler stages workflow files and builds submission commands.
type Assembler struct {
	submitCommand string
	nice          int
	dryRun        bool
}

// NewAssembler creates an assembler. In dry-run mode files are resolved but not copied.
func NewAssembler(submitCommand string, nice int, dryRun bool) *Assembler {
	if submitCommand == "" {
		submitCommand = "sbatch"
	}
	if nice <= 0 {
		nice = DefaultNice
	}
	return &Assembler{submitCommand: submitCommand, nice: nice, dryRun: dryRun}
}

// Prepare reads the job's descriptor, resolves its workflow files and copies them into dir.
func (a *Assembler) Prepare(dir string) (*Job, error) {
	desc, err := ReadDescriptor(filepath.Join(dir, jobdir.DescriptorName))
	if err != nil {
		return nil, err
	}
	files, err := ResolveWorkflowFiles(desc.WorkflowPaths)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", desc.Path, err)
	}
	script, err := FindScript(files)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", desc.Path, err)
	}

	job := &Job{Name: filepath.Base(dir), Dir: dir, Script: filepath.Base(script)}
	for _, f := range files {
		job.Files = append(job.Files, filepath.Base(f))
	}

	if a.dryRun {
		log.Info().Msgf("DryRunExec stage %d workflow files into %s", len(files), dir)
		return job, nil
	}
	for _, f := range files {
		if err := copyFile(f, filepath.Join(dir, filepath.Base(f))); err != nil {
			return nil, err
		}
	}
	return job, nil
}

// Command submits the job script at low priority and drops the QUEUED marker.
func (a *Assembler) Command(job *Job) executor.Command {
	return executor.Script(
		"set -e",
		"cd "+executor.Quote(job.Dir),
		fmt.Sprintf("%s --nice=%d -J %s %s", a.submitCommand, a.nice,
			executor.Quote(job.Name+"_AutoAnalysis"), executor.Quote(job.Script)),
		"touch "+jobdir.MarkerQueued,
	)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", src, err)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}
