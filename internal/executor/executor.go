package executor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DefaultRetryDelay is the fixed pause between attempts of a failing command.
const DefaultRetryDelay = 5 * time.Minute

// ErrNoTempDir is returned when a script command runs on an executor without a temp directory.
var ErrNoTempDir = errors.New("script command requires a temp directory")

// Options configures an Executor.
type Options struct {
	// Retries is the retry budget R; a command is attempted at most R+1 times.
	Retries int
	// Delay is slept between a failed attempt and the next one.
	Delay time.Duration
	// TempDir receives rendered script files. Required for script commands.
	TempDir string
	// Shell interprets script files. Defaults to /bin/bash.
	Shell string
	// DryRun prints side-effecting commands instead of running them.
	DryRun bool
}

// Executor runs commands with a fixed-delay retry policy.
type Executor struct {
	retries int
	delay   time.Duration
	tempDir string
	shell   string
	dryRun  bool

	sleep func(ctx context.Context, d time.Duration) error
}

// Result contains the outcome of one command.
type Result struct {
	Command  string   `json:"command"`
	ExitCode int      `json:"exit_code"`
	Output   []string `json:"output,omitempty"`
	Attempts int      `json:"attempts"`
	Failed   bool     `json:"failed"`
	Error    string   `json:"error,omitempty"`
}

// ExecError reports a command that never exited 0.
type ExecError struct {
	Command  string
	Attempts int
	ExitCode int
	Output   []string
	Script   string
	Err      error
}

func (e *ExecError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "problem running -> %s\nfailed to complete after %d tries (exit code %d)", e.Command, e.Attempts, e.ExitCode)
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %v", e.Err)
	}
	if e.Script != "" {
		fmt.Fprintf(&sb, "\nscript left at %s", e.Script)
	}
	if len(e.Output) > 0 {
		fmt.Fprintf(&sb, "\n%s", strings.Join(e.Output, "\n"))
	}
	return sb.String()
}

func (e *ExecError) Unwrap() error { return e.Err }

// NewExecutor creates a new executor. The temp directory is created if missing.
func NewExecutor(opts Options) (*Executor, error) {
	if opts.Retries < 0 {
		return nil, fmt.Errorf("retry budget must not be negative: %d", opts.Retries)
	}
	if opts.TempDir != "" {
		if err := os.MkdirAll(opts.TempDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create temp directory: %w", err)
		}
	}
	shell := opts.Shell
	if shell == "" {
		shell = "/bin/bash"
	}
	return &Executor{
		retries: opts.Retries,
		delay:   opts.Delay,
		tempDir: opts.TempDir,
		shell:   shell,
		dryRun:  opts.DryRun,
		sleep:   sleepContext,
	}, nil
}

// Retries returns the configured retry budget.
func (e *Executor) Retries() int { return e.retries }

// DryRun reports whether side-effecting commands are only printed.
func (e *Executor) DryRun() bool { return e.dryRun }

// Run executes cmd up to Retries+1 times, stopping at the first zero exit code.
// The returned Result is never nil; err is an *ExecError when every attempt failed.
func (e *Executor) Run(ctx context.Context, cmd Command) (*Result, error) {
	line := cmd.String()
	result := &Result{Command: line, ExitCode: -1}

	if e.dryRun && !cmd.ReadOnly {
		log.Info().Msgf("DryRunExec\t%s", strings.ReplaceAll(line, "\n", "; "))
		result.ExitCode = 0
		return result, nil
	}

	argv := cmd.Args
	script := ""
	if cmd.Kind == KindScript {
		path, err := e.writeScript(cmd)
		if err != nil {
			result.Failed = true
			result.Error = err.Error()
			return result, &ExecError{Command: line, ExitCode: -1, Err: err}
		}
		script = path
		argv = []string{e.shell, path}
	}
	if len(argv) == 0 {
		err := errors.New("empty command")
		result.Failed = true
		result.Error = err.Error()
		return result, &ExecError{Command: line, ExitCode: -1, Err: err}
	}

	log.Debug().Msgf("Executing:\n%s", line)

	var lastErr error
	for attempt := 1; attempt <= e.retries+1; attempt++ {
		result.Attempts = attempt
		exitCode, output, err := execute(ctx, argv)
		result.ExitCode = exitCode
		result.Output = output
		lastErr = err

		if exitCode == 0 {
			log.Debug().Msgf("Complete:\n%s", strings.Join(output, ","))
			if script != "" {
				if err := os.Remove(script); err != nil {
					log.Warn().Err(err).Str("script", script).Msg("failed to remove temp script")
				}
			}
			return result, nil
		}
		if attempt > e.retries {
			break
		}
		log.Debug().Msgf("Exit code %d, waiting %v and retrying (attempt %d/%d)", exitCode, e.delay, attempt, e.retries+1)
		if err := e.sleep(ctx, e.delay); err != nil {
			lastErr = err
			break
		}
	}

	execErr := &ExecError{
		Command:  line,
		Attempts: result.Attempts,
		ExitCode: result.ExitCode,
		Output:   result.Output,
		Script:   script,
		Err:      lastErr,
	}
	result.Failed = true
	result.Error = execErr.Error()
	return result, execErr
}

// writeScript renders cmd into a fresh executable file under the temp directory.
func (e *Executor) writeScript(cmd Command) (string, error) {
	if e.tempDir == "" {
		return "", ErrNoTempDir
	}
	f, err := os.CreateTemp(e.tempDir, "tempFile_"+uuid.New().String()+"_*.sh")
	if err != nil {
		return "", fmt.Errorf("failed to create temp script: %w", err)
	}
	path := f.Name()
	if _, err := f.WriteString(cmd.Body()); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to write temp script: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to close temp script: %w", err)
	}
	if err := os.Chmod(path, 0755); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to make temp script executable: %w", err)
	}
	return path, nil
}

// execute runs argv once with stdout and stderr merged.
func execute(ctx context.Context, argv []string) (int, []string, error) {
	var buf bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	output := splitLines(buf.Bytes())
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
			return exitErr.ExitCode(), output, err
		}
		// Context cancellation, missing binary, or death by signal
		return -1, output, err
	}
	return 0, output, nil
}

func splitLines(b []byte) []string {
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(b))
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
