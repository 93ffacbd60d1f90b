package executor

import (
	"strings"
)

// Kind names how a Command is handed to the operating system.
type Kind string

const (
	// KindArgv runs Args directly as a process.
	KindArgv Kind = "argv"
	// KindScript renders Lines into a temporary shell script and runs it.
	// Needed whenever an invocation relies on pipes, redirection or heredocs.
	KindScript Kind = "script"
)

// Command is one OS-level invocation.
type Command struct {
	Kind  Kind
	Args  []string
	Lines []string

	// ReadOnly commands have no side effects and still run in dry-run mode.
	ReadOnly bool
}

// Argv builds a direct process invocation.
func Argv(args ...string) Command {
	return Command{Kind: KindArgv, Args: args}
}

// Script builds a compound shell command from a sequence of statements.
func Script(lines ...string) Command {
	return Command{Kind: KindScript, Lines: lines}
}

// AsReadOnly marks the command as safe to run during a dry run.
func (c Command) AsReadOnly() Command {
	c.ReadOnly = true
	return c
}

// String renders the command the way it would be typed at a shell.
func (c Command) String() string {
	if c.Kind == KindScript {
		return strings.Join(c.Lines, "\n")
	}
	return strings.Join(c.Args, " ")
}

// Body is the text written to a temp script file.
func (c Command) Body() string {
	return "#!/usr/bin/env bash\n" + strings.Join(c.Lines, "\n") + "\n"
}

// Quote single-quotes s for safe use inside a shell statement.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
