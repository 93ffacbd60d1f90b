package notify

import (
	"context"
	"fmt"
	"strings"

	"autoanalysis/internal/executor"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Notifier sends a message to an address.
type Notifier interface {
	Notify(ctx context.Context, to, subject, body string) error
}

// Runner executes a single command.
type Runner interface {
	Run(ctx context.Context, cmd executor.Command) (*executor.Result, error)
}

// Mailer pipes an RFC 822 message into a sendmail-compatible program.
type Mailer struct {
	runner  Runner
	command string
	from    string
}

// NewMailer creates a mailer. The runner should not retry; a lost notice is not worth a five minute stall.
func NewMailer(runner Runner, command, from string) *Mailer {
	if command == "" {
		command = "sendmail"
	}
	return &Mailer{runner: runner, command: command, from: from}
}

// Message renders the mail command as a heredoc script.
func (m *Mailer) Message(to, subject, body string) executor.Command {
	delim := "MAIL_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	lines := []string{
		fmt.Sprintf("%s %s <<'%s'", m.command, executor.Quote(to), delim),
		"Subject: " + oneLine(subject),
		"From: " + m.from,
		"To: " + to,
		"",
	}
	lines = append(lines, strings.Split(strings.TrimRight(body, "\n"), "\n")...)
	lines = append(lines, delim)
	return executor.Script(lines...)
}

// Notify sends the message.
func (m *Mailer) Notify(ctx context.Context, to, subject, body string) error {
	log.Info().Str("to", to).Str("subject", subject).Msg("Emailing notification...")
	if _, err := m.runner.Run(ctx, m.Message(to, subject, body)); err != nil {
		return fmt.Errorf("failed to send notification to %s: %w", to, err)
	}
	return nil
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// LogNotifier writes notifications to the log only.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, to, subject, body string) error {
	log.Info().Str("to", to).Str("subject", subject).Msg(body)
	return nil
}
