package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup points the global logger at a console writer on w (stderr when nil).
// Verbose enables debug output.
func Setup(w io.Writer, verbose bool) {
	if w == nil {
		w = os.Stderr
	}
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: "2006-01-02 15:04:05"}).
		With().Timestamp().Logger()

	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// Writer adapts the global logger for libraries that want an io.Writer, such as gin and gorm.
func Writer(level zerolog.Level) io.Writer {
	return levelWriter{level: level}
}

type levelWriter struct {
	level zerolog.Level
}

func (w levelWriter) Write(p []byte) (int, error) {
	msg := string(p)
	for len(msg) > 0 && (msg[len(msg)-1] == '\n' || msg[len(msg)-1] == '\r') {
		msg = msg[:len(msg)-1]
	}
	if msg != "" {
		log.WithLevel(w.level).Msg(msg)
	}
	return len(p), nil
}
