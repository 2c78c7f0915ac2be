package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// New builds the root logger. format is either "json" or "console".
func New(w io.Writer, level, format string) (zerolog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Nop(), errors.WithMessagef(err, "ParseLevel '%s'", level)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	switch format {
	case "", "json":
	case "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	default:
		return zerolog.Nop(), errors.Errorf("unknown log format '%s'", format)
	}

	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

type Outcome int

const (
	OutcomeSent Outcome = iota
	OutcomeSkipped
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "failed"
	}
}

// Attempt is one outbound delivery of a message to one recipient. Attempts
// are not persisted, logging them is the record.
type Attempt struct {
	MessageID string
	Recipient string
	MXHost    string
	MXIP      string
	Outcome   Outcome
	Err       error
	Duration  time.Duration
}

func (a Attempt) Log(l zerolog.Logger) {
	ev := l.Info()
	if a.Outcome == OutcomeFailed {
		ev = l.Warn().Err(a.Err)
	}

	ev.
		Str("message", a.MessageID).
		Str("rcpt", a.Recipient).
		Str("mx", a.MXHost).
		Str("ip", a.MXIP).
		Str("outcome", a.Outcome.String()).
		Dur("took", a.Duration).
		Msg("delivery attempt")
}
