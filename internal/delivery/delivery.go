package delivery

import (
	"bytes"
	"context"
	"os"
	"strings"
	"time"

	"github.com/jawr/mxd/internal/logger"
	"github.com/jawr/mxd/internal/metrics"
	"github.com/jhillyerd/enmime"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Resolver finds where a domain's mail goes
type Resolver interface {
	BestMX(ctx context.Context, domain string) (string, error)
	ResolveA(ctx context.Context, host string) (string, error)
}

// Sender transfers one message to one recipient
type Sender interface {
	Deliver(ctx context.Context, mxHost, mxIP, sender, recipient string, msg []byte) error
}

type Config struct {
	Enabled         bool
	InternalDomains []string
}

// Engine relays accepted messages to the MX of every external recipient
type Engine struct {
	enabled  bool
	internal map[string]struct{}
	resolver Resolver
	sender   Sender
	log      zerolog.Logger
}

func NewEngine(cfg Config, resolver Resolver, sender Sender, log zerolog.Logger) *Engine {
	internal := make(map[string]struct{}, len(cfg.InternalDomains))
	for _, d := range cfg.InternalDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			internal[d] = struct{}{}
		}
	}

	return &Engine{
		enabled:  cfg.Enabled,
		internal: internal,
		resolver: resolver,
		sender:   sender,
		log:      log.With().Str("component", "delivery").Logger(),
	}
}

func domainOf(address string) string {
	idx := strings.LastIndex(address, "@")
	if idx < 0 {
		return "localhost"
	}
	return strings.ToLower(address[idx+1:])
}

func (e *Engine) isInternal(rcpt string) bool {
	_, ok := e.internal[domainOf(rcpt)]
	return ok
}

// External drops recipients whose domain is hosted locally
func (e *Engine) External(recipients []string) []string {
	external := make([]string, 0, len(recipients))
	for _, rcpt := range recipients {
		if e.isInternal(rcpt) {
			continue
		}
		external = append(external, rcpt)
	}
	return external
}

// Deliver sends the message at path to each external recipient. A failing
// recipient is logged and does not stop the others; only errors reading
// the message are returned.
func (e *Engine) Deliver(ctx context.Context, messageID, path, sender string, recipients []string) error {
	log := e.log.With().Str("message", messageID).Logger()

	if !e.enabled {
		log.Debug().Msg("delivery disabled")
		return nil
	}

	for _, rcpt := range recipients {
		if !e.isInternal(rcpt) {
			continue
		}
		attempt := logger.Attempt{
			MessageID: messageID,
			Recipient: rcpt,
			Outcome:   logger.OutcomeSkipped,
		}
		attempt.Log(log)
		metrics.Deliveries.WithLabelValues(attempt.Outcome.String()).Inc()
	}

	external := e.External(recipients)
	if len(external) == 0 {
		return nil
	}

	msg, err := os.ReadFile(path)
	if err != nil {
		return errors.WithMessagef(err, "ReadFile '%s'", path)
	}

	summary(log, msg)

	for _, rcpt := range external {
		attempt := e.deliverOne(ctx, messageID, sender, rcpt, msg)
		attempt.Log(log)
		metrics.Deliveries.WithLabelValues(attempt.Outcome.String()).Inc()
	}

	return nil
}

func (e *Engine) deliverOne(ctx context.Context, messageID, sender, rcpt string, msg []byte) logger.Attempt {
	start := time.Now()
	attempt := logger.Attempt{
		MessageID: messageID,
		Recipient: rcpt,
		Outcome:   logger.OutcomeFailed,
	}

	domain := domainOf(rcpt)

	mxHost, err := e.resolver.BestMX(ctx, domain)
	if err != nil {
		attempt.Err = errors.WithMessagef(err, "BestMX for '%s'", domain)
		attempt.Duration = time.Since(start)
		return attempt
	}
	attempt.MXHost = mxHost

	mxIP, err := e.resolver.ResolveA(ctx, mxHost)
	if err != nil {
		attempt.Err = errors.WithMessagef(err, "ResolveA for '%s'", mxHost)
		attempt.Duration = time.Since(start)
		return attempt
	}
	attempt.MXIP = mxIP

	if err := e.sender.Deliver(ctx, mxHost, mxIP, sender, rcpt, msg); err != nil {
		attempt.Err = err
		attempt.Duration = time.Since(start)
		return attempt
	}

	attempt.Outcome = logger.OutcomeSent
	attempt.Duration = time.Since(start)
	return attempt
}

// summary logs the subject and message id, parse errors are ignored
// since relaying does not depend on them
func summary(log zerolog.Logger, msg []byte) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(msg))
	if err != nil {
		log.Debug().Err(err).Msg("unable to parse headers")
		return
	}

	log.Info().
		Str("subject", env.GetHeader("Subject")).
		Str("message_id", env.GetHeader("Message-Id")).
		Int("bytes", len(msg)).
		Msg("relaying")
}
