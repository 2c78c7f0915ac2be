package queue

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type Deliverer interface {
	Deliver(ctx context.Context, messageID, path, sender string, recipients []string) error
}

type Archiver interface {
	Archive(path string) (string, error)
}

// Worker relays a stored message and then marks it seen. Relay failures
// never block the archive step.
type Worker struct {
	deliverer Deliverer
	archiver  Archiver
	log       zerolog.Logger
}

func NewWorker(deliverer Deliverer, archiver Archiver, log zerolog.Logger) *Worker {
	return &Worker{
		deliverer: deliverer,
		archiver:  archiver,
		log:       log.With().Str("component", "worker").Logger(),
	}
}

func (w *Worker) Handle(ctx context.Context, task Task) error {
	start := time.Now()
	log := w.log.With().Str("message", task.ID.String()).Logger()

	log.Info().
		Str("from", task.Sender).
		Strs("rcpts", task.Recipients).
		Int64("size", task.Size).
		Msg("processing")

	if err := w.deliverer.Deliver(ctx, task.ID.String(), task.Path, task.Sender, task.Recipients); err != nil {
		return errors.WithMessage(err, "Deliver")
	}

	curPath, err := w.archiver.Archive(task.Path)
	if err != nil {
		return errors.WithMessage(err, "Archive")
	}

	log.Info().Str("path", curPath).Dur("took", time.Since(start)).Msg("archived")

	return nil
}
