package queue

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ErrClosed is returned when enqueueing on a stopped queue
var ErrClosed = errors.New("queue closed")

// Task is an accepted message waiting for delivery and archival
type Task struct {
	ID         uuid.UUID
	Path       string
	Sender     string
	Recipients []string
	Size       int64
}

// Dispatcher hands tasks to workers asynchronously, at least once
type Dispatcher interface {
	Enqueue(ctx context.Context, task Task) error
}

// Handler processes a single task
type Handler interface {
	Handle(ctx context.Context, task Task) error
}

type HandlerFunc func(ctx context.Context, task Task) error

func (f HandlerFunc) Handle(ctx context.Context, task Task) error {
	return f(ctx, task)
}

// Memory runs tasks on a fixed pool of goroutines
type Memory struct {
	tasks   chan Task
	handler Handler
	workers int
	log     zerolog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewMemory(workers, backlog int, handler Handler, log zerolog.Logger) *Memory {
	if workers < 1 {
		workers = 1
	}
	if backlog < 0 {
		backlog = 0
	}

	return &Memory{
		tasks:   make(chan Task, backlog),
		handler: handler,
		workers: workers,
		log:     log.With().Str("component", "queue").Logger(),
	}
}

// Run blocks processing tasks until ctx is done and the backlog drained
func (m *Memory) Run(ctx context.Context) error {
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for task := range m.tasks {
				if err := m.handler.Handle(context.Background(), task); err != nil {
					m.log.Error().Err(err).Str("message", task.ID.String()).Msg("task failed")
				}
			}
		}()
	}

	<-ctx.Done()
	m.Close()
	m.wg.Wait()

	return nil
}

func (m *Memory) Enqueue(ctx context.Context, task Task) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}

	select {
	case m.tasks <- task:
		m.log.Debug().Str("message", task.ID.String()).Msg("queued")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	close(m.tasks)
}
