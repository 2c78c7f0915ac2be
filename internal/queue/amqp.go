package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/isayme/go-amqp-reconnect/rabbitmq"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
)

// Publisher is the subset of *rabbitmq.Channel used to enqueue
type Publisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQP dispatches tasks as JSON onto a durable queue, consumed by Consume
type AMQP struct {
	conn      *rabbitmq.Connection
	publisher Publisher
	queue     string
	log       zerolog.Logger

	// channels are not safe for concurrent publishing
	mu         sync.Mutex
	bufferPool sync.Pool
}

// DialAMQP connects to url, declaring queue as durable
func DialAMQP(url, queue string, log zerolog.Logger) (*AMQP, error) {
	conn, err := rabbitmq.Dial(url)
	if err != nil {
		return nil, errors.WithMessage(err, "rabbitmq.Dial")
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.WithMessage(err, "Channel")
	}

	_, err = ch.QueueDeclare(
		queue,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		conn.Close()
		return nil, errors.WithMessage(err, "QueueDeclare")
	}

	a := newAMQP(ch, queue, log)
	a.conn = conn

	return a, nil
}

func newAMQP(publisher Publisher, queue string, log zerolog.Logger) *AMQP {
	return &AMQP{
		publisher: publisher,
		queue:     queue,
		log:       log.With().Str("component", "amqp").Str("queue", queue).Logger(),
		bufferPool: sync.Pool{
			New: func() interface{} {
				return new(bytes.Buffer)
			},
		},
	}
}

func (a *AMQP) Enqueue(ctx context.Context, task Task) error {
	b := a.bufferPool.Get().(*bytes.Buffer)
	defer a.bufferPool.Put(b)
	b.Reset()

	if err := json.NewEncoder(b).Encode(&task); err != nil {
		return errors.WithMessage(err, "Encode")
	}

	msg := amqp.Publishing{
		MessageId:    task.ID.String(),
		Timestamp:    time.Now(),
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         b.Bytes(),
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	err := a.publisher.Publish(
		"",
		a.queue,
		false, // mandatory
		false, // immediate
		msg,
	)
	if err != nil {
		return errors.WithMessage(err, "Publish")
	}

	a.log.Debug().Str("message", task.ID.String()).Msg("queued")

	return nil
}

// Consume runs handler for each delivery on a fresh channel until ctx
// is done. Deliveries are acked once handled, failures included, since
// tasks are single attempt.
func (a *AMQP) Consume(ctx context.Context, name string, handler Handler) error {
	if a.conn == nil {
		return errors.New("not connected")
	}

	ch, err := a.conn.Channel()
	if err != nil {
		return errors.WithMessage(err, "Channel")
	}
	defer ch.Close()

	if err := ch.Qos(1, 0, false); err != nil {
		return errors.WithMessage(err, "Qos")
	}

	deliveries, err := ch.Consume(
		a.queue,
		name,
		false, // autoack
		false, // exclusive
		false, // nolocal
		false, // nowait
		nil,
	)
	if err != nil {
		return errors.WithMessage(err, "Consume")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-deliveries:
			if !ok {
				return nil
			}
			a.handle(ctx, msg, handler)
		}
	}
}

// acknowledger is implemented by amqp.Delivery
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

func (a *AMQP) handle(ctx context.Context, msg amqp.Delivery, handler Handler) {
	a.handleBody(ctx, msg.Body, &msg, handler)
}

func (a *AMQP) handleBody(ctx context.Context, body []byte, ack acknowledger, handler Handler) {
	var task Task
	if err := json.Unmarshal(body, &task); err != nil {
		a.log.Error().Err(err).Msg("unable to decode task")
		ack.Nack(false, false)
		return
	}

	if err := handler.Handle(ctx, task); err != nil {
		a.log.Error().Err(err).Str("message", task.ID.String()).Msg("task failed")
	}

	if err := ack.Ack(false); err != nil {
		a.log.Error().Err(err).Str("message", task.ID.String()).Msg("ack failed")
	}
}

func (a *AMQP) Close() error {
	if a.conn == nil {
		return nil
	}
	return a.conn.Close()
}
