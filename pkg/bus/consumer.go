package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"soundfleet/pkg/logging"
	"soundfleet/pkg/models"
)

// Outcome is the handler's verdict on a delivery
type Outcome int

const (
	// Done acknowledges the delivery
	Done Outcome = iota
	// Requeue rejects the delivery and puts it back on the queue
	Requeue
	// Drop rejects the delivery without requeueing
	Drop
)

// Handler processes one task and decides its fate
type Handler func(ctx context.Context, task models.TaskMessage) Outcome

// Consumer pulls task messages off the queue with manual acknowledgement.
// Prefetch bounds the number of unacknowledged deliveries in flight.
type Consumer struct {
	cfg     Config
	handler Handler
	logger  logging.Logger
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewConsumer creates a consumer; the connection is established by Start
func NewConsumer(cfg Config, handler Handler, logger logging.Logger) *Consumer {
	return &Consumer{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
	}
}

func (c *Consumer) connect() error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := declareTopology(channel, c.cfg); err != nil {
		channel.Close()
		conn.Close()
		return err
	}

	prefetch := c.cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := channel.Qos(prefetch, 0, false); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	c.conn = conn
	c.channel = channel

	c.logger.WithFields(logging.Fields{
		"queue":    c.cfg.Queue,
		"prefetch": prefetch,
	}).Info("Broker consumer connected")

	return nil
}

// Start connects and consumes until the context is cancelled or the
// connection drops. Callers wanting automatic reconnection wrap this in
// a RetryableConsumer.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.connect(); err != nil {
		return err
	}
	defer c.Close()

	deliveries, err := c.channel.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming from %s: %w", c.cfg.Queue, err)
	}

	closed := c.conn.NotifyClose(make(chan *amqp.Error, 1))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-closed:
			if amqpErr != nil {
				return fmt.Errorf("broker connection lost: %w", amqpErr)
			}
			return errors.New("broker connection closed")
		case delivery, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.dispatch(ctx, delivery)
		}
	}
}

// dispatch decodes one delivery and applies the handler's outcome.
// Malformed payloads are dropped; a requeued message will be redelivered
// to this or another worker.
func (c *Consumer) dispatch(ctx context.Context, delivery amqp.Delivery) {
	var task models.TaskMessage
	if err := json.Unmarshal(delivery.Body, &task); err != nil {
		c.logger.WithError(err).Error("Dropping malformed task message")
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			c.logger.WithError(nackErr).Error("Failed to nack malformed message")
		}
		return
	}

	outcome := c.safeHandle(ctx, task)

	var err error
	switch outcome {
	case Done:
		err = delivery.Ack(false)
	case Requeue:
		err = delivery.Nack(false, true)
	case Drop:
		err = delivery.Nack(false, false)
	}
	if err != nil {
		c.logger.WithError(err).WithFields(logging.Fields{
			"task_id": task.TaskID,
		}).Error("Failed to settle delivery")
	}
}

// safeHandle shields the consume loop from handler panics. A panic is
// a failed attempt, not a verdict on the message, so the delivery goes
// back on the queue for another try.
func (c *Consumer) safeHandle(ctx context.Context, task models.TaskMessage) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.WithFields(logging.Fields{
				"task_id": task.TaskID,
				"panic":   r,
			}).Error("Task handler panic")
			outcome = Requeue
		}
	}()
	return c.handler(ctx, task)
}

// HealthCheck verifies the connection is open
func (c *Consumer) HealthCheck() error {
	if c.conn == nil || c.conn.IsClosed() {
		return errors.New("broker connection closed")
	}
	return nil
}

// Close shuts down the channel and connection
func (c *Consumer) Close() {
	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
