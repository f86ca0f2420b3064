package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"soundfleet/pkg/logging"
	"soundfleet/pkg/models"
)

// Config holds the broker topology shared by publishers and consumers
type Config struct {
	URL               string
	Exchange          string
	Queue             string
	RoutingKeyBinding string
	RoutingKeyPrefix  string
	MessageTTL        time.Duration
	Prefetch          int
}

// DefaultConfig returns the standard analysis topology
func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		Exchange:          "analysis_exchange",
		Queue:             "analysis_tasks",
		RoutingKeyBinding: "analysis.#",
		RoutingKeyPrefix:  "analysis",
		Prefetch:          1,
	}
}

// Publisher publishes task messages to the analysis exchange. A broken
// channel is reset on the next publish rather than eagerly reconnected.
type Publisher struct {
	cfg     Config
	logger  logging.Logger
	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewPublisher connects and declares the exchange/queue topology
func NewPublisher(cfg Config, logger logging.Logger) (*Publisher, error) {
	p := &Publisher{
		cfg:    cfg,
		logger: logger,
	}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) connect() error {
	conn, err := amqp.Dial(p.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := declareTopology(channel, p.cfg); err != nil {
		channel.Close()
		conn.Close()
		return err
	}

	p.conn = conn
	p.channel = channel

	p.logger.WithFields(logging.Fields{
		"exchange": p.cfg.Exchange,
		"queue":    p.cfg.Queue,
	}).Info("Broker publisher connected")

	return nil
}

// declareTopology declares the durable exchange, queue and binding
func declareTopology(channel *amqp.Channel, cfg Config) error {
	if err := channel.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", cfg.Exchange, err)
	}

	var args amqp.Table
	if cfg.MessageTTL > 0 {
		args = amqp.Table{"x-message-ttl": cfg.MessageTTL.Milliseconds()}
	}
	if _, err := channel.QueueDeclare(cfg.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", cfg.Queue, err)
	}

	binding := cfg.RoutingKeyBinding
	if binding == "" {
		binding = "analysis.#"
	}
	if err := channel.QueueBind(cfg.Queue, binding, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", cfg.Queue, err)
	}

	return nil
}

// reset drops the broken connection so the next publish redials
func (p *Publisher) reset() {
	if p.channel != nil {
		p.channel.Close()
		p.channel = nil
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

// Publish sends a JSON payload with persistent delivery
func (p *Publisher) Publish(ctx context.Context, routingKey string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel == nil {
		if err := p.connect(); err != nil {
			return err
		}
	}

	err = p.channel.PublishWithContext(ctx, p.cfg.Exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		p.reset()
		return fmt.Errorf("failed to publish to %s: %w", routingKey, err)
	}

	return nil
}

// PublishTask publishes an analysis task routed by its method id
func (p *Publisher) PublishTask(ctx context.Context, task models.TaskMessage) error {
	return p.Publish(ctx, p.TaskRoutingKey(task.MethodID), task)
}

// TaskRoutingKey builds the routing key for a method id
func (p *Publisher) TaskRoutingKey(methodID string) string {
	prefix := p.cfg.RoutingKeyPrefix
	if prefix == "" {
		prefix = "analysis"
	}
	if methodID == "" {
		methodID = "default"
	}
	return prefix + "." + methodID
}

// HealthCheck verifies the connection is open
func (p *Publisher) HealthCheck() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil || p.conn.IsClosed() {
		return errors.New("broker connection closed")
	}
	return nil
}

// Close shuts down the channel and connection
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
	p.logger.Info("Broker publisher closed")
}
