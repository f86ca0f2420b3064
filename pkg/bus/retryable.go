package bus

import (
	"context"
	"time"

	"soundfleet/pkg/logging"
)

const (
	defaultInitialReconnectDelay = 5 * time.Second
	defaultMaxReconnectDelay     = 60 * time.Second
)

// RetryableConsumer keeps a Consumer running across broker outages.
// The reconnect delay doubles from InitialDelay up to MaxDelay and
// resets once a connection survives past the initial delay.
type RetryableConsumer struct {
	consumer     *Consumer
	logger       logging.Logger
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// NewRetryableConsumer wraps a consumer with a reconnect loop
func NewRetryableConsumer(consumer *Consumer, logger logging.Logger) *RetryableConsumer {
	return &RetryableConsumer{
		consumer:     consumer,
		logger:       logger,
		InitialDelay: defaultInitialReconnectDelay,
		MaxDelay:     defaultMaxReconnectDelay,
	}
}

// Run consumes until the context is cancelled, reconnecting on failure
func (rc *RetryableConsumer) Run(ctx context.Context) error {
	delay := rc.InitialDelay

	for {
		started := time.Now()
		err := rc.consumer.Start(ctx)
		if ctx.Err() != nil {
			return nil
		}

		// A session that outlived the initial delay was a real
		// connection, so back off from the start again.
		if time.Since(started) > rc.InitialDelay {
			delay = rc.InitialDelay
		}

		rc.logger.WithError(err).WithFields(logging.Fields{
			"retry_in": delay.String(),
		}).Warn("Consumer stopped, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > rc.MaxDelay {
			delay = rc.MaxDelay
		}
	}
}
