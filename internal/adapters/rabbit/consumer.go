package rabbit

import (
	"context"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/domain"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/observability"
)

const PaymentsQueue = "tix.payments"

// Consumer reads payment results published by the billing service.
type Consumer struct {
	ch     *amqp.Channel
	queue  string
	logger observability.Logger
}

func NewConsumer(conn *amqp.Connection, queue string, logger observability.Logger) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, errors.Wrapf(err, "declare queue %s", queue)
	}
	if err := ch.Qos(16, 0, false); err != nil {
		return nil, err
	}
	return &Consumer{ch: ch, queue: queue, logger: logger}, nil
}

// Run hands each delivery to handle until ctx ends. Retryable failures are
// requeued; anything else is dropped so a poison message cannot stall the queue.
func (c *Consumer) Run(ctx context.Context, handle func(ctx context.Context, body []byte) error) error {
	deliveries, err := c.ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		return errors.Wrapf(err, "consume %s", c.queue)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			err := handle(ctx, d.Body)
			switch {
			case err == nil:
				d.Ack(false)
			case domain.IsRetryable(err):
				c.logger.WithError(err).WithField("message_id", d.MessageId).Warn("requeueing payment result")
				d.Nack(false, true)
			default:
				c.logger.WithError(err).WithField("message_id", d.MessageId).Error("dropping payment result")
				d.Nack(false, false)
			}
		}
	}
}

func (c *Consumer) Close() error {
	return c.ch.Close()
}
