package rabbit

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/observability"
)

const EventsExchange = "tix.events"

// Publisher sends domain events to the topic exchange with publisher confirms.
type Publisher struct {
	ch *amqp.Channel
}

func NewPublisher(conn *amqp.Connection) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.ExchangeDeclare(EventsExchange, "topic", true, false, false, false, nil); err != nil {
		return nil, errors.Wrap(err, "declare events exchange")
	}
	if err := ch.Confirm(false); err != nil {
		return nil, errors.Wrap(err, "enable publisher confirms")
	}
	return &Publisher{ch: ch}, nil
}

// Publish retries until the broker confirms the message or ctx ends.
func (p *Publisher) Publish(ctx context.Context, key string, msg amqp.Publishing) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 50 * time.Millisecond
	eb.MaxInterval = 2 * time.Second
	eb.MaxElapsedTime = 0

	attempt := 0
	return backoff.Retry(func() error {
		if attempt > 0 {
			observability.RabbitPublishRetries.Inc()
		}
		attempt++
		dc, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, EventsExchange, key, false, false, msg)
		if err != nil {
			if errors.Is(err, amqp.ErrClosed) {
				return backoff.Permanent(err)
			}
			return err
		}
		acked, err := dc.WaitContext(ctx)
		if err != nil {
			return err
		}
		if !acked {
			return errors.Newf("broker nacked %s", key)
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(eb, 5), ctx))
}

func (p *Publisher) Close() error {
	return p.ch.Close()
}
