package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/domain"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/observability"
)

// Source hands out unpublished events and marks the accepted ones published.
type Source interface {
	DrainOutbox(ctx context.Context, limit int, publish func(domain.OutboxEvent) error) (int, error)
}

type Sink interface {
	Publish(ctx context.Context, key string, msg amqp.Publishing) error
}

type Publisher struct {
	source    Source
	sink      Sink
	logger    observability.Logger
	batchSize int
	now       func() time.Time
}

func NewPublisher(source Source, sink Sink, logger observability.Logger, batchSize int) *Publisher {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Publisher{source: source, sink: sink, logger: logger, batchSize: batchSize, now: time.Now}
}

func (p *Publisher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Keep draining while batches come back full.
			for {
				n, err := p.Flush(ctx)
				if err != nil {
					p.logger.WithError(err).Warn("outbox relay stopped early")
					break
				}
				if n < p.batchSize {
					break
				}
			}
		}
	}
}

// Flush relays one batch and returns how many events were published.
func (p *Publisher) Flush(ctx context.Context) (int, error) {
	var lag time.Duration
	n, err := p.source.DrainOutbox(ctx, p.batchSize, func(ev domain.OutboxEvent) error {
		body, err := json.Marshal(map[string]interface{}{
			"id":             ev.ID,
			"aggregate_type": ev.AggregateType,
			"aggregate_id":   ev.AggregateID,
			"type":           ev.EventType,
			"occurred_at":    ev.CreatedAt,
			"data":           ev.Payload,
		})
		if err != nil {
			return errors.Wrapf(err, "encode %s", ev.EventType)
		}
		msg := amqp.Publishing{
			MessageId:    ev.ID.String(),
			Type:         ev.EventType,
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    ev.CreatedAt,
			Body:         body,
		}
		if err := p.sink.Publish(ctx, ev.EventType, msg); err != nil {
			return err
		}
		if d := p.now().Sub(ev.CreatedAt); d > lag {
			lag = d
		}
		return nil
	})
	if n > 0 {
		observability.OutboxLag.Set(lag.Seconds())
		p.logger.WithField("published", n).Debug("outbox batch relayed")
	}
	return n, err
}
