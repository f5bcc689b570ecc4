package outbox

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/adapters/memory"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/domain"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	failAfter int
	keys      []string
	msgs      []amqp.Publishing
}

func (s *recordingSink) Publish(ctx context.Context, key string, msg amqp.Publishing) error {
	if s.failAfter >= 0 && len(s.keys) >= s.failAfter {
		return errors.New("broker unavailable")
	}
	s.keys = append(s.keys, key)
	s.msgs = append(s.msgs, msg)
	return nil
}

func seed(t *testing.T, store *memory.Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		ev := domain.NewOutboxEvent("order", uuid.New(), "order.created", map[string]interface{}{"n": i})
		require.NoError(t, store.InsertOrder(context.Background(), domain.Order{ID: ev.AggregateID}, ev))
	}
}

func TestFlush_PublishesInOrderOnce(t *testing.T) {
	store := memory.NewStore(time.Second)
	seed(t, store, 3)
	sink := &recordingSink{failAfter: -1}
	p := NewPublisher(store, sink, observability.NewLoggerWithOutput(io.Discard), 2)

	n, err := p.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = p.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = p.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	require.Len(t, sink.msgs, 3)
	events := store.OutboxEvents()
	for i, msg := range sink.msgs {
		assert.Equal(t, events[i].ID.String(), msg.MessageId)
		assert.Equal(t, "order.created", sink.keys[i])
		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(msg.Body, &body))
		assert.Equal(t, "order.created", body["type"])
		assert.Equal(t, float64(i), body["data"].(map[string]interface{})["n"])
	}
}

func TestFlush_FailureLeavesRestForNextRun(t *testing.T) {
	store := memory.NewStore(time.Second)
	seed(t, store, 3)
	sink := &recordingSink{failAfter: 1}
	p := NewPublisher(store, sink, observability.NewLoggerWithOutput(io.Discard), 10)

	n, err := p.Flush(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, n)

	sink.failAfter = -1
	n, err = p.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, sink.msgs, 3)
}
