package mongo_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	mongoadapter "github.com/robertarktes/ticket-inventory-and-checkin/internal/adapters/mongo"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/domain"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func newDatabase(t *testing.T) *mongo.Database {
	t.Helper()
	if testing.Short() {
		t.Skip("needs docker")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForListeningPort("27017/tcp"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(context.Background()) })

	endpoint, err := container.Endpoint(ctx, "mongodb")
	require.NoError(t, err)
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(endpoint))
	require.NoError(t, err)
	t.Cleanup(func() { client.Disconnect(context.Background()) })
	return client.Database("tix_test")
}

func TestCatalogAndAudit(t *testing.T) {
	db := newDatabase(t)
	ctx := context.Background()
	logger := observability.NewLoggerWithOutput(io.Discard)

	catalog := mongoadapter.NewCatalogRepository(db, logger)
	event := domain.Event{
		ID:             uuid.New(),
		OrganizationID: uuid.New(),
		Name:           "Cup Final",
		Venue:          "North Stadium",
		StartsAt:       time.Date(2026, 6, 1, 19, 0, 0, 0, time.UTC),
	}
	require.NoError(t, catalog.UpsertEvent(ctx, event))

	got, err := catalog.GetEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, event.OrganizationID, got.OrganizationID)
	assert.Equal(t, event.Name, got.Name)
	assert.True(t, event.StartsAt.Equal(got.StartsAt))

	_, err = catalog.GetEvent(ctx, uuid.New())
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	audit := mongoadapter.NewAuditLogger(db, logger)
	subject := uuid.New()
	require.NoError(t, audit.Record(ctx, domain.AuditRecord{
		Action:  "scanner.revoked",
		Subject: subject,
		Data:    map[string]interface{}{"organization_id": event.OrganizationID.String()},
	}))
	n, err := db.Collection("audit_logs").CountDocuments(ctx, bson.M{"subject": subject.String(), "action": "scanner.revoked"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
