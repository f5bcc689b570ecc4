package mongo

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/domain"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// CatalogRepository reads events owned by the catalog service.
type CatalogRepository struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewCatalogRepository(db *mongo.Database, logger observability.Logger) *CatalogRepository {
	return &CatalogRepository{
		coll:   db.Collection("events"),
		logger: logger,
	}
}

// UUIDs are stored as their string form so documents stay readable in the shell.
type EventDoc struct {
	ID             string    `bson:"_id"`
	OrganizationID string    `bson:"organization_id"`
	Name           string    `bson:"name"`
	Venue          string    `bson:"venue"`
	StartsAt       time.Time `bson:"starts_at"`
	CreatedAt      time.Time `bson:"created_at"`
	UpdatedAt      time.Time `bson:"updated_at"`
}

func (d EventDoc) toDomain() (domain.Event, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return domain.Event{}, errors.Wrapf(err, "event id %q", d.ID)
	}
	org, err := uuid.Parse(d.OrganizationID)
	if err != nil {
		return domain.Event{}, errors.Wrapf(err, "event %s organization", d.ID)
	}
	return domain.Event{ID: id, OrganizationID: org, Name: d.Name, Venue: d.Venue, StartsAt: d.StartsAt}, nil
}

func (c *CatalogRepository) GetEvent(ctx context.Context, id uuid.UUID) (domain.Event, error) {
	var doc EventDoc
	err := c.coll.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Event{}, errors.Wrapf(domain.ErrNotFound, "event %s", id)
	}
	if err != nil {
		c.logger.WithError(err).WithField("event_id", id.String()).Error("failed to get event")
		return domain.Event{}, errors.Wrapf(err, "get event %s", id)
	}
	return doc.toDomain()
}

// UpsertEvent is used by seeding tools and tests.
func (c *CatalogRepository) UpsertEvent(ctx context.Context, e domain.Event) error {
	now := time.Now().UTC()
	_, err := c.coll.UpdateOne(ctx,
		bson.M{"_id": e.ID.String()},
		bson.M{
			"$set": bson.M{
				"organization_id": e.OrganizationID.String(),
				"name":            e.Name,
				"venue":           e.Venue,
				"starts_at":       e.StartsAt,
				"updated_at":      now,
			},
			"$setOnInsert": bson.M{"created_at": now},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		c.logger.WithError(err).WithField("event_id", e.ID.String()).Error("failed to upsert event")
		return errors.Wrapf(err, "upsert event %s", e.ID)
	}
	return nil
}

func (c *CatalogRepository) Ping(ctx context.Context) error {
	return c.coll.Database().Client().Ping(ctx, nil)
}
