package mongo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/domain"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// AuditLogger appends security and ledger audit records.
type AuditLogger struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewAuditLogger(db *mongo.Database, logger observability.Logger) *AuditLogger {
	return &AuditLogger{
		coll:   db.Collection("audit_logs"),
		logger: logger,
	}
}

type AuditLog struct {
	ID        string    `bson:"_id"`
	Action    string    `bson:"action"`
	Subject   string    `bson:"subject"`
	Timestamp time.Time `bson:"timestamp"`
	Data      bson.M    `bson:"data"`
}

func (a *AuditLogger) Record(ctx context.Context, rec domain.AuditRecord) error {
	log := AuditLog{
		ID:        uuid.NewString(),
		Action:    rec.Action,
		Subject:   rec.Subject.String(),
		Timestamp: time.Now().UTC(),
		Data:      bson.M(rec.Data),
	}
	if _, err := a.coll.InsertOne(ctx, log); err != nil {
		a.logger.WithError(err).WithField("action", rec.Action).Error("failed to insert audit log")
		return err
	}
	return nil
}
