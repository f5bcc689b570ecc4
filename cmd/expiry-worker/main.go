package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/adapters/crdb"
	mongoadapter "github.com/robertarktes/ticket-inventory-and-checkin/internal/adapters/mongo"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/config"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/engine"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/observability"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/orders"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdownOtel, err := observability.SetupOTel(context.Background(), cfg, "tix-expiry-worker")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLogger()

	pool, err := pgxpool.New(context.Background(), cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool, crdb.Options{MaxRetries: cfg.LockMaxRetries, LockTimeout: cfg.LockTimeout})

	mongoClient, err := mongo.Connect(context.Background(), options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.Fatalf("failed to connect to mongo: %v", err)
	}
	defer mongoClient.Disconnect(context.Background())
	mongoDB := mongoClient.Database(cfg.MongoDatabase)

	_, lifecycle, err := engine.Build(cfg, repo, mongoadapter.NewCatalogRepository(mongoDB, logger), mongoadapter.NewAuditLogger(mongoDB, logger), logger)
	if err != nil {
		log.Fatalf("failed to build engine: %v", err)
	}

	worker := NewExpiryWorker(lifecycle, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go worker.Run(ctx, cfg.ExpiryInterval)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("Shutdown expiry worker")
}

type ExpiryWorker struct {
	lifecycle *orders.Lifecycle
	logger    observability.Logger
}

func NewExpiryWorker(lifecycle *orders.Lifecycle, logger observability.Logger) *ExpiryWorker {
	return &ExpiryWorker{lifecycle: lifecycle, logger: logger}
}

// Run expires lapsed holds every interval. A full batch is followed straight
// away by another so a backlog drains without waiting for the ticker.
func (w *ExpiryWorker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				n, err := w.lifecycle.ExpireStale(ctx)
				if err != nil {
					w.logger.WithError(err).Error("failed to expire orders")
					break
				}
				if n > 0 {
					w.logger.WithField("expired", n).Info("expired pending orders")
				}
				if n < orders.DefaultExpireBatch {
					break
				}
			}
		}
	}
}
