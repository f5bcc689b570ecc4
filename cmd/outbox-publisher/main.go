package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/adapters/crdb"
	mongoadapter "github.com/robertarktes/ticket-inventory-and-checkin/internal/adapters/mongo"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/adapters/rabbit"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/config"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/engine"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/observability"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/outbox"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/payments"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// The relay publishes outbox rows to RabbitMQ and applies payment results
// coming back from billing.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdownOtel, err := observability.SetupOTel(context.Background(), cfg, "tix-outbox-publisher")
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

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer conn.Close()
	rabbitPub, err := rabbit.NewPublisher(conn)
	if err != nil {
		log.Fatalf("failed to create publisher: %v", err)
	}
	defer rabbitPub.Close()
	consumer, err := rabbit.NewConsumer(conn, rabbit.PaymentsQueue, logger)
	if err != nil {
		log.Fatalf("failed to create consumer: %v", err)
	}
	defer consumer.Close()

	_, lifecycle, err := engine.Build(cfg, repo, mongoadapter.NewCatalogRepository(mongoDB, logger), mongoadapter.NewAuditLogger(mongoDB, logger), logger)
	if err != nil {
		log.Fatalf("failed to build engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publisher := outbox.NewPublisher(repo, rabbitPub, logger, 100)
	go publisher.Run(ctx, time.Second)

	results := payments.NewHandler(lifecycle, logger)
	go func() {
		if err := consumer.Run(ctx, results.Handle); err != nil {
			logger.WithError(err).Error("payment consumer stopped")
			cancel()
		}
	}()

	logger.Info("Outbox publisher started")
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	logger.Info("Shutdown outbox publisher")
}
