package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/adapters/crdb"
	mongoadapter "github.com/robertarktes/ticket-inventory-and-checkin/internal/adapters/mongo"
	redisadapter "github.com/robertarktes/ticket-inventory-and-checkin/internal/adapters/redis"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/config"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/engine"
	httphandler "github.com/robertarktes/ticket-inventory-and-checkin/internal/http"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/idempotency"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/observability"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/rateLimit"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdown, err := observability.SetupOTel(context.Background(), cfg, "tix-api")
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdown()

	logger := observability.NewLogger()

	pool, err := pgxpool.New(context.Background(), cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool, crdb.Options{MaxRetries: cfg.LockMaxRetries, LockTimeout: cfg.LockTimeout})
	if err := repo.Migrate(context.Background()); err != nil {
		log.Fatalf("failed to migrate: %v", err)
	}

	mongoClient, err := mongo.Connect(context.Background(), options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.Fatalf("failed to connect to mongo: %v", err)
	}
	defer mongoClient.Disconnect(context.Background())
	mongoDB := mongoClient.Database(cfg.MongoDatabase)
	catalog := mongoadapter.NewCatalogRepository(mongoDB, logger)
	audit := mongoadapter.NewAuditLogger(mongoDB, logger)

	redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	redisCache := redisadapter.NewCache(redisClient)
	idemp := idempotency.NewIdempotency(redisadapter.NewIdempotency(redisClient), 24*time.Hour)
	rl := rateLimit.NewRateLimiter(redisCache, logger)

	eng, _, err := engine.Build(cfg, repo, catalog, audit, logger)
	if err != nil {
		log.Fatalf("failed to build engine: %v", err)
	}

	handlers := httphandler.NewHandlers(eng, map[string]httphandler.ReadinessCheck{
		"crdb":  repo.Ping,
		"mongo": catalog.Ping,
		"redis": redisCache.Ping,
	})
	r := httphandler.SetupRouter(handlers, logger, httphandler.NewAuthenticator(cfg.JWTSecret), httphandler.Limits{
		Limiter: rl,
		User:    cfg.UserRateLimit,
		Scanner: cfg.ScannerRateLimit,
	}, idemp)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()
	logger.WithField("addr", cfg.HTTPAddr).Info("api listening")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutdown Server ...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server Shutdown:", err)
	}
	logger.Info("Server exiting")
}
