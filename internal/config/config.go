package config

import (
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/domain"
)

type Config struct {
	HTTPAddr         string
	CRDBDSN          string
	MongoURI         string
	MongoDatabase    string
	RedisAddr        string
	RabbitURL        string
	JWTSecret        string
	CredentialSecret string
	APIKeyPepper     string
	HoldTTL          time.Duration
	ScanMaxAge       time.Duration
	ScanMaxSkew      time.Duration
	ScanBatchLimit   int
	RefundUsedPolicy domain.RefundPolicy
	LockMaxRetries   int
	LockTimeout      time.Duration
	ExpiryInterval   time.Duration
	UserRateLimit    int
	ScannerRateLimit int
	OTLPEndpoint     string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	policy, err := domain.ParseRefundPolicy(os.Getenv("REFUND_USED_POLICY"))
	if err != nil {
		return nil, errors.Wrap(err, "REFUND_USED_POLICY")
	}

	cfg := &Config{
		HTTPAddr:         getenv("HTTP_ADDR", ":8080"),
		CRDBDSN:          os.Getenv("CRDB_DSN"),
		MongoURI:         os.Getenv("MONGO_URI"),
		MongoDatabase:    getenv("MONGO_DATABASE", "tix"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RabbitURL:        os.Getenv("RABBIT_URL"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		CredentialSecret: os.Getenv("CREDENTIAL_SECRET"),
		APIKeyPepper:     os.Getenv("API_KEY_PEPPER"),
		HoldTTL:          duration("HOLD_TTL", 10*time.Minute),
		ScanMaxAge:       duration("SCAN_MAX_AGE", 72*time.Hour),
		ScanMaxSkew:      duration("SCAN_MAX_SKEW", 5*time.Minute),
		ScanBatchLimit:   integer("SCAN_BATCH_LIMIT", 500),
		RefundUsedPolicy: policy,
		LockMaxRetries:   integer("LOCK_MAX_RETRIES", 5),
		LockTimeout:      duration("LOCK_TIMEOUT", 2*time.Second),
		ExpiryInterval:   duration("EXPIRY_INTERVAL", time.Minute),
		UserRateLimit:    integer("USER_RATE_LIMIT", 120),
		ScannerRateLimit: integer("SCANNER_RATE_LIMIT", 1200),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if cfg.CredentialSecret == "" {
		return nil, errors.New("CREDENTIAL_SECRET is required")
	}
	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func duration(key string, def time.Duration) time.Duration {
	d, _ := time.ParseDuration(os.Getenv(key))
	if d <= 0 {
		return def
	}
	return d
}

func integer(key string, def int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}
