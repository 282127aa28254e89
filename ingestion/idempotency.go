package ingestion

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// IdempotencyStore is a TTL-backed ledger recording which batch identifiers
// have already been durably applied, so a redelivered batch is a safe no-op.
type IdempotencyStore interface {
	// Check reports whether batchID has already been processed. The
	// metadata string is implementation-defined (here: when it was marked).
	Check(ctx context.Context, batchID string) (bool, string, error)
	// MarkProcessed records batchID as durably applied. Callers must only
	// invoke this after every downstream write has succeeded.
	MarkProcessed(ctx context.Context, batchID string) error
}

// RedisConfig holds connection settings shared by the Redis-backed
// idempotency store and current-value cache.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LoadRedisConfigFromEnv loads Redis configuration from environment variables.
func LoadRedisConfigFromEnv() (*RedisConfig, error) {
	cfg := &RedisConfig{
		Addr:     os.Getenv("REDIS_ADDR"),
		Password: os.Getenv("REDIS_PASSWORD"),
	}
	if cfg.Addr == "" {
		return nil, errors.New("REDIS_ADDR environment variable not set")
	}
	if dbStr := os.Getenv("REDIS_DB"); dbStr != "" {
		db, err := strconv.Atoi(dbStr)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB value %q: %w", dbStr, err)
		}
		cfg.DB = db
	}
	return cfg, nil
}

// DefaultIdempotencyTTL is long enough to cover restart-induced redelivery
// windows while bounding ledger growth.
const DefaultIdempotencyTTL = 24 * time.Hour

// RedisIdempotencyStore implements IdempotencyStore on a Redis keyspace with
// per-entry TTLs.
type RedisIdempotencyStore struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisIdempotencyStore creates a ledger on the given client. A ttl of
// zero selects DefaultIdempotencyTTL.
func NewRedisIdempotencyStore(client *redis.Client, ttl time.Duration, logger zerolog.Logger) (*RedisIdempotencyStore, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &RedisIdempotencyStore{
		client: client,
		ttl:    ttl,
		logger: logger.With().Str("component", "RedisIdempotencyStore").Logger(),
	}, nil
}

func idempotencyKey(batchID string) string {
	return "ingest:processed:" + batchID
}

// Check looks up the ledger entry for batchID.
func (s *RedisIdempotencyStore) Check(ctx context.Context, batchID string) (bool, string, error) {
	val, err := s.client.Get(ctx, idempotencyKey(batchID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("checking idempotency for batch %s: %w", batchID, err)
	}
	return true, val, nil
}

// MarkProcessed records the batch as applied, stamped with the current time.
func (s *RedisIdempotencyStore) MarkProcessed(ctx context.Context, batchID string) error {
	processedAt := time.Now().UTC().Format(time.RFC3339Nano)
	err := s.client.Set(ctx, idempotencyKey(batchID), processedAt, s.ttl).Err()
	if err != nil {
		return fmt.Errorf("marking batch %s processed: %w", batchID, err)
	}
	s.logger.Debug().Str("batch_id", batchID).Msg("Batch marked processed")
	return nil
}
