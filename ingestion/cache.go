package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// CurrentValueWriter maintains the low-latency "current value" index: the
// latest known reading per point, independent of history.
type CurrentValueWriter interface {
	// UpsertLatest writes the newest reading per resolved point from the
	// given slice in one bulk call.
	UpsertLatest(ctx context.Context, points []DataPoint) error
}

// DefaultCurrentValueTTL bounds how long a silent point stays visible in
// "current" views.
const DefaultCurrentValueTTL = time.Hour

// RedisCurrentValueWriter implements CurrentValueWriter on Redis, one key
// per sequence id with a bounded TTL.
type RedisCurrentValueWriter struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisCurrentValueWriter creates a cache writer on the given client.
// A ttl of zero selects DefaultCurrentValueTTL.
func NewRedisCurrentValueWriter(client *redis.Client, ttl time.Duration, logger zerolog.Logger) (*RedisCurrentValueWriter, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = DefaultCurrentValueTTL
	}
	return &RedisCurrentValueWriter{
		client: client,
		ttl:    ttl,
		logger: logger.With().Str("component", "RedisCurrentValueWriter").Logger(),
	}, nil
}

func currentValueKey(sequenceID int64) string {
	return "cv:" + strconv.FormatInt(sequenceID, 10)
}

// UpsertLatest upserts the newest reading per point in a single pipelined
// round trip. Points without a resolved sequence id are skipped.
func (w *RedisCurrentValueWriter) UpsertLatest(ctx context.Context, points []DataPoint) error {
	latest := latestPerPoint(points)
	if len(latest) == 0 {
		return nil
	}

	pipe := w.client.Pipeline()
	for sequenceID, p := range latest {
		cv := CurrentValue{
			SequenceID: sequenceID,
			Timestamp:  p.Timestamp.UTC(),
			Value:      p.Value,
			Quality:    p.Quality,
		}
		data, err := json.Marshal(cv)
		if err != nil {
			return fmt.Errorf("encoding current value for point %d: %w", sequenceID, err)
		}
		pipe.Set(ctx, currentValueKey(sequenceID), data, w.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upserting %d current values: %w", len(latest), err)
	}
	w.logger.Debug().Int("points", len(latest)).Msg("Current values upserted")
	return nil
}

// latestPerPoint groups points by resolved sequence id and retains the one
// with the latest timestamp per group. On equal timestamps the later
// occurrence in the slice wins, matching arrival order.
func latestPerPoint(points []DataPoint) map[int64]DataPoint {
	latest := make(map[int64]DataPoint)
	for _, p := range points {
		if p.SequenceID == nil {
			continue
		}
		id := *p.SequenceID
		best, ok := latest[id]
		if !ok || !p.Timestamp.Before(best.Timestamp) {
			latest[id] = p
		}
	}
	return latest
}
