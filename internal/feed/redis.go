package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultLivenessTTL = 10 * time.Minute

// RedisSink stores the liveness record as a JSON value under a single key.
// The TTL keeps a crashed worker from looking alive forever while still
// leaving the record readable long enough for hang detection to fire.
type RedisSink struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisSink builds a sink for the given feed key.
func NewRedisSink(client *redis.Client, key string) *RedisSink {
	return &RedisSink{client: client, key: key, ttl: defaultLivenessTTL}
}

func (s *RedisSink) Publish(ctx context.Context, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal liveness record: %w", err)
	}
	if err := s.client.Set(ctx, s.key, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("publish liveness record: %w", err)
	}
	return nil
}

func (s *RedisSink) Load(ctx context.Context) (Record, bool, error) {
	raw, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("load liveness record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode liveness record: %w", err)
	}
	return rec, true, nil
}

func (s *RedisSink) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("clear liveness record: %w", err)
	}
	return nil
}
