package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rflorenc/ragdeploy/internal/models"
)

// DefaultTTL is how long an idle web app's history survives in Redis.
const DefaultTTL = 90 * 24 * time.Hour

const keyPrefix = "ragdeploy:releases:"

// RedisStore keeps each web app's releases in a capped Redis list, most recent first.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func key(webApp string) string {
	return keyPrefix + webApp
}

func (s *RedisStore) Record(ctx context.Context, r models.Release) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshaling release: %w", err)
	}

	k := key(r.WebApp)
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, k, data)
	pipe.LTrim(ctx, k, 0, MaxReleases-1)
	if s.ttl > 0 {
		pipe.Expire(ctx, k, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("recording release for %s: %w", r.WebApp, err)
	}
	return nil
}

func (s *RedisStore) Latest(ctx context.Context, webApp string) (*models.Release, error) {
	return s.at(ctx, webApp, 0)
}

func (s *RedisStore) Previous(ctx context.Context, webApp string) (*models.Release, error) {
	return s.at(ctx, webApp, 1)
}

func (s *RedisStore) at(ctx context.Context, webApp string, i int64) (*models.Release, error) {
	data, err := s.client.LIndex(ctx, key(webApp), i).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoRelease
	}
	if err != nil {
		return nil, fmt.Errorf("reading release history for %s: %w", webApp, err)
	}
	var r models.Release
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing release: %w", err)
	}
	return &r, nil
}

func (s *RedisStore) List(ctx context.Context, webApp string, limit int) ([]models.Release, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	items, err := s.client.LRange(ctx, key(webApp), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("reading release history for %s: %w", webApp, err)
	}
	out := make([]models.Release, 0, len(items))
	for _, item := range items {
		var r models.Release
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			return nil, fmt.Errorf("parsing release: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}
