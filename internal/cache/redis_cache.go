package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ MessageCache = (*RedisCache)(nil)

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

type messageValue struct {
	MessageID string    `json:"messageId"`
	SeenAt    time.Time `json:"seenAt"`
}

func externalKey(externalID string) string {
	return "ext:" + externalID
}

func (c *RedisCache) Remember(ctx context.Context, externalID, messageID string, at time.Time) error {
	val := messageValue{
		MessageID: messageID,
		SeenAt:    at.UTC(),
	}

	b, err := json.Marshal(val)
	if err != nil {
		return err
	}

	return c.rdb.Set(ctx, externalKey(externalID), b, c.ttl).Err()
}

func (c *RedisCache) Lookup(ctx context.Context, externalID string) (string, bool, error) {
	raw, err := c.rdb.Get(ctx, externalKey(externalID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	var val messageValue
	if err := json.Unmarshal(raw, &val); err != nil {
		return "", false, err
	}
	return val.MessageID, true, nil
}
