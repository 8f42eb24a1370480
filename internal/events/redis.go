package events

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/messaging-gateway/internal/model"
)

// RedisPublisher publishes events on Redis pub/sub channels named
// <prefix>:<event type>.
type RedisPublisher struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisPublisher(rdb *redis.Client, prefix string) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, prefix: prefix}
}

func (p *RedisPublisher) Channel(t model.EventType) string {
	return Topic(p.prefix, ":", t)
}

func (p *RedisPublisher) Publish(ctx context.Context, e model.Event) error {
	b, err := encode(e)
	if err != nil {
		return err
	}
	if err := p.rdb.Publish(ctx, p.Channel(e.Type), b).Err(); err != nil {
		return fmt.Errorf("publish %s to redis: %w", e.Type, err)
	}
	return nil
}
