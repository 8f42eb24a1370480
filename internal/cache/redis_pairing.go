package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/messaging-gateway/internal/pairing"
)

// RedisPairingStore keeps one pairing artifact per device under a key that
// expires together with the artifact.
type RedisPairingStore struct {
	rdb *redis.Client
	now func() time.Time
}

var _ pairing.Store = (*RedisPairingStore)(nil)

func NewRedisPairingStore(rdb *redis.Client) *RedisPairingStore {
	return &RedisPairingStore{rdb: rdb, now: time.Now}
}

func pairingKey(deviceID string) string {
	return "pairing:" + deviceID
}

func (s *RedisPairingStore) Put(ctx context.Context, a pairing.Artifact) error {
	ttl := a.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return s.Delete(ctx, a.DeviceID)
	}

	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, pairingKey(a.DeviceID), b, ttl).Err()
}

func (s *RedisPairingStore) Get(ctx context.Context, deviceID string) (*pairing.Artifact, error) {
	raw, err := s.rdb.Get(ctx, pairingKey(deviceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var a pairing.Artifact
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *RedisPairingStore) Delete(ctx context.Context, deviceID string) error {
	return s.rdb.Del(ctx, pairingKey(deviceID)).Err()
}
