package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oarkflow/rbac"
)

// RedisSessionStore keeps security contexts as JSON in Redis
// (key: ztctx:{sessionID}), so multiple engine instances can verify the same
// sessions. A TTL of zero keeps contexts until explicitly deleted.
type RedisSessionStore struct {
	client *redis.Client
	keyFmt string // format string, e.g. "ztctx:%s"
	ttl    time.Duration
}

func NewRedisSessionStore(client *redis.Client, ttl time.Duration) *RedisSessionStore {
	return &RedisSessionStore{client: client, keyFmt: "ztctx:%s", ttl: ttl}
}

func (r *RedisSessionStore) key(sessionID string) string {
	return fmt.Sprintf(r.keyFmt, sessionID)
}

func (r *RedisSessionStore) SaveContext(ctx context.Context, sc *rbac.SecurityContext) error {
	data, err := json.Marshal(sc)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(sc.SessionID), data, r.ttl).Err()
}

func (r *RedisSessionStore) GetContext(ctx context.Context, sessionID string) (*rbac.SecurityContext, error) {
	data, err := r.client.Get(ctx, r.key(sessionID)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, rbac.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	sc := &rbac.SecurityContext{}
	if err := json.Unmarshal(data, sc); err != nil {
		return nil, err
	}
	return sc, nil
}

func (r *RedisSessionStore) DeleteContext(ctx context.Context, sessionID string) error {
	return r.client.Del(ctx, r.key(sessionID)).Err()
}
