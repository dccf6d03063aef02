package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	oidckit "github.com/PaulFidika/oidclink/oidc"
	"github.com/redis/go-redis/v9"
)

var (
	_ oidckit.StateCache = (*StateCache)(nil)
	_ oidckit.StateTaker = (*StateCache)(nil)
)

// StateCache stores pending PKCE logins in Redis with a TTL, so any replica
// can complete the callback.
type StateCache struct {
	rdb   redis.Cmdable
	keyNS string
	ttl   time.Duration
}

func NewStateCache(rdb redis.Cmdable, keyPrefix string, ttl time.Duration) *StateCache {
	if keyPrefix == "" {
		keyPrefix = "oidclink:state:"
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &StateCache{rdb: rdb, keyNS: keyPrefix, ttl: ttl}
}

func (s *StateCache) key(state string) string { return s.keyNS + state }

func (s *StateCache) Put(ctx context.Context, state string, data oidckit.StateData) error {
	if data.CreatedAt.IsZero() {
		data.CreatedAt = time.Now()
	}
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.key(state), b, s.ttl).Err()
}

func (s *StateCache) Get(ctx context.Context, state string) (oidckit.StateData, bool, error) {
	return decodeState(s.rdb.Get(ctx, s.key(state)).Bytes())
}

// Take reads and deletes the entry with GETDEL.
func (s *StateCache) Take(ctx context.Context, state string) (oidckit.StateData, bool, error) {
	return decodeState(s.rdb.GetDel(ctx, s.key(state)).Bytes())
}

func decodeState(val []byte, err error) (oidckit.StateData, bool, error) {
	if errors.Is(err, redis.Nil) {
		return oidckit.StateData{}, false, nil
	}
	if err != nil {
		return oidckit.StateData{}, false, err
	}
	var d oidckit.StateData
	if err := json.Unmarshal(val, &d); err != nil {
		return oidckit.StateData{}, false, err
	}
	return d, true, nil
}

func (s *StateCache) Del(ctx context.Context, state string) error {
	return s.rdb.Del(ctx, s.key(state)).Err()
}
