// Package secrets resolves per-connector credential bags by secret-provider key.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/austindbirch/integration_builder/internal/mapping"
)

// Store returns the secret bag for a key. A missing secret is (nil, nil).
type Store interface {
	Resolve(ctx context.Context, tenantID, key string) (*structpb.Value, error)
}

// getter is the one redis command RedisStore needs; *redis.Client satisfies it
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RedisStore reads JSON secret bags stored as plain string values under
// <prefix><tenant>/<key>
type RedisStore struct {
	client getter
	prefix string
}

func NewRedisStore(client getter, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// NewRedisClient builds a client and pings it; a failed ping is returned but the client is still usable
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return rdb, fmt.Errorf("ping redis at %s: %w", addr, err)
	}
	return rdb, nil
}

// ErrBadTenant is returned for tenant ids that cannot form a redis key
var ErrBadTenant = errors.New("secrets: invalid tenant id")

// Key is the redis key holding key's bag for tenantID
func (s *RedisStore) Key(tenantID, key string) string {
	return s.prefix + tenantID + "/" + key
}

func (s *RedisStore) Resolve(ctx context.Context, tenantID, key string) (*structpb.Value, error) {
	if key == "" {
		return nil, nil
	}
	if tenantID == "" || strings.Contains(tenantID, "/") {
		return nil, fmt.Errorf("%w: %q", ErrBadTenant, tenantID)
	}
	raw, err := s.client.Get(ctx, s.Key(tenantID, key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get secret %s: %w", key, err)
	}
	bag, err := mapping.FromJSON([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("decode secret %s: %w", key, err)
	}
	return bag, nil
}

// StaticStore holds secrets in memory, keyed by tenant then key
type StaticStore struct {
	mu   sync.RWMutex
	bags map[string]map[string]*structpb.Value
}

func NewStaticStore() *StaticStore {
	return &StaticStore{bags: make(map[string]map[string]*structpb.Value)}
}

func (s *StaticStore) Set(tenantID, key string, bag *structpb.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bags[tenantID] == nil {
		s.bags[tenantID] = make(map[string]*structpb.Value)
	}
	s.bags[tenantID][key] = bag
}

func (s *StaticStore) Resolve(_ context.Context, tenantID, key string) (*structpb.Value, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bags[tenantID][key], nil
}

// LoadFile reads {"<tenant>": {"<key>": {...bag...}}} into the store
func (s *StaticStore) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read secrets file: %w", err)
	}
	var doc map[string]map[string]json.RawMessage
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("parse secrets file: %w", err)
	}
	for tenant, keys := range doc {
		for key, raw := range keys {
			bag, err := mapping.FromJSON(raw)
			if err != nil {
				return fmt.Errorf("secret %s/%s: %w", tenant, key, err)
			}
			s.Set(tenant, key, bag)
		}
	}
	return nil
}
