// Package redisstore provides a Redis-backed implementation of
// credstore.Store. The credential blob lives at a plain key, auxiliary keyed
// material in one hash per (session, field type), and cache snapshots at a
// derived per-session key.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/wamux/wamux/credstore"
)

// Config for the Redis-backed store. Defaults can be loaded via envdecode.
type Config struct {
	// Client is an optional pre-built Redis client. When set, RedisAddr is
	// ignored and Close leaves the client open.
	Client *redis.Client

	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`

	// KeyPrefix for all keys. ENV: CREDSTORE_KEY_PREFIX
	KeyPrefix string `env:"CREDSTORE_KEY_PREFIX,default=wamux:"`
}

type Store struct {
	client     *redis.Client
	keyPrefix  string
	ownsClient bool
}

// New builds a Store from cfg; when no client is injected it dials and pings
// RedisAddr.
func New(cfg Config) (*Store, error) {
	client := cfg.Client
	owns := false
	if client == nil {
		addr := cfg.RedisAddr
		if addr == "" {
			addr = "localhost:6379"
		}
		client = redis.NewClient(&redis.Options{Addr: addr})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		owns = true
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "wamux:"
	}
	return &Store{client: client, keyPrefix: prefix, ownsClient: owns}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client if this store dialed it.
func (s *Store) Close() error {
	if !s.ownsClient {
		return nil
	}
	return s.client.Close()
}

// --- Key helpers ---

func (s *Store) credsKey(id string) string { return s.keyPrefix + "creds:" + id }
func (s *Store) cacheKey(id string) string { return s.keyPrefix + "cache:" + id }
func (s *Store) fieldsKey(id string, ft credstore.FieldType) string {
	return s.keyPrefix + "fields:" + id + ":" + string(ft)
}

func (s *Store) LoadCreds(ctx context.Context, id string) (*credstore.Creds, error) {
	val, err := s.client.Get(ctx, s.credsKey(id)).Result()
	if err == redis.Nil {
		return credstore.NewCreds(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load creds for %s: %w", id, err)
	}
	var creds credstore.Creds
	if err := json.Unmarshal([]byte(val), &creds); err != nil {
		return nil, fmt.Errorf("unmarshal creds for %s: %w", id, err)
	}
	return &creds, nil
}

func (s *Store) SaveCreds(ctx context.Context, id string, creds *credstore.Creds) error {
	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("marshal creds for %s: %w", id, err)
	}
	if err := s.client.Set(ctx, s.credsKey(id), data, 0).Err(); err != nil {
		return fmt.Errorf("save creds for %s: %w", id, err)
	}
	return nil
}

func (s *Store) GetFields(ctx context.Context, id string, ft credstore.FieldType, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	vals, err := s.client.HMGet(ctx, s.fieldsKey(id, ft), keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("get fields for %s/%s: %w", id, ft, err)
	}
	for i, k := range keys {
		switch v := vals[i].(type) {
		case nil:
			out[k] = nil
		case string:
			out[k] = []byte(v)
		case []byte:
			out[k] = v
		default:
			out[k] = []byte(fmt.Sprintf("%v", v))
		}
	}
	return out, nil
}

func (s *Store) SetFields(ctx context.Context, id string, ft credstore.FieldType, updates map[string][]byte) error {
	if len(updates) == 0 {
		return nil
	}
	key := s.fieldsKey(id, ft)
	sets := make(map[string]interface{})
	var dels []string
	for k, v := range updates {
		if v == nil {
			dels = append(dels, k)
			continue
		}
		sets[k] = v
	}
	// Single round trip so one call's batch is applied together.
	pipe := s.client.TxPipeline()
	if len(sets) > 0 {
		pipe.HSet(ctx, key, sets)
	}
	if len(dels) > 0 {
		pipe.HDel(ctx, key, dels...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set fields for %s/%s: %w", id, ft, err)
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	fieldKeys, err := s.scanKeys(ctx, s.keyPrefix+"fields:"+id+":*")
	if err != nil {
		return fmt.Errorf("scan fields for %s: %w", id, err)
	}
	keys := append(fieldKeys, s.credsKey(id), s.cacheKey(id))
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

func (s *Store) ListIDs(ctx context.Context) ([]string, error) {
	keys, err := s.scanKeys(ctx, s.keyPrefix+"creds:*")
	if err != nil {
		return nil, fmt.Errorf("scan creds keys: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, s.keyPrefix+"creds:"))
	}
	return ids, nil
}

func (s *Store) PutCache(ctx context.Context, id string, snapshot []byte) error {
	if err := s.client.Set(ctx, s.cacheKey(id), snapshot, 0).Err(); err != nil {
		return fmt.Errorf("put cache for %s: %w", id, err)
	}
	return nil
}

func (s *Store) GetCache(ctx context.Context, id string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.cacheKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cache for %s: %w", id, err)
	}
	return val, nil
}

// scanKeys walks SCAN cursors to find all keys matching a pattern.
func (s *Store) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

// Compile-time interface check
var _ credstore.Store = (*Store)(nil)
