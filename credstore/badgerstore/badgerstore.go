// Package badgerstore provides an embedded on-disk implementation of
// credstore.Store backed by BadgerDB, for single-node deployments that do
// not want a network dependency for credential durability.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/joeshaw/envdecode"

	"github.com/wamux/wamux/credstore"
)

// Config for the Badger-backed store. Defaults can be loaded via envdecode.
type Config struct {
	// Dir is the Badger data directory. ENV: CREDSTORE_BADGER_DIR
	Dir string `env:"CREDSTORE_BADGER_DIR,default=./data/credstore"`
}

type Store struct {
	db *badger.DB
}

func New(cfg Config) (*Store, error) {
	dir := cfg.Dir
	if dir == "" {
		dir = "./data/credstore"
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

func (s *Store) Close() error { return s.db.Close() }

// --- Key helpers (mirror the redisstore layout) ---

func credsKey(id string) []byte { return []byte("creds:" + id) }
func cacheKey(id string) []byte { return []byte("cache:" + id) }
func fieldKey(id string, ft credstore.FieldType, key string) []byte {
	return []byte("fields:" + id + ":" + string(ft) + ":" + key)
}

func (s *Store) LoadCreds(ctx context.Context, id string) (*credstore.Creds, error) {
	var creds *credstore.Creds
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(credsKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			creds = credstore.NewCreds()
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			creds = &credstore.Creds{}
			return json.Unmarshal(val, creds)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load creds for %s: %w", id, err)
	}
	return creds, nil
}

func (s *Store) SaveCreds(ctx context.Context, id string, creds *credstore.Creds) error {
	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("marshal creds for %s: %w", id, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(credsKey(id), data)
	})
	if err != nil {
		return fmt.Errorf("save creds for %s: %w", id, err)
	}
	return nil
}

func (s *Store) GetFields(ctx context.Context, id string, ft credstore.FieldType, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	err := s.db.View(func(txn *badger.Txn) error {
		for _, k := range keys {
			item, err := txn.Get(fieldKey(id, ft, k))
			if errors.Is(err, badger.ErrKeyNotFound) {
				out[k] = nil
				continue
			}
			if err != nil {
				return err
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out[k] = val
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get fields for %s/%s: %w", id, ft, err)
	}
	return out, nil
}

func (s *Store) SetFields(ctx context.Context, id string, ft credstore.FieldType, updates map[string][]byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		for k, v := range updates {
			key := fieldKey(id, ft, k)
			if v == nil {
				if err := txn.Delete(key); err != nil {
					return err
				}
				continue
			}
			if err := txn.Set(key, v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("set fields for %s/%s: %w", id, ft, err)
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		prefix := []byte("fields:" + id + ":")
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		var doomed [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			doomed = append(doomed, it.Item().KeyCopy(nil))
		}
		it.Close()
		doomed = append(doomed, credsKey(id), cacheKey(id))
		for _, key := range doomed {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

func (s *Store) ListIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte("creds:")
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			ids = append(ids, strings.TrimPrefix(string(it.Item().Key()), "creds:"))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list ids: %w", err)
	}
	return ids, nil
}

func (s *Store) PutCache(ctx context.Context, id string, snapshot []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(cacheKey(id), snapshot)
	})
	if err != nil {
		return fmt.Errorf("put cache for %s: %w", id, err)
	}
	return nil
}

func (s *Store) GetCache(ctx context.Context, id string) ([]byte, error) {
	var snapshot []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cacheKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		snapshot, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get cache for %s: %w", id, err)
	}
	return snapshot, nil
}

// Compile-time interface check
var _ credstore.Store = (*Store)(nil)
