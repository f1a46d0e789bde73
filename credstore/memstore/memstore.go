// Package memstore is an in-memory implementation of credstore.Store used by
// tests and single-process examples.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/wamux/wamux/credstore"
)

// Store holds everything in mutex-guarded maps. Values are deep-copied on
// the way in and out so callers cannot alias stored state.
type Store struct {
	mu     sync.RWMutex
	creds  map[string]*credstore.Creds
	fields map[string]map[fieldKey][]byte
	caches map[string][]byte
}

type fieldKey struct {
	ft  credstore.FieldType
	key string
}

func New() *Store {
	return &Store{
		creds:  make(map[string]*credstore.Creds),
		fields: make(map[string]map[fieldKey][]byte),
		caches: make(map[string][]byte),
	}
}

func (s *Store) LoadCreds(ctx context.Context, id string) (*credstore.Creds, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[id]
	if !ok {
		return credstore.NewCreds(), nil
	}
	return c.Clone(), nil
}

func (s *Store) SaveCreds(ctx context.Context, id string, creds *credstore.Creds) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[id] = creds.Clone()
	return nil
}

func (s *Store) GetFields(ctx context.Context, id string, ft credstore.FieldType, keys []string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]byte, len(keys))
	sessionFields := s.fields[id]
	for _, k := range keys {
		v, ok := sessionFields[fieldKey{ft: ft, key: k}]
		if !ok {
			out[k] = nil
			continue
		}
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

func (s *Store) SetFields(ctx context.Context, id string, ft credstore.FieldType, updates map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessionFields, ok := s.fields[id]
	if !ok {
		sessionFields = make(map[fieldKey][]byte)
		s.fields[id] = sessionFields
	}
	for k, v := range updates {
		fk := fieldKey{ft: ft, key: k}
		if v == nil {
			delete(sessionFields, fk)
			continue
		}
		sessionFields[fk] = append([]byte(nil), v...)
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, id)
	delete(s.fields, id)
	delete(s.caches, id)
	return nil
}

func (s *Store) ListIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.creds))
	for id := range s.creds {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) PutCache(ctx context.Context, id string, snapshot []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caches[id] = append([]byte(nil), snapshot...)
	return nil
}

func (s *Store) GetCache(ctx context.Context, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.caches[id]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), c...), nil
}

func (s *Store) Close() error { return nil }

// Compile-time interface check
var _ credstore.Store = (*Store)(nil)
