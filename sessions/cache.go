package sessions

import (
	"encoding/json"
	"sync"
	"time"
)

// ChatMeta is one conversation's cached metadata. The cache is an opaque
// convenience for the embedding application; the session layer only
// persists and restores it.
type ChatMeta struct {
	JID          string    `json:"jid"`
	Name         string    `json:"name,omitempty"`
	LastActivity time.Time `json:"last_activity"`
}

// ChatCache is a bound in-memory cache of recent conversation metadata.
// It is serialized to the credstore on a fixed interval and reloaded when
// the session is recreated; losing a snapshot only costs cache warmth.
type ChatCache struct {
	mu    sync.Mutex
	limit int
	chats map[string]ChatMeta
	dirty bool
}

func newChatCache(limit int) *ChatCache {
	return &ChatCache{limit: limit, chats: make(map[string]ChatMeta)}
}

// Upsert records a conversation, evicting the least recently active entry
// once the bound is exceeded.
func (c *ChatCache) Upsert(meta ChatMeta) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chats[meta.JID] = meta
	c.dirty = true
	for len(c.chats) > c.limit {
		oldestJID := ""
		var oldest time.Time
		for jid, m := range c.chats {
			if oldestJID == "" || m.LastActivity.Before(oldest) {
				oldestJID = jid
				oldest = m.LastActivity
			}
		}
		delete(c.chats, oldestJID)
	}
}

// Get returns one conversation's cached metadata.
func (c *ChatCache) Get(jid string) (ChatMeta, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.chats[jid]
	return m, ok
}

// Len returns the number of cached conversations.
func (c *ChatCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chats)
}

type cacheSnapshot struct {
	Chats []ChatMeta `json:"chats"`
}

// snapshot serializes the cache if it changed since the last call, and
// marks it clean. Returns nil, false when there is nothing new to persist.
func (c *ChatCache) snapshot() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty {
		return nil, false
	}
	snap := cacheSnapshot{Chats: make([]ChatMeta, 0, len(c.chats))}
	for _, m := range c.chats {
		snap.Chats = append(snap.Chats, m)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, false
	}
	c.dirty = false
	return data, true
}

// restore loads a previously serialized snapshot, replacing the current
// contents.
func (c *ChatCache) restore(data []byte) error {
	var snap cacheSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chats = make(map[string]ChatMeta, len(snap.Chats))
	for _, m := range snap.Chats {
		c.chats[m.JID] = m
	}
	c.dirty = false
	return nil
}
