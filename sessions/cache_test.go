package sessions

import (
	"testing"
	"time"
)

func TestChatCacheEvictsLeastRecentlyActive(t *testing.T) {
	c := newChatCache(2)
	base := time.Unix(1_000_000, 0).UTC()

	c.Upsert(ChatMeta{JID: "old@s", LastActivity: base})
	c.Upsert(ChatMeta{JID: "mid@s", LastActivity: base.Add(time.Minute)})
	c.Upsert(ChatMeta{JID: "new@s", LastActivity: base.Add(2 * time.Minute)})

	if c.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", c.Len())
	}
	if _, ok := c.Get("old@s"); ok {
		t.Fatal("least recently active entry was not evicted")
	}
	if _, ok := c.Get("new@s"); !ok {
		t.Fatal("newest entry missing")
	}
}

func TestChatCacheSnapshotOnlyWhenDirty(t *testing.T) {
	c := newChatCache(8)

	if _, ok := c.snapshot(); ok {
		t.Fatal("clean cache produced a snapshot")
	}

	c.Upsert(ChatMeta{JID: "a@s", LastActivity: time.Now().UTC()})
	data, ok := c.snapshot()
	if !ok || len(data) == 0 {
		t.Fatal("dirty cache produced no snapshot")
	}
	if _, ok := c.snapshot(); ok {
		t.Fatal("snapshot did not mark the cache clean")
	}

	restored := newChatCache(8)
	if err := restored.restore(data); err != nil {
		t.Fatalf("restore() failed: %v", err)
	}
	if _, ok := restored.Get("a@s"); !ok {
		t.Fatal("restored cache missing entry")
	}
}
