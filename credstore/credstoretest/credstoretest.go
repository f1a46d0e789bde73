// Package credstoretest provides a conformance test suite that every
// credstore.Store implementation must pass.
package credstoretest

import (
	"bytes"
	"context"
	"sort"
	"testing"
	"time"

	"github.com/wamux/wamux/credstore"
)

// StoreFactory creates a new, empty Store instance for testing. Cleanup
// should be registered on t.
type StoreFactory func(t *testing.T) credstore.Store

// RunStoreTests runs the complete Store test suite against the provided
// factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("Creds_LoadMissingReturnsFresh", func(t *testing.T) { testLoadMissingReturnsFresh(t, factory) })
	t.Run("Creds_SaveThenLoadRoundTrip", func(t *testing.T) { testSaveThenLoadRoundTrip(t, factory) })
	t.Run("Creds_SaveOverwrites", func(t *testing.T) { testSaveOverwrites(t, factory) })
	t.Run("Fields_BatchGetSetDelete", func(t *testing.T) { testFieldsBatch(t, factory) })
	t.Run("Fields_IsolationBetweenSessions", func(t *testing.T) { testFieldIsolation(t, factory) })
	t.Run("Fields_IsolationBetweenTypes", func(t *testing.T) { testFieldTypeIsolation(t, factory) })
	t.Run("Delete_PurgesEverything", func(t *testing.T) { testDeletePurges(t, factory) })
	t.Run("Delete_AbsentIDIsNoError", func(t *testing.T) { testDeleteAbsent(t, factory) })
	t.Run("ListIDs_OnlyIDsWithCreds", func(t *testing.T) { testListIDs(t, factory) })
	t.Run("Cache_RoundTripAndMissing", func(t *testing.T) { testCache(t, factory) })
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testLoadMissingReturnsFresh(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testCtx(t)

	creds, err := s.LoadCreds(ctx, "never-seen")
	if err != nil {
		t.Fatalf("LoadCreds() failed for missing id: %v", err)
	}
	if creds == nil {
		t.Fatal("LoadCreds() returned nil creds for missing id")
	}
	if creds.Registered || creds.Identity != "" {
		t.Fatalf("fresh creds are not empty: %+v", creds)
	}
}

func testSaveThenLoadRoundTrip(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testCtx(t)

	in := &credstore.Creds{
		NoiseKey:       []byte{1, 2, 3},
		IdentityKey:    []byte{4, 5, 6},
		RegistrationID: 42,
		DeviceID:       "dev-1",
		Identity:       "1234@s.example.net",
		Platform:       "gateway",
		Registered:     true,
	}
	if err := s.SaveCreds(ctx, "s1", in); err != nil {
		t.Fatalf("SaveCreds() failed: %v", err)
	}

	out, err := s.LoadCreds(ctx, "s1")
	if err != nil {
		t.Fatalf("LoadCreds() failed: %v", err)
	}
	if !bytes.Equal(out.NoiseKey, in.NoiseKey) {
		t.Fatalf("NoiseKey: got %v, want %v", out.NoiseKey, in.NoiseKey)
	}
	if out.Identity != in.Identity || out.RegistrationID != in.RegistrationID || !out.Registered {
		t.Fatalf("round trip mismatch: got %+v", out)
	}
	if !out.Authenticated() {
		t.Fatal("loaded creds should report authenticated")
	}
}

func testSaveOverwrites(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testCtx(t)

	if err := s.SaveCreds(ctx, "s1", &credstore.Creds{DeviceID: "old"}); err != nil {
		t.Fatalf("SaveCreds() failed: %v", err)
	}
	if err := s.SaveCreds(ctx, "s1", &credstore.Creds{DeviceID: "new"}); err != nil {
		t.Fatalf("SaveCreds() overwrite failed: %v", err)
	}
	out, err := s.LoadCreds(ctx, "s1")
	if err != nil {
		t.Fatalf("LoadCreds() failed: %v", err)
	}
	if out.DeviceID != "new" {
		t.Fatalf("DeviceID: got %q, want %q", out.DeviceID, "new")
	}
}

func testFieldsBatch(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testCtx(t)

	err := s.SetFields(ctx, "s1", credstore.FieldPreKeys, map[string][]byte{
		"k1": []byte("v1"),
		"k2": []byte("v2"),
	})
	if err != nil {
		t.Fatalf("SetFields() failed: %v", err)
	}

	got, err := s.GetFields(ctx, "s1", credstore.FieldPreKeys, []string{"k1", "k2", "k3"})
	if err != nil {
		t.Fatalf("GetFields() failed: %v", err)
	}
	if string(got["k1"]) != "v1" || string(got["k2"]) != "v2" {
		t.Fatalf("GetFields() values wrong: %v", got)
	}
	if v, ok := got["k3"]; !ok || v != nil {
		t.Fatalf("absent key should map to nil marker, got %v (present=%v)", v, ok)
	}

	// nil value deletes a field without touching its neighbors
	err = s.SetFields(ctx, "s1", credstore.FieldPreKeys, map[string][]byte{
		"k1": nil,
		"k4": []byte("v4"),
	})
	if err != nil {
		t.Fatalf("SetFields() with delete failed: %v", err)
	}
	got, err = s.GetFields(ctx, "s1", credstore.FieldPreKeys, []string{"k1", "k2", "k4"})
	if err != nil {
		t.Fatalf("GetFields() failed: %v", err)
	}
	if got["k1"] != nil {
		t.Fatalf("k1 should be deleted, got %q", got["k1"])
	}
	if string(got["k2"]) != "v2" {
		t.Fatalf("unrelated field k2 corrupted: %q", got["k2"])
	}
	if string(got["k4"]) != "v4" {
		t.Fatalf("k4: got %q, want %q", got["k4"], "v4")
	}
}

func testFieldIsolation(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testCtx(t)

	if err := s.SetFields(ctx, "a", credstore.FieldSessions, map[string][]byte{"peer": []byte("a-state")}); err != nil {
		t.Fatalf("SetFields(a) failed: %v", err)
	}
	if err := s.SetFields(ctx, "b", credstore.FieldSessions, map[string][]byte{"peer": []byte("b-state")}); err != nil {
		t.Fatalf("SetFields(b) failed: %v", err)
	}

	got, err := s.GetFields(ctx, "a", credstore.FieldSessions, []string{"peer"})
	if err != nil {
		t.Fatalf("GetFields(a) failed: %v", err)
	}
	if string(got["peer"]) != "a-state" {
		t.Fatalf("session a sees %q", got["peer"])
	}
}

func testFieldTypeIsolation(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testCtx(t)

	if err := s.SetFields(ctx, "s1", credstore.FieldPreKeys, map[string][]byte{"k": []byte("pre")}); err != nil {
		t.Fatalf("SetFields() failed: %v", err)
	}
	got, err := s.GetFields(ctx, "s1", credstore.FieldSenderKeys, []string{"k"})
	if err != nil {
		t.Fatalf("GetFields() failed: %v", err)
	}
	if got["k"] != nil {
		t.Fatalf("field type leak: got %q under sender-keys", got["k"])
	}
}

func testDeletePurges(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testCtx(t)

	if err := s.SaveCreds(ctx, "s1", &credstore.Creds{Registered: true, Identity: "x@y"}); err != nil {
		t.Fatalf("SaveCreds() failed: %v", err)
	}
	if err := s.SetFields(ctx, "s1", credstore.FieldPreKeys, map[string][]byte{"k": []byte("v")}); err != nil {
		t.Fatalf("SetFields() failed: %v", err)
	}
	if err := s.PutCache(ctx, "s1", []byte("snapshot")); err != nil {
		t.Fatalf("PutCache() failed: %v", err)
	}

	if err := s.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("DeleteSession() failed: %v", err)
	}

	creds, err := s.LoadCreds(ctx, "s1")
	if err != nil {
		t.Fatalf("LoadCreds() after delete failed: %v", err)
	}
	if creds.Registered || creds.Identity != "" {
		t.Fatalf("creds not purged: %+v", creds)
	}
	fields, err := s.GetFields(ctx, "s1", credstore.FieldPreKeys, []string{"k"})
	if err != nil {
		t.Fatalf("GetFields() after delete failed: %v", err)
	}
	if fields["k"] != nil {
		t.Fatalf("fields not purged: %q", fields["k"])
	}
	cache, err := s.GetCache(ctx, "s1")
	if err != nil {
		t.Fatalf("GetCache() after delete failed: %v", err)
	}
	if cache != nil {
		t.Fatalf("cache not purged: %q", cache)
	}
	ids, err := s.ListIDs(ctx)
	if err != nil {
		t.Fatalf("ListIDs() failed: %v", err)
	}
	for _, id := range ids {
		if id == "s1" {
			t.Fatal("deleted id still listed")
		}
	}
}

func testDeleteAbsent(t *testing.T, factory StoreFactory) {
	s := factory(t)
	if err := s.DeleteSession(testCtx(t), "nope"); err != nil {
		t.Fatalf("DeleteSession() on absent id failed: %v", err)
	}
}

func testListIDs(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testCtx(t)

	for _, id := range []string{"a", "b"} {
		if err := s.SaveCreds(ctx, id, &credstore.Creds{DeviceID: id}); err != nil {
			t.Fatalf("SaveCreds(%s) failed: %v", id, err)
		}
	}
	// fields alone must not make an id show up
	if err := s.SetFields(ctx, "c", credstore.FieldPreKeys, map[string][]byte{"k": []byte("v")}); err != nil {
		t.Fatalf("SetFields(c) failed: %v", err)
	}

	ids, err := s.ListIDs(ctx)
	if err != nil {
		t.Fatalf("ListIDs() failed: %v", err)
	}
	sort.Strings(ids)
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("ListIDs() = %v, want [a b]", ids)
	}
}

func testCache(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := testCtx(t)

	got, err := s.GetCache(ctx, "s1")
	if err != nil {
		t.Fatalf("GetCache() for missing id failed: %v", err)
	}
	if got != nil {
		t.Fatalf("missing cache should be nil, got %q", got)
	}

	if err := s.PutCache(ctx, "s1", []byte(`{"chats":[]}`)); err != nil {
		t.Fatalf("PutCache() failed: %v", err)
	}
	got, err = s.GetCache(ctx, "s1")
	if err != nil {
		t.Fatalf("GetCache() failed: %v", err)
	}
	if string(got) != `{"chats":[]}` {
		t.Fatalf("GetCache() = %q", got)
	}
}
