package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/wamux/wamux/credstore"
	"github.com/wamux/wamux/credstore/memstore"
	"github.com/wamux/wamux/waclient"
	"github.com/wamux/wamux/waclient/waclienttest"
)

func newTestRegistry(t *testing.T, mutate func(*Config)) (*Registry, *memstore.Store, *waclienttest.Client) {
	t.Helper()
	store := memstore.New()
	client := &waclienttest.Client{}
	cfg := Config{
		Store:            store,
		Client:           client,
		SnapshotInterval: 25 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	reg, err := NewRegistry(cfg)
	if err != nil {
		t.Fatalf("NewRegistry() failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		reg.Close(ctx)
	})
	return reg, store, client
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCreateOrGetIsIdempotent(t *testing.T) {
	reg, _, client := newTestRegistry(t, nil)
	ctx := context.Background()

	first, err := reg.CreateOrGet(ctx, "s1")
	if err != nil {
		t.Fatalf("CreateOrGet() failed: %v", err)
	}
	second, err := reg.CreateOrGet(ctx, "s1")
	if err != nil {
		t.Fatalf("second CreateOrGet() failed: %v", err)
	}
	if first != second {
		t.Fatal("CreateOrGet() returned a different session for the same id")
	}
	if client.OpenCount() != 1 {
		t.Fatalf("OpenCount = %d, want 1", client.OpenCount())
	}
}

func TestConcurrentCreateOrGetOpensOnce(t *testing.T) {
	reg, _, client := newTestRegistry(t, nil)
	ctx := context.Background()

	const callers = 16
	var wg sync.WaitGroup
	results := make([]*Session, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = reg.CreateOrGet(ctx, "s1")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Fatalf("caller %d observed a different session", i)
		}
	}
	if client.OpenCount() != 1 {
		t.Fatalf("OpenCount = %d, want exactly 1", client.OpenCount())
	}
}

func TestCreateFailureReleasesSlot(t *testing.T) {
	reg, _, client := newTestRegistry(t, nil)
	ctx := context.Background()

	dialErr := errors.New("endpoint unreachable")
	client.OpenFunc = func(ctx context.Context, cfg waclient.Config) (waclient.Handle, error) {
		return nil, dialErr
	}
	if _, err := reg.CreateOrGet(ctx, "s1"); !errors.Is(err, dialErr) {
		t.Fatalf("CreateOrGet() error = %v, want wrapped dial error", err)
	}
	if _, err := reg.Get(ctx, "s1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("failed creation left a registry entry: %v", err)
	}

	// The slot is free again; a later attempt can succeed.
	client.OpenFunc = nil
	if _, err := reg.CreateOrGet(ctx, "s1"); err != nil {
		t.Fatalf("retry after failed creation: %v", err)
	}
}

func TestGetUnknownIDReturnsNotFound(t *testing.T) {
	reg, _, _ := newTestRegistry(t, nil)
	if _, err := reg.Get(context.Background(), "ghost"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Get() error = %v, want ErrSessionNotFound", err)
	}
}

func TestListReflectsAuthenticationState(t *testing.T) {
	reg, _, client := newTestRegistry(t, nil)
	ctx := context.Background()

	sess, err := reg.CreateOrGet(ctx, "s1")
	if err != nil {
		t.Fatalf("CreateOrGet() failed: %v", err)
	}

	infos := reg.List(ctx)
	if len(infos) != 1 || infos[0].ID != "s1" || infos[0].Authenticated {
		t.Fatalf("List() = %+v", infos)
	}

	client.Handle(0).EmitCreds(&credstore.Creds{Registered: true, Identity: "100@s.example.net"})
	waitFor(t, "authenticated", sess.Authenticated)

	infos = reg.List(ctx)
	if !infos[0].Authenticated || infos[0].Identity != "100@s.example.net" {
		t.Fatalf("List() after pairing = %+v", infos)
	}
}

func TestDeleteRemovesSessionAndCredentials(t *testing.T) {
	reg, store, client := newTestRegistry(t, nil)
	ctx := context.Background()

	sess, err := reg.CreateOrGet(ctx, "s1")
	if err != nil {
		t.Fatalf("CreateOrGet() failed: %v", err)
	}
	client.Handle(0).EmitCreds(&credstore.Creds{Registered: true, Identity: "x@y"})
	waitFor(t, "creds persisted", func() bool {
		c, _ := store.LoadCreds(ctx, "s1")
		return c.Authenticated()
	})
	_ = sess

	if err := reg.Delete(ctx, "s1"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}

	if got := reg.List(ctx); len(got) != 0 {
		t.Fatalf("List() after delete = %+v", got)
	}
	if !client.Handle(0).Closed() {
		t.Fatal("Delete() did not close the connection handle")
	}
	creds, err := store.LoadCreds(ctx, "s1")
	if err != nil {
		t.Fatalf("LoadCreds() failed: %v", err)
	}
	if creds.Authenticated() {
		t.Fatal("Delete() left persisted credentials behind")
	}

	if err := reg.Delete(ctx, "s1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("second Delete() error = %v, want ErrSessionNotFound", err)
	}
}

func TestDeleteDuringCreationStillTearsDown(t *testing.T) {
	reg, store, client := newTestRegistry(t, nil)
	ctx := context.Background()

	if err := store.SaveCreds(ctx, "s1", &credstore.Creds{Registered: true, Identity: "x@y"}); err != nil {
		t.Fatalf("SaveCreds() failed: %v", err)
	}

	gate := make(chan struct{})
	handles := make(chan *waclienttest.Handle, 1)
	client.OpenFunc = func(octx context.Context, cfg waclient.Config) (waclient.Handle, error) {
		<-gate
		h := waclienttest.NewHandle()
		handles <- h
		return h, nil
	}

	created := make(chan error, 1)
	go func() {
		_, err := reg.CreateOrGet(context.Background(), "s1")
		created <- err
	}()
	waitFor(t, "open in flight", func() bool { return client.OpenCount() == 1 })

	// The caller gives up while creation is still blocked inside Open. The
	// removal already happened, so the teardown must complete anyway once
	// the open finishes.
	dctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := reg.Delete(dctx, "s1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Delete() during creation error = %v, want deadline exceeded", err)
	}

	close(gate)
	if err := <-created; err != nil {
		t.Fatalf("CreateOrGet() failed: %v", err)
	}
	h := <-handles

	waitFor(t, "handle closed", h.Closed)
	waitFor(t, "credentials erased", func() bool {
		c, _ := store.LoadCreds(ctx, "s1")
		return !c.Authenticated()
	})
	if _, err := reg.Get(ctx, "s1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("Get() after delete error = %v, want ErrSessionNotFound", err)
	}

	// The id is genuinely free again.
	client.OpenFunc = nil
	if _, err := reg.CreateOrGet(ctx, "s1"); err != nil {
		t.Fatalf("CreateOrGet() after detached delete failed: %v", err)
	}
}

func TestLoggedOutPurgesSessionAndCredentials(t *testing.T) {
	reg, store, client := newTestRegistry(t, nil)
	ctx := context.Background()

	if _, err := reg.CreateOrGet(ctx, "s2"); err != nil {
		t.Fatalf("CreateOrGet() failed: %v", err)
	}
	h := client.Handle(0)
	h.EmitCreds(&credstore.Creds{Registered: true, Identity: "200@s.example.net"})
	waitFor(t, "creds persisted", func() bool {
		c, _ := store.LoadCreds(ctx, "s2")
		return c.Authenticated()
	})

	h.EmitClose(waclient.ReasonLoggedOut)

	waitFor(t, "session removed", func() bool {
		_, err := reg.Get(ctx, "s2")
		return errors.Is(err, ErrSessionNotFound)
	})
	waitFor(t, "credentials erased", func() bool {
		c, _ := store.LoadCreds(ctx, "s2")
		return !c.Authenticated()
	})
	if got := reg.List(ctx); len(got) != 0 {
		t.Fatalf("List() after logout = %+v", got)
	}
}

func TestWaitForQRReceivesChallenge(t *testing.T) {
	reg, _, client := newTestRegistry(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := reg.CreateOrGet(ctx, "s1")
	if err != nil {
		t.Fatalf("CreateOrGet() failed: %v", err)
	}

	got := make(chan string, 1)
	go func() {
		code, err := sess.WaitForQR(ctx)
		if err != nil {
			t.Errorf("WaitForQR() failed: %v", err)
		}
		got <- code
	}()

	// Challenges with nobody waiting are dropped, so keep emitting until
	// the waiter observes one.
	h := client.Handle(0)
	for {
		select {
		case code := <-got:
			if code != "pairing-challenge" {
				t.Fatalf("WaitForQR() = %q", code)
			}
			return
		default:
			h.EmitQR("pairing-challenge")
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestWaitForQROnAuthenticatedSession(t *testing.T) {
	reg, _, client := newTestRegistry(t, nil)
	ctx := context.Background()

	sess, err := reg.CreateOrGet(ctx, "s1")
	if err != nil {
		t.Fatalf("CreateOrGet() failed: %v", err)
	}
	client.Handle(0).EmitCreds(&credstore.Creds{Registered: true, Identity: "x@y"})
	waitFor(t, "authenticated", sess.Authenticated)

	if _, err := sess.WaitForQR(ctx); !errors.Is(err, ErrAlreadyAuthenticated) {
		t.Fatalf("WaitForQR() error = %v, want ErrAlreadyAuthenticated", err)
	}
}

func TestRestoreAllRecreatesPersistedSessions(t *testing.T) {
	reg, store, client := newTestRegistry(t, nil)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if err := store.SaveCreds(ctx, id, &credstore.Creds{DeviceID: id, Registered: true, Identity: id + "@s"}); err != nil {
			t.Fatalf("SaveCreds(%s) failed: %v", id, err)
		}
	}

	if err := reg.RestoreAll(ctx); err != nil {
		t.Fatalf("RestoreAll() failed: %v", err)
	}

	infos := reg.List(ctx)
	if len(infos) != 2 {
		t.Fatalf("List() after restore = %+v", infos)
	}
	seen := map[string]bool{}
	for _, info := range infos {
		seen[info.ID] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Fatalf("restored ids = %v, want a and b", seen)
	}
	if client.OpenCount() != 2 {
		t.Fatalf("OpenCount = %d, want 2", client.OpenCount())
	}
}

func TestRestoreAllSkipsFailingIDs(t *testing.T) {
	reg, store, client := newTestRegistry(t, nil)
	ctx := context.Background()

	for _, id := range []string{"bad", "good"} {
		if err := store.SaveCreds(ctx, id, &credstore.Creds{DeviceID: id}); err != nil {
			t.Fatalf("SaveCreds(%s) failed: %v", id, err)
		}
	}
	client.OpenFunc = func(octx context.Context, cfg waclient.Config) (waclient.Handle, error) {
		if cfg.Creds.DeviceID == "bad" {
			return nil, errors.New("scripted failure")
		}
		return waclienttest.NewHandle(), nil
	}

	if err := reg.RestoreAll(ctx); err != nil {
		t.Fatalf("RestoreAll() failed: %v", err)
	}
	infos := reg.List(ctx)
	if len(infos) != 1 || infos[0].ID != "good" {
		t.Fatalf("List() after partial restore = %+v", infos)
	}
}

func TestHealthyRequiresIdentity(t *testing.T) {
	reg, _, client := newTestRegistry(t, nil)
	ctx := context.Background()

	sess, err := reg.CreateOrGet(ctx, "s1")
	if err != nil {
		t.Fatalf("CreateOrGet() failed: %v", err)
	}
	if sess.Healthy(ctx) {
		t.Fatal("unpaired session reported healthy")
	}

	client.Handle(0).EmitCreds(&credstore.Creds{Registered: true, Identity: "x@y"})
	waitFor(t, "healthy", func() bool { return sess.Healthy(ctx) })
}

func TestChatCacheSnapshotAndReload(t *testing.T) {
	reg, store, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	sess, err := reg.CreateOrGet(ctx, "s1")
	if err != nil {
		t.Fatalf("CreateOrGet() failed: %v", err)
	}
	sess.Chats().Upsert(ChatMeta{JID: "peer@s", Name: "Peer", LastActivity: time.Now().UTC()})

	waitFor(t, "snapshot persisted", func() bool {
		snap, err := store.GetCache(ctx, "s1")
		return err == nil && snap != nil
	})
	snap, _ := store.GetCache(ctx, "s1")
	var decoded struct {
		Chats []ChatMeta `json:"chats"`
	}
	if err := json.Unmarshal(snap, &decoded); err != nil {
		t.Fatalf("snapshot is not valid JSON: %v", err)
	}
	if len(decoded.Chats) != 1 || decoded.Chats[0].JID != "peer@s" {
		t.Fatalf("snapshot = %+v", decoded)
	}

	// A recreated session reloads the snapshot.
	if err := reg.Close(ctx); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	reg2, err := NewRegistry(Config{Store: store, Client: &waclienttest.Client{}})
	if err != nil {
		t.Fatalf("NewRegistry() failed: %v", err)
	}
	defer reg2.Close(ctx)

	sess2, err := reg2.CreateOrGet(ctx, "s1")
	if err != nil {
		t.Fatalf("CreateOrGet() on new registry failed: %v", err)
	}
	if meta, ok := sess2.Chats().Get("peer@s"); !ok || meta.Name != "Peer" {
		t.Fatalf("reloaded cache entry = %+v (ok=%v)", meta, ok)
	}
}

func TestRegistryCloseStopsSessionsButKeepsCredentials(t *testing.T) {
	reg, store, client := newTestRegistry(t, nil)
	ctx := context.Background()

	if _, err := reg.CreateOrGet(ctx, "s1"); err != nil {
		t.Fatalf("CreateOrGet() failed: %v", err)
	}
	client.Handle(0).EmitCreds(&credstore.Creds{Registered: true, Identity: "x@y"})
	waitFor(t, "creds persisted", func() bool {
		c, _ := store.LoadCreds(ctx, "s1")
		return c.Authenticated()
	})

	if err := reg.Close(ctx); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if !client.Handle(0).Closed() {
		t.Fatal("Close() did not close the handle")
	}
	creds, _ := store.LoadCreds(ctx, "s1")
	if !creds.Authenticated() {
		t.Fatal("Close() must not erase persisted credentials")
	}
	if _, err := reg.CreateOrGet(ctx, "s2"); !errors.Is(err, ErrRegistryClosed) {
		t.Fatalf("CreateOrGet() after Close error = %v, want ErrRegistryClosed", err)
	}
}
