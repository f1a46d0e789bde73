package sessions

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wamux/wamux/credstore"
	"github.com/wamux/wamux/internal/qrbridge"
	"github.com/wamux/wamux/internal/supervisor"
)

// Session is one tenant's authenticated messaging connection and its
// lifecycle state. Sessions are created and owned by the Registry; callers
// hold them only to inspect state and await pairing challenges.
type Session struct {
	id  string
	reg *Registry
	log *slog.Logger

	credsMu sync.RWMutex
	creds   *credstore.Creds

	qr    *qrbridge.Slot
	sup   *supervisor.Supervisor
	cache *ChatCache

	shutdownOnce sync.Once
	snapStop     chan struct{}
	snapDone     chan struct{}
}

// ID returns the externally supplied, immutable session id.
func (s *Session) ID() string { return s.id }

// Authenticated reports whether the session holds a verified identity.
func (s *Session) Authenticated() bool {
	s.credsMu.RLock()
	defer s.credsMu.RUnlock()
	return s.creds.Authenticated()
}

// Identity returns the account identity, or "" before pairing completes.
func (s *Session) Identity() string {
	s.credsMu.RLock()
	defer s.credsMu.RUnlock()
	if s.creds == nil {
		return ""
	}
	return s.creds.Identity
}

// State returns the connection lifecycle state ("connecting",
// "awaiting-auth", "connected", "closed").
func (s *Session) State() string { return s.sup.State().String() }

// Chats returns the session's bound conversation-metadata cache.
func (s *Session) Chats() *ChatCache { return s.cache }

// WaitForQR blocks until the connection produces its next pairing
// challenge. At most one caller waits at a time; a newer call replaces the
// waiter (latest challenge wins). Returns ErrAlreadyAuthenticated when the
// session no longer needs pairing.
func (s *Session) WaitForQR(ctx context.Context) (string, error) {
	if s.Authenticated() {
		return "", ErrAlreadyAuthenticated
	}
	return s.qr.Wait(ctx)
}

// Healthy reports whether the session is usable without re-authentication:
// it has an identity and a best-effort probe of its bound cache succeeds.
func (s *Session) Healthy(ctx context.Context) bool {
	if s.Identity() == "" {
		return false
	}
	if _, err := s.reg.cfg.Store.GetCache(ctx, s.id); err != nil {
		s.log.Warn("cache probe failed", "err", err)
		return false
	}
	return true
}

func (s *Session) setCreds(creds *credstore.Creds) {
	s.credsMu.Lock()
	s.creds = creds
	s.credsMu.Unlock()
}

// snapshotLoop periodically serializes the chat cache back to the store.
// Snapshot failures are logged and never affect the live session.
func (s *Session) snapshotLoop(interval time.Duration) {
	defer close(s.snapDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.persistSnapshot()
		case <-s.snapStop:
			s.persistSnapshot()
			return
		}
	}
}

func (s *Session) persistSnapshot() {
	data, ok := s.cache.snapshot()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.reg.cfg.Store.PutCache(ctx, s.id, data); err != nil {
		s.log.Warn("persisting cache snapshot failed", "err", err)
	}
}

// shutdown stops the snapshot loop, the supervisor (which cancels any
// pending reconnect and closes the handle), and releases any challenge
// waiter. It does not touch persisted credentials.
func (s *Session) shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.snapStop)
		<-s.snapDone
		s.sup.Stop()
		s.qr.Close()
	})
}
