package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wamux/wamux/credstore"
	"github.com/wamux/wamux/internal/qrbridge"
	"github.com/wamux/wamux/internal/supervisor"
	"github.com/wamux/wamux/waclient"
)

// Config for the session registry.
type Config struct {
	// Store persists credentials and cached protocol state. Required.
	Store credstore.Store
	// Client opens transport connections. Required.
	Client waclient.Client

	Logger *slog.Logger

	// SnapshotInterval is the chat-cache persistence period, default 10s.
	SnapshotInterval time.Duration
	// ChatCacheLimit bounds the per-session conversation cache, default 256.
	ChatCacheLimit int
	// OpenTimeout bounds a single connection-open attempt, default 30s.
	OpenTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.SnapshotInterval == 0 {
		c.SnapshotInterval = 10 * time.Second
	}
	if c.ChatCacheLimit == 0 {
		c.ChatCacheLimit = 256
	}
	if c.OpenTimeout == 0 {
		c.OpenTimeout = 30 * time.Second
	}
}

// Info is one row of a registry listing.
type Info struct {
	ID            string `json:"id"`
	Authenticated bool   `json:"authenticated"`
	Identity      string `json:"identity,omitempty"`
}

// entry reserves one id's slot in the table. ready is closed once creation
// finished; racing callers wait on it and then read sess or err.
type entry struct {
	ready chan struct{}
	sess  *Session
	err   error
}

// Registry is the authoritative map from session id to live session. All
// mutations happen under one lock and are immediately visible to Get/List.
type Registry struct {
	cfg Config
	log *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	closed  bool
}

// NewRegistry validates cfg and returns an empty registry.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("sessions: Config.Store is required")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("sessions: Config.Client is required")
	}
	cfg.applyDefaults()
	return &Registry{
		cfg:     cfg,
		log:     cfg.Logger,
		entries: make(map[string]*entry),
	}, nil
}

// CreateOrGet returns the registered session for id, creating it if absent.
// The id's slot is reserved atomically before any I/O, so concurrent calls
// for the same id result in exactly one underlying connection open and all
// callers observing the same session. An existing session is returned
// unchanged with no new connection attempt.
func (r *Registry) CreateOrGet(ctx context.Context, id string) (*Session, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	if e, ok := r.entries[id]; ok {
		r.mu.Unlock()
		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
		return e.sess, nil
	}
	e := &entry{ready: make(chan struct{})}
	r.entries[id] = e
	r.mu.Unlock()

	sess, err := r.create(ctx, id)
	if err != nil {
		e.err = err
		r.mu.Lock()
		if cur, ok := r.entries[id]; ok && cur == e {
			delete(r.entries, id)
		}
		r.mu.Unlock()
		close(e.ready)
		return nil, err
	}
	e.sess = sess
	close(e.ready)
	r.log.Info("session registered", "session_id", id, "authenticated", sess.Authenticated())
	return sess, nil
}

// create performs the credential load and connection open for a freshly
// reserved slot.
func (r *Registry) create(ctx context.Context, id string) (*Session, error) {
	log := r.log.With(slog.String("session_id", id))

	creds, err := r.cfg.Store.LoadCreds(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load credentials for %s: %w", id, err)
	}

	sess := &Session{
		id:       id,
		reg:      r,
		log:      log,
		creds:    creds,
		qr:       &qrbridge.Slot{},
		cache:    newChatCache(r.cfg.ChatCacheLimit),
		snapStop: make(chan struct{}),
		snapDone: make(chan struct{}),
	}

	if snap, err := r.cfg.Store.GetCache(ctx, id); err != nil {
		log.Warn("loading cache snapshot failed", "err", err)
	} else if snap != nil {
		if err := sess.cache.restore(snap); err != nil {
			log.Warn("corrupt cache snapshot, starting empty", "err", err)
		}
	}

	sup := supervisor.New(supervisor.Config{
		SessionID:       id,
		Client:          r.cfg.Client,
		Store:           r.cfg.Store,
		OnQR:            func(code string) { sess.qr.Deliver(code) },
		OnCreds:         sess.setCreds,
		OnTerminal:      func(reason waclient.Reason) { r.removeTerminal(sess) },
		StillRegistered: func() bool { return r.holds(sess) },
		Logger:          r.cfg.Logger,
		OpenTimeout:     r.cfg.OpenTimeout,
	})
	if err := sup.Start(ctx); err != nil {
		return nil, err
	}
	sess.sup = sup

	go sess.snapshotLoop(r.cfg.SnapshotInterval)
	return sess, nil
}

// Get returns the registered session for id or ErrSessionNotFound.
func (r *Registry) Get(ctx context.Context, id string) (*Session, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	select {
	case <-e.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if e.err != nil {
		return nil, ErrSessionNotFound
	}
	return e.sess, nil
}

// List returns a snapshot of all registered sessions. Slots whose creation
// is still in flight are omitted.
func (r *Registry) List(ctx context.Context) []Info {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	infos := make([]Info, 0, len(entries))
	for _, e := range entries {
		select {
		case <-e.ready:
		default:
			continue
		}
		if e.err != nil || e.sess == nil {
			continue
		}
		infos = append(infos, Info{
			ID:            e.sess.ID(),
			Authenticated: e.sess.Authenticated(),
			Identity:      e.sess.Identity(),
		})
	}
	return infos
}

// Delete closes the session's connection (best effort), removes it from
// the registry, cancels any pending reconnect, and erases its persisted
// credentials. Returns ErrSessionNotFound for an unknown id.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(r.entries, id)
	r.mu.Unlock()

	select {
	case <-e.ready:
	case <-ctx.Done():
		// The slot is already out of the table, so no later call can reach
		// this entry again. Finish the teardown detached rather than leave a
		// live connection that nothing references.
		go func() {
			<-e.ready
			dctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := r.teardown(dctx, e, id); err != nil {
				r.log.Error("detached session teardown failed",
					"session_id", id, "err", err)
			}
		}()
		return ctx.Err()
	}
	return r.teardown(ctx, e, id)
}

// teardown closes a removed slot's session and erases its persisted
// credentials. The entry must already be out of the table.
func (r *Registry) teardown(ctx context.Context, e *entry, id string) error {
	if e.err == nil && e.sess != nil {
		e.sess.shutdown()
	}
	if err := r.cfg.Store.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("delete credentials for %s: %w", id, err)
	}
	r.log.Info("session deleted", "session_id", id)
	return nil
}

// removeTerminal tears down a session after the protocol reported an
// unrecoverable logout. Failures are logged, not propagated; the event
// path must never crash the process.
func (r *Registry) removeTerminal(sess *Session) {
	r.mu.Lock()
	e, ok := r.entries[sess.id]
	if !ok || e.sess != sess {
		r.mu.Unlock()
		return
	}
	delete(r.entries, sess.id)
	r.mu.Unlock()

	sess.shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.cfg.Store.DeleteSession(ctx, sess.id); err != nil {
		r.log.Error("deleting credentials after logout failed",
			"session_id", sess.id, "err", err)
	}
	r.log.Info("session removed after logout", "session_id", sess.id)
}

// holds reports whether sess is still the registered session for its id.
// Reconnect timers check this before acting so a stale timer firing after
// deletion is a no-op.
func (r *Registry) holds(sess *Session) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[sess.id]
	return ok && e.sess == sess
}

// Close shuts every session down without touching persisted credentials,
// then rejects further registry use.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	for i, e := range entries {
		select {
		case <-e.ready:
		case <-ctx.Done():
			// Same contract as Delete: the entries are already out of the
			// table, so their shutdown must run even if the caller gave up.
			go shutdownEntries(entries[i:])
			return ctx.Err()
		}
		if e.err == nil && e.sess != nil {
			e.sess.shutdown()
		}
	}
	return nil
}

func shutdownEntries(entries []*entry) {
	for _, e := range entries {
		<-e.ready
		if e.err == nil && e.sess != nil {
			e.sess.shutdown()
		}
	}
}
