// Package supervisor owns one underlying transport connection per session
// and runs its reconnection state machine.
//
// A supervisor moves through Connecting -> AwaitingAuth -> Connected, with
// Closed as the terminal state. Disconnects loop back to Connecting through
// an exponential-backoff schedule; the close reason decides whether the
// reconnect is immediate (restart-required), delayed (transient losses),
// or terminal (logged-out).
//
// Events from a handle are consumed by one pump goroutine per handle
// generation, so a session's transitions and credential saves happen in
// emission order without blocking other sessions or the emitter's dispatch.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wamux/wamux/credstore"
	"github.com/wamux/wamux/waclient"
)

// State of the supervised connection.
type State int32

const (
	StateConnecting State = iota
	StateAwaitingAuth
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingAuth:
		return "awaiting-auth"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config for one session's supervisor.
type Config struct {
	SessionID string
	Client    waclient.Client
	Store     credstore.Store

	// OnQR receives pairing challenges verbatim as the handle emits them.
	OnQR func(code string)
	// OnCreds observes every credential update after it has been persisted.
	OnCreds func(creds *credstore.Creds)
	// OnTerminal fires once when the session is terminally logged out. The
	// owner is expected to tear the session down, credentials included.
	OnTerminal func(reason waclient.Reason)
	// StillRegistered guards stale reconnect timers: a timer firing after
	// the session was removed must be a no-op.
	StillRegistered func() bool

	Logger *slog.Logger
	Clock  Clock
	// Jitter returns a random duration in [0, max). Replaceable for tests.
	Jitter func(max time.Duration) time.Duration

	// BaseBackoff is the backoff unit, default 1s. The delay before attempt
	// n is min(BaseBackoff*2^n, MaxBackoff) plus jitter.
	BaseBackoff time.Duration
	// MaxBackoff caps the exponential delay, default 5m.
	MaxBackoff time.Duration
	// MaxJitter bounds the random spread added to every delay, default 1s.
	MaxJitter time.Duration
	// OpenTimeout bounds a single connection-open attempt, default 30s.
	OpenTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = SystemClock()
	}
	if c.Jitter == nil {
		c.Jitter = func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return time.Duration(rand.Int64N(int64(max)))
		}
	}
	if c.BaseBackoff == 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.MaxJitter == 0 {
		c.MaxJitter = time.Second
	}
	if c.OpenTimeout == 0 {
		c.OpenTimeout = 30 * time.Second
	}
}

// Supervisor drives the connection lifecycle for one session. Safe for
// concurrent use.
type Supervisor struct {
	cfg Config
	log *slog.Logger

	// saveMu serializes credential writes across handle generations so a
	// later save is never overtaken by an earlier one.
	saveMu sync.Mutex

	mu          sync.Mutex
	state       State
	handle      waclient.Handle
	gen         string
	attempts    int
	lastAttempt time.Time
	backoff     time.Duration
	retryTimer  Timer
	stopped     bool
}

// New builds a supervisor; Start must be called to open the first handle.
func New(cfg Config) *Supervisor {
	cfg.applyDefaults()
	return &Supervisor{
		cfg: cfg,
		log: cfg.Logger.With(slog.String("session_id", cfg.SessionID)),
	}
}

// Start opens the initial connection handle. An error here means the
// session could not be brought up at all and is returned to the caller.
func (s *Supervisor) Start(ctx context.Context) error {
	h, err := s.openHandle(ctx)
	if err != nil {
		return fmt.Errorf("open connection for %s: %w", s.cfg.SessionID, err)
	}
	s.install(h)
	return nil
}

// Stop tears the supervisor down: cancels any pending reconnect and closes
// the current handle. Close failures are logged, not returned. Idempotent.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.state = StateClosed
	s.stopRetryLocked()
	h := s.handle
	s.handle = nil
	s.mu.Unlock()

	if h != nil {
		if err := h.Close(); err != nil {
			s.log.Warn("closing connection handle", "err", err)
		}
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts returns the consecutive-failure count.
func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Backoff returns the most recently computed reconnect delay.
func (s *Supervisor) Backoff() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backoff
}

// openHandle loads the session's current credentials and asks the protocol
// client for a fresh connection built on them.
func (s *Supervisor) openHandle(ctx context.Context) (waclient.Handle, error) {
	creds, err := s.cfg.Store.LoadCreds(ctx, s.cfg.SessionID)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	return s.cfg.Client.Open(ctx, waclient.Config{
		Creds:          creds,
		Fields:         credstore.ScopedReader(s.cfg.Store, s.cfg.SessionID),
		ConnectTimeout: s.cfg.OpenTimeout,
	})
}

// install publishes h as the session's live handle. The old handle, if any,
// is closed first so at most one live connection exists per session at any
// instant.
func (s *Supervisor) install(h waclient.Handle) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		if err := h.Close(); err != nil {
			s.log.Warn("closing handle opened after stop", "err", err)
		}
		return
	}
	if old := s.handle; old != nil && old != h {
		if err := old.Close(); err != nil {
			s.log.Warn("closing replaced handle", "err", err)
		}
	}
	s.handle = h
	gen := uuid.NewString()
	s.gen = gen
	s.state = StateConnecting
	s.stopRetryLocked()
	s.mu.Unlock()

	go s.pump(h, gen)
}

// pump consumes one handle's event stream until the channel closes. It is
// the only goroutine acting on events for its generation, which gives the
// per-session ordering guarantee.
func (s *Supervisor) pump(h waclient.Handle, gen string) {
	for ev := range h.Events() {
		switch e := ev.(type) {
		case waclient.CredsEvent:
			s.persistCreds(gen, e.Creds)
		case waclient.ErrorEvent:
			// Non-fatal; the handle stays open.
			s.log.Warn("protocol error event", "err", e.Err)
		case waclient.StateEvent:
			if e.QR != "" {
				s.onChallenge(gen, e.QR)
			}
			switch e.State {
			case waclient.StateOpen:
				s.onOpen(gen)
			case waclient.StateClosed:
				s.onClosed(gen, e.Reason)
			}
		}
	}
}

// persistCreds saves a credential update in emission order. Failures are
// logged and recovered by the next natural credential event.
func (s *Supervisor) persistCreds(gen string, creds *credstore.Creds) {
	s.mu.Lock()
	stale := gen != s.gen || s.stopped
	s.mu.Unlock()
	if stale {
		s.log.Debug("dropping credential update from stale handle")
		return
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.cfg.Store.SaveCreds(ctx, s.cfg.SessionID, creds); err != nil {
		s.log.Error("persisting credential update failed", "err", err)
		return
	}
	if s.cfg.OnCreds != nil {
		s.cfg.OnCreds(creds)
	}
}

func (s *Supervisor) onChallenge(gen string, code string) {
	s.mu.Lock()
	if gen != s.gen || s.stopped {
		s.mu.Unlock()
		return
	}
	if s.state == StateConnecting {
		s.state = StateAwaitingAuth
	}
	s.mu.Unlock()

	if s.cfg.OnQR != nil {
		s.cfg.OnQR(code)
	}
}

func (s *Supervisor) onOpen(gen string) {
	s.mu.Lock()
	if gen != s.gen || s.stopped {
		s.mu.Unlock()
		return
	}
	s.state = StateConnected
	s.attempts = 0
	s.backoff = 0
	s.lastAttempt = time.Time{}
	s.stopRetryLocked()
	s.mu.Unlock()

	s.log.Info("connection open")
}

// onClosed applies the disconnect decision table.
func (s *Supervisor) onClosed(gen string, reason waclient.Reason) {
	s.mu.Lock()
	if gen != s.gen || s.stopped {
		s.mu.Unlock()
		return
	}

	switch {
	case reason == waclient.ReasonRestartRequired:
		// Credentials were updated mid-handshake; reopen immediately with
		// them. Not counted as a failure attempt.
		s.mu.Unlock()
		s.log.Info("restart required, reopening with updated credentials")
		s.reopen(reason)

	case reason == waclient.ReasonLoggedOut:
		s.state = StateClosed
		s.mu.Unlock()
		s.log.Info("logged out, session is terminal")
		if s.cfg.OnTerminal != nil {
			s.cfg.OnTerminal(reason)
		}

	default:
		if !reason.Transient() {
			s.log.Warn("unrecognized disconnect reason, treating as transient",
				"reason", string(reason))
		} else {
			s.log.Info("connection closed", "reason", string(reason))
		}
		s.scheduleReconnectLocked(reason)
		s.mu.Unlock()
	}
}

// scheduleReconnectLocked arms the backoff timer for one reconnect attempt.
// Called with s.mu held. Events arriving inside the current backoff window
// are skipped; the armed timer already covers them.
func (s *Supervisor) scheduleReconnectLocked(reason waclient.Reason) {
	now := s.cfg.Clock.Now()
	if !s.lastAttempt.IsZero() && now.Sub(s.lastAttempt) < s.backoff {
		s.log.Debug("within backoff window, skipping reconnect attempt",
			"backoff", s.backoff.String())
		return
	}

	s.attempts++
	delay := s.cfg.MaxBackoff
	if s.attempts < 30 {
		if d := s.cfg.BaseBackoff << uint(s.attempts); d < delay {
			delay = d
		}
	}
	delay += s.cfg.Jitter(s.cfg.MaxJitter)
	s.backoff = delay
	s.lastAttempt = now
	s.state = StateConnecting

	s.log.Info("scheduling reconnect",
		"attempt", s.attempts,
		"delay", delay.String(),
		"reason", string(reason))
	s.stopRetryLocked()
	s.retryTimer = s.cfg.Clock.AfterFunc(delay, func() { s.retryFire(reason) })
}

// stopRetryLocked cancels a pending reconnect timer so at most one is ever
// armed. Called with s.mu held.
func (s *Supervisor) stopRetryLocked() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}

// retryFire runs when the backoff delay elapses.
func (s *Supervisor) retryFire(reason waclient.Reason) {
	if s.cfg.StillRegistered != nil && !s.cfg.StillRegistered() {
		s.log.Debug("reconnect timer fired for removed session, ignoring")
		return
	}
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return
	}
	s.reopen(reason)
}

// reopen performs one replacement-connection attempt.
func (s *Supervisor) reopen(reason waclient.Reason) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.OpenTimeout)
	defer cancel()

	h, err := s.openHandle(ctx)
	if err == nil {
		s.install(h)
		return
	}

	if reason == waclient.ReasonRestartRequired || reason.Transient() {
		s.log.Warn("reconnect failed, backing off", "err", err)
		s.mu.Lock()
		if !s.stopped {
			s.scheduleReconnectLocked(reason)
		}
		s.mu.Unlock()
		return
	}
	// Unrecognized reason and the reconnect itself failed: keep the session
	// registered with its last (closed) handle so an operator or the
	// restorer can recover it later.
	s.log.Error("reconnect failed, leaving session for later recovery",
		"reason", string(reason), "err", err)
}
