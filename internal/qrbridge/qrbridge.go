// Package qrbridge turns the asynchronous "pairing challenge produced"
// event into an awaitable value for one synchronous caller.
//
// The Slot is a single-slot mailbox with latest-caller-wins semantics: at
// most one waiter exists per session, a newer Wait replaces the current
// waiter, and a Deliver with nobody waiting drops the challenge. Delivery
// and registration may race from the connection's event goroutine and a
// caller goroutine; the slot's mutex makes either order deterministic.
package qrbridge

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrWaiterReplaced is returned from Wait when a newer caller registered
	// before a challenge arrived.
	ErrWaiterReplaced = errors.New("challenge waiter replaced by a newer caller")
	// ErrSlotClosed is returned from Wait when the session shut down.
	ErrSlotClosed = errors.New("challenge slot closed")
)

type result struct {
	code string
	err  error
}

// Slot is the per-session challenge mailbox. The zero value is ready to use.
type Slot struct {
	mu     sync.Mutex
	waiter chan result
	closed bool
}

// Wait registers the caller as the slot's waiter and blocks until the next
// challenge is delivered, the waiter is replaced, the slot closes, or ctx
// ends. Any previously registered waiter is released with ErrWaiterReplaced.
func (s *Slot) Wait(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrSlotClosed
	}
	if prev := s.waiter; prev != nil {
		select {
		case prev <- result{err: ErrWaiterReplaced}:
		default:
		}
	}
	ch := make(chan result, 1)
	s.waiter = ch
	s.mu.Unlock()

	select {
	case r := <-ch:
		return r.code, r.err
	case <-ctx.Done():
		s.mu.Lock()
		if s.waiter == ch {
			s.waiter = nil
		}
		s.mu.Unlock()
		return "", ctx.Err()
	}
}

// Deliver resolves the current waiter with code and reports whether anyone
// received it. With no waiter registered the challenge is dropped.
func (s *Slot) Deliver(code string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.waiter == nil {
		return false
	}
	select {
	case s.waiter <- result{code: code}:
	default:
		return false
	}
	s.waiter = nil
	return true
}

// Close fails the outstanding waiter, if any, and makes all future Wait
// calls return ErrSlotClosed. Idempotent.
func (s *Slot) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.waiter != nil {
		select {
		case s.waiter <- result{err: ErrSlotClosed}:
		default:
		}
		s.waiter = nil
	}
}
