// Package waclient defines the boundary to the underlying wire-protocol
// client: the external collaborator that actually speaks the messaging
// protocol (connection, encryption, message send/receive). Nothing in this
// repository implements the protocol; the session layer drives connection
// lifecycles purely through these interfaces.
//
// A Handle's event channel carries events in emission order and is closed
// when the handle terminates (Close or internal teardown). Consumers must
// drain the channel promptly; implementations may buffer but are allowed to
// block on a slow consumer.
package waclient

import (
	"context"
	"time"

	"github.com/wamux/wamux/credstore"
)

// State of the transport connection as reported by the protocol client.
type State string

const (
	// StateNone marks an event that carries no connection transition, such
	// as a bare pairing challenge.
	StateNone State = ""
	// StateOpen means the connection is established and authenticated.
	StateOpen State = "open"
	// StateClosed means the connection ended; Reason says why.
	StateClosed State = "close"
)

// Reason is the protocol-defined classification of why a connection closed.
type Reason string

const (
	// ReasonRestartRequired: credentials were just updated mid-handshake and
	// the transport must be reopened with them. Not a failure.
	ReasonRestartRequired Reason = "restart-required"
	// ReasonLoggedOut: explicit operator- or remote-initiated logout. Terminal.
	ReasonLoggedOut Reason = "logged-out"

	ReasonTimedOut     Reason = "timed-out"
	ReasonConnClosed   Reason = "connection-closed"
	ReasonConnLost     Reason = "connection-lost"
	ReasonConnReplaced Reason = "connection-replaced"
)

// Transient reports whether the reason is one of the known retryable
// disconnect causes. Unknown reasons are not transient by this predicate;
// the supervisor treats them as retryable anyway, at higher log severity.
func (r Reason) Transient() bool {
	switch r {
	case ReasonTimedOut, ReasonConnClosed, ReasonConnLost, ReasonConnReplaced:
		return true
	}
	return false
}

// Event is one occurrence on a handle's event stream.
type Event interface {
	isEvent()
}

// StateEvent reports a connection transition, a pairing challenge, or both.
// A non-empty QR with State == StateNone is a bare challenge and implies no
// transition.
type StateEvent struct {
	State  State
	Reason Reason
	// QR is the pairing challenge string, when the protocol produced one.
	QR string
}

// CredsEvent reports that the protocol client mutated the credential
// material (key rotation, pairing completion). The carried blob is the full
// replacement state and must be persisted in emission order.
type CredsEvent struct {
	Creds *credstore.Creds
}

// ErrorEvent reports a non-fatal protocol error. The handle remains open.
type ErrorEvent struct {
	Err error
}

func (StateEvent) isEvent() {}
func (CredsEvent) isEvent() {}
func (ErrorEvent) isEvent() {}

// Config given to Open. Creds is the resume material; Fields provides the
// per-peer cryptographic state scoped to this session.
type Config struct {
	Creds  *credstore.Creds
	Fields credstore.FieldReader

	ConnectTimeout    time.Duration
	KeepAliveInterval time.Duration
	MaxInitRetries    int
}

// Handle is one live (or recently closed) transport connection. Handles are
// replaced, never reused: a reconnect opens a new Handle and closes the old
// one.
type Handle interface {
	// Events returns the handle's event stream. The channel is closed when
	// the handle terminates.
	Events() <-chan Event
	// Close tears the connection down and releases underlying resources.
	// Idempotent.
	Close() error
}

// Client opens transport connections. Implementations wrap the real
// protocol library.
type Client interface {
	Open(ctx context.Context, cfg Config) (Handle, error)
}
