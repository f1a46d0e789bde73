package sessions

import (
	"errors"

	"github.com/wamux/wamux/internal/qrbridge"
)

// Errors surfaced to callers of the registry. Transient connection loss is
// never among them; it is handled entirely inside the supervisor.
var (
	// ErrSessionNotFound: the requested id has no registered session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrAuthRequired: the session exists but has no verified identity yet;
	// the caller must obtain a new pairing challenge.
	ErrAuthRequired = errors.New("session requires authentication")
	// ErrAlreadyAuthenticated: a challenge was requested for a session that
	// already holds a verified identity.
	ErrAlreadyAuthenticated = errors.New("session is already authenticated")
	// ErrRegistryClosed: the registry has been shut down.
	ErrRegistryClosed = errors.New("session registry closed")

	// ErrChallengeSuperseded: a newer caller took over the challenge wait.
	ErrChallengeSuperseded = qrbridge.ErrWaiterReplaced
	// ErrSessionClosed: the session shut down while a caller was waiting.
	ErrSessionClosed = qrbridge.ErrSlotClosed
)
