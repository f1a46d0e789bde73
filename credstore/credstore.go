// Package credstore provides durable persistence of per-session credential
// material and cached protocol state, namespaced by session id.
//
// The credential blob is the secret/state material required to resume an
// authenticated connection without re-pairing. Alongside it, the store holds
// batched keyed fields (per-peer cryptographic state such as signal sessions
// and pre-keys) and an optional serialized cache snapshot under a derived
// per-session key.
//
// Implementations
//
//	memstore    : in-memory reference used for tests / single-process examples
//	redisstore  : Redis-backed implementation for deployments with shared infra
//	badgerstore : embedded on-disk implementation for diskful single nodes
package credstore

import (
	"context"
)

// FieldType partitions auxiliary keyed material under a session. Values are
// dictated by the protocol client; the store treats them as opaque namespace
// segments.
type FieldType string

const (
	FieldPreKeys      FieldType = "pre-keys"
	FieldSessions     FieldType = "sessions"
	FieldSenderKeys   FieldType = "sender-keys"
	FieldAppStateKeys FieldType = "app-state-keys"
)

// Creds is the durable credential blob for one session. All byte fields are
// opaque protocol material; the store never interprets them.
type Creds struct {
	// NoiseKey is the static noise keypair used to resume the transport.
	NoiseKey []byte `json:"noise_key,omitempty"`
	// IdentityKey is the long-term signal identity keypair.
	IdentityKey []byte `json:"identity_key,omitempty"`
	// SignedPreKey is the current signed pre-key record.
	SignedPreKey []byte `json:"signed_pre_key,omitempty"`
	// RegistrationID is assigned by the protocol during pairing.
	RegistrationID uint32 `json:"registration_id,omitempty"`
	// DeviceID identifies this device to the remote service.
	DeviceID string `json:"device_id,omitempty"`
	// Identity is the account identity (JID) once pairing completes.
	Identity string `json:"identity,omitempty"`
	// Platform is the reported companion platform string.
	Platform string `json:"platform,omitempty"`
	// Registered is set once the remote service has accepted the pairing.
	Registered bool `json:"registered"`
}

// NewCreds returns a freshly initialized, unregistered credential set. The
// protocol client populates the key material during its first handshake and
// surfaces it back through a credentials-changed event.
func NewCreds() *Creds {
	return &Creds{}
}

// Authenticated reports whether the credentials carry a verified identity.
func (c *Creds) Authenticated() bool {
	return c != nil && c.Registered && c.Identity != ""
}

// Clone returns a deep copy. Stores hand out copies so callers cannot alias
// persisted state.
func (c *Creds) Clone() *Creds {
	if c == nil {
		return nil
	}
	out := *c
	out.NoiseKey = append([]byte(nil), c.NoiseKey...)
	out.IdentityKey = append([]byte(nil), c.IdentityKey...)
	out.SignedPreKey = append([]byte(nil), c.SignedPreKey...)
	return &out
}

// Store is the durable credential persistence contract. All operations are
// namespaced by session id with no cross-id invariants, so implementations
// may be accessed concurrently by many sessions.
type Store interface {
	// LoadCreds returns the persisted credentials for id, or a freshly
	// initialized empty credential set if none exist. A missing id is not an
	// error.
	LoadCreds(ctx context.Context, id string) (*Creds, error)

	// SaveCreds idempotently overwrites the full credential blob for id.
	SaveCreds(ctx context.Context, id string, creds *Creds) error

	// GetFields reads a batch of keyed material of one field type. The result
	// contains an entry for every requested key; absent keys map to a nil
	// value, never an error.
	GetFields(ctx context.Context, id string, ft FieldType, keys []string) (map[string][]byte, error)

	// SetFields writes a batch of keyed material of one field type. A nil
	// value deletes that field. The batch is applied as a unit per call;
	// partial application must not corrupt unrelated fields.
	SetFields(ctx context.Context, id string, ft FieldType, updates map[string][]byte) error

	// DeleteSession removes the credential blob, all fields of every type,
	// and any cache snapshot for id. Deleting an absent id is not an error.
	DeleteSession(ctx context.Context, id string) error

	// ListIDs enumerates every id that has a saved credential blob.
	ListIDs(ctx context.Context) ([]string, error)

	// PutCache stores a serialized cache snapshot under the derived
	// per-session cache key, independent of the credential path.
	PutCache(ctx context.Context, id string, snapshot []byte) error

	// GetCache returns the stored cache snapshot, or nil if none exists.
	GetCache(ctx context.Context, id string) ([]byte, error)

	// Close releases the backing resources.
	Close() error
}

// FieldReader is the read-only per-session view of keyed material handed to
// the protocol client, pre-scoped to one session id.
type FieldReader interface {
	GetFields(ctx context.Context, ft FieldType, keys []string) (map[string][]byte, error)
}

// ScopedReader binds a Store and a session id into a FieldReader.
func ScopedReader(s Store, id string) FieldReader {
	return scopedReader{s: s, id: id}
}

type scopedReader struct {
	s  Store
	id string
}

func (r scopedReader) GetFields(ctx context.Context, ft FieldType, keys []string) (map[string][]byte, error) {
	return r.s.GetFields(ctx, r.id, ft, keys)
}
