// Package idempotency provides the fabric's three dedup keyspaces.
//
// Every ingress request, logical turn, and side-effecting tool call claims a
// key before executing and records its outcome after. Claims are two-phase:
// TryRecord either grants ownership (Fresh) or returns what the first owner
// recorded, and Complete publishes the outcome for later duplicates to
// replay. Keys carry the payload hash of the request that claimed them;
// reusing a key with a different payload is a conflict, never a replay.
package idempotency

import (
	"context"
	"errors"
	"sync"
	"time"

	"goa.design/acf/runtime/fabric"
)

type (
	// Scope is one of the three disjoint keyspaces.
	Scope string

	// Key addresses one dedup record. The rendered form is the storage key
	// used by every backend, so records written by one process dedup
	// requests seen by another.
	Key struct {
		// Scope selects the keyspace.
		Scope Scope
		// ID is the scope-specific identifier, already tenant-qualified.
		ID string
	}

	// Result is the outcome of a claim.
	Result struct {
		// Fresh reports whether the caller claimed the key and now owns
		// the execution. Fresh claimants must call Complete.
		Fresh bool
		// Done reports whether the first owner recorded its outcome.
		Done bool
		// Value is the recorded outcome; set only when Done.
		Value []byte
	}

	// Store persists dedup records.
	//
	// Contract:
	// - TryRecord claims key for payloadHash with the given TTL (zero means
	//   the scope default). A live record with a different hash returns
	//   ErrPayloadMismatch: the caller reused a key for a different body.
	// - Complete records the outcome on a live claim. Completing an expired
	//   claim is a no-op: the dedup window has closed and a later retry
	//   re-executes, which is the documented TTL semantics.
	Store interface {
		TryRecord(ctx context.Context, key Key, payloadHash string, ttl time.Duration) (Result, error)
		Complete(ctx context.Context, key Key, value []byte) error
	}

	// TTLSet resolves the ingress dedup window per tenant, with a shared
	// default for tenants without an override. Safe for concurrent use;
	// Replace swaps the override layer wholesale on config reload.
	TTLSet struct {
		mu        sync.RWMutex
		def       time.Duration
		overrides map[fabric.TenantID]time.Duration
	}
)

const (
	// ScopeAPI dedups end-to-end ingress requests by client-supplied key.
	ScopeAPI Scope = "api"
	// ScopeBeat dedups logical turns by message set and commit.
	ScopeBeat Scope = "beat"
	// ScopeTool guards side-effecting tool calls against retries.
	ScopeTool Scope = "tool"
)

const (
	// DefaultAPITTL bounds the ingress dedup window.
	DefaultAPITTL = 5 * time.Minute
	// DefaultBeatTTL bounds the turn dedup window.
	DefaultBeatTTL = 60 * time.Second
	// DefaultToolTTL bounds the tool-call dedup window.
	DefaultToolTTL = 24 * time.Hour
)

// ErrPayloadMismatch indicates a key collision with a different payload
// hash. Callers must fail the request rather than replay the cached value.
var ErrPayloadMismatch = errors.New("idempotency key reused with different payload")

// DefaultTTL returns the scope's dedup window.
func (s Scope) DefaultTTL() time.Duration {
	switch s {
	case ScopeAPI:
		return DefaultAPITTL
	case ScopeBeat:
		return DefaultBeatTTL
	case ScopeTool:
		return DefaultToolTTL
	default:
		return DefaultBeatTTL
	}
}

// NewTTLSet builds a TTLSet with the given default window. Zero or negative
// falls back to DefaultAPITTL.
func NewTTLSet(def time.Duration) *TTLSet {
	if def <= 0 {
		def = DefaultAPITTL
	}
	return &TTLSet{def: def, overrides: map[fabric.TenantID]time.Duration{}}
}

// Replace swaps the per-tenant overrides. Used by configuration hot reload.
func (s *TTLSet) Replace(overrides map[fabric.TenantID]time.Duration) {
	c := make(map[fabric.TenantID]time.Duration, len(overrides))
	for tenant, d := range overrides {
		if d > 0 {
			c[tenant] = d
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides = c
}

// For returns the dedup window for tenant: override first, then the default.
func (s *TTLSet) For(tenant fabric.TenantID) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if d, ok := s.overrides[tenant]; ok {
		return d
	}
	return s.def
}

// String renders the storage key.
func (k Key) String() string {
	return "acf:idem:" + string(k.Scope) + ":" + k.ID
}

// APIKey dedups one ingress request under the client-supplied key.
func APIKey(tenant fabric.TenantID, idempotencyKey string) Key {
	return Key{Scope: ScopeAPI, ID: string(tenant) + ":" + idempotencyKey}
}

// BeatKey dedups a logical turn by its message set. The digest is order
// independent: resubmitting the same messages in any order lands on the
// same key.
func BeatKey(tenant fabric.TenantID, messages []fabric.Message) Key {
	ids := fabric.SortedMessageIDs(messages)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, string(id))
	}
	return Key{Scope: ScopeBeat, ID: string(tenant) + ":" + fabric.Fingerprint(parts...)}
}

// MessageKey aliases one message to the turn that absorbed it, letting the
// gateway answer per-message resubmissions inside the beat window.
func MessageKey(tenant fabric.TenantID, id fabric.MessageID) Key {
	return Key{Scope: ScopeBeat, ID: string(tenant) + ":msg:" + string(id)}
}

// CommitKey guards the commit step of one turn so workflow retries emit the
// outbound envelope at most once per dedup window.
func CommitKey(key fabric.SessionKey, group fabric.TurnGroupID, turn fabric.TurnID) Key {
	return Key{Scope: ScopeBeat, ID: string(key) + ":commit:" + string(group) + ":" + string(turn)}
}

// ToolKey guards one side-effecting tool call by its tool-specific
// fingerprint.
func ToolKey(tenant fabric.TenantID, tool, fingerprint string) Key {
	return Key{Scope: ScopeTool, ID: string(tenant) + ":" + tool + ":" + fingerprint}
}

// MessagePayloadHash digests one message for message-scope claims. Gateway
// claims and commit-time aliases must agree on it, so a resubmitted message
// ID with different content surfaces as ErrPayloadMismatch instead of
// replaying the cached response.
func MessagePayloadHash(m fabric.Message) string {
	return fabric.Fingerprint(string(m.ID), m.Content)
}

// BeatPayloadHash digests a message set for beat-scope claims, order
// independently, matching the BeatKey digest.
func BeatPayloadHash(msgs []fabric.Message) string {
	ids := fabric.SortedMessageIDs(msgs)
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return fabric.Fingerprint(parts...)
}
