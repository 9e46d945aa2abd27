// Package lock defines the session mutex: an exclusive, leased, fenced lock
// keyed by session. The mutex serializes turn workflows per session while
// fencing tokens keep crashed or stalled holders from winning commit races
// after a replacement takes over.
//
// Contract:
//   - One holder per key at a time. Acquire blocks up to the configured
//     timeout, then fails with ErrNotAcquired.
//   - Leases are short and renewed explicitly between workflow steps. A
//     holder that misses its renewals loses the lease; subsequent Renew or
//     Release calls return ErrLeaseLost.
//   - Tokens are strictly increasing per key. Stores compare tokens on every
//     Session/LogicalTurn write and reject regressions with
//     ErrFencingViolation, so a reaped holder cannot commit stale state.
//
// The lock is intentionally not scoped to a critical section: it is held
// across durable workflow steps and released only on terminal paths.
package lock

import (
	"context"
	"errors"
	"time"

	"goa.design/acf/runtime/fabric"
)

var (
	// ErrNotAcquired indicates the blocking timeout elapsed before the lock
	// became available.
	ErrNotAcquired = errors.New("session lock not acquired")

	// ErrLeaseLost indicates the lease expired or was force-released and the
	// caller no longer holds the lock.
	ErrLeaseLost = errors.New("session lease lost")

	// ErrFencingViolation indicates a write carried a token older than the
	// last token the store accepted for the key. Stores fail closed on it.
	ErrFencingViolation = errors.New("fencing token regression")
)

type (
	// Token is the monotonic fencing identifier issued with each successful
	// acquisition. Larger tokens always denote later holders of the same key.
	Token uint64

	// AcquireOptions bounds an acquisition attempt.
	AcquireOptions struct {
		// LeaseTTL is the initial lease duration. The holder must renew
		// before it elapses. Zero means the implementation default (30s).
		LeaseTTL time.Duration

		// BlockTimeout caps how long Acquire waits for the lock to free up.
		// Zero means a single non-blocking attempt.
		BlockTimeout time.Duration
	}

	// Mutex hands out exclusive session leases. Renew and Release address
	// leases by token rather than by handle so a holder can be resumed from
	// another process: durable workflows persist the token, not the Lease.
	Mutex interface {
		// Acquire obtains the lock for key, waiting up to
		// opts.BlockTimeout. On contention past the timeout it returns
		// ErrNotAcquired.
		Acquire(ctx context.Context, key fabric.SessionKey, opts AcquireOptions) (Lease, error)

		// Renew extends the lease identified by token with a fresh ttl from
		// now. Zero ttl renews by DefaultLeaseTTL. Returns ErrLeaseLost when
		// the lease expired or another holder owns the key.
		Renew(ctx context.Context, key fabric.SessionKey, token Token, ttl time.Duration) error

		// Release frees the lock if token still holds it. Releasing a lost
		// lease is a no-op returning nil so terminal workflow paths stay
		// simple.
		Release(ctx context.Context, key fabric.SessionKey, token Token) error

		// ForceRelease clears the current holder of key regardless of lease
		// state. Administrative escape hatch: the evicted holder's token is
		// not reissued, so its writes still lose fencing comparisons.
		ForceRelease(ctx context.Context, key fabric.SessionKey) error
	}

	// Lease is a held lock handle for in-process callers. All methods are
	// safe to call after loss; they report ErrLeaseLost rather than panic.
	Lease interface {
		// Key returns the session key the lease covers.
		Key() fabric.SessionKey

		// Token returns the fencing token issued at acquisition.
		Token() Token

		// Renew extends the lease by ttl from now. Zero ttl renews by the
		// original LeaseTTL.
		Renew(ctx context.Context, ttl time.Duration) error

		// Release frees the lock if still held. Releasing a lost lease is a
		// no-op returning nil so terminal workflow paths stay simple.
		Release(ctx context.Context) error
	}
)

// DefaultLeaseTTL is applied when AcquireOptions.LeaseTTL is zero.
const DefaultLeaseTTL = 30 * time.Second
