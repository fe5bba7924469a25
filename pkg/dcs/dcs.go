package dcs

import (
    "context"
    "time"
)

// Store is the minimal abstraction over the external distributed consensus
// store (DCS). It is assumed linearizable: acquire is an atomic
// create-if-absent, CASPut is a single-key compare-and-swap, and Watch
// delivers changes in apply order. All cross-node coordination in this
// module reduces to these primitives; agents never talk to each other's
// internal state directly.
type Store interface {
    Start(ctx context.Context) error

    // AcquireLease atomically creates a lease for key when no live lease
    // exists (an expired lease counts as absent). ok reports whether this
    // holder won; losing is not an error.
    AcquireLease(ctx context.Context, key, holderID string, ttl time.Duration) (Lease, bool, error)

    // RenewLease extends ExpiresAt when holder and term still match the
    // stored lease under key. ok=false means ownership was lost to another
    // holder; callers must treat that as a control-flow signal, not an
    // error. A successful renewal never changes the term.
    RenewLease(ctx context.Context, key string, lease Lease, ttl time.Duration) (Lease, bool, error)

    // ReleaseLease deletes the lease under key when holder and term match.
    // The term counter for the key survives release and is never reused.
    ReleaseLease(ctx context.Context, key string, lease Lease) error

    // GetLease reads the current lease for key. ok=false when absent or
    // expired.
    GetLease(ctx context.Context, key string) (Lease, bool, error)

    // Put writes a plain value. A non-zero ttl makes the key self-expire
    // (used for per-member health keys so a crashed agent's last report
    // does not outlive it).
    Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

    // CASPut writes value only when the stored version equals
    // expectedVersion (0 means "key absent"). Returns the new version.
    CASPut(ctx context.Context, key string, expectedVersion uint64, value []byte) (uint64, bool, error)

    // Get reads a plain value with its version. ok=false when absent.
    Get(ctx context.Context, key string) ([]byte, uint64, bool, error)

    // Watch streams change events for key until ctx is done. The stream is
    // best-effort and restartable: consumers must tolerate gaps and re-Get
    // after restarting a watch.
    Watch(ctx context.Context, key string) (<-chan Event, error)

    Stop() error
}
