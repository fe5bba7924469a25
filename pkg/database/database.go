package database

import (
    "context"
)

// Probe is the result of one health probe against the local database.
type Probe struct {
    // CanWrite reports whether the database currently accepts writes
    // (i.e., it is running as primary).
    CanWrite bool
    // LagMillis is the replication lag relative to the last known primary
    // write position. Zero for a writable primary.
    LagMillis int64
}

// Manager is the control interface to the local database engine. The
// coordinator only probes health and issues promote/demote commands; all
// storage, WAL and replication streaming concerns stay inside the engine.
// Every call must respect the deadline on ctx: a stuck engine call is a
// failure, never left pending.
type Manager interface {
    // ProbeHealth checks liveness, role and replication lag.
    ProbeHealth(ctx context.Context) (Probe, error)

    // Promote makes the local replica a writable primary. fencingToken is
    // the term of the lease authorizing the promotion; the engine exposes
    // it so writes from an older term can be rejected.
    Promote(ctx context.Context, fencingToken uint64) error

    // Demote puts the local database into read-only mode. It must be safe
    // to call repeatedly and on a node that is already a replica.
    Demote(ctx context.Context) error
}
