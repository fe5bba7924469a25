package raftkv

import (
    "log"
    "time"
)

// Options configure the embedded raft-replicated store.
type Options struct {
    NodeID string
    Logger *log.Logger

    // Bootstrap forms a single-node store cluster on Start when true.
    Bootstrap bool

    // BindAddr selects a TCP raft transport bound to this address when
    // non-empty (e.g., "127.0.0.1:0"). Otherwise an in-memory transport is
    // used (tests).
    BindAddr string

    // FwdAddr is the HTTP address on which this node accepts forwarded
    // commands from follower nodes. Empty disables forwarding; mutating
    // calls on followers then fail until this node leads.
    FwdAddr string

    // JoinAddr is the forward HTTP address of an existing cluster member.
    // When set, this node asks the store leader behind it to add it as a
    // raft voter on Start. Ignored when Bootstrap is true.
    JoinAddr string

    // DataDir selects on-disk stores when non-empty (bolt store for
    // log/stable, file snapshot store). When empty, in-memory stores are
    // used.
    DataDir string

    // SnapshotsRetained controls how many snapshots to retain on disk.
    SnapshotsRetained int

    // JanitorInterval is how often the raft leader scans for expired
    // leases/keys and replicates their expiry. Zero means 500ms.
    JanitorInterval time.Duration

    // ApplyTimeout bounds each replicated command. Zero means 3s.
    ApplyTimeout time.Duration

    // Timeouts for the underlying raft engine (optional, zero = defaults).
    HeartbeatTimeout time.Duration
    ElectionTimeout  time.Duration
    CommitTimeout    time.Duration
}
