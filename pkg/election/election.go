package election

import (
    "context"
    "time"

    "github.com/amirimatin/go-failover/pkg/dcs"
)

// State is the election manager's current mode.
type State string

const (
    // StateIdle: manager constructed but not running.
    StateIdle State = "idle"
    // StateFollowing: another holder leads, or no decision yet.
    StateFollowing State = "following"
    // StateContesting: lease observed absent/expired; trying to acquire.
    StateContesting State = "contesting"
    // StateLeading: this agent holds the lease and renews it.
    StateLeading State = "leading"
)

type EventType string

const (
    // EventElected: this agent won the lease.
    EventElected EventType = "elected"
    // EventOwnershipLost: renewal failed or was rejected; the local
    // database has already been demoted when this event is delivered.
    EventOwnershipLost EventType = "ownership_lost"
    // EventLeaderChanged: another holder acquired or renewed the lease.
    EventLeaderChanged EventType = "leader_changed"
    // EventLeaderLost: the lease expired or was released and this agent is
    // not the former holder.
    EventLeaderLost EventType = "leader_lost"
)

// Event reports a leadership transition. Lease is the last
// store-confirmed lease relevant to the event (for EventLeaderLost, the
// dead lease whose remaining validity drives the fencing wait).
type Event struct {
    Type  EventType
    At    time.Time
    Lease dcs.Lease
}

// Hooks let the agent couple election decisions to the rest of the system
// without import cycles.
type Hooks struct {
    // Eligible reports whether this agent should contest the lease at all
    // (e.g., monitoring-only agents without a local replica never do).
    Eligible func() bool
    // Rank returns this agent's deterministic candidate rank (0 = best) so
    // better candidates contest with less jitter delay.
    Rank func() int
    // Preferred returns a switchover target when one is pending: contest
    // immediately when it is us, hold back when it is someone else.
    Preferred func(ctx context.Context) (string, bool)
    // Demote must stop the local database from accepting writes. It is
    // called BEFORE any loss event is announced: by the time another node
    // can win the new lease, this one no longer writes. This ordering is
    // the core split-brain defense.
    Demote func(ctx context.Context)
}
