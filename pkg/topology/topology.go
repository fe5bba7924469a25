package topology

import (
    "context"
    "sort"
    "sync"
    "time"

    "github.com/amirimatin/go-failover/pkg/dcs"
)

// Role is a member's database role as last observed.
type Role string

const (
    RolePrimary   Role = "primary"
    RoleReplica   Role = "replica"
    RoleCandidate Role = "candidate"
    RoleUnknown   Role = "unknown"
)

// Member is one cluster member as seen by this agent. All fields except ID
// are best-effort and may be stale by up to one heartbeat interval.
type Member struct {
    ID            string    `json:"id"`
    Addr          string    `json:"addr"`
    AdminAddr     string    `json:"adminAddr,omitempty"`
    Role          Role      `json:"role"`
    LagMillis     int64     `json:"replicationLagMillis"`
    Healthy       bool      `json:"healthy"`
    LastHeartbeat time.Time `json:"lastHeartbeat"`
    Priority      int       `json:"priority"`
}

// ClusterState is this agent's view of the cluster. It is a cache rebuilt
// from store watches and local probes; the DCS remains the single source of
// truth for leadership.
type ClusterState struct {
    Members     map[string]Member `json:"members"`
    Lease       dcs.Lease         `json:"currentLease"`
    HasLease    bool              `json:"hasLease"`
    Generation  uint64            `json:"generation"`
}

// clone returns a deep copy safe to hand to readers.
func (s ClusterState) clone() ClusterState {
    out := s
    out.Members = make(map[string]Member, len(s.Members))
    for k, v := range s.Members {
        out.Members[k] = v
    }
    return out
}

// Store serializes all mutation of ClusterState through a single goroutine;
// other components post mutations and read immutable snapshots, which keeps
// health updates and election decisions free of write races.
type Store struct {
    ops     chan func(*ClusterState)
    mu      sync.RWMutex
    snap    ClusterState
    stale   time.Duration
    started bool
    startMu sync.Mutex
}

// Options tune the store. StalenessBound is how old a member heartbeat may
// be before the member is treated as expired (heartbeat interval times the
// configured safety factor).
type Options struct {
    StalenessBound time.Duration
}

func New(opts Options) *Store {
    if opts.StalenessBound <= 0 {
        opts.StalenessBound = 15 * time.Second
    }
    return &Store{
        ops:   make(chan func(*ClusterState), 128),
        snap:  ClusterState{Members: make(map[string]Member)},
        stale: opts.StalenessBound,
    }
}

// Start launches the owning goroutine. Mutations posted before Start queue
// up in the ops channel.
func (s *Store) Start(ctx context.Context) {
    s.startMu.Lock()
    defer s.startMu.Unlock()
    if s.started { return }
    s.started = true
    go func() {
        state := ClusterState{Members: make(map[string]Member)}
        for {
            select {
            case <-ctx.Done():
                return
            case op := <-s.ops:
                op(&state)
                s.mu.Lock()
                s.snap = state.clone()
                s.mu.Unlock()
            }
        }
    }()
}

// Snapshot returns the latest immutable view.
func (s *Store) Snapshot() ClusterState {
    s.mu.RLock()
    defer s.mu.RUnlock()
    return s.snap.clone()
}

// post enqueues a mutation for the owning goroutine.
func (s *Store) post(op func(*ClusterState)) {
    s.ops <- op
}

// UpsertMember inserts or updates a member record.
func (s *Store) UpsertMember(m Member) {
    s.post(func(st *ClusterState) {
        st.Members[m.ID] = m
    })
}

// ObserveMember merges identity fields from membership gossip without
// touching health fields owned by the probe pipeline.
func (s *Store) ObserveMember(id, addr, adminAddr string, priority int) {
    s.post(func(st *ClusterState) {
        m, ok := st.Members[id]
        if !ok {
            m = Member{ID: id, Role: RoleUnknown}
        }
        if addr != "" { m.Addr = addr }
        if adminAddr != "" { m.AdminAddr = adminAddr }
        if priority != 0 { m.Priority = priority }
        st.Members[id] = m
    })
}

// RemoveMember drops an administratively decommissioned member.
func (s *Store) RemoveMember(id string) {
    s.post(func(st *ClusterState) {
        delete(st.Members, id)
    })
}

// SetMemberHealth records a probe result for a member.
func (s *Store) SetMemberHealth(id string, healthy bool, lagMillis int64, role Role, at time.Time) {
    s.post(func(st *ClusterState) {
        m, ok := st.Members[id]
        if !ok {
            m = Member{ID: id, Role: RoleUnknown}
        }
        m.Healthy = healthy
        m.LagMillis = lagMillis
        if role != "" { m.Role = role }
        m.LastHeartbeat = at
        st.Members[id] = m
    })
}

// SetLease records the last store-confirmed lease (or its absence).
func (s *Store) SetLease(lease dcs.Lease, ok bool) {
    s.post(func(st *ClusterState) {
        st.Lease = lease
        st.HasLease = ok
        if ok {
            // Reflect roles implied by the lease holder.
            for id, m := range st.Members {
                if id == lease.HolderID {
                    m.Role = RolePrimary
                } else if m.Role == RolePrimary {
                    m.Role = RoleReplica
                }
                st.Members[id] = m
            }
        }
    })
}

// AdvanceGeneration bumps the generation counter and returns the new value.
// Called on every successful promotion or routing change; the counter only
// ever moves forward.
func (s *Store) AdvanceGeneration() uint64 {
    reply := make(chan uint64, 1)
    s.post(func(st *ClusterState) {
        st.Generation++
        reply <- st.Generation
    })
    return <-reply
}

// ObserveGeneration raises the local generation to at least gen (used when a
// watch delivers a routing table published by another agent).
func (s *Store) ObserveGeneration(gen uint64) {
    s.post(func(st *ClusterState) {
        if gen > st.Generation {
            st.Generation = gen
        }
    })
}

// FreshMembers returns members whose heartbeat is within the staleness
// bound, sorted by ID for deterministic iteration.
func (s *Store) FreshMembers(now time.Time) []Member {
    snap := s.Snapshot()
    out := make([]Member, 0, len(snap.Members))
    for _, m := range snap.Members {
        if now.Sub(m.LastHeartbeat) <= s.stale {
            out = append(out, m)
        }
    }
    sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
    return out
}
