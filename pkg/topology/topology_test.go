package topology

import (
    "context"
    "testing"
    "time"

    "github.com/amirimatin/go-failover/pkg/dcs"
)

func newStarted(t *testing.T, opts Options) *Store {
    t.Helper()
    s := New(opts)
    ctx, cancel := context.WithCancel(context.Background())
    t.Cleanup(cancel)
    s.Start(ctx)
    return s
}

// waitFor polls the snapshot until cond holds or the deadline passes. The
// store applies mutations asynchronously, so tests observe through this.
func waitFor(t *testing.T, s *Store, cond func(ClusterState) bool) ClusterState {
    t.Helper()
    deadline := time.Now().Add(2 * time.Second)
    for time.Now().Before(deadline) {
        snap := s.Snapshot()
        if cond(snap) { return snap }
        time.Sleep(5 * time.Millisecond)
    }
    t.Fatalf("condition not reached; last snapshot: %+v", s.Snapshot())
    return ClusterState{}
}

func TestUpsertAndRemoveMember(t *testing.T) {
    s := newStarted(t, Options{})
    s.UpsertMember(Member{ID: "a", Addr: "10.0.0.1:5432", Role: RoleReplica})
    waitFor(t, s, func(st ClusterState) bool { return st.Members["a"].Addr == "10.0.0.1:5432" })

    s.RemoveMember("a")
    waitFor(t, s, func(st ClusterState) bool { _, ok := st.Members["a"]; return !ok })
}

func TestObserveMember_PreservesHealthFields(t *testing.T) {
    s := newStarted(t, Options{})
    at := time.Now()
    s.SetMemberHealth("a", true, 42, RoleReplica, at)
    waitFor(t, s, func(st ClusterState) bool { return st.Members["a"].Healthy })

    // Gossip metadata must not clobber probe-owned fields.
    s.ObserveMember("a", "10.0.0.1:5432", "10.0.0.1:8008", 3)
    snap := waitFor(t, s, func(st ClusterState) bool { return st.Members["a"].AdminAddr != "" })
    m := snap.Members["a"]
    if !m.Healthy || m.LagMillis != 42 || m.Role != RoleReplica {
        t.Fatalf("health fields lost on observe: %+v", m)
    }
    if m.Addr != "10.0.0.1:5432" || m.Priority != 3 {
        t.Fatalf("identity fields not merged: %+v", m)
    }
}

func TestSetLease_FlipsRoles(t *testing.T) {
    s := newStarted(t, Options{})
    s.SetMemberHealth("a", true, 0, RolePrimary, time.Now())
    s.SetMemberHealth("b", true, 10, RoleReplica, time.Now())
    waitFor(t, s, func(st ClusterState) bool { return len(st.Members) == 2 })

    s.SetLease(dcs.Lease{HolderID: "b", Term: 7}, true)
    snap := waitFor(t, s, func(st ClusterState) bool { return st.HasLease })
    if snap.Members["b"].Role != RolePrimary {
        t.Fatalf("lease holder role = %s, want primary", snap.Members["b"].Role)
    }
    if snap.Members["a"].Role != RoleReplica {
        t.Fatalf("old primary role = %s, want replica", snap.Members["a"].Role)
    }
    if snap.Lease.Term != 7 { t.Fatalf("lease term = %d", snap.Lease.Term) }
}

func TestGeneration_MonotonicForward(t *testing.T) {
    s := newStarted(t, Options{})
    g1 := s.AdvanceGeneration()
    g2 := s.AdvanceGeneration()
    if g2 != g1+1 { t.Fatalf("advance: %d then %d", g1, g2) }

    s.ObserveGeneration(g2 + 10)
    waitFor(t, s, func(st ClusterState) bool { return st.Generation == g2+10 })

    // Observing an older generation never rolls back.
    s.ObserveGeneration(1)
    if g := s.AdvanceGeneration(); g != g2+11 {
        t.Fatalf("generation rolled back: got %d, want %d", g, g2+11)
    }
}

func TestFreshMembers_DropsStale(t *testing.T) {
    s := newStarted(t, Options{StalenessBound: 10 * time.Second})
    now := time.Now()
    s.SetMemberHealth("fresh", true, 0, RoleReplica, now.Add(-5*time.Second))
    s.SetMemberHealth("stale", true, 0, RoleReplica, now.Add(-30*time.Second))
    waitFor(t, s, func(st ClusterState) bool { return len(st.Members) == 2 })

    fresh := s.FreshMembers(now)
    if len(fresh) != 1 || fresh[0].ID != "fresh" {
        t.Fatalf("fresh members = %+v", fresh)
    }
}
