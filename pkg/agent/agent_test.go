package agent

import (
    "context"
    "errors"
    "io"
    "log"
    "sync"
    "testing"
    "time"

    "github.com/amirimatin/go-failover/pkg/database"
    "github.com/amirimatin/go-failover/pkg/dcs"
    "github.com/amirimatin/go-failover/pkg/dcs/memstore"
    "github.com/amirimatin/go-failover/pkg/topology"
    "github.com/amirimatin/go-failover/pkg/transport"
)

// fakeDB is a minimal database.Manager: a healthy replica that can be
// promoted and remembers demote calls.
type fakeDB struct {
    mu        sync.Mutex
    canWrite  bool
    demotes   int
    demoteErr error
}

func (f *fakeDB) ProbeHealth(ctx context.Context) (database.Probe, error) {
    f.mu.Lock()
    defer f.mu.Unlock()
    return database.Probe{CanWrite: f.canWrite}, nil
}

func (f *fakeDB) Promote(ctx context.Context, fencingToken uint64) error {
    f.mu.Lock()
    defer f.mu.Unlock()
    f.canWrite = true
    return nil
}

func (f *fakeDB) Demote(ctx context.Context) error {
    f.mu.Lock()
    defer f.mu.Unlock()
    f.demotes++
    f.canWrite = false
    return f.demoteErr
}

func (f *fakeDB) demoteCount() int {
    f.mu.Lock()
    defer f.mu.Unlock()
    return f.demotes
}

var _ database.Manager = (*fakeDB)(nil)

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

func newTestAgent(t *testing.T, db database.Manager) *Agent {
    t.Helper()
    a, err := New(Options{
        NodeID:        "a",
        Addr:          "10.0.0.1:5432",
        AdminAddr:     "10.0.0.1:8008",
        Store:         memstore.New(memstore.Options{}),
        DB:            db,
        LeaseTTL:      time.Second,
        RenewInterval: 100 * time.Millisecond,
        ProbeInterval: 20 * time.Millisecond,
        Logger:        quiet(),
    })
    if err != nil { t.Fatalf("new agent: %v", err) }
    return a
}

func TestAtoiMeta(t *testing.T) {
    cases := map[string]int{"": 0, "5": 5, "12": 12, "x": 0, "1a": 0, "007": 7}
    for in, want := range cases {
        if got := atoiMeta(in); got != want {
            t.Fatalf("atoiMeta(%q) = %d, want %d", in, got, want)
        }
    }
}

func TestHandleFence(t *testing.T) {
    db := &fakeDB{}
    a := newTestAgent(t, db)

    resp, err := a.handleFence(context.Background(), transport.FenceRequest{Term: 7})
    if err != nil || !resp.Demoted {
        t.Fatalf("fence: resp=%+v err=%v", resp, err)
    }
    if db.demoteCount() != 1 { t.Fatalf("demotes = %d", db.demoteCount()) }
    // The token is recorded even when the engine demote fails.
    db.demoteErr = errors.New("engine unreachable")
    resp, err = a.handleFence(context.Background(), transport.FenceRequest{Term: 9})
    if err != nil { t.Fatalf("fence err: %v", err) }
    if resp.Demoted || resp.Error == "" {
        t.Fatalf("failed demote not reported: %+v", resp)
    }
    if got := a.fence.Highest(); got != 9 {
        t.Fatalf("highest token = %d, want 9", got)
    }
}

func TestHandleFence_WitnessNode(t *testing.T) {
    a := newTestAgent(t, nil)
    resp, err := a.handleFence(context.Background(), transport.FenceRequest{Term: 3})
    if err != nil || !resp.Demoted {
        t.Fatalf("fence on db-less node: resp=%+v err=%v", resp, err)
    }
}

func TestHandleSwitchover_FollowerForwards(t *testing.T) {
    a := newTestAgent(t, &fakeDB{})
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    a.topo.Start(ctx)
    a.topo.ObserveMember("leader-node", "10.0.0.9:5432", "10.0.0.9:8008", 0)
    a.topo.SetLease(dcsLease("leader-node", 3), true)
    waitSnapshot(t, a, func() bool { return a.topo.Snapshot().HasLease })

    resp, err := a.handleSwitchover(ctx, transport.SwitchoverRequest{To: "b"})
    if err != nil { t.Fatalf("switchover: %v", err) }
    if resp.Accepted { t.Fatalf("follower accepted a switchover") }
    if resp.Leader != "10.0.0.9:8008" {
        t.Fatalf("forwarding address = %q", resp.Leader)
    }
}

func TestSingleNode_ElectsPromotesAndHandsOff(t *testing.T) {
    db := &fakeDB{}
    a := newTestAgent(t, db)
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    if err := a.Start(ctx); err != nil { t.Fatalf("start: %v", err) }
    t.Cleanup(func() { _ = a.Stop(context.Background()) })

    waitSnapshot(t, a, func() bool { return a.Status().HoldsLease })
    waitSnapshot(t, a, db.canWriteNow)
    st := a.Status()
    if st.Lease == nil || st.Lease.HolderID != "a" {
        t.Fatalf("status lease = %+v", st.Lease)
    }

    // A designated healthy peer makes a planned handoff possible.
    a.topo.ObserveMember("b", "10.0.0.2:5432", "10.0.0.2:8008", 0)
    a.topo.SetMemberHealth("b", true, 0, topology.RoleReplica, time.Now())
    waitSnapshot(t, a, func() bool { return a.topo.Snapshot().Members["b"].Healthy })

    resp, err := a.handleSwitchover(ctx, transport.SwitchoverRequest{To: "b"})
    if err != nil { t.Fatalf("switchover: %v", err) }
    if !resp.Accepted { t.Fatalf("switchover rejected: %+v", resp) }

    // The designation is in the store for b's election hook, and the lease
    // is released.
    val, _, ok, _ := a.store.Get(context.Background(), PreferredKey)
    if !ok || string(val) != "b" {
        t.Fatalf("preferred key = %q ok=%v", val, ok)
    }
    if _, held := a.em.Lease(); held { t.Fatalf("lease still held after handoff") }
    if db.canWriteNow() { t.Fatalf("database still writable after handoff") }
}

func TestHandleSwitchover_RejectsSelfAndStrangers(t *testing.T) {
    db := &fakeDB{}
    a := newTestAgent(t, db)
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    if err := a.Start(ctx); err != nil { t.Fatalf("start: %v", err) }
    t.Cleanup(func() { _ = a.Stop(context.Background()) })
    waitSnapshot(t, a, func() bool { return a.Status().HoldsLease })

    if resp, _ := a.handleSwitchover(ctx, transport.SwitchoverRequest{To: "a"}); resp.Accepted {
        t.Fatalf("accepted switchover to current primary")
    }
    if resp, _ := a.handleSwitchover(ctx, transport.SwitchoverRequest{To: "ghost"}); resp.Accepted {
        t.Fatalf("accepted switchover to unknown member")
    }
    // No target and no peers: refuse rather than guess.
    if resp, _ := a.handleSwitchover(ctx, transport.SwitchoverRequest{}); resp.Accepted {
        t.Fatalf("accepted switchover with no eligible peer")
    }
    if _, held := a.em.Lease(); !held {
        t.Fatalf("rejected switchover released the lease")
    }
}

func TestHandleSwitchover_ForceSkipsHealthCheck(t *testing.T) {
    db := &fakeDB{}
    a := newTestAgent(t, db)
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    if err := a.Start(ctx); err != nil { t.Fatalf("start: %v", err) }
    t.Cleanup(func() { _ = a.Stop(context.Background()) })
    waitSnapshot(t, a, func() bool { return a.Status().HoldsLease })

    // A known peer that is unhealthy: normal switchover refuses, force
    // overrides the check.
    a.topo.ObserveMember("b", "10.0.0.2:5432", "10.0.0.2:8008", 0)
    a.topo.SetMemberHealth("b", false, 0, topology.RoleReplica, time.Now())
    waitSnapshot(t, a, func() bool { _, ok := a.topo.Snapshot().Members["b"]; return ok })

    if resp, _ := a.handleSwitchover(ctx, transport.SwitchoverRequest{To: "b"}); resp.Accepted {
        t.Fatalf("accepted switchover to unhealthy target without force")
    }
    resp, err := a.handleSwitchover(ctx, transport.SwitchoverRequest{To: "b", Force: true})
    if err != nil { t.Fatalf("forced switchover: %v", err) }
    if !resp.Accepted { t.Fatalf("forced switchover rejected: %+v", resp) }
    // Self-target stays rejected even under force.
    if resp, _ := a.handleSwitchover(ctx, transport.SwitchoverRequest{To: "a", Force: true}); resp.Accepted {
        t.Fatalf("force accepted switchover to current primary")
    }
}

func TestLeaderRepublishesRoutingOnReplicaChange(t *testing.T) {
    db := &fakeDB{}
    a := newTestAgent(t, db)
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    if err := a.Start(ctx); err != nil { t.Fatalf("start: %v", err) }
    t.Cleanup(func() { _ = a.Stop(context.Background()) })

    waitSnapshot(t, a, func() bool { return a.Status().HoldsLease })
    waitSnapshot(t, a, func() bool {
        return a.RoutingTable().PrimaryAddress == "10.0.0.1:5432"
    })

    // A replica turning healthy must reach the published table without a
    // failover.
    a.topo.ObserveMember("b", "10.0.0.2:5432", "10.0.0.2:8008", 0)
    a.topo.SetMemberHealth("b", true, 0, topology.RoleReplica, time.Now())
    waitSnapshot(t, a, func() bool {
        rt := a.RoutingTable()
        return len(rt.ReplicaAddresses) == 1 && rt.ReplicaAddresses[0] == "10.0.0.2:5432"
    })

    // And dropping out again must remove it.
    a.topo.SetMemberHealth("b", false, 0, topology.RoleReplica, time.Now())
    waitSnapshot(t, a, func() bool {
        return len(a.RoutingTable().ReplicaAddresses) == 0
    })
}

func TestSubscribeDeliversLeadershipEvents(t *testing.T) {
    db := &fakeDB{}
    a := newTestAgent(t, db)
    events, unsub := a.Subscribe()
    defer unsub()

    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    if err := a.Start(ctx); err != nil { t.Fatalf("start: %v", err) }
    t.Cleanup(func() { _ = a.Stop(context.Background()) })

    deadline := time.After(5 * time.Second)
    for {
        select {
        case ev := <-events:
            if ev.Type != EventElected { continue }
            if ev.Lease == nil || ev.Lease.HolderID != "a" {
                t.Fatalf("elected event lease = %+v", ev.Lease)
            }
            return
        case <-deadline:
            t.Fatalf("no elected event; status: %+v", a.Status())
        }
    }
}

func (f *fakeDB) canWriteNow() bool {
    f.mu.Lock()
    defer f.mu.Unlock()
    return f.canWrite
}

func dcsLease(holder string, term uint64) dcs.Lease {
    return dcs.Lease{HolderID: holder, Term: term, ExpiresAt: time.Now().Add(time.Minute), FencingToken: term}
}

func waitSnapshot(t *testing.T, a *Agent, cond func() bool) {
    t.Helper()
    deadline := time.Now().Add(5 * time.Second)
    for time.Now().Before(deadline) {
        if cond() { return }
        time.Sleep(10 * time.Millisecond)
    }
    t.Fatalf("condition not reached; status: %+v", a.Status())
}
