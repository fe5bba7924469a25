package routing

import (
    "context"
    "encoding/json"
    "reflect"
    "testing"
    "time"

    "github.com/amirimatin/go-failover/pkg/dcs"
    "github.com/amirimatin/go-failover/pkg/dcs/memstore"
    "github.com/amirimatin/go-failover/pkg/topology"
)

func snap(holder string, gen uint64, members ...topology.Member) topology.ClusterState {
    st := topology.ClusterState{
        Members:    make(map[string]topology.Member),
        Generation: gen,
    }
    for _, m := range members {
        st.Members[m.ID] = m
    }
    if holder != "" {
        st.Lease = dcs.Lease{HolderID: holder, Term: 1}
        st.HasLease = true
    }
    return st
}

func TestBuild(t *testing.T) {
    st := snap("a", 4,
        topology.Member{ID: "a", Addr: "10.0.0.1:5432", Healthy: true},
        topology.Member{ID: "c", Addr: "10.0.0.3:5432", Healthy: true},
        topology.Member{ID: "b", Addr: "10.0.0.2:5432", Healthy: true},
        topology.Member{ID: "d", Addr: "10.0.0.4:5432", Healthy: false},
    )
    table, ok := Build(st)
    if !ok { t.Fatalf("build failed") }
    if table.Generation != 4 { t.Fatalf("generation = %d", table.Generation) }
    if table.PrimaryAddress != "10.0.0.1:5432" { t.Fatalf("primary = %s", table.PrimaryAddress) }
    want := []string{"10.0.0.2:5432", "10.0.0.3:5432"}
    if !reflect.DeepEqual(table.ReplicaAddresses, want) {
        t.Fatalf("replicas = %v, want %v", table.ReplicaAddresses, want)
    }
}

func TestBuild_Leaderless(t *testing.T) {
    st := snap("", 1, topology.Member{ID: "a", Addr: "10.0.0.1:5432", Healthy: true})
    if _, ok := Build(st); ok { t.Fatalf("built a table without a lease") }
}

func TestBuild_HolderUnknown(t *testing.T) {
    st := snap("ghost", 1, topology.Member{ID: "a", Addr: "10.0.0.1:5432", Healthy: true})
    if _, ok := Build(st); ok { t.Fatalf("built a table for an unknown holder") }
}

func TestApply_GenerationMonotonic(t *testing.T) {
    last := Table{Generation: 5, PrimaryAddress: "p1"}

    if got, ok := Apply(last, Table{Generation: 6, PrimaryAddress: "p2"}); !ok || got.PrimaryAddress != "p2" {
        t.Fatalf("newer table not applied: ok=%v got=%+v", ok, got)
    }
    if got, ok := Apply(last, Table{Generation: 5, PrimaryAddress: "p2"}); ok || got.PrimaryAddress != "p1" {
        t.Fatalf("equal generation applied: ok=%v got=%+v", ok, got)
    }
    if got, ok := Apply(last, Table{Generation: 2, PrimaryAddress: "p2"}); ok || got.PrimaryAddress != "p1" {
        t.Fatalf("stale table applied: ok=%v got=%+v", ok, got)
    }
}

func newTopo(t *testing.T, st topology.ClusterState) *topology.Store {
    t.Helper()
    topo := topology.New(topology.Options{})
    ctx, cancel := context.WithCancel(context.Background())
    t.Cleanup(cancel)
    topo.Start(ctx)
    for _, m := range st.Members {
        topo.UpsertMember(m)
    }
    if st.HasLease {
        topo.SetLease(st.Lease, true)
    }
    for i := uint64(0); i < st.Generation; i++ {
        topo.AdvanceGeneration()
    }
    // Mutations are applied by the store goroutine; wait until visible.
    deadline := time.Now().Add(2 * time.Second)
    for time.Now().Before(deadline) {
        got := topo.Snapshot()
        if len(got.Members) == len(st.Members) && got.HasLease == st.HasLease && got.Generation == st.Generation {
            return topo
        }
        time.Sleep(5 * time.Millisecond)
    }
    t.Fatalf("topology never caught up: %+v", topo.Snapshot())
    return nil
}

func TestPublisher_PublishesAndSkipsStale(t *testing.T) {
    store := memstore.New(memstore.Options{})
    if err := store.Start(context.Background()); err != nil { t.Fatalf("store: %v", err) }
    t.Cleanup(func() { _ = store.Stop() })

    topo := newTopo(t, snap("a", 2,
        topology.Member{ID: "a", Addr: "10.0.0.1:5432", Healthy: true},
        topology.Member{ID: "b", Addr: "10.0.0.2:5432", Healthy: true},
    ))
    p := NewPublisher(Options{Store: store, Key: "routing/table", Topology: topo})

    if err := p.Publish(context.Background()); err != nil { t.Fatalf("publish: %v", err) }
    raw, _, exists, _ := store.Get(context.Background(), "routing/table")
    if !exists { t.Fatalf("nothing published") }
    var got Table
    if err := json.Unmarshal(raw, &got); err != nil { t.Fatalf("unmarshal: %v", err) }
    if got.Generation != 2 || got.PrimaryAddress != "10.0.0.1:5432" {
        t.Fatalf("published table = %+v", got)
    }

    // A stored table with the same route is left alone, whatever its
    // generation says.
    newer := Table{Generation: 9, PrimaryAddress: got.PrimaryAddress, ReplicaAddresses: got.ReplicaAddresses}
    data, _ := json.Marshal(newer)
    _, ver, _, _ := store.Get(context.Background(), "routing/table")
    if _, ok, err := store.CASPut(context.Background(), "routing/table", ver, data); err != nil || !ok {
        t.Fatalf("seed newer table: ok=%v err=%v", ok, err)
    }
    if err := p.Publish(context.Background()); err != nil { t.Fatalf("republish: %v", err) }
    raw, _, _, _ = store.Get(context.Background(), "routing/table")
    _ = json.Unmarshal(raw, &got)
    if got.Generation != 9 {
        t.Fatalf("same-route republish rewrote the stored table: %+v", got)
    }
}

func TestPublisher_RestartedPublisherOvertakesStoredGeneration(t *testing.T) {
    store := memstore.New(memstore.Options{})
    if err := store.Start(context.Background()); err != nil { t.Fatalf("store: %v", err) }
    t.Cleanup(func() { _ = store.Stop() })

    // The router still points at a fenced primary with a high generation.
    stale := Table{Generation: 7, PrimaryAddress: "dead:5432"}
    data, _ := json.Marshal(stale)
    if _, ok, err := store.CASPut(context.Background(), "routing/table", 0, data); err != nil || !ok {
        t.Fatalf("seed stale table: ok=%v err=%v", ok, err)
    }

    // A freshly restarted agent wins the lease; its local counter only
    // reached 1. The new primary must still be published.
    topo := newTopo(t, snap("b", 1, topology.Member{ID: "b", Addr: "new:5432", Healthy: true}))
    p := NewPublisher(Options{Store: store, Key: "routing/table", Topology: topo})
    if err := p.Publish(context.Background()); err != nil { t.Fatalf("publish: %v", err) }

    raw, _, _, _ := store.Get(context.Background(), "routing/table")
    var got Table
    if err := json.Unmarshal(raw, &got); err != nil { t.Fatalf("unmarshal: %v", err) }
    if got.PrimaryAddress != "new:5432" {
        t.Fatalf("router still points at %s", got.PrimaryAddress)
    }
    if got.Generation != 8 {
        t.Fatalf("generation = %d, want 8 (stored+1)", got.Generation)
    }
    // The local counter follows the takeover so later tables keep advancing.
    deadline := time.Now().Add(2 * time.Second)
    for time.Now().Before(deadline) {
        if topo.Snapshot().Generation == 8 { return }
        time.Sleep(5 * time.Millisecond)
    }
    t.Fatalf("topology generation = %d, want 8", topo.Snapshot().Generation)
}

func TestPublisher_LeaderlessIsNoop(t *testing.T) {
    store := memstore.New(memstore.Options{})
    if err := store.Start(context.Background()); err != nil { t.Fatalf("store: %v", err) }
    t.Cleanup(func() { _ = store.Stop() })

    topo := newTopo(t, snap("", 0, topology.Member{ID: "a", Addr: "10.0.0.1:5432", Healthy: true}))
    p := NewPublisher(Options{Store: store, Key: "routing/table", Topology: topo})
    if err := p.Publish(context.Background()); err != nil { t.Fatalf("publish: %v", err) }
    if _, _, exists, _ := store.Get(context.Background(), "routing/table"); exists {
        t.Fatalf("published a table while leaderless")
    }
}
