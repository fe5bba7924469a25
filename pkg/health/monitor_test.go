package health

import (
    "context"
    "errors"
    "io"
    "log"
    "sync"
    "testing"
    "time"

    "github.com/amirimatin/go-failover/pkg/database"
    "github.com/amirimatin/go-failover/pkg/dcs/memstore"
    "github.com/amirimatin/go-failover/pkg/topology"
)

// fakeDB is a scriptable database.Manager for probe tests.
type fakeDB struct {
    mu    sync.Mutex
    probe database.Probe
    err   error
}

func (f *fakeDB) set(p database.Probe, err error) {
    f.mu.Lock()
    defer f.mu.Unlock()
    f.probe, f.err = p, err
}

func (f *fakeDB) ProbeHealth(ctx context.Context) (database.Probe, error) {
    f.mu.Lock()
    defer f.mu.Unlock()
    return f.probe, f.err
}

func (f *fakeDB) Promote(ctx context.Context, fencingToken uint64) error { return nil }
func (f *fakeDB) Demote(ctx context.Context) error                       { return nil }

var _ database.Manager = (*fakeDB)(nil)

func newTestMonitor(db database.Manager, opts Options) *Monitor {
    opts.NodeID = "a"
    opts.Addr = "10.0.0.1:5432"
    opts.DB = db
    opts.Logger = log.New(io.Discard, "", 0)
    return NewMonitor(opts)
}

func TestProbe_PrimaryIsHealthy(t *testing.T) {
    db := &fakeDB{}
    db.set(database.Probe{CanWrite: true}, nil)
    m := newTestMonitor(db, Options{})

    m.probeOnce(context.Background())
    last := m.Last()
    if last.Score != ScoreHealthy || last.Role != topology.RolePrimary {
        t.Fatalf("report = %+v", last)
    }
}

func TestProbe_LaggingReplicaIsDegraded(t *testing.T) {
    db := &fakeDB{}
    db.set(database.Probe{CanWrite: false, LagMillis: 30000}, nil)
    m := newTestMonitor(db, Options{LagCeiling: 10 * time.Second})

    m.probeOnce(context.Background())
    last := m.Last()
    if last.Score != ScoreDegraded || last.Role != topology.RoleReplica {
        t.Fatalf("report = %+v", last)
    }
    if last.LagMillis != 30000 { t.Fatalf("lag = %d", last.LagMillis) }
}

func TestProbe_UnhealthyAfterThreshold(t *testing.T) {
    db := &fakeDB{}
    db.set(database.Probe{CanWrite: false, LagMillis: 10}, nil)
    m := newTestMonitor(db, Options{FailThreshold: 3})

    m.probeOnce(context.Background())
    if m.Last().Score != ScoreHealthy { t.Fatalf("baseline score = %s", m.Last().Score) }

    db.set(database.Probe{}, errors.New("connection refused"))
    m.probeOnce(context.Background())
    m.probeOnce(context.Background())
    // Below the threshold the previous score sticks.
    if m.Last().Score != ScoreHealthy {
        t.Fatalf("score flipped early: %s", m.Last().Score)
    }
    m.probeOnce(context.Background())
    if m.Last().Score != ScoreUnhealthy {
        t.Fatalf("score = %s after threshold, want unhealthy", m.Last().Score)
    }

    // One good probe resets the failure streak.
    db.set(database.Probe{CanWrite: false}, nil)
    m.probeOnce(context.Background())
    if m.Last().Score != ScoreHealthy { t.Fatalf("score after recovery = %s", m.Last().Score) }
}

func TestProbe_PublishesToStoreAndTopology(t *testing.T) {
    db := &fakeDB{}
    db.set(database.Probe{CanWrite: false, LagMillis: 7}, nil)

    store := memstore.New(memstore.Options{})
    topo := topology.New(topology.Options{})
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    topo.Start(ctx)

    m := newTestMonitor(db, Options{
        Store:     store,
        Topology:  topo,
        HealthKey: "health/a",
        ReportTTL: 3 * time.Second,
    })
    m.probeOnce(context.Background())

    raw, _, exists, err := store.Get(context.Background(), "health/a")
    if err != nil || !exists { t.Fatalf("health key missing: exists=%v err=%v", exists, err) }
    rep, err := UnmarshalReport(raw)
    if err != nil { t.Fatalf("unmarshal: %v", err) }
    if rep.ID != "a" || rep.Score != ScoreHealthy || rep.LagMillis != 7 {
        t.Fatalf("published report = %+v", rep)
    }

    deadline := time.Now().Add(2 * time.Second)
    for time.Now().Before(deadline) {
        if snap := topo.Snapshot(); snap.Members["a"].Healthy {
            if got := snap.Members["a"]; got.LagMillis != 7 || got.Role != topology.RoleReplica {
                t.Fatalf("topology member = %+v", got)
            }
            return
        }
        time.Sleep(5 * time.Millisecond)
    }
    t.Fatalf("probe never reached topology: %+v", topo.Snapshot())
}
