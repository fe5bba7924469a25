package memstore

import (
    "context"
    "testing"
    "time"

    "github.com/amirimatin/go-failover/pkg/dcs"
)

// fakeClock is a manually advanced clock.
type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time              { return c.t }
func (c *fakeClock) Advance(d time.Duration)     { c.t = c.t.Add(d) }

func newClocked(t *testing.T) (*Store, *fakeClock) {
    t.Helper()
    clk := &fakeClock{t: time.Unix(1000, 0)}
    s := New(Options{Now: clk.Now})
    if err := s.Start(context.Background()); err != nil { t.Fatalf("start: %v", err) }
    return s, clk
}

func TestAcquireLease_SingleWinner(t *testing.T) {
    s, _ := newClocked(t)
    ctx := context.Background()

    l1, won, err := s.AcquireLease(ctx, "leader", "a", 5*time.Second)
    if err != nil || !won { t.Fatalf("acquire a: won=%v err=%v", won, err) }
    if l1.Term != 1 || l1.HolderID != "a" { t.Fatalf("unexpected lease %+v", l1) }
    if l1.FencingToken != l1.Term { t.Fatalf("fencing token %d != term %d", l1.FencingToken, l1.Term) }

    l2, won, err := s.AcquireLease(ctx, "leader", "b", 5*time.Second)
    if err != nil { t.Fatalf("acquire b: %v", err) }
    if won { t.Fatalf("b acquired over a live lease") }
    if l2.HolderID != "a" { t.Fatalf("losing acquire should return current lease, got %+v", l2) }
}

func TestRenewLease_KeepsTerm(t *testing.T) {
    s, clk := newClocked(t)
    ctx := context.Background()
    l, _, _ := s.AcquireLease(ctx, "leader", "a", 5*time.Second)

    clk.Advance(2 * time.Second)
    renewed, ok, err := s.RenewLease(ctx, "leader", l, 5*time.Second)
    if err != nil || !ok { t.Fatalf("renew: ok=%v err=%v", ok, err) }
    if renewed.Term != l.Term { t.Fatalf("renew changed term %d -> %d", l.Term, renewed.Term) }
    if !renewed.ExpiresAt.After(l.ExpiresAt) { t.Fatalf("renew did not extend expiry") }

    // A stale lease reference (wrong term) must not renew.
    stale := l
    stale.Term = 99
    if _, ok, _ := s.RenewLease(ctx, "leader", stale, 5*time.Second); ok {
        t.Fatalf("renewed with mismatched term")
    }
}

func TestTermsNeverReused(t *testing.T) {
    s, clk := newClocked(t)
    ctx := context.Background()

    l1, _, _ := s.AcquireLease(ctx, "leader", "a", 5*time.Second)
    if err := s.ReleaseLease(ctx, "leader", l1); err != nil { t.Fatalf("release: %v", err) }

    l2, won, _ := s.AcquireLease(ctx, "leader", "b", 5*time.Second)
    if !won { t.Fatalf("b should acquire after release") }
    if l2.Term <= l1.Term { t.Fatalf("term reused: %d after %d", l2.Term, l1.Term) }

    // Same across expiry.
    clk.Advance(10 * time.Second)
    s.ExpireNow()
    l3, won, _ := s.AcquireLease(ctx, "leader", "c", 5*time.Second)
    if !won { t.Fatalf("c should acquire after expiry") }
    if l3.Term <= l2.Term { t.Fatalf("term reused after expiry: %d after %d", l3.Term, l2.Term) }
}

func TestExpiredLeaseIsAcquirable(t *testing.T) {
    s, clk := newClocked(t)
    ctx := context.Background()
    l, _, _ := s.AcquireLease(ctx, "leader", "a", 5*time.Second)

    clk.Advance(6 * time.Second)
    if _, ok, _ := s.GetLease(ctx, "leader"); ok { t.Fatalf("expired lease still visible") }
    if _, ok, _ := s.RenewLease(ctx, "leader", l, 5*time.Second); ok {
        t.Fatalf("renewed an expired lease")
    }
    l2, won, _ := s.AcquireLease(ctx, "leader", "b", 5*time.Second)
    if !won || l2.HolderID != "b" { t.Fatalf("b could not take over expired lease: %+v", l2) }
}

func TestCASPut_VersionGuard(t *testing.T) {
    s, _ := newClocked(t)
    ctx := context.Background()

    v1, ok, err := s.CASPut(ctx, "routing", 0, []byte("gen1"))
    if err != nil || !ok { t.Fatalf("create: ok=%v err=%v", ok, err) }

    // Stale expected version loses.
    if _, ok, _ := s.CASPut(ctx, "routing", 0, []byte("gen1-dup")); ok {
        t.Fatalf("cas with stale version succeeded")
    }
    v2, ok, _ := s.CASPut(ctx, "routing", v1, []byte("gen2"))
    if !ok || v2 <= v1 { t.Fatalf("cas update: ok=%v v1=%d v2=%d", ok, v1, v2) }

    val, ver, exists, _ := s.Get(ctx, "routing")
    if !exists || string(val) != "gen2" || ver != v2 {
        t.Fatalf("get after cas: exists=%v val=%q ver=%d", exists, val, ver)
    }
}

func TestPutTTL_Expires(t *testing.T) {
    s, clk := newClocked(t)
    ctx := context.Background()
    if err := s.Put(ctx, "health/a", []byte("ok"), 3*time.Second); err != nil { t.Fatalf("put: %v", err) }

    clk.Advance(2 * time.Second)
    if _, _, ok, _ := s.Get(ctx, "health/a"); !ok { t.Fatalf("key gone before ttl") }

    clk.Advance(2 * time.Second)
    if _, _, ok, _ := s.Get(ctx, "health/a"); ok { t.Fatalf("key survived ttl") }
}

func TestWatch_DeliversLifecycle(t *testing.T) {
    s, clk := newClocked(t)
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()

    events, err := s.Watch(ctx, "leader")
    if err != nil { t.Fatalf("watch: %v", err) }

    l, _, _ := s.AcquireLease(context.Background(), "leader", "a", 5*time.Second)
    s.RenewLease(context.Background(), "leader", l, 5*time.Second)
    clk.Advance(10 * time.Second)
    s.ExpireNow()

    want := []dcs.EventType{dcs.EventLeaseAcquired, dcs.EventLeaseRenewed, dcs.EventLeaseExpired}
    for i, w := range want {
        select {
        case ev := <-events:
            if ev.Type != w { t.Fatalf("event %d = %s, want %s", i, ev.Type, w) }
            if ev.Lease == nil { t.Fatalf("event %d missing lease", i) }
        case <-time.After(time.Second):
            t.Fatalf("timeout waiting for event %d (%s)", i, w)
        }
    }
}

func TestStoppedStoreRejectsOps(t *testing.T) {
    s, _ := newClocked(t)
    _ = s.Stop()
    if _, _, err := s.AcquireLease(context.Background(), "leader", "a", time.Second); err != dcs.ErrStopped {
        t.Fatalf("acquire after stop: %v", err)
    }
    if err := s.Put(context.Background(), "k", nil, 0); err != dcs.ErrStopped {
        t.Fatalf("put after stop: %v", err)
    }
}
