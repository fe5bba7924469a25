package raftkv

import (
    "testing"
    "time"

    "github.com/amirimatin/go-failover/pkg/dcs"
)

const baseMs = int64(1_700_000_000_000)

func acquire(s *kvState, key, holder string, nowMs int64) response {
    resp, _ := s.apply(command{Op: opAcquire, Key: key, Holder: holder, TTLMillis: 5000, NowUnixMs: nowMs})
    return resp
}

func TestApply_AcquireAndTakeover(t *testing.T) {
    s := newKVState()

    first := acquire(s, "leader", "a", baseMs)
    if !first.OK || first.Lease.Term != 1 || first.Lease.HolderID != "a" {
        t.Fatalf("first acquire: %+v", first)
    }
    if first.Lease.FencingToken != first.Lease.Term {
        t.Fatalf("fencing token %d != term %d", first.Lease.FencingToken, first.Lease.Term)
    }

    // Live lease blocks another holder and returns the incumbent.
    contested := acquire(s, "leader", "b", baseMs+1000)
    if contested.OK || contested.Lease.HolderID != "a" {
        t.Fatalf("contested acquire: %+v", contested)
    }

    // Past the TTL the lease is up for grabs and the term moves forward.
    takeover := acquire(s, "leader", "b", baseMs+6000)
    if !takeover.OK || takeover.Lease.HolderID != "b" {
        t.Fatalf("takeover: %+v", takeover)
    }
    if takeover.Lease.Term != 2 {
        t.Fatalf("takeover term = %d, want 2", takeover.Lease.Term)
    }
}

func TestApply_RenewGuards(t *testing.T) {
    s := newKVState()
    l := acquire(s, "leader", "a", baseMs).Lease

    resp, events := s.apply(command{Op: opRenew, Key: "leader", Holder: "a", Term: l.Term, TTLMillis: 5000, NowUnixMs: baseMs + 2000})
    if !resp.OK { t.Fatalf("renew: %+v", resp) }
    if len(events) != 1 || events[0].Type != dcs.EventLeaseRenewed {
        t.Fatalf("renew events: %+v", events)
    }

    // Wrong holder, wrong term and expired lease all fail.
    if resp, _ := s.apply(command{Op: opRenew, Key: "leader", Holder: "b", Term: l.Term, TTLMillis: 5000, NowUnixMs: baseMs + 3000}); resp.OK {
        t.Fatalf("renewed for wrong holder")
    }
    if resp, _ := s.apply(command{Op: opRenew, Key: "leader", Holder: "a", Term: l.Term + 5, TTLMillis: 5000, NowUnixMs: baseMs + 3000}); resp.OK {
        t.Fatalf("renewed with wrong term")
    }
    if resp, _ := s.apply(command{Op: opRenew, Key: "leader", Holder: "a", Term: l.Term, TTLMillis: 5000, NowUnixMs: baseMs + 60_000}); resp.OK {
        t.Fatalf("renewed an expired lease")
    }
}

func TestApply_ReleaseKeepsMaxTerm(t *testing.T) {
    s := newKVState()
    l := acquire(s, "leader", "a", baseMs).Lease

    resp, events := s.apply(command{Op: opRelease, Key: "leader", Holder: "a", Term: l.Term, NowUnixMs: baseMs + 1000})
    if !resp.OK || len(events) != 1 || events[0].Type != dcs.EventLeaseReleased {
        t.Fatalf("release: resp=%+v events=%+v", resp, events)
    }
    next := acquire(s, "leader", "b", baseMs+2000)
    if next.Lease.Term != l.Term+1 {
        t.Fatalf("term after release = %d, want %d", next.Lease.Term, l.Term+1)
    }
}

func TestApply_CASPut(t *testing.T) {
    s := newKVState()

    created, _ := s.apply(command{Op: opCASPut, Key: "routing", ExpectedVersion: 0, Value: []byte("g1"), NowUnixMs: baseMs})
    if !created.OK { t.Fatalf("create: %+v", created) }

    stale, _ := s.apply(command{Op: opCASPut, Key: "routing", ExpectedVersion: 0, Value: []byte("dup"), NowUnixMs: baseMs})
    if stale.OK { t.Fatalf("stale cas succeeded") }
    if stale.Version != created.Version {
        t.Fatalf("losing cas reports version %d, want current %d", stale.Version, created.Version)
    }

    updated, _ := s.apply(command{Op: opCASPut, Key: "routing", ExpectedVersion: created.Version, Value: []byte("g2"), NowUnixMs: baseMs})
    if !updated.OK || updated.Version <= created.Version {
        t.Fatalf("update: %+v", updated)
    }
    val, ver, ok := s.get("routing", baseMs)
    if !ok || string(val) != "g2" || ver != updated.Version {
        t.Fatalf("get: val=%q ver=%d ok=%v", val, ver, ok)
    }
}

func TestApply_ExpireIsDeterministic(t *testing.T) {
    s := newKVState()
    acquire(s, "leader", "a", baseMs)
    s.apply(command{Op: opPut, Key: "health/a", Value: []byte("ok"), TTLMillis: 3000, NowUnixMs: baseMs})

    // Nothing due yet: expire commands race with renewals and must no-op.
    if resp, _ := s.apply(command{Op: opExpire, Key: "leader", NowUnixMs: baseMs + 1000}); resp.OK {
        t.Fatalf("expired a live lease")
    }
    if keys := s.expiredKeys(baseMs + 1000); len(keys) != 0 {
        t.Fatalf("expiredKeys early: %v", keys)
    }

    due := s.expiredKeys(baseMs + 6000)
    if len(due) != 2 || due[0] != "health/a" || due[1] != "leader" {
        t.Fatalf("expiredKeys = %v", due)
    }
    resp, events := s.apply(command{Op: opExpire, Key: "leader", NowUnixMs: baseMs + 6000})
    if !resp.OK || len(events) != 1 || events[0].Type != dcs.EventLeaseExpired {
        t.Fatalf("lease expire: resp=%+v events=%+v", resp, events)
    }
    resp, events = s.apply(command{Op: opExpire, Key: "health/a", NowUnixMs: baseMs + 6000})
    if !resp.OK || len(events) != 1 || events[0].Type != dcs.EventKeyExpired {
        t.Fatalf("key expire: resp=%+v events=%+v", resp, events)
    }
    if _, ok := s.getLease("leader", time.UnixMilli(baseMs+6000)); ok {
        t.Fatalf("lease survives its expiry command")
    }
}

func TestSnapshotRestore_Roundtrip(t *testing.T) {
    s := newKVState()
    acquire(s, "leader", "a", baseMs)
    s.apply(command{Op: opPut, Key: "routing", Value: []byte("table"), NowUnixMs: baseMs})
    s.apply(command{Op: opRegister, NodeID: "a", Addr: "10.0.0.1:9301"})

    buf, err := s.snapshotJSON()
    if err != nil { t.Fatalf("snapshot: %v", err) }

    restored := newKVState()
    if err := restored.restoreJSON(buf); err != nil { t.Fatalf("restore: %v", err) }

    lease, ok := restored.getLease("leader", time.UnixMilli(baseMs+1000))
    if !ok || lease.HolderID != "a" || lease.Term != 1 {
        t.Fatalf("restored lease: %+v ok=%v", lease, ok)
    }
    if val, _, ok := restored.get("routing", baseMs+1000); !ok || string(val) != "table" {
        t.Fatalf("restored key: %q ok=%v", val, ok)
    }
    if addr := restored.nodeAddr("a"); addr != "10.0.0.1:9301" {
        t.Fatalf("restored node addr: %q", addr)
    }

    // Max terms survive the snapshot: a post-restore takeover never reuses
    // term 1.
    s2 := acquire(restored, "leader", "b", baseMs+60_000)
    if !s2.OK || s2.Lease.Term != 2 {
        t.Fatalf("post-restore acquire: %+v", s2)
    }
}
