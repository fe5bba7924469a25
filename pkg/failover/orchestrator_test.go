package failover

import (
    "io"
    "log"
    "testing"
    "time"

    "github.com/amirimatin/go-failover/pkg/health"
    "github.com/amirimatin/go-failover/pkg/topology"
)

func newEligibilityOrch(rep health.Report) *Orchestrator {
    return New(Options{
        NodeID:      "a",
        LagCeiling:  10 * time.Second,
        LocalHealth: func() health.Report { return rep },
        Logger:      log.New(io.Discard, "", 0),
    })
}

func TestSelfEligible(t *testing.T) {
    cases := []struct {
        name string
        rep  health.Report
        want bool
    }{
        {"caught-up replica", health.Report{Score: health.ScoreHealthy, Role: topology.RoleReplica, LagMillis: 100}, true},
        {"replica at lag ceiling", health.Report{Score: health.ScoreHealthy, Role: topology.RoleReplica, LagMillis: 10000}, true},
        {"replica over lag ceiling", health.Report{Score: health.ScoreHealthy, Role: topology.RoleReplica, LagMillis: 10001}, false},
        {"current primary", health.Report{Score: health.ScoreHealthy, Role: topology.RolePrimary}, true},
        {"unhealthy replica", health.Report{Score: health.ScoreUnhealthy, Role: topology.RoleReplica}, false},
        {"no probe yet", health.Report{}, false},
        {"unknown role", health.Report{Score: health.ScoreHealthy, Role: topology.RoleUnknown}, false},
    }
    for _, tc := range cases {
        t.Run(tc.name, func(t *testing.T) {
            o := newEligibilityOrch(tc.rep)
            if got := o.SelfEligible(); got != tc.want {
                t.Fatalf("SelfEligible() = %v, want %v", got, tc.want)
            }
        })
    }
}

func TestBlacklistExpires(t *testing.T) {
    o := newEligibilityOrch(health.Report{Score: health.ScoreHealthy, Role: topology.RoleReplica})
    o.mu.Lock()
    o.blacklist["a"] = time.Now().Add(50 * time.Millisecond)
    o.mu.Unlock()

    if !o.Blacklisted("a") { t.Fatalf("not blacklisted inside the window") }
    if o.SelfEligible() { t.Fatalf("eligible while blacklisted") }

    time.Sleep(80 * time.Millisecond)
    if o.Blacklisted("a") { t.Fatalf("still blacklisted after the window") }
    if !o.SelfEligible() { t.Fatalf("not eligible after cool-down") }
    if o.Blacklisted("b") { t.Fatalf("unrelated id reported blacklisted") }
}
