package health

import (
    "context"
    "log"
    "sync"
    "time"

    "github.com/amirimatin/go-failover/pkg/database"
    "github.com/amirimatin/go-failover/pkg/dcs"
    "github.com/amirimatin/go-failover/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-failover/pkg/observability/metrics"
    "github.com/amirimatin/go-failover/pkg/topology"
)

// Monitor probes the local database on a fixed interval, scores the result
// and publishes it into the topology store and, with a short TTL, into the
// consensus store for remote visibility. Each probe carries its own timeout
// so a stuck engine call can never block the loop.
type Monitor struct {
    opts Options
    log  *log.Logger

    mu       sync.Mutex
    failures int
    last     Report
}

// Options configure the monitor.
type Options struct {
    NodeID    string
    Addr      string // database address published to peers
    AdminAddr string // this agent's admin endpoint
    Priority  int

    // Interval between probes. Default 1s.
    Interval time.Duration
    // ProbeTimeout bounds each probe. Default half the interval.
    ProbeTimeout time.Duration
    // LagCeiling is the max replication lag for a member to stay Healthy.
    // Default 10s.
    LagCeiling time.Duration
    // FailThreshold is how many consecutive probe failures flip the score
    // to Unhealthy. Default 3.
    FailThreshold int
    // ReportTTL is the TTL on the published health key. Should be a small
    // multiple of Interval. Default 3×Interval.
    ReportTTL time.Duration

    DB       database.Manager
    Store    dcs.Store
    Topology *topology.Store
    // HealthKey is the DCS key this member's report is published under.
    HealthKey string
    Logger    *log.Logger
}

func NewMonitor(opts Options) *Monitor {
    if opts.Interval <= 0 { opts.Interval = time.Second }
    if opts.ProbeTimeout <= 0 { opts.ProbeTimeout = opts.Interval / 2 }
    if opts.LagCeiling <= 0 { opts.LagCeiling = 10 * time.Second }
    if opts.FailThreshold <= 0 { opts.FailThreshold = 3 }
    if opts.ReportTTL <= 0 { opts.ReportTTL = 3 * opts.Interval }
    if opts.Logger == nil { opts.Logger = log.Default() }
    return &Monitor{opts: opts, log: opts.Logger}
}

// Run probes until ctx is done. It is the caller's goroutine.
func (m *Monitor) Run(ctx context.Context) {
    ticker := time.NewTicker(m.opts.Interval)
    defer ticker.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-ticker.C:
            m.probeOnce(ctx)
        }
    }
}

// Last returns the most recent report.
func (m *Monitor) Last() Report {
    m.mu.Lock()
    defer m.mu.Unlock()
    return m.last
}

func (m *Monitor) probeOnce(ctx context.Context) {
    pctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
    probe, err := m.opts.DB.ProbeHealth(pctx)
    cancel()

    now := time.Now()
    var score Score
    var role topology.Role
    if err != nil {
        m.mu.Lock()
        m.failures++
        failures := m.failures
        m.mu.Unlock()
        role = topology.RoleUnknown
        if failures >= m.opts.FailThreshold {
            score = ScoreUnhealthy
        } else {
            // keep the previous score until the threshold trips
            score = m.Last().Score
            if score == "" { score = ScoreUnhealthy }
        }
        logutil.Warnf(m.log, "health probe failed (%d consecutive): %v", failures, err)
    } else {
        m.mu.Lock()
        m.failures = 0
        m.mu.Unlock()
        if probe.CanWrite {
            role = topology.RolePrimary
        } else {
            role = topology.RoleReplica
        }
        if !probe.CanWrite && probe.LagMillis > m.opts.LagCeiling.Milliseconds() {
            score = ScoreDegraded
        } else {
            score = ScoreHealthy
        }
    }

    report := Report{
        ID:        m.opts.NodeID,
        Addr:      m.opts.Addr,
        AdminAddr: m.opts.AdminAddr,
        Role:      role,
        LagMillis: probe.LagMillis,
        Score:     score,
        Priority:  m.opts.Priority,
        At:        now,
    }
    m.mu.Lock()
    m.last = report
    m.mu.Unlock()

    obsmetrics.HealthScore.Set(scoreGauge(score))
    obsmetrics.ReplicationLagMillis.Set(float64(probe.LagMillis))

    if m.opts.Topology != nil {
        m.opts.Topology.SetMemberHealth(m.opts.NodeID, score == ScoreHealthy, probe.LagMillis, role, now)
    }
    if m.opts.Store != nil && m.opts.HealthKey != "" {
        data, err := report.Marshal()
        if err == nil {
            pctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
            if err := m.opts.Store.Put(pctx, m.opts.HealthKey, data, m.opts.ReportTTL); err != nil {
                logutil.Warnf(m.log, "health publish failed: %v", err)
            }
            cancel()
        }
    }
}

func scoreGauge(s Score) float64 {
    switch s {
    case ScoreHealthy:
        return 2
    case ScoreDegraded:
        return 1
    default:
        return 0
    }
}
