package failover

import (
    "context"
    "log"
    "sync"
    "time"

    "github.com/amirimatin/go-failover/pkg/database"
    "github.com/amirimatin/go-failover/pkg/dcs"
    "github.com/amirimatin/go-failover/pkg/election"
    "github.com/amirimatin/go-failover/pkg/health"
    "github.com/amirimatin/go-failover/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-failover/pkg/observability/metrics"
    "github.com/amirimatin/go-failover/pkg/observability/tracing"
    "github.com/amirimatin/go-failover/pkg/routing"
    "github.com/amirimatin/go-failover/pkg/topology"
)

// State is the orchestrator's failover phase.
type State string

const (
    StateStable     State = "stable"
    StateLeaderLost State = "leader_lost"
    StateElecting   State = "electing"
    StatePromoting  State = "promoting"
    StateFencing    State = "fencing"
)

// Demoter demotes a remote agent's database (best-effort fencing directive).
type Demoter interface {
    Fence(ctx context.Context, addr string, term uint64) error
}

// Orchestrator reacts to lease transitions: it checks the winner's own
// promotion eligibility, executes promote with bounded retries, fences the
// deposed primary and republishes routing. Election and
// promotion-eligibility are deliberately decoupled: winning the lease never
// implies the winner may be promoted.
type Orchestrator struct {
    opts Options
    log  *log.Logger
    em   *election.Manager

    mu        sync.Mutex
    state     State
    deadLease dcs.Lease
    hasDead   bool
    lastSeen  time.Time // last instant a confirmed lease existed
    blacklist map[string]time.Time
}

// Options configure the orchestrator.
type Options struct {
    NodeID string

    Store     dcs.Store
    DB        database.Manager
    Fence     *database.Fence
    Topology  *topology.Store
    Publisher *routing.Publisher
    Demoter   Demoter

    // LocalHealth returns the latest local probe report; promotion
    // eligibility is judged on it, never on remote gossip.
    LocalHealth func() health.Report

    // Preferred returns a pending switchover designation. A node named as
    // the target may be promoted past the lag ceiling: that is the forced
    // switchover consistency-risk override.
    Preferred func(ctx context.Context) (string, bool)

    // LagCeiling is the max replication lag for a promotion candidate.
    // Default 10s.
    LagCeiling time.Duration
    // PromoteTimeout bounds each promote attempt. Default 10s.
    PromoteTimeout time.Duration
    // PromoteRetries is how many extra attempts follow a failed promote.
    // Default 2.
    PromoteRetries int
    // BlacklistFor is the cool-down after abandoning a candidate. Default 60s.
    BlacklistFor time.Duration
    // AlertAfter is how long the cluster may stay leaderless before the
    // no-eligible-candidate alert fires. Default 30s.
    AlertAfter time.Duration

    // Notify, when set, receives every election event after the
    // orchestrator has reacted to it (observer fan-out for embedders).
    Notify func(ev election.Event)

    Logger *log.Logger
}

func New(opts Options) *Orchestrator {
    if opts.LagCeiling <= 0 { opts.LagCeiling = 10 * time.Second }
    if opts.PromoteTimeout <= 0 { opts.PromoteTimeout = 10 * time.Second }
    if opts.PromoteRetries <= 0 { opts.PromoteRetries = 2 }
    if opts.BlacklistFor <= 0 { opts.BlacklistFor = 60 * time.Second }
    if opts.AlertAfter <= 0 { opts.AlertAfter = 30 * time.Second }
    if opts.Logger == nil { opts.Logger = log.Default() }
    return &Orchestrator{
        opts:      opts,
        log:       opts.Logger,
        state:     StateStable,
        lastSeen:  time.Now(),
        blacklist: make(map[string]time.Time),
    }
}

// BindElection wires the election manager after construction (the manager's
// hooks point back at this orchestrator).
func (o *Orchestrator) BindElection(em *election.Manager) { o.em = em }

// State returns the current failover phase.
func (o *Orchestrator) State() State {
    o.mu.Lock()
    defer o.mu.Unlock()
    return o.state
}

// SelfEligible reports whether this agent may contest the lease right now:
// not blacklisted, and locally a viable promotion target.
func (o *Orchestrator) SelfEligible() bool {
    if o.Blacklisted(o.opts.NodeID) {
        return false
    }
    rep := o.opts.LocalHealth()
    if rep.Score == health.ScoreUnhealthy || rep.Score == "" {
        return false
    }
    if rep.Role == topology.RolePrimary {
        return true // former primary re-confirming ownership
    }
    if rep.Role != topology.RoleReplica {
        return false
    }
    if rep.LagMillis <= o.opts.LagCeiling.Milliseconds() {
        return true
    }
    if o.opts.Preferred != nil {
        if target, ok := o.opts.Preferred(context.Background()); ok && target == o.opts.NodeID {
            logutil.Warnf(o.log, "failover: lag %dms exceeds ceiling %s but this node is the designated switchover target, proceeding", rep.LagMillis, o.opts.LagCeiling)
            return true
        }
    }
    return false
}

// Blacklisted reports whether id is inside its cool-down window.
func (o *Orchestrator) Blacklisted(id string) bool {
    o.mu.Lock()
    defer o.mu.Unlock()
    until, ok := o.blacklist[id]
    if !ok {
        return false
    }
    if time.Now().After(until) {
        delete(o.blacklist, id)
        return false
    }
    return true
}

// Run consumes election events until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) {
    events := o.em.Events()
    alert := time.NewTicker(time.Second)
    defer alert.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case ev, ok := <-events:
            if !ok {
                return
            }
            o.handle(ctx, ev)
        case <-alert.C:
            o.checkLeaderless()
        }
    }
}

func (o *Orchestrator) handle(ctx context.Context, ev election.Event) {
    defer func() {
        if o.opts.Notify != nil { o.opts.Notify(ev) }
    }()
    switch ev.Type {
    case election.EventElected:
        o.onElected(ctx, ev.Lease)
    case election.EventOwnershipLost:
        // The election manager already demoted the local database before
        // announcing; record the dead lease for the next fencing window.
        o.mu.Lock()
        o.state = StateLeaderLost
        o.deadLease = ev.Lease
        o.hasDead = true
        o.mu.Unlock()
        o.opts.Fence.Observe(ev.Lease.Term)
        o.opts.Topology.SetLease(ev.Lease, false)
    case election.EventLeaderLost:
        o.mu.Lock()
        o.state = StateLeaderLost
        o.deadLease = ev.Lease
        o.hasDead = true
        o.mu.Unlock()
        o.opts.Topology.SetLease(ev.Lease, false)
    case election.EventLeaderChanged:
        o.opts.Fence.Observe(ev.Lease.Term)
        o.opts.Topology.SetLease(ev.Lease, true)
        o.mu.Lock()
        o.state = StateStable
        o.lastSeen = time.Now()
        o.mu.Unlock()
    }
}

// onElected runs the Electing → Promoting → Fencing sequence for a lease
// this agent just won.
func (o *Orchestrator) onElected(ctx context.Context, lease dcs.Lease) {
    ctx, end := tracing.StartSpan(ctx, "failover.onElected")
    defer end()

    o.setState(StateElecting)
    o.opts.Fence.Observe(lease.Term)
    o.opts.Topology.SetLease(lease, true)
    o.mu.Lock()
    o.lastSeen = time.Now()
    o.mu.Unlock()

    if !o.SelfEligible() {
        // The election mechanism elected someone the database cannot use
        // (e.g., an agent without a caught-up replica). Hand the lease back
        // and let a better contender retry.
        logutil.Warnf(o.log, "failover: won lease term=%d but not promotion-eligible, releasing", lease.Term)
        if err := o.em.Resign(ctx); err != nil {
            logutil.Errorf(o.log, "failover: release after ineligible win: %v", err)
        }
        o.setState(StateStable)
        return
    }

    if !o.promote(ctx, lease) {
        return
    }

    gen := o.opts.Topology.AdvanceGeneration()
    obsmetrics.FailoversTotal.Inc()
    logutil.Infof(o.log, "failover: promoted to primary term=%d generation=%d", lease.Term, gen)
    if err := o.opts.Publisher.Publish(ctx); err != nil {
        logutil.Warnf(o.log, "failover: routing publish: %v", err)
    }

    o.fence(ctx, lease)
    o.setState(StateStable)
}

// promote executes the engine promote with bounded retries. Returns false
// when the candidate was abandoned (blacklisted, lease released).
func (o *Orchestrator) promote(ctx context.Context, lease dcs.Lease) bool {
    o.setState(StatePromoting)
    attempts := 1 + o.opts.PromoteRetries
    for i := 0; i < attempts; i++ {
        // Abandon immediately when a newer term took over mid-flight.
        if cur, held := o.em.Lease(); !held || cur.Term != lease.Term {
            logutil.Warnf(o.log, "failover: promotion abandoned, term moved on")
            o.setState(StateStable)
            return false
        }
        pctx, cancel := context.WithTimeout(ctx, o.opts.PromoteTimeout)
        err := o.opts.DB.Promote(pctx, lease.FencingToken)
        cancel()
        if err == nil {
            obsmetrics.PromotionsTotal.WithLabelValues("success").Inc()
            return true
        }
        obsmetrics.PromotionsTotal.WithLabelValues("failure").Inc()
        logutil.Errorf(o.log, "failover: promote attempt %d/%d: %v", i+1, attempts, err)
    }

    // Abandon this candidate: cool it down, give the lease back so another
    // node can contest.
    o.mu.Lock()
    o.blacklist[o.opts.NodeID] = time.Now().Add(o.opts.BlacklistFor)
    o.mu.Unlock()
    logutil.Errorf(o.log, "failover: promotion failed %d times, blacklisting self for %s and releasing lease",
        attempts, o.opts.BlacklistFor)
    if err := o.em.Resign(ctx); err != nil {
        logutil.Errorf(o.log, "failover: release after failed promotion: %v", err)
    }
    o.setState(StateStable)
    return false
}

// fence demotes the deposed primary if reachable and waits out the old
// lease's remaining validity, so the old primary cannot take writes past
// this point even when the demote message is lost: it either stepped down
// on its own renewal failure, or its writes die on the fencing token.
func (o *Orchestrator) fence(ctx context.Context, lease dcs.Lease) {
    o.setState(StateFencing)
    ctx, end := tracing.StartSpan(ctx, "failover.fence")
    defer end()

    o.mu.Lock()
    dead, hasDead := o.deadLease, o.hasDead
    o.hasDead = false
    o.mu.Unlock()

    if hasDead && dead.HolderID != "" && dead.HolderID != o.opts.NodeID {
        snap := o.opts.Topology.Snapshot()
        if prev, ok := snap.Members[dead.HolderID]; ok && prev.AdminAddr != "" && o.opts.Demoter != nil {
            fctx, cancel := context.WithTimeout(ctx, 3*time.Second)
            if err := o.opts.Demoter.Fence(fctx, prev.AdminAddr, lease.Term); err != nil {
                logutil.Warnf(o.log, "failover: best-effort demote of %s failed: %v", dead.HolderID, err)
            } else {
                logutil.Infof(o.log, "failover: demoted former primary %s", dead.HolderID)
            }
            cancel()
        }
    }

    wait := time.Duration(0)
    if hasDead {
        wait = dead.Remaining(time.Now())
    }
    if wait > 0 {
        logutil.Infof(o.log, "failover: waiting %s for the old lease window to close", wait)
        select {
        case <-ctx.Done():
            return
        case <-time.After(wait):
        }
    }
}

// checkLeaderless raises the no-eligible-candidate alert when the cluster
// has been leaderless beyond the alert window and nothing can be promoted.
// The cluster stays read-only in that condition; guessing a lagging primary
// would trade durability for availability.
func (o *Orchestrator) checkLeaderless() {
    snap := o.opts.Topology.Snapshot()
    if snap.HasLease && !snap.Lease.Expired(time.Now()) {
        o.mu.Lock()
        o.lastSeen = time.Now()
        o.mu.Unlock()
        return
    }
    o.mu.Lock()
    since := time.Since(o.lastSeen)
    o.mu.Unlock()
    if since < o.opts.AlertAfter {
        return
    }
    if _, ok := SelectCandidate(o.opts.Topology.FreshMembers(time.Now())); !ok {
        obsmetrics.LeaderlessAlerts.Inc()
        logutil.Errorf(o.log, "failover: ALERT cluster leaderless for %s with no eligible candidate; staying read-only", since.Round(time.Second))
    }
}

func (o *Orchestrator) setState(s State) {
    o.mu.Lock()
    o.state = s
    o.mu.Unlock()
}
