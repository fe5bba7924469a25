package agent

import (
    "context"
    "encoding/json"
    "fmt"
    "log"
    "sync"
    "time"

    "github.com/amirimatin/go-failover/pkg/database"
    "github.com/amirimatin/go-failover/pkg/dcs"
    "github.com/amirimatin/go-failover/pkg/discovery"
    "github.com/amirimatin/go-failover/pkg/election"
    "github.com/amirimatin/go-failover/pkg/failover"
    "github.com/amirimatin/go-failover/pkg/health"
    "github.com/amirimatin/go-failover/pkg/internal/logutil"
    "github.com/amirimatin/go-failover/pkg/membership"
    obsmetrics "github.com/amirimatin/go-failover/pkg/observability/metrics"
    "github.com/amirimatin/go-failover/pkg/routing"
    "github.com/amirimatin/go-failover/pkg/topology"
    "github.com/amirimatin/go-failover/pkg/transport"
)

// Well-known consensus store keys. All agents in one cluster must agree on
// these; they are deliberately not configurable.
const (
    LeaderKey    = "leader"
    RoutingKey   = "routing/table"
    PreferredKey = "switchover/preferred"

    healthKeyPrefix = "health/"
)

// Agent is the per-node coordinator: it probes the local database, contests
// the leader lease, runs failover when it wins, publishes routing and
// answers admin RPC. One Agent runs next to each database instance.
type Agent struct {
    opts Options
    log  *log.Logger

    store     dcs.Store
    db        database.Manager
    fence     *database.Fence
    topo      *topology.Store
    monitor   *health.Monitor
    em        *election.Manager
    orch      *failover.Orchestrator
    publisher *routing.Publisher

    mu      sync.Mutex
    routing routing.Table
    cancel  context.CancelFunc

    subMu sync.Mutex
    subs  []chan Event
}

// Options assemble an Agent from its collaborators. Store and NodeID are
// required; DB may be nil for witness nodes that only host the consensus
// store and never contest the lease.
type Options struct {
    NodeID    string
    Addr      string // database address published in routing tables
    AdminAddr string // this agent's admin RPC address as reachable by peers
    Priority  int

    Store      dcs.Store
    DB         database.Manager
    Membership membership.Membership
    // Discovery resolves membership seeds; nil means no join targets.
    Discovery discovery.Discovery
    RPCServer transport.RPCServer
    RPCClient transport.RPCClient

    LeaseTTL      time.Duration
    RenewInterval time.Duration
    ProbeInterval time.Duration
    ProbeTimeout  time.Duration
    LagCeiling    time.Duration
    FailThreshold int

    PromoteTimeout       time.Duration
    PromoteRetries       int
    BlacklistFor         time.Duration
    LeaderlessAlertAfter time.Duration

    Logger *log.Logger
}

// New wires the component graph without starting anything.
func New(opts Options) (*Agent, error) {
    if opts.NodeID == "" { return nil, fmt.Errorf("agent: empty NodeID") }
    if opts.Store == nil { return nil, fmt.Errorf("agent: nil Store") }
    if opts.LeaseTTL <= 0 { opts.LeaseTTL = 9 * time.Second }
    if opts.ProbeInterval <= 0 { opts.ProbeInterval = time.Second }
    if opts.Logger == nil { opts.Logger = log.Default() }

    a := &Agent{
        opts:  opts,
        log:   opts.Logger,
        store: opts.Store,
        db:    opts.DB,
        fence: &database.Fence{},
    }

    // Members whose reports outlive the lease TTL are no longer trusted as
    // promotion candidates.
    a.topo = topology.New(topology.Options{StalenessBound: opts.LeaseTTL})

    a.monitor = health.NewMonitor(health.Options{
        NodeID:        opts.NodeID,
        Addr:          opts.Addr,
        AdminAddr:     opts.AdminAddr,
        Priority:      opts.Priority,
        Interval:      opts.ProbeInterval,
        ProbeTimeout:  opts.ProbeTimeout,
        LagCeiling:    opts.LagCeiling,
        FailThreshold: opts.FailThreshold,
        DB:            opts.DB,
        Store:         opts.Store,
        Topology:      a.topo,
        HealthKey:     healthKeyPrefix + opts.NodeID,
        Logger:        opts.Logger,
    })

    a.publisher = routing.NewPublisher(routing.Options{
        Store:    opts.Store,
        Key:      RoutingKey,
        Topology: a.topo,
        Logger:   opts.Logger,
    })

    a.orch = failover.New(failover.Options{
        NodeID:         opts.NodeID,
        Store:          opts.Store,
        DB:             opts.DB,
        Fence:          a.fence,
        Topology:       a.topo,
        Publisher:      a.publisher,
        Demoter:        rpcDemoter{cli: opts.RPCClient},
        LocalHealth:    a.monitor.Last,
        Preferred:      a.preferredTarget,
        Notify: func(ev election.Event) {
            l := ev.Lease
            a.emit(Event{Type: EventType(ev.Type), At: ev.At, Lease: &l})
        },
        LagCeiling:     opts.LagCeiling,
        PromoteTimeout: opts.PromoteTimeout,
        PromoteRetries: opts.PromoteRetries,
        BlacklistFor:   opts.BlacklistFor,
        AlertAfter:     opts.LeaderlessAlertAfter,
        Logger:         opts.Logger,
    })

    em, err := election.NewManager(election.Options{
        NodeID:        opts.NodeID,
        LeaderKey:     LeaderKey,
        Store:         opts.Store,
        TTL:           opts.LeaseTTL,
        RenewInterval: opts.RenewInterval,
        Logger:        opts.Logger,
    }, election.Hooks{
        Eligible:  a.orch.SelfEligible,
        Rank:      a.selfRank,
        Preferred: a.preferredTarget,
        Demote:    a.demoteLocal,
    })
    if err != nil { return nil, err }
    a.em = em
    a.orch.BindElection(em)
    return a, nil
}

// Start launches every component and returns once the agent is running.
func (a *Agent) Start(ctx context.Context) error {
    obsmetrics.Register()
    ctx, cancel := context.WithCancel(ctx)
    a.cancel = cancel

    if err := a.store.Start(ctx); err != nil {
        cancel()
        return fmt.Errorf("agent: store start: %w", err)
    }
    a.topo.Start(ctx)

    if a.opts.Membership != nil {
        if err := a.opts.Membership.Start(ctx); err != nil {
            cancel()
            return fmt.Errorf("agent: membership start: %w", err)
        }
        if a.opts.Discovery != nil {
            if err := a.opts.Membership.Join(a.opts.Discovery.Seeds()); err != nil {
                logutil.Warnf(a.log, "agent: join seeds: %v", err)
            }
        }
        go a.membershipLoop(ctx)
        go a.rejoinLoop(ctx)
    }
    if a.opts.RPCServer != nil {
        if err := a.opts.RPCServer.Start(ctx, a.statusJSON, a.roleString, a.handleFence, a.handleSwitchover); err != nil {
            cancel()
            return fmt.Errorf("agent: rpc server start: %w", err)
        }
    }

    go a.monitor.Run(ctx)
    go a.em.Run(ctx)
    go a.orch.Run(ctx)
    go a.peerHealthLoop(ctx)
    go a.routingWatchLoop(ctx)
    go a.routingRefreshLoop(ctx)
    logutil.Infof(a.log, "agent %s started (admin=%s)", a.opts.NodeID, a.opts.AdminAddr)
    return nil
}

// Stop resigns any held lease and shuts everything down.
func (a *Agent) Stop(ctx context.Context) error {
    if err := a.em.Resign(ctx); err != nil {
        logutil.Warnf(a.log, "agent: resign on stop: %v", err)
    }
    if a.opts.Membership != nil {
        _ = a.opts.Membership.Leave()
        _ = a.opts.Membership.Stop()
    }
    if a.opts.RPCServer != nil {
        _ = a.opts.RPCServer.Stop(ctx)
    }
    if a.cancel != nil { a.cancel() }
    a.store.Stop()
    return nil
}

// Status assembles the current node view.
func (a *Agent) Status() Status {
    snap := a.topo.Snapshot()
    rep := a.monitor.Last()
    lease, held := a.em.Lease()
    st := Status{
        NodeID:        a.opts.NodeID,
        Role:          rep.Role,
        ElectionState: a.em.State(),
        FailoverState: a.orch.State(),
        HoldsLease:    held,
        Generation:    snap.Generation,
        Health:        rep,
        Members:       a.topo.FreshMembers(time.Now()),
        At:            time.Now(),
    }
    if held || snap.HasLease {
        l := lease
        if !held { l = snap.Lease }
        st.Lease = &l
    }
    a.mu.Lock()
    if a.routing.Generation > 0 {
        t := a.routing
        st.Routing = &t
    }
    a.mu.Unlock()
    return st
}

// RoutingTable returns the last routing table applied from the store.
func (a *Agent) RoutingTable() routing.Table {
    a.mu.Lock()
    defer a.mu.Unlock()
    return a.routing
}

// Role returns the local database role as last probed.
func (a *Agent) Role() topology.Role {
    role := a.monitor.Last().Role
    if role == "" { role = topology.RoleUnknown }
    return role
}

func (a *Agent) roleString(ctx context.Context) (string, error) {
    return string(a.Role()), nil
}

// Switchover hands the primary role to target (empty = best candidate).
// force bypasses the target health and lag checks. On a follower the request
// is forwarded to the current leader.
func (a *Agent) Switchover(ctx context.Context, target string, force bool) error {
    resp, err := a.handleSwitchover(ctx, transport.SwitchoverRequest{To: target, Force: force})
    if err != nil { return err }
    if resp.Accepted { return nil }
    if resp.Leader != "" && a.opts.RPCClient != nil {
        fresp, err := a.opts.RPCClient.PostSwitchover(ctx, resp.Leader, transport.SwitchoverRequest{To: target, Force: force})
        if err != nil { return fmt.Errorf("%w: %v", ErrTransientInfra, err) }
        if !fresp.Accepted {
            if fresp.Error != "" { return fmt.Errorf("%w: %s", ErrNoEligibleCandidate, fresp.Error) }
            return ErrNoEligibleCandidate
        }
        return nil
    }
    if resp.Error != "" { return fmt.Errorf("%w: %s", ErrNoEligibleCandidate, resp.Error) }
    return ErrNotLeader
}

func (a *Agent) statusJSON(ctx context.Context) ([]byte, error) {
    return json.Marshal(a.Status())
}

// handleFence demotes the local database on a directive from the new
// primary. The token is recorded even when demote fails, so stale writes
// die on the fence regardless.
func (a *Agent) handleFence(ctx context.Context, req transport.FenceRequest) (transport.FenceResponse, error) {
    a.fence.Observe(req.Term)
    logutil.Warnf(a.log, "agent: fence directive received term=%d, demoting", req.Term)
    if a.db != nil {
        dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
        defer cancel()
        if err := a.db.Demote(dctx); err != nil {
            return transport.FenceResponse{Demoted: false, Error: err.Error()}, nil
        }
    }
    return transport.FenceResponse{Demoted: true}, nil
}

// handleSwitchover performs a planned handoff: record the designated target
// in the store, then resign. The target contests with zero delay while
// everyone else holds back a full TTL, so the lease lands where intended
// without ever having two holders.
func (a *Agent) handleSwitchover(ctx context.Context, req transport.SwitchoverRequest) (transport.SwitchoverResponse, error) {
    if _, held := a.em.Lease(); !held {
        obsmetrics.SwitchoverRequests.WithLabelValues("forwarded").Inc()
        snap := a.topo.Snapshot()
        leader := ""
        if snap.HasLease {
            if m, ok := snap.Members[snap.Lease.HolderID]; ok { leader = m.AdminAddr }
        }
        return transport.SwitchoverResponse{Accepted: false, Leader: leader, Error: ErrNotLeader.Error()}, nil
    }

    target := req.To
    members := a.topo.FreshMembers(time.Now())
    if target == "" {
        peers := make([]topology.Member, 0, len(members))
        for _, m := range members {
            if m.ID != a.opts.NodeID { peers = append(peers, m) }
        }
        best, ok := failover.SelectCandidate(peers)
        if !ok {
            obsmetrics.SwitchoverRequests.WithLabelValues("rejected").Inc()
            return transport.SwitchoverResponse{Accepted: false, Error: ErrNoEligibleCandidate.Error()}, nil
        }
        target = best.ID
    } else {
        if target == a.opts.NodeID {
            obsmetrics.SwitchoverRequests.WithLabelValues("rejected").Inc()
            return transport.SwitchoverResponse{Accepted: false, Error: "target is already primary"}, nil
        }
        if req.Force {
            logutil.Warnf(a.log, "agent: FORCED switchover to %s, bypassing health and lag checks (consistency risk)", target)
        } else {
            found := false
            for _, m := range members {
                if m.ID == target && m.Healthy { found = true; break }
            }
            if !found {
                obsmetrics.SwitchoverRequests.WithLabelValues("rejected").Inc()
                return transport.SwitchoverResponse{Accepted: false, Error: fmt.Sprintf("target %s not a fresh healthy member", target)}, nil
            }
        }
    }

    // The key self-expires; if the target fails to win in time, normal
    // contest rules take over.
    pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
    err := a.store.Put(pctx, PreferredKey, []byte(target), 2*a.opts.LeaseTTL)
    cancel()
    if err != nil {
        obsmetrics.SwitchoverRequests.WithLabelValues("error").Inc()
        return transport.SwitchoverResponse{Accepted: false, Error: err.Error()}, nil
    }
    logutil.Infof(a.log, "agent: switchover to %s, resigning", target)
    if err := a.em.Resign(ctx); err != nil {
        obsmetrics.SwitchoverRequests.WithLabelValues("error").Inc()
        return transport.SwitchoverResponse{Accepted: false, Error: err.Error()}, nil
    }
    obsmetrics.SwitchoverRequests.WithLabelValues("accepted").Inc()
    return transport.SwitchoverResponse{Accepted: true}, nil
}

// preferredTarget is the election Preferred hook: it reads the pending
// switchover designation from the store.
func (a *Agent) preferredTarget(ctx context.Context) (string, bool) {
    gctx, cancel := context.WithTimeout(ctx, time.Second)
    defer cancel()
    val, _, ok, err := a.store.Get(gctx, PreferredKey)
    if err != nil || !ok || len(val) == 0 {
        return "", false
    }
    return string(val), true
}

func (a *Agent) selfRank() int {
    return failover.Rank(a.topo.FreshMembers(time.Now()), a.opts.NodeID)
}

func (a *Agent) demoteLocal(ctx context.Context) {
    if a.db == nil { return }
    dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
    defer cancel()
    if err := a.db.Demote(dctx); err != nil {
        logutil.Errorf(a.log, "agent: local demote failed: %v", err)
    }
}

// membershipLoop feeds gossip events into the topology store.
func (a *Agent) membershipLoop(ctx context.Context) {
    events := a.opts.Membership.Events()
    for {
        select {
        case <-ctx.Done():
            return
        case ev, ok := <-events:
            if !ok { return }
            switch ev.Type {
            case membership.EventJoin:
                a.topo.ObserveMember(ev.Member.ID, ev.Member.Meta["db"], ev.Member.Meta["admin"], atoiMeta(ev.Member.Meta["priority"]))
            case membership.EventLeave, membership.EventFailed:
                a.topo.RemoveMember(ev.Member.ID)
            }
        }
    }
}

// rejoinLoop re-resolves seeds and retries the join while this agent sees
// no peers, so a node isolated by a transient partition finds its way back.
func (a *Agent) rejoinLoop(ctx context.Context) {
    ticker := time.NewTicker(30 * time.Second)
    defer ticker.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-ticker.C:
            if a.opts.Discovery == nil || len(a.opts.Membership.Members()) > 1 {
                continue
            }
            if seeds := a.opts.Discovery.Seeds(); len(seeds) > 0 {
                if err := a.opts.Membership.Join(seeds); err != nil {
                    logutil.Warnf(a.log, "agent: rejoin: %v", err)
                }
            }
        }
    }
}

// peerHealthLoop pulls peers' self-published health reports out of the
// consensus store. Candidate selection runs on these reports, not on gossip
// liveness: a node can answer pings while its database is down.
func (a *Agent) peerHealthLoop(ctx context.Context) {
    interval := a.opts.ProbeInterval
    ticker := time.NewTicker(interval)
    defer ticker.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-ticker.C:
            ids := a.peerIDs()
            obsmetrics.ClusterMembers.Set(float64(len(ids)))
            for _, id := range ids {
                if id == a.opts.NodeID {
                    continue // local monitor feeds topology directly
                }
                gctx, cancel := context.WithTimeout(ctx, interval)
                val, _, ok, err := a.store.Get(gctx, healthKeyPrefix+id)
                cancel()
                if err != nil || !ok {
                    continue // expired report: staleness bound handles it
                }
                rep, err := health.UnmarshalReport(val)
                if err != nil {
                    logutil.Warnf(a.log, "agent: bad health report from %s: %v", id, err)
                    continue
                }
                a.topo.ObserveMember(rep.ID, rep.Addr, rep.AdminAddr, rep.Priority)
                a.topo.SetMemberHealth(rep.ID, rep.Score == health.ScoreHealthy, rep.LagMillis, rep.Role, rep.At)
            }
        }
    }
}

func (a *Agent) peerIDs() []string {
    if a.opts.Membership == nil {
        // fall back to whatever topology already knows
        snap := a.topo.Snapshot()
        out := make([]string, 0, len(snap.Members))
        for id := range snap.Members { out = append(out, id) }
        return out
    }
    members := a.opts.Membership.Members()
    out := make([]string, 0, len(members))
    for _, m := range members { out = append(out, m.ID) }
    return out
}

// routingWatchLoop applies routing tables published by whichever agent is
// primary, enforcing generation monotonicity. Watches replay nothing on
// (re)connect, so every watch session begins with an explicit re-read.
func (a *Agent) routingWatchLoop(ctx context.Context) {
    for ctx.Err() == nil {
        events, err := a.store.Watch(ctx, RoutingKey)
        if err != nil {
            logutil.Warnf(a.log, "agent: routing watch: %v", err)
            select {
            case <-ctx.Done():
                return
            case <-time.After(time.Second):
            }
            continue
        }
        a.syncRouting(ctx)
        for ev := range events {
            if ev.Type != dcs.EventKeyPut || len(ev.Value) == 0 {
                continue
            }
            var t routing.Table
            if err := json.Unmarshal(ev.Value, &t); err != nil {
                logutil.Warnf(a.log, "agent: bad routing table: %v", err)
                continue
            }
            a.applyRouting(t)
        }
    }
}

// syncRouting reads the stored routing table and applies it, seeding the
// local generation counter before any watch event arrives.
func (a *Agent) syncRouting(ctx context.Context) {
    gctx, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    val, _, ok, err := a.store.Get(gctx, RoutingKey)
    if err != nil || !ok {
        return
    }
    var t routing.Table
    if err := json.Unmarshal(val, &t); err != nil {
        logutil.Warnf(a.log, "agent: bad stored routing table: %v", err)
        return
    }
    a.applyRouting(t)
}

func (a *Agent) applyRouting(t routing.Table) {
    a.mu.Lock()
    applied, changed := routing.Apply(a.routing, t)
    a.routing = applied
    a.mu.Unlock()
    if changed {
        a.topo.ObserveGeneration(applied.Generation)
        a.emit(Event{Type: EventRoutingApplied, At: time.Now(), Routing: &applied})
        logutil.Infof(a.log, "agent: routing applied generation=%d primary=%s", applied.Generation, applied.PrimaryAddress)
    }
}

// routingRefreshLoop republishes the routing table while this agent leads
// and the member composition drifts from what is applied: replicas joining,
// leaving or flipping health are routing changes too, not only failovers.
func (a *Agent) routingRefreshLoop(ctx context.Context) {
    ticker := time.NewTicker(a.opts.ProbeInterval)
    defer ticker.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-ticker.C:
            if _, held := a.em.Lease(); !held {
                continue
            }
            table, ok := routing.Build(a.topo.Snapshot())
            if !ok {
                continue
            }
            if routing.SameRoute(table, a.RoutingTable()) {
                continue
            }
            a.topo.AdvanceGeneration()
            if err := a.publisher.Publish(ctx); err != nil {
                logutil.Warnf(a.log, "agent: routing refresh: %v", err)
            }
        }
    }
}

func atoiMeta(s string) int {
    n := 0
    for _, r := range s {
        if r < '0' || r > '9' { return 0 }
        n = n*10 + int(r-'0')
    }
    return n
}

// rpcDemoter adapts the management RPC client to the orchestrator's Demoter.
type rpcDemoter struct{ cli transport.RPCClient }

func (d rpcDemoter) Fence(ctx context.Context, addr string, term uint64) error {
    if d.cli == nil { return fmt.Errorf("no rpc client configured") }
    resp, err := d.cli.PostFence(ctx, addr, transport.FenceRequest{Term: term})
    if err != nil { return err }
    if !resp.Demoted {
        if resp.Error != "" { return fmt.Errorf("%s", resp.Error) }
        return fmt.Errorf("demote refused")
    }
    return nil
}
