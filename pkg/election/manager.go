package election

import (
    "context"
    "log"
    "math/rand"
    "sync"
    "time"

    "github.com/amirimatin/go-failover/pkg/dcs"
    "github.com/amirimatin/go-failover/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-failover/pkg/observability/metrics"
)

// Manager owns lease acquisition, renewal and loss detection for one agent.
// All agents start Following; observing an absent or expired lease moves
// them to Contesting after a rank-weighted jitter, and the single winner of
// the atomic acquire leads until it loses or releases the lease.
type Manager struct {
    opts  Options
    hooks Hooks
    log   *log.Logger

    mu    sync.Mutex
    state State
    lease dcs.Lease
    held  bool

    events chan Event
}

// Options configure the manager.
type Options struct {
    NodeID    string
    LeaderKey string
    Store     dcs.Store

    // TTL is the lease time-to-live requested on acquire/renew.
    TTL time.Duration
    // RenewInterval is how often a leader renews. Default TTL/3.
    RenewInterval time.Duration
    // RenewFailLimit is how many consecutive renewal errors force
    // self-demotion. Default 2.
    RenewFailLimit int
    // JitterBase scales the contest delay: rank*JitterBase plus a random
    // fraction of it, so the best candidate usually acquires first and
    // losers do not retry in lockstep. Default 150ms.
    JitterBase time.Duration
    // OpTimeout bounds individual store calls. Default 2s.
    OpTimeout time.Duration

    Logger *log.Logger
}

func NewManager(opts Options, hooks Hooks) (*Manager, error) {
    if opts.NodeID == "" || opts.LeaderKey == "" || opts.Store == nil {
        return nil, errInvalidOptions
    }
    if opts.TTL <= 0 { opts.TTL = 9 * time.Second }
    if opts.RenewInterval <= 0 { opts.RenewInterval = opts.TTL / 3 }
    if opts.RenewFailLimit <= 0 { opts.RenewFailLimit = 2 }
    if opts.JitterBase <= 0 { opts.JitterBase = 150 * time.Millisecond }
    if opts.OpTimeout <= 0 { opts.OpTimeout = 2 * time.Second }
    if opts.Logger == nil { opts.Logger = log.Default() }
    return &Manager{
        opts:   opts,
        hooks:  hooks,
        log:    opts.Logger,
        state:  StateIdle,
        events: make(chan Event, 16),
    }, nil
}

// Events delivers leadership transitions to the failover orchestrator.
func (m *Manager) Events() <-chan Event { return m.events }

// State returns the current election state.
func (m *Manager) State() State {
    m.mu.Lock()
    defer m.mu.Unlock()
    return m.state
}

// Lease returns the last store-confirmed lease and whether this agent holds
// it. Status surfaces always come from here, never from a local guess.
func (m *Manager) Lease() (dcs.Lease, bool) {
    m.mu.Lock()
    defer m.mu.Unlock()
    return m.lease, m.held
}

// Run drives the election loop until ctx is done.
func (m *Manager) Run(ctx context.Context) {
    m.setState(StateFollowing)
    for ctx.Err() == nil {
        if err := m.followAndContest(ctx); err != nil && ctx.Err() == nil {
            logutil.Warnf(m.log, "election: watch cycle error: %v", err)
            m.sleep(ctx, 500*time.Millisecond)
        }
    }
}

// Resign releases a held lease (used for switchover handoff and by winners
// that turn out to be ineligible for promotion). The local database is
// demoted first.
func (m *Manager) Resign(ctx context.Context) error {
    m.mu.Lock()
    lease, held := m.lease, m.held
    m.mu.Unlock()
    if !held {
        return nil
    }
    if m.hooks.Demote != nil {
        m.hooks.Demote(ctx)
    }
    m.mu.Lock()
    m.held = false
    m.state = StateFollowing
    m.mu.Unlock()
    obsmetrics.IsPrimary.Set(0)
    cctx, cancel := context.WithTimeout(ctx, m.opts.OpTimeout)
    defer cancel()
    return m.opts.Store.ReleaseLease(cctx, m.opts.LeaderKey, lease)
}

// followAndContest runs one watch session: observe the lease, contest when
// it dies, renew while leading. Returns when the watch stream ends.
func (m *Manager) followAndContest(ctx context.Context) error {
    wctx, cancel := context.WithCancel(ctx)
    defer cancel()
    events, err := m.opts.Store.Watch(wctx, m.opts.LeaderKey)
    if err != nil {
        return err
    }

    // The watch is restartable and may have gaps; re-read the key first.
    lease, ok, err := m.getLease(ctx)
    if err != nil {
        return err
    }
    if ok {
        m.observeLease(ctx, lease)
    } else if m.tryContest(ctx) {
        if err := m.leadLoop(ctx); err != nil {
            return err
        }
    }

    // The watch alone cannot restart a node that was ineligible at its last
    // chance to contest; poll the key as a backstop.
    retry := time.NewTicker(m.opts.RenewInterval)
    defer retry.Stop()
    for {
        select {
        case <-ctx.Done():
            return nil
        case <-retry.C:
            m.mu.Lock()
            held := m.held
            m.mu.Unlock()
            if held {
                continue
            }
            if _, ok, err := m.getLease(ctx); err != nil || ok {
                continue
            }
            if m.tryContest(ctx) {
                if err := m.leadLoop(ctx); err != nil {
                    return err
                }
            }
        case ev, open := <-events:
            if !open {
                return nil // watch stream ended; caller restarts
            }
            if ev.Lease == nil {
                continue
            }
            switch ev.Type {
            case dcs.EventLeaseAcquired, dcs.EventLeaseRenewed:
                if ev.Lease.HolderID != m.opts.NodeID {
                    m.observeLease(ctx, *ev.Lease)
                }
            case dcs.EventLeaseExpired, dcs.EventLeaseReleased:
                if ev.Lease.HolderID == m.opts.NodeID {
                    // our own release or a late expiry of our old term
                    continue
                }
                m.emit(ctx, Event{Type: EventLeaderLost, At: ev.At, Lease: *ev.Lease})
                if m.tryContest(ctx) {
                    if err := m.leadLoop(ctx); err != nil {
                        return err
                    }
                }
            }
        }
    }
}

// tryContest attempts one acquisition after the eligibility check and the
// rank-weighted jitter delay. Returns true when this agent now leads.
func (m *Manager) tryContest(ctx context.Context) bool {
    if m.hooks.Eligible != nil && !m.hooks.Eligible() {
        return false
    }

    delay := m.contestDelay(ctx)
    if delay > 0 {
        if !m.sleep(ctx, delay) {
            return false
        }
        // Someone faster may have won during the delay.
        if _, ok, err := m.getLease(ctx); err != nil || ok {
            return false
        }
    }

    m.setState(StateContesting)
    obsmetrics.ElectionsContested.Inc()
    cctx, cancel := context.WithTimeout(ctx, m.opts.OpTimeout)
    lease, won, err := m.opts.Store.AcquireLease(cctx, m.opts.LeaderKey, m.opts.NodeID, m.opts.TTL)
    cancel()
    if err != nil {
        logutil.Warnf(m.log, "election: acquire failed: %v", err)
        m.setState(StateFollowing)
        return false
    }
    if !won {
        m.setState(StateFollowing)
        if lease.HolderID != "" {
            m.observeLease(ctx, lease)
        }
        return false
    }

    m.mu.Lock()
    m.state = StateLeading
    m.lease = lease
    m.held = true
    m.mu.Unlock()
    obsmetrics.IsPrimary.Set(1)
    obsmetrics.CurrentTerm.Set(float64(lease.Term))
    logutil.Infof(m.log, "election: won lease term=%d ttl=%s", lease.Term, m.opts.TTL)
    m.emit(ctx, Event{Type: EventElected, At: time.Now(), Lease: lease})
    return true
}

// contestDelay computes the pre-acquire jitter. A pending switchover target
// skips the delay entirely; everyone else holds back for it.
func (m *Manager) contestDelay(ctx context.Context) time.Duration {
    if m.hooks.Preferred != nil {
        if target, ok := m.hooks.Preferred(ctx); ok {
            if target == m.opts.NodeID {
                return 0
            }
            // give the designated target a full TTL head start
            return m.opts.TTL
        }
    }
    rank := 0
    if m.hooks.Rank != nil {
        rank = m.hooks.Rank()
    }
    base := m.opts.JitterBase
    return time.Duration(rank)*base + time.Duration(rand.Int63n(int64(base)))
}

// leadLoop renews the held lease at RenewInterval until ownership is lost
// or ctx ends. Loss always demotes the local database before any
// announcement.
func (m *Manager) leadLoop(ctx context.Context) error {
    ticker := time.NewTicker(m.opts.RenewInterval)
    defer ticker.Stop()
    failures := 0
    for {
        select {
        case <-ctx.Done():
            return nil
        case <-ticker.C:
            m.mu.Lock()
            lease, held := m.lease, m.held
            m.mu.Unlock()
            if !held {
                return nil // resigned elsewhere
            }
            cctx, cancel := context.WithTimeout(ctx, m.opts.OpTimeout)
            renewed, ok, err := m.opts.Store.RenewLease(cctx, m.opts.LeaderKey, lease, m.opts.TTL)
            cancel()
            if err != nil {
                failures++
                obsmetrics.RenewFailures.Inc()
                logutil.Warnf(m.log, "election: renew error (%d consecutive): %v", failures, err)
                if failures < m.opts.RenewFailLimit {
                    continue
                }
                // Assume the worst: another node may be acquiring already.
                m.loseOwnership(ctx, lease)
                return nil
            }
            if !ok {
                // Holder mismatch: ownership is definitively gone.
                obsmetrics.RenewFailures.Inc()
                m.loseOwnership(ctx, lease)
                return nil
            }
            failures = 0
            m.mu.Lock()
            m.lease = renewed
            m.mu.Unlock()
        }
    }
}

// loseOwnership demotes first, then announces. The order matters: a deposed
// leader must stop accepting writes before anyone learns the lease is free.
func (m *Manager) loseOwnership(ctx context.Context, lease dcs.Lease) {
    logutil.Warnf(m.log, "election: lost lease term=%d, self-demoting", lease.Term)
    if m.hooks.Demote != nil {
        m.hooks.Demote(ctx)
    }
    m.mu.Lock()
    m.held = false
    m.state = StateFollowing
    m.mu.Unlock()
    obsmetrics.IsPrimary.Set(0)
    m.emit(ctx, Event{Type: EventOwnershipLost, At: time.Now(), Lease: lease})
}

func (m *Manager) observeLease(ctx context.Context, lease dcs.Lease) {
    m.mu.Lock()
    changed := m.lease.Term != lease.Term || m.lease.HolderID != lease.HolderID
    m.lease = lease
    m.held = lease.HolderID == m.opts.NodeID && m.state == StateLeading
    m.mu.Unlock()
    obsmetrics.CurrentTerm.Set(float64(lease.Term))
    if changed && lease.HolderID != m.opts.NodeID {
        m.emit(ctx, Event{Type: EventLeaderChanged, At: time.Now(), Lease: lease})
    }
}

func (m *Manager) setState(s State) {
    m.mu.Lock()
    m.state = s
    m.mu.Unlock()
}

// emit delivers ev to the orchestrator. The send blocks: the orchestrator is
// the owning consumer and may lag a full fencing wait behind, but a dropped
// EventElected would leave a held lease unpromoted.
func (m *Manager) emit(ctx context.Context, ev Event) {
    select {
    case m.events <- ev:
    case <-ctx.Done():
    }
}

func (m *Manager) getLease(ctx context.Context) (dcs.Lease, bool, error) {
    cctx, cancel := context.WithTimeout(ctx, m.opts.OpTimeout)
    defer cancel()
    return m.opts.Store.GetLease(cctx, m.opts.LeaderKey)
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
    select {
    case <-ctx.Done():
        return false
    case <-time.After(d):
        return true
    }
}
