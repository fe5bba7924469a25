package raftkv

import (
    "bytes"
    "context"
    "encoding/json"
    "fmt"
    "io"
    "log"
    "net"
    "net/http"
    "os"
    "path/filepath"
    "time"

    "github.com/hashicorp/raft"
    raftboltdb "github.com/hashicorp/raft-boltdb"

    "github.com/amirimatin/go-failover/pkg/dcs"
)

// Store implements dcs.Store on an embedded raft-replicated key-value state
// machine. Every agent can run one of these colocated with its database,
// which gives small clusters a built-in DCS without operating etcd/consul.
// Mutating calls are forwarded to the raft leader over a small HTTP apply
// endpoint; reads are served from the local replica (staleness is bounded by
// raft commit latency, which is well inside the lease TTL).
type Store struct {
    opts  Options
    log   *log.Logger
    r     *raft.Raft
    state *kvState
    hub   *watchHub
    fwd     *http.Server
    fwdAddr string
    addr    raft.ServerAddress
    httpc   *http.Client
}

func New(opts Options) (*Store, error) {
    if opts.NodeID == "" {
        return nil, fmt.Errorf("raftkv: empty NodeID")
    }
    if opts.Logger == nil {
        opts.Logger = log.Default()
    }
    if opts.ApplyTimeout <= 0 { opts.ApplyTimeout = 3 * time.Second }
    if opts.JanitorInterval <= 0 { opts.JanitorInterval = 500 * time.Millisecond }
    return &Store{
        opts:  opts,
        log:   opts.Logger,
        state: newKVState(),
        hub:   newWatchHub(),
        httpc: &http.Client{Timeout: opts.ApplyTimeout},
    }, nil
}

func (s *Store) Start(ctx context.Context) error {
    if s.r != nil {
        return nil
    }

    cfg := raft.DefaultConfig()
    cfg.LocalID = raft.ServerID(s.opts.NodeID)
    if s.opts.HeartbeatTimeout > 0 { cfg.HeartbeatTimeout = s.opts.HeartbeatTimeout }
    if s.opts.ElectionTimeout > 0 { cfg.ElectionTimeout = s.opts.ElectionTimeout }
    if s.opts.CommitTimeout > 0 { cfg.CommitTimeout = s.opts.CommitTimeout }

    var (
        logs   raft.LogStore
        stable raft.StableStore
        snaps  raft.SnapshotStore
        addr   raft.ServerAddress
        trans  raft.Transport
    )

    // Storage selection: on-disk when DataDir provided, else in-memory.
    if s.opts.DataDir != "" {
        if s.opts.SnapshotsRetained == 0 { s.opts.SnapshotsRetained = 2 }
        if err := os.MkdirAll(s.opts.DataDir, 0o755); err != nil { return err }
        bstore, err := raftboltdb.NewBoltStore(filepath.Join(s.opts.DataDir, "dcs.db"))
        if err != nil { return err }
        logs = bstore
        stable = bstore
        snaps, err = raft.NewFileSnapshotStore(s.opts.DataDir, s.opts.SnapshotsRetained, os.Stderr)
        if err != nil { return err }
    } else {
        logs = raft.NewInmemStore()
        stable = raft.NewInmemStore()
        snaps = raft.NewInmemSnapshotStore()
    }

    if s.opts.BindAddr != "" {
        nt, err := raft.NewTCPTransport(s.opts.BindAddr, nil, 3, 1*time.Second, os.Stderr)
        if err != nil { return err }
        trans = nt
        addr = nt.LocalAddr()
    } else {
        addr, trans = raft.NewInmemTransport(raft.ServerAddress(s.opts.NodeID))
    }

    fsm := newKVFSM(s.state, s.hub)
    r, err := raft.NewRaft(cfg, fsm, logs, stable, snaps, trans)
    if err != nil {
        return err
    }
    s.r = r
    s.addr = addr

    if s.opts.Bootstrap {
        cfgs := raft.Configuration{Servers: []raft.Server{{
            ID:      cfg.LocalID,
            Address: addr,
        }}}
        if err := s.r.BootstrapCluster(cfgs).Error(); err != nil {
            return err
        }
    }

    if s.opts.FwdAddr != "" {
        if err := s.startForwardServer(); err != nil { return err }
    }

    go s.janitorLoop(ctx)
    go s.registerLoop(ctx)
    go s.joinLoop(ctx)
    go func() {
        <-ctx.Done()
        _ = s.Stop()
    }()
    return nil
}

func (s *Store) Stop() error {
    if s.fwd != nil {
        c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
        _ = s.fwd.Shutdown(c)
        cancel()
        s.fwd = nil
    }
    if s.r == nil { return nil }
    s.hub.closeAll()
    f := s.r.Shutdown()
    if err := f.Error(); err != nil { return err }
    s.r = nil
    return nil
}

func (s *Store) AcquireLease(ctx context.Context, key, holderID string, ttl time.Duration) (dcs.Lease, bool, error) {
    resp, err := s.propose(ctx, command{Op: opAcquire, Key: key, Holder: holderID, TTLMillis: ttl.Milliseconds(), NowUnixMs: time.Now().UnixMilli()})
    if err != nil { return dcs.Lease{}, false, err }
    if !resp.OK { return dcs.Lease{}, false, nil }
    return *resp.Lease, true, nil
}

func (s *Store) RenewLease(ctx context.Context, key string, lease dcs.Lease, ttl time.Duration) (dcs.Lease, bool, error) {
    resp, err := s.propose(ctx, command{Op: opRenew, Key: key, Holder: lease.HolderID, Term: lease.Term, TTLMillis: ttl.Milliseconds(), NowUnixMs: time.Now().UnixMilli()})
    if err != nil { return dcs.Lease{}, false, err }
    if !resp.OK { return dcs.Lease{}, false, nil }
    return *resp.Lease, true, nil
}

func (s *Store) ReleaseLease(ctx context.Context, key string, lease dcs.Lease) error {
    resp, err := s.propose(ctx, command{Op: opRelease, Key: key, Holder: lease.HolderID, Term: lease.Term, NowUnixMs: time.Now().UnixMilli()})
    if err != nil { return err }
    if !resp.OK { return dcs.ErrNoLease }
    return nil
}

func (s *Store) GetLease(ctx context.Context, key string) (dcs.Lease, bool, error) {
    if s.r == nil { return dcs.Lease{}, false, dcs.ErrStopped }
    l, ok := s.state.getLease(key, time.Now())
    return l, ok, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
    _, err := s.propose(ctx, command{Op: opPut, Key: key, Value: value, TTLMillis: ttl.Milliseconds(), NowUnixMs: time.Now().UnixMilli()})
    return err
}

func (s *Store) CASPut(ctx context.Context, key string, expectedVersion uint64, value []byte) (uint64, bool, error) {
    resp, err := s.propose(ctx, command{Op: opCASPut, Key: key, ExpectedVersion: expectedVersion, Value: value, NowUnixMs: time.Now().UnixMilli()})
    if err != nil { return 0, false, err }
    return resp.Version, resp.OK, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, uint64, bool, error) {
    if s.r == nil { return nil, 0, false, dcs.ErrStopped }
    v, ver, ok := s.state.get(key, time.Now().UnixMilli())
    return v, ver, ok, nil
}

func (s *Store) Watch(ctx context.Context, key string) (<-chan dcs.Event, error) {
    if s.r == nil { return nil, dcs.ErrStopped }
    ch := make(chan dcs.Event, 64)
    s.hub.add(key, ch)
    go func() {
        <-ctx.Done()
        s.hub.remove(key, ch)
    }()
    return ch, nil
}

// IsLeader reports whether this replica currently leads the store cluster.
// Store leadership is unrelated to database leadership.
func (s *Store) IsLeader() bool {
    return s.r != nil && s.r.State() == raft.Leader
}

// AddVoter adds a voting replica to the store cluster (leader only).
func (s *Store) AddVoter(id, addr string, timeout time.Duration) error {
    if s.r == nil { return dcs.ErrStopped }
    f := s.r.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, timeout)
    return f.Error()
}

// Addr returns the raft transport address of this replica.
func (s *Store) Addr() string { return string(s.addr) }

// ForwardAddr returns the actual forward HTTP listen address (useful when
// FwdAddr was bound to port 0).
func (s *Store) ForwardAddr() string { return s.fwdAddr }

// propose replicates cmd through raft, forwarding to the leader when this
// replica follows.
func (s *Store) propose(ctx context.Context, cmd command) (response, error) {
    if s.r == nil { return response{}, dcs.ErrStopped }
    if s.r.State() == raft.Leader {
        return s.applyLocal(cmd)
    }
    return s.forward(ctx, cmd)
}

func (s *Store) applyLocal(cmd command) (response, error) {
    data, err := json.Marshal(cmd)
    if err != nil { return response{}, err }
    af := s.r.Apply(data, s.opts.ApplyTimeout)
    if err := af.Error(); err != nil { return response{}, err }
    resp, ok := af.Response().(response)
    if !ok { return response{}, fmt.Errorf("raftkv: unexpected apply response %T", af.Response()) }
    if resp.Err != "" { return response{}, fmt.Errorf("raftkv: %s", resp.Err) }
    return resp, nil
}

func (s *Store) forward(ctx context.Context, cmd command) (response, error) {
    _, lid := s.r.LeaderWithID()
    if lid == "" {
        return response{}, fmt.Errorf("raftkv: no store leader")
    }
    addr := s.state.nodeAddr(string(lid))
    if addr == "" {
        return response{}, fmt.Errorf("raftkv: leader %s has no forward address", lid)
    }
    body, err := json.Marshal(cmd)
    if err != nil { return response{}, err }
    var lastErr error
    for attempt := 0; attempt < 3; attempt++ {
        req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("http://%s/apply", addr), bytes.NewReader(body))
        if err != nil { return response{}, err }
        req.Header.Set("Content-Type", "application/json")
        httpResp, err := s.httpc.Do(req)
        if err == nil {
            b, rerr := io.ReadAll(httpResp.Body)
            httpResp.Body.Close()
            if rerr == nil && httpResp.StatusCode == http.StatusOK {
                var out response
                if err := json.Unmarshal(b, &out); err != nil { return response{}, err }
                if out.Err != "" { return response{}, fmt.Errorf("raftkv: %s", out.Err) }
                return out, nil
            }
            lastErr = fmt.Errorf("raftkv: forward status %d: %s", httpResp.StatusCode, string(b))
        } else {
            lastErr = err
        }
        select {
        case <-ctx.Done():
            return response{}, ctx.Err()
        case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
        }
    }
    return response{}, lastErr
}

// joinRequest asks the store leader to add a voter.
type joinRequest struct {
    ID       string `json:"id"`
    RaftAddr string `json:"raftAddr"`
}

func (s *Store) startForwardServer() error {
    mux := http.NewServeMux()
    mux.HandleFunc("/join", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodPost { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        var req joinRequest
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
            return
        }
        if req.ID == "" || req.RaftAddr == "" {
            http.Error(w, "id and raftAddr required", http.StatusBadRequest)
            return
        }
        if s.r == nil || s.r.State() != raft.Leader {
            http.Error(w, "not store leader", http.StatusConflict)
            return
        }
        if err := s.AddVoter(req.ID, req.RaftAddr, s.opts.ApplyTimeout); err != nil {
            http.Error(w, err.Error(), http.StatusInternalServerError)
            return
        }
        s.log.Printf("raftkv: added voter %s at %s", req.ID, req.RaftAddr)
        w.WriteHeader(http.StatusOK)
    })
    mux.HandleFunc("/apply", func(w http.ResponseWriter, r *http.Request) {
        if r.Method != http.MethodPost { http.Error(w, "method not allowed", http.StatusMethodNotAllowed); return }
        var cmd command
        if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
            http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
            return
        }
        if s.r == nil || s.r.State() != raft.Leader {
            http.Error(w, "not store leader", http.StatusConflict)
            return
        }
        // Re-stamp the clock: expiry math must use the leader's clock, not
        // the forwarding follower's.
        cmd.NowUnixMs = time.Now().UnixMilli()
        resp, err := s.applyLocal(cmd)
        if err != nil {
            http.Error(w, err.Error(), http.StatusInternalServerError)
            return
        }
        w.Header().Set("Content-Type", "application/json")
        _ = json.NewEncoder(w).Encode(resp)
    })
    ln, err := net.Listen("tcp", s.opts.FwdAddr)
    if err != nil { return err }
    s.fwdAddr = ln.Addr().String()
    s.fwd = &http.Server{Addr: s.opts.FwdAddr, Handler: mux}
    go func() {
        if err := s.fwd.Serve(ln); err != nil && err != http.ErrServerClosed {
            s.log.Printf("raftkv: forward server error: %v", err)
        }
    }()
    return nil
}

// janitorLoop replicates expiry for overdue leases and TTL'd keys while this
// replica leads, so watchers on every node see lease_expired events.
func (s *Store) janitorLoop(ctx context.Context) {
    ticker := time.NewTicker(s.opts.JanitorInterval)
    defer ticker.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-ticker.C:
            if s.r == nil || s.r.State() != raft.Leader { continue }
            nowMs := time.Now().UnixMilli()
            for _, key := range s.state.expiredKeys(nowMs) {
                if _, err := s.applyLocal(command{Op: opExpire, Key: key, NowUnixMs: nowMs}); err != nil {
                    s.log.Printf("raftkv: expire %s: %v", key, err)
                }
            }
        }
    }
}

// registerLoop publishes this node's forward address once a leader exists,
// retrying until the registration is applied.
func (s *Store) registerLoop(ctx context.Context) {
    if s.fwdAddr == "" { return }
    ticker := time.NewTicker(1 * time.Second)
    defer ticker.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-ticker.C:
            if s.state.nodeAddr(s.opts.NodeID) == s.fwdAddr {
                return
            }
            cctx, cancel := context.WithTimeout(ctx, s.opts.ApplyTimeout)
            _, err := s.propose(cctx, command{Op: opRegister, NodeID: s.opts.NodeID, Addr: s.fwdAddr, NowUnixMs: time.Now().UnixMilli()})
            cancel()
            if err != nil {
                continue
            }
        }
    }
}

// joinLoop asks the configured member to add this node as a raft voter,
// retrying until the cluster configuration includes it.
func (s *Store) joinLoop(ctx context.Context) {
    if s.opts.JoinAddr == "" || s.opts.Bootstrap { return }
    ticker := time.NewTicker(1 * time.Second)
    defer ticker.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-ticker.C:
            if s.isVoter() {
                return
            }
            body, err := json.Marshal(joinRequest{ID: s.opts.NodeID, RaftAddr: string(s.addr)})
            if err != nil { return }
            req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("http://%s/join", s.opts.JoinAddr), bytes.NewReader(body))
            if err != nil { return }
            req.Header.Set("Content-Type", "application/json")
            resp, err := s.httpc.Do(req)
            if err != nil {
                continue // member unreachable or not leading yet
            }
            _, _ = io.Copy(io.Discard, resp.Body)
            resp.Body.Close()
        }
    }
}

// isVoter reports whether the committed cluster configuration includes this
// node.
func (s *Store) isVoter() bool {
    if s.r == nil { return false }
    f := s.r.GetConfiguration()
    if f.Error() != nil { return false }
    for _, srv := range f.Configuration().Servers {
        if srv.ID == raft.ServerID(s.opts.NodeID) { return true }
    }
    return false
}

var _ dcs.Store = (*Store)(nil)
