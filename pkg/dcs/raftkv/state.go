package raftkv

import (
    "encoding/json"
    "sort"
    "sync"
    "time"

    "github.com/amirimatin/go-failover/pkg/dcs"
)

// command is a single replicated state transition. The proposer stamps
// NowUnixMs before Apply so the state machine stays deterministic across
// replicas (followers never consult their own clocks).
type command struct {
    Op              string `json:"op"`
    Key             string `json:"key,omitempty"`
    Holder          string `json:"holder,omitempty"`
    Term            uint64 `json:"term,omitempty"`
    TTLMillis       int64  `json:"ttlMillis,omitempty"`
    NowUnixMs       int64  `json:"nowUnixMs,omitempty"`
    ExpectedVersion uint64 `json:"expectedVersion,omitempty"`
    Value           []byte `json:"value,omitempty"`
    NodeID          string `json:"nodeId,omitempty"`
    Addr            string `json:"addr,omitempty"`
}

// response is the FSM apply result handed back to the proposer.
type response struct {
    Lease   *dcs.Lease `json:"lease,omitempty"`
    Version uint64     `json:"version,omitempty"`
    OK      bool       `json:"ok"`
    Err     string     `json:"err,omitempty"`
}

type kvEntry struct {
    Value     []byte     `json:"value,omitempty"`
    Version   uint64     `json:"version"`
    ExpiresMs int64      `json:"expiresMs,omitempty"` // zero means no TTL
    Lease     *dcs.Lease `json:"lease,omitempty"`
}

// kvState is the deterministic lease/KV state machine replicated by raft.
// Per-key max terms survive release and expiry so terms are never reused.
type kvState struct {
    mu      sync.RWMutex
    entries map[string]*kvEntry
    maxTerm map[string]uint64
    nodes   map[string]string // node id -> forward address
    version uint64
}

func newKVState() *kvState {
    return &kvState{
        entries: make(map[string]*kvEntry),
        maxTerm: make(map[string]uint64),
        nodes:   make(map[string]string),
    }
}

// apply executes cmd and returns the response plus any watch events the
// transition produced.
func (s *kvState) apply(cmd command) (response, []dcs.Event) {
    s.mu.Lock()
    defer s.mu.Unlock()
    now := time.UnixMilli(cmd.NowUnixMs)
    switch cmd.Op {
    case opAcquire:
        if e, ok := s.entries[cmd.Key]; ok && e.Lease != nil && !e.Lease.Expired(now) {
            held := *e.Lease
            return response{Lease: &held, OK: false}, nil
        }
        term := s.maxTerm[cmd.Key] + 1
        s.maxTerm[cmd.Key] = term
        l := dcs.Lease{HolderID: cmd.Holder, Term: term, ExpiresAt: now.Add(time.Duration(cmd.TTLMillis) * time.Millisecond), FencingToken: term}
        s.version++
        s.entries[cmd.Key] = &kvEntry{Version: s.version, Lease: &l}
        return response{Lease: &l, OK: true}, []dcs.Event{{Type: dcs.EventLeaseAcquired, Key: cmd.Key, At: now, Lease: &l}}
    case opRenew:
        e, ok := s.entries[cmd.Key]
        if !ok || e.Lease == nil || e.Lease.HolderID != cmd.Holder || e.Lease.Term != cmd.Term || e.Lease.Expired(now) {
            return response{OK: false}, nil
        }
        renewed := *e.Lease
        renewed.ExpiresAt = now.Add(time.Duration(cmd.TTLMillis) * time.Millisecond)
        s.version++
        e.Lease = &renewed
        e.Version = s.version
        return response{Lease: &renewed, OK: true}, []dcs.Event{{Type: dcs.EventLeaseRenewed, Key: cmd.Key, At: now, Lease: &renewed}}
    case opRelease:
        e, ok := s.entries[cmd.Key]
        if !ok || e.Lease == nil || e.Lease.HolderID != cmd.Holder || e.Lease.Term != cmd.Term {
            return response{OK: false}, nil
        }
        released := *e.Lease
        delete(s.entries, cmd.Key)
        return response{Lease: &released, OK: true}, []dcs.Event{{Type: dcs.EventLeaseReleased, Key: cmd.Key, At: now, Lease: &released}}
    case opPut:
        s.version++
        e := &kvEntry{Value: cmd.Value, Version: s.version}
        if cmd.TTLMillis > 0 {
            e.ExpiresMs = cmd.NowUnixMs + cmd.TTLMillis
        }
        s.entries[cmd.Key] = e
        return response{Version: e.Version, OK: true}, []dcs.Event{{Type: dcs.EventKeyPut, Key: cmd.Key, At: now, Value: e.Value, Version: e.Version}}
    case opCASPut:
        var cur uint64
        if e, ok := s.entries[cmd.Key]; ok && !e.expired(cmd.NowUnixMs) {
            cur = e.Version
        }
        if cur != cmd.ExpectedVersion {
            return response{Version: cur, OK: false}, nil
        }
        s.version++
        e := &kvEntry{Value: cmd.Value, Version: s.version}
        s.entries[cmd.Key] = e
        return response{Version: e.Version, OK: true}, []dcs.Event{{Type: dcs.EventKeyPut, Key: cmd.Key, At: now, Value: e.Value, Version: e.Version}}
    case opExpire:
        e, ok := s.entries[cmd.Key]
        if !ok {
            return response{OK: false}, nil
        }
        if e.Lease != nil {
            if !e.Lease.Expired(now) {
                // raced with a renewal; nothing to do
                return response{OK: false}, nil
            }
            expired := *e.Lease
            delete(s.entries, cmd.Key)
            return response{OK: true}, []dcs.Event{{Type: dcs.EventLeaseExpired, Key: cmd.Key, At: now, Lease: &expired}}
        }
        if !e.expired(cmd.NowUnixMs) {
            return response{OK: false}, nil
        }
        delete(s.entries, cmd.Key)
        return response{OK: true}, []dcs.Event{{Type: dcs.EventKeyExpired, Key: cmd.Key, At: now}}
    case opRegister:
        s.nodes[cmd.NodeID] = cmd.Addr
        return response{OK: true}, nil
    default:
        return response{OK: false, Err: "raftkv: unknown op " + cmd.Op}, nil
    }
}

func (e *kvEntry) expired(nowMs int64) bool {
    return e.ExpiresMs != 0 && e.ExpiresMs <= nowMs
}

func (s *kvState) getLease(key string, now time.Time) (dcs.Lease, bool) {
    s.mu.RLock()
    defer s.mu.RUnlock()
    e, ok := s.entries[key]
    if !ok || e.Lease == nil || e.Lease.Expired(now) {
        return dcs.Lease{}, false
    }
    return *e.Lease, true
}

func (s *kvState) get(key string, nowMs int64) ([]byte, uint64, bool) {
    s.mu.RLock()
    defer s.mu.RUnlock()
    e, ok := s.entries[key]
    if !ok || e.Lease != nil || e.expired(nowMs) {
        return nil, 0, false
    }
    return append([]byte(nil), e.Value...), e.Version, true
}

func (s *kvState) nodeAddr(id string) string {
    s.mu.RLock()
    defer s.mu.RUnlock()
    return s.nodes[id]
}

// expiredKeys returns keys whose lease or TTL is past due at nowMs. The raft
// leader turns these into Expire commands so every replica observes the same
// expiry event.
func (s *kvState) expiredKeys(nowMs int64) []string {
    s.mu.RLock()
    defer s.mu.RUnlock()
    var out []string
    now := time.UnixMilli(nowMs)
    for k, e := range s.entries {
        if e.Lease != nil && e.Lease.Expired(now) {
            out = append(out, k)
        } else if e.Lease == nil && e.expired(nowMs) {
            out = append(out, k)
        }
    }
    sort.Strings(out)
    return out
}

// snapshotJSON encodes the whole state as stable JSON.
func (s *kvState) snapshotJSON() ([]byte, error) {
    s.mu.RLock()
    defer s.mu.RUnlock()
    type kv struct {
        Key   string   `json:"key"`
        Entry *kvEntry `json:"entry"`
    }
    arr := make([]kv, 0, len(s.entries))
    for k, v := range s.entries {
        arr = append(arr, kv{Key: k, Entry: v})
    }
    sort.Slice(arr, func(i, j int) bool { return arr[i].Key < arr[j].Key })
    return json.Marshal(struct {
        Version  int               `json:"version"`
        Counter  uint64            `json:"counter"`
        Entries  []kv              `json:"entries"`
        MaxTerms map[string]uint64 `json:"maxTerms"`
        Nodes    map[string]string `json:"nodes"`
    }{Version: 1, Counter: s.version, Entries: arr, MaxTerms: s.maxTerm, Nodes: s.nodes})
}

func (s *kvState) restoreJSON(buf []byte) error {
    var snap struct {
        Version  int    `json:"version"`
        Counter  uint64 `json:"counter"`
        Entries  []struct {
            Key   string   `json:"key"`
            Entry *kvEntry `json:"entry"`
        } `json:"entries"`
        MaxTerms map[string]uint64 `json:"maxTerms"`
        Nodes    map[string]string `json:"nodes"`
    }
    if err := json.Unmarshal(buf, &snap); err != nil {
        return err
    }
    s.mu.Lock()
    defer s.mu.Unlock()
    s.version = snap.Counter
    s.entries = make(map[string]*kvEntry, len(snap.Entries))
    for _, kv := range snap.Entries {
        if kv.Key == "" || kv.Entry == nil { continue }
        s.entries[kv.Key] = kv.Entry
    }
    s.maxTerm = snap.MaxTerms
    if s.maxTerm == nil { s.maxTerm = make(map[string]uint64) }
    s.nodes = snap.Nodes
    if s.nodes == nil { s.nodes = make(map[string]string) }
    return nil
}

const (
    opAcquire  = "AcquireLease"
    opRenew    = "RenewLease"
    opRelease  = "ReleaseLease"
    opPut      = "Put"
    opCASPut   = "CASPut"
    opExpire   = "Expire"
    opRegister = "RegisterNode"
)
