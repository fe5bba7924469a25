package raftkv

import (
    "encoding/json"
    "io"
    "sync"
    "time"

    "github.com/hashicorp/raft"

    "github.com/amirimatin/go-failover/pkg/dcs"
)

// kvFSM bridges raft Apply/Snapshot to the lease/KV state machine and fans
// watch events out to local subscribers. Every replica applies the same log,
// so watchers on any node observe events in the same order.
type kvFSM struct {
    state *kvState
    hub   *watchHub
}

func newKVFSM(state *kvState, hub *watchHub) *kvFSM {
    return &kvFSM{state: state, hub: hub}
}

func (f *kvFSM) Apply(l *raft.Log) interface{} {
    var cmd command
    if err := json.Unmarshal(l.Data, &cmd); err != nil {
        return response{OK: false, Err: err.Error()}
    }
    resp, events := f.state.apply(cmd)
    for _, ev := range events {
        f.hub.notify(ev)
    }
    return resp
}

func (f *kvFSM) Snapshot() (raft.FSMSnapshot, error) {
    blob, err := f.state.snapshotJSON()
    if err != nil { return nil, err }
    return &snapshot{blob: blob, at: time.Now()}, nil
}

func (f *kvFSM) Restore(rc io.ReadCloser) error {
    defer rc.Close()
    data, err := io.ReadAll(rc)
    if err != nil { return err }
    return f.state.restoreJSON(data)
}

type snapshot struct {
    blob []byte
    at   time.Time
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
    if _, err := sink.Write(s.blob); err != nil { _ = sink.Cancel(); return err }
    return sink.Close()
}

func (s *snapshot) Release() {}

var _ raft.FSM = (*kvFSM)(nil)

// watchHub dispatches FSM events to per-key subscriber channels.
type watchHub struct {
    mu   sync.Mutex
    subs map[string][]chan dcs.Event
}

func newWatchHub() *watchHub {
    return &watchHub{subs: make(map[string][]chan dcs.Event)}
}

func (h *watchHub) add(key string, ch chan dcs.Event) {
    h.mu.Lock()
    h.subs[key] = append(h.subs[key], ch)
    h.mu.Unlock()
}

func (h *watchHub) remove(key string, ch chan dcs.Event) {
    h.mu.Lock()
    chans := h.subs[key]
    for i, c := range chans {
        if c == ch {
            h.subs[key] = append(chans[:i], chans[i+1:]...)
            close(ch)
            break
        }
    }
    h.mu.Unlock()
}

func (h *watchHub) notify(ev dcs.Event) {
    h.mu.Lock()
    for _, ch := range h.subs[ev.Key] {
        select {
        case ch <- ev:
        default:
            // drop if receiver is slow; watchers re-Get on gaps
        }
    }
    h.mu.Unlock()
}

func (h *watchHub) closeAll() {
    h.mu.Lock()
    for _, chans := range h.subs {
        for _, ch := range chans {
            close(ch)
        }
    }
    h.subs = make(map[string][]chan dcs.Event)
    h.mu.Unlock()
}
