package memstore

import (
    "context"
    "sync"
    "time"

    "github.com/amirimatin/go-failover/pkg/dcs"
)

// Store is an in-process dcs.Store used by unit tests and single-process
// development. It honors the same semantics as the replicated backends:
// atomic create-if-absent leases, monotonic never-reused terms, versioned
// CAS and watch notifications.
type Store struct {
    mu      sync.Mutex
    entries map[string]*entry
    maxTerm map[string]uint64
    watches map[string][]chan dcs.Event
    version uint64
    now     func() time.Time
    stopped bool
}

type entry struct {
    value     []byte
    version   uint64
    expiresAt time.Time // zero means no TTL
    lease     *dcs.Lease
}

// Options tune the store. Now is an injectable clock for tests; nil means
// time.Now.
type Options struct {
    Now func() time.Time
}

func New(opts Options) *Store {
    if opts.Now == nil {
        opts.Now = time.Now
    }
    return &Store{
        entries: make(map[string]*entry),
        maxTerm: make(map[string]uint64),
        watches: make(map[string][]chan dcs.Event),
        now:     opts.Now,
    }
}

func (s *Store) Start(ctx context.Context) error { return nil }

func (s *Store) Stop() error {
    s.mu.Lock()
    defer s.mu.Unlock()
    s.stopped = true
    for _, chans := range s.watches {
        for _, ch := range chans {
            close(ch)
        }
    }
    s.watches = make(map[string][]chan dcs.Event)
    return nil
}

func (s *Store) AcquireLease(ctx context.Context, key, holderID string, ttl time.Duration) (dcs.Lease, bool, error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.stopped { return dcs.Lease{}, false, dcs.ErrStopped }
    now := s.now()
    if e, ok := s.entries[key]; ok && e.lease != nil && !e.lease.Expired(now) {
        return *e.lease, false, nil
    }
    term := s.maxTerm[key] + 1
    s.maxTerm[key] = term
    l := dcs.Lease{HolderID: holderID, Term: term, ExpiresAt: now.Add(ttl), FencingToken: term}
    s.entries[key] = &entry{version: s.nextVersion(), lease: &l}
    s.notify(key, dcs.Event{Type: dcs.EventLeaseAcquired, Key: key, At: now, Lease: &l})
    return l, true, nil
}

func (s *Store) RenewLease(ctx context.Context, key string, lease dcs.Lease, ttl time.Duration) (dcs.Lease, bool, error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.stopped { return dcs.Lease{}, false, dcs.ErrStopped }
    now := s.now()
    e, ok := s.entries[key]
    if !ok || e.lease == nil || e.lease.HolderID != lease.HolderID || e.lease.Term != lease.Term || e.lease.Expired(now) {
        return dcs.Lease{}, false, nil
    }
    renewed := *e.lease
    renewed.ExpiresAt = now.Add(ttl)
    e.lease = &renewed
    e.version = s.nextVersion()
    s.notify(key, dcs.Event{Type: dcs.EventLeaseRenewed, Key: key, At: now, Lease: &renewed})
    return renewed, true, nil
}

func (s *Store) ReleaseLease(ctx context.Context, key string, lease dcs.Lease) error {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.stopped { return dcs.ErrStopped }
    e, ok := s.entries[key]
    if !ok || e.lease == nil || e.lease.HolderID != lease.HolderID || e.lease.Term != lease.Term {
        return dcs.ErrNoLease
    }
    released := *e.lease
    delete(s.entries, key)
    s.notify(key, dcs.Event{Type: dcs.EventLeaseReleased, Key: key, At: s.now(), Lease: &released})
    return nil
}

func (s *Store) GetLease(ctx context.Context, key string) (dcs.Lease, bool, error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.stopped { return dcs.Lease{}, false, dcs.ErrStopped }
    e, ok := s.entries[key]
    if !ok || e.lease == nil || e.lease.Expired(s.now()) {
        return dcs.Lease{}, false, nil
    }
    return *e.lease, true, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.stopped { return dcs.ErrStopped }
    now := s.now()
    e := &entry{value: append([]byte(nil), value...), version: s.nextVersion()}
    if ttl > 0 { e.expiresAt = now.Add(ttl) }
    s.entries[key] = e
    s.notify(key, dcs.Event{Type: dcs.EventKeyPut, Key: key, At: now, Value: e.value, Version: e.version})
    return nil
}

func (s *Store) CASPut(ctx context.Context, key string, expectedVersion uint64, value []byte) (uint64, bool, error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.stopped { return 0, false, dcs.ErrStopped }
    now := s.now()
    var cur uint64
    if e, ok := s.entries[key]; ok && !s.expired(e, now) {
        cur = e.version
    }
    if cur != expectedVersion {
        return cur, false, nil
    }
    e := &entry{value: append([]byte(nil), value...), version: s.nextVersion()}
    s.entries[key] = e
    s.notify(key, dcs.Event{Type: dcs.EventKeyPut, Key: key, At: now, Value: e.value, Version: e.version})
    return e.version, true, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, uint64, bool, error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.stopped { return nil, 0, false, dcs.ErrStopped }
    e, ok := s.entries[key]
    if !ok || s.expired(e, s.now()) {
        return nil, 0, false, nil
    }
    return append([]byte(nil), e.value...), e.version, true, nil
}

func (s *Store) Watch(ctx context.Context, key string) (<-chan dcs.Event, error) {
    s.mu.Lock()
    if s.stopped {
        s.mu.Unlock()
        return nil, dcs.ErrStopped
    }
    ch := make(chan dcs.Event, 64)
    s.watches[key] = append(s.watches[key], ch)
    s.mu.Unlock()
    go func() {
        <-ctx.Done()
        s.mu.Lock()
        defer s.mu.Unlock()
        chans := s.watches[key]
        for i, c := range chans {
            if c == ch {
                s.watches[key] = append(chans[:i], chans[i+1:]...)
                close(ch)
                break
            }
        }
    }()
    return ch, nil
}

// ExpireNow forces expiry processing at the current clock: expired leases and
// TTL'd keys are dropped and watchers notified. Replicated backends do this
// with a janitor tick; tests drive it explicitly after advancing the clock.
func (s *Store) ExpireNow() {
    s.mu.Lock()
    defer s.mu.Unlock()
    now := s.now()
    for key, e := range s.entries {
        if e.lease != nil && e.lease.Expired(now) {
            expired := *e.lease
            delete(s.entries, key)
            s.notify(key, dcs.Event{Type: dcs.EventLeaseExpired, Key: key, At: now, Lease: &expired})
            continue
        }
        if e.lease == nil && s.expired(e, now) {
            delete(s.entries, key)
            s.notify(key, dcs.Event{Type: dcs.EventKeyExpired, Key: key, At: now})
        }
    }
}

func (s *Store) expired(e *entry, now time.Time) bool {
    return !e.expiresAt.IsZero() && !e.expiresAt.After(now)
}

// nextVersion returns a fresh version. Versions are per-store
// monotonic so a delete/recreate cannot resurrect an old version.
func (s *Store) nextVersion() uint64 {
    s.version++
    return s.version
}

func (s *Store) notify(key string, ev dcs.Event) {
    for _, ch := range s.watches[key] {
        select {
        case ch <- ev:
        default:
            // drop if receiver is slow
        }
    }
}

var _ dcs.Store = (*Store)(nil)
