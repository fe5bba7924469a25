package natskv

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "log"
    "strings"
    "time"

    "github.com/nats-io/nats.go"

    "github.com/amirimatin/go-failover/pkg/dcs"
)

// Store implements dcs.Store on NATS JetStream key-value buckets. Leases are
// JSON records guarded by KV revisions (compare-and-swap on update); a
// released or expired lease leaves a tombstone carrying the last term so
// terms are never reused. Health keys (any key under "health/") go to a
// separate bucket with a server-side TTL so a crashed agent's report
// self-expires.
type Store struct {
    opts   Options
    log    *log.Logger
    nc     *nats.Conn
    kv     nats.KeyValue
    ttlKV  nats.KeyValue
    cancel context.CancelFunc
}

// Options configure the NATS-backed store.
type Options struct {
    // URL is the NATS server URL (e.g., nats://127.0.0.1:4222).
    URL string
    // Bucket is the KV bucket for leases and plain keys. Default "failover".
    Bucket string
    // HealthTTL is the server-side TTL for the health bucket. Default 10s.
    HealthTTL time.Duration
    // Logger is optional. If nil, log.Default() is used.
    Logger *log.Logger
    // NATS connection options (credentials, TLS).
    NatsOpts []nats.Option
}

func New(opts Options) (*Store, error) {
    if opts.URL == "" {
        return nil, fmt.Errorf("natskv: empty URL")
    }
    if opts.Bucket == "" { opts.Bucket = "failover" }
    if opts.HealthTTL <= 0 { opts.HealthTTL = 10 * time.Second }
    if opts.Logger == nil { opts.Logger = log.Default() }
    return &Store{opts: opts, log: opts.Logger}, nil
}

func (s *Store) Start(ctx context.Context) error {
    if s.nc != nil { return nil }
    nc, err := nats.Connect(s.opts.URL, s.opts.NatsOpts...)
    if err != nil { return err }
    js, err := nc.JetStream()
    if err != nil { nc.Close(); return err }
    kv, err := ensureBucket(js, &nats.KeyValueConfig{Bucket: s.opts.Bucket, History: 1})
    if err != nil { nc.Close(); return err }
    ttlKV, err := ensureBucket(js, &nats.KeyValueConfig{Bucket: s.opts.Bucket + "-health", History: 1, TTL: s.opts.HealthTTL})
    if err != nil { nc.Close(); return err }
    s.nc = nc
    s.kv = kv
    s.ttlKV = ttlKV
    go func() {
        <-ctx.Done()
        _ = s.Stop()
    }()
    return nil
}

func ensureBucket(js nats.JetStreamContext, cfg *nats.KeyValueConfig) (nats.KeyValue, error) {
    kv, err := js.KeyValue(cfg.Bucket)
    if err == nil { return kv, nil }
    if !errors.Is(err, nats.ErrBucketNotFound) { return nil, err }
    return js.CreateKeyValue(cfg)
}

func (s *Store) Stop() error {
    if s.nc == nil { return nil }
    s.nc.Close()
    s.nc = nil
    return nil
}

// leaseRecord is the stored lease value. Released tombstones keep the last
// term on the key.
type leaseRecord struct {
    dcs.Lease
    Released bool `json:"released,omitempty"`
}

func (s *Store) AcquireLease(ctx context.Context, key, holderID string, ttl time.Duration) (dcs.Lease, bool, error) {
    if s.kv == nil { return dcs.Lease{}, false, dcs.ErrStopped }
    k := sanitizeKey(key)
    now := time.Now()
    entry, err := s.kv.Get(k)
    if errors.Is(err, nats.ErrKeyNotFound) {
        l := dcs.Lease{HolderID: holderID, Term: 1, ExpiresAt: now.Add(ttl), FencingToken: 1}
        data, merr := json.Marshal(leaseRecord{Lease: l})
        if merr != nil { return dcs.Lease{}, false, merr }
        if _, cerr := s.kv.Create(k, data); cerr != nil {
            if errors.Is(cerr, nats.ErrKeyExists) {
                // lost the create race
                return dcs.Lease{}, false, nil
            }
            return dcs.Lease{}, false, cerr
        }
        return l, true, nil
    }
    if err != nil { return dcs.Lease{}, false, err }
    var rec leaseRecord
    if err := json.Unmarshal(entry.Value(), &rec); err != nil { return dcs.Lease{}, false, err }
    if !rec.Released && !rec.Lease.Expired(now) {
        return rec.Lease, false, nil
    }
    // Dead lease: take over with the next term, guarded by the revision so
    // only one contender wins.
    l := dcs.Lease{HolderID: holderID, Term: rec.Term + 1, ExpiresAt: now.Add(ttl), FencingToken: rec.Term + 1}
    data, err := json.Marshal(leaseRecord{Lease: l})
    if err != nil { return dcs.Lease{}, false, err }
    if _, err := s.kv.Update(k, data, entry.Revision()); err != nil {
        // revision moved: someone else acquired first
        return dcs.Lease{}, false, nil
    }
    return l, true, nil
}

func (s *Store) RenewLease(ctx context.Context, key string, lease dcs.Lease, ttl time.Duration) (dcs.Lease, bool, error) {
    if s.kv == nil { return dcs.Lease{}, false, dcs.ErrStopped }
    k := sanitizeKey(key)
    now := time.Now()
    entry, err := s.kv.Get(k)
    if errors.Is(err, nats.ErrKeyNotFound) { return dcs.Lease{}, false, nil }
    if err != nil { return dcs.Lease{}, false, err }
    var rec leaseRecord
    if err := json.Unmarshal(entry.Value(), &rec); err != nil { return dcs.Lease{}, false, err }
    if rec.Released || rec.HolderID != lease.HolderID || rec.Term != lease.Term || rec.Lease.Expired(now) {
        return dcs.Lease{}, false, nil
    }
    renewed := rec.Lease
    renewed.ExpiresAt = now.Add(ttl)
    data, err := json.Marshal(leaseRecord{Lease: renewed})
    if err != nil { return dcs.Lease{}, false, err }
    if _, err := s.kv.Update(k, data, entry.Revision()); err != nil {
        return dcs.Lease{}, false, nil
    }
    return renewed, true, nil
}

func (s *Store) ReleaseLease(ctx context.Context, key string, lease dcs.Lease) error {
    if s.kv == nil { return dcs.ErrStopped }
    k := sanitizeKey(key)
    entry, err := s.kv.Get(k)
    if errors.Is(err, nats.ErrKeyNotFound) { return dcs.ErrNoLease }
    if err != nil { return err }
    var rec leaseRecord
    if err := json.Unmarshal(entry.Value(), &rec); err != nil { return err }
    if rec.Released || rec.HolderID != lease.HolderID || rec.Term != lease.Term {
        return dcs.ErrNoLease
    }
    data, err := json.Marshal(leaseRecord{Lease: rec.Lease, Released: true})
    if err != nil { return err }
    if _, err := s.kv.Update(k, data, entry.Revision()); err != nil {
        return dcs.ErrNoLease
    }
    return nil
}

func (s *Store) GetLease(ctx context.Context, key string) (dcs.Lease, bool, error) {
    if s.kv == nil { return dcs.Lease{}, false, dcs.ErrStopped }
    entry, err := s.kv.Get(sanitizeKey(key))
    if errors.Is(err, nats.ErrKeyNotFound) { return dcs.Lease{}, false, nil }
    if err != nil { return dcs.Lease{}, false, err }
    var rec leaseRecord
    if err := json.Unmarshal(entry.Value(), &rec); err != nil { return dcs.Lease{}, false, err }
    if rec.Released || rec.Lease.Expired(time.Now()) {
        return dcs.Lease{}, false, nil
    }
    return rec.Lease, true, nil
}

// expiringValue wraps a TTL'd write to the main bucket. The health bucket
// expires server-side at bucket granularity; everything else carries its own
// deadline, enforced lazily on read.
type expiringValue struct {
    Value     []byte    `json:"value"`
    ExpiresAt time.Time `json:"expiresAt"`
}

func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
    if s.kv == nil { return dcs.ErrStopped }
    k := sanitizeKey(key)
    bucket := s.bucketForKey(key)
    if ttl > 0 && bucket == s.kv {
        data, err := json.Marshal(expiringValue{Value: value, ExpiresAt: time.Now().Add(ttl)})
        if err != nil { return err }
        _, err = bucket.Put(k, data)
        return err
    }
    _, err := bucket.Put(k, value)
    return err
}

func (s *Store) CASPut(ctx context.Context, key string, expectedVersion uint64, value []byte) (uint64, bool, error) {
    if s.kv == nil { return 0, false, dcs.ErrStopped }
    k := sanitizeKey(key)
    if expectedVersion == 0 {
        rev, err := s.kv.Create(k, value)
        if errors.Is(err, nats.ErrKeyExists) { return 0, false, nil }
        if err != nil { return 0, false, err }
        return rev, true, nil
    }
    rev, err := s.kv.Update(k, value, expectedVersion)
    if err != nil {
        // revision mismatch is the common case; report it as a CAS miss
        return 0, false, nil
    }
    return rev, true, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, uint64, bool, error) {
    if s.kv == nil { return nil, 0, false, dcs.ErrStopped }
    k := sanitizeKey(key)
    entry, err := s.bucketForKey(key).Get(k)
    if errors.Is(err, nats.ErrKeyNotFound) { return nil, 0, false, nil }
    if err != nil { return nil, 0, false, err }
    val := entry.Value()
    var wrapped expiringValue
    if json.Unmarshal(val, &wrapped) == nil && !wrapped.ExpiresAt.IsZero() {
        if time.Now().After(wrapped.ExpiresAt) {
            return nil, 0, false, nil
        }
        val = wrapped.Value
    }
    return val, entry.Revision(), true, nil
}

// Watch streams KV updates for key. Lease keys additionally get synthetic
// lease_expired events from a local ticker, since NATS never deletes the
// tombstoned record.
func (s *Store) Watch(ctx context.Context, key string) (<-chan dcs.Event, error) {
    if s.kv == nil { return nil, dcs.ErrStopped }
    k := sanitizeKey(key)
    w, err := s.bucketForKey(key).Watch(k, nats.Context(ctx))
    if err != nil { return nil, err }
    out := make(chan dcs.Event, 64)
    go func() {
        defer close(out)
        defer func() { _ = w.Stop() }()
        ticker := time.NewTicker(time.Second)
        defer ticker.Stop()
        var last *leaseRecord
        var expiredNotified bool
        for {
            select {
            case <-ctx.Done():
                return
            case entry, ok := <-w.Updates():
                if !ok { return }
                if entry == nil { continue } // initial replay marker
                ev := s.toEvent(key, entry, &last)
                if ev != nil {
                    expiredNotified = false
                    select { case out <- *ev: default: }
                }
            case now := <-ticker.C:
                if last == nil || last.Released || expiredNotified { continue }
                if last.Lease.Expired(now) {
                    expiredNotified = true
                    l := last.Lease
                    select {
                    case out <- dcs.Event{Type: dcs.EventLeaseExpired, Key: key, At: now, Lease: &l}:
                    default:
                    }
                }
            }
        }
    }()
    return out, nil
}

func (s *Store) toEvent(key string, entry nats.KeyValueEntry, last **leaseRecord) *dcs.Event {
    var rec leaseRecord
    if err := json.Unmarshal(entry.Value(), &rec); err == nil && rec.HolderID != "" {
        prev := *last
        cp := rec
        *last = &cp
        l := rec.Lease
        switch {
        case rec.Released:
            return &dcs.Event{Type: dcs.EventLeaseReleased, Key: key, At: time.Now(), Lease: &l}
        case prev != nil && prev.Term == rec.Term && prev.HolderID == rec.HolderID:
            return &dcs.Event{Type: dcs.EventLeaseRenewed, Key: key, At: time.Now(), Lease: &l}
        default:
            return &dcs.Event{Type: dcs.EventLeaseAcquired, Key: key, At: time.Now(), Lease: &l}
        }
    }
    return &dcs.Event{Type: dcs.EventKeyPut, Key: key, At: time.Now(), Value: entry.Value(), Version: entry.Revision()}
}

// bucketForKey is the single routing rule for reads, writes and watches:
// health reports live in the server-TTL bucket, everything else in the main
// bucket.
func (s *Store) bucketForKey(key string) nats.KeyValue {
    if strings.HasPrefix(key, "health/") { return s.ttlKV }
    return s.kv
}

// sanitizeKey maps slash-separated keys onto the NATS KV subject alphabet.
func sanitizeKey(key string) string {
    return strings.ReplaceAll(key, "/", ".")
}

var _ dcs.Store = (*Store)(nil)
