package routing

import (
    "context"
    "encoding/json"
    "log"
    "sort"
    "time"

    "github.com/amirimatin/go-failover/pkg/dcs"
    "github.com/amirimatin/go-failover/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-failover/pkg/observability/metrics"
    "github.com/amirimatin/go-failover/pkg/topology"
)

// Table is the published routing artifact consumed by the external router.
// Consumers must discard tables whose generation is not greater than the
// last one they applied; that monotonicity is the sole correctness
// mechanism against slow or stale publishers.
type Table struct {
    Generation       uint64   `json:"generation"`
    PrimaryAddress   string   `json:"primaryAddress"`
    ReplicaAddresses []string `json:"replicaAddresses"`
}

// Build derives a Table from a cluster snapshot. Pure function: the primary
// is the lease holder's address, replicas are the remaining healthy members
// in sorted order.
func Build(snap topology.ClusterState) (Table, bool) {
    if !snap.HasLease {
        return Table{}, false
    }
    primary, ok := snap.Members[snap.Lease.HolderID]
    if !ok || primary.Addr == "" {
        return Table{}, false
    }
    t := Table{Generation: snap.Generation, PrimaryAddress: primary.Addr}
    for id, m := range snap.Members {
        if id == snap.Lease.HolderID || !m.Healthy || m.Addr == "" {
            continue
        }
        t.ReplicaAddresses = append(t.ReplicaAddresses, m.Addr)
    }
    sort.Strings(t.ReplicaAddresses)
    return t, true
}

// Apply merges an incoming table into the consumer's last-applied view,
// rejecting anything with a non-increasing generation (idempotent under
// repetition and out-of-order delivery).
func Apply(last Table, incoming Table) (Table, bool) {
    if incoming.Generation <= last.Generation {
        return last, false
    }
    return incoming, true
}

// SameRoute reports whether two tables route identically, generation aside.
func SameRoute(a, b Table) bool {
    if a.PrimaryAddress != b.PrimaryAddress || len(a.ReplicaAddresses) != len(b.ReplicaAddresses) {
        return false
    }
    for i := range a.ReplicaAddresses {
        if a.ReplicaAddresses[i] != b.ReplicaAddresses[i] {
            return false
        }
    }
    return true
}

// Publisher writes the routing table to a well-known store key on every
// generation increase. Publication is idempotent and safe to repeat.
type Publisher struct {
    opts Options
    log  *log.Logger
}

// Options configure the publisher.
type Options struct {
    Store    dcs.Store
    Key      string
    Topology *topology.Store
    // OpTimeout bounds each store call. Default 2s.
    OpTimeout time.Duration
    Logger    *log.Logger
}

func NewPublisher(opts Options) *Publisher {
    if opts.OpTimeout <= 0 { opts.OpTimeout = 2 * time.Second }
    if opts.Logger == nil { opts.Logger = log.Default() }
    return &Publisher{opts: opts, log: opts.Logger}
}

// Publish builds the current table and writes it through CAS. A stored table
// that already routes identically is left alone; a stored table with a newer
// generation but a different route is taken over at stored+1, so a publisher
// whose local counter restarted from zero cannot strand the router on a dead
// primary. CAS conflicts are retried a bounded number of times.
func (p *Publisher) Publish(ctx context.Context) error {
    table, ok := Build(p.opts.Topology.Snapshot())
    if !ok {
        return nil // leaderless: nothing to publish
    }
    for attempt := 0; attempt < 3; attempt++ {
        cctx, cancel := context.WithTimeout(ctx, p.opts.OpTimeout)
        cur, version, exists, err := p.opts.Store.Get(cctx, p.opts.Key)
        cancel()
        if err != nil {
            return err
        }
        if exists {
            var stored Table
            if err := json.Unmarshal(cur, &stored); err == nil {
                if SameRoute(stored, table) {
                    return nil // already routed; repeat publish is a no-op
                }
                if stored.Generation >= table.Generation {
                    table.Generation = stored.Generation + 1
                    p.opts.Topology.ObserveGeneration(table.Generation)
                }
            }
        } else {
            version = 0
        }
        data, err := json.Marshal(table)
        if err != nil {
            return err
        }
        cctx, cancel = context.WithTimeout(ctx, p.opts.OpTimeout)
        _, ok, err := p.opts.Store.CASPut(cctx, p.opts.Key, version, data)
        cancel()
        if err != nil {
            return err
        }
        if ok {
            obsmetrics.RoutingGeneration.Set(float64(table.Generation))
            logutil.Infof(p.log, "routing: published generation=%d primary=%s replicas=%d",
                table.Generation, table.PrimaryAddress, len(table.ReplicaAddresses))
            return nil
        }
        // CAS conflict: someone else published; re-read and re-check.
    }
    return nil
}
