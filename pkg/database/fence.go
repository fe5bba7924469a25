package database

import (
    "errors"
    "sync"

    obsmetrics "github.com/amirimatin/go-failover/pkg/observability/metrics"
)

// ErrFenced is returned when an operation carries a fencing token older than
// the highest token this node has observed.
var ErrFenced = errors.New("database: stale fencing token")

// Fence tracks the highest fencing token observed by this node. A deposed
// primary that resumes after a partition ("zombie") still carries its old
// token; comparing against the highest observed token rejects its writes
// even when the demote directive never reached it.
type Fence struct {
    mu      sync.Mutex
    highest uint64
}

// Observe records token if it is higher than anything seen before and
// returns the current highest token.
func (f *Fence) Observe(token uint64) uint64 {
    f.mu.Lock()
    defer f.mu.Unlock()
    if token > f.highest {
        f.highest = token
    }
    return f.highest
}

// Check returns ErrFenced when token is older than the highest observed
// token. Equal tokens pass: the current holder keeps writing.
func (f *Fence) Check(token uint64) error {
    f.mu.Lock()
    defer f.mu.Unlock()
    if token < f.highest {
        obsmetrics.FencedWrites.Inc()
        return ErrFenced
    }
    return nil
}

// Highest returns the highest token observed so far.
func (f *Fence) Highest() uint64 {
    f.mu.Lock()
    defer f.mu.Unlock()
    return f.highest
}
