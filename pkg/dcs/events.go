package dcs

import "time"

type EventType string

const (
    // EventLeaseAcquired indicates a new holder won the key.
    EventLeaseAcquired EventType = "lease_acquired"
    // EventLeaseRenewed indicates the current holder extended its lease.
    EventLeaseRenewed EventType = "lease_renewed"
    // EventLeaseReleased indicates the holder voluntarily gave up the key.
    EventLeaseReleased EventType = "lease_released"
    // EventLeaseExpired indicates the lease outlived its TTL without renewal.
    EventLeaseExpired EventType = "lease_expired"
    // EventKeyPut indicates a plain value write (Put or CASPut).
    EventKeyPut EventType = "key_put"
    // EventKeyExpired indicates a TTL'd plain value self-expired.
    EventKeyExpired EventType = "key_expired"
)

// Event is a single change notification from a Watch stream. Lease is set
// for lease events; Value/Version for plain key events.
type Event struct {
    Type    EventType
    Key     string
    At      time.Time
    Lease   *Lease
    Value   []byte
    Version uint64
}
