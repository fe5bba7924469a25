package dcs

import "time"

// Lease is a time-bounded, exclusively-held claim on leadership for a key.
// Term increases strictly on every change of ownership and is never reused;
// FencingToken equals Term and is handed to the database/router layers to
// reject stale writes from a deposed holder.
type Lease struct {
    HolderID     string    `json:"holderId"`
    Term         uint64    `json:"term"`
    ExpiresAt    time.Time `json:"expiresAt"`
    FencingToken uint64    `json:"fencingToken"`
}

// Expired reports whether the lease is past its expiry at the given instant.
func (l Lease) Expired(now time.Time) bool {
    return !l.ExpiresAt.After(now)
}

// Remaining returns the validity window left at the given instant, or zero
// when already expired.
func (l Lease) Remaining(now time.Time) time.Duration {
    if l.Expired(now) {
        return 0
    }
    return l.ExpiresAt.Sub(now)
}
