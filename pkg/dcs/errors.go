package dcs

import "errors"

var (
    // ErrStopped is returned by operations on a stopped store.
    ErrStopped = errors.New("dcs: store stopped")
    // ErrNoLease is returned by ReleaseLease when the lease does not exist
    // or is held by someone else.
    ErrNoLease = errors.New("dcs: no such lease")
)
