package agent

import "errors"

// Sentinel errors classify failures so callers can branch on kind: transient
// infrastructure errors are retryable, the rest are terminal for the current
// attempt.
var (
    // ErrTransientInfra wraps store or network failures worth retrying.
    ErrTransientInfra = errors.New("agent: transient infrastructure error")
    // ErrOwnershipLost means the lease moved to another holder mid-operation.
    ErrOwnershipLost = errors.New("agent: lease ownership lost")
    // ErrPromotionFailed means the database refused or failed promotion.
    ErrPromotionFailed = errors.New("agent: promotion failed")
    // ErrNoEligibleCandidate means no healthy, caught-up member exists.
    ErrNoEligibleCandidate = errors.New("agent: no eligible candidate")
    // ErrSplitBrainRisk means an operation was refused because it could
    // leave two writable primaries.
    ErrSplitBrainRisk = errors.New("agent: split-brain risk")
    // ErrNotEligible means this node may not contest or be promoted.
    ErrNotEligible = errors.New("agent: node not eligible")
    // ErrNotLeader means the operation must run on the lease holder.
    ErrNotLeader = errors.New("agent: not the leader")
)
