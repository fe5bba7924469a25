package failover

import (
    "sort"

    "github.com/amirimatin/go-failover/pkg/topology"
)

// rankCandidates orders promotion candidates deterministically: healthy
// members only, minimum replication lag first, ties broken by higher
// priority, then by lexicographically smallest ID. Every agent computes the
// same order from the same inputs, which keeps promotion outcomes
// reproducible.
func rankCandidates(members []topology.Member) []topology.Member {
    eligible := make([]topology.Member, 0, len(members))
    for _, m := range members {
        if !m.Healthy {
            continue
        }
        eligible = append(eligible, m)
    }
    sort.Slice(eligible, func(i, j int) bool {
        a, b := eligible[i], eligible[j]
        if a.LagMillis != b.LagMillis {
            return a.LagMillis < b.LagMillis
        }
        if a.Priority != b.Priority {
            return a.Priority > b.Priority
        }
        return a.ID < b.ID
    })
    return eligible
}

// SelectCandidate returns the best promotion candidate, or ok=false when no
// healthy member exists.
func SelectCandidate(members []topology.Member) (topology.Member, bool) {
    ranked := rankCandidates(members)
    if len(ranked) == 0 {
        return topology.Member{}, false
    }
    return ranked[0], true
}

// Rank returns id's position in the deterministic candidate order, or a
// large rank when id is not eligible. The election manager scales its
// contest jitter by this value so the best candidate usually wins the
// acquire race.
func Rank(members []topology.Member, id string) int {
    ranked := rankCandidates(members)
    for i, m := range ranked {
        if m.ID == id {
            return i
        }
    }
    return len(ranked) + 1
}
