package agent

import (
    "time"

    "github.com/amirimatin/go-failover/pkg/dcs"
    "github.com/amirimatin/go-failover/pkg/routing"
)

// EventType identifies an agent-level event delivered to subscribers.
type EventType string

const (
    // EventElected: this node won the leader lease.
    EventElected EventType = "elected"
    // EventOwnershipLost: this node lost a held lease (already demoted).
    EventOwnershipLost EventType = "ownership_lost"
    // EventLeaderChanged: another node holds the lease.
    EventLeaderChanged EventType = "leader_changed"
    // EventLeaderLost: the lease expired or was released.
    EventLeaderLost EventType = "leader_lost"
    // EventRoutingApplied: a newer routing table was applied locally.
    EventRoutingApplied EventType = "routing_applied"
)

// Event is delivered to Subscribe channels. Lease is set for leadership
// events, Routing for routing events.
type Event struct {
    Type    EventType      `json:"type"`
    At      time.Time      `json:"at"`
    Lease   *dcs.Lease     `json:"lease,omitempty"`
    Routing *routing.Table `json:"routing,omitempty"`
}

// Subscribe registers an observer channel for agent events. The returned
// cancel func unregisters it. Slow subscribers miss events rather than block
// the coordinator.
func (a *Agent) Subscribe() (<-chan Event, func()) {
    ch := make(chan Event, 16)
    a.subMu.Lock()
    a.subs = append(a.subs, ch)
    a.subMu.Unlock()
    cancel := func() {
        a.subMu.Lock()
        defer a.subMu.Unlock()
        for i, c := range a.subs {
            if c == ch {
                a.subs = append(a.subs[:i], a.subs[i+1:]...)
                close(ch)
                return
            }
        }
    }
    return ch, cancel
}

func (a *Agent) emit(ev Event) {
    a.subMu.Lock()
    defer a.subMu.Unlock()
    for _, ch := range a.subs {
        select {
        case ch <- ev:
        default:
        }
    }
}
