package agent

import (
    "time"

    "github.com/amirimatin/go-failover/pkg/dcs"
    "github.com/amirimatin/go-failover/pkg/election"
    "github.com/amirimatin/go-failover/pkg/failover"
    "github.com/amirimatin/go-failover/pkg/health"
    "github.com/amirimatin/go-failover/pkg/routing"
    "github.com/amirimatin/go-failover/pkg/topology"
)

// Status is the JSON payload served on the admin /status endpoint. Lease
// fields reflect the last store-confirmed lease, never a local guess.
type Status struct {
    NodeID        string            `json:"nodeId"`
    Role          topology.Role     `json:"role"`
    ElectionState election.State    `json:"electionState"`
    FailoverState failover.State    `json:"failoverState"`
    Lease         *dcs.Lease        `json:"lease,omitempty"`
    HoldsLease    bool              `json:"holdsLease"`
    Generation    uint64            `json:"generation"`
    Health        health.Report     `json:"health"`
    Members       []topology.Member `json:"members"`
    Routing       *routing.Table    `json:"routing,omitempty"`
    At            time.Time         `json:"at"`
}
