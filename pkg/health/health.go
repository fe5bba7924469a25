package health

import (
    "encoding/json"
    "time"

    "github.com/amirimatin/go-failover/pkg/topology"
)

// Score classifies one member's health.
type Score string

const (
    // ScoreHealthy: probe succeeded within the timeout and lag is under the
    // configured ceiling.
    ScoreHealthy Score = "healthy"
    // ScoreDegraded: probe succeeded but replication lag exceeds the ceiling.
    ScoreDegraded Score = "degraded"
    // ScoreUnhealthy: N consecutive probe failures or timeouts.
    ScoreUnhealthy Score = "unhealthy"
)

// Report is the per-member health record published to the consensus store
// under a short-TTL key, so a crashed agent's last report self-expires
// instead of looking healthy forever.
type Report struct {
    ID        string        `json:"id"`
    Addr      string        `json:"addr"`
    AdminAddr string        `json:"adminAddr,omitempty"`
    Role      topology.Role `json:"role"`
    LagMillis int64         `json:"lagMillis"`
    Score     Score         `json:"score"`
    Priority  int           `json:"priority"`
    At        time.Time     `json:"at"`
}

// Marshal encodes the report for publication.
func (r Report) Marshal() ([]byte, error) { return json.Marshal(r) }

// UnmarshalReport decodes a published report.
func UnmarshalReport(data []byte) (Report, error) {
    var r Report
    err := json.Unmarshal(data, &r)
    return r, err
}
