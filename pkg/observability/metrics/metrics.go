package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
)

var (
    once sync.Once

    ClusterMembers = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "go_failover",
        Name:      "members_total",
        Help:      "Current number of known cluster members",
    })

    IsPrimary = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "go_failover",
        Name:      "is_primary",
        Help:      "1 if this node holds the leader lease, else 0",
    })

    CurrentTerm = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "go_failover",
        Name:      "current_term",
        Help:      "Term of the last observed leader lease",
    })

    RoutingGeneration = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "go_failover",
        Name:      "routing_generation",
        Help:      "Generation of the last published routing table",
    })

    HealthScore = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "go_failover",
        Subsystem: "health",
        Name:      "score",
        Help:      "Local database health score (2 healthy, 1 degraded, 0 unhealthy)",
    })

    ReplicationLagMillis = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "go_failover",
        Subsystem: "health",
        Name:      "replication_lag_ms",
        Help:      "Local replica lag behind the primary in milliseconds",
    })

    ElectionsContested = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_failover",
        Subsystem: "election",
        Name:      "contests_total",
        Help:      "Total lease acquisition attempts by this node",
    })

    RenewFailures = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_failover",
        Subsystem: "election",
        Name:      "renew_failures_total",
        Help:      "Total failed lease renewal attempts",
    })

    FailoversTotal = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_failover",
        Name:      "failovers_total",
        Help:      "Total completed promotions of this node to primary",
    })

    PromotionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "go_failover",
        Name:      "promotions_total",
        Help:      "Total database promote attempts by result",
    }, []string{"result"})

    SwitchoverRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "go_failover",
        Name:      "switchover_requests_total",
        Help:      "Total switchover requests handled by this node",
    }, []string{"result"})

    LeaderlessAlerts = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_failover",
        Name:      "leaderless_alerts_total",
        Help:      "Times the cluster stayed leaderless past the alert window with no eligible candidate",
    })

    FencedWrites = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_failover",
        Name:      "fenced_writes_total",
        Help:      "Write attempts rejected for carrying a stale fencing token",
    })

    GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_failover",
        Subsystem: "grpc_conn",
        Name:      "dials_total",
        Help:      "Total number of new gRPC connections dialed",
    })
    GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_failover",
        Subsystem: "grpc_conn",
        Name:      "reuse_total",
        Help:      "Total number of gRPC connection reuses from cache",
    })
    GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_failover",
        Subsystem: "grpc_conn",
        Name:      "evictions_total",
        Help:      "Total number of cached gRPC connections evicted",
    })
    GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "go_failover",
        Subsystem: "grpc_conn",
        Name:      "active",
        Help:      "Number of active cached gRPC connections",
    })
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
    once.Do(func() {
        prometheus.MustRegister(ClusterMembers)
        prometheus.MustRegister(IsPrimary)
        prometheus.MustRegister(CurrentTerm)
        prometheus.MustRegister(RoutingGeneration)
        prometheus.MustRegister(HealthScore)
        prometheus.MustRegister(ReplicationLagMillis)
        prometheus.MustRegister(ElectionsContested)
        prometheus.MustRegister(RenewFailures)
        prometheus.MustRegister(FailoversTotal)
        prometheus.MustRegister(PromotionsTotal)
        prometheus.MustRegister(SwitchoverRequests)
        prometheus.MustRegister(LeaderlessAlerts)
        prometheus.MustRegister(FencedWrites)
        prometheus.MustRegister(GRPCConnDials)
        prometheus.MustRegister(GRPCConnReuse)
        prometheus.MustRegister(GRPCConnEvictions)
        prometheus.MustRegister(GRPCConnActive)
    })
}
