package config

import (
    "fmt"
    "os"
    "time"

    "gopkg.in/yaml.v3"
)

// Config is the full agent configuration as loaded from YAML. Zero values
// are filled with defaults by Load; Validate rejects combinations that are
// unsafe rather than merely unusual.
type Config struct {
    Node       NodeConfig       `yaml:"node"`
    Database   DatabaseConfig   `yaml:"database"`
    Store      StoreConfig      `yaml:"store"`
    Lease      LeaseConfig      `yaml:"lease"`
    Health     HealthConfig     `yaml:"health"`
    Membership MembershipConfig `yaml:"membership"`
    Admin      AdminConfig      `yaml:"admin"`
    Failover   FailoverConfig   `yaml:"failover"`
    Tracing    bool             `yaml:"tracing"`
}

type NodeConfig struct {
    ID       string `yaml:"id"`
    // Addr is the database address published in routing tables.
    Addr     string `yaml:"addr"`
    Priority int    `yaml:"priority"`
    DataDir  string `yaml:"dataDir"`
}

type DatabaseConfig struct {
    // Kind selects the engine adapter: "postgres" or "none" (agent runs
    // without a managed database, useful for pure store/witness nodes).
    Kind string `yaml:"kind"`
    DSN  string `yaml:"dsn"`
    // PromoteWaitSeconds is passed to pg_promote as its wait bound.
    PromoteWaitSeconds int `yaml:"promoteWaitSeconds"`
}

type StoreConfig struct {
    // Kind selects the consensus store backend: "raft", "nats" or "mem".
    Kind      string `yaml:"kind"`
    RaftBind  string `yaml:"raftBind"`
    RaftFwd   string `yaml:"raftFwd"`
    RaftJoin  string `yaml:"raftJoin"`
    Bootstrap bool   `yaml:"bootstrap"`
    NATSURL   string `yaml:"natsUrl"`
    Bucket    string `yaml:"bucket"`
}

type LeaseConfig struct {
    TTL           time.Duration `yaml:"ttl"`
    RenewInterval time.Duration `yaml:"renewInterval"`
    // SafetyFactor is the minimum ratio between lease TTL and the health
    // probe interval. A TTL below probeInterval*SafetyFactor risks flapping
    // leadership on a single slow probe.
    SafetyFactor int `yaml:"safetyFactor"`
}

type HealthConfig struct {
    ProbeInterval time.Duration `yaml:"probeInterval"`
    ProbeTimeout  time.Duration `yaml:"probeTimeout"`
    LagCeiling    time.Duration `yaml:"lagCeiling"`
    FailThreshold int           `yaml:"failThreshold"`
}

type MembershipConfig struct {
    Bind      string   `yaml:"bind"`
    Advertise string   `yaml:"advertise"`
    Seeds     []string `yaml:"seeds"`

    // Discovery selects how seeds are found: "static" (the Seeds list,
    // default), "dns" (SRV or A/AAAA names) or "file".
    Discovery        string        `yaml:"discovery"`
    DNSNames         []string      `yaml:"dnsNames"`
    DNSPort          int           `yaml:"dnsPort"`
    FilePath         string        `yaml:"filePath"`
    FileEnv          string        `yaml:"fileEnv"`
    DiscoveryRefresh time.Duration `yaml:"discoveryRefresh"`
}

type AdminConfig struct {
    Addr  string `yaml:"addr"`
    Proto string `yaml:"proto"` // "http" (default) or "grpc"

    TLSEnable     bool   `yaml:"tlsEnable"`
    TLSCA         string `yaml:"tlsCa"`
    TLSCert       string `yaml:"tlsCert"`
    TLSKey        string `yaml:"tlsKey"`
    TLSServerName string `yaml:"tlsServerName"`
    TLSSkipVerify bool   `yaml:"tlsSkipVerify"`
}

type FailoverConfig struct {
    PromoteTimeout time.Duration `yaml:"promoteTimeout"`
    PromoteRetries int           `yaml:"promoteRetries"`
    BlacklistFor   time.Duration `yaml:"blacklistFor"`
    // LeaderlessAlertAfter is how long the cluster may stay without a
    // primary before the alert fires.
    LeaderlessAlertAfter time.Duration `yaml:"leaderlessAlertAfter"`
}

// Default returns a Config with every tunable at its default.
func Default() Config {
    return Config{
        Database: DatabaseConfig{Kind: "postgres", PromoteWaitSeconds: 30},
        Store:    StoreConfig{Kind: "raft", Bucket: "failover"},
        Lease:    LeaseConfig{TTL: 9 * time.Second, SafetyFactor: 3},
        Health: HealthConfig{
            ProbeInterval: time.Second,
            LagCeiling:    10 * time.Second,
            FailThreshold: 3,
        },
        Admin:    AdminConfig{Proto: "http"},
        Failover: FailoverConfig{PromoteTimeout: 10 * time.Second, PromoteRetries: 2, BlacklistFor: 60 * time.Second, LeaderlessAlertAfter: 30 * time.Second},
    }
}

// Load reads a YAML config file, overlays it on the defaults and validates
// the result.
func Load(path string) (Config, error) {
    cfg := Default()
    data, err := os.ReadFile(path)
    if err != nil {
        return cfg, fmt.Errorf("config: read %s: %w", path, err)
    }
    if err := yaml.Unmarshal(data, &cfg); err != nil {
        return cfg, fmt.Errorf("config: parse %s: %w", path, err)
    }
    cfg.applyDefaults()
    if err := cfg.Validate(); err != nil {
        return cfg, err
    }
    return cfg, nil
}

// applyDefaults fills derived zero values after the YAML overlay.
func (c *Config) applyDefaults() {
    if c.Lease.RenewInterval <= 0 {
        c.Lease.RenewInterval = c.Lease.TTL / 3
    }
    if c.Health.ProbeTimeout <= 0 {
        c.Health.ProbeTimeout = c.Health.ProbeInterval / 2
    }
}

// Validate checks invariants that would make the agent unsafe to run.
func (c Config) Validate() error {
    if c.Node.ID == "" {
        return fmt.Errorf("config: node.id is required")
    }
    switch c.Store.Kind {
    case "raft", "nats", "mem":
    default:
        return fmt.Errorf("config: store.kind %q not one of raft|nats|mem", c.Store.Kind)
    }
    switch c.Database.Kind {
    case "postgres", "none":
    default:
        return fmt.Errorf("config: database.kind %q not one of postgres|none", c.Database.Kind)
    }
    if c.Database.Kind == "postgres" && c.Database.DSN == "" {
        return fmt.Errorf("config: database.dsn is required for postgres")
    }
    if c.Store.Kind == "nats" && c.Store.NATSURL == "" {
        return fmt.Errorf("config: store.natsUrl is required for nats")
    }
    if c.Lease.TTL <= 0 {
        return fmt.Errorf("config: lease.ttl must be positive")
    }
    if c.Health.ProbeInterval <= 0 {
        return fmt.Errorf("config: health.probeInterval must be positive")
    }
    sf := c.Lease.SafetyFactor
    if sf <= 0 { sf = 3 }
    if min := time.Duration(sf) * c.Health.ProbeInterval; c.Lease.TTL < min {
        return fmt.Errorf("config: lease.ttl %s below probeInterval*%d (%s); leadership would flap on one slow probe", c.Lease.TTL, sf, min)
    }
    if c.Lease.RenewInterval >= c.Lease.TTL {
        return fmt.Errorf("config: lease.renewInterval %s must be shorter than lease.ttl %s", c.Lease.RenewInterval, c.Lease.TTL)
    }
    return nil
}
