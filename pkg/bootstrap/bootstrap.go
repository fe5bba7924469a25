package bootstrap

import (
    "context"
    "crypto/tls"
    "log"
    "strconv"
    "time"

    "github.com/amirimatin/go-failover/pkg/agent"
    "github.com/amirimatin/go-failover/pkg/config"
    "github.com/amirimatin/go-failover/pkg/database"
    "github.com/amirimatin/go-failover/pkg/database/postgres"
    "github.com/amirimatin/go-failover/pkg/dcs"
    "github.com/amirimatin/go-failover/pkg/dcs/memstore"
    "github.com/amirimatin/go-failover/pkg/dcs/natskv"
    "github.com/amirimatin/go-failover/pkg/dcs/raftkv"
    "github.com/amirimatin/go-failover/pkg/discovery"
    dDNS "github.com/amirimatin/go-failover/pkg/discovery/dns"
    dFile "github.com/amirimatin/go-failover/pkg/discovery/file"
    dStatic "github.com/amirimatin/go-failover/pkg/discovery/static"
    "github.com/amirimatin/go-failover/pkg/membership"
    ml "github.com/amirimatin/go-failover/pkg/membership/memberlist"
    tlsx "github.com/amirimatin/go-failover/pkg/security/tlsconfig"
    "github.com/amirimatin/go-failover/pkg/transport"
    mgmtgrpc "github.com/amirimatin/go-failover/pkg/transport/grpc"
    httpjson "github.com/amirimatin/go-failover/pkg/transport/httpjson"
)

// Build assembles an agent.Agent from a validated Config without starting
// it. Applications embed the coordinator by providing the config and
// calling Build/Run.
func Build(ctx context.Context, cfg config.Config, logger *log.Logger) (*agent.Agent, error) {
    if logger == nil { logger = log.Default() }

    store, err := buildStore(cfg, logger)
    if err != nil { return nil, err }

    var db database.Manager
    if cfg.Database.Kind == "postgres" {
        pg, err := postgres.New(ctx, postgres.Options{
            URL:         cfg.Database.DSN,
            PromoteWait: cfg.Database.PromoteWaitSeconds,
            Logger:      logger,
        })
        if err != nil { return nil, err }
        db = pg
    }

    // Membership meta carries the addresses peers need before the first
    // health report lands: the admin endpoint and the database address.
    var mem membership.Membership
    if cfg.Membership.Bind != "" {
        meta := map[string]string{}
        if cfg.Admin.Addr != "" { meta["admin"] = cfg.Admin.Addr }
        if cfg.Node.Addr != "" { meta["db"] = cfg.Node.Addr }
        if cfg.Node.Priority != 0 { meta["priority"] = strconv.Itoa(cfg.Node.Priority) }
        mem, err = ml.New(ml.Options{
            NodeID:    cfg.Node.ID,
            Bind:      cfg.Membership.Bind,
            Advertise: cfg.Membership.Advertise,
            Logger:    logger,
            Meta:      meta,
        })
        if err != nil { return nil, err }
    }

    srv, cli, err := buildAdminRPC(cfg, logger)
    if err != nil { return nil, err }

    return agent.New(agent.Options{
        NodeID:    cfg.Node.ID,
        Addr:      cfg.Node.Addr,
        AdminAddr: cfg.Admin.Addr,
        Priority:  cfg.Node.Priority,

        Store:      store,
        DB:         db,
        Membership: mem,
        Discovery:  buildDiscovery(cfg),
        RPCServer:  srv,
        RPCClient:  cli,

        LeaseTTL:      cfg.Lease.TTL,
        RenewInterval: cfg.Lease.RenewInterval,
        ProbeInterval: cfg.Health.ProbeInterval,
        ProbeTimeout:  cfg.Health.ProbeTimeout,
        LagCeiling:    cfg.Health.LagCeiling,
        FailThreshold: cfg.Health.FailThreshold,

        PromoteTimeout:       cfg.Failover.PromoteTimeout,
        PromoteRetries:       cfg.Failover.PromoteRetries,
        BlacklistFor:         cfg.Failover.BlacklistFor,
        LeaderlessAlertAfter: cfg.Failover.LeaderlessAlertAfter,

        Logger: logger,
    })
}

// Run builds and starts the agent, returning the instance for lifecycle
// control. The caller is responsible for calling Stop() when finished.
func Run(ctx context.Context, cfg config.Config, logger *log.Logger) (*agent.Agent, error) {
    a, err := Build(ctx, cfg, logger)
    if err != nil { return nil, err }
    if err := a.Start(ctx); err != nil { return nil, err }
    return a, nil
}

func buildDiscovery(cfg config.Config) discovery.Discovery {
    m := cfg.Membership
    switch m.Discovery {
    case "dns":
        opts := dDNS.Options{Names: m.DNSNames, Port: m.DNSPort}
        if m.DiscoveryRefresh > 0 { opts.Refresh = m.DiscoveryRefresh }
        return dDNS.New(opts)
    case "file":
        opts := dFile.Options{Path: m.FilePath, Env: m.FileEnv}
        if m.DiscoveryRefresh > 0 { opts.Refresh = m.DiscoveryRefresh }
        return dFile.New(opts)
    default:
        return dStatic.New(m.Seeds...)
    }
}

func buildStore(cfg config.Config, logger *log.Logger) (dcs.Store, error) {
    switch cfg.Store.Kind {
    case "nats":
        return natskv.New(natskv.Options{
            URL:    cfg.Store.NATSURL,
            Bucket: cfg.Store.Bucket,
            Logger: logger,
        })
    case "mem":
        return memstore.New(memstore.Options{}), nil
    default: // "raft"
        return raftkv.New(raftkv.Options{
            NodeID:    cfg.Node.ID,
            BindAddr:  cfg.Store.RaftBind,
            FwdAddr:   cfg.Store.RaftFwd,
            JoinAddr:  cfg.Store.RaftJoin,
            DataDir:   cfg.Node.DataDir,
            Bootstrap: cfg.Store.Bootstrap,
            Logger:    logger,
        })
    }
}

func buildAdminRPC(cfg config.Config, logger *log.Logger) (transport.RPCServer, transport.RPCClient, error) {
    if cfg.Admin.Addr == "" { return nil, nil, nil }
    var srvTLS, cliTLS *tls.Config
    if cfg.Admin.TLSEnable {
        topts := tlsx.Options{
            Enable:             true,
            CAFile:             cfg.Admin.TLSCA,
            CertFile:           cfg.Admin.TLSCert,
            KeyFile:            cfg.Admin.TLSKey,
            InsecureSkipVerify: cfg.Admin.TLSSkipVerify,
            ServerName:         cfg.Admin.TLSServerName,
        }
        // Prefer hot-reload configs to allow manual rotation by replacing files
        s, err := topts.ServerHotReload()
        if err != nil { return nil, nil, err }
        srvTLS = s
        c, err := topts.ClientHotReload()
        if err != nil { return nil, nil, err }
        cliTLS = c
    }
    switch cfg.Admin.Proto {
    case "grpc":
        s := mgmtgrpc.NewServer(cfg.Admin.Addr)
        if srvTLS != nil { s.UseTLS(srvTLS) }
        c := mgmtgrpc.NewClient(3 * time.Second)
        if cliTLS != nil { c.UseTLS(cliTLS) }
        return s, c, nil
    default:
        s := httpjson.NewServer(cfg.Admin.Addr, logger)
        if srvTLS != nil { s.UseTLS(srvTLS) }
        c := httpjson.NewClient(3 * time.Second)
        if cliTLS != nil { c.UseTLS(cliTLS) }
        return s, c, nil
    }
}
