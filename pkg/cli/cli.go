package cli

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "fmt"
    "log"
    "os"
    "os/signal"
    "syscall"
    "time"

    "github.com/spf13/cobra"

    "github.com/amirimatin/go-failover/pkg/bootstrap"
    "github.com/amirimatin/go-failover/pkg/config"
    dStatic "github.com/amirimatin/go-failover/pkg/discovery/static"
    tracing "github.com/amirimatin/go-failover/pkg/observability/tracing"
    tlsx "github.com/amirimatin/go-failover/pkg/security/tlsconfig"
    "github.com/amirimatin/go-failover/pkg/transport"
    mgmtgrpc "github.com/amirimatin/go-failover/pkg/transport/grpc"
    httpjson "github.com/amirimatin/go-failover/pkg/transport/httpjson"
)

// AddAll attaches coordinator subcommands (run/status/role/switchover/fence)
// to the provided root command.
func AddAll(root *cobra.Command) {
    root.AddCommand(NewRunCmd())
    root.AddCommand(NewStatusCmd())
    root.AddCommand(NewRoleCmd())
    root.AddCommand(NewSwitchoverCmd())
    root.AddCommand(NewFenceCmd())
}

// NewRunCmd returns the "run" command used to start a coordinator agent.
func NewRunCmd() *cobra.Command {
    var (
        cfgPath                   string
        id, addr, adminAddr, dsn  string
        storeKind, natsURL        string
        raftBind, raftFwd         string
        raftJoin                  string
        memBind, memAdv, seedsCSV string
        discoveryKind, dnsNames   string
        filePath, fileEnv         string
        dnsPort                   int
        discRefresh               time.Duration
        dataDir                   string
        doBootstrap, traceEnable  bool
    )
    cmd := &cobra.Command{
        Use:   "run",
        Short: "Run a failover coordinator agent",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx, cancel := signalContext()
            defer cancel()

            cfg := config.Default()
            if cfgPath != "" {
                var err error
                cfg, err = config.Load(cfgPath)
                if err != nil { return err }
            }
            // Flags override file values.
            if id != "" { cfg.Node.ID = id }
            if addr != "" { cfg.Node.Addr = addr }
            if adminAddr != "" { cfg.Admin.Addr = adminAddr }
            if dsn != "" { cfg.Database.DSN = dsn }
            if storeKind != "" { cfg.Store.Kind = storeKind }
            if natsURL != "" { cfg.Store.NATSURL = natsURL }
            if raftBind != "" { cfg.Store.RaftBind = raftBind }
            if raftFwd != "" { cfg.Store.RaftFwd = raftFwd }
            if raftJoin != "" { cfg.Store.RaftJoin = raftJoin }
            if memBind != "" { cfg.Membership.Bind = memBind }
            if memAdv != "" { cfg.Membership.Advertise = memAdv }
            if seedsCSV != "" { cfg.Membership.Seeds = dStatic.Parse(seedsCSV) }
            if discoveryKind != "" { cfg.Membership.Discovery = discoveryKind }
            if dnsNames != "" { cfg.Membership.DNSNames = dStatic.Parse(dnsNames) }
            if dnsPort != 0 { cfg.Membership.DNSPort = dnsPort }
            if filePath != "" { cfg.Membership.FilePath = filePath }
            if fileEnv != "" { cfg.Membership.FileEnv = fileEnv }
            if discRefresh > 0 { cfg.Membership.DiscoveryRefresh = discRefresh }
            if dataDir != "" { cfg.Node.DataDir = dataDir }
            if doBootstrap { cfg.Store.Bootstrap = true }
            if cfg.Database.DSN == "" && cfg.Database.Kind == "postgres" { cfg.Database.Kind = "none" }
            if err := cfg.Validate(); err != nil { return err }

            if traceEnable || cfg.Tracing {
                shutdown, err := tracing.Setup(true)
                if err != nil {
                    log.Printf("tracing setup error: %v", err)
                } else {
                    defer func() { _ = shutdown(context.Background()) }()
                }
            }

            a, err := bootstrap.Run(ctx, cfg, log.Default())
            if err != nil { return err }
            defer func() { _ = a.Stop(context.Background()) }()

            fmt.Println("coordinator running. Press Ctrl+C to exit.")
            <-ctx.Done()
            return nil
        },
    }
    cmd.Flags().StringVar(&cfgPath, "config", "", "path to YAML config file")
    cmd.Flags().StringVar(&id, "id", "", "node id")
    cmd.Flags().StringVar(&addr, "db-addr", "", "database address published in routing tables (host:port)")
    cmd.Flags().StringVar(&adminAddr, "admin-addr", "", "admin RPC address (tcp), e.g. :17946")
    cmd.Flags().StringVar(&dsn, "dsn", "", "postgres connection string for the local instance")
    cmd.Flags().StringVar(&storeKind, "store", "", "consensus store backend: raft|nats|mem")
    cmd.Flags().StringVar(&natsURL, "nats-url", "", "NATS server URL (store=nats)")
    cmd.Flags().StringVar(&raftBind, "raft-bind", "", "raft bind addr (store=raft)")
    cmd.Flags().StringVar(&raftFwd, "raft-fwd", "", "raft write-forward HTTP addr (store=raft)")
    cmd.Flags().StringVar(&raftJoin, "raft-join", "", "forward addr of an existing member to join as a voter (store=raft)")
    cmd.Flags().StringVar(&memBind, "mem-bind", "", "membership bind addr (host:port)")
    cmd.Flags().StringVar(&memAdv, "mem-adv", "", "membership advertise addr (host:port, optional)")
    cmd.Flags().StringVar(&seedsCSV, "join", "", "comma-separated membership seed nodes (host:port) — used by discovery=static")
    cmd.Flags().StringVar(&discoveryKind, "discovery", "", "seed discovery backend: static|dns|file")
    cmd.Flags().StringVar(&dnsNames, "dns-names", "", "comma-separated DNS names or SRV records (e.g., _failover._tcp.example.com)")
    cmd.Flags().IntVar(&dnsPort, "dns-port", 0, "port used for A/AAAA lookups")
    cmd.Flags().DurationVar(&discRefresh, "disc-refresh", 0, "discovery refresh/cache duration")
    cmd.Flags().StringVar(&filePath, "file-path", "", "path or glob to a file with seeds (one per line or CSV)")
    cmd.Flags().StringVar(&fileEnv, "file-env", "", "ENV var name containing CSV seeds; overrides file when set")
    cmd.Flags().StringVar(&dataDir, "data", "", "raft data dir (snapshots)")
    cmd.Flags().BoolVar(&doBootstrap, "bootstrap", false, "bootstrap single-node raft store (development)")
    cmd.Flags().BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
    return cmd
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
    var (
        addr    string
        timeout time.Duration
    )
    cmd := &cobra.Command{
        Use:   "status",
        Short: "Fetch node status as JSON",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx, cancel := context.WithTimeout(context.Background(), timeout)
            defer cancel()
            client := httpjson.NewClient(timeout)
            data, err := client.GetStatus(ctx, addr)
            if err != nil { return fmt.Errorf("status error: %w", err) }
            os.Stdout.Write(data)
            if len(data) == 0 || data[len(data)-1] != '\n' { os.Stdout.Write([]byte("\n")) }
            return nil
        },
    }
    cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:17946", "admin address of a node (host:port)")
    cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "request timeout")
    return cmd
}

// NewRoleCmd returns the "role" command: print the node's database role
// (primary/replica) as last probed, for scripts and liveness wiring.
func NewRoleCmd() *cobra.Command {
    var (
        addr    string
        timeout time.Duration
    )
    cmd := &cobra.Command{
        Use:   "role",
        Short: "Print a node's database role (primary|replica)",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx, cancel := context.WithTimeout(context.Background(), timeout)
            defer cancel()
            client := httpjson.NewClient(timeout)
            role, err := client.GetRole(ctx, addr)
            if err != nil { return fmt.Errorf("role error: %w", err) }
            fmt.Println(role)
            return nil
        },
    }
    cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:17946", "admin address of a node (host:port)")
    cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "request timeout")
    return cmd
}

// NewSwitchoverCmd returns the "switchover" command.
func NewSwitchoverCmd() *cobra.Command {
    var (
        to, addr, proto                       string
        timeout                               time.Duration
        force, tlsEnable, tlsSkip             bool
        tlsCA, tlsCert, tlsKey, tlsServerName string
    )
    cmd := &cobra.Command{
        Use:   "switchover",
        Short: "Request a planned primary handoff",
        RunE: func(cmd *cobra.Command, args []string) error {
            client, err := adminClient(proto, timeout, tlsEnable, tlsCA, tlsCert, tlsKey, tlsSkip, tlsServerName)
            if err != nil { return err }
            ctx, cancel := context.WithTimeout(context.Background(), timeout)
            defer cancel()
            req := transport.SwitchoverRequest{To: to, Force: force}
            resp, err := client.PostSwitchover(ctx, addr, req)
            if err != nil { return fmt.Errorf("switchover error: %w", err) }
            if !resp.Accepted && resp.Leader != "" {
                // Retry once against the reported leader.
                resp, err = client.PostSwitchover(ctx, resp.Leader, req)
                if err != nil { return fmt.Errorf("switchover error: %w", err) }
            }
            return json.NewEncoder(os.Stdout).Encode(resp)
        },
    }
    cmd.Flags().StringVar(&to, "to", "", "target node id (empty = best candidate)")
    cmd.Flags().BoolVar(&force, "force", false, "skip target health and lag checks (risks losing unreplicated writes)")
    cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:17946", "admin address of any node (host:port)")
    cmd.Flags().StringVar(&proto, "proto", "http", "admin RPC protocol: http|grpc")
    cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
    addTLSFlags(cmd, &tlsEnable, &tlsCA, &tlsCert, &tlsKey, &tlsSkip, &tlsServerName)
    return cmd
}

// NewFenceCmd returns the "fence" command: an operator-issued demote for a
// node that must stop accepting writes immediately.
func NewFenceCmd() *cobra.Command {
    var (
        addr, proto                           string
        term                                  uint64
        timeout                               time.Duration
        tlsEnable, tlsSkip                    bool
        tlsCA, tlsCert, tlsKey, tlsServerName string
    )
    cmd := &cobra.Command{
        Use:   "fence",
        Short: "Demote a node's database and record a fencing token",
        RunE: func(cmd *cobra.Command, args []string) error {
            client, err := adminClient(proto, timeout, tlsEnable, tlsCA, tlsCert, tlsKey, tlsSkip, tlsServerName)
            if err != nil { return err }
            ctx, cancel := context.WithTimeout(context.Background(), timeout)
            defer cancel()
            resp, err := client.PostFence(ctx, addr, transport.FenceRequest{Term: term})
            if err != nil { return fmt.Errorf("fence error: %w", err) }
            return json.NewEncoder(os.Stdout).Encode(resp)
        },
    }
    cmd.Flags().StringVar(&addr, "addr", "", "admin address of the node to fence (host:port, required)")
    cmd.Flags().Uint64Var(&term, "term", 0, "fencing token to record (current leader term)")
    cmd.Flags().StringVar(&proto, "proto", "http", "admin RPC protocol: http|grpc")
    cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
    addTLSFlags(cmd, &tlsEnable, &tlsCA, &tlsCert, &tlsKey, &tlsSkip, &tlsServerName)
    _ = cmd.MarkFlagRequired("addr")
    return cmd
}

func adminClient(proto string, timeout time.Duration, tlsEnable bool, ca, cert, key string, skip bool, serverName string) (transport.RPCClient, error) {
    var cliTLS *tls.Config
    if tlsEnable {
        topts := tlsx.Options{Enable: true, CAFile: ca, CertFile: cert, KeyFile: key, InsecureSkipVerify: skip, ServerName: serverName}
        var err error
        cliTLS, err = topts.Client()
        if err != nil { return nil, fmt.Errorf("tls client config: %w", err) }
    }
    switch proto {
    case "grpc":
        cli := mgmtgrpc.NewClient(timeout)
        if cliTLS != nil { cli.UseTLS(cliTLS) }
        return cli, nil
    default:
        cli := httpjson.NewClient(timeout)
        if cliTLS != nil { cli.UseTLS(cliTLS) }
        return cli, nil
    }
}

func addTLSFlags(cmd *cobra.Command, enable *bool, ca, cert, key *string, skip *bool, serverName *string) {
    cmd.Flags().BoolVar(enable, "tls-enable", false, "enable mTLS for admin transport")
    cmd.Flags().StringVar(ca, "tls-ca", "", "path to CA cert (PEM)")
    cmd.Flags().StringVar(cert, "tls-cert", "", "path to client certificate (PEM)")
    cmd.Flags().StringVar(key, "tls-key", "", "path to client private key (PEM)")
    cmd.Flags().BoolVar(skip, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    cmd.Flags().StringVar(serverName, "tls-server-name", "", "expected server name (for TLS validation)")
}

func signalContext() (context.Context, context.CancelFunc) {
    ctx, cancel := context.WithCancel(context.Background())
    go func() {
        ch := make(chan os.Signal, 1)
        signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
        <-ch
        cancel()
    }()
    return ctx, cancel
}
