package postgres

import (
    "context"
    "fmt"
    "log"
    "time"

    "github.com/jackc/pgx/v5/pgxpool"

    "github.com/amirimatin/go-failover/pkg/database"
)

// Manager implements database.Manager against a local PostgreSQL instance.
// Role detection uses pg_is_in_recovery(), lag is derived from the last
// replayed transaction timestamp, promotion calls pg_promote() and demotion
// flips the instance read-only (a deposed primary must not take writes; a
// proper rewind/rejoin is an operator action).
type Manager struct {
    pool        *pgxpool.Pool
    log         *log.Logger
    promoteWait int
}

// Options configure the PostgreSQL control backend.
type Options struct {
    // URL is a pgx connection string for the local instance, e.g.
    // postgres://failover@127.0.0.1:5432/postgres
    URL string
    // PromoteWait bounds the pg_promote wait (seconds). Default 30.
    PromoteWait int
    // Logger is optional. If nil, log.Default() is used.
    Logger *log.Logger
}

func New(ctx context.Context, opts Options) (*Manager, error) {
    if opts.URL == "" {
        return nil, fmt.Errorf("postgres: empty URL")
    }
    if opts.Logger == nil { opts.Logger = log.Default() }
    cfg, err := pgxpool.ParseConfig(opts.URL)
    if err != nil {
        return nil, fmt.Errorf("postgres: parse url: %w", err)
    }
    // The coordinator issues a handful of control queries per second; keep
    // the pool small so probes cannot starve the database of connections.
    cfg.MaxConns = 3
    cfg.MinConns = 1
    cfg.MaxConnIdleTime = time.Minute
    pool, err := pgxpool.NewWithConfig(ctx, cfg)
    if err != nil {
        return nil, fmt.Errorf("postgres: connect: %w", err)
    }
    m := &Manager{pool: pool, log: opts.Logger}
    m.promoteWait = opts.PromoteWait
    if m.promoteWait <= 0 { m.promoteWait = 30 }
    return m, nil
}

func (m *Manager) ProbeHealth(ctx context.Context) (database.Probe, error) {
    var inRecovery bool
    if err := m.pool.QueryRow(ctx, "SELECT pg_is_in_recovery()").Scan(&inRecovery); err != nil {
        return database.Probe{}, err
    }
    if !inRecovery {
        return database.Probe{CanWrite: true}, nil
    }
    // Replay lag in milliseconds; NULL when no WAL has been replayed yet,
    // which we report as a very large lag rather than zero.
    var lagMs *float64
    err := m.pool.QueryRow(ctx,
        "SELECT EXTRACT(EPOCH FROM (now() - pg_last_xact_replay_timestamp())) * 1000").Scan(&lagMs)
    if err != nil {
        return database.Probe{}, err
    }
    p := database.Probe{CanWrite: false}
    if lagMs == nil {
        p.LagMillis = int64(^uint64(0) >> 1)
    } else if *lagMs > 0 {
        p.LagMillis = int64(*lagMs)
    }
    return p, nil
}

func (m *Manager) Promote(ctx context.Context, fencingToken uint64) error {
    var ok bool
    if err := m.pool.QueryRow(ctx, "SELECT pg_promote(true, $1)", m.promoteWait).Scan(&ok); err != nil {
        return fmt.Errorf("postgres: promote: %w", err)
    }
    if !ok {
        return fmt.Errorf("postgres: promote did not complete within %ds", m.promoteWait)
    }
    // Expose the fencing token to the SQL layer so triggers/middleware can
    // reject writes stamped with an older term.
    if _, err := m.pool.Exec(ctx, fmt.Sprintf("ALTER SYSTEM SET failover.fencing_token = %d", fencingToken)); err != nil {
        m.log.Printf("postgres: set fencing token: %v", err)
    } else if _, err := m.pool.Exec(ctx, "SELECT pg_reload_conf()"); err != nil {
        m.log.Printf("postgres: reload conf: %v", err)
    }
    return nil
}

func (m *Manager) Demote(ctx context.Context) error {
    var inRecovery bool
    if err := m.pool.QueryRow(ctx, "SELECT pg_is_in_recovery()").Scan(&inRecovery); err != nil {
        return err
    }
    if inRecovery {
        return nil // already a replica
    }
    if _, err := m.pool.Exec(ctx, "ALTER SYSTEM SET default_transaction_read_only = on"); err != nil {
        return fmt.Errorf("postgres: demote: %w", err)
    }
    if _, err := m.pool.Exec(ctx, "SELECT pg_reload_conf()"); err != nil {
        return fmt.Errorf("postgres: reload conf: %w", err)
    }
    return nil
}

// Close releases the connection pool.
func (m *Manager) Close() { m.pool.Close() }

var _ database.Manager = (*Manager)(nil)
