package transport

import "context"

// StatusFunc returns a JSON-encoded status payload for management /status.
// Using []byte avoids import cycles on agent types.
type StatusFunc func(ctx context.Context) ([]byte, error)

// RoleFunc returns this node's database role ("primary", "replica" or
// "unknown") for the lightweight /role probe routers poll.
type RoleFunc func(ctx context.Context) (string, error)

// FenceRequest orders the receiving agent to demote its local database. Term
// is the fencing token of the new leader; the receiver records it so writes
// carrying older tokens are rejected even if the demote itself fails.
type FenceRequest struct {
    Term uint64 `json:"term"`
}

// FenceResponse indicates whether the local database was demoted.
type FenceResponse struct {
    Demoted bool   `json:"demoted"`
    Error   string `json:"error,omitempty"`
}

// FenceFunc handles fence/demote directives from the new primary.
type FenceFunc func(ctx context.Context, req FenceRequest) (FenceResponse, error)

// SwitchoverRequest asks for a planned primary handoff. An empty To lets the
// cluster pick the best candidate. Force bypasses the health and lag checks
// on a named target; the handoff is then a consistency-risk override.
type SwitchoverRequest struct {
    To    string `json:"to,omitempty"`
    Force bool   `json:"force,omitempty"`
}

// SwitchoverResponse indicates acceptance and optionally the current leader
// address for forwarding.
type SwitchoverResponse struct {
    Accepted bool   `json:"accepted"`
    Leader   string `json:"leader,omitempty"`
    Error    string `json:"error,omitempty"`
}

// SwitchoverFunc handles switchover requests (leader-only; followers return
// the leader's address for the caller to retry against).
type SwitchoverFunc func(ctx context.Context, req SwitchoverRequest) (SwitchoverResponse, error)

// RPCServer exposes management endpoints (/status, /role, /fence,
// /switchover) for intra-cluster calls and operator tooling.
type RPCServer interface {
    Start(ctx context.Context, status StatusFunc, role RoleFunc, fence FenceFunc, switchover SwitchoverFunc) error
    Addr() string
    Stop(ctx context.Context) error
}

// RPCClient performs intra-cluster calls to other agents using the chosen
// management protocol (HTTP/JSON or gRPC JSON codec).
type RPCClient interface {
    GetStatus(ctx context.Context, addr string) ([]byte, error)
    GetRole(ctx context.Context, addr string) (string, error)
    PostFence(ctx context.Context, addr string, req FenceRequest) (FenceResponse, error)
    PostSwitchover(ctx context.Context, addr string, req SwitchoverRequest) (SwitchoverResponse, error)
}
