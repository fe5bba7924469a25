package grpc

import (
    "context"
    "crypto/tls"
    "net"
    "time"

    "google.golang.org/grpc"
    "google.golang.org/grpc/credentials"
    "google.golang.org/grpc/health"
    healthpb "google.golang.org/grpc/health/grpc_health_v1"
    "google.golang.org/grpc/keepalive"

    "github.com/amirimatin/go-failover/pkg/observability/tracing"
    "github.com/amirimatin/go-failover/pkg/transport"
)

// Server implements transport.RPCServer over gRPC using a JSON codec.
type Server struct {
    bind   string
    lis    net.Listener
    srv    *grpc.Server
    tlsCfg *tls.Config
}

func NewServer(bind string) *Server { return &Server{bind: bind} }

// UseTLS enables TLS for the gRPC server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// internal request/response types used over gRPC JSON codec
type empty struct{}
type statusBlob struct{ Data []byte `json:"data"` }
type roleBlob struct{ Role string `json:"role"` }

// managementServer defines the methods we expose.
type managementServer interface{
    GetStatus(ctx context.Context, in *empty) (*statusBlob, error)
    GetRole(ctx context.Context, in *empty) (*roleBlob, error)
    Fence(ctx context.Context, in *transport.FenceRequest) (*transport.FenceResponse, error)
    Switchover(ctx context.Context, in *transport.SwitchoverRequest) (*transport.SwitchoverResponse, error)
}

type mgmtImpl struct{ status transport.StatusFunc; role transport.RoleFunc; fence transport.FenceFunc; switchover transport.SwitchoverFunc }

func (m *mgmtImpl) GetStatus(ctx context.Context, _ *empty) (*statusBlob, error) {
    ctx, end := tracing.StartSpan(ctx, "grpc.status")
    defer end()
    b, err := m.status(ctx)
    if err != nil { return nil, err }
    return &statusBlob{Data: b}, nil
}

func (m *mgmtImpl) GetRole(ctx context.Context, _ *empty) (*roleBlob, error) {
    if m.role == nil { return &roleBlob{Role: "unknown"}, nil }
    rl, err := m.role(ctx)
    if err != nil { return nil, err }
    return &roleBlob{Role: rl}, nil
}

func (m *mgmtImpl) Fence(ctx context.Context, in *transport.FenceRequest) (*transport.FenceResponse, error) {
    if in == nil { in = &transport.FenceRequest{} }
    if m.fence == nil { return &transport.FenceResponse{Demoted:false, Error:"fence not supported"}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.fence")
    defer end()
    out, err := m.fence(ctx, *in)
    if err != nil { return &transport.FenceResponse{Demoted:false, Error: err.Error()}, nil }
    return &out, nil
}

func (m *mgmtImpl) Switchover(ctx context.Context, in *transport.SwitchoverRequest) (*transport.SwitchoverResponse, error) {
    if in == nil { in = &transport.SwitchoverRequest{} }
    if m.switchover == nil { return &transport.SwitchoverResponse{Accepted:false, Error:"switchover not supported"}, nil }
    ctx, end := tracing.StartSpan(ctx, "grpc.switchover")
    defer end()
    out, err := m.switchover(ctx, *in)
    if err != nil { return &transport.SwitchoverResponse{Accepted:false, Error: err.Error()}, nil }
    return &out, nil
}

// Service descriptor and handlers (hand-written, no codegen required)
var _Management_serviceDesc = grpc.ServiceDesc{
    ServiceName: "failover.v1.Management",
    HandlerType: (*managementServer)(nil),
    Methods: []grpc.MethodDesc{
        { MethodName: "GetStatus", Handler: _Management_GetStatus_Handler },
        { MethodName: "GetRole", Handler: _Management_GetRole_Handler },
        { MethodName: "Fence", Handler: _Management_Fence_Handler },
        { MethodName: "Switchover", Handler: _Management_Switchover_Handler },
    },
}

func _Management_GetStatus_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
    in := new(empty)
    if err := dec(in); err != nil { return nil, err }
    if interceptor == nil { return srv.(managementServer).GetStatus(ctx, in) }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/failover.v1.Management/GetStatus"}
    handler := func(ctx context.Context, req interface{}) (interface{}, error) {
        return srv.(managementServer).GetStatus(ctx, req.(*empty))
    }
    return interceptor(ctx, in, info, handler)
}

func _Management_GetRole_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
    in := new(empty)
    if err := dec(in); err != nil { return nil, err }
    if interceptor == nil { return srv.(managementServer).GetRole(ctx, in) }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/failover.v1.Management/GetRole"}
    handler := func(ctx context.Context, req interface{}) (interface{}, error) {
        return srv.(managementServer).GetRole(ctx, req.(*empty))
    }
    return interceptor(ctx, in, info, handler)
}

func _Management_Fence_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
    in := new(transport.FenceRequest)
    if err := dec(in); err != nil { return nil, err }
    if interceptor == nil { return srv.(managementServer).Fence(ctx, in) }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/failover.v1.Management/Fence"}
    handler := func(ctx context.Context, req interface{}) (interface{}, error) {
        return srv.(managementServer).Fence(ctx, req.(*transport.FenceRequest))
    }
    return interceptor(ctx, in, info, handler)
}

func _Management_Switchover_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
    in := new(transport.SwitchoverRequest)
    if err := dec(in); err != nil { return nil, err }
    if interceptor == nil { return srv.(managementServer).Switchover(ctx, in) }
    info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/failover.v1.Management/Switchover"}
    handler := func(ctx context.Context, req interface{}) (interface{}, error) {
        return srv.(managementServer).Switchover(ctx, req.(*transport.SwitchoverRequest))
    }
    return interceptor(ctx, in, info, handler)
}

func (s *Server) Start(ctx context.Context, status transport.StatusFunc, role transport.RoleFunc, fence transport.FenceFunc, switchover transport.SwitchoverFunc) error {
    lis, err := net.Listen("tcp", s.bind)
    if err != nil { return err }
    s.lis = lis
    // Force JSON codec to avoid requiring protobuf types
    var opts []grpc.ServerOption
    opts = append(opts, grpc.ForceServerCodec(jsonCodec{}))
    opts = append(opts, grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}))
    opts = append(opts, grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}))
    if s.tlsCfg != nil { opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg))) }
    srv := grpc.NewServer(opts...)
    s.srv = srv
    // Health service (always serving for now)
    healthSrv := health.NewServer()
    healthpb.RegisterHealthServer(srv, healthSrv)
    // Register management service
    srv.RegisterService(&_Management_serviceDesc, &mgmtImpl{status: status, role: role, fence: fence, switchover: switchover})

    go func() {
        <-ctx.Done()
        // Graceful stop with a small timeout fallback
        ch := make(chan struct{})
        go func() { srv.GracefulStop(); close(ch) }()
        select {
        case <-ch:
        case <-time.After(2*time.Second):
            srv.Stop()
        }
    }()
    go func() { _ = srv.Serve(lis) }()
    return nil
}

func (s *Server) Addr() string { return s.bind }

func (s *Server) Stop(ctx context.Context) error {
    if s.srv == nil { return nil }
    ch := make(chan struct{})
    go func() { s.srv.GracefulStop(); close(ch) }()
    select {
    case <-ch:
    case <-ctx.Done():
        s.srv.Stop()
    }
    s.srv = nil
    if s.lis != nil { _ = s.lis.Close(); s.lis = nil }
    return nil
}

var _ transport.RPCServer = (*Server)(nil)
