package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"carecoord.org/internal/obs"
	"carecoord.org/internal/policy"
)

const policyStatusService = "carecoord.v1.PolicyStatus"

// PolicyStatusServer reports the active policy over gRPC.
type PolicyStatusServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

var policyStatusDesc = grpc.ServiceDesc{
	ServiceName: policyStatusService,
	HandlerType: (*PolicyStatusServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStatus", Handler: getStatusHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "carecoord/v1/policy_status.proto",
}

func getStatusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PolicyStatusServer).GetStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + policyStatusService + "/GetStatus"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PolicyStatusServer).GetStatus(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// GRPCServer implements grpc.health.v1 and carecoord.v1.PolicyStatus.
type GRPCServer struct {
	healthpb.UnimplementedHealthServer

	readiness readinessChecker
	policies  *policy.ActivePolicySet
	version   string
}

// NewGRPCServer creates the gRPC service wrapper.
func NewGRPCServer(r readinessChecker, policies *policy.ActivePolicySet, version string) *GRPCServer {
	if r == nil {
		r = ReadyProbe{}
	}
	return &GRPCServer{readiness: r, policies: policies, version: version}
}

// Register installs both services on s.
func (s *GRPCServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s)
	srv.RegisterService(&policyStatusDesc, s)
}

// Check evaluates readiness for the server as a whole or a named service.
func (s *GRPCServer) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	switch req.GetService() {
	case "", policyStatusService:
	default:
		return nil, status.Errorf(codes.NotFound, "unknown service %q", req.GetService())
	}
	if err := s.readiness.Check(ctx); err != nil {
		obs.SetReady(false)
		return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, nil
	}
	obs.SetReady(true)
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
}

// GetStatus returns the active policy snapshot.
func (s *GRPCServer) GetStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	snap := s.policies.Current()
	if snap == nil {
		return nil, status.Error(codes.Unavailable, "no policy loaded")
	}
	return structpb.NewStruct(map[string]any{
		"service":        serviceName,
		"version":        s.version,
		"policy_version": snap.Version,
		"label":          snap.Label,
		"revision":       int64(snap.Revision),
		"digest":         snap.Digest,
		"origin":         snap.Origin,
		"loaded_at":      snap.LoadedAt.UTC().Format(time.RFC3339Nano),
		"rule_count":     snap.RuleCount(),
		"history":        toAnySlice(s.policies.History()),
	})
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
