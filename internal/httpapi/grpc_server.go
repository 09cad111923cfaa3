package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"helpdesk.org/internal/auth"
	"helpdesk.org/internal/introspect"
)

const (
	introspectionService = introspect.ServiceName
	serviceKeyMetadata   = introspect.KeyMetadata
)

// IntrospectionServer answers token introspection calls from internal services.
type IntrospectionServer interface {
	Introspect(ctx context.Context, token *wrapperspb.StringValue) (*structpb.Struct, error)
}

var introspectionDesc = grpc.ServiceDesc{
	ServiceName: introspectionService,
	HandlerType: (*IntrospectionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Introspect", Handler: introspectHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "helpdesk/auth/v1/introspection.proto",
}

func introspectHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IntrospectionServer).Introspect(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + introspectionService + "/Introspect"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(IntrospectionServer).Introspect(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

// GRPCServer implements token introspection and the standard health service.
type GRPCServer struct {
	guard     *auth.Guard
	keys      [][]byte
	readiness ReadyProbe
	health    *health.Server
}

// NewGRPCServer creates the gRPC service wrapper. Calls are refused unless
// they carry one of serviceKeys.
func NewGRPCServer(guard *auth.Guard, readiness ReadyProbe, serviceKeys []string) *GRPCServer {
	s := &GRPCServer{guard: guard, readiness: readiness, health: health.NewServer()}
	for _, k := range serviceKeys {
		if k = strings.TrimSpace(k); k != "" {
			s.keys = append(s.keys, []byte(k))
		}
	}
	return s
}

// Register attaches the introspection and health services to server.
func (s *GRPCServer) Register(server *grpc.Server) {
	server.RegisterService(&introspectionDesc, s)
	healthpb.RegisterHealthServer(server, s.health)
}

// UpdateHealth publishes readiness to the health service.
func (s *GRPCServer) UpdateHealth(ctx context.Context) error {
	st := healthpb.HealthCheckResponse_SERVING
	err := s.readiness.Check(ctx)
	if err != nil {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(introspectionService, st)
	return err
}

// Shutdown marks every service as not serving.
func (s *GRPCServer) Shutdown() {
	s.health.Shutdown()
}

func (s *GRPCServer) authorize(ctx context.Context) error {
	if len(s.keys) == 0 {
		return status.Error(codes.PermissionDenied, "introspection is disabled")
	}
	md, _ := metadata.FromIncomingContext(ctx)
	for _, presented := range md.Get(serviceKeyMetadata) {
		for _, k := range s.keys {
			if subtle.ConstantTimeCompare([]byte(presented), k) == 1 {
				return nil
			}
		}
	}
	return status.Error(codes.Unauthenticated, "service key required")
}

// Introspect validates an access token the same way the HTTP guard does.
// Invalid tokens are reported in the payload, not as call errors.
func (s *GRPCServer) Introspect(ctx context.Context, token *wrapperspb.StringValue) (*structpb.Struct, error) {
	if err := s.authorize(ctx); err != nil {
		return nil, err
	}
	p, err := s.guard.Authenticate(ctx, strings.TrimSpace(token.GetValue()))
	if err != nil {
		code := auth.CodeOf(err)
		if code == auth.CodeInternal || errors.Is(err, context.Canceled) {
			return nil, status.Error(codes.Unavailable, "token check unavailable")
		}
		return structpb.NewStruct(map[string]any{
			"active": false,
			"error":  string(code),
		})
	}
	fields := map[string]any{
		"active":     true,
		"user_id":    p.UserID,
		"email":      p.Email,
		"session_id": p.SessionID,
		"role":       nil,
		"company_id": nil,
		"expires_at": p.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if p.Context != nil {
		fields["role"] = string(p.Context.Role)
		if p.Context.CompanyID != "" {
			fields["company_id"] = p.Context.CompanyID
		}
	}
	return structpb.NewStruct(fields)
}
