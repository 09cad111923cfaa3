package httpapi

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const bufSize = 1024 * 1024

func startBufGRPC(t *testing.T, srv *GRPCServer) *grpc.ClientConn {
	t.Helper()

	listener := bufconn.Listen(bufSize)
	server := grpc.NewServer()
	srv.Register(server)

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("grpc serve error: %v", err)
		}
	}()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.DialContext(ctx)
	}
	conn, err := grpc.NewClient(
		"passthrough:///bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}

	t.Cleanup(func() {
		server.GracefulStop()
		_ = conn.Close()
		_ = listener.Close()
	})
	return conn
}

func callIntrospect(ctx context.Context, conn *grpc.ClientConn, token, key string) (*structpb.Struct, error) {
	if key != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, serviceKeyMetadata, key)
	}
	out := new(structpb.Struct)
	err := conn.Invoke(ctx, "/"+introspectionService+"/Introspect", wrapperspb.String(token), out)
	return out, err
}

func TestGRPCIntrospection(t *testing.T) {
	c := newTestAPI(t)
	srv := NewGRPCServer(c.svc.Guard(), ReadyProbe{}, []string{"svc-key"})
	conn := startBufGRPC(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reg := c.register("grpc@example.com")
	resp, err := callIntrospect(ctx, conn, reg.AccessToken, "svc-key")
	if err != nil {
		t.Fatalf("Introspect error: %v", err)
	}
	fields := resp.GetFields()
	if !fields["active"].GetBoolValue() || fields["user_id"].GetStringValue() != reg.User.ID {
		t.Fatalf("unexpected introspection: %v", resp)
	}
	if fields["role"].GetStringValue() != "USER" || fields["session_id"].GetStringValue() != reg.SessionID {
		t.Fatalf("unexpected context fields: %v", resp)
	}
	if _, ok := fields["company_id"].GetKind().(*structpb.Value_NullValue); !ok {
		t.Fatalf("expected null company_id, got %v", fields["company_id"])
	}

	resp, err = callIntrospect(ctx, conn, "garbage", "svc-key")
	if err != nil {
		t.Fatalf("Introspect error: %v", err)
	}
	if resp.GetFields()["active"].GetBoolValue() || resp.GetFields()["error"].GetStringValue() != "TOKEN_INVALID" {
		t.Fatalf("expected inactive token, got %v", resp)
	}

	_, err = callIntrospect(ctx, conn, reg.AccessToken, "wrong-key")
	if st, ok := status.FromError(err); !ok || st.Code() != codes.Unauthenticated {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
}

func TestGRPCIntrospectionDisabledWithoutKeys(t *testing.T) {
	c := newTestAPI(t)
	conn := startBufGRPC(t, NewGRPCServer(c.svc.Guard(), ReadyProbe{}, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := callIntrospect(ctx, conn, "anything", "any-key")
	if st, ok := status.FromError(err); !ok || st.Code() != codes.PermissionDenied {
		t.Fatalf("expected permission denied, got %v", err)
	}
}

func TestGRPCHealth(t *testing.T) {
	healthy := true
	probe := ReadyProbe{Checks: map[string]func(context.Context) error{
		"postgres": func(context.Context) error {
			if healthy {
				return nil
			}
			return errors.New("boom")
		},
	}}
	srv := NewGRPCServer(nil, probe, nil)
	conn := startBufGRPC(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client := healthpb.NewHealthClient(conn)

	if err := srv.UpdateHealth(ctx); err != nil {
		t.Fatalf("UpdateHealth: %v", err)
	}
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: introspectionService})
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("unexpected status: %s", resp.GetStatus())
	}

	healthy = false
	if err := srv.UpdateHealth(ctx); err == nil {
		t.Fatal("expected readiness error")
	}
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("unexpected status: %s", resp.GetStatus())
	}
}
