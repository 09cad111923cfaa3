// Package introspect is the client other helpdesk services use to validate
// access tokens against the auth service over gRPC.
package introspect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"helpdesk.org/internal/auth"
)

const (
	ServiceName = "helpdesk.auth.v1.Introspection"
	KeyMetadata = "x-service-key"

	introspectMethod = "/" + ServiceName + "/Introspect"
)

var (
	// ErrUnauthorized means the service key was missing or rejected.
	ErrUnauthorized = errors.New("introspect: service key rejected")
	// ErrUnavailable means the auth service could not decide.
	ErrUnavailable = errors.New("introspect: auth service unavailable")
)

// Result is the decoded introspection answer.
type Result struct {
	Active    bool
	UserID    string
	Email     string
	SessionID string
	Role      auth.RoleCode
	CompanyID string
	ExpiresAt time.Time
	// Error carries the rejection code when Active is false.
	Error auth.Code
}

// Client wraps a connection to the introspection service.
type Client struct {
	conn *grpc.ClientConn
	key  string
}

// Dial creates a client. Without options the transport is insecure.
func Dial(target, serviceKey string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, key: serviceKey}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Introspect asks the auth service whether token is currently valid.
func (c *Client) Introspect(ctx context.Context, token string) (Result, error) {
	ctx = metadata.AppendToOutgoingContext(ctx, KeyMetadata, c.key)
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, introspectMethod, wrapperspb.String(token), out); err != nil {
		return Result{}, mapIntrospectError(err)
	}
	return decodeResult(out)
}

func mapIntrospectError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unauthenticated, codes.PermissionDenied:
		return fmt.Errorf("%w: %s", ErrUnauthorized, st.Message())
	case codes.Unavailable, codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", ErrUnavailable, st.Message())
	default:
		return err
	}
}

func decodeResult(s *structpb.Struct) (Result, error) {
	f := s.GetFields()
	res := Result{
		Active:    f["active"].GetBoolValue(),
		UserID:    f["user_id"].GetStringValue(),
		Email:     f["email"].GetStringValue(),
		SessionID: f["session_id"].GetStringValue(),
		Role:      auth.RoleCode(f["role"].GetStringValue()),
		CompanyID: f["company_id"].GetStringValue(),
		Error:     auth.Code(f["error"].GetStringValue()),
	}
	if raw := f["expires_at"].GetStringValue(); raw != "" {
		exp, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return Result{}, fmt.Errorf("introspect: expires_at: %w", err)
		}
		res.ExpiresAt = exp
	}
	return res, nil
}
