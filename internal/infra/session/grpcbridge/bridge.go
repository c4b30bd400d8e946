// Package grpcbridge implements the session capability against a gateway
// process that owns the messaging protocol. Requests and responses are
// google.protobuf.Struct messages, so no generated stubs are needed.
package grpcbridge

import (
	"context"
	"crypto/tls"
	"fmt"
	"math"
	"strings"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vietddude/swarm/internal/core/domain"
	"github.com/vietddude/swarm/internal/infra/session"
)

// Service is the fully qualified gateway service name.
const Service = "swarm.session.v1.SessionGateway"

// DefaultTimeout bounds a single gateway call.
const DefaultTimeout = 30 * time.Second

// Dial opens a connection to the gateway. https:// or :443 endpoints use TLS.
func Dial(endpoint string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	target := endpoint
	if strings.HasPrefix(endpoint, "https://") || strings.HasSuffix(endpoint, ":443") {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{})))
		target = strings.TrimPrefix(target, "https://")
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
		target = strings.TrimPrefix(target, "http://")
	}

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial session gateway %s: %w", target, err)
	}
	return conn, nil
}

// Factory builds gateway-backed clients over one shared connection.
type Factory struct {
	conn    grpc.ClientConnInterface
	timeout time.Duration
}

func NewFactory(conn grpc.ClientConnInterface, timeout time.Duration) *Factory {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Factory{conn: conn, timeout: timeout}
}

func (f *Factory) New(account domain.Account) (session.Client, error) {
	if account.SessionCredential == "" {
		return nil, &session.Error{Code: "AUTH_KEY_UNREGISTERED", Message: "account has no session credential"}
	}
	return &Client{conn: f.conn, timeout: f.timeout, account: account}, nil
}

// Client is one account's gateway session.
type Client struct {
	conn    grpc.ClientConnInterface
	timeout time.Duration
	account domain.Account
	handle  string
}

func (c *Client) Connect(ctx context.Context) error {
	resp, err := c.call(ctx, "Connect", map[string]any{
		"account_id": c.account.ID,
		"credential": c.account.SessionCredential,
	})
	if err != nil {
		return err
	}
	c.handle = stringField(resp, "session")
	if c.handle == "" {
		return fmt.Errorf("gateway returned no session handle for account %d", c.account.ID)
	}
	return nil
}

func (c *Client) ResolveEntity(ctx context.Context, ref string) (session.Entity, error) {
	resp, err := c.call(ctx, "ResolveEntity", map[string]any{
		"session": c.handle,
		"ref":     ref,
	})
	if err != nil {
		return session.Entity{}, err
	}
	return session.Entity{
		ID:    int64Field(resp, "id"),
		Ref:   ref,
		Title: stringField(resp, "title"),
		Kind:  stringField(resp, "kind"),
	}, nil
}

func (c *Client) Invoke(ctx context.Context, action session.Action) (session.Result, error) {
	resp, err := c.call(ctx, "Invoke", map[string]any{
		"session":    c.handle,
		"kind":       string(action.Kind),
		"target_id":  action.Target.ID,
		"target_ref": action.Target.Ref,
		"user_ref":   action.UserRef,
		"message_id": action.MessageID,
		"emoji":      action.Emoji,
		"limit":      action.Limit,
	})
	if err != nil {
		return session.Result{}, err
	}

	res := session.Result{}
	if v, ok := resp.GetFields()["is_participant"]; ok {
		res.IsParticipant = v.GetBoolValue()
	}
	for _, v := range resp.GetFields()["participants"].GetListValue().GetValues() {
		res.Participants = append(res.Participants, v.GetStringValue())
	}
	for _, v := range resp.GetFields()["message_ids"].GetListValue().GetValues() {
		res.MessageIDs = append(res.MessageIDs, int64(v.GetNumberValue()))
	}
	return res, nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	if c.handle == "" {
		return nil
	}
	_, err := c.call(ctx, "Disconnect", map[string]any{"session": c.handle})
	c.handle = ""
	return err
}

func (c *Client) call(ctx context.Context, method string, req map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, "/"+Service+"/"+method, in, out); err != nil {
		return nil, FromStatus(err)
	}
	return out, nil
}

// FromStatus converts a gRPC error into a *session.Error. ErrorInfo.Reason
// becomes the code and RetryInfo the wait; without details the status code
// is translated into wording the failure classifier understands.
func FromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	se := &session.Error{Message: st.Message()}
	for _, d := range st.Details() {
		switch info := d.(type) {
		case *errdetails.ErrorInfo:
			se.Code = info.GetReason()
		case *errdetails.RetryInfo:
			se.WaitSeconds = int(math.Ceil(info.GetRetryDelay().AsDuration().Seconds()))
		}
	}
	if se.Code != "" {
		return se
	}

	switch st.Code() {
	case codes.DeadlineExceeded:
		se.Message = "timeout: " + st.Message()
	case codes.Unavailable:
		se.Message = "connection unavailable: " + st.Message()
	case codes.ResourceExhausted:
		se.Message = "too many requests: " + st.Message()
	case codes.Unauthenticated:
		se.Code = "SESSION_REVOKED"
	case codes.Canceled:
		return context.Canceled
	}
	return se
}

func stringField(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func int64Field(s *structpb.Struct, key string) int64 {
	return int64(s.GetFields()[key].GetNumberValue())
}
