package transport

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genproto/googleapis/api/httpbody"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/zde37/tokenring/internal/ring"
	"github.com/zde37/tokenring/pkg"
)

// ControlClient calls the control service of a single node.
type ControlClient struct {
	conn      *grpc.ClientConn
	address   string
	authToken string
	timeout   time.Duration
	logger    *pkg.Logger
}

// NewControlClient creates a client for the node at address. The
// connection is established lazily on the first call.
func NewControlClient(address, authToken string, timeout time.Duration, logger *pkg.Logger) (*ControlClient, error) {
	if logger == nil {
		logger = pkg.Nop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", address, err)
	}

	return &ControlClient{
		conn:      conn,
		address:   address,
		authToken: authToken,
		timeout:   timeout,
		logger:    logger.WithFields(pkg.Fields{"component": "grpc_client"}),
	}, nil
}

// Address returns the control address this client targets.
func (c *ControlClient) Address() string {
	return c.address
}

// invoke performs one unary call with the auth header and default timeout.
// Errors keep their gRPC status so callers can inspect the code.
func (c *ControlClient) invoke(ctx context.Context, method string, req, resp any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if c.authToken != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, ControlTokenHeader, c.authToken)
	}

	if err := c.conn.Invoke(ctx, method, req, resp); err != nil {
		c.logger.Debug().
			Err(err).
			Str("method", method).
			Str("address", c.address).
			Msg("Control call failed")
		return err
	}
	return nil
}

// Enqueue submits a payload for dest on the remote node.
func (c *ControlClient) Enqueue(ctx context.Context, dest int, payload string) error {
	return c.invoke(ctx, MethodEnqueue, EnqueueRequest(dest, payload), &emptypb.Empty{})
}

// Status fetches the remote node's status.
func (c *ControlClient) Status(ctx context.Context) (ring.Status, error) {
	resp := &structpb.Struct{}
	if err := c.invoke(ctx, MethodStatus, &emptypb.Empty{}, resp); err != nil {
		return ring.Status{}, err
	}
	return ProtoToStatus(resp), nil
}

// Report fetches the remote node's printable status block.
func (c *ControlClient) Report(ctx context.Context) (*httpbody.HttpBody, error) {
	resp := &httpbody.HttpBody{}
	if err := c.invoke(ctx, MethodReport, &emptypb.Empty{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Shutdown asks the remote node to stop.
func (c *ControlClient) Shutdown(ctx context.Context) error {
	return c.invoke(ctx, MethodShutdown, &emptypb.Empty{}, &emptypb.Empty{})
}

// Close closes the underlying connection.
func (c *ControlClient) Close() error {
	return c.conn.Close()
}
