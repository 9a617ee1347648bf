package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"google.golang.org/genproto/googleapis/api/httpbody"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/zde37/tokenring/internal/ring"
	"github.com/zde37/tokenring/pkg"
)

// Controller is the node surface the control service drives.
type Controller interface {
	Enqueue(dest int, payload string) error
	Status() ring.Status
	Shutdown() error
}

// Compile-time checks
var (
	_ ControlServer = (*GRPCServer)(nil)
	_ Controller    = (*ring.Node)(nil)
)

// GRPCServer exposes a Controller over the gRPC control service.
type GRPCServer struct {
	node      Controller
	server    *grpc.Server
	logger    *pkg.Logger
	authToken string // empty disables authentication

	address  string
	listener net.Listener
	mu       sync.Mutex
}

// NewGRPCServer creates a control server for node that will listen on address.
func NewGRPCServer(node Controller, address string, authToken string, logger *pkg.Logger) (*GRPCServer, error) {
	if node == nil {
		return nil, fmt.Errorf("node cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	return &GRPCServer{
		node:      node,
		address:   address,
		authToken: authToken,
		logger:    logger.WithFields(pkg.Fields{"component": "grpc_server"}),
	}, nil
}

// Start binds the listener and serves in the background.
func (s *GRPCServer) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(1024 * 1024),
		grpc.MaxSendMsgSize(1024 * 1024),
		grpc.UnaryInterceptor(controlAuth(s.authToken, s.logger)),
	}

	server := grpc.NewServer(opts...)
	RegisterControlServer(server, s)
	reflection.Register(server)

	s.mu.Lock()
	s.listener = listener
	s.server = server
	s.mu.Unlock()

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Bool("auth", s.authToken != "").
		Msg("Starting gRPC control server")

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error().Err(err).Msg("gRPC server error")
		}
	}()

	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *GRPCServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops the server.
func (s *GRPCServer) Stop() error {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.mu.Unlock()

	if server == nil {
		return nil
	}

	s.logger.Info().Msg("Stopping gRPC control server")
	server.GracefulStop()
	return nil
}

// Enqueue implements the Enqueue RPC.
func (s *GRPCServer) Enqueue(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	dest, payload, err := ParseEnqueueRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	s.logger.Debug().Int("dest", dest).Msg("Enqueue called")

	if err := s.node.Enqueue(dest, payload); err != nil {
		return nil, toStatusError(err)
	}
	return &emptypb.Empty{}, nil
}

// Status implements the Status RPC.
func (s *GRPCServer) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	s.logger.Debug().Msg("Status called")
	return StatusToProto(s.node.Status()), nil
}

// Report implements the Report RPC.
func (s *GRPCServer) Report(ctx context.Context, _ *emptypb.Empty) (*httpbody.HttpBody, error) {
	s.logger.Debug().Msg("Report called")
	return &httpbody.HttpBody{
		ContentType: ReportContentType,
		Data:        []byte(s.node.Status().Report()),
	}, nil
}

// Shutdown implements the Shutdown RPC. The control server itself keeps
// running; the owner stops it once the node is done.
func (s *GRPCServer) Shutdown(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	s.logger.Info().Msg("Shutdown requested over control plane")

	if err := s.node.Shutdown(); err != nil {
		return nil, toStatusError(err)
	}
	return &emptypb.Empty{}, nil
}

// toStatusError maps node errors onto gRPC status codes.
func toStatusError(err error) error {
	switch {
	case errors.Is(err, pkg.ErrInvalidPayload):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, pkg.ErrNodeStopped):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, pkg.ErrShutdownTimeout):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
