package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/genproto/googleapis/api/httpbody"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/zde37/tokenring/internal/ring"
	"github.com/zde37/tokenring/internal/transport"
	"github.com/zde37/tokenring/pkg"
)

// ControlPlane is the node control surface the HTTP API forwards to.
// *transport.ControlClient satisfies it.
type ControlPlane interface {
	Enqueue(ctx context.Context, dest int, payload string) error
	Status(ctx context.Context) (ring.Status, error)
	Report(ctx context.Context) (*httpbody.HttpBody, error)
	Shutdown(ctx context.Context) error
}

var _ ControlPlane = (*transport.ControlClient)(nil)

// Server represents the HTTP API gateway server.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	mux        *runtime.ServeMux
	handler    http.Handler
	wsHub      *WebSocketHub
	control    ControlPlane
	logger     *pkg.Logger
	address    string
	mu         sync.Mutex
}

// Config holds the HTTP server configuration.
type Config struct {
	Address string
}

// NewServer creates an HTTP API server that forwards to control.
func NewServer(cfg *Config, control ControlPlane, logger *pkg.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if control == nil {
		return nil, fmt.Errorf("control plane cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	s := &Server{
		control: control,
		address: cfg.Address,
		logger:  logger.WithFields(pkg.Fields{"component": "http_api"}),
		wsHub:   NewWebSocketHub(logger),
	}

	s.mux = runtime.NewServeMux(
		runtime.WithMarshalerOption(runtime.MIMEWildcard, &runtime.HTTPBodyMarshaler{
			Marshaler: &runtime.JSONPb{
				MarshalOptions: protojson.MarshalOptions{
					UseProtoNames:   true,
					EmitUnpopulated: true,
				},
				UnmarshalOptions: protojson.UnmarshalOptions{
					DiscardUnknown: true,
				},
			},
		}),
	)

	routes := []struct {
		method, path string
		handler      runtime.HandlerFunc
	}{
		{http.MethodPost, "/api/v1/messages", s.handleEnqueue},
		{http.MethodGet, "/api/v1/status", s.handleStatus},
		{http.MethodGet, "/api/v1/report", s.handleReport},
		{http.MethodPost, "/api/v1/shutdown", s.handleShutdown},
	}
	for _, r := range routes {
		if err := s.mux.HandlePath(r.method, r.path, r.handler); err != nil {
			return nil, fmt.Errorf("failed to register %s %s: %w", r.method, r.path, err)
		}
	}

	httpMux := http.NewServeMux()
	httpMux.Handle("/api/", corsMiddleware(s.mux))
	httpMux.HandleFunc("/api/ws", s.wsHub.HandleWebSocket)
	httpMux.HandleFunc("/health", s.healthHandler)
	s.handler = httpMux

	return s, nil
}

// Hub returns the event hub, which implements ring.EventBroadcaster.
func (s *Server) Hub() *WebSocketHub {
	return s.wsHub
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.wsHub.Start()

	httpServer := &http.Server{
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.mu.Lock()
	s.listener = listener
	s.httpServer = httpServer
	s.mu.Unlock()

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Msg("Starting HTTP API server")

	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops the HTTP server and the event hub.
func (s *Server) Stop() error {
	s.mu.Lock()
	httpServer := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()

	if httpServer == nil {
		return nil
	}

	s.logger.Info().Msg("Stopping HTTP API server")
	s.wsHub.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	s.logger.Info().Msg("HTTP API server stopped")
	return nil
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	ctx, inbound, outbound := s.prepare(r)

	req := &structpb.Struct{}
	if err := inbound.NewDecoder(r.Body).Decode(req); err != nil {
		s.fail(ctx, outbound, w, r, status.Errorf(codes.InvalidArgument, "invalid request body: %v", err))
		return
	}

	dest, payload, err := transport.ParseEnqueueRequest(req)
	if err != nil {
		s.fail(ctx, outbound, w, r, status.Error(codes.InvalidArgument, err.Error()))
		return
	}

	if err := s.control.Enqueue(ctx, dest, payload); err != nil {
		s.fail(ctx, outbound, w, r, err)
		return
	}
	s.respond(ctx, outbound, w, r, &emptypb.Empty{})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	ctx, _, outbound := s.prepare(r)

	st, err := s.control.Status(ctx)
	if err != nil {
		s.fail(ctx, outbound, w, r, err)
		return
	}
	s.respond(ctx, outbound, w, r, transport.StatusToProto(st))
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	ctx, _, outbound := s.prepare(r)

	body, err := s.control.Report(ctx)
	if err != nil {
		s.fail(ctx, outbound, w, r, err)
		return
	}
	s.respond(ctx, outbound, w, r, body)
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	ctx, _, outbound := s.prepare(r)

	s.logger.Info().Str("remote", r.RemoteAddr).Msg("Shutdown requested over HTTP")
	if err := s.control.Shutdown(ctx); err != nil {
		s.fail(ctx, outbound, w, r, err)
		return
	}
	s.respond(ctx, outbound, w, r, &emptypb.Empty{})
}

// prepare returns the request context carrying empty server metadata and
// the marshalers negotiated for r.
func (s *Server) prepare(r *http.Request) (context.Context, runtime.Marshaler, runtime.Marshaler) {
	inbound, outbound := runtime.MarshalerForRequest(s.mux, r)
	ctx := runtime.NewServerMetadataContext(r.Context(), runtime.ServerMetadata{})
	return ctx, inbound, outbound
}

func (s *Server) respond(ctx context.Context, m runtime.Marshaler, w http.ResponseWriter, r *http.Request, resp proto.Message) {
	runtime.ForwardResponseMessage(ctx, s.mux, m, w, r, resp)
}

func (s *Server) fail(ctx context.Context, m runtime.Marshaler, w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Debug().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	runtime.HTTPError(ctx, s.mux, m, w, r, err)
}

// healthHandler handles health check requests.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		h.ServeHTTP(w, r)
	})
}
