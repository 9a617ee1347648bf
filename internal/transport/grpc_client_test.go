package transport

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/zde37/tokenring/internal/config"
	"github.com/zde37/tokenring/internal/ring"
	"github.com/zde37/tokenring/pkg"
)

type enqueued struct {
	dest    int
	payload string
}

// fakeNode is a Controller that records calls.
type fakeNode struct {
	mu          sync.Mutex
	sent        []enqueued
	status      ring.Status
	enqueueErr  error
	shutdownErr error
	shutdowns   int
}

func (f *fakeNode) Enqueue(dest int, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return f.enqueueErr
	}
	f.sent = append(f.sent, enqueued{dest, payload})
	return nil
}

func (f *fakeNode) Status() ring.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeNode) Shutdown() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
	return f.shutdownErr
}

func (f *fakeNode) calls() []enqueued {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]enqueued(nil), f.sent...)
}

func createTestServer(t *testing.T, node Controller, authToken string) *GRPCServer {
	t.Helper()

	server, err := NewGRPCServer(node, "127.0.0.1:0", authToken, pkg.Nop())
	require.NoError(t, err)
	require.NoError(t, server.Start())
	t.Cleanup(func() { server.Stop() })
	return server
}

func createTestClient(t *testing.T, server *GRPCServer, authToken string) *ControlClient {
	t.Helper()

	client, err := NewControlClient(server.Addr().String(), authToken, 2*time.Second, pkg.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestNewGRPCServer(t *testing.T) {
	_, err := NewGRPCServer(nil, "127.0.0.1:0", "", pkg.Nop())
	assert.ErrorContains(t, err, "node cannot be nil")

	_, err = NewGRPCServer(&fakeNode{}, "127.0.0.1:0", "", nil)
	assert.ErrorContains(t, err, "logger cannot be nil")

	server, err := NewGRPCServer(&fakeNode{}, "127.0.0.1:0", "", pkg.Nop())
	require.NoError(t, err)
	assert.Nil(t, server.Addr())
	assert.NoError(t, server.Stop(), "stop before start is a no-op")
}

func TestControl_RoundTrip(t *testing.T) {
	node := &fakeNode{status: ring.Status{
		NodeID:             2,
		RingSize:           4,
		HasToken:           true,
		TokenState:         "draining",
		QueueLength:        3,
		LinkState:          "connected",
		LinkConnected:      true,
		InboundConnections: 1,
		SuccessorAddr:      "localhost:8003",
	}}
	server := createTestServer(t, node, "")
	client := createTestClient(t, server, "")
	ctx := context.Background()

	t.Run("enqueue", func(t *testing.T) {
		require.NoError(t, client.Enqueue(ctx, 1, "hello:world"))
		assert.Equal(t, []enqueued{{1, "hello:world"}}, node.calls())
	})

	t.Run("status", func(t *testing.T) {
		got, err := client.Status(ctx)
		require.NoError(t, err)
		assert.Equal(t, node.status, got)
	})

	t.Run("report", func(t *testing.T) {
		body, err := client.Report(ctx)
		require.NoError(t, err)
		assert.Equal(t, ReportContentType, body.GetContentType())
		assert.Contains(t, string(body.GetData()), "NODE 2 STATUS")
		assert.Contains(t, string(body.GetData()), "Queued messages: 3")
	})

	t.Run("shutdown", func(t *testing.T) {
		require.NoError(t, client.Shutdown(ctx))
		assert.Equal(t, 1, node.shutdowns)
	})
}

func TestControl_ErrorCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code codes.Code
	}{
		{"invalid payload", fmt.Errorf("%w: newline", pkg.ErrInvalidPayload), codes.InvalidArgument},
		{"stopped", pkg.ErrNodeStopped, codes.Unavailable},
		{"other", fmt.Errorf("disk on fire"), codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := &fakeNode{enqueueErr: tt.err}
			client := createTestClient(t, createTestServer(t, node, ""), "")

			err := client.Enqueue(context.Background(), 0, "x")
			assert.Equal(t, tt.code, status.Code(err))
		})
	}

	t.Run("shutdown timeout", func(t *testing.T) {
		node := &fakeNode{shutdownErr: pkg.ErrShutdownTimeout}
		client := createTestClient(t, createTestServer(t, node, ""), "")

		err := client.Shutdown(context.Background())
		assert.Equal(t, codes.DeadlineExceeded, status.Code(err))
	})
}

func TestControl_Auth(t *testing.T) {
	node := &fakeNode{}
	server := createTestServer(t, node, "secret")
	ctx := context.Background()

	t.Run("missing token", func(t *testing.T) {
		client := createTestClient(t, server, "")
		_, err := client.Status(ctx)
		assert.Equal(t, codes.Unauthenticated, status.Code(err))
		assert.Contains(t, status.Convert(err).Message(), MethodStatus)
	})

	t.Run("wrong token", func(t *testing.T) {
		client := createTestClient(t, server, "guess")
		err := client.Enqueue(ctx, 0, "x")
		assert.Equal(t, codes.Unauthenticated, status.Code(err))
		assert.Contains(t, status.Convert(err).Message(), "rejected for "+MethodEnqueue)
		assert.Empty(t, node.calls())
	})

	t.Run("valid token", func(t *testing.T) {
		client := createTestClient(t, server, "secret")
		require.NoError(t, client.Enqueue(ctx, 0, "x"))
		assert.Len(t, node.calls(), 1)
	})
}

func TestControlToken(t *testing.T) {
	_, ok := controlToken(context.Background())
	assert.False(t, ok)

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-other", "v"))
	_, ok = controlToken(ctx)
	assert.False(t, ok)

	ctx = metadata.NewIncomingContext(context.Background(), metadata.Pairs(ControlTokenHeader, "first", ControlTokenHeader, "second"))
	token, ok := controlToken(ctx)
	assert.True(t, ok)
	assert.Equal(t, "first", token)
}

func TestControl_AgainstRingNode(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.NodeID = 1
	cfg.RingSize = 3

	// Never started, so everything submitted waits in the queue.
	node, err := ring.NewNode(cfg, pkg.Nop(), nil)
	require.NoError(t, err)
	defer node.Shutdown()

	client := createTestClient(t, createTestServer(t, node, ""), "")
	ctx := context.Background()

	require.NoError(t, client.Enqueue(ctx, 2, "queued"))

	err = client.Enqueue(ctx, 2, "bad\npayload")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	got, err := client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, got.NodeID)
	assert.Equal(t, 3, got.RingSize)
	assert.False(t, got.HasToken)
	assert.Equal(t, 1, got.QueueLength)
	assert.Equal(t, "localhost:8002", got.SuccessorAddr)

	require.NoError(t, client.Shutdown(ctx))
	assert.True(t, node.IsShutdown())

	err = client.Enqueue(ctx, 2, "late")
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestParseEnqueueRequest(t *testing.T) {
	tests := []struct {
		name    string
		fields  map[string]any
		dest    int
		payload string
		wantErr string
	}{
		{"valid", map[string]any{"dest": 3, "payload": "hi"}, 3, "hi", ""},
		{"empty payload", map[string]any{"dest": 0, "payload": ""}, 0, "", ""},
		{"missing dest", map[string]any{"payload": "hi"}, 0, "", "dest is required"},
		{"string dest", map[string]any{"dest": "3", "payload": "hi"}, 0, "", "dest must be a number"},
		{"fractional dest", map[string]any{"dest": 1.5, "payload": "hi"}, 0, "", "dest must be an integer"},
		{"missing payload", map[string]any{"dest": 1}, 0, "", "payload is required"},
		{"numeric payload", map[string]any{"dest": 1, "payload": 7}, 0, "", "payload must be a string"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := structpb.NewStruct(tt.fields)
			require.NoError(t, err)

			dest, payload, err := ParseEnqueueRequest(req)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.dest, dest)
			assert.Equal(t, tt.payload, payload)
		})
	}

	_, _, err := ParseEnqueueRequest(nil)
	assert.Error(t, err)
}

func TestEnqueueRequest(t *testing.T) {
	dest, payload, err := ParseEnqueueRequest(EnqueueRequest(-2, "x:y"))
	require.NoError(t, err)
	assert.Equal(t, -2, dest)
	assert.Equal(t, "x:y", payload)
}
