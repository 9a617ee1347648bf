package ring

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zde37/tokenring/internal/config"
	"github.com/zde37/tokenring/pkg"
)

// recordingSender captures every line handed to it, or fails with err.
type recordingSender struct {
	mu    sync.Mutex
	lines []string
	err   error
}

func (s *recordingSender) Send(f Frame) error {
	return s.SendLine(f.Encode())
}

func (s *recordingSender) SendLine(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.lines = append(s.lines, line)
	return nil
}

func (s *recordingSender) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *recordingSender) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.lines))
	copy(out, s.lines)
	return out
}

// inbox is a DeliverySink that records delivered payloads.
type inbox struct {
	mu       sync.Mutex
	messages []Message
}

func (i *inbox) Deliver(_ context.Context, msg Message) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.messages = append(i.messages, msg)
	return nil
}

func (i *inbox) Payloads() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]string, len(i.messages))
	for idx, m := range i.messages {
		out[idx] = m.Payload
	}
	return out
}

// eventLog is an EventBroadcaster that records event types.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (e *eventLog) BroadcastEvent(event Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
	return nil
}

func (e *eventLog) count(eventType string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

// stalledSuccessor accepts connections and never reads from them.
type stalledSuccessor struct {
	listener net.Listener
	mu       sync.Mutex
	conns    []net.Conn
}

func newStalledSuccessor(t *testing.T, addr string) *stalledSuccessor {
	t.Helper()
	l, err := net.Listen("tcp", addr)
	require.NoError(t, err)

	s := &stalledSuccessor{listener: l}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.conns = append(s.conns, conn)
			s.mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		l.Close()
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, c := range s.conns {
			c.Close()
		}
	})
	return s
}

func (s *stalledSuccessor) accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func testLogger(t *testing.T) *pkg.Logger {
	t.Helper()
	cfg := pkg.DefaultConfig()
	cfg.Level = "error"
	logger, err := pkg.New(cfg)
	require.NoError(t, err)
	return logger
}

// freeBasePort finds n consecutive free loopback ports.
func freeBasePort(t *testing.T, n int) int {
	t.Helper()

	for attempt := 0; attempt < 50; attempt++ {
		probe, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		base := probe.Addr().(*net.TCPAddr).Port
		probe.Close()

		if base+n > 65535 {
			continue
		}

		var held []net.Listener
		ok := true
		for i := 0; i < n; i++ {
			l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", base+i))
			if err != nil {
				ok = false
				break
			}
			held = append(held, l)
		}
		for _, l := range held {
			l.Close()
		}
		if ok {
			return base
		}
	}

	t.Fatal("could not find a free port range")
	return 0
}

func testConfig(id, size, basePort int) *config.Config {
	cfg := config.DefaultConfig()
	cfg.NodeID = id
	cfg.RingSize = size
	cfg.Host = "127.0.0.1"
	cfg.BasePort = basePort
	cfg.StartupDelay = 0
	cfg.ConnectAttempts = 100
	cfg.ConnectBackoff = 20 * time.Millisecond
	cfg.TokenHold = 50 * time.Millisecond
	cfg.SendPacing = 5 * time.Millisecond
	cfg.StatusInterval = 0
	cfg.ShutdownGrace = 2 * time.Second
	return cfg
}

func createTestNode(t *testing.T, cfg *config.Config, sink DeliverySink) *Node {
	t.Helper()

	node, err := NewNode(cfg, testLogger(t), sink)
	require.NoError(t, err)
	require.NotNil(t, node)
	t.Cleanup(func() { node.Shutdown() })

	return node
}
