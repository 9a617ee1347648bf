package delivery

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/tokenring/internal/ring"
	"github.com/zde37/tokenring/pkg"
)

func TestLogSink(t *testing.T) {
	buf := &bytes.Buffer{}
	cfg := pkg.DefaultConfig()
	cfg.Format = "json"
	cfg.Console.Writer = buf
	logger, err := pkg.New(cfg)
	require.NoError(t, err)

	sink := NewLogSink(logger)
	err = sink.Deliver(context.Background(), ring.Message{NodeID: 1, Payload: "hello", ReceivedAt: time.Now()})
	require.NoError(t, err)

	assert.Contains(t, buf.String(), `"payload":"hello"`)
	assert.Contains(t, buf.String(), "Message arrived")
}

func TestFanout(t *testing.T) {
	var got []string
	record := func(name string, err error) ring.DeliverySink {
		return ring.DeliveryFunc(func(_ context.Context, msg ring.Message) error {
			got = append(got, name+":"+msg.Payload)
			return err
		})
	}

	boom := errors.New("boom")
	fan := Fanout{record("a", nil), nil, record("b", boom), record("c", nil)}

	err := fan.Deliver(context.Background(), ring.Message{Payload: "x"})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"a:x", "b:x", "c:x"}, got, "later sinks still run after a failure")

	assert.NoError(t, Fanout{}.Deliver(context.Background(), ring.Message{}))
}

func TestNewRedisInbox(t *testing.T) {
	_, err := NewRedisInbox(nil, 0, 0)
	assert.Error(t, err)

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	_, err = NewRedisInbox(client, -1, 0)
	assert.Error(t, err)

	inbox, err := NewRedisInbox(client, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultDeliverTimeout, inbox.timeout)
}

func TestRedisInbox_DeliverTimesOut(t *testing.T) {
	// A server that accepts but never answers.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	var conns []net.Conn
	var connsMu sync.Mutex
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			connsMu.Lock()
			conns = append(conns, conn)
			connsMu.Unlock()
		}
	}()
	defer func() {
		connsMu.Lock()
		defer connsMu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	}()

	client := redis.NewClient(&redis.Options{
		Addr:                  l.Addr().String(),
		ReadTimeout:           time.Minute,
		WriteTimeout:          time.Minute,
		ContextTimeoutEnabled: true,
		MaxRetries:            -1,
	})
	defer client.Close()

	inbox, err := NewRedisInbox(client, 0, 100*time.Millisecond)
	require.NoError(t, err)

	start := time.Now()
	err = inbox.Deliver(context.Background(), ring.Message{NodeID: 1, Payload: "stuck", ReceivedAt: time.Now()})
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestInboxKeys(t *testing.T) {
	assert.Equal(t, "ring:node:3:inbox", InboxKey(3))
	assert.Equal(t, "ring:node:3:delivered", DeliveredChannel(3))
}

// setupRedis connects to REDIS_ADDR (default localhost:6379) on a scratch
// database, skipping the test when no server is reachable.
func setupRedis(t *testing.T) *redis.Client {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("redis not available at %s: %v", addr, err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	return client
}

func TestRedisInbox_Deliver(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	inbox, err := NewRedisInbox(client, 0, time.Second)
	require.NoError(t, err)

	sub := client.Subscribe(ctx, DeliveredChannel(1))
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, inbox.Deliver(ctx, ring.Message{NodeID: 1, Payload: "first", ReceivedAt: now}))
	require.NoError(t, inbox.Deliver(ctx, ring.Message{NodeID: 1, Payload: "second:with:colons", ReceivedAt: now}))

	entries, err := inbox.Messages(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "first", entries[0].Payload)
	assert.Equal(t, "second:with:colons", entries[1].Payload)
	assert.Equal(t, now.UnixMilli(), entries[0].ReceivedAt)

	select {
	case msg := <-sub.Channel():
		assert.Contains(t, msg.Payload, `"payload":"first"`)
	case <-time.After(2 * time.Second):
		t.Fatal("no publish for delivered message")
	}
}

func TestRedisInbox_Trim(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	inbox, err := NewRedisInbox(client, 2, time.Second)
	require.NoError(t, err)

	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, inbox.Deliver(ctx, ring.Message{NodeID: 4, Payload: p, ReceivedAt: time.Now()}))
	}

	entries, err := inbox.Messages(ctx, 4)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].Payload)
	assert.Equal(t, "c", entries[1].Payload)
}
