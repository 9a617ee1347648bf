package delivery

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/tokenring/internal/ring"
	"github.com/zde37/tokenring/pkg"
)

func TestMemoryInbox_Defaults(t *testing.T) {
	mi := NewMemoryInbox(nil)
	defer mi.Close()

	assert.Equal(t, 100, mi.capacity)
	assert.Zero(t, mi.ttl)
	assert.Empty(t, mi.Recent())
}

func TestMemoryInbox_DeliverAndRecent(t *testing.T) {
	mi := NewMemoryInbox(&MemoryConfig{Capacity: 3})
	defer mi.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, mi.Deliver(ctx, ring.Message{NodeID: 1, Payload: fmt.Sprintf("m%d", i), ReceivedAt: time.Now()}))
	}

	var payloads []string
	for _, m := range mi.Recent() {
		payloads = append(payloads, m.Payload)
	}
	assert.Equal(t, []string{"m2", "m3", "m4"}, payloads, "oldest messages are evicted first")

	stats := mi.Stats()
	assert.Equal(t, int64(5), stats.Delivered)
	assert.Equal(t, int64(2), stats.Evicted)
	assert.Equal(t, 3, stats.Held)
}

func TestMemoryInbox_TTL(t *testing.T) {
	mi := NewMemoryInbox(&MemoryConfig{TTL: time.Minute, CleanupInterval: 10 * time.Millisecond})
	defer mi.Close()
	ctx := context.Background()

	require.NoError(t, mi.Deliver(ctx, ring.Message{Payload: "old", ReceivedAt: time.Now().Add(-2 * time.Minute)}))
	require.NoError(t, mi.Deliver(ctx, ring.Message{Payload: "new", ReceivedAt: time.Now()}))

	recent := mi.Recent()
	require.Len(t, recent, 1)
	assert.Equal(t, "new", recent[0].Payload)

	assert.Eventually(t, func() bool {
		return mi.Stats().Expired == 1 && mi.Stats().Held == 1
	}, time.Second, 5*time.Millisecond)
}

func TestMemoryInbox_Closed(t *testing.T) {
	mi := NewMemoryInbox(nil)
	require.NoError(t, mi.Close())
	require.NoError(t, mi.Close())

	err := mi.Deliver(context.Background(), ring.Message{Payload: "late"})
	assert.ErrorIs(t, err, pkg.ErrNodeStopped)
}

func TestMemoryInbox_CanceledContext(t *testing.T) {
	mi := NewMemoryInbox(nil)
	defer mi.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, mi.Deliver(ctx, ring.Message{}), context.Canceled)
}

func TestMemoryInbox_Concurrent(t *testing.T) {
	mi := NewMemoryInbox(&MemoryConfig{Capacity: 1000})
	defer mi.Close()

	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				mi.Deliver(context.Background(), ring.Message{Payload: "x", ReceivedAt: time.Now()})
				mi.Recent()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(500), mi.Stats().Delivered)
	assert.Len(t, mi.Recent(), 500)
}
