package delivery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zde37/tokenring/internal/ring"
	"github.com/zde37/tokenring/pkg"
)

// MemoryConfig holds configuration for the in-memory inbox.
type MemoryConfig struct {
	// Capacity is the number of messages kept; older ones are evicted.
	// Default is 100.
	Capacity int

	// TTL drops messages older than this. 0 keeps them until evicted.
	TTL time.Duration

	// CleanupInterval determines how often expired messages are removed.
	// Default is 1 minute.
	CleanupInterval time.Duration
}

// MemoryStats reports inbox activity.
type MemoryStats struct {
	Delivered int64
	Evicted   int64
	Expired   int64
	Held      int
}

// MemoryInbox keeps the most recent delivered messages in process.
type MemoryInbox struct {
	mu       sync.RWMutex
	messages []ring.Message
	capacity int
	ttl      time.Duration

	cleanupTicker *time.Ticker
	done          chan struct{}
	closed        atomic.Bool

	delivered atomic.Int64
	evicted   atomic.Int64
	expired   atomic.Int64
}

var _ ring.DeliverySink = (*MemoryInbox)(nil)

// NewMemoryInbox creates an inbox. If config is nil, default values are used.
func NewMemoryInbox(config *MemoryConfig) *MemoryInbox {
	capacity := 100
	cleanupInterval := time.Minute
	var ttl time.Duration
	if config != nil {
		if config.Capacity > 0 {
			capacity = config.Capacity
		}
		if config.CleanupInterval > 0 {
			cleanupInterval = config.CleanupInterval
		}
		ttl = config.TTL
	}

	mi := &MemoryInbox{
		messages:      make([]ring.Message, 0, capacity),
		capacity:      capacity,
		ttl:           ttl,
		cleanupTicker: time.NewTicker(cleanupInterval),
		done:          make(chan struct{}),
	}

	go mi.cleanupExpired()

	return mi
}

// Deliver stores msg, evicting the oldest message when full.
func (mi *MemoryInbox) Deliver(ctx context.Context, msg ring.Message) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if mi.closed.Load() {
		return pkg.ErrNodeStopped
	}

	mi.mu.Lock()
	if len(mi.messages) == mi.capacity {
		mi.messages = append(mi.messages[:0], mi.messages[1:]...)
		mi.evicted.Add(1)
	}
	mi.messages = append(mi.messages, msg)
	mi.mu.Unlock()

	mi.delivered.Add(1)
	return nil
}

// Recent returns a copy of the held messages, oldest first. Expired
// messages are skipped even if cleanup has not run yet.
func (mi *MemoryInbox) Recent() []ring.Message {
	mi.mu.RLock()
	defer mi.mu.RUnlock()

	out := make([]ring.Message, 0, len(mi.messages))
	cutoff := mi.cutoff()
	for _, m := range mi.messages {
		if !cutoff.IsZero() && m.ReceivedAt.Before(cutoff) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Stats returns delivery counters.
func (mi *MemoryInbox) Stats() MemoryStats {
	mi.mu.RLock()
	held := len(mi.messages)
	mi.mu.RUnlock()

	return MemoryStats{
		Delivered: mi.delivered.Load(),
		Evicted:   mi.evicted.Load(),
		Expired:   mi.expired.Load(),
		Held:      held,
	}
}

// Close stops the cleanup goroutine. Further deliveries fail.
func (mi *MemoryInbox) Close() error {
	if !mi.closed.CompareAndSwap(false, true) {
		return nil
	}
	mi.cleanupTicker.Stop()
	close(mi.done)
	return nil
}

func (mi *MemoryInbox) cutoff() time.Time {
	if mi.ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(-mi.ttl)
}

func (mi *MemoryInbox) cleanupExpired() {
	for {
		select {
		case <-mi.cleanupTicker.C:
			mi.removeExpired()
		case <-mi.done:
			return
		}
	}
}

func (mi *MemoryInbox) removeExpired() {
	cutoff := mi.cutoff()
	if cutoff.IsZero() {
		return
	}

	mi.mu.Lock()
	defer mi.mu.Unlock()

	// Messages are held in arrival order.
	n := 0
	for n < len(mi.messages) && mi.messages[n].ReceivedAt.Before(cutoff) {
		n++
	}
	if n > 0 {
		mi.messages = append(mi.messages[:0], mi.messages[n:]...)
		mi.expired.Add(int64(n))
	}
}
