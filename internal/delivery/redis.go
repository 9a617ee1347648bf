package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zde37/tokenring/internal/ring"
)

// InboxKey returns the Redis list holding node id's delivered messages.
func InboxKey(nodeID int) string {
	return fmt.Sprintf("ring:node:%d:inbox", nodeID)
}

// DeliveredChannel returns the Redis pub/sub channel announcing deliveries to node id.
func DeliveredChannel(nodeID int) string {
	return fmt.Sprintf("ring:node:%d:delivered", nodeID)
}

// InboxEntry is the JSON document stored per delivered message.
type InboxEntry struct {
	NodeID     int    `json:"node_id"`
	Payload    string `json:"payload"`
	ReceivedAt int64  `json:"received_at"` // Unix milliseconds
}

// DefaultDeliverTimeout bounds one Deliver call when no timeout is given.
const DefaultDeliverTimeout = 2 * time.Second

// RedisInbox appends delivered messages to a per-node Redis list and
// publishes them on a per-node channel.
type RedisInbox struct {
	client  *redis.Client
	maxLen  int64
	timeout time.Duration
}

// NewRedisInbox creates an inbox on client. maxLen > 0 trims the list to
// the newest maxLen entries. Each Deliver gives up after timeout, or
// DefaultDeliverTimeout when timeout is not positive.
func NewRedisInbox(client *redis.Client, maxLen int64, timeout time.Duration) (*RedisInbox, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if maxLen < 0 {
		return nil, fmt.Errorf("max length cannot be negative, got %d", maxLen)
	}
	if timeout <= 0 {
		timeout = DefaultDeliverTimeout
	}
	return &RedisInbox{client: client, maxLen: maxLen, timeout: timeout}, nil
}

// Deliver stores msg in one pipeline: RPUSH, optional LTRIM, PUBLISH.
// Deliveries run on the frame reader, so a slow server is cut off at the
// inbox timeout rather than holding up the frames behind it.
func (r *RedisInbox) Deliver(ctx context.Context, msg ring.Message) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	data, err := json.Marshal(InboxEntry{
		NodeID:     msg.NodeID,
		Payload:    msg.Payload,
		ReceivedAt: msg.ReceivedAt.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode inbox entry: %w", err)
	}

	key := InboxKey(msg.NodeID)
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	if r.maxLen > 0 {
		pipe.LTrim(ctx, key, -r.maxLen, -1)
	}
	pipe.Publish(ctx, DeliveredChannel(msg.NodeID), data)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store message in redis inbox: %w", err)
	}
	return nil
}

// Messages returns the stored entries for nodeID, oldest first.
func (r *RedisInbox) Messages(ctx context.Context, nodeID int) ([]InboxEntry, error) {
	raw, err := r.client.LRange(ctx, InboxKey(nodeID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read redis inbox: %w", err)
	}

	entries := make([]InboxEntry, 0, len(raw))
	for _, item := range raw {
		var entry InboxEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			return nil, fmt.Errorf("corrupt inbox entry %q: %w", item, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Close closes the underlying client.
func (r *RedisInbox) Close() error {
	return r.client.Close()
}
