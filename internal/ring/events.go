package ring

// Engine event types
const (
	EventTokenReceived    = "token_received"
	EventTokenReleased    = "token_released"
	EventMessageSent      = "message_sent"
	EventMessageQueued    = "message_queued"
	EventMessageForwarded = "message_forwarded"
	EventMessageDelivered = "message_delivered"
	EventFrameDiscarded   = "frame_discarded"
	EventLinkState        = "link_state"
	EventStatus           = "status"
)

// EventBroadcaster is an interface for publishing engine events.
// It lets the node notify external observers (like WebSocket clients)
// without the ring package depending on them.
type EventBroadcaster interface {
	// BroadcastEvent publishes one event. Implementations must not block.
	BroadcastEvent(event Event) error
}

// Event is a notable change inside a node.
type Event struct {
	Type      string  `json:"type"`
	NodeID    int     `json:"node_id"`
	Timestamp int64   `json:"timestamp"`        // Unix milliseconds
	Message   string  `json:"message"`          // Human-readable message
	Frame     string  `json:"frame,omitempty"`  // Wire line involved, if any
	Status    *Status `json:"status,omitempty"` // Set on status events
}
