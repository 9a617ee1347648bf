package ring

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/zde37/tokenring/internal/config"
	"github.com/zde37/tokenring/pkg"
)

// Status is a point-in-time view of a node.
type Status struct {
	NodeID             int    `json:"node_id"`
	RingSize           int    `json:"ring_size"`
	HasToken           bool   `json:"has_token"`
	TokenState         string `json:"token_state"`
	QueueLength        int    `json:"queue_length"`
	LinkState          string `json:"link_state"`
	LinkConnected      bool   `json:"link_connected"`
	InboundConnections int    `json:"inbound_connections"`
	SuccessorAddr      string `json:"successor_addr"`
}

// Report renders the status as the multi-line block operators read.
func (s Status) Report() string {
	yesNo := func(b bool, yes, no string) string {
		if b {
			return yes
		}
		return no
	}

	var b strings.Builder
	rule := strings.Repeat("=", 50)
	fmt.Fprintln(&b, rule)
	fmt.Fprintf(&b, "NODE %d STATUS (ring of %d)\n", s.NodeID, s.RingSize)
	fmt.Fprintf(&b, "   Token: %s (%s)\n", yesNo(s.HasToken, "YES", "NO"), s.TokenState)
	fmt.Fprintf(&b, "   Queued messages: %d\n", s.QueueLength)
	fmt.Fprintf(&b, "   Successor link: %s (%s, %s)\n",
		yesNo(s.LinkConnected, "ACTIVE", "INACTIVE"), s.LinkState, s.SuccessorAddr)
	fmt.Fprintf(&b, "   Inbound connections: %d\n", s.InboundConnections)
	fmt.Fprintln(&b, rule)
	return b.String()
}

// Node is a single ring participant. It wires the link, queue, token machine
// and dispatcher together and exposes the control operations.
type Node struct {
	identity Identity
	config   *config.Config
	logger   *pkg.Logger

	link       *Link
	queue      *OutboundQueue
	tokens     *TokenMachine
	dispatcher *Dispatcher

	broadcaster   EventBroadcaster
	broadcasterMu sync.RWMutex

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce    sync.Once
	startErr     error
	shutdownOnce sync.Once
	shutdownErr  error
}

// NewNode creates a ring node. sink receives payloads addressed to this
// node and may be nil.
func NewNode(cfg *config.Config, logger *pkg.Logger, sink DeliverySink) (*Node, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	identity, err := NewIdentity(cfg.NodeID, cfg.RingSize)
	if err != nil {
		return nil, fmt.Errorf("invalid identity: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	n := &Node{
		identity: identity,
		config:   cfg,
		logger:   logger.WithFields(pkg.Fields{"node_id": identity.ID()}),
		queue:    NewOutboundQueue(),
		ctx:      ctx,
		cancel:   cancel,
	}

	n.link = NewLink(LinkConfig{
		ListenAddr:    fmt.Sprintf("%s:%d", cfg.Host, identity.ListenPort(cfg.BasePort)),
		SuccessorAddr: fmt.Sprintf("%s:%d", cfg.Host, identity.SuccessorPort(cfg.BasePort)),
		StartupDelay:  cfg.StartupDelay,
		Attempts:      cfg.ConnectAttempts,
		Backoff:       cfg.ConnectBackoff,
		WriteTimeout:  cfg.WriteTimeout,
	}, n.logger, n.onLinkState)

	n.tokens = NewTokenMachine(n.queue, n.link, cfg.TokenHold, cfg.SendPacing, identity.StartsWithToken(), n.logger)
	n.tokens.notify = n.emit

	n.dispatcher = NewDispatcher(identity.ID(), n.tokens, n.link, sink, n.startCycle, n.logger)
	n.dispatcher.notify = n.emit

	n.logger.Info().
		Int("ring_size", identity.Size()).
		Int("listen_port", identity.ListenPort(cfg.BasePort)).
		Int("successor_id", identity.SuccessorID()).
		Int("successor_port", identity.SuccessorPort(cfg.BasePort)).
		Bool("has_token", n.tokens.HasToken()).
		Msg("Ring node created")

	return n, nil
}

// Identity returns the node's ring position.
func (n *Node) Identity() Identity {
	return n.identity
}

// ListenAddr returns the bound predecessor address, or nil before Start.
func (n *Node) ListenAddr() net.Addr {
	return n.link.Addr()
}

// Done is closed once Shutdown has been requested.
func (n *Node) Done() <-chan struct{} {
	return n.ctx.Done()
}

// SetBroadcaster sets the observer notified of engine events.
func (n *Node) SetBroadcaster(b EventBroadcaster) {
	n.broadcasterMu.Lock()
	defer n.broadcasterMu.Unlock()
	n.broadcaster = b
}

// Start binds the listener and launches the accept, successor connection
// and status tasks. A bind failure is returned; a successor that never
// comes up is not an error here, it shows up in Status.
func (n *Node) Start() error {
	if n.ctx.Err() != nil {
		return pkg.ErrNodeStopped
	}
	n.startOnce.Do(func() {
		if err := n.link.Listen(); err != nil {
			n.startErr = err
			return
		}

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.link.Serve(n.ctx, n.dispatcher.HandleLine); err != nil {
				n.logger.Error().Err(err).Msg("Listener stopped while node active")
			}
		}()

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.link.ConnectSuccessor(n.ctx); err != nil && n.ctx.Err() == nil {
				n.logger.Error().Err(err).Msg("Successor link unavailable")
			}
		}()

		if n.config.StatusInterval > 0 {
			n.wg.Add(1)
			go n.statusLoop()
		}
	})
	return n.startErr
}

// Enqueue submits a payload for dest. With the token held and nothing queued
// ahead it is sent at once; otherwise, or if that send fails, it waits in
// the queue for the next possession. Payloads whose frame would not fit on
// one wire line are rejected.
func (n *Node) Enqueue(dest int, payload string) error {
	if strings.ContainsAny(payload, "\r\n") {
		return fmt.Errorf("%w: payload cannot contain line breaks", pkg.ErrInvalidPayload)
	}
	frame := DataFrame(dest, payload)
	if size := len(frame.Encode()); size > maxLineSize {
		return fmt.Errorf("%w: frame of %d bytes exceeds the %d byte limit", pkg.ErrInvalidPayload, size, maxLineSize)
	}
	if n.ctx.Err() != nil {
		return pkg.ErrNodeStopped
	}

	sent, err := n.tokens.SendIfHeld(frame)
	if sent {
		n.logger.Info().
			Int("dest", dest).
			Msg("Sent message immediately, token held")
		n.emit(EventMessageSent, "sent immediately", frame.Encode())
		return nil
	}
	if err != nil {
		n.logger.Warn().
			Err(err).
			Int("dest", dest).
			Msg("Immediate send failed, queuing message")
	}

	n.queue.Push(frame)
	n.logger.Info().
		Int("dest", dest).
		Int("queue_length", n.queue.Len()).
		Msg("Message queued, waiting for token")
	n.emit(EventMessageQueued, "queued until token arrives", frame.Encode())
	return nil
}

// Status returns a snapshot of the node.
func (n *Node) Status() Status {
	linkState := n.link.State()
	tokenState := n.tokens.State()
	return Status{
		NodeID:             n.identity.ID(),
		RingSize:           n.identity.Size(),
		HasToken:           tokenState != TokenNotHeld,
		TokenState:         tokenState.String(),
		QueueLength:        n.queue.Len(),
		LinkState:          linkState.String(),
		LinkConnected:      linkState == LinkConnected,
		InboundConnections: n.link.InboundCount(),
		SuccessorAddr:      n.link.SuccessorAddr(),
	}
}

// PendingMessages returns a copy of the queued frames in send order.
func (n *Node) PendingMessages() []Frame {
	return n.queue.Snapshot()
}

// Shutdown stops every background task and closes all sockets. Tasks that
// do not finish within the grace period are abandoned and
// pkg.ErrShutdownTimeout is returned. Safe to call more than once.
func (n *Node) Shutdown() error {
	n.shutdownOnce.Do(func() {
		n.logger.Info().Msg("Shutting down ring node")

		n.cancel()

		if err := n.link.Close(); err != nil {
			n.logger.Warn().Err(err).Msg("Error closing ring link")
		}

		if dropped := n.queue.Clear(); dropped > 0 {
			n.logger.Warn().Int("dropped", dropped).Msg("Discarded queued messages on shutdown")
		}

		done := make(chan struct{})
		go func() {
			n.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			n.logger.Info().Msg("Ring node stopped")
		case <-time.After(n.config.ShutdownGrace):
			n.shutdownErr = pkg.ErrShutdownTimeout
			n.logger.Error().
				Dur("grace", n.config.ShutdownGrace).
				Msg("Background tasks did not stop in time")
		}
	})
	return n.shutdownErr
}

// IsShutdown returns whether the node has been shut down.
func (n *Node) IsShutdown() bool {
	return n.ctx.Err() != nil
}

// startCycle runs one token possession cycle in the background.
func (n *Node) startCycle() {
	if n.ctx.Err() != nil {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.tokens.Run(n.ctx)
	}()
}

func (n *Node) onLinkState(state LinkState) {
	n.emit(EventLinkState, "successor link "+state.String(), "")

	// The initial holder can only start circulating once it has somewhere
	// to send the token.
	if state == LinkConnected && n.identity.StartsWithToken() {
		n.startCycle()
	}
}

func (n *Node) statusLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			status := n.Status()
			n.logger.Info().
				Bool("has_token", status.HasToken).
				Str("token_state", status.TokenState).
				Int("queue_length", status.QueueLength).
				Str("link_state", status.LinkState).
				Int("inbound", status.InboundConnections).
				Msg("Node status")
			n.emitStatus(status)
		}
	}
}

func (n *Node) emit(eventType, message, frame string) {
	n.publish(Event{
		Type:      eventType,
		NodeID:    n.identity.ID(),
		Timestamp: time.Now().UnixMilli(),
		Message:   message,
		Frame:     frame,
	})
}

func (n *Node) emitStatus(status Status) {
	n.publish(Event{
		Type:      EventStatus,
		NodeID:    n.identity.ID(),
		Timestamp: time.Now().UnixMilli(),
		Message:   "periodic status",
		Status:    &status,
	})
}

func (n *Node) publish(event Event) {
	n.broadcasterMu.RLock()
	b := n.broadcaster
	n.broadcasterMu.RUnlock()

	if b == nil {
		return
	}
	if err := b.BroadcastEvent(event); err != nil {
		n.logger.Debug().Err(err).Str("event", event.Type).Msg("Failed to broadcast event")
	}
}
