package ring

import (
	"context"
	"errors"
	"time"

	"github.com/zde37/tokenring/pkg"
)

// Message is a data payload that reached its destination node.
type Message struct {
	NodeID     int       `json:"node_id"`
	Payload    string    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

// DeliverySink receives payloads addressed to the local node.
type DeliverySink interface {
	Deliver(ctx context.Context, msg Message) error
}

// DeliveryFunc adapts a function to DeliverySink.
type DeliveryFunc func(ctx context.Context, msg Message) error

// Deliver calls f.
func (f DeliveryFunc) Deliver(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// lineSender forwards raw wire lines to the successor.
type lineSender interface {
	SendLine(line string) error
}

// Dispatcher routes decoded inbound frames: tokens to the TokenMachine,
// data frames to the local sink or on to the successor.
type Dispatcher struct {
	self       int
	tokens     *TokenMachine
	link       lineSender
	sink       DeliverySink
	startCycle func()

	logger *pkg.Logger
	notify func(eventType, message, frame string)
}

// NewDispatcher creates a dispatcher for node self. startCycle is invoked
// after a token is accepted and must not block.
func NewDispatcher(self int, tokens *TokenMachine, link lineSender, sink DeliverySink, startCycle func(), logger *pkg.Logger) *Dispatcher {
	if logger == nil {
		logger = pkg.Nop()
	}
	return &Dispatcher{
		self:       self,
		tokens:     tokens,
		link:       link,
		sink:       sink,
		startCycle: startCycle,
		logger:     logger.WithFields(pkg.Fields{"component": "dispatcher"}),
		notify:     func(string, string, string) {},
	}
}

// HandleLine decodes one inbound line and dispatches it. Undecodable lines
// are logged and dropped; the connection they came from stays open.
func (d *Dispatcher) HandleLine(ctx context.Context, line string) {
	frame, err := Decode(line)
	if err != nil {
		level := d.logger.Warn()
		if errors.Is(err, pkg.ErrUnknownFrame) {
			level = d.logger.Debug()
		}
		level.Err(err).Msg("Discarding inbound line")
		d.notify(EventFrameDiscarded, err.Error(), line)
		return
	}
	d.OnFrame(ctx, frame, line)
}

// OnFrame handles one decoded frame. line is the wire form it arrived in and
// is what gets forwarded, so foreign frames pass through byte for byte.
func (d *Dispatcher) OnFrame(ctx context.Context, frame Frame, line string) {
	if frame.IsToken() {
		if d.tokens.Receive() && d.startCycle != nil {
			d.startCycle()
		}
		return
	}

	if frame.Dest == d.self {
		d.deliver(ctx, frame, line)
		return
	}

	if err := d.link.SendLine(line); err != nil {
		d.logger.Warn().
			Err(err).
			Int("dest", frame.Dest).
			Msg("Could not forward message, dropping it")
		return
	}
	d.logger.Info().
		Int("dest", frame.Dest).
		Msg("Forwarded message")
	d.notify(EventMessageForwarded, "forwarded message", line)
}

func (d *Dispatcher) deliver(ctx context.Context, frame Frame, line string) {
	msg := Message{
		NodeID:     d.self,
		Payload:    frame.Payload,
		ReceivedAt: time.Now(),
	}

	if d.sink != nil {
		if err := d.sink.Deliver(ctx, msg); err != nil {
			d.logger.Error().Err(err).Msg("Delivery sink failed")
		}
	}
	d.notify(EventMessageDelivered, "message arrived", line)
}
