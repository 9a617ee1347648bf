// Package delivery provides sinks for messages that reached their
// destination node.
package delivery

import (
	"context"
	"errors"

	"github.com/zde37/tokenring/internal/ring"
	"github.com/zde37/tokenring/pkg"
)

// Compile-time checks
var (
	_ ring.DeliverySink = (*LogSink)(nil)
	_ ring.DeliverySink = (*RedisInbox)(nil)
	_ ring.DeliverySink = Fanout(nil)
)

// LogSink reports every delivered message through the logger.
type LogSink struct {
	logger *pkg.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *pkg.Logger) *LogSink {
	if logger == nil {
		logger = pkg.Nop()
	}
	return &LogSink{logger: logger.WithFields(pkg.Fields{"component": "inbox"})}
}

// Deliver logs msg at info level.
func (s *LogSink) Deliver(_ context.Context, msg ring.Message) error {
	s.logger.Info().
		Int("node_id", msg.NodeID).
		Str("payload", msg.Payload).
		Time("received_at", msg.ReceivedAt).
		Msg("Message arrived")
	return nil
}

// Fanout delivers to every sink in order and joins their errors.
type Fanout []ring.DeliverySink

// Deliver calls every sink, even after one fails.
func (f Fanout) Deliver(ctx context.Context, msg ring.Message) error {
	var errs []error
	for _, sink := range f {
		if sink == nil {
			continue
		}
		if err := sink.Deliver(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
