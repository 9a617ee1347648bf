package ring

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zde37/tokenring/pkg"
)

// TokenState is the possession state of the local node.
type TokenState int

const (
	TokenNotHeld TokenState = iota
	TokenDraining
	TokenDwelling
)

func (s TokenState) String() string {
	switch s {
	case TokenNotHeld:
		return "not_held"
	case TokenDraining:
		return "draining"
	case TokenDwelling:
		return "dwelling"
	default:
		return fmt.Sprintf("TokenState(%d)", int(s))
	}
}

// Sender delivers frames to the successor.
type Sender interface {
	Send(f Frame) error
}

// TokenMachine tracks token possession and runs the drain, dwell, release
// cycle. Every send it originates happens under mu with possession checked,
// so nothing leaves this node after the token has been released. Transitions
// take mu; readers load state without it and never wait on a send.
type TokenMachine struct {
	mu      sync.Mutex
	state   atomic.Int32
	cycling bool

	queue  *OutboundQueue
	link   Sender
	hold   time.Duration
	pacing time.Duration

	logger *pkg.Logger
	notify func(eventType, message, frame string)
}

// NewTokenMachine creates a machine that starts holding the token when
// holding is true (in Dwelling), otherwise NotHeld.
func NewTokenMachine(queue *OutboundQueue, link Sender, hold, pacing time.Duration, holding bool, logger *pkg.Logger) *TokenMachine {
	if logger == nil {
		logger = pkg.Nop()
	}
	m := &TokenMachine{
		queue:  queue,
		link:   link,
		hold:   hold,
		pacing: pacing,
		logger: logger.WithFields(pkg.Fields{"component": "token"}),
		notify: func(string, string, string) {},
	}
	if holding {
		m.setState(TokenDwelling)
	}
	return m
}

// State returns the current possession state.
func (m *TokenMachine) State() TokenState {
	return TokenState(m.state.Load())
}

// setState must be called with mu held.
func (m *TokenMachine) setState(s TokenState) {
	m.state.Store(int32(s))
}

// HasToken reports whether this node currently holds the token.
func (m *TokenMachine) HasToken() bool {
	return m.State() != TokenNotHeld
}

// Receive records an inbound token: NotHeld -> Draining. It returns false
// if the token was already held, in which case the duplicate is ignored.
func (m *TokenMachine) Receive() bool {
	m.mu.Lock()
	if state := m.State(); state != TokenNotHeld {
		m.mu.Unlock()
		m.logger.Warn().
			Str("state", state.String()).
			Msg("Received TOKEN while already holding one, ignoring duplicate")
		return false
	}
	m.setState(TokenDraining)
	m.mu.Unlock()

	m.logger.Info().Msg("Token received")
	m.notify(EventTokenReceived, "token received", tokenMarker)
	return true
}

// SendIfHeld sends f immediately when the token is held and nothing is
// queued ahead of it. It reports whether f was handed to the link.
func (m *TokenMachine) SendIfHeld(f Frame) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.State() == TokenNotHeld || m.queue.Len() > 0 {
		return false, nil
	}
	if err := m.link.Send(f); err != nil {
		return false, err
	}
	return true, nil
}

// Run executes one possession cycle: drain the queue, dwell for the hold
// duration, then release the token to the successor. It returns early if
// the token is not held, a cycle is already running, or ctx is cancelled.
func (m *TokenMachine) Run(ctx context.Context) {
	m.mu.Lock()
	if m.State() == TokenNotHeld || m.cycling {
		m.mu.Unlock()
		return
	}
	m.cycling = true
	m.setState(TokenDraining)
	m.mu.Unlock()

	sent := m.drain(ctx)
	if ctx.Err() != nil {
		m.endCycle()
		return
	}

	m.mu.Lock()
	m.setState(TokenDwelling)
	m.mu.Unlock()

	m.logger.Debug().
		Int("sent", sent).
		Dur("hold", m.hold).
		Msg("Queue drained, holding token")

	if !sleepCtx(ctx, m.hold) {
		m.endCycle()
		return
	}
	m.release()
}

func (m *TokenMachine) endCycle() {
	m.mu.Lock()
	m.cycling = false
	m.mu.Unlock()
}

// drain sends queued frames in FIFO order, pausing between sends. A frame
// leaves the queue only once the link accepted it; if the link refuses,
// draining stops and the rest stays queued.
func (m *TokenMachine) drain(ctx context.Context) int {
	sent := 0
	for {
		m.mu.Lock()
		if m.State() != TokenDraining {
			m.mu.Unlock()
			return sent
		}
		f, ok := m.queue.Peek()
		if !ok {
			m.mu.Unlock()
			return sent
		}
		if err := m.link.Send(f); err != nil {
			m.mu.Unlock()
			m.logger.Warn().
				Err(err).
				Int("pending", m.queue.Len()).
				Msg("Link refused queued frame, leaving it queued")
			return sent
		}
		m.queue.Pop()
		remaining := m.queue.Len()
		m.mu.Unlock()

		sent++
		line := f.Encode()
		m.logger.Info().
			Int("dest", f.Dest).
			Int("remaining", remaining).
			Msg("Sent queued message")
		m.notify(EventMessageSent, "sent queued message", line)

		if remaining > 0 && !sleepCtx(ctx, m.pacing) {
			return sent
		}
	}
}

// release hands the token to the successor. Possession is cleared before
// the send; a failed send is not retried and the token is lost.
func (m *TokenMachine) release() {
	m.mu.Lock()
	m.cycling = false
	if m.State() != TokenDwelling {
		m.mu.Unlock()
		return
	}
	m.setState(TokenNotHeld)
	err := m.link.Send(TokenFrame())
	m.mu.Unlock()

	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to pass token, token is lost")
		m.notify(EventTokenReleased, "token lost: "+err.Error(), tokenMarker)
		return
	}
	m.logger.Info().Msg("Token passed to successor")
	m.notify(EventTokenReleased, "token passed to successor", tokenMarker)
}
