package ring

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/zde37/tokenring/pkg"
)

// maxLineSize bounds a single wire line, newline excluded.
const maxLineSize = 1 << 20

var errLineTooLong = errors.New("line exceeds maximum frame size")

// LinkState is the state of the outbound connection to the successor.
type LinkState int32

const (
	LinkDisconnected LinkState = iota
	LinkConnecting
	LinkConnected
	LinkFailed
)

func (s LinkState) String() string {
	switch s {
	case LinkDisconnected:
		return "disconnected"
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	case LinkFailed:
		return "failed"
	default:
		return fmt.Sprintf("LinkState(%d)", int32(s))
	}
}

// LineHandler consumes one inbound wire line, newline stripped.
type LineHandler func(ctx context.Context, line string)

// LinkConfig holds the addresses and retry policy of a Link.
type LinkConfig struct {
	ListenAddr    string
	SuccessorAddr string
	StartupDelay  time.Duration
	Attempts      int
	Backoff       time.Duration
	WriteTimeout  time.Duration // 0 means writes never time out
}

type successorConn struct {
	net.Conn
}

// Link owns the listening socket for predecessors and the single outbound
// connection to the successor. Writes to the successor are serialized.
type Link struct {
	cfg    LinkConfig
	logger *pkg.Logger
	dialer net.Dialer

	listener net.Listener
	inbound  mapset.Set[net.Conn]
	readers  sync.WaitGroup

	// Outbound connection. outMu serializes writers; Close swaps the
	// connection out without it so a stalled write can be interrupted.
	out   atomic.Pointer[successorConn]
	outMu sync.Mutex

	state   atomic.Int32
	onState func(LinkState)

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewLink creates a link. onState, if non-nil, is called on every outbound
// state transition.
func NewLink(cfg LinkConfig, logger *pkg.Logger, onState func(LinkState)) *Link {
	if logger == nil {
		logger = pkg.Nop()
	}
	return &Link{
		cfg:     cfg,
		logger:  logger.WithFields(pkg.Fields{"component": "link"}),
		inbound: mapset.NewSet[net.Conn](),
		onState: onState,
	}
}

// Listen binds the listen address. It does not accept; see Serve.
func (l *Link) Listen() error {
	listener, err := net.Listen("tcp", l.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.cfg.ListenAddr, err)
	}
	l.listener = listener

	l.logger.Info().
		Str("address", listener.Addr().String()).
		Msg("Listening for predecessor")
	return nil
}

// Addr returns the bound listen address, or nil before Listen.
func (l *Link) Addr() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Serve accepts inbound connections until the listener is closed, reading
// each on its own goroutine. It returns after every reader has finished.
func (l *Link) Serve(ctx context.Context, handle LineHandler) error {
	if l.listener == nil {
		return fmt.Errorf("listener not bound - call Listen() before Serve()")
	}
	defer l.readers.Wait()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if l.closed.Load() || ctx.Err() != nil {
				return nil
			}
			l.logger.Error().Err(err).Msg("Accept failed")
			return fmt.Errorf("accept on %s: %w", l.cfg.ListenAddr, err)
		}

		l.inbound.Add(conn)
		if l.closed.Load() {
			l.inbound.Remove(conn)
			conn.Close()
			return nil
		}

		l.logger.Info().
			Str("remote", conn.RemoteAddr().String()).
			Msg("Inbound connection accepted")

		l.readers.Add(1)
		go l.read(ctx, conn, handle)
	}
}

func (l *Link) read(ctx context.Context, conn net.Conn, handle LineHandler) {
	defer l.readers.Done()
	defer func() {
		l.inbound.Remove(conn)
		conn.Close()
	}()

	reader := bufio.NewReader(conn)
	for {
		line, err := readLine(reader, maxLineSize)
		if errors.Is(err, errLineTooLong) {
			l.logger.Warn().
				Int("max_bytes", maxLineSize).
				Str("remote", conn.RemoteAddr().String()).
				Msg("Discarded oversized line")
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !l.closed.Load() {
				l.logger.Warn().
					Err(err).
					Str("remote", conn.RemoteAddr().String()).
					Msg("Inbound connection read failed")
				return
			}
			break
		}
		if ctx.Err() != nil {
			return
		}
		handle(ctx, line)
	}

	l.logger.Debug().
		Str("remote", conn.RemoteAddr().String()).
		Msg("Inbound connection closed")
}

// readLine returns the next line from r without its line terminator. A line
// longer than limit is consumed through its newline and reported as
// errLineTooLong, so the next call starts on the following line. A final
// unterminated line is returned before io.EOF.
func readLine(r *bufio.Reader, limit int) (string, error) {
	var (
		buf      []byte
		overflow bool
	)
	for {
		chunk, err := r.ReadSlice('\n')
		if !overflow {
			size := len(buf) + len(chunk)
			if err == nil {
				size--
			}
			if size > limit {
				overflow = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}

		switch {
		case err == nil:
			if overflow {
				return "", errLineTooLong
			}
			return strings.TrimSuffix(strings.TrimSuffix(string(buf), "\n"), "\r"), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(buf) > 0 && !overflow:
			return strings.TrimSuffix(string(buf), "\r"), nil
		default:
			return "", err
		}
	}
}

// ConnectSuccessor dials the successor, retrying up to the configured
// number of attempts. Exhausting them leaves the link Failed and returns
// an error wrapping pkg.ErrLinkFailed; the caller decides whether that is fatal.
func (l *Link) ConnectSuccessor(ctx context.Context) error {
	l.setState(LinkConnecting)

	if l.cfg.StartupDelay > 0 && !sleepCtx(ctx, l.cfg.StartupDelay) {
		l.setState(LinkDisconnected)
		return ctx.Err()
	}

	var lastErr error
	for attempt := 1; attempt <= l.cfg.Attempts; attempt++ {
		conn, err := l.dialer.DialContext(ctx, "tcp", l.cfg.SuccessorAddr)
		if err == nil {
			return l.attach(conn)
		}
		if ctx.Err() != nil {
			l.setState(LinkDisconnected)
			return ctx.Err()
		}

		lastErr = err
		l.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", l.cfg.Attempts).
			Str("successor", l.cfg.SuccessorAddr).
			Msg("Successor connection attempt failed")

		if attempt < l.cfg.Attempts && !sleepCtx(ctx, l.cfg.Backoff) {
			l.setState(LinkDisconnected)
			return ctx.Err()
		}
	}

	l.setState(LinkFailed)
	l.logger.Error().
		Int("attempts", l.cfg.Attempts).
		Str("successor", l.cfg.SuccessorAddr).
		Msg("Could not connect to successor, node can no longer forward or pass the token")
	return fmt.Errorf("%w after %d attempts: %v", pkg.ErrLinkFailed, l.cfg.Attempts, lastErr)
}

func (l *Link) attach(conn net.Conn) error {
	l.out.Store(&successorConn{conn})

	// Close may have run between the dial and the store.
	if l.closed.Load() {
		if c := l.out.Swap(nil); c != nil {
			c.Close()
		}
		return pkg.ErrNodeStopped
	}

	l.logger.Info().
		Str("successor", l.cfg.SuccessorAddr).
		Msg("Connected to successor")
	l.setState(LinkConnected)
	return nil
}

// Send writes the encoded frame to the successor.
func (l *Link) Send(f Frame) error {
	return l.SendLine(f.Encode())
}

// SendLine writes one raw wire line to the successor. It returns
// pkg.ErrLinkNotConnected without writing if the link is not up. A write
// error, including a write that outlasts WriteTimeout, tears the connection
// down and leaves the link Failed.
func (l *Link) SendLine(line string) error {
	l.outMu.Lock()
	defer l.outMu.Unlock()

	conn := l.out.Load()
	if conn == nil || l.State() != LinkConnected {
		return pkg.ErrLinkNotConnected
	}

	if l.cfg.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout)); err != nil {
			return l.writeFailed(conn, err)
		}
	}
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		return l.writeFailed(conn, err)
	}
	return nil
}

func (l *Link) writeFailed(conn *successorConn, err error) error {
	if l.out.CompareAndSwap(conn, nil) {
		conn.Close()
	}
	if !l.closed.Load() {
		l.setState(LinkFailed)
		l.logger.Error().Err(err).Msg("Write to successor failed, link is down")
	}
	return fmt.Errorf("write to successor: %w", err)
}

// State returns the outbound connection state.
func (l *Link) State() LinkState {
	return LinkState(l.state.Load())
}

// InboundCount returns the number of open predecessor connections.
func (l *Link) InboundCount() int {
	return l.inbound.Cardinality()
}

// SuccessorAddr returns the address dialed by ConnectSuccessor.
func (l *Link) SuccessorAddr() string {
	return l.cfg.SuccessorAddr
}

func (l *Link) setState(s LinkState) {
	if LinkState(l.state.Swap(int32(s))) == s {
		return
	}
	if l.onState != nil {
		l.onState(s)
	}
}

// Close closes the listener, the successor connection and every inbound
// connection, unblocking all readers and any in-flight write. Safe to call
// more than once.
func (l *Link) Close() error {
	var errs []error
	l.closeOnce.Do(func() {
		l.closed.Store(true)

		if l.listener != nil {
			if err := l.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, fmt.Errorf("close listener: %w", err))
			}
		}

		if conn := l.out.Swap(nil); conn != nil {
			if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, fmt.Errorf("close successor connection: %w", err))
			}
		}

		for _, conn := range l.inbound.ToSlice() {
			conn.Close()
		}

		if l.State() == LinkConnected {
			l.setState(LinkDisconnected)
		}
	})
	return errors.Join(errs...)
}

// sleepCtx waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
