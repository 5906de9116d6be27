// SPDX-License-Identifier: GPL-3.0-or-later

package unistream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/bassosimone/safeconn"
)

// Dialer abstracts the [*net.Dialer] behavior.
//
// By making [DialTCPStream] depend on an abstract implementation we
// allow for unit testing and for using alternative dialers.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DialTCPStream connects to the given "host:port" address and returns a
// [*TCPStream] speaking the nonblocking [Stream] contract.
//
// The cfg argument contains the common configuration for unistream
// operations; its Dialer performs the actual connect.
//
// The logger argument is the [SLogger] to use for structured logging.
//
// The connect itself honors ctx (deadline and cancellation); the
// returned stream never blocks afterwards.
func DialTCPStream(ctx context.Context, cfg *Config, address string, logger SLogger) (*TCPStream, error) {
	t0 := cfg.TimeNow()
	deadline, _ := ctx.Deadline()
	logger.Info(
		"connectStart",
		slog.Time("deadline", deadline),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", address),
		slog.Time("t", t0),
	)
	conn, err := cfg.Dialer.DialContext(ctx, "tcp", address)
	logger.Info(
		"connectDone",
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", cfg.ErrClassifier.Classify(err)),
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", address),
		slog.Time("t0", t0),
		slog.Time("t", cfg.TimeNow()),
	)
	if err != nil {
		return nil, err
	}
	return NewTCPStream(cfg, conn, logger), nil
}

// NewTCPStream wraps an established [net.Conn] into a [*TCPStream].
//
// Use this when the connection was obtained outside [DialTCPStream],
// e.g., from a [net.Listener] you manage yourself.
func NewTCPStream(cfg *Config, conn net.Conn, logger SLogger) *TCPStream {
	return &TCPStream{
		conn:          conn,
		errClassifier: cfg.ErrClassifier,
		logger:        logger,
		timeNow:       cfg.TimeNow,
	}
}

// TCPStream adapts a [net.Conn] to the nonblocking [Stream] contract.
//
// Reads and writes are issued with an immediate deadline: whatever the
// kernel already buffered is returned or accepted, and "would block" is
// reported as a partial count rather than as an error.
//
// Construct via [DialTCPStream], [NewTCPStream], or
// [*TCPListener.Accept].
type TCPStream struct {
	// mu serializes stream operations with [Select] readiness probes,
	// which read ahead into stash.
	mu    sync.Mutex
	stash []byte

	conn          net.Conn
	errClassifier ErrClassifier
	logger        SLogger
	timeNow       func() time.Time
}

var _ Stream = &TCPStream{}

// Read implements [Stream].
func (s *TCPStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.stash) > 0 {
		n := copy(p, s.stash)
		s.stash = s.stash[:copy(s.stash, s.stash[n:])]
		return n, nil
	}
	if err := s.conn.SetReadDeadline(s.timeNow().Add(pollGrace)); err != nil {
		return 0, err
	}
	count, err := s.conn.Read(p)
	return s.mapResult(count, err)
}

// Write implements [Stream].
func (s *TCPStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(s.timeNow().Add(pollGrace)); err != nil {
		return 0, err
	}
	count, err := s.conn.Write(p)
	return s.mapResult(count, err)
}

// mapResult converts [net.Conn] results to the nonblocking contract:
// deadline timeouts become partial counts, EOF becomes [ErrStreamClosed].
func (s *TCPStream) mapResult(count int, err error) (int, error) {
	if err == nil {
		return count, nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return count, nil
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return count, ErrStreamClosed
	}
	return count, err
}

// Flush implements [Stream].
//
// The kernel owns the socket send buffer, so there is nothing to push.
func (s *TCPStream) Flush() error {
	return nil
}

// Close implements [Stream].
func (s *TCPStream) Close() error {
	return s.conn.Close()
}

// waitReady implements the readiness probe used by [Select]: it reads
// ahead into the stash with short deadlines until data or an error shows
// up, or stop is closed.
func (s *TCPStream) waitReady(stop <-chan struct{}) bool {
	buf := make([]byte, 1)
	for {
		select {
		case <-stop:
			return false
		default:
		}
		s.mu.Lock()
		if len(s.stash) > 0 {
			s.mu.Unlock()
			return true
		}
		s.conn.SetReadDeadline(s.timeNow().Add(readyProbeInterval))
		count, err := s.conn.Read(buf)
		if count > 0 {
			s.stash = append(s.stash, buf[:count]...)
			s.mu.Unlock()
			return true
		}
		s.mu.Unlock()
		var netErr net.Error
		if err != nil && (!errors.As(err, &netErr) || !netErr.Timeout()) {
			// Hard error or orderly close: the stream is "ready" in the
			// sense that the next Read will report it.
			return true
		}
	}
}

// readyProbeInterval bounds how long a [Select] probe holds the stream
// lock while waiting for data.
const readyProbeInterval = 50 * time.Millisecond

// pollGrace is how far in the future we place deadlines for "nonblocking"
// socket operations. The Go runtime fails an I/O attempt whose deadline
// already expired without issuing the syscall, so the deadline must sit
// slightly ahead of now; the cost is a bounded sub-millisecond wait when
// the socket has nothing for us.
const pollGrace = time.Millisecond

// ListenTCPStream listens on the given "host:port" address and returns a
// [*TCPListener] whose Accept is nonblocking.
//
// The cfg argument contains the common configuration for unistream
// operations.
//
// The logger argument is the [SLogger] to use for structured logging.
func ListenTCPStream(cfg *Config, address string, logger SLogger) (*TCPListener, error) {
	listener, err := net.Listen("tcp", address)
	logger.Info(
		"listenDone",
		slog.Any("err", err),
		slog.String("errClass", cfg.ErrClassifier.Classify(err)),
		slog.String("localAddr", address),
		slog.String("protocol", "tcp"),
		slog.Time("t", cfg.TimeNow()),
	)
	if err != nil {
		return nil, err
	}
	return NewTCPListener(cfg, listener, logger), nil
}

// NewTCPListener wraps a [net.Listener] into a [*TCPListener].
//
// The listener must support accept deadlines (as [*net.TCPListener]
// does); otherwise Accept fails.
func NewTCPListener(cfg *Config, listener net.Listener, logger SLogger) *TCPListener {
	return &TCPListener{
		cfg:      cfg,
		listener: listener,
		logger:   logger,
	}
}

// TCPListener adapts a [net.Listener] to the nonblocking [Listener]
// contract: Accept returns [ErrNoNewConnection] when nothing is pending.
//
// Construct via [ListenTCPStream] or [NewTCPListener].
type TCPListener struct {
	cfg      *Config
	listener net.Listener
	logger   SLogger
}

var _ Listener = &TCPListener{}

// acceptDeadliner is the subset of [*net.TCPListener] we need for
// nonblocking accepts.
type acceptDeadliner interface {
	SetDeadline(t time.Time) error
}

// Accept implements [Listener].
func (l *TCPListener) Accept() (Stream, error) {
	deadliner, good := l.listener.(acceptDeadliner)
	if !good {
		return nil, errors.New("unistream: listener does not support deadlines")
	}
	if err := deadliner.SetDeadline(l.cfg.TimeNow().Add(pollGrace)); err != nil {
		return nil, err
	}
	conn, err := l.listener.Accept()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, ErrNoNewConnection
		}
		return nil, err
	}
	l.logger.Info(
		"acceptDone",
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
		slog.Time("t", l.cfg.TimeNow()),
	)
	return NewTCPStream(l.cfg, conn, l.logger), nil
}

// Addr returns the address the listener is bound to.
func (l *TCPListener) Addr() net.Addr {
	return l.listener.Addr()
}

// Close implements [Listener].
func (l *TCPListener) Close() error {
	return l.listener.Close()
}
