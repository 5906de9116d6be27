// SPDX-License-Identifier: GPL-3.0-or-later

package unistream

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// TLSEngine creates the per-stream protocol state machines used by
// [*TLSStream].
//
// By using an abstraction we allow for alternative TLS implementations.
type TLSEngine interface {
	// Client builds a new client [TLSConn].
	Client(conn net.Conn, config *tls.Config) TLSConn

	// Server builds a new server [TLSConn].
	Server(conn net.Conn, config *tls.Config) TLSConn

	// Name returns the engine name.
	Name() string
}

// TLSEngineStdlib implements [TLSEngine] for the standard library.
//
// The zero value is ready to use.
type TLSEngineStdlib struct{}

var _ TLSEngine = TLSEngineStdlib{}

// Client implements [TLSEngine].
//
// This function uses [tls.Client] to build a new [*tls.Conn].
func (TLSEngineStdlib) Client(conn net.Conn, config *tls.Config) TLSConn {
	return tls.Client(conn, config)
}

// Server implements [TLSEngine].
//
// This function uses [tls.Server] to build a new [*tls.Conn].
func (TLSEngineStdlib) Server(conn net.Conn, config *tls.Config) TLSConn {
	return tls.Server(conn, config)
}

// Name implements [TLSEngine].
//
// This function returns "stdlib".
func (TLSEngineStdlib) Name() string {
	return "stdlib"
}

// TLSConn abstracts over [*tls.Conn].
//
// By using an abstraction we allow for alternative TLS implementations.
type TLSConn interface {
	// ConnectionState returns the connection state.
	ConnectionState() tls.ConnectionState

	// HandshakeContext performs the handshake unless interrupted by the context.
	HandshakeContext(ctx context.Context) error

	// Embedding Conn means we can use this type as a [net.Conn].
	net.Conn
}

// ErrEngineWantIO means the engine cannot make progress until it is given
// more input ciphertext or its pending output ciphertext is drained. It
// is a retry condition, never a failure.
var ErrEngineWantIO = errors.New("unistream: engine wants more I/O")

// engineRecvBufferSize bounds the engine's inbound ciphertext buffer.
// When it fills up, [*EngineSession.Feed] accepts a partial count and the
// adapter holds the rest in its staging area (backpressure).
const engineRecvBufferSize = 4096

// NewEngineSession creates an [*EngineSession] running the given engine
// against an in-memory buffer pair instead of a socket.
//
// The engine argument selects the TLS implementation.
//
// The config argument is the [*tls.Config] for the session; it must not
// be mutated afterwards.
//
// The server argument selects the server side of the handshake. Servers
// must not drive the handshake before feeding the client's first flight.
func NewEngineSession(engine TLSEngine, config *tls.Config, server bool) *EngineSession {
	pair := newBufferPair()
	session := &EngineSession{
		done: make(chan struct{}),
		pair: pair,
	}
	if server {
		session.conn = engine.Server(pair, config)
	} else {
		session.conn = engine.Client(pair, config)
	}
	return session
}

// EngineSession couples a [TLSConn] to the adapter through two elastic
// byte buffers rather than a socket: [*EngineSession.Feed] supplies
// incoming ciphertext, [*EngineSession.DrainOutput] collects whatever
// ciphertext the engine produced (handshake flights, records, alerts).
//
// The handshake runs in one internal goroutine, because the standard
// library's handshake cannot be resumed after an I/O error; the goroutine
// parks on the buffer pair whenever it needs peer bytes, and
// [*EngineSession.HandshakeStep] turns that into nonblocking stepping.
// After the handshake the goroutine is gone and Encrypt/Decrypt operate
// synchronously, with "not enough data" surfacing as [ErrEngineWantIO].
//
// Sessions must be driven by one goroutine at a time.
type EngineSession struct {
	conn     TLSConn
	pair     *bufferPair
	started  bool
	complete bool
	failed   error
	done     chan struct{}

	// hsErr is written by the handshake goroutine before closing done
	// and read only after observing done closed.
	hsErr error
}

// HandshakeStep drives the handshake forward as far as currently
// possible.
//
// It returns nil when the handshake is complete, [ErrEngineWantIO] when
// the engine is parked waiting for more peer bytes (output produced so
// far is available via [*EngineSession.DrainOutput]), or a fatal error.
// Fatal errors are sticky: every later call reports the same error.
func (s *EngineSession) HandshakeStep() error {
	if s.complete {
		return nil
	}
	if s.failed != nil {
		return s.failed
	}
	if !s.started {
		s.started = true
		go func() {
			s.hsErr = s.conn.HandshakeContext(context.Background())
			close(s.done)
		}()
	}
	s.pair.waitParked(s.done)
	select {
	case <-s.done:
		if s.hsErr != nil {
			s.failed = s.hsErr
			return s.failed
		}
		s.complete = true
		s.pair.setNonblocking()
		return nil
	default:
		return ErrEngineWantIO
	}
}

// HandshakeComplete reports whether the handshake finished successfully.
func (s *EngineSession) HandshakeComplete() bool {
	return s.complete
}

// ConnectionState returns the [tls.ConnectionState] of the session.
func (s *EngineSession) ConnectionState() tls.ConnectionState {
	return s.conn.ConnectionState()
}

// Encrypt consumes a prefix of p as plaintext, producing ciphertext into
// the outbound buffer (collect it with [*EngineSession.DrainOutput]).
//
// It returns how many bytes were consumed. Before the handshake is
// complete it returns (0, [ErrEngineWantIO]): there is no way to encrypt
// application data yet. Any other error is fatal.
func (s *EngineSession) Encrypt(p []byte) (int, error) {
	if !s.complete {
		return 0, ErrEngineWantIO
	}
	return s.conn.Write(p)
}

// Decrypt fills p with decrypted application bytes.
//
// It returns (0, [ErrEngineWantIO]) when a full record is not yet
// available; feed more ciphertext and retry. An orderly close-notify from
// the peer surfaces as [ErrStreamClosed]; anything else is fatal. Decrypt
// may itself produce ciphertext (rekeying responses), which the caller
// must collect with [*EngineSession.DrainOutput].
func (s *EngineSession) Decrypt(p []byte) (int, error) {
	if !s.complete {
		return 0, ErrEngineWantIO
	}
	count, err := s.conn.Read(p)
	if count > 0 {
		return count, nil
	}
	if err == nil {
		return 0, ErrEngineWantIO
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return 0, ErrEngineWantIO
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return 0, ErrStreamClosed
	}
	return 0, err
}

// Feed appends incoming ciphertext to the engine's inbound buffer,
// returning how many bytes were accepted. A partial count signals
// backpressure: the inbound buffer is full until the engine decodes.
func (s *EngineSession) Feed(p []byte) (int, error) {
	return s.pair.feed(p)
}

// DrainOutput appends all pending outbound ciphertext to dst and returns
// the extended slice, emptying the engine's outbound buffer.
func (s *EngineSession) DrainOutput(dst []byte) []byte {
	return s.pair.drainSend(dst)
}

// Close tears the session down.
//
// Closing queues a best-effort close-notify into the outbound buffer when
// the handshake had completed; whether it reaches the peer depends on the
// caller draining and sending it. An in-flight handshake is aborted and
// its goroutine reaped.
func (s *EngineSession) Close() error {
	err := s.conn.Close()
	s.pair.close()
	if s.started && !s.complete {
		<-s.done
	}
	return err
}

// wouldBlockError is the error the buffer pair returns for reads that
// cannot be satisfied right now. It implements [net.Error] with
// Timeout() == true so that crypto/tls treats it as a recoverable
// condition instead of poisoning the connection.
type wouldBlockError struct{}

var _ net.Error = wouldBlockError{}

// Error implements error.
func (wouldBlockError) Error() string { return "unistream: engine would block" }

// Timeout implements [net.Error].
func (wouldBlockError) Timeout() bool { return true }

// Temporary implements [net.Error].
func (wouldBlockError) Temporary() bool { return true }

// bufferPair is the in-memory [net.Conn] the engine runs against: the
// recv queue holds ciphertext from the transport for the engine to read,
// the send queue collects ciphertext the engine writes.
//
// During the handshake reads are blocking (the handshake goroutine parks
// until fed); afterwards reads return [wouldBlockError] when the recv
// queue is empty. The recv queue is bounded by [engineRecvBufferSize];
// the send queue is elastic and never pushes back on the engine.
type bufferPair struct {
	mu          sync.Mutex
	dataReady   *sync.Cond
	parkChanged *sync.Cond
	recv        []byte
	send        []byte
	nonblocking bool
	waiting     bool
	closed      bool
}

func newBufferPair() *bufferPair {
	pair := &bufferPair{}
	pair.dataReady = sync.NewCond(&pair.mu)
	pair.parkChanged = sync.NewCond(&pair.mu)
	return pair
}

// Read implements [net.Conn]. Only the engine calls this.
func (p *bufferPair) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.closed {
			return 0, net.ErrClosed
		}
		if len(p.recv) > 0 {
			n := copy(b, p.recv)
			p.recv = p.recv[:copy(p.recv, p.recv[n:])]
			return n, nil
		}
		if p.nonblocking {
			return 0, wouldBlockError{}
		}
		p.waiting = true
		p.parkChanged.Broadcast()
		p.dataReady.Wait()
		p.waiting = false
	}
}

// Write implements [net.Conn]. Only the engine calls this.
func (p *bufferPair) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, net.ErrClosed
	}
	p.send = append(p.send, b...)
	return len(b), nil
}

// feed is the adapter side of the recv queue.
func (p *bufferPair) feed(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, net.ErrClosed
	}
	room := engineRecvBufferSize - len(p.recv)
	if room < 0 {
		room = 0
	}
	n := len(b)
	if n > room {
		n = room
	}
	p.recv = append(p.recv, b[:n]...)
	if n > 0 {
		p.dataReady.Broadcast()
	}
	return n, nil
}

// drainSend is the adapter side of the send queue.
func (p *bufferPair) drainSend(dst []byte) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	dst = append(dst, p.send...)
	p.send = p.send[:0]
	return dst
}

// waitParked blocks until the engine reader is parked with an empty recv
// queue (i.e., it consumed everything and needs more peer bytes) or done
// is closed. This is what makes handshake stepping deterministic: when it
// returns, the engine has gone as far as the bytes fed so far allow.
func (p *bufferPair) waitParked(done <-chan struct{}) {
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-done:
			p.mu.Lock()
			p.parkChanged.Broadcast()
			p.mu.Unlock()
		case <-finished:
		}
	}()
	isDone := func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for !(p.waiting && len(p.recv) == 0) && !p.closed && !isDone() {
		p.parkChanged.Wait()
	}
}

// setNonblocking switches reads to nonblocking mode once the handshake
// goroutine is gone.
func (p *bufferPair) setNonblocking() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nonblocking = true
	p.dataReady.Broadcast()
}

func (p *bufferPair) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.dataReady.Broadcast()
	p.parkChanged.Broadcast()
}

// Close implements [net.Conn].
func (p *bufferPair) Close() error {
	p.close()
	return nil
}

// bufferPairAddr is the placeholder address of the in-memory pair.
type bufferPairAddr struct{}

// Network implements [net.Addr].
func (bufferPairAddr) Network() string { return "engine" }

// String implements [net.Addr].
func (bufferPairAddr) String() string { return "engine" }

// LocalAddr implements [net.Conn].
func (p *bufferPair) LocalAddr() net.Addr { return bufferPairAddr{} }

// RemoteAddr implements [net.Conn].
func (p *bufferPair) RemoteAddr() net.Addr { return bufferPairAddr{} }

// SetDeadline implements [net.Conn]. Deadlines are not used by the
// adapter; the engine is driven by nonblocking stepping instead.
func (p *bufferPair) SetDeadline(t time.Time) error { return nil }

// SetReadDeadline implements [net.Conn].
func (p *bufferPair) SetReadDeadline(t time.Time) error { return nil }

// SetWriteDeadline implements [net.Conn].
func (p *bufferPair) SetWriteDeadline(t time.Time) error { return nil }
