// SPDX-License-Identifier: GPL-3.0-or-later

package unistream

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/bassosimone/runtimex"
)

// readStageSize is the size of the fixed staging buffer holding
// ciphertext read from the transport but not yet accepted by the engine.
const readStageSize = 512

// DialTLSStream connects a TCP transport to the given "host:port"
// address and layers a client [*TLSStream] on top of it.
//
// The tcx argument provides certificates and verification policy. The
// cfg argument contains the common configuration for unistream
// operations. The logger argument is the [SLogger] to use for
// structured logging.
//
// The first handshake flight is queued but not sent: call
// [*TLSStream.Flush] and then [*TLSStream.Read] in a loop to make
// handshake progress, exactly as for application data.
func DialTLSStream(ctx context.Context, tcx *TLSContext, cfg *Config, address string, logger SLogger) (*TLSStream, error) {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	transport, err := DialTCPStream(ctx, cfg, address, logger)
	if err != nil {
		return nil, err
	}
	stream, err := NewTLSClientStream(tcx, cfg, transport, host, logger)
	if err != nil {
		transport.Close()
		return nil, err
	}
	return stream, nil
}

// AcceptTLSStream accepts a pending connection from the given listener
// and layers a server [*TLSStream] on top of it.
//
// When nothing is pending it returns [ErrNoNewConnection] unmodified.
// The handshake is not driven eagerly: a server must wait for the
// client's first flight, so it proceeds on the first
// [*TLSStream.Read].
func AcceptTLSStream(tcx *TLSContext, cfg *Config, listener Listener, logger SLogger) (*TLSStream, error) {
	transport, err := listener.Accept()
	if err != nil {
		return nil, err
	}
	stream, err := NewTLSServerStream(tcx, cfg, transport, logger)
	if err != nil {
		transport.Close()
		return nil, err
	}
	logger.Info(
		"tlsAccept",
		slog.String("engine", tcx.Engine.Name()),
		slog.String("protocol", "tls"),
		slog.String("spanID", stream.spanID),
		slog.Time("t", cfg.TimeNow()),
	)
	return stream, nil
}

// NewTLSClientStream layers a client [*TLSStream] over any transport
// [Stream], taking ownership of it on success only.
//
// The serverName argument is the name the peer certificate must match;
// it also selects SNI.
//
// One handshake step runs eagerly so the first flight is queued before
// this function returns; nothing is sent until [*TLSStream.Flush].
func NewTLSClientStream(tcx *TLSContext, cfg *Config, transport Stream, serverName string, logger SLogger) (*TLSStream, error) {
	stream := newTLSStream(cfg, transport, logger)
	t0 := cfg.TimeNow()
	logger.Info(
		"tlsOpenStart",
		slog.String("engine", tcx.Engine.Name()),
		slog.String("protocol", "tls"),
		slog.String("serverName", serverName),
		slog.String("spanID", stream.spanID),
		slog.Time("t", t0),
	)
	stream.session = NewEngineSession(tcx.Engine, tcx.clientConfig(serverName), false)
	err := stream.driveHandshake()
	logger.Info(
		"tlsOpenDone",
		slog.String("engine", tcx.Engine.Name()),
		slog.Any("err", err),
		slog.String("errClass", cfg.ErrClassifier.Classify(err)),
		slog.String("protocol", "tls"),
		slog.String("serverName", serverName),
		slog.String("spanID", stream.spanID),
		slog.Time("t0", t0),
		slog.Time("t", cfg.TimeNow()),
	)
	if err != nil {
		stream.session.Close()
		return nil, err
	}
	return stream, nil
}

// NewTLSServerStream layers a server [*TLSStream] over any transport
// [Stream], taking ownership of it on success only.
//
// It fails when tcx has no server certificate configured.
func NewTLSServerStream(tcx *TLSContext, cfg *Config, transport Stream, logger SLogger) (*TLSStream, error) {
	config, err := tcx.serverConfig()
	if err != nil {
		return nil, err
	}
	stream := newTLSStream(cfg, transport, logger)
	stream.session = NewEngineSession(tcx.Engine, config, true)
	return stream, nil
}

func newTLSStream(cfg *Config, transport Stream, logger SLogger) *TLSStream {
	runtimex.Assert(cfg.PlainQueueCap > 0)
	return &TLSStream{
		errClassifier: cfg.ErrClassifier,
		logger:        logger,
		plainCap:      cfg.PlainQueueCap,
		spanID:        NewSpanID(),
		stage:         make([]byte, readStageSize),
		timeNow:       cfg.TimeNow,
		transport:     transport,
	}
}

// TLSStream couples a TLS engine session to a transport [Stream] through
// in-memory buffers and re-exposes the [Stream] contract, making TLS a
// drop-in transport layer.
//
// Write stages plaintext in a bounded queue; encryption happens in
// Write, Flush, and Read pumps, and ciphertext accumulates in an elastic
// send queue drained opportunistically to the transport. Flush must be
// called after writes, and periodically even absent new writes, since
// previously buffered ciphertext may remain unsent. Read pulls transport
// ciphertext through a fixed staging buffer into the engine and decodes
// as much as the caller's buffer allows.
//
// Like the transports underneath, a TLSStream must be driven by one
// goroutine at a time.
//
// Construct via [DialTLSStream], [AcceptTLSStream],
// [NewTLSClientStream], or [NewTLSServerStream].
type TLSStream struct {
	transport Stream
	session   *EngineSession

	// plainq holds plaintext pending encryption, never above plainCap.
	plainq   []byte
	plainCap int

	// sendq holds ciphertext pending transmission.
	sendq []byte

	// stage[:stageLen] holds ciphertext read from the transport but
	// not yet accepted by the engine (inbound backpressure).
	stage    []byte
	stageLen int

	// err, once set, makes every later operation fail the same way.
	err error

	hsLogged      bool
	errClassifier ErrClassifier
	logger        SLogger
	spanID        string
	timeNow       func() time.Time
}

var (
	_ Stream           = &TLSStream{}
	_ transportCarrier = &TLSStream{}
)

// transportStream lets [Select] poll the transport directly: TLS
// readiness reduces to transport readiness, since internally buffered
// state is drained opportunistically by the next read, write, or flush.
func (s *TLSStream) transportStream() Stream {
	return s.transport
}

// ConnectionState returns the engine's [tls.ConnectionState].
func (s *TLSStream) ConnectionState() tls.ConnectionState {
	return s.session.ConnectionState()
}

// HandshakeComplete reports whether the handshake finished.
func (s *TLSStream) HandshakeComplete() bool {
	return s.session.HandshakeComplete()
}

// fail records the first fatal error; later operations keep failing
// with it.
func (s *TLSStream) fail(err error) {
	if s.err == nil {
		s.err = err
	}
}

// driveHandshake advances the handshake as far as the ciphertext fed so
// far allows, moving any produced flight into the send queue. Want-IO
// is a no-op; any other error is fatal.
func (s *TLSStream) driveHandshake() error {
	err := s.session.HandshakeStep()
	s.drainEngineOutput()
	if errors.Is(err, ErrEngineWantIO) {
		return nil
	}
	return err
}

// drainEngineOutput moves the engine's pending ciphertext into the send
// queue. This is the single shared routine behind the handshake driver,
// the encrypt pump, and the decode path.
func (s *TLSStream) drainEngineOutput() {
	s.sendq = s.session.DrainOutput(s.sendq)
}

// encryptPending encodes queued plaintext until the engine stops making
// progress, draining produced ciphertext into the send queue.
func (s *TLSStream) encryptPending() error {
	for len(s.plainq) > 0 {
		count, err := s.session.Encrypt(s.plainq)
		s.drainEngineOutput()
		if count > 0 {
			s.plainq = s.plainq[:copy(s.plainq, s.plainq[count:])]
		}
		if errors.Is(err, ErrEngineWantIO) {
			return nil
		}
		if err != nil {
			return err
		}
		if count <= 0 {
			return nil
		}
	}
	return nil
}

// drainSendQueue pushes queued ciphertext to the transport without
// blocking; whatever the transport does not accept stays queued.
func (s *TLSStream) drainSendQueue() error {
	for len(s.sendq) > 0 {
		count, err := s.transport.Write(s.sendq)
		if count > 0 {
			s.sendq = s.sendq[:copy(s.sendq, s.sendq[count:])]
		}
		if err != nil {
			return err
		}
		if count <= 0 {
			return nil
		}
	}
	return nil
}

// Write implements [Stream].
//
// Bytes are staged in the plaintext queue up to its cap; a count below
// len(p) means the cap was hit and the caller should flush and retry
// with the remainder. When the cap is hit, one encrypt-and-drain pass
// runs to free capacity for the next call.
func (s *TLSStream) Write(p []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	take := min(s.plainCap-len(s.plainq), len(p))
	s.plainq = append(s.plainq, p[:take]...)
	runtimex.Assert(len(s.plainq) <= s.plainCap)
	if take >= len(p) {
		return take, nil
	}
	if err := s.encryptPending(); err != nil {
		s.fail(err)
		return take, s.err
	}
	if err := s.drainSendQueue(); err != nil {
		s.fail(err)
		return take, s.err
	}
	return take, nil
}

// Flush implements [Stream].
//
// It loops encrypt-and-drain and send-drain until neither makes
// progress, pushing buffered plaintext as far toward the wire as
// currently possible without blocking, then flushes the transport.
func (s *TLSStream) Flush() error {
	if s.err != nil {
		return s.err
	}
	for {
		plainBefore, sendBefore := len(s.plainq), len(s.sendq)
		if err := s.encryptPending(); err != nil {
			s.fail(err)
			return s.err
		}
		if err := s.drainSendQueue(); err != nil {
			s.fail(err)
			return s.err
		}
		encrypted := plainBefore - len(s.plainq)
		if encrypted <= 0 && len(s.sendq) >= sendBefore {
			break
		}
	}
	s.logger.Debug(
		"tlsFlush",
		slog.Int("ciphertextQueued", len(s.sendq)),
		slog.Int("plaintextQueued", len(s.plainq)),
		slog.String("spanID", s.spanID),
	)
	return s.transport.Flush()
}

// Read implements [Stream].
//
// Zero bytes with a nil error means nothing is decodable yet; in
// particular every Read returning while the handshake is still
// incomplete yields zero bytes even when it consumed ciphertext from
// the transport. A Read that completes the handshake proceeds to decode
// in the same call.
//
// A fatal decode or transport error hit after some bytes were already
// decoded is held back and reported by the next call, so decoded bytes
// are never discarded alongside the error.
func (s *TLSStream) Read(p []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	total := 0
	for {
		progress := false

		// Top up the staging buffer from the transport.
		if s.stageLen < len(s.stage) {
			count, err := s.transport.Read(s.stage[s.stageLen:])
			if count > 0 {
				s.stageLen += count
				progress = true
			}
			if err != nil {
				s.fail(err)
				return s.readResult(total)
			}
		}

		// Feed staged ciphertext to the engine. A partial accept is
		// engine backpressure: compact and retry on a later pass.
		if s.stageLen > 0 {
			count, err := s.session.Feed(s.stage[:s.stageLen])
			if err != nil {
				s.fail(err)
				return s.readResult(total)
			}
			if count > 0 {
				s.stageLen = copy(s.stage, s.stage[count:s.stageLen])
				progress = true
			}
		}

		// Drive the handshake; no plaintext crosses before completion.
		if !s.session.HandshakeComplete() {
			if err := s.driveHandshake(); err != nil {
				s.fail(err)
				return s.readResult(total)
			}
			if !s.session.HandshakeComplete() {
				if progress {
					continue
				}
				if err := s.drainSendQueue(); err != nil {
					s.fail(err)
				}
				return total, nil
			}
			progress = true
			s.logHandshakeDone()
		}

		// Decode while the caller buffer has room. Decoding may
		// produce outbound records (rekeying), drained right away.
		for total < len(p) {
			count, err := s.session.Decrypt(p[total:])
			s.drainEngineOutput()
			if count > 0 {
				total += count
				progress = true
				continue
			}
			if errors.Is(err, ErrEngineWantIO) {
				break
			}
			s.fail(err)
			return s.readResult(total)
		}

		if total >= len(p) || !progress {
			if err := s.drainSendQueue(); err != nil {
				s.fail(err)
			}
			return total, nil
		}
	}
}

// readResult reports a fatal read: decoded bytes obtained before the
// failure are still delivered, and the stored error surfaces on the
// next call.
func (s *TLSStream) readResult(total int) (int, error) {
	if total > 0 {
		return total, nil
	}
	return 0, s.err
}

func (s *TLSStream) logHandshakeDone() {
	if s.hsLogged {
		return
	}
	s.hsLogged = true
	state := s.session.ConnectionState()
	s.logger.Info(
		"tlsHandshakeDone",
		slog.String("protocol", "tls"),
		slog.String("spanID", s.spanID),
		slog.Time("t", s.timeNow()),
		slog.String("tlsCipherSuite", tls.CipherSuiteName(state.CipherSuite)),
		slog.String("tlsNegotiatedProtocol", state.NegotiatedProtocol),
		slog.String("tlsVersion", tls.VersionName(state.Version)),
	)
}

// Close implements [Stream].
//
// Closing queues a close-notify and attempts to send it once without
// blocking; it is not guaranteed to reach the peer. Buffered plaintext
// and unsent ciphertext are discarded.
func (s *TLSStream) Close() error {
	t0 := s.timeNow()
	s.logger.Info(
		"tlsCloseStart",
		slog.String("protocol", "tls"),
		slog.String("spanID", s.spanID),
		slog.Time("t", t0),
	)
	s.session.Close()
	s.drainEngineOutput()
	if s.err == nil {
		s.drainSendQueue()
	}
	s.plainq, s.sendq = nil, nil
	s.stageLen = 0
	err := s.transport.Close()
	s.fail(ErrStreamClosed)
	s.logger.Info(
		"tlsCloseDone",
		slog.Any("err", err),
		slog.String("errClass", s.errClassifier.Classify(err)),
		slog.String("protocol", "tls"),
		slog.String("spanID", s.spanID),
		slog.Time("t0", t0),
		slog.Time("t", s.timeNow()),
	)
	return err
}
