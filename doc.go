// SPDX-License-Identifier: GPL-3.0-or-later

// Package unistream exposes a uniform nonblocking byte-stream interface
// over heterogeneous transports, plus a TLS adapter that layers record
// encryption on top of any of them.
//
// # Core Abstraction
//
// The package is built around a single interface:
//
//	type Stream interface {
//		Read(p []byte) (int, error)
//		Write(p []byte) (int, error)
//		Flush() error
//		Close() error
//	}
//
// Every transport implements the same nonblocking contract: Read returns
// (0, nil) when nothing is available, Write may accept fewer bytes than
// offered, and no method ever blocks on network I/O. "Waiting" is always
// expressed as a partial result the caller retries, either through its
// own poll loop or through [Select]. This symmetry is what allows
// transparent layering: the TLS adapter consumes a Stream below and
// re-exposes a Stream above, making encryption a drop-in transport.
//
// # Available Transports
//
//   - [NewMemPipe], [NewMemListener]: in-memory duplex streams with
//     bounded buffers, for loopback use and tests
//   - [DialTCPStream], [ListenTCPStream]: TCP with nonblocking reads,
//     writes, and accepts
//   - [OpenFileStream]: files exposed through the stream contract
//   - [OpenSerialStream]: serial ports (closed-network device links)
//   - [DialTLSStream], [AcceptTLSStream], [NewTLSClientStream],
//     [NewTLSServerStream]: the TLS adapter over any transport Stream
//
// # TLS Adapter
//
// [*TLSStream] does not hand a socket to the TLS implementation. Instead
// the engine session runs against a pair of in-memory buffers: the
// adapter feeds incoming ciphertext into one and drains outgoing
// ciphertext from the other, shuttling bytes between the engine and the
// owned transport Stream in nonblocking pump loops. Encryption therefore
// composes with any transport and with the single generic [Select] model.
//
// Because encryption and transmission are decoupled, callers MUST call
// [*TLSStream.Flush] after writing and periodically even when nothing new
// was written: previously buffered ciphertext (including handshake
// flights) may still be waiting to go out.
//
// Engine configuration lives in a [*TLSContext], constructed explicitly
// from [*TLSOptions] and shared read-only by every stream created under
// it. Multiple independent contexts per process are supported.
//
// # Connection Lifecycle
//
// A [*TLSStream] exclusively owns its transport Stream and engine
// session: closing the TLS stream tears down the engine and then closes
// the transport. Constructors that fail release everything they built
// before returning. [AcceptTLSStream] forwards [ErrNoNewConnection]
// untouched, so accept loops treat the TLS listener exactly like a plain
// one. [WatchCancel] ties a stream's lifetime to a [context.Context] so
// poll loops exit promptly on external cancellation.
//
// # Observability
//
// All operations support structured logging via [SLogger] (compatible
// with [log/slog]). By default, logging is disabled. Error classification
// is configurable via [ErrClassifier] and uses errclass by default. Use
// [NewSpanID] to generate a unique, time-ordered identifier
// (UUIDv7) for each stream and attach it to the logger with
// [*slog.Logger.With].
//
// Wrap any Stream with [NewObserveStream] to log every read, write,
// flush, and close that crosses it.
//
// Lifecycle events (open, accept, handshake completion, close) are
// emitted at [slog.LevelInfo]; per-I/O events at [slog.LevelDebug]. All
// events share common fields where applicable: localAddr, remoteAddr,
// protocol, and t (timestamp); completion events additionally include t0
// (start time), err, and errClass.
//
// # Concurrency Model
//
// There is one logical flow of control per stream. Each stream's buffers
// and engine session are mutated only by whichever goroutine is currently
// driving that stream; there is no internal locking on the hot path and
// no internal timer. A [*TLSContext] is read-only after construction and
// safe to share across streams and goroutines.
//
// # Design Boundaries
//
// The following are out of scope and should be implemented by
// higher-level packages: certificate issuance and management tooling,
// cryptographic primitives, retry and backoff policies, and connection
// pooling.
package unistream
