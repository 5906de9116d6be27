// SPDX-License-Identifier: GPL-3.0-or-later

package unistream

import "errors"

// Stream is the uniform nonblocking byte-stream contract shared by every
// transport in this package (memory, TCP, file, serial, TLS).
//
// All methods use nonblocking semantics:
//
//   - Read returns (0, nil) when no data is currently available. The
//     caller retries, typically after [Select] or its own poll loop.
//
//   - Write may accept fewer bytes than offered (including zero) when the
//     stream cannot currently buffer more. The remainder stays with the
//     caller. A short write is not an error.
//
//   - Flush pushes previously buffered-but-unsent bytes toward the
//     destination as far as currently possible without blocking. Streams
//     that buffer internally (notably [*TLSStream]) require Flush to be
//     called after writing and periodically even absent new writes.
//
// Errors returned by Read and Write are terminal for the stream: the
// caller must Close. Transient "not ready" conditions are expressed as
// partial counts, never as errors.
type Stream interface {
	// Read reads up to len(p) bytes into p. It returns (0, nil) when
	// nothing is available yet.
	Read(p []byte) (int, error)

	// Write accepts up to len(p) bytes from p, returning how many were
	// taken. It returns (n, nil) with n < len(p) when the stream cannot
	// buffer more right now.
	Write(p []byte) (int, error)

	// Flush pushes buffered data onward without blocking.
	Flush() error

	// Close releases the stream. Buffered-but-unsent data may be lost.
	Close() error
}

// Listener accepts incoming connections for a transport.
//
// Accept is nonblocking: when no connection is pending it returns
// [ErrNoNewConnection], which is a retry condition rather than a failure.
type Listener interface {
	// Accept returns the next pending connection, or [ErrNoNewConnection].
	Accept() (Stream, error)

	// Close stops listening.
	Close() error
}

// ErrNoNewConnection is returned by [Listener.Accept] when no incoming
// connection is currently pending. Callers retry; they should never treat
// this as a failure.
var ErrNoNewConnection = errors.New("unistream: no new connection")

// ErrStreamClosed is returned by stream operations after the peer closed
// the connection in an orderly fashion, or after Close was called locally.
var ErrStreamClosed = errors.New("unistream: stream closed")
