// SPDX-License-Identifier: GPL-3.0-or-later

package unistream

import "sync"

// DefaultMemBufferSize is the per-direction buffer capacity used by
// [NewMemPipe] and [NewMemListener].
const DefaultMemBufferSize = 4096

// NewMemPipe returns two connected in-memory streams.
//
// Bytes written to one side become readable on the other. Each direction
// buffers at most size bytes (use 0 for [DefaultMemBufferSize]); once the
// buffer is full, Write accepts a partial count and the writer retries
// after the reader has drained, mirroring a socket's backpressure.
//
// Both sides follow the nonblocking [Stream] contract, which makes memory
// pipes suitable as loopback transports under the TLS adapter and as
// deterministic stand-ins for sockets in tests.
//
// Each side is safe for use by one goroutine at a time.
func NewMemPipe(size int) (*MemStream, *MemStream) {
	if size <= 0 {
		size = DefaultMemBufferSize
	}
	atob := newMemHalf(size)
	btoa := newMemHalf(size)
	a := &MemStream{recv: btoa, send: atob}
	b := &MemStream{recv: atob, send: btoa}
	return a, b
}

// MemStream is one endpoint of an in-memory stream pair.
//
// Construct via [NewMemPipe] or [*MemListener.Dial].
type MemStream struct {
	recv *memHalf
	send *memHalf
}

var _ Stream = &MemStream{}

// Read implements [Stream].
func (s *MemStream) Read(p []byte) (int, error) {
	return s.recv.read(p)
}

// Write implements [Stream].
func (s *MemStream) Write(p []byte) (int, error) {
	return s.send.write(p)
}

// Flush implements [Stream].
//
// Memory pipes deliver written bytes immediately, so this is a no-op.
func (s *MemStream) Flush() error {
	return nil
}

// Close implements [Stream].
//
// The peer observes [ErrStreamClosed] once it has drained any bytes
// buffered before the close.
func (s *MemStream) Close() error {
	s.send.close()
	s.recv.close()
	return nil
}

// waitReady implements the readiness probe used by [Select].
func (s *MemStream) waitReady(stop <-chan struct{}) bool {
	return s.recv.waitReadable(stop)
}

// memHalf is one direction of a memory pipe: an elastic byte queue with
// a capacity bound and readiness signalling.
type memHalf struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	size   int
	closed bool
}

func newMemHalf(size int) *memHalf {
	h := &memHalf{size: size}
	h.cond = sync.NewCond(&h.mu)
	return h
}

func (h *memHalf) read(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.buf) > 0 {
		n := copy(p, h.buf)
		h.buf = h.buf[:copy(h.buf, h.buf[n:])]
		return n, nil
	}
	if h.closed {
		return 0, ErrStreamClosed
	}
	return 0, nil
}

func (h *memHalf) write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, ErrStreamClosed
	}
	room := h.size - len(h.buf)
	if room < 0 {
		room = 0
	}
	n := len(p)
	if n > room {
		n = room
	}
	h.buf = append(h.buf, p[:n]...)
	if n > 0 {
		h.cond.Broadcast()
	}
	return n, nil
}

func (h *memHalf) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.cond.Broadcast()
}

// waitReadable blocks until the half has buffered bytes, is closed, or
// stop is closed. It reports whether the half may be readable.
func (h *memHalf) waitReadable(stop <-chan struct{}) bool {
	stopped := false
	cleanup := make(chan struct{})
	defer close(cleanup)
	go func() {
		select {
		case <-stop:
			h.mu.Lock()
			stopped = true
			h.cond.Broadcast()
			h.mu.Unlock()
		case <-cleanup:
		}
	}()
	h.mu.Lock()
	defer h.mu.Unlock()
	for len(h.buf) == 0 && !h.closed && !stopped {
		h.cond.Wait()
	}
	return len(h.buf) > 0 || h.closed
}

// NewMemListener returns a listener whose [*MemListener.Dial] creates a
// connected [*MemStream] pair, the far end of which is queued for
// [*MemListener.Accept].
//
// The size argument bounds each direction's buffer as in [NewMemPipe].
func NewMemListener(size int) *MemListener {
	if size <= 0 {
		size = DefaultMemBufferSize
	}
	return &MemListener{size: size}
}

// MemListener is an in-memory [Listener].
//
// It is safe for concurrent use: a dialer goroutine and an accepting
// goroutine may run in parallel, like the two ends of a socket.
type MemListener struct {
	mu      sync.Mutex
	pending []*MemStream
	closed  bool
	size    int
}

var _ Listener = &MemListener{}

// Dial returns a stream connected to this listener.
//
// The matching endpoint becomes available through [*MemListener.Accept].
func (l *MemListener) Dial() (*MemStream, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrStreamClosed
	}
	client, server := NewMemPipe(l.size)
	l.pending = append(l.pending, server)
	return client, nil
}

// Accept implements [Listener].
func (l *MemListener) Accept() (Stream, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrStreamClosed
	}
	if len(l.pending) <= 0 {
		return nil, ErrNoNewConnection
	}
	stream := l.pending[0]
	l.pending = l.pending[1:]
	return stream, nil
}

// Close implements [Listener].
func (l *MemListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	for _, stream := range l.pending {
		stream.Close()
	}
	l.pending = nil
	return nil
}
