// SPDX-License-Identifier: GPL-3.0-or-later

package unistream

import (
	"context"
)

// WatchCancel arranges for the stream to be closed when the context is
// done (cancelled or deadline exceeded). This provides responsive
// cleanup on external cancellation (e.g., SIGINT via
// signal.NotifyContext) rather than waiting for the caller's poll loop
// to notice.
//
// The returned stream wraps the input stream. Closing the returned
// stream unregisters the context watcher and closes the underlying
// stream. This ensures no goroutine leaks even if the context is never
// cancelled.
//
// The watcher is safe to use with any [Stream] implementation because
// this package uses the [ErrStreamClosed] pattern: operations on a
// closed stream fail gracefully and a poll loop observes the error on
// its next call.
//
// Do not use this primitive when the stream will be returned and may
// outlive the current context.
func WatchCancel(ctx context.Context, stream Stream) Stream {
	stop := context.AfterFunc(ctx, func() {
		stream.Close()
	})
	return &cancelWatchedStream{Stream: stream, stop: stop}
}

// cancelWatchedStream wraps a [Stream] with a context cancellation watcher.
type cancelWatchedStream struct {
	Stream
	stop func() bool
}

var _ transportCarrier = &cancelWatchedStream{}

// transportStream lets [Select] probe the wrapped stream directly.
func (s *cancelWatchedStream) transportStream() Stream {
	return s.Stream
}

// Close unregisters the context watcher and closes the underlying stream.
func (s *cancelWatchedStream) Close() error {
	s.stop()
	return s.Stream.Close()
}
