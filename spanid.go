// SPDX-License-Identifier: GPL-3.0-or-later

package unistream

import (
	"github.com/bassosimone/runtimex"
	"github.com/google/uuid"
)

// NewSpanID returns a UUIDv7 representing a span.
//
// A span is a sequence of operations that can fail in a single, specific
// way. For example, the lifetime of a single TLS stream from open through
// handshake to close.
//
// We recommend attaching a span ID to the logger passed to stream
// constructors with [*slog.Logger.With], so that every event emitted for
// that stream can be correlated.
//
// The span terminology is borrowed from OTel.
//
// This function panics if the system random number generator fails,
// which should only happen under extraordinary circumstances.
func NewSpanID() string {
	return runtimex.PanicOnError1(uuid.NewV7()).String()
}
