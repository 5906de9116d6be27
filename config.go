// SPDX-License-Identifier: GPL-3.0-or-later

package unistream

import (
	"net"
	"time"
)

// Config holds common configuration for unistream operations.
//
// Pass this to constructor functions to pre-wire dependencies.
// All fields have sensible defaults set by [NewConfig].
type Config struct {
	// Dialer is used by [DialTCPStream].
	//
	// Set by [NewConfig] to [*net.Dialer].
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConfig] to [DefaultErrClassifier].
	ErrClassifier ErrClassifier

	// PlainQueueCap bounds the per-stream queue of plaintext bytes
	// waiting to be encrypted by a [*TLSStream]. Writers are throttled
	// once the queue is full, until a Flush makes room.
	//
	// Set by [NewConfig] to [DefaultPlainQueueCap].
	PlainQueueCap int

	// TimeNow returns the current time.
	//
	// Set by [NewConfig] to [time.Now].
	TimeNow func() time.Time
}

// DefaultPlainQueueCap is the default capacity of the pending-plaintext
// queue of a [*TLSStream].
const DefaultPlainQueueCap = 256

// NewConfig creates a [*Config] with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Dialer:        &net.Dialer{},
		ErrClassifier: DefaultErrClassifier,
		PlainQueueCap: DefaultPlainQueueCap,
		TimeNow:       time.Now,
	}
}
