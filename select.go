// SPDX-License-Identifier: GPL-3.0-or-later

package unistream

import (
	"errors"
	"time"
)

// SelectCustomEvent is returned by [Select] as the stream index when the
// caller's event channel fired before any stream became ready.
const SelectCustomEvent = -1

// ErrSelectTimeout is returned by [Select] when the timeout expired with
// no stream ready and no custom event.
var ErrSelectTimeout = errors.New("unistream: select timeout")

// selectable is implemented by transport streams that can report read
// readiness. waitReady blocks until the stream may be readable or stop
// is closed, and reports whether it is ready.
type selectable interface {
	waitReady(stop <-chan struct{}) bool
}

// transportCarrier is implemented by layered streams (notably
// [*TLSStream]) whose readiness reduces entirely to that of the transport
// stream they own: internally buffered state is always drained
// opportunistically on the next read, write, or flush, so no independent
// event exists at the upper layer.
type transportCarrier interface {
	transportStream() Stream
}

// Select blocks until one of the given streams may be readable, the event
// channel fires, or the timeout expires.
//
// It returns the index of a ready stream; or [SelectCustomEvent] with a
// nil error when event fired; or [SelectCustomEvent] with
// [ErrSelectTimeout] on timeout. "Ready" includes a stream whose next
// Read will report an error or an orderly close.
//
// The event argument may be nil if no custom wakeup is needed. A timeout
// of zero or less means wait indefinitely, matching the convention of the
// transports' native poll facilities.
//
// Layered streams are unwrapped to their transport stream first, so a mix
// of plain and TLS streams can be polled together. Streams that do not
// support readiness probing (file, serial) cause an error.
func Select(streams []Stream, event <-chan struct{}, timeout time.Duration) (int, error) {
	// Unwrap down to the transport layer and check support upfront.
	probes := make([]selectable, len(streams))
	for i, stream := range streams {
		for {
			carrier, good := stream.(transportCarrier)
			if !good {
				break
			}
			stream = carrier.transportStream()
		}
		probe, good := stream.(selectable)
		if !good {
			return SelectCustomEvent, errors.New("unistream: stream does not support select")
		}
		probes[i] = probe
	}

	stop := make(chan struct{})
	defer close(stop)
	ready := make(chan int, len(probes))
	for i, probe := range probes {
		go func(i int, probe selectable) {
			if probe.waitReady(stop) {
				ready <- i
			}
		}(i, probe)
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case i := <-ready:
		return i, nil
	case <-event:
		return SelectCustomEvent, nil
	case <-expired:
		return SelectCustomEvent, ErrSelectTimeout
	}
}
