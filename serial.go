// SPDX-License-Identifier: GPL-3.0-or-later

package unistream

import (
	"log/slog"

	"go.bug.st/serial"
)

// SerialOptions configures a serial port opened by [OpenSerialStream].
//
// The zero value selects 115200 8N1, the conventional default for
// device links.
type SerialOptions struct {
	// BaudRate is the line speed. Zero means 115200.
	BaudRate int

	// DataBits is the number of data bits. Zero means 8.
	DataBits int

	// Parity is one of "N" (none), "O" (odd), or "E" (even).
	// Empty means "N".
	Parity string

	// TwoStopBits selects two stop bits instead of one.
	TwoStopBits bool
}

func (o *SerialOptions) mode() *serial.Mode {
	mode := &serial.Mode{
		BaudRate: o.BaudRate,
		DataBits: o.DataBits,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if mode.BaudRate <= 0 {
		mode.BaudRate = 115200
	}
	if mode.DataBits <= 0 {
		mode.DataBits = 8
	}
	switch o.Parity {
	case "O":
		mode.Parity = serial.OddParity
	case "E":
		mode.Parity = serial.EvenParity
	}
	if o.TwoStopBits {
		mode.StopBits = serial.TwoStopBits
	}
	return mode
}

// OpenSerialStream opens the serial device (e.g., "/dev/ttyUSB0") and
// exposes it through the nonblocking [Stream] contract.
//
// The cfg argument contains the common configuration for unistream
// operations.
//
// The opts argument may be nil for defaults (115200 8N1).
//
// The logger argument is the [SLogger] to use for structured logging.
//
// The port is placed in nonblocking read mode: Read returns (0, nil)
// when the device has nothing buffered.
func OpenSerialStream(cfg *Config, device string, opts *SerialOptions, logger SLogger) (*SerialStream, error) {
	if opts == nil {
		opts = &SerialOptions{}
	}
	t0 := cfg.TimeNow()
	port, err := serial.Open(device, opts.mode())
	if err == nil {
		err = port.SetReadTimeout(0)
		if err != nil {
			port.Close()
		}
	}
	logger.Info(
		"serialOpenDone",
		slog.Any("err", err),
		slog.String("errClass", cfg.ErrClassifier.Classify(err)),
		slog.String("localAddr", device),
		slog.String("protocol", "serial"),
		slog.Time("t0", t0),
		slog.Time("t", cfg.TimeNow()),
	)
	if err != nil {
		return nil, err
	}
	return &SerialStream{port: port}, nil
}

// SerialStream adapts a serial port to the [Stream] contract.
//
// Construct via [OpenSerialStream].
type SerialStream struct {
	port serial.Port
}

var _ Stream = &SerialStream{}

// Read implements [Stream].
func (s *SerialStream) Read(p []byte) (int, error) {
	return s.port.Read(p)
}

// Write implements [Stream].
//
// Serial writes land in the driver's transmit buffer; [*SerialStream.Flush]
// waits for the buffer to drain onto the wire.
func (s *SerialStream) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

// Flush implements [Stream].
func (s *SerialStream) Flush() error {
	return s.port.Drain()
}

// Close implements [Stream].
func (s *SerialStream) Close() error {
	return s.port.Close()
}
