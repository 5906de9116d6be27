// SPDX-License-Identifier: GPL-3.0-or-later

package unistream

import (
	"log/slog"
	"sync"
	"time"
)

// NewObserveStream wraps a [Stream] so that every operation is logged.
//
// The cfg argument contains the common configuration for unistream
// operations.
//
// The label argument names the underlying transport in log events
// (e.g., "tcp", "serial").
//
// The logger argument is the [SLogger] to use for structured logging.
//
// Reads, writes, and flushes are logged at Debug level; close at Info.
// The wrapper is transparent to [Select]: readiness is probed on the
// underlying stream.
func NewObserveStream(cfg *Config, stream Stream, label string, logger SLogger) *ObserveStream {
	return &ObserveStream{
		errClassifier: cfg.ErrClassifier,
		logger:        logger,
		protocol:      label,
		spanID:        NewSpanID(),
		stream:        stream,
		timeNow:       cfg.TimeNow,
	}
}

// ObserveStream observes a [Stream] to log I/O operations.
//
// Construct via [NewObserveStream].
type ObserveStream struct {
	closeonce     sync.Once
	errClassifier ErrClassifier
	logger        SLogger
	protocol      string
	spanID        string
	stream        Stream
	timeNow       func() time.Time
}

var (
	_ Stream           = &ObserveStream{}
	_ transportCarrier = &ObserveStream{}
)

// transportStream lets [Select] probe the wrapped stream directly.
func (s *ObserveStream) transportStream() Stream {
	return s.stream
}

// Read implements [Stream].
func (s *ObserveStream) Read(p []byte) (int, error) {
	t0 := s.timeNow()
	count, err := s.stream.Read(p)
	s.logger.Debug(
		"readDone",
		slog.Int("ioBytesCount", count),
		slog.Any("err", err),
		slog.String("errClass", s.errClassifier.Classify(err)),
		slog.String("protocol", s.protocol),
		slog.String("spanID", s.spanID),
		slog.Time("t", s.timeNow()),
		slog.Time("t0", t0),
	)
	return count, err
}

// Write implements [Stream].
func (s *ObserveStream) Write(p []byte) (int, error) {
	t0 := s.timeNow()
	count, err := s.stream.Write(p)
	s.logger.Debug(
		"writeDone",
		slog.Int("ioBufferSize", len(p)),
		slog.Int("ioBytesCount", count),
		slog.Any("err", err),
		slog.String("errClass", s.errClassifier.Classify(err)),
		slog.String("protocol", s.protocol),
		slog.String("spanID", s.spanID),
		slog.Time("t", s.timeNow()),
		slog.Time("t0", t0),
	)
	return count, err
}

// Flush implements [Stream].
func (s *ObserveStream) Flush() error {
	err := s.stream.Flush()
	s.logger.Debug(
		"flushDone",
		slog.Any("err", err),
		slog.String("errClass", s.errClassifier.Classify(err)),
		slog.String("protocol", s.protocol),
		slog.String("spanID", s.spanID),
		slog.Time("t", s.timeNow()),
	)
	return err
}

// Close implements [Stream].
//
// Subsequent calls return [ErrStreamClosed], consistent with the
// package-wide behavior for closed streams.
func (s *ObserveStream) Close() (err error) {
	err = ErrStreamClosed
	s.closeonce.Do(func() {
		t0 := s.timeNow()
		s.logger.Info(
			"closeStart",
			slog.String("protocol", s.protocol),
			slog.String("spanID", s.spanID),
			slog.Time("t", t0),
		)

		err = s.stream.Close()

		s.logger.Info(
			"closeDone",
			slog.Any("err", err),
			slog.String("errClass", s.errClassifier.Classify(err)),
			slog.String("protocol", s.protocol),
			slog.String("spanID", s.spanID),
			slog.Time("t", s.timeNow()),
			slog.Time("t0", t0),
		)
	})
	return
}
