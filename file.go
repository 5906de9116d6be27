// SPDX-License-Identifier: GPL-3.0-or-later

package unistream

import (
	"errors"
	"io"
	"os"
)

// OpenFileStream exposes a file through the [Stream] contract.
//
// When write is false the file is opened read-only; otherwise it is
// created if missing and opened for appending, which matches the typical
// log-capture use of file streams.
//
// Read at end of file returns (0, nil): new bytes appended by another
// process become readable on a later call, so polling a growing file
// works the same way as polling a socket.
func OpenFileStream(path string, write bool) (*FileStream, error) {
	flag := os.O_RDONLY
	if write {
		flag = os.O_CREATE | os.O_APPEND | os.O_WRONLY
	}
	file, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileStream{file: file, write: write}, nil
}

// FileStream adapts an [*os.File] to the [Stream] contract.
//
// Construct via [OpenFileStream].
type FileStream struct {
	file  *os.File
	write bool
}

var _ Stream = &FileStream{}

// Read implements [Stream].
func (s *FileStream) Read(p []byte) (int, error) {
	count, err := s.file.Read(p)
	if errors.Is(err, io.EOF) {
		return count, nil
	}
	return count, err
}

// Write implements [Stream].
func (s *FileStream) Write(p []byte) (int, error) {
	return s.file.Write(p)
}

// Flush implements [Stream] by syncing the file to stable storage.
func (s *FileStream) Flush() error {
	if !s.write {
		return nil
	}
	return s.file.Sync()
}

// Close implements [Stream].
func (s *FileStream) Close() error {
	return s.file.Close()
}
