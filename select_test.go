// SPDX-License-Identifier: GPL-3.0-or-later

package unistream

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Select returns the index of the stream whose peer wrote.
func TestSelectReadyStream(t *testing.T) {
	leftA, rightA := NewMemPipe(0)
	leftB, rightB := NewMemPipe(0)
	_ = rightA

	go func() {
		time.Sleep(10 * time.Millisecond)
		rightB.Write([]byte("wake"))
	}()

	index, err := Select([]Stream{leftA, leftB}, nil, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, index)
}

// Select reports ErrSelectTimeout when nothing happens in time.
func TestSelectTimeout(t *testing.T) {
	left, right := NewMemPipe(0)
	_ = right

	index, err := Select([]Stream{left}, nil, 10*time.Millisecond)
	assert.Equal(t, SelectCustomEvent, index)
	assert.ErrorIs(t, err, ErrSelectTimeout)
}

// Select returns SelectCustomEvent with a nil error when the event
// channel fires first.
func TestSelectCustomEvent(t *testing.T) {
	left, right := NewMemPipe(0)
	_ = right

	event := make(chan struct{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		close(event)
	}()

	index, err := Select([]Stream{left}, event, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, SelectCustomEvent, index)
}

// A closed peer counts as ready: the next Read reports the close.
func TestSelectClosedPeer(t *testing.T) {
	left, right := NewMemPipe(0)
	require.NoError(t, right.Close())

	index, err := Select([]Stream{left}, nil, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, index)
}

// TLS streams are polled through their transport stream.
func TestSelectTLSDelegation(t *testing.T) {
	cfg := NewConfig()
	client, server := newLoopbackTLSPair(t, cfg)
	defer client.Close()
	defer server.Close()

	go func() {
		time.Sleep(10 * time.Millisecond)
		server.Write([]byte("data"))
		server.Flush()
	}()

	index, err := Select([]Stream{client}, nil, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, index)

	buf := make([]byte, 16)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		count, err := client.Read(buf)
		require.NoError(t, err)
		if count > 0 {
			assert.Equal(t, "data", string(buf[:count]))
			return
		}
	}
	t.Fatal("no data decoded after readiness")
}

// Streams without a readiness probe are rejected.
func TestSelectUnsupportedStream(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bin")
	stream, err := OpenFileStream(path, true)
	require.NoError(t, err)
	defer stream.Close()

	index, err := Select([]Stream{stream}, nil, time.Second)
	assert.Equal(t, SelectCustomEvent, index)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSelectTimeout)
}
