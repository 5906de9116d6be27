// SPDX-License-Identifier: GPL-3.0-or-later

package unistream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.bug.st/serial"
)

// The zero value selects 115200 8N1.
func TestSerialOptionsDefaults(t *testing.T) {
	opts := &SerialOptions{}
	mode := opts.mode()
	assert.Equal(t, 115200, mode.BaudRate)
	assert.Equal(t, 8, mode.DataBits)
	assert.Equal(t, serial.NoParity, mode.Parity)
	assert.Equal(t, serial.OneStopBit, mode.StopBits)
}

func TestSerialOptionsMapping(t *testing.T) {
	opts := &SerialOptions{
		BaudRate:    9600,
		DataBits:    7,
		Parity:      "E",
		TwoStopBits: true,
	}
	mode := opts.mode()
	assert.Equal(t, 9600, mode.BaudRate)
	assert.Equal(t, 7, mode.DataBits)
	assert.Equal(t, serial.EvenParity, mode.Parity)
	assert.Equal(t, serial.TwoStopBits, mode.StopBits)
}

// Opening a nonexistent device reports an error.
func TestOpenSerialStreamMissingDevice(t *testing.T) {
	cfg := NewConfig()
	stream, err := OpenSerialStream(cfg, "/dev/nonexistent-device", nil, DefaultSLogger())
	assert.Nil(t, stream)
	assert.Error(t, err)
}
