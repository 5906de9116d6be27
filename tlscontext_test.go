// SPDX-License-Identifier: GPL-3.0-or-later

package unistream

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// LoadTLSOptions parses the recognized YAML options.
func TestLoadTLSOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "security.yaml")
	content := `
certificate-directory: /etc/myapp/certs
server-certificate-file: server.pem
server-key-file: server.key
client-trust-chain: "block:3"
verification-relaxation: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	opts, err := LoadTLSOptions(path)
	require.NoError(t, err)
	assert.Equal(t, "/etc/myapp/certs", opts.CertDir)
	assert.Equal(t, "server.pem", opts.ServerCertFile)
	assert.Equal(t, "server.key", opts.ServerKeyFile)
	assert.Equal(t, "block:3", opts.ClientTrustChain)
	assert.True(t, opts.RelaxVerification)
}

func TestLoadTLSOptionsMissingFile(t *testing.T) {
	opts, err := LoadTLSOptions(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	assert.Nil(t, opts)
	assert.Error(t, err)
}

func TestLoadTLSOptionsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "security.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{not yaml"), 0o600))

	opts, err := LoadTLSOptions(path)
	assert.Nil(t, opts)
	assert.Error(t, err)
}

// funcBlobStore is a [BlobStore] whose behavior is defined by the
// function it contains.
type funcBlobStore struct {
	LoadBlockFunc func(id int) ([]byte, error)
}

func (s *funcBlobStore) LoadBlock(id int) ([]byte, error) {
	return s.LoadBlockFunc(id)
}

// A "block:N" trust chain is resolved through the blob store.
func TestNewTLSContextBlobTrustChain(t *testing.T) {
	certPEM, _ := newTestCertificate(
		t, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))

	var gotID int
	ctx, err := NewTLSContext(&TLSOptions{
		ClientTrustChain: "block:7",
		Blobs: &funcBlobStore{
			LoadBlockFunc: func(id int) ([]byte, error) {
				gotID = id
				return certPEM, nil
			},
		},
	})
	require.NoError(t, err)
	defer ctx.Close()
	assert.Equal(t, 7, gotID)
}

func TestNewTLSContextBlobErrors(t *testing.T) {
	t.Run("bad block id", func(t *testing.T) {
		_, err := NewTLSContext(&TLSOptions{
			ClientTrustChain: "block:abc",
			Blobs: &funcBlobStore{
				LoadBlockFunc: func(id int) ([]byte, error) {
					return nil, nil
				},
			},
		})
		assert.Error(t, err)
	})

	t.Run("no blob store", func(t *testing.T) {
		_, err := NewTLSContext(&TLSOptions{
			ClientTrustChain: "block:1",
		})
		assert.Error(t, err)
	})

	t.Run("blob store failure", func(t *testing.T) {
		wantErr := errors.New("block not found")
		_, err := NewTLSContext(&TLSOptions{
			ClientTrustChain: "block:1",
			Blobs: &funcBlobStore{
				LoadBlockFunc: func(id int) ([]byte, error) {
					return nil, wantErr
				},
			},
		})
		assert.ErrorIs(t, err, wantErr)
	})
}

func TestNewTLSContextTrustChainErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := NewTLSContext(&TLSOptions{
			ClientTrustChain: filepath.Join(t.TempDir(), "nonexistent.pem"),
		})
		assert.Error(t, err)
	})

	t.Run("garbage PEM", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "chain.pem")
		require.NoError(t, os.WriteFile(path, []byte("not a certificate"), 0o600))
		_, err := NewTLSContext(&TLSOptions{ClientTrustChain: path})
		assert.Error(t, err)
	})
}

// A context without a server certificate cannot build server streams.
func TestTLSContextNoServerCertificate(t *testing.T) {
	ctx, err := NewTLSContext(&TLSOptions{})
	require.NoError(t, err)
	defer ctx.Close()

	left, _ := NewMemPipe(0)
	stream, err := NewTLSServerStream(ctx, NewConfig(), left, DefaultSLogger())
	assert.Nil(t, stream)
	assert.Error(t, err)
}

// tryHandshake runs a loopback handshake between the given contexts and
// reports how it ended.
func tryHandshake(t *testing.T, clientCtx, serverCtx *TLSContext) error {
	t.Helper()
	left, right := NewMemPipe(0)
	client, err := NewTLSClientStream(clientCtx, NewConfig(), left, "localhost", DefaultSLogger())
	require.NoError(t, err)
	defer client.Close()
	server, err := NewTLSServerStream(serverCtx, NewConfig(), right, DefaultSLogger())
	require.NoError(t, err)
	defer server.Close()

	buf := make([]byte, 1024)
	for range 64 {
		if client.HandshakeComplete() && server.HandshakeComplete() {
			return nil
		}
		if err := client.Flush(); err != nil {
			return err
		}
		if _, err := server.Read(buf); err != nil {
			return err
		}
		if err := server.Flush(); err != nil {
			return err
		}
		if _, err := client.Read(buf); err != nil {
			return err
		}
	}
	t.Fatal("handshake neither completed nor failed")
	return nil
}

// Strict verification rejects an expired peer certificate; relaxed
// verification accepts it while still requiring the configured trust
// anchors.
func TestTLSContextRelaxedVerification(t *testing.T) {
	t.Run("strict rejects expired", func(t *testing.T) {
		clientCtx, serverCtx := newTestTLSContexts(
			t, time.Now().Add(-48*time.Hour), time.Now().Add(-24*time.Hour), false)
		err := tryHandshake(t, clientCtx, serverCtx)
		assert.Error(t, err)
	})

	t.Run("relaxed accepts expired", func(t *testing.T) {
		clientCtx, serverCtx := newTestTLSContexts(
			t, time.Now().Add(-48*time.Hour), time.Now().Add(-24*time.Hour), true)
		err := tryHandshake(t, clientCtx, serverCtx)
		assert.NoError(t, err)
	})

	t.Run("relaxed still rejects untrusted", func(t *testing.T) {
		// Trust anchors from one certificate, server key from another.
		clientCtx, _ := newTestTLSContexts(
			t, time.Now().Add(-time.Hour), time.Now().Add(time.Hour), true)
		_, serverCtx := newTestTLSContexts(
			t, time.Now().Add(-time.Hour), time.Now().Add(time.Hour), true)
		err := tryHandshake(t, clientCtx, serverCtx)
		assert.Error(t, err)
	})
}
