// SPDX-License-Identifier: GPL-3.0-or-later

package unistream

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bassosimone/slogstub"
	"github.com/stretchr/testify/require"
)

// newCapturingLogger returns a logger that captures all log records into the
// returned slice. The caller can inspect the slice after exercising the code
// under test to verify which events were emitted.
func newCapturingLogger() (*slog.Logger, *[]slog.Record) {
	var records []slog.Record
	handler := &slogstub.FuncHandler{
		EnabledFunc: func(ctx context.Context, level slog.Level) bool {
			return true
		},
		HandleFunc: func(ctx context.Context, record slog.Record) error {
			records = append(records, record)
			return nil
		},
	}
	return slog.New(handler), &records
}

// funcTLSEngine is a [TLSEngine] whose behavior is defined by the
// functions it contains.
type funcTLSEngine struct {
	ClientFunc func(conn net.Conn, config *tls.Config) TLSConn
	ServerFunc func(conn net.Conn, config *tls.Config) TLSConn
	NameFunc   func() string
}

var _ TLSEngine = &funcTLSEngine{}

func (e *funcTLSEngine) Client(conn net.Conn, config *tls.Config) TLSConn {
	return e.ClientFunc(conn, config)
}

func (e *funcTLSEngine) Server(conn net.Conn, config *tls.Config) TLSConn {
	return e.ServerFunc(conn, config)
}

func (e *funcTLSEngine) Name() string {
	return e.NameFunc()
}

// newTestCertificate generates a self-signed certificate for "localhost"
// with the given validity window, returning PEM cert and key.
func newTestCertificate(t *testing.T, notBefore, notAfter time.Time) (certPEM, keyPEM []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "unistream test"},
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return
}

// newTestTLSContexts writes a fresh self-signed certificate to a temp
// dir and builds the matching server and client contexts. The client
// trusts exactly that certificate.
func newTestTLSContexts(t *testing.T, notBefore, notAfter time.Time, relax bool) (client, server *TLSContext) {
	t.Helper()
	certPEM, keyPEM := newTestCertificate(t, notBefore, notAfter)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "server.pem"), certPEM, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "server.key"), keyPEM, 0o600))

	server, err := NewTLSContext(&TLSOptions{
		CertDir:        dir,
		ServerCertFile: "server.pem",
		ServerKeyFile:  "server.key",
	})
	require.NoError(t, err)

	client, err = NewTLSContext(&TLSOptions{
		CertDir:           dir,
		ClientTrustChain:  "server.pem",
		RelaxVerification: relax,
	})
	require.NoError(t, err)
	return
}

// completeHandshake drives both sides of a loopback TLS pair until the
// handshake finishes. A read returning while the reader's handshake is
// still incomplete must yield zero bytes; once the reader's handshake
// completed, the same call may decode plaintext the peer queued
// beforehand, which is accumulated and returned.
func completeHandshake(t *testing.T, client, server *TLSStream) (clientGot, serverGot []byte) {
	t.Helper()
	buf := make([]byte, 1024)
	step := func(reader *TLSStream) []byte {
		count, err := reader.Read(buf)
		require.NoError(t, err)
		if !reader.HandshakeComplete() {
			require.Equal(t, 0, count)
			return nil
		}
		return append([]byte(nil), buf[:count]...)
	}
	for range 64 {
		if client.HandshakeComplete() && server.HandshakeComplete() {
			return
		}
		require.NoError(t, client.Flush())
		serverGot = append(serverGot, step(server)...)
		require.NoError(t, server.Flush())
		clientGot = append(clientGot, step(client)...)
	}
	t.Fatal("handshake did not complete")
	return
}

// newLoopbackTLSPair returns a connected, handshaked client/server TLS
// stream pair over an in-memory pipe.
func newLoopbackTLSPair(t *testing.T, cfg *Config) (client, server *TLSStream) {
	t.Helper()
	clientCtx, serverCtx := newTestTLSContexts(
		t, time.Now().Add(-time.Hour), time.Now().Add(time.Hour), false)
	left, right := NewMemPipe(0)
	client, err := NewTLSClientStream(clientCtx, cfg, left, "localhost", DefaultSLogger())
	require.NoError(t, err)
	server, err = NewTLSServerStream(serverCtx, cfg, right, DefaultSLogger())
	require.NoError(t, err)
	clientGot, serverGot := completeHandshake(t, client, server)
	require.Empty(t, clientGot)
	require.Empty(t, serverGot)
	return
}
