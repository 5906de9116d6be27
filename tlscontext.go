// SPDX-License-Identifier: GPL-3.0-or-later

package unistream

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// TLSOptions is the security configuration surface of a [*TLSContext].
//
// Relative certificate and key file names are resolved against CertDir.
type TLSOptions struct {
	// CertDir is the base directory for relative cert/key names.
	CertDir string `yaml:"certificate-directory"`

	// ServerCertFile is the PEM certificate chain presented in
	// server mode. Empty means server mode is unavailable.
	ServerCertFile string `yaml:"server-certificate-file"`

	// ServerKeyFile is the PEM private key matching ServerCertFile.
	ServerKeyFile string `yaml:"server-key-file"`

	// ClientTrustChain names the PEM trust anchors used to validate
	// the peer in client mode. It is either a file path or a "block:N"
	// reference into Blobs. Empty means the system trust store.
	ClientTrustChain string `yaml:"client-trust-chain"`

	// RelaxVerification accepts expired or not-yet-valid peer
	// certificates. Meant for closed networks where device clocks
	// drift or reset; never enable it for public endpoints.
	RelaxVerification bool `yaml:"verification-relaxation"`

	// Blobs resolves "block:N" trust-chain references. May be nil
	// when ClientTrustChain does not use them.
	Blobs BlobStore `yaml:"-"`
}

// BlobStore loads persisted opaque blocks, such as trust material
// provisioned into device storage rather than the filesystem.
type BlobStore interface {
	LoadBlock(id int) ([]byte, error)
}

// LoadTLSOptions reads [TLSOptions] from a YAML file.
func LoadTLSOptions(path string) (*TLSOptions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	opts := &TLSOptions{}
	if err := yaml.Unmarshal(data, opts); err != nil {
		return nil, err
	}
	return opts, nil
}

func (o *TLSOptions) resolvePath(name string) string {
	if o.CertDir == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(o.CertDir, name)
}

// loadTrustChain materializes the ClientTrustChain reference.
func (o *TLSOptions) loadTrustChain() ([]byte, error) {
	if rest, found := strings.CutPrefix(o.ClientTrustChain, "block:"); found {
		id, err := strconv.Atoi(rest)
		if err != nil {
			return nil, fmt.Errorf("unistream: bad trust chain block id: %q", rest)
		}
		if o.Blobs == nil {
			return nil, errors.New("unistream: trust chain references a block but no blob store is set")
		}
		return o.Blobs.LoadBlock(id)
	}
	return os.ReadFile(o.resolvePath(o.ClientTrustChain))
}

// NewTLSContext loads the material named by opts and returns a ready
// [*TLSContext].
//
// Construction is explicit and the result is shared by reference: every
// stream created from the same context sees the same engine, trust
// anchors, and verification policy. Create independent contexts when a
// process needs differing policies.
func NewTLSContext(opts *TLSOptions) (*TLSContext, error) {
	ctx := &TLSContext{
		Engine: TLSEngineStdlib{},
		relax:  opts.RelaxVerification,
	}
	if opts.ClientTrustChain != "" {
		pem, err := opts.loadTrustChain()
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("unistream: no certificates in trust chain")
		}
		ctx.roots = pool
	}
	if opts.ServerCertFile != "" {
		cert, err := tls.LoadX509KeyPair(
			opts.resolvePath(opts.ServerCertFile),
			opts.resolvePath(opts.ServerKeyFile),
		)
		if err != nil {
			return nil, err
		}
		ctx.serverCert = &cert
	}
	return ctx, nil
}

// TLSContext holds the engine selection, loaded certificate material,
// and verification policy shared by every TLS stream built from it.
//
// Construct via [NewTLSContext]. The context must outlive the streams
// created from it.
type TLSContext struct {
	// Engine is the [TLSEngine] used by streams built from this
	// context. [NewTLSContext] sets it to [TLSEngineStdlib].
	Engine TLSEngine

	roots      *x509.CertPool
	serverCert *tls.Certificate
	relax      bool
}

// Close releases the context. Streams built from it must already be
// closed.
func (c *TLSContext) Close() error {
	c.roots = nil
	c.serverCert = nil
	return nil
}

// clientConfig derives the [*tls.Config] for a client-mode stream.
//
// Verification runs in our own [TLSContext.verifyPeer] callback so that
// the relaxed policy and the blob-store trust chain apply; the stock
// path is disabled via InsecureSkipVerify as crypto/tls documents for
// custom VerifyConnection use.
func (c *TLSContext) clientConfig(serverName string) *tls.Config {
	config := &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: true,
		VerifyConnection:   c.verifyPeer,
	}
	if c.serverCert != nil {
		config.Certificates = []tls.Certificate{*c.serverCert}
	}
	return config
}

// serverConfig derives the [*tls.Config] for a server-mode stream.
func (c *TLSContext) serverConfig() (*tls.Config, error) {
	if c.serverCert == nil {
		return nil, errors.New("unistream: no server certificate configured")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{*c.serverCert},
	}, nil
}

// verifyPeer validates the peer chain against the configured trust
// anchors and the dialed name.
//
// With RelaxVerification, a chain rejected only for being outside its
// validity period is re-verified at a time inside the leaf's window:
// signatures, chain building, and name checks still apply, only the
// clock comparison is waived.
func (c *TLSContext) verifyPeer(cs tls.ConnectionState) error {
	if len(cs.PeerCertificates) < 1 {
		return errors.New("unistream: peer sent no certificate")
	}
	leaf := cs.PeerCertificates[0]
	opts := x509.VerifyOptions{
		DNSName:       cs.ServerName,
		Intermediates: x509.NewCertPool(),
		Roots:         c.roots,
	}
	for _, cert := range cs.PeerCertificates[1:] {
		opts.Intermediates.AddCert(cert)
	}
	_, err := leaf.Verify(opts)
	if err == nil || !c.relax {
		return err
	}
	var invalid x509.CertificateInvalidError
	if !errors.As(err, &invalid) || invalid.Reason != x509.Expired {
		return err
	}
	opts.CurrentTime = leaf.NotBefore.Add(leaf.NotAfter.Sub(leaf.NotBefore) / 2)
	_, err = leaf.Verify(opts)
	return err
}
