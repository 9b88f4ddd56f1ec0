// Package tlsctx implements the per-process TLS configuration shared,
// read-only, across many Connections (§4.3): trust anchors, optional local
// identity, and a verify-policy bitmask.
package tlsctx

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"sync"

	"github.com/momentics/tlsloop/control"
	"github.com/momentics/tlsloop/errcode"
)

// ErrNoPeerCert is returned by a Connection's handshake verification
// callback when VerifyPeerCert is set but the peer presented no
// certificate at all.
var ErrNoPeerCert = errors.New("tlsctx: peer presented no certificate")

// InitFlags control Context.New.
type InitFlags int

const (
	// LibInit triggers a process-wide one-time initialization guard,
	// kept for API parity with the original's crypto-library init flag
	// even though crypto/tls needs no explicit global init.
	LibInit InitFlags = 0x01
	// Debug is recorded on the Context and reported by Context.Debug; it
	// does not change the logger of any Connection.
	Debug InitFlags = 0x02
)

// VerifyFlags is the peer-verification policy bitmask.
type VerifyFlags int

const (
	// VerifyNone performs no peer verification.
	VerifyNone VerifyFlags = 0x00
	// VerifyPeerCert requires the peer to present a chain that validates
	// against the Context's trusted roots.
	VerifyPeerCert VerifyFlags = 0x01
	// VerifyPeerIdent requires the peer's certificate to match the
	// Connection's hostname. Invalid without VerifyPeerCert.
	VerifyPeerIdent VerifyFlags = 0x02
)

var libInitOnce sync.Once

// Context is a shared, read-mostly pool of TLS configuration. It must be
// fully populated (trust roots, identity, verify flags) before the first
// Connection attaches; it is not mutated afterward.
type Context struct {
	mu sync.Mutex // guards population and the config snapshots built from it

	verifyFlags VerifyFlags
	roots       *x509.CertPool
	certs       []tls.Certificate
	pendingCert []byte // staged cert PEM awaiting a matching private key
	debug       bool

	Config *control.Config
}

// New creates a Context. initFlags is a bitwise OR of InitFlags.
func New(initFlags InitFlags) *Context {
	if initFlags&LibInit != 0 {
		libInitOnce.Do(func() {})
	}
	return &Context{
		roots:  x509.NewCertPool(),
		debug:  initFlags&Debug != 0,
		Config: control.DefaultConfig(),
	}
}

// Destroy releases resources held by the Context. Safe to call once all
// Connections referencing it have closed.
func (c *Context) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roots = nil
	c.certs = nil
}

// SetVerifyFlags sets the peer verification policy. Returns EINVAL if
// VerifyPeerIdent is requested without VerifyPeerCert.
func (c *Context) SetVerifyFlags(flags VerifyFlags) error {
	if flags&VerifyPeerIdent != 0 && flags&VerifyPeerCert == 0 {
		return errcode.EINVAL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.verifyFlags = flags
	return nil
}

// VerifyFlags returns the current verification policy.
func (c *Context) VerifyFlags() VerifyFlags {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.verifyFlags
}

// AddTrustedCerts parses one or more PEM-encoded certificates from pem and
// adds them as trust anchors.
func (c *Context) AddTrustedCerts(pem []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.roots.AppendCertsFromPEM(pem) {
		return errcode.EINVAL
	}
	return nil
}

// SetCert stages a PEM-encoded leaf certificate (optionally followed by
// intermediate chain certificates, per SPEC_FULL.md's chain-support
// requirement) as this Context's local identity. Call SetPrivateKey
// afterward to complete the keypair.
func (c *Context) SetCert(pem []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingCert = append([]byte(nil), pem...)
	return nil
}

// SetPrivateKey parses a PEM-encoded private key and pairs it with the
// certificate staged by SetCert, appending the resulting keypair to this
// Context's identity.
func (c *Context) SetPrivateKey(pem []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingCert == nil {
		return errcode.EINVAL
	}
	cert, err := tls.X509KeyPair(c.pendingCert, pem)
	if err != nil {
		return errcode.EINVAL
	}
	c.certs = append(c.certs, cert)
	c.pendingCert = nil
	return nil
}

// verifyConnection implements this Context's verify policy outside of
// crypto/tls's built-in verifier, so VerifyPeerCert and VerifyPeerIdent can
// be toggled independently (the standard verifier always couples chain and
// hostname checks together).
func (c *Context) verifyConnection(hostname string, flags VerifyFlags, roots *x509.CertPool) func(tls.ConnectionState) error {
	return func(cs tls.ConnectionState) error {
		if flags&VerifyPeerCert == 0 {
			return nil
		}
		if len(cs.PeerCertificates) == 0 {
			return ErrNoPeerCert
		}
		leaf := cs.PeerCertificates[0]
		intermediates := x509.NewCertPool()
		for _, ic := range cs.PeerCertificates[1:] {
			intermediates.AddCert(ic)
		}
		if _, err := leaf.Verify(x509.VerifyOptions{
			Roots:         roots,
			Intermediates: intermediates,
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		}); err != nil {
			return err
		}
		if flags&VerifyPeerIdent != 0 && hostname != "" {
			if err := leaf.VerifyHostname(hostname); err != nil {
				return err
			}
		}
		return nil
	}
}

// clientConfig builds a *tls.Config for a client handshake to hostname.
func (c *Context) clientConfig(hostname string) *tls.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &tls.Config{
		ServerName:         hostname,
		Certificates:       c.certs,
		Renegotiation:      tls.RenegotiateNever,
		InsecureSkipVerify: true, // policy enforced by VerifyConnection below
		VerifyConnection:   c.verifyConnection(hostname, c.verifyFlags, c.roots),
	}
}

// serverConfig builds a *tls.Config for a server-side handshake. hostname
// is the Connection's configured hostname, used only when VerifyPeerIdent
// is set (servers verifying client certs against an expected name is
// unusual but supported for symmetry with the client path).
func (c *Context) serverConfig(hostname string) *tls.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg := &tls.Config{
		Certificates:     c.certs,
		Renegotiation:    tls.RenegotiateNever,
		ClientAuth:       tls.RequireAnyClientCert,
		VerifyConnection: c.verifyConnection(hostname, c.verifyFlags, c.roots),
	}
	if c.verifyFlags&VerifyPeerCert == 0 {
		cfg.ClientAuth = tls.NoClientCert
	}
	return cfg
}

// ClientConfig exposes clientConfig for packages composing a Connection's
// handshake outside tlsctx (e.g. conn.Connection.Connect).
func (c *Context) ClientConfig(hostname string) *tls.Config { return c.clientConfig(hostname) }

// ServerConfig exposes serverConfig for packages composing a Connection's
// handshake outside tlsctx (e.g. conn.Connection.Accept).
func (c *Context) ServerConfig(hostname string) *tls.Config { return c.serverConfig(hostname) }

// Debug reports whether this Context was created with the Debug flag.
func (c *Context) Debug() bool { return c.debug }
