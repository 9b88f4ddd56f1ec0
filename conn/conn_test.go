package conn_test

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/momentics/tlsloop/conn"
	"github.com/momentics/tlsloop/errcode"
	"github.com/momentics/tlsloop/tlsctx"
	"github.com/momentics/tlsloop/tlsengine"
	"github.com/momentics/tlsloop/transport"
)

// issuedCert is a PEM-encoded certificate and private key signed by a
// freshly generated CA, for one commonName.
type issuedCert struct {
	certPEM []byte
	keyPEM  []byte
	caPEM   []byte
}

func issueCert(t *testing.T, commonName string) issuedCert {
	t.Helper()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("ca key: %v", err)
	}
	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: commonName + "-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("ca cert: %v", err)
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		t.Fatalf("parse ca cert: %v", err)
	}

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("leaf key: %v", err)
	}
	leafTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: commonName},
		DNSNames:     []string{commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTemplate, caCert, &leafKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("leaf cert: %v", err)
	}
	leafKeyDER, err := x509.MarshalECPrivateKey(leafKey)
	if err != nil {
		t.Fatalf("marshal leaf key: %v", err)
	}

	return issuedCert{
		certPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: leafDER}),
		keyPEM:  pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: leafKeyDER}),
		caPEM:   pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caDER}),
	}
}

// loopbackPair returns two transport.Transport wrapping a net.Pipe(),
// one end for the client, one for the server.
func loopbackPair() (transport.Transport, transport.Transport) {
	a, b := net.Pipe()
	return transport.NewNetTransport(a), transport.NewNetTransport(b)
}

// harness wires one Connection's callbacks into channels a test can
// synchronize on without racing the Connection's own loop.
type harness struct {
	mu         sync.Mutex
	reads      [][]byte
	readErrs   []error
	hsErr      chan error
	closed     chan struct{}
	closeCount int
}

func newHarness() *harness {
	return &harness{hsErr: make(chan error, 1), closed: make(chan struct{})}
}

func (h *harness) onHandshake(err error) {
	h.hsErr <- err
}

func (h *harness) onRead(buf []byte, n int, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n > 0 {
		cp := make([]byte, n)
		copy(cp, buf[:n])
		h.reads = append(h.reads, cp)
	}
	if err != nil {
		h.readErrs = append(h.readErrs, err)
	}
}

func (h *harness) onClose() {
	h.mu.Lock()
	h.closeCount++
	h.mu.Unlock()
	close(h.closed)
}

func (h *harness) concatReads() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []byte
	for _, b := range h.reads {
		out = append(out, b...)
	}
	return out
}

func waitErr(t *testing.T, ch chan error, what string) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return nil
	}
}

func waitClosed(t *testing.T, ch chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func newServerCtx(t *testing.T, cert issuedCert, requireClientCert bool) *tlsctx.Context {
	t.Helper()
	ctx := tlsctx.New(tlsctx.LibInit)
	if err := ctx.SetCert(cert.certPEM); err != nil {
		t.Fatalf("server SetCert: %v", err)
	}
	if err := ctx.SetPrivateKey(cert.keyPEM); err != nil {
		t.Fatalf("server SetPrivateKey: %v", err)
	}
	flags := tlsctx.VerifyNone
	if requireClientCert {
		flags = tlsctx.VerifyPeerCert
	}
	if err := ctx.SetVerifyFlags(flags); err != nil {
		t.Fatalf("server SetVerifyFlags: %v", err)
	}
	return ctx
}

func newClientCtx(t *testing.T, trustCA []byte, flags tlsctx.VerifyFlags) *tlsctx.Context {
	t.Helper()
	ctx := tlsctx.New(tlsctx.LibInit)
	if trustCA != nil {
		if err := ctx.AddTrustedCerts(trustCA); err != nil {
			t.Fatalf("client AddTrustedCerts: %v", err)
		}
	}
	if err := ctx.SetVerifyFlags(flags); err != nil {
		t.Fatalf("client SetVerifyFlags: %v", err)
	}
	return ctx
}

// TestHappyHandshakeAndEcho covers scenario 1: a valid handshake followed
// by a client ping and a server pong, both sides closing cleanly.
func TestHappyHandshakeAndEcho(t *testing.T) {
	cert := issueCert(t, "localhost")
	serverCtx := newServerCtx(t, cert, false)
	clientCtx := newClientCtx(t, cert.caPEM, tlsctx.VerifyPeerCert|tlsctx.VerifyPeerIdent)

	clientTr, serverTr := loopbackPair()

	client := conn.New(clientCtx, clientTr, nil)
	if err := client.SetHostname("localhost"); err != nil {
		t.Fatalf("SetHostname: %v", err)
	}
	server := conn.New(serverCtx, serverTr, nil)

	ch := newHarness()
	sh := newHarness()

	if err := server.Accept(sh.onHandshake); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if err := client.Connect(ch.onHandshake); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := waitErr(t, ch.hsErr, "client handshake"); err != nil {
		t.Fatalf("client handshake failed: %v", err)
	}
	if err := waitErr(t, sh.hsErr, "server handshake"); err != nil {
		t.Fatalf("server handshake failed: %v", err)
	}

	if err := server.ReadStart(func(n int) []byte { return make([]byte, n) }, sh.onRead); err != nil {
		t.Fatalf("server ReadStart: %v", err)
	}
	if err := client.ReadStart(func(n int) []byte { return make([]byte, n) }, ch.onRead); err != nil {
		t.Fatalf("client ReadStart: %v", err)
	}

	writeErr := make(chan error, 1)
	if err := client.Write([][]byte{[]byte("ping")}, func(err error) { writeErr <- err }); err != nil {
		t.Fatalf("client Write: %v", err)
	}
	if err := waitErr(t, writeErr, "client write"); err != nil {
		t.Fatalf("client write failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for !bytes.Equal(sh.concatReads(), []byte("ping")) {
		if time.Now().After(deadline) {
			t.Fatalf("server never saw ping, got %q", sh.concatReads())
		}
		time.Sleep(10 * time.Millisecond)
	}

	serverWriteErr := make(chan error, 1)
	if err := server.Write([][]byte{[]byte("pong")}, func(err error) { serverWriteErr <- err }); err != nil {
		t.Fatalf("server Write: %v", err)
	}
	if err := waitErr(t, serverWriteErr, "server write"); err != nil {
		t.Fatalf("server write failed: %v", err)
	}

	deadline = time.Now().Add(5 * time.Second)
	for !bytes.Equal(ch.concatReads(), []byte("pong")) {
		if time.Now().After(deadline) {
			t.Fatalf("client never saw pong, got %q", ch.concatReads())
		}
		time.Sleep(10 * time.Millisecond)
	}

	client.Close(ch.onClose)
	server.Close(sh.onClose)
	waitClosed(t, ch.closed, "client close")
	waitClosed(t, sh.closed, "server close")

	ch.mu.Lock()
	if ch.closeCount != 1 {
		t.Fatalf("client close_cb fired %d times", ch.closeCount)
	}
	ch.mu.Unlock()
	sh.mu.Lock()
	if sh.closeCount != 1 {
		t.Fatalf("server close_cb fired %d times", sh.closeCount)
	}
	sh.mu.Unlock()
}

// TestHostnameMismatch covers scenario 2.
func TestHostnameMismatch(t *testing.T) {
	cert := issueCert(t, "example.com")
	serverCtx := newServerCtx(t, cert, false)
	clientCtx := newClientCtx(t, cert.caPEM, tlsctx.VerifyPeerCert|tlsctx.VerifyPeerIdent)

	clientTr, serverTr := loopbackPair()
	client := conn.New(clientCtx, clientTr, nil)
	if err := client.SetHostname("localhost"); err != nil {
		t.Fatalf("SetHostname: %v", err)
	}
	server := conn.New(serverCtx, serverTr, nil)

	ch := newHarness()
	sh := newHarness()
	if err := server.Accept(sh.onHandshake); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if err := client.Connect(ch.onHandshake); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	err := waitErr(t, ch.hsErr, "client handshake")
	if err == nil {
		t.Fatalf("expected hostname mismatch error, got nil")
	}
	if code := tlsengine.ErrorCode(err); code != errcode.EBADPEERIDENT {
		t.Fatalf("expected EBADPEERIDENT, got %v", code)
	}

	client.Close(ch.onClose)
	server.Close(sh.onClose)
	waitClosed(t, ch.closed, "client close")
	waitClosed(t, sh.closed, "server close")
}

// TestUntrustedRoot covers scenario 3: the client never added the
// server's issuing CA to its trust store.
func TestUntrustedRoot(t *testing.T) {
	serverCert := issueCert(t, "localhost")
	otherCA := issueCert(t, "unrelated")
	serverCtx := newServerCtx(t, serverCert, false)
	clientCtx := newClientCtx(t, otherCA.caPEM, tlsctx.VerifyPeerCert)

	clientTr, serverTr := loopbackPair()
	client := conn.New(clientCtx, clientTr, nil)
	if err := client.SetHostname("localhost"); err != nil {
		t.Fatalf("SetHostname: %v", err)
	}
	server := conn.New(serverCtx, serverTr, nil)

	ch := newHarness()
	sh := newHarness()
	if err := server.Accept(sh.onHandshake); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if err := client.Connect(ch.onHandshake); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	err := waitErr(t, ch.hsErr, "client handshake")
	if err == nil {
		t.Fatalf("expected untrusted root error, got nil")
	}
	if code := tlsengine.ErrorCode(err); code != errcode.EBADPEERCERT {
		t.Fatalf("expected EBADPEERCERT, got %v", code)
	}

	client.Close(ch.onClose)
	server.Close(sh.onClose)
	waitClosed(t, ch.closed, "client close")
	waitClosed(t, sh.closed, "server close")
}

// TestLargeWriteFragmentation covers scenario 4: a 1 MiB blob sent in one
// Write call fires exactly one write_cb and the server reconstructs it
// exactly, however many fragments the transport delivered it in.
func TestLargeWriteFragmentation(t *testing.T) {
	cert := issueCert(t, "localhost")
	serverCtx := newServerCtx(t, cert, false)
	clientCtx := newClientCtx(t, cert.caPEM, tlsctx.VerifyPeerCert|tlsctx.VerifyPeerIdent)

	clientTr, serverTr := loopbackPair()
	client := conn.New(clientCtx, clientTr, nil)
	if err := client.SetHostname("localhost"); err != nil {
		t.Fatalf("SetHostname: %v", err)
	}
	server := conn.New(serverCtx, serverTr, nil)

	ch := newHarness()
	sh := newHarness()
	if err := server.Accept(sh.onHandshake); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if err := client.Connect(ch.onHandshake); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := waitErr(t, ch.hsErr, "client handshake"); err != nil {
		t.Fatalf("client handshake failed: %v", err)
	}
	if err := waitErr(t, sh.hsErr, "server handshake"); err != nil {
		t.Fatalf("server handshake failed: %v", err)
	}

	if err := server.ReadStart(func(n int) []byte { return make([]byte, n) }, sh.onRead); err != nil {
		t.Fatalf("server ReadStart: %v", err)
	}

	blob := make([]byte, 1024*1024)
	if _, err := rand.Read(blob); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}

	var writeCBCount int
	var writeCBMu sync.Mutex
	writeDone := make(chan error, 1)
	if err := client.Write([][]byte{blob}, func(err error) {
		writeCBMu.Lock()
		writeCBCount++
		writeCBMu.Unlock()
		writeDone <- err
	}); err != nil {
		t.Fatalf("client Write: %v", err)
	}
	if err := waitErr(t, writeDone, "client write"); err != nil {
		t.Fatalf("client write failed: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for len(sh.concatReads()) < len(blob) {
		if time.Now().After(deadline) {
			t.Fatalf("server only received %d/%d bytes", len(sh.concatReads()), len(blob))
		}
		time.Sleep(10 * time.Millisecond)
	}

	if !bytes.Equal(sh.concatReads(), blob) {
		t.Fatalf("reconstructed blob does not match")
	}

	writeCBMu.Lock()
	if writeCBCount != 1 {
		t.Fatalf("write_cb fired %d times, want 1", writeCBCount)
	}
	writeCBMu.Unlock()

	client.Close(ch.onClose)
	server.Close(sh.onClose)
	waitClosed(t, ch.closed, "client close")
	waitClosed(t, sh.closed, "server close")
}

// TestPeerCloseNotify covers scenario 5: the server closes first and the
// client observes a clean EOF.
func TestPeerCloseNotify(t *testing.T) {
	cert := issueCert(t, "localhost")
	serverCtx := newServerCtx(t, cert, false)
	clientCtx := newClientCtx(t, cert.caPEM, tlsctx.VerifyPeerCert|tlsctx.VerifyPeerIdent)

	clientTr, serverTr := loopbackPair()
	client := conn.New(clientCtx, clientTr, nil)
	if err := client.SetHostname("localhost"); err != nil {
		t.Fatalf("SetHostname: %v", err)
	}
	server := conn.New(serverCtx, serverTr, nil)

	ch := newHarness()
	sh := newHarness()
	if err := server.Accept(sh.onHandshake); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if err := client.Connect(ch.onHandshake); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := waitErr(t, ch.hsErr, "client handshake"); err != nil {
		t.Fatalf("client handshake failed: %v", err)
	}
	if err := waitErr(t, sh.hsErr, "server handshake"); err != nil {
		t.Fatalf("server handshake failed: %v", err)
	}

	if err := client.ReadStart(func(n int) []byte { return make([]byte, n) }, ch.onRead); err != nil {
		t.Fatalf("client ReadStart: %v", err)
	}

	server.Close(sh.onClose)
	waitClosed(t, sh.closed, "server close")

	deadline := time.Now().Add(5 * time.Second)
	for {
		ch.mu.Lock()
		n := len(ch.readErrs)
		ch.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("client never observed EOF after peer close_notify")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ch.mu.Lock()
	lastErr := ch.readErrs[len(ch.readErrs)-1]
	ch.mu.Unlock()
	if lastErr != io.EOF {
		t.Fatalf("expected io.EOF, got %v", lastErr)
	}

	client.Close(ch.onClose)
	waitClosed(t, ch.closed, "client close")
}

// TestTransportResetMidHandshake covers scenario 6: the transport closes
// abruptly while the handshake is still in flight.
func TestTransportResetMidHandshake(t *testing.T) {
	cert := issueCert(t, "localhost")
	clientCtx := newClientCtx(t, cert.caPEM, tlsctx.VerifyPeerCert|tlsctx.VerifyPeerIdent)

	clientConnEnd, serverConnEnd := net.Pipe()
	clientTr := transport.NewNetTransport(clientConnEnd)

	client := conn.New(clientCtx, clientTr, nil)
	if err := client.SetHostname("localhost"); err != nil {
		t.Fatalf("SetHostname: %v", err)
	}

	ch := newHarness()
	if err := client.Connect(ch.onHandshake); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Abruptly close the peer side without ever running a server handshake.
	_ = serverConnEnd.Close()

	err := waitErr(t, ch.hsErr, "client handshake")
	if err == nil {
		t.Fatalf("expected non-nil handshake error after transport reset")
	}

	client.Close(ch.onClose)
	waitClosed(t, ch.closed, "client close")

	ch.mu.Lock()
	if ch.closeCount != 1 {
		t.Fatalf("close_cb fired %d times, want 1", ch.closeCount)
	}
	ch.mu.Unlock()
}
