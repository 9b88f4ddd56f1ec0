// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

// Command tlsloop-echo is a CLI front-end for the echo demo: a "serve"
// subcommand that accepts one TLS connection and echoes it back, and a
// "dial" subcommand that connects, writes one line, and prints the reply.
package main

import (
	"fmt"
	"net"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/momentics/tlsloop/conn"
	"github.com/momentics/tlsloop/tlsctx"
	"github.com/momentics/tlsloop/transport"
)

func main() {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	root := &cobra.Command{
		Use:   "tlsloop-echo",
		Short: "Run a one-shot TLS echo server or client over tlsloop",
	}
	root.AddCommand(newServeCmd(logger))
	root.AddCommand(newDialCmd(logger))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCmd(logger *zap.Logger) *cobra.Command {
	var addr, certPath, keyPath string
	var verifyClient bool

	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Accept one TLS connection and echo whatever it sends",
		Example: "tlsloop-echo serve --addr :9443 --cert server.pem --key server.key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if certPath == "" || keyPath == "" {
				return fmt.Errorf("--cert and --key are required")
			}
			certPEM, err := os.ReadFile(certPath)
			if err != nil {
				return fmt.Errorf("read cert: %w", err)
			}
			keyPEM, err := os.ReadFile(keyPath)
			if err != nil {
				return fmt.Errorf("read key: %w", err)
			}
			return serveOne(logger, addr, certPEM, keyPEM, verifyClient)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":9443", "address to listen on")
	cmd.Flags().StringVar(&certPath, "cert", "", "PEM-encoded server certificate (required)")
	cmd.Flags().StringVar(&keyPath, "key", "", "PEM-encoded server private key (required)")
	cmd.Flags().BoolVar(&verifyClient, "verify-client", false, "require and verify a client certificate")
	return cmd
}

func newDialCmd(logger *zap.Logger) *cobra.Command {
	var addr, hostname, caPath string
	var insecure bool

	cmd := &cobra.Command{
		Use:     "dial",
		Short:   "Connect, write one line, print the echoed reply",
		Example: "tlsloop-echo dial --addr localhost:9443 --hostname localhost --ca ca.pem",
		RunE: func(cmd *cobra.Command, args []string) error {
			var caPEM []byte
			if caPath != "" {
				b, err := os.ReadFile(caPath)
				if err != nil {
					return fmt.Errorf("read ca: %w", err)
				}
				caPEM = b
			}
			if !insecure && caPEM == nil {
				return fmt.Errorf("--ca is required unless --insecure is set")
			}
			return dialOnce(logger, addr, hostname, caPEM, insecure)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "localhost:9443", "address to dial")
	cmd.Flags().StringVar(&hostname, "hostname", "localhost", "expected peer identity (SNI + hostname verification)")
	cmd.Flags().StringVar(&caPath, "ca", "", "PEM-encoded trust anchor for the server's certificate")
	cmd.Flags().BoolVar(&insecure, "insecure", false, "skip peer certificate verification entirely")
	return cmd
}

func serveOne(logger *zap.Logger, addr string, certPEM, keyPEM []byte, verifyClient bool) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer ln.Close()
	logger.Info("listening", zap.String("addr", addr))

	nc, err := ln.Accept()
	if err != nil {
		return fmt.Errorf("accept: %w", err)
	}

	ctx := tlsctx.New(tlsctx.LibInit)
	if err := ctx.SetCert(certPEM); err != nil {
		return fmt.Errorf("set cert: %w", err)
	}
	if err := ctx.SetPrivateKey(keyPEM); err != nil {
		return fmt.Errorf("set key: %w", err)
	}
	if verifyClient {
		if err := ctx.SetVerifyFlags(tlsctx.VerifyPeerCert); err != nil {
			return fmt.Errorf("set verify flags: %w", err)
		}
	}

	tr := transport.NewNetTransport(nc)
	c := conn.New(ctx, tr, logger)

	done := make(chan error, 1)
	c.Accept(func(err error) {
		if err != nil {
			done <- fmt.Errorf("handshake: %w", err)
			return
		}
		logger.Info("handshake complete, echoing")
		c.ReadStart(func(n int) []byte { return make([]byte, n) }, func(buf []byte, n int, err error) {
			if n > 0 {
				c.Write([][]byte{buf[:n]}, func(error) {})
			}
			if err != nil {
				c.Close(func() { done <- nil })
			}
		})
	})
	return <-done
}

func dialOnce(logger *zap.Logger, addr, hostname string, caPEM []byte, insecure bool) error {
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	ctx := tlsctx.New(tlsctx.LibInit)
	if !insecure {
		if err := ctx.AddTrustedCerts(caPEM); err != nil {
			return fmt.Errorf("add trusted certs: %w", err)
		}
		if err := ctx.SetVerifyFlags(tlsctx.VerifyPeerCert | tlsctx.VerifyPeerIdent); err != nil {
			return fmt.Errorf("set verify flags: %w", err)
		}
	}

	tr := transport.NewNetTransport(nc)
	c := conn.New(ctx, tr, logger)
	if err := c.SetHostname(hostname); err != nil {
		return err
	}

	result := make(chan error, 1)
	c.Connect(func(err error) {
		if err != nil {
			result <- fmt.Errorf("handshake: %w", err)
			return
		}
		c.ReadStart(func(n int) []byte { return make([]byte, n) }, func(buf []byte, n int, err error) {
			if n > 0 {
				fmt.Print(string(buf[:n]))
				c.Close(func() { result <- nil })
			} else if err != nil {
				result <- err
			}
		})
		msg := fmt.Sprintf("hello from tlsloop-echo at %s\n", addr)
		if werr := c.Write([][]byte{[]byte(msg)}, func(error) {}); werr != nil {
			result <- werr
		}
	})
	return <-result
}
