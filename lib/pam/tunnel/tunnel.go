/*
 * Teleport
 * Copyright (C) 2023  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package tunnel builds the two-layer TLS tunnel used to reach a database
// behind a relay/gateway pair: a strictly-verified outer TLS connection to
// the relay, and an ALPN-negotiated, mTLS'd inner TLS connection nested
// inside it that terminates at the gateway. Go's crypto/tls accepts any
// net.Conn as transport, so the inner handshake runs directly over the
// already-established outer *tls.Conn with no user-space TLS engine needed.
package tunnel

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/infisical/pam-db-broker/lib/pam/types"
)

const (
	// ALPNProtocol is the single protocol the gateway leg advertises and
	// requires to be negotiated; it discriminates PAM database tunneling
	// from any other protocol multiplexed over the same gateway listener.
	ALPNProtocol = "infisical-pam-proxy"

	defaultGatewayPort = "8443"

	// HandshakeTimeout bounds each of the two TLS handshakes.
	HandshakeTimeout = 10 * time.Second
)

// Handle is the two-layer tunnel: the outer TLS connection to the relay and
// the inner TLS connection to the gateway, nested inside it. It is created
// by Builder.Build and owned exclusively by the tunnel registry, which is
// the only code allowed to destroy it.
type Handle struct {
	SessionID string
	Outer     net.Conn
	Inner     net.Conn

	active atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
}

// Active reports whether the handle has not yet been torn down.
func (h *Handle) Active() bool {
	return h.active.Load()
}

// Context is cancelled the moment the registry tears this handle down,
// letting any in-flight bridge/driver operation using it as a parent
// context abort promptly instead of only observing a destroyed socket.
func (h *Handle) Context() context.Context {
	return h.ctx
}

// deactivate marks the handle inactive and cancels its context. It is
// idempotent and is only ever called by the registry's teardown path.
func (h *Handle) deactivate() {
	h.active.Store(false)
	if h.cancel != nil {
		h.cancel()
	}
}

// Destroy tears down both legs of the tunnel, swallowing close errors
// (the remote side may already have gone away). Idempotent.
func (h *Handle) Destroy(log logrus.FieldLogger) {
	h.deactivate()
	if h.Inner != nil {
		if err := h.Inner.Close(); err != nil && log != nil {
			log.WithError(err).Debug("Failed to close inner tunnel stream.")
		}
	}
	if h.Outer != nil {
		if err := h.Outer.Close(); err != nil && log != nil {
			log.WithError(err).Debug("Failed to close outer tunnel stream.")
		}
	}
}

// NewForTesting builds an active Handle around already-established
// connections, bypassing the relay/gateway handshakes. Exported for use by
// other packages' tests (e.g. the tunnel registry) that need a real Handle
// to register and tear down without standing up a TLS server.
func NewForTesting(sessionID string, outer, inner net.Conn) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		SessionID: sessionID,
		Outer:     outer,
		Inner:     inner,
		ctx:       ctx,
		cancel:    cancel,
	}
	h.active.Store(true)
	return h
}

// Builder is the TLS Tunnel Builder.
type Builder struct {
	Log              logrus.FieldLogger
	HandshakeTimeout time.Duration
}

// New constructs a Builder with defaults filled in.
func New(log logrus.FieldLogger) *Builder {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Builder{Log: log, HandshakeTimeout: HandshakeTimeout}
}

// Build establishes the relay leg, then the gateway leg nested inside it,
// returning an active handle. On any failure, every stream already opened
// during this call is destroyed before the error is returned.
func (b *Builder) Build(ctx context.Context, bundle types.GatewayBundle) (*Handle, error) {
	outer, err := b.dialRelay(ctx, bundle)
	if err != nil {
		return nil, err
	}

	inner, err := b.dialGateway(ctx, outer, bundle)
	if err != nil {
		if cerr := outer.Close(); cerr != nil {
			b.Log.WithError(cerr).Debug("Failed to close relay connection during tunnel teardown.")
		}
		return nil, err
	}

	// The handshake is complete; the stream now lives for the duration of
	// the query, so clear any read/write deadline left on it.
	if err := inner.SetDeadline(time.Time{}); err != nil {
		b.Log.WithError(err).Debug("Failed to clear inner tunnel deadline.")
	}

	handleCtx, cancel := context.WithCancel(context.Background())

	h := &Handle{
		SessionID: bundle.SessionID,
		Outer:     outer,
		Inner:     inner,
		ctx:       handleCtx,
		cancel:    cancel,
	}
	h.active.Store(true)
	return h, nil
}

func (b *Builder) dialRelay(ctx context.Context, bundle types.GatewayBundle) (net.Conn, error) {
	if bundle.RelayClientCertificate == nil || bundle.RelayClientPrivateKey == nil || bundle.RelayServerCertificateChain == nil {
		return nil, types.TunnelError("Missing relay TLS certificates or keys")
	}

	host, port := splitRelayHost(bundle.RelayHost)
	addr := net.JoinHostPort(host, port)

	cert, err := tls.X509KeyPair([]byte(*bundle.RelayClientCertificate), []byte(*bundle.RelayClientPrivateKey))
	if err != nil {
		return nil, types.WrapTunnelError(err, "Relay TLS connection error: invalid client certificate")
	}
	roots, err := certPool(*bundle.RelayServerCertificateChain)
	if err != nil {
		return nil, types.WrapTunnelError(err, "Relay TLS connection error: invalid server certificate chain")
	}

	config := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		RootCAs:            roots,
		ServerName:         host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: false,
	}

	dialer := &net.Dialer{Timeout: b.timeout()}
	deadline, cancel := context.WithTimeout(ctx, b.timeout())
	defer cancel()

	rawConn, err := dialer.DialContext(deadline, "tcp", addr)
	if err != nil {
		return nil, types.WrapTunnelError(err, "Relay TLS connection error: %s", err)
	}

	conn := tls.Client(rawConn, config)
	if err := conn.HandshakeContext(deadline); err != nil {
		rawConn.Close()
		return nil, types.WrapTunnelError(err, "Relay TLS connection error: %s", err)
	}

	if len(conn.ConnectionState().VerifiedChains) == 0 {
		conn.Close()
		return nil, types.TunnelError("Relay TLS authorization failed: peer certificate not verified")
	}

	return conn, nil
}

func (b *Builder) dialGateway(ctx context.Context, outer net.Conn, bundle types.GatewayBundle) (net.Conn, error) {
	if bundle.GatewayClientCertificate == nil || bundle.GatewayClientPrivateKey == nil || bundle.GatewayServerCertificateChain == nil {
		return nil, types.TunnelError("Missing gateway TLS certificates or keys")
	}

	cert, err := tls.X509KeyPair([]byte(*bundle.GatewayClientCertificate), []byte(*bundle.GatewayClientPrivateKey))
	if err != nil {
		return nil, types.WrapTunnelError(err, "Gateway TLS handshake failed: invalid client certificate")
	}
	roots, err := certPool(*bundle.GatewayServerCertificateChain)
	if err != nil {
		return nil, types.WrapTunnelError(err, "Gateway TLS handshake failed: invalid server certificate chain")
	}

	config := &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      roots,
		ServerName:   "localhost",
		NextProtos:   []string{ALPNProtocol},
		MinVersion:   tls.VersionTLS12,
		MaxVersion:   tls.VersionTLS13,
		// The inner peer is identified via ALPN + mTLS, not hostname
		// verification: the gateway's certificate is not issued for
		// "localhost" and hostname checks would always fail here.
		InsecureSkipVerify: true,
	}

	deadline, cancel := context.WithTimeout(ctx, b.timeout())
	defer cancel()

	conn := tls.Client(outer, config)
	if err := conn.HandshakeContext(deadline); err != nil {
		return nil, types.WrapTunnelError(err, "Gateway TLS handshake failed: %s", err)
	}

	if conn.ConnectionState().NegotiatedProtocol == "" {
		conn.Close()
		return nil, types.TunnelError("Gateway TLS handshake failed: no protocol negotiated")
	}

	return conn, nil
}

func (b *Builder) timeout() time.Duration {
	if b.HandshakeTimeout <= 0 {
		return HandshakeTimeout
	}
	return b.HandshakeTimeout
}

// splitRelayHost parses relayHost into (host, port), defaulting to 8443
// when no colon is present. Malformed ports (non-numeric, or a trailing
// bare colon) are deliberately not rejected here: they surface as a dial
// failure, wrapped as a TunnelError, matching the source behavior.
func splitRelayHost(relayHost string) (host, port string) {
	h, p, err := net.SplitHostPort(relayHost)
	if err != nil {
		return relayHost, defaultGatewayPort
	}
	return h, p
}

func certPool(pem string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM([]byte(pem)) {
		return nil, trace.BadParameter("no valid certificates found in chain")
	}
	return pool, nil
}
