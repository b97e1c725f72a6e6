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

// Package bridge spins up an ephemeral loopback listener and splices the
// first accepted connection with an already-established tunnel stream, so
// an off-the-shelf database driver can "dial localhost" while actually
// speaking to a database behind a relay/gateway tunnel. Generalized from
// the teacher's alpnproxy.LocalProxy splice loop to a single always-splice
// listener (no ALPN-based protocol demuxing is needed here: the inner
// tunnel already carries exactly one protocol).
package bridge

import (
	"io"
	"net"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// Bridge is the ephemeral loopback listener bound to 127.0.0.1:0.
type Bridge struct {
	listener net.Listener
	log      logrus.FieldLogger
}

// New binds the loopback listener. A bind failure is fatal to the pipeline.
func New(log logrus.FieldLogger) (*Bridge, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Bridge{listener: ln, log: log}, nil
}

// Port returns the OS-assigned listening port.
func (b *Bridge) Port() int {
	return b.listener.Addr().(*net.TCPAddr).Port
}

// Pump accepts exactly one connection and splices it bidirectionally with
// inner until either side closes. It returns immediately; the splice runs
// in the background and errCh receives a single value (nil on a clean
// splice, non-nil only if Accept itself failed) once the first connection's
// lifetime ends. Any connection accepted after the first is closed
// immediately without being spliced.
func (b *Bridge) Pump(inner net.Conn) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		conn, err := b.listener.Accept()
		if err != nil {
			errCh <- trace.Wrap(err)
			return
		}
		go b.drainExtraAccepts()

		splice(conn, inner, b.log)
		errCh <- nil
	}()
	return errCh
}

// drainExtraAccepts closes any connection accepted after the first; the
// bridge only ever expects one client per tunneled query.
func (b *Bridge) drainExtraAccepts() {
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}
}

// Close releases the listener. Safe to call more than once.
func (b *Bridge) Close() error {
	return b.listener.Close()
}

// splice copies bytes in both directions between a and b until either side
// is done, swallowing errors — the driver may close abruptly once its query
// completes, which is expected rather than exceptional.
func splice(a, b net.Conn, log logrus.FieldLogger) {
	done := make(chan struct{}, 2)

	go func() {
		if _, err := io.Copy(a, b); err != nil {
			log.WithError(err).Debug("Bridge splice (gateway->client) ended.")
		}
		done <- struct{}{}
	}()
	go func() {
		if _, err := io.Copy(b, a); err != nil {
			log.WithError(err).Debug("Bridge splice (client->gateway) ended.")
		}
		done <- struct{}{}
	}()

	<-done
	a.Close()
	b.Close()
	<-done
}
