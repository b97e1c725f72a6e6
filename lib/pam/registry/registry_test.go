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

package registry

import (
	"net"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/infisical/pam-db-broker/lib/pam/tunnel"
)

// fakeHandle builds a Handle wired to a net.Pipe pair, so Destroy has real
// sockets to close without needing a live tunnel.
func fakeHandle(t *testing.T, sessionID string) *tunnel.Handle {
	t.Helper()
	outer, _ := net.Pipe()
	inner, _ := net.Pipe()
	return tunnel.NewForTesting(sessionID, outer, inner)
}

func TestRegistry_RegisterSupersedesPrior(t *testing.T) {
	reg := New(logrus.StandardLogger())

	first := fakeHandle(t, "sess-1")
	reg.Register(first)
	require.True(t, first.Active())

	second := fakeHandle(t, "sess-1")
	reg.Register(second)

	require.False(t, first.Active(), "prior handle for the same session must be torn down")
	require.True(t, second.Active())
	require.Same(t, second, reg.Get("sess-1"))
	require.Equal(t, 1, reg.Count())
}

func TestRegistry_CloseOneIsIdempotent(t *testing.T) {
	reg := New(logrus.StandardLogger())
	h := fakeHandle(t, "sess-2")
	reg.Register(h)

	reg.CloseOne("sess-2")
	require.False(t, h.Active())
	require.Nil(t, reg.Get("sess-2"))

	// second call on an already-removed session must not panic.
	reg.CloseOne("sess-2")
	reg.CloseOne("does-not-exist")
}

func TestRegistry_CloseAllTearsDownEverything(t *testing.T) {
	reg := New(logrus.StandardLogger())
	h1 := fakeHandle(t, "sess-3")
	h2 := fakeHandle(t, "sess-4")
	reg.Register(h1)
	reg.Register(h2)

	reg.CloseAll()

	require.False(t, h1.Active())
	require.False(t, h2.Active())
	require.Equal(t, 0, reg.Count())
	require.Empty(t, reg.List())
}

func TestRegistry_ListSnapshot(t *testing.T) {
	reg := New(logrus.StandardLogger())
	reg.Register(fakeHandle(t, "sess-5"))

	statuses := reg.List()
	require.Len(t, statuses, 1)
	require.Equal(t, "sess-5", statuses[0].SessionID)
	require.True(t, statuses[0].Active)
}
