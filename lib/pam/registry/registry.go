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

// Package registry is the Tunnel Registry: the single owner of every live
// tunnel.Handle, keyed by session ID. It is the only code allowed to call
// Handle.Destroy, so a handle's lifetime is always bounded by exactly one
// registry entry.
package registry

import (
	"sync"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/infisical/pam-db-broker/lib/pam/tunnel"
	"github.com/infisical/pam-db-broker/lib/pam/types"
)

// Registry is the Tunnel Registry.
type Registry struct {
	log logrus.FieldLogger

	mu      sync.Mutex
	handles map[string]*tunnel.Handle
}

// New constructs an empty Registry.
func New(log logrus.FieldLogger) *Registry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Registry{
		log:     log.WithField(trace.Component, "pam:registry"),
		handles: make(map[string]*tunnel.Handle),
	}
}

// Register installs h under h.SessionID. A prior handle for the same session,
// if any, is destroyed first — the registry never holds two live handles for
// one session.
func (reg *Registry) Register(h *tunnel.Handle) {
	reg.mu.Lock()
	prior := reg.handles[h.SessionID]
	reg.handles[h.SessionID] = h
	reg.mu.Unlock()

	if prior != nil {
		prior.Destroy(reg.log)
	}
}

// Get returns the live handle for sessionID, if any.
func (reg *Registry) Get(sessionID string) *tunnel.Handle {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.handles[sessionID]
}

// CloseOne tears down and removes the handle for sessionID. Idempotent: a
// second call for the same or an unknown session is a no-op.
func (reg *Registry) CloseOne(sessionID string) {
	reg.mu.Lock()
	h, ok := reg.handles[sessionID]
	if ok {
		delete(reg.handles, sessionID)
	}
	reg.mu.Unlock()

	if ok {
		h.Destroy(reg.log)
	}
}

// CloseAll tears down every live handle concurrently and waits for them all
// to settle. Individual Destroy calls never return an error (close failures
// are logged, not surfaced), so the errgroup here exists purely to fan the
// teardown out and rejoin it, not to aggregate failures.
func (reg *Registry) CloseAll() {
	reg.mu.Lock()
	handles := make([]*tunnel.Handle, 0, len(reg.handles))
	for id, h := range reg.handles {
		handles = append(handles, h)
		delete(reg.handles, id)
	}
	reg.mu.Unlock()

	var g errgroup.Group
	for _, h := range handles {
		h := h
		g.Go(func() error {
			h.Destroy(reg.log)
			return nil
		})
	}
	_ = g.Wait()
}

// List returns a snapshot of every registered session and whether its
// handle is still active.
func (reg *Registry) List() []types.TunnelStatus {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	out := make([]types.TunnelStatus, 0, len(reg.handles))
	for id, h := range reg.handles {
		out = append(out, types.TunnelStatus{SessionID: id, Active: h.Active()})
	}
	return out
}

// Count returns the number of registered sessions, active or not.
func (reg *Registry) Count() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.handles)
}
