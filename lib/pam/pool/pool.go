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

// Package pool is the Direct Connection Pool: long-lived, session-keyed
// driver connections that bypass the tunnel entirely (for resources that do
// not route through a gateway). It is generalized from the teacher's
// TenantPool — single connection per key rather than a min/max-sized
// multi-connection pool, since each key is one PAM session, not one tenant
// fronting arbitrary concurrent clients — but keeps the same idle-reaper and
// health-probe shape.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/infisical/pam-db-broker/lib/pam/dbquery"
	"github.com/infisical/pam-db-broker/lib/pam/metrics"
	"github.com/infisical/pam-db-broker/lib/pam/types"
)

// Defaults mirror the teacher's TenantPool default knobs, scaled to a
// session-keyed single-connection pool.
const (
	DefaultMaxIdle            = 5 * time.Minute
	DefaultHealthCheckInterval = 30 * time.Second
)

// entry is one pooled connection together with its bookkeeping.
type entry struct {
	conn         dbquery.Conn
	resourceType types.DBKind
	createdAt    time.Time
	lastUsed     time.Time
	inUse        bool
}

// Config configures a Pool. Zero values fall back to the package defaults.
type Config struct {
	MaxIdle             time.Duration
	HealthCheckInterval time.Duration
	Clock               clockwork.Clock
	Log                 logrus.FieldLogger
}

// Pool is the Direct Connection Pool.
type Pool struct {
	maxIdle             time.Duration
	healthCheckInterval time.Duration
	clock               clockwork.Clock
	log                 logrus.FieldLogger

	mu      sync.Mutex
	entries map[string]*entry

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a Pool and starts its background sweeper.
func New(cfg Config) *Pool {
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = DefaultMaxIdle
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}

	p := &Pool{
		maxIdle:             cfg.MaxIdle,
		healthCheckInterval: cfg.HealthCheckInterval,
		clock:               cfg.Clock,
		log:                 cfg.Log.WithField(trace.Component, "pam:pool"),
		entries:             make(map[string]*entry),
		stopCh:              make(chan struct{}),
		doneCh:              make(chan struct{}),
	}
	go p.sweepLoop()
	return p
}

// Create returns the existing connection for sessionID, refreshing its
// lastUsed stamp, if one is already pooled; otherwise it opens a new driver
// connection and stores it. It never closes a connection already held for
// the session — a concurrent Get may be actively using it.
func (p *Pool) Create(ctx context.Context, sessionID string, kind types.DBKind, creds types.DBCredentials) error {
	p.mu.Lock()
	if e, ok := p.entries[sessionID]; ok {
		e.lastUsed = p.clock.Now()
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	conn, err := dbquery.Connect(ctx, kind, creds, creds.Host, creds.Port, dbquery.TLSPerCredentials)
	if err != nil {
		return trace.Wrap(err)
	}

	now := p.clock.Now()
	e := &entry{conn: conn, resourceType: kind, createdAt: now, lastUsed: now}

	p.mu.Lock()
	if _, ok := p.entries[sessionID]; ok {
		// Another goroutine created an entry for this session while we were
		// dialing; keep its connection and discard ours rather than closing
		// a connection that might already be in use.
		p.mu.Unlock()
		conn.Close(context.Background())
		return nil
	}
	p.entries[sessionID] = e
	p.mu.Unlock()

	metrics.ActivePooledConnections.Set(float64(p.Count()))
	return nil
}

// Get returns the pooled connection for sessionID, marking it in use and
// stamping lastUsed, or nil if no connection is pooled for that session.
func (p *Pool) Get(sessionID string) dbquery.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[sessionID]
	if !ok {
		return nil
	}
	e.inUse = true
	e.lastUsed = p.clock.Now()
	return e.conn
}

// Release marks sessionID's connection idle again, eligible for eviction
// once it has been idle past MaxIdle.
func (p *Pool) Release(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[sessionID]; ok {
		e.inUse = false
		e.lastUsed = p.clock.Now()
	}
}

// Close closes and removes sessionID's pooled connection, if any. Idempotent.
func (p *Pool) Close(sessionID string) {
	p.mu.Lock()
	e, ok := p.entries[sessionID]
	if ok {
		delete(p.entries, sessionID)
	}
	p.mu.Unlock()

	if ok {
		e.conn.Close(context.Background())
		metrics.ActivePooledConnections.Set(float64(p.Count()))
	}
}

// CloseAll closes and removes every pooled connection, closing them
// concurrently and waiting for all to settle.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*entry)
	p.mu.Unlock()

	var g errgroup.Group
	for _, e := range entries {
		e := e
		g.Go(func() error {
			e.conn.Close(context.Background())
			return nil
		})
	}
	_ = g.Wait()
	metrics.ActivePooledConnections.Set(0)
}

// Destroy stops the background sweeper and closes every pooled connection.
// The pool must not be used after Destroy returns.
func (p *Pool) Destroy() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.doneCh
	p.CloseAll()
}

// Info returns a credential-free snapshot of every pooled connection,
// suitable for the health endpoint.
func (p *Pool) Info() []types.PooledConnectionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]types.PooledConnectionInfo, 0, len(p.entries))
	for sessionID, e := range p.entries {
		out = append(out, types.PooledConnectionInfo{
			SessionID:    sessionID,
			ResourceType: e.resourceType,
			CreatedAt:    e.createdAt,
			LastUsed:     e.lastUsed,
		})
	}
	return out
}

// Count returns the number of pooled connections, in use or idle.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// sweepLoop runs the idle-eviction and health-check pass on
// healthCheckInterval, using the pool's clock so tests can drive it with a
// clockwork.FakeClock instead of waiting on wall-clock time.
func (p *Pool) sweepLoop() {
	defer close(p.doneCh)

	ticker := p.clock.NewTicker(p.healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			p.sweep()
		case <-p.stopCh:
			return
		}
	}
}

// sweep evicts connections idle past maxIdle and health-checks the rest,
// evicting any that fail their probe.
func (p *Pool) sweep() {
	now := p.clock.Now()

	p.mu.Lock()
	var toEvict []*entry
	for sessionID, e := range p.entries {
		if e.inUse {
			continue
		}
		if now.Sub(e.lastUsed) > p.maxIdle {
			toEvict = append(toEvict, e)
			delete(p.entries, sessionID)
		}
	}
	remaining := make(map[string]*entry, len(p.entries))
	for id, e := range p.entries {
		remaining[id] = e
	}
	p.mu.Unlock()

	for _, e := range toEvict {
		e.conn.Close(context.Background())
	}
	if len(toEvict) > 0 {
		metrics.ActivePooledConnections.Set(float64(p.Count()))
	}

	for sessionID, e := range remaining {
		if e.inUse {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), dbquery.ConnectTimeout)
		err := e.conn.Ping(ctx)
		cancel()
		if err != nil {
			p.log.WithError(err).WithField("session_id", sessionID).Debug("Pooled connection failed health check, evicting.")
			p.Close(sessionID)
		}
	}
}
