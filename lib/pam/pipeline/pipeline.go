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

// Package pipeline is the Session Pipeline: it drives one query end to end —
// resolve, build and register a tunnel, bridge it to a loopback listener,
// execute the statement, tear the tunnel down — in the strict order the
// other components require.
package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/infisical/pam-db-broker/lib/pam/bridge"
	"github.com/infisical/pam-db-broker/lib/pam/dbquery"
	"github.com/infisical/pam-db-broker/lib/pam/metrics"
	"github.com/infisical/pam-db-broker/lib/pam/registry"
	"github.com/infisical/pam-db-broker/lib/pam/resolver"
	"github.com/infisical/pam-db-broker/lib/pam/tunnel"
	"github.com/infisical/pam-db-broker/lib/pam/types"
)

// StepTimeout bounds each blocking step of the pipeline: resolve, tunnel
// build, and query execution each get their own context deadline so a slow
// collaborator or database cannot wedge a session indefinitely.
const StepTimeout = 10 * time.Second

// Executor runs one statement against the loopback bridge. Its production
// value is dbquery.Execute; tests substitute a fake that dials the bridge
// port directly, so the pipeline's wiring can be verified without a real
// database.
type Executor func(ctx context.Context, kind types.DBKind, creds types.DBCredentials, localPort int, sql string, params []any) (*types.QueryResult, error)

// TunnelBuilder is the subset of *tunnel.Builder the pipeline depends on;
// tests substitute a fake that skips the real TLS handshakes.
type TunnelBuilder interface {
	Build(ctx context.Context, bundle types.GatewayBundle) (*tunnel.Handle, error)
}

// Pipeline is the Session Pipeline.
type Pipeline struct {
	Resolver *resolver.Resolver
	Builder  TunnelBuilder
	Registry *registry.Registry
	Execute  Executor
	Log      logrus.FieldLogger
}

// New constructs a Pipeline from its already-constructed collaborators.
func New(r *resolver.Resolver, b TunnelBuilder, reg *registry.Registry, log logrus.FieldLogger) *Pipeline {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Pipeline{
		Resolver: r,
		Builder:  b,
		Registry: reg,
		Execute:  dbquery.Execute,
		Log:      log.WithField(trace.Component, "pam:pipeline"),
	}
}

// QueryRequest is everything a caller provides for one query.
type QueryRequest struct {
	SessionID string
	Actor     types.Actor
	SQL       string
	Params    []any
}

// ExecuteQuery runs the five-step sequence: resolve, build+register,
// bridge, execute, close+deregister. Resolver errors are returned as-is
// (they already carry a classified ErrorKind); failures from the tunnel or
// query steps are normalized to a BadRequest so the HTTP layer has one kind
// of error to translate into a 4xx, matching the resolved parameter-binding
// design note's spirit of keeping the boundary narrow.
func (p *Pipeline) ExecuteQuery(ctx context.Context, req QueryRequest) (*types.QueryResult, error) {
	start := time.Now()
	dbKind := ""
	outcome := "error"
	defer func() {
		metrics.QueryDuration.WithLabelValues(dbKind, outcome).Observe(time.Since(start).Seconds())
	}()

	resolveCtx, cancel := context.WithTimeout(ctx, StepTimeout)
	resolved, err := p.Resolver.ResolveForQuery(resolveCtx, req.SessionID, req.Actor)
	cancel()
	if err != nil {
		return nil, err
	}
	dbKind = string(resolved.Resource.Kind)

	buildCtx, cancel := context.WithTimeout(ctx, StepTimeout)
	handle, err := p.Builder.Build(buildCtx, resolved.Bundle)
	cancel()
	if err != nil {
		metrics.TunnelBuildFailures.WithLabelValues(stageForTunnelError(err)).Inc()
		return nil, types.AsBadRequest(err, "failed to establish tunnel")
	}
	p.Registry.Register(handle)
	metrics.ActiveTunnels.Set(float64(p.Registry.Count()))

	br, err := bridge.New(p.Log)
	if err != nil {
		p.Registry.CloseOne(req.SessionID)
		return nil, types.AsBadRequest(err, "failed to start local bridge")
	}
	defer br.Close()

	spliceErrCh := br.Pump(handle.Inner)

	// The query step is also cancelled if the registry tears the handle down
	// (disconnect or shutdown) while it is in flight.
	execCtx, cancel := context.WithTimeout(ctx, StepTimeout)
	stopOnTeardown := context.AfterFunc(handle.Context(), cancel)
	result, execErr := p.Execute(execCtx, resolved.Resource.Kind, resolved.Credentials, br.Port(), req.SQL, req.Params)
	stopOnTeardown()
	cancel()

	p.Registry.CloseOne(req.SessionID)
	metrics.ActiveTunnels.Set(float64(p.Registry.Count()))

	// Drain the splice's completion signal without blocking indefinitely:
	// once the driver connection above closes, the spliced bridge connection
	// unwinds on its own.
	select {
	case <-spliceErrCh:
	case <-time.After(time.Second):
		p.Log.Debug("Bridge splice did not settle within one second of query completion.")
	}

	if execErr != nil {
		return nil, types.AsBadRequest(execErr, "query execution failed")
	}
	outcome = "success"
	return result, nil
}

// stageForTunnelError classifies a tunnel build failure into the coarse
// stage labels TunnelBuildFailures tracks. It inspects the error message
// rather than threading a stage enum through the tunnel package, since the
// builder already phrases each failure distinctly ("Relay TLS connection
// error", "Relay TLS authorization failed", "Gateway TLS handshake failed").
func stageForTunnelError(err error) string {
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "Relay TLS"):
		return "relay_handshake"
	case strings.HasPrefix(msg, "Gateway TLS"):
		return "gateway_handshake"
	case strings.HasPrefix(msg, "Missing relay"):
		return "relay_handshake"
	case strings.HasPrefix(msg, "Missing gateway"):
		return "gateway_handshake"
	default:
		return "unknown"
	}
}

// Disconnect tears down a session's tunnel, if one is registered. It is
// idempotent and safe to call for a session with no active tunnel.
func (p *Pipeline) Disconnect(sessionID string) {
	p.Registry.CloseOne(sessionID)
	metrics.ActiveTunnels.Set(float64(p.Registry.Count()))
}

// Shutdown tears down every tunnel this pipeline's registry owns.
func (p *Pipeline) Shutdown() {
	p.Registry.CloseAll()
	metrics.ActiveTunnels.Set(0)
}
