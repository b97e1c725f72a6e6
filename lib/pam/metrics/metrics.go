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

// Package metrics declares the prometheus/client_golang collectors the
// broker exposes: active tunnels, active pooled connections, query
// duration, and tunnel build failures by stage.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pam_db_broker"

var (
	// ActiveTunnels tracks the Tunnel Registry's current size.
	ActiveTunnels = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_tunnels",
		Help:      "Number of tunnels currently registered, active or torn down but not yet deregistered.",
	})

	// ActivePooledConnections tracks the Direct Connection Pool's current size.
	ActivePooledConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_pooled_connections",
		Help:      "Number of direct connections currently held by the pool.",
	})

	// QueryDuration observes wall-clock time for one ExecuteQuery call,
	// labeled by database kind and outcome.
	QueryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "query_duration_seconds",
		Help:      "Time spent executing one query through the session pipeline.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"db_kind", "outcome"})

	// TunnelBuildFailures counts tunnel build failures by stage:
	// relay_handshake (which includes relay dial failures), gateway_handshake,
	// or unknown.
	TunnelBuildFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tunnel_build_failures_total",
		Help:      "Tunnel build failures, labeled by the stage at which they occurred.",
	}, []string{"stage"})
)

// MustRegister registers every collector in this package against reg. Panics
// on a duplicate registration, matching prometheus.MustRegister's contract.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(ActiveTunnels, ActivePooledConnections, QueryDuration, TunnelBuildFailures)
}
