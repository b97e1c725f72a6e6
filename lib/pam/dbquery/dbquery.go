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

// Package dbquery is the Query Executor: it opens a driver-level connection
// (Postgres via jackc/pgx/v5, MySQL via go-mysql-org/go-mysql) to a host:port
// — either the loopback bridge for a tunneled query, or the real database
// for the direct connection pool — executes one statement, and normalizes
// the result into a field/rows/rowCount shape the front end treats as
// opaque.
package dbquery

import (
	"context"
	"time"

	"github.com/infisical/pam-db-broker/lib/pam/types"
)

// ConnectTimeout bounds opening the driver-level connection.
const ConnectTimeout = 10 * time.Second

// TLSMode controls whether a Connect call negotiates TLS with the remote
// end. Tunneled queries dial the local bridge, which is plain TCP (TLS is
// already provided by the tunnel); the direct connection pool dials the
// database directly and may need TLS per the resource's credentials.
type TLSMode int

const (
	// TLSDisabled never attempts TLS — used for the loopback bridge.
	TLSDisabled TLSMode = iota
	// TLSPerCredentials uses DBCredentials.SSLEnabled/SSLRejectUnauthorized/
	// SSLCertificate to decide — used by the direct connection pool.
	TLSPerCredentials
)

// Conn is a driver-level connection capable of running one statement at a
// time. Postgres and MySQL each get a thin implementation in this package.
type Conn interface {
	Execute(ctx context.Context, sql string, params []any) (*types.QueryResult, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Connect opens a driver-level connection to host:port for the given
// database kind.
func Connect(ctx context.Context, kind types.DBKind, creds types.DBCredentials, host string, port int, tlsMode TLSMode) (Conn, error) {
	switch kind {
	case types.DBKindPostgres:
		return connectPostgres(ctx, creds, host, port, tlsMode)
	case types.DBKindMySQL:
		return connectMySQL(ctx, creds, host, port, tlsMode)
	default:
		return nil, types.DriverError(nil, "unsupported database kind %q", kind)
	}
}

// Execute is the convenience path used by the tunneled query pipeline: open
// a connection to the loopback bridge, run one statement, always close.
func Execute(ctx context.Context, kind types.DBKind, creds types.DBCredentials, localPort int, sql string, params []any) (*types.QueryResult, error) {
	connectCtx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()

	conn, err := Connect(connectCtx, kind, creds, "127.0.0.1", localPort, TLSDisabled)
	if err != nil {
		return nil, err
	}
	defer conn.Close(context.Background())

	result, err := conn.Execute(ctx, sql, params)
	if err != nil {
		return nil, err
	}
	return result, nil
}
