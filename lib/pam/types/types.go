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

// Package types holds the data model shared by the PAM database query
// broker: sessions, accounts, resources, credentials, gateway bundles,
// tunnel handles, pooled connections and query results.
package types

import "time"

// SessionStatus is the lifecycle state of a PAM session as reported by the
// session store.
type SessionStatus string

const (
	SessionStarting SessionStatus = "Starting"
	SessionActive   SessionStatus = "Active"
	SessionEnded    SessionStatus = "Ended"
)

// Session is the subset of the session record the core reads. It is owned
// by the session/account/resource persistence layer; the core never writes
// it back.
type Session struct {
	ID        string
	Status    SessionStatus
	AccountID string
	ProjectID string
	ExpiresAt *time.Time
}

// Account is a specific credential on a resource.
type Account struct {
	ID         string
	ResourceID string
}

// DBKind discriminates the database engine a resource fronts.
type DBKind string

const (
	DBKindPostgres DBKind = "postgres"
	DBKindMySQL    DBKind = "mysql"
)

// Resource is a target system governed by PAM. A resource without a
// GatewayID cannot be tunneled.
type Resource struct {
	ID        string
	GatewayID *string
	Kind      DBKind
}

// DBCredentials holds decrypted, per-session database credentials. The
// shape is identical for Postgres and MySQL; Kind on the owning Resource
// discriminates which driver consumes it.
type DBCredentials struct {
	Host                  string
	Port                  int
	Database              string
	Username              string
	Password              string
	SSLEnabled            bool
	SSLRejectUnauthorized bool
	SSLCertificate        *string
}

// Actor identifies who (or what) is driving an operation, forwarded to
// collaborators for audit purposes.
type Actor struct {
	ID   string
	Type string
	Name string
}

// TLSMaterial is one leg's certificate bundle as returned by the gateway
// service, before flattening.
type TLSMaterial struct {
	ClientCertificate    *string
	ClientPrivateKey     *string
	ServerCertificateChain *string
}

// NestedGatewayBundle is the raw, nested shape returned by the gateway-v2
// service.
type NestedGatewayBundle struct {
	RelayHost string
	Relay     *TLSMaterial
	Gateway   *TLSMaterial
}

// GatewayBundle is the flattened connection bundle consumed by the tunnel
// builder. Fields are pointers so an absent nested field stays absent
// rather than becoming an empty string (see the bundle-transformation
// invariant).
type GatewayBundle struct {
	SessionID                   string
	RelayHost                   string
	RelayClientCertificate      *string
	RelayClientPrivateKey       *string
	RelayServerCertificateChain *string
	GatewayClientCertificate      *string
	GatewayClientPrivateKey       *string
	GatewayServerCertificateChain *string
}

// GatewayConnectionRequest is the request shape sent to the gateway
// service's GetPAMConnectionDetails.
type GatewayConnectionRequest struct {
	SessionID     string
	GatewayID     string
	ResourceType  DBKind
	Host          string
	Port          int
	ActorMetadata Actor
}

// SessionCredentialsResult is what the credential vault returns for a
// session.
type SessionCredentialsResult struct {
	Credentials    DBCredentials
	ProjectID      string
	Account        Account
	SessionStarted time.Time
}

// FieldDescriptor describes one column of a query result.
type FieldDescriptor struct {
	Name     string
	DataType string
}

// QueryResult is the normalized result of executing one statement.
type QueryResult struct {
	Fields   []FieldDescriptor
	Rows     [][]any
	RowCount int64
}

// TunnelStatus is a registry snapshot entry.
type TunnelStatus struct {
	SessionID string
	Active    bool
}

// PooledConnectionInfo is a credential-free snapshot of a pooled direct
// connection, safe to return from the health endpoint.
type PooledConnectionInfo struct {
	SessionID    string
	ResourceType DBKind
	CreatedAt    time.Time
	LastUsed     time.Time
}
