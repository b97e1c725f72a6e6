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

// Package collaborators declares the narrow interfaces the core consumes
// from systems outside its scope: the session/account/resource persistence
// layer, the credential vault, and the gateway-v2 service. Production
// implementations live outside this module; this package only pins the
// contract.
package collaborators

import (
	"context"

	"github.com/infisical/pam-db-broker/lib/pam/types"
)

// SessionStore resolves session records. FindByID returning (nil, nil)
// means "not found", mirroring the source API's `| null` return.
type SessionStore interface {
	FindByID(ctx context.Context, sessionID string) (*types.Session, error)
}

// AccountStore resolves account records.
type AccountStore interface {
	FindByID(ctx context.Context, accountID string) (*types.Account, error)
}

// ResourceStore resolves resource records.
type ResourceStore interface {
	FindByID(ctx context.Context, resourceID string) (*types.Resource, error)
}

// CredentialVault returns decrypted database credentials for a session.
type CredentialVault interface {
	GetSessionCredentials(ctx context.Context, sessionID string, actor types.Actor) (*types.SessionCredentialsResult, error)
}

// GatewayService returns relay/gateway certificate material and the relay
// endpoint for a session.
type GatewayService interface {
	GetPAMConnectionDetails(ctx context.Context, req types.GatewayConnectionRequest) (*types.NestedGatewayBundle, error)
}
