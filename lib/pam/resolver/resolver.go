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

// Package resolver implements the Credential & Gateway Resolver: pure
// orchestration over the session/account/resource store, the credential
// vault and the gateway service, producing everything the tunnel builder
// and query executor need.
package resolver

import (
	"context"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/infisical/pam-db-broker/lib/pam/collaborators"
	"github.com/infisical/pam-db-broker/lib/pam/types"
)

// defaultGatewayPort is the port advertised to the gateway service when
// requesting connection details; it has no relation to the relay's actual
// listening port, which is carried separately in the returned bundle.
const defaultGatewayPort = 8443

// systemActor is the actor metadata the resolver presents to the gateway
// service; the gateway logs it for audit purposes.
var systemActor = types.Actor{ID: "system", Type: "USER", Name: "PAM TCP Gateway"}

// Resolved bundles everything the rest of the pipeline needs to build a
// tunnel and execute a query.
type Resolved struct {
	Session     *types.Session
	Resource    *types.Resource
	Credentials types.DBCredentials
	Bundle      types.GatewayBundle
}

// Resolver is the Credential & Gateway Resolver.
type Resolver struct {
	Sessions  collaborators.SessionStore
	Accounts  collaborators.AccountStore
	Resources collaborators.ResourceStore
	Vault     collaborators.CredentialVault
	Gateway   collaborators.GatewayService
	Clock     clockwork.Clock
	Log       logrus.FieldLogger
}

// New constructs a Resolver, defaulting Clock to the real clock and Log to
// a standard logrus logger when left unset.
func New(r Resolver) *Resolver {
	if r.Clock == nil {
		r.Clock = clockwork.NewRealClock()
	}
	if r.Log == nil {
		r.Log = logrus.StandardLogger().WithField(trace.Component, "pam:resolver")
	}
	return &r
}

// ResolveForQuery validates the session and resolves everything needed to
// build a tunnel and run a query on its behalf.
func (r *Resolver) ResolveForQuery(ctx context.Context, sessionID string, actor types.Actor) (*Resolved, error) {
	session, err := r.Sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if session == nil {
		return nil, types.NotFound("Session not found")
	}
	if err := r.checkUsable(session); err != nil {
		return nil, err
	}

	account, err := r.Accounts.FindByID(ctx, session.AccountID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if account == nil {
		return nil, types.NotFound("Account not found")
	}

	resource, err := r.Resources.FindByID(ctx, account.ResourceID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if resource == nil {
		return nil, types.NotFound("Resource not found")
	}
	if resource.GatewayID == nil {
		return nil, types.GatewayUnavailable("Resource does not have a gateway configured")
	}

	sessionCreds, err := r.Vault.GetSessionCredentials(ctx, sessionID, actor)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	nested, err := r.Gateway.GetPAMConnectionDetails(ctx, types.GatewayConnectionRequest{
		SessionID:     sessionID,
		GatewayID:     *resource.GatewayID,
		ResourceType:  resource.Kind,
		Host:          "localhost",
		Port:          defaultGatewayPort,
		ActorMetadata: systemActor,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if nested == nil {
		return nil, types.GatewayUnavailable("Failed to get gateway connection details")
	}

	return &Resolved{
		Session:     session,
		Resource:    resource,
		Credentials: sessionCreds.Credentials,
		Bundle:      flattenBundle(sessionID, nested),
	}, nil
}

// checkUsable implements the session-usability invariant: a session is
// usable iff its status is not Ended and it is either unbounded or strictly
// unexpired. Equality between expiresAt and now counts as expired.
func (r *Resolver) checkUsable(session *types.Session) error {
	if session.Status == types.SessionEnded {
		return types.SessionEndedError("Session has ended")
	}
	if session.ExpiresAt != nil && !session.ExpiresAt.After(r.Clock.Now()) {
		return types.SessionExpiredError("Session has expired")
	}
	return nil
}

// flattenBundle is a pure projection from the gateway service's nested
// response shape into the flat GatewayBundle the tunnel builder consumes.
// Missing nested fields stay absent rather than becoming empty strings.
func flattenBundle(sessionID string, nested *types.NestedGatewayBundle) types.GatewayBundle {
	b := types.GatewayBundle{
		SessionID: sessionID,
		RelayHost: nested.RelayHost,
	}
	if nested.Relay != nil {
		b.RelayClientCertificate = nested.Relay.ClientCertificate
		b.RelayClientPrivateKey = nested.Relay.ClientPrivateKey
		b.RelayServerCertificateChain = nested.Relay.ServerCertificateChain
	}
	if nested.Gateway != nil {
		b.GatewayClientCertificate = nested.Gateway.ClientCertificate
		b.GatewayClientPrivateKey = nested.Gateway.ClientPrivateKey
		b.GatewayServerCertificateChain = nested.Gateway.ServerCertificateChain
	}
	return b
}
