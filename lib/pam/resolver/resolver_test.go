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

package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/infisical/pam-db-broker/lib/pam/types"
)

type fakeSessions struct {
	byID map[string]*types.Session
}

func (f *fakeSessions) FindByID(_ context.Context, id string) (*types.Session, error) {
	return f.byID[id], nil
}

type fakeAccounts struct {
	byID map[string]*types.Account
}

func (f *fakeAccounts) FindByID(_ context.Context, id string) (*types.Account, error) {
	return f.byID[id], nil
}

type fakeResources struct {
	byID map[string]*types.Resource
}

func (f *fakeResources) FindByID(_ context.Context, id string) (*types.Resource, error) {
	return f.byID[id], nil
}

type fakeVault struct {
	result  *types.SessionCredentialsResult
	calls   int
}

func (f *fakeVault) GetSessionCredentials(_ context.Context, _ string, _ types.Actor) (*types.SessionCredentialsResult, error) {
	f.calls++
	return f.result, nil
}

type fakeGateway struct {
	bundle *types.NestedGatewayBundle
	calls  int
}

func (f *fakeGateway) GetPAMConnectionDetails(_ context.Context, _ types.GatewayConnectionRequest) (*types.NestedGatewayBundle, error) {
	f.calls++
	return f.bundle, nil
}

func strPtr(s string) *string { return &s }

func newTestResolver(t *testing.T, session *types.Session, resource *types.Resource, vault *fakeVault, gw *fakeGateway, clock clockwork.Clock) *Resolver {
	t.Helper()
	account := &types.Account{ID: "acct-1", ResourceID: "res-1"}
	return New(Resolver{
		Sessions:  &fakeSessions{byID: map[string]*types.Session{session.ID: session}},
		Accounts:  &fakeAccounts{byID: map[string]*types.Account{"acct-1": account}},
		Resources: &fakeResources{byID: map[string]*types.Resource{"res-1": resource}},
		Vault:     vault,
		Gateway:   gw,
		Clock:     clock,
	})
}

func TestResolveForQuery_EndedSession(t *testing.T) {
	session := &types.Session{ID: "sess-1", Status: types.SessionEnded, AccountID: "acct-1"}
	gw := &fakeGateway{}
	r := newTestResolver(t, session, &types.Resource{ID: "res-1"}, &fakeVault{}, gw, clockwork.NewFakeClock())

	_, err := r.ResolveForQuery(context.Background(), "sess-1", types.Actor{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "Session has ended")
	require.Equal(t, types.KindSessionEnded, types.KindOf(err))
	require.Zero(t, gw.calls)
}

func TestResolveForQuery_ExpiredAtBoundary(t *testing.T) {
	clock := clockwork.NewFakeClock()
	now := clock.Now()
	session := &types.Session{ID: "sess-1", Status: types.SessionActive, AccountID: "acct-1", ExpiresAt: &now}
	r := newTestResolver(t, session, &types.Resource{ID: "res-1"}, &fakeVault{}, &fakeGateway{}, clock)

	_, err := r.ResolveForQuery(context.Background(), "sess-1", types.Actor{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "Session has expired")
	require.Equal(t, types.KindSessionExpired, types.KindOf(err))
}

func TestResolveForQuery_NotYetExpiredIsUsable(t *testing.T) {
	clock := clockwork.NewFakeClock()
	future := clock.Now().Add(time.Minute)
	session := &types.Session{ID: "sess-1", Status: types.SessionActive, AccountID: "acct-1", ExpiresAt: &future}
	resource := &types.Resource{ID: "res-1", GatewayID: strPtr("gw-1"), Kind: types.DBKindPostgres}
	vault := &fakeVault{result: &types.SessionCredentialsResult{Credentials: types.DBCredentials{Host: "db"}}}
	gw := &fakeGateway{bundle: &types.NestedGatewayBundle{RelayHost: "relay.example.com:8443"}}
	r := newTestResolver(t, session, resource, vault, gw, clock)

	resolved, err := r.ResolveForQuery(context.Background(), "sess-1", types.Actor{})
	require.NoError(t, err)
	require.Equal(t, "relay.example.com:8443", resolved.Bundle.RelayHost)
	require.Equal(t, 1, vault.calls)
	require.Equal(t, 1, gw.calls)
}

func TestResolveForQuery_NoGateway(t *testing.T) {
	session := &types.Session{ID: "sess-1", Status: types.SessionActive, AccountID: "acct-1"}
	resource := &types.Resource{ID: "res-1", GatewayID: nil}
	r := newTestResolver(t, session, resource, &fakeVault{}, &fakeGateway{}, clockwork.NewFakeClock())

	_, err := r.ResolveForQuery(context.Background(), "sess-1", types.Actor{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "does not have a gateway configured")
	require.Equal(t, types.KindGatewayUnavailable, types.KindOf(err))
}

func TestResolveForQuery_GatewayReturnsNilBundle(t *testing.T) {
	session := &types.Session{ID: "sess-1", Status: types.SessionActive, AccountID: "acct-1"}
	resource := &types.Resource{ID: "res-1", GatewayID: strPtr("gw-1")}
	vault := &fakeVault{result: &types.SessionCredentialsResult{}}
	r := newTestResolver(t, session, resource, vault, &fakeGateway{bundle: nil}, clockwork.NewFakeClock())

	_, err := r.ResolveForQuery(context.Background(), "sess-1", types.Actor{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "Failed to get gateway connection details")
}

func TestFlattenBundle_MissingFieldsStayAbsent(t *testing.T) {
	nested := &types.NestedGatewayBundle{
		RelayHost: "relay.example.com:8443",
		Relay: &types.TLSMaterial{
			ClientCertificate:      strPtr("R1"),
			ClientPrivateKey:       strPtr("R2"),
			ServerCertificateChain: strPtr("R3"),
		},
		Gateway: &types.TLSMaterial{
			ClientCertificate:      strPtr("G1"),
			ClientPrivateKey:       strPtr("G2"),
			ServerCertificateChain: strPtr("G3"),
		},
	}

	got := flattenBundle("sess-1", nested)
	require.Equal(t, "sess-1", got.SessionID)
	require.Equal(t, "relay.example.com:8443", got.RelayHost)
	require.Equal(t, "R1", *got.RelayClientCertificate)
	require.Equal(t, "R2", *got.RelayClientPrivateKey)
	require.Equal(t, "R3", *got.RelayServerCertificateChain)
	require.Equal(t, "G1", *got.GatewayClientCertificate)
	require.Equal(t, "G2", *got.GatewayClientPrivateKey)
	require.Equal(t, "G3", *got.GatewayServerCertificateChain)

	// A nested bundle missing the relay/gateway sub-objects entirely must
	// leave the flat fields nil, not empty strings.
	sparse := flattenBundle("sess-2", &types.NestedGatewayBundle{RelayHost: "h"})
	require.Nil(t, sparse.RelayClientCertificate)
	require.Nil(t, sparse.GatewayClientCertificate)
}
