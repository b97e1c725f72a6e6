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

package pipeline

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/infisical/pam-db-broker/lib/pam/registry"
	"github.com/infisical/pam-db-broker/lib/pam/resolver"
	"github.com/infisical/pam-db-broker/lib/pam/tunnel"
	"github.com/infisical/pam-db-broker/lib/pam/types"
)

type fakeSessions struct{ sessions map[string]*types.Session }

func (f *fakeSessions) FindByID(ctx context.Context, id string) (*types.Session, error) {
	return f.sessions[id], nil
}

type fakeAccounts struct{ accounts map[string]*types.Account }

func (f *fakeAccounts) FindByID(ctx context.Context, id string) (*types.Account, error) {
	return f.accounts[id], nil
}

type fakeResources struct{ resources map[string]*types.Resource }

func (f *fakeResources) FindByID(ctx context.Context, id string) (*types.Resource, error) {
	return f.resources[id], nil
}

type fakeVault struct{ result *types.SessionCredentialsResult }

func (f *fakeVault) GetSessionCredentials(ctx context.Context, sessionID string, actor types.Actor) (*types.SessionCredentialsResult, error) {
	return f.result, nil
}

type fakeGateway struct{ bundle *types.NestedGatewayBundle }

func (f *fakeGateway) GetPAMConnectionDetails(ctx context.Context, req types.GatewayConnectionRequest) (*types.NestedGatewayBundle, error) {
	return f.bundle, nil
}

// fakeBuilder skips the real relay/gateway TLS handshakes and wires the
// handle's Inner leg to one end of a net.Pipe, whose other end is exposed to
// the test so it can behave like "the database behind the tunnel."
type fakeBuilder struct {
	remote net.Conn
	err    error
}

func (f *fakeBuilder) Build(ctx context.Context, bundle types.GatewayBundle) (*tunnel.Handle, error) {
	if f.err != nil {
		return nil, f.err
	}
	local, remote := net.Pipe()
	f.remote = remote
	return tunnel.NewForTesting(bundle.SessionID, remote, local), nil
}

func newTestPipeline(t *testing.T, builder TunnelBuilder, execute Executor) *Pipeline {
	t.Helper()

	sess := &types.Session{ID: "sess-1", Status: types.SessionActive, AccountID: "acct-1"}
	res := resolver.New(resolver.Resolver{
		Sessions:  &fakeSessions{sessions: map[string]*types.Session{"sess-1": sess}},
		Accounts:  &fakeAccounts{accounts: map[string]*types.Account{"acct-1": {ID: "acct-1", ResourceID: "res-1"}}},
		Resources: &fakeResources{resources: map[string]*types.Resource{"res-1": {ID: "res-1", GatewayID: strPtr("gw-1"), Kind: types.DBKindPostgres}}},
		Vault: &fakeVault{result: &types.SessionCredentialsResult{
			Credentials: types.DBCredentials{Host: "db.internal", Port: 5432, Database: "app", Username: "u", Password: "p"},
		}},
		Gateway: &fakeGateway{bundle: &types.NestedGatewayBundle{
			RelayHost: "relay.internal:443",
			Relay: &types.TLSMaterial{
				ClientCertificate:      strPtr("cert"),
				ClientPrivateKey:       strPtr("key"),
				ServerCertificateChain: strPtr("chain"),
			},
			Gateway: &types.TLSMaterial{
				ClientCertificate:      strPtr("cert"),
				ClientPrivateKey:       strPtr("key"),
				ServerCertificateChain: strPtr("chain"),
			},
		}},
	})

	reg := registry.New(logrus.StandardLogger())
	return &Pipeline{Resolver: res, Builder: builder, Registry: reg, Execute: execute, Log: logrus.StandardLogger()}
}

func strPtr(s string) *string { return &s }

// dialAndClose connects to the bridge's loopback port and closes
// immediately, letting the pump's splice settle without waiting on the
// pipeline's post-query drain timeout.
func dialAndClose(t *testing.T, port int) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second)
	require.NoError(t, err)
	conn.Close()
}

func TestExecuteQuery_HappyPath(t *testing.T) {
	builder := &fakeBuilder{}
	var sawPort int
	p := newTestPipeline(t, builder, func(ctx context.Context, kind types.DBKind, creds types.DBCredentials, localPort int, sql string, params []any) (*types.QueryResult, error) {
		sawPort = localPort
		dialAndClose(t, localPort)
		return &types.QueryResult{RowCount: 1}, nil
	})

	result, err := p.ExecuteQuery(context.Background(), QueryRequest{SessionID: "sess-1", SQL: "SELECT 1"})
	require.NoError(t, err)
	require.Equal(t, int64(1), result.RowCount)
	require.NotZero(t, sawPort)
	require.Equal(t, 0, p.Registry.Count(), "tunnel must be deregistered after the query completes")
}

func TestExecuteQuery_ResolverErrorPassesThrough(t *testing.T) {
	builder := &fakeBuilder{}
	p := newTestPipeline(t, builder, func(ctx context.Context, kind types.DBKind, creds types.DBCredentials, localPort int, sql string, params []any) (*types.QueryResult, error) {
		t.Fatal("executor must not run when resolution fails")
		return nil, nil
	})

	_, err := p.ExecuteQuery(context.Background(), QueryRequest{SessionID: "does-not-exist", SQL: "SELECT 1"})
	require.Error(t, err)
	require.Equal(t, types.KindNotFound, types.KindOf(err))
}

func TestExecuteQuery_TunnelBuildFailureDeregisters(t *testing.T) {
	builder := &fakeBuilder{err: types.TunnelError("boom")}
	p := newTestPipeline(t, builder, func(ctx context.Context, kind types.DBKind, creds types.DBCredentials, localPort int, sql string, params []any) (*types.QueryResult, error) {
		t.Fatal("executor must not run when the tunnel fails to build")
		return nil, nil
	})

	_, err := p.ExecuteQuery(context.Background(), QueryRequest{SessionID: "sess-1", SQL: "SELECT 1"})
	require.Error(t, err)
	require.Equal(t, types.KindBadRequest, types.KindOf(err))
	require.Equal(t, 0, p.Registry.Count())
}

func TestExecuteQuery_QueryErrorStillDeregisters(t *testing.T) {
	builder := &fakeBuilder{}
	p := newTestPipeline(t, builder, func(ctx context.Context, kind types.DBKind, creds types.DBCredentials, localPort int, sql string, params []any) (*types.QueryResult, error) {
		dialAndClose(t, localPort)
		return nil, types.DriverError(nil, "syntax error")
	})

	_, err := p.ExecuteQuery(context.Background(), QueryRequest{SessionID: "sess-1", SQL: "bad sql"})
	require.Error(t, err)
	require.Equal(t, types.KindBadRequest, types.KindOf(err))
	require.Equal(t, 0, p.Registry.Count())
}

func TestDisconnect_IsIdempotent(t *testing.T) {
	builder := &fakeBuilder{}
	p := newTestPipeline(t, builder, func(ctx context.Context, kind types.DBKind, creds types.DBCredentials, localPort int, sql string, params []any) (*types.QueryResult, error) {
		return &types.QueryResult{}, nil
	})
	p.Disconnect("sess-1")
	p.Disconnect("sess-1")
}
