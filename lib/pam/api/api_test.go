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

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/infisical/pam-db-broker/lib/pam/pipeline"
	"github.com/infisical/pam-db-broker/lib/pam/pool"
	"github.com/infisical/pam-db-broker/lib/pam/registry"
	"github.com/infisical/pam-db-broker/lib/pam/resolver"
	"github.com/infisical/pam-db-broker/lib/pam/types"
)

type fakeSessions struct{ sessions map[string]*types.Session }

func (f *fakeSessions) FindByID(ctx context.Context, id string) (*types.Session, error) {
	return f.sessions[id], nil
}

type fakeAccounts struct{}

func (f *fakeAccounts) FindByID(ctx context.Context, id string) (*types.Account, error) {
	return nil, types.NotFound("account not found")
}

type fakeResources struct{}

func (f *fakeResources) FindByID(ctx context.Context, id string) (*types.Resource, error) {
	return nil, nil
}

type fakeVault struct{}

func (f *fakeVault) GetSessionCredentials(ctx context.Context, sessionID string, actor types.Actor) (*types.SessionCredentialsResult, error) {
	return nil, nil
}

type fakeGateway struct{}

func (f *fakeGateway) GetPAMConnectionDetails(ctx context.Context, req types.GatewayConnectionRequest) (*types.NestedGatewayBundle, error) {
	return nil, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	res := resolver.New(resolver.Resolver{
		Sessions: &fakeSessions{sessions: map[string]*types.Session{
			"sess-active": {ID: "sess-active", Status: types.SessionActive, AccountID: "missing"},
			"sess-ended":  {ID: "sess-ended", Status: types.SessionEnded},
		}},
		Accounts:  &fakeAccounts{},
		Resources: &fakeResources{},
		Vault:     &fakeVault{},
		Gateway:   &fakeGateway{},
	})

	reg := registry.New(logrus.StandardLogger())
	p := pipeline.New(res, nil, reg, logrus.StandardLogger())
	pl := pool.New(pool.Config{})
	t.Cleanup(pl.Destroy)

	return New(Server{Pipeline: p, Registry: reg, Pool: pl, Log: logrus.StandardLogger()})
}

func TestHandleConnect_UnknownSessionIsNotFound(t *testing.T) {
	s := newTestServer(t)
	router := s.Router()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/pam/sessions/does-not-exist/connect", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)

	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, types.KindNotFound, body.Kind)
}

func TestHandleConnect_EndedSessionIsGone(t *testing.T) {
	s := newTestServer(t)
	router := s.Router()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/pam/sessions/sess-ended/connect", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusGone, rec.Code)

	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, types.KindSessionEnded, body.Kind)
}

func TestHandleQuery_InvalidBodyIsBadRequest(t *testing.T) {
	s := newTestServer(t)
	router := s.Router()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/pam/sessions/sess-active/query", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleQuery_EmptySQLIsBadRequest(t *testing.T) {
	s := newTestServer(t)
	router := s.Router()

	body, err := json.Marshal(queryRequest{SQL: ""})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/pam/sessions/sess-active/query", strings.NewReader(string(body)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleQuery_OversizedSQLIsBadRequest(t *testing.T) {
	s := newTestServer(t)
	router := s.Router()

	body, err := json.Marshal(queryRequest{SQL: strings.Repeat("a", maxSQLLength+1)})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/pam/sessions/sess-active/query", strings.NewReader(string(body)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleDisconnect_AlwaysSucceeds(t *testing.T) {
	s := newTestServer(t)
	router := s.Router()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/pam/sessions/sess-active/disconnect", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleHealth_ReportsRegistryAndPoolCounts(t *testing.T) {
	s := newTestServer(t)
	router := s.Router()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/pam/sessions/connections/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body.Status)
	require.Equal(t, 0, body.ActiveTunnels)
	require.Equal(t, 0, body.ActiveConnections)
}
