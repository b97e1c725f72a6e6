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

// Package api exposes the PAM database broker's HTTP surface over
// julienschmidt/httprouter: connect, query, disconnect and a health/
// introspection endpoint. Authentication is out of scope (see purpose and
// scope); callers inject an AuthFunc collaborator that turns a request into
// an Actor or rejects it.
package api

import (
	"encoding/json"
	"net/http"
	"unicode/utf8"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"github.com/infisical/pam-db-broker/lib/pam/pipeline"
	"github.com/infisical/pam-db-broker/lib/pam/pool"
	"github.com/infisical/pam-db-broker/lib/pam/registry"
	"github.com/infisical/pam-db-broker/lib/pam/types"
)

// AuthFunc authenticates an inbound request, returning the Actor on whose
// behalf the operation runs. JWT/session-token verification itself lives
// outside this module.
type AuthFunc func(r *http.Request) (types.Actor, error)

// Server wires the Session Pipeline and Direct Connection Pool to the HTTP
// surface.
type Server struct {
	Pipeline *pipeline.Pipeline
	Registry *registry.Registry
	Pool     *pool.Pool
	Auth     AuthFunc
	Log      logrus.FieldLogger
}

// New returns a copy of s with its logger defaulted and tagged with the api
// component. Router builds the httprouter.Router.
func New(s Server) *Server {
	if s.Log == nil {
		s.Log = logrus.StandardLogger()
	}
	s.Log = s.Log.WithField(trace.Component, "pam:api")
	return &s
}

// Router builds the httprouter.Router exposing this server's endpoints.
func (s *Server) Router() *httprouter.Router {
	r := httprouter.New()
	r.POST("/api/v1/pam/sessions/:sessionId/connect", s.handleConnect)
	r.POST("/api/v1/pam/sessions/:sessionId/query", s.handleQuery)
	r.POST("/api/v1/pam/sessions/:sessionId/disconnect", s.handleDisconnect)
	r.GET("/api/v1/pam/sessions/connections/health", s.handleHealth)
	return r
}

// maxSQLLength and minSQLLength bound the queryRequest.SQL wire field.
const (
	minSQLLength = 1
	maxSQLLength = 100000
)

type queryRequest struct {
	SQL    string `json:"sql"`
	Params []any  `json:"params"`
}

type queryResponse struct {
	Fields   []types.FieldDescriptor `json:"fields"`
	Rows     [][]any                 `json:"rows"`
	RowCount int64                   `json:"rowCount"`
}

type errorResponse struct {
	Error string          `json:"error"`
	Kind  types.ErrorKind `json:"kind,omitempty"`
}

type healthResponse struct {
	Status            string                        `json:"status"`
	ActiveConnections int                            `json:"activeConnections"`
	ActiveTunnels     int                            `json:"activeTunnels"`
	ConnectionPoolInfo []types.PooledConnectionInfo `json:"connectionPoolInfo"`
}

func (s *Server) authenticate(r *http.Request) (types.Actor, error) {
	if s.Auth == nil {
		return types.Actor{}, nil
	}
	return s.Auth(r)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	sessionID := ps.ByName("sessionId")

	actor, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, types.BadRequest("authentication failed: %s", err))
		return
	}

	// connect has no dedicated pipeline step of its own: establishing the
	// tunnel is deferred to the first query, matching the "no long-lived
	// pooled tunnels" non-goal. This endpoint only confirms the session is
	// currently usable.
	_, err = s.Pipeline.Resolver.ResolveForQuery(r.Context(), sessionID, actor)
	if err != nil {
		writeError(w, statusForKind(types.KindOf(err)), err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	sessionID := ps.ByName("sessionId")

	actor, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, types.BadRequest("authentication failed: %s", err))
		return
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, types.BadRequest("invalid request body: %s", err))
		return
	}
	if n := utf8.RuneCountInString(req.SQL); n < minSQLLength || n > maxSQLLength {
		writeError(w, http.StatusBadRequest, types.BadRequest("sql must be between %d and %d characters", minSQLLength, maxSQLLength))
		return
	}

	result, err := s.Pipeline.ExecuteQuery(r.Context(), pipeline.QueryRequest{
		SessionID: sessionID,
		Actor:     actor,
		SQL:       req.SQL,
		Params:    req.Params,
	})
	if err != nil {
		writeError(w, statusForKind(types.KindOf(err)), err)
		return
	}

	writeJSON(w, http.StatusOK, queryResponse{Fields: result.Fields, Rows: result.Rows, RowCount: result.RowCount})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	sessionID := ps.ByName("sessionId")

	if _, err := s.authenticate(r); err != nil {
		writeError(w, http.StatusUnauthorized, types.BadRequest("authentication failed: %s", err))
		return
	}

	s.Pipeline.Disconnect(sessionID)
	if s.Pool != nil {
		s.Pool.Close(sessionID)
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	resp := healthResponse{Status: "ok"}
	if s.Pool != nil {
		info := s.Pool.Info()
		resp.ActiveConnections = len(info)
		resp.ConnectionPoolInfo = info
	}
	if s.Registry != nil {
		resp.ActiveTunnels = s.Registry.Count()
	}
	writeJSON(w, http.StatusOK, resp)
}

// statusForKind maps a classified core error to an HTTP status, per §7's
// error taxonomy.
func statusForKind(kind types.ErrorKind) int {
	switch kind {
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindSessionEnded, types.KindSessionExpired:
		return http.StatusGone
	case types.KindGatewayUnavailable:
		return http.StatusServiceUnavailable
	case types.KindTunnelError, types.KindDriverError:
		return http.StatusBadGateway
	case types.KindBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: types.KindOf(err)})
}
