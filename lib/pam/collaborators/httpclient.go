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

package collaborators

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gravitational/trace"

	"github.com/infisical/pam-db-broker/lib/pam/types"
)

// httpCollaborator is a thin JSON/HTTP adapter used to reach each
// collaborator's real implementation, which lives in a separate service
// outside this module. There is no corpus example of the specific wire
// client teleport would use for this boundary, so this stays a minimal
// net/http client rather than guessing at an unverified library API.
type httpCollaborator struct {
	baseURL string
	client  *http.Client
}

func newHTTPCollaborator(baseURL string) httpCollaborator {
	return httpCollaborator{baseURL: baseURL, client: &http.Client{Timeout: 10 * time.Second}}
}

func (c httpCollaborator) getJSON(ctx context.Context, path string, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return false, trace.Wrap(err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false, trace.Wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, trace.Errorf("collaborator request to %s failed with status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, trace.Wrap(err)
	}
	return true, nil
}

func (c httpCollaborator) postJSON(ctx context.Context, path string, body, out any) (bool, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return false, trace.Wrap(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return false, trace.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return false, trace.Wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, trace.Errorf("collaborator request to %s failed with status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, trace.Wrap(err)
	}
	return true, nil
}

// HTTPSessionStore is a SessionStore backed by a JSON HTTP endpoint.
type HTTPSessionStore struct{ httpCollaborator }

// NewHTTPSessionStore builds an HTTPSessionStore against baseURL.
func NewHTTPSessionStore(baseURL string) *HTTPSessionStore {
	return &HTTPSessionStore{newHTTPCollaborator(baseURL)}
}

// FindByID implements SessionStore.
func (s *HTTPSessionStore) FindByID(ctx context.Context, sessionID string) (*types.Session, error) {
	var session types.Session
	found, err := s.getJSON(ctx, fmt.Sprintf("/sessions/%s", sessionID), &session)
	if err != nil || !found {
		return nil, err
	}
	return &session, nil
}

// HTTPAccountStore is an AccountStore backed by a JSON HTTP endpoint.
type HTTPAccountStore struct{ httpCollaborator }

// NewHTTPAccountStore builds an HTTPAccountStore against baseURL.
func NewHTTPAccountStore(baseURL string) *HTTPAccountStore {
	return &HTTPAccountStore{newHTTPCollaborator(baseURL)}
}

// FindByID implements AccountStore.
func (s *HTTPAccountStore) FindByID(ctx context.Context, accountID string) (*types.Account, error) {
	var account types.Account
	found, err := s.getJSON(ctx, fmt.Sprintf("/accounts/%s", accountID), &account)
	if err != nil || !found {
		return nil, err
	}
	return &account, nil
}

// HTTPResourceStore is a ResourceStore backed by a JSON HTTP endpoint.
type HTTPResourceStore struct{ httpCollaborator }

// NewHTTPResourceStore builds an HTTPResourceStore against baseURL.
func NewHTTPResourceStore(baseURL string) *HTTPResourceStore {
	return &HTTPResourceStore{newHTTPCollaborator(baseURL)}
}

// FindByID implements ResourceStore.
func (s *HTTPResourceStore) FindByID(ctx context.Context, resourceID string) (*types.Resource, error) {
	var resource types.Resource
	found, err := s.getJSON(ctx, fmt.Sprintf("/resources/%s", resourceID), &resource)
	if err != nil || !found {
		return nil, err
	}
	return &resource, nil
}

// HTTPCredentialVault is a CredentialVault backed by a JSON HTTP endpoint.
type HTTPCredentialVault struct{ httpCollaborator }

// NewHTTPCredentialVault builds an HTTPCredentialVault against baseURL.
func NewHTTPCredentialVault(baseURL string) *HTTPCredentialVault {
	return &HTTPCredentialVault{newHTTPCollaborator(baseURL)}
}

// GetSessionCredentials implements CredentialVault.
func (v *HTTPCredentialVault) GetSessionCredentials(ctx context.Context, sessionID string, actor types.Actor) (*types.SessionCredentialsResult, error) {
	var result types.SessionCredentialsResult
	found, err := v.postJSON(ctx, fmt.Sprintf("/sessions/%s/credentials", sessionID), actor, &result)
	if err != nil || !found {
		return nil, err
	}
	return &result, nil
}

// HTTPGatewayService is a GatewayService backed by a JSON HTTP endpoint.
type HTTPGatewayService struct{ httpCollaborator }

// NewHTTPGatewayService builds an HTTPGatewayService against baseURL.
func NewHTTPGatewayService(baseURL string) *HTTPGatewayService {
	return &HTTPGatewayService{newHTTPCollaborator(baseURL)}
}

// GetPAMConnectionDetails implements GatewayService.
func (g *HTTPGatewayService) GetPAMConnectionDetails(ctx context.Context, req types.GatewayConnectionRequest) (*types.NestedGatewayBundle, error) {
	var bundle types.NestedGatewayBundle
	found, err := g.postJSON(ctx, "/pam/connection-details", req, &bundle)
	if err != nil || !found {
		return nil, err
	}
	return &bundle, nil
}
