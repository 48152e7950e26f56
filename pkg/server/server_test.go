// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/config"
	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/indexmanager"
	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/kpathcore"
	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/registry"
	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/search"
)

// stubSearcher records requests and returns a canned response.
type stubSearcher struct {
	lastRequest search.Request
	response    *search.Response
	err         error
	selections  []int64
}

func (s *stubSearcher) Search(_ context.Context, req search.Request) (*search.Response, error) {
	s.lastRequest = req
	if s.err != nil {
		return nil, s.err
	}
	resp := *s.response
	resp.Query = req.Query
	return &resp, nil
}

func (s *stubSearcher) RecordSelection(_ context.Context, searchID string, serviceID int64) error {
	if searchID == "unknown" {
		return kpathcore.New(kpathcore.InvalidRequest, "unknown search id")
	}
	s.selections = append(s.selections, serviceID)
	return nil
}

// stubLifecycle is a fixed status plus a rebuild counter.
type stubLifecycle struct {
	status   indexmanager.Status
	rebuilds int
}

func (s *stubLifecycle) Status() indexmanager.Status { return s.status }
func (s *stubLifecycle) Rebuild(context.Context) (int, error) {
	s.rebuilds++
	return 1, nil
}

// stubAPIKeys resolves two fixed keys, "valid-key" and "admin-key"; any
// other key, revoked or unknown, is reported as not found.
type stubAPIKeys struct{}

func (stubAPIKeys) Authenticate(_ context.Context, key string) (*kpathcore.Principal, error) {
	switch key {
	case "valid-key":
		return &kpathcore.Principal{PrincipalID: "alice", Roles: []string{"Engineering"}}, nil
	case "admin-key":
		return &kpathcore.Principal{PrincipalID: "root", Roles: []string{"admin"}}, nil
	default:
		return nil, registry.ErrKeyNotFound
	}
}

func testServer(t *testing.T) (*Server, *stubSearcher, *stubLifecycle) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Database.Driver = "sqlite"
	cfg.Database.Database = ":memory:"
	cfg.SetDefaults()

	searcher := &stubSearcher{response: &search.Response{
		SearchID: "search-1",
		Results: []search.ResultEntry{
			{ServiceID: 1, Rank: 1, Score: 0.9, Service: search.ServiceProjection{ID: 1, Name: "calendar", Status: "active"}, Distance: 0.1},
		},
		TotalResults: 1,
	}}
	lifecycle := &stubLifecycle{status: indexmanager.Status{
		Initialized: true, IndexBuilt: true, EmbeddingModel: "stub-model",
		TotalVectors: 3, SnapshotGeneration: 2,
	}}

	srv := New(Options{
		Config:    cfg,
		Searcher:  searcher,
		Lifecycle: lifecycle,
		APIKeys:   stubAPIKeys{},
	})
	return srv, searcher, lifecycle
}

func doRequest(t *testing.T, srv *Server, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestSearchEndpoint_APIKeyHeaderAndQueryParamEquivalent(t *testing.T) {
	srv, _, _ := testServer(t)

	viaHeader := doRequest(t, srv, http.MethodPost, "/api/v1/search/search",
		`{"query":"schedule a meeting","limit":5}`,
		map[string]string{"X-API-Key": "valid-key"})
	require.Equal(t, http.StatusOK, viaHeader.Code)

	viaParam := doRequest(t, srv, http.MethodPost, "/api/v1/search/search?api_key=valid-key",
		`{"query":"schedule a meeting","limit":5}`, nil)
	require.Equal(t, http.StatusOK, viaParam.Code)

	var a, b searchResponse
	require.NoError(t, json.Unmarshal(viaHeader.Body.Bytes(), &a))
	require.NoError(t, json.Unmarshal(viaParam.Body.Bytes(), &b))
	assert.Equal(t, a.Results, b.Results)
	assert.Equal(t, a.TotalResults, b.TotalResults)
}

func TestSearchEndpoint_RevokedKeyReturns401(t *testing.T) {
	srv, _, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/search/search",
		`{"query":"anything"}`, map[string]string{"X-API-Key": "revoked-key"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/search/search", `{"query":"anything"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSearchEndpoint_GetAndPostCarrySameParameters(t *testing.T) {
	srv, searcher, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodGet,
		"/api/v1/search/search?query=send+mail&limit=7&min_score=0.4&domains=comms,email&api_key=valid-key",
		"", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "send mail", searcher.lastRequest.Query)
	assert.Equal(t, 7, searcher.lastRequest.K)
	assert.InDelta(t, 0.4, searcher.lastRequest.MinScore, 1e-9)
	assert.Equal(t, []string{"comms", "email"}, searcher.lastRequest.Domains)
	assert.Equal(t, "alice", searcher.lastRequest.Principal.PrincipalID)
}

func TestSearchEndpoint_ErrorKindsMapToStatusCodes(t *testing.T) {
	srv, searcher, _ := testServer(t)

	cases := []struct {
		kind kpathcore.Kind
		want int
	}{
		{kpathcore.InvalidRequest, http.StatusBadRequest},
		{kpathcore.Timeout, http.StatusRequestTimeout},
		{kpathcore.IndexNotReady, http.StatusServiceUnavailable},
		{kpathcore.InternalInvariantViolation, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		searcher.err = kpathcore.New(tc.kind, "boom")
		rec := doRequest(t, srv, http.MethodPost, "/api/v1/search/search",
			`{"query":"q"}`, map[string]string{"X-API-Key": "valid-key"})
		assert.Equal(t, tc.want, rec.Code, string(tc.kind))
		if tc.kind == kpathcore.IndexNotReady {
			assert.NotEmpty(t, rec.Header().Get("Retry-After"))
		}
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv, _, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/v1/search/status", "",
		map[string]string{"X-API-Key": "valid-key"})
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["index_built"])
	assert.Equal(t, "stub-model", body["embedding_model"])
	assert.EqualValues(t, 3, body["total_vectors"])
	assert.EqualValues(t, 2, body["snapshot_generation"])
}

func TestRebuildEndpoint_RequiresAdmin(t *testing.T) {
	srv, _, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/search/rebuild", "",
		map[string]string{"X-API-Key": "valid-key"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/search/rebuild", "",
		map[string]string{"X-API-Key": "admin-key"})
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "started", body["status"])
	assert.NotEmpty(t, body["job_id"])
}

func TestSelectEndpoint_RecordsSelection(t *testing.T) {
	srv, searcher, _ := testServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/v1/search/select",
		`{"search_id":"search-1","service_id":1}`,
		map[string]string{"X-API-Key": "valid-key"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []int64{1}, searcher.selections)

	rec = doRequest(t, srv, http.MethodPost, "/api/v1/search/select",
		`{"search_id":"unknown","service_id":1}`,
		map[string]string{"X-API-Key": "valid-key"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndReadyEndpoints(t *testing.T) {
	srv, _, lifecycle := testServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	lifecycle.status.IndexBuilt = false
	rec = doRequest(t, srv, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
