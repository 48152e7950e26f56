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
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/auth"
	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/kpathcore"
	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/search"
)

// rebuildTimeout bounds one background rebuild or initialize job.
const rebuildTimeout = 10 * time.Minute

// searchBody is the POST /search/search request document.
type searchBody struct {
	Query        string   `json:"query"`
	Limit        int      `json:"limit,omitempty"`
	MinScore     *float64 `json:"min_score,omitempty"`
	Domains      []string `json:"domains,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// searchResponse is the public response document.
type searchResponse struct {
	Query        string        `json:"query"`
	SearchID     string        `json:"search_id"`
	Results      []resultEntry `json:"results"`
	TotalResults int           `json:"total_results"`
	SearchTimeMS int64         `json:"search_time_ms"`
}

type resultEntry struct {
	ServiceID int64                    `json:"service_id"`
	Rank      int                      `json:"rank"`
	Score     float64                  `json:"score"`
	Service   search.ServiceProjection `json:"service"`
	Distance  float64                  `json:"distance"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var body searchBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, kpathcore.Wrap(kpathcore.InvalidRequest, "malformed request body", err))
		return
	}
	s.runSearch(w, r, body)
}

// handleSearchGet accepts the same parameters in the query string for
// GET-friendly callers.
func (s *Server) handleSearchGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	body := searchBody{
		Query:        q.Get("query"),
		Domains:      splitCommaParam(q["domains"]),
		Capabilities: splitCommaParam(q["capabilities"]),
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			writeError(w, kpathcore.New(kpathcore.InvalidRequest, "limit must be an integer"))
			return
		}
		body.Limit = n
	}
	if ms := q.Get("min_score"); ms != "" {
		f, err := strconv.ParseFloat(ms, 64)
		if err != nil {
			writeError(w, kpathcore.New(kpathcore.InvalidRequest, "min_score must be a number"))
			return
		}
		body.MinScore = &f
	}
	s.runSearch(w, r, body)
}

func (s *Server) runSearch(w http.ResponseWriter, r *http.Request, body searchBody) {
	principal, ok := principalFrom(r.Context())
	if !ok {
		writeError(w, kpathcore.New(kpathcore.Unauthenticated, "missing or invalid credential"))
		return
	}

	req := search.Request{
		Query:        body.Query,
		Principal:    principal,
		K:            body.Limit,
		Domains:      body.Domains,
		Capabilities: body.Capabilities,
	}
	if body.MinScore != nil {
		req.MinScore = *body.MinScore
	}

	started := time.Now()
	resp, err := s.opts.Searcher.Search(r.Context(), req)
	if err != nil {
		s.opts.Metrics.ObserveSearch(string(kpathcore.KindOf(err)), time.Since(started), 0, 0)
		writeError(w, err)
		return
	}

	topScore := 0.0
	if len(resp.Results) > 0 {
		topScore = resp.Results[0].Score
	}
	s.opts.Metrics.ObserveSearch("ok", time.Since(started), len(resp.Results), topScore)

	out := searchResponse{
		Query:        resp.Query,
		SearchID:     resp.SearchID,
		Results:      make([]resultEntry, 0, len(resp.Results)),
		TotalResults: resp.TotalResults,
		SearchTimeMS: resp.SearchTimeMS,
	}
	for _, res := range resp.Results {
		out.Results = append(out.Results, resultEntry{
			ServiceID: res.ServiceID,
			Rank:      res.Rank,
			Score:     res.Score,
			Service:   res.Service,
			Distance:  res.Distance,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// selectBody reports that the caller chose one of a search's results.
type selectBody struct {
	SearchID  string `json:"search_id"`
	ServiceID int64  `json:"service_id"`
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var body selectBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, kpathcore.Wrap(kpathcore.InvalidRequest, "malformed request body", err))
		return
	}
	if body.SearchID == "" || body.ServiceID == 0 {
		writeError(w, kpathcore.New(kpathcore.InvalidRequest, "search_id and service_id are required"))
		return
	}
	if err := s.opts.Searcher.RecordSelection(r.Context(), body.SearchID, body.ServiceID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.opts.Lifecycle.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"initialized":         st.Initialized,
		"index_built":         st.IndexBuilt,
		"embedding_model":     st.EmbeddingModel,
		"total_vectors":       st.TotalVectors,
		"snapshot_generation": st.SnapshotGeneration,
		"health_degraded":     st.HealthDegraded,
		"pending_services":    st.PendingServices,
		"unindexable":         st.Unindexable,
	})
}

func (s *Server) handleRebuild(w http.ResponseWriter, _ *http.Request) {
	jobID := s.startRebuildJob("rebuild")
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": "started"})
}

func (s *Server) handleInitialize(w http.ResponseWriter, _ *http.Request) {
	st := s.opts.Lifecycle.Status()
	if st.IndexBuilt {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_built"})
		return
	}
	jobID := s.startRebuildJob("initialize")
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": "started"})
}

func (s *Server) startRebuildJob(kind string) string {
	jobID := uuid.NewString()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), rebuildTimeout)
		defer cancel()
		if _, err := s.opts.Lifecycle.Rebuild(ctx); err != nil {
			slog.Error("index job failed", "kind", kind, "job_id", jobID, "error", err)
		}
	}()
	return jobID
}

// principalFromClaims maps validated JWT claims onto the principal
// model: the subject identifies the caller, the role claim plus any
// "roles" array claim become the role set, and remaining custom
// claims become attributes.
func principalFromClaims(claims *auth.Claims) *kpathcore.Principal {
	principal := &kpathcore.Principal{
		PrincipalID: claims.Subject,
		Attributes:  map[string]any{},
	}
	if claims.Role != "" {
		principal.Roles = append(principal.Roles, claims.Role)
	}
	if raw, ok := claims.GetClaim("roles"); ok {
		if list, ok := raw.([]any); ok {
			for _, item := range list {
				if role, ok := item.(string); ok && !principal.HasRole(role) {
					principal.Roles = append(principal.Roles, role)
				}
			}
		}
	}
	for key, value := range claims.Custom {
		if key == "roles" {
			continue
		}
		principal.Attributes[key] = value
	}
	return principal
}

// splitCommaParam accepts both repeated parameters and one
// comma-separated value.
func splitCommaParam(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
