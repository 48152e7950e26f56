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
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/kpathcore"
	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/registry"
	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/utils"
)

type contextKey string

const principalContextKey contextKey = "kpath_principal"

// principalFrom returns the authenticated principal stored by the
// auth middleware.
func principalFrom(ctx context.Context) (kpathcore.Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(kpathcore.Principal)
	return p, ok
}

// authMiddleware resolves the caller to a principal from, in order:
// a Bearer JWT, the X-API-Key header, or the api_key query parameter.
// No usable credential means 401; the response never says which check
// failed.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := s.authenticate(r)
		if err != nil {
			writeError(w, kpathcore.New(kpathcore.Unauthenticated, "missing or invalid credential"))
			return
		}
		ctx := context.WithValue(r.Context(), principalContextKey, *principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) authenticate(r *http.Request) (*kpathcore.Principal, error) {
	if header := r.Header.Get("Authorization"); header != "" && s.opts.Validator != nil {
		token := strings.TrimPrefix(header, "Bearer ")
		if token == header {
			return nil, errors.New("malformed authorization header")
		}
		claims, err := s.opts.Validator.ValidateToken(r.Context(), token)
		if err != nil {
			return nil, err
		}
		return principalFromClaims(claims), nil
	}

	key := r.Header.Get("X-API-Key")
	if key == "" {
		key = r.URL.Query().Get("api_key")
	}
	if key == "" {
		return nil, registry.ErrKeyNotFound
	}
	return s.opts.APIKeys.Authenticate(r.Context(), key)
}

// rateLimitMiddleware enforces per-principal request limits on the
// query surface.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	if s.opts.Limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := principalFrom(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		decision, err := s.opts.Limiter.Allow(r.Context(), principal.PrincipalID, estimateRequestTokens(r))
		if err != nil {
			writeError(w, kpathcore.Wrap(kpathcore.InternalInvariantViolation, "rate limit check", err))
			return
		}
		if !decision.Allowed {
			if decision.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())+1))
			}
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// estimateRequestTokens feeds token-type limit rules: the query text
// is the only meaningful payload, so its size stands in for cost.
func estimateRequestTokens(r *http.Request) int64 {
	if q := r.URL.Query().Get("query"); q != "" {
		return int64(utils.EstimateTokens(q))
	}
	if r.ContentLength > 0 {
		return int64(r.ContentLength / 4)
	}
	return 0
}

// requireAdmin gates the lifecycle mutations behind the admin role.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := principalFrom(r.Context())
		if !ok {
			writeError(w, kpathcore.New(kpathcore.Unauthenticated, "missing or invalid credential"))
			return
		}
		if !principal.HasRole(s.opts.Config.Policy.AdminRole) {
			writeError(w, kpathcore.New(kpathcore.Forbidden, "admin role required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// metricsMiddleware records request counts and latency per route.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	if s.opts.Metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		s.opts.Metrics.ObserveHTTP(route, strconv.Itoa(ww.Status()), time.Since(started))
	})
}
