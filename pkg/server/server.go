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

// Package server is the HTTP edge: it authenticates principals,
// enforces rate limits, maps pipeline errors onto status codes, and
// exposes the query and lifecycle endpoints under /api/v1 and the
// operational endpoints (health, readiness, metrics) at the root.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/auth"
	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/config"
	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/indexmanager"
	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/metrics"
	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/ratelimit"
	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/registry"
	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/search"
)

// Searcher is the slice of the pipeline the server needs; tests
// substitute stubs.
type Searcher interface {
	Search(ctx context.Context, req search.Request) (*search.Response, error)
	RecordSelection(ctx context.Context, searchID string, serviceID int64) error
}

// Lifecycle is the slice of the index manager the server needs.
type Lifecycle interface {
	Status() indexmanager.Status
	Rebuild(ctx context.Context) (int, error)
}

// Options wires a Server.
type Options struct {
	Config    *config.Config
	Searcher  Searcher
	Lifecycle Lifecycle
	APIKeys   registry.APIKeys
	Validator auth.TokenValidator // nil disables the Bearer path
	Limiter   ratelimit.Limiter
	Metrics   *metrics.Metrics
}

// Server runs the HTTP listener.
type Server struct {
	opts   Options
	router chi.Router
	http   *http.Server
}

// New builds the server and its route tree.
func New(opts Options) *Server {
	s := &Server{opts: opts}
	s.router = s.buildRouter()
	s.http = &http.Server{
		Addr:              opts.Config.Server.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the route tree, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := time.Duration(s.opts.Config.Server.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	slog.Info("http server shutting down")
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(s.metricsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		st := s.opts.Lifecycle.Status()
		if !st.IndexBuilt {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ready": true})
	})

	if s.opts.Metrics != nil && s.opts.Config.Metrics.Enabled {
		r.Method(http.MethodGet, s.opts.Config.Metrics.Path, s.opts.Metrics.Handler())
	}

	r.Route("/api/v1/search", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Use(s.rateLimitMiddleware)

		r.Post("/search", s.handleSearch)
		r.Get("/search", s.handleSearchGet)
		r.Post("/select", s.handleSelect)
		r.Get("/status", s.handleStatus)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/rebuild", s.handleRebuild)
			r.Post("/initialize", s.handleInitialize)
		})
	})

	return r
}
