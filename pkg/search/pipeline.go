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

// Package search runs the end-to-end query pipeline: embed the
// prompt, recall candidates from the vector index with over-fetch,
// hydrate them from the registry, apply metadata and visibility
// filters, blend in the feedback prior, and project the ranked
// result DTOs.
package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/semaphore"
	"golang.org/x/text/unicode/norm"

	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/config"
	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/embedder"
	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/feedback"
	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/kpathcore"
	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/policy"
	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/registry"
	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/vectorindex"
)

const (
	// deprecatedMultiplier down-weights services hydrated as
	// deprecated. They can still surface briefly after a status flip,
	// before the index manager removes them.
	deprecatedMultiplier = 0.5

	// overFetchCap bounds the over-fetch multiplier; with max_k=100
	// this keeps one recall call at or under 2000 candidates.
	overFetchCap = 20

	// transientRetries bounds in-pipeline retries of a flaky
	// dependency before the deadline turns them into a Timeout.
	transientRetries = 2

	// queryCacheSize bounds the query-embedding LRU.
	queryCacheSize = 1024
)

// Pipeline executes searches. All dependencies are interfaces with
// deterministic test stubs.
type Pipeline struct {
	cfg     config.SearchConfig
	emb     embedder.Embedder
	indexFn func() vectorindex.Index
	readyFn func() bool
	reg     registry.Registry
	fb      feedback.Store
	eval    *policy.Evaluator
	journal *feedback.SearchJournal

	queryCache *lru.Cache
	sem        *semaphore.Weighted
}

// New wires a Pipeline. indexFn returns the live index (the manager
// swaps it during rebuilds); readyFn gates queries until the cold
// build finished.
func New(cfg config.SearchConfig, emb embedder.Embedder, indexFn func() vectorindex.Index, readyFn func() bool,
	reg registry.Registry, fb feedback.Store, eval *policy.Evaluator, journal *feedback.SearchJournal) (*Pipeline, error) {

	cache, err := lru.New(queryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("search: build query cache: %w", err)
	}
	workers := int64(runtime.NumCPU() * 4)
	if workers < 4 {
		workers = 4
	}
	return &Pipeline{
		cfg:        cfg,
		emb:        emb,
		indexFn:    indexFn,
		readyFn:    readyFn,
		reg:        reg,
		fb:         fb,
		eval:       eval,
		journal:    journal,
		queryCache: cache,
		sem:        semaphore.NewWeighted(workers),
	}, nil
}

// QueryHash returns the stable hex SHA-256 of the NFC-normalized
// query, the key feedback priors aggregate under.
func QueryHash(query string) string {
	sum := sha256.Sum256([]byte(norm.NFC.String(query)))
	return hex.EncodeToString(sum[:])
}

// Search runs the full pipeline for one request.
func (p *Pipeline) Search(ctx context.Context, req Request) (*Response, error) {
	started := time.Now()

	if p.readyFn != nil && !p.readyFn() {
		return nil, kpathcore.New(kpathcore.IndexNotReady, "vector index is not built yet")
	}

	k, minScore, err := p.validate(&req)
	if err != nil {
		return nil, err
	}

	// Default deadline unless the caller brought one.
	if _, has := ctx.Deadline(); !has {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(p.cfg.DefaultTimeoutMS)*time.Millisecond)
		defer cancel()
	}

	// Bounded query workers: a full pool queues here rather than
	// oversubscribing the index.
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, kpathcore.Wrap(kpathcore.Timeout, "search queue wait", err)
	}
	defer p.sem.Release(1)

	queryHash := QueryHash(req.Query)

	qv, err := p.embedQuery(ctx, queryHash, req.Query)
	if err != nil {
		return nil, err
	}

	fetch := k * p.cfg.OversampleFactor
	if fetch < 4 {
		fetch = 4
	}

	ranked, err := p.recallAndFilter(ctx, req, qv, queryHash, k, fetch)
	if err != nil {
		return nil, err
	}

	// Over-fetch correctness: one widened retry when filtering ate
	// into k and the index plausibly holds more candidates.
	if len(ranked) < k && p.indexFn().Size() >= fetch {
		wider := fetch * 2
		if max := k * overFetchCap; wider > max {
			wider = max
		}
		if wider > fetch {
			ranked, err = p.recallAndFilter(ctx, req, qv, queryHash, k, wider)
			if err != nil {
				return nil, err
			}
		}
	}

	// Threshold, final order, truncate, rank.
	kept := ranked[:0]
	for _, r := range ranked {
		if r.finalScore >= minScore {
			kept = append(kept, r)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].finalScore != kept[j].finalScore {
			return kept[i].finalScore > kept[j].finalScore
		}
		return kept[i].record.ServiceID < kept[j].record.ServiceID
	})
	if len(kept) > k {
		kept = kept[:k]
	}

	resp := &Response{
		Query:        req.Query,
		SearchID:     uuid.NewString(),
		Results:      make([]ResultEntry, 0, len(kept)),
		TotalResults: len(kept),
	}
	for i, r := range kept {
		resp.Results = append(resp.Results, ResultEntry{
			ServiceID: r.record.ServiceID,
			Rank:      i + 1,
			Score:     r.finalScore,
			Service:   projectService(r.record),
			Distance:  1 - r.rawScore,
		})
	}
	resp.SearchTimeMS = time.Since(started).Milliseconds()

	p.emitSearchEvent(resp, queryHash)
	return resp, nil
}

// RecordSelection resolves a click against the journal and appends it
// to the feedback log.
func (p *Pipeline) RecordSelection(ctx context.Context, searchID string, serviceID int64) error {
	queryHash, position, ok := p.journal.Resolve(searchID, serviceID)
	if !ok {
		return kpathcore.New(kpathcore.InvalidRequest, "unknown search id or service not in its results")
	}
	if err := p.fb.RecordSelection(ctx, queryHash, serviceID, position); err != nil {
		return kpathcore.Wrap(kpathcore.TransientDependency, "record selection", err)
	}
	return nil
}

func (p *Pipeline) validate(req *Request) (k int, minScore float64, err error) {
	if strings.TrimSpace(req.Query) == "" {
		return 0, 0, kpathcore.New(kpathcore.InvalidRequest, "query must not be empty")
	}
	k = req.K
	if k == 0 {
		k = p.cfg.DefaultK
	}
	if k < 1 || k > p.cfg.MaxK {
		return 0, 0, kpathcore.New(kpathcore.InvalidRequest,
			fmt.Sprintf("k must be in 1..%d", p.cfg.MaxK))
	}
	if req.MinScore < 0 || req.MinScore > 1 {
		return 0, 0, kpathcore.New(kpathcore.InvalidRequest, "min_score must be in 0..1")
	}
	return k, req.MinScore, nil
}

// embedQuery returns the cached vector for the hash or embeds anew.
// Caching is sound because the hash covers the normalized query text
// and embeddings are deterministic for a fixed model.
func (p *Pipeline) embedQuery(ctx context.Context, queryHash, query string) ([]float32, error) {
	if v, ok := p.queryCache.Get(queryHash); ok {
		return v.([]float32), nil
	}

	var vec []float32
	err := p.withTransientRetry(ctx, "embed query", func() error {
		var embedErr error
		vec, embedErr = p.emb.Embed(ctx, query)
		return embedErr
	})
	if err != nil {
		return nil, err
	}
	p.queryCache.Add(queryHash, vec)
	return vec, nil
}

// scored carries a candidate through filtering and reranking.
type scored struct {
	record     kpathcore.ServiceRecord
	rawScore   float64
	finalScore float64
}

// recallAndFilter runs steps recall → hydrate → metadata filter →
// policy filter → rerank for one fetch width.
func (p *Pipeline) recallAndFilter(ctx context.Context, req Request, qv []float32, queryHash string, k, fetch int) ([]scored, error) {
	var candidates []vectorindex.ScoredResult
	err := p.withTransientRetry(ctx, "vector recall", func() error {
		var topErr error
		candidates, topErr = p.indexFn().TopK(ctx, qv, k, fetch)
		return topErr
	})
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(candidates))
	rawScores := make(map[int64]float64, len(candidates))
	for _, c := range candidates {
		ids = append(ids, c.ServiceID)
		rawScores[c.ServiceID] = float64(c.Score)
	}

	var records []kpathcore.ServiceRecord
	err = p.withTransientRetry(ctx, "hydrate candidates", func() error {
		var regErr error
		records, regErr = p.reg.BatchGet(ctx, ids)
		return regErr
	})
	if err != nil {
		return nil, err
	}

	out := make([]scored, 0, len(records))
	for _, rec := range records {
		// Inactive records and dangling index entries drop out;
		// deprecated ones survive with a rank penalty below.
		if rec.Status != kpathcore.StatusActive && rec.Status != kpathcore.StatusDeprecated {
			continue
		}
		if !matchesDomains(rec, req.Domains) || !matchesCapabilities(rec, req.Capabilities) {
			continue
		}
		if !p.eval.Visible(req.Principal, rec) {
			continue
		}

		raw := rawScores[rec.ServiceID]
		prior, priorErr := p.fb.Prior(ctx, queryHash, rec.ServiceID)
		if priorErr != nil {
			// Feedback is an enhancement, not a dependency worth
			// failing a search over.
			slog.Warn("feedback prior lookup failed", "service_id", rec.ServiceID, "error", priorErr)
			prior = 0
		}

		final := p.cfg.Alpha*raw + p.cfg.Beta*prior
		if rec.Status == kpathcore.StatusDeprecated {
			final *= deprecatedMultiplier
		}
		out = append(out, scored{record: rec, rawScore: raw, finalScore: clamp01(final)})
	}
	return out, nil
}

// withTransientRetry retries fn on failure a bounded number of times
// while the deadline allows, then surfaces the fault as Timeout per
// the propagation policy.
func (p *Pipeline) withTransientRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= transientRetries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, embedder.ErrInputTooLarge) {
			return kpathcore.Wrap(kpathcore.InvalidRequest, op, err)
		}
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(50 * time.Millisecond):
		}
	}
	if ctx.Err() != nil {
		return kpathcore.Wrap(kpathcore.Timeout, op+" exceeded the deadline", err)
	}
	return kpathcore.Wrap(kpathcore.Timeout, op+" failed after retries", err)
}

// emitSearchEvent journals the result set and writes impressions
// asynchronously; the response never waits on telemetry.
func (p *Pipeline) emitSearchEvent(resp *Response, queryHash string) {
	if len(resp.Results) == 0 {
		return
	}
	ids := make([]int64, len(resp.Results))
	positions := make([]int, len(resp.Results))
	for i, r := range resp.Results {
		ids[i] = r.ServiceID
		positions[i] = r.Rank
	}
	p.journal.Remember(resp.SearchID, queryHash, ids, positions)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.fb.RecordImpressions(ctx, queryHash, ids, positions); err != nil {
			slog.Warn("impression write failed", "error", err)
		}
	}()
}

func matchesDomains(rec kpathcore.ServiceRecord, wanted []string) bool {
	if len(wanted) == 0 {
		return true
	}
	have := make(map[string]bool, len(rec.Domains))
	for _, d := range rec.Domains {
		have[strings.ToLower(d)] = true
	}
	for _, w := range wanted {
		if !have[strings.ToLower(w)] {
			return false
		}
	}
	return true
}

func matchesCapabilities(rec kpathcore.ServiceRecord, wanted []string) bool {
	if len(wanted) == 0 {
		return true
	}
	have := make(map[string]bool, len(rec.Capabilities))
	for _, c := range rec.Capabilities {
		have[strings.ToLower(c.Name)] = true
	}
	for _, w := range wanted {
		if !have[strings.ToLower(w)] {
			return false
		}
	}
	return true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
