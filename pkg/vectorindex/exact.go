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

// Package vectorindex implements the self-contained (non-remote) ANN
// engines: a brute-force exact index for small deployments, an
// inverted-file index, and an HNSW graph for larger ones. All satisfy
// the same Index interface and the same snapshot format.
package vectorindex

import (
	"container/heap"
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
)

// ScoredResult is one TopK hit: a service_id and its cosine score
// already mapped into [0,1] via (1+cos)/2.
type ScoredResult struct {
	ServiceID int64
	Score     float32
}

// Index is the contract every engine (native or remote) satisfies.
type Index interface {
	Upsert(ctx context.Context, serviceID int64, vector []float32, versionTag int64) error
	Remove(ctx context.Context, serviceID int64) error
	TopK(ctx context.Context, query []float32, k, over int) ([]ScoredResult, error)
	Snapshot(ctx context.Context, path string) error
	Load(ctx context.Context, path string) error
	Size() int
}

type exactEntry struct {
	vector     []float32
	versionTag int64
}

// ExactIndex is a brute-force cosine index guarded by a single
// RWMutex: readers (TopK, Snapshot's copy phase) take RLock, writers
// (Upsert, Remove, Load) take Lock.
type ExactIndex struct {
	mu        sync.RWMutex
	model     string
	dimension int
	entries   map[int64]exactEntry
}

// NewExactIndex builds an empty exact index for vectors the given
// model produces at the given dimension. The model identifier is
// recorded in snapshots and verified on load, so an index never mixes
// vectors from different embedding models.
func NewExactIndex(model string, dimension int) *ExactIndex {
	return &ExactIndex{
		model:     model,
		dimension: dimension,
		entries:   make(map[int64]exactEntry),
	}
}

func (x *ExactIndex) Upsert(_ context.Context, serviceID int64, vector []float32, versionTag int64) error {
	if len(vector) != x.dimension {
		return fmt.Errorf("vectorindex: dimension mismatch: expected %d, got %d", x.dimension, len(vector))
	}
	v := make([]float32, len(vector))
	copy(v, vector)
	normalizeInPlace(v)

	x.mu.Lock()
	defer x.mu.Unlock()
	x.entries[serviceID] = exactEntry{vector: v, versionTag: versionTag}
	return nil
}

// Remove is idempotent: removing an absent service_id is not an error.
func (x *ExactIndex) Remove(_ context.Context, serviceID int64) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.entries, serviceID)
	return nil
}

func (x *ExactIndex) Size() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// VersionTag returns the version_tag the currently indexed vector for
// serviceID was computed against, so IndexManager can tell an indexed
// entry apart from a stale one without re-embedding.
func (x *ExactIndex) VersionTag(serviceID int64) (int64, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.entries[serviceID]
	return e.versionTag, ok
}

// TopK returns the over highest-scoring entries against query,
// ties broken by larger service_id. over caps the number of results;
// callers pass a value larger than the final k they want so the
// pipeline can filter before truncating.
func (x *ExactIndex) TopK(_ context.Context, query []float32, k, over int) ([]ScoredResult, error) {
	if len(query) != x.dimension {
		return nil, fmt.Errorf("vectorindex: dimension mismatch: expected %d, got %d", x.dimension, len(query))
	}
	limit := over
	if limit < k {
		limit = k
	}
	if limit <= 0 {
		return nil, nil
	}

	q := make([]float32, len(query))
	copy(q, query)
	normalizeInPlace(q)

	x.mu.RLock()
	defer x.mu.RUnlock()

	h := &scoreMinHeap{}
	heap.Init(h)
	for id, e := range x.entries {
		score := cosineScore(q, e.vector)
		item := heapItem{id: id, score: score}
		if h.Len() < limit {
			heap.Push(h, item)
		} else if betterOrEqual(item, (*h)[0]) {
			heap.Pop(h)
			heap.Push(h, item)
		}
	}

	results := make([]ScoredResult, h.Len())
	for i := len(results) - 1; i >= 0; i-- {
		item := heap.Pop(h).(heapItem)
		results[i] = ScoredResult{ServiceID: item.id, Score: item.score}
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ServiceID > results[j].ServiceID
	})
	return results, nil
}

// Snapshot writes the index to path: the body is built under RLock
// (a consistent point-in-time copy), the temp file is flushed outside
// any lock, and only the final rename happens under Lock — the
// minimal critical section for writers not to stall readers during
// I/O.
func (x *ExactIndex) Snapshot(_ context.Context, path string) error {
	x.mu.RLock()
	records := make([]snapshotRecord, 0, len(x.entries))
	for id, e := range x.entries {
		records = append(records, snapshotRecord{ServiceID: id, VersionTag: e.versionTag, Vector: e.vector})
	}
	model, dimension := x.model, x.dimension
	x.mu.RUnlock()

	tmpPath, err := writeSnapshot(path, model, dimension, records)
	if err != nil {
		if tmpPath != "" {
			os.Remove(tmpPath)
		}
		return fmt.Errorf("vectorindex: snapshot: %w", err)
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("vectorindex: snapshot rename: %w", err)
	}
	return nil
}

// Load replaces the index's contents with what path's snapshot
// describes. The model and dimension recorded in the snapshot must
// match this index's configuration.
func (x *ExactIndex) Load(_ context.Context, path string) error {
	model, dimension, records, err := readSnapshot(path)
	if err != nil {
		return fmt.Errorf("vectorindex: load: %w", err)
	}
	if model != x.model {
		return fmt.Errorf("vectorindex: load: snapshot model %q does not match index model %q", model, x.model)
	}
	if dimension != x.dimension {
		return fmt.Errorf("vectorindex: load: snapshot dimension %d does not match index dimension %d", dimension, x.dimension)
	}

	entries := make(map[int64]exactEntry, len(records))
	for _, r := range records {
		entries[r.ServiceID] = exactEntry{vector: r.Vector, versionTag: r.VersionTag}
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.entries = entries
	return nil
}

// cosineScore maps cosine similarity of two unit vectors into [0,1].
func cosineScore(a, b []float32) float32 {
	var dot float32
	for i := range a {
		dot += a[i] * b[i]
	}
	return (1 + dot) / 2
}

func normalizeInPlace(v []float32) {
	var sum float32
	for _, val := range v {
		sum += val * val
	}
	if sum == 0 {
		return
	}
	norm := sqrt32(sum)
	for i := range v {
		v[i] /= norm
	}
}

// heapItem/scoreMinHeap keep the lowest-scoring of the current top-k
// at the root, so a new candidate that beats the root evicts it —
// the inverse of a distance-ordered heap, since here higher score is
// better.
type heapItem struct {
	id    int64
	score float32
}

// betterOrEqual breaks ties the same way TopK's final sort does:
// larger service_id wins, so a new candidate with an equal score to
// the current worst but a larger id still displaces it.
func betterOrEqual(candidate, worst heapItem) bool {
	if candidate.score != worst.score {
		return candidate.score > worst.score
	}
	return candidate.id > worst.id
}

type scoreMinHeap []heapItem

func (h scoreMinHeap) Len() int      { return len(h) }
func (h scoreMinHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h scoreMinHeap) Less(i, j int) bool {
	if h[i].score != h[j].score {
		return h[i].score < h[j].score
	}
	return h[i].id < h[j].id
}
func (h *scoreMinHeap) Push(x any) { *h = append(*h, x.(heapItem)) }
func (h *scoreMinHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
