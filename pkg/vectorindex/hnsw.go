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

package vectorindex

import (
	"container/heap"
	"context"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
)

// hnswNode is one vertex of the graph: its vector lives in the shared
// entries map; the node only carries link structure.
type hnswNode struct {
	level     int
	neighbors [][]int64 // neighbor ids per level, 0..level
}

// HNSWIndex is a hierarchical navigable small world graph over unit
// vectors, with upsert semantics: re-inserting an id replaces its
// vector and links. The level generator is seeded from a constant so
// that identical insert sequences build identical graphs.
type HNSWIndex struct {
	mu sync.RWMutex

	model     string
	dimension int

	m              int // max bidirectional links per node above level 0
	maxM           int // max links at level 0
	efConstruction int
	efSearch       int

	entries    map[int64]exactEntry
	nodes      map[int64]*hnswNode
	entryPoint int64
	hasEntry   bool
	rng        *rand.Rand
}

// HNSWParams tunes graph construction and search. Zero values take
// the usual defaults (M=16, efConstruction=200, efSearch=100).
type HNSWParams struct {
	M              int
	EfConstruction int
	EfSearch       int
}

// NewHNSWIndex builds an empty HNSW graph for vectors the given model
// produces at the given dimension.
func NewHNSWIndex(model string, dimension int, params HNSWParams) *HNSWIndex {
	m := params.M
	if m <= 0 {
		m = 16
	}
	efc := params.EfConstruction
	if efc <= 0 {
		efc = 200
	}
	efs := params.EfSearch
	if efs <= 0 {
		efs = 100
	}
	return &HNSWIndex{
		model:          model,
		dimension:      dimension,
		m:              m,
		maxM:           m * 2,
		efConstruction: efc,
		efSearch:       efs,
		entries:        make(map[int64]exactEntry),
		nodes:          make(map[int64]*hnswNode),
		rng:            rand.New(rand.NewSource(1)),
	}
}

func (h *HNSWIndex) Upsert(_ context.Context, serviceID int64, vector []float32, versionTag int64) error {
	if len(vector) != h.dimension {
		return fmt.Errorf("vectorindex: dimension mismatch: expected %d, got %d", h.dimension, len(vector))
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)
	normalizeInPlace(vec)

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.nodes[serviceID]; exists {
		h.removeLocked(serviceID)
	}
	h.entries[serviceID] = exactEntry{vector: vec, versionTag: versionTag}
	h.insertLocked(serviceID, vec)
	return nil
}

func (h *HNSWIndex) Remove(_ context.Context, serviceID int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(serviceID)
	return nil
}

func (h *HNSWIndex) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// VersionTag reports the version_tag the indexed vector for serviceID
// was computed against.
func (h *HNSWIndex) VersionTag(serviceID int64) (int64, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.entries[serviceID]
	return e.versionTag, ok
}

// TopK greedily descends from the entry point to layer 0, then runs a
// beam search of width max(efSearch, limit) there. Results map cosine
// distance back to the [0,1] score, ties broken by larger service_id.
func (h *HNSWIndex) TopK(_ context.Context, query []float32, k, over int) ([]ScoredResult, error) {
	if len(query) != h.dimension {
		return nil, fmt.Errorf("vectorindex: dimension mismatch: expected %d, got %d", h.dimension, len(query))
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

	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.hasEntry {
		return nil, nil
	}

	curr := []int64{h.entryPoint}
	for layer := h.nodes[h.entryPoint].level; layer > 0; layer-- {
		curr = h.searchLayerLocked(q, curr, 1, layer)
	}
	ef := h.efSearch
	if ef < limit {
		ef = limit
	}
	candidates := h.searchLayerLocked(q, curr, ef, 0)

	results := make([]ScoredResult, 0, len(candidates))
	for _, id := range candidates {
		if _, ok := h.entries[id]; !ok {
			continue
		}
		results = append(results, ScoredResult{ServiceID: id, Score: cosineScore(q, h.entries[id].vector)})
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ServiceID > results[j].ServiceID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Snapshot persists entries only; Load rebuilds the graph by
// re-inserting them, the same trade IVF's Load makes by retraining.
func (h *HNSWIndex) Snapshot(_ context.Context, path string) error {
	h.mu.RLock()
	records := make([]snapshotRecord, 0, len(h.entries))
	for id, e := range h.entries {
		records = append(records, snapshotRecord{ServiceID: id, VersionTag: e.versionTag, Vector: e.vector})
	}
	model, dimension := h.model, h.dimension
	h.mu.RUnlock()

	tmpPath, err := writeSnapshot(path, model, dimension, records)
	if err != nil {
		if tmpPath != "" {
			os.Remove(tmpPath)
		}
		return fmt.Errorf("vectorindex: hnsw snapshot: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("vectorindex: hnsw snapshot rename: %w", err)
	}
	return nil
}

func (h *HNSWIndex) Load(_ context.Context, path string) error {
	model, dimension, records, err := readSnapshot(path)
	if err != nil {
		return fmt.Errorf("vectorindex: hnsw load: %w", err)
	}
	if model != h.model {
		return fmt.Errorf("vectorindex: hnsw load: snapshot model %q does not match index model %q", model, h.model)
	}
	if dimension != h.dimension {
		return fmt.Errorf("vectorindex: hnsw load: snapshot dimension %d does not match index dimension %d", dimension, h.dimension)
	}

	// Insertion order fixed by service_id so a reloaded graph is
	// reproducible regardless of on-disk record order.
	sort.Slice(records, func(i, j int) bool { return records[i].ServiceID < records[j].ServiceID })

	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = make(map[int64]exactEntry, len(records))
	h.nodes = make(map[int64]*hnswNode, len(records))
	h.hasEntry = false
	h.rng = rand.New(rand.NewSource(1))
	for _, r := range records {
		h.entries[r.ServiceID] = exactEntry{vector: r.Vector, versionTag: r.VersionTag}
		h.insertLocked(r.ServiceID, r.Vector)
	}
	return nil
}

func (h *HNSWIndex) selectLevelLocked() int {
	level := 0
	for h.rng.Float64() < 0.5 && level < 16 {
		level++
	}
	return level
}

func (h *HNSWIndex) insertLocked(id int64, vec []float32) {
	level := h.selectLevelLocked()
	node := &hnswNode{level: level, neighbors: make([][]int64, level+1)}
	for i := range node.neighbors {
		node.neighbors[i] = make([]int64, 0, h.m)
	}
	h.nodes[id] = node

	if !h.hasEntry {
		h.entryPoint = id
		h.hasEntry = true
		return
	}

	curr := []int64{h.entryPoint}
	for lc := h.nodes[h.entryPoint].level; lc > level; lc-- {
		curr = h.searchLayerLocked(vec, curr, 1, lc)
	}

	for lc := minInt(level, h.nodes[h.entryPoint].level); lc >= 0; lc-- {
		maxConn := h.m
		if lc == 0 {
			maxConn = h.maxM
		}
		candidates := h.searchLayerLocked(vec, curr, h.efConstruction, lc)
		neighbors := h.selectNeighborsLocked(vec, candidates, maxConn)

		node.neighbors[lc] = append(node.neighbors[lc][:0], neighbors...)
		for _, n := range neighbors {
			h.addConnectionLocked(n, id, lc)
			nn := h.nodes[n]
			if lc < len(nn.neighbors) && len(nn.neighbors[lc]) > maxConn {
				nn.neighbors[lc] = h.selectNeighborsLocked(h.entries[n].vector, nn.neighbors[lc], maxConn)
			}
		}
		curr = neighbors
	}

	if level > h.nodes[h.entryPoint].level {
		h.entryPoint = id
	}
}

// removeLocked drops the entry and unlinks the node from every
// neighbor list that references it. HNSW deletions are usually soft;
// the graphs here are small enough that eager unlinking keeps search
// quality without a compaction pass.
func (h *HNSWIndex) removeLocked(id int64) {
	if _, ok := h.nodes[id]; !ok {
		return
	}
	delete(h.entries, id)
	delete(h.nodes, id)
	for _, other := range h.nodes {
		for lc := range other.neighbors {
			list := other.neighbors[lc]
			for i := 0; i < len(list); i++ {
				if list[i] == id {
					other.neighbors[lc] = append(list[:i], list[i+1:]...)
					break
				}
			}
		}
	}

	if h.entryPoint == id {
		h.hasEntry = false
		var best int64
		bestLevel := -1
		for nid, n := range h.nodes {
			if n.level > bestLevel || (n.level == bestLevel && nid > best) {
				best, bestLevel = nid, n.level
			}
		}
		if bestLevel >= 0 {
			h.entryPoint = best
			h.hasEntry = true
		}
	}
}

// searchLayerLocked is the standard HNSW beam search over one layer,
// returning up to ef ids ordered nearest first.
func (h *HNSWIndex) searchLayerLocked(query []float32, entryPoints []int64, ef, layer int) []int64 {
	visited := make(map[int64]bool, ef*4)
	candidates := &hnswDistHeap{}
	nearest := &hnswDistHeap{}

	for _, p := range entryPoints {
		if visited[p] {
			continue
		}
		visited[p] = true
		d := h.distLocked(query, p)
		heap.Push(candidates, hnswDistItem{id: p, dist: d})
		heap.Push(nearest, hnswDistItem{id: p, dist: -d})
	}

	for candidates.Len() > 0 {
		if nearest.Len() >= ef && (*candidates)[0].dist > -(*nearest)[0].dist {
			break
		}
		current := heap.Pop(candidates).(hnswDistItem)
		node := h.nodes[current.id]
		if node == nil || layer >= len(node.neighbors) {
			continue
		}
		for _, n := range node.neighbors[layer] {
			if visited[n] {
				continue
			}
			visited[n] = true
			d := h.distLocked(query, n)
			if nearest.Len() < ef || d < -(*nearest)[0].dist {
				heap.Push(candidates, hnswDistItem{id: n, dist: d})
				heap.Push(nearest, hnswDistItem{id: n, dist: -d})
				if nearest.Len() > ef {
					heap.Pop(nearest)
				}
			}
		}
	}

	out := make([]int64, nearest.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(nearest).(hnswDistItem).id
	}
	return out
}

func (h *HNSWIndex) selectNeighborsLocked(query []float32, candidates []int64, m int) []int64 {
	if len(candidates) <= m {
		out := make([]int64, len(candidates))
		copy(out, candidates)
		return out
	}
	type pair struct {
		id   int64
		dist float32
	}
	pairs := make([]pair, len(candidates))
	for i, c := range candidates {
		pairs[i] = pair{id: c, dist: h.distLocked(query, c)}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].dist != pairs[j].dist {
			return pairs[i].dist < pairs[j].dist
		}
		return pairs[i].id > pairs[j].id
	})
	out := make([]int64, m)
	for i := 0; i < m; i++ {
		out[i] = pairs[i].id
	}
	return out
}

func (h *HNSWIndex) addConnectionLocked(from, to int64, layer int) {
	node, ok := h.nodes[from]
	if !ok || layer >= len(node.neighbors) {
		return
	}
	for _, n := range node.neighbors[layer] {
		if n == to {
			return
		}
	}
	node.neighbors[layer] = append(node.neighbors[layer], to)
}

// distLocked is cosine distance (1 - cos) over unit vectors.
func (h *HNSWIndex) distLocked(query []float32, id int64) float32 {
	e := h.entries[id]
	var dot float32
	for i := range query {
		dot += query[i] * e.vector[i]
	}
	return 1 - dot
}

type hnswDistItem struct {
	id   int64
	dist float32
}

type hnswDistHeap []hnswDistItem

func (h hnswDistHeap) Len() int { return len(h) }
func (h hnswDistHeap) Less(i, j int) bool {
	if h[i].dist != h[j].dist {
		return h[i].dist < h[j].dist
	}
	return h[i].id < h[j].id
}
func (h hnswDistHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *hnswDistHeap) Push(x any)   { *h = append(*h, x.(hnswDistItem)) }
func (h *hnswDistHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

var _ Index = (*HNSWIndex)(nil)
