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
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sort"
	"sync"
)

// IVFIndex is an inverted-file ANN index: vectors are assigned to the
// nearest of NCentroids clusters at insert time, and a query only
// scores candidates from the NProbe nearest clusters. Entries are
// held in a map and the inverted lists store service_id, so Upsert
// and Remove never shift positions.
type IVFIndex struct {
	mu sync.RWMutex

	model      string
	dimension  int
	nCentroids int
	nProbe     int

	centroids [][]float32
	invlists  map[int]map[int64]struct{} // centroid index -> service_ids assigned to it
	entries   map[int64]exactEntry       // all indexed vectors, for rerank and snapshot
	assigned  map[int64]int              // service_id -> centroid index, for Upsert/Remove bookkeeping
	trained   bool
}

// NewIVFIndex builds an IVF index with nCentroids clusters, probing
// min(nCentroids, 10) of them per query by default.
func NewIVFIndex(model string, dimension, nCentroids int) *IVFIndex {
	return &IVFIndex{
		model:      model,
		dimension:  dimension,
		nCentroids: nCentroids,
		nProbe:     minInt(nCentroids, 10),
		invlists:   make(map[int]map[int64]struct{}),
		entries:    make(map[int64]exactEntry),
		assigned:   make(map[int64]int),
	}
}

// Trained reports whether centroids exist yet; an untrained index
// rejects queries.
func (v *IVFIndex) Trained() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.trained
}

// TrainSelf retrains centroids over the vectors already indexed.
// The index manager calls this after bulk builds and after an applied
// upsert that finds the index untrained; it does not retrain on a
// schedule.
func (v *IVFIndex) TrainSelf() error {
	v.mu.RLock()
	vectors := make([][]float32, 0, len(v.entries))
	for _, e := range v.entries {
		vectors = append(vectors, e.vector)
	}
	v.mu.RUnlock()
	if len(vectors) == 0 {
		return nil
	}
	return v.Train(vectors)
}

// SetNProbe overrides how many clusters a query searches.
func (v *IVFIndex) SetNProbe(nprobe int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.nProbe = minInt(nprobe, v.nCentroids)
}

// Train (re)computes centroids via k-means++ initialization over the
// given sample vectors and re-assigns every currently indexed entry
// to its nearest new centroid. IndexManager reaches it through
// TrainSelf and Load calls it on the restored vectors; Upsert/Remove
// never call it.
func (v *IVFIndex) Train(vectors [][]float32) error {
	if len(vectors) < 1 {
		return fmt.Errorf("vectorindex: ivf train: no vectors supplied")
	}
	k := v.nCentroids
	if k > len(vectors) {
		k = len(vectors)
	}
	if k < 1 {
		return fmt.Errorf("vectorindex: ivf train: ncentroids must be positive")
	}
	centroids, err := kMeansIVF(vectors, k, 20)
	if err != nil {
		return fmt.Errorf("vectorindex: ivf train: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.centroids = centroids
	v.trained = true
	v.invlists = make(map[int]map[int64]struct{}, len(centroids))
	for i := range centroids {
		v.invlists[i] = make(map[int64]struct{})
	}
	for id, e := range v.entries {
		c := v.nearestCentroidLocked(e.vector)
		v.assigned[id] = c
		v.invlists[c][id] = struct{}{}
	}
	return nil
}

func (v *IVFIndex) Upsert(_ context.Context, serviceID int64, vector []float32, versionTag int64) error {
	if len(vector) != v.dimension {
		return fmt.Errorf("vectorindex: dimension mismatch: expected %d, got %d", v.dimension, len(vector))
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)
	normalizeInPlace(vec)

	v.mu.Lock()
	defer v.mu.Unlock()

	if old, ok := v.assigned[serviceID]; ok {
		delete(v.invlists[old], serviceID)
	}
	v.entries[serviceID] = exactEntry{vector: vec, versionTag: versionTag}

	if v.trained {
		c := v.nearestCentroidLocked(vec)
		v.assigned[serviceID] = c
		v.invlists[c][serviceID] = struct{}{}
	}
	return nil
}

func (v *IVFIndex) Remove(_ context.Context, serviceID int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if c, ok := v.assigned[serviceID]; ok {
		delete(v.invlists[c], serviceID)
		delete(v.assigned, serviceID)
	}
	delete(v.entries, serviceID)
	return nil
}

func (v *IVFIndex) Size() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.entries)
}

// VersionTag reports the version_tag the indexed vector for serviceID
// was computed against.
func (v *IVFIndex) VersionTag(serviceID int64) (int64, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	e, ok := v.entries[serviceID]
	return e.versionTag, ok
}

// TopK probes the nProbe centroids nearest the query, scores every
// candidate in those clusters exactly (cosine, mapped to [0,1]), and
// returns the best `over` (or k, whichever is larger) by score, ties
// broken by larger service_id. An index that has never been trained
// returns an error; entries upserted after training are assigned to
// their nearest centroid at insert time.
func (v *IVFIndex) TopK(_ context.Context, query []float32, k, over int) ([]ScoredResult, error) {
	if len(query) != v.dimension {
		return nil, fmt.Errorf("vectorindex: dimension mismatch: expected %d, got %d", v.dimension, len(query))
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

	v.mu.RLock()
	defer v.mu.RUnlock()

	if !v.trained {
		return nil, errors.New("vectorindex: ivf index not trained")
	}

	type centroidDist struct {
		idx  int
		dist float32
	}
	dists := make([]centroidDist, len(v.centroids))
	for i, c := range v.centroids {
		dists[i] = centroidDist{idx: i, dist: euclideanDistanceIVF(q, c)}
	}
	sort.Slice(dists, func(i, j int) bool { return dists[i].dist < dists[j].dist })

	nprobe := minInt(v.nProbe, len(v.centroids))
	results := make([]ScoredResult, 0, limit)
	for i := 0; i < nprobe; i++ {
		for id := range v.invlists[dists[i].idx] {
			e := v.entries[id]
			results = append(results, ScoredResult{ServiceID: id, Score: cosineScore(q, e.vector)})
		}
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

func (v *IVFIndex) nearestCentroidLocked(vector []float32) int {
	minDist := float32(math.MaxFloat32)
	minIdx := 0
	for i, c := range v.centroids {
		d := euclideanDistanceIVF(vector, c)
		if d < minDist {
			minDist = d
			minIdx = i
		}
	}
	return minIdx
}

// Snapshot writes every entry's vector and version_tag, the same
// format ExactIndex uses — an IVF snapshot does not persist
// centroids; Load re-Trains from the restored vectors instead, since
// the snapshot header only describes (model, dimension, count), not
// engine-internal clustering state.
func (v *IVFIndex) Snapshot(_ context.Context, path string) error {
	v.mu.RLock()
	records := make([]snapshotRecord, 0, len(v.entries))
	for id, e := range v.entries {
		records = append(records, snapshotRecord{ServiceID: id, VersionTag: e.versionTag, Vector: e.vector})
	}
	model, dimension := v.model, v.dimension
	v.mu.RUnlock()

	tmpPath, err := writeSnapshot(path, model, dimension, records)
	if err != nil {
		if tmpPath != "" {
			os.Remove(tmpPath)
		}
		return fmt.Errorf("vectorindex: ivf snapshot: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("vectorindex: ivf snapshot rename: %w", err)
	}
	return nil
}

// Load restores entries from path and retrains centroids over them.
func (v *IVFIndex) Load(_ context.Context, path string) error {
	model, dimension, records, err := readSnapshot(path)
	if err != nil {
		return fmt.Errorf("vectorindex: ivf load: %w", err)
	}
	if model != v.model {
		return fmt.Errorf("vectorindex: ivf load: snapshot model %q does not match index model %q", model, v.model)
	}
	if dimension != v.dimension {
		return fmt.Errorf("vectorindex: ivf load: snapshot dimension %d does not match index dimension %d", dimension, v.dimension)
	}

	entries := make(map[int64]exactEntry, len(records))
	vectors := make([][]float32, 0, len(records))
	for _, r := range records {
		entries[r.ServiceID] = exactEntry{vector: r.Vector, versionTag: r.VersionTag}
		vectors = append(vectors, r.Vector)
	}

	v.mu.Lock()
	v.entries = entries
	v.assigned = make(map[int64]int, len(entries))
	v.trained = false
	v.mu.Unlock()

	if len(vectors) == 0 {
		return nil
	}
	return v.Train(vectors)
}

func kMeansIVF(vectors [][]float32, k int, maxIters int) ([][]float32, error) {
	if len(vectors) < k {
		return nil, fmt.Errorf("need at least %d vectors, got %d", k, len(vectors))
	}
	dim := len(vectors[0])

	centroids := make([][]float32, k)
	centroids[0] = make([]float32, dim)
	copy(centroids[0], vectors[rand.Intn(len(vectors))])

	for i := 1; i < k; i++ {
		distances := make([]float32, len(vectors))
		var totalDist float32
		for j, vec := range vectors {
			minDist := float32(math.MaxFloat32)
			for c := 0; c < i; c++ {
				d := euclideanDistanceIVF(vec, centroids[c])
				if d < minDist {
					minDist = d
				}
			}
			distances[j] = minDist * minDist
			totalDist += distances[j]
		}
		r := rand.Float32() * totalDist
		var cumSum float32
		for j, d := range distances {
			cumSum += d
			if cumSum >= r {
				centroids[i] = make([]float32, dim)
				copy(centroids[i], vectors[j])
				break
			}
		}
		if centroids[i] == nil {
			centroids[i] = make([]float32, dim)
			copy(centroids[i], vectors[len(vectors)-1])
		}
	}

	assignments := make([]int, len(vectors))
	for iter := 0; iter < maxIters; iter++ {
		changed := false
		for i, vec := range vectors {
			minDist := float32(math.MaxFloat32)
			minIdx := 0
			for j, c := range centroids {
				d := euclideanDistanceIVF(vec, c)
				if d < minDist {
					minDist = d
					minIdx = j
				}
			}
			if assignments[i] != minIdx {
				changed = true
				assignments[i] = minIdx
			}
		}
		if !changed {
			break
		}

		counts := make([]int, k)
		for i := range centroids {
			centroids[i] = make([]float32, dim)
		}
		for i, vec := range vectors {
			c := assignments[i]
			counts[c]++
			for j := 0; j < dim; j++ {
				centroids[c][j] += vec[j]
			}
		}
		for i := range centroids {
			if counts[i] > 0 {
				for j := 0; j < dim; j++ {
					centroids[i][j] /= float32(counts[i])
				}
			}
		}
	}
	return centroids, nil
}

func euclideanDistanceIVF(a, b []float32) float32 {
	var sum float32
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	return sqrt32(sum)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
