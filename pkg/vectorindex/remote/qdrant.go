// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package remote adapts external ANN backends onto the
// vectorindex.Index contract, so a deployment can swap the
// self-contained exact/IVF/HNSW engines for a production vector database
// without the rest of KPATH noticing. Points are keyed by int64
// service_id, and every query result is mapped back into the [0,1]
// cosine score the rest of KPATH assumes.
package remote

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"

	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/vectorindex"
)

// QdrantConfig configures the Qdrant-backed index.
type QdrantConfig struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
	Dimension  int
}

// QdrantIndex is a vectorindex.Index backed by a Qdrant collection.
// Every entry is a single unnamed dense vector point keyed by
// service_id (Qdrant's numeric point id). It snapshots by doing
// nothing: Qdrant owns its own durability, so KPATH's local
// snapshot/load cycle is a deliberate no-op here (see DESIGN.md).
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dimension  int
}

// NewQdrantIndex connects to Qdrant and ensures the configured
// collection exists with cosine distance over cfg.Dimension.
func NewQdrantIndex(ctx context.Context, cfg QdrantConfig) (*QdrantIndex, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.Collection == "" {
		cfg.Collection = "kpath_services"
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:        cfg.Host,
		Port:        cfg.Port,
		APIKey:      cfg.APIKey,
		UseTLS:      cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{grpc.WithUserAgent("kpath")},
	})
	if err != nil {
		return nil, fmt.Errorf("remote: create qdrant client for %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	idx := &QdrantIndex{client: client, collection: cfg.Collection, dimension: cfg.Dimension}
	if err := idx.ensureCollection(ctx); err != nil {
		return nil, err
	}
	return idx, nil
}

func (q *QdrantIndex) ensureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("remote: check qdrant collection: %w", err)
	}
	if exists {
		return nil
	}
	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return fmt.Errorf("remote: create qdrant collection: %w", err)
	}
	return nil
}

func (q *QdrantIndex) Upsert(ctx context.Context, serviceID int64, vector []float32, versionTag int64) error {
	payload := map[string]*qdrant.Value{"version_tag": qdrant.NewValueInt(versionTag)}
	point := &qdrant.PointStruct{
		Id:      qdrant.NewIDNum(uint64(serviceID)),
		Vectors: qdrant.NewVectors(vector...),
		Payload: payload,
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points:         []*qdrant.PointStruct{point},
	})
	if err != nil {
		return fmt.Errorf("remote: qdrant upsert service %d: %w", serviceID, err)
	}
	return nil
}

func (q *QdrantIndex) Remove(ctx context.Context, serviceID int64) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: []*qdrant.PointId{qdrant.NewIDNum(uint64(serviceID))}},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("remote: qdrant delete service %d: %w", serviceID, err)
	}
	return nil
}

func (q *QdrantIndex) TopK(ctx context.Context, query []float32, k, over int) ([]vectorindex.ScoredResult, error) {
	limit := over
	if limit < k {
		limit = k
	}
	pointsClient := q.client.GetPointsClient()
	resp, err := pointsClient.Search(ctx, &qdrant.SearchPoints{
		CollectionName: q.collection,
		Vector:         query,
		Limit:          uint64(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("remote: qdrant search: %w", err)
	}

	results := make([]vectorindex.ScoredResult, 0, len(resp.Result))
	for _, p := range resp.Result {
		id, ok := pointNumID(p.Id)
		if !ok {
			continue
		}
		// Qdrant's cosine distance metric already reports similarity
		// (not raw angular distance) in [-1,1]; map it the same way
		// the native engines do so rerank math is backend-agnostic.
		results = append(results, vectorindex.ScoredResult{
			ServiceID: id,
			Score:     (1 + p.Score) / 2,
		})
	}
	return results, nil
}

func pointNumID(id *qdrant.PointId) (int64, bool) {
	if id == nil || id.PointIdOptions == nil {
		return 0, false
	}
	switch v := id.PointIdOptions.(type) {
	case *qdrant.PointId_Num:
		return int64(v.Num), true
	case *qdrant.PointId_Uuid:
		n, err := strconv.ParseInt(v.Uuid, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// Snapshot is a deliberate no-op: Qdrant persists its own collections,
// and re-snapshotting them locally would duplicate durability KPATH
// does not own.
func (q *QdrantIndex) Snapshot(context.Context, string) error { return nil }

// Load is a deliberate no-op for the same reason as Snapshot.
func (q *QdrantIndex) Load(context.Context, string) error { return nil }

func (q *QdrantIndex) Size() int {
	count, err := q.client.Count(context.Background(), &qdrant.CountPoints{CollectionName: q.collection})
	if err != nil {
		return 0
	}
	return int(count)
}

var _ vectorindex.Index = (*QdrantIndex)(nil)
