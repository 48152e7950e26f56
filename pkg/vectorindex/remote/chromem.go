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

package remote

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/vectorindex"
)

// ChromemConfig configures the embedded chromem-go backend.
type ChromemConfig struct {
	// PersistPath is a directory for chromem's own gob persistence.
	// Empty keeps everything in memory.
	PersistPath string
	// Compress gzips the persisted file.
	Compress   bool
	Collection string
	Dimension  int
}

// ChromemIndex is a vectorindex.Index backed by an embedded chromem-go
// collection — the zero-external-dependency deployment path. Entries
// are stored as documents keyed by the decimal service_id with the
// version_tag in metadata. Like Qdrant, chromem owns its own
// durability (its gob file), so Snapshot/Load are no-ops.
type ChromemIndex struct {
	mu          sync.Mutex
	db          *chromem.DB
	col         *chromem.Collection
	persistPath string
	compress    bool
	dimension   int
}

// NewChromemIndex opens (or creates) the configured collection,
// loading any previously persisted state when PersistPath is set.
func NewChromemIndex(cfg ChromemConfig) (*ChromemIndex, error) {
	if cfg.Collection == "" {
		cfg.Collection = "kpath_services"
	}

	var db *chromem.DB
	var err error
	if cfg.PersistPath != "" {
		if err := os.MkdirAll(cfg.PersistPath, 0o755); err != nil {
			return nil, fmt.Errorf("remote: create chromem persist dir: %w", err)
		}
		db, err = chromem.NewPersistentDB(cfg.PersistPath, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("remote: open chromem db at %s: %w", cfg.PersistPath, err)
		}
	} else {
		db = chromem.NewDB()
	}

	// Vectors arrive pre-computed; the embedding func must never run.
	identity := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("remote: chromem embedding func called, vectors are pre-computed")
	}
	col, err := db.GetOrCreateCollection(cfg.Collection, nil, identity)
	if err != nil {
		return nil, fmt.Errorf("remote: get chromem collection %q: %w", cfg.Collection, err)
	}

	return &ChromemIndex{
		db:          db,
		col:         col,
		persistPath: cfg.PersistPath,
		compress:    cfg.Compress,
		dimension:   cfg.Dimension,
	}, nil
}

func (c *ChromemIndex) Upsert(ctx context.Context, serviceID int64, vector []float32, versionTag int64) error {
	if c.dimension > 0 && len(vector) != c.dimension {
		return fmt.Errorf("remote: chromem dimension mismatch: expected %d, got %d", c.dimension, len(vector))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	doc := chromem.Document{
		ID:        strconv.FormatInt(serviceID, 10),
		Metadata:  map[string]string{"version_tag": strconv.FormatInt(versionTag, 10)},
		Embedding: vector,
	}
	if err := c.col.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		return fmt.Errorf("remote: chromem upsert service %d: %w", serviceID, err)
	}
	return nil
}

func (c *ChromemIndex) Remove(ctx context.Context, serviceID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.col.Delete(ctx, nil, nil, strconv.FormatInt(serviceID, 10)); err != nil {
		return fmt.Errorf("remote: chromem delete service %d: %w", serviceID, err)
	}
	return nil
}

func (c *ChromemIndex) TopK(ctx context.Context, query []float32, k, over int) ([]vectorindex.ScoredResult, error) {
	limit := over
	if limit < k {
		limit = k
	}
	count := c.col.Count()
	if count == 0 || limit <= 0 {
		return nil, nil
	}
	if limit > count {
		limit = count
	}

	hits, err := c.col.QueryEmbedding(ctx, query, limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("remote: chromem query: %w", err)
	}

	results := make([]vectorindex.ScoredResult, 0, len(hits))
	for _, h := range hits {
		id, err := strconv.ParseInt(h.ID, 10, 64)
		if err != nil {
			continue
		}
		// chromem reports raw cosine similarity; map it into [0,1] the
		// same way the native engines do.
		results = append(results, vectorindex.ScoredResult{
			ServiceID: id,
			Score:     (1 + h.Similarity) / 2,
		})
	}
	return results, nil
}

// Snapshot is a no-op: chromem's persistent DB writes through on every
// mutation, so there is no separate snapshot artifact to manage.
func (c *ChromemIndex) Snapshot(context.Context, string) error { return nil }

// Load is a no-op for the same reason as Snapshot; NewChromemIndex
// already restored persisted state.
func (c *ChromemIndex) Load(context.Context, string) error { return nil }

func (c *ChromemIndex) Size() int {
	return c.col.Count()
}

var _ vectorindex.Index = (*ChromemIndex)(nil)
