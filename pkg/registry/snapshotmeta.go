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

package registry

import (
	"context"
	"fmt"
	"time"
)

// SnapshotMeta is the bookkeeping row written for every vector
// snapshot the index manager takes. Unlike service records, snapshot
// metadata is owned and written by the core itself.
type SnapshotMeta struct {
	Generation  int64
	Path        string
	Model       string
	Dimension   int
	VectorCount int
	ContentHash string
}

// SnapshotRecorder persists snapshot bookkeeping. SQLRegistry
// implements it; the index manager treats it as optional.
type SnapshotRecorder interface {
	RecordSnapshot(ctx context.Context, meta SnapshotMeta) error
}

// RecordSnapshot upserts the metadata row for a generation.
func (r *SQLRegistry) RecordSnapshot(ctx context.Context, meta SnapshotMeta) error {
	if _, err := r.db.ExecContext(ctx, r.rebind(
		`DELETE FROM snapshot_metadata WHERE generation = ?`), meta.Generation); err != nil {
		return fmt.Errorf("registry: clear snapshot metadata: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, r.rebind(
		`INSERT INTO snapshot_metadata (generation, path, model, dimension, vector_count, content_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		meta.Generation, meta.Path, meta.Model, meta.Dimension, meta.VectorCount, meta.ContentHash,
		time.Now().UTC()); err != nil {
		return fmt.Errorf("registry: record snapshot metadata: %w", err)
	}
	return nil
}
