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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExactIndex_TopK_OrdersByScoreThenID(t *testing.T) {
	ctx := context.Background()
	idx := NewExactIndex("stub-model", 3)

	require.NoError(t, idx.Upsert(ctx, 1, []float32{1, 0, 0}, 1))
	require.NoError(t, idx.Upsert(ctx, 2, []float32{1, 0, 0}, 1)) // tie on score with 1
	require.NoError(t, idx.Upsert(ctx, 3, []float32{0, 1, 0}, 1))

	results, err := idx.TopK(ctx, []float32{1, 0, 0}, 3, 3)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, int64(2), results[0].ServiceID) // tie broken by larger service_id
	assert.Equal(t, int64(1), results[1].ServiceID)
	assert.Equal(t, int64(3), results[2].ServiceID)
	assert.Greater(t, results[0].Score, results[2].Score)
}

func TestExactIndex_RemoveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	idx := NewExactIndex("stub-model", 2)
	require.NoError(t, idx.Remove(ctx, 42))
	require.NoError(t, idx.Upsert(ctx, 42, []float32{1, 0}, 1))
	require.NoError(t, idx.Remove(ctx, 42))
	require.NoError(t, idx.Remove(ctx, 42))
	assert.Equal(t, 0, idx.Size())
}

func TestExactIndex_SnapshotLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	idx := NewExactIndex("stub-model", 4)
	require.NoError(t, idx.Upsert(ctx, 1, []float32{1, 0, 0, 0}, 1))
	require.NoError(t, idx.Upsert(ctx, 2, []float32{0, 1, 0, 0}, 2))

	path := filepath.Join(t.TempDir(), "snapshot-1.kpv")
	require.NoError(t, idx.Snapshot(ctx, path))

	restored := NewExactIndex("stub-model", 4)
	require.NoError(t, restored.Load(ctx, path))
	assert.Equal(t, idx.Size(), restored.Size())

	tag, ok := restored.VersionTag(1)
	assert.True(t, ok)
	assert.Equal(t, int64(1), tag)

	before, errBefore := idx.TopK(ctx, []float32{1, 0, 0, 0}, 2, 2)
	after, errAfter := restored.TopK(ctx, []float32{1, 0, 0, 0}, 2, 2)
	require.NoError(t, errBefore)
	require.NoError(t, errAfter)
	assert.Equal(t, before, after)
}

func TestExactIndex_LoadRejectsOtherModel(t *testing.T) {
	ctx := context.Background()
	idx := NewExactIndex("model-a", 2)
	require.NoError(t, idx.Upsert(ctx, 1, []float32{1, 0}, 1))

	path := filepath.Join(t.TempDir(), "snapshot-1.kpv")
	require.NoError(t, idx.Snapshot(ctx, path))

	other := NewExactIndex("model-b", 2)
	assert.Error(t, other.Load(ctx, path))
}

func TestExactIndex_DimensionMismatchRejected(t *testing.T) {
	ctx := context.Background()
	idx := NewExactIndex("stub-model", 3)
	err := idx.Upsert(ctx, 1, []float32{1, 0}, 1)
	assert.Error(t, err)
}
