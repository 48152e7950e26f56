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

package feedback

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/registry"
)

func testStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, registry.Migrate(context.Background(), db))
	return NewSQLStore(db, "sqlite", 30, 180)
}

func TestSQLStore_PriorIsZeroWhenUnseen(t *testing.T) {
	store := testStore(t)
	prior, err := store.Prior(context.Background(), "qh", 1)
	require.NoError(t, err)
	assert.Zero(t, prior)
}

func TestSQLStore_PriorLaplaceSmoothing(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	// 3 impressions, 1 click: prior = (1+1)/(3+2) = 0.4.
	require.NoError(t, store.RecordImpressions(ctx, "qh", []int64{7, 7, 7}, []int{1, 1, 2}))
	require.NoError(t, store.RecordSelection(ctx, "qh", 7, 1))

	prior, err := store.Prior(ctx, "qh", 7)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, prior, 1e-9)

	// Another pair under the same hash is untouched.
	other, err := store.Prior(ctx, "qh", 8)
	require.NoError(t, err)
	assert.Zero(t, other)
}

func TestSQLStore_PriorIgnoresEventsOutsideWindow(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	old := time.Now().UTC().AddDate(0, 0, -90)
	_, err := store.db.Exec(
		`INSERT INTO feedback_events (query_hash, service_id, rank_position, selected, created_at)
		 VALUES (?, ?, ?, ?, ?)`, "qh", 7, 1, true, old)
	require.NoError(t, err)

	prior, err := store.Prior(ctx, "qh", 7)
	require.NoError(t, err)
	assert.Zero(t, prior)
}

func TestSQLStore_PruneDeletesExpiredRows(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	expired := time.Now().UTC().AddDate(0, 0, -200)
	_, err := store.db.Exec(
		`INSERT INTO feedback_events (query_hash, service_id, rank_position, selected, created_at)
		 VALUES (?, ?, ?, ?, ?)`, "qh", 7, 1, false, expired)
	require.NoError(t, err)
	require.NoError(t, store.RecordImpressions(ctx, "qh", []int64{7}, []int{1}))

	deleted, err := store.Prune(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)
}

func TestSearchJournal_ResolveAndEviction(t *testing.T) {
	j := NewSearchJournal(2)
	j.Remember("s1", "qh1", []int64{10, 20}, []int{1, 2})
	j.Remember("s2", "qh2", []int64{30}, []int{1})

	hash, pos, ok := j.Resolve("s1", 20)
	require.True(t, ok)
	assert.Equal(t, "qh1", hash)
	assert.Equal(t, 2, pos)

	_, _, ok = j.Resolve("s1", 99)
	assert.False(t, ok)

	// Third search evicts the oldest.
	j.Remember("s3", "qh3", []int64{40}, []int{1})
	_, _, ok = j.Resolve("s1", 10)
	assert.False(t, ok)
	_, _, ok = j.Resolve("s3", 40)
	assert.True(t, ok)
}
