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

package indexmanager

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/embedder"
	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/kpathcore"
	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/vectorindex"
)

// fakeRegistry is an in-memory registry.Registry with a controllable
// change stream.
type fakeRegistry struct {
	mu       sync.Mutex
	services map[int64]kpathcore.ServiceRecord
	changes  chan kpathcore.ChangeEvent
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		services: make(map[int64]kpathcore.ServiceRecord),
		changes:  make(chan kpathcore.ChangeEvent, 64),
	}
}

func (f *fakeRegistry) put(rec kpathcore.ServiceRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.services[rec.ServiceID] = rec
}

func (f *fakeRegistry) delete(id int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.services, id)
}

func (f *fakeRegistry) GetActiveServices(context.Context) ([]kpathcore.ServiceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []kpathcore.ServiceRecord
	for _, rec := range f.services {
		if rec.Status == kpathcore.StatusActive {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeRegistry) Get(_ context.Context, id int64) (*kpathcore.ServiceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.services[id]; ok {
		return &rec, nil
	}
	return nil, nil
}

func (f *fakeRegistry) BatchGet(ctx context.Context, ids []int64) ([]kpathcore.ServiceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []kpathcore.ServiceRecord
	for _, id := range ids {
		if rec, ok := f.services[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeRegistry) Changes(context.Context) (<-chan kpathcore.ChangeEvent, error) {
	return f.changes, nil
}

// stubEmbedder derives a deterministic vector from text length so
// tests can assert re-embedding without a model.
type stubEmbedder struct {
	mu    sync.Mutex
	calls int
	fail  error
}

func (s *stubEmbedder) vectorFor(text string) []float32 {
	v := []float32{float32(len(text)%7 + 1), float32(len(text)%3 + 1), 1}
	return embedder.Normalize(v)
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail != nil {
		return nil, s.fail
	}
	return s.vectorFor(text), nil
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := s.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *stubEmbedder) Dimension() int { return 3 }
func (s *stubEmbedder) Model() string  { return "stub-model" }
func (s *stubEmbedder) Close() error   { return nil }

func (s *stubEmbedder) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func service(id int64, name string, tag int64) kpathcore.ServiceRecord {
	return kpathcore.ServiceRecord{
		ServiceID:   id,
		Name:        name,
		Description: "Description of " + name,
		Status:      kpathcore.StatusActive,
		VersionTag:  tag,
		UpdatedAt:   time.Now().UTC(),
	}
}

func newTestManager(t *testing.T, reg *fakeRegistry, emb embedder.Embedder, dir string) *Manager {
	t.Helper()
	m, err := New(Config{
		Model:                "stub-model",
		Dimension:            3,
		SnapshotDir:          dir,
		SnapshotEveryChanges: 500,
		SnapshotQuiescence:   time.Hour,
	}, reg, emb, func() (vectorindex.Index, error) {
		return vectorindex.NewExactIndex("stub-model", 3), nil
	}, nil)
	require.NoError(t, err)
	return m
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestManager_ColdBuildIndexesActiveServices(t *testing.T) {
	reg := newFakeRegistry()
	reg.put(service(1, "calendar", 1))
	reg.put(service(2, "email", 1))
	inactive := service(3, "travel", 1)
	inactive.Status = kpathcore.StatusInactive
	reg.put(inactive)

	m := newTestManager(t, reg, &stubEmbedder{}, t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	defer m.Close()

	st := m.Status()
	assert.True(t, st.Initialized)
	assert.True(t, st.IndexBuilt)
	assert.Equal(t, 2, st.TotalVectors)
	assert.Equal(t, "stub-model", st.EmbeddingModel)
	assert.EqualValues(t, 1, st.SnapshotGeneration)
	assert.Equal(t, kpathcore.StateIndexed, m.ServiceState(1))
	assert.Equal(t, kpathcore.StateAbsent, m.ServiceState(3))
}

func TestManager_UpdateEventReembedsService(t *testing.T) {
	reg := newFakeRegistry()
	reg.put(service(1, "calendar", 1))

	emb := &stubEmbedder{}
	m := newTestManager(t, reg, emb, t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	defer m.Close()

	before := m.Status().TotalVectors

	updated := service(1, "calendar", 2)
	updated.Description = "Schedule meetings and rooms"
	reg.put(updated)
	reg.changes <- kpathcore.ChangeEvent{Kind: kpathcore.ChangeUpdated, ServiceID: 1, NewVersionTag: 2}

	waitFor(t, 2*time.Second, func() bool {
		tagged := m.Index().(vectorindex.Tagged)
		tag, ok := tagged.VersionTag(1)
		return ok && tag == 2
	})
	assert.Equal(t, before, m.Status().TotalVectors, "update must replace, not add")
}

func TestManager_SameEventTwiceIsIdempotent(t *testing.T) {
	reg := newFakeRegistry()
	reg.put(service(1, "calendar", 1))

	emb := &stubEmbedder{}
	m := newTestManager(t, reg, emb, t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	defer m.Close()

	calls := emb.callCount()
	ev := kpathcore.ChangeEvent{Kind: kpathcore.ChangeUpdated, ServiceID: 1, NewVersionTag: 1}
	reg.changes <- ev
	time.Sleep(500 * time.Millisecond)
	reg.changes <- ev
	time.Sleep(500 * time.Millisecond)

	// version_tag unchanged, so neither event embeds again.
	assert.Equal(t, calls, emb.callCount())
	assert.Equal(t, 1, m.Status().TotalVectors)
}

func TestManager_DeleteRemovesFromIndex(t *testing.T) {
	reg := newFakeRegistry()
	reg.put(service(1, "calendar", 1))
	reg.put(service(2, "email", 1))

	m := newTestManager(t, reg, &stubEmbedder{}, t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	defer m.Close()

	reg.delete(2)
	reg.changes <- kpathcore.ChangeEvent{Kind: kpathcore.ChangeDeleted, ServiceID: 2}

	waitFor(t, 2*time.Second, func() bool { return m.Status().TotalVectors == 1 })
	assert.Equal(t, kpathcore.StateAbsent, m.ServiceState(2))
}

func TestManager_StatusChangeToInactiveRemoves(t *testing.T) {
	reg := newFakeRegistry()
	reg.put(service(1, "calendar", 1))

	m := newTestManager(t, reg, &stubEmbedder{}, t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	defer m.Close()

	rec := service(1, "calendar", 2)
	rec.Status = kpathcore.StatusInactive
	reg.put(rec)
	reg.changes <- kpathcore.ChangeEvent{Kind: kpathcore.ChangeStatusChanged, ServiceID: 1, NewVersionTag: 2}

	waitFor(t, 2*time.Second, func() bool { return m.Status().TotalVectors == 0 })
}

func TestManager_InputTooLargeMarksUnindexable(t *testing.T) {
	reg := newFakeRegistry()
	reg.put(service(1, "calendar", 1))

	emb := &stubEmbedder{}
	m := newTestManager(t, reg, emb, t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	defer m.Close()

	emb.mu.Lock()
	emb.fail = fmt.Errorf("%w: text too long", embedder.ErrInputTooLarge)
	emb.mu.Unlock()

	reg.put(service(1, "calendar", 2))
	reg.changes <- kpathcore.ChangeEvent{Kind: kpathcore.ChangeUpdated, ServiceID: 1, NewVersionTag: 2}

	waitFor(t, 2*time.Second, func() bool { return m.ServiceState(1) == kpathcore.StateUnindexable })
	assert.Equal(t, 0, m.Status().TotalVectors)
}

func TestManager_RestartRestoresFromSnapshot(t *testing.T) {
	dir := t.TempDir()
	reg := newFakeRegistry()
	reg.put(service(1, "calendar", 1))
	reg.put(service(2, "email", 1))

	emb := &stubEmbedder{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m1 := newTestManager(t, reg, emb, dir)
	require.NoError(t, m1.Start(ctx))
	m1.Close()
	callsAfterBuild := emb.callCount()

	// Same registry state: restore embeds nothing.
	m2 := newTestManager(t, reg, emb, dir)
	require.NoError(t, m2.Start(ctx))
	defer m2.Close()
	assert.Equal(t, callsAfterBuild, emb.callCount())
	assert.Equal(t, 2, m2.Status().TotalVectors)
	assert.EqualValues(t, 1, m2.Status().SnapshotGeneration)
}

func TestManager_RestoreReembedsStaleServices(t *testing.T) {
	dir := t.TempDir()
	reg := newFakeRegistry()
	reg.put(service(1, "calendar", 1))

	emb := &stubEmbedder{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m1 := newTestManager(t, reg, emb, dir)
	require.NoError(t, m1.Start(ctx))
	m1.Close()

	// Bump the tag while the manager is down.
	reg.put(service(1, "calendar", 5))
	before := emb.callCount()

	m2 := newTestManager(t, reg, emb, dir)
	require.NoError(t, m2.Start(ctx))
	defer m2.Close()

	assert.Greater(t, emb.callCount(), before, "stale service must be re-embedded")
	tag, ok := m2.Index().(vectorindex.Tagged).VersionTag(1)
	require.True(t, ok)
	assert.EqualValues(t, 5, tag)
}

func TestManager_RebuildSwapsAndIncrementsGeneration(t *testing.T) {
	reg := newFakeRegistry()
	reg.put(service(1, "calendar", 1))

	m := newTestManager(t, reg, &stubEmbedder{}, t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	defer m.Close()

	genBefore := m.Status().SnapshotGeneration
	reg.put(service(2, "email", 1))

	n, err := m.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, m.Status().TotalVectors)
	assert.Equal(t, genBefore+1, m.Status().SnapshotGeneration)
}

func TestChangeQueue_CoalescesSameService(t *testing.T) {
	q := newChangeQueue(10)
	q.push(kpathcore.ChangeEvent{Kind: kpathcore.ChangeCreated, ServiceID: 1, NewVersionTag: 1})
	q.push(kpathcore.ChangeEvent{Kind: kpathcore.ChangeUpdated, ServiceID: 1, NewVersionTag: 2})

	qc, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, kpathcore.ChangeUpdated, qc.event.Kind)
	assert.EqualValues(t, 2, qc.event.NewVersionTag)

	_, ok = q.pop()
	assert.False(t, ok)
}

func TestChangeQueue_OverflowReportsRebuild(t *testing.T) {
	q := newChangeQueue(2)
	assert.False(t, q.push(kpathcore.ChangeEvent{Kind: kpathcore.ChangeCreated, ServiceID: 1}))
	assert.False(t, q.push(kpathcore.ChangeEvent{Kind: kpathcore.ChangeCreated, ServiceID: 2}))
	assert.True(t, q.push(kpathcore.ChangeEvent{Kind: kpathcore.ChangeCreated, ServiceID: 3}))
	assert.Equal(t, 0, q.depth(), "overflow drains the queue")
}

func TestManager_QueriesServeDuringRebuild(t *testing.T) {
	reg := newFakeRegistry()
	for i := int64(1); i <= 20; i++ {
		reg.put(service(i, fmt.Sprintf("svc-%d", i), 1))
	}

	m := newTestManager(t, reg, &stubEmbedder{}, t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, m.Start(ctx))
	defer m.Close()

	genBefore := m.Status().SnapshotGeneration

	stopQueries := make(chan struct{})
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			query := []float32{1, 0, 0}
			for {
				select {
				case <-stopQueries:
					return
				default:
				}
				results, err := m.Index().TopK(ctx, query, 5, 15)
				assert.NoError(t, err)
				assert.NotEmpty(t, results)
			}
		}()
	}

	_, err := m.Rebuild(ctx)
	close(stopQueries)
	wg.Wait()
	require.NoError(t, err)
	assert.Equal(t, genBefore+1, m.Status().SnapshotGeneration)
}
