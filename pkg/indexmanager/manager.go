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

// Package indexmanager owns the vector index and keeps it consistent
// with the registry: cold build on startup, incremental updates from
// the change stream, atomic shadow rebuilds, and generation-based
// snapshot persistence. All index mutation funnels through one
// background worker; queries read the live index concurrently.
package indexmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/embedder"
	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/kpathcore"
	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/registry"
	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/vectorindex"
)

const (
	// coalesceWindow is how long an event sits in the queue so rapid
	// successive updates to the same service collapse into one embed.
	coalesceWindow = 200 * time.Millisecond

	// Retry backoff bounds for a transiently unavailable embedder.
	retryBase = 100 * time.Millisecond
	retryCap  = 30 * time.Second

	// embedBatchSize bounds one EmbedBatch call during builds.
	embedBatchSize = 64

	// keptGenerations is how many snapshot generations survive pruning.
	keptGenerations = 3

	// snapshotPrefix/Ext name snapshot files: snapshot-{generation}.kpv.
	snapshotPrefix = "snapshot-"
	snapshotExt    = ".kpv"

	// currentPointerFile names the generation pointer in SnapshotDir.
	currentPointerFile = "current"
)

// Config parameterizes a Manager.
type Config struct {
	Model     string
	Dimension int

	SnapshotDir          string
	SnapshotEveryChanges int
	SnapshotQuiescence   time.Duration

	// QueueDepth bounds the change queue (default 10000).
	QueueDepth int

	// RemoteIndex marks backends that own their durability; snapshot
	// files and generations are skipped for them.
	RemoteIndex bool
}

// Status is the introspection view served by /search/status.
type Status struct {
	Initialized        bool
	IndexBuilt         bool
	EmbeddingModel     string
	TotalVectors       int
	SnapshotGeneration int64
	HealthDegraded     bool
	QueueDepth         int
	PendingServices    int
	Unindexable        int
}

// supervisorTimeout is how long one embed call may stay in flight
// before the supervisor replaces the embedder.
const supervisorTimeout = 60 * time.Second

// Manager reconciles the vector index with the registry.
type Manager struct {
	cfg      Config
	reg      registry.Registry
	newIndex func() (vectorindex.Index, error)
	recorder registry.SnapshotRecorder // optional

	embMu      sync.RWMutex
	emb        embedder.Embedder
	embFactory func() (embedder.Embedder, error) // optional, for supervisor restart
	inFlight   atomic.Int64                      // unix nanos of current embed start, 0 when idle

	// indexMu guards the index pointer itself (shadow swap); the
	// index's own RWMutex guards its contents.
	indexMu sync.RWMutex
	index   vectorindex.Index

	queue *changeQueue

	stateMu sync.Mutex
	states  map[int64]kpathcore.IndexState
	delays  map[int64]time.Duration

	generation     atomic.Int64
	initialized    atomic.Bool
	built          atomic.Bool
	degraded       atomic.Bool
	rebuildPending atomic.Bool

	appliedMu            sync.Mutex
	appliedSinceSnapshot int

	// snapshotMu serializes generation allocation between the worker
	// and operator-triggered rebuilds.
	snapshotMu sync.Mutex

	stop chan struct{}
	done chan struct{}
}

// New wires a Manager. newIndex builds an empty engine; it is called
// once up front and again for every shadow rebuild. recorder may be
// nil.
func New(cfg Config, reg registry.Registry, emb embedder.Embedder, newIndex func() (vectorindex.Index, error), recorder registry.SnapshotRecorder) (*Manager, error) {
	if cfg.SnapshotEveryChanges <= 0 {
		cfg.SnapshotEveryChanges = 500
	}
	if cfg.SnapshotQuiescence <= 0 {
		cfg.SnapshotQuiescence = 60 * time.Second
	}
	idx, err := newIndex()
	if err != nil {
		return nil, fmt.Errorf("indexmanager: build index: %w", err)
	}
	return &Manager{
		cfg:      cfg,
		reg:      reg,
		emb:      emb,
		newIndex: newIndex,
		recorder: recorder,
		index:    idx,
		queue:    newChangeQueue(cfg.QueueDepth),
		states:   make(map[int64]kpathcore.IndexState),
		delays:   make(map[int64]time.Duration),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Index returns the live index for queries. The pointer may change
// across a rebuild swap; callers use the returned value for a single
// operation and re-fetch next time.
func (m *Manager) Index() vectorindex.Index {
	m.indexMu.RLock()
	defer m.indexMu.RUnlock()
	return m.index
}

// Status reports the manager's current view for the status endpoint.
func (m *Manager) Status() Status {
	m.stateMu.Lock()
	pending, unindexable := 0, 0
	for _, s := range m.states {
		switch s {
		case kpathcore.StatePending:
			pending++
		case kpathcore.StateUnindexable:
			unindexable++
		}
	}
	m.stateMu.Unlock()

	return Status{
		Initialized:        m.initialized.Load(),
		IndexBuilt:         m.built.Load(),
		EmbeddingModel:     m.cfg.Model,
		TotalVectors:       m.Index().Size(),
		SnapshotGeneration: m.generation.Load(),
		HealthDegraded:     m.degraded.Load(),
		QueueDepth:         m.queue.depth(),
		PendingServices:    pending,
		Unindexable:        unindexable,
	}
}

// ServiceState reports the indexing state tracked for a service.
func (m *Manager) ServiceState(serviceID int64) kpathcore.IndexState {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if s, ok := m.states[serviceID]; ok {
		return s
	}
	return kpathcore.StateAbsent
}

func (m *Manager) setState(serviceID int64, s kpathcore.IndexState) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if s == kpathcore.StateRemoved {
		delete(m.states, serviceID)
		delete(m.delays, serviceID)
		return
	}
	m.states[serviceID] = s
}

// Start restores or cold-builds the index, then launches the worker
// that drains the registry change stream. It returns once the index
// is serving.
func (m *Manager) Start(ctx context.Context) error {
	if !m.cfg.RemoteIndex {
		if err := os.MkdirAll(m.cfg.SnapshotDir, 0o755); err != nil {
			return fmt.Errorf("indexmanager: create snapshot dir: %w", err)
		}
	}

	restored, err := m.tryRestoreSnapshot(ctx)
	if err != nil {
		slog.Warn("snapshot restore failed, falling back to cold build", "error", err)
		restored = false
	}
	if !restored {
		if err := m.coldBuild(ctx); err != nil {
			return err
		}
	}
	m.built.Store(true)

	changes, err := m.reg.Changes(ctx)
	if err != nil {
		return fmt.Errorf("indexmanager: subscribe to changes: %w", err)
	}
	go m.receive(ctx, changes)
	go m.run(ctx)
	go m.supervise(ctx)

	m.initialized.Store(true)
	return nil
}

// Close stops the worker and waits for it to exit.
func (m *Manager) Close() {
	close(m.stop)
	<-m.done
}

// coldBuild embeds every active service into the empty live index and
// snapshots the result.
func (m *Manager) coldBuild(ctx context.Context) error {
	services, err := m.reg.GetActiveServices(ctx)
	if err != nil {
		return fmt.Errorf("indexmanager: cold build: %w", err)
	}
	if err := m.buildInto(ctx, m.Index(), services); err != nil {
		return err
	}
	trainIfIVF(m.Index())
	m.snapshot(ctx)
	slog.Info("cold build complete", "services", len(services))
	return nil
}

// buildInto embeds the given services in batches and upserts them
// into idx, tracking per-service states.
func (m *Manager) buildInto(ctx context.Context, idx vectorindex.Index, services []kpathcore.ServiceRecord) error {
	for start := 0; start < len(services); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(services) {
			end = len(services)
		}
		batch := services[start:end]

		texts := make([]string, len(batch))
		for i, svc := range batch {
			texts[i] = registry.EmbeddableText(svc)
			m.setState(svc.ServiceID, kpathcore.StatePending)
		}

		vectors, err := m.embedBatchWithRetry(ctx, texts)
		if err != nil {
			if errors.Is(err, embedder.ErrInputTooLarge) {
				// One oversized input poisons the whole batch call;
				// fall back to per-service embedding so the rest of
				// the batch still lands.
				if err := m.buildOneByOne(ctx, idx, batch, texts); err != nil {
					return err
				}
				continue
			}
			return fmt.Errorf("indexmanager: embed batch: %w", err)
		}

		for i, svc := range batch {
			if err := idx.Upsert(ctx, svc.ServiceID, vectors[i], svc.VersionTag); err != nil {
				return fmt.Errorf("indexmanager: upsert service %d: %w", svc.ServiceID, err)
			}
			m.setState(svc.ServiceID, kpathcore.StateIndexed)
		}
	}
	return nil
}

func (m *Manager) buildOneByOne(ctx context.Context, idx vectorindex.Index, services []kpathcore.ServiceRecord, texts []string) error {
	for i, svc := range services {
		vec, err := m.embedWithRetry(ctx, texts[i])
		if errors.Is(err, embedder.ErrInputTooLarge) {
			slog.Warn("service text exceeds embedder context, marking unindexable", "service_id", svc.ServiceID)
			m.setState(svc.ServiceID, kpathcore.StateUnindexable)
			continue
		}
		if err != nil {
			return fmt.Errorf("indexmanager: embed service %d: %w", svc.ServiceID, err)
		}
		if err := idx.Upsert(ctx, svc.ServiceID, vec, svc.VersionTag); err != nil {
			return fmt.Errorf("indexmanager: upsert service %d: %w", svc.ServiceID, err)
		}
		m.setState(svc.ServiceID, kpathcore.StateIndexed)
	}
	return nil
}

// SetEmbedderFactory installs a factory the supervisor uses to
// replace an embedder whose call has been stuck past
// supervisorTimeout. Without one, a hang is only logged.
func (m *Manager) SetEmbedderFactory(f func() (embedder.Embedder, error)) {
	m.embFactory = f
}

// embed runs one Embed call through the current embedder, marking the
// in-flight window for the supervisor.
func (m *Manager) embed(ctx context.Context, text string) ([]float32, error) {
	m.embMu.RLock()
	emb := m.emb
	m.embMu.RUnlock()

	m.inFlight.Store(time.Now().UnixNano())
	defer m.inFlight.Store(0)
	return emb.Embed(ctx, text)
}

func (m *Manager) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	m.embMu.RLock()
	emb := m.emb
	m.embMu.RUnlock()

	m.inFlight.Store(time.Now().UnixNano())
	defer m.inFlight.Store(0)
	return emb.EmbedBatch(ctx, texts)
}

// supervise watches for an embed call stuck past supervisorTimeout
// and swaps in a fresh embedder when a factory is available. The
// stuck call still runs to completion against the old instance; new
// work uses the replacement.
func (m *Manager) supervise(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
		}
		started := m.inFlight.Load()
		if started == 0 || time.Since(time.Unix(0, started)) < supervisorTimeout {
			continue
		}
		slog.Error("embedder call stuck past supervisor timeout", "since", time.Unix(0, started))
		if m.embFactory == nil {
			continue
		}
		fresh, err := m.embFactory()
		if err != nil {
			slog.Error("embedder restart failed", "error", err)
			continue
		}
		m.embMu.Lock()
		old := m.emb
		m.emb = fresh
		m.embMu.Unlock()
		if err := old.Close(); err != nil {
			slog.Warn("closing stuck embedder failed", "error", err)
		}
		m.inFlight.Store(0)
		slog.Info("embedder restarted by supervisor")
	}
}

// embedWithRetry retries Unavailable failures with exponential
// backoff (100ms doubling, capped at 30s) until ctx is cancelled.
// InputTooLarge is returned immediately; it never clears on retry.
func (m *Manager) embedWithRetry(ctx context.Context, text string) ([]float32, error) {
	delay := retryBase
	for {
		vec, err := m.embed(ctx, text)
		if err == nil {
			return vec, nil
		}
		if errors.Is(err, embedder.ErrInputTooLarge) {
			return nil, err
		}
		slog.Warn("embedder unavailable, backing off", "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > retryCap {
			delay = retryCap
		}
	}
}

func (m *Manager) embedBatchWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	delay := retryBase
	for {
		vectors, err := m.embedBatch(ctx, texts)
		if err == nil {
			return vectors, nil
		}
		if errors.Is(err, embedder.ErrInputTooLarge) {
			return nil, err
		}
		slog.Warn("embedder unavailable, backing off", "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > retryCap {
			delay = retryCap
		}
	}
}

// receive moves registry events into the bounded coalescing queue,
// degrading to a rebuild on overflow.
func (m *Manager) receive(ctx context.Context, changes <-chan kpathcore.ChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case ev, ok := <-changes:
			if !ok {
				return
			}
			if m.queue.push(ev) {
				slog.Warn("change queue overflow, scheduling full rebuild")
				m.rebuildPending.Store(true)
				m.queue.wake()
			}
		}
	}
}

// run is the single indexing worker: it drains the queue, honors the
// coalescing window, applies changes, and fires snapshot triggers.
func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	quiescence := time.NewTimer(m.cfg.SnapshotQuiescence)
	defer quiescence.Stop()

	for {
		if m.rebuildPending.Swap(false) {
			if _, err := m.Rebuild(ctx); err != nil {
				slog.Warn("degraded rebuild failed", "error", err)
			}
		}

		qc, ok := m.queue.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-m.queue.notify:
				continue
			case <-quiescence.C:
				m.maybeQuiescenceSnapshot(ctx)
				quiescence.Reset(m.cfg.SnapshotQuiescence)
				continue
			}
		}

		// Coalescing window: let stragglers for this service land,
		// then use the latest state.
		if wait := coalesceWindow - time.Since(qc.arrivedAt); wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-time.After(wait):
			}
		}

		m.apply(ctx, qc.event)

		m.appliedMu.Lock()
		m.appliedSinceSnapshot++
		due := m.appliedSinceSnapshot >= m.cfg.SnapshotEveryChanges
		m.appliedMu.Unlock()
		if due {
			m.snapshot(ctx)
		}

		if !quiescence.Stop() {
			select {
			case <-quiescence.C:
			default:
			}
		}
		quiescence.Reset(m.cfg.SnapshotQuiescence)
	}
}

func (m *Manager) maybeQuiescenceSnapshot(ctx context.Context) {
	m.appliedMu.Lock()
	dirty := m.appliedSinceSnapshot > 0
	m.appliedMu.Unlock()
	if dirty {
		m.snapshot(ctx)
	}
}

// apply reconciles one (coalesced) change event against the index.
// Applying the same event twice is a no-op: removal is idempotent and
// an up-to-date version_tag skips the embed.
func (m *Manager) apply(ctx context.Context, ev kpathcore.ChangeEvent) {
	if ev.Kind == kpathcore.ChangeDeleted {
		m.removeService(ctx, ev.ServiceID)
		return
	}

	svc, err := m.reg.Get(ctx, ev.ServiceID)
	if err != nil {
		slog.Warn("registry lookup failed, requeueing change", "service_id", ev.ServiceID, "error", err)
		m.scheduleRetry(ev)
		return
	}
	if svc == nil || svc.Status != kpathcore.StatusActive {
		m.removeService(ctx, ev.ServiceID)
		return
	}

	idx := m.Index()
	if tagged, ok := idx.(vectorindex.Tagged); ok {
		if tag, present := tagged.VersionTag(svc.ServiceID); present && tag == svc.VersionTag {
			m.setState(svc.ServiceID, kpathcore.StateIndexed)
			return
		}
	}

	m.setState(svc.ServiceID, kpathcore.StatePending)
	vec, err := m.embedOnce(ctx, registry.EmbeddableText(*svc))
	if errors.Is(err, embedder.ErrInputTooLarge) {
		slog.Warn("service text exceeds embedder context, marking unindexable", "service_id", svc.ServiceID)
		if err := idx.Remove(ctx, svc.ServiceID); err != nil {
			slog.Warn("remove unindexable service failed", "service_id", svc.ServiceID, "error", err)
		}
		m.setState(svc.ServiceID, kpathcore.StateUnindexable)
		return
	}
	if err != nil {
		m.scheduleRetry(ev)
		return
	}

	if err := idx.Upsert(ctx, svc.ServiceID, vec, svc.VersionTag); err != nil {
		slog.Warn("index upsert failed", "service_id", svc.ServiceID, "error", err)
		m.scheduleRetry(ev)
		return
	}
	if ivf, ok := idx.(*vectorindex.IVFIndex); ok && !ivf.Trained() {
		if err := ivf.TrainSelf(); err != nil {
			slog.Warn("ivf training failed", "error", err)
		}
	}
	m.resetDelay(svc.ServiceID)
	m.setState(svc.ServiceID, kpathcore.StateIndexed)
}

// trainIfIVF gives an IVF engine its centroids after a bulk build;
// other engines need no training pass.
func trainIfIVF(idx vectorindex.Index) {
	if ivf, ok := idx.(*vectorindex.IVFIndex); ok {
		if err := ivf.TrainSelf(); err != nil {
			slog.Warn("ivf training failed", "error", err)
		}
	}
}

// embedOnce is a single attempt; retries are scheduled through the
// queue so one struggling service cannot stall the worker.
func (m *Manager) embedOnce(ctx context.Context, text string) ([]float32, error) {
	return m.embed(ctx, text)
}

func (m *Manager) removeService(ctx context.Context, serviceID int64) {
	if err := m.Index().Remove(ctx, serviceID); err != nil {
		slog.Warn("index remove failed", "service_id", serviceID, "error", err)
	}
	m.setState(serviceID, kpathcore.StateRemoved)
}

// scheduleRetry re-enqueues an event after the service's current
// backoff delay (100ms doubling, capped at 30s); the service stays
// pending until an attempt succeeds.
func (m *Manager) scheduleRetry(ev kpathcore.ChangeEvent) {
	m.setState(ev.ServiceID, kpathcore.StatePending)

	m.stateMu.Lock()
	delay, ok := m.delays[ev.ServiceID]
	if !ok {
		delay = retryBase
	}
	next := delay * 2
	if next > retryCap {
		next = retryCap
	}
	m.delays[ev.ServiceID] = next
	m.stateMu.Unlock()

	time.AfterFunc(delay, func() {
		select {
		case <-m.stop:
			return
		default:
		}
		m.queue.push(ev)
	})
}

func (m *Manager) resetDelay(serviceID int64) {
	m.stateMu.Lock()
	delete(m.delays, serviceID)
	m.stateMu.Unlock()
}

// Rebuild builds a shadow index from the registry, swaps it in under
// the write lock, then snapshots. Queries keep using the live index
// until the swap, which is pointer-cheap.
func (m *Manager) Rebuild(ctx context.Context) (int, error) {
	shadow, err := m.newIndex()
	if err != nil {
		return 0, fmt.Errorf("indexmanager: rebuild: %w", err)
	}
	services, err := m.reg.GetActiveServices(ctx)
	if err != nil {
		return 0, fmt.Errorf("indexmanager: rebuild: %w", err)
	}
	if err := m.buildInto(ctx, shadow, services); err != nil {
		return 0, err
	}
	trainIfIVF(shadow)

	m.indexMu.Lock()
	m.index = shadow
	m.indexMu.Unlock()

	m.snapshot(ctx)
	slog.Info("rebuild complete", "services", len(services))
	return len(services), nil
}

// snapshot persists the live index as the next generation, updates
// the current pointer, records metadata, and prunes old generations.
// Failure keeps the previous snapshot and flips the health-degraded
// signal; the next trigger retries.
func (m *Manager) snapshot(ctx context.Context) {
	if m.cfg.RemoteIndex {
		return
	}

	m.snapshotMu.Lock()
	defer m.snapshotMu.Unlock()

	gen := m.generation.Load() + 1
	path := m.snapshotPath(gen)
	if err := m.Index().Snapshot(ctx, path); err != nil {
		slog.Warn("snapshot failed, keeping previous generation", "generation", gen, "error", err)
		m.degraded.Store(true)
		return
	}

	if err := m.writeCurrentPointer(gen); err != nil {
		slog.Warn("snapshot pointer update failed", "generation", gen, "error", err)
		m.degraded.Store(true)
		return
	}

	m.generation.Store(gen)
	m.degraded.Store(false)
	m.appliedMu.Lock()
	m.appliedSinceSnapshot = 0
	m.appliedMu.Unlock()

	if m.recorder != nil {
		if info, err := vectorindex.InspectSnapshot(path); err == nil {
			meta := registry.SnapshotMeta{
				Generation:  gen,
				Path:        path,
				Model:       info.Model,
				Dimension:   info.Dimension,
				VectorCount: info.Count,
				ContentHash: info.BodyHash,
			}
			if err := m.recorder.RecordSnapshot(ctx, meta); err != nil {
				slog.Warn("snapshot metadata write failed", "generation", gen, "error", err)
			}
		}
	}

	m.pruneSnapshots(gen)
}

func (m *Manager) snapshotPath(generation int64) string {
	return filepath.Join(m.cfg.SnapshotDir, fmt.Sprintf("%s%d%s", snapshotPrefix, generation, snapshotExt))
}

// writeCurrentPointer atomically updates the `current` file to name
// the newest generation's snapshot.
func (m *Manager) writeCurrentPointer(generation int64) error {
	tmp, err := os.CreateTemp(m.cfg.SnapshotDir, ".current-*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.WriteString(fmt.Sprintf("%s%d%s\n", snapshotPrefix, generation, snapshotExt)); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, filepath.Join(m.cfg.SnapshotDir, currentPointerFile))
}

// pruneSnapshots removes generations older than the newest
// keptGenerations.
func (m *Manager) pruneSnapshots(latest int64) {
	entries, err := os.ReadDir(m.cfg.SnapshotDir)
	if err != nil {
		return
	}
	var gens []int64
	for _, e := range entries {
		if g, ok := parseGeneration(e.Name()); ok {
			gens = append(gens, g)
		}
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] > gens[j] })
	for i, g := range gens {
		if i < keptGenerations || g >= latest {
			continue
		}
		if err := os.Remove(m.snapshotPath(g)); err != nil {
			slog.Warn("snapshot prune failed", "generation", g, "error", err)
		}
	}
}

func parseGeneration(name string) (int64, bool) {
	if !strings.HasPrefix(name, snapshotPrefix) || !strings.HasSuffix(name, snapshotExt) {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, snapshotPrefix), snapshotExt)
	g, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return g, true
}

// tryRestoreSnapshot loads the pointed-at snapshot when it matches
// the configured model and dimension, then reconciles against the
// registry: stale version_tags are re-embedded, extra entries are
// removed, missing active services are added.
func (m *Manager) tryRestoreSnapshot(ctx context.Context) (bool, error) {
	if m.cfg.RemoteIndex {
		// The remote backend restored itself; reconcile it directly.
		return false, nil
	}

	pointer, err := os.ReadFile(filepath.Join(m.cfg.SnapshotDir, currentPointerFile))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	name := strings.TrimSpace(string(pointer))
	gen, ok := parseGeneration(name)
	if !ok {
		return false, fmt.Errorf("indexmanager: malformed current pointer %q", name)
	}
	path := filepath.Join(m.cfg.SnapshotDir, name)

	info, err := vectorindex.InspectSnapshot(path)
	if err != nil {
		return false, err
	}
	if info.Model != m.cfg.Model || info.Dimension != m.cfg.Dimension {
		slog.Info("snapshot incompatible with configuration, rebuilding",
			"snapshot_model", info.Model, "snapshot_dimension", info.Dimension)
		return false, nil
	}

	idx := m.Index()
	if err := idx.Load(ctx, path); err != nil {
		return false, err
	}
	m.generation.Store(gen)

	services, err := m.reg.GetActiveServices(ctx)
	if err != nil {
		return false, fmt.Errorf("indexmanager: reconcile snapshot: %w", err)
	}
	active := make(map[int64]kpathcore.ServiceRecord, len(services))
	for _, svc := range services {
		active[svc.ServiceID] = svc
	}

	snapshotTags := make(map[int64]int64, len(info.Entries))
	for _, e := range info.Entries {
		snapshotTags[e.ServiceID] = e.VersionTag
	}

	// Extra entries: indexed but no longer active.
	for id := range snapshotTags {
		if _, still := active[id]; !still {
			if err := idx.Remove(ctx, id); err != nil {
				return false, err
			}
		}
	}

	// Stale or missing services: re-embed.
	var stale []kpathcore.ServiceRecord
	for id, svc := range active {
		if tag, present := snapshotTags[id]; !present || tag != svc.VersionTag {
			stale = append(stale, svc)
			continue
		}
		m.setState(id, kpathcore.StateIndexed)
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].ServiceID < stale[j].ServiceID })
	if err := m.buildInto(ctx, idx, stale); err != nil {
		return false, err
	}

	slog.Info("snapshot restored", "generation", gen, "vectors", idx.Size(), "reembedded", len(stale))
	return true, nil
}
