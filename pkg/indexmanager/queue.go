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
	"sync"
	"time"

	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/kpathcore"
)

// queuedChange is a change event plus its arrival time, so the worker
// can honor the coalescing window.
type queuedChange struct {
	event     kpathcore.ChangeEvent
	arrivedAt time.Time
}

// changeQueue is the bounded, coalescing buffer between the registry
// change stream and the single indexing worker. Repeated events for
// the same service collapse into the latest one, which both
// implements the coalescing window and makes duplicate-dropping under
// pressure free. When distinct services alone overflow the bound, the
// queue reports overflow so the manager can degrade to a full rebuild
// and drain.
type changeQueue struct {
	mu     sync.Mutex
	order  []int64
	latest map[int64]queuedChange
	max    int
	notify chan struct{}
}

func newChangeQueue(max int) *changeQueue {
	if max <= 0 {
		max = 10000
	}
	return &changeQueue{
		latest: make(map[int64]queuedChange),
		max:    max,
		notify: make(chan struct{}, 1),
	}
}

// push enqueues or coalesces an event. overflowed reports that the
// bound was hit with all-distinct services; the caller schedules a
// rebuild and the queue is drained.
func (q *changeQueue) push(ev kpathcore.ChangeEvent) (overflowed bool) {
	q.mu.Lock()

	if _, exists := q.latest[ev.ServiceID]; exists {
		q.latest[ev.ServiceID] = queuedChange{event: ev, arrivedAt: time.Now()}
		q.mu.Unlock()
		q.wake()
		return false
	}

	if len(q.order) >= q.max {
		q.order = q.order[:0]
		q.latest = make(map[int64]queuedChange)
		q.mu.Unlock()
		return true
	}

	q.order = append(q.order, ev.ServiceID)
	q.latest[ev.ServiceID] = queuedChange{event: ev, arrivedAt: time.Now()}
	q.mu.Unlock()
	q.wake()
	return false
}

func (q *changeQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop removes and returns the oldest queued change, or ok=false when
// the queue is empty.
func (q *changeQueue) pop() (queuedChange, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.order) > 0 {
		id := q.order[0]
		q.order = q.order[1:]
		qc, exists := q.latest[id]
		if !exists {
			continue
		}
		delete(q.latest, id)
		return qc, true
	}
	return queuedChange{}, false
}

func (q *changeQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.latest)
}
