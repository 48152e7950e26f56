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

package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"
)

// counter is one principal's tally for one rule within the current
// window. Windows are fixed, not sliding: the counter resets to zero
// when windowEnd passes, which matches how quotas are communicated to
// callers ("60 searches per minute").
type counter struct {
	used      int64
	windowEnd time.Time
}

// MemoryStore keeps counters in process memory. Counters for expired
// windows are rolled forward lazily on access and swept wholesale
// when the map grows past sweepThreshold, so an idle principal costs
// at most one stale entry.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*counter
}

// sweepThreshold is the counter count above which Add prunes expired
// windows.
const sweepThreshold = 10000

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[string]*counter)}
}

func counterKey(principalID string, rule Rule) string {
	var b strings.Builder
	b.WriteString(principalID)
	b.WriteByte('|')
	b.WriteString(string(rule.Kind))
	b.WriteByte('|')
	b.WriteString(string(rule.Window))
	return b.String()
}

// fetch returns the live counter for the key, rolling an expired
// window forward. Callers hold s.mu.
func (s *MemoryStore) fetch(key string, rule Rule, now time.Time) *counter {
	c, ok := s.counters[key]
	if !ok || !now.Before(c.windowEnd) {
		c = &counter{windowEnd: now.Add(rule.Window.Duration())}
		s.counters[key] = c
	}
	return c
}

// Peek implements Store.
func (s *MemoryStore) Peek(_ context.Context, principalID string, rule Rule, now time.Time) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.fetch(counterKey(principalID, rule), rule, now)
	return c.used, c.windowEnd, nil
}

// Add implements Store.
func (s *MemoryStore) Add(_ context.Context, principalID string, rule Rule, amount int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.fetch(counterKey(principalID, rule), rule, now)
	c.used += amount

	if len(s.counters) > sweepThreshold {
		for key, stale := range s.counters {
			if !now.Before(stale.windowEnd) {
				delete(s.counters, key)
			}
		}
	}
	return nil
}

// Clear implements Store.
func (s *MemoryStore) Clear(_ context.Context, principalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := principalID + "|"
	for key := range s.counters {
		if strings.HasPrefix(key, prefix) {
			delete(s.counters, key)
		}
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
