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
	"fmt"
	"sync"
	"time"
)

// PrincipalLimiter enforces a fixed rule set against a Store. All
// rules are evaluated before anything is recorded, so a denied search
// consumes no quota under any rule.
type PrincipalLimiter struct {
	rules []Rule
	store Store

	// mu makes check-then-record atomic across rules. The query
	// surface is the only writer and searches are short, so one lock
	// is enough; a sharded store would move this down a level.
	mu sync.Mutex

	// now is replaceable so tests can step through window rollovers.
	now func() time.Time
}

// NewPrincipalLimiter validates the rule set and builds a limiter
// over the given store.
func NewPrincipalLimiter(rules []Rule, store Store) (*PrincipalLimiter, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("ratelimit: at least one rule is required")
	}
	if store == nil {
		return nil, fmt.Errorf("ratelimit: store is required")
	}
	for _, r := range rules {
		if r.Max <= 0 {
			return nil, fmt.Errorf("ratelimit: rule %s must have a positive max", r)
		}
		if _, err := ParseWindow(string(r.Window)); err != nil {
			return nil, err
		}
	}
	return &PrincipalLimiter{rules: rules, store: store, now: time.Now}, nil
}

// Allow implements Limiter.
func (l *PrincipalLimiter) Allow(ctx context.Context, principalID string, queryTokens int64) (*Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	decision := &Decision{Allowed: true, Usage: make([]Usage, 0, len(l.rules))}

	// First pass: would this search fit under every rule?
	for i, rule := range l.rules {
		used, windowEnd, err := l.store.Peek(ctx, principalID, rule, now)
		if err != nil {
			return nil, fmt.Errorf("ratelimit: peek %s for %s: %w", rule, principalID, err)
		}
		amount := amountFor(rule, queryTokens)
		if used+amount > rule.Max {
			breached := l.rules[i]
			return &Decision{
				Allowed:    false,
				Breached:   &breached,
				RetryAfter: windowEnd.Sub(now),
				Usage:      l.usageLocked(ctx, principalID, now),
			}, nil
		}
	}

	// Second pass: record the search under every rule.
	for _, rule := range l.rules {
		if err := l.store.Add(ctx, principalID, rule, amountFor(rule, queryTokens), now); err != nil {
			return nil, fmt.Errorf("ratelimit: record %s for %s: %w", rule, principalID, err)
		}
	}
	decision.Usage = l.usageLocked(ctx, principalID, now)
	return decision, nil
}

// Usage implements Limiter.
func (l *PrincipalLimiter) Usage(ctx context.Context, principalID string) ([]Usage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.usageLocked(ctx, principalID, l.now()), nil
}

func (l *PrincipalLimiter) usageLocked(ctx context.Context, principalID string, now time.Time) []Usage {
	usage := make([]Usage, 0, len(l.rules))
	for _, rule := range l.rules {
		used, windowEnd, err := l.store.Peek(ctx, principalID, rule, now)
		if err != nil {
			continue
		}
		remaining := rule.Max - used
		if remaining < 0 {
			remaining = 0
		}
		usage = append(usage, Usage{Rule: rule, Used: used, Remaining: remaining, ResetAt: windowEnd})
	}
	return usage
}

// Reset implements Limiter.
func (l *PrincipalLimiter) Reset(ctx context.Context, principalID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.Clear(ctx, principalID)
}

var _ Limiter = (*PrincipalLimiter)(nil)
