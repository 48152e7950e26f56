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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/config"
)

// testLimiter builds a limiter whose clock the test controls.
func testLimiter(t *testing.T, rules []Rule) (*PrincipalLimiter, *time.Time) {
	t.Helper()
	l, err := NewPrincipalLimiter(rules, NewMemoryStore())
	require.NoError(t, err)
	clock := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }
	return l, &clock
}

func TestPrincipalLimiter_QueryCountLimit(t *testing.T) {
	l, _ := testLimiter(t, []Rule{{Kind: KindQueries, Window: WindowMinute, Max: 2}})
	ctx := context.Background()

	first, err := l.Allow(ctx, "alice", 10)
	require.NoError(t, err)
	assert.True(t, first.Allowed)

	second, err := l.Allow(ctx, "alice", 10)
	require.NoError(t, err)
	assert.True(t, second.Allowed)

	third, err := l.Allow(ctx, "alice", 10)
	require.NoError(t, err)
	require.False(t, third.Allowed)
	require.NotNil(t, third.Breached)
	assert.Equal(t, KindQueries, third.Breached.Kind)
	assert.Greater(t, third.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, third.RetryAfter, time.Minute)
}

func TestPrincipalLimiter_PrincipalsAreIndependent(t *testing.T) {
	l, _ := testLimiter(t, []Rule{{Kind: KindQueries, Window: WindowMinute, Max: 1}})
	ctx := context.Background()

	d, err := l.Allow(ctx, "alice", 0)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = l.Allow(ctx, "alice", 0)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = l.Allow(ctx, "bob", 0)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "bob's quota is separate from alice's")
}

func TestPrincipalLimiter_QueryTokenLimit(t *testing.T) {
	l, _ := testLimiter(t, []Rule{{Kind: KindQueryTokens, Window: WindowDay, Max: 100}})
	ctx := context.Background()

	d, err := l.Allow(ctx, "alice", 60)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	// 60 + 50 would exceed 100: denied, and the denied search must
	// not consume quota.
	d, err = l.Allow(ctx, "alice", 50)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	assert.Equal(t, KindQueryTokens, d.Breached.Kind)

	d, err = l.Allow(ctx, "alice", 40)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "a smaller search still fits")
}

func TestPrincipalLimiter_DeniedSearchConsumesNoRule(t *testing.T) {
	l, _ := testLimiter(t, []Rule{
		{Kind: KindQueries, Window: WindowMinute, Max: 10},
		{Kind: KindQueryTokens, Window: WindowMinute, Max: 5},
	})
	ctx := context.Background()

	// Token rule denies; the count rule must stay untouched.
	d, err := l.Allow(ctx, "alice", 50)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	usage, err := l.Usage(ctx, "alice")
	require.NoError(t, err)
	for _, u := range usage {
		assert.Zero(t, u.Used, u.Rule.String())
	}
}

func TestPrincipalLimiter_WindowRollover(t *testing.T) {
	l, clock := testLimiter(t, []Rule{{Kind: KindQueries, Window: WindowMinute, Max: 1}})
	ctx := context.Background()

	d, err := l.Allow(ctx, "alice", 0)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = l.Allow(ctx, "alice", 0)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	*clock = clock.Add(61 * time.Second)
	d, err = l.Allow(ctx, "alice", 0)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "new window grants fresh quota")
}

func TestPrincipalLimiter_UsageReporting(t *testing.T) {
	l, _ := testLimiter(t, []Rule{{Kind: KindQueries, Window: WindowHour, Max: 5}})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, "alice", 0)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	usage, err := l.Usage(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.EqualValues(t, 3, usage[0].Used)
	assert.EqualValues(t, 2, usage[0].Remaining)
	assert.False(t, usage[0].ResetAt.IsZero())
}

func TestPrincipalLimiter_Reset(t *testing.T) {
	l, _ := testLimiter(t, []Rule{{Kind: KindQueries, Window: WindowDay, Max: 1}})
	ctx := context.Background()

	d, err := l.Allow(ctx, "alice", 0)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	require.NoError(t, l.Reset(ctx, "alice"))

	d, err = l.Allow(ctx, "alice", 0)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestNewPrincipalLimiter_RejectsBadRules(t *testing.T) {
	_, err := NewPrincipalLimiter(nil, NewMemoryStore())
	assert.Error(t, err)

	_, err = NewPrincipalLimiter([]Rule{{Kind: KindQueries, Window: WindowMinute, Max: 0}}, NewMemoryStore())
	assert.Error(t, err)

	_, err = NewPrincipalLimiter([]Rule{{Kind: KindQueries, Window: "fortnight", Max: 1}}, NewMemoryStore())
	assert.Error(t, err)

	_, err = NewPrincipalLimiter([]Rule{{Kind: KindQueries, Window: WindowMinute, Max: 1}}, nil)
	assert.Error(t, err)
}

func TestNewLimiterFromConfig(t *testing.T) {
	disabled, err := NewLimiterFromConfig(&config.RateLimitConfig{})
	require.NoError(t, err)
	assert.Nil(t, disabled)

	cfg := &config.RateLimitConfig{
		Enabled: config.BoolPtr(true),
		Limits: []config.RateLimitRule{
			{Type: "count", Window: "minute", Limit: 60},
			{Type: "token", Window: "day", Limit: 100000},
		},
	}
	limiter, err := NewLimiterFromConfig(cfg)
	require.NoError(t, err)
	require.NotNil(t, limiter)

	d, err := limiter.Allow(context.Background(), "alice", 25)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Len(t, d.Usage, 2)

	_, err = NewLimiterFromConfig(&config.RateLimitConfig{
		Enabled: config.BoolPtr(true),
		Limits:  []config.RateLimitRule{{Type: "bandwidth", Window: "minute", Limit: 1}},
	})
	assert.Error(t, err)
}
