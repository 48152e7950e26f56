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
	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/config"
)

// NewLimiterFromConfig creates the query-surface Limiter from
// configuration, backed by the in-memory store. If rate limiting is
// disabled, returns nil.
//
// Example config:
//
//	rate_limiting:
//	  enabled: true
//	  limits:
//	    - type: count
//	      window: minute
//	      limit: 60
//	    - type: token
//	      window: day
//	      limit: 100000
func NewLimiterFromConfig(cfg *config.RateLimitConfig) (Limiter, error) {
	return NewLimiterFromConfigWithStore(cfg, NewMemoryStore())
}

// NewLimiterFromConfigWithStore creates a Limiter with a
// caller-supplied store, useful for tests or for sharing one store
// across limiters.
func NewLimiterFromConfigWithStore(cfg *config.RateLimitConfig, store Store) (Limiter, error) {
	if cfg == nil || !cfg.IsEnabled() {
		return nil, nil
	}

	rules := make([]Rule, 0, len(cfg.Limits))
	for _, l := range cfg.Limits {
		kind, err := ParseRuleKind(l.Type)
		if err != nil {
			return nil, err
		}
		window, err := ParseWindow(l.Window)
		if err != nil {
			return nil, err
		}
		rules = append(rules, Rule{Kind: kind, Window: window, Max: l.Limit})
	}

	return NewPrincipalLimiter(rules, store)
}
