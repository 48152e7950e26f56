// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import "fmt"

// RateLimitConfig defines rate limiting for the query endpoint,
// scoped per principal.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active.
	Enabled *bool `yaml:"enabled,omitempty"`

	// Limits defines the rate limit rules.
	Limits []RateLimitRule `yaml:"limits,omitempty"`
}

// RateLimitRule defines a single rate limit rule.
type RateLimitRule struct {
	// Type is the limit type ("count" of requests or "token" volume).
	Type string `yaml:"type"`

	// Window is the time window ("minute", "hour", "day", "week", "month").
	Window string `yaml:"window"`

	// Limit is the maximum allowed in the window.
	Limit int64 `yaml:"limit"`
}

// IsEnabled returns true if rate limiting is enabled.
func (c *RateLimitConfig) IsEnabled() bool {
	return c != nil && c.Enabled != nil && *c.Enabled
}

// SetDefaults sets default values for RateLimitConfig.
func (c *RateLimitConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(false)
	}
	if c.IsEnabled() && len(c.Limits) == 0 {
		// Default: 60 searches per minute per principal.
		c.Limits = []RateLimitRule{
			{Type: "count", Window: "minute", Limit: 60},
		}
	}
}

// Validate validates the RateLimitConfig.
func (c *RateLimitConfig) Validate() error {
	if !c.IsEnabled() {
		return nil
	}
	for i, rule := range c.Limits {
		switch rule.Type {
		case "count", "token":
		default:
			return fmt.Errorf("limits[%d]: invalid type %q (valid: count, token)", i, rule.Type)
		}
		switch rule.Window {
		case "minute", "hour", "day", "week", "month":
		default:
			return fmt.Errorf("limits[%d]: invalid window %q", i, rule.Window)
		}
		if rule.Limit <= 0 {
			return fmt.Errorf("limits[%d]: limit must be positive", i)
		}
	}
	return nil
}
