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

// Package config holds the KPATH configuration model and its loading
// pipeline: a YAML document (from a file or a remote KV store) with
// environment-variable interpolation, unmarshalled into typed
// sections that each know their own defaults and validation rules.
package config

import (
	"fmt"
)

// ConfigInterface is implemented by every configuration section.
type ConfigInterface interface {
	Validate() error
	SetDefaults()
}

// Config is the root configuration document for the kpath binary.
type Config struct {
	Server    ServerConfig    `yaml:"server,omitempty"`
	Logger    LoggerConfig    `yaml:"logger,omitempty"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth,omitempty"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Index     IndexConfig     `yaml:"index"`
	Search    SearchConfig    `yaml:"search,omitempty"`
	Feedback  FeedbackConfig  `yaml:"feedback,omitempty"`
	Policy    PolicyConfig    `yaml:"policy,omitempty"`
	RateLimit RateLimitConfig `yaml:"rate_limiting,omitempty"`
	Metrics   MetricsConfig   `yaml:"metrics,omitempty"`
}

// SetDefaults applies defaults to every section.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Logger.SetDefaults()
	c.Database.SetDefaults()
	c.Auth.SetDefaults()
	c.Embedding.SetDefaults()
	c.Index.SetDefaults()
	c.Search.SetDefaults()
	c.Feedback.SetDefaults()
	c.Policy.SetDefaults()
	c.RateLimit.SetDefaults()
	c.Metrics.SetDefaults()
}

// Validate checks every section, naming the failing one.
func (c *Config) Validate() error {
	sections := []struct {
		name string
		cfg  interface{ Validate() error }
	}{
		{"server", &c.Server},
		{"logger", &c.Logger},
		{"database", &c.Database},
		{"auth", &c.Auth},
		{"embedding", &c.Embedding},
		{"index", &c.Index},
		{"search", &c.Search},
		{"feedback", &c.Feedback},
		{"policy", &c.Policy},
		{"rate_limiting", &c.RateLimit},
		{"metrics", &c.Metrics},
	}
	for _, s := range sections {
		if err := s.cfg.Validate(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

// ProcessConfigPipeline applies defaults then validates, the order
// every load path (file, consul, etcd, zookeeper, tests) goes through.
func ProcessConfigPipeline(cfg *Config) (*Config, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// BoolPtr returns a pointer to b, for optional boolean fields.
func BoolPtr(b bool) *bool { return &b }
