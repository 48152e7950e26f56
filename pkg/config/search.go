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

package config

import (
	"fmt"
	"strings"
)

// EmbeddingConfig selects and parameterizes the embedding provider.
type EmbeddingConfig struct {
	// Provider is "openai" or "ollama".
	Provider string `yaml:"provider"`

	// Model is the embedding model identifier; it is recorded in
	// vector snapshots, and a snapshot from a different model is
	// rejected on load.
	Model string `yaml:"model"`

	// Dimension is the vector dimension the model produces. Immutable
	// for the lifetime of a deployment's index.
	Dimension int `yaml:"dimension"`

	// Host overrides the provider's default endpoint.
	Host string `yaml:"host,omitempty"`

	// APIKey authenticates against hosted providers. Supports
	// ${VAR} interpolation from the environment.
	APIKey string `yaml:"api_key,omitempty"`

	// Timeout is the per-request timeout in seconds.
	Timeout int `yaml:"timeout,omitempty"`

	// MaxRetries bounds provider-level retries per call.
	MaxRetries int `yaml:"max_retries,omitempty"`

	// BatchSize caps how many texts one batch request carries.
	BatchSize int `yaml:"batch_size,omitempty"`
}

func (c *EmbeddingConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = "ollama"
	}
	if c.Model == "" {
		switch c.Provider {
		case "openai":
			c.Model = "text-embedding-3-small"
		default:
			c.Model = "nomic-embed-text"
		}
	}
	if c.Dimension == 0 {
		switch c.Model {
		case "text-embedding-3-small", "text-embedding-ada-002":
			c.Dimension = 1536
		case "text-embedding-3-large":
			c.Dimension = 3072
		default:
			c.Dimension = 768
		}
	}
	if c.Timeout == 0 {
		c.Timeout = 30
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
}

func (c *EmbeddingConfig) Validate() error {
	switch c.Provider {
	case "openai", "ollama":
	default:
		return fmt.Errorf("invalid provider %q (valid: openai, ollama)", c.Provider)
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("dimension must be positive")
	}
	if c.Provider == "openai" && c.APIKey == "" {
		return fmt.Errorf("api_key is required for the openai provider")
	}
	return nil
}

// IndexParams carries engine-specific tuning knobs; only the fields
// matching index.kind are consulted.
type IndexParams struct {
	// ivf
	NCentroids int `yaml:"ncentroids,omitempty"`
	NProbe     int `yaml:"nprobe,omitempty"`

	// hnsw
	M              int `yaml:"m,omitempty"`
	EfConstruction int `yaml:"ef_construction,omitempty"`
	EfSearch       int `yaml:"ef_search,omitempty"`

	// remote:qdrant
	Host       string `yaml:"host,omitempty"`
	Port       int    `yaml:"port,omitempty"`
	APIKey     string `yaml:"api_key,omitempty"`
	UseTLS     bool   `yaml:"use_tls,omitempty"`
	Collection string `yaml:"collection,omitempty"`

	// remote:chromem
	PersistPath string `yaml:"persist_path,omitempty"`
	Compress    bool   `yaml:"compress,omitempty"`
}

// IndexConfig selects the vector index engine and its persistence
// behavior.
type IndexConfig struct {
	// Kind is one of exact, ivf, hnsw, remote:qdrant, remote:chromem.
	Kind string `yaml:"kind,omitempty"`

	Params IndexParams `yaml:"params,omitempty"`

	// SnapshotDir holds snapshot-{generation} files plus the
	// `current` pointer file.
	SnapshotDir string `yaml:"snapshot_dir,omitempty"`

	// SnapshotEveryChanges triggers a snapshot after that many
	// applied changes.
	SnapshotEveryChanges int `yaml:"snapshot_every_changes,omitempty"`

	// SnapshotQuiescenceSeconds triggers a snapshot after the change
	// stream has been quiet for that long.
	SnapshotQuiescenceSeconds int `yaml:"snapshot_quiescence_seconds,omitempty"`
}

func (c *IndexConfig) SetDefaults() {
	if c.Kind == "" {
		c.Kind = "exact"
	}
	if c.SnapshotDir == "" {
		c.SnapshotDir = ".kpath/snapshots"
	}
	if c.SnapshotEveryChanges == 0 {
		c.SnapshotEveryChanges = 500
	}
	if c.SnapshotQuiescenceSeconds == 0 {
		c.SnapshotQuiescenceSeconds = 60
	}
}

func (c *IndexConfig) Validate() error {
	switch c.Kind {
	case "exact", "ivf", "hnsw", "remote:qdrant", "remote:chromem":
	default:
		return fmt.Errorf("invalid kind %q (valid: exact, ivf, hnsw, remote:qdrant, remote:chromem)", c.Kind)
	}
	if c.SnapshotEveryChanges < 0 || c.SnapshotQuiescenceSeconds < 0 {
		return fmt.Errorf("snapshot triggers must be non-negative")
	}
	return nil
}

// IsRemote reports whether Kind names an external backend.
func (c *IndexConfig) IsRemote() bool {
	return strings.HasPrefix(c.Kind, "remote:")
}

// SearchConfig tunes the query pipeline.
type SearchConfig struct {
	DefaultK         int     `yaml:"default_k,omitempty"`
	MaxK             int     `yaml:"max_k,omitempty"`
	OversampleFactor int     `yaml:"oversample_factor,omitempty"`
	Alpha            float64 `yaml:"alpha,omitempty"`
	Beta             float64 `yaml:"beta,omitempty"`
	DefaultTimeoutMS int     `yaml:"default_timeout_ms,omitempty"`
}

func (c *SearchConfig) SetDefaults() {
	if c.DefaultK == 0 {
		c.DefaultK = 10
	}
	if c.MaxK == 0 {
		c.MaxK = 100
	}
	if c.OversampleFactor == 0 {
		c.OversampleFactor = 3
	}
	if c.Alpha == 0 {
		c.Alpha = 0.85
	}
	if c.Beta == 0 {
		c.Beta = 0.15
	}
	if c.DefaultTimeoutMS == 0 {
		c.DefaultTimeoutMS = 2000
	}
}

func (c *SearchConfig) Validate() error {
	if c.DefaultK < 1 || c.DefaultK > c.MaxK {
		return fmt.Errorf("default_k must be in 1..max_k")
	}
	if c.MaxK < 1 {
		return fmt.Errorf("max_k must be positive")
	}
	if c.Alpha < 0 || c.Beta < 0 || c.Alpha+c.Beta > 1 {
		return fmt.Errorf("alpha and beta must be non-negative with alpha+beta <= 1")
	}
	if c.OversampleFactor < 1 {
		return fmt.Errorf("oversample_factor must be at least 1")
	}
	if c.DefaultTimeoutMS < 1 {
		return fmt.Errorf("default_timeout_ms must be positive")
	}
	return nil
}

// FeedbackConfig tunes the click-through prior and event retention.
type FeedbackConfig struct {
	// WindowDays is how far back the prior's CTR aggregate looks.
	WindowDays int `yaml:"window_days,omitempty"`

	// RetentionDays is how long raw feedback events are kept before
	// the garbage collector deletes them.
	RetentionDays int `yaml:"retention_days,omitempty"`
}

func (c *FeedbackConfig) SetDefaults() {
	if c.WindowDays == 0 {
		c.WindowDays = 30
	}
	if c.RetentionDays == 0 {
		c.RetentionDays = 180
	}
}

func (c *FeedbackConfig) Validate() error {
	if c.WindowDays < 1 {
		return fmt.Errorf("window_days must be positive")
	}
	if c.RetentionDays < c.WindowDays {
		return fmt.Errorf("retention_days must be at least window_days")
	}
	return nil
}

// PolicyConfig tunes the visibility evaluator.
type PolicyConfig struct {
	// AdminRole bypasses Restricted visibility checks entirely.
	AdminRole string `yaml:"admin_role,omitempty"`
}

func (c *PolicyConfig) SetDefaults() {
	if c.AdminRole == "" {
		c.AdminRole = "admin"
	}
}

func (c *PolicyConfig) Validate() error { return nil }
