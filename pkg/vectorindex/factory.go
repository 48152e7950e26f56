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

package vectorindex

import "fmt"

// Tagged is satisfied by engines that can report the version_tag an
// entry was indexed at without a search. All native engines implement
// it; remote backends may not.
type Tagged interface {
	VersionTag(serviceID int64) (int64, bool)
}

// Config selects and parameterizes one of the native engines.
// Kind accepts "exact", "ivf" or "hnsw" here; "remote:qdrant" and
// "remote:chromem" are handled by pkg/vectorindex/remote instead.
type Config struct {
	Kind      string
	Model     string
	Dimension int

	NCentroids int // ivf only
	NProbe     int // ivf only

	M              int // hnsw only
	EfConstruction int // hnsw only
	EfSearch       int // hnsw only
}

// New builds the native engine Config.Kind names, defaulting
// engine parameters to sensible values when unset.
func New(cfg Config) (Index, error) {
	switch cfg.Kind {
	case "", "exact":
		return NewExactIndex(cfg.Model, cfg.Dimension), nil
	case "ivf":
		nc := cfg.NCentroids
		if nc <= 0 {
			nc = 100
		}
		idx := NewIVFIndex(cfg.Model, cfg.Dimension, nc)
		if cfg.NProbe > 0 {
			idx.SetNProbe(cfg.NProbe)
		}
		return idx, nil
	case "hnsw":
		return NewHNSWIndex(cfg.Model, cfg.Dimension, HNSWParams{
			M:              cfg.M,
			EfConstruction: cfg.EfConstruction,
			EfSearch:       cfg.EfSearch,
		}), nil
	default:
		return nil, fmt.Errorf("vectorindex: unknown native index kind %q", cfg.Kind)
	}
}
