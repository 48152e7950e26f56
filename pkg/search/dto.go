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

package search

import (
	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/kpathcore"
)

// Request is one search invocation. Zero K and MinScore take the
// configured defaults.
type Request struct {
	Query        string
	Principal    kpathcore.Principal
	K            int
	MinScore     float64
	Domains      []string
	Capabilities []string
}

// CapabilityProjection is the public view of one capability.
type CapabilityProjection struct {
	Name         string `json:"name,omitempty"`
	Description  string `json:"description"`
	InputSchema  string `json:"input_schema,omitempty"`
	OutputSchema string `json:"output_schema,omitempty"`
}

// ServiceProjection is the public view of a service carried on each
// result. Visibility policy internals are deliberately absent.
type ServiceProjection struct {
	ID           int64                  `json:"id"`
	Name         string                 `json:"name"`
	Description  string                 `json:"description"`
	Version      string                 `json:"version,omitempty"`
	Status       string                 `json:"status"`
	Capabilities []CapabilityProjection `json:"capabilities"`
	Domains      []string               `json:"domains"`
}

// ResultEntry is one ranked hit.
type ResultEntry struct {
	ServiceID int64             `json:"service_id"`
	Rank      int               `json:"rank"`
	Score     float64           `json:"score"`
	Service   ServiceProjection `json:"service"`
	Distance  float64           `json:"distance"`
}

// Response is the search outcome.
type Response struct {
	Query        string        `json:"query"`
	SearchID     string        `json:"search_id"`
	Results      []ResultEntry `json:"results"`
	TotalResults int           `json:"total_results"`
	SearchTimeMS int64         `json:"search_time_ms"`
}

func projectService(rec kpathcore.ServiceRecord) ServiceProjection {
	caps := make([]CapabilityProjection, 0, len(rec.Capabilities))
	for _, c := range rec.Capabilities {
		caps = append(caps, CapabilityProjection{
			Name:         c.Name,
			Description:  c.Description,
			InputSchema:  c.InputSchema,
			OutputSchema: c.OutputSchema,
		})
	}
	domains := make([]string, 0, len(rec.Domains))
	domains = append(domains, rec.Domains...)
	return ServiceProjection{
		ID:           rec.ServiceID,
		Name:         rec.Name,
		Description:  rec.Description,
		Version:      rec.Version,
		Status:       string(rec.Status),
		Capabilities: caps,
		Domains:      domains,
	}
}
