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

package registry

import (
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/kpathcore"
)

// EmbeddableText builds the canonical string a service record is
// embedded from: name, description, each capability as
// "{name}: {description}" in insertion order, then the joined domain
// tags, separated by newlines, NFC-normalized, trailing whitespace
// stripped. Identical record content always produces identical text,
// which is what makes vector reuse across restarts sound.
func EmbeddableText(rec kpathcore.ServiceRecord) string {
	parts := make([]string, 0, 3+len(rec.Capabilities))
	parts = append(parts, rec.Name, rec.Description)
	for _, c := range rec.Capabilities {
		if c.Name != "" {
			parts = append(parts, c.Name+": "+c.Description)
		} else {
			parts = append(parts, c.Description)
		}
	}
	if len(rec.Domains) > 0 {
		parts = append(parts, strings.Join(rec.Domains, ", "))
	}

	text := strings.Join(parts, "\n")
	text = norm.NFC.String(text)
	return strings.TrimRight(text, " \t\r\n")
}
