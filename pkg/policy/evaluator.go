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

// Package policy evaluates a service's VisibilityPolicy against a
// requesting principal. The evaluator is pure and does no I/O: the
// policy itself is read once from the Registry and carried on the
// ServiceRecord.
package policy

import (
	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/kpathcore"
)

// Evaluator checks service visibility for a principal. The zero value
// is ready to use; AdminRole defaults to "admin" when empty.
type Evaluator struct {
	// AdminRole is the role that bypasses restriction entirely.
	// Configurable via policy.admin_role; defaults to "admin".
	AdminRole string
}

// New builds an Evaluator with the given admin role, defaulting to
// "admin" when adminRole is empty.
func New(adminRole string) *Evaluator {
	if adminRole == "" {
		adminRole = "admin"
	}
	return &Evaluator{AdminRole: adminRole}
}

// Visible reports whether principal may see service in search results.
// An Open policy (or a nil one) is always visible. A Restricted policy
// requires the principal to hold one of AllowedRoles, and — if a
// predicate is present — for the predicate to also evaluate true,
// unless the principal holds the admin role, which bypasses both
// checks.
func (e *Evaluator) Visible(principal kpathcore.Principal, svc kpathcore.ServiceRecord) bool {
	pol := svc.Visibility
	if pol == nil || pol.Kind == kpathcore.VisibilityOpen {
		return true
	}

	if principal.HasRole(e.adminRole()) {
		return true
	}

	if !hasAnyRole(principal, pol.AllowedRoles) {
		return false
	}
	if pol.Predicate == nil {
		return true
	}
	return Eval(pol.Predicate, principal.Attributes)
}

func (e *Evaluator) adminRole() string {
	if e.AdminRole == "" {
		return "admin"
	}
	return e.AdminRole
}

func hasAnyRole(p kpathcore.Principal, roles []string) bool {
	for _, want := range roles {
		if p.HasRole(want) {
			return true
		}
	}
	return false
}
