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

package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/kpathcore"
)

func restrictedService(roles []string, pred *kpathcore.Predicate) kpathcore.ServiceRecord {
	return kpathcore.ServiceRecord{
		ServiceID: 1,
		Visibility: &kpathcore.VisibilityPolicy{
			Kind:         kpathcore.VisibilityRestricted,
			AllowedRoles: roles,
			Predicate:    pred,
		},
	}
}

func TestEvaluator_OpenAlwaysVisible(t *testing.T) {
	e := New("")
	svc := kpathcore.ServiceRecord{ServiceID: 1}
	assert.True(t, e.Visible(kpathcore.Principal{}, svc))
}

func TestEvaluator_RestrictedRequiresRole(t *testing.T) {
	e := New("")
	svc := restrictedService([]string{"ops"}, nil)

	assert.False(t, e.Visible(kpathcore.Principal{Roles: []string{"dev"}}, svc))
	assert.True(t, e.Visible(kpathcore.Principal{Roles: []string{"ops"}}, svc))
}

func TestEvaluator_AdminRoleBypasses(t *testing.T) {
	e := New("superuser")
	svc := restrictedService([]string{"ops"}, nil)

	assert.True(t, e.Visible(kpathcore.Principal{Roles: []string{"superuser"}}, svc))
}

func TestEvaluator_PredicateMustAlsoHold(t *testing.T) {
	e := New("")
	pred := &kpathcore.Predicate{Attribute: "region", Op: kpathcore.OpEquals, Value: "us"}
	svc := restrictedService([]string{"ops"}, pred)

	assert.False(t, e.Visible(kpathcore.Principal{
		Roles:      []string{"ops"},
		Attributes: map[string]any{"region": "eu"},
	}, svc))

	assert.True(t, e.Visible(kpathcore.Principal{
		Roles:      []string{"ops"},
		Attributes: map[string]any{"region": "us"},
	}, svc))
}

func TestEval_UnknownAttributeIsFalse(t *testing.T) {
	pred := &kpathcore.Predicate{Attribute: "missing", Op: kpathcore.OpEquals, Value: "x"}
	assert.False(t, Eval(pred, map[string]any{}))
}

func TestEval_BoolCombinators(t *testing.T) {
	region := &kpathcore.Predicate{Attribute: "region", Op: kpathcore.OpEquals, Value: "us"}
	tier := &kpathcore.Predicate{Attribute: "tier", Op: kpathcore.OpIn, Value: []any{"gold", "platinum"}}

	and := &kpathcore.Predicate{Bool: kpathcore.BoolAnd, Children: []*kpathcore.Predicate{region, tier}}
	attrs := map[string]any{"region": "us", "tier": "gold"}
	assert.True(t, Eval(and, attrs))

	attrs["tier"] = "bronze"
	assert.False(t, Eval(and, attrs))

	or := &kpathcore.Predicate{Bool: kpathcore.BoolOr, Children: []*kpathcore.Predicate{region, tier}}
	assert.True(t, Eval(or, attrs))

	not := &kpathcore.Predicate{Bool: kpathcore.BoolNot, Children: []*kpathcore.Predicate{region}}
	assert.False(t, Eval(not, attrs))
}

func TestEval_NumericComparison(t *testing.T) {
	pred := &kpathcore.Predicate{Attribute: "level", Op: kpathcore.OpGreaterEq, Value: 3}
	assert.True(t, Eval(pred, map[string]any{"level": 5}))
	assert.False(t, Eval(pred, map[string]any{"level": 2}))
}
