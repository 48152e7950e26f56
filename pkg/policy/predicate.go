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
	"fmt"

	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/kpathcore"
)

// Eval evaluates a predicate AST against a principal's attribute map.
// An attribute absent from the map, or one whose type does not
// support the requested comparison, evaluates the leaf to false —
// unknown attributes never grant access.
func Eval(p *kpathcore.Predicate, attrs map[string]any) bool {
	if p == nil {
		return true
	}
	if p.IsLeaf() {
		return evalLeaf(p, attrs)
	}
	return evalBool(p, attrs)
}

func evalBool(p *kpathcore.Predicate, attrs map[string]any) bool {
	switch p.Bool {
	case kpathcore.BoolAnd:
		for _, c := range p.Children {
			if !Eval(c, attrs) {
				return false
			}
		}
		return true
	case kpathcore.BoolOr:
		for _, c := range p.Children {
			if Eval(c, attrs) {
				return true
			}
		}
		return false
	case kpathcore.BoolNot:
		if len(p.Children) != 1 {
			return false
		}
		return !Eval(p.Children[0], attrs)
	default:
		return false
	}
}

func evalLeaf(p *kpathcore.Predicate, attrs map[string]any) bool {
	actual, ok := attrs[p.Attribute]
	if !ok {
		return false
	}
	switch p.Op {
	case kpathcore.OpEquals:
		return fmt.Sprint(actual) == fmt.Sprint(p.Value)
	case kpathcore.OpIn:
		values, ok := p.Value.([]any)
		if !ok {
			return false
		}
		for _, v := range values {
			if fmt.Sprint(v) == fmt.Sprint(actual) {
				return true
			}
		}
		return false
	case kpathcore.OpGreater, kpathcore.OpGreaterEq, kpathcore.OpLess, kpathcore.OpLessEq:
		a, okA := toFloat(actual)
		b, okB := toFloat(p.Value)
		if !okA || !okB {
			return false
		}
		switch p.Op {
		case kpathcore.OpGreater:
			return a > b
		case kpathcore.OpGreaterEq:
			return a >= b
		case kpathcore.OpLess:
			return a < b
		default:
			return a <= b
		}
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
