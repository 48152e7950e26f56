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

package kpathcore

import (
	"errors"
	"fmt"
)

// Kind is the closed taxonomy every KPATH error is classified into.
// The HTTP edge maps a Kind to a status code; nothing upstream of that
// edge should reach for raw status codes.
type Kind string

const (
	// InvalidRequest means the caller sent something malformed: an
	// empty query, k out of range, an unparseable body.
	InvalidRequest Kind = "invalid_request"

	// Unauthenticated means no usable credential was presented.
	Unauthenticated Kind = "unauthenticated"

	// Forbidden means the credential was valid but the principal may
	// not perform the requested action.
	Forbidden Kind = "forbidden"

	// IndexNotReady means the VectorIndex has not completed its cold
	// build yet; retry later.
	IndexNotReady Kind = "index_not_ready"

	// Timeout means the request's deadline elapsed before completion.
	Timeout Kind = "timeout"

	// TransientDependency means a collaborator (embedder, registry,
	// remote vector backend) failed in a way expected to clear on
	// retry.
	TransientDependency Kind = "transient_dependency"

	// InternalInvariantViolation means an invariant this package
	// itself is supposed to guarantee did not hold; it indicates a
	// bug, not caller or environment error.
	InternalInvariantViolation Kind = "internal_invariant_violation"
)

// Error is the typed error every KPATH component returns across its
// public boundary. Wrap lower-level errors into one of these with
// fmt.Errorf("...: %w", err) so callers can still errors.As through
// to the cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is(err, &Error{Kind: X}) match on Kind alone,
// regardless of Message or Cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error around a lower-level cause, preserving it for
// errors.As/errors.Unwrap.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind of err if it is (or wraps) a *Error,
// defaulting to InternalInvariantViolation for anything else — an
// untyped error reaching the API edge is itself a bug worth flagging
// as internal rather than silently mapping to 400.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return InternalInvariantViolation
}
