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

package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/kpathcore"
)

// statusFor maps the error taxonomy onto HTTP status codes. This is
// the only place in the repository that turns a Kind into a status.
func statusFor(kind kpathcore.Kind) int {
	switch kind {
	case kpathcore.InvalidRequest:
		return http.StatusBadRequest
	case kpathcore.Unauthenticated:
		return http.StatusUnauthorized
	case kpathcore.Forbidden:
		return http.StatusForbidden
	case kpathcore.IndexNotReady:
		return http.StatusServiceUnavailable
	case kpathcore.Timeout:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err's kind to a status and writes a terse JSON
// body. Internal details never reach the caller; they go to the log.
func writeError(w http.ResponseWriter, err error) {
	kind := kpathcore.KindOf(err)
	status := statusFor(kind)

	if status == http.StatusInternalServerError {
		slog.Error("internal error at http edge", "error", err)
	}
	if kind == kpathcore.IndexNotReady {
		w.Header().Set("Retry-After", "5")
	}

	message := publicMessage(kind)
	// Caller-fault messages are safe and useful; everything else
	// stays generic.
	if kind == kpathcore.InvalidRequest {
		var typed *kpathcore.Error
		if errors.As(err, &typed) && typed.Message != "" {
			message = typed.Message
		}
	}
	writeJSON(w, status, map[string]string{"error": message, "kind": string(kind)})
}

// publicMessage keeps caller-facing text free of invariant and
// principal details.
func publicMessage(kind kpathcore.Kind) string {
	switch kind {
	case kpathcore.InvalidRequest:
		return "invalid request"
	case kpathcore.Unauthenticated:
		return "missing or invalid credential"
	case kpathcore.Forbidden:
		return "not permitted"
	case kpathcore.IndexNotReady:
		return "index not ready, retry later"
	case kpathcore.Timeout:
		return "request deadline exceeded"
	default:
		return "internal error"
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("response encode failed", "error", err)
	}
}
