// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoClaims is the protected handler under test: it records the
// claims the middleware attached.
func echoClaims(captured **Claims) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*captured = GetClaims(r)
		w.WriteHeader(http.StatusOK)
	})
}

func TestHTTPMiddleware_AttachesClaims(t *testing.T) {
	fx := newSigningFixture(t)
	v := fx.validator(t)

	var seen *Claims
	handler := v.HTTPMiddleware(echoClaims(&seen))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+fx.token(t, "user-1", map[string]any{"role": "Engineering"}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "user-1", seen.Subject)
	assert.Equal(t, "Engineering", seen.Role)
}

func TestHTTPMiddleware_RejectsBadCredentials(t *testing.T) {
	fx := newSigningFixture(t)
	v := fx.validator(t)

	var seen *Claims
	handler := v.HTTPMiddleware(echoClaims(&seen))

	tests := []struct {
		name   string
		header string
	}{
		{name: "missing_header", header: ""},
		{name: "not_bearer", header: "Basic dXNlcjpwYXNz"},
		{name: "invalid_token", header: "Bearer not.a.jwt"},
		{name: "expired_token", header: "Bearer " + fx.expiredToken(t, "user-1")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Nil(t, seen, "handler must not run without valid claims")
		})
	}
}

func TestRequireRole(t *testing.T) {
	fx := newSigningFixture(t)
	v := fx.validator(t)

	var seen *Claims
	handler := RequireRole(v, "admin", "operator")(echoClaims(&seen))

	send := func(role string) int {
		seen = nil
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		claims := map[string]any{}
		if role != "" {
			claims["role"] = role
		}
		req.Header.Set("Authorization", "Bearer "+fx.token(t, "user-1", claims))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send("admin"))
	assert.Equal(t, http.StatusOK, send("operator"))
	assert.Equal(t, http.StatusForbidden, send("viewer"))
	assert.Equal(t, http.StatusForbidden, send(""))
}

func TestGetClaims_NilWithoutMiddleware(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Nil(t, GetClaims(req))
}
