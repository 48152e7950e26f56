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
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJWTValidator_RequiresReachableJWKS(t *testing.T) {
	fx := newSigningFixture(t)

	v, err := NewJWTValidator(fx.JWKSURL, fx.Issuer, fx.Audience)
	require.NoError(t, err)
	assert.NotNil(t, v)

	_, err = NewJWTValidator("http://127.0.0.1:1/jwks.json", fx.Issuer, fx.Audience)
	assert.Error(t, err, "an unreachable JWKS endpoint must fail construction")
}

func TestValidateToken_AcceptsSignedToken(t *testing.T) {
	fx := newSigningFixture(t)
	v := fx.validator(t)

	tok := fx.token(t, "user-1", map[string]any{
		"email":     "user@example.com",
		"role":      "Engineering",
		"tenant_id": "tenant-9",
		"level":     4,
	})

	claims, err := v.ValidateToken(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "user@example.com", claims.Email)
	assert.Equal(t, "Engineering", claims.Role)
	assert.Equal(t, "tenant-9", claims.TenantID)
	assert.EqualValues(t, 4, claims.Custom["level"])
	assert.NotContains(t, claims.Custom, "role", "mapped claims stay out of Custom")
}

func TestValidateToken_RejectsBadTokens(t *testing.T) {
	fx := newSigningFixture(t)
	v := fx.validator(t)
	ctx := context.Background()

	t.Run("wrong_issuer", func(t *testing.T) {
		tok := fx.token(t, "user-1", map[string]any{"iss": "https://someone-else.test"})
		claims, err := v.ValidateToken(ctx, tok)
		assert.Error(t, err)
		assert.Nil(t, claims)
	})

	t.Run("wrong_audience", func(t *testing.T) {
		tok := fx.token(t, "user-1", map[string]any{"aud": "other-api"})
		_, err := v.ValidateToken(ctx, tok)
		assert.Error(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		_, err := v.ValidateToken(ctx, fx.expiredToken(t, "user-1"))
		assert.Error(t, err)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := v.ValidateToken(ctx, "not.a.jwt")
		assert.Error(t, err)
	})

	t.Run("foreign_signature", func(t *testing.T) {
		other := newSigningFixture(t)
		// Signed by a key the validator's JWKS has never seen.
		tok := other.token(t, "user-1", map[string]any{
			"iss": fx.Issuer,
			"aud": fx.Audience,
		})
		_, err := v.ValidateToken(ctx, tok)
		assert.Error(t, err)
	})
}

func TestValidateToken_WorksAfterClose(t *testing.T) {
	fx := newSigningFixture(t)
	v := fx.validator(t)

	v.Close()

	claims, err := v.ValidateToken(context.Background(), fx.token(t, "user-1", nil))
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
}

func TestClaims_Helpers(t *testing.T) {
	claims := &Claims{
		Subject: "user-1",
		Role:    "admin",
		Custom:  map[string]any{"department": "platform"},
	}

	assert.True(t, claims.HasRole("admin"))
	assert.False(t, claims.HasRole("auditor"))
	assert.True(t, claims.HasAnyRole("auditor", "admin"))
	assert.False(t, claims.HasAnyRole("auditor", "viewer"))

	assert.Equal(t, "platform", claims.GetStringClaim("department"))
	assert.Empty(t, claims.GetStringClaim("missing"))

	value, ok := claims.GetClaim("department")
	assert.True(t, ok)
	assert.Equal(t, "platform", value)

	empty := &Claims{}
	_, ok = empty.GetClaim("anything")
	assert.False(t, ok)
}
