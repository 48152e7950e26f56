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
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// signingFixture is the test identity provider: it owns an RSA key,
// serves the matching JWKS over an httptest server, and mints signed
// tokens against a fixed issuer/audience pair. Tests build one
// fixture and derive validators and tokens from it instead of wiring
// keys, key sets, and servers by hand.
type signingFixture struct {
	Issuer   string
	Audience string
	JWKSURL  string

	key    *rsa.PrivateKey
	signer jwk.Key
}

const testKeyID = "fixture-key"

// newSigningFixture generates the key material and starts the JWKS
// endpoint; both are torn down with the test.
func newSigningFixture(t testing.TB) *signingFixture {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}

	public, err := jwk.FromRaw(&key.PublicKey)
	if err != nil {
		t.Fatalf("wrap public key: %v", err)
	}
	if err := public.Set(jwk.KeyIDKey, testKeyID); err != nil {
		t.Fatalf("set key id: %v", err)
	}
	if err := public.Set(jwk.AlgorithmKey, jwa.RS256); err != nil {
		t.Fatalf("set algorithm: %v", err)
	}
	keyset := jwk.NewSet()
	if err := keyset.AddKey(public); err != nil {
		t.Fatalf("add key to set: %v", err)
	}

	signer, err := jwk.FromRaw(key)
	if err != nil {
		t.Fatalf("wrap private key: %v", err)
	}
	if err := signer.Set(jwk.KeyIDKey, testKeyID); err != nil {
		t.Fatalf("set signer key id: %v", err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(keyset); err != nil {
			http.Error(w, "encode keyset", http.StatusInternalServerError)
		}
	}))
	t.Cleanup(server.Close)

	return &signingFixture{
		Issuer:   "https://idp.test",
		Audience: "kpath-test",
		JWKSURL:  server.URL + "/.well-known/jwks.json",
		key:      key,
		signer:   signer,
	}
}

// validator builds a JWTValidator pointed at the fixture's JWKS.
func (f *signingFixture) validator(t testing.TB) *JWTValidator {
	t.Helper()
	v, err := NewJWTValidator(f.JWKSURL, f.Issuer, f.Audience)
	if err != nil {
		t.Fatalf("create validator: %v", err)
	}
	return v
}

// token mints a signed JWT for subject, valid for an hour, carrying
// any extra claims. Issuer and audience default to the fixture's and
// can be overridden through the claims map with "iss"/"aud".
func (f *signingFixture) token(t testing.TB, subject string, claims map[string]any) string {
	t.Helper()

	tok := jwt.New()
	set := func(key string, value any) {
		if err := tok.Set(key, value); err != nil {
			t.Fatalf("set claim %s: %v", key, err)
		}
	}
	set(jwt.IssuerKey, f.Issuer)
	set(jwt.AudienceKey, f.Audience)
	set(jwt.SubjectKey, subject)
	set(jwt.IssuedAtKey, time.Now())
	set(jwt.ExpirationKey, time.Now().Add(time.Hour))
	for key, value := range claims {
		set(key, value)
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, f.signer))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return string(signed)
}

// expiredToken mints a token whose expiration is already in the past.
func (f *signingFixture) expiredToken(t testing.TB, subject string) string {
	t.Helper()
	return f.token(t, subject, map[string]any{
		"iat": time.Now().Add(-2 * time.Hour),
		"exp": time.Now().Add(-time.Hour),
	})
}
