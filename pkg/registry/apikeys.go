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
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/kpathcore"
)

// ErrKeyNotFound is returned when no usable key matches the presented
// secret: unknown, revoked, and expired keys are indistinguishable to
// the caller on purpose.
var ErrKeyNotFound = errors.New("registry: api key not found")

// APIKeys resolves presented API-key secrets to principals. Secrets
// are never stored; only their SHA-256 is.
type APIKeys interface {
	Authenticate(ctx context.Context, presentedKey string) (*kpathcore.Principal, error)
}

// SQLAPIKeys is the relational APIKeys implementation.
type SQLAPIKeys struct {
	db      *sql.DB
	dialect string
}

// NewAPIKeys builds the key resolver over the shared pool.
func NewAPIKeys(db *sql.DB, dialect string) *SQLAPIKeys {
	if dialect == "" {
		dialect = "postgres"
	}
	return &SQLAPIKeys{db: db, dialect: dialect}
}

// HashKey returns the hex SHA-256 of an API key secret, the only form
// the database ever sees.
func HashKey(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Authenticate hashes the presented secret, looks it up, and returns
// the owning principal. Revoked and expired keys fail with
// ErrKeyNotFound.
func (k *SQLAPIKeys) Authenticate(ctx context.Context, presentedKey string) (*kpathcore.Principal, error) {
	if presentedKey == "" {
		return nil, ErrKeyNotFound
	}

	query := `SELECT principal_id, roles, attributes, active, expires_at FROM api_keys WHERE key_hash = ?`
	if k.dialect == "postgres" {
		query = `SELECT principal_id, roles, attributes, active, expires_at FROM api_keys WHERE key_hash = $1`
	}

	var principalID string
	var rolesJSON, attrsJSON sql.NullString
	var active bool
	var expiresAt sql.NullTime
	err := k.db.QueryRowContext(ctx, query, HashKey(presentedKey)).
		Scan(&principalID, &rolesJSON, &attrsJSON, &active, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("registry: look up api key: %w", err)
	}

	if !active {
		return nil, ErrKeyNotFound
	}
	if expiresAt.Valid && expiresAt.Time.Before(time.Now()) {
		return nil, ErrKeyNotFound
	}

	principal := &kpathcore.Principal{PrincipalID: principalID}
	if rolesJSON.String != "" {
		if err := json.Unmarshal([]byte(rolesJSON.String), &principal.Roles); err != nil {
			return nil, fmt.Errorf("registry: decode api key roles: %w", err)
		}
	}
	if attrsJSON.String != "" {
		if err := json.Unmarshal([]byte(attrsJSON.String), &principal.Attributes); err != nil {
			return nil, fmt.Errorf("registry: decode api key attributes: %w", err)
		}
	}
	return principal, nil
}
