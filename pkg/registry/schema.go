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
	"database/sql"
	"fmt"
)

// schemaStatements is the portable DDL for the KPATH relational
// layout: services and their relations, hashed API keys, raw feedback
// events, and snapshot bookkeeping. Types are chosen to work on
// Postgres, MySQL and SQLite alike; the admin surface owns real
// migrations, this exists for local/dev bootstrap and tests.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS services (
		service_id   BIGINT PRIMARY KEY,
		name         VARCHAR(255) NOT NULL UNIQUE,
		description  TEXT NOT NULL,
		status       VARCHAR(32) NOT NULL DEFAULT 'active',
		version      VARCHAR(128),
		version_tag  BIGINT NOT NULL DEFAULT 1,
		updated_at   TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS capabilities (
		service_id    BIGINT NOT NULL,
		position      INT NOT NULL,
		name          VARCHAR(255),
		description   TEXT NOT NULL,
		input_schema  TEXT,
		output_schema TEXT,
		PRIMARY KEY (service_id, position)
	)`,
	`CREATE TABLE IF NOT EXISTS domains (
		service_id BIGINT NOT NULL,
		position   INT NOT NULL,
		domain     VARCHAR(255) NOT NULL,
		PRIMARY KEY (service_id, position)
	)`,
	`CREATE TABLE IF NOT EXISTS policies (
		service_id    BIGINT PRIMARY KEY,
		kind          VARCHAR(32) NOT NULL,
		allowed_roles TEXT,
		predicate     TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS api_keys (
		key_hash     CHAR(64) PRIMARY KEY,
		principal_id VARCHAR(255) NOT NULL,
		roles        TEXT,
		attributes   TEXT,
		active       BOOLEAN NOT NULL DEFAULT TRUE,
		expires_at   TIMESTAMP,
		created_at   TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS feedback_events (
		query_hash    CHAR(64) NOT NULL,
		service_id    BIGINT NOT NULL,
		rank_position INT NOT NULL,
		selected      BOOLEAN NOT NULL,
		created_at    TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_feedback_pair
		ON feedback_events (query_hash, service_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS snapshot_metadata (
		generation   BIGINT PRIMARY KEY,
		path         VARCHAR(1024) NOT NULL,
		model        VARCHAR(255) NOT NULL,
		dimension    INT NOT NULL,
		vector_count INT NOT NULL,
		content_hash CHAR(64) NOT NULL,
		created_at   TIMESTAMP NOT NULL
	)`,
}

// Migrate creates the KPATH tables if they do not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("registry: migrate: %w", err)
		}
	}
	return nil
}
