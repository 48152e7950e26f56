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

// Package registry is the read side of the authoritative service
// store. KPATH never writes service records itself — the external
// admin surface does — so this package hydrates records, looks up API
// keys, and surfaces a change stream for the index manager; its only
// writes are the schema migration and snapshot bookkeeping.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/kpathcore"
)

// Registry is the collaborator contract the search core depends on.
// SQLRegistry is the production implementation; tests substitute
// in-memory fakes.
type Registry interface {
	GetActiveServices(ctx context.Context) ([]kpathcore.ServiceRecord, error)
	Get(ctx context.Context, serviceID int64) (*kpathcore.ServiceRecord, error)
	BatchGet(ctx context.Context, serviceIDs []int64) ([]kpathcore.ServiceRecord, error)
	Changes(ctx context.Context) (<-chan kpathcore.ChangeEvent, error)
}

// SQLRegistry reads service records from the relational store.
type SQLRegistry struct {
	db      *sql.DB
	dialect string
	dsn     string
}

// Options configures a SQLRegistry.
type Options struct {
	// Dialect is "postgres", "mysql" or "sqlite"; it selects
	// placeholder style and the change-feed mechanism.
	Dialect string

	// DSN is required for the Postgres LISTEN/NOTIFY change feed;
	// other dialects poll and ignore it.
	DSN string
}

// New builds a SQLRegistry over an existing connection pool.
func New(db *sql.DB, opts Options) *SQLRegistry {
	dialect := opts.Dialect
	if dialect == "" {
		dialect = "postgres"
	}
	return &SQLRegistry{db: db, dialect: dialect, dsn: opts.DSN}
}

// rebind converts ?-style placeholders to the dialect's native form.
// Queries in this package are written with ?; Postgres needs $N.
func (r *SQLRegistry) rebind(query string) string {
	if r.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

// GetActiveServices returns every service with status=active, fully
// hydrated with capabilities, domains and visibility policy.
func (r *SQLRegistry) GetActiveServices(ctx context.Context) ([]kpathcore.ServiceRecord, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(
		`SELECT service_id, name, description, status, version, version_tag, updated_at
		   FROM services WHERE status = ? ORDER BY service_id`), string(kpathcore.StatusActive))
	if err != nil {
		return nil, fmt.Errorf("registry: query active services: %w", err)
	}
	defer rows.Close()

	records, err := scanServices(rows)
	if err != nil {
		return nil, err
	}
	if err := r.hydrate(ctx, records); err != nil {
		return nil, err
	}
	return records, nil
}

// Get returns one service record, or nil if absent.
func (r *SQLRegistry) Get(ctx context.Context, serviceID int64) (*kpathcore.ServiceRecord, error) {
	records, err := r.BatchGet(ctx, []int64{serviceID})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return &records[0], nil
}

// BatchGet returns the records for the given ids, in ascending
// service_id order; missing ids are silently dropped.
func (r *SQLRegistry) BatchGet(ctx context.Context, serviceIDs []int64) ([]kpathcore.ServiceRecord, error) {
	if len(serviceIDs) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(
		`SELECT service_id, name, description, status, version, version_tag, updated_at
		   FROM services WHERE service_id IN (%s) ORDER BY service_id`, placeholders(len(serviceIDs)))
	rows, err := r.db.QueryContext(ctx, r.rebind(query), int64Args(serviceIDs)...)
	if err != nil {
		return nil, fmt.Errorf("registry: batch get services: %w", err)
	}
	defer rows.Close()

	records, err := scanServices(rows)
	if err != nil {
		return nil, err
	}
	if err := r.hydrate(ctx, records); err != nil {
		return nil, err
	}
	return records, nil
}

func scanServices(rows *sql.Rows) ([]kpathcore.ServiceRecord, error) {
	var records []kpathcore.ServiceRecord
	for rows.Next() {
		var rec kpathcore.ServiceRecord
		var version sql.NullString
		if err := rows.Scan(&rec.ServiceID, &rec.Name, &rec.Description, &rec.Status,
			&version, &rec.VersionTag, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("registry: scan service row: %w", err)
		}
		rec.Version = version.String
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: iterate service rows: %w", err)
	}
	return records, nil
}

// hydrate attaches capabilities, domains and visibility policies to
// the given records with one query per relation.
func (r *SQLRegistry) hydrate(ctx context.Context, records []kpathcore.ServiceRecord) error {
	if len(records) == 0 {
		return nil
	}
	byID := make(map[int64]*kpathcore.ServiceRecord, len(records))
	ids := make([]int64, 0, len(records))
	for i := range records {
		byID[records[i].ServiceID] = &records[i]
		ids = append(ids, records[i].ServiceID)
	}
	ph := placeholders(len(ids))
	args := int64Args(ids)

	capRows, err := r.db.QueryContext(ctx, r.rebind(fmt.Sprintf(
		`SELECT service_id, name, description, input_schema, output_schema
		   FROM capabilities WHERE service_id IN (%s) ORDER BY service_id, position`, ph)), args...)
	if err != nil {
		return fmt.Errorf("registry: query capabilities: %w", err)
	}
	defer capRows.Close()
	for capRows.Next() {
		var sid int64
		var c kpathcore.Capability
		var name, in, out sql.NullString
		if err := capRows.Scan(&sid, &name, &c.Description, &in, &out); err != nil {
			return fmt.Errorf("registry: scan capability row: %w", err)
		}
		c.Name, c.InputSchema, c.OutputSchema = name.String, in.String, out.String
		if rec := byID[sid]; rec != nil {
			rec.Capabilities = append(rec.Capabilities, c)
		}
	}
	if err := capRows.Err(); err != nil {
		return fmt.Errorf("registry: iterate capability rows: %w", err)
	}

	domRows, err := r.db.QueryContext(ctx, r.rebind(fmt.Sprintf(
		`SELECT service_id, domain FROM domains WHERE service_id IN (%s) ORDER BY service_id, position`, ph)), args...)
	if err != nil {
		return fmt.Errorf("registry: query domains: %w", err)
	}
	defer domRows.Close()
	for domRows.Next() {
		var sid int64
		var domain string
		if err := domRows.Scan(&sid, &domain); err != nil {
			return fmt.Errorf("registry: scan domain row: %w", err)
		}
		if rec := byID[sid]; rec != nil {
			rec.Domains = append(rec.Domains, domain)
		}
	}
	if err := domRows.Err(); err != nil {
		return fmt.Errorf("registry: iterate domain rows: %w", err)
	}

	polRows, err := r.db.QueryContext(ctx, r.rebind(fmt.Sprintf(
		`SELECT service_id, kind, allowed_roles, predicate FROM policies WHERE service_id IN (%s)`, ph)), args...)
	if err != nil {
		return fmt.Errorf("registry: query policies: %w", err)
	}
	defer polRows.Close()
	for polRows.Next() {
		var sid int64
		var kind string
		var roles, predicate sql.NullString
		if err := polRows.Scan(&sid, &kind, &roles, &predicate); err != nil {
			return fmt.Errorf("registry: scan policy row: %w", err)
		}
		policy, err := decodePolicy(kind, roles.String, predicate.String)
		if err != nil {
			return fmt.Errorf("registry: decode policy for service %d: %w", sid, err)
		}
		if rec := byID[sid]; rec != nil {
			rec.Visibility = policy
		}
	}
	if err := polRows.Err(); err != nil {
		return fmt.Errorf("registry: iterate policy rows: %w", err)
	}
	return nil
}

func decodePolicy(kind, rolesJSON, predicateJSON string) (*kpathcore.VisibilityPolicy, error) {
	policy := &kpathcore.VisibilityPolicy{Kind: kpathcore.VisibilityKind(kind)}
	switch policy.Kind {
	case kpathcore.VisibilityOpen:
		return policy, nil
	case kpathcore.VisibilityRestricted:
	default:
		return nil, fmt.Errorf("unknown visibility kind %q", kind)
	}
	if rolesJSON != "" {
		if err := json.Unmarshal([]byte(rolesJSON), &policy.AllowedRoles); err != nil {
			return nil, fmt.Errorf("decode allowed_roles: %w", err)
		}
	}
	if predicateJSON != "" {
		var p kpathcore.Predicate
		if err := json.Unmarshal([]byte(predicateJSON), &p); err != nil {
			return nil, fmt.Errorf("decode predicate: %w", err)
		}
		policy.Predicate = &p
	}
	return policy, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
