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

// Package feedback is the append-only click-through log behind the
// reranker's prior. Impressions are written when results are served,
// selections when the surrounding application reports a click; the
// prior is a Laplace-smoothed CTR over a recent window.
package feedback

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// Store is the contract the search pipeline depends on. SQLStore is
// the production implementation; tests substitute fixed-prior stubs.
type Store interface {
	// Prior returns the smoothed CTR for (queryHash, serviceID) over
	// the window, in [0,1]; 0 when the pair has never been seen.
	Prior(ctx context.Context, queryHash string, serviceID int64) (float64, error)

	// RecordImpressions appends one impression row per served result.
	RecordImpressions(ctx context.Context, queryHash string, serviceIDs []int64, positions []int) error

	// RecordSelection appends a click for a previously served result.
	RecordSelection(ctx context.Context, queryHash string, serviceID int64, position int) error
}

// SQLStore persists feedback events in the feedback_events table.
type SQLStore struct {
	db      *sql.DB
	dialect string

	// WindowDays bounds the prior aggregate; RetentionDays bounds how
	// long raw rows live before Prune deletes them.
	WindowDays    int
	RetentionDays int
}

// NewSQLStore builds a store over the shared pool.
func NewSQLStore(db *sql.DB, dialect string, windowDays, retentionDays int) *SQLStore {
	if dialect == "" {
		dialect = "postgres"
	}
	if windowDays <= 0 {
		windowDays = 30
	}
	if retentionDays <= 0 {
		retentionDays = 180
	}
	return &SQLStore{db: db, dialect: dialect, WindowDays: windowDays, RetentionDays: retentionDays}
}

func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	out := make([]byte, 0, len(query)+8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, fmt.Sprintf("$%d", n)...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}

// Prior computes (clicks+1)/(impressions+2) over the window, or 0
// when the pair has no events at all — an unseen pair must not start
// at the smoothed 0.5.
func (s *SQLStore) Prior(ctx context.Context, queryHash string, serviceID int64) (float64, error) {
	since := time.Now().UTC().AddDate(0, 0, -s.WindowDays)

	var impressions, clicks int64
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT
			COUNT(CASE WHEN NOT selected THEN 1 END),
			COUNT(CASE WHEN selected THEN 1 END)
		   FROM feedback_events
		  WHERE query_hash = ? AND service_id = ? AND created_at >= ?`),
		queryHash, serviceID, since).Scan(&impressions, &clicks)
	if err != nil {
		return 0, fmt.Errorf("feedback: prior aggregate: %w", err)
	}

	if impressions == 0 && clicks == 0 {
		return 0, nil
	}
	prior := float64(clicks+1) / float64(impressions+2)
	if prior < 0 {
		prior = 0
	}
	if prior > 1 {
		prior = 1
	}
	return prior, nil
}

// RecordImpressions appends one row per served result, selected=false.
func (s *SQLStore) RecordImpressions(ctx context.Context, queryHash string, serviceIDs []int64, positions []int) error {
	if len(serviceIDs) == 0 {
		return nil
	}
	if len(serviceIDs) != len(positions) {
		return fmt.Errorf("feedback: %d service ids but %d positions", len(serviceIDs), len(positions))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("feedback: begin impressions tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.rebind(
		`INSERT INTO feedback_events (query_hash, service_id, rank_position, selected, created_at)
		 VALUES (?, ?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("feedback: prepare impressions insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i, id := range serviceIDs {
		if _, err := stmt.ExecContext(ctx, queryHash, id, positions[i], false, now); err != nil {
			return fmt.Errorf("feedback: insert impression for service %d: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("feedback: commit impressions: %w", err)
	}
	return nil
}

// RecordSelection appends a click row, selected=true.
func (s *SQLStore) RecordSelection(ctx context.Context, queryHash string, serviceID int64, position int) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO feedback_events (query_hash, service_id, rank_position, selected, created_at)
		 VALUES (?, ?, ?, ?, ?)`),
		queryHash, serviceID, position, true, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("feedback: insert selection: %w", err)
	}
	return nil
}

// Prune deletes rows older than the retention horizon and reports the
// number deleted. Meant to be run periodically by the server.
func (s *SQLStore) Prune(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.RetentionDays)
	res, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM feedback_events WHERE created_at < ?`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("feedback: prune: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// SearchJournal maps short-lived search ids to the query hash and
// result set they covered, so a later RecordSelection(search_id, ...)
// call can be translated into a (query_hash, service_id) click. The
// journal is in-memory and bounded; feedback for searches that have
// aged out is silently dropped, which only costs a little prior
// signal.
type SearchJournal struct {
	mu      sync.Mutex
	entries map[string]journalEntry
	order   []string
	max     int
}

type journalEntry struct {
	queryHash string
	positions map[int64]int
}

// NewSearchJournal bounds the journal at max entries (default 4096).
func NewSearchJournal(max int) *SearchJournal {
	if max <= 0 {
		max = 4096
	}
	return &SearchJournal{entries: make(map[string]journalEntry), max: max}
}

// Remember journals a served search.
func (j *SearchJournal) Remember(searchID, queryHash string, serviceIDs []int64, positions []int) {
	j.mu.Lock()
	defer j.mu.Unlock()

	pos := make(map[int64]int, len(serviceIDs))
	for i, id := range serviceIDs {
		pos[id] = positions[i]
	}
	if _, exists := j.entries[searchID]; !exists {
		j.order = append(j.order, searchID)
	}
	j.entries[searchID] = journalEntry{queryHash: queryHash, positions: pos}

	for len(j.order) > j.max {
		oldest := j.order[0]
		j.order = j.order[1:]
		delete(j.entries, oldest)
	}
}

// Resolve returns the query hash and rank position for a selection,
// or ok=false when the search id is unknown or the service was not in
// its result set.
func (j *SearchJournal) Resolve(searchID string, serviceID int64) (queryHash string, position int, ok bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry, exists := j.entries[searchID]
	if !exists {
		return "", 0, false
	}
	position, ok = entry.positions[serviceID]
	if !ok {
		return "", 0, false
	}
	return entry.queryHash, position, true
}
