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

package config

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// connectTimeout bounds the liveness ping when a pool is first opened.
const connectTimeout = 10 * time.Second

// DBPool hands out one shared *sql.DB per distinct DSN, so the
// registry, feedback store, and API-key lookups all ride the same
// connection pool. SQLite gets special handling: it allows a single
// writer, so its pool is pinned to one connection — sharing through
// DBPool is what prevents "database is locked" failures there.
type DBPool struct {
	mu    sync.Mutex
	byDSN map[string]*sql.DB
}

// NewDBPool creates an empty pool manager.
func NewDBPool() *DBPool {
	return &DBPool{byDSN: make(map[string]*sql.DB)}
}

// Get returns the shared *sql.DB for cfg, opening and verifying it on
// first use.
func (p *DBPool) Get(cfg *DatabaseConfig) (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	dsn := cfg.DSN()
	if db, open := p.byDSN[dsn]; open {
		return db, nil
	}

	db, err := openVerified(cfg)
	if err != nil {
		return nil, err
	}
	p.byDSN[dsn] = db
	return db, nil
}

// openVerified opens the database, sizes its pool, and proves
// liveness with a bounded ping before anyone depends on it.
func openVerified(cfg *DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open(cfg.DriverName(), cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sizePool(db, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.DriverName() == "sqlite3" {
		tuneSQLite(ctx, db)
	}
	return db, nil
}

// sizePool applies the connection limits. SQLite is forced to a
// single connection regardless of configuration: more than one
// writer serializes on the file lock anyway, and errors instead of
// waiting.
func sizePool(db *sql.DB, cfg *DatabaseConfig) {
	if cfg.DriverName() == "sqlite3" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		if cfg.MaxConns > 0 {
			db.SetMaxOpenConns(cfg.MaxConns)
		}
		if cfg.MaxIdle > 0 {
			db.SetMaxIdleConns(cfg.MaxIdle)
		}
	}
	db.SetConnMaxLifetime(time.Hour)
}

// tuneSQLite switches on WAL journaling and a generous busy timeout;
// both failures are survivable, so they only log.
func tuneSQLite(ctx context.Context, db *sql.DB) {
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		slog.Warn("sqlite WAL mode unavailable", "error", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=10000"); err != nil {
		slog.Warn("sqlite busy_timeout not applied", "error", err)
	}
}

// Close closes every pool this manager opened.
func (p *DBPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for dsn, db := range p.byDSN {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s: %w", dsn, err))
		}
	}
	p.byDSN = make(map[string]*sql.DB)

	if len(errs) > 0 {
		return fmt.Errorf("errors closing pools: %v", errs)
	}
	return nil
}
