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
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/kpathcore"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, Migrate(context.Background(), db))
	return db
}

func seedService(t *testing.T, db *sql.DB, id int64, name, status string, tag int64) {
	t.Helper()
	_, err := db.Exec(
		`INSERT INTO services (service_id, name, description, status, version, version_tag, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, name, "Description of "+name, status, "1.0", tag, time.Now().UTC())
	require.NoError(t, err)
}

func TestSQLRegistry_GetActiveServicesHydrates(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	seedService(t, db, 1, "calendar", "active", 3)
	seedService(t, db, 2, "email", "inactive", 1)

	_, err := db.Exec(
		`INSERT INTO capabilities (service_id, position, name, description) VALUES (?, ?, ?, ?)`,
		1, 0, "schedule", "Schedule a meeting")
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO domains (service_id, position, domain) VALUES (?, ?, ?)`, 1, 0, "productivity")
	require.NoError(t, err)
	_, err = db.Exec(
		`INSERT INTO policies (service_id, kind, allowed_roles, predicate) VALUES (?, ?, ?, ?)`,
		1, "restricted", `["Engineering"]`, `{"attribute":"level","op":"gte","value":3}`)
	require.NoError(t, err)

	reg := New(db, Options{Dialect: "sqlite"})
	records, err := reg.GetActiveServices(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, int64(1), rec.ServiceID)
	assert.Equal(t, int64(3), rec.VersionTag)
	require.Len(t, rec.Capabilities, 1)
	assert.Equal(t, "schedule", rec.Capabilities[0].Name)
	assert.Equal(t, []string{"productivity"}, rec.Domains)
	require.NotNil(t, rec.Visibility)
	assert.Equal(t, kpathcore.VisibilityRestricted, rec.Visibility.Kind)
	assert.Equal(t, []string{"Engineering"}, rec.Visibility.AllowedRoles)
	require.NotNil(t, rec.Visibility.Predicate)
	assert.Equal(t, "level", rec.Visibility.Predicate.Attribute)
}

func TestSQLRegistry_GetReturnsNilForMissing(t *testing.T) {
	db := testDB(t)
	reg := New(db, Options{Dialect: "sqlite"})

	rec, err := reg.Get(context.Background(), 99)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestSQLRegistry_BatchGetKeepsOrderDropsMissing(t *testing.T) {
	db := testDB(t)
	seedService(t, db, 5, "travel", "active", 1)
	seedService(t, db, 9, "expenses", "deprecated", 2)

	reg := New(db, Options{Dialect: "sqlite"})
	records, err := reg.BatchGet(context.Background(), []int64{9, 5, 77})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, int64(5), records[0].ServiceID)
	assert.Equal(t, int64(9), records[1].ServiceID)
	assert.Equal(t, kpathcore.StatusDeprecated, records[1].Status)
}

func TestSQLAPIKeys_Authenticate(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	insert := func(secret, principal string, active bool, expires any) {
		_, err := db.Exec(
			`INSERT INTO api_keys (key_hash, principal_id, roles, attributes, active, expires_at, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			HashKey(secret), principal, `["Engineering"]`, `{"level":4}`, active, expires, now)
		require.NoError(t, err)
	}
	insert("good-key", "alice", true, nil)
	insert("revoked-key", "bob", false, nil)
	insert("expired-key", "carol", true, now.Add(-time.Hour))

	keys := NewAPIKeys(db, "sqlite")

	principal, err := keys.Authenticate(ctx, "good-key")
	require.NoError(t, err)
	assert.Equal(t, "alice", principal.PrincipalID)
	assert.Equal(t, []string{"Engineering"}, principal.Roles)
	assert.EqualValues(t, 4, principal.Attributes["level"])

	_, err = keys.Authenticate(ctx, "revoked-key")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	_, err = keys.Authenticate(ctx, "expired-key")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	_, err = keys.Authenticate(ctx, "never-issued")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestEmbeddableText_Canonicalization(t *testing.T) {
	rec := kpathcore.ServiceRecord{
		Name:        "calendar",
		Description: "Schedule meetings on the corporate calendar",
		Capabilities: []kpathcore.Capability{
			{Name: "create_event", Description: "Create a calendar event"},
			{Description: "List upcoming events"},
		},
		Domains: []string{"productivity", "scheduling"},
	}

	text := EmbeddableText(rec)
	want := "calendar\n" +
		"Schedule meetings on the corporate calendar\n" +
		"create_event: Create a calendar event\n" +
		"List upcoming events\n" +
		"productivity, scheduling"
	assert.Equal(t, want, text)

	// Same record content, same text.
	assert.Equal(t, text, EmbeddableText(rec))
}

func TestEmbeddableText_NFCAndTrailingWhitespace(t *testing.T) {
	// "é" as combining sequence (e + U+0301) must normalize to the
	// precomposed form.
	decomposed := kpathcore.ServiceRecord{Name: "café", Description: "desc  \n"}
	precomposed := kpathcore.ServiceRecord{Name: "café", Description: "desc  \n"}

	a, b := EmbeddableText(decomposed), EmbeddableText(precomposed)
	assert.Equal(t, a, b)
	assert.Equal(t, strings.TrimRight(a, " \t\r\n"), a, "trailing whitespace must be stripped")
}

func TestSQLRegistry_PollChangesEmitsEvents(t *testing.T) {
	db := testDB(t)
	seedService(t, db, 1, "calendar", "active", 1)

	reg := New(db, Options{Dialect: "sqlite"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := reg.Changes(ctx)
	require.NoError(t, err)

	// Let the poller prime its baseline, then mutate.
	time.Sleep(pollInterval + 500*time.Millisecond)
	_, err = db.Exec(`UPDATE services SET version_tag = 2 WHERE service_id = 1`)
	require.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, kpathcore.ChangeUpdated, ev.Kind)
		assert.Equal(t, int64(1), ev.ServiceID)
		assert.Equal(t, int64(2), ev.NewVersionTag)
	case <-time.After(3 * pollInterval):
		t.Fatal("no change event observed")
	}
}
