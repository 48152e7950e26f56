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
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/kpathcore"
)

// changeChannel is the Postgres NOTIFY channel the admin surface's
// triggers publish to. Payloads are JSON:
// {"kind":"updated","service_id":7,"version_tag":12}.
const changeChannel = "kpath_service_changes"

// pollInterval is the fallback change-detection cadence on dialects
// without LISTEN/NOTIFY.
const pollInterval = 2 * time.Second

type notifyPayload struct {
	Kind       string `json:"kind"`
	ServiceID  int64  `json:"service_id"`
	VersionTag int64  `json:"version_tag"`
}

// Changes returns a stream of registry mutations. On Postgres it is
// push-based via LISTEN/NOTIFY; on other dialects it degrades to a
// version_tag polling loop. The channel closes when ctx is done.
func (r *SQLRegistry) Changes(ctx context.Context) (<-chan kpathcore.ChangeEvent, error) {
	out := make(chan kpathcore.ChangeEvent, 256)
	if r.dialect == "postgres" && r.dsn != "" {
		listener := pq.NewListener(r.dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
			if err != nil {
				slog.Warn("registry change listener event", "event", int(ev), "error", err)
			}
		})
		if err := listener.Listen(changeChannel); err != nil {
			listener.Close()
			return nil, fmt.Errorf("registry: listen on %s: %w", changeChannel, err)
		}
		go r.forwardNotifications(ctx, listener, out)
		return out, nil
	}

	go r.pollChanges(ctx, out)
	return out, nil
}

func (r *SQLRegistry) forwardNotifications(ctx context.Context, listener *pq.Listener, out chan<- kpathcore.ChangeEvent) {
	defer close(out)
	defer listener.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case n := <-listener.Notify:
			if n == nil {
				// Connection re-established; events may have been
				// missed, so nudge the listener and continue.
				if err := listener.Ping(); err != nil {
					slog.Warn("registry change listener ping failed", "error", err)
				}
				continue
			}
			var payload notifyPayload
			if err := json.Unmarshal([]byte(n.Extra), &payload); err != nil {
				slog.Warn("registry change notification with bad payload", "payload", n.Extra, "error", err)
				continue
			}
			ev, ok := toChangeEvent(payload)
			if !ok {
				slog.Warn("registry change notification with unknown kind", "kind", payload.Kind)
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

func toChangeEvent(p notifyPayload) (kpathcore.ChangeEvent, bool) {
	switch kpathcore.ChangeKind(p.Kind) {
	case kpathcore.ChangeCreated, kpathcore.ChangeUpdated, kpathcore.ChangeDeleted, kpathcore.ChangeStatusChanged:
		return kpathcore.ChangeEvent{
			Kind:          kpathcore.ChangeKind(p.Kind),
			ServiceID:     p.ServiceID,
			NewVersionTag: p.VersionTag,
		}, true
	default:
		return kpathcore.ChangeEvent{}, false
	}
}

// pollChanges diffs (service_id, version_tag, status) snapshots on a
// fixed cadence and synthesizes events. Good enough for dev SQLite
// and MySQL deployments; Postgres gets real notifications.
func (r *SQLRegistry) pollChanges(ctx context.Context, out chan<- kpathcore.ChangeEvent) {
	defer close(out)

	type state struct {
		tag    int64
		status kpathcore.ServiceStatus
	}
	known := make(map[int64]state)
	primed := false

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		rows, err := r.db.QueryContext(ctx, `SELECT service_id, version_tag, status FROM services`)
		if err != nil {
			slog.Warn("registry change poll failed", "error", err)
			continue
		}
		current := make(map[int64]state)
		scanFailed := false
		for rows.Next() {
			var id, tag int64
			var status string
			if err := rows.Scan(&id, &tag, &status); err != nil {
				slog.Warn("registry change poll scan failed", "error", err)
				scanFailed = true
				break
			}
			current[id] = state{tag: tag, status: kpathcore.ServiceStatus(status)}
		}
		rows.Close()
		if scanFailed || rows.Err() != nil {
			continue
		}

		if !primed {
			// First pass establishes the baseline without emitting.
			known = current
			primed = true
			continue
		}

		for id, cur := range current {
			prev, existed := known[id]
			switch {
			case !existed:
				emit(ctx, out, kpathcore.ChangeEvent{Kind: kpathcore.ChangeCreated, ServiceID: id, NewVersionTag: cur.tag})
			case prev.status != cur.status:
				emit(ctx, out, kpathcore.ChangeEvent{Kind: kpathcore.ChangeStatusChanged, ServiceID: id, NewVersionTag: cur.tag})
			case prev.tag != cur.tag:
				emit(ctx, out, kpathcore.ChangeEvent{Kind: kpathcore.ChangeUpdated, ServiceID: id, NewVersionTag: cur.tag})
			}
		}
		for id := range known {
			if _, still := current[id]; !still {
				emit(ctx, out, kpathcore.ChangeEvent{Kind: kpathcore.ChangeDeleted, ServiceID: id})
			}
		}
		known = current
	}
}

func emit(ctx context.Context, out chan<- kpathcore.ChangeEvent, ev kpathcore.ChangeEvent) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}
