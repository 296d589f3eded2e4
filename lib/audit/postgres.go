/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package audit

import (
	"context"

	"github.com/gravitational/trace"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/openuaip/hub/lib/model"
)

// PostgresWriter persists audit entries to the audit_log table (spec §6).
type PostgresWriter struct {
	pool *pgxpool.Pool
}

// NewPostgresWriter wraps an existing connection pool.
func NewPostgresWriter(pool *pgxpool.Pool) *PostgresWriter {
	return &PostgresWriter{pool: pool}
}

func (w *PostgresWriter) InsertAuditEntry(ctx context.Context, entry Entry) error {
	_, err := w.pool.Exec(ctx, `
		INSERT INTO audit_log
			(id, actor_id, actor_kind, resource, action, success, reason, kind, source_addr, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, entry.ID, entry.Actor.ID, entry.Actor.Kind, entry.Resource, entry.Action,
		entry.Success, entry.Reason, entry.Kind, entry.SourceAddr, entry.Timestamp)
	if err != nil {
		return trace.Wrap(err)
	}
	return nil
}

func (w *PostgresWriter) QueryAuditEntries(ctx context.Context, params SearchParams) ([]Entry, error) {
	rows, err := w.pool.Query(ctx, `
		SELECT id, actor_id, actor_kind, resource, action, success, reason, kind, source_addr, created_at
		FROM audit_log
		WHERE ($1::timestamptz IS NULL OR created_at >= $1)
		  AND ($2::timestamptz IS NULL OR created_at <= $2)
		  AND ($3 = '' OR actor_id = $3)
		ORDER BY created_at ASC
		LIMIT $4
	`, nullableTime(params.FromUTC), nullableTime(params.ToUTC), params.Actor, params.Limit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var actorKind model.PrincipalKind
		if err := rows.Scan(&e.ID, &e.Actor.ID, &actorKind, &e.Resource, &e.Action,
			&e.Success, &e.Reason, &e.Kind, &e.SourceAddr, &e.Timestamp); err != nil {
			return nil, trace.Wrap(err)
		}
		e.Actor.Kind = actorKind
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

func nullableTime(t interface{ IsZero() bool }) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
