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

// Package audit defines the hub's audit log: every authentication
// attempt, permission denial, and router rejection is written here with
// actor, resource, action, reason, and timestamp (spec §4.2, §7).
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/openuaip/hub/lib/model"
	"github.com/openuaip/hub/lib/uaiperr"
)

// Entry is a single row written to the audit_log table (spec §6).
type Entry struct {
	ID        string
	Actor     model.PrincipalRef
	Resource  string
	Action    string
	Success   bool
	Reason    string
	Kind      uaiperr.Kind
	SourceAddr string
	Timestamp time.Time
}

func (e *Entry) checkAndSetDefaults() error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		return trace.BadParameter("audit entry timestamp is required")
	}
	return nil
}

// SearchParams bound a Search query.
type SearchParams struct {
	FromUTC time.Time
	ToUTC   time.Time
	Actor   string
	Limit   int
}

// Log is the interface the rest of the hub writes and reads audit
// entries through. The Log returned by New writes each entry
// synchronously through its Writer under the caller's ctx; it does not
// buffer and applies no timeout of its own (spec §5 suspension points).
type Log interface {
	Emit(ctx context.Context, entry Entry) error
	Search(ctx context.Context, params SearchParams) ([]Entry, error)
	Close() error
}

// Writer abstracts the durable sink an audit Log persists to, letting
// the Postgres-backed implementation and an in-memory test double share
// one EmitAuditEvent-shaped Log on top.
type Writer interface {
	InsertAuditEntry(ctx context.Context, entry Entry) error
	QueryAuditEntries(ctx context.Context, params SearchParams) ([]Entry, error)
}

type log struct {
	writer Writer
}

// New builds a Log backed by writer.
func New(writer Writer) Log {
	return &log{writer: writer}
}

func (l *log) Emit(ctx context.Context, entry Entry) error {
	if err := entry.checkAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if err := l.writer.InsertAuditEntry(ctx, entry); err != nil {
		return uaiperr.New(uaiperr.Transient, "write audit entry: %v", err)
	}
	return nil
}

func (l *log) Search(ctx context.Context, params SearchParams) ([]Entry, error) {
	if params.Limit <= 0 || params.Limit > 1000 {
		params.Limit = 1000
	}
	entries, err := l.writer.QueryAuditEntries(ctx, params)
	if err != nil {
		return nil, uaiperr.New(uaiperr.Transient, "query audit entries: %v", err)
	}
	return entries, nil
}

func (l *log) Close() error {
	return nil
}
