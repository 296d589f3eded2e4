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
	"sort"
	"sync"
)

// MemoryWriter is an in-process Writer used by tests and by single-node
// deployments that don't need durable audit history.
type MemoryWriter struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemoryWriter constructs an empty MemoryWriter.
func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{}
}

func (w *MemoryWriter) InsertAuditEntry(ctx context.Context, entry Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, entry)
	return nil
}

func (w *MemoryWriter) QueryAuditEntries(ctx context.Context, params SearchParams) ([]Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var matched []Entry
	for _, e := range w.entries {
		if !params.FromUTC.IsZero() && e.Timestamp.Before(params.FromUTC) {
			continue
		}
		if !params.ToUTC.IsZero() && e.Timestamp.After(params.ToUTC) {
			continue
		}
		if params.Actor != "" && e.Actor.ID != params.Actor {
			continue
		}
		matched = append(matched, e)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Timestamp.Before(matched[j].Timestamp) })
	if params.Limit > 0 && len(matched) > params.Limit {
		matched = matched[:params.Limit]
	}
	return matched, nil
}
