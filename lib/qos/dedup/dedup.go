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

// Package dedup provides the TTL-bounded dedup window QoS 2 recipients
// must maintain so duplicate hub->recipient frames within a phase never
// cause a second application-level effect (spec §4.6).
package dedup

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Window is a set of recently-seen keys with a fixed TTL per entry.
type Window struct {
	clock clockwork.Clock
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]time.Time
}

// New constructs a Window whose entries expire ttl after being marked
// seen. A nil clock defaults to the real clock.
func New(clock clockwork.Clock, ttl time.Duration) *Window {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Window{clock: clock, ttl: ttl, entries: make(map[string]time.Time)}
}

// Seen reports whether key has already been marked within the window,
// and marks it if not - an atomic check-and-set, so two goroutines
// racing on the same key never both observe "not seen".
func (w *Window) Seen(key string) bool {
	now := w.clock.Now()
	w.mu.Lock()
	defer w.mu.Unlock()

	expiresAt, ok := w.entries[key]
	if ok && now.Before(expiresAt) {
		return true
	}
	w.entries[key] = now.Add(w.ttl)
	return false
}

// Forget removes key from the window, e.g. once a QoS 2 exchange clears.
func (w *Window) Forget(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.entries, key)
}

// Sweep evicts expired entries and returns how many were removed.
func (w *Window) Sweep() int {
	now := w.clock.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for k, expiresAt := range w.entries {
		if now.After(expiresAt) {
			delete(w.entries, k)
			n++
		}
	}
	return n
}
