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

// Package ratelimit provides a keyed token-bucket limiter used by the Auth
// Gate to bound login attempts per client-id and per source address
// (spec §4.2).
package ratelimit

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Config configures a Limiter.
type Config struct {
	// Rate is the number of tokens added to a bucket per second.
	Rate float64

	// Burst is the maximum number of tokens a bucket can hold.
	Burst float64

	// Clock is used to control time in tests.
	Clock clockwork.Clock

	// IdleTTL is how long an unused bucket is kept before being evicted by
	// Sweep. Buckets are cheap but unbounded key spaces (e.g. source IPs)
	// would otherwise leak memory.
	IdleTTL time.Duration
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Rate <= 0 {
		c.Rate = 1
	}
	if c.Burst <= 0 {
		c.Burst = c.Rate
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.IdleTTL == 0 {
		c.IdleTTL = 10 * time.Minute
	}
	return nil
}

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// Limiter is a keyed token-bucket rate limiter. The zero value is not
// usable; construct with New.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	buckets map[string]*bucket
}

// New constructs a Limiter from cfg.
func New(cfg Config) (*Limiter, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, err
	}
	return &Limiter{cfg: cfg, buckets: make(map[string]*bucket)}, nil
}

// Allow reports whether a single token is available for key and consumes
// it if so. A distinct key (e.g. "client:<id>" vs "addr:<ip>") gets its
// own independent bucket.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.cfg.Clock.Now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.cfg.Burst, lastSeen: now}
		l.buckets[key] = b
	}

	elapsed := now.Sub(b.lastSeen).Seconds()
	b.tokens += elapsed * l.cfg.Rate
	if b.tokens > l.cfg.Burst {
		b.tokens = l.cfg.Burst
	}
	b.lastSeen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Sweep evicts buckets that have not been touched within IdleTTL. Callers
// run this periodically (e.g. alongside the queue's expiry sweep) to
// bound memory for unbounded key spaces like source addresses.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.cfg.Clock.Now()
	evicted := 0
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.cfg.IdleTTL {
			delete(l.buckets, key)
			evicted++
		}
	}
	return evicted
}
