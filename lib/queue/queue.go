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

// Package queue implements the Priority Queue: four FIFO-within-level
// buckets released in priority order, with a reservation that keeps
// critical traffic from starving under load (spec §4.5).
package queue

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/openuaip/hub/lib/model"
	"github.com/openuaip/hub/lib/uaiperr"
)

var log = logrus.WithFields(logrus.Fields{trace.Component: "queue"})

var priorities = []model.Priority{model.PriorityCritical, model.PriorityHigh, model.PriorityNormal, model.PriorityLow}

// Config configures a Queue.
type Config struct {
	Clock clockwork.Clock

	// Capacity is the total number of envelopes the queue may hold
	// across all priority buckets.
	Capacity int

	// Quota overrides the per-priority bucket capacity. A nil Quota
	// defaults to 10%/20%/40%/30% of Capacity for Critical/High/Normal/
	// Low; a priority missing from a non-nil map gets a quota of 0 (or 1
	// for Critical, see below). Critical's quota is never
	// less than 1 regardless of what's configured (spec §4.5 "critical
	// never starves").
	Quota map[model.Priority]int

	// SweepInterval is the expiry-sweep tick (spec §4.5, default ~1s).
	SweepInterval time.Duration
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Capacity <= 0 {
		c.Capacity = 10000
	}
	if c.Quota == nil {
		c.Quota = map[model.Priority]int{
			model.PriorityCritical: c.Capacity / 10,
			model.PriorityHigh:     c.Capacity * 2 / 10,
			model.PriorityNormal:   c.Capacity * 4 / 10,
			model.PriorityLow:      c.Capacity * 3 / 10,
		}
	}
	if c.Quota[model.PriorityCritical] < 1 {
		c.Quota[model.PriorityCritical] = 1
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Second
	}
	return nil
}

type bucketEntry struct {
	envelope *model.Envelope
}

// Queue is the Priority Queue component. Dequeue holds its lock only
// long enough to swap the head of a bucket (spec §5).
type Queue struct {
	cfg Config

	mu      sync.Mutex
	buckets map[model.Priority]*list.List
	index   map[string]*list.Element // envelope-id -> element, for O(1) remove

	closeOnce sync.Once
	closeCh   chan struct{}
}

// New constructs a Queue from cfg.
func New(cfg Config) (*Queue, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	q := &Queue{
		cfg:     cfg,
		buckets: make(map[model.Priority]*list.List, len(priorities)),
		index:   make(map[string]*list.Element),
		closeCh: make(chan struct{}),
	}
	for _, p := range priorities {
		q.buckets[p] = list.New()
	}
	return q, nil
}

// Enqueue accepts envelope, rejecting with QueueFull if its bucket is at
// capacity - except Critical, which first tries to evict the oldest Low
// envelope to make room (spec §8 boundary behavior).
func (q *Queue) Enqueue(envelope *model.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	bucket := q.buckets[envelope.Header.Priority]
	if bucket == nil {
		return uaiperr.New(uaiperr.InvalidArgument, "unknown priority %q", envelope.Header.Priority)
	}

	quota := q.cfg.Quota[envelope.Header.Priority]
	if bucket.Len() >= quota {
		if envelope.Header.Priority != model.PriorityCritical {
			return uaiperr.New(uaiperr.QueueFull, "priority %q bucket is full", envelope.Header.Priority)
		}
		if !q.evictOldestLocked(model.PriorityLow) {
			return uaiperr.New(uaiperr.QueueFull, "queue is full and no low-priority envelope to evict")
		}
	}

	el := bucket.PushBack(bucketEntry{envelope: envelope})
	q.index[envelope.Header.EnvelopeID] = el
	return nil
}

// evictOldestLocked drops the oldest envelope in priority p's bucket.
// Caller must hold q.mu.
func (q *Queue) evictOldestLocked(p model.Priority) bool {
	bucket := q.buckets[p]
	front := bucket.Front()
	if front == nil {
		return false
	}
	entry := front.Value.(bucketEntry)
	bucket.Remove(front)
	delete(q.index, entry.envelope.Header.EnvelopeID)
	return true
}

// Dequeue returns the oldest envelope from the highest non-empty
// priority bucket, or ok=false if the queue is empty.
func (q *Queue) Dequeue() (*model.Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, p := range priorities {
		bucket := q.buckets[p]
		front := bucket.Front()
		if front == nil {
			continue
		}
		entry := front.Value.(bucketEntry)
		bucket.Remove(front)
		delete(q.index, entry.envelope.Header.EnvelopeID)
		return entry.envelope, true
	}
	return nil, false
}

// Remove cancels a pending envelope by id, e.g. because the expiry
// sweep found it dead (spec §4.5).
func (q *Queue) Remove(envelopeID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	el, ok := q.index[envelopeID]
	if !ok {
		return false
	}
	entry := el.Value.(bucketEntry)
	q.buckets[entry.envelope.Header.Priority].Remove(el)
	delete(q.index, envelopeID)
	return true
}

// Len returns the total number of envelopes currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, b := range q.buckets {
		n += b.Len()
	}
	return n
}

// ExpiryFunc is invoked for every envelope the sweep removes for having
// exceeded its TTL (spec §4.5 "producing TtlExpired acks to the sender
// when requested").
type ExpiryFunc func(envelope *model.Envelope)

// sweepOnce removes every dead envelope across all buckets, invoking
// onExpired for each.
func (q *Queue) sweepOnce(now time.Time, onExpired ExpiryFunc) int {
	q.mu.Lock()
	var expired []*model.Envelope
	for _, p := range priorities {
		bucket := q.buckets[p]
		var next *list.Element
		for el := bucket.Front(); el != nil; el = next {
			next = el.Next()
			entry := el.Value.(bucketEntry)
			if entry.envelope.Header.Dead(now) {
				bucket.Remove(el)
				delete(q.index, entry.envelope.Header.EnvelopeID)
				expired = append(expired, entry.envelope)
			}
		}
	}
	q.mu.Unlock()

	for _, e := range expired {
		if onExpired != nil {
			onExpired(e)
		}
	}
	return len(expired)
}

// RunExpirySweep runs the periodic TTL sweep until ctx is cancelled or
// Close is called. Intended to be started once per Queue instance by
// the composition root.
func (q *Queue) RunExpirySweep(ctx context.Context, onExpired ExpiryFunc) {
	ticker := q.cfg.Clock.NewTicker(q.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			if n := q.sweepOnce(q.cfg.Clock.Now(), onExpired); n > 0 {
				log.WithField("count", n).Debug("expiry sweep removed dead envelopes")
			}
		case <-ctx.Done():
			return
		case <-q.closeCh:
			return
		}
	}
}

// Close stops any running expiry sweep goroutine.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.closeCh) })
}
