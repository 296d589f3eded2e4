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

// Package qos implements the QoS Engine: the per-QoS-level delivery
// protocol (at-most-once, at-least-once, exactly-once), retry/backoff,
// and back-pressure coupling with the Session Manager (spec §4.6).
package qos

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/openuaip/hub/lib/model"
	"github.com/openuaip/hub/lib/qos/dedup"
	"github.com/openuaip/hub/lib/uaiperr"
)

var log = logrus.WithFields(logrus.Fields{trace.Component: "qos"})

// Deliverer is the narrow slice of the Session Manager the QoS Engine
// depends on.
type Deliverer interface {
	Deliver(ctx context.Context, sessionID string, envelope *model.Envelope) error
}

// TerminalFunc is invoked when an envelope reaches a terminal outcome
// (delivered, failed, ttl-expired, no-route, recipient-unavailable),
// so the Router can report it back to the sender by correlation-id
// (spec §4.7 "route failures after enqueue are reported asynchronously
// to the sender by correlation-id").
type TerminalFunc func(envelope *model.Envelope, kind uaiperr.Kind)

// Config configures an Engine.
type Config struct {
	Sessions Deliverer
	Clock    clockwork.Clock

	QoS1Attempts int
	QoS2Attempts int

	BaseBackoff time.Duration
	CapBackoff  time.Duration

	// BackpressureDelay is the fixed reschedule delay used when the
	// Session Manager reports Backpressure (spec §4.6, default 50ms).
	BackpressureDelay time.Duration
	// BackpressureThreshold is how long persistent back-pressure is
	// tolerated before surfacing RecipientUnavailable (default 10s).
	BackpressureThreshold time.Duration

	// DedupTTL bounds how long a QoS 2 phase's dedup entries live.
	DedupTTL time.Duration

	OnTerminal TerminalFunc
}

func (c *Config) CheckAndSetDefaults() error {
	if c.Sessions == nil {
		return trace.BadParameter("sessions deliverer is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.QoS1Attempts == 0 {
		c.QoS1Attempts = 3
	}
	if c.QoS2Attempts == 0 {
		c.QoS2Attempts = 5
	}
	if c.BaseBackoff == 0 {
		c.BaseBackoff = 100 * time.Millisecond
	}
	if c.CapBackoff == 0 {
		c.CapBackoff = 30 * time.Second
	}
	if c.BackpressureDelay == 0 {
		c.BackpressureDelay = 50 * time.Millisecond
	}
	if c.BackpressureThreshold == 0 {
		c.BackpressureThreshold = 10 * time.Second
	}
	if c.DedupTTL == 0 {
		c.DedupTTL = 5 * time.Minute
	}
	if c.OnTerminal == nil {
		c.OnTerminal = func(*model.Envelope, uaiperr.Kind) {}
	}
	return nil
}

// backoff computes the exponential-with-jitter retry delay for attempt
// (1-indexed), per spec §4.6: min(cap, base*2^(attempt-1)) +-20%.
func backoff(base, cap time.Duration, attempt int) time.Duration {
	scaled := base << uint(attempt-1)
	if scaled <= 0 || scaled > cap {
		scaled = cap
	}
	jitter := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(scaled) * jitter)
}

// pending tracks one in-flight QoS 1 or QoS 2 envelope.
type pending struct {
	envelope  *model.Envelope
	sessionID string

	mu       sync.Mutex
	attempt  int
	ackCh    chan struct{}
	doneCh   chan struct{}
	canceled bool
}

// Engine is the QoS Engine component.
type Engine struct {
	cfg   Config
	dedup *dedup.Window

	mu      sync.Mutex
	pending map[string]*pending // envelope-id -> in-flight state

	firstBackpressure map[string]time.Time
}

// New constructs an Engine from cfg.
func New(cfg Config) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Engine{
		cfg:               cfg,
		dedup:             dedup.New(cfg.Clock, cfg.DedupTTL),
		pending:           make(map[string]*pending),
		firstBackpressure: make(map[string]time.Time),
	}, nil
}

// Handle drives envelope's delivery protocol to sessionID according to
// its QoS level (spec §4.6).
func (e *Engine) Handle(ctx context.Context, sessionID string, envelope *model.Envelope) {
	switch envelope.QoS {
	case model.QoSAtMostOnce:
		e.handleQoS0(ctx, sessionID, envelope)
	case model.QoSAtLeastOnce:
		e.startRetryLoop(ctx, sessionID, envelope, e.cfg.QoS1Attempts, false)
	case model.QoSExactlyOnce:
		e.startRetryLoop(ctx, sessionID, envelope, e.cfg.QoS2Attempts, true)
	}
}

// handleQoS0 hands the envelope to the Session Manager exactly once; any
// failure is dropped and logged, never retried (spec §4.6 "QoS 0").
func (e *Engine) handleQoS0(ctx context.Context, sessionID string, envelope *model.Envelope) {
	if err := e.cfg.Sessions.Deliver(ctx, sessionID, envelope); err != nil {
		kind := uaiperr.KindOf(err)
		log.WithError(err).WithField("envelope_id", envelope.Header.EnvelopeID).Debug("qos0 delivery dropped")
		e.cfg.OnTerminal(envelope, kind)
		return
	}
	e.cfg.OnTerminal(envelope, "")
}

// startRetryLoop drives the at-least-once (and, for qos2, the
// phase-advancing) retry protocol in a background goroutine.
func (e *Engine) startRetryLoop(ctx context.Context, sessionID string, envelope *model.Envelope, maxAttempts int, isQoS2 bool) {
	p := &pending{
		envelope:  envelope,
		sessionID: sessionID,
		ackCh:     make(chan struct{}, 1),
		doneCh:    make(chan struct{}),
	}
	e.mu.Lock()
	e.pending[envelope.Header.EnvelopeID] = p
	e.mu.Unlock()

	if isQoS2 {
		envelope.Delivery.Phase = model.QoS2PubRec
	}

	go e.runRetryLoop(ctx, p, maxAttempts, isQoS2)
}

func (e *Engine) runRetryLoop(ctx context.Context, p *pending, maxAttempts int, isQoS2 bool) {
	defer e.clearPending(p.envelope.Header.EnvelopeID)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if p.envelope.Header.Dead(e.cfg.Clock.Now()) {
			e.cfg.OnTerminal(p.envelope, uaiperr.TtlExpired)
			return
		}

		err := e.cfg.Sessions.Deliver(ctx, p.sessionID, p.envelope)
		if err != nil {
			if uaiperr.Is(err, uaiperr.Backpressure) {
				if e.backpressureExceeded(p.envelope.Header.EnvelopeID) {
					e.cfg.OnTerminal(p.envelope, uaiperr.RecipientUnavailable)
					return
				}
				if !e.sleepOrDone(ctx, p, e.cfg.BackpressureDelay) {
					return
				}
				attempt-- // backpressure reschedule doesn't consume the retry budget
				continue
			}
			if uaiperr.Is(err, uaiperr.NoRoute) {
				e.cfg.OnTerminal(p.envelope, uaiperr.NoRoute)
				return
			}
		}

		wait := backoff(e.cfg.BaseBackoff, e.cfg.CapBackoff, attempt)
		select {
		case <-p.ackCh:
			if isQoS2 {
				if advanced := e.advanceQoS2Phase(ctx, p); !advanced {
					return
				}
				attempt = 0 // each phase gets its own attempt budget
				continue
			}
			e.cfg.OnTerminal(p.envelope, "")
			return
		case <-e.cfg.Clock.After(wait):
			continue
		case <-ctx.Done():
			return
		case <-p.doneCh:
			return
		}
	}

	e.cfg.OnTerminal(p.envelope, uaiperr.Internal)
}

// advanceQoS2Phase moves the two-phase protocol forward on ack. The
// first ack is the pubrel for the initial deliver, and re-delivers the
// complete frame; the second ack is the pubcomp for that complete
// frame and clears the envelope immediately - exactly two deliveries
// and two acks total (spec §4.6 steps 1-3). Returns false once the
// protocol has fully cleared.
func (e *Engine) advanceQoS2Phase(ctx context.Context, p *pending) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.envelope.Delivery.Phase {
	case model.QoS2PubRec:
		p.envelope.Delivery.Phase = model.QoS2Released
		return true
	default:
		p.envelope.Delivery.Phase = model.QoS2Cleared
		e.dedup.Forget(p.envelope.Header.EnvelopeID)
		e.cfg.OnTerminal(p.envelope, "")
		return false
	}
}

func (e *Engine) sleepOrDone(ctx context.Context, p *pending, d time.Duration) bool {
	select {
	case <-e.cfg.Clock.After(d):
		return true
	case <-ctx.Done():
		return false
	case <-p.doneCh:
		return false
	}
}

func (e *Engine) backpressureExceeded(envelopeID string) bool {
	now := e.cfg.Clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	first, ok := e.firstBackpressure[envelopeID]
	if !ok {
		e.firstBackpressure[envelopeID] = now
		return false
	}
	return now.Sub(first) >= e.cfg.BackpressureThreshold
}

func (e *Engine) clearPending(envelopeID string) {
	e.mu.Lock()
	delete(e.pending, envelopeID)
	delete(e.firstBackpressure, envelopeID)
	e.mu.Unlock()
}

// Ack is called by the transport layer when the recipient acknowledges
// envelopeID - a plain ack for QoS 1, or pubrel/pubcomp for QoS 2. A
// duplicate ack for a phase already passed is recognized via the dedup
// window and ignored, satisfying the "recipient observes at most one
// effect" property (spec §8) from the hub's own retry perspective.
func (e *Engine) Ack(envelopeID string) bool {
	e.mu.Lock()
	p, ok := e.pending[envelopeID]
	e.mu.Unlock()
	if !ok {
		return false
	}

	p.mu.Lock()
	canceled := p.canceled
	dedupKey := envelopeID + ":" + string(p.envelope.Delivery.Phase)
	p.mu.Unlock()
	if canceled || e.dedup.Seen(dedupKey) {
		return false
	}

	select {
	case p.ackCh <- struct{}{}:
		return true
	default:
		return false
	}
}

// Cancel stops retrying envelopeID, e.g. because the Priority Queue's
// expiry sweep already marked it dead before the QoS Engine picked it up.
func (e *Engine) Cancel(envelopeID string) {
	e.mu.Lock()
	p, ok := e.pending[envelopeID]
	e.mu.Unlock()
	if !ok {
		return
	}
	p.mu.Lock()
	if !p.canceled {
		p.canceled = true
		close(p.doneCh)
	}
	p.mu.Unlock()
}
